// Package mem provides the memory services the virtqueue transport consumes:
// zeroed, aligned allocation outside the Go heap and translation of
// driver-local buffers into device-visible addresses.
package mem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Arena is a zeroed, page-aligned chunk of memory outside the Go heap.
// Queue structures live in arenas so the garbage collector never moves or
// reclaims memory the device is still allowed to touch, and so the base
// address satisfies every alignment the transport asks for.
type Arena struct {
	buf []byte
}

// NewArena maps a new zeroed arena of at least the given size. The mapping
// is page-aligned by construction and the kernel rounds the size up to whole
// pages.
func NewArena(size int) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("arena size must be positive, got %d", size)
	}

	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("map arena: %w", err)
	}

	return &Arena{buf: buf}, nil
}

// Bytes returns the arena memory. The slice stays valid until Release.
func (a *Arena) Bytes() []byte {
	return a.buf
}

// Size returns the usable size of the arena in bytes.
func (a *Arena) Size() int {
	return len(a.buf)
}

// Release returns the arena memory to the system. The arena and all slices
// derived from it must no longer be used afterwards. Releasing twice is a
// no-op.
func (a *Arena) Release() error {
	if a.buf == nil {
		return nil
	}
	if err := unix.Munmap(a.buf); err != nil {
		return fmt.Errorf("unmap arena: %w", err)
	}
	a.buf = nil
	return nil
}

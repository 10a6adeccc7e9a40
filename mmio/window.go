package mmio

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Window is a mapped register region. All accesses are 32-bit, naturally
// aligned, and go through sync/atomic, which is as close to a volatile
// access as Go gets: the compiler will neither elide nor tear them, and they
// carry the ordering the transport registers rely on.
//
// A Window establishes no ordering with queue memory on its own; the queue
// publishes its ring indexes with release stores before any notify write
// goes through a Window.
type Window struct {
	mem   []byte
	owned bool
}

// NewWindow wraps existing mapped memory in a register window. The memory
// must be 4-byte aligned and hold a whole number of registers.
func NewWindow(mem []byte) (*Window, error) {
	if len(mem) == 0 || len(mem)%4 != 0 {
		return nil, fmt.Errorf("window size %d is not a whole number of registers", len(mem))
	}
	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		return nil, fmt.Errorf("window memory is not 4-byte aligned")
	}
	return &Window{mem: mem}, nil
}

// MapWindow maps size bytes at the given offset of a memory-backed file
// (typically /dev/mem or a platform resource file) as a register window.
// The window owns the mapping; Close releases it.
func MapWindow(path string, offset int64, size int) (*Window, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open register window: %w", err)
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), offset, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map register window: %w", err)
	}

	w, err := NewWindow(mem)
	if err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}
	w.owned = true
	return w, nil
}

// Len returns the size of the window in bytes.
func (w *Window) Len() int {
	return len(w.mem)
}

// Slot returns a sub-window of the given size starting at offset, typically
// one device slot out of a larger scan window. The sub-window shares the
// mapping with its parent.
func (w *Window) Slot(offset, size int) (*Window, error) {
	if offset < 0 || size <= 0 || offset+size > len(w.mem) {
		return nil, fmt.Errorf("slot [%#x, %#x) is outside the window", offset, offset+size)
	}
	return NewWindow(w.mem[offset : offset+size])
}

// Read32 performs a single 32-bit read at the given byte offset.
func (w *Window) Read32(offset int) uint32 {
	return atomic.LoadUint32(w.reg(offset))
}

// Write32 performs a single 32-bit write at the given byte offset.
func (w *Window) Write32(offset int, value uint32) {
	atomic.StoreUint32(w.reg(offset), value)
}

// reg bounds- and alignment-checks the offset. A bad offset is a driver bug,
// not a runtime condition.
func (w *Window) reg(offset int) *uint32 {
	if offset < 0 || offset+4 > len(w.mem) || offset%4 != 0 {
		panic(fmt.Sprintf("invalid register access at offset %#x", offset))
	}
	return (*uint32)(unsafe.Pointer(&w.mem[offset]))
}

// Close unmaps the window when it owns the mapping. Windows wrapping
// caller-provided memory are left alone.
func (w *Window) Close() error {
	if !w.owned || w.mem == nil {
		w.mem = nil
		return nil
	}
	mem := w.mem
	w.mem = nil
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("unmap register window: %w", err)
	}
	return nil
}

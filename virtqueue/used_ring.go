package virtqueue

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// errUsedRingOverrun reports a device that advanced the used ring index by
// more than the queue size. The entries such an index announces cannot all
// exist, so none of them can be trusted.
var errUsedRingOverrun = errors.New("used ring index advanced by more than the queue size")

// usedRingFlag is a flag that describes a [UsedRing].
type usedRingFlag uint16

const (
	// usedRingFlagNoNotify is used by the device to advise the driver to not
	// kick it when adding a buffer. It's unreliable, so it's simply an
	// optimization. The driver will still kick when it's out of buffers.
	usedRingFlagNoNotify usedRingFlag = 1 << iota
)

// usedRingSize is the number of bytes needed to store a [UsedRing] with the
// given queue size in memory.
func usedRingSize(queueSize int) int {
	return 6 + usedElementSize*queueSize
}

// usedRingAlignment is the minimum alignment of a [UsedRing] in memory, as
// required by the virtio spec. The transport registration additionally wants
// the ring on a page of its own, which [LayoutFor] takes care of.
const usedRingAlignment = 4

// UsedRing is where the device returns descriptor chains once it is done
// with them. Each ring entry is a [UsedElement]. It is only written to by
// the device and read by the driver.
//
// Because the size of the ring depends on the queue size, we cannot define a
// Go struct with a static size that maps to the memory of the ring. Instead,
// this struct only contains pointers to the corresponding memory areas.
type UsedRing struct {
	initialized bool

	// header covers the flags (low half) and the ring index (high half) of
	// the ring as one naturally aligned 32-bit word. Both halves are owned
	// by the device; the driver only ever reads them through
	// [UsedRing.loadIndex] and [UsedRing.noNotify].
	header *uint32
	// ring contains the [UsedElement]s. It wraps around at queue size.
	ring []UsedElement
	// availableEvent is not used by this implementation, but we reserve it
	// anyway to avoid issues in case a device may try to write to it,
	// contrary to the virtio specification.
	availableEvent *uint16

	// lastIndex is the driver's consumption cursor: the ring index up to
	// which all [UsedElement]s were already returned by take. It only ever
	// advances (modulo 2^16).
	lastIndex uint16
}

// newUsedRing creates a used ring that uses the given underlying memory. The
// length of the memory slice must match the size needed for the ring (see
// [usedRingSize]) for the given queue size.
func newUsedRing(queueSize int, mem []byte) *UsedRing {
	ringSize := usedRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for used ring: %v", len(mem), ringSize))
	}

	r := UsedRing{
		initialized:    true,
		header:         (*uint32)(unsafe.Pointer(&mem[0])),
		ring:           unsafe.Slice((*UsedElement)(unsafe.Pointer(&mem[4])), queueSize),
		availableEvent: (*uint16)(unsafe.Pointer(&mem[ringSize-2])),
	}
	r.lastIndex = r.loadIndex()
	return &r
}

// Address returns the pointer to the beginning of the ring in memory.
// Do not modify the memory directly to not interfere with this
// implementation.
func (r *UsedRing) Address() uintptr {
	if !r.initialized {
		panic("used ring is not initialized")
	}
	return uintptr(unsafe.Pointer(r.header))
}

// loadIndex reads the ring index the device published. The acquire ordering
// of the atomic load is the read barrier the split queue protocol requires
// here: entry reads that follow cannot be reordered before it, so an index
// is never acted on without the entries it announces being visible.
func (r *UsedRing) loadIndex() uint16 {
	return uint16(atomic.LoadUint32(r.header) >> 16)
}

// noNotify reports whether the device asked to not be kicked when the driver
// adds buffers.
func (r *UsedRing) noNotify() bool {
	return usedRingFlag(atomic.LoadUint32(r.header))&usedRingFlagNoNotify != 0
}

// pending returns the number of new used elements that can be read from the
// ring. The 16-bit subtraction handles index wraparound.
func (r *UsedRing) pending() int {
	return int(r.loadIndex() - r.lastIndex)
}

// take returns all new [UsedElement]s that the device put into the ring and
// that weren't already returned by a previous call to this method. Each
// element is surfaced exactly once; calling take again before new device
// activity returns nil.
//
// The ring index is device-controlled input. An index that ran ahead by more
// than the queue size is a protocol violation and is returned as
// [errUsedRingOverrun] so the queue can take itself out of service.
func (r *UsedRing) take() ([]UsedElement, error) {
	count := r.pending()
	if count == 0 {
		return nil, nil
	}
	if count > len(r.ring) {
		return nil, errUsedRingOverrun
	}

	elems := make([]UsedElement, count)
	for i := 0; i < count; i++ {
		elems[i] = r.ring[int(r.lastIndex)%len(r.ring)]
		r.lastIndex++
	}

	return elems, nil
}

// takeOne returns the next unseen [UsedElement], if any.
func (r *UsedRing) takeOne() (UsedElement, bool) {
	if r.pending() == 0 {
		return UsedElement{}, false
	}

	out := r.ring[int(r.lastIndex)%len(r.ring)]
	r.lastIndex++
	return out, true
}

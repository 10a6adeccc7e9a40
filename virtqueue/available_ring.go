package virtqueue

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// availableRingFlag is a flag that describes an [AvailableRing].
type availableRingFlag uint16

const (
	// availableRingFlagNoInterrupt is used by the driver to advise the device
	// to not interrupt it when consuming a buffer. It's unreliable, so it's
	// simply an optimization.
	availableRingFlagNoInterrupt availableRingFlag = 1 << iota
)

// availableRingSize is the number of bytes needed to store an [AvailableRing]
// with the given queue size in memory.
func availableRingSize(queueSize int) int {
	return 6 + 2*queueSize
}

// availableRingAlignment is the minimum alignment of an [AvailableRing]
// in memory, as required by the virtio spec.
const availableRingAlignment = 2

// AvailableRing is used by the driver to offer descriptor chains to the
// device. Each ring entry refers to the head of a descriptor chain. It is
// only written to by the driver and read by the device.
//
// Because the size of the ring depends on the queue size, we cannot define a
// Go struct with a static size that maps to the memory of the ring. Instead,
// this struct only contains pointers to the corresponding memory areas.
type AvailableRing struct {
	initialized bool

	// header covers the flags (low half) and the ring index (high half) of
	// the ring as one naturally aligned 32-bit word. The index announces
	// where the driver will put the next entry (modulo the queue size) and
	// is only ever written through [AvailableRing.publish].
	header *uint32
	// ring references buffers using the index of the head of the descriptor
	// chain in the [DescriptorTable]. It wraps around at queue size.
	ring []uint16
	// usedEvent is not used by this implementation, but we reserve it anyway
	// to avoid issues in case a device may try to access it, contrary to the
	// virtio specification.
	usedEvent *uint16

	// shadowIndex mirrors the published ring index. The ring has a single
	// producer, so the shadow is authoritative and saves a read from shared
	// memory on every offer.
	shadowIndex uint16
	// flags is the driver-owned value of the flags field, republished
	// together with the index.
	flags availableRingFlag
}

// newAvailableRing creates an available ring that uses the given underlying
// memory. The length of the memory slice must match the size needed for the
// ring (see [availableRingSize]) for the given queue size.
func newAvailableRing(queueSize int, mem []byte) *AvailableRing {
	ringSize := availableRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for available ring: %v", len(mem), ringSize))
	}

	return &AvailableRing{
		initialized: true,
		header:      (*uint32)(unsafe.Pointer(&mem[0])),
		ring:        unsafe.Slice((*uint16)(unsafe.Pointer(&mem[4])), queueSize),
		usedEvent:   (*uint16)(unsafe.Pointer(&mem[ringSize-2])),
	}
}

// Address returns the pointer to the beginning of the ring in memory.
// Do not modify the memory directly to not interfere with this
// implementation.
func (r *AvailableRing) Address() uintptr {
	if !r.initialized {
		panic("available ring is not initialized")
	}
	return uintptr(unsafe.Pointer(r.header))
}

// offer adds the given descriptor chain heads to the ring and publishes the
// new ring index to make the device process the chains.
func (r *AvailableRing) offer(chains []uint16) {
	// Add descriptor chain heads to the ring.
	for offset, head := range chains {
		// The 16-bit ring index may overflow. This is expected and is not an
		// issue because the size of the ring array (which equals the queue
		// size) is always a power of 2 and smaller than the highest possible
		// 16-bit value.
		insertIndex := int(r.shadowIndex+uint16(offset)) % len(r.ring)
		r.ring[insertIndex] = head
	}

	// Increase the ring index by the number of descriptor chains added to
	// the ring.
	r.shadowIndex += uint16(len(chains))
	r.publish()
}

// offerSingle is [AvailableRing.offer] for a single chain head, without the
// slice plumbing.
func (r *AvailableRing) offerSingle(head uint16) {
	r.ring[int(r.shadowIndex)%len(r.ring)] = head
	r.shadowIndex++
	r.publish()
}

// publish makes the new ring index visible to the device. The release
// ordering of the atomic store is the write barrier the split queue protocol
// requires here: the slot writes above cannot be reordered past the index
// update, so the device never observes an index without the entries it
// announces.
func (r *AvailableRing) publish() {
	atomic.StoreUint32(r.header, uint32(r.flags)|uint32(r.shadowIndex)<<16)
}

// loadIndex reads back the published ring index.
func (r *AvailableRing) loadIndex() uint16 {
	return uint16(atomic.LoadUint32(r.header) >> 16)
}

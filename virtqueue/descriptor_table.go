package virtqueue

import (
	"errors"
	"fmt"
	"unsafe"
)

var (
	// ErrChainEmpty is returned when a descriptor chain would contain no
	// buffers, which is not allowed.
	ErrChainEmpty = errors.New("empty descriptor chains are not allowed")

	// ErrNotEnoughFreeDescriptors is returned when the free descriptors are
	// exhausted, meaning that the queue is full.
	ErrNotEnoughFreeDescriptors = errors.New("not enough free descriptors, queue is full")

	// ErrInvalidDescriptorChain is returned when a descriptor chain is not
	// valid for a given operation.
	ErrInvalidDescriptorChain = errors.New("invalid descriptor chain")
)

// descriptorTableSize is the number of bytes needed to store a
// [DescriptorTable] with the given queue size in memory.
func descriptorTableSize(queueSize int) int {
	return descriptorSize * queueSize
}

// descriptorTableAlignment is the minimum alignment of a [DescriptorTable]
// in memory, as required by the virtio spec.
const descriptorTableAlignment = 16

// DescriptorTable is a table that holds [Descriptor]s, addressed via their
// index in the slice.
//
// Descriptors that are not part of any chain are tracked on a free stack.
// Together with the chains currently handed out this accounts for every slot
// of the table: len(freeStack) plus the lengths of all outstanding chains
// always equals the queue size.
type DescriptorTable struct {
	descriptors []Descriptor

	// freeStack holds the indexes of all descriptors that are not part of
	// any chain. allocateChain pops from it, freeChain pushes back.
	freeStack []uint16
}

// newDescriptorTable creates a descriptor table that uses the given
// underlying memory. The length of the memory slice must match the size
// needed for the descriptor table (see [descriptorTableSize]) for the given
// queue size.
//
// Before this descriptor table can be used, [DescriptorTable.initialize]
// must be called.
func newDescriptorTable(queueSize int, mem []byte) *DescriptorTable {
	dtSize := descriptorTableSize(queueSize)
	if len(mem) != dtSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for descriptor table: %v", len(mem), dtSize))
	}

	return &DescriptorTable{
		descriptors: unsafe.Slice((*Descriptor)(unsafe.Pointer(&mem[0])), queueSize),
		// No free descriptors until initialize ran.
		freeStack: make([]uint16, 0, queueSize),
	}
}

// initialize zeroes the table and marks every descriptor as free. The table
// is handed to the device in this state.
func (dt *DescriptorTable) initialize() {
	for i := range dt.descriptors {
		dt.descriptors[i] = Descriptor{}
	}

	// Push in reverse so that low indexes are allocated first.
	dt.freeStack = dt.freeStack[:0]
	for i := len(dt.descriptors) - 1; i >= 0; i-- {
		dt.freeStack = append(dt.freeStack, uint16(i))
	}
}

// Address returns the pointer to the beginning of the descriptor table in
// memory. Do not modify the memory directly to not interfere with this
// implementation.
func (dt *DescriptorTable) Address() uintptr {
	if dt.descriptors == nil {
		panic("descriptor table is not initialized")
	}
	return uintptr(unsafe.Pointer(&dt.descriptors[0]))
}

// freeNum returns the number of descriptors that are currently free.
func (dt *DescriptorTable) freeNum() int {
	return len(dt.freeStack)
}

// allocateChain pops n free descriptors and links them into a chain: every
// descriptor but the last carries the next flag and points at the following
// one. The buffer fields stay zero, the caller fills them with setBuffer.
// Allocation is all or nothing: when fewer than n descriptors are free, the
// table is left untouched and a wrapped [ErrNotEnoughFreeDescriptors] is
// returned.
func (dt *DescriptorTable) allocateChain(n int) (uint16, error) {
	if n <= 0 {
		return 0, ErrChainEmpty
	}
	if n > len(dt.freeStack) {
		return 0, fmt.Errorf("%w: need %d, have %d",
			ErrNotEnoughFreeDescriptors, n, len(dt.freeStack))
	}

	top := len(dt.freeStack) - 1
	head := dt.freeStack[top]
	current := head
	for i := 1; i < n; i++ {
		next := dt.freeStack[top-i]
		desc := &dt.descriptors[current]
		desc.flags = descriptorFlagHasNext
		desc.next = next
		current = next
	}

	// The tail terminates the chain.
	tail := &dt.descriptors[current]
	tail.flags = 0
	tail.next = 0

	dt.freeStack = dt.freeStack[:len(dt.freeStack)-n]

	return head, nil
}

// setBuffer fills the descriptor at the given index with a device-visible
// buffer address. The chain linkage flags were set by allocateChain and are
// preserved, only the writable bit is added here.
func (dt *DescriptorTable) setBuffer(index uint16, addr uint64, length uint32, deviceWritable bool) {
	desc := &dt.descriptors[index]
	desc.address = addr
	desc.length = length
	if deviceWritable {
		desc.flags |= descriptorFlagWritable
	} else {
		desc.flags &^= descriptorFlagWritable
	}
}

// next returns the index of the descriptor following the given one within
// its chain, or false when the given descriptor is the chain's tail.
func (dt *DescriptorTable) next(index uint16) (uint16, bool) {
	desc := &dt.descriptors[index]
	if desc.flags&descriptorFlagHasNext == 0 {
		return 0, false
	}
	return desc.next, true
}

// freeChain walks the chain starting at head, clears each descriptor and
// returns the indexes to the free stack. It returns the number of
// descriptors that were freed. The walk is bounded by the table capacity so
// a corrupted chain cannot loop forever; hitting the bound is reported as an
// invalid chain.
//
// Freeing is not defensive against double frees: a chain must be freed
// exactly once, after the device returned it through the used ring.
func (dt *DescriptorTable) freeChain(head uint16) (int, error) {
	if int(head) >= len(dt.descriptors) {
		return 0, fmt.Errorf("%w: index %d out of range", ErrInvalidDescriptorChain, head)
	}

	next := head
	freed := 0
	for range dt.descriptors {
		desc := &dt.descriptors[next]
		hasNext := desc.flags&descriptorFlagHasNext != 0
		following := desc.next

		*desc = Descriptor{}
		dt.freeStack = append(dt.freeStack, next)
		freed++

		if !hasNext {
			return freed, nil
		}
		if int(following) >= len(dt.descriptors) {
			return freed, fmt.Errorf("%w: next index %d out of range",
				ErrInvalidDescriptorChain, following)
		}
		next = following
	}

	// A chain longer than the table can only mean the linkage was corrupted
	// into a cycle.
	return freed, fmt.Errorf("%w: contains a loop", ErrInvalidDescriptorChain)
}

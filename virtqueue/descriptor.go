package virtqueue

// descriptorFlag is a flag that describes a [Descriptor].
type descriptorFlag uint16

const (
	// descriptorFlagHasNext marks a descriptor chain as continuing via the next
	// field.
	descriptorFlagHasNext descriptorFlag = 1 << iota
	// descriptorFlagWritable marks a buffer as device write-only (otherwise
	// device read-only).
	descriptorFlagWritable
	// descriptorFlagIndirect means the buffer contains a list of buffer
	// descriptors to provide an additional layer of indirection. Indirect
	// descriptors are a negotiated feature and are never produced by this
	// implementation.
	descriptorFlagIndirect
)

// descriptorSize is the number of bytes needed to store a [Descriptor] in
// memory.
const descriptorSize = 16

// Descriptor describes (a part of) a buffer which is either read-only for the
// device or write-only for the device (depending on [descriptorFlagWritable]).
// Multiple descriptors can be chained to produce a "descriptor chain" that
// represents one logical request. Device-readable descriptors always come
// first in a chain.
type Descriptor struct {
	// address is the device-visible (physical) address of the continuous
	// memory holding the data for this descriptor. The queue never translates
	// addresses itself, that is the job of a [mem.Translator].
	address uint64
	// length is the amount of bytes stored at address.
	length uint32
	// flags that describe this descriptor.
	flags descriptorFlag
	// next contains the index of the next descriptor continuing this
	// descriptor chain. It is only meaningful when the
	// [descriptorFlagHasNext] flag is set.
	next uint16
}

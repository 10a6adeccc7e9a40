package virtqueue

import (
	"errors"
	"fmt"
)

// ErrQueueSizeInvalid is returned when a queue size is invalid.
var ErrQueueSizeInvalid = errors.New("queue size is invalid")

// CheckQueueSize checks if the given value would be a valid size for a
// virtqueue and returns an [ErrQueueSizeInvalid], if not.
func CheckQueueSize(queueSize int) error {
	if queueSize <= 0 {
		return fmt.Errorf("%w: %d is too small", ErrQueueSizeInvalid, queueSize)
	}

	// The queue size must always be a power of 2.
	// This ensures that ring indexes wrap correctly when the 16-bit integers
	// overflow.
	if queueSize&(queueSize-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrQueueSizeInvalid, queueSize)
	}

	// The largest power of 2 that fits into a 16-bit integer is 32768.
	// 2 * 32768 would be 65536 which no longer fits.
	if queueSize > 32768 {
		return fmt.Errorf("%w: %d is larger than the maximum possible queue size 32768",
			ErrQueueSizeInvalid, queueSize)
	}

	return nil
}

// Layout describes where the three virtqueue regions live within one
// contiguous memory block. The descriptor table, the available ring and the
// used ring all share a single capacity; the device is told about one queue
// size and all three regions are derived from it.
type Layout struct {
	DescriptorTableOffset int
	AvailableRingOffset   int
	UsedRingOffset        int
	// Size is the total number of bytes the block must hold, rounded up to
	// whole pages.
	Size int
}

// LayoutFor computes the region layout for a queue of the given size. The
// descriptor table starts at the beginning of the block, which satisfies its
// natural alignment as long as the block itself is page-aligned. The
// available ring follows with its minimum alignment. The used ring is pushed
// onto a page of its own because the transport hands the device a
// page-aligned address for it.
func LayoutFor(queueSize, pageSize int) Layout {
	descriptorTableEnd := descriptorTableSize(queueSize)
	availableRingStart := align(descriptorTableEnd, availableRingAlignment)
	availableRingEnd := availableRingStart + availableRingSize(queueSize)
	usedRingStart := align(availableRingEnd, pageSize)
	usedRingEnd := usedRingStart + usedRingSize(queueSize)

	return Layout{
		DescriptorTableOffset: 0,
		AvailableRingOffset:   availableRingStart,
		UsedRingOffset:        usedRingStart,
		Size:                  align(usedRingEnd, pageSize),
	}
}

func align(index, alignment int) int {
	remainder := index % alignment
	if remainder == 0 {
		return index
	}
	return index + alignment - remainder
}

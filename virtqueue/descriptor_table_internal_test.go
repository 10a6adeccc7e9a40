package virtqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDescriptorTable(t *testing.T, queueSize int) *DescriptorTable {
	t.Helper()
	dt := newDescriptorTable(queueSize, make([]byte, descriptorTableSize(queueSize)))
	dt.initialize()
	return dt
}

func TestDescriptorTable_AllocateChain(t *testing.T) {
	dt := newTestDescriptorTable(t, 8)

	head, err := dt.allocateChain(3)
	require.NoError(t, err)

	// Low indexes are handed out first.
	assert.EqualValues(t, 0, head)
	assert.Equal(t, 5, dt.freeNum())

	// The chain is linked head to tail, with the tail terminating it.
	assert.Equal(t, descriptorFlagHasNext, dt.descriptors[0].flags)
	assert.EqualValues(t, 1, dt.descriptors[0].next)
	assert.Equal(t, descriptorFlagHasNext, dt.descriptors[1].flags)
	assert.EqualValues(t, 2, dt.descriptors[1].next)
	assert.Zero(t, dt.descriptors[2].flags)

	next, ok := dt.next(0)
	assert.True(t, ok)
	assert.EqualValues(t, 1, next)
	next, ok = dt.next(1)
	assert.True(t, ok)
	assert.EqualValues(t, 2, next)
	_, ok = dt.next(2)
	assert.False(t, ok)
}

func TestDescriptorTable_AllocateChainEmpty(t *testing.T) {
	dt := newTestDescriptorTable(t, 8)

	_, err := dt.allocateChain(0)
	assert.ErrorIs(t, err, ErrChainEmpty)
	_, err = dt.allocateChain(-1)
	assert.ErrorIs(t, err, ErrChainEmpty)
	assert.Equal(t, 8, dt.freeNum())
}

func TestDescriptorTable_AllocateChainAllOrNothing(t *testing.T) {
	dt := newTestDescriptorTable(t, 4)

	_, err := dt.allocateChain(3)
	require.NoError(t, err)
	require.Equal(t, 1, dt.freeNum())

	// Asking for more than is free must not consume the remaining one.
	_, err = dt.allocateChain(2)
	assert.ErrorIs(t, err, ErrNotEnoughFreeDescriptors)
	assert.Equal(t, 1, dt.freeNum())

	_, err = dt.allocateChain(1)
	assert.NoError(t, err)
	assert.Equal(t, 0, dt.freeNum())
}

func TestDescriptorTable_SetBuffer(t *testing.T) {
	dt := newTestDescriptorTable(t, 4)

	head, err := dt.allocateChain(2)
	require.NoError(t, err)

	dt.setBuffer(head, 0xcafe, 42, false)
	assert.EqualValues(t, 0xcafe, dt.descriptors[head].address)
	assert.EqualValues(t, 42, dt.descriptors[head].length)
	// Chain linkage survives the buffer assignment.
	assert.Equal(t, descriptorFlagHasNext, dt.descriptors[head].flags)

	tail, ok := dt.next(head)
	require.True(t, ok)
	dt.setBuffer(tail, 0xbeef, 7, true)
	assert.Equal(t, descriptorFlagWritable, dt.descriptors[tail].flags)

	// Reusing the descriptor for a device-readable buffer clears the bit.
	dt.setBuffer(tail, 0xbeef, 7, false)
	assert.Zero(t, dt.descriptors[tail].flags)
}

func TestDescriptorTable_FreeChain(t *testing.T) {
	dt := newTestDescriptorTable(t, 8)

	head, err := dt.allocateChain(3)
	require.NoError(t, err)
	dt.setBuffer(head, 0xcafe, 42, false)

	freed, err := dt.freeChain(head)
	require.NoError(t, err)
	assert.Equal(t, 3, freed)
	assert.Equal(t, 8, dt.freeNum())

	// Freed descriptors are zeroed so stale addresses never leak to the
	// device through a later chain.
	assert.Equal(t, Descriptor{}, dt.descriptors[head])
}

func TestDescriptorTable_FreeChainReuse(t *testing.T) {
	dt := newTestDescriptorTable(t, 4)

	first, err := dt.allocateChain(4)
	require.NoError(t, err)

	_, err = dt.freeChain(first)
	require.NoError(t, err)

	// Conservation: every allocate/free cycle must leave the table whole.
	for i := 0; i < 10; i++ {
		head, err := dt.allocateChain(4)
		require.NoError(t, err)
		_, err = dt.freeChain(head)
		require.NoError(t, err)
		assert.Equal(t, 4, dt.freeNum())
	}
}

func TestDescriptorTable_FreeChainInvalid(t *testing.T) {
	dt := newTestDescriptorTable(t, 4)

	_, err := dt.freeChain(4)
	assert.ErrorIs(t, err, ErrInvalidDescriptorChain)

	head, err := dt.allocateChain(2)
	require.NoError(t, err)

	// A device could scribble an out-of-range link into the chain.
	dt.descriptors[head].next = 200
	_, err = dt.freeChain(head)
	assert.ErrorIs(t, err, ErrInvalidDescriptorChain)
}

func TestDescriptorTable_FreeChainLoop(t *testing.T) {
	dt := newTestDescriptorTable(t, 4)

	head, err := dt.allocateChain(2)
	require.NoError(t, err)

	// Corrupt the linkage into a cycle: the tail points back at the head.
	tail, ok := dt.next(head)
	require.True(t, ok)
	dt.descriptors[tail].flags = descriptorFlagHasNext
	dt.descriptors[tail].next = head

	_, err = dt.freeChain(head)
	assert.ErrorIs(t, err, ErrInvalidDescriptorChain)
}

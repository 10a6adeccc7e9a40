package mmio

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slackhq/virtmmio/irq"
	"github.com/slackhq/virtmmio/test"
	"github.com/slackhq/virtmmio/virtqueue"
)

// newTestSlot builds a window over plain memory posing as one device slot.
// Plain memory retains register writes, which is enough for the handshake
// paths: status readbacks return what the driver wrote.
func newTestSlot(t *testing.T, id DeviceID) *Window {
	t.Helper()
	w, err := NewWindow(make([]byte, SlotSize))
	require.NoError(t, err)
	seedSlot(w, 0, id)
	// Offer VERSION_1 in the second feature word.
	w.Write32(regDeviceFeatures, featureVersion1)
	return w
}

func TestNewDevice(t *testing.T) {
	w := newTestSlot(t, BlockDeviceID)

	d, err := NewDevice(test.NewLogger(), w)
	require.NoError(t, err)
	assert.Equal(t, BlockDeviceID, d.Type())
}

func TestNewDevice_BadMagic(t *testing.T) {
	w, err := NewWindow(make([]byte, SlotSize))
	require.NoError(t, err)

	_, err = NewDevice(test.NewLogger(), w)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestNewDevice_BadVersion(t *testing.T) {
	w := newTestSlot(t, BlockDeviceID)
	w.Write32(regVersion, 1)

	_, err := NewDevice(test.NewLogger(), w)
	assert.ErrorIs(t, err, ErrBadVersion)
}

func TestDevice_Initialize(t *testing.T) {
	w := newTestSlot(t, NetworkDeviceID)

	d, err := NewDevice(test.NewLogger(), w)
	require.NoError(t, err)
	require.NoError(t, d.Initialize())

	status := deviceStatus(w.Read32(regStatus))
	assert.Equal(t, statusAcknowledge|statusDriver|statusFeaturesOK, status)

	// Only VERSION_1 is activated, nothing in the first feature word.
	assert.EqualValues(t, 1, w.Read32(regDriverFeaturesSel))
	assert.EqualValues(t, featureVersion1, w.Read32(regDriverFeatures))
}

func TestDevice_InitializeRejected(t *testing.T) {
	w := newTestSlot(t, NetworkDeviceID)
	w.Write32(regDeviceFeatures, 0)

	d, err := NewDevice(test.NewLogger(), w)
	require.NoError(t, err)

	err = d.Initialize()
	assert.ErrorIs(t, err, ErrDeviceRejected)
	assert.EqualValues(t, statusFailed, w.Read32(regStatus))
}

func TestDevice_RegisterQueue(t *testing.T) {
	l := test.NewLogger()
	w := newTestSlot(t, BlockDeviceID)
	w.Write32(regQueueNumMax, 256)

	d, err := NewDevice(l, w)
	require.NoError(t, err)

	q, err := virtqueue.NewSplitQueue(l, 16,
		virtqueue.WithQueueIndex(3), virtqueue.WithKicker(d))
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, q.Close())
	}()

	require.NoError(t, d.RegisterQueue(q))

	desc, avail, used, err := q.Addresses()
	require.NoError(t, err)

	assert.EqualValues(t, 3, w.Read32(regQueueSel))
	assert.EqualValues(t, 16, w.Read32(regQueueNum))
	assert.Equal(t, uint32(desc), w.Read32(regQueueDescLow))
	assert.Equal(t, uint32(desc>>32), w.Read32(regQueueDescHigh))
	assert.Equal(t, uint32(avail), w.Read32(regQueueDriverLow))
	assert.Equal(t, uint32(avail>>32), w.Read32(regQueueDriverHigh))
	assert.Equal(t, uint32(used), w.Read32(regQueueDeviceLow))
	assert.Equal(t, uint32(used>>32), w.Read32(regQueueDeviceHigh))
	assert.EqualValues(t, 1, w.Read32(regQueueReady))
}

func TestDevice_RegisterQueueUnavailable(t *testing.T) {
	l := test.NewLogger()
	w := newTestSlot(t, BlockDeviceID)

	d, err := NewDevice(l, w)
	require.NoError(t, err)

	q, err := virtqueue.NewSplitQueue(l, 16, virtqueue.WithQueueIndex(7))
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, q.Close())
	}()

	// QueueNumMax of zero means the index does not exist on this device.
	err = d.RegisterQueue(q)
	assert.ErrorIs(t, err, ErrQueueUnavailable)
}

func TestDevice_RegisterQueueTooLarge(t *testing.T) {
	l := test.NewLogger()
	w := newTestSlot(t, BlockDeviceID)
	w.Write32(regQueueNumMax, 8)

	d, err := NewDevice(l, w)
	require.NoError(t, err)

	q, err := virtqueue.NewSplitQueue(l, 16)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, q.Close())
	}()

	err = d.RegisterQueue(q)
	assert.ErrorContains(t, err, "exceeds device maximum")
}

// publishUsed plays the device returning a chain through the registered
// queue's used ring. The queue runs with the identity translator, so the
// address it registered is directly writable here, exactly like a
// flat-mapped device would write it.
func publishUsed(t *testing.T, q *virtqueue.SplitQueue, head uint16, length uint32) {
	t.Helper()

	_, _, used, err := q.Addresses()
	require.NoError(t, err)

	// Used ring layout: {flags u16, idx u16}, then {id u32, len u32} slots.
	// The first completion goes into slot 0; publishing idx 1 announces it.
	atomic.StoreUint32((*uint32)(unsafe.Pointer(uintptr(used)+4)), uint32(head))
	atomic.StoreUint32((*uint32)(unsafe.Pointer(uintptr(used)+8)), length)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(uintptr(used))), 1<<16)
}

func TestDevice_InterruptHandler(t *testing.T) {
	l := test.NewLogger()
	w := newTestSlot(t, BlockDeviceID)
	w.Write32(regQueueNumMax, 256)

	d, err := NewDevice(l, w)
	require.NoError(t, err)
	require.NoError(t, d.Initialize())

	var handled []virtqueue.Completion
	q, err := virtqueue.NewSplitQueue(l, 16,
		virtqueue.WithKicker(d),
		virtqueue.WithCompletionHandler(func(c virtqueue.Completion) {
			handled = append(handled, c)
		}))
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, q.Close())
	}()

	require.NoError(t, d.RegisterQueue(q))
	d.Activate()

	disp := irq.NewDispatcher(l)
	require.NoError(t, disp.Register(48, d.InterruptHandler(q)))

	head, err := q.Submit([]virtqueue.Buffer{{Data: make([]byte, 8)}})
	require.NoError(t, err)

	w.Write32(regInterruptStatus, IntUsedBuffer)
	publishUsed(t, q, head, 5)

	assert.True(t, disp.Dispatch(48))

	// The causes were acked before the drain and the completion made it all
	// the way to the handler.
	assert.EqualValues(t, IntUsedBuffer, w.Read32(regInterruptAck))
	assert.Equal(t, []virtqueue.Completion{{Head: head, Length: 5}}, handled)
	assert.Equal(t, 0, q.InFlight())
}

func TestDevice_Kick(t *testing.T) {
	w := newTestSlot(t, BlockDeviceID)

	d, err := NewDevice(test.NewLogger(), w)
	require.NoError(t, err)

	require.NoError(t, d.Kick(5))
	assert.EqualValues(t, 5, w.Read32(regQueueNotify))
}

func TestDevice_Interrupts(t *testing.T) {
	w := newTestSlot(t, BlockDeviceID)

	d, err := NewDevice(test.NewLogger(), w)
	require.NoError(t, err)

	w.Write32(regInterruptStatus, IntUsedBuffer|IntConfigChange)
	assert.EqualValues(t, IntUsedBuffer|IntConfigChange, d.InterruptStatus())

	d.AckInterrupt(IntUsedBuffer)
	assert.EqualValues(t, IntUsedBuffer, w.Read32(regInterruptAck))
}

func TestDevice_Reset(t *testing.T) {
	w := newTestSlot(t, BlockDeviceID)

	d, err := NewDevice(test.NewLogger(), w)
	require.NoError(t, err)
	require.NoError(t, d.Initialize())
	d.Activate()

	assert.False(t, d.NeedsReset())
	w.Write32(regStatus, w.Read32(regStatus)|uint32(statusNeedsReset))
	assert.True(t, d.NeedsReset())

	d.Reset()
	assert.Zero(t, w.Read32(regStatus))
}

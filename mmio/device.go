package mmio

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/slackhq/virtmmio/virtqueue"
)

var (
	// ErrBadMagic is returned when a slot does not carry the virtio-mmio
	// magic value.
	ErrBadMagic = errors.New("slot does not carry the virtio-mmio magic value")

	// ErrBadVersion is returned when a device speaks a virtio-mmio version
	// this driver does not.
	ErrBadVersion = errors.New("unsupported virtio-mmio version")

	// ErrDeviceRejected is returned when feature negotiation with the device
	// fails. The device is left with the FAILED status bit set.
	ErrDeviceRejected = errors.New("device rejected the driver")

	// ErrQueueUnavailable is returned when the device has no queue with the
	// requested index.
	ErrQueueUnavailable = errors.New("device has no queue with this index")
)

// Device is one virtio-mmio device slot with the driver attached to it. It
// implements [virtqueue.Kicker] so queues can notify the device directly.
type Device struct {
	w  *Window
	id DeviceID
	l  *logrus.Logger
}

// NewDevice attaches to the device slot behind the given window, typically
// obtained via [Window.Slot] at an offset returned by [Discover]. It
// verifies the magic value and transport version but leaves the device
// untouched otherwise; [Device.Initialize] starts the status handshake.
func NewDevice(l *logrus.Logger, w *Window) (*Device, error) {
	if got := w.Read32(regMagicValue); got != MagicValue {
		return nil, fmt.Errorf("%w: read %#x", ErrBadMagic, got)
	}
	if got := w.Read32(regVersion); got != Version {
		return nil, fmt.Errorf("%w: device speaks version %d, driver speaks %d",
			ErrBadVersion, got, Version)
	}

	return &Device{
		w:  w,
		id: DeviceID(w.Read32(regDeviceID)),
		l:  l,
	}, nil
}

// Type returns the device type found in the slot's device id register.
func (d *Device) Type() DeviceID {
	return d.id
}

// Initialize runs the device status handshake: reset, ACKNOWLEDGE, DRIVER,
// feature negotiation, FEATURES_OK. The only feature this driver negotiates
// is VERSION_1; a device that does not offer it is failed and rejected.
// Queues are registered afterwards with [Device.RegisterQueue], and
// [Device.Activate] flips DRIVER_OK once everything is in place.
func (d *Device) Initialize() error {
	// Writing zero resets the device and reclaims everything it owned.
	d.w.Write32(regStatus, 0)

	d.setStatus(statusAcknowledge)
	d.setStatus(statusAcknowledge | statusDriver)

	d.w.Write32(regDeviceFeaturesSel, 1)
	if d.w.Read32(regDeviceFeatures)&featureVersion1 == 0 {
		d.Fail()
		return fmt.Errorf("%w: VERSION_1 not offered", ErrDeviceRejected)
	}

	d.w.Write32(regDriverFeaturesSel, 0)
	d.w.Write32(regDriverFeatures, 0)
	d.w.Write32(regDriverFeaturesSel, 1)
	d.w.Write32(regDriverFeatures, featureVersion1)

	d.setStatus(statusAcknowledge | statusDriver | statusFeaturesOK)
	if deviceStatus(d.w.Read32(regStatus))&statusFeaturesOK == 0 {
		d.Fail()
		return fmt.Errorf("%w: FEATURES_OK not accepted", ErrDeviceRejected)
	}

	d.l.WithField("device", d.id).Debug("Negotiated device features")
	return nil
}

// RegisterQueue hands the memory of a [virtqueue.SplitQueue] to the device:
// it selects the queue index, checks the device's size limit and writes the
// device-visible addresses of the three queue regions before flipping the
// queue's ready bit. The queue must have been built with the same index.
func (d *Device) RegisterQueue(q *virtqueue.SplitQueue) error {
	index := q.Index()
	d.w.Write32(regQueueSel, uint32(index))

	maxSize := d.w.Read32(regQueueNumMax)
	if maxSize == 0 {
		return fmt.Errorf("%w: index %d", ErrQueueUnavailable, index)
	}
	if q.Size() > int(maxSize) {
		return fmt.Errorf("queue %d: size %d exceeds device maximum %d",
			index, q.Size(), maxSize)
	}

	desc, avail, used, err := q.Addresses()
	if err != nil {
		return fmt.Errorf("queue %d: %w", index, err)
	}

	d.w.Write32(regQueueNum, uint32(q.Size()))
	d.w.Write32(regQueueDescLow, uint32(desc))
	d.w.Write32(regQueueDescHigh, uint32(desc>>32))
	d.w.Write32(regQueueDriverLow, uint32(avail))
	d.w.Write32(regQueueDriverHigh, uint32(avail>>32))
	d.w.Write32(regQueueDeviceLow, uint32(used))
	d.w.Write32(regQueueDeviceHigh, uint32(used>>32))
	d.w.Write32(regQueueReady, 1)

	d.l.WithFields(logrus.Fields{
		"device": d.id,
		"queue":  index,
		"size":   q.Size(),
	}).Debug("Registered virtqueue")

	return nil
}

// Activate flips DRIVER_OK. From this point on the device may consume the
// available rings of its registered queues.
func (d *Device) Activate() {
	d.setStatus(statusAcknowledge | statusDriver | statusFeaturesOK | statusDriverOK)
	d.l.WithField("device", d.id).Info("Device is live")
}

// Kick implements [virtqueue.Kicker] by writing the queue index into the
// notify register. The queue published its ring index with release ordering
// before calling this, so the device cannot observe the notification ahead
// of the ring contents.
func (d *Device) Kick(queue uint16) error {
	d.w.Write32(regQueueNotify, uint32(queue))
	return nil
}

// InterruptStatus reads the pending interrupt causes ([IntUsedBuffer],
// [IntConfigChange]).
func (d *Device) InterruptStatus() uint32 {
	return d.w.Read32(regInterruptStatus)
}

// AckInterrupt acknowledges the given interrupt causes. Interrupt handlers
// ack before draining the used ring so a completion arriving during the
// drain raises a fresh interrupt instead of being lost.
func (d *Device) AckInterrupt(mask uint32) {
	d.w.Write32(regInterruptAck, mask)
}

// InterruptHandler composes the interrupt service routine for this device's
// line, suitable for registration with an irq.Dispatcher. It acknowledges
// all pending causes first and then drains the given queues, so a completion
// arriving during the drain raises a fresh interrupt instead of being lost.
func (d *Device) InterruptHandler(queues ...*virtqueue.SplitQueue) func() {
	return func() {
		d.AckInterrupt(d.InterruptStatus())
		for _, q := range queues {
			q.ServiceInterrupt()
		}
	}
}

// NeedsReset reports whether the device flagged an unrecoverable internal
// error.
func (d *Device) NeedsReset() bool {
	return deviceStatus(d.w.Read32(regStatus))&statusNeedsReset != 0
}

// Reset returns the device to its pre-initialization state. Every chain the
// device still held is abandoned; the queues backing them must be closed and
// rebuilt before the device is initialized again.
func (d *Device) Reset() {
	d.w.Write32(regStatus, 0)
	d.l.WithField("device", d.id).Info("Device reset")
}

// Fail tells the device that the driver has given up on it.
func (d *Device) Fail() {
	d.setStatus(statusFailed)
}

func (d *Device) setStatus(s deviceStatus) {
	d.w.Write32(regStatus, uint32(s))
}

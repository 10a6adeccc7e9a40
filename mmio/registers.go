// Package mmio implements the driver side of the virtio-mmio transport:
// 32-bit register access over a mapped window, device discovery by scanning
// a window of candidate slots, and device setup (status negotiation, queue
// registration, notification and interrupt handling).
package mmio

import "fmt"

// DeviceID identifies the type of a virtio device.
type DeviceID uint32

const (
	InvalidDeviceID DeviceID = 0
	NetworkDeviceID DeviceID = 1
	BlockDeviceID   DeviceID = 2
	ConsoleDeviceID DeviceID = 3
	EntropyDeviceID DeviceID = 4
	SocketDeviceID  DeviceID = 19
)

func (id DeviceID) String() string {
	switch id {
	case InvalidDeviceID:
		return "invalid"
	case NetworkDeviceID:
		return "net"
	case BlockDeviceID:
		return "block"
	case ConsoleDeviceID:
		return "console"
	case EntropyDeviceID:
		return "entropy"
	case SocketDeviceID:
		return "vsock"
	default:
		return fmt.Sprintf("DeviceID(%d)", uint32(id))
	}
}

// MagicValue is found in the first register of every virtio-mmio slot
// ("virt" in little-endian).
const MagicValue = 0x74726976

// Version is the virtio-mmio version this driver speaks. Version 1 (legacy)
// devices use a different queue registration scheme and are not supported.
const Version = 2

// mmio register offsets, relative to the device slot base
const (
	regMagicValue        = 0x000 // always 0x74726976 (R)
	regVersion           = 0x004 // always 0x2 (R)
	regDeviceID          = 0x008 // virtio subsystem device id (R)
	regVendorID          = 0x00c // virtio subsystem vendor id (R)
	regDeviceFeatures    = 0x010 // flags, depends on regDeviceFeaturesSel (R)
	regDeviceFeaturesSel = 0x014 // word selection for regDeviceFeatures (W)
	regDriverFeatures    = 0x020 // feature flags activated by the driver (W)
	regDriverFeaturesSel = 0x024 // word selection for regDriverFeatures (W)
	regQueueSel          = 0x030 // virtual queue index (W)
	regQueueNumMax       = 0x034 // maximum virtual queue size (R)
	regQueueNum          = 0x038 // virtual queue size (W)
	regQueueReady        = 0x044 // virtual queue ready bit (RW)
	regQueueNotify       = 0x050 // queue notifier (W)
	regInterruptStatus   = 0x060 // interrupt status (R)
	regInterruptAck      = 0x064 // interrupt acknowledge (W)
	regStatus            = 0x070 // device status (RW)
	regQueueDescLow      = 0x080 // descriptor area address, low word (W)
	regQueueDescHigh     = 0x084 // descriptor area address, high word (W)
	regQueueDriverLow    = 0x090 // driver area (available ring), low word (W)
	regQueueDriverHigh   = 0x094 // driver area (available ring), high word (W)
	regQueueDeviceLow    = 0x0a0 // device area (used ring), low word (W)
	regQueueDeviceHigh   = 0x0a4 // device area (used ring), high word (W)
	regConfigGeneration  = 0x0fc // configuration atomicity value (R)
)

// deviceStatus tracks the initialization handshake in the status register.
type deviceStatus uint32

const (
	statusAcknowledge deviceStatus = 1   // driver noticed the device
	statusDriver      deviceStatus = 2   // driver knows how to drive it
	statusDriverOK    deviceStatus = 4   // driver is ready, device may run
	statusFeaturesOK  deviceStatus = 8   // feature negotiation is complete
	statusNeedsReset  deviceStatus = 64  // device hit an unrecoverable error
	statusFailed      deviceStatus = 128 // driver gave up on the device
)

// interrupt status bits
const (
	// IntUsedBuffer is set when the device has used at least one buffer
	// since the last acknowledgement.
	IntUsedBuffer = 1 << 0
	// IntConfigChange is set when the device configuration has changed.
	IntConfigChange = 1 << 1
)

// featureVersion1 is VIRTIO_F_VERSION_1 (bit 32), expressed as a bit within
// the second feature word. It is the only feature this driver negotiates;
// indirect descriptors, packed rings and event indexes stay off.
const featureVersion1 = 1 << (32 - 32)

package mmio

// SlotStride is the spacing of device slots within a scan window. QEMU's
// aarch64 virt machine places one virtio-mmio transport every 512 bytes.
const SlotStride = 0x200

// SlotSize is the size of the register region of a single device slot.
const SlotSize = 0x200

// Discover scans the window for a device of the given type and returns the
// byte offset of the first matching slot. Candidates are visited at
// [SlotStride] spacing; a slot without the magic value or with a transport
// version other than [Version] is skipped, the first slot whose device id
// matches wins and ends the scan.
//
// Absence is not an error: a missing device is an ordinary result and the
// caller decides whether it is fatal.
func Discover(w *Window, deviceType DeviceID) (int, bool) {
	for offset := 0; offset+SlotSize <= w.Len(); offset += SlotStride {
		if w.Read32(offset+regMagicValue) != MagicValue {
			continue
		}
		if w.Read32(offset+regVersion) != Version {
			continue
		}
		if DeviceID(w.Read32(offset+regDeviceID)) == deviceType {
			return offset, true
		}
	}
	return 0, false
}

// DeviceInfo describes one populated slot of a scan window.
type DeviceInfo struct {
	Offset   int
	Type     DeviceID
	Version  uint32
	VendorID uint32
}

// Probe lists every slot in the window that carries the virtio-mmio magic
// value and a non-zero device id. Slots with device id zero are placeholders
// the platform wired up without a device behind them.
func Probe(w *Window) []DeviceInfo {
	var found []DeviceInfo
	for offset := 0; offset+SlotSize <= w.Len(); offset += SlotStride {
		if w.Read32(offset+regMagicValue) != MagicValue {
			continue
		}
		id := DeviceID(w.Read32(offset + regDeviceID))
		if id == InvalidDeviceID {
			continue
		}
		found = append(found, DeviceInfo{
			Offset:   offset,
			Type:     id,
			Version:  w.Read32(offset + regVersion),
			VendorID: w.Read32(offset + regVendorID),
		})
	}
	return found
}

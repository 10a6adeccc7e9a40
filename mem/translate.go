package mem

import (
	"errors"
	"unsafe"
)

// ErrUntranslatable is returned when a buffer has no device-visible address.
var ErrUntranslatable = errors.New("buffer has no device-visible address")

// Translator converts a driver-local buffer into the device-visible
// (physical) address that goes into a descriptor. The queue never performs
// this translation itself; the memory subsystem that owns the mapping does.
type Translator interface {
	Physical(b []byte) (uint64, error)
}

// Identity maps buffers one to one, for flat-mapped environments where
// driver-local and device-visible addresses coincide. It is also what tests
// use together with a simulated device.
//
// The address is only stable for memory the runtime never moves, such as
// [Arena] memory. The Go runtime is free to relocate heap and stack slices,
// which would leave the device with a stale address.
type Identity struct{}

func (Identity) Physical(b []byte) (uint64, error) {
	if len(b) == 0 {
		return 0, ErrUntranslatable
	}
	return uint64(uintptr(unsafe.Pointer(&b[0]))), nil
}

// TranslatorFunc adapts a plain function to the [Translator] interface.
type TranslatorFunc func(b []byte) (uint64, error)

func (f TranslatorFunc) Physical(b []byte) (uint64, error) {
	return f(b)
}

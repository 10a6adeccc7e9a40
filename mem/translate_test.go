package mem

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentity(t *testing.T) {
	// Identity addresses are only stable for non-moving memory, so the test
	// buffer comes from an arena like real queue memory does.
	arena, err := NewArena(4096)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, arena.Release())
	}()
	buf := arena.Bytes()

	addr, err := Identity{}.Physical(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(uintptr(unsafe.Pointer(&buf[0]))), addr)

	// Sub-slices translate to offset addresses.
	sub, err := Identity{}.Physical(buf[16:])
	require.NoError(t, err)
	assert.Equal(t, addr+16, sub)

	_, err = Identity{}.Physical(nil)
	assert.ErrorIs(t, err, ErrUntranslatable)
}

func TestTranslatorFunc(t *testing.T) {
	var got []byte
	tr := TranslatorFunc(func(b []byte) (uint64, error) {
		got = b
		return 0x1000, nil
	})

	buf := []byte{1, 2, 3}
	addr, err := tr.Physical(buf)
	require.NoError(t, err)
	assert.EqualValues(t, 0x1000, addr)
	assert.Equal(t, buf, got)
}

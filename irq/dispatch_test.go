package irq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slackhq/virtmmio/test"
)

func TestDispatcher(t *testing.T) {
	d := NewDispatcher(test.NewLogger())

	var fired int
	require.NoError(t, d.Register(48, func() { fired++ }))

	assert.True(t, d.Dispatch(48))
	assert.True(t, d.Dispatch(48))
	assert.Equal(t, 2, fired)

	// No handler registered: spurious, but not fatal.
	assert.False(t, d.Dispatch(49))

	d.Unregister(48)
	assert.False(t, d.Dispatch(48))
	assert.Equal(t, 2, fired)
}

func TestDispatcher_RegisterErrors(t *testing.T) {
	d := NewDispatcher(test.NewLogger())

	assert.Error(t, d.Register(48, nil))

	require.NoError(t, d.Register(48, func() {}))
	assert.Error(t, d.Register(48, func() {}))

	// Unregistering frees the line for a new handler.
	d.Unregister(48)
	assert.NoError(t, d.Register(48, func() {}))
}

func TestDispatcher_HandlerMayReregister(t *testing.T) {
	d := NewDispatcher(test.NewLogger())

	// Handlers run outside the dispatcher lock, so a one-shot handler can
	// unregister itself.
	require.NoError(t, d.Register(32, func() {
		d.Unregister(32)
	}))

	assert.True(t, d.Dispatch(32))
	assert.False(t, d.Dispatch(32))
}

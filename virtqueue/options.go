package virtqueue

import (
	"os"

	"github.com/slackhq/virtmmio/mem"
)

type optionValues struct {
	queueIndex uint16
	pageSize   int
	translator mem.Translator
	kicker     Kicker
	onComplete func(Completion)
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

var optionDefaults = optionValues{
	queueIndex: 0,
	pageSize:   os.Getpagesize(),
	translator: mem.Identity{},
}

// Option can be passed to [NewSplitQueue] to influence queue creation.
type Option func(*optionValues)

// WithQueueIndex returns an [Option] that sets the index this queue has on
// its device. The index is passed along with every device notification.
func WithQueueIndex(index uint16) Option {
	return func(o *optionValues) { o.queueIndex = index }
}

// WithTranslator returns an [Option] that sets the address translator used
// to turn submitted buffers and the queue regions themselves into
// device-visible addresses. The default is [mem.Identity], which is only
// correct in flat-mapped environments.
func WithTranslator(t mem.Translator) Option {
	return func(o *optionValues) { o.translator = t }
}

// WithKicker returns an [Option] that sets the [Kicker] used to notify the
// device after chains were made available. Without one the queue never
// notifies and relies on the device polling the available ring.
func WithKicker(k Kicker) Option {
	return func(o *optionValues) { o.kicker = k }
}

// WithCompletionHandler returns an [Option] that sets the callback invoked
// for every reclaimed chain when [SplitQueue.ServiceInterrupt] runs. The
// handler must not call back into the queue's submit or complete paths from
// another goroutine while holding caller locks that submitters also take.
func WithCompletionHandler(h func(Completion)) Option {
	return func(o *optionValues) { o.onComplete = h }
}

// WithPageSize returns an [Option] that overrides the page size used for
// region layout and alignment checks. The default is [os.Getpagesize].
func WithPageSize(pageSize int) Option {
	return func(o *optionValues) { o.pageSize = pageSize }
}

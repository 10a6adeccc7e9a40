package virtqueue

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/slackhq/virtmmio/mem"
)

var (
	// ErrQueueBroken is returned after the device violated the queue
	// protocol. No safe recovery exists for the affected queue: it refuses
	// all further work and a device reset is the only way forward.
	ErrQueueBroken = errors.New("virtqueue is broken, device needs reset")

	// ErrQueueBusy is returned by [SplitQueue.Close] while chains are still
	// posted. The device may still write into their buffers.
	ErrQueueBusy = errors.New("virtqueue has chains in flight")

	// ErrBadAlignment is returned when queue memory does not satisfy the
	// alignment the transport requires. A queue in misaligned memory must
	// never be registered with the device.
	ErrBadAlignment = errors.New("virtqueue region is not aligned as the transport requires")
)

// Buffer is one device-visible buffer of a request. A request is an ordered
// sequence of buffers that becomes one descriptor chain.
type Buffer struct {
	// Data is the driver-local memory backing this part of the request.
	Data []byte
	// DeviceWritable marks the buffer as written by the device. Per the
	// virtio spec, device-writable buffers come after all device-readable
	// ones in a request.
	DeviceWritable bool
}

// Completion reports one finished request: the chain head that Submit
// returned for it and the number of bytes the device wrote into its
// device-writable buffers.
type Completion struct {
	Head   uint16
	Length uint32
}

// Kicker notifies the device that new descriptor chains are available on a
// queue. It is typically backed by a transport register write (see
// mmio.Device) and must not block.
type Kicker interface {
	Kick(queue uint16) error
}

// SplitQueue is a virtqueue that consists of several parts, where each part
// is writeable by either the driver or the device, but not both. The
// descriptor table, the available ring and the used ring share a single
// capacity and live in one contiguous [mem.Arena].
//
// The device is an independent agent on the other side of the shared
// memory. Nothing in the type system keeps it in check; the only protection
// is the index-publish protocol the ring types implement.
type SplitQueue struct {
	size   int
	index  uint16
	layout Layout

	arena  *mem.Arena
	region []byte

	descriptorTable *DescriptorTable
	availableRing   *AvailableRing
	usedRing        *UsedRing

	// posted tracks which table slots are currently heads of chains the
	// device may legitimately return through the used ring. A head is set
	// here by Submit and cleared when it comes back, so a slot is never
	// reused while the device owns it.
	posted   []bool
	inFlight int

	// broken is set when the device violated the protocol. All operations
	// fail with ErrQueueBroken from then on.
	broken bool

	translator mem.Translator
	kicker     Kicker
	onComplete func(Completion)

	// mu serializes mainline submitters and the interrupt dispatch path.
	mu syncMutex

	l *logrus.Logger

	metricSubmitted metrics.Counter
	metricCompleted metrics.Counter
	metricKicks     metrics.Counter
	metricFull      metrics.Counter
}

// NewSplitQueue allocates a new [SplitQueue] in an arena of its own. The
// given queue size specifies the number of entries/buffers the queue can
// hold, which also determines the memory consumption.
func NewSplitQueue(l *logrus.Logger, queueSize int, options ...Option) (*SplitQueue, error) {
	if err := CheckQueueSize(queueSize); err != nil {
		return nil, err
	}

	opts := optionDefaults
	opts.apply(options)

	layout := LayoutFor(queueSize, opts.pageSize)
	arena, err := mem.NewArena(layout.Size)
	if err != nil {
		return nil, fmt.Errorf("allocate virtqueue memory: %w", err)
	}

	sq, err := newSplitQueueOn(l, queueSize, arena.Bytes(), layout, opts)
	if err != nil {
		_ = arena.Release()
		return nil, err
	}
	sq.arena = arena

	return sq, nil
}

// newSplitQueueOn builds the queue views over an existing zeroed region.
// The region must outlive the queue and must satisfy the layout's alignment
// requirements, which are checked here: handing the device a misaligned
// region would be a protocol violation from the start.
func newSplitQueueOn(l *logrus.Logger, queueSize int, region []byte, layout Layout, opts optionValues) (*SplitQueue, error) {
	if len(region) < layout.Size {
		return nil, fmt.Errorf("region of %d bytes cannot hold a queue layout of %d bytes",
			len(region), layout.Size)
	}

	base := uintptr(unsafe.Pointer(&region[0]))
	if (base+uintptr(layout.DescriptorTableOffset))%descriptorTableAlignment != 0 {
		return nil, fmt.Errorf("%w: descriptor table at %#x", ErrBadAlignment,
			base+uintptr(layout.DescriptorTableOffset))
	}
	if (base+uintptr(layout.AvailableRingOffset))%availableRingAlignment != 0 {
		return nil, fmt.Errorf("%w: available ring at %#x", ErrBadAlignment,
			base+uintptr(layout.AvailableRingOffset))
	}
	if (base+uintptr(layout.UsedRingOffset))%uintptr(opts.pageSize) != 0 {
		return nil, fmt.Errorf("%w: used ring at %#x is not page-aligned", ErrBadAlignment,
			base+uintptr(layout.UsedRingOffset))
	}

	sq := &SplitQueue{
		size:       queueSize,
		index:      opts.queueIndex,
		layout:     layout,
		region:     region,
		posted:     make([]bool, queueSize),
		translator: opts.translator,
		kicker:     opts.kicker,
		onComplete: opts.onComplete,
		l:          l,
	}

	sq.descriptorTable = newDescriptorTable(queueSize,
		region[layout.DescriptorTableOffset:layout.DescriptorTableOffset+descriptorTableSize(queueSize)])
	sq.availableRing = newAvailableRing(queueSize,
		region[layout.AvailableRingOffset:layout.AvailableRingOffset+availableRingSize(queueSize)])
	sq.usedRing = newUsedRing(queueSize,
		region[layout.UsedRingOffset:layout.UsedRingOffset+usedRingSize(queueSize)])
	sq.descriptorTable.initialize()

	prefix := fmt.Sprintf("virtqueue.%d", opts.queueIndex)
	sq.metricSubmitted = metrics.GetOrRegisterCounter(prefix+".submitted", nil)
	sq.metricCompleted = metrics.GetOrRegisterCounter(prefix+".completed", nil)
	sq.metricKicks = metrics.GetOrRegisterCounter(prefix+".kicks", nil)
	sq.metricFull = metrics.GetOrRegisterCounter(prefix+".full", nil)

	l.WithFields(logrus.Fields{
		"queue": opts.queueIndex,
		"size":  queueSize,
	}).Debug("Allocated split virtqueue")

	return sq, nil
}

// Size returns the size of this queue, which is the number of entries each
// of its three regions can hold.
func (sq *SplitQueue) Size() int {
	return sq.size
}

// Index returns the index this queue has on its device.
func (sq *SplitQueue) Index() uint16 {
	return sq.index
}

// Addresses returns the device-visible addresses of the descriptor table,
// the available ring and the used ring, in that order. This is what gets
// written into the transport's queue registration registers.
func (sq *SplitQueue) Addresses() (desc, avail, used uint64, err error) {
	l := sq.layout
	desc, err = sq.translator.Physical(sq.region[l.DescriptorTableOffset : l.DescriptorTableOffset+descriptorTableSize(sq.size)])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("translate descriptor table: %w", err)
	}
	avail, err = sq.translator.Physical(sq.region[l.AvailableRingOffset : l.AvailableRingOffset+availableRingSize(sq.size)])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("translate available ring: %w", err)
	}
	used, err = sq.translator.Physical(sq.region[l.UsedRingOffset : l.UsedRingOffset+usedRingSize(sq.size)])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("translate used ring: %w", err)
	}
	return desc, avail, used, nil
}

// FreeDescriptors returns the number of descriptors that are currently not
// part of any chain.
func (sq *SplitQueue) FreeDescriptors() int {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.descriptorTable.freeNum()
}

// InFlight returns the number of chains that were submitted but not yet
// returned by the device.
func (sq *SplitQueue) InFlight() int {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.inFlight
}

// Submit turns the given buffers into one descriptor chain, offers its head
// to the device through the available ring and notifies the device unless
// it suppressed notifications. The returned head index correlates the
// request with the [Completion] that eventually reports it done.
//
// When not enough descriptors are free, a wrapped
// [ErrNotEnoughFreeDescriptors] is returned and the queue is left unchanged;
// the caller may retry once completions were reaped.
func (sq *SplitQueue) Submit(buffers []Buffer) (uint16, error) {
	if len(buffers) == 0 {
		return 0, ErrChainEmpty
	}

	// Translate up front so a translation failure cannot cost descriptors.
	addrs := make([]uint64, len(buffers))
	for i, b := range buffers {
		addr, err := sq.translator.Physical(b.Data)
		if err != nil {
			return 0, fmt.Errorf("translate buffer %d: %w", i, err)
		}
		addrs[i] = addr
	}

	sq.mu.Lock()
	defer sq.mu.Unlock()

	if sq.broken {
		return 0, ErrQueueBroken
	}

	head, err := sq.descriptorTable.allocateChain(len(buffers))
	if err != nil {
		if errors.Is(err, ErrNotEnoughFreeDescriptors) {
			sq.metricFull.Inc(1)
		}
		return 0, err
	}

	index := head
	for i, b := range buffers {
		sq.descriptorTable.setBuffer(index, addrs[i], uint32(len(b.Data)), b.DeviceWritable)
		if next, ok := sq.descriptorTable.next(index); ok {
			index = next
		}
	}

	sq.posted[head] = true
	sq.inFlight++
	sq.availableRing.offerSingle(head)
	sq.metricSubmitted.Inc(1)

	if err := sq.kick(); err != nil {
		// The chain is offered and will complete eventually, only the
		// notification failed.
		return head, err
	}

	return head, nil
}

// kick notifies the device unless it asked for notifications to be
// suppressed. The available ring index was already published with release
// ordering, so the notification cannot overtake the ring contents.
func (sq *SplitQueue) kick() error {
	if sq.kicker == nil || sq.usedRing.noNotify() {
		return nil
	}
	sq.metricKicks.Inc(1)
	if err := sq.kicker.Kick(sq.index); err != nil {
		return fmt.Errorf("notify device: %w", err)
	}
	return nil
}

// Complete drains the used ring, gives the descriptors of every returned
// chain back to the free stack and reports the reclaimed chains. Each chain
// is reported exactly once; calling Complete again before new device
// activity yields nothing. Polling callers and the interrupt path both end
// up here.
func (sq *SplitQueue) Complete() ([]Completion, error) {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.completeLocked()
}

func (sq *SplitQueue) completeLocked() ([]Completion, error) {
	if sq.broken {
		return nil, ErrQueueBroken
	}

	elems, err := sq.usedRing.take()
	if err != nil {
		sq.poison("used ring index ran ahead of the queue", logrus.Fields{
			"pending": sq.usedRing.pending(),
		})
		return nil, fmt.Errorf("%w: %s", ErrQueueBroken, err)
	}
	if len(elems) == 0 {
		return nil, nil
	}

	completions := make([]Completion, 0, len(elems))
	for _, elem := range elems {
		head := elem.Head()
		if int(elem.DescriptorIndex) >= sq.size || !sq.posted[head] {
			sq.poison("used entry is not a posted chain head", logrus.Fields{
				"id":  elem.DescriptorIndex,
				"len": elem.Length,
			})
			return completions, fmt.Errorf("%w: used entry id %d is not a posted chain head",
				ErrQueueBroken, elem.DescriptorIndex)
		}

		if _, err := sq.descriptorTable.freeChain(head); err != nil {
			sq.poison("posted chain has corrupt linkage", logrus.Fields{
				"id":  elem.DescriptorIndex,
				"len": elem.Length,
			})
			return completions, fmt.Errorf("%w: free chain %d: %s", ErrQueueBroken, head, err)
		}

		sq.posted[head] = false
		sq.inFlight--
		completions = append(completions, Completion{Head: head, Length: elem.Length})
	}

	sq.metricCompleted.Inc(int64(len(completions)))
	return completions, nil
}

// poison marks the queue as broken. The device broke the ring protocol, so
// the driver-side bookkeeping can no longer be trusted and continuing would
// corrupt callers' data. The fields describing the violation go into the log
// for the post-mortem.
func (sq *SplitQueue) poison(reason string, fields logrus.Fields) {
	sq.broken = true
	sq.l.WithField("queue", sq.index).WithFields(fields).
		Error("Virtqueue broken: " + reason)
}

// ServiceInterrupt is the queue's interrupt entry point, registered with the
// platform's interrupt dispatcher. It takes no arguments and drains the used
// ring like any other Complete caller, under the same lock, then hands every
// reclaimed chain to the completion handler.
func (sq *SplitQueue) ServiceInterrupt() {
	completions, err := sq.Complete()
	if err != nil {
		sq.l.WithError(err).WithField("queue", sq.index).
			Error("Failed to drain used ring from interrupt")
		return
	}

	if sq.onComplete == nil {
		return
	}
	for _, c := range completions {
		sq.onComplete(c)
	}
}

// Close tears the queue down and returns its memory. It refuses to do so
// while chains are still posted on a healthy queue: the device may still
// write into their buffers, and only a device reset makes reclaiming them
// safe. After a reset (or once the queue is broken) Close always succeeds.
func (sq *SplitQueue) Close() error {
	sq.mu.Lock()
	defer sq.mu.Unlock()

	if sq.inFlight > 0 && !sq.broken {
		return fmt.Errorf("%w: %d chains posted", ErrQueueBusy, sq.inFlight)
	}

	// No further operations may touch the region once it is gone.
	sq.broken = true

	if sq.arena != nil {
		arena := sq.arena
		sq.arena = nil
		if err := arena.Release(); err != nil {
			return fmt.Errorf("release virtqueue memory: %w", err)
		}
	}

	return nil
}

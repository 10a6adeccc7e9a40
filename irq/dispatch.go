// Package irq routes interrupt lines to driver handlers. The platform's
// trap path calls [Dispatcher.Dispatch] with the line the interrupt
// controller reported; drivers register a handler once at setup. Handlers
// take no arguments, anything they need is captured at registration time.
package irq

import (
	"fmt"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// Handler is an interrupt service routine.
type Handler func()

// Dispatcher maps interrupt lines to handlers.
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[uint32]Handler

	l        *logrus.Logger
	spurious metrics.Counter
}

func NewDispatcher(l *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[uint32]Handler),
		l:        l,
		spurious: metrics.GetOrRegisterCounter("irq.spurious", nil),
	}
}

// Register attaches a handler to an interrupt line. A line carries exactly
// one handler; registering a line twice is a driver bug and is rejected.
func (d *Dispatcher) Register(line uint32, h Handler) error {
	if h == nil {
		return fmt.Errorf("irq %d: handler must not be nil", line)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.handlers[line]; ok {
		return fmt.Errorf("irq %d is already registered", line)
	}
	d.handlers[line] = h

	d.l.WithField("irq", line).Debug("Registered interrupt handler")
	return nil
}

// Unregister detaches the handler for a line, if any.
func (d *Dispatcher) Unregister(line uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, line)
}

// Dispatch invokes the handler for the given line and reports whether one
// was registered. The handler runs outside the dispatcher lock, so it may
// register or unregister lines itself. A line without a handler is a
// spurious interrupt: counted and logged, but not fatal.
func (d *Dispatcher) Dispatch(line uint32) bool {
	d.mu.Lock()
	h := d.handlers[line]
	d.mu.Unlock()

	if h == nil {
		d.spurious.Inc(1)
		d.l.WithField("irq", line).Warn("Spurious interrupt")
		return false
	}

	h()
	return true
}

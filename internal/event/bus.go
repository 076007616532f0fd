package event

import (
	"sync"

	"github.com/citizenfx/fxcore/internal/metrics"
	"github.com/citizenfx/fxcore/internal/resource"
	"go.uber.org/zap"
)

// Event is one queued dispatch. Payload is opaque to the bus.
type Event struct {
	Name    string
	Payload []byte
	Source  string
}

// ExternalHandler observes every dispatch before resources see it.
type ExternalHandler func(name string, payload []byte, source string)

// Bus routes named events to every resource of a manager.
//
// TriggerEvent, CancelEvent and WasLastEventCanceled belong to the tick
// goroutine and are unsynchronized. QueueEvent is the only entry point safe
// from other goroutines; queued events are dispatched by the manager tick.
//
// Handler panics are not recovered here. Script runtimes sandbox their own
// code before it reaches the bus.
type Bus struct {
	manager *resource.Manager

	external []ExternalHandler

	// one cell per active TriggerEvent, innermost last
	cancelStack  []bool
	lastCanceled bool

	queueMu sync.Mutex
	queue   []Event

	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewBus builds a bus for mgr, attaches it as a manager component, hooks
// the queue drain into the manager tick and gives every resource created
// from now on a ResourceComponent.
func NewBus(mgr *resource.Manager, m *metrics.Metrics, log *zap.Logger) (*Bus, error) {
	b := &Bus{
		manager: mgr,
		metrics: m,
		log:     log,
	}
	if err := resource.SetComponent(mgr, b); err != nil {
		return nil, err
	}
	mgr.OnInitializeInstance(func(r *resource.Resource) error {
		return resource.SetComponent(r, newResourceComponent(r))
	})
	mgr.OnTick(b.Tick)
	return b, nil
}

// BusOf returns the bus attached to mgr, or nil.
func BusOf(mgr *resource.Manager) *Bus {
	b, _ := resource.GetComponent[*Bus](mgr)
	return b
}

// AddExternalHandler registers a process-level observer, invoked first on
// every dispatch.
func (b *Bus) AddExternalHandler(h ExternalHandler) {
	b.external = append(b.external, h)
}

// TriggerEvent dispatches synchronously to the external handlers and then to
// each resource exactly once. Cancellation does not stop the fan-out; it only
// changes the result. Returns false if any handler canceled this dispatch.
func (b *Bus) TriggerEvent(name string, payload []byte, source string) bool {
	b.cancelStack = append(b.cancelStack, false)
	depth := len(b.cancelStack) - 1
	// A panicking handler still releases this dispatch's cell.
	defer func() {
		if len(b.cancelStack) > depth {
			b.cancelStack = b.cancelStack[:depth]
		}
	}()

	for _, h := range b.external {
		h(name, payload, source)
	}
	b.manager.ForAllResources(func(r *resource.Resource) {
		if rc, ok := resource.GetComponent[*ResourceComponent](r); ok {
			rc.HandleTriggerEvent(name, payload, source)
		}
	})

	canceled := b.cancelStack[depth]
	b.lastCanceled = canceled
	b.metrics.Event("immediate")

	if canceled {
		b.log.Debug("event canceled", zap.String("event", name), zap.String("source", source))
	}
	return !canceled
}

// CancelEvent cancels the innermost active dispatch. Outside a dispatch it
// does nothing.
func (b *Bus) CancelEvent() {
	if n := len(b.cancelStack); n > 0 {
		b.cancelStack[n-1] = true
	}
}

// IsEventCanceled reports whether the innermost active dispatch has been
// canceled so far.
func (b *Bus) IsEventCanceled() bool {
	if n := len(b.cancelStack); n > 0 {
		return b.cancelStack[n-1]
	}
	return false
}

// WasLastEventCanceled reports the outcome of the most recently completed
// dispatch.
func (b *Bus) WasLastEventCanceled() bool {
	return b.lastCanceled
}

// QueueEvent appends an event for dispatch on the next tick. Safe from any
// goroutine.
func (b *Bus) QueueEvent(name string, payload []byte, source string) {
	b.queueMu.Lock()
	b.queue = append(b.queue, Event{Name: name, Payload: payload, Source: source})
	b.queueMu.Unlock()
	b.metrics.Event("queued")
}

// Tick dispatches everything queued so far in FIFO order. Events queued by
// handlers during the drain wait for the next tick.
func (b *Bus) Tick() {
	b.queueMu.Lock()
	pending := b.queue
	b.queue = nil
	b.queueMu.Unlock()

	for _, ev := range pending {
		b.TriggerEvent(ev.Name, ev.Payload, ev.Source)
	}
}

// Pending returns the number of queued events.
func (b *Bus) Pending() int {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	return len(b.queue)
}

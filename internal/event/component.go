package event

import "github.com/citizenfx/fxcore/internal/resource"

// Sink receives events delivered to one resource. Script runtimes connect
// sinks while they are running.
type Sink interface {
	HandleEvent(name string, payload []byte, source string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(name string, payload []byte, source string)

func (f SinkFunc) HandleEvent(name string, payload []byte, source string) {
	f(name, payload, source)
}

// ResourceComponent is the per-resource end of the bus.
type ResourceComponent struct {
	res    *resource.Resource
	sinks  []sinkEntry
	nextID int
}

type sinkEntry struct {
	id   int
	sink Sink
}

func newResourceComponent(r *resource.Resource) *ResourceComponent {
	return &ResourceComponent{res: r}
}

// ComponentOf returns the event component of r, or nil.
func ComponentOf(r *resource.Resource) *ResourceComponent {
	rc, _ := resource.GetComponent[*ResourceComponent](r)
	return rc
}

func (c *ResourceComponent) Resource() *resource.Resource { return c.res }

// Connect adds a sink and returns a function that removes it.
func (c *ResourceComponent) Connect(s Sink) (disconnect func()) {
	c.nextID++
	id := c.nextID
	c.sinks = append(c.sinks, sinkEntry{id: id, sink: s})
	return func() {
		for i, cur := range c.sinks {
			if cur.id == id {
				c.sinks = append(c.sinks[:i:i], c.sinks[i+1:]...)
				return
			}
		}
	}
}

// HandleTriggerEvent fans an event out to every connected sink in connection
// order.
func (c *ResourceComponent) HandleTriggerEvent(name string, payload []byte, source string) {
	for _, e := range c.sinks {
		e.sink.HandleEvent(name, payload, source)
	}
}

// QueueEvent queues an event on the owning manager's bus.
func (c *ResourceComponent) QueueEvent(name string, payload []byte, source string) {
	if b := BusOf(c.res.Manager()); b != nil {
		b.QueueEvent(name, payload, source)
	}
}

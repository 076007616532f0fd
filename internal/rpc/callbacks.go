package rpc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/citizenfx/fxcore/internal/resource"
	"go.uber.org/zap"
)

var ErrUnknownReference = errors.New("unknown function reference")

// Callback is a referenced function taking and returning serialized
// argument lists.
type Callback func(args []byte) ([]byte, error)

type callbackEntry struct {
	owner string
	fn    Callback
}

// CallbackComponent is the manager-level table of function references.
// A reference reads "<resource>:<instance>:<id>"; the instance changes
// every time the resource stops, which drops all of its references.
type CallbackComponent struct {
	mu        sync.Mutex
	refs      map[string]callbackEntry
	instances map[string]int
	nextID    int

	log *zap.Logger
}

// NewCallbackComponent attaches a callback table to mgr and drops each
// resource's references when it stops.
func NewCallbackComponent(mgr *resource.Manager, log *zap.Logger) (*CallbackComponent, error) {
	c := &CallbackComponent{
		refs:      make(map[string]callbackEntry),
		instances: make(map[string]int),
		log:       log,
	}
	if err := resource.SetComponent(mgr, c); err != nil {
		return nil, err
	}
	mgr.OnInitializeInstance(func(r *resource.Resource) error {
		r.OnStop(func() error {
			c.dropResource(r.Name())
			return nil
		})
		return nil
	})
	return c, nil
}

// CallbacksOf returns the callback table attached to mgr, or nil.
func CallbacksOf(mgr *resource.Manager) *CallbackComponent {
	c, _ := resource.GetComponent[*CallbackComponent](mgr)
	return c
}

// CreateCallback registers fn on behalf of r and returns its reference.
func (c *CallbackComponent) CreateCallback(r *resource.Resource, fn func(args []byte) ([]byte, error)) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	ref := r.Name() + ":" + strconv.Itoa(c.instances[r.Name()]) + ":" + strconv.Itoa(c.nextID)
	c.refs[ref] = callbackEntry{owner: r.Name(), fn: fn}
	return ref
}

// Invoke calls the referenced function. The table lock is not held while
// it runs, so callbacks may create or invoke other references.
func (c *CallbackComponent) Invoke(ref string, args []byte) ([]byte, error) {
	c.mu.Lock()
	e, ok := c.refs[ref]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReference, ref)
	}
	return e.fn(args)
}

func (c *CallbackComponent) Delete(ref string) {
	c.mu.Lock()
	delete(c.refs, ref)
	c.mu.Unlock()
}

func (c *CallbackComponent) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.refs)
}

func (c *CallbackComponent) dropResource(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for ref, e := range c.refs {
		if e.owner == name {
			delete(c.refs, ref)
			dropped++
		}
	}
	c.instances[name]++
	if dropped > 0 {
		c.log.Debug("function references dropped", zap.String("resource", name), zap.Int("count", dropped))
	}
}

// ParseReference splits a reference into its parts.
func ParseReference(ref string) (resourceName string, instance, id int, err error) {
	parts := strings.Split(ref, ":")
	if len(parts) != 3 || parts[0] == "" {
		return "", 0, 0, fmt.Errorf("%w: %s", ErrUnknownReference, ref)
	}
	if instance, err = strconv.Atoi(parts[1]); err != nil {
		return "", 0, 0, fmt.Errorf("%w: %s", ErrUnknownReference, ref)
	}
	if id, err = strconv.Atoi(parts[2]); err != nil {
		return "", 0, 0, fmt.Errorf("%w: %s", ErrUnknownReference, ref)
	}
	return parts[0], instance, id, nil
}

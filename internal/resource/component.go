package resource

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// ErrComponentExists is returned when a holder already owns a component of
// the requested type.
var ErrComponentExists = errors.New("component already attached")

// Components is a type-keyed component table holding at most one value per
// type. It is embedded by Resource and Manager.
type Components struct {
	mu    sync.RWMutex
	items map[reflect.Type]any
}

// ComponentHolder is anything that owns a component table.
type ComponentHolder interface {
	Components() *Components
}

func typeKey[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// SetComponent attaches c under the type T. A second value for the same T is
// rejected with ErrComponentExists.
func SetComponent[T any](h ComponentHolder, c T) error {
	t := typeKey[T]()
	comps := h.Components()
	comps.mu.Lock()
	defer comps.mu.Unlock()
	if comps.items == nil {
		comps.items = make(map[reflect.Type]any)
	}
	if _, ok := comps.items[t]; ok {
		return fmt.Errorf("%w: %s", ErrComponentExists, t)
	}
	comps.items[t] = c
	return nil
}

// GetComponent returns the component stored under T.
func GetComponent[T any](h ComponentHolder) (T, bool) {
	comps := h.Components()
	comps.mu.RLock()
	v, ok := comps.items[typeKey[T]()]
	comps.mu.RUnlock()
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// Len returns the number of attached components.
func (c *Components) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

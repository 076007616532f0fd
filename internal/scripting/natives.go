package scripting

import (
	"errors"
	"fmt"
	"sync"

	"github.com/citizenfx/fxcore/internal/net/packet"
	"github.com/citizenfx/fxcore/internal/resource"
)

var ErrNativeNotFound = errors.New("native not found")

// Runtime is the script runtime a native was invoked from.
type Runtime interface {
	ParentObject() *resource.Resource
}

// NativeContext carries a native call's arguments in and its result out.
// Numbers arrive as float64 from scripts.
type NativeContext struct {
	Args    []any
	Result  any
	Runtime Runtime
}

// Resource returns the resource of the calling runtime, or nil.
func (c *NativeContext) Resource() *resource.Resource {
	if c.Runtime == nil {
		return nil
	}
	return c.Runtime.ParentObject()
}

func (c *NativeContext) String(i int) (string, error) {
	if i >= len(c.Args) {
		return "", fmt.Errorf("argument %d missing", i)
	}
	switch v := c.Args[i].(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	return "", fmt.Errorf("argument %d: expected string, got %T", i, c.Args[i])
}

func (c *NativeContext) Int(i int) (int, error) {
	if i >= len(c.Args) {
		return 0, fmt.Errorf("argument %d missing", i)
	}
	switch v := c.Args[i].(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint32:
		return int(v), nil
	}
	return 0, fmt.Errorf("argument %d: expected number, got %T", i, c.Args[i])
}

// NativeHandler implements one native.
type NativeHandler func(ctx *NativeContext) error

type nativeEntry struct {
	name string
	fn   NativeHandler
}

// NativeRegistry dispatches natives by hash. Names hash with the same
// case-insensitive one-at-a-time hash as message types.
type NativeRegistry struct {
	mu       sync.RWMutex
	handlers map[uint64]nativeEntry
}

func NewNativeRegistry() *NativeRegistry {
	return &NativeRegistry{handlers: make(map[uint64]nativeEntry)}
}

// HashNative returns the hash a native name registers under.
func HashNative(name string) uint64 {
	return uint64(packet.HashString(name))
}

func (r *NativeRegistry) Register(name string, fn NativeHandler) {
	r.set(HashNative(name), name, fn)
}

func (r *NativeRegistry) RegisterHash(hash uint64, fn NativeHandler) {
	r.set(hash, fmt.Sprintf("0x%016X", hash), fn)
}

func (r *NativeRegistry) set(hash uint64, name string, fn NativeHandler) {
	r.mu.Lock()
	r.handlers[hash] = nativeEntry{name: name, fn: fn}
	r.mu.Unlock()
}

func (r *NativeRegistry) Lookup(hash uint64) (NativeHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.handlers[hash]
	return e.fn, ok
}

// Invoke runs the native registered under hash.
func (r *NativeRegistry) Invoke(hash uint64, ctx *NativeContext) error {
	r.mu.RLock()
	e, ok := r.handlers[hash]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: 0x%016X", ErrNativeNotFound, hash)
	}
	if err := e.fn(ctx); err != nil {
		return fmt.Errorf("native %s: %w", e.name, err)
	}
	return nil
}

func (r *NativeRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

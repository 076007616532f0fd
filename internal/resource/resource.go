package resource

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Resource is a named, loadable bundle of scripts and files. Capabilities are
// attached as components; the resource itself only drives the lifecycle and
// fires hooks around each transition.
//
// Hooks are registered during component attach on the tick goroutine.
// Start, Stop, LoadFrom and Destroy are serialized by a per-resource lock, so
// a hook must not call back into the lifecycle of its own resource.
type Resource struct {
	name       string
	identifier string
	path       string
	manager    *Manager

	state     atomic.Int32
	lifecycle sync.Mutex
	destroyed bool

	comps Components

	onBeforeLoad  []func(path string) error
	onBeforeStart []func() error
	onStart       []func()
	onStop        []func() error
	onTick        []func()
	onDestroy     []func()

	log *zap.Logger
}

func newResource(name string, m *Manager, log *zap.Logger) *Resource {
	return &Resource{
		name:       name,
		identifier: name,
		manager:    m,
		log:        log.With(zap.String("resource", name)),
	}
}

func (r *Resource) Name() string            { return r.name }
func (r *Resource) Path() string            { return r.path }
func (r *Resource) Identifier() string      { return r.identifier }
func (r *Resource) Manager() *Manager       { return r.manager }
func (r *Resource) Components() *Components { return &r.comps }
func (r *Resource) State() State            { return State(r.state.Load()) }

// SetIdentifier overrides the identifier, normally a content hash or the
// origin URI. It defaults to the name.
func (r *Resource) SetIdentifier(id string) { r.identifier = id }

func (r *Resource) setState(s State) {
	r.state.Store(int32(s))
}

// OnBeforeLoad registers a hook run by LoadFrom. The first error aborts the
// load and moves the resource to StateError.
func (r *Resource) OnBeforeLoad(fn func(path string) error) {
	r.onBeforeLoad = append(r.onBeforeLoad, fn)
}

// OnBeforeStart registers a veto hook. Returning an error aborts Start.
func (r *Resource) OnBeforeStart(fn func() error) {
	r.onBeforeStart = append(r.onBeforeStart, fn)
}

func (r *Resource) OnStart(fn func()) {
	r.onStart = append(r.onStart, fn)
}

// OnStop registers a hook fired once per Started to Stopped transition.
// Errors are reported but never block the transition.
func (r *Resource) OnStop(fn func() error) {
	r.onStop = append(r.onStop, fn)
}

// OnTick registers a per-frame hook, run only while the resource is started.
func (r *Resource) OnTick(fn func()) {
	r.onTick = append(r.onTick, fn)
}

func (r *Resource) OnDestroy(fn func()) {
	r.onDestroy = append(r.onDestroy, fn)
}

// LoadFrom binds the resource to path and runs the load hooks.
func (r *Resource) LoadFrom(path string) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	switch r.State() {
	case StateStarting, StateStarted, StateStopping:
		return fmt.Errorf("load %s: resource is %s", r.name, r.State())
	}
	r.path = path
	for _, fn := range r.onBeforeLoad {
		if err := fn(path); err != nil {
			r.setState(StateError)
			return fmt.Errorf("load %s: %w", r.name, err)
		}
	}
	r.setState(StateLoaded)
	return nil
}

// Start moves a loaded or stopped resource to StateStarted. Starting an
// already started resource is a no-op.
func (r *Resource) Start() error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	switch st := r.State(); st {
	case StateStarted:
		return nil
	case StateLoaded, StateStopped:
	default:
		return fmt.Errorf("start %s: resource is %s", r.name, st)
	}
	if r.destroyed {
		return fmt.Errorf("start %s: resource was destroyed", r.name)
	}

	r.setState(StateStarting)
	for _, fn := range r.onBeforeStart {
		if err := fn(); err != nil {
			r.setState(StateStopped)
			r.log.Warn("resource failed to start", zap.Error(err))
			return fmt.Errorf("start %s: %w", r.name, err)
		}
	}
	for _, fn := range r.onStart {
		fn()
	}
	r.setState(StateStarted)
	r.log.Info("resource started")
	return nil
}

// Stop moves a started resource to StateStopped. In any other state it does
// nothing, so repeated calls fire the stop hooks at most once.
func (r *Resource) Stop() error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return r.stopLocked()
}

func (r *Resource) stopLocked() error {
	if r.State() != StateStarted {
		return nil
	}
	r.setState(StateStopping)
	var errs error
	for _, fn := range r.onStop {
		errs = multierr.Append(errs, fn())
	}
	r.setState(StateStopped)
	r.log.Info("resource stopped")
	if errs != nil {
		return fmt.Errorf("stop %s: %w", r.name, errs)
	}
	return nil
}

// Destroy stops the resource if needed and fires the destroy hooks. Only the
// first call has any effect.
func (r *Resource) Destroy() error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.destroyed {
		return nil
	}
	err := r.stopLocked()
	r.destroyed = true
	for _, fn := range r.onDestroy {
		fn()
	}
	return err
}

// Destroyed reports whether Destroy has run.
func (r *Resource) Destroyed() bool {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return r.destroyed
}

func (r *Resource) tick() {
	if r.State() != StateStarted {
		return
	}
	for _, fn := range r.onTick {
		fn()
	}
}

func (r *Resource) String() string {
	return r.name
}

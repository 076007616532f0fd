package resource

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/citizenfx/fxcore/internal/metrics"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Mounter materializes a resource from a URI. Mount failures are returned
// as errors; the manager reports them and hands the caller a nil resource.
type Mounter interface {
	HandlesScheme(scheme string) bool
	LoadResource(ctx context.Context, uri string) (*Resource, error)
}

// Preparer is implemented by mounters whose load splits into a blocking
// fetch and a table step. Prepare may block and must not touch the table;
// the returned step runs on the tick goroutine.
type Preparer interface {
	Prepare(ctx context.Context, uri string) (func() (*Resource, error), error)
}

// Manager owns the resource table and is the explicit context every
// subsystem hangs its components off. There are no package-level instances;
// tests build as many managers as they need.
type Manager struct {
	mu        sync.Mutex // table, mounters, factories, stateNumber
	resources map[string]*Resource
	mounters  []Mounter
	factories []func(*Resource) error

	stateNumber int

	postMu sync.Mutex
	posted []func()

	onTick []func()

	comps   Components
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewManager(m *metrics.Metrics, log *zap.Logger) *Manager {
	return &Manager{
		resources: make(map[string]*Resource),
		metrics:   m,
		log:       log,
	}
}

func (m *Manager) Components() *Components { return &m.comps }

// OnInitializeInstance registers a factory run against every resource the
// manager creates, before it becomes visible in the table. This is how
// independent subsystems attach their components to all resources.
func (m *Manager) OnInitializeInstance(fn func(*Resource) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories = append(m.factories, fn)
}

// OnTick registers a hook fired at the end of every Tick.
func (m *Manager) OnTick(fn func()) {
	m.onTick = append(m.onTick, fn)
}

// AddMounter appends a mounter. Mounters are consulted in registration
// order and the first one handling the scheme wins.
func (m *Manager) AddMounter(mounter Mounter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mounters = append(m.mounters, mounter)
}

// CreateResource builds a resource, runs every component factory on it and
// inserts it into the table. An existing resource with the same name is
// stopped and destroyed before the new one is inserted.
func (m *Manager) CreateResource(name string) (*Resource, error) {
	if old := m.GetResource(name); old != nil {
		if err := m.RemoveResource(old); err != nil {
			m.log.Warn("replaced resource did not stop cleanly", zap.String("resource", name), zap.Error(err))
		}
	}

	r := newResource(name, m, m.log)
	r.setState(StateInitializing)

	m.mu.Lock()
	factories := append([]func(*Resource) error(nil), m.factories...)
	m.mu.Unlock()

	for _, fn := range factories {
		if err := fn(r); err != nil {
			r.setState(StateError)
			return nil, fmt.Errorf("create resource %s: %w", name, err)
		}
	}
	r.setState(StateLoaded)

	m.mu.Lock()
	m.resources[name] = r
	m.mu.Unlock()
	return r, nil
}

// GetResource returns the resource registered under name, or nil.
func (m *Manager) GetResource(name string) *Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resources[name]
}

// ForAllResources calls fn for each resource in the table. The table is
// snapshotted first, so fn may re-enter GetResource or ForAllResources.
// Iteration order is unspecified.
func (m *Manager) ForAllResources(fn func(*Resource)) {
	for _, r := range m.snapshot() {
		fn(r)
	}
}

// Resources returns the table sorted by name.
func (m *Manager) Resources() []*Resource {
	list := m.snapshot()
	sort.Slice(list, func(i, j int) bool { return list[i].name < list[j].name })
	return list
}

func (m *Manager) snapshot() []*Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*Resource, 0, len(m.resources))
	for _, r := range m.resources {
		list = append(list, r)
	}
	return list
}

// RemoveResource stops and destroys r, then erases it from the table. Both
// steps tolerate having already happened.
func (m *Manager) RemoveResource(r *Resource) error {
	err := multierr.Append(r.Stop(), r.Destroy())

	m.mu.Lock()
	if m.resources[r.name] == r {
		delete(m.resources, r.name)
	}
	m.mu.Unlock()
	return err
}

// ResetResources stops and destroys every resource and clears the table.
func (m *Manager) ResetResources() error {
	var errs error
	for _, r := range m.snapshot() {
		errs = multierr.Append(errs, m.RemoveResource(r))
	}
	return errs
}

// Reset clears the table and bumps the state number so observers can tell
// the manager was wiped.
func (m *Manager) Reset() error {
	err := m.ResetResources()
	m.mu.Lock()
	m.stateNumber++
	m.mu.Unlock()
	return err
}

func (m *Manager) StateNumber() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateNumber
}

// AddResource mounts the resource at uri. It returns nil when no mounter
// handles the scheme or the mount fails; failures are logged with their
// reason rather than returned.
func (m *Manager) AddResource(ctx context.Context, uri string) *Resource {
	mounter := m.mounterFor(uri)
	if mounter == nil {
		return nil
	}
	r, err := mounter.LoadResource(ctx, uri)
	return m.mounted(uri, r, err)
}

// AddResourceAsync mounts uri and delivers the result to done from a later
// Tick, on the tick goroutine. Only a Preparer's fetch runs on a separate
// goroutine; table and lifecycle work always happens inside Tick.
func (m *Manager) AddResourceAsync(ctx context.Context, uri string, done func(*Resource)) {
	mounter := m.mounterFor(uri)
	if mounter == nil {
		m.Post(func() { done(nil) })
		return
	}
	p, ok := mounter.(Preparer)
	if !ok {
		m.Post(func() {
			r, err := mounter.LoadResource(ctx, uri)
			done(m.mounted(uri, r, err))
		})
		return
	}
	go func() {
		step, err := p.Prepare(ctx, uri)
		m.Post(func() {
			if err != nil {
				done(m.mounted(uri, nil, err))
				return
			}
			r, err := step()
			done(m.mounted(uri, r, err))
		})
	}()
}

func (m *Manager) mounterFor(uri string) Mounter {
	scheme := uriScheme(uri)
	mounter := m.findMounter(scheme)
	if mounter == nil {
		m.log.Debug("no mounter for resource", zap.String("uri", uri), zap.String("scheme", scheme))
	}
	return mounter
}

func (m *Manager) mounted(uri string, r *Resource, err error) *Resource {
	if err != nil {
		m.log.Warn("resource failed to mount", zap.String("uri", uri), zap.Error(err))
		return nil
	}
	return r
}

func (m *Manager) findMounter(scheme string) Mounter {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mt := range m.mounters {
		if mt.HandlesScheme(scheme) {
			return mt
		}
	}
	return nil
}

// uriScheme returns the lowercase scheme of uri. Bare paths count as "file".
func uriScheme(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || len(u.Scheme) <= 1 {
		// single-letter schemes are Windows drive letters
		return "file"
	}
	return strings.ToLower(u.Scheme)
}

// Post queues fn to run on the tick goroutine. Safe from any goroutine.
func (m *Manager) Post(fn func()) {
	m.postMu.Lock()
	m.posted = append(m.posted, fn)
	m.postMu.Unlock()
}

// Tick runs posted callbacks, each started resource's tick hooks, then the
// manager's own tick hooks.
func (m *Manager) Tick() {
	m.postMu.Lock()
	posted := m.posted
	m.posted = nil
	m.postMu.Unlock()
	for _, fn := range posted {
		fn()
	}

	resources := m.snapshot()
	for _, r := range resources {
		r.tick()
	}
	for _, fn := range m.onTick {
		fn()
	}

	if m.metrics != nil {
		counts := make(map[string]int, 4)
		for _, r := range resources {
			counts[r.State().String()]++
		}
		m.metrics.SetResourceStates(counts)
	}
}

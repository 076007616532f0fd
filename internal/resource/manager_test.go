package resource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type counterComponent struct {
	starts, stops, destroys int
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(nil, zap.NewNop())
}

func attachCounter(m *Manager) {
	m.OnInitializeInstance(func(r *Resource) error {
		c := &counterComponent{}
		r.OnStart(func() { c.starts++ })
		r.OnStop(func() error { c.stops++; return nil })
		r.OnDestroy(func() { c.destroys++ })
		return SetComponent(r, c)
	})
}

func counterOf(t *testing.T, r *Resource) *counterComponent {
	t.Helper()
	c, ok := GetComponent[*counterComponent](r)
	require.True(t, ok)
	return c
}

func TestManager_CreateResourceAttachesComponents(t *testing.T) {
	m := newTestManager(t)
	attachCounter(m)

	r, err := m.CreateResource("chat")
	require.NoError(t, err)
	assert.Equal(t, StateLoaded, r.State())
	assert.Same(t, r, m.GetResource("chat"))
	assert.Equal(t, 1, r.Components().Len())
	assert.Same(t, m, r.Manager())
}

func TestManager_CreateResourceReplacesAfterStop(t *testing.T) {
	m := newTestManager(t)
	attachCounter(m)

	first, err := m.CreateResource("x")
	require.NoError(t, err)
	require.NoError(t, first.Start())

	second, err := m.CreateResource("x")
	require.NoError(t, err)

	assert.Same(t, second, m.GetResource("x"))
	assert.NotSame(t, first, second)
	c := counterOf(t, first)
	assert.Equal(t, 1, c.stops, "replaced resource must be stopped")
	assert.Equal(t, 1, c.destroys, "replaced resource must be destroyed")
	assert.True(t, first.Destroyed())
}

func TestManager_RemoveResourceIdempotent(t *testing.T) {
	m := newTestManager(t)
	attachCounter(m)

	r, err := m.CreateResource("x")
	require.NoError(t, err)
	require.NoError(t, r.Start())

	require.NoError(t, m.RemoveResource(r))
	require.NoError(t, m.RemoveResource(r))
	require.NoError(t, r.Stop())
	require.NoError(t, r.Destroy())

	c := counterOf(t, r)
	assert.Equal(t, 1, c.starts)
	assert.Equal(t, 1, c.stops)
	assert.Equal(t, 1, c.destroys)
	assert.Nil(t, m.GetResource("x"))
}

func TestManager_RemoveStaleHandleKeepsReplacement(t *testing.T) {
	m := newTestManager(t)
	first, err := m.CreateResource("x")
	require.NoError(t, err)
	second, err := m.CreateResource("x")
	require.NoError(t, err)

	// first was already removed by the replacement; removing it again must
	// not evict second.
	require.NoError(t, m.RemoveResource(first))
	assert.Same(t, second, m.GetResource("x"))
}

func TestManager_ResetAndStateNumber(t *testing.T) {
	m := newTestManager(t)
	attachCounter(m)
	a, _ := m.CreateResource("a")
	b, _ := m.CreateResource("b")
	require.NoError(t, a.Start())

	require.NoError(t, m.ResetResources())
	assert.Empty(t, m.Resources())
	assert.Equal(t, 0, m.StateNumber(), "ResetResources does not bump the generation")
	assert.Equal(t, 1, counterOf(t, a).stops)
	assert.Equal(t, 0, counterOf(t, b).stops, "never-started resource fires no stop")
	assert.Equal(t, 1, counterOf(t, b).destroys)

	_, _ = m.CreateResource("c")
	require.NoError(t, m.Reset())
	assert.Equal(t, 1, m.StateNumber())
	assert.Empty(t, m.Resources())
}

func TestManager_ResetAggregatesStopErrors(t *testing.T) {
	m := newTestManager(t)
	m.OnInitializeInstance(func(r *Resource) error {
		r.OnStop(func() error { return errors.New(r.Name() + " broke") })
		return nil
	})
	for _, name := range []string{"a", "b"} {
		r, err := m.CreateResource(name)
		require.NoError(t, err)
		require.NoError(t, r.Start())
	}

	err := m.ResetResources()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a broke")
	assert.Contains(t, err.Error(), "b broke")
	assert.Empty(t, m.Resources())
}

func TestManager_FactoryError(t *testing.T) {
	m := newTestManager(t)
	m.OnInitializeInstance(func(r *Resource) error { return errors.New("nope") })

	r, err := m.CreateResource("x")
	assert.Error(t, err)
	assert.Nil(t, r)
	assert.Nil(t, m.GetResource("x"))
}

func TestManager_ForAllResourcesReentrant(t *testing.T) {
	m := newTestManager(t)
	for _, n := range []string{"a", "b", "c"} {
		_, err := m.CreateResource(n)
		require.NoError(t, err)
	}

	seen := map[string]int{}
	inner := 0
	m.ForAllResources(func(r *Resource) {
		seen[r.Name()]++
		assert.Same(t, r, m.GetResource(r.Name()))
		m.ForAllResources(func(*Resource) { inner++ })
	})
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, seen)
	assert.Equal(t, 9, inner)
}

type fakeMounter struct {
	scheme string
	m      *Manager
	err    error
	calls  int
}

func (f *fakeMounter) HandlesScheme(s string) bool { return s == f.scheme }

func (f *fakeMounter) LoadResource(_ context.Context, uri string) (*Resource, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.m.CreateResource(uri)
}

func TestManager_AddResource(t *testing.T) {
	m := newTestManager(t)
	first := &fakeMounter{scheme: "file", m: m}
	shadowed := &fakeMounter{scheme: "file", m: m}
	failing := &fakeMounter{scheme: "https", m: m, err: errors.New("hash mismatch")}
	m.AddMounter(first)
	m.AddMounter(shadowed)
	m.AddMounter(failing)

	r := m.AddResource(context.Background(), "resources/chat")
	require.NotNil(t, r)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 0, shadowed.calls, "first matching mounter wins")

	assert.Nil(t, m.AddResource(context.Background(), "ftp://host/res"), "unknown scheme is an empty result")
	assert.Nil(t, m.AddResource(context.Background(), "https://host/res"), "mount failure is an empty result")
	assert.Equal(t, 1, failing.calls)
}

func TestManager_AddResourceAsyncCompletesOnTick(t *testing.T) {
	m := newTestManager(t)
	mt := &fakeMounter{scheme: "file", m: m}
	m.AddMounter(mt)

	var got *Resource
	m.AddResourceAsync(context.Background(), "async", func(r *Resource) { got = r })
	assert.Equal(t, 0, mt.calls, "plain mounters load inside Tick")
	assert.Nil(t, m.GetResource("async"))

	m.Tick()
	assert.Equal(t, 1, mt.calls)
	require.NotNil(t, got)
	assert.Equal(t, "async", got.Name())

	missing := true
	m.AddResourceAsync(context.Background(), "ftp://host/res", func(r *Resource) { missing = r == nil })
	m.Tick()
	assert.True(t, missing)
}

// preparingMounter fetches off the tick goroutine and creates name in the
// returned step.
type preparingMounter struct {
	m       *Manager
	name    string
	err     error
	fetched chan struct{}
}

func (p *preparingMounter) HandlesScheme(s string) bool { return s == "https" }

func (p *preparingMounter) LoadResource(ctx context.Context, uri string) (*Resource, error) {
	step, err := p.Prepare(ctx, uri)
	if err != nil {
		return nil, err
	}
	return step()
}

func (p *preparingMounter) Prepare(context.Context, string) (func() (*Resource, error), error) {
	defer close(p.fetched)
	if p.err != nil {
		return nil, p.err
	}
	return func() (*Resource, error) { return p.m.CreateResource(p.name) }, nil
}

func tickUntil(t *testing.T, m *Manager, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() && time.Now().Before(deadline) {
		m.Tick()
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not reached by Tick")
}

func TestManager_AddResourceAsyncReplacesOnlyInsideTick(t *testing.T) {
	m := newTestManager(t)
	old, err := m.CreateResource("x")
	require.NoError(t, err)
	stops := 0
	old.OnStop(func() error { stops++; return nil })
	require.NoError(t, old.Start())

	mt := &preparingMounter{m: m, name: "x", fetched: make(chan struct{})}
	m.AddMounter(mt)

	var got *Resource
	m.AddResourceAsync(context.Background(), "https://host/x", func(r *Resource) { got = r })
	select {
	case <-mt.fetched:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not run")
	}
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, stops, "old resource keeps running until Tick")
	assert.Same(t, old, m.GetResource("x"))
	assert.Equal(t, StateStarted, old.State())

	tickUntil(t, m, func() bool { return got != nil })
	assert.Equal(t, 1, stops)
	assert.NotSame(t, old, got)
	assert.Same(t, got, m.GetResource("x"))
}

func TestManager_AddResourceAsyncFetchFailure(t *testing.T) {
	m := newTestManager(t)
	mt := &preparingMounter{m: m, name: "x", err: errors.New("hash mismatch"), fetched: make(chan struct{})}
	m.AddMounter(mt)

	called := false
	var got *Resource
	m.AddResourceAsync(context.Background(), "https://host/x", func(r *Resource) { called, got = true, r })
	tickUntil(t, m, func() bool { return called })
	assert.Nil(t, got)
	assert.Nil(t, m.GetResource("x"))
}

func TestManager_TickOnlyStartedResources(t *testing.T) {
	m := newTestManager(t)
	ticks := map[string]int{}
	m.OnInitializeInstance(func(r *Resource) error {
		r.OnTick(func() { ticks[r.Name()]++ })
		return nil
	})
	a, _ := m.CreateResource("a")
	_, _ = m.CreateResource("b")
	require.NoError(t, a.Start())

	managerTicks := 0
	m.OnTick(func() { managerTicks++ })

	m.Tick()
	m.Tick()
	assert.Equal(t, map[string]int{"a": 2}, ticks)
	assert.Equal(t, 2, managerTicks)
}

func TestURIScheme(t *testing.T) {
	assert.Equal(t, "file", uriScheme("resources/chat"))
	assert.Equal(t, "file", uriScheme("/abs/path"))
	assert.Equal(t, "file", uriScheme("file:///abs/path"))
	assert.Equal(t, "https", uriScheme("HTTPS://example.com/x"))
	assert.Equal(t, "file", uriScheme(`C:\resources\chat`))
}

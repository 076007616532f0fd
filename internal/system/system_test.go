package system

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/citizenfx/fxcore/internal/config"
	coresys "github.com/citizenfx/fxcore/internal/core/system"
	gonet "github.com/citizenfx/fxcore/internal/net"
	"github.com/citizenfx/fxcore/internal/net/packet"
	"github.com/citizenfx/fxcore/internal/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nameQueue struct {
	mu    sync.Mutex
	names []string
}

func (q *nameQueue) QueueEvent(name string, _ []byte, _ string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.names = append(q.names, name)
}

func (q *nameQueue) has(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, n := range q.names {
		if n == name {
			return true
		}
	}
	return false
}

func TestResourceSystem_TicksManager(t *testing.T) {
	mgr := resource.NewManager(nil, zap.NewNop())
	ran := 0
	mgr.Post(func() { ran++ })

	s := NewResourceSystem(mgr)
	assert.Equal(t, coresys.PhaseUpdate, s.Phase())
	s.Update(time.Millisecond)
	s.Update(time.Millisecond)
	assert.Equal(t, 1, ran)
}

func TestInputSystem_SweepsIdlePeers(t *testing.T) {
	q := &nameQueue{}
	ep, err := gonet.NewEndpoint(config.NetworkConfig{
		BindAddress: "127.0.0.1:0",
		PeerTimeout: time.Second,
	}, q, nil, zap.NewNop())
	require.NoError(t, err)
	go ep.ReadLoop()
	t.Cleanup(ep.Shutdown)

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()
	ch := gonet.NewChannel(gonet.TransportFunc(func(b []byte) error {
		_, err := conn.WriteTo(b, ep.Addr())
		return err
	}), nil, zap.NewNop())
	w := packet.NewMessageWriter(packet.MsgNetEvent)
	require.NoError(t, packet.EncodeNetEvent(w, packet.NetEvent{Name: "ping"}))
	require.NoError(t, ch.Send(w.Bytes()))

	require.Eventually(t, func() bool { return len(ep.Peers()) == 1 }, 2*time.Second, 5*time.Millisecond)

	in := NewInputSystem(ep)
	in.Update(0)
	assert.Len(t, ep.Peers(), 1, "fresh peer survives")

	in.now = func() time.Time { return time.Now().Add(time.Minute) }
	in.Update(0)
	assert.Empty(t, ep.Peers())
	assert.True(t, q.has(gonet.EventPeerDropped))
}

func TestSystems_RegisterInPhaseOrder(t *testing.T) {
	mgr := resource.NewManager(nil, zap.NewNop())
	ep, err := gonet.NewEndpoint(config.NetworkConfig{BindAddress: "127.0.0.1:0"}, &nameQueue{}, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(ep.Shutdown)

	r := coresys.NewRunner()
	r.Register(NewOutputSystem(ep))
	r.Register(NewResourceSystem(mgr))
	r.Register(NewInputSystem(ep))
	assert.NotPanics(t, func() { r.Tick(time.Millisecond) })
	assert.Equal(t, 3, r.Len())
}

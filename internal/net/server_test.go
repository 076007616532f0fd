package net

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/citizenfx/fxcore/internal/config"
	"github.com/citizenfx/fxcore/internal/net/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type queuedEvent struct {
	name    string
	payload []byte
	source  string
}

type recordingQueue struct {
	mu     sync.Mutex
	events []queuedEvent
}

func (q *recordingQueue) QueueEvent(name string, payload []byte, source string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, queuedEvent{name, append([]byte(nil), payload...), source})
}

func (q *recordingQueue) snapshot() []queuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queuedEvent(nil), q.events...)
}

func (q *recordingQueue) waitFor(t *testing.T, n int) []queuedEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := q.snapshot(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", n, len(q.snapshot()))
	return nil
}

type testClient struct {
	conn    net.PacketConn
	channel *Channel
}

func newTestEndpoint(t *testing.T, cfg config.NetworkConfig) (*Endpoint, *recordingQueue) {
	t.Helper()
	cfg.BindAddress = "127.0.0.1:0"
	q := &recordingQueue{}
	ep, err := NewEndpoint(cfg, q, nil, zap.NewNop())
	require.NoError(t, err)
	go ep.ReadLoop()
	t.Cleanup(ep.Shutdown)
	return ep, q
}

func dialEndpoint(t *testing.T, ep *Endpoint) *testClient {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	target := ep.Addr()
	return &testClient{
		conn: conn,
		channel: NewChannel(TransportFunc(func(b []byte) error {
			_, err := conn.WriteTo(b, target)
			return err
		}), nil, zap.NewNop()),
	}
}

func (c *testClient) sendEvent(t *testing.T, claimedSource uint16, name string, payload []byte) {
	t.Helper()
	w := packet.NewMessageWriter(packet.MsgNetEvent)
	require.NoError(t, packet.EncodeNetEvent(w, packet.NetEvent{Source: claimedSource, Name: name, Payload: payload}))
	require.NoError(t, c.channel.Send(w.Bytes()))
}

func TestEndpoint_HandleOnlyBeforeReadLoop(t *testing.T) {
	q := &recordingQueue{}
	ep, err := NewEndpoint(config.NetworkConfig{BindAddress: "127.0.0.1:0"}, q, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(ep.Shutdown)

	got := make(chan uint32, 1)
	require.NoError(t, ep.Handle("msgPing", func(_ any, r *packet.Reader) {
		got <- r.ReadU32()
	}))

	go ep.ReadLoop()
	require.Eventually(t, func() bool {
		return errors.Is(ep.Handle("msgLate", func(any, *packet.Reader) {}), ErrEndpointActive)
	}, 2*time.Second, 5*time.Millisecond)

	client := dialEndpoint(t, ep)
	w := packet.NewMessageWriter(packet.HashString("msgPing"))
	w.WriteU32(42)
	require.NoError(t, client.channel.Send(w.Bytes()))

	select {
	case v := <-got:
		assert.Equal(t, uint32(42), v)
	case <-time.After(2 * time.Second):
		t.Fatal("handler registered before ReadLoop was not dispatched")
	}
}

func TestEndpoint_InboundEventUsesPeerSource(t *testing.T) {
	ep, q := newTestEndpoint(t, config.NetworkConfig{})
	client := dialEndpoint(t, ep)

	client.sendEvent(t, 999, "chat", []byte(`["hi"]`))

	evs := q.waitFor(t, 2)
	assert.Equal(t, EventPeerConnecting, evs[0].name)
	assert.Equal(t, "chat", evs[1].name)
	assert.Equal(t, []byte(`["hi"]`), evs[1].payload)
	assert.Equal(t, evs[0].source, evs[1].source)

	id, ok := ParseNetSource(evs[1].source)
	require.True(t, ok)
	assert.NotEqual(t, uint16(999), id, "claimed source is ignored")
	require.NotNil(t, ep.Peer(id))
}

func TestEndpoint_LargeEventReassembled(t *testing.T) {
	ep, q := newTestEndpoint(t, config.NetworkConfig{})
	client := dialEndpoint(t, ep)

	payload := make([]byte, 5*FragmentSize+11)
	for i := range payload {
		payload[i] = byte(i)
	}
	client.sendEvent(t, 0, "bulk", payload)

	evs := q.waitFor(t, 2)
	assert.Equal(t, payload, evs[1].payload)
}

func TestEndpoint_SendEventReachesClient(t *testing.T) {
	ep, q := newTestEndpoint(t, config.NetworkConfig{})
	client := dialEndpoint(t, ep)
	client.sendEvent(t, 0, "hello", nil)
	evs := q.waitFor(t, 2)
	id, _ := ParseNetSource(evs[0].source)

	require.NoError(t, ep.SendEvent(int(id), "welcome", []byte("p")))
	assert.ErrorIs(t, ep.SendEvent(int(id)+100, "x", nil), ErrUnknownPeer)
	ep.Flush()

	require.NoError(t, client.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 2048)
	n, _, err := client.conn.ReadFrom(buf)
	require.NoError(t, err)

	msg, ok := NewChannel(TransportFunc(func([]byte) error { return nil }), nil, zap.NewNop()).Process(buf[:n])
	require.True(t, ok)
	r := packet.NewReader(msg)
	require.Equal(t, packet.MsgNetEvent, r.ReadU32())
	ev, err := packet.DecodeNetEvent(r.Rest())
	require.NoError(t, err)
	assert.Equal(t, "welcome", ev.Name)
	assert.Equal(t, uint16(0), ev.Source)
	assert.Equal(t, []byte("p"), ev.Payload)
}

func TestEndpoint_SweepIdle(t *testing.T) {
	ep, q := newTestEndpoint(t, config.NetworkConfig{PeerTimeout: time.Minute})
	client := dialEndpoint(t, ep)
	client.sendEvent(t, 0, "hello", nil)
	q.waitFor(t, 2)
	require.Len(t, ep.Peers(), 1)

	ep.SweepIdle(time.Now())
	assert.Len(t, ep.Peers(), 1, "recent peer kept")

	ep.SweepIdle(time.Now().Add(2 * time.Minute))
	assert.Empty(t, ep.Peers())
	evs := q.snapshot()
	assert.Equal(t, EventPeerDropped, evs[len(evs)-1].name)
}

func TestPeer_OutputQueueOverflowClosesPeer(t *testing.T) {
	ep, q := newTestEndpoint(t, config.NetworkConfig{OutQueueSize: 2})
	client := dialEndpoint(t, ep)
	client.sendEvent(t, 0, "hello", nil)
	evs := q.waitFor(t, 2)
	id, _ := ParseNetSource(evs[0].source)
	p := ep.Peer(id)

	assert.True(t, p.Send([]byte("a")))
	assert.True(t, p.Send([]byte("b")))
	assert.False(t, p.Send([]byte("c")))
	assert.True(t, p.IsClosed())

	ep.SweepIdle(time.Now())
	assert.Nil(t, ep.Peer(id))
}

func TestParseNetSource(t *testing.T) {
	id, ok := ParseNetSource(NetSource(42))
	assert.True(t, ok)
	assert.Equal(t, uint16(42), id)

	for _, s := range []string{"", "net:", "net:x", "internal", "net:70000"} {
		_, ok := ParseNetSource(s)
		assert.False(t, ok, s)
	}
}

package net

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/citizenfx/fxcore/internal/config"
	"github.com/citizenfx/fxcore/internal/metrics"
	"github.com/citizenfx/fxcore/internal/net/packet"
	"go.uber.org/zap"
)

// Lifecycle events queued by the endpoint, sourced from the peer.
const (
	EventPeerConnecting = "playerConnecting"
	EventPeerDropped    = "playerDropped"
)

// BroadcastTarget addresses every connected peer.
const BroadcastTarget = -1

var (
	ErrUnknownPeer    = errors.New("unknown peer")
	ErrEndpointActive = errors.New("endpoint already reading")
)

// EventQueue is the thread-safe side of the event bus.
type EventQueue interface {
	QueueEvent(name string, payload []byte, source string)
}

// Endpoint is a UDP server. One goroutine reads datagrams, reassembles them
// through each peer's channel and dispatches complete messages through the
// registry; handlers run on that goroutine and must only hand work to the
// tick goroutine through queues. Output is buffered per peer and flushed
// by the tick goroutine.
type Endpoint struct {
	conn     net.PacketConn
	registry *packet.Registry
	events   EventQueue
	peerCfg  peerConfig
	timeout  time.Duration

	mu     sync.Mutex // peers, byID, nextID
	peers  map[string]*Peer
	byID   map[uint16]*Peer
	nextID uint16

	regMu   sync.Mutex // guards reading; registry is read-only once set
	reading bool

	closeCh   chan struct{}
	closeOnce sync.Once

	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewEndpoint(cfg config.NetworkConfig, events EventQueue, m *metrics.Metrics, log *zap.Logger) (*Endpoint, error) {
	conn, err := net.ListenPacket("udp", cfg.BindAddress)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.BindAddress, err)
	}
	e := &Endpoint{
		conn:     conn,
		registry: packet.NewRegistry(log),
		events:   events,
		peerCfg: peerConfig{
			packetsPerSecond: cfg.PacketsPerSecond,
			burst:            cfg.PacketBurst,
			outQueue:         cfg.OutQueueSize,
		},
		timeout: cfg.PeerTimeout,
		peers:   make(map[string]*Peer),
		byID:    make(map[uint16]*Peer),
		closeCh: make(chan struct{}),
		metrics: m,
		log:     log,
	}
	e.registry.Register("msgNetEvent", e.handleNetEvent)
	return e, nil
}

// Handle registers an additional message handler. Handlers can only be
// added before ReadLoop starts.
func (e *Endpoint) Handle(name string, fn packet.HandlerFunc) error {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	if e.reading {
		return fmt.Errorf("%w: cannot register %s", ErrEndpointActive, name)
	}
	e.registry.Register(name, fn)
	return nil
}

// Addr returns the bound address.
func (e *Endpoint) Addr() net.Addr { return e.conn.LocalAddr() }

// ReadLoop runs in its own goroutine until Shutdown.
func (e *Endpoint) ReadLoop() {
	e.regMu.Lock()
	e.reading = true
	e.regMu.Unlock()

	buf := make([]byte, 2048)
	for {
		n, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.closeCh:
				return
			default:
			}
			e.log.Debug("read error", zap.Error(err))
			continue
		}
		// messages may alias the datagram, so every datagram gets its own copy
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		e.receive(addr, pkt)
	}
}

func (e *Endpoint) receive(addr net.Addr, pkt []byte) {
	p := e.peerFor(addr)
	if p == nil || p.IsClosed() {
		return
	}
	if p.limiter != nil && !p.limiter.Allow() {
		e.metrics.Packet(metrics.PacketLimited)
		return
	}
	msg, ok := p.channel.Process(pkt)
	if !ok {
		return
	}
	p.lastSeen.Store(time.Now().UnixNano())
	if err := e.registry.Dispatch(p, msg); err != nil {
		p.log.Debug("message rejected", zap.Error(err))
	}
}

// peerFor returns the peer for addr, creating it on first contact.
func (e *Endpoint) peerFor(addr net.Addr) *Peer {
	key := addr.String()
	e.mu.Lock()
	if p, ok := e.peers[key]; ok {
		e.mu.Unlock()
		return p
	}
	id, ok := e.allocateIDLocked()
	if !ok {
		e.mu.Unlock()
		e.log.Warn("peer table full, ignoring datagram", zap.String("addr", key))
		return nil
	}
	p := newPeer(id, addr, e.conn, e.peerCfg, e.metrics, e.log)
	e.peers[key] = p
	e.byID[id] = p
	count := len(e.peers)
	e.mu.Unlock()

	e.metrics.SetPeers(count)
	p.log.Info("peer connected")
	e.events.QueueEvent(EventPeerConnecting, nil, p.Source())
	return p
}

func (e *Endpoint) allocateIDLocked() (uint16, bool) {
	for i := 0; i < 0xFFFF; i++ {
		e.nextID++
		if e.nextID == 0 {
			e.nextID = 1
		}
		if _, used := e.byID[e.nextID]; !used {
			return e.nextID, true
		}
	}
	return 0, false
}

func (e *Endpoint) handleNetEvent(peer any, r *packet.Reader) {
	p := peer.(*Peer)
	ev, err := packet.DecodeNetEvent(r.Rest())
	if err != nil {
		p.log.Debug("bad net event", zap.Error(err))
		return
	}
	// the sender's claimed source id is never trusted
	e.events.QueueEvent(ev.Name, ev.Payload, p.Source())
}

// Peer returns the peer with the given id, or nil.
func (e *Endpoint) Peer(id uint16) *Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.byID[id]
}

// Peers returns the connected peers ordered by id.
func (e *Endpoint) Peers() []*Peer {
	e.mu.Lock()
	list := make([]*Peer, 0, len(e.byID))
	for _, p := range e.byID {
		list = append(list, p)
	}
	e.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].NetID < list[j].NetID })
	return list
}

// SendMessage buffers msg for target, a peer id or BroadcastTarget. Tick
// goroutine only.
func (e *Endpoint) SendMessage(target int, msg []byte) error {
	if target == BroadcastTarget {
		for _, p := range e.Peers() {
			p.Send(msg)
		}
		return nil
	}
	if target < 0 || target > 0xFFFF {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, target)
	}
	p := e.Peer(uint16(target))
	if p == nil {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, target)
	}
	p.Send(msg)
	return nil
}

// SendEvent encodes a net event from the server (source id 0) and buffers it
// for target.
func (e *Endpoint) SendEvent(target int, name string, payload []byte) error {
	w := packet.NewMessageWriter(packet.MsgNetEvent)
	if err := packet.EncodeNetEvent(w, packet.NetEvent{Name: name, Payload: payload}); err != nil {
		return err
	}
	return e.SendMessage(target, w.Bytes())
}

// Flush sends every peer's buffered output. Tick goroutine only.
func (e *Endpoint) Flush() {
	for _, p := range e.Peers() {
		p.flush()
	}
}

// SweepIdle drops peers that are closed or have been silent for longer than
// the configured timeout.
func (e *Endpoint) SweepIdle(now time.Time) {
	var dropped []*Peer
	e.mu.Lock()
	for key, p := range e.peers {
		idle := e.timeout > 0 && now.Sub(p.LastSeen()) > e.timeout
		if idle || p.IsClosed() {
			delete(e.peers, key)
			delete(e.byID, p.NetID)
			dropped = append(dropped, p)
		}
	}
	count := len(e.peers)
	e.mu.Unlock()

	if len(dropped) == 0 {
		return
	}
	e.metrics.SetPeers(count)
	for _, p := range dropped {
		p.closed.Store(true)
		p.log.Info("peer dropped")
		e.events.QueueEvent(EventPeerDropped, nil, p.Source())
	}
}

// Shutdown stops the read loop and closes the socket.
func (e *Endpoint) Shutdown() {
	e.closeOnce.Do(func() {
		close(e.closeCh)
		e.conn.Close()
	})
}

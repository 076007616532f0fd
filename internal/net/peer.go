package net

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/citizenfx/fxcore/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Peer is one remote endpoint. Receive-side state is owned by the endpoint's
// read goroutine; the output buffer is owned by the tick goroutine.
type Peer struct {
	NetID uint16
	Addr  net.Addr

	channel *Channel
	limiter *rate.Limiter

	lastSeen atomic.Int64 // unix nanos of the last accepted datagram
	closed   atomic.Bool

	outBuf  [][]byte // tick goroutine only
	outSize int

	log *zap.Logger
}

func newPeer(id uint16, addr net.Addr, conn net.PacketConn, cfg peerConfig, m *metrics.Metrics, log *zap.Logger) *Peer {
	p := &Peer{
		NetID:   id,
		Addr:    addr,
		outSize: cfg.outQueue,
		log:     log.With(zap.Uint16("peer", id), zap.String("addr", addr.String())),
	}
	if cfg.packetsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.packetsPerSecond), cfg.burst)
	}
	p.channel = NewChannel(TransportFunc(func(b []byte) error {
		_, err := conn.WriteTo(b, addr)
		return err
	}), m, p.log)
	p.lastSeen.Store(time.Now().UnixNano())
	return p
}

type peerConfig struct {
	packetsPerSecond int
	burst            int
	outQueue         int
}

// Source is the event source string for messages from this peer.
func (p *Peer) Source() string {
	return NetSource(p.NetID)
}

// LastSeen returns the time of the last datagram accepted from the peer.
func (p *Peer) LastSeen() time.Time {
	return time.Unix(0, p.lastSeen.Load())
}

// Send buffers a message for the next Flush. Tick goroutine only. Returns
// false, and closes the peer, when the buffer is full.
func (p *Peer) Send(msg []byte) bool {
	if p.closed.Load() {
		return false
	}
	if p.outSize > 0 && len(p.outBuf) >= p.outSize {
		p.log.Warn("output queue full, dropping peer")
		p.closed.Store(true)
		p.outBuf = p.outBuf[:0]
		return false
	}
	p.outBuf = append(p.outBuf, msg)
	return true
}

// flush pushes buffered messages through the channel.
func (p *Peer) flush() {
	for _, msg := range p.outBuf {
		if err := p.channel.Send(msg); err != nil {
			p.log.Debug("send failed", zap.Error(err))
		}
	}
	p.outBuf = p.outBuf[:0]
}

func (p *Peer) IsClosed() bool {
	return p.closed.Load()
}

// NetSource formats the event source of a network peer.
func NetSource(id uint16) string {
	return "net:" + strconv.Itoa(int(id))
}

// ParseNetSource extracts the peer id from a "net:<id>" source.
func ParseNetSource(source string) (uint16, bool) {
	rest, ok := strings.CutPrefix(source, "net:")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(id), true
}

func (p *Peer) String() string {
	return fmt.Sprintf("peer %d (%s)", p.NetID, p.Addr)
}

package net

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/citizenfx/fxcore/internal/metrics"
	"go.uber.org/zap"
)

const (
	// FragmentSize is the largest payload carried by one datagram.
	FragmentSize = 1300
	// MaxMessageSize bounds a reassembled message.
	MaxMessageSize = 65536
	// MaxFragments covers every message up to MaxMessageSize, including the
	// terminal fragment of a message that is an exact multiple of FragmentSize.
	MaxFragments = (MaxMessageSize + FragmentSize - 1) / FragmentSize

	fragmentBit    = 0x80000000
	sequenceHeader = 4
	fragmentHeader = sequenceHeader + 4
)

var ErrMessageTooLarge = errors.New("message exceeds maximum size")

// Transport sends one datagram.
type Transport interface {
	SendPacket(b []byte) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(b []byte) error

func (f TransportFunc) SendPacket(b []byte) error { return f(b) }

// Channel turns an unordered, lossy datagram transport into a stream of
// sequenced messages of up to MaxMessageSize bytes. Delivered sequences are
// strictly increasing; gaps are tolerated and there is no retransmission.
//
// The send side (Send) and receive side (Process) touch disjoint state and
// may each be driven by their own goroutine, but neither side is safe for
// concurrent use by itself.
type Channel struct {
	transport Transport

	outSequence uint32

	inSequence       uint32
	fragmentSequence uint32
	fragmentBuffer   []byte
	fragmentValid    [MaxFragments]bool
	fragmentLastBit  int
	fragmentLength   int

	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewChannel(t Transport, m *metrics.Metrics, log *zap.Logger) *Channel {
	return &Channel{
		transport:       t,
		outSequence:     1,
		fragmentBuffer:  make([]byte, MaxMessageSize),
		fragmentLastBit: -1,
		metrics:         m,
		log:             log,
	}
}

// Send transmits msg, fragmenting it when it does not fit in one datagram.
// Every message consumes exactly one sequence number.
func (c *Channel) Send(msg []byte) error {
	if len(msg) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg))
	}
	var err error
	if len(msg) <= FragmentSize {
		pkt := make([]byte, sequenceHeader+len(msg))
		binary.LittleEndian.PutUint32(pkt, c.outSequence)
		copy(pkt[sequenceHeader:], msg)
		err = c.transport.SendPacket(pkt)
	} else {
		err = c.sendFragmented(msg)
	}
	c.outSequence++
	return err
}

// sendFragmented emits ceil(len/FragmentSize) fragments. A message that is
// an exact multiple of FragmentSize gets an extra empty fragment so the
// receiver always sees a short terminal one.
func (c *Channel) sendFragmented(msg []byte) error {
	seq := c.outSequence | fragmentBit
	for index, off := 0, 0; ; index++ {
		size := len(msg) - off
		if size > FragmentSize {
			size = FragmentSize
		}
		pkt := make([]byte, fragmentHeader+size)
		binary.LittleEndian.PutUint32(pkt, seq)
		binary.LittleEndian.PutUint16(pkt[4:], uint16(index))
		binary.LittleEndian.PutUint16(pkt[6:], uint16(size))
		copy(pkt[fragmentHeader:], msg[off:off+size])
		if err := c.transport.SendPacket(pkt); err != nil {
			return fmt.Errorf("send fragment %d: %w", index, err)
		}
		off += size
		if size < FragmentSize {
			return nil
		}
	}
}

// Process consumes one datagram. It returns the message and true when a
// whole message became available; stale, duplicate, malformed and partial
// packets return false.
func (c *Channel) Process(pkt []byte) ([]byte, bool) {
	if len(pkt) < sequenceHeader {
		c.drop("short packet", metrics.PacketMalformed, zap.Int("len", len(pkt)))
		return nil, false
	}
	raw := binary.LittleEndian.Uint32(pkt)
	seq := raw &^ fragmentBit
	fragmented := raw&fragmentBit != 0

	if seq <= c.inSequence && c.inSequence != 0 {
		c.drop("stale packet", metrics.PacketStale, zap.Uint32("seq", seq), zap.Uint32("in", c.inSequence))
		return nil, false
	}
	if seq > c.inSequence+1 {
		c.log.Debug("sequence gap", zap.Uint32("seq", seq), zap.Uint32("in", c.inSequence))
	}

	if !fragmented {
		c.inSequence = seq
		c.metrics.Packet(metrics.PacketAccepted)
		return pkt[sequenceHeader:], true
	}
	return c.processFragment(seq, pkt)
}

func (c *Channel) processFragment(seq uint32, pkt []byte) ([]byte, bool) {
	if len(pkt) < fragmentHeader {
		c.drop("short fragment", metrics.PacketMalformed, zap.Uint32("seq", seq))
		return nil, false
	}
	index := int(binary.LittleEndian.Uint16(pkt[4:]))
	size := int(binary.LittleEndian.Uint16(pkt[6:]))
	payload := pkt[fragmentHeader:]

	if seq != c.fragmentSequence {
		c.fragmentSequence = seq
		c.fragmentValid = [MaxFragments]bool{}
		c.fragmentLastBit = -1
		c.fragmentLength = 0
	}

	if index >= MaxFragments || (c.fragmentLastBit >= 0 && index > c.fragmentLastBit) {
		c.drop("fragment index out of range", metrics.PacketMalformed, zap.Int("index", index))
		return nil, false
	}
	if size > FragmentSize || size > len(payload) || index*FragmentSize+size > MaxMessageSize {
		c.drop("fragment size invalid", metrics.PacketMalformed, zap.Int("index", index), zap.Int("size", size))
		return nil, false
	}
	if c.fragmentValid[index] {
		c.drop("duplicate fragment", metrics.PacketDuplicate, zap.Uint32("seq", seq), zap.Int("index", index))
		return nil, false
	}

	copy(c.fragmentBuffer[index*FragmentSize:], payload[:size])
	c.fragmentValid[index] = true
	c.fragmentLength += size
	if size < FragmentSize {
		c.fragmentLastBit = index
	}

	if c.fragmentLastBit < 0 || !c.fragmentsComplete() {
		c.metrics.Packet(metrics.PacketPartial)
		return nil, false
	}

	c.inSequence = seq
	msg := make([]byte, c.fragmentLength)
	copy(msg, c.fragmentBuffer[:c.fragmentLength])
	c.fragmentLength = 0
	c.metrics.Packet(metrics.PacketAccepted)
	return msg, true
}

func (c *Channel) fragmentsComplete() bool {
	for i := 0; i <= c.fragmentLastBit; i++ {
		if !c.fragmentValid[i] {
			return false
		}
	}
	return true
}

// InSequence returns the highest accepted receive sequence.
func (c *Channel) InSequence() uint32 { return c.inSequence }

// OutSequence returns the sequence the next Send will use.
func (c *Channel) OutSequence() uint32 { return c.outSequence }

func (c *Channel) drop(reason, result string, fields ...zap.Field) {
	c.metrics.Packet(result)
	c.log.Debug(reason, fields...)
}

package packet

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// HashString is the Jenkins one-at-a-time hash over the lowercased string,
// used for message type tags and native names.
func HashString(s string) uint32 {
	var h uint32
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		h += uint32(c)
		h += h << 10
		h ^= h >> 6
	}
	h += h << 3
	h ^= h >> 11
	h += h << 15
	return h
}

// Message type tags carried in the first 4 bytes of every channel message.
var (
	MsgNetEvent  = HashString("msgNetEvent")
	MsgRpcNative = HashString("msgRpcNative")
)

var ErrMalformed = errors.New("malformed message")

// NetEvent is a peer-triggered event as carried on the wire.
type NetEvent struct {
	Source  uint16
	Name    string
	Payload []byte
}

// EncodeNetEvent writes [source u16][nameLen u16][name NUL][payload]. The
// length counts the NUL terminator.
func EncodeNetEvent(w *Writer, ev NetEvent) error {
	if strings.IndexByte(ev.Name, 0) >= 0 {
		return fmt.Errorf("%w: event name contains NUL", ErrMalformed)
	}
	if len(ev.Name)+1 > math.MaxUint16 {
		return fmt.Errorf("%w: event name too long (%d)", ErrMalformed, len(ev.Name))
	}
	w.WriteU16(ev.Source)
	w.WriteU16(uint16(len(ev.Name) + 1))
	w.WriteCString(ev.Name)
	w.WriteBytes(ev.Payload)
	return nil
}

// DecodeNetEvent parses an event body. The payload aliases data.
func DecodeNetEvent(data []byte) (NetEvent, error) {
	r := NewReader(data)
	source := r.ReadU16()
	nameLen := int(r.ReadU16())
	if r.Overrun() || nameLen == 0 {
		return NetEvent{}, fmt.Errorf("%w: event header", ErrMalformed)
	}
	raw := r.ReadBytes(nameLen)
	if r.Overrun() || raw[nameLen-1] != 0 {
		return NetEvent{}, fmt.Errorf("%w: event name", ErrMalformed)
	}
	return NetEvent{
		Source:  source,
		Name:    string(raw[:nameLen-1]),
		Payload: r.Rest(),
	}, nil
}

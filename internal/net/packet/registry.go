package packet

import (
	"fmt"

	"go.uber.org/zap"
)

// HandlerFunc is the callback signature for message handlers.
// The peer is passed as an opaque interface to avoid import cycles.
type HandlerFunc func(peer any, r *Reader)

// Registry maps message type tags to handlers.
type Registry struct {
	handlers map[uint32]HandlerFunc
	names    map[uint32]string
	log      *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[uint32]HandlerFunc),
		names:    make(map[uint32]string),
		log:      log,
	}
}

// Register maps a message name to a handler.
func (reg *Registry) Register(name string, fn HandlerFunc) {
	t := HashString(name)
	reg.handlers[t] = fn
	reg.names[t] = name
}

// Dispatch reads the type tag from data and calls its handler with a reader
// positioned after the tag. Unknown types are ignored.
func (reg *Registry) Dispatch(peer any, data []byte) error {
	r := NewReader(data)
	msgType := r.ReadU32()
	if r.Overrun() {
		return fmt.Errorf("%w: short message (%d bytes)", ErrMalformed, len(data))
	}

	fn, ok := reg.handlers[msgType]
	if !ok {
		reg.log.Debug("unknown message type", zap.Uint32("type", msgType), zap.Int("size", len(data)))
		return nil
	}
	return reg.safeCall(fn, peer, r, msgType)
}

// safeCall executes a handler with panic recovery so a single bad message
// cannot take down the receive loop.
func (reg *Registry) safeCall(fn HandlerFunc, peer any, r *Reader, msgType uint32) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			reg.log.Error("message handler panic recovered",
				zap.String("type", reg.names[msgType]),
				zap.Any("panic", rec),
			)
			err = fmt.Errorf("handler panic for message %s: %v", reg.names[msgType], rec)
		}
	}()
	fn(peer, r)
	return nil
}

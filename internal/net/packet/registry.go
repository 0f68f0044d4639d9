package packet

import (
	"fmt"

	"github.com/l1jgo/netplay/internal/core/event"
	"go.uber.org/zap"
)

// HandlerFunc receives one inbound packet.
type HandlerFunc func(p Packet)

// Registry fans packets out to handlers registered for their Type.
type Registry struct {
	handlers map[Type]*event.Listeners[HandlerFunc]
	log      *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[Type]*event.Listeners[HandlerFunc]),
		log:      log,
	}
}

// Register adds fn for packets of type t and returns a func removing it.
func (reg *Registry) Register(t Type, fn HandlerFunc) (remove func()) {
	l, ok := reg.handlers[t]
	if !ok {
		l = &event.Listeners[HandlerFunc]{}
		reg.handlers[t] = l
	}
	return l.Add(fn)
}

// Count returns the number of handlers registered for t.
func (reg *Registry) Count(t Type) int {
	if l, ok := reg.handlers[t]; ok {
		return l.Len()
	}
	return 0
}

// Dispatch calls every handler registered for p.Type in registration order.
// Handler panics are recovered and reported; the remaining handlers still run.
func (reg *Registry) Dispatch(p Packet) error {
	l, ok := reg.handlers[p.Type]
	if !ok {
		reg.log.Debug("no handler for packet type",
			zap.String("type", p.Type.String()),
			zap.Uint64("seq", p.Seq),
		)
		return nil
	}
	var firstErr error
	for _, fn := range l.Snapshot() {
		if err := reg.safeCall(fn, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// safeCall executes a handler with panic recovery so a single bad packet
// cannot kill the receive path.
func (reg *Registry) safeCall(fn HandlerFunc, p Packet) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			reg.log.Error("packet handler panic recovered",
				zap.String("type", p.Type.String()),
				zap.Uint64("seq", p.Seq),
				zap.Any("panic", rec),
			)
			err = fmt.Errorf("handler panic for %s packet %d: %v", p.Type, p.Seq, rec)
		}
	}()
	fn(p)
	return nil
}

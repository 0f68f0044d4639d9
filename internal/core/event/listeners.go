// Package event provides observer lists owned by the state machines of the
// network layer (connections, lobbies, sessions, telemetry).
package event

// Listeners is an ordered list of callbacks of type F.
//
// Callbacks are invoked synchronously on the caller's goroutine. Snapshot
// copies the list first so a listener may remove itself (or others) while
// a notification is in flight. The zero value is ready to use.
type Listeners[F any] struct {
	nextID  uint64
	entries []entry[F]
}

type entry[F any] struct {
	id uint64
	fn F
}

// Add appends fn and returns a func removing it. Removing twice is a no-op.
func (l *Listeners[F]) Add(fn F) (remove func()) {
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, entry[F]{id: id, fn: fn})
	return func() { l.remove(id) }
}

func (l *Listeners[F]) remove(id uint64) {
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

// Snapshot returns a copy of the registered callbacks in registration order.
func (l *Listeners[F]) Snapshot() []F {
	if len(l.entries) == 0 {
		return nil
	}
	out := make([]F, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.fn
	}
	return out
}

// Len returns the number of registered callbacks.
func (l *Listeners[F]) Len() int {
	return len(l.entries)
}

// Clear drops every callback.
func (l *Listeners[F]) Clear() {
	l.entries = nil
}

// Package prediction runs the local player's movement ahead of the server
// and reconciles it when authoritative state arrives.
package prediction

import (
	"time"

	"github.com/l1jgo/netplay/internal/geom"
)

// MoveFunc advances a pose by one input. It must be deterministic: replay
// depends on identical inputs producing identical results.
type MoveFunc func(pos, vel, input geom.Vec2, dt float64) (geom.Vec2, geom.Vec2)

// LinearMove moves at speed units per second along the input vector.
func LinearMove(speed float64) MoveFunc {
	return func(pos, _, input geom.Vec2, dt float64) (geom.Vec2, geom.Vec2) {
		vel := input.Scale(speed)
		return pos.Add(vel.Scale(dt)), vel
	}
}

// Input is one applied local input.
type Input struct {
	Seq       uint64
	Timestamp time.Time
	Vector    geom.Vec2
	DT        float64
	Extra     map[string]any
}

// State is the predicted local pose.
type State struct {
	Position       geom.Vec2
	Velocity       geom.Vec2
	LastAppliedSeq uint64
}

type pending struct {
	input Input
	vel   geom.Vec2 // velocity after applying input
}

// DefaultMaxPending bounds the unacknowledged input history.
const DefaultMaxPending = 64

type Engine struct {
	move MoveFunc
	max  int
	now  func() time.Time

	state   State
	pending []pending
	nextSeq uint64

	acked   bool
	lastAck uint64
	ackVel  geom.Vec2
	dropped uint64
}

// New creates an engine at the origin. maxPending <= 0 uses
// DefaultMaxPending; now may be nil.
func New(move MoveFunc, maxPending int, now func() time.Time) *Engine {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{move: move, max: maxPending, now: now}
}

func (e *Engine) State() State { return e.state }

// PendingCount returns the number of unacknowledged inputs.
func (e *Engine) PendingCount() int { return len(e.pending) }

// Pending returns the unacknowledged inputs in sequence order.
func (e *Engine) Pending() []Input {
	out := make([]Input, len(e.pending))
	for i, p := range e.pending {
		out[i] = p.input
	}
	return out
}

// Dropped counts inputs evicted by the pending cap before acknowledgement.
func (e *Engine) Dropped() uint64 { return e.dropped }

// LastAck returns the last processed acknowledgement.
func (e *Engine) LastAck() (uint64, bool) { return e.lastAck, e.acked }

// ApplyInput predicts one step and records it. Sequence numbers start at 0.
func (e *Engine) ApplyInput(vec geom.Vec2, dt float64) Input {
	return e.ApplyInputExtra(vec, dt, nil)
}

// ApplyInputExtra is ApplyInput with caller data carried on the input.
func (e *Engine) ApplyInputExtra(vec geom.Vec2, dt float64, extra map[string]any) Input {
	in := Input{Seq: e.nextSeq, Timestamp: e.now(), Vector: vec, DT: dt, Extra: extra}
	e.nextSeq++

	pos, vel := e.move(e.state.Position, e.state.Velocity, vec, dt)
	e.state = State{Position: pos, Velocity: vel, LastAppliedSeq: in.Seq}

	e.pending = append(e.pending, pending{input: in, vel: vel})
	if over := len(e.pending) - e.max; over > 0 {
		e.pending = append(e.pending[:0], e.pending[over:]...)
		e.dropped += uint64(over)
	}
	return in
}

// Reconcile rebases prediction on the server's position for input acked.
// Inputs up to acked are discarded and the rest replayed from there. The
// base velocity is the one recorded with the acked input, or the previous
// base when that input is no longer held. Acks older than the last one
// processed are ignored. It returns how far the predicted position moved.
func (e *Engine) Reconcile(acked uint64, authoritative geom.Vec2) float64 {
	if e.stale(acked) {
		return 0
	}
	base := e.ackVel
	for _, p := range e.pending {
		if p.input.Seq == acked {
			base = p.vel
			break
		}
	}
	return e.rebase(acked, authoritative, base)
}

// ReconcileState is Reconcile with an authoritative velocity.
func (e *Engine) ReconcileState(acked uint64, pos, vel geom.Vec2) float64 {
	if e.stale(acked) {
		return 0
	}
	return e.rebase(acked, pos, vel)
}

func (e *Engine) stale(acked uint64) bool {
	return e.acked && acked < e.lastAck
}

func (e *Engine) rebase(acked uint64, pos, vel geom.Vec2) float64 {
	keep := e.pending[:0]
	for _, p := range e.pending {
		if p.input.Seq > acked {
			keep = append(keep, p)
		}
	}
	e.pending = keep
	e.acked, e.lastAck, e.ackVel = true, acked, vel

	before := e.state.Position
	for i := range e.pending {
		in := e.pending[i].input
		pos, vel = e.move(pos, vel, in.Vector, in.DT)
		e.pending[i].vel = vel
	}
	e.state.Position, e.state.Velocity = pos, vel
	return before.Dist(pos)
}

// Reset drops pending inputs and places the player at pos at rest.
// Sequence numbering continues.
func (e *Engine) Reset(pos geom.Vec2) {
	e.pending = e.pending[:0]
	e.state.Position = pos
	e.state.Velocity = geom.Vec2{}
	e.ackVel = geom.Vec2{}
}

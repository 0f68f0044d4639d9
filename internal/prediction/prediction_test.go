package prediction

import (
	"math"
	"testing"

	"github.com/l1jgo/netplay/internal/geom"
)

// tenPerSecond moves ten units per second along the input and keeps the
// velocity untouched.
func tenPerSecond(pos, vel, input geom.Vec2, dt float64) (geom.Vec2, geom.Vec2) {
	return pos.Add(input.Scale(10 * dt)), vel
}

func TestApplyAndReconcileExample(t *testing.T) {
	e := New(tenPerSecond, 0, nil)
	e.ApplyInput(geom.V(1, 0), 1)
	e.ApplyInput(geom.V(1, 0), 1)
	if got := e.State().Position; got != geom.V(20, 0) {
		t.Fatalf("position = %v, want (20,0)", got)
	}
	if e.PendingCount() != 2 {
		t.Fatalf("pending = %d", e.PendingCount())
	}

	moved := e.Reconcile(0, geom.V(9, 0))
	if e.PendingCount() != 1 {
		t.Fatalf("pending after reconcile = %d, want 1", e.PendingCount())
	}
	if got := e.State().Position; got != geom.V(19, 0) {
		t.Fatalf("position = %v, want (19,0)", got)
	}
	if moved != 1 {
		t.Fatalf("correction = %v, want 1", moved)
	}
}

func TestReconcileIsDeterministic(t *testing.T) {
	inputs := []geom.Vec2{geom.V(1, 0), geom.V(0.5, 0.5), geom.V(-1, 1), geom.V(0, -1), geom.V(1, 1)}
	run := func() *Engine {
		e := New(LinearMove(7), 0, nil)
		for _, in := range inputs {
			e.ApplyInput(in, 1.0/60)
		}
		return e
	}
	a, b := run(), run()
	a.Reconcile(1, geom.V(3, 4))
	first := a.State()
	a.Reconcile(1, geom.V(3, 4))
	if a.State() != first {
		t.Fatalf("second reconcile from same base diverged: %+v vs %+v", a.State(), first)
	}
	b.Reconcile(1, geom.V(3, 4))
	if b.State() != first {
		t.Fatalf("identical histories diverged: %+v vs %+v", b.State(), first)
	}
	pending := a.Pending()
	for i := 1; i < len(pending); i++ {
		if pending[i-1].Seq >= pending[i].Seq {
			t.Fatalf("pending out of order: %+v", pending)
		}
	}
}

func TestReconcileAllAcknowledged(t *testing.T) {
	e := New(LinearMove(5), 0, nil)
	e.ApplyInput(geom.V(1, 0), 1)
	last := e.ApplyInput(geom.V(0, 1), 1)
	e.Reconcile(last.Seq, geom.V(2, 2))
	if e.PendingCount() != 0 || e.State().Position != geom.V(2, 2) {
		t.Fatalf("state = %+v pending = %d", e.State(), e.PendingCount())
	}
	if e.State().Velocity != geom.V(0, 5) {
		t.Fatalf("velocity = %v, want acked input velocity", e.State().Velocity)
	}
}

func TestReconcileIgnoresStaleAck(t *testing.T) {
	e := New(tenPerSecond, 0, nil)
	for i := 0; i < 4; i++ {
		e.ApplyInput(geom.V(1, 0), 1)
	}
	e.Reconcile(2, geom.V(30, 0))
	before := e.State()
	if moved := e.Reconcile(1, geom.V(-100, 0)); moved != 0 {
		t.Fatalf("stale ack moved prediction by %v", moved)
	}
	if e.State() != before || e.PendingCount() != 1 {
		t.Fatalf("stale ack changed state: %+v", e.State())
	}
	if ack, ok := e.LastAck(); !ok || ack != 2 {
		t.Fatalf("LastAck = %d, %v", ack, ok)
	}
}

func TestReconcileBaseVelocityFromPreviousAck(t *testing.T) {
	// Velocity integrates the input, so replay depends on the base velocity.
	accel := func(pos, vel, input geom.Vec2, dt float64) (geom.Vec2, geom.Vec2) {
		vel = vel.Add(input.Scale(dt))
		return pos.Add(vel.Scale(dt)), vel
	}
	e := New(accel, 2, nil)
	e.ApplyInput(geom.V(1, 0), 1) // seq 0, vel 1
	e.ApplyInput(geom.V(1, 0), 1) // seq 1, vel 2
	e.Reconcile(0, geom.V(1, 0))  // base vel 1, replay seq 1 -> vel 2
	if v := e.State().Velocity; v != geom.V(2, 0) {
		t.Fatalf("velocity = %v", v)
	}

	e.ApplyInput(geom.V(1, 0), 1) // seq 2, vel 3
	e.ApplyInput(geom.V(1, 0), 1) // seq 3, vel 4; cap 2 evicts seq 1
	if e.Dropped() != 1 {
		t.Fatalf("Dropped = %d", e.Dropped())
	}
	// seq 1 is gone, so the base falls back to the previous ack's velocity.
	e.Reconcile(1, geom.V(0, 0))
	if v := e.State().Velocity; v != geom.V(3, 0) {
		t.Fatalf("velocity = %v, want 3 (base 1 + two replays)", v)
	}
}

func TestReconcileStateUsesGivenVelocity(t *testing.T) {
	accel := func(pos, vel, input geom.Vec2, dt float64) (geom.Vec2, geom.Vec2) {
		vel = vel.Add(input.Scale(dt))
		return pos.Add(vel.Scale(dt)), vel
	}
	e := New(accel, 0, nil)
	e.ApplyInput(geom.V(0, 0), 1)
	e.ApplyInput(geom.V(0, 0), 1)
	e.ReconcileState(0, geom.V(0, 0), geom.V(5, 0))
	if p := e.State().Position; p != geom.V(5, 0) {
		t.Fatalf("position = %v", p)
	}
}

func TestPendingCapDropsOldest(t *testing.T) {
	e := New(LinearMove(1), 3, nil)
	for i := 0; i < 5; i++ {
		e.ApplyInput(geom.V(1, 0), 1)
	}
	p := e.Pending()
	if len(p) != 3 || p[0].Seq != 2 || p[2].Seq != 4 {
		t.Fatalf("pending = %+v", p)
	}
	if e.Dropped() != 2 {
		t.Fatalf("Dropped = %d", e.Dropped())
	}
	if e.State().LastAppliedSeq != 4 {
		t.Fatalf("LastAppliedSeq = %d", e.State().LastAppliedSeq)
	}
}

func TestReset(t *testing.T) {
	e := New(LinearMove(3), 0, nil)
	e.ApplyInput(geom.V(1, 0), 1)
	e.Reset(geom.V(7, 7))
	if e.PendingCount() != 0 || e.State().Position != geom.V(7, 7) || e.State().Velocity != (geom.Vec2{}) {
		t.Fatalf("after reset: %+v", e.State())
	}
	next := e.ApplyInput(geom.V(0, 1), 1)
	if next.Seq != 1 {
		t.Fatalf("sequence restarted after reset: %d", next.Seq)
	}
}

func TestLinearMove(t *testing.T) {
	move := LinearMove(4)
	pos, vel := move(geom.V(1, 1), geom.V(100, 100), geom.V(0, -1), 0.5)
	if pos != geom.V(1, -1) || vel != geom.V(0, -4) {
		t.Fatalf("pos=%v vel=%v", pos, vel)
	}
	if math.IsNaN(pos.X) {
		t.Fatal("NaN")
	}
}

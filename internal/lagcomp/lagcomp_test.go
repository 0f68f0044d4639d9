package lagcomp

import (
	"math"
	"testing"
	"time"

	"github.com/l1jgo/netplay/internal/geom"
)

var epoch = time.Unix(1_700_000_000, 0)

func snap(seq uint64, at time.Duration, objs ...ObjectState) Snapshot {
	m := make(map[string]ObjectState, len(objs))
	for _, o := range objs {
		m[o.ID] = o
	}
	return Snapshot{Seq: seq, Timestamp: epoch.Add(at), Objects: m}
}

func obj(id string, x, y float64) ObjectState {
	return ObjectState{ID: id, Position: geom.V(x, y), Scale: geom.V(1, 1)}
}

func TestBufferEvictsOldest(t *testing.T) {
	const n = 5
	b := NewBuffer(n)
	for i := 0; i <= n; i++ {
		b.Record(snap(uint64(i), time.Duration(i)*100*time.Millisecond))
		if b.Len() > n {
			t.Fatalf("Len = %d exceeds capacity", b.Len())
		}
	}
	oldest, _ := b.Oldest()
	newest, _ := b.Newest()
	if oldest.Seq != 1 || newest.Seq != n {
		t.Fatalf("oldest=%d newest=%d", oldest.Seq, newest.Seq)
	}
	if b.Cap() != n {
		t.Fatalf("Cap = %d", b.Cap())
	}
	b.Clear()
	if _, ok := b.Oldest(); ok || b.Len() != 0 {
		t.Fatal("Clear left snapshots")
	}
}

func TestBufferOrdersOutOfOrderRecords(t *testing.T) {
	b := NewBuffer(4)
	b.Record(snap(3, 300*time.Millisecond))
	b.Record(snap(1, 100*time.Millisecond))
	b.Record(snap(2, 200*time.Millisecond))
	b.Record(snap(4, 200*time.Millisecond)) // same time, later seq
	want := []uint64{1, 2, 4, 3}
	for i, s := range b.snaps {
		if s.Seq != want[i] {
			t.Fatalf("order = %v", b.snaps)
		}
	}
}

func TestBufferBracketing(t *testing.T) {
	b := NewBuffer(8)
	if _, _, ok := b.Bracketing(epoch); ok {
		t.Fatal("empty buffer bracketed")
	}
	b.Record(snap(1, 0))
	if from, to, ok := b.Bracketing(epoch); !ok || from.Seq != 1 || to.Seq != 1 {
		t.Fatal("single snapshot at exact time not bracketed")
	}
	b.Record(snap(2, 100*time.Millisecond))
	b.Record(snap(3, 200*time.Millisecond))

	cases := []struct {
		at       time.Duration
		from, to uint64
		ok       bool
	}{
		{-time.Millisecond, 0, 0, false},
		{0, 1, 2, true},
		{50 * time.Millisecond, 1, 2, true},
		{100 * time.Millisecond, 2, 3, true},
		{150 * time.Millisecond, 2, 3, true},
		{200 * time.Millisecond, 2, 3, true},
		{201 * time.Millisecond, 0, 0, false},
	}
	for _, c := range cases {
		from, to, ok := b.Bracketing(epoch.Add(c.at))
		if ok != c.ok || (ok && (from.Seq != c.from || to.Seq != c.to)) {
			t.Errorf("Bracketing(%v) = %d,%d,%v; want %d,%d,%v", c.at, from.Seq, to.Seq, ok, c.from, c.to, c.ok)
		}
	}
}

func TestBufferClosest(t *testing.T) {
	b := NewBuffer(8)
	if _, ok := b.Closest(epoch); ok {
		t.Fatal("empty buffer returned a snapshot")
	}
	b.Record(snap(1, 0))
	b.Record(snap(2, 100*time.Millisecond))
	b.Record(snap(3, 300*time.Millisecond))
	cases := map[time.Duration]uint64{
		-time.Second:           1,
		40 * time.Millisecond:  1,
		60 * time.Millisecond:  2,
		200 * time.Millisecond: 2, // tie goes to the older
		250 * time.Millisecond: 3,
		time.Hour:              3,
	}
	for at, want := range cases {
		if s, _ := b.Closest(epoch.Add(at)); s.Seq != want {
			t.Errorf("Closest(%v) = %d, want %d", at, s.Seq, want)
		}
	}
}

func TestInterpolateMidpoint(t *testing.T) {
	c := NewCompensator(8, 0)
	c.Record(snap(1, 0, obj("p", 0, 0)))
	c.Record(snap(2, time.Second, obj("p", 100, 0)))
	states, ok := c.Interpolate(epoch.Add(500 * time.Millisecond))
	if !ok {
		t.Fatal("midpoint not covered")
	}
	if x := states["p"].Position.X; math.Abs(x-50) > 0.1 {
		t.Fatalf("x = %v, want 50", x)
	}
}

func TestInterpolateOmitsPartialObjects(t *testing.T) {
	c := NewCompensator(8, 0)
	c.Record(snap(1, 0, obj("a", 0, 0), obj("gone", 1, 1)))
	c.Record(snap(2, time.Second, obj("a", 10, 0), obj("new", 5, 5)))
	states, _ := c.Interpolate(epoch.Add(250 * time.Millisecond))
	if len(states) != 1 {
		t.Fatalf("states = %v", states)
	}
	if got := states["a"].Position; !got.Approx(geom.V(2.5, 0), 1e-9) {
		t.Fatalf("a = %v", got)
	}
}

func TestRemoteStatesAppliesDelay(t *testing.T) {
	c := NewCompensator(8, 100*time.Millisecond)
	c.Record(snap(1, 0, obj("p", 0, 0)))
	c.Record(snap(2, 200*time.Millisecond, obj("p", 20, 0)))
	states, ok := c.RemoteStates(epoch.Add(200 * time.Millisecond))
	if !ok || !states["p"].Position.Approx(geom.V(10, 0), 1e-9) {
		t.Fatalf("states = %v, %v", states, ok)
	}
	c.SetDelay(-time.Second)
	if c.Delay() != 0 {
		t.Fatalf("Delay = %v", c.Delay())
	}
	if _, ok := c.RemoteStates(epoch.Add(time.Second)); ok {
		t.Fatal("time beyond newest snapshot was covered")
	}
}

func TestRewindToTime(t *testing.T) {
	c := NewCompensator(8, 0)
	if _, ok := c.RewindToTime(epoch); ok {
		t.Fatal("rewind on empty buffer succeeded")
	}
	c.Record(snap(1, 0, obj("p", 0, 0)))
	c.Record(snap(2, 50*time.Millisecond, obj("p", 5, 0)))
	s, ok := c.RewindToTime(epoch.Add(40 * time.Millisecond))
	if !ok || s.Seq != 2 {
		t.Fatalf("rewind = %d, %v", s.Seq, ok)
	}
}

func TestObjectStateLerpRotationIsNaive(t *testing.T) {
	a := ObjectState{ID: "r", Rotation: 350, Scale: geom.V(1, 1)}
	b := ObjectState{ID: "r", Rotation: 10, Scale: geom.V(3, 3), Velocity: geom.V(2, 0)}
	mid := a.Lerp(b, 0.5)
	if mid.Rotation != 180 {
		t.Fatalf("rotation = %v", mid.Rotation)
	}
	if mid.Scale != geom.V(2, 2) || mid.Velocity != geom.V(1, 0) {
		t.Fatalf("mid = %+v", mid)
	}
}

func TestSnapshotPayloadRoundTrip(t *testing.T) {
	in := snap(42, 1234*time.Millisecond,
		ObjectState{ID: "a", Position: geom.V(1.5, -2), Rotation: 0.25, Scale: geom.V(1, 2), Velocity: geom.V(3, 4)},
		obj("b", 9, 9),
	)
	payload, err := EncodeSnapshot(in)
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	if _, ok := payload["objects"].([]any); !ok {
		t.Fatalf("objects not a list: %T", payload["objects"])
	}
	out, err := DecodeSnapshot(payload)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if out.Seq != 42 || !out.Timestamp.Equal(in.Timestamp) || len(out.Objects) != 2 {
		t.Fatalf("out = %+v", out)
	}
	if out.Objects["a"] != in.Objects["a"] {
		t.Fatalf("a = %+v, want %+v", out.Objects["a"], in.Objects["a"])
	}

	if _, err := DecodeSnapshot(map[string]any{"seq": "x"}); err == nil {
		t.Fatal("bad seq accepted")
	}
	if _, err := DecodeSnapshot(map[string]any{"objects": []any{map[string]any{"pos": map[string]any{"x": 1}}}}); err == nil {
		t.Fatal("object without id accepted")
	}
}

func TestEncodeSnapshotRejectsNonFinite(t *testing.T) {
	bad := snap(7, time.Second, ObjectState{ID: "a", Position: geom.V(math.Inf(1), 0)})
	if payload, err := EncodeSnapshot(bad); err == nil || payload != nil {
		t.Fatalf("EncodeSnapshot = %v, %v; want error", payload, err)
	}
}

// Package lagcomp keeps a short history of authoritative snapshots for
// remote-object interpolation on clients and hit rewind on the server.
package lagcomp

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/l1jgo/netplay/internal/geom"
)

// ObjectState is an interpolable pose.
type ObjectState struct {
	ID       string    `json:"id"`
	Position geom.Vec2 `json:"pos"`
	Rotation float64   `json:"rot"`
	Scale    geom.Vec2 `json:"scale"`
	Velocity geom.Vec2 `json:"vel"`
}

// Lerp blends a toward b. Rotation is a plain scalar blend with no
// wrap-around handling, so 350° to 10° sweeps through 180°.
func (a ObjectState) Lerp(b ObjectState, t float64) ObjectState {
	return ObjectState{
		ID:       a.ID,
		Position: a.Position.Lerp(b.Position, t),
		Rotation: geom.Lerp(a.Rotation, b.Rotation, t),
		Scale:    a.Scale.Lerp(b.Scale, t),
		Velocity: a.Velocity.Lerp(b.Velocity, t),
	}
}

// Snapshot is every tracked object at one authoritative tick.
type Snapshot struct {
	Seq       uint64
	Timestamp time.Time
	Objects   map[string]ObjectState
}

func (s Snapshot) before(o Snapshot) bool {
	if !s.Timestamp.Equal(o.Timestamp) {
		return s.Timestamp.Before(o.Timestamp)
	}
	return s.Seq < o.Seq
}

// Buffer is a bounded, time-ordered snapshot history. Not safe for
// concurrent use.
type Buffer struct {
	capacity int
	snaps    []Snapshot
}

// DefaultCapacity holds about two seconds at 30 ticks per second.
const DefaultCapacity = 64

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{capacity: capacity, snaps: make([]Snapshot, 0, capacity+1)}
}

// Record inserts s in order and evicts the oldest entry beyond capacity.
func (b *Buffer) Record(s Snapshot) {
	i := sort.Search(len(b.snaps), func(i int) bool { return s.before(b.snaps[i]) })
	b.snaps = append(b.snaps, Snapshot{})
	copy(b.snaps[i+1:], b.snaps[i:])
	b.snaps[i] = s
	if len(b.snaps) > b.capacity {
		b.snaps = append(b.snaps[:0], b.snaps[1:]...)
	}
}

func (b *Buffer) Len() int { return len(b.snaps) }
func (b *Buffer) Cap() int { return b.capacity }

func (b *Buffer) Oldest() (Snapshot, bool) {
	if len(b.snaps) == 0 {
		return Snapshot{}, false
	}
	return b.snaps[0], true
}

func (b *Buffer) Newest() (Snapshot, bool) {
	if len(b.snaps) == 0 {
		return Snapshot{}, false
	}
	return b.snaps[len(b.snaps)-1], true
}

func (b *Buffer) Clear() { b.snaps = b.snaps[:0] }

// Bracketing returns the consecutive pair straddling t. It fails when t is
// outside the covered range.
func (b *Buffer) Bracketing(t time.Time) (from, to Snapshot, ok bool) {
	n := len(b.snaps)
	if n == 0 || t.Before(b.snaps[0].Timestamp) || t.After(b.snaps[n-1].Timestamp) {
		return Snapshot{}, Snapshot{}, false
	}
	// First snapshot strictly after t.
	i := sort.Search(n, func(i int) bool { return b.snaps[i].Timestamp.After(t) })
	if i == n {
		if n == 1 {
			return b.snaps[0], b.snaps[0], true
		}
		return b.snaps[n-2], b.snaps[n-1], true
	}
	return b.snaps[i-1], b.snaps[i], true
}

// Closest returns the snapshot nearest to t; ties go to the older one.
func (b *Buffer) Closest(t time.Time) (Snapshot, bool) {
	if len(b.snaps) == 0 {
		return Snapshot{}, false
	}
	best := b.snaps[0]
	bestDist := absDuration(t.Sub(best.Timestamp))
	for _, s := range b.snaps[1:] {
		if d := absDuration(t.Sub(s.Timestamp)); d < bestDist {
			best, bestDist = s, d
		}
	}
	return best, true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

type wireSnapshot struct {
	Seq     uint64        `json:"seq"`
	TS      int64         `json:"ts"`
	Objects []ObjectState `json:"objects"`
}

// EncodeSnapshot renders s as a packet payload. Objects are listed by ID.
// Non-finite coordinates cannot be encoded and yield an error.
func EncodeSnapshot(s Snapshot) (map[string]any, error) {
	w := wireSnapshot{Seq: s.Seq, TS: s.Timestamp.UnixMilli(), Objects: make([]ObjectState, 0, len(s.Objects))}
	for id, o := range s.Objects {
		o.ID = id
		w.Objects = append(w.Objects, o)
	}
	sort.Slice(w.Objects, func(i, j int) bool { return w.Objects[i].ID < w.Objects[j].ID })

	// Round-trip through JSON so local and remote payloads share one shape.
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot %d: %w", s.Seq, err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("encode snapshot %d: %w", s.Seq, err)
	}
	return out, nil
}

// DecodeSnapshot is the inverse of EncodeSnapshot.
func DecodeSnapshot(payload map[string]any) (Snapshot, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	var w wireSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	s := Snapshot{Seq: w.Seq, Timestamp: time.UnixMilli(w.TS), Objects: make(map[string]ObjectState, len(w.Objects))}
	for _, o := range w.Objects {
		if o.ID == "" {
			return Snapshot{}, fmt.Errorf("decode snapshot %d: object without id", w.Seq)
		}
		s.Objects[o.ID] = o
	}
	return s, nil
}

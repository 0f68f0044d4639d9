package lagcomp

import "time"

// Compensator interpolates remote objects a fixed delay behind real time
// and rewinds to past ticks for hit tests.
type Compensator struct {
	buf   *Buffer
	delay time.Duration
}

// DefaultDelay renders remote objects about three ticks behind at 30Hz.
const DefaultDelay = 100 * time.Millisecond

func NewCompensator(capacity int, delay time.Duration) *Compensator {
	if delay < 0 {
		delay = 0
	}
	return &Compensator{buf: NewBuffer(capacity), delay: delay}
}

func (c *Compensator) Record(s Snapshot) { c.buf.Record(s) }

func (c *Compensator) Buffer() *Buffer { return c.buf }

func (c *Compensator) Delay() time.Duration { return c.delay }

func (c *Compensator) SetDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.delay = d
}

// Interpolate blends every object present in both bracketing snapshots of
// t. Objects missing from either side are left out.
func (c *Compensator) Interpolate(t time.Time) (map[string]ObjectState, bool) {
	from, to, ok := c.buf.Bracketing(t)
	if !ok {
		return nil, false
	}
	ratio := 0.0
	if span := to.Timestamp.Sub(from.Timestamp); span > 0 {
		ratio = float64(t.Sub(from.Timestamp)) / float64(span)
	}
	out := make(map[string]ObjectState, len(from.Objects))
	for id, a := range from.Objects {
		b, ok := to.Objects[id]
		if !ok {
			continue
		}
		out[id] = a.Lerp(b, ratio)
	}
	return out, true
}

// RemoteStates interpolates at now minus the configured delay.
func (c *Compensator) RemoteStates(now time.Time) (map[string]ObjectState, bool) {
	return c.Interpolate(now.Add(-c.delay))
}

// RewindToTime returns the recorded snapshot closest to t.
func (c *Compensator) RewindToTime(t time.Time) (Snapshot, bool) {
	return c.buf.Closest(t)
}

package sched

import (
	"sync"
	"time"
)

// Manual is a deterministic Scheduler driven by a virtual clock. Nothing
// runs until Flush or Advance is called, which makes it the scheduler of
// choice for tests and offline replays.
//
// Post may be called from any goroutine; everything else belongs to the
// goroutine driving the clock.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	nextID uint64
	tasks  []*manualTask
	posted []func()
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration, fn func()) Task {
	return m.schedule(d, 0, fn)
}

func (m *Manual) Every(d time.Duration, fn func()) Task {
	if d <= 0 {
		d = time.Nanosecond
	}
	return m.schedule(d, d, fn)
}

func (m *Manual) schedule(d, period time.Duration, fn func()) Task {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t := &manualTask{owner: m, id: m.nextID, due: m.now.Add(d), period: period, fn: fn, active: true}
	m.tasks = append(m.tasks, t)
	return t
}

func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.posted = append(m.posted, fn)
	m.mu.Unlock()
}

// Flush runs posted callbacks, including ones posted while flushing.
func (m *Manual) Flush() {
	for {
		m.mu.Lock()
		batch := m.posted
		m.posted = nil
		m.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

// Advance moves the clock forward by d, firing due tasks in due-time order
// (ties broken by creation order). Posted callbacks are flushed before and
// after every firing.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.Flush()
		t := m.nextDue(target)
		if t == nil {
			break
		}
		t.fn()
	}

	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
	m.Flush()
}

// nextDue pops the earliest task due at or before target and moves the
// clock to its due time.
func (m *Manual) nextDue(target time.Time) *manualTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *manualTask
	live := m.tasks[:0]
	for _, t := range m.tasks {
		if !t.active {
			continue
		}
		live = append(live, t)
		if t.due.After(target) {
			continue
		}
		if best == nil || t.due.Before(best.due) || (t.due.Equal(best.due) && t.id < best.id) {
			best = t
		}
	}
	m.tasks = live
	if best == nil {
		return nil
	}
	m.now = best.due
	if best.period > 0 {
		best.due = best.due.Add(best.period)
	} else {
		best.active = false
	}
	return best
}

// Queued returns the number of posted callbacks waiting for Flush.
func (m *Manual) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posted)
}

// Pending returns the number of tasks that may still fire.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.active {
			n++
		}
	}
	return n
}

type manualTask struct {
	owner  *Manual
	id     uint64
	due    time.Time
	period time.Duration
	fn     func()
	active bool
}

func (t *manualTask) Cancel() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

func (t *manualTask) Active() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	return t.active
}

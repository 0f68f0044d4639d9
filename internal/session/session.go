// Package session owns the lifecycle of the authenticated player session:
// creation, expiry, scheduled renewal and failure.
package session

import (
	"time"

	"github.com/l1jgo/netplay/internal/core/event"
	"github.com/l1jgo/netplay/internal/sched"
	"go.uber.org/zap"
)

type State int

const (
	StateIdle State = iota
	StateAuthenticating
	StateActive
	StateExpired
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateError:
		return "error"
	}
	return "unknown"
}

// PlayerSession is an issued credential. Treat it as immutable; a renewed
// session is a new value.
type PlayerSession struct {
	ID           string
	PlayerID     string
	DisplayName  string
	Token        string
	RefreshToken string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Metadata     map[string]any
}

// IsExpiredAt reports whether the session is no longer valid at now.
func (s *PlayerSession) IsExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func (s *PlayerSession) IsExpired() bool { return s.IsExpiredAt(time.Now()) }

// TimeUntilExpiryAt is never negative.
func (s *PlayerSession) TimeUntilExpiryAt(now time.Time) time.Duration {
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (s *PlayerSession) TimeUntilExpiry() time.Duration {
	return s.TimeUntilExpiryAt(time.Now())
}

// Listener receives every transition with the session current at that
// point (nil when there is none).
type Listener func(State, *PlayerSession)

// Manager holds at most one live session. All methods must be called on
// the scheduler's goroutine.
type Manager struct {
	sched     sched.Scheduler
	renewLead time.Duration
	log       *zap.Logger

	state     State
	current   *PlayerSession
	err       error
	expiry    sched.Task
	renew     sched.Task
	listeners event.Listeners[Listener]
	closed    bool
}

// NewManager creates an idle manager. A positive renewLead schedules an
// authenticating transition that long before each session expires.
func NewManager(s sched.Scheduler, renewLead time.Duration, log *zap.Logger) *Manager {
	return &Manager{sched: s, renewLead: renewLead, log: log.Named("session")}
}

func (m *Manager) State() State { return m.state }

// Current returns the stored session, if any.
func (m *Manager) Current() *PlayerSession { return m.current }

// Err returns the error passed to the last Fail.
func (m *Manager) Err() error { return m.err }

func (m *Manager) OnChange(fn Listener) (remove func()) {
	return m.listeners.Add(fn)
}

// Create stores s and activates it. A session already past its expiry goes
// straight to expired.
func (m *Manager) Create(s *PlayerSession) {
	if m.closed {
		return
	}
	m.install(s)
}

// Renew replaces the session with a fresh one and re-arms the timers.
func (m *Manager) Renew(s *PlayerSession) {
	if m.closed {
		return
	}
	m.install(s)
}

func (m *Manager) install(s *PlayerSession) {
	m.cancelTimers()
	m.current = s
	m.err = nil

	now := m.sched.Now()
	if s.IsExpiredAt(now) {
		m.transition(StateExpired)
		return
	}
	ttl := s.TimeUntilExpiryAt(now)
	m.expiry = m.sched.After(ttl, m.expire)
	if m.renewLead > 0 && m.renewLead < ttl {
		m.renew = m.sched.After(ttl-m.renewLead, m.renewDue)
	}
	m.transition(StateActive)
}

func (m *Manager) expire() {
	m.expiry = nil
	sched.Stop(m.renew)
	m.renew = nil
	m.log.Info("session expired", zap.String("session", m.current.ID))
	m.transition(StateExpired)
}

// renewDue asks for a new token. The stored session is left untouched; a
// listener is expected to call Renew or Fail.
func (m *Manager) renewDue() {
	m.renew = nil
	m.transition(StateAuthenticating)
}

// BeginAuth signals that a sign-in is in progress.
func (m *Manager) BeginAuth() {
	if m.closed {
		return
	}
	m.transition(StateAuthenticating)
}

// Fail drops the session and records err.
func (m *Manager) Fail(err error) {
	if m.closed {
		return
	}
	m.cancelTimers()
	m.current = nil
	m.err = err
	m.log.Warn("session failed", zap.Error(err))
	m.transition(StateError)
}

// End signs out.
func (m *Manager) End() {
	if m.closed {
		return
	}
	m.cancelTimers()
	m.current = nil
	m.err = nil
	m.transition(StateIdle)
}

// Close cancels timers. Idempotent.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.cancelTimers()
}

func (m *Manager) cancelTimers() {
	sched.Stop(m.expiry)
	sched.Stop(m.renew)
	m.expiry, m.renew = nil, nil
}

func (m *Manager) transition(next State) {
	m.state = next
	for _, fn := range m.listeners.Snapshot() {
		fn(next, m.current)
	}
}

// Package services holds the backend capabilities the networking core
// talks to (analytics, leaderboard, profiles, remote config) and the
// in-process implementations used in development.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one analytics record.
type Event struct {
	Name       string
	Properties map[string]any
	SessionID  string
	PlayerID   string
	Timestamp  time.Time
}

type eventJSON struct {
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
	Session    string         `json:"session,omitempty"`
	Player     string         `json:"player,omitempty"`
	TS         int64          `json:"ts"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	props := e.Properties
	if props == nil {
		props = map[string]any{}
	}
	return json.Marshal(eventJSON{
		Event:      e.Name,
		Properties: props,
		Session:    e.SessionID,
		Player:     e.PlayerID,
		TS:         e.Timestamp.UnixMilli(),
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Event == "" {
		return fmt.Errorf("analytics event without name")
	}
	*e = Event{
		Name:       raw.Event,
		Properties: raw.Properties,
		SessionID:  raw.Session,
		PlayerID:   raw.Player,
		Timestamp:  time.UnixMilli(raw.TS),
	}
	if e.Properties == nil {
		e.Properties = map[string]any{}
	}
	return nil
}

// Analytics records gameplay and lifecycle events. Calls never block on
// the backend.
type Analytics interface {
	LogEvent(name string, props map[string]any)
	LogEventStart(name string, props map[string]any)
	LogEventEnd(name string, props map[string]any)
}

// Sink persists batches of events.
type Sink interface {
	WriteEvents(ctx context.Context, events []Event) error
}

// Tracker is the Analytics implementation. Events are buffered and handed
// to the Sink by Flush or Run. Safe for concurrent use.
type Tracker struct {
	sink  Sink
	now   func() time.Time
	log   *zap.Logger
	limit int

	mu      sync.Mutex
	session string
	player  string
	started map[string]time.Time
	pending []Event
	dropped int
}

var _ Analytics = (*Tracker)(nil)

// DefaultBufferLimit bounds buffered events between flushes.
const DefaultBufferLimit = 4096

func NewTracker(sink Sink, now func() time.Time, log *zap.Logger) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		sink:    sink,
		now:     now,
		log:     log.Named("analytics"),
		limit:   DefaultBufferLimit,
		started: make(map[string]time.Time),
	}
}

// SetIdentity stamps subsequent events with a session and player.
// Empty strings clear them.
func (t *Tracker) SetIdentity(sessionID, playerID string) {
	t.mu.Lock()
	t.session, t.player = sessionID, playerID
	t.mu.Unlock()
}

func (t *Tracker) LogEvent(name string, props map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enqueue(name, props)
}

// LogEventStart marks the start of a timed event. The event itself is
// recorded by LogEventEnd.
func (t *Tracker) LogEventStart(name string, props map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started[name] = t.now()
	t.enqueue(name+"_start", props)
}

// LogEventEnd records name with duration_ms measured from the matching
// LogEventStart. Without a start the event is recorded untimed.
func (t *Tracker) LogEventEnd(name string, props map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	merged := make(map[string]any, len(props)+1)
	for k, v := range props {
		merged[k] = v
	}
	if at, ok := t.started[name]; ok {
		delete(t.started, name)
		merged["duration_ms"] = t.now().Sub(at).Milliseconds()
	} else {
		t.log.Debug("event end without start", zap.String("event", name))
	}
	t.enqueue(name, merged)
}

func (t *Tracker) enqueue(name string, props map[string]any) {
	if len(t.pending) >= t.limit {
		t.dropped++
		return
	}
	if props == nil {
		props = map[string]any{}
	}
	t.pending = append(t.pending, Event{
		Name:       name,
		Properties: props,
		SessionID:  t.session,
		PlayerID:   t.player,
		Timestamp:  t.now(),
	})
}

// Pending returns the number of buffered events.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Flush writes buffered events to the sink. On failure the batch is put
// back in front of anything logged meanwhile.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	batch := t.pending
	t.pending = nil
	dropped := t.dropped
	t.dropped = 0
	t.mu.Unlock()

	if dropped > 0 {
		t.log.Warn("analytics buffer overflow", zap.Int("dropped", dropped))
	}
	if len(batch) == 0 {
		return nil
	}
	if err := t.sink.WriteEvents(ctx, batch); err != nil {
		t.mu.Lock()
		t.pending = append(batch, t.pending...)
		if over := len(t.pending) - t.limit; over > 0 {
			t.pending = t.pending[over:]
		}
		t.mu.Unlock()
		return fmt.Errorf("flush analytics: %w", err)
	}
	return nil
}

// Run flushes every interval until ctx is done, then flushes once more.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := t.Flush(final); err != nil {
				t.log.Error("final analytics flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := t.Flush(ctx); err != nil {
				t.log.Warn("analytics flush failed", zap.Error(err))
			}
		}
	}
}

// LogSink writes events as structured log lines.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("events")}
}

func (s *LogSink) WriteEvents(_ context.Context, events []Event) error {
	for _, e := range events {
		s.log.Info(e.Name,
			zap.String("session", e.SessionID),
			zap.String("player", e.PlayerID),
			zap.Any("properties", e.Properties),
			zap.Time("ts", e.Timestamp),
		)
	}
	return nil
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	Events []Event
	Err    error
}

func (s *MemorySink) WriteEvents(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Events = append(s.Events, events...)
	return nil
}

// Names returns the recorded event names in order.
func (s *MemorySink) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Events))
	for i, e := range s.Events {
		out[i] = e.Name
	}
	return out
}

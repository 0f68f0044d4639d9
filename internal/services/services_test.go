package services

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestTrackerStampsIdentityAndDuration(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	sink := &MemorySink{}
	tr := NewTracker(sink, clock.now, zap.NewNop())

	tr.LogEvent("app_open", nil)
	tr.SetIdentity("sess-1", "player-1")
	tr.LogEventStart("match", map[string]any{"lobby": "L"})
	clock.t = clock.t.Add(1500 * time.Millisecond)
	tr.LogEventEnd("match", map[string]any{"result": "win"})

	if err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	names := sink.Names()
	want := []string{"app_open", "match_start", "match"}
	if len(names) != len(want) {
		t.Fatalf("events = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("events = %v, want %v", names, want)
		}
	}
	if sink.Events[0].SessionID != "" {
		t.Fatal("identity leaked into earlier event")
	}
	end := sink.Events[2]
	if end.SessionID != "sess-1" || end.PlayerID != "player-1" {
		t.Fatalf("identity = %q/%q", end.SessionID, end.PlayerID)
	}
	if end.Properties["duration_ms"] != int64(1500) || end.Properties["result"] != "win" {
		t.Fatalf("properties = %v", end.Properties)
	}
	if tr.Pending() != 0 {
		t.Fatalf("Pending = %d after flush", tr.Pending())
	}
}

func TestTrackerEndWithoutStartIsUntimed(t *testing.T) {
	sink := &MemorySink{}
	tr := NewTracker(sink, nil, zap.NewNop())
	tr.LogEventEnd("orphan", nil)
	tr.Flush(context.Background())
	if _, ok := sink.Events[0].Properties["duration_ms"]; ok {
		t.Fatal("duration recorded without start")
	}
}

func TestTrackerKeepsBatchOnSinkFailure(t *testing.T) {
	sink := &MemorySink{Err: errors.New("db down")}
	tr := NewTracker(sink, nil, zap.NewNop())
	tr.LogEvent("a", nil)
	tr.LogEvent("b", nil)

	if err := tr.Flush(context.Background()); err == nil {
		t.Fatal("Flush succeeded against failing sink")
	}
	tr.LogEvent("c", nil)
	sink.Err = nil
	if err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	names := sink.Names()
	if len(names) != 3 || names[0] != "a" || names[2] != "c" {
		t.Fatalf("events after retry = %v", names)
	}
}

func TestTrackerBufferLimit(t *testing.T) {
	sink := &MemorySink{}
	tr := NewTracker(sink, nil, zap.NewNop())
	tr.limit = 2
	for i := 0; i < 5; i++ {
		tr.LogEvent("e", nil)
	}
	if tr.Pending() != 2 {
		t.Fatalf("Pending = %d, want 2", tr.Pending())
	}
}

func TestEventJSONShape(t *testing.T) {
	e := Event{
		Name:       "lobby_created",
		Properties: map[string]any{"max": 4},
		PlayerID:   "p1",
		Timestamp:  time.UnixMilli(1_700_000_000_123),
	}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["event"] != "lobby_created" || raw["player"] != "p1" || raw["ts"] != float64(1_700_000_000_123) {
		t.Fatalf("wire = %s", data)
	}
	if _, ok := raw["session"]; ok {
		t.Fatalf("empty session serialized: %s", data)
	}

	var back Event
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.Name != e.Name || !back.Timestamp.Equal(e.Timestamp) || back.PlayerID != "p1" {
		t.Fatalf("round trip = %+v", back)
	}
	if err := json.Unmarshal([]byte(`{"properties":{}}`), &back); err == nil {
		t.Fatal("nameless event accepted")
	}
}

func TestMemoryLeaderboardKeepsBest(t *testing.T) {
	ctx := context.Background()
	lb := NewMemoryLeaderboard()
	base := time.Unix(0, 0)
	lb.Submit(ctx, Score{Board: "arena", PlayerID: "a", Value: 10, SubmittedAt: base})
	lb.Submit(ctx, Score{Board: "arena", PlayerID: "b", Value: 30, SubmittedAt: base.Add(time.Second)})
	lb.Submit(ctx, Score{Board: "arena", PlayerID: "a", Value: 5, SubmittedAt: base.Add(2 * time.Second)})
	lb.Submit(ctx, Score{Board: "arena", PlayerID: "c", Value: 30, SubmittedAt: base.Add(3 * time.Second)})
	lb.Submit(ctx, Score{Board: "other", PlayerID: "z", Value: 99})

	top, err := lb.Top(ctx, "arena", 2)
	if err != nil {
		t.Fatalf("Top: %v", err)
	}
	if len(top) != 2 || top[0].PlayerID != "b" || top[1].PlayerID != "c" {
		t.Fatalf("top = %+v", top)
	}
	all, _ := lb.Top(ctx, "arena", 0)
	if len(all) != 3 || all[2].Value != 10 {
		t.Fatalf("all = %+v", all)
	}
}

func TestMemoryProfiles(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProfiles()
	if _, err := p.Load(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load unknown = %v", err)
	}
	if err := p.Save(ctx, Profile{PlayerID: "p1", DisplayName: "Ada"}); err != nil {
		t.Fatal(err)
	}
	got, err := p.Load(ctx, "p1")
	if err != nil || got.DisplayName != "Ada" || got.UpdatedAt.IsZero() {
		t.Fatalf("Load = %+v, %v", got, err)
	}
}

func TestFileRemoteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote.yaml")
	os.WriteFile(path, []byte("motd: hello\nmax_players: 8\ntick: 50ms\nranked: true\nloss: 0.1\n"), 0o644)

	rc := NewFileRemoteConfig(path, map[string]any{"motd": "default", "max_players": 4})
	if rc.Activate() {
		t.Fatal("Activate with nothing fetched reported true")
	}
	if err := rc.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if rc.String("motd", "") != "default" {
		t.Fatal("fetched values visible before Activate")
	}
	if !rc.Activate() {
		t.Fatal("Activate reported nothing pending")
	}
	if rc.String("motd", "") != "hello" || rc.Int("max_players", 0) != 8 {
		t.Fatalf("motd=%q max=%d", rc.String("motd", ""), rc.Int("max_players", 0))
	}
	if rc.Duration("tick", 0) != 50*time.Millisecond || !rc.Bool("ranked", false) || rc.Float("loss", 0) != 0.1 {
		t.Fatal("typed getters wrong")
	}
	if rc.Int("missing", 3) != 3 || rc.Bool("motd", true) != true {
		t.Fatal("defaults not honoured")
	}

	bad := NewFileRemoteConfig(filepath.Join(t.TempDir(), "none.yaml"), nil)
	if err := bad.Fetch(context.Background()); err == nil {
		t.Fatal("Fetch of missing file succeeded")
	}
}

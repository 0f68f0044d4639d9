package persist

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/l1jgo/netplay/internal/config"
	"github.com/l1jgo/netplay/internal/services"
	"github.com/l1jgo/netplay/internal/session"
	"go.uber.org/zap"
)

func TestMigrationsEmbedded(t *testing.T) {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) < 3 {
		t.Fatalf("embedded migrations = %v", files)
	}
	for _, f := range files {
		raw, _ := fs.ReadFile(migrations, f)
		body := string(raw)
		if !strings.Contains(body, "-- +goose Up") || !strings.Contains(body, "-- +goose Down") {
			t.Errorf("%s lacks goose annotations", f)
		}
	}
}

func TestEventRows(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	rows, err := eventRows([]services.Event{
		{Name: "a", Timestamp: at},
		{Name: "b", Properties: map[string]any{"n": 1}, SessionID: "s", PlayerID: "p", Timestamp: at},
	})
	if err != nil {
		t.Fatalf("eventRows: %v", err)
	}
	if string(rows[0][1].([]byte)) != "{}" || rows[0][2].(*string) != nil {
		t.Fatalf("row 0 = %v", rows[0])
	}
	if *rows[1][2].(*string) != "s" || string(rows[1][1].([]byte)) != `{"n":1}` {
		t.Fatalf("row 1 = %v", rows[1])
	}
	if _, err := eventRows([]services.Event{{Name: "bad", Properties: map[string]any{"f": func() {}}}}); err == nil {
		t.Fatal("unencodable properties accepted")
	}
}

// openTestDB connects to $NETPLAY_TEST_DSN and migrates a clean schema.
func TestPoolConfigFromDatabaseConfig(t *testing.T) {
	pc, err := poolConfig(config.DatabaseConfig{
		DSN:             "postgres://netplay@localhost:5432/netplay",
		MaxOpenConns:    4,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	if pc.MaxConns != 4 || pc.MinConns != 4 {
		t.Errorf("conns = %d/%d, want 4/4", pc.MaxConns, pc.MinConns)
	}
	if pc.MaxConnLifetime != time.Minute {
		t.Errorf("lifetime = %v", pc.MaxConnLifetime)
	}
	if pc.HealthCheckPeriod != healthCheckPeriod {
		t.Errorf("health check = %v", pc.HealthCheckPeriod)
	}
	if got := pc.ConnConfig.RuntimeParams["application_name"]; got != applicationName {
		t.Errorf("application_name = %q", got)
	}

	pc, err = poolConfig(config.DatabaseConfig{DSN: "postgres://localhost/netplay?application_name=ops"})
	if err != nil {
		t.Fatal(err)
	}
	if got := pc.ConnConfig.RuntimeParams["application_name"]; got != "ops" {
		t.Errorf("dsn application_name overridden: %q", got)
	}

	if _, err := poolConfig(config.DatabaseConfig{DSN: "::not a dsn"}); err == nil {
		t.Error("bad dsn accepted")
	}
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("NETPLAY_TEST_DSN")
	if dsn == "" {
		t.Skip("NETPLAY_TEST_DSN not set")
	}
	ctx := context.Background()
	db, err := NewDB(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 4, MaxIdleConns: 1, ConnMaxLifetime: time.Minute}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := Migrate(ctx, db.Pool, "reset"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := RunMigrations(ctx, db.Pool); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	return db
}

func TestSessionRepoWithIssuer(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewSessionRepo(db)
	iss := session.NewIssuer(repo, session.IssuerConfig{TTL: time.Minute, Cost: 4}, nil, zap.NewNop())

	s, err := iss.SignIn(ctx, "p1", "Player One")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	next, err := iss.Refresh(ctx, s)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.ID != s.ID {
		t.Fatal("refresh changed session id")
	}
	if err := iss.Revoke(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Load(ctx, s.ID); !errors.Is(err, session.ErrUnknownSession) {
		t.Fatalf("Load after revoke = %v", err)
	}
}

func TestAnalyticsLeaderboardProfiles(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ar := NewAnalyticsRepo(db)
	tr := services.NewTracker(ar, nil, zap.NewNop())
	tr.LogEvent("lobby_created", map[string]any{"players": 1})
	tr.LogEvent("lobby_created", nil)
	if err := tr.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n, err := ar.CountByEvent(ctx, "lobby_created"); err != nil || n != 2 {
		t.Fatalf("count = %d, %v", n, err)
	}

	lb := NewLeaderboardRepo(db)
	now := time.Now()
	lb.Submit(ctx, services.Score{Board: "arena", PlayerID: "a", DisplayName: "A", Value: 10, SubmittedAt: now})
	lb.Submit(ctx, services.Score{Board: "arena", PlayerID: "a", DisplayName: "A", Value: 3, SubmittedAt: now})
	lb.Submit(ctx, services.Score{Board: "arena", PlayerID: "b", DisplayName: "B", Value: 20, SubmittedAt: now})
	top, err := lb.Top(ctx, "arena", 10)
	if err != nil || len(top) != 2 || top[0].PlayerID != "b" || top[1].Value != 10 {
		t.Fatalf("top = %+v, %v", top, err)
	}

	pr := NewProfileRepo(db)
	if _, err := pr.Load(ctx, "ghost"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("Load unknown = %v", err)
	}
	if err := pr.Save(ctx, services.Profile{PlayerID: "a", DisplayName: "A", Data: map[string]any{"wins": 2.0}}); err != nil {
		t.Fatal(err)
	}
	p, err := pr.Load(ctx, "a")
	if err != nil || p.Data["wins"] != 2.0 {
		t.Fatalf("profile = %+v, %v", p, err)
	}
}

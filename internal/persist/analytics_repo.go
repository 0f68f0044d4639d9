package persist

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/l1jgo/netplay/internal/services"
)

// AnalyticsRepo writes analytics events. It implements services.Sink.
type AnalyticsRepo struct {
	db *DB
}

var _ services.Sink = (*AnalyticsRepo)(nil)

func NewAnalyticsRepo(db *DB) *AnalyticsRepo {
	return &AnalyticsRepo{db: db}
}

// WriteEvents bulk-inserts a batch with COPY.
func (r *AnalyticsRepo) WriteEvents(ctx context.Context, events []services.Event) error {
	rows, err := eventRows(events)
	if err != nil {
		return err
	}
	if _, err := r.db.Pool.CopyFrom(ctx,
		pgx.Identifier{"analytics_events"},
		[]string{"event", "properties", "session_id", "player_id", "occurred_at"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("copy analytics events: %w", err)
	}
	return nil
}

func eventRows(events []services.Event) ([][]any, error) {
	rows := make([][]any, 0, len(events))
	for _, e := range events {
		props := e.Properties
		if props == nil {
			props = map[string]any{}
		}
		raw, err := json.Marshal(props)
		if err != nil {
			return nil, fmt.Errorf("encode properties of %s: %w", e.Name, err)
		}
		rows = append(rows, []any{e.Name, raw, nullable(e.SessionID), nullable(e.PlayerID), e.Timestamp})
	}
	return rows, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CountByEvent returns how many events named name were recorded.
func (r *AnalyticsRepo) CountByEvent(ctx context.Context, name string) (int64, error) {
	var n int64
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM analytics_events WHERE event = $1`, name).Scan(&n)
	return n, err
}

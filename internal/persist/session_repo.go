package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/l1jgo/netplay/internal/session"
)

// SessionRepo stores issued sessions. It implements session.Store.
type SessionRepo struct {
	db *DB
}

var _ session.Store = (*SessionRepo)(nil)

func NewSessionRepo(db *DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// Save upserts r; a refresh rotates the hash and expiry in place.
func (r *SessionRepo) Save(ctx context.Context, rec session.Record) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO player_sessions
		        (session_id, player_id, display_name, refresh_hash, created_at, expires_at, refresh_until)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id) DO UPDATE
		    SET refresh_hash = EXCLUDED.refresh_hash,
		        expires_at   = EXCLUDED.expires_at,
		        display_name = EXCLUDED.display_name`,
		rec.SessionID, rec.PlayerID, rec.DisplayName, rec.RefreshHash,
		rec.CreatedAt, rec.ExpiresAt, rec.RefreshUntil,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.SessionID, err)
	}
	return nil
}

func (r *SessionRepo) Load(ctx context.Context, sessionID string) (session.Record, error) {
	var rec session.Record
	err := r.db.Pool.QueryRow(ctx,
		`SELECT session_id, player_id, display_name, refresh_hash, created_at, expires_at, refresh_until
		 FROM player_sessions WHERE session_id = $1`, sessionID,
	).Scan(&rec.SessionID, &rec.PlayerID, &rec.DisplayName, &rec.RefreshHash,
		&rec.CreatedAt, &rec.ExpiresAt, &rec.RefreshUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Record{}, session.ErrUnknownSession
	}
	if err != nil {
		return session.Record{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return rec, nil
}

func (r *SessionRepo) Delete(ctx context.Context, sessionID string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM player_sessions WHERE session_id = $1`, sessionID)
	return err
}

// PurgeExpired removes sessions whose refresh window has closed.
func (r *SessionRepo) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM player_sessions WHERE refresh_until < NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

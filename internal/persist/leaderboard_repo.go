package persist

import (
	"context"
	"fmt"

	"github.com/l1jgo/netplay/internal/services"
)

// LeaderboardRepo implements services.Leaderboard on leaderboard_scores.
type LeaderboardRepo struct {
	db *DB
}

var _ services.Leaderboard = (*LeaderboardRepo)(nil)

func NewLeaderboardRepo(db *DB) *LeaderboardRepo {
	return &LeaderboardRepo{db: db}
}

// Submit keeps the player's best score on the board.
func (r *LeaderboardRepo) Submit(ctx context.Context, s services.Score) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO leaderboard_scores (board, player_id, display_name, value, submitted_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (board, player_id) DO UPDATE
		    SET value = EXCLUDED.value,
		        display_name = EXCLUDED.display_name,
		        submitted_at = EXCLUDED.submitted_at
		  WHERE leaderboard_scores.value < EXCLUDED.value`,
		s.Board, s.PlayerID, s.DisplayName, s.Value, s.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("submit score %s/%s: %w", s.Board, s.PlayerID, err)
	}
	return nil
}

func (r *LeaderboardRepo) Top(ctx context.Context, board string, limit int) ([]services.Score, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Pool.Query(ctx,
		`SELECT board, player_id, display_name, value, submitted_at
		 FROM leaderboard_scores WHERE board = $1
		 ORDER BY value DESC, submitted_at
		 LIMIT $2`, board, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []services.Score
	for rows.Next() {
		var s services.Score
		if err := rows.Scan(&s.Board, &s.PlayerID, &s.DisplayName, &s.Value, &s.SubmittedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

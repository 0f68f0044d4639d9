package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/l1jgo/netplay/internal/services"
)

// ProfileRepo implements services.Profiles on player_profiles.
type ProfileRepo struct {
	db *DB
}

var _ services.Profiles = (*ProfileRepo)(nil)

func NewProfileRepo(db *DB) *ProfileRepo {
	return &ProfileRepo{db: db}
}

func (r *ProfileRepo) Load(ctx context.Context, playerID string) (services.Profile, error) {
	var (
		p   services.Profile
		raw []byte
	)
	err := r.db.Pool.QueryRow(ctx,
		`SELECT player_id, display_name, avatar_url, data, updated_at
		 FROM player_profiles WHERE player_id = $1`, playerID,
	).Scan(&p.PlayerID, &p.DisplayName, &p.AvatarURL, &raw, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return services.Profile{}, services.ErrNotFound
	}
	if err != nil {
		return services.Profile{}, fmt.Errorf("load profile %s: %w", playerID, err)
	}
	if err := json.Unmarshal(raw, &p.Data); err != nil {
		return services.Profile{}, fmt.Errorf("decode profile %s: %w", playerID, err)
	}
	return p, nil
}

func (r *ProfileRepo) Save(ctx context.Context, p services.Profile) error {
	if p.Data == nil {
		p.Data = map[string]any{}
	}
	raw, err := json.Marshal(p.Data)
	if err != nil {
		return fmt.Errorf("encode profile %s: %w", p.PlayerID, err)
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	_, err = r.db.Pool.Exec(ctx,
		`INSERT INTO player_profiles (player_id, display_name, avatar_url, data, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (player_id) DO UPDATE
		    SET display_name = EXCLUDED.display_name,
		        avatar_url   = EXCLUDED.avatar_url,
		        data         = EXCLUDED.data,
		        updated_at   = EXCLUDED.updated_at`,
		p.PlayerID, p.DisplayName, p.AvatarURL, raw, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save profile %s: %w", p.PlayerID, err)
	}
	return nil
}

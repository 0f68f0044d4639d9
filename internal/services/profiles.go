package services

import (
	"context"
	"sync"
	"time"
)

// Profile is the persisted part of a player.
type Profile struct {
	PlayerID    string
	DisplayName string
	AvatarURL   string
	Data        map[string]any
	UpdatedAt   time.Time
}

// Profiles reads and writes player profiles. Load returns ErrNotFound for
// unknown players.
type Profiles interface {
	Load(ctx context.Context, playerID string) (Profile, error)
	Save(ctx context.Context, p Profile) error
}

// MemoryProfiles is an in-process Profiles store.
type MemoryProfiles struct {
	mu   sync.Mutex
	data map[string]Profile
}

var _ Profiles = (*MemoryProfiles)(nil)

func NewMemoryProfiles() *MemoryProfiles {
	return &MemoryProfiles{data: make(map[string]Profile)}
}

func (m *MemoryProfiles) Load(_ context.Context, playerID string) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.data[playerID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryProfiles) Save(_ context.Context, p Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	m.data[p.PlayerID] = p
	return nil
}

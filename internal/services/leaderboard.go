package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Score is one leaderboard entry. Higher values rank first.
type Score struct {
	Board       string
	PlayerID    string
	DisplayName string
	Value       int64
	SubmittedAt time.Time
}

// Leaderboard keeps each player's best score per board.
type Leaderboard interface {
	Submit(ctx context.Context, s Score) error
	Top(ctx context.Context, board string, limit int) ([]Score, error)
}

// MemoryLeaderboard is an in-process Leaderboard.
type MemoryLeaderboard struct {
	mu     sync.Mutex
	boards map[string]map[string]Score
}

var _ Leaderboard = (*MemoryLeaderboard)(nil)

func NewMemoryLeaderboard() *MemoryLeaderboard {
	return &MemoryLeaderboard{boards: make(map[string]map[string]Score)}
}

// Submit stores s unless the player already has a better or equal score.
func (l *MemoryLeaderboard) Submit(_ context.Context, s Score) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.boards[s.Board]
	if !ok {
		b = make(map[string]Score)
		l.boards[s.Board] = b
	}
	if prev, ok := b[s.PlayerID]; ok && prev.Value >= s.Value {
		return nil
	}
	b[s.PlayerID] = s
	return nil
}

// Top returns up to limit entries, best first. Ties go to the earlier
// submission.
func (l *MemoryLeaderboard) Top(_ context.Context, board string, limit int) ([]Score, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Score, 0, len(l.boards[board]))
	for _, s := range l.boards[board] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value > out[j].Value
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrInvalidRefresh = errors.New("invalid refresh token")
	ErrRefreshExpired = errors.New("refresh token expired")
)

// Authenticator issues and refreshes sessions.
type Authenticator interface {
	SignIn(ctx context.Context, playerID, displayName string) (*PlayerSession, error)
	Refresh(ctx context.Context, s *PlayerSession) (*PlayerSession, error)
}

// Record is the server-side state of an issued session. Only a hash of the
// refresh token is kept.
type Record struct {
	SessionID   string
	PlayerID    string
	DisplayName string
	RefreshHash string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	// RefreshUntil bounds how long the refresh token may be used.
	RefreshUntil time.Time
}

// Store persists session records. Load returns ErrUnknownSession for
// missing IDs.
type Store interface {
	Save(ctx context.Context, r Record) error
	Load(ctx context.Context, sessionID string) (Record, error)
	Delete(ctx context.Context, sessionID string) error
}

// IssuerConfig controls token lifetimes.
type IssuerConfig struct {
	TTL        time.Duration // access token lifetime, default 1h
	RefreshTTL time.Duration // default 30 days
	Cost       int           // bcrypt cost, default bcrypt.DefaultCost
}

// Issuer is the built-in Authenticator.
type Issuer struct {
	store Store
	cfg   IssuerConfig
	now   func() time.Time
	log   *zap.Logger
}

var _ Authenticator = (*Issuer)(nil)

func NewIssuer(store Store, cfg IssuerConfig, now func() time.Time, log *zap.Logger) *Issuer {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	if cfg.Cost == 0 {
		cfg.Cost = bcrypt.DefaultCost
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{store: store, cfg: cfg, now: now, log: log.Named("issuer")}
}

// NormalizeName trims and NFC-normalizes a display name so visually equal
// names compare equal.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

func (i *Issuer) SignIn(ctx context.Context, playerID, displayName string) (*PlayerSession, error) {
	if playerID == "" {
		return nil, fmt.Errorf("sign in: empty player id")
	}
	name := NormalizeName(displayName)
	if name == "" {
		name = playerID
	}
	now := i.now()
	rec := Record{
		SessionID:    uuid.NewString(),
		PlayerID:     playerID,
		DisplayName:  name,
		CreatedAt:    now,
		RefreshUntil: now.Add(i.cfg.RefreshTTL),
	}
	s, err := i.mint(ctx, rec, now)
	if err != nil {
		return nil, fmt.Errorf("sign in %s: %w", playerID, err)
	}
	i.log.Info("session issued", zap.String("session", s.ID), zap.String("player", playerID))
	return s, nil
}

// Refresh validates the refresh token of s and returns a replacement
// session with the same ID and rotated tokens.
func (i *Issuer) Refresh(ctx context.Context, s *PlayerSession) (*PlayerSession, error) {
	rec, err := i.store.Load(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("refresh %s: %w", s.ID, err)
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.RefreshHash), []byte(s.RefreshToken)) != nil {
		return nil, fmt.Errorf("refresh %s: %w", s.ID, ErrInvalidRefresh)
	}
	now := i.now()
	if !now.Before(rec.RefreshUntil) {
		return nil, fmt.Errorf("refresh %s: %w", s.ID, ErrRefreshExpired)
	}
	next, err := i.mint(ctx, rec, now)
	if err != nil {
		return nil, fmt.Errorf("refresh %s: %w", s.ID, err)
	}
	return next, nil
}

// Revoke forgets a session so it can no longer be refreshed.
func (i *Issuer) Revoke(ctx context.Context, sessionID string) error {
	return i.store.Delete(ctx, sessionID)
}

func (i *Issuer) mint(ctx context.Context, rec Record, now time.Time) (*PlayerSession, error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	refresh, err := randomToken()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(refresh), i.cfg.Cost)
	if err != nil {
		return nil, fmt.Errorf("hash refresh token: %w", err)
	}
	rec.RefreshHash = string(hash)
	rec.ExpiresAt = now.Add(i.cfg.TTL)
	if err := i.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return &PlayerSession{
		ID:           rec.SessionID,
		PlayerID:     rec.PlayerID,
		DisplayName:  rec.DisplayName,
		Token:        token,
		RefreshToken: refresh,
		CreatedAt:    now,
		ExpiresAt:    rec.ExpiresAt,
	}, nil
}

func randomToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Save(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.SessionID] = r
	return nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, ErrUnknownSession
	}
	return r, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

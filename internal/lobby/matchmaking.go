package lobby

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/l1jgo/netplay/internal/sched"
	"github.com/l1jgo/netplay/internal/services"
	"github.com/l1jgo/netplay/internal/session"
	"go.uber.org/zap"
)

var (
	ErrSessionExpired = errors.New("session expired")
	ErrNoSession      = errors.New("no session")
	ErrLobbyNotFound  = errors.New("lobby not found")
)

// Matchmaker places authenticated players into lobbies.
type Matchmaker interface {
	Create(s *session.PlayerSession, cfg Config) (*Lobby, error)
	Join(s *session.PlayerSession, lobbyID string) (*Lobby, error)
	Leave(s *session.PlayerSession, lobbyID string) error
	QuickMatch(s *session.PlayerSession) (*Lobby, error)
}

// Service is an in-memory Matchmaker. It runs on the scheduler goroutine
// like the lobbies it owns.
type Service struct {
	sched     sched.Scheduler
	defaults  Config
	analytics services.Analytics
	log       *zap.Logger

	lobbies map[string]*Lobby
	order   []string
}

var _ Matchmaker = (*Service)(nil)

// NewService creates a matchmaker. analytics may be nil.
func NewService(s sched.Scheduler, defaults Config, analytics services.Analytics, log *zap.Logger) *Service {
	return &Service{
		sched:     s,
		defaults:  defaults.withDefaults(),
		analytics: analytics,
		log:       log.Named("matchmaking"),
		lobbies:   make(map[string]*Lobby),
	}
}

func (svc *Service) check(s *session.PlayerSession) error {
	if s == nil {
		return ErrNoSession
	}
	if s.IsExpiredAt(svc.sched.Now()) {
		return ErrSessionExpired
	}
	return nil
}

func (svc *Service) track(name string, l *Lobby, s *session.PlayerSession) {
	if svc.analytics == nil {
		return
	}
	props := map[string]any{"lobby": l.ID(), "players": l.Count()}
	if s != nil {
		props["player"] = s.PlayerID
	}
	svc.analytics.LogEvent(name, props)
}

func playerFrom(s *session.PlayerSession) Player {
	return Player{ID: s.PlayerID, DisplayName: s.DisplayName, Metadata: s.Metadata}
}

// Create opens a lobby with the caller as host. Zero config fields take
// the service defaults.
func (svc *Service) Create(s *session.PlayerSession, cfg Config) (*Lobby, error) {
	if err := svc.check(s); err != nil {
		return nil, err
	}
	if cfg == (Config{}) {
		cfg = svc.defaults
	}
	l := New(uuid.NewString(), cfg, svc.sched, svc.log)
	if err := l.AddPlayer(playerFrom(s)); err != nil {
		l.Close()
		return nil, fmt.Errorf("create lobby: %w", err)
	}
	svc.lobbies[l.ID()] = l
	svc.order = append(svc.order, l.ID())

	l.OnStateChange(func(_, next State) {
		if next == StateStarted {
			svc.track("lobby_started", l, nil)
			svc.unlist(l.ID())
		}
	})
	svc.track("lobby_created", l, s)
	return l, nil
}

func (svc *Service) Join(s *session.PlayerSession, lobbyID string) (*Lobby, error) {
	if err := svc.check(s); err != nil {
		return nil, err
	}
	l, ok := svc.lobbies[lobbyID]
	if !ok {
		return nil, ErrLobbyNotFound
	}
	if err := l.AddPlayer(playerFrom(s)); err != nil {
		return nil, err
	}
	svc.track("lobby_joined", l, s)
	return l, nil
}

// Leave removes the caller. An emptied lobby is closed and dropped.
func (svc *Service) Leave(s *session.PlayerSession, lobbyID string) error {
	if s == nil {
		return ErrNoSession
	}
	l, ok := svc.lobbies[lobbyID]
	if !ok {
		return ErrLobbyNotFound
	}
	if !l.RemovePlayer(s.PlayerID) {
		return fmt.Errorf("leave lobby %s: player %s not a member", lobbyID, s.PlayerID)
	}
	svc.track("lobby_left", l, s)
	if l.Count() == 0 {
		l.Close()
		svc.unlist(lobbyID)
		svc.track("lobby_closed", l, nil)
	}
	return nil
}

// QuickMatch joins the oldest open lobby with room, or creates one. A
// player already waiting in an open lobby gets that lobby back.
func (svc *Service) QuickMatch(s *session.PlayerSession) (*Lobby, error) {
	if err := svc.check(s); err != nil {
		return nil, err
	}
	for _, id := range svc.order {
		l := svc.lobbies[id]
		if l.State() != StateOpen {
			continue
		}
		if _, ok := l.Player(s.PlayerID); ok {
			return l, nil
		}
		if l.IsFull() {
			continue
		}
		return svc.Join(s, id)
	}
	return svc.Create(s, Config{})
}

func (svc *Service) Get(id string) (*Lobby, bool) {
	l, ok := svc.lobbies[id]
	return l, ok
}

// List returns listed lobbies in creation order. Started lobbies are not
// listed.
func (svc *Service) List() []*Lobby {
	out := make([]*Lobby, 0, len(svc.order))
	for _, id := range svc.order {
		out = append(out, svc.lobbies[id])
	}
	return out
}

func (svc *Service) unlist(id string) {
	delete(svc.lobbies, id)
	for i, v := range svc.order {
		if v == id {
			svc.order = append(svc.order[:i], svc.order[i+1:]...)
			return
		}
	}
}

// Close closes every listed lobby.
func (svc *Service) Close() {
	for _, id := range svc.order {
		svc.lobbies[id].Close()
	}
	svc.lobbies = make(map[string]*Lobby)
	svc.order = nil
}

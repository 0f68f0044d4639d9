// Package api is the JSON HTTP surface of the server: sessions, lobbies,
// leaderboards and player profiles.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/l1jgo/netplay/internal/lobby"
	"github.com/l1jgo/netplay/internal/sched"
	"github.com/l1jgo/netplay/internal/services"
	"github.com/l1jgo/netplay/internal/session"
	"go.uber.org/zap"
)

// Deps are the services behind the handlers. Lobbies live on the
// scheduler thread; the rest must be safe for concurrent use.
type Deps struct {
	Sched       sched.Scheduler
	Issuer      *session.Issuer
	Lobbies     *lobby.Service
	Leaderboard services.Leaderboard
	Profiles    services.Profiles
}

var errNotMember = errors.New("not a member of this lobby")

type API struct {
	deps Deps
	log  *zap.Logger

	mu     sync.Mutex
	active map[string]*session.PlayerSession // by access token
}

func New(deps Deps, log *zap.Logger) *API {
	return &API{deps: deps, log: log.Named("api"), active: make(map[string]*session.PlayerSession)}
}

type sessionView struct {
	ID           string    `json:"id"`
	PlayerID     string    `json:"player_id"`
	DisplayName  string    `json:"display_name"`
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type playerView struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Ready       bool   `json:"ready"`
	Host        bool   `json:"host"`
}

type lobbyView struct {
	ID         string       `json:"id"`
	State      string       `json:"state"`
	MaxPlayers int          `json:"max_players"`
	Players    []playerView `json:"players"`
}

type scoreView struct {
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name"`
	Value       int64  `json:"value"`
}

type profileView struct {
	PlayerID    string         `json:"player_id"`
	DisplayName string         `json:"display_name"`
	AvatarURL   string         `json:"avatar_url,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Handler returns the routes, meant to be mounted under /api.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/sessions", a.signIn)
	r.Post("/sessions/refresh", a.refresh)
	r.Delete("/sessions/{id}", a.revoke)

	r.Get("/lobbies", a.listLobbies)
	r.Post("/lobbies/quickmatch", a.authed(a.quickMatch))
	r.Post("/lobbies/{id}/join", a.authed(a.joinLobby))
	r.Post("/lobbies/{id}/leave", a.authed(a.leaveLobby))
	r.Post("/lobbies/{id}/ready", a.authed(a.setReady))

	r.Get("/leaderboard/{board}", a.topScores)
	r.Get("/profiles/{player}", a.loadProfile)
	r.Put("/profiles/{player}", a.authed(a.saveProfile))
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// onLoop runs fn on the scheduler and waits for it.
func (a *API) onLoop(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	a.deps.Sched.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *API) remember(s *session.PlayerSession) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for tok, old := range a.active {
		if old.ID == s.ID {
			delete(a.active, tok)
		}
	}
	a.active[s.Token] = s
}

func (a *API) forget(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for tok, s := range a.active {
		if s.ID == sessionID {
			delete(a.active, tok)
		}
	}
}

type authedHandler func(w http.ResponseWriter, r *http.Request, s *session.PlayerSession)

// authed resolves the bearer token to a live session.
func (a *API) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || tok == "" {
			httpError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		a.mu.Lock()
		s := a.active[tok]
		a.mu.Unlock()
		if s == nil || s.IsExpiredAt(a.deps.Sched.Now()) {
			httpError(w, "invalid or expired session", http.StatusUnauthorized)
			return
		}
		next(w, r, s)
	}
}

func toSessionView(s *session.PlayerSession) sessionView {
	return sessionView{
		ID:           s.ID,
		PlayerID:     s.PlayerID,
		DisplayName:  s.DisplayName,
		Token:        s.Token,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    s.ExpiresAt,
	}
}

func (a *API) signIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerID    string `json:"player_id"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlayerID == "" {
		httpError(w, "player_id required", http.StatusBadRequest)
		return
	}
	s, err := a.deps.Issuer.SignIn(r.Context(), req.PlayerID, req.DisplayName)
	if err != nil {
		a.log.Error("sign in failed", zap.String("player", req.PlayerID), zap.Error(err))
		httpError(w, "sign in failed", http.StatusInternalServerError)
		return
	}
	a.remember(s)
	writeJSON(w, http.StatusCreated, toSessionView(s))
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID    string `json:"session_id"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		httpError(w, "session_id required", http.StatusBadRequest)
		return
	}
	s, err := a.deps.Issuer.Refresh(r.Context(), &session.PlayerSession{ID: req.SessionID, RefreshToken: req.RefreshToken})
	switch {
	case errors.Is(err, session.ErrUnknownSession), errors.Is(err, session.ErrInvalidRefresh), errors.Is(err, session.ErrRefreshExpired):
		httpError(w, err.Error(), http.StatusUnauthorized)
		return
	case err != nil:
		a.log.Error("refresh failed", zap.String("session", req.SessionID), zap.Error(err))
		httpError(w, "refresh failed", http.StatusInternalServerError)
		return
	}
	a.remember(s)
	writeJSON(w, http.StatusOK, toSessionView(s))
}

func (a *API) revoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.deps.Issuer.Revoke(r.Context(), id); err != nil && !errors.Is(err, session.ErrUnknownSession) {
		a.log.Error("revoke failed", zap.String("session", id), zap.Error(err))
		httpError(w, "revoke failed", http.StatusInternalServerError)
		return
	}
	a.forget(id)
	w.WriteHeader(http.StatusNoContent)
}

func toLobbyView(l *lobby.Lobby) lobbyView {
	v := lobbyView{ID: l.ID(), State: l.State().String(), MaxPlayers: l.Config().MaxPlayers}
	for _, p := range l.Players() {
		v.Players = append(v.Players, playerView{ID: p.ID, DisplayName: p.DisplayName, Ready: p.Ready, Host: p.Host})
	}
	return v
}

func lobbyStatus(err error) int {
	switch {
	case errors.Is(err, lobby.ErrLobbyNotFound):
		return http.StatusNotFound
	case errors.Is(err, lobby.ErrSessionExpired), errors.Is(err, lobby.ErrNoSession):
		return http.StatusUnauthorized
	case errors.Is(err, lobby.ErrLobbyFull), errors.Is(err, lobby.ErrLobbyClosed), errors.Is(err, lobby.ErrDuplicatePlayer):
		return http.StatusConflict
	case errors.Is(err, errNotMember):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func (a *API) listLobbies(w http.ResponseWriter, r *http.Request) {
	var views []lobbyView
	err := a.onLoop(r.Context(), func() {
		for _, l := range a.deps.Lobbies.List() {
			views = append(views, toLobbyView(l))
		}
	})
	if err != nil {
		httpError(w, "request cancelled", http.StatusServiceUnavailable)
		return
	}
	if views == nil {
		views = []lobbyView{}
	}
	writeJSON(w, http.StatusOK, views)
}

// lobbyOp runs op on the scheduler and answers with the resulting lobby.
func (a *API) lobbyOp(w http.ResponseWriter, r *http.Request, op func() (*lobby.Lobby, error)) {
	var (
		view   lobbyView
		opErr  error
		remain bool
	)
	err := a.onLoop(r.Context(), func() {
		l, err := op()
		if err != nil {
			opErr = err
			return
		}
		if l != nil {
			view, remain = toLobbyView(l), true
		}
	})
	switch {
	case err != nil:
		httpError(w, "request cancelled", http.StatusServiceUnavailable)
	case opErr != nil:
		httpError(w, opErr.Error(), lobbyStatus(opErr))
	case !remain:
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, http.StatusOK, view)
	}
}

func (a *API) quickMatch(w http.ResponseWriter, r *http.Request, s *session.PlayerSession) {
	a.lobbyOp(w, r, func() (*lobby.Lobby, error) { return a.deps.Lobbies.QuickMatch(s) })
}

func (a *API) joinLobby(w http.ResponseWriter, r *http.Request, s *session.PlayerSession) {
	id := chi.URLParam(r, "id")
	a.lobbyOp(w, r, func() (*lobby.Lobby, error) { return a.deps.Lobbies.Join(s, id) })
}

func (a *API) leaveLobby(w http.ResponseWriter, r *http.Request, s *session.PlayerSession) {
	id := chi.URLParam(r, "id")
	a.lobbyOp(w, r, func() (*lobby.Lobby, error) { return nil, a.deps.Lobbies.Leave(s, id) })
}

func (a *API) setReady(w http.ResponseWriter, r *http.Request, s *session.PlayerSession) {
	var req struct {
		Ready bool `json:"ready"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, "invalid body", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")
	a.lobbyOp(w, r, func() (*lobby.Lobby, error) {
		l, ok := a.deps.Lobbies.Get(id)
		if !ok {
			return nil, lobby.ErrLobbyNotFound
		}
		if !l.SetReady(s.PlayerID, req.Ready) {
			return nil, errNotMember
		}
		return l, nil
	})
}

func (a *API) topScores(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			httpError(w, "limit must be 1-100", http.StatusBadRequest)
			return
		}
		limit = n
	}
	scores, err := a.deps.Leaderboard.Top(r.Context(), chi.URLParam(r, "board"), limit)
	if err != nil {
		a.log.Error("leaderboard query failed", zap.Error(err))
		httpError(w, "leaderboard unavailable", http.StatusInternalServerError)
		return
	}
	out := make([]scoreView, 0, len(scores))
	for _, s := range scores {
		out = append(out, scoreView{PlayerID: s.PlayerID, DisplayName: s.DisplayName, Value: s.Value})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) loadProfile(w http.ResponseWriter, r *http.Request) {
	p, err := a.deps.Profiles.Load(r.Context(), chi.URLParam(r, "player"))
	switch {
	case errors.Is(err, services.ErrNotFound):
		httpError(w, "profile not found", http.StatusNotFound)
		return
	case err != nil:
		a.log.Error("profile load failed", zap.Error(err))
		httpError(w, "profile unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, profileView{PlayerID: p.PlayerID, DisplayName: p.DisplayName, AvatarURL: p.AvatarURL, Data: p.Data})
}

func (a *API) saveProfile(w http.ResponseWriter, r *http.Request, s *session.PlayerSession) {
	player := chi.URLParam(r, "player")
	if player != s.PlayerID {
		httpError(w, "cannot edit another player's profile", http.StatusForbidden)
		return
	}
	var req profileView
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, "invalid body", http.StatusBadRequest)
		return
	}
	name := session.NormalizeName(req.DisplayName)
	if name == "" {
		name = s.DisplayName
	}
	p := services.Profile{PlayerID: player, DisplayName: name, AvatarURL: req.AvatarURL, Data: req.Data, UpdatedAt: a.deps.Sched.Now()}
	if err := a.deps.Profiles.Save(r.Context(), p); err != nil {
		a.log.Error("profile save failed", zap.Error(err))
		httpError(w, "profile unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, profileView{PlayerID: p.PlayerID, DisplayName: p.DisplayName, AvatarURL: p.AvatarURL, Data: p.Data})
}

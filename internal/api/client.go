package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/l1jgo/netplay/internal/session"
)

// ErrUnauthorized is returned when the server rejects credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Client calls the JSON API. It implements session.Authenticator.
type Client struct {
	base string
	http *http.Client
}

var _ session.Authenticator = (*Client)(nil)

// NewClient targets baseURL, e.g. "http://127.0.0.1:7080/api". A nil hc
// uses a client with a 10s timeout.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *Client) call(ctx context.Context, method, path, token string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		if resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%s %s: %w: %s", method, path, ErrUnauthorized, e.Error)
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, e.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

func fromView(v sessionView) *session.PlayerSession {
	return &session.PlayerSession{
		ID:           v.ID,
		PlayerID:     v.PlayerID,
		DisplayName:  v.DisplayName,
		Token:        v.Token,
		RefreshToken: v.RefreshToken,
		ExpiresAt:    v.ExpiresAt,
	}
}

func (c *Client) SignIn(ctx context.Context, playerID, displayName string) (*session.PlayerSession, error) {
	var v sessionView
	err := c.call(ctx, http.MethodPost, "/sessions", "", map[string]string{"player_id": playerID, "display_name": displayName}, &v)
	if err != nil {
		return nil, err
	}
	return fromView(v), nil
}

func (c *Client) Refresh(ctx context.Context, s *session.PlayerSession) (*session.PlayerSession, error) {
	var v sessionView
	err := c.call(ctx, http.MethodPost, "/sessions/refresh", "", map[string]string{"session_id": s.ID, "refresh_token": s.RefreshToken}, &v)
	if err != nil {
		return nil, err
	}
	return fromView(v), nil
}

func (c *Client) Revoke(ctx context.Context, sessionID string) error {
	return c.call(ctx, http.MethodDelete, "/sessions/"+sessionID, "", nil, nil)
}

// LobbyInfo is the client view of a lobby.
type LobbyInfo struct {
	ID         string
	State      string
	MaxPlayers int
	Players    []string
}

func fromLobbyView(v lobbyView) LobbyInfo {
	info := LobbyInfo{ID: v.ID, State: v.State, MaxPlayers: v.MaxPlayers}
	for _, p := range v.Players {
		info.Players = append(info.Players, p.ID)
	}
	return info
}

func (c *Client) QuickMatch(ctx context.Context, s *session.PlayerSession) (LobbyInfo, error) {
	var v lobbyView
	if err := c.call(ctx, http.MethodPost, "/lobbies/quickmatch", s.Token, nil, &v); err != nil {
		return LobbyInfo{}, err
	}
	return fromLobbyView(v), nil
}

func (c *Client) SetReady(ctx context.Context, s *session.PlayerSession, lobbyID string, ready bool) (LobbyInfo, error) {
	var v lobbyView
	if err := c.call(ctx, http.MethodPost, "/lobbies/"+lobbyID+"/ready", s.Token, map[string]bool{"ready": ready}, &v); err != nil {
		return LobbyInfo{}, err
	}
	return fromLobbyView(v), nil
}

func (c *Client) Leave(ctx context.Context, s *session.PlayerSession, lobbyID string) error {
	return c.call(ctx, http.MethodPost, "/lobbies/"+lobbyID+"/leave", s.Token, nil, nil)
}

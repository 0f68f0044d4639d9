// Package lobby gathers players before a match: joins, readiness, the
// start countdown and host hand-over.
package lobby

import (
	"errors"
	"time"

	"github.com/l1jgo/netplay/internal/core/event"
	"github.com/l1jgo/netplay/internal/sched"
	"github.com/l1jgo/netplay/internal/session"
	"go.uber.org/zap"
)

var (
	ErrLobbyFull       = errors.New("lobby full")
	ErrLobbyClosed     = errors.New("lobby not accepting players")
	ErrDuplicatePlayer = errors.New("player already in lobby")
)

type State int

const (
	StateOpen State = iota
	StateLocked
	StateStarting
	StateStarted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateLocked:
		return "locked"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	}
	return "unknown"
}

// Player is a lobby member. Values handed to listeners are copies.
type Player struct {
	ID          string
	DisplayName string
	AvatarURL   string
	Ready       bool
	Host        bool
	Metadata    map[string]any
}

type Config struct {
	MinPlayers       int
	MaxPlayers       int
	CountdownSeconds int
}

// DefaultConfig is used for zero fields.
var DefaultConfig = Config{MinPlayers: 2, MaxPlayers: 8, CountdownSeconds: 5}

func (c Config) withDefaults() Config {
	if c.MinPlayers <= 0 {
		c.MinPlayers = DefaultConfig.MinPlayers
	}
	if c.MaxPlayers <= 0 {
		c.MaxPlayers = DefaultConfig.MaxPlayers
	}
	if c.MaxPlayers < c.MinPlayers {
		c.MaxPlayers = c.MinPlayers
	}
	if c.CountdownSeconds < 0 {
		c.CountdownSeconds = 0
	}
	return c
}

// Lobby is a single-threaded state machine; call it from the scheduler's
// goroutine only.
type Lobby struct {
	id    string
	cfg   Config
	sched sched.Scheduler
	log   *zap.Logger

	state     State
	players   []*Player
	countdown sched.Task
	remaining int
	closed    bool

	onJoined       event.Listeners[func(Player)]
	onLeft         event.Listeners[func(Player)]
	onReadyChanged event.Listeners[func(Player)]
	onHostChanged  event.Listeners[func(Player)]
	onTick         event.Listeners[func(int)]
	onReady        event.Listeners[func()]
	onState        event.Listeners[func(prev, next State)]
}

func New(id string, cfg Config, s sched.Scheduler, log *zap.Logger) *Lobby {
	return &Lobby{
		id:    id,
		cfg:   cfg.withDefaults(),
		sched: s,
		log:   log.Named("lobby").With(zap.String("lobby", id)),
	}
}

func (l *Lobby) ID() string     { return l.id }
func (l *Lobby) Config() Config { return l.cfg }
func (l *Lobby) State() State   { return l.state }
func (l *Lobby) Count() int     { return len(l.players) }
func (l *Lobby) IsFull() bool   { return len(l.players) >= l.cfg.MaxPlayers }
func (l *Lobby) Closed() bool   { return l.closed }

// Remaining returns the countdown value the next tick will report. Only
// meaningful while starting.
func (l *Lobby) Remaining() int { return l.remaining }

// Players returns copies of the members in join order.
func (l *Lobby) Players() []Player {
	out := make([]Player, len(l.players))
	for i, p := range l.players {
		out[i] = *p
	}
	return out
}

func (l *Lobby) Player(id string) (Player, bool) {
	if p := l.find(id); p != nil {
		return *p, true
	}
	return Player{}, false
}

// Host returns the current host, if any.
func (l *Lobby) Host() (Player, bool) {
	for _, p := range l.players {
		if p.Host {
			return *p, true
		}
	}
	return Player{}, false
}

func (l *Lobby) OnPlayerJoined(fn func(Player)) (remove func())         { return l.onJoined.Add(fn) }
func (l *Lobby) OnPlayerLeft(fn func(Player)) (remove func())           { return l.onLeft.Add(fn) }
func (l *Lobby) OnReadyChanged(fn func(Player)) (remove func())         { return l.onReadyChanged.Add(fn) }
func (l *Lobby) OnHostChanged(fn func(Player)) (remove func())          { return l.onHostChanged.Add(fn) }
func (l *Lobby) OnCountdownTick(fn func(remaining int)) (remove func()) { return l.onTick.Add(fn) }
func (l *Lobby) OnReady(fn func()) (remove func())                      { return l.onReady.Add(fn) }
func (l *Lobby) OnStateChange(fn func(prev, next State)) (remove func()) {
	return l.onState.Add(fn)
}

func (l *Lobby) find(id string) *Player {
	for _, p := range l.players {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// AddPlayer admits p. The first player becomes host. Rejections are
// returned as ErrLobbyFull, ErrLobbyClosed or ErrDuplicatePlayer.
func (l *Lobby) AddPlayer(p Player) error {
	if len(l.players) >= l.cfg.MaxPlayers {
		return ErrLobbyFull
	}
	if l.closed || l.state != StateOpen {
		return ErrLobbyClosed
	}
	if l.find(p.ID) != nil {
		return ErrDuplicatePlayer
	}

	p.DisplayName = session.NormalizeName(p.DisplayName)
	if p.DisplayName == "" {
		p.DisplayName = p.ID
	}
	p.Host = len(l.players) == 0
	member := p
	l.players = append(l.players, &member)
	l.log.Debug("player joined", zap.String("player", p.ID), zap.Bool("host", p.Host))

	for _, fn := range l.onJoined.Snapshot() {
		fn(member)
	}
	l.checkAutoStart()
	return nil
}

// RemovePlayer reports whether id was present. Losing the host promotes
// the earliest remaining joiner; dropping below MinPlayers while starting
// cancels the countdown.
func (l *Lobby) RemovePlayer(id string) bool {
	idx := -1
	for i, p := range l.players {
		if p.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	gone := *l.players[idx]
	l.players = append(l.players[:idx], l.players[idx+1:]...)

	if gone.Host && len(l.players) > 0 {
		l.players[0].Host = true
		next := *l.players[0]
		for _, fn := range l.onHostChanged.Snapshot() {
			fn(next)
		}
	}
	for _, fn := range l.onLeft.Snapshot() {
		fn(gone)
	}

	if l.state == StateStarting && len(l.players) < l.cfg.MinPlayers {
		l.log.Info("countdown cancelled, not enough players", zap.Int("players", len(l.players)))
		l.stopCountdown()
		l.setState(StateLocked)
	}
	return true
}

// SetReady reports whether the player exists. Un-readying while starting
// cancels the countdown.
func (l *Lobby) SetReady(id string, ready bool) bool {
	p := l.find(id)
	if p == nil {
		return false
	}
	if p.Ready == ready {
		return true
	}
	p.Ready = ready
	snapshot := *p
	for _, fn := range l.onReadyChanged.Snapshot() {
		fn(snapshot)
	}
	if !ready && l.state == StateStarting {
		l.stopCountdown()
		l.setState(StateLocked)
		return true
	}
	l.checkAutoStart()
	return true
}

// AllReady reports whether every member is ready. An empty lobby is not.
func (l *Lobby) AllReady() bool {
	if len(l.players) == 0 {
		return false
	}
	for _, p := range l.players {
		if !p.Ready {
			return false
		}
	}
	return true
}

func (l *Lobby) checkAutoStart() {
	if l.closed || (l.state != StateOpen && l.state != StateLocked) {
		return
	}
	if len(l.players) >= l.cfg.MinPlayers && l.AllReady() {
		l.begin()
	}
}

// ForceStart starts the countdown regardless of readiness. It reports
// false when already starting or started, or when the lobby is empty.
func (l *Lobby) ForceStart() bool {
	if l.closed || l.state == StateStarting || l.state == StateStarted || len(l.players) == 0 {
		return false
	}
	l.begin()
	return true
}

func (l *Lobby) begin() {
	if l.cfg.CountdownSeconds == 0 {
		l.fireReady()
		return
	}
	l.remaining = l.cfg.CountdownSeconds
	l.setState(StateStarting)
	l.countdown = l.sched.Every(time.Second, l.tick)
}

func (l *Lobby) tick() {
	current := l.remaining
	for _, fn := range l.onTick.Snapshot() {
		fn(current)
	}
	// A tick listener may have cancelled the countdown.
	if l.state != StateStarting {
		return
	}
	l.remaining--
	if l.remaining < 0 {
		l.stopCountdown()
		l.fireReady()
	}
}

func (l *Lobby) fireReady() {
	l.setState(StateStarted)
	l.log.Info("lobby ready", zap.Int("players", len(l.players)))
	for _, fn := range l.onReady.Snapshot() {
		fn()
	}
}

func (l *Lobby) stopCountdown() {
	sched.Stop(l.countdown)
	l.countdown = nil
	l.remaining = 0
}

// Lock stops new joins. Only valid from open.
func (l *Lobby) Lock() {
	if l.state == StateOpen {
		l.setState(StateLocked)
	}
}

// Unlock reopens the lobby from locked or starting; a running countdown is
// cancelled first.
func (l *Lobby) Unlock() {
	switch l.state {
	case StateStarting:
		l.stopCountdown()
		l.setState(StateOpen)
	case StateLocked:
		l.setState(StateOpen)
	}
}

// Close cancels the countdown and rejects further joins. Idempotent.
func (l *Lobby) Close() {
	if l.closed {
		return
	}
	l.closed = true
	l.stopCountdown()
}

func (l *Lobby) setState(next State) {
	prev := l.state
	if prev == next {
		return
	}
	l.state = next
	for _, fn := range l.onState.Snapshot() {
		fn(prev, next)
	}
}

// Package arena is the authoritative side of a match. It applies client
// inputs on a fixed tick, keeps a snapshot history for hit rewind and
// broadcasts every tick's transforms with per-player input acks.
package arena

import (
	"fmt"
	"math"
	"time"

	"github.com/l1jgo/netplay/internal/core/event"
	coresys "github.com/l1jgo/netplay/internal/core/system"
	"github.com/l1jgo/netplay/internal/geom"
	"github.com/l1jgo/netplay/internal/lagcomp"
	gonet "github.com/l1jgo/netplay/internal/net"
	"github.com/l1jgo/netplay/internal/net/packet"
	"github.com/l1jgo/netplay/internal/prediction"
	"github.com/l1jgo/netplay/internal/sched"
	"github.com/l1jgo/netplay/internal/services"
	"go.uber.org/zap"
)

// Packet senders. Each stream keeps its own sequence so receivers can
// detect gaps per stream.
const (
	SenderTransforms = "arena"
	SenderSession    = "arena/session"
	SenderHit        = "arena/hit"
)

type Config struct {
	TickRate        time.Duration // default 50ms
	HistoryCapacity int           // snapshots kept for rewind, default lagcomp.DefaultCapacity
	HitRadius       float64       // default 0.5
	MaxInputDT      float64       // seconds; larger client steps are clamped, default 0.25
	MaxQueued       int           // inputs held per player between ticks, default 64
	MaxInputLen     float64       // longer input vectors are scaled down, default 1
}

func (c Config) withDefaults() Config {
	if c.TickRate <= 0 {
		c.TickRate = 50 * time.Millisecond
	}
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = lagcomp.DefaultCapacity
	}
	if c.HitRadius <= 0 {
		c.HitRadius = 0.5
	}
	if c.MaxInputDT <= 0 {
		c.MaxInputDT = 0.25
	}
	if c.MaxQueued <= 0 {
		c.MaxQueued = prediction.DefaultMaxPending
	}
	if c.MaxInputLen <= 0 {
		c.MaxInputLen = 1
	}
	return c
}

// PlayerState is the authoritative view of one player.
type PlayerState struct {
	ID       string
	Position geom.Vec2
	Velocity geom.Vec2
	Rotation float64
	// LastSeq is the last applied input; valid only when Acked.
	LastSeq uint64
	Acked   bool
}

type player struct {
	PlayerState
	remote gonet.Remote
	queue  []prediction.Input
}

// HitListener observes confirmed rewind hits.
type HitListener func(shooter, target string, at time.Time)

// Arena implements net.PeerHandler. All methods run on the scheduler.
type Arena struct {
	sched     sched.Scheduler
	move      prediction.MoveFunc
	cfg       Config
	analytics services.Analytics
	log       *zap.Logger

	players map[uint64]*player
	order   []uint64 // join order
	byID    map[string]uint64

	runner  *coresys.Runner
	history *lagcomp.Compensator
	tick    uint64
	hitSeq  uint64
	task    sched.Task

	hits event.Listeners[HitListener]
}

var _ gonet.PeerHandler = (*Arena)(nil)

// New builds an idle arena. analytics may be nil.
func New(s sched.Scheduler, move prediction.MoveFunc, cfg Config, analytics services.Analytics, log *zap.Logger) *Arena {
	cfg = cfg.withDefaults()
	a := &Arena{
		sched:     s,
		move:      move,
		cfg:       cfg,
		analytics: analytics,
		log:       log.Named("arena"),
		players:   make(map[uint64]*player),
		byID:      make(map[string]uint64),
		runner:    coresys.NewRunner(),
		history:   lagcomp.NewCompensator(cfg.HistoryCapacity, 0),
	}
	a.runner.Register(&inputSystem{a: a})
	a.runner.Register(&snapshotSystem{a: a})
	a.runner.Register(&outputSystem{a: a})
	return a
}

// Register adds an extra tick system, e.g. game rules in PhaseSimulate.
func (a *Arena) Register(s coresys.System) { a.runner.Register(s) }

// Start begins ticking. Calling it twice has no effect.
func (a *Arena) Start() {
	if a.task != nil {
		return
	}
	a.task = a.sched.Every(a.cfg.TickRate, a.Step)
	a.log.Info("arena started", zap.Duration("tick", a.cfg.TickRate))
}

// Stop halts ticking. Connected players stay registered.
func (a *Arena) Stop() {
	if a.task == nil {
		return
	}
	sched.Stop(a.task)
	a.task = nil
	a.log.Info("arena stopped", zap.Uint64("ticks", a.tick))
}

// Step runs one tick immediately.
func (a *Arena) Step() { a.runner.Tick(a.cfg.TickRate) }

func (a *Arena) Tick() uint64 { return a.tick }

func (a *Arena) Config() Config { return a.cfg }

// History is the server-side snapshot buffer used for rewind.
func (a *Arena) History() *lagcomp.Compensator { return a.history }

// OnHit subscribes to confirmed hits.
func (a *Arena) OnHit(fn HitListener) (remove func()) { return a.hits.Add(fn) }

// Players returns every player in join order.
func (a *Arena) Players() []PlayerState {
	out := make([]PlayerState, 0, len(a.order))
	for _, rid := range a.order {
		out = append(out, a.players[rid].PlayerState)
	}
	return out
}

func (a *Arena) Player(id string) (PlayerState, bool) {
	rid, ok := a.byID[id]
	if !ok {
		return PlayerState{}, false
	}
	return a.players[rid].PlayerState, true
}

// PlayerID is the identity assigned to a remote on join.
func PlayerID(r gonet.Remote) string { return fmt.Sprintf("p%d", r.ID()) }

func (a *Arena) PeerJoined(r gonet.Remote) {
	id := PlayerID(r)
	p := &player{PlayerState: PlayerState{ID: id}, remote: r}
	a.players[r.ID()] = p
	a.order = append(a.order, r.ID())
	a.byID[id] = r.ID()

	r.Send(packet.New(1, packet.TypeSession, map[string]any{
		"player":  id,
		"tick_ms": a.cfg.TickRate.Milliseconds(),
	}, packet.WithChannel(packet.ChannelWelcome), packet.WithSender(SenderSession), packet.WithTimestamp(a.sched.Now())))

	a.log.Info("player joined", zap.String("player", id), zap.String("addr", r.Addr()))
	a.track("player_joined", map[string]any{"player": id, "players": len(a.order)})
}

func (a *Arena) PeerLeft(r gonet.Remote) {
	p, ok := a.players[r.ID()]
	if !ok {
		return
	}
	delete(a.players, r.ID())
	delete(a.byID, p.ID)
	for i, rid := range a.order {
		if rid == r.ID() {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	a.log.Info("player left", zap.String("player", p.ID))
	a.track("player_left", map[string]any{"player": p.ID, "players": len(a.order)})
}

func (a *Arena) PeerPacket(r gonet.Remote, pkt packet.Packet) {
	p, ok := a.players[r.ID()]
	if !ok {
		return
	}
	switch pkt.Channel {
	case packet.ChannelInput:
		in, err := prediction.DecodeInput(pkt.Payload)
		if err != nil {
			a.log.Debug("bad input", zap.String("player", p.ID), zap.Error(err))
			return
		}
		p.queue = append(p.queue, in)
		if over := len(p.queue) - a.cfg.MaxQueued; over > 0 {
			p.queue = append(p.queue[:0], p.queue[over:]...)
		}
	case packet.ChannelFire:
		a.handleFire(p, pkt)
	default:
		a.log.Debug("unhandled packet",
			zap.String("player", p.ID),
			zap.String("type", pkt.Type.String()),
			zap.String("channel", pkt.Channel))
	}
}

// HitCheck rewinds to the snapshot closest to at and reports whether
// target was within the hit radius of point. It also returns the tick
// of the snapshot used, 0 when there is no history.
func (a *Arena) HitCheck(target string, point geom.Vec2, at time.Time) (bool, uint64) {
	snap, ok := a.history.RewindToTime(at)
	if !ok {
		return false, 0
	}
	obj, ok := snap.Objects[target]
	if !ok {
		return false, snap.Seq
	}
	return obj.Position.Dist(point) <= a.cfg.HitRadius, snap.Seq
}

func (a *Arena) handleFire(p *player, pkt packet.Packet) {
	target, _ := pkt.Payload["target"].(string)
	x, errX := packet.FloatField(pkt.Payload, "x")
	y, errY := packet.FloatField(pkt.Payload, "y")
	ms, errT := packet.IntField(pkt.Payload, "ts")
	if target == "" || errX != nil || errY != nil || errT != nil {
		a.log.Debug("bad fire request", zap.String("player", p.ID))
		return
	}
	at := time.UnixMilli(ms)
	hit, tick := a.HitCheck(target, geom.V(x, y), at)

	a.hitSeq++
	p.remote.Send(packet.New(a.hitSeq, packet.TypeReliable, map[string]any{
		"target": target,
		"hit":    hit,
		"tick":   tick,
	}, packet.WithChannel(packet.ChannelHit), packet.WithSender(SenderHit), packet.WithTimestamp(a.sched.Now())))

	if hit {
		a.log.Debug("hit confirmed", zap.String("shooter", p.ID), zap.String("target", target), zap.Uint64("tick", tick))
		a.track("hit", map[string]any{"shooter": p.ID, "target": target, "tick": tick})
		for _, fn := range a.hits.Snapshot() {
			fn(p.ID, target, at)
		}
	}
}

func (a *Arena) track(name string, props map[string]any) {
	if a.analytics != nil {
		a.analytics.LogEvent(name, props)
	}
}

// clampVector bounds a client input vector. Non-finite vectors are
// rejected.
func (a *Arena) clampVector(v geom.Vec2) (geom.Vec2, bool) {
	if !v.Finite() {
		return geom.Vec2{}, false
	}
	return v.ClampLen(a.cfg.MaxInputLen), true
}

// clampDT bounds a client step. Non-positive and NaN steps are rejected.
func (a *Arena) clampDT(dt float64) (float64, bool) {
	if math.IsNaN(dt) || dt <= 0 {
		return 0, false
	}
	return math.Min(dt, a.cfg.MaxInputDT), true
}

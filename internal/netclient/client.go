// Package netclient glues a transport manager to local prediction and
// remote-object interpolation for one player.
package netclient

import (
	"time"

	"github.com/l1jgo/netplay/internal/core/event"
	"github.com/l1jgo/netplay/internal/geom"
	"github.com/l1jgo/netplay/internal/lagcomp"
	gonet "github.com/l1jgo/netplay/internal/net"
	"github.com/l1jgo/netplay/internal/net/packet"
	"github.com/l1jgo/netplay/internal/prediction"
	"github.com/l1jgo/netplay/internal/sched"
	"go.uber.org/zap"
)

type Config struct {
	MaxPending         int           // default prediction.DefaultMaxPending
	HistoryCapacity    int           // default lagcomp.DefaultCapacity
	InterpolationDelay time.Duration // default lagcomp.DefaultDelay
}

// HitResult is the server's answer to Fire.
type HitResult struct {
	Target string
	Hit    bool
	Tick   uint64
}

// Client runs on the scheduler thread, like the manager it wraps.
type Client struct {
	mgr   *gonet.Manager
	sched sched.Scheduler
	pred  *prediction.Engine
	comp  *lagcomp.Compensator
	log   *zap.Logger

	playerID    string
	correction  float64
	clockOffset time.Duration // server clock minus local clock
	clockSynced bool
	corrections event.Listeners[func(dist float64)]
	hitResults  event.Listeners[func(HitResult)]
	detach      []func()
}

func New(mgr *gonet.Manager, s sched.Scheduler, move prediction.MoveFunc, cfg Config, log *zap.Logger) *Client {
	delay := cfg.InterpolationDelay
	if delay == 0 {
		delay = lagcomp.DefaultDelay
	}
	c := &Client{
		mgr:   mgr,
		sched: s,
		pred:  prediction.New(move, cfg.MaxPending, s.Now),
		comp:  lagcomp.NewCompensator(cfg.HistoryCapacity, delay),
		log:   log.Named("client"),
	}
	c.detach = append(c.detach,
		mgr.On(packet.TypeSession, c.onSession),
		mgr.On(packet.TypeBroadcast, c.onBroadcast),
		mgr.On(packet.TypeReliable, c.onReliable),
	)
	return c
}

// PlayerID is the identity assigned by the server, empty until welcomed.
func (c *Client) PlayerID() string { return c.playerID }

func (c *Client) Prediction() *prediction.Engine { return c.pred }

func (c *Client) Compensator() *lagcomp.Compensator { return c.comp }

// LastCorrection is the distance moved by the most recent reconcile.
func (c *Client) LastCorrection() float64 { return c.correction }

// OnCorrection observes every reconcile, including zero-distance ones.
func (c *Client) OnCorrection(fn func(dist float64)) (remove func()) {
	return c.corrections.Add(fn)
}

func (c *Client) OnHitResult(fn func(HitResult)) (remove func()) {
	return c.hitResults.Add(fn)
}

// Step predicts one local input and sends it to the server.
func (c *Client) Step(vec geom.Vec2, dt float64) prediction.Input {
	in := c.pred.ApplyInput(vec, dt)
	c.mgr.Send(packet.TypeUnreliable, prediction.EncodeInput(in),
		packet.WithChannel(packet.ChannelInput),
		packet.WithPriority(packet.PriorityHigh),
		packet.WithSender(c.playerID))
	return in
}

// ClockOffset is the estimated server clock minus the local clock.
func (c *Client) ClockOffset() time.Duration { return c.clockOffset }

// ServerTime maps a local instant onto the server clock. Before the first
// snapshot arrives the clocks are assumed to agree.
func (c *Client) ServerTime(local time.Time) time.Time {
	return local.Add(c.clockOffset)
}

// observeClock folds one snapshot timestamp into the offset estimate. The
// snapshot is taken to be half a round trip old.
func (c *Client) observeClock(serverTS time.Time) {
	var oneWay time.Duration
	if conn := c.mgr.Connection(); conn != nil {
		oneWay = conn.Latency() / 2
	}
	sample := serverTS.Add(oneWay).Sub(c.sched.Now())
	if !c.clockSynced {
		c.clockOffset, c.clockSynced = sample, true
		return
	}
	c.clockOffset += (sample - c.clockOffset) / 8
}

// Fire asks the server whether point hit target as the player saw it,
// that is at the interpolated render time on the server clock.
func (c *Client) Fire(target string, point geom.Vec2) {
	at := c.ServerTime(c.sched.Now()).Add(-c.comp.Delay())
	c.mgr.Send(packet.TypeReliable, map[string]any{
		"target": target,
		"x":      point.X,
		"y":      point.Y,
		"ts":     at.UnixMilli(),
	}, packet.WithChannel(packet.ChannelFire), packet.WithSender(c.playerID))
}

// RemoteStates interpolates every object except the local player. now is
// a local instant; snapshots carry server timestamps.
func (c *Client) RemoteStates(now time.Time) (map[string]lagcomp.ObjectState, bool) {
	states, ok := c.comp.RemoteStates(c.ServerTime(now))
	if !ok {
		return nil, false
	}
	delete(states, c.playerID)
	return states, true
}

// Close detaches from the manager. It does not dispose the transport.
func (c *Client) Close() {
	for _, fn := range c.detach {
		fn()
	}
	c.detach = nil
}

func (c *Client) onSession(p packet.Packet) {
	if p.Channel != packet.ChannelWelcome {
		return
	}
	id, _ := p.Payload["player"].(string)
	if id == "" {
		c.log.Warn("welcome without player id")
		return
	}
	c.playerID = id
	c.log.Info("joined arena", zap.String("player", id))
}

func (c *Client) onBroadcast(p packet.Packet) {
	if p.Channel != packet.ChannelTransforms {
		return
	}
	snap, err := lagcomp.DecodeSnapshot(p.Payload)
	if err != nil {
		c.log.Debug("bad snapshot", zap.Error(err))
		return
	}
	c.comp.Record(snap)
	c.observeClock(snap.Timestamp)

	if c.playerID == "" {
		return
	}
	acks, _ := p.Payload["acks"].(map[string]any)
	acked, err := packet.UintField(acks, c.playerID)
	if err != nil {
		return
	}
	self, ok := snap.Objects[c.playerID]
	if !ok {
		return
	}
	c.correction = c.pred.Reconcile(acked, self.Position)
	for _, fn := range c.corrections.Snapshot() {
		fn(c.correction)
	}
}

func (c *Client) onReliable(p packet.Packet) {
	if p.Channel != packet.ChannelHit {
		return
	}
	target, _ := p.Payload["target"].(string)
	hit, _ := p.Payload["hit"].(bool)
	tick, _ := packet.UintField(p.Payload, "tick")
	res := HitResult{Target: target, Hit: hit, Tick: tick}
	for _, fn := range c.hitResults.Snapshot() {
		fn(res)
	}
}

package arena

import (
	"math"
	"sort"
	"time"

	coresys "github.com/l1jgo/netplay/internal/core/system"
	"github.com/l1jgo/netplay/internal/geom"
	"github.com/l1jgo/netplay/internal/lagcomp"
	"github.com/l1jgo/netplay/internal/net/packet"
	"go.uber.org/zap"
)

// inputSystem applies queued inputs in sequence order. Inputs at or below
// the last applied sequence are duplicates or arrived too late and are
// skipped. Phase 0 (Input).
type inputSystem struct{ a *Arena }

func (s *inputSystem) Phase() coresys.Phase { return coresys.PhaseInput }

func (s *inputSystem) Update(_ time.Duration) {
	for _, rid := range s.a.order {
		p := s.a.players[rid]
		if len(p.queue) == 0 {
			continue
		}
		sort.SliceStable(p.queue, func(i, j int) bool { return p.queue[i].Seq < p.queue[j].Seq })
		for _, in := range p.queue {
			if p.Acked && in.Seq <= p.LastSeq {
				continue
			}
			dt, ok := s.a.clampDT(in.DT)
			if !ok {
				continue
			}
			vec, ok := s.a.clampVector(in.Vector)
			if !ok {
				continue
			}
			// A move that leaves the pose non-finite is acked but not applied,
			// so the client reconciles back to the last good pose.
			pos, vel := s.a.move(p.Position, p.Velocity, vec, dt)
			if pos.Finite() && vel.Finite() {
				p.Position, p.Velocity = pos, vel
				if p.Velocity != (geom.Vec2{}) {
					p.Rotation = math.Atan2(p.Velocity.Y, p.Velocity.X) * 180 / math.Pi
				}
			} else {
				s.a.log.Warn("rejected non-finite move", zap.String("player", p.ID), zap.Uint64("seq", in.Seq))
			}
			p.LastSeq, p.Acked = in.Seq, true
		}
		p.queue = p.queue[:0]
	}
}

// snapshotSystem records this tick into the rewind history. Phase 2.
type snapshotSystem struct{ a *Arena }

func (s *snapshotSystem) Phase() coresys.Phase { return coresys.PhaseSnapshot }

func (s *snapshotSystem) Update(_ time.Duration) {
	a := s.a
	a.tick++
	snap := lagcomp.Snapshot{Seq: a.tick, Timestamp: a.sched.Now(), Objects: make(map[string]lagcomp.ObjectState, len(a.order))}
	for _, rid := range a.order {
		p := a.players[rid]
		snap.Objects[p.ID] = lagcomp.ObjectState{
			ID:       p.ID,
			Position: p.Position,
			Rotation: p.Rotation,
			Scale:    geom.V(1, 1),
			Velocity: p.Velocity,
		}
	}
	a.history.Record(snap)
}

// outputSystem broadcasts the newest snapshot with per-player acks.
// Phase 3 (Output).
type outputSystem struct{ a *Arena }

func (s *outputSystem) Phase() coresys.Phase { return coresys.PhaseOutput }

func (s *outputSystem) Update(_ time.Duration) {
	a := s.a
	if len(a.order) == 0 {
		return
	}
	snap, ok := a.history.Buffer().Newest()
	if !ok {
		return
	}
	payload, err := lagcomp.EncodeSnapshot(snap)
	if err != nil {
		a.log.Error("snapshot not broadcast", zap.Uint64("tick", snap.Seq), zap.Error(err))
		return
	}
	acks := make(map[string]any, len(a.order))
	for _, rid := range a.order {
		if p := a.players[rid]; p.Acked {
			acks[p.ID] = p.LastSeq
		}
	}
	payload["acks"] = acks

	pkt := packet.New(snap.Seq, packet.TypeBroadcast, payload,
		packet.WithChannel(packet.ChannelTransforms),
		packet.WithSender(SenderTransforms),
		packet.WithPriority(packet.PriorityLow),
		packet.WithTimestamp(snap.Timestamp))
	for _, rid := range a.order {
		a.players[rid].remote.Send(pkt)
	}
}

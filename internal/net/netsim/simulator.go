// Package netsim injects artificial latency, jitter and packet loss in front
// of any transport. It exists for development builds only: a release build
// forces it off regardless of configuration.
package netsim

import (
	"context"
	"math/rand"
	"time"

	"github.com/l1jgo/netplay/internal/build"
	gonet "github.com/l1jgo/netplay/internal/net"
	"github.com/l1jgo/netplay/internal/net/packet"
	"github.com/l1jgo/netplay/internal/sched"
	"go.uber.org/zap"
)

// Config describes simulated network conditions.
type Config struct {
	Enabled    bool          `yaml:"enabled"`
	Latency    time.Duration `yaml:"latency"`
	Jitter     time.Duration `yaml:"jitter"`
	PacketLoss float64       `yaml:"packet_loss"` // fraction in [0,1]
}

// Simulator decorates a Transport. Only the send path is affected.
type Simulator struct {
	inner gonet.Transport
	sched sched.Scheduler
	cfg   Config
	rng   *rand.Rand
	log   *zap.Logger

	inFlight map[uint64]sched.Task
	nextID   uint64
	dropped  uint64
	delayed  uint64
	disposed bool
}

var _ gonet.Transport = (*Simulator)(nil)

func New(inner gonet.Transport, s sched.Scheduler, cfg Config, log *zap.Logger) *Simulator {
	sim := &Simulator{
		inner:    inner,
		sched:    s,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		log:      log.Named("netsim"),
		inFlight: make(map[uint64]sched.Task),
	}
	sim.Configure(cfg)
	if cfg.Enabled && build.IsRelease() {
		sim.log.Warn("network simulator requested in a release build, ignoring")
	}
	return sim
}

// Seed makes loss and jitter decisions reproducible.
func (s *Simulator) Seed(seed int64) {
	s.rng = rand.New(rand.NewSource(seed))
}

// Configure replaces the simulated conditions.
func (s *Simulator) Configure(cfg Config) {
	if cfg.Latency < 0 {
		cfg.Latency = 0
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	s.cfg = cfg
	s.SetPacketLoss(cfg.PacketLoss)
}

// Config returns the requested conditions. Enabled reflects the caller's
// request, not the build-mode override; see Enabled().
func (s *Simulator) Config() Config { return s.cfg }

func (s *Simulator) SetEnabled(v bool) { s.cfg.Enabled = v }

// Enabled reports whether sends are actually being perturbed.
func (s *Simulator) Enabled() bool {
	return s.cfg.Enabled && !build.IsRelease()
}

func (s *Simulator) SetLatency(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.cfg.Latency = d
}

func (s *Simulator) SetJitter(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.cfg.Jitter = d
}

func (s *Simulator) SetPacketLoss(v float64) {
	switch {
	case v < 0:
		v = 0
	case v > 1:
		v = 1
	}
	s.cfg.PacketLoss = v
}

// Dropped returns the number of sends discarded by simulated loss.
func (s *Simulator) Dropped() uint64 { return s.dropped }

// Delayed returns the number of sends that went through the delay queue.
func (s *Simulator) Delayed() uint64 { return s.delayed }

// InFlight returns the number of delayed sends not yet delivered.
func (s *Simulator) InFlight() int { return len(s.inFlight) }

// Inner returns the wrapped transport.
func (s *Simulator) Inner() gonet.Transport { return s.inner }

func (s *Simulator) Send(p packet.Packet) {
	if s.disposed {
		return
	}
	if !s.Enabled() {
		s.inner.Send(p)
		return
	}
	if s.cfg.PacketLoss > 0 && s.rng.Float64() < s.cfg.PacketLoss {
		s.dropped++
		s.log.Debug("simulated loss", zap.String("type", p.Type.String()), zap.Uint64("seq", p.Seq))
		return
	}

	delay := s.cfg.Latency
	if s.cfg.Jitter > 0 {
		delay += time.Duration(s.rng.Int63n(int64(s.cfg.Jitter) + 1))
	}
	if delay <= 0 {
		s.inner.Send(p)
		return
	}

	s.delayed++
	s.nextID++
	id := s.nextID
	s.inFlight[id] = s.sched.After(delay, func() {
		delete(s.inFlight, id)
		if s.disposed {
			return
		}
		s.inner.Send(p)
	})
}

// cancelInFlight drops every delayed send that has not been delivered yet.
func (s *Simulator) cancelInFlight() {
	for id, t := range s.inFlight {
		t.Cancel()
		delete(s.inFlight, id)
	}
}

func (s *Simulator) Connect(ctx context.Context, host string, port int) error {
	if s.disposed {
		return gonet.ErrDisposed
	}
	return s.inner.Connect(ctx, host, port)
}

// Disconnect cancels delayed sends so nothing queued behind the artificial
// delay reaches the wire.
func (s *Simulator) Disconnect() error {
	s.cancelInFlight()
	return s.inner.Disconnect()
}

func (s *Simulator) OnPacket(fn gonet.Handler) (remove func()) {
	return s.inner.OnPacket(fn)
}

func (s *Simulator) Connection() *gonet.Connection { return s.inner.Connection() }

// Dispose cancels delayed sends and disposes the wrapped transport. A
// delivery racing with disposal is a no-op. Idempotent.
func (s *Simulator) Dispose() error {
	if s.disposed {
		return nil
	}
	s.cancelInFlight()
	s.disposed = true
	return s.inner.Dispose()
}

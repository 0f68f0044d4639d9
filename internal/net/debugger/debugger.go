// Package debugger is a passive telemetry tap over a net.Manager. It counts
// traffic in both directions, estimates loss from sequence gaps and emits a
// Stats snapshot on a fixed interval.
package debugger

import (
	"time"

	"github.com/l1jgo/netplay/internal/build"
	"github.com/l1jgo/netplay/internal/core/event"
	gonet "github.com/l1jgo/netplay/internal/net"
	"github.com/l1jgo/netplay/internal/net/packet"
	"github.com/l1jgo/netplay/internal/sched"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Stats is one emitted snapshot. Counters are cumulative since Start.
type Stats struct {
	At              time.Time
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsDropped  uint64
	BytesSent       uint64
	BytesReceived   uint64
	Latency         time.Duration
	// PacketLoss is dropped / (received + dropped) over the whole run.
	PacketLoss float64
}

type Config struct {
	Interval time.Duration // default 1s
	// Registry receives the mirrored counters. Nil keeps them unregistered.
	Registry  prometheus.Registerer
	Namespace string // default "netplay"
}

// senderTrack follows one sender's inbound sequence numbers.
type senderTrack struct {
	high    uint64
	missing uint64 // gap slots not yet filled by late arrivals
}

type Debugger struct {
	mgr   *gonet.Manager
	sched sched.Scheduler
	cfg   Config
	log   *zap.Logger

	stats   Stats
	senders map[string]*senderTrack

	listeners event.Listeners[func(Stats)]
	detach    []func()
	ticker    sched.Task
	running   bool

	m metrics
}

type metrics struct {
	packets *prometheus.CounterVec
	bytes   *prometheus.CounterVec
	dropped prometheus.Gauge
	latency prometheus.Gauge
}

func New(mgr *gonet.Manager, s sched.Scheduler, cfg Config, log *zap.Logger) *Debugger {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "netplay"
	}
	factory := promauto.With(cfg.Registry)
	return &Debugger{
		mgr:     mgr,
		sched:   s,
		cfg:     cfg,
		log:     log.Named("debugger"),
		senders: make(map[string]*senderTrack),
		m: metrics{
			packets: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "net",
				Name:      "packets_total",
				Help:      "Packets observed by the network debugger",
			}, []string{"direction"}),
			bytes: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "net",
				Name:      "bytes_total",
				Help:      "Encoded packet bytes observed by the network debugger",
			}, []string{"direction"}),
			dropped: factory.NewGauge(prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "net",
				Name:      "packets_dropped",
				Help:      "Inbound packets presumed lost from sequence gaps",
			}),
			latency: factory.NewGauge(prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "net",
				Name:      "latency_seconds",
				Help:      "Last measured round-trip latency",
			}),
		},
	}
}

// Start subscribes to the manager and begins emitting. It does nothing in
// release builds or when already running.
func (d *Debugger) Start() {
	if d.running {
		return
	}
	if !build.DiagnosticsEnabled() {
		d.log.Debug("diagnostics disabled in this build")
		return
	}
	d.running = true
	for _, t := range packet.Types {
		d.detach = append(d.detach, d.mgr.On(t, d.received))
	}
	d.detach = append(d.detach, d.mgr.OnSent(d.sent))
	d.ticker = d.sched.Every(d.cfg.Interval, d.emit)
}

// Stop unsubscribes and cancels the ticker. Idempotent.
func (d *Debugger) Stop() {
	if !d.running {
		return
	}
	d.running = false
	sched.Stop(d.ticker)
	d.ticker = nil
	for _, fn := range d.detach {
		fn()
	}
	d.detach = nil
}

// Running reports whether the debugger is subscribed.
func (d *Debugger) Running() bool { return d.running }

// OnStats registers fn for every emitted snapshot.
func (d *Debugger) OnStats(fn func(Stats)) (remove func()) {
	return d.listeners.Add(fn)
}

// Snapshot returns the current counters without emitting.
func (d *Debugger) Snapshot() Stats {
	s := d.stats
	s.At = d.sched.Now()
	s.Latency = d.mgr.Connection().Latency()
	s.PacketLoss = lossRatio(s.PacketsReceived, s.PacketsDropped)
	return s
}

func (d *Debugger) sent(p packet.Packet) {
	d.stats.PacketsSent++
	d.m.packets.WithLabelValues("sent").Inc()
	n := encodedSize(p)
	d.stats.BytesSent += n
	d.m.bytes.WithLabelValues("sent").Add(float64(n))
}

func (d *Debugger) received(p packet.Packet) {
	d.stats.PacketsReceived++
	d.m.packets.WithLabelValues("received").Inc()
	n := encodedSize(p)
	d.stats.BytesReceived += n
	d.m.bytes.WithLabelValues("received").Add(float64(n))

	// Pings carry the transport's own counter, not the manager's.
	if p.Type != packet.TypePing {
		d.track(p)
	}
}

// track applies the gap heuristic: a jump of N+1 over the highest seen
// sequence counts N drops; a late arrival below the high mark gives one back.
func (d *Debugger) track(p packet.Packet) {
	tr, ok := d.senders[p.Sender]
	if !ok {
		d.senders[p.Sender] = &senderTrack{high: p.Seq}
		return
	}
	switch {
	case p.Seq > tr.high:
		if gap := p.Seq - tr.high - 1; gap > 0 {
			tr.missing += gap
			d.stats.PacketsDropped += gap
		}
		tr.high = p.Seq
	case p.Seq < tr.high && tr.missing > 0:
		tr.missing--
		d.stats.PacketsDropped--
	}
	d.m.dropped.Set(float64(d.stats.PacketsDropped))
}

func (d *Debugger) emit() {
	s := d.Snapshot()
	d.m.latency.Set(s.Latency.Seconds())
	d.mgr.Connection().SetPacketLoss(s.PacketLoss)
	for _, fn := range d.listeners.Snapshot() {
		fn(s)
	}
}

// Reset zeroes counters and forgets per-sender sequence state.
func (d *Debugger) Reset() {
	d.stats = Stats{}
	d.senders = make(map[string]*senderTrack)
	d.m.dropped.Set(0)
}

func lossRatio(received, dropped uint64) float64 {
	total := received + dropped
	if total == 0 {
		return 0
	}
	return float64(dropped) / float64(total)
}

func encodedSize(p packet.Packet) uint64 {
	data, err := packet.Marshal(p)
	if err != nil {
		return 0
	}
	return uint64(len(data))
}

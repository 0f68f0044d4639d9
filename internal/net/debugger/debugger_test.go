package debugger

import (
	"context"
	"testing"
	"time"

	"github.com/l1jgo/netplay/internal/build"
	gonet "github.com/l1jgo/netplay/internal/net"
	"github.com/l1jgo/netplay/internal/net/nettest"
	"github.com/l1jgo/netplay/internal/net/packet"
	"github.com/l1jgo/netplay/internal/sched"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

func setup(t *testing.T, reg prometheus.Registerer) (*Debugger, *gonet.Manager, *nettest.Transport, *sched.Manual) {
	t.Helper()
	tr := nettest.New()
	mgr := gonet.NewManager(tr, zap.NewNop())
	if err := mgr.Connect(context.Background(), "h", 1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	m := sched.NewManual(time.Unix(1_700_000_000, 0))
	d := New(mgr, m, Config{Registry: reg}, zap.NewNop())
	d.Start()
	t.Cleanup(d.Stop)
	return d, mgr, tr, m
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("counter Write() error: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("gauge Write() error: %v", err)
	}
	return m.GetGauge().GetValue()
}

func inject(tr *nettest.Transport, sender string, seqs ...uint64) {
	for _, s := range seqs {
		tr.Inject(packet.New(s, packet.TypeUnreliable, nil, packet.WithSender(sender)))
	}
}

func TestDebuggerCountsTraffic(t *testing.T) {
	d, mgr, tr, _ := setup(t, nil)

	mgr.Send(packet.TypeReliable, map[string]any{"a": 1})
	mgr.Send(packet.TypeReliable, nil)
	inject(tr, "srv", 1, 2, 3)

	s := d.Snapshot()
	if s.PacketsSent != 2 || s.PacketsReceived != 3 {
		t.Fatalf("sent=%d received=%d", s.PacketsSent, s.PacketsReceived)
	}
	if s.BytesSent == 0 || s.BytesReceived == 0 {
		t.Fatalf("bytes not counted: %+v", s)
	}
	if s.PacketsDropped != 0 {
		t.Fatalf("dropped = %d for contiguous sequence", s.PacketsDropped)
	}
}

func TestDebuggerGapDetection(t *testing.T) {
	d, _, tr, _ := setup(t, nil)

	inject(tr, "srv", 1, 2, 6)
	if got := d.Snapshot().PacketsDropped; got != 3 {
		t.Fatalf("dropped after gap = %d, want 3", got)
	}

	// 4 arrives late: one drop given back.
	inject(tr, "srv", 4)
	if got := d.Snapshot().PacketsDropped; got != 2 {
		t.Fatalf("dropped after late arrival = %d, want 2", got)
	}

	// Duplicates and stale packets with no open gap change nothing.
	inject(tr, "srv", 6, 3, 5, 2)
	if got := d.Snapshot().PacketsDropped; got != 0 {
		t.Fatalf("dropped = %d, want 0", got)
	}
	inject(tr, "srv", 1)
	if got := d.Snapshot().PacketsDropped; got != 0 {
		t.Fatalf("dropped went negative path: %d", got)
	}
}

func TestDebuggerTracksSendersIndependently(t *testing.T) {
	d, _, tr, _ := setup(t, nil)
	inject(tr, "a", 10, 11)
	inject(tr, "b", 1, 2)
	inject(tr, "a", 12)
	if got := d.Snapshot().PacketsDropped; got != 0 {
		t.Fatalf("interleaved senders produced %d drops", got)
	}
}

func TestDebuggerIgnoresPingSequence(t *testing.T) {
	d, _, tr, _ := setup(t, nil)
	inject(tr, "", 1)
	tr.Inject(packet.New(500, packet.TypePing, map[string]any{"ping": true}))
	inject(tr, "", 2)
	s := d.Snapshot()
	if s.PacketsDropped != 0 || s.PacketsReceived != 3 {
		t.Fatalf("ping disturbed gap detection: %+v", s)
	}
}

func TestDebuggerEmitsOnInterval(t *testing.T) {
	d, mgr, tr, m := setup(t, nil)

	var got []Stats
	d.OnStats(func(s Stats) { got = append(got, s) })
	mgr.Connection().SetLatency(40 * time.Millisecond)
	inject(tr, "srv", 1, 4)

	m.Advance(999 * time.Millisecond)
	if len(got) != 0 {
		t.Fatal("emitted before the interval elapsed")
	}
	m.Advance(time.Millisecond)
	if len(got) != 1 {
		t.Fatalf("emissions = %d, want 1", len(got))
	}
	s := got[0]
	if s.Latency != 40*time.Millisecond || s.PacketsDropped != 2 || s.PacketLoss != 0.5 {
		t.Fatalf("stats = %+v", s)
	}
	if mgr.Connection().PacketLoss() != 0.5 {
		t.Fatalf("connection packet loss = %v", mgr.Connection().PacketLoss())
	}

	// Snapshots are values; later traffic does not alter an emitted one.
	inject(tr, "srv", 5)
	if got[0].PacketsReceived != 2 {
		t.Fatal("emitted snapshot mutated")
	}
	m.Advance(2 * time.Second)
	if len(got) != 3 {
		t.Fatalf("emissions = %d, want 3", len(got))
	}
}

func TestDebuggerStopIsIdempotent(t *testing.T) {
	d, mgr, tr, m := setup(t, nil)
	var emitted int
	d.OnStats(func(Stats) { emitted++ })

	d.Stop()
	d.Stop()
	mgr.Send(packet.TypeReliable, nil)
	inject(tr, "srv", 1)
	m.Advance(5 * time.Second)
	if emitted != 0 || d.Snapshot().PacketsSent != 0 || d.Snapshot().PacketsReceived != 0 {
		t.Fatalf("stopped debugger still observing: emitted=%d %+v", emitted, d.Snapshot())
	}
	if d.Running() {
		t.Fatal("Running after Stop")
	}
}

func TestDebuggerInertInRelease(t *testing.T) {
	defer build.Override(build.Release)()
	d, mgr, _, m := setup(t, nil)
	var emitted int
	d.OnStats(func(Stats) { emitted++ })
	mgr.Send(packet.TypeReliable, nil)
	m.Advance(3 * time.Second)
	if d.Running() || emitted != 0 || d.Snapshot().PacketsSent != 0 {
		t.Fatal("debugger active in release build")
	}
}

func TestDebuggerMirrorsPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	d, mgr, tr, m := setup(t, reg)

	mgr.Send(packet.TypeReliable, nil)
	inject(tr, "srv", 1, 3)
	mgr.Connection().SetLatency(250 * time.Millisecond)
	m.Advance(time.Second)

	if v := counterValue(t, d.m.packets.WithLabelValues("sent")); v != 1 {
		t.Fatalf("sent counter = %v", v)
	}
	if v := counterValue(t, d.m.packets.WithLabelValues("received")); v != 2 {
		t.Fatalf("received counter = %v", v)
	}
	if v := gaugeValue(t, d.m.dropped); v != 1 {
		t.Fatalf("dropped gauge = %v", v)
	}
	if v := gaugeValue(t, d.m.latency); v != 0.25 {
		t.Fatalf("latency gauge = %v", v)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"netplay_net_packets_total", "netplay_net_bytes_total", "netplay_net_packets_dropped", "netplay_net_latency_seconds"} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

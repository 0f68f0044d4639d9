package netsim

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/l1jgo/netplay/internal/build"
	"github.com/l1jgo/netplay/internal/net/nettest"
	"github.com/l1jgo/netplay/internal/net/packet"
	"github.com/l1jgo/netplay/internal/sched"
	"go.uber.org/zap"
)

var epoch = time.Unix(1_700_000_000, 0)

func newSim(t *testing.T, cfg Config) (*Simulator, *nettest.Transport, *sched.Manual) {
	t.Helper()
	inner := nettest.New()
	m := sched.NewManual(epoch)
	sim := New(inner, m, cfg, zap.NewNop())
	sim.Seed(1)
	if err := sim.Connect(context.Background(), "sim", 1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return sim, inner, m
}

func TestSimulatorDisabledPassesThrough(t *testing.T) {
	sim, inner, _ := newSim(t, Config{Latency: time.Second, PacketLoss: 1})
	sim.Send(packet.New(1, packet.TypeReliable, nil))
	if len(inner.Sent) != 1 {
		t.Fatalf("disabled simulator held back the packet")
	}
}

func TestSimulatorDelaysByLatency(t *testing.T) {
	sim, inner, m := newSim(t, Config{Enabled: true, Latency: 100 * time.Millisecond})
	sim.Send(packet.New(1, packet.TypeReliable, nil))

	m.Advance(99 * time.Millisecond)
	if len(inner.Sent) != 0 {
		t.Fatal("packet delivered before latency elapsed")
	}
	m.Advance(time.Millisecond)
	if len(inner.Sent) != 1 {
		t.Fatal("packet not delivered after latency")
	}
	if sim.Delayed() != 1 || sim.InFlight() != 0 {
		t.Fatalf("Delayed = %d, InFlight = %d", sim.Delayed(), sim.InFlight())
	}
}

func TestSimulatorJitterStaysInRange(t *testing.T) {
	sim, inner, m := newSim(t, Config{Enabled: true, Latency: 50 * time.Millisecond, Jitter: 20 * time.Millisecond})
	for i := 0; i < 50; i++ {
		sim.Send(packet.New(uint64(i), packet.TypeUnreliable, nil))
	}
	m.Advance(49 * time.Millisecond)
	if len(inner.Sent) != 0 {
		t.Fatalf("%d packets beat the base latency", len(inner.Sent))
	}
	m.Advance(21 * time.Millisecond)
	if len(inner.Sent) != 50 {
		t.Fatalf("delivered %d of 50 within latency+jitter", len(inner.Sent))
	}
}

func TestSimulatorTotalLoss(t *testing.T) {
	sim, inner, m := newSim(t, Config{Enabled: true, PacketLoss: 1})
	for i := 0; i < 10; i++ {
		sim.Send(packet.New(uint64(i), packet.TypeReliable, nil))
	}
	m.Advance(time.Second)
	if len(inner.Sent) != 0 || sim.Dropped() != 10 {
		t.Fatalf("sent %d, dropped %d", len(inner.Sent), sim.Dropped())
	}
}

func TestSimulatorPartialLossIsRoughlyProportional(t *testing.T) {
	sim, inner, _ := newSim(t, Config{Enabled: true, PacketLoss: 0.25})
	const n = 4000
	for i := 0; i < n; i++ {
		sim.Send(packet.New(uint64(i), packet.TypeUnreliable, nil))
	}
	lost := float64(sim.Dropped()) / n
	if lost < 0.2 || lost > 0.3 {
		t.Fatalf("loss ratio %.3f far from 0.25", lost)
	}
	if int(sim.Dropped())+len(inner.Sent) != n {
		t.Fatalf("dropped+sent = %d, want %d", int(sim.Dropped())+len(inner.Sent), n)
	}
}

func TestSimulatorSetterClamps(t *testing.T) {
	sim, _, _ := newSim(t, Config{})
	sim.SetPacketLoss(3)
	sim.SetLatency(-time.Second)
	sim.SetJitter(-time.Second)
	cfg := sim.Config()
	if cfg.PacketLoss != 1 || cfg.Latency != 0 || cfg.Jitter != 0 {
		t.Fatalf("config not clamped: %+v", cfg)
	}
	sim.SetPacketLoss(-1)
	if sim.Config().PacketLoss != 0 {
		t.Fatalf("PacketLoss = %v", sim.Config().PacketLoss)
	}
}

func TestSimulatorForcedOffInRelease(t *testing.T) {
	defer build.Override(build.Release)()
	sim, inner, _ := newSim(t, Config{Enabled: true, Latency: time.Second, PacketLoss: 1})
	if sim.Enabled() {
		t.Fatal("simulator enabled in release build")
	}
	sim.SetEnabled(true)
	sim.Send(packet.New(1, packet.TypeReliable, nil))
	if len(inner.Sent) != 1 {
		t.Fatal("release build did not pass packets through")
	}
}

func TestSimulatorDisconnectCancelsDelayed(t *testing.T) {
	sim, inner, m := newSim(t, Config{Enabled: true, Latency: 100 * time.Millisecond})
	sim.Send(packet.New(1, packet.TypeReliable, nil))
	if err := sim.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := sim.Connect(context.Background(), "sim", 1); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	m.Advance(time.Second)
	if len(inner.Sent) != 0 {
		t.Fatal("delayed packet survived disconnect")
	}
}

func TestSimulatorDisposeMakesLateDeliveryNoop(t *testing.T) {
	sim, inner, m := newSim(t, Config{Enabled: true, Latency: 100 * time.Millisecond})
	sim.Send(packet.New(1, packet.TypeReliable, nil))
	if err := sim.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	m.Advance(time.Second)
	if len(inner.Sent) != 0 {
		t.Fatal("packet delivered after dispose")
	}
	if !inner.Disposed {
		t.Fatal("inner transport not disposed")
	}
	sim.Send(packet.New(2, packet.TypeReliable, nil))
	if err := sim.Dispose(); err != nil {
		t.Fatalf("second Dispose: %v", err)
	}
}

func TestSimulatorForwardsInbound(t *testing.T) {
	sim, inner, _ := newSim(t, Config{Enabled: true, Latency: time.Second})
	var got int
	sim.OnPacket(func(packet.Packet) { got++ })
	inner.Inject(packet.New(1, packet.TypeBroadcast, nil))
	if got != 1 {
		t.Fatal("inbound packet was delayed or lost")
	}
	if sim.Connection() != inner.Connection() {
		t.Fatal("connection not shared with inner transport")
	}
}

func TestLoadProfiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "netsim.yaml")
	raw := `
- name: satellite
  latency: 600ms
  jitter: 80ms
  packet_loss: 0.02
- name: lan
  enabled: false
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	profiles, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	sat, ok := profiles.Get("satellite")
	if !ok || !sat.Enabled || sat.Latency != 600*time.Millisecond || sat.Jitter != 80*time.Millisecond || sat.PacketLoss != 0.02 {
		t.Fatalf("satellite = %+v, %v", sat, ok)
	}
	if lan, _ := profiles.Get("lan"); lan.Enabled {
		t.Fatal("file entry did not override builtin lan")
	}
	if _, ok := profiles.Get("mobile"); !ok {
		t.Fatal("builtin profiles dropped")
	}
	names := profiles.Names()
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("Names not sorted: %v", names)
		}
	}
}

func TestParseProfilesRejectsBadEntries(t *testing.T) {
	cases := map[string]string{
		"no name":     "- latency: 10ms\n",
		"bad latency": "- name: x\n  latency: soon\n",
		"bad loss":    "- name: x\n  packet_loss: 2\n",
		"not a list":  "name: x\n",
	}
	for name, raw := range cases {
		if _, err := ParseProfiles([]byte(raw)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

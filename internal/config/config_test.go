package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "netplay.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
[network]
bind_address = "127.0.0.1:9000"
tick_rate = "33ms"
transport = "websocket"

[simulator]
enabled = true
latency = "80ms"
packet_loss = 0.05

[lobby]
max_players = 4
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network.BindAddress != "127.0.0.1:9000" || cfg.Network.TickRate != 33*time.Millisecond {
		t.Fatalf("network = %+v", cfg.Network)
	}
	if cfg.Network.Transport != "websocket" || cfg.Network.WSPath != "/ws" {
		t.Fatalf("transport = %q path = %q", cfg.Network.Transport, cfg.Network.WSPath)
	}
	if !cfg.Simulator.Enabled || cfg.Simulator.Latency != 80*time.Millisecond || cfg.Simulator.PacketLoss != 0.05 {
		t.Fatalf("simulator = %+v", cfg.Simulator)
	}
	if cfg.Lobby.MaxPlayers != 4 || cfg.Lobby.MinPlayers != 2 {
		t.Fatalf("lobby = %+v", cfg.Lobby)
	}
	if cfg.Network.KeepAlive != 2*time.Second || cfg.Telemetry.Interval != time.Second {
		t.Fatal("untouched defaults lost")
	}
	if cfg.Server.StartTime == 0 {
		t.Fatal("StartTime not stamped")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	path := writeConfig(t, "[server]\nname = \"from-env\"\n")
	t.Setenv(EnvPath, path)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Name != "from-env" {
		t.Fatalf("name = %q", cfg.Server.Name)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvPath, "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network.Transport != "tcp" || cfg.Prediction.ScriptFunction != "move" {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"transport":  "[network]\ntransport = \"carrier-pigeon\"\n",
		"loss":       "[simulator]\npacket_loss = 1.5\n",
		"lobby":      "[lobby]\nmin_players = 5\nmax_players = 2\n",
		"renew lead": "[session]\nttl = \"1m\"\nrenew_lead = \"2m\"\n",
		"syntax":     "[network\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("missing file error = %v", err)
	}
}

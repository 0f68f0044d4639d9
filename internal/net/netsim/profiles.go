package netsim

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// builtinProfiles are always available, even without a profile file.
var builtinProfiles = map[string]Config{
	"perfect":   {Enabled: false},
	"lan":       {Enabled: true, Latency: 2 * time.Millisecond, Jitter: time.Millisecond},
	"broadband": {Enabled: true, Latency: 40 * time.Millisecond, Jitter: 10 * time.Millisecond, PacketLoss: 0.005},
	"mobile":    {Enabled: true, Latency: 120 * time.Millisecond, Jitter: 60 * time.Millisecond, PacketLoss: 0.03},
	"terrible":  {Enabled: true, Latency: 300 * time.Millisecond, Jitter: 200 * time.Millisecond, PacketLoss: 0.15},
}

// Profiles is a named set of network conditions.
type Profiles map[string]Config

// profileEntry is the on-disk shape; durations are strings like "80ms".
type profileEntry struct {
	Name       string  `yaml:"name"`
	Enabled    *bool   `yaml:"enabled"`
	Latency    string  `yaml:"latency"`
	Jitter     string  `yaml:"jitter"`
	PacketLoss float64 `yaml:"packet_loss"`
}

// DefaultProfiles returns a copy of the built-in presets.
func DefaultProfiles() Profiles {
	out := make(Profiles, len(builtinProfiles))
	for k, v := range builtinProfiles {
		out[k] = v
	}
	return out
}

// LoadProfiles reads a YAML list of presets and merges it over the built-in
// ones. Entries default to enabled.
func LoadProfiles(path string) (Profiles, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read netsim profiles: %w", err)
	}
	return ParseProfiles(raw)
}

// ParseProfiles is LoadProfiles without the file read.
func ParseProfiles(raw []byte) (Profiles, error) {
	var entries []profileEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse netsim profiles: %w", err)
	}
	out := DefaultProfiles()
	var err error
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("netsim profile without name")
		}
		cfg := Config{Enabled: true, PacketLoss: e.PacketLoss}
		if e.Enabled != nil {
			cfg.Enabled = *e.Enabled
		}
		if cfg.Latency, err = parseDuration(e.Latency); err != nil {
			return nil, fmt.Errorf("profile %s latency: %w", e.Name, err)
		}
		if cfg.Jitter, err = parseDuration(e.Jitter); err != nil {
			return nil, fmt.Errorf("profile %s jitter: %w", e.Name, err)
		}
		if cfg.PacketLoss < 0 || cfg.PacketLoss > 1 {
			return nil, fmt.Errorf("profile %s packet_loss %.3f outside [0,1]", e.Name, cfg.PacketLoss)
		}
		out[e.Name] = cfg
	}
	return out, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// Get looks up a preset by name.
func (p Profiles) Get(name string) (Config, bool) {
	cfg, ok := p[name]
	return cfg, ok
}

// Names returns the preset names sorted.
func (p Profiles) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

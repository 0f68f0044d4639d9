package services

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// RemoteConfig is a two-phase key/value store: Fetch pulls new values,
// Activate makes them visible to the getters.
type RemoteConfig interface {
	Fetch(ctx context.Context) error
	Activate() bool
	String(key, def string) string
	Int(key string, def int) int
	Float(key string, def float64) float64
	Bool(key string, def bool) bool
	Duration(key string, def time.Duration) time.Duration
}

// FileRemoteConfig reads a flat YAML mapping from disk.
type FileRemoteConfig struct {
	path string

	mu      sync.RWMutex
	fetched map[string]any
	active  map[string]any
}

var _ RemoteConfig = (*FileRemoteConfig)(nil)

func NewFileRemoteConfig(path string, defaults map[string]any) *FileRemoteConfig {
	active := make(map[string]any, len(defaults))
	for k, v := range defaults {
		active[k] = v
	}
	return &FileRemoteConfig{path: path, active: active}
}

func (c *FileRemoteConfig) Fetch(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("fetch remote config: %w", err)
	}
	values := map[string]any{}
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return fmt.Errorf("parse remote config %s: %w", c.path, err)
	}
	c.mu.Lock()
	c.fetched = values
	c.mu.Unlock()
	return nil
}

// Activate merges the last fetched values over the active set. It reports
// whether anything was pending.
func (c *FileRemoteConfig) Activate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fetched == nil {
		return false
	}
	for k, v := range c.fetched {
		c.active[k] = v
	}
	c.fetched = nil
	return true
}

func (c *FileRemoteConfig) get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.active[key]
	return v, ok
}

func (c *FileRemoteConfig) String(key, def string) string {
	if v, ok := c.get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return def
}

func (c *FileRemoteConfig) Int(key string, def int) int {
	v, ok := c.get(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

func (c *FileRemoteConfig) Float(key string, def float64) float64 {
	v, ok := c.get(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return def
}

func (c *FileRemoteConfig) Bool(key string, def bool) bool {
	if v, ok := c.get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Duration accepts Go duration strings ("250ms") or integer milliseconds.
func (c *FileRemoteConfig) Duration(key string, def time.Duration) time.Duration {
	v, ok := c.get(key)
	if !ok {
		return def
	}
	switch d := v.(type) {
	case string:
		if parsed, err := time.ParseDuration(d); err == nil {
			return parsed
		}
	case int:
		return time.Duration(d) * time.Millisecond
	case time.Duration:
		return d
	}
	return def
}

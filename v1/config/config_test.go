package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "presence.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	lc := Default().LockConfig()
	if lc.RetryCount != 10 || lc.RetryDelay != 200*time.Millisecond || lc.DriftFactor != 0.01 {
		t.Fatalf("unexpected lock defaults %+v", lc)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeFile(t, `
redis:
  addrs: ["r1:6379", "r2:6379", "r3:6379"]
  timeout: 2s
transport:
  kind: nats
  nats_url: nats://localhost:4222
lock:
  retry_count: 3
gateway:
  addr: ":9000"
tracing:
  enabled: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Redis.Addrs) != 3 || cfg.Redis.Timeout != 2*time.Second {
		t.Fatalf("unexpected redis section %+v", cfg.Redis)
	}
	if cfg.Transport.Kind != TransportNATS || cfg.Lock.RetryCount != 3 {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
	if cfg.Lock.RetryDelay != 200*time.Millisecond {
		t.Fatalf("expected default retry delay kept, got %v", cfg.Lock.RetryDelay)
	}
	if cfg.Gateway.Addr != ":9000" || cfg.Gateway.RoomPrefix != "room:" || !cfg.Tracing.Enabled {
		t.Fatalf("unexpected gateway/tracing %+v %+v", cfg.Gateway, cfg.Tracing)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "redis:\n  adresses: [\"x\"]\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("expected strict decode error, got %v", err)
	}
}

func TestLoadEmptyPathAndEmptyFile(t *testing.T) {
	if _, err := Load(""); err != nil {
		t.Fatalf("empty path: %v", err)
	}
	if _, err := Load(writeFile(t, "")); err != nil {
		t.Fatalf("empty file: %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"no redis":      func(c *Config) { c.Redis.Addrs = nil },
		"unknown kind":  func(c *Config) { c.Transport.Kind = "carrier-pigeon" },
		"nats no url":   func(c *Config) { c.Transport.Kind = TransportNATS },
		"kafka no addr": func(c *Config) { c.Transport.Kind = TransportKafka },
		"drift":         func(c *Config) { c.Lock.DriftFactor = 1 },
		"delay":         func(c *Config) { c.Lock.RetryDelay = -time.Second },
		"breaker":       func(c *Config) { c.Breaker.Threshold = -1 },
		"gateway":       func(c *Config) { c.Gateway.Addr = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

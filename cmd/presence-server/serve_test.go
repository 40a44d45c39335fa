package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"

	"github.com/mirkobrombin/go-presence/v1/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)
	cfg := config.Default()
	cfg.Redis.Addrs = []string{mr.Addr()}
	cfg.Gateway.Addr = "127.0.0.1:0"
	cfg.Metrics.Addr = ""
	return cfg
}

func TestBuildPresenceRedis(t *testing.T) {
	cfg := testConfig(t)
	p, cleanup, err := buildPresence(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer cleanup()
	if n, err := p.Join(context.Background(), "1", "alice"); err != nil || n != 1 {
		t.Fatalf("join: %d %v", n, err)
	}
}

func TestBuildPresenceNATS(t *testing.T) {
	ns := natsserver.RunRandClientPortServer()
	defer ns.Shutdown()
	cfg := testConfig(t)
	cfg.Transport = config.Transport{Kind: config.TransportNATS, NATSURL: ns.ClientURL()}

	p, cleanup, err := buildPresence(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer cleanup()
	if err := p.Publish(context.Background(), "room:1", "hi"); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "presence-server version ") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

package store

import (
	"context"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newNATSPubSub(t *testing.T) (*NATS, *nats.Conn) {
	t.Helper()
	addr := os.Getenv("PRESENCE_TEST_NATS_ADDR")
	forceReal := os.Getenv("PRESENCE_TEST_FORCE_REAL") == "true"
	if forceReal && addr == "" {
		t.Fatal("PRESENCE_TEST_FORCE_REAL is true but PRESENCE_TEST_NATS_ADDR is empty")
	}

	var s *server.Server
	if addr == "" {
		s = natsserver.RunRandClientPortServer()
		addr = s.ClientURL()
	}
	conn, err := nats.Connect(addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return NewNATS(conn), conn
}

func TestNATSPublishSubscribe(t *testing.T) {
	ps, _ := newNATSPubSub(t)
	ctx := context.Background()

	got := make(chan string, 1)
	ps.SetHandler(func(channel, payload string) {
		got <- channel + "=" + payload
	})
	if err := ps.Subscribe(ctx, "room:1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := ps.Publish(ctx, "room:1", "true"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-got:
		if msg != "room:1=true" {
			t.Fatalf("unexpected message %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}

	chans, _ := ps.Channels(ctx, "room:*")
	if !reflect.DeepEqual(chans, []string{"room:1"}) {
		t.Fatalf("unexpected channels %v", chans)
	}
	if err := ps.Unsubscribe(ctx, "room:1"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if chans, _ := ps.Channels(ctx, ""); len(chans) != 0 {
		t.Fatalf("expected no channels, got %v", chans)
	}
}

func TestNATSClosedConnectionIsUnavailable(t *testing.T) {
	ps, conn := newNATSPubSub(t)
	conn.Close()
	if _, err := ps.Publish(context.Background(), "room:1", "1"); err == nil {
		t.Fatal("expected publish to fail")
	}
	if err := ps.Subscribe(context.Background(), "room:1"); err == nil {
		t.Fatal("expected subscribe to fail")
	}
}

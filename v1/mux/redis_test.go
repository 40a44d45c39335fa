package mux

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-presence/v1/store"
)

func TestMultiplexerAcrossRedisProcesses(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	ctx := context.Background()

	subStore := store.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer subStore.Close()
	pubStore := store.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer pubStore.Close()

	subscriber := New(subStore)
	publisher := New(pubStore)

	var mu sync.Mutex
	got := make(map[int][]string)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		i := i
		if _, err := subscriber.Subscribe(ctx, "room:1", func(msg Message) error {
			var s string
			if err := msg.Decode(&s); err != nil {
				return err
			}
			mu.Lock()
			got[i] = append(got[i], s)
			mu.Unlock()
			wg.Done()
			return nil
		}); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	numsub, err := pubStore.Client().PubSubNumSub(ctx, "room:1").Result()
	if err != nil {
		t.Fatalf("numsub: %v", err)
	}
	if numsub["room:1"] != 1 {
		t.Fatalf("expected one remote subscriber, got %d", numsub["room:1"])
	}

	if err := publisher.Publish(ctx, "room:1", "hello"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for fan-out")
	}
	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 2; i++ {
		if len(got[i]) != 1 || got[i][0] != "hello" {
			t.Fatalf("callback %d got %v", i, got[i])
		}
	}
}

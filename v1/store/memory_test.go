package store

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	presenceerrors "github.com/mirkobrombin/go-presence/v1/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestInMemoryExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	st := NewInMemory(WithClock(clock.Now))
	ctx := context.Background()

	if err := st.SetEx(ctx, "k", "v", time.Second); err != nil {
		t.Fatalf("setex: %v", err)
	}
	if v, ok, err := st.Get(ctx, "k"); err != nil || !ok || v != "v" {
		t.Fatalf("get: %q %v %v", v, ok, err)
	}
	clock.Advance(time.Second)
	if _, ok, err := st.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("expected expired, ok %v err %v", ok, err)
	}
}

func TestInMemoryCountersAndTypes(t *testing.T) {
	st := NewInMemory()
	ctx := context.Background()

	if n, err := st.Decr(ctx, "n"); err != nil || n != -1 {
		t.Fatalf("decr: %d %v", n, err)
	}
	if n, err := st.Incr(ctx, "n"); err != nil || n != 0 {
		t.Fatalf("incr: %d %v", n, err)
	}
	_ = st.SetEx(ctx, "s", "abc", time.Minute)
	if _, err := st.Incr(ctx, "s"); !errors.Is(err, ErrNotInteger) {
		t.Fatalf("expected not integer, got %v", err)
	}
	if _, err := st.SAdd(ctx, "set", "a"); err != nil {
		t.Fatalf("sadd: %v", err)
	}
	_, _, err := st.HGet(ctx, "set", "f")
	if !errors.Is(err, ErrWrongType) {
		t.Fatalf("expected wrong type, got %v", err)
	}
	if presenceerrors.IsUnavailable(err) {
		t.Fatal("wrong type must be a command error")
	}
}

func TestInMemorySetsAndHashes(t *testing.T) {
	st := NewInMemory()
	ctx := context.Background()

	_, _ = st.SAdd(ctx, "a", "x", "y")
	_, _ = st.SAdd(ctx, "b", "y", "z")
	inter, err := st.SInter(ctx, "a", "b")
	if err != nil || !reflect.DeepEqual(inter, []string{"y"}) {
		t.Fatalf("sinter: %v %v", inter, err)
	}
	if inter, err := st.SInter(ctx, "a", "missing"); err != nil || len(inter) != 0 {
		t.Fatalf("sinter with missing key: %v %v", inter, err)
	}
	if _, err := st.SInter(ctx); !errors.Is(err, presenceerrors.ErrNoKeys) {
		t.Fatalf("expected ErrNoKeys, got %v", err)
	}
	if n, _ := st.SRem(ctx, "a", "x", "y"); n != 2 {
		t.Fatalf("srem removed %d", n)
	}
	if n, _ := st.SCard(ctx, "a"); n != 0 {
		t.Fatalf("expected empty set, got %d", n)
	}

	_ = st.HSet(ctx, "h", "f", "v")
	if n, err := st.HIncrBy(ctx, "h", "c", -2); err != nil || n != -2 {
		t.Fatalf("hincrby: %d %v", n, err)
	}
	if n, _ := st.HLen(ctx, "h"); n != 2 {
		t.Fatalf("hlen: %d", n)
	}
	if _, err := st.HIncrBy(ctx, "h", "f", 1); !errors.Is(err, ErrNotInteger) {
		t.Fatalf("expected not integer, got %v", err)
	}
	_, _ = st.HDel(ctx, "h", "f", "c")
	if all, _ := st.HGetAll(ctx, "h"); len(all) != 0 {
		t.Fatalf("expected empty hash, got %v", all)
	}
}

func TestInMemoryPubSub(t *testing.T) {
	st := NewInMemory()
	ctx := context.Background()

	var got []string
	st.SetHandler(func(channel, payload string) {
		got = append(got, channel+"="+payload)
	})
	if n, _ := st.Publish(ctx, "room:1", "1"); n != 0 {
		t.Fatalf("expected no receivers, got %d", n)
	}
	_ = st.Subscribe(ctx, "room:1")
	_ = st.Subscribe(ctx, "lobby")
	if n, _ := st.Publish(ctx, "room:1", "2"); n != 1 {
		t.Fatalf("expected one receiver, got %d", n)
	}
	if !reflect.DeepEqual(got, []string{"room:1=2"}) {
		t.Fatalf("unexpected deliveries %v", got)
	}
	chans, _ := st.Channels(ctx, "room:*")
	if !reflect.DeepEqual(chans, []string{"room:1"}) {
		t.Fatalf("unexpected channels %v", chans)
	}
	all, _ := st.Channels(ctx, "")
	if !reflect.DeepEqual(all, []string{"lobby", "room:1"}) {
		t.Fatalf("unexpected channels %v", all)
	}
}

func TestEscapePatternMatchesOnlyItself(t *testing.T) {
	names := []string{"room:1", `room:[1`, `room:a\b`, `room:[ab]`, "room:*", "room:?", "room:]", "room:a", "room:b"}
	for _, name := range names {
		pattern := EscapePattern(name)
		for _, other := range names {
			if got := matchChannel(pattern, other); got != (name == other) {
				t.Fatalf("pattern %q for %q against %q: got %v", pattern, name, other, got)
			}
		}
	}
	if got := EscapePattern("room:1"); got != "room:1" {
		t.Fatalf("plain name changed to %q", got)
	}
}

func TestInMemoryLockPrimitives(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	st := NewInMemory(WithClock(clock.Now))
	ctx := context.Background()

	if ok, _ := st.SetNX(ctx, "l", "a", time.Second); !ok {
		t.Fatal("expected setnx to succeed")
	}
	if ok, _ := st.SetNX(ctx, "l", "b", time.Second); ok {
		t.Fatal("expected setnx to fail while held")
	}
	if ok, _ := st.CompareAndExpire(ctx, "l", "a", 3*time.Second); !ok {
		t.Fatal("expected owner to extend")
	}
	clock.Advance(2 * time.Second)
	if ok, _ := st.CompareAndDelete(ctx, "l", "b"); ok {
		t.Fatal("foreign token must not delete")
	}
	clock.Advance(2 * time.Second)
	if ok, _ := st.SetNX(ctx, "l", "b", time.Second); !ok {
		t.Fatal("expected expired lock to be taken over")
	}
	if ok, _ := st.CompareAndDelete(ctx, "l", "a"); ok {
		t.Fatal("previous owner must not release the new lease")
	}
}

func TestInMemoryClosed(t *testing.T) {
	st := NewInMemory()
	_ = st.Close()
	_, err := st.Incr(context.Background(), "n")
	if !presenceerrors.IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestSplitCloseClosesEachComponentOnce(t *testing.T) {
	mem := NewInMemory()
	ps := NewInMemory()
	s := Split{PubSub: ps, State: mem, Locker: mem}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := mem.Incr(context.Background(), "n"); !presenceerrors.IsUnavailable(err) {
		t.Fatalf("state not closed: %v", err)
	}
	if err := ps.Subscribe(context.Background(), "c"); !presenceerrors.IsUnavailable(err) {
		t.Fatalf("pubsub not closed: %v", err)
	}
}

package state

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	presenceerrors "github.com/mirkobrombin/go-presence/v1/errors"
	"github.com/mirkobrombin/go-presence/v1/store"
)

// brokenState fails every call as an unreachable store.
type brokenState struct {
	store.State
}

func (brokenState) HGet(ctx context.Context, key, field string) (string, bool, error) {
	return "", false, errors.New("dial tcp: connection refused")
}

func (brokenState) SMembers(ctx context.Context, key string) ([]string, error) {
	return nil, presenceerrors.Unavailable("smembers", key, presenceerrors.ErrTimeout)
}

func TestAccessorHashRoundTrip(t *testing.T) {
	a := New(store.NewInMemory())
	ctx := context.Background()

	if err := a.HSet(ctx, "room:1:meta", "topic", "go"); err != nil {
		t.Fatalf("hset: %v", err)
	}
	if v, ok, err := a.HGet(ctx, "room:1:meta", "topic"); err != nil || !ok || v != "go" {
		t.Fatalf("hget: %q %v %v", v, ok, err)
	}
	if v, ok, err := a.HGet(ctx, "room:1:meta", "missing"); err != nil || ok || v != "" {
		t.Fatalf("expected absent field, got %q %v %v", v, ok, err)
	}
	if n, err := a.HIncrBy(ctx, "room:1:meta", "joins", 3); err != nil || n != 3 {
		t.Fatalf("hincrby: %d %v", n, err)
	}
	all, err := a.HGetAll(ctx, "room:1:meta")
	if err != nil || len(all) != 2 || all["joins"] != "3" {
		t.Fatalf("hgetall: %v %v", all, err)
	}
	if n, err := a.HLen(ctx, "room:1:meta"); err != nil || n != 2 {
		t.Fatalf("hlen: %d %v", n, err)
	}
	if n, err := a.HDel(ctx, "room:1:meta", "topic", "missing"); err != nil || n != 1 {
		t.Fatalf("hdel: %d %v", n, err)
	}
}

func TestAccessorSets(t *testing.T) {
	a := New(store.NewInMemory())
	ctx := context.Background()

	if n, err := a.SAdd(ctx, "room:1", "alice", "bob", "alice"); err != nil || n != 2 {
		t.Fatalf("sadd: %d %v", n, err)
	}
	if _, err := a.SAdd(ctx, "room:2", "bob", "carol"); err != nil {
		t.Fatalf("sadd: %v", err)
	}
	if ok, err := a.SIsMember(ctx, "room:1", "bob"); err != nil || !ok {
		t.Fatalf("sismember: %v %v", ok, err)
	}
	inter, err := a.SInter(ctx, "room:1", "room:2")
	if err != nil || len(inter) != 1 || inter[0] != "bob" {
		t.Fatalf("sinter: %v %v", inter, err)
	}
	if n, err := a.SRem(ctx, "room:1", "alice"); err != nil || n != 1 {
		t.Fatalf("srem: %d %v", n, err)
	}
	members, err := a.SMembers(ctx, "room:1")
	if err != nil || len(members) != 1 || members[0] != "bob" {
		t.Fatalf("smembers: %v %v", members, err)
	}
	if n, err := a.SCard(ctx, "nobody"); err != nil || n != 0 {
		t.Fatalf("scard of absent set: %d %v", n, err)
	}
}

func TestAccessorValidation(t *testing.T) {
	a := New(store.NewInMemory())
	ctx := context.Background()

	_, err := a.SInter(ctx)
	if !errors.Is(err, presenceerrors.ErrNoKeys) {
		t.Fatalf("expected ErrNoKeys, got %v", err)
	}
	err = a.SetEx(ctx, "k", "v", 0)
	if !errors.Is(err, presenceerrors.ErrInvalidTTL) {
		t.Fatalf("expected ErrInvalidTTL, got %v", err)
	}
	var se *presenceerrors.StoreError
	if !errors.As(err, &se) || se.Op != "setex" || se.Key != "k" {
		t.Fatalf("expected StoreError with context, got %#v", err)
	}
	if n, err := a.Del(ctx); err != nil || n != 0 {
		t.Fatalf("del without keys: %d %v", n, err)
	}
}

func TestAccessorKV(t *testing.T) {
	a := New(store.NewInMemory())
	ctx := context.Background()

	if err := a.SetEx(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("setex: %v", err)
	}
	if v, ok, err := a.Get(ctx, "k"); err != nil || !ok || v != "v" {
		t.Fatalf("get: %q %v %v", v, ok, err)
	}
	if n, err := a.Decr(ctx, "c"); err != nil || n != -1 {
		t.Fatalf("decr: %d %v", n, err)
	}
	if n, err := a.Del(ctx, "k", "c", "missing"); err != nil || n != 2 {
		t.Fatalf("del: %d %v", n, err)
	}
	if _, ok, err := a.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("expected deleted key absent, got %v %v", ok, err)
	}
}

func TestAccessorErrorsCarryContext(t *testing.T) {
	a := New(brokenState{State: store.NewInMemory()})
	ctx := context.Background()

	_, _, err := a.HGet(ctx, "room:1:meta", "topic")
	var se *presenceerrors.StoreError
	if !errors.As(err, &se) || se.Op != "hget" || se.Key != "room:1:meta" {
		t.Fatalf("expected wrapped StoreError, got %v", err)
	}

	_, err = a.SMembers(ctx, "room:1")
	if !presenceerrors.IsUnavailable(err) {
		t.Fatalf("expected unavailable error kept, got %v", err)
	}

	if _, err := a.Incr(ctx, "room:1"); err != nil {
		t.Fatalf("incr: %v", err)
	}
	_, err = a.SAdd(ctx, "room:1", "x")
	if !errors.Is(err, store.ErrWrongType) || presenceerrors.IsUnavailable(err) {
		t.Fatalf("expected command error, got %v", err)
	}
}

func TestAccessorConcurrentIncrRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	st := store.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer st.Close()
	a := New(st)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Incr(ctx, "visits"); err != nil {
				t.Errorf("incr: %v", err)
			}
		}()
	}
	wg.Wait()
	if v, ok, err := a.Get(ctx, "visits"); err != nil || !ok || v != "50" {
		t.Fatalf("expected 50, got %q %v %v", v, ok, err)
	}

	if _, err := a.SAdd(ctx, "room:1", "b", "a"); err != nil {
		t.Fatalf("sadd: %v", err)
	}
	members, err := a.SMembers(ctx, "room:1")
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	sort.Strings(members)
	if len(members) != 2 || members[0] != "a" {
		t.Fatalf("unexpected members %v", members)
	}
}

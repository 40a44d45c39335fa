// Package state exposes the shared presence data (counters, sets and hashes)
// as single store commands. Every method is one atomic primitive; callers that
// need to combine several must serialize them with the lock package.
package state

import (
	"context"
	"time"

	presenceerrors "github.com/mirkobrombin/go-presence/v1/errors"
	"github.com/mirkobrombin/go-presence/v1/metrics"
	"github.com/mirkobrombin/go-presence/v1/store"
)

// Accessor wraps a store.State with validation, error context and metrics.
type Accessor struct {
	st store.State
}

// New returns an Accessor over st.
func New(st store.State) *Accessor {
	return &Accessor{st: st}
}

func observe(op, key string, err error) error {
	metrics.StoreOpCounter.WithLabelValues(op).Inc()
	if err == nil {
		return nil
	}
	metrics.StoreErrorCounter.WithLabelValues(op).Inc()
	return presenceerrors.Wrap(op, key, err)
}

// SAdd adds members to the set at key and returns how many were new.
func (a *Accessor) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	n, err := a.st.SAdd(ctx, key, members...)
	return n, observe("sadd", key, err)
}

// SRem removes members from the set at key and returns how many were present.
func (a *Accessor) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	n, err := a.st.SRem(ctx, key, members...)
	return n, observe("srem", key, err)
}

// SIsMember reports whether member belongs to the set at key.
func (a *Accessor) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := a.st.SIsMember(ctx, key, member)
	return ok, observe("sismember", key, err)
}

// SMembers returns the members of the set at key, empty when absent.
func (a *Accessor) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := a.st.SMembers(ctx, key)
	if err != nil {
		return nil, observe("smembers", key, err)
	}
	return members, observe("smembers", key, nil)
}

// SCard returns the size of the set at key.
func (a *Accessor) SCard(ctx context.Context, key string) (int64, error) {
	n, err := a.st.SCard(ctx, key)
	return n, observe("scard", key, err)
}

// SInter returns the intersection of the sets at keys.
func (a *Accessor) SInter(ctx context.Context, keys ...string) ([]string, error) {
	if len(keys) == 0 {
		return nil, observe("sinter", "", presenceerrors.NewStoreError("sinter", "", presenceerrors.ErrNoKeys))
	}
	members, err := a.st.SInter(ctx, keys...)
	if err != nil {
		return nil, observe("sinter", keys[0], err)
	}
	return members, observe("sinter", keys[0], nil)
}

// HSet sets field of the hash at key.
func (a *Accessor) HSet(ctx context.Context, key, field, value string) error {
	return observe("hset", key, a.st.HSet(ctx, key, field, value))
}

// HGet returns field of the hash at key; ok is false when it is absent.
func (a *Accessor) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, ok, err := a.st.HGet(ctx, key, field)
	return v, ok, observe("hget", key, err)
}

// HGetAll returns every field of the hash at key.
func (a *Accessor) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := a.st.HGetAll(ctx, key)
	if err != nil {
		return nil, observe("hgetall", key, err)
	}
	return fields, observe("hgetall", key, nil)
}

// HDel removes fields of the hash at key.
func (a *Accessor) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	n, err := a.st.HDel(ctx, key, fields...)
	return n, observe("hdel", key, err)
}

// HLen returns the number of fields of the hash at key.
func (a *Accessor) HLen(ctx context.Context, key string) (int64, error) {
	n, err := a.st.HLen(ctx, key)
	return n, observe("hlen", key, err)
}

// HIncrBy adds delta to the integer field of the hash at key.
func (a *Accessor) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := a.st.HIncrBy(ctx, key, field, delta)
	return n, observe("hincrby", key, err)
}

// Get returns the string at key; ok is false when it is absent or expired.
func (a *Accessor) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := a.st.Get(ctx, key)
	return v, ok, observe("get", key, err)
}

// SetEx stores value at key for ttl.
func (a *Accessor) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return observe("setex", key, presenceerrors.NewStoreError("setex", key, presenceerrors.ErrInvalidTTL))
	}
	return observe("setex", key, a.st.SetEx(ctx, key, value, ttl))
}

// Del removes keys and returns how many existed.
func (a *Accessor) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := a.st.Delete(ctx, keys...)
	return n, observe("del", keys[0], err)
}

// Incr increments the counter at key, starting from zero.
func (a *Accessor) Incr(ctx context.Context, key string) (int64, error) {
	n, err := a.st.Incr(ctx, key)
	return n, observe("incr", key, err)
}

// Decr decrements the counter at key, starting from zero.
func (a *Accessor) Decr(ctx context.Context, key string) (int64, error) {
	n, err := a.st.Decr(ctx, key)
	return n, observe("decr", key, err)
}

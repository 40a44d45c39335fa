// Package store defines the narrow key-value and pub/sub surface the presence
// layer is built on, plus the backends that satisfy it: Redis, NATS, Kafka and
// an in-memory store used for tests and single-node setups.
//
// Absent keys and fields are reported as (zero, false, nil). Every failure is
// a *errors.StoreError carrying the operation and key.
package store

import (
	"context"
	"path"
	"strings"
	"time"
)

// Handler receives every message that arrives on a subscribed channel.
type Handler func(channel, payload string)

// PubSub is the publish/subscribe half of a store.
type PubSub interface {
	// Subscribe starts receiving messages for channel. Subscribing twice to the
	// same channel is a no-op.
	Subscribe(ctx context.Context, channel string) error
	// Unsubscribe stops receiving messages for channel.
	Unsubscribe(ctx context.Context, channel string) error
	// Publish sends payload to channel and returns the number of receivers when
	// the backend knows it.
	Publish(ctx context.Context, channel, payload string) (int64, error)
	// Channels lists active channels matching a glob pattern. An empty pattern
	// matches everything.
	Channels(ctx context.Context, pattern string) ([]string, error)
	// SetHandler installs the single message hook.
	SetHandler(h Handler)
}

// KV groups scalar operations.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int64, error)
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
}

// Sets groups string set operations.
type Sets interface {
	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
	SInter(ctx context.Context, keys ...string) ([]string, error)
}

// Hashes groups field->value map operations.
type Hashes interface {
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) (int64, error)
	HLen(ctx context.Context, key string) (int64, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
}

// Locker is the atomic lease primitive used by the lock manager.
type Locker interface {
	// SetNX stores value under key with ttl only when key is absent.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	// CompareAndExpire resets the ttl of key only while it still holds value.
	CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// State is the shared data surface: counters, sets and hashes.
type State interface {
	KV
	Sets
	Hashes
}

// Store is a complete backend.
type Store interface {
	PubSub
	State
	Locker
	Close() error
}

// Split composes a Store from independent transport, state and lock backends,
// e.g. NATS fan-out with Redis state.
type Split struct {
	PubSub
	State
	Locker
}

// Close closes every distinct component that implements io.Closer.
func (s Split) Close() error {
	var first error
	seen := make(map[any]struct{}, 3)
	for _, c := range []any{s.PubSub, s.State, s.Locker} {
		if c == nil {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		if cl, ok := c.(interface{ Close() error }); ok {
			if err := cl.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// EscapePattern quotes the glob metacharacters of name so that, used as a
// Channels pattern, it matches name and nothing else.
func EscapePattern(name string) string {
	if !strings.ContainsAny(name, `\*?[]`) {
		return name
	}
	var b strings.Builder
	b.Grow(len(name) + 4)
	for _, r := range name {
		switch r {
		case '\\', '*', '?', '[', ']':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func matchChannel(pattern, channel string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, channel)
	return err == nil && ok
}

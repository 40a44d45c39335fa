package presence

import (
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-presence/v1/store"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	// Addrs lists independent Redis servers. The first holds state and
	// pub/sub; all of them are lock nodes.
	Addrs    []string
	Password string
	DB       int
	// Timeout bounds every store command. Zero keeps the store default.
	Timeout time.Duration
}

// NewRedis creates a Presence using Redis for transport, state and locks.
func NewRedis(opts RedisOptions, extra ...Option) (*Presence, error) {
	return newRedis(opts, nil, extra)
}

// NewRedisTransport creates a Presence keeping state and locks in Redis while
// messages travel over ps, e.g. a NATS or Kafka store. The Presence closes ps
// on Close.
func NewRedisTransport(opts RedisOptions, ps store.PubSub, extra ...Option) (*Presence, error) {
	if ps == nil {
		return nil, errors.New("presence: nil transport")
	}
	return newRedis(opts, ps, extra)
}

func newRedis(opts RedisOptions, ps store.PubSub, extra []Option) (*Presence, error) {
	if len(opts.Addrs) == 0 {
		return nil, errors.New("presence: at least one redis address is required")
	}
	stores := make([]*store.Redis, 0, len(opts.Addrs))
	for _, addr := range opts.Addrs {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
		var ropts []store.RedisOption
		if opts.Timeout > 0 {
			ropts = append(ropts, store.WithTimeout(opts.Timeout))
		}
		stores = append(stores, store.NewRedis(client, ropts...))
	}

	all := make([]Option, 0, len(extra)+2)
	if len(stores) > 1 {
		nodes := make([]store.Locker, len(stores))
		owned := make([]store.Store, 0, len(stores)-1)
		for i, s := range stores {
			nodes[i] = s
			if i > 0 {
				owned = append(owned, s)
			}
		}
		all = append(all, WithLockNodes(nodes...), withOwnedStores(owned...))
	}
	all = append(all, extra...)
	if ps == nil {
		return New(stores[0], all...), nil
	}
	return New(store.Split{PubSub: ps, State: stores[0], Locker: stores[0]}, all...), nil
}

// NewInMemory creates a Presence that runs entirely in-process with no
// external dependencies. Useful for local development and tests.
func NewInMemory(opts ...Option) *Presence {
	return New(store.NewInMemory(), opts...)
}

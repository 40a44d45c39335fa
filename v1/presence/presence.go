// Package presence ties the building blocks together: a subscription
// multiplexer on the store's transport, the shared state accessor and the
// distributed lock manager, plus room membership bookkeeping on top of them.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-presence/v1/lock"
	"github.com/mirkobrombin/go-presence/v1/mux"
	"github.com/mirkobrombin/go-presence/v1/state"
	"github.com/mirkobrombin/go-presence/v1/store"
)

const (
	defaultPrefix = "presence:"
	// roomLockTTL bounds a single membership change.
	roomLockTTL = 5 * time.Second
)

// Presence is a process-wide handle to the shared presence layer.
type Presence struct {
	st    store.Store
	ps    store.PubSub
	mux   *mux.Multiplexer
	state *state.Accessor
	locks *lock.Manager
	log   *slog.Logger

	prefix    string
	lockCfg   lock.Config
	lockNodes []store.Locker
	threshold int
	cooldown  time.Duration
	owned     []store.Store
}

// Option configures a Presence.
type Option func(*Presence)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(p *Presence) {
		if l != nil {
			p.log = l
		}
	}
}

// WithLockConfig overrides the lock acquisition tuning.
func WithLockConfig(cfg lock.Config) Option {
	return func(p *Presence) {
		p.lockCfg = cfg
	}
}

// WithLockNodes makes the lock manager run across nodes instead of the main
// store alone. The nodes stay owned by the caller.
func WithLockNodes(nodes ...store.Locker) Option {
	return func(p *Presence) {
		p.lockNodes = nodes
	}
}

// WithPrefix sets the key prefix of room and lock keys. Topics are never
// prefixed.
func WithPrefix(prefix string) Option {
	return func(p *Presence) {
		p.prefix = prefix
	}
}

// WithCircuitBreaker guards publishing with a circuit breaker that opens
// after threshold consecutive transport failures for cooldown.
func WithCircuitBreaker(threshold int, cooldown time.Duration) Option {
	return func(p *Presence) {
		p.threshold = threshold
		p.cooldown = cooldown
	}
}

// withOwnedStores hands extra stores to the Presence to close on Close.
func withOwnedStores(stores ...store.Store) Option {
	return func(p *Presence) {
		p.owned = append(p.owned, stores...)
	}
}

// New builds a Presence on st. The Presence takes ownership of st.
func New(st store.Store, opts ...Option) *Presence {
	p := &Presence{
		st:      st,
		ps:      st,
		log:     slog.Default(),
		prefix:  defaultPrefix,
		lockCfg: lock.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.threshold > 0 {
		p.ps = store.NewCircuitBreaker(st, p.threshold, p.cooldown)
	}
	nodes := p.lockNodes
	if len(nodes) == 0 {
		nodes = []store.Locker{st}
	}
	p.mux = mux.New(p.ps, mux.WithLogger(p.log))
	p.state = state.New(st)
	p.locks = lock.New(nodes,
		lock.WithConfig(p.lockCfg),
		lock.WithPrefix(p.prefix+"lock:"),
		lock.WithLogger(p.log),
	)
	return p
}

// Mux returns the subscription multiplexer.
func (p *Presence) Mux() *mux.Multiplexer { return p.mux }

// State returns the shared state accessor.
func (p *Presence) State() *state.Accessor { return p.state }

// Locks returns the lock manager.
func (p *Presence) Locks() *lock.Manager { return p.locks }

// Subscribe registers cb for topic.
func (p *Presence) Subscribe(ctx context.Context, topic string, cb mux.Callback) (mux.Handle, error) {
	return p.mux.Subscribe(ctx, topic, cb)
}

// Unsubscribe removes the callback behind h.
func (p *Presence) Unsubscribe(ctx context.Context, h mux.Handle) error {
	return p.mux.Unsubscribe(ctx, h)
}

// UnsubscribeAll removes every local callback of topic.
func (p *Presence) UnsubscribeAll(ctx context.Context, topic string) error {
	return p.mux.UnsubscribeAll(ctx, topic)
}

// Publish sends data to every subscriber of topic in every process.
func (p *Presence) Publish(ctx context.Context, topic string, data any) error {
	return p.mux.Publish(ctx, topic, data)
}

// Exists reports whether any process currently holds a subscription on the
// channel named roomID. It observes transport subscriptions, not members: a
// room nobody subscribed to does not exist even when members were recorded.
func (p *Presence) Exists(ctx context.Context, roomID string) (bool, error) {
	channels, err := p.ps.Channels(ctx, store.EscapePattern(roomID))
	if err != nil {
		return false, err
	}
	for _, ch := range channels {
		if ch == roomID {
			return true, nil
		}
	}
	return false, nil
}

// Lock acquires resource for ttl.
func (p *Presence) Lock(ctx context.Context, resource string, ttl time.Duration) (*lock.Lock, error) {
	return p.locks.Acquire(ctx, resource, ttl)
}

// Unlock releases l.
func (p *Presence) Unlock(ctx context.Context, l *lock.Lock) error {
	return p.locks.Release(ctx, l)
}

func (p *Presence) membersKey(room string) string {
	return p.prefix + "room:" + room + ":members"
}

func (p *Presence) metaKey(room string) string {
	return p.prefix + "room:" + room + ":meta"
}

// refsKey counts, per member, the joins not yet matched by a Leave.
func (p *Presence) refsKey(room string) string {
	return p.prefix + "room:" + room + ":refs"
}

func roomResource(room string) string {
	return "room:" + room
}

// Join adds member to room and returns the member count. A member may join
// more than once, for example from several connections; it stays in the room
// until every join is matched by a Leave.
func (p *Presence) Join(ctx context.Context, room, member string) (int64, error) {
	var count int64
	err := p.locks.Using(ctx, roomResource(room), roomLockTTL, func(ctx context.Context) error {
		if _, err := p.state.HIncrBy(ctx, p.refsKey(room), member, 1); err != nil {
			return err
		}
		if _, err := p.state.SAdd(ctx, p.membersKey(room), member); err != nil {
			return err
		}
		n, err := p.state.SCard(ctx, p.membersKey(room))
		count = n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("join room %q: %w", room, err)
	}
	return count, nil
}

// Leave drops one join of member and returns the remaining member count. The
// member is removed with its last join. The room's members, metadata and join
// counts are deleted when the last member leaves; the whole sequence runs
// under the room lock so a concurrent Join cannot be lost.
func (p *Presence) Leave(ctx context.Context, room, member string) (int64, error) {
	var count int64
	err := p.locks.Using(ctx, roomResource(room), roomLockTTL, func(ctx context.Context) error {
		refs, err := p.state.HIncrBy(ctx, p.refsKey(room), member, -1)
		if err != nil {
			return err
		}
		if refs <= 0 {
			if _, err := p.state.HDel(ctx, p.refsKey(room), member); err != nil {
				return err
			}
			if _, err := p.state.SRem(ctx, p.membersKey(room), member); err != nil {
				return err
			}
		}
		n, err := p.state.SCard(ctx, p.membersKey(room))
		if err != nil {
			return err
		}
		count = n
		if n == 0 {
			_, err = p.state.Del(ctx, p.membersKey(room), p.metaKey(room), p.refsKey(room))
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("leave room %q: %w", room, err)
	}
	if count == 0 {
		p.log.Debug("presence: room emptied", "key", p.membersKey(room))
	}
	return count, nil
}

// Members returns the members of room.
func (p *Presence) Members(ctx context.Context, room string) ([]string, error) {
	return p.state.SMembers(ctx, p.membersKey(room))
}

// SetMeta stores a metadata field of room.
func (p *Presence) SetMeta(ctx context.Context, room, field, value string) error {
	return p.state.HSet(ctx, p.metaKey(room), field, value)
}

// Meta returns every metadata field of room.
func (p *Presence) Meta(ctx context.Context, room string) (map[string]string, error) {
	return p.state.HGetAll(ctx, p.metaKey(room))
}

// Close unsubscribes every topic and closes the stores.
func (p *Presence) Close(ctx context.Context) error {
	var errs []error
	if err := p.mux.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := p.st.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, s := range p.owned {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	presenceerrors "github.com/mirkobrombin/go-presence/v1/errors"
	"github.com/mirkobrombin/go-presence/v1/metrics"
	"github.com/mirkobrombin/go-presence/v1/store"
)

const (
	defaultPrefix = "presence:lock:"
	// minDrift is added to the proportional drift to cover timer resolution.
	minDrift = 2 * time.Millisecond
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-presence/v1/lock")

// ErrNoNodes is returned by a Manager created without nodes.
var ErrNoNodes = errors.New("presence: lock manager has no nodes")

// Config tunes acquisition.
type Config struct {
	// DriftFactor is the share of the TTL reserved for clock skew between nodes.
	DriftFactor float64
	// RetryCount is the number of retries after the first attempt. A negative
	// value retries until the context is done.
	RetryCount int
	// RetryDelay is the base wait between attempts.
	RetryDelay time.Duration
	// RetryJitter is the upper bound of the random delay added to RetryDelay.
	RetryJitter time.Duration
}

// DefaultConfig returns the standard Redlock tuning.
func DefaultConfig() Config {
	return Config{
		DriftFactor: 0.01,
		RetryCount:  10,
		RetryDelay:  200 * time.Millisecond,
		RetryJitter: 200 * time.Millisecond,
	}
}

// Lock is a granted lease.
type Lock struct {
	Resource string
	Token    string
	// Expiry is the local deadline after which the lease must be considered lost.
	Expiry time.Time
}

// Valid reports whether the lease is still within its validity window.
func (l *Lock) Valid() bool {
	return l != nil && time.Now().Before(l.Expiry)
}

// TTL returns the remaining validity.
func (l *Lock) TTL() time.Duration {
	if !l.Valid() {
		return 0
	}
	return time.Until(l.Expiry)
}

// Manager acquires and releases leases on a set of independent nodes.
type Manager struct {
	nodes  []store.Locker
	cfg    Config
	prefix string
	log    *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig overrides the acquisition tuning.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

// WithPrefix sets the key prefix under which leases are stored.
func WithPrefix(prefix string) Option {
	return func(m *Manager) {
		m.prefix = prefix
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// New returns a Manager over nodes. Nodes must be independent stores for the
// quorum to mean anything; a single node is fine for a single store setup.
func New(nodes []store.Locker, opts ...Option) *Manager {
	m := &Manager{
		nodes:  nodes,
		cfg:    DefaultConfig(),
		prefix: defaultPrefix,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) quorum() int {
	return len(m.nodes)/2 + 1
}

func (m *Manager) key(resource string) string {
	return m.prefix + resource
}

func (m *Manager) validity(ttl time.Duration, start time.Time) time.Duration {
	drift := time.Duration(float64(ttl)*m.cfg.DriftFactor) + minDrift
	return ttl - time.Since(start) - drift
}

// forEachNode runs fn on every node concurrently and returns how many nodes
// answered true together with the first error.
func (m *Manager) forEachNode(ctx context.Context, fn func(context.Context, store.Locker) (bool, error)) (int, error) {
	var g errgroup.Group
	var ok atomic.Int32
	for _, n := range m.nodes {
		n := n
		g.Go(func() error {
			done, err := fn(ctx, n)
			if err != nil {
				return err
			}
			if done {
				ok.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	return int(ok.Load()), err
}

// Acquire obtains an exclusive lease on resource for ttl. It retries with
// jittered backoff and fails with ErrLockUnavailable once the retry budget is
// spent; callers must not treat that as ownership.
func (m *Manager) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		return nil, presenceerrors.ErrInvalidTTL
	}
	if len(m.nodes) == 0 {
		return nil, ErrNoNodes
	}
	ctx, span := tracer.Start(ctx, "Manager.Acquire", trace.WithAttributes(
		attribute.String("presence.lock.resource", resource),
		attribute.Int64("presence.lock.ttl_ms", ttl.Milliseconds()),
	))
	defer span.End()

	var lastErr error
	attempts := 0
	for m.cfg.RetryCount < 0 || attempts <= m.cfg.RetryCount {
		if attempts > 0 {
			if err := m.wait(ctx); err != nil {
				lastErr = err
				break
			}
		}
		attempts++
		l, err := m.try(ctx, resource, ttl)
		if l != nil {
			span.SetAttributes(attribute.Int("presence.lock.attempts", attempts))
			metrics.LockAcquireCounter.Inc()
			return l, nil
		}
		if err != nil {
			lastErr = err
		}
	}

	metrics.LockFailureCounter.Inc()
	span.SetAttributes(attribute.Int("presence.lock.attempts", attempts))
	span.SetStatus(codes.Error, "lock unavailable")
	if lastErr != nil {
		return nil, fmt.Errorf("lock %q: %w", resource, errors.Join(presenceerrors.ErrLockUnavailable, lastErr))
	}
	return nil, fmt.Errorf("lock %q: %w", resource, presenceerrors.ErrLockUnavailable)
}

func (m *Manager) try(ctx context.Context, resource string, ttl time.Duration) (*Lock, error) {
	key := m.key(resource)
	token := uuid.NewString()
	start := time.Now()

	granted, err := m.forEachNode(ctx, func(ctx context.Context, n store.Locker) (bool, error) {
		return n.SetNX(ctx, key, token, ttl)
	})
	validity := m.validity(ttl, start)
	if granted >= m.quorum() && validity > 0 {
		return &Lock{Resource: resource, Token: token, Expiry: start.Add(validity)}, nil
	}

	// Undo partial grants so other contenders do not wait for the TTL.
	if granted > 0 {
		_, _ = m.forEachNode(context.WithoutCancel(ctx), func(ctx context.Context, n store.Locker) (bool, error) {
			return n.CompareAndDelete(ctx, key, token)
		})
	}
	return nil, err
}

func (m *Manager) wait(ctx context.Context) error {
	d := m.cfg.RetryDelay
	if m.cfg.RetryJitter > 0 {
		d += time.Duration(rand.Int63n(int64(m.cfg.RetryJitter)))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the lease on every node where l's token still holds it. A
// lease that expired and was taken over by another owner is left untouched.
func (m *Manager) Release(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}
	key := m.key(l.Resource)
	_, err := m.forEachNode(ctx, func(ctx context.Context, n store.Locker) (bool, error) {
		return n.CompareAndDelete(ctx, key, l.Token)
	})
	l.Expiry = time.Time{}
	if err != nil {
		return fmt.Errorf("release lock %q: %w", l.Resource, err)
	}
	return nil
}

// Extend renews a held lease for ttl and returns the renewed lock. It fails
// with ErrLockUnavailable when a quorum no longer recognises the token.
func (m *Manager) Extend(ctx context.Context, l *Lock, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		return nil, presenceerrors.ErrInvalidTTL
	}
	if l == nil {
		return nil, presenceerrors.ErrLockUnavailable
	}
	key := m.key(l.Resource)
	start := time.Now()
	renewed, err := m.forEachNode(ctx, func(ctx context.Context, n store.Locker) (bool, error) {
		return n.CompareAndExpire(ctx, key, l.Token, ttl)
	})
	validity := m.validity(ttl, start)
	if renewed >= m.quorum() && validity > 0 {
		return &Lock{Resource: l.Resource, Token: l.Token, Expiry: start.Add(validity)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("extend lock %q: %w", l.Resource, errors.Join(presenceerrors.ErrLockUnavailable, err))
	}
	return nil, fmt.Errorf("extend lock %q: %w", l.Resource, presenceerrors.ErrLockUnavailable)
}

// Using runs fn while holding resource. fn receives a context that ends when
// the lease validity runs out. The lease is released afterwards even when fn
// fails.
func (m *Manager) Using(ctx context.Context, resource string, ttl time.Duration, fn func(context.Context) error) error {
	l, err := m.Acquire(ctx, resource, ttl)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Release(context.WithoutCancel(ctx), l); err != nil {
			m.log.Warn("presence: lock release failed", "resource", resource, "error", err)
		}
	}()
	lctx, cancel := context.WithDeadline(ctx, l.Expiry)
	defer cancel()
	return fn(lctx)
}

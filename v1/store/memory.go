package store

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	presenceerrors "github.com/mirkobrombin/go-presence/v1/errors"
)

var (
	// ErrWrongType mirrors the Redis WRONGTYPE reply.
	ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
	// ErrNotInteger mirrors the Redis reply for arithmetic on non-integer values.
	ErrNotInteger = errors.New("ERR value is not an integer or out of range")
	// ErrClosed is returned by a closed InMemory store.
	ErrClosed = errors.New("store closed")
)

type kind int

const (
	kindString kind = iota
	kindSet
	kindHash
)

type entry struct {
	kind    kind
	str     string
	set     map[string]struct{}
	hash    map[string]string
	expires time.Time
}

// InMemory is a single-node Store kept in process memory. Published messages
// are delivered synchronously on the publisher's goroutine when the channel
// is subscribed.
type InMemory struct {
	mu      sync.Mutex
	now     func() time.Time
	data    map[string]*entry
	subs    map[string]struct{}
	handler Handler
	closed  bool
}

// MemoryOption configures an InMemory store.
type MemoryOption func(*InMemory)

// WithClock overrides the time source used for expirations.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *InMemory) {
		m.now = now
	}
}

// NewInMemory returns an empty InMemory store.
func NewInMemory(opts ...MemoryOption) *InMemory {
	m := &InMemory{
		now:  time.Now,
		data: make(map[string]*entry),
		subs: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lookup returns the live entry for key, evicting it when expired. Callers
// hold m.mu.
func (m *InMemory) lookup(key string) *entry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.data, key)
		return nil
	}
	return e
}

func (m *InMemory) check(op, key string) error {
	if m.closed {
		return presenceerrors.Unavailable(op, key, ErrClosed)
	}
	return nil
}

func (m *InMemory) typed(op, key string, k kind) (*entry, error) {
	e := m.lookup(key)
	if e != nil && e.kind != k {
		return nil, presenceerrors.NewStoreError(op, key, ErrWrongType)
	}
	return e, nil
}

// SetHandler implements PubSub.SetHandler.
func (m *InMemory) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Subscribe implements PubSub.Subscribe.
func (m *InMemory) Subscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("subscribe", channel); err != nil {
		return err
	}
	m.subs[channel] = struct{}{}
	return nil
}

// Unsubscribe implements PubSub.Unsubscribe.
func (m *InMemory) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("unsubscribe", channel); err != nil {
		return err
	}
	delete(m.subs, channel)
	return nil
}

// Publish implements PubSub.Publish.
func (m *InMemory) Publish(ctx context.Context, channel, payload string) (int64, error) {
	m.mu.Lock()
	if err := m.check("publish", channel); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	_, subscribed := m.subs[channel]
	h := m.handler
	m.mu.Unlock()
	if !subscribed || h == nil {
		return 0, nil
	}
	h(channel, payload)
	return 1, nil
}

// Channels implements PubSub.Channels.
func (m *InMemory) Channels(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("pubsub channels", pattern); err != nil {
		return nil, err
	}
	var out []string
	for ch := range m.subs {
		if matchChannel(pattern, ch) {
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Get implements KV.Get.
func (m *InMemory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("get", key); err != nil {
		return "", false, err
	}
	e, err := m.typed("get", key, kindString)
	if err != nil || e == nil {
		return "", false, err
	}
	return e.str, true, nil
}

// SetEx implements KV.SetEx.
func (m *InMemory) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("setex", key); err != nil {
		return err
	}
	e := &entry{kind: kindString, str: value}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

// Delete implements KV.Delete.
func (m *InMemory) Delete(ctx context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(keys) == 0 {
		return 0, nil
	}
	if err := m.check("del", keys[0]); err != nil {
		return 0, err
	}
	var n int64
	for _, k := range keys {
		if m.lookup(k) != nil {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

func (m *InMemory) incrBy(op, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(op, key); err != nil {
		return 0, err
	}
	e, err := m.typed(op, key, kindString)
	if err != nil {
		return 0, err
	}
	if e == nil {
		e = &entry{kind: kindString, str: "0"}
		m.data[key] = e
	}
	n, err := strconv.ParseInt(e.str, 10, 64)
	if err != nil {
		return 0, presenceerrors.NewStoreError(op, key, ErrNotInteger)
	}
	n += delta
	e.str = strconv.FormatInt(n, 10)
	return n, nil
}

// Incr implements KV.Incr.
func (m *InMemory) Incr(ctx context.Context, key string) (int64, error) {
	return m.incrBy("incr", key, 1)
}

// Decr implements KV.Decr.
func (m *InMemory) Decr(ctx context.Context, key string) (int64, error) {
	return m.incrBy("decr", key, -1)
}

// SAdd implements Sets.SAdd.
func (m *InMemory) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("sadd", key); err != nil {
		return 0, err
	}
	e, err := m.typed("sadd", key, kindSet)
	if err != nil {
		return 0, err
	}
	if e == nil {
		e = &entry{kind: kindSet, set: make(map[string]struct{})}
		m.data[key] = e
	}
	var n int64
	for _, mem := range members {
		if _, ok := e.set[mem]; !ok {
			e.set[mem] = struct{}{}
			n++
		}
	}
	return n, nil
}

// SRem implements Sets.SRem.
func (m *InMemory) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("srem", key); err != nil {
		return 0, err
	}
	e, err := m.typed("srem", key, kindSet)
	if err != nil || e == nil {
		return 0, err
	}
	var n int64
	for _, mem := range members {
		if _, ok := e.set[mem]; ok {
			delete(e.set, mem)
			n++
		}
	}
	if len(e.set) == 0 {
		delete(m.data, key)
	}
	return n, nil
}

// SIsMember implements Sets.SIsMember.
func (m *InMemory) SIsMember(ctx context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("sismember", key); err != nil {
		return false, err
	}
	e, err := m.typed("sismember", key, kindSet)
	if err != nil || e == nil {
		return false, err
	}
	_, ok := e.set[member]
	return ok, nil
}

// SMembers implements Sets.SMembers.
func (m *InMemory) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("smembers", key); err != nil {
		return nil, err
	}
	e, err := m.typed("smembers", key, kindSet)
	if err != nil {
		return nil, err
	}
	out := []string{}
	if e != nil {
		for mem := range e.set {
			out = append(out, mem)
		}
	}
	sort.Strings(out)
	return out, nil
}

// SCard implements Sets.SCard.
func (m *InMemory) SCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("scard", key); err != nil {
		return 0, err
	}
	e, err := m.typed("scard", key, kindSet)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.set)), nil
}

// SInter implements Sets.SInter.
func (m *InMemory) SInter(ctx context.Context, keys ...string) ([]string, error) {
	if len(keys) == 0 {
		return nil, presenceerrors.NewStoreError("sinter", "", presenceerrors.ErrNoKeys)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("sinter", keys[0]); err != nil {
		return nil, err
	}
	sets := make([]map[string]struct{}, 0, len(keys))
	for _, k := range keys {
		e, err := m.typed("sinter", k, kindSet)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return []string{}, nil
		}
		sets = append(sets, e.set)
	}
	out := []string{}
	for mem := range sets[0] {
		inAll := true
		for _, s := range sets[1:] {
			if _, ok := s[mem]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			out = append(out, mem)
		}
	}
	sort.Strings(out)
	return out, nil
}

// HSet implements Hashes.HSet.
func (m *InMemory) HSet(ctx context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("hset", key); err != nil {
		return err
	}
	e, err := m.typed("hset", key, kindHash)
	if err != nil {
		return err
	}
	if e == nil {
		e = &entry{kind: kindHash, hash: make(map[string]string)}
		m.data[key] = e
	}
	e.hash[field] = value
	return nil
}

// HGet implements Hashes.HGet.
func (m *InMemory) HGet(ctx context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("hget", key); err != nil {
		return "", false, err
	}
	e, err := m.typed("hget", key, kindHash)
	if err != nil || e == nil {
		return "", false, err
	}
	v, ok := e.hash[field]
	return v, ok, nil
}

// HGetAll implements Hashes.HGetAll.
func (m *InMemory) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("hgetall", key); err != nil {
		return nil, err
	}
	e, err := m.typed("hgetall", key, kindHash)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	if e != nil {
		for k, v := range e.hash {
			out[k] = v
		}
	}
	return out, nil
}

// HDel implements Hashes.HDel.
func (m *InMemory) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("hdel", key); err != nil {
		return 0, err
	}
	e, err := m.typed("hdel", key, kindHash)
	if err != nil || e == nil {
		return 0, err
	}
	var n int64
	for _, f := range fields {
		if _, ok := e.hash[f]; ok {
			delete(e.hash, f)
			n++
		}
	}
	if len(e.hash) == 0 {
		delete(m.data, key)
	}
	return n, nil
}

// HLen implements Hashes.HLen.
func (m *InMemory) HLen(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("hlen", key); err != nil {
		return 0, err
	}
	e, err := m.typed("hlen", key, kindHash)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.hash)), nil
}

// HIncrBy implements Hashes.HIncrBy.
func (m *InMemory) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("hincrby", key); err != nil {
		return 0, err
	}
	e, err := m.typed("hincrby", key, kindHash)
	if err != nil {
		return 0, err
	}
	if e == nil {
		e = &entry{kind: kindHash, hash: make(map[string]string)}
		m.data[key] = e
	}
	var n int64
	if cur, ok := e.hash[field]; ok {
		n, err = strconv.ParseInt(cur, 10, 64)
		if err != nil {
			return 0, presenceerrors.NewStoreError("hincrby", key, ErrNotInteger)
		}
	}
	n += delta
	e.hash[field] = strconv.FormatInt(n, 10)
	return n, nil
}

// SetNX implements Locker.SetNX.
func (m *InMemory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("setnx", key); err != nil {
		return false, err
	}
	if m.lookup(key) != nil {
		return false, nil
	}
	e := &entry{kind: kindString, str: value}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.data[key] = e
	return true, nil
}

// CompareAndDelete implements Locker.CompareAndDelete.
func (m *InMemory) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("compare-and-delete", key); err != nil {
		return false, err
	}
	e := m.lookup(key)
	if e == nil || e.kind != kindString || e.str != value {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

// CompareAndExpire implements Locker.CompareAndExpire.
func (m *InMemory) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("compare-and-expire", key); err != nil {
		return false, err
	}
	e := m.lookup(key)
	if e == nil || e.kind != kindString || e.str != value {
		return false, nil
	}
	e.expires = m.now().Add(ttl)
	return true, nil
}

// Close marks the store closed; every later call fails as unavailable.
func (m *InMemory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.subs = make(map[string]struct{})
	m.mu.Unlock()
	return nil
}

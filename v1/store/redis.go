package store

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	presenceerrors "github.com/mirkobrombin/go-presence/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var expireScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// Redis implements Store on top of a go-redis client. Each subscribed
// channel owns one *redis.PubSub connection and one dispatch goroutine, so
// messages of a channel reach the handler in publish order.
type Redis struct {
	client  *redis.Client
	timeout time.Duration

	mu      sync.Mutex
	subs    map[string]*redis.PubSub
	handler Handler
	wg      sync.WaitGroup
}

// RedisOption configures a Redis store.
type RedisOption func(*redisOptions)

type redisOptions struct {
	timeout time.Duration
}

// WithTimeout sets the per-operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		o.timeout = d
	}
}

// NewRedis returns a Store backed by client. The store takes ownership of
// the client and closes it on Close.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	o := redisOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Redis{
		client:  client,
		timeout: o.timeout,
		subs:    make(map[string]*redis.PubSub),
	}
}

// Client exposes the underlying client.
func (r *Redis) Client() *redis.Client { return r.client }

func (r *Redis) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// classifyRedis maps go-redis failures onto the presence error taxonomy.
func classifyRedis(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var replyErr redis.Error
	switch {
	case stdErrors.As(err, &replyErr):
		return presenceerrors.NewStoreError(op, key, err)
	case stdErrors.Is(err, context.Canceled):
		return presenceerrors.NewStoreError(op, key, err)
	case stdErrors.Is(err, context.DeadlineExceeded):
		return presenceerrors.Unavailable(op, key, presenceerrors.ErrTimeout)
	case stdErrors.Is(err, redis.ErrClosed):
		return presenceerrors.Unavailable(op, key, presenceerrors.ErrConnectionClosed)
	default:
		return presenceerrors.Unavailable(op, key, err)
	}
}

// SetHandler implements PubSub.SetHandler.
func (r *Redis) SetHandler(h Handler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// Subscribe implements PubSub.Subscribe. It returns once Redis confirmed the
// subscription.
func (r *Redis) Subscribe(ctx context.Context, channel string) error {
	r.mu.Lock()
	if _, ok := r.subs[channel]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	cctx, cancel := r.opContext(ctx)
	defer cancel()
	ps := r.client.Subscribe(cctx, channel)
	if _, err := ps.Receive(cctx); err != nil {
		_ = ps.Close()
		return classifyRedis("subscribe", channel, err)
	}

	r.mu.Lock()
	if _, ok := r.subs[channel]; ok {
		r.mu.Unlock()
		_ = ps.Close()
		return nil
	}
	r.subs[channel] = ps
	r.mu.Unlock()

	r.wg.Add(1)
	go r.dispatch(ps)
	return nil
}

func (r *Redis) dispatch(ps *redis.PubSub) {
	defer r.wg.Done()
	for msg := range ps.Channel() {
		r.mu.Lock()
		h := r.handler
		r.mu.Unlock()
		if h != nil {
			h(msg.Channel, msg.Payload)
		}
	}
}

// Unsubscribe implements PubSub.Unsubscribe. Every channel owns a dedicated
// connection, so closing it ends the subscription whatever the UNSUBSCRIBE
// or Close reply was; the channel is never left half removed.
func (r *Redis) Unsubscribe(ctx context.Context, channel string) error {
	r.mu.Lock()
	ps, ok := r.subs[channel]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.subs, channel)
	r.mu.Unlock()

	cctx, cancel := r.opContext(ctx)
	defer cancel()
	_ = ps.Unsubscribe(cctx, channel)
	_ = ps.Close()
	return nil
}

// Publish implements PubSub.Publish.
func (r *Redis) Publish(ctx context.Context, channel, payload string) (int64, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	n, err := r.client.Publish(cctx, channel, payload).Result()
	return n, classifyRedis("publish", channel, err)
}

// Channels implements PubSub.Channels using PUBSUB CHANNELS.
func (r *Redis) Channels(ctx context.Context, pattern string) ([]string, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	chans, err := r.client.PubSubChannels(cctx, pattern).Result()
	return chans, classifyRedis("pubsub channels", pattern, err)
}

// Get implements KV.Get.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	v, err := r.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, classifyRedis("get", key, err)
	}
	return v, true, nil
}

// SetEx implements KV.SetEx.
func (r *Redis) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	return classifyRedis("setex", key, r.client.Set(cctx, key, value, ttl).Err())
}

// Delete implements KV.Delete.
func (r *Redis) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	n, err := r.client.Del(cctx, keys...).Result()
	return n, classifyRedis("del", keys[0], err)
}

// Incr implements KV.Incr.
func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	n, err := r.client.Incr(cctx, key).Result()
	return n, classifyRedis("incr", key, err)
}

// Decr implements KV.Decr.
func (r *Redis) Decr(ctx context.Context, key string) (int64, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	n, err := r.client.Decr(cctx, key).Result()
	return n, classifyRedis("decr", key, err)
}

func toArgs(members []string) []interface{} {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return args
}

// SAdd implements Sets.SAdd.
func (r *Redis) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	n, err := r.client.SAdd(cctx, key, toArgs(members)...).Result()
	return n, classifyRedis("sadd", key, err)
}

// SRem implements Sets.SRem.
func (r *Redis) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	n, err := r.client.SRem(cctx, key, toArgs(members)...).Result()
	return n, classifyRedis("srem", key, err)
}

// SIsMember implements Sets.SIsMember.
func (r *Redis) SIsMember(ctx context.Context, key, member string) (bool, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	ok, err := r.client.SIsMember(cctx, key, member).Result()
	return ok, classifyRedis("sismember", key, err)
}

// SMembers implements Sets.SMembers.
func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	members, err := r.client.SMembers(cctx, key).Result()
	return members, classifyRedis("smembers", key, err)
}

// SCard implements Sets.SCard.
func (r *Redis) SCard(ctx context.Context, key string) (int64, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	n, err := r.client.SCard(cctx, key).Result()
	return n, classifyRedis("scard", key, err)
}

// SInter implements Sets.SInter.
func (r *Redis) SInter(ctx context.Context, keys ...string) ([]string, error) {
	if len(keys) == 0 {
		return nil, presenceerrors.NewStoreError("sinter", "", presenceerrors.ErrNoKeys)
	}
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	members, err := r.client.SInter(cctx, keys...).Result()
	return members, classifyRedis("sinter", keys[0], err)
}

// HSet implements Hashes.HSet.
func (r *Redis) HSet(ctx context.Context, key, field, value string) error {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	return classifyRedis("hset", key, r.client.HSet(cctx, key, field, value).Err())
}

// HGet implements Hashes.HGet.
func (r *Redis) HGet(ctx context.Context, key, field string) (string, bool, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	v, err := r.client.HGet(cctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, classifyRedis("hget", key, err)
	}
	return v, true, nil
}

// HGetAll implements Hashes.HGetAll.
func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	m, err := r.client.HGetAll(cctx, key).Result()
	return m, classifyRedis("hgetall", key, err)
}

// HDel implements Hashes.HDel.
func (r *Redis) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	n, err := r.client.HDel(cctx, key, fields...).Result()
	return n, classifyRedis("hdel", key, err)
}

// HLen implements Hashes.HLen.
func (r *Redis) HLen(ctx context.Context, key string) (int64, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	n, err := r.client.HLen(cctx, key).Result()
	return n, classifyRedis("hlen", key, err)
}

// HIncrBy implements Hashes.HIncrBy.
func (r *Redis) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	n, err := r.client.HIncrBy(cctx, key, field, delta).Result()
	return n, classifyRedis("hincrby", key, err)
}

// SetNX implements Locker.SetNX.
func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	ok, err := r.client.SetNX(cctx, key, value, ttl).Result()
	return ok, classifyRedis("setnx", key, err)
}

// CompareAndDelete implements Locker.CompareAndDelete.
func (r *Redis) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	n, err := delScript.Run(cctx, r.client, []string{key}, value).Int64()
	if err == redis.Nil {
		err = nil
	}
	return n > 0, classifyRedis("compare-and-delete", key, err)
}

// CompareAndExpire implements Locker.CompareAndExpire.
func (r *Redis) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	cctx, cancel := r.opContext(ctx)
	defer cancel()
	n, err := expireScript.Run(cctx, r.client, []string{key}, value, ttl.Milliseconds()).Int64()
	if err == redis.Nil {
		err = nil
	}
	return n > 0, classifyRedis("compare-and-expire", key, err)
}

// Close drops every subscription, waits for the dispatch goroutines and
// closes the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*redis.PubSub)
	r.mu.Unlock()

	for _, ps := range subs {
		_ = ps.Close()
	}
	r.wg.Wait()
	if err := r.client.Close(); err != nil && !stdErrors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

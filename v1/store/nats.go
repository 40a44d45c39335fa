package store

import (
	"context"
	stdErrors "errors"
	"sort"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"

	presenceerrors "github.com/mirkobrombin/go-presence/v1/errors"
)

const natsFlushTimeout = 5 * time.Second

// NATS implements PubSub over a NATS connection. NATS cannot list the
// subjects other processes listen on, so Channels only reports the
// subscriptions held by this connection, and Publish reports zero receivers.
type NATS struct {
	conn *nats.Conn

	mu      sync.Mutex
	subs    map[string]*nats.Subscription
	handler Handler
}

// NewNATS returns a PubSub using conn.
func NewNATS(conn *nats.Conn) *NATS {
	return &NATS{conn: conn, subs: make(map[string]*nats.Subscription)}
}

func classifyNATS(op, key string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case stdErrors.Is(err, nats.ErrConnectionClosed), stdErrors.Is(err, nats.ErrConnectionDraining):
		return presenceerrors.Unavailable(op, key, presenceerrors.ErrConnectionClosed)
	case stdErrors.Is(err, nats.ErrTimeout), stdErrors.Is(err, context.DeadlineExceeded):
		return presenceerrors.Unavailable(op, key, presenceerrors.ErrTimeout)
	case stdErrors.Is(err, nats.ErrBadSubject), stdErrors.Is(err, nats.ErrMaxPayload):
		return presenceerrors.NewStoreError(op, key, err)
	default:
		return presenceerrors.Unavailable(op, key, err)
	}
}

// SetHandler implements PubSub.SetHandler.
func (n *NATS) SetHandler(h Handler) {
	n.mu.Lock()
	n.handler = h
	n.mu.Unlock()
}

// Subscribe implements PubSub.Subscribe. The subscription is flushed to the
// server before returning.
func (n *NATS) Subscribe(ctx context.Context, channel string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subs[channel]; ok {
		return nil
	}
	sub, err := n.conn.Subscribe(channel, func(msg *nats.Msg) {
		n.mu.Lock()
		h := n.handler
		n.mu.Unlock()
		if h != nil {
			h(msg.Subject, string(msg.Data))
		}
	})
	if err != nil {
		return classifyNATS("subscribe", channel, err)
	}
	fctx, cancel := ctx, context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok {
		fctx, cancel = context.WithTimeout(ctx, natsFlushTimeout)
	}
	defer cancel()
	if err := n.conn.FlushWithContext(fctx); err != nil {
		_ = sub.Unsubscribe()
		return classifyNATS("subscribe", channel, err)
	}
	n.subs[channel] = sub
	return nil
}

// Unsubscribe implements PubSub.Unsubscribe.
func (n *NATS) Unsubscribe(ctx context.Context, channel string) error {
	n.mu.Lock()
	sub, ok := n.subs[channel]
	if !ok {
		n.mu.Unlock()
		return nil
	}
	delete(n.subs, channel)
	n.mu.Unlock()
	if err := sub.Unsubscribe(); err != nil && !stdErrors.Is(err, nats.ErrConnectionClosed) {
		return classifyNATS("unsubscribe", channel, err)
	}
	return nil
}

// Publish implements PubSub.Publish.
func (n *NATS) Publish(ctx context.Context, channel, payload string) (int64, error) {
	if err := n.conn.Publish(channel, []byte(payload)); err != nil {
		return 0, classifyNATS("publish", channel, err)
	}
	return 0, nil
}

// Channels implements PubSub.Channels with the subjects of this connection.
func (n *NATS) Channels(ctx context.Context, pattern string) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for ch := range n.subs {
		if matchChannel(pattern, ch) {
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Close drops every subscription. The connection stays open and remains
// owned by the caller.
func (n *NATS) Close() error {
	n.mu.Lock()
	subs := n.subs
	n.subs = make(map[string]*nats.Subscription)
	n.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return nil
}

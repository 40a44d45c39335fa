// Package mux multiplexes any number of local callbacks onto a single remote
// subscription per topic.
//
// A topic is subscribed on the store when its first callback registers and
// unsubscribed when its last callback leaves; in between every incoming
// message is validated once and fanned out to the callbacks in registration
// order. A failed remote call rolls the local bookkeeping back, so the
// callback table never disagrees with the store.
package mux

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	uuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	presenceerrors "github.com/mirkobrombin/go-presence/v1/errors"
	"github.com/mirkobrombin/go-presence/v1/metrics"
	"github.com/mirkobrombin/go-presence/v1/store"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-presence/v1/mux")

// Callback consumes one message of a subscribed topic. Callbacks run on the
// store's delivery goroutine and must not block; hand long work off.
type Callback func(Message) error

// Handle identifies one registered callback.
type Handle struct {
	Topic string
	id    string
}

// Valid reports whether h was returned by Subscribe.
func (h Handle) Valid() bool { return h.id != "" }

type subscription struct {
	id string
	cb Callback
}

type topic struct {
	// op serializes remote subscribe/unsubscribe transitions of the topic.
	op     sync.Mutex
	subs   []subscription
	remote bool
}

// Multiplexer owns the topic table of one PubSub connection.
type Multiplexer struct {
	ps  store.PubSub
	log *slog.Logger

	mu     sync.Mutex
	topics map[string]*topic
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithLogger sets the logger used for dispatch failures and bulk removals.
func WithLogger(l *slog.Logger) Option {
	return func(m *Multiplexer) {
		if l != nil {
			m.log = l
		}
	}
}

// New returns a Multiplexer and installs its dispatch hook on ps.
func New(ps store.PubSub, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		ps:     ps,
		log:    slog.Default(),
		topics: make(map[string]*topic),
	}
	for _, opt := range opts {
		opt(m)
	}
	ps.SetHandler(m.dispatch)
	return m
}

// lockTopic returns the live topic entry for name with its op mutex held,
// creating the entry when missing.
func (m *Multiplexer) lockTopic(name string) *topic {
	for {
		m.mu.Lock()
		t, ok := m.topics[name]
		if !ok {
			t = &topic{}
			m.topics[name] = t
		}
		m.mu.Unlock()

		t.op.Lock()
		m.mu.Lock()
		live := m.topics[name] == t
		m.mu.Unlock()
		if live {
			return t
		}
		// Removed while we waited: retry on the current entry.
		t.op.Unlock()
	}
}

// dropIfEmpty removes an empty, remotely unsubscribed topic. Callers hold
// t.op.
func (m *Multiplexer) dropIfEmpty(name string, t *topic) {
	m.mu.Lock()
	if len(t.subs) == 0 && !t.remote && m.topics[name] == t {
		delete(m.topics, name)
	}
	m.mu.Unlock()
}

// Subscribe registers cb under topic. Only the first callback of a topic
// causes a remote subscribe; a failure of that call undoes the registration.
func (m *Multiplexer) Subscribe(ctx context.Context, name string, cb Callback) (Handle, error) {
	if cb == nil {
		return Handle{}, fmt.Errorf("presence: nil callback for topic %q", name)
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return Handle{}, err
	}

	t := m.lockTopic(name)
	defer t.op.Unlock()

	m.mu.Lock()
	t.subs = append(t.subs, subscription{id: id, cb: cb})
	m.mu.Unlock()

	if !t.remote {
		ctx, span := tracer.Start(ctx, "Multiplexer.Subscribe", trace.WithAttributes(attribute.String("presence.topic", name)))
		err := m.ps.Subscribe(ctx, name)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if err != nil {
			m.mu.Lock()
			t.subs = removeID(t.subs, id)
			m.mu.Unlock()
			m.dropIfEmpty(name, t)
			return Handle{}, presenceerrors.Wrap("subscribe", name, err)
		}
		t.remote = true
		metrics.RemoteSubscriptionsGauge.Inc()
	}
	return Handle{Topic: name, id: id}, nil
}

// Unsubscribe removes exactly the callback behind h. Unknown or already
// removed handles yield ErrNotFound. Removing the last callback of a topic
// unsubscribes it remotely; if that fails the callback is restored.
func (m *Multiplexer) Unsubscribe(ctx context.Context, h Handle) error {
	m.mu.Lock()
	_, known := m.topics[h.Topic]
	m.mu.Unlock()
	if !known || !h.Valid() {
		return fmt.Errorf("%w: topic %q", presenceerrors.ErrNotFound, h.Topic)
	}

	t := m.lockTopic(h.Topic)
	defer t.op.Unlock()

	m.mu.Lock()
	idx := indexOf(t.subs, h.id)
	if idx < 0 {
		m.mu.Unlock()
		m.dropIfEmpty(h.Topic, t)
		return fmt.Errorf("%w: topic %q", presenceerrors.ErrNotFound, h.Topic)
	}
	removed := t.subs[idx]
	t.subs = append(t.subs[:idx:idx], t.subs[idx+1:]...)
	empty := len(t.subs) == 0
	m.mu.Unlock()

	if !empty {
		return nil
	}
	if err := m.unsubscribeRemote(ctx, h.Topic, t); err != nil {
		m.mu.Lock()
		t.subs = insertAt(t.subs, idx, removed)
		m.mu.Unlock()
		return err
	}
	m.dropIfEmpty(h.Topic, t)
	return nil
}

// UnsubscribeAll drops every callback of topic at once and unsubscribes it
// remotely. This silently detaches subscribers the caller may not own; it is
// logged every time. On remote failure all callbacks are restored.
func (m *Multiplexer) UnsubscribeAll(ctx context.Context, name string) error {
	m.mu.Lock()
	_, known := m.topics[name]
	m.mu.Unlock()
	if !known {
		return nil
	}

	t := m.lockTopic(name)
	defer t.op.Unlock()

	m.mu.Lock()
	dropped := t.subs
	t.subs = nil
	m.mu.Unlock()

	m.log.Warn("presence: removing every callback of topic", "topic", name, "callbacks", len(dropped))

	if err := m.unsubscribeRemote(ctx, name, t); err != nil {
		m.mu.Lock()
		t.subs = append(dropped, t.subs...)
		m.mu.Unlock()
		return err
	}
	m.dropIfEmpty(name, t)
	return nil
}

// unsubscribeRemote issues the remote unsubscribe of a topic. Callers hold
// t.op.
func (m *Multiplexer) unsubscribeRemote(ctx context.Context, name string, t *topic) error {
	if !t.remote {
		return nil
	}
	if err := m.ps.Unsubscribe(ctx, name); err != nil {
		return presenceerrors.Wrap("unsubscribe", name, err)
	}
	t.remote = false
	metrics.RemoteSubscriptionsGauge.Dec()
	return nil
}

// Publish encodes data as JSON and publishes it on topic. A nil data is sent
// as the literal false. Publishing is not cancellable once handed to the
// store: abandoning ctx does not revoke a message already sent.
func (m *Multiplexer) Publish(ctx context.Context, name string, data any) error {
	ctx, span := tracer.Start(ctx, "Multiplexer.Publish", trace.WithAttributes(attribute.String("presence.topic", name)))
	defer span.End()

	payload, err := Encode(data)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("presence: encode message for topic %q: %w", name, err)
	}
	if _, err := m.ps.Publish(ctx, name, string(payload)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return presenceerrors.Wrap("publish", name, err)
	}
	metrics.PublishCounter.Inc()
	return nil
}

// dispatch is the store hook. It runs every callback registered when the
// message arrived, one after the other, isolating failures.
func (m *Multiplexer) dispatch(channel, payload string) {
	m.mu.Lock()
	t, ok := m.topics[channel]
	var subs []subscription
	if ok {
		subs = append(subs, t.subs...)
	}
	m.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	_, span := tracer.Start(context.Background(), "Multiplexer.Dispatch", trace.WithAttributes(
		attribute.String("presence.topic", channel),
		attribute.Int("presence.callbacks", len(subs)),
	))
	defer span.End()

	if !json.Valid([]byte(payload)) {
		metrics.DecodeFailureCounter.Inc()
		m.log.Warn("presence: dropping undecodable message", "topic", channel, "bytes", len(payload))
		return
	}
	for _, s := range subs {
		msg := Message{Topic: channel, Data: json.RawMessage(payload)}
		if err := m.invoke(s.cb, msg); err != nil {
			metrics.CallbackFailureCounter.Inc()
			m.log.Error("presence: callback failed", "topic", channel, "error", err)
			continue
		}
		metrics.DeliveredCounter.Inc()
	}
}

func (m *Multiplexer) invoke(cb Callback, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return cb(msg)
}

// Topics returns the number of callbacks registered per topic.
func (m *Multiplexer) Topics() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.topics))
	for name, t := range m.topics {
		if len(t.subs) > 0 {
			out[name] = len(t.subs)
		}
	}
	return out
}

// Count returns the number of callbacks registered for topic.
func (m *Multiplexer) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.topics[name]; ok {
		return len(t.subs)
	}
	return 0
}

// Close removes every topic and unsubscribes them remotely. It returns the
// first remote failure; topics that failed keep their callbacks.
func (m *Multiplexer) Close(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.topics))
	for name := range m.topics {
		names = append(names, name)
	}
	m.mu.Unlock()

	var first error
	for _, name := range names {
		t := m.lockTopic(name)
		m.mu.Lock()
		dropped := t.subs
		t.subs = nil
		m.mu.Unlock()
		if err := m.unsubscribeRemote(ctx, name, t); err != nil {
			m.mu.Lock()
			t.subs = append(dropped, t.subs...)
			m.mu.Unlock()
			if first == nil {
				first = err
			}
		} else {
			m.dropIfEmpty(name, t)
		}
		t.op.Unlock()
	}
	return first
}

func indexOf(subs []subscription, id string) int {
	for i, s := range subs {
		if s.id == id {
			return i
		}
	}
	return -1
}

func removeID(subs []subscription, id string) []subscription {
	if i := indexOf(subs, id); i >= 0 {
		return append(subs[:i:i], subs[i+1:]...)
	}
	return subs
}

func insertAt(subs []subscription, i int, s subscription) []subscription {
	if i > len(subs) {
		i = len(subs)
	}
	out := make([]subscription, 0, len(subs)+1)
	out = append(out, subs[:i]...)
	out = append(out, s)
	return append(out, subs[i:]...)
}

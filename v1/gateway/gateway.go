// Package gateway exposes rooms to browsers over WebSocket and Server-Sent
// Events. Every connection joins its room, receives the room topic and, for
// WebSocket clients, publishes its own frames to it.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-presence/v1/metrics"
	"github.com/mirkobrombin/go-presence/v1/mux"
	"github.com/mirkobrombin/go-presence/v1/presence"
)

const defaultBuffer = 64

// Server serves the gateway endpoints for one Presence.
type Server struct {
	p          *presence.Presence
	log        *slog.Logger
	roomPrefix string
	buffer     int
	upgrader   websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithRoomPrefix sets the prefix turning a room id into its topic.
func WithRoomPrefix(prefix string) Option {
	return func(s *Server) {
		s.roomPrefix = prefix
	}
}

// WithBufferSize sets how many frames may wait for a slow client before new
// ones are dropped.
func WithBufferSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithCheckOrigin overrides the WebSocket origin check.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

// NewServer returns a gateway for p.
func NewServer(p *presence.Presence, opts ...Option) *Server {
	s := &Server{
		p:          p,
		log:        slog.Default(),
		roomPrefix: "room:",
		buffer:     defaultBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes of the gateway.
func (s *Server) Handler() http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("GET /ws", s.serveWS)
	m.HandleFunc("GET /sse", s.serveSSE)
	m.HandleFunc("GET /rooms/{id}", s.serveRoom)
	return m
}

func (s *Server) topic(room string) string {
	return s.roomPrefix + room
}

// outbox is the bounded queue between the room callback and one client.
type outbox struct {
	ch chan []byte
}

func newOutbox(n int) *outbox {
	return &outbox{ch: make(chan []byte, n)}
}

// push enqueues a frame without blocking and reports whether it was kept.
func (o *outbox) push(frame []byte) bool {
	select {
	case o.ch <- frame:
		return true
	default:
		metrics.GatewayDroppedCounter.Inc()
		return false
	}
}

func (o *outbox) callback(msg mux.Message) error {
	o.push(msg.Data)
	return nil
}

// session is one joined, subscribed client.
type session struct {
	id     string
	room   string
	member string
	handle mux.Handle
	out    *outbox
}

func (s *Server) open(ctx context.Context, room, member string) (*session, error) {
	sess := &session{
		id:     uuid.NewString(),
		room:   room,
		member: member,
		out:    newOutbox(s.buffer),
	}
	if _, err := s.p.Join(ctx, room, member); err != nil {
		return nil, err
	}
	h, err := s.p.Subscribe(ctx, s.topic(room), sess.out.callback)
	if err != nil {
		if _, lerr := s.p.Leave(context.WithoutCancel(ctx), room, member); lerr != nil {
			s.log.Warn("presence: leave after failed subscribe", "topic", s.topic(room), "error", lerr)
		}
		return nil, err
	}
	sess.handle = h
	metrics.GatewayConnectionsGauge.Inc()
	s.log.Debug("presence: gateway connection opened", "conn", sess.id, "topic", s.topic(room), "member", member)
	return sess, nil
}

func (s *Server) close(ctx context.Context, sess *session) {
	metrics.GatewayConnectionsGauge.Dec()
	if err := s.p.Unsubscribe(ctx, sess.handle); err != nil {
		s.log.Warn("presence: gateway unsubscribe failed", "conn", sess.id, "error", err)
	}
	if _, err := s.p.Leave(ctx, sess.room, sess.member); err != nil {
		s.log.Warn("presence: gateway leave failed", "conn", sess.id, "error", err)
	}
	s.log.Debug("presence: gateway connection closed", "conn", sess.id, "topic", s.topic(sess.room))
}

func roomParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	q := r.URL.Query()
	room, member := q.Get("room"), q.Get("member")
	if room == "" || member == "" {
		http.Error(w, "missing room or member", http.StatusBadRequest)
		return "", "", false
	}
	return room, member, true
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	room, member, ok := roomParams(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess, err := s.open(r.Context(), room, member)
	if err != nil {
		s.log.Error("presence: gateway join failed", "topic", s.topic(room), "error", err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "join failed"))
		return
	}
	defer s.close(context.WithoutCancel(r.Context()), sess)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.readLoop(ctx, cancel, conn, sess)

	for {
		select {
		case frame := <-sess.out.ch:
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readLoop publishes every inbound text frame to the room until the client
// goes away.
func (s *Server) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sess *session) {
	defer cancel()
	for {
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		if !json.Valid(frame) {
			s.log.Debug("presence: gateway dropping non-JSON frame", "conn", sess.id, "bytes", len(frame))
			continue
		}
		if err := s.p.Publish(ctx, s.topic(sess.room), json.RawMessage(frame)); err != nil {
			s.log.Warn("presence: gateway publish failed", "conn", sess.id, "topic", s.topic(sess.room), "error", err)
		}
	}
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request) {
	room, member, ok := roomParams(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	sess, err := s.open(r.Context(), room, member)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer s.close(context.WithoutCancel(r.Context()), sess)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case frame := <-sess.out.ch:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// RoomStatus is the JSON body of GET /rooms/{id}.
type RoomStatus struct {
	Room    string   `json:"room"`
	Exists  bool     `json:"exists"`
	Members []string `json:"members"`
}

func (s *Server) serveRoom(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("id")
	exists, err := s.p.Exists(r.Context(), s.topic(room))
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	members, err := s.p.Members(r.Context(), room)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if members == nil {
		members = []string{}
	}
	sort.Strings(members)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RoomStatus{Room: room, Exists: exists, Members: members})
}

// Package stream serves the websocket side of the dispatch board: one
// connection per viewer, primed with a snapshot of its topic and then fed
// every published change.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/btouchard/dispatchboard/internal/auth"
	"github.com/btouchard/dispatchboard/internal/config"
	"github.com/btouchard/dispatchboard/internal/dispatch"
	"github.com/btouchard/dispatchboard/internal/hub"
)

// Engine is the subset of the transition engine a connection needs.
// Defined at the consumer side per Go convention.
type Engine interface {
	UpdateTechnician(ctx context.Context, technicianID int64, patch dispatch.TechnicianPatch) (*dispatch.Technician, error)
	TechnicianMessages(ctx context.Context) ([]any, error)
	TaskMessages(ctx context.Context) ([]any, error)
}

// Handler upgrades HTTP requests to websocket subscriptions.
type Handler struct {
	engine   Engine
	reg      *hub.Registry
	cfg      config.StreamConfig
	tokens   auth.Resolver
	upgrader websocket.Upgrader

	mu      sync.Mutex
	closing bool
	conns   map[*conn]struct{}
	wg      sync.WaitGroup
}

// Option configures a Handler.
type Option func(*Handler)

// WithResolver requires a valid actor token (header or ?token=) before
// upgrading.
func WithResolver(res auth.Resolver) Option {
	return func(h *Handler) { h.tokens = res }
}

// NewHandler creates a Handler joining connections to reg.
func NewHandler(engine Engine, reg *hub.Registry, cfg config.StreamConfig, opts ...Option) *Handler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	h := &Handler{
		engine: engine,
		reg:    reg,
		cfg:    cfg,
		conns:  make(map[*conn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// originChecker returns nil (same-origin only) when no origins are
// configured.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
	}
}

// Technicians serves the technicians topic. Clients may send
// location_update commands on it.
func (h *Handler) Technicians() http.Handler {
	return h.topicHandler(dispatch.TopicTechnicians, h.engine.TechnicianMessages, true)
}

// Tasks serves the task_updates topic. It is read-only for clients.
func (h *Handler) Tasks() http.Handler {
	return h.topicHandler(dispatch.TopicTaskUpdates, h.engine.TaskMessages, false)
}

// Shutdown closes every open connection and waits for their teardown or
// for ctx to end. http.Server.Shutdown does not reach hijacked connections.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	for c := range h.conns {
		c.close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire counts a connection attempt against Shutdown. It fails once
// Shutdown has started.
func (h *Handler) acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.wg.Add(1)
	return true
}

// track registers c for Shutdown. It reports false when Shutdown started
// while c was being upgraded.
func (h *Handler) track(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *Handler) untrack(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

type snapshotFunc func(ctx context.Context) ([]any, error)

func (h *Handler) topicHandler(topic string, snapshot snapshotFunc, commands bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.tokens != nil {
			token := auth.TokenFromRequest(r, true)
			if _, err := h.tokens.Resolve(token); token == "" || err != nil {
				http.Error(w, "invalid or missing token", http.StatusUnauthorized)
				return
			}
		}

		if !h.acquire() {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
		defer h.wg.Done()

		ws, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already replied with an HTTP error.
			slog.Debug("websocket upgrade failed", "topic", topic, "error", err)
			return
		}

		c := &conn{
			id:       uuid.NewString(),
			topic:    topic,
			ws:       ws,
			out:      hub.NewOutbox(h.cfg.OutboxSize, true),
			h:        h,
			commands: commands,
		}
		if !h.track(c) {
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server is shutting down"))
			_ = ws.Close()
			return
		}
		defer h.untrack(c)
		c.serve(r.Context(), snapshot)
	})
}

// conn is one open subscription: Connecting until joined and primed,
// Open while the read loop runs, Closed after teardown.
type conn struct {
	id       string
	topic    string
	ws       *websocket.Conn
	out      *hub.Outbox
	h        *Handler
	commands bool

	closeOnce sync.Once
}

func (c *conn) serve(parent context.Context, snapshot snapshotFunc) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer func() { _ = c.ws.Close() }()
	defer c.close()

	log := slog.With("conn_id", c.id, "topic", c.topic)

	// Join before reading the snapshot so no change falls between the two;
	// the outbox holds live messages back until the snapshot is in front.
	if err := c.h.reg.Join(c.topic, c.id, c.out); err != nil {
		log.Warn("join rejected", "error", err)
		return
	}

	msgs, err := snapshot(ctx)
	if err != nil {
		log.Error("loading snapshot failed", "error", err)
		return
	}
	frames, err := encodeAll(msgs)
	if err != nil {
		log.Error("encoding snapshot failed", "error", err)
		return
	}
	c.out.Prime(frames)

	log.Info("subscriber connected", "snapshot_size", len(frames))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(log)
	}()

	c.readLoop(ctx, log)

	c.close()
	<-writerDone
	log.Info("subscriber disconnected", "dropped", c.out.Dropped())
}

// close deregisters the connection and stops its writer. Idempotent.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.h.reg.LeaveAll(c.id)
		c.out.Close()
	})
}

func (c *conn) readLoop(ctx context.Context, log *slog.Logger) {
	pongWait := 2 * c.h.cfg.PingInterval
	if c.h.cfg.MaxMessageBytes > 0 {
		c.ws.SetReadLimit(c.h.cfg.MaxMessageBytes)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("read failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if !c.commands {
			continue
		}
		c.handle(ctx, log, data)
	}
}

// handle runs one inbound frame. Malformed frames and engine failures are
// logged and dropped; nothing is sent back to the client.
func (c *conn) handle(ctx context.Context, log *slog.Logger, data []byte) {
	cmd, err := DecodeCommand(data)
	if err != nil {
		log.Debug("dropping inbound message", "error", err)
		return
	}

	switch cmd := cmd.(type) {
	case LocationUpdate:
		// The engine publishes the result to every subscriber, this
		// connection included.
		if _, err := c.h.engine.UpdateTechnician(ctx, cmd.TechnicianID, cmd.Patch); err != nil {
			log.Warn("location update failed",
				"technician_id", cmd.TechnicianID,
				"code", string(dispatch.KindOf(err)),
				"error", err)
		}
	default:
		// Unknown kinds, e.g. the mobile client's status_request.
	}
}

func (c *conn) writeLoop(log *slog.Logger) {
	ticker := time.NewTicker(c.h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.out.Ready():
			for _, frame := range c.out.Drain() {
				if err := c.write(websocket.TextMessage, frame); err != nil {
					log.Debug("write failed", "error", err)
					_ = c.ws.Close()
					return
				}
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				log.Debug("ping failed", "error", err)
				_ = c.ws.Close()
				return
			}
		case <-c.out.Done():
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = c.ws.Close()
			return
		}
	}
}

func (c *conn) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.h.cfg.WriteTimeout))
	return c.ws.WriteMessage(messageType, data)
}

func encodeAll(msgs []any) ([][]byte, error) {
	frames := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encoding message: %w", err)
		}
		frames = append(frames, data)
	}
	return frames, nil
}

// Package feed serves a duplex session's events to websocket clients and
// accepts lifecycle control frames from them.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-duplex/pkg/core/live"
	"github.com/vango-go/vai-duplex/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-duplex/pkg/metrics"
)

// Controller is the session surface a feed client can drive.
// *live.Session implements it.
type Controller interface {
	ID() string
	State() live.SessionState
	Mode() live.Mode
	Status() string
	StartRecording(ctx context.Context) error
	StopRecording()
	Reset(ctx context.Context) error
	SetMode(ctx context.Context, mode live.Mode) error
}

// Config configures a Hub.
type Config struct {
	Controller Controller
	Logger     *slog.Logger
	Metrics    *metrics.Metrics

	// AllowedOrigins lists browser origins allowed to connect. Requests
	// without an Origin header are always allowed.
	AllowedOrigins map[string]struct{}

	// ClientBuffer bounds each client's queue of level and video frames.
	ClientBuffer int

	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	ControlTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ClientBuffer <= 0 {
		c.ClientBuffer = 64
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 3 * c.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 4096
	}
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = 30 * time.Second
	}
	return c
}

// Hub fans session events out to connected clients.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	id       string
	priority chan []byte
	normal   chan []byte
	cancel   context.CancelFunc
}

// offer queues a frame without blocking. It reports false when the
// client's queue is full.
func (c *client) offer(frame []byte, urgent bool) bool {
	ch := c.normal
	if urgent {
		ch = c.priority
	}
	select {
	case ch <- frame:
		return true
	default:
		return false
	}
}

// NewHub creates a Hub.
func NewHub(cfg Config) *Hub {
	cfg = cfg.withDefaults()
	return &Hub{
		cfg:     cfg,
		logger:  cfg.Logger,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			// Origin is checked before upgrading.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run broadcasts events until ctx is done or events is closed, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context, events <-chan live.Event) error {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			h.Broadcast(ev)
		}
	}
}

// Broadcast sends ev to every connected client. Level and video frames are
// dropped for clients that fall behind.
func (h *Hub) Broadcast(ev live.Event) {
	frame, ok := protocol.FromEvent(ev)
	if !ok {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to encode feed frame", "event", ev.EventType(), "error", err)
		return
	}
	urgent := true
	switch ev.(type) {
	case *live.LevelEvent, *live.VideoFrameEvent:
		urgent = false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.offer(data, urgent) {
			h.cfg.Metrics.RecordFrameDropped("feed", "client_slow")
			h.logger.Debug("feed client queue full", "client_id", c.id, "event", ev.EventType())
		}
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if !h.originAllowed(r) {
		writeJSONError(w, http.StatusForbidden, "forbidden", "origin is not allowed")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &client{
		id:       uuid.NewString(),
		priority: make(chan []byte, 16),
		normal:   make(chan []byte, h.cfg.ClientBuffer),
		cancel:   cancel,
	}
	if !h.register(c) {
		writeWSError(conn, "unavailable", "feed is shutting down")
		return
	}
	defer h.unregister(c)

	logger := h.logger.With("client_id", c.id)
	logger.Info("feed client connected", "remote_addr", r.RemoteAddr)
	defer logger.Info("feed client disconnected")

	h.reply(c, h.snapshot("hello"))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writer := outboundWriter{
			ws:           conn,
			ctx:          ctx,
			pingInterval: h.cfg.PingInterval,
			writeTimeout: h.cfg.WriteTimeout,
			priority:     c.priority,
			normal:       c.normal,
		}
		if err := writer.Run(); err != nil {
			logger.Debug("feed writer stopped", "error", err)
		}
		// Unblock the read loop.
		cancel()
		_ = conn.Close()
	}()

	conn.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				logger.Debug("feed read failed", "error", err)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
		if messageType != websocket.TextMessage {
			h.reply(c, protocol.ServerError{Type: "error", Scope: "control", Code: "bad_request", Message: "frames must be JSON text"})
			continue
		}
		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			h.reply(c, protocol.ErrorFrame("control", err))
			continue
		}
		if err := h.control(ctx, msg); err != nil {
			logger.Warn("feed control failed", "op", msg.Op, "error", err)
			h.reply(c, protocol.ErrorFrame("control", err))
			continue
		}
		if msg.Op == protocol.OpStatus {
			h.reply(c, h.snapshot("snapshot"))
		}
	}

	cancel()
	<-writerDone
}

func (h *Hub) control(ctx context.Context, msg protocol.ClientControl) error {
	ctrl := h.cfg.Controller
	if ctrl == nil {
		return &protocol.DecodeError{Code: "unavailable", Message: "no session is attached"}
	}
	ctx, cancel := context.WithTimeout(ctx, h.cfg.ControlTimeout)
	defer cancel()

	switch msg.Op {
	case protocol.OpStart:
		return ctrl.StartRecording(ctx)
	case protocol.OpStop:
		ctrl.StopRecording()
	case protocol.OpReset:
		return ctrl.Reset(ctx)
	case protocol.OpMode:
		mode, err := live.ParseMode(msg.Mode)
		if err != nil {
			return err
		}
		return ctrl.SetMode(ctx, mode)
	}
	return nil
}

func (h *Hub) snapshot(typ string) protocol.ServerHello {
	out := protocol.ServerHello{Type: typ, ProtocolVersion: protocol.ProtocolVersion1}
	if ctrl := h.cfg.Controller; ctrl != nil {
		out.SessionID = ctrl.ID()
		out.State = ctrl.State().String()
		out.Mode = string(ctrl.Mode())
		out.Status = ctrl.Status()
	}
	return out
}

func (h *Hub) reply(c *client, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to encode feed reply", "error", err)
		return
	}
	if !c.offer(data, true) {
		h.cfg.Metrics.RecordFrameDropped("feed", "client_slow")
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.cfg.Metrics.RecordFeedClient(1)
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.cfg.Metrics.RecordFeedClient(-1)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.cancel()
	}
}

func (h *Hub) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	_, ok := h.cfg.AllowedOrigins[origin]
	return ok
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.ServerError{Type: "error", Code: code, Message: message})
}

func writeWSError(conn *websocket.Conn, code, message string) {
	_ = conn.WriteJSON(protocol.ServerError{Type: "error", Scope: "feed", Code: code, Message: message, Close: true})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, message), time.Now().Add(2*time.Second))
}

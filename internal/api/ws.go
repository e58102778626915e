package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fleetglass/fleetglass/internal/broker"
	"github.com/fleetglass/fleetglass/internal/session"
	"github.com/fleetglass/fleetglass/internal/store"
)

const (
	// writeWait is the maximum time allowed to write a frame to the agent.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong reply after sending
	// a ping before considering the agent gone.
	pongWait = 60 * time.Second

	// pingPeriod is how often the server pings the agent.
	// Must be less than pongWait so the agent has time to reply.
	pingPeriod = (pongWait * 9) / 10
)

// upgrader performs the WebSocket handshake. Agents are headless processes,
// not browsers, so there is no origin to check.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WSHandler handles the agent ingress endpoint GET /ws/agent/{agentKey}.
// The key travels in the URL because the agent opens the connection with a
// plain WebSocket client; a bad or unknown key is answered with close code
// 4001 after the upgrade, so the agent can tell a credential problem from a
// network one.
type WSHandler struct {
	store  store.Store
	broker broker.Broker
	clock  clockwork.Clock
	logger *zap.Logger

	// onEvent observes dispatched agent event types; may be nil.
	onEvent func(eventType string)

	// sessions gauges live agent connections; may be nil.
	sessions prometheus.Gauge
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(s store.Store, b broker.Broker, clock clockwork.Clock, onEvent func(string), sessions prometheus.Gauge, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		store:    s,
		broker:   b,
		clock:    clock,
		logger:   logger.Named("ws_handler"),
		onEvent:  onEvent,
		sessions: sessions,
	}
}

// ServeWS handles GET /ws/agent/{agentKey}. It upgrades the connection,
// authenticates the key, and runs the session until the agent disconnects
// or the server closes it. The handler blocks for the whole session.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the handshake error response.
		h.logger.Warn("ws: upgrade failed", zap.Error(err))
		return
	}
	transport := newWSTransport(conn)

	key, err := uuid.Parse(chi.URLParam(r, "agentKey"))
	if err != nil {
		_ = transport.Close(session.CodeInvalidKey, "invalid agent key")
		return
	}
	agent, err := h.store.GetAgentByKey(r.Context(), key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Error("ws: resolving agent key", zap.Error(err))
		}
		_ = transport.Close(session.CodeInvalidKey, "invalid agent key")
		return
	}

	if h.sessions != nil {
		h.sessions.Inc()
		defer h.sessions.Dec()
	}
	h.logger.Info("ws: agent connected",
		zap.String("agent_id", agent.ID.String()),
		zap.String("remote_addr", r.RemoteAddr))

	s := session.New(session.Config{
		Store:     h.store,
		Broker:    h.broker,
		Clock:     h.clock,
		Logger:    h.logger,
		Agent:     agent,
		Transport: transport,
		RemoteIP:  clientIP(r),
		OnEvent:   h.onEvent,
	})
	if err := s.Run(r.Context()); err != nil {
		h.logger.Error("ws: session failed",
			zap.String("agent_id", agent.ID.String()),
			zap.Error(err))
	}
	transport.stop()

	h.logger.Info("ws: agent disconnected",
		zap.String("agent_id", agent.ID.String()),
		zap.String("remote_addr", r.RemoteAddr))
}

// wsTransport adapts a gorilla connection to the session Transport. Reads
// stay on the handler goroutine; writes and closes may come from the
// session's control loop, so they are serialized with a mutex. A background
// ticker pings the agent to keep intermediaries from reaping idle
// connections.
type wsTransport struct {
	conn *websocket.Conn

	// mu guards all writes to the connection.
	mu sync.Mutex

	stopPing chan struct{}
	stopOnce sync.Once
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	t := &wsTransport{
		conn:     conn,
		stopPing: make(chan struct{}),
	}
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go t.pingLoop()
	return t
}

func (t *wsTransport) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.mu.Unlock()
			if err != nil {
				return
			}
		case <-t.stopPing:
			return
		}
	}
}

// stop ends the ping loop. Close does this too; stop covers the paths where
// the peer went away without a server-side close.
func (t *wsTransport) stop() {
	t.stopOnce.Do(func() { close(t.stopPing) })
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		// Binary frames are not part of the protocol; skip rather than kill
		// the session.
		if messageType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (t *wsTransport) WriteFrame(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.stop()
	t.mu.Lock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	t.mu.Unlock()
	return t.conn.Close()
}

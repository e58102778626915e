package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fleetglass/fleetglass/internal/broker"
	"github.com/fleetglass/fleetglass/internal/store"
	"github.com/fleetglass/fleetglass/internal/stream"
)

// SSEHandler serves GET /api/sse/agents: one server-sent-events body per
// subscriber, snapshot first, then live deltas relayed from the user's
// client group. Runs behind AuthenticateUser.
type SSEHandler struct {
	store  store.Store
	broker broker.Broker
	logger *zap.Logger

	// heartbeat overrides the stream default when positive.
	heartbeat time.Duration

	// corsOrigins is the Origin allowlist for browser EventSource clients.
	corsOrigins []string

	// streams gauges open subscriber connections; may be nil.
	streams prometheus.Gauge
}

// NewSSEHandler creates an SSEHandler.
func NewSSEHandler(s store.Store, b broker.Broker, heartbeat time.Duration, corsOrigins []string, streams prometheus.Gauge, logger *zap.Logger) *SSEHandler {
	return &SSEHandler{
		store:       s,
		broker:      b,
		logger:      logger.Named("sse_handler"),
		heartbeat:   heartbeat,
		corsOrigins: corsOrigins,
		streams:     streams,
	}
}

// ServeSSE handles GET /api/sse/agents. The handler blocks until the client
// goes away; peer loss surfaces through a failed heartbeat or event write.
func (h *SSEHandler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		Detail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	userID := userIDFromCtx(r.Context())

	if origin := r.Header.Get("Origin"); origin != "" && h.originAllowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if h.streams != nil {
		h.streams.Inc()
		defer h.streams.Dec()
	}

	h.logger.Info("sse: client connected",
		zap.Int64("user_id", userID),
		zap.String("remote_addr", r.RemoteAddr))

	s := stream.New(stream.Config{
		Store:     h.store,
		Broker:    h.broker,
		Logger:    h.logger,
		UserID:    userID,
		Writer:    &sseWriter{w: w, flusher: flusher},
		Heartbeat: h.heartbeat,
	})
	if err := s.Run(r.Context()); err != nil {
		h.logger.Error("sse: stream failed",
			zap.Int64("user_id", userID),
			zap.Error(err))
	}

	h.logger.Info("sse: client disconnected",
		zap.Int64("user_id", userID),
		zap.String("remote_addr", r.RemoteAddr))
}

func (h *SSEHandler) originAllowed(origin string) bool {
	for _, allowed := range h.corsOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// sseWriter frames stream records as server-sent events. The stream runs in
// a single goroutine, so writes never interleave.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) WriteEvent(data []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) WriteComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ":%s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

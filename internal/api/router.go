package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fleetglass/fleetglass/internal/auth"
	"github.com/fleetglass/fleetglass/internal/broker"
	"github.com/fleetglass/fleetglass/internal/metrics"
	"github.com/fleetglass/fleetglass/internal/ratelimit"
	"github.com/fleetglass/fleetglass/internal/store"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Store    store.Store
	Broker   broker.Broker
	Clock    clockwork.Clock
	Resolver auth.Resolver
	Limiter  *ratelimit.Limiter
	Logger   *zap.Logger

	// Metrics is optional; with nil the router runs unmetered.
	Metrics *metrics.Metrics

	// MetricsHandler serves GET /metrics when set (promhttp over the same
	// registry the Metrics collectors live in).
	MetricsHandler http.Handler

	// RegistrationTTL is how long an open registration window stays
	// claimable.
	RegistrationTTL time.Duration

	// DefaultGracePeriod, in seconds, is stamped on newly claimed agents.
	DefaultGracePeriod int

	// Heartbeat is the SSE keep-alive cadence; zero means the default.
	Heartbeat time.Duration

	// CORSOrigins is the Origin allowlist for browser SSE clients.
	CORSOrigins []string
}

// NewRouter builds and returns the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and size.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Metric hooks (all tolerate staying nil) ---
	var (
		onEvent     func(string)
		sessions    prometheus.Gauge
		streams     prometheus.Gauge
		initiations prometheus.Counter
	)
	if cfg.Metrics != nil {
		m := cfg.Metrics
		onEvent = func(eventType string) { m.AgentEvents.WithLabelValues(eventType).Inc() }
		sessions = m.AgentSessions
		streams = m.ClientStreams
		initiations = m.RegistrationsInitiated
	}

	// --- Initialize handlers ---
	registrationHandler := NewRegistrationHandler(cfg.Store, cfg.RegistrationTTL, cfg.DefaultGracePeriod, initiations, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Store, cfg.Logger)
	deviceHandler := NewDeviceHandler(cfg.Store, cfg.Logger)
	sseHandler := NewSSEHandler(cfg.Store, cfg.Broker, cfg.Heartbeat, cfg.CORSOrigins, streams, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Store, cfg.Broker, cfg.Clock, onEvent, sessions, cfg.Logger)

	// Agent ingress lives outside /api; the agent dials it with a raw
	// WebSocket URL.
	r.Get("/ws/agent/{agentKey}", wsHandler.ServeWS)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {

		// --- Public registration routes (rate limited per client IP) ---
		r.Group(func(r chi.Router) {
			r.With(Throttle(cfg.Limiter, ratelimit.InitiateRule)).
				Post("/agents/register/initiate", registrationHandler.Initiate)
			r.With(Throttle(cfg.Limiter, ratelimit.StatusPollRule)).
				Get("/agents/register/status/{regID}", registrationHandler.Status)

			// Finalize authenticates inside the handler: the key is still
			// pending at this point, so AuthenticateAgent would reject it.
			r.Post("/agents/register/finalize", registrationHandler.Finalize)
		})

		// --- User-authenticated routes (session token required) ---
		r.Group(func(r chi.Router) {
			r.Use(AuthenticateUser(cfg.Resolver))

			r.With(Throttle(cfg.Limiter, ratelimit.CompleteRule)).
				Post("/agents/register/complete", registrationHandler.Complete)

			r.Get("/sse/agents", sseHandler.ServeSSE)

			r.Post("/devices", deviceHandler.Register)
			r.Delete("/devices/{token}", deviceHandler.Remove)
		})

		// --- Agent-authenticated routes (registered key required) ---
		r.Group(func(r chi.Router) {
			r.Use(AuthenticateAgent(cfg.Store))

			r.Get("/agents/me", agentHandler.Me)
			r.Post("/agents/unregister", agentHandler.Unregister)
		})
	})

	return r
}

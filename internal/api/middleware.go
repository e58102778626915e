package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetglass/fleetglass/internal/auth"
	"github.com/fleetglass/fleetglass/internal/db"
	"github.com/fleetglass/fleetglass/internal/ratelimit"
	"github.com/fleetglass/fleetglass/internal/store"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeyUserID holds the authenticated user ID (int64) after
	// successful session-token resolution.
	contextKeyUserID contextKey = iota

	// contextKeyAgent holds the authenticated *db.Agent after successful
	// agent-key validation.
	contextKeyAgent
)

// AuthenticateUser validates the session token carried by the request (the
// X-Session-Token header or the session cookie) and stores the resolved user
// ID in the request context. On failure it writes a 401 and stops the chain.
func AuthenticateUser(resolver auth.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := resolver.ResolveUser(r)
			if err != nil {
				ErrUnauthorized(w)
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyUserID, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthenticateAgent validates the agent credential in the Authorization
// header and stores the agent record in the request context. Only registered
// agents pass; pending and unregistered keys get the same 401 as unknown
// ones.
//
// Token format: "Authorization: Agent <uuid>"
func AuthenticateAgent(s store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := agentKeyFromHeader(r)
			if !ok {
				ErrUnauthorized(w)
				return
			}
			agent, err := s.GetAgentByKey(r.Context(), key)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					ErrUnauthorized(w)
					return
				}
				ErrInternal(w)
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyAgent, agent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// agentKeyFromHeader parses "Authorization: Agent <uuid>". A missing or
// malformed header returns ok == false.
func agentKeyFromHeader(r *http.Request) (uuid.UUID, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return uuid.UUID{}, false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Agent") {
		return uuid.UUID{}, false
	}
	key, err := uuid.Parse(strings.TrimSpace(parts[1]))
	if err != nil {
		return uuid.UUID{}, false
	}
	return key, true
}

// Throttle limits requests per client address under the given rule and
// answers 429 once the bucket is drained.
func Throttle(limiter *ratelimit.Limiter, rule ratelimit.Rule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientIP(r), rule) {
				ErrTooManyRequests(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. It logs method, path, status and size.
// Chi's middleware.RequestID is expected to run before this middleware so
// that the request ID is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// userIDFromCtx retrieves the user ID stored by AuthenticateUser. Returns 0
// if the request is unauthenticated.
func userIDFromCtx(ctx context.Context) int64 {
	userID, _ := ctx.Value(contextKeyUserID).(int64)
	return userID
}

// agentFromCtx retrieves the agent stored by AuthenticateAgent. Returns nil
// if the request carries no agent credential.
func agentFromCtx(ctx context.Context) *db.Agent {
	agent, _ := ctx.Value(contextKeyAgent).(*db.Agent)
	return agent
}

// clientIP returns the peer address used for rate limiting and the agent IP
// audit field. The first entry of X-Forwarded-For wins when a proxy set it;
// otherwise the socket address is used with the port stripped.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if ip := strings.TrimSpace(strings.Split(fwd, ",")[0]); ip != "" {
			return ip
		}
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.HasSuffix(host, "]") {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fleetglass/fleetglass/internal/db"
	"github.com/fleetglass/fleetglass/internal/store"
)

// Error messages of the registration surface. These are part of the wire
// contract; existing agent and mobile clients match on them.
const (
	msgInvalidCode     = "Invalid or expired code."
	msgTooManyAttempts = "Too many failed attempts"
)

// RegistrationHandler implements the registration code flow: an agent opens
// a window and polls it, the owner types the 6-digit code into their client,
// and the agent collects its key and finalizes.
type RegistrationHandler struct {
	store  store.Store
	logger *zap.Logger

	// ttl is how long an open registration window stays claimable.
	ttl time.Duration

	// defaultGracePeriod is the grace period, in seconds, stamped on agents
	// created through the code flow.
	defaultGracePeriod int

	// initiated counts opened windows; may be nil.
	initiated prometheus.Counter
}

// NewRegistrationHandler creates a RegistrationHandler.
func NewRegistrationHandler(s store.Store, ttl time.Duration, defaultGracePeriod int, initiated prometheus.Counter, logger *zap.Logger) *RegistrationHandler {
	return &RegistrationHandler{
		store:              s,
		logger:             logger.Named("register_handler"),
		ttl:                ttl,
		defaultGracePeriod: defaultGracePeriod,
		initiated:          initiated,
	}
}

// registrationView is the body of initiate and poll responses.
type registrationView struct {
	ID        uuid.UUID `json:"id"`
	Code      string    `json:"code"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Initiate handles POST /api/agents/register/initiate. Public, rate limited
// at the router.
func (h *RegistrationHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	reg, err := h.store.CreateRegistration(r.Context(), h.ttl)
	if err != nil {
		h.logger.Error("creating registration", zap.Error(err))
		ErrInternal(w)
		return
	}
	if h.initiated != nil {
		h.initiated.Inc()
	}
	JSON(w, http.StatusCreated, registrationView{
		ID:        reg.ID,
		Code:      reg.Code,
		Status:    reg.Status,
		ExpiresAt: reg.ExpiresAt,
	})
}

// completeRequest is the body of POST /api/agents/register/complete.
type completeRequest struct {
	Code string `json:"code"`
}

// Complete handles POST /api/agents/register/complete. The authenticated
// user claims an open window by code; the claimed agent is created pending,
// owned by them.
func (h *RegistrationHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Code == "" {
		ErrBadRequest(w, msgInvalidCode)
		return
	}

	userID := userIDFromCtx(r.Context())
	agent, err := h.store.ClaimRegistration(r.Context(), req.Code, userID, h.defaultGracePeriod)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrTooManyAttempts):
		ErrBadRequest(w, msgTooManyAttempts)
		return
	case errors.Is(err, store.ErrInvalidCode):
		ErrBadRequest(w, msgInvalidCode)
		return
	default:
		h.logger.Error("claiming registration", zap.Error(err))
		ErrInternal(w)
		return
	}

	JSON(w, http.StatusOK, map[string]string{
		"message": "Agent " + agent.Name + " registered successfully.",
	})
}

// Status handles GET /api/agents/register/status/{regID}. The polling agent
// collects its credentials here exactly once: a completed registration is
// deleted as soon as the key has been handed out, and an expired one is
// deleted after reporting 410.
func (h *RegistrationHandler) Status(w http.ResponseWriter, r *http.Request) {
	regID, err := uuid.Parse(chi.URLParam(r, "regID"))
	if err != nil {
		ErrNotFound(w)
		return
	}

	reg, err := h.store.GetRegistration(r.Context(), regID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("loading registration", zap.Error(err))
		ErrInternal(w)
		return
	}

	switch reg.Status {
	case db.RegStatusCompleted:
		if err := h.store.DeleteRegistration(r.Context(), reg.ID); err != nil {
			h.logger.Error("deleting collected registration", zap.Error(err))
			ErrInternal(w)
			return
		}
		JSON(w, http.StatusOK, map[string]any{
			"status":      reg.Status,
			"credentials": map[string]string{"key": string(reg.AgentKey)},
		})

	case db.RegStatusExpired:
		if err := h.store.DeleteRegistration(r.Context(), reg.ID); err != nil {
			h.logger.Error("deleting expired registration", zap.Error(err))
		}
		JSON(w, http.StatusGone, map[string]string{"status": reg.Status})

	default:
		JSON(w, http.StatusOK, map[string]string{"status": reg.Status})
	}
}

// Finalize handles POST /api/agents/register/finalize. The agent presents
// its freshly collected key; its record moves from pending to registered and
// its address is stamped. This cannot go through AuthenticateAgent, which
// only resolves already registered keys.
func (h *RegistrationHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	key, ok := agentKeyFromHeader(r)
	if !ok {
		ErrUnauthorized(w)
		return
	}

	agent, err := h.store.FinalizeRegistration(r.Context(), key, clientIP(r))
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		ErrUnauthorized(w)
		return
	case errors.Is(err, store.ErrNotPending):
		ErrBadRequest(w, "agent is already registered")
		return
	default:
		h.logger.Error("finalizing registration", zap.Error(err))
		ErrInternal(w)
		return
	}

	JSON(w, http.StatusOK, map[string]string{
		"message": "Agent " + agent.Name + " finalized.",
	})
}

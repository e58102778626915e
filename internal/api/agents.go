package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetglass/fleetglass/internal/events"
	"github.com/fleetglass/fleetglass/internal/store"
)

// AgentHandler serves the agent-authenticated REST endpoints. Both routes
// sit behind AuthenticateAgent, so the agent record is already in context.
type AgentHandler struct {
	store  store.Store
	logger *zap.Logger
}

// NewAgentHandler creates an AgentHandler.
func NewAgentHandler(s store.Store, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		store:  s,
		logger: logger.Named("agent_handler"),
	}
}

// Me handles GET /api/agents/me. The agent sees itself exactly as its owner
// would, same field shape as stream events.
func (h *AgentHandler) Me(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	JSON(w, http.StatusOK, events.ClientAgentFromModel(agent, agent.Services))
}

// Unregister handles POST /api/agents/unregister. The agent removes itself:
// services are deleted, the record flips to unregistered, and any live
// session for the key is torn down through the change notifier.
func (h *AgentHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())

	if err := h.store.Unregister(r.Context(), agent.ID); err != nil {
		h.logger.Error("unregistering agent",
			zap.String("agent_id", agent.ID.String()),
			zap.Error(err))
		ErrInternal(w)
		return
	}

	JSON(w, http.StatusOK, map[string]string{
		"message": "Agent " + agent.Name + " unregistered.",
	})
}

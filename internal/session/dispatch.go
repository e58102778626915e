package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fleetglass/fleetglass/internal/db"
	"github.com/fleetglass/fleetglass/internal/events"
	"github.com/fleetglass/fleetglass/internal/store"
)

// Dispatcher routes validated agent events into store operations. It holds
// no session state, so one dispatcher could serve many sessions.
type Dispatcher struct {
	store  store.Store
	logger *zap.Logger
}

// NewDispatcher returns a dispatcher bound to the given store.
func NewDispatcher(s store.Store, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{store: s, logger: logger}
}

// serviceFromEvent maps a wire service description onto a roster row.
func serviceFromEvent(in events.AgentService) db.Service {
	return db.Service{
		AgentServiceID: in.ID,
		Name:           in.Name,
		Description:    in.Description,
		Version:        in.Version,
		Schedule:       in.Schedule,
	}
}

// Dispatch applies one agent event. Errors are returned for the session to
// log; no error is fatal to the connection.
func (d *Dispatcher) Dispatch(ctx context.Context, agent *db.Agent, ev events.AgentEvent) error {
	switch e := ev.(type) {
	case events.AgentReady:
		// The handshake is only complete once the roster is stored, so a
		// snapshot taken right after the online broadcast is never missing
		// services the agent already declared.
		services := make([]db.Service, 0, len(e.Services))
		for _, svc := range e.Services {
			services = append(services, serviceFromEvent(svc))
		}
		if err := d.store.SyncServices(ctx, agent.ID, services); err != nil {
			return err
		}
		if err := d.store.MarkConnected(ctx, agent.ID); err != nil {
			return err
		}
		d.logger.Info("agent ready", zap.Int("services", len(services)))
		return nil

	case events.AgentServiceAdded:
		return d.store.AddService(ctx, agent.ID, serviceFromEvent(e.Service))

	case events.AgentServiceRemoved:
		return d.store.RemoveService(ctx, agent.ID, e.ServiceID)

	case events.AgentServiceStatusUpdate:
		return d.store.UpdateServiceStatus(ctx, agent.ID, e.ServiceID, string(e.Status), e.Message, e.Timestamp)

	default:
		return fmt.Errorf("session: no handler for event %q", ev.EventType())
	}
}

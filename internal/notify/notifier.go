// Package notify turns committed store changes into their external effects:
// client broadcasts over the broker and push notifications to the owner's
// devices. It sits behind the store.ChangeNotifier seam, so the store never
// learns what a broadcast or a push actually is.
package notify

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fleetglass/fleetglass/internal/broker"
	"github.com/fleetglass/fleetglass/internal/db"
	"github.com/fleetglass/fleetglass/internal/events"
	"github.com/fleetglass/fleetglass/internal/store"
)

// pushTimeout bounds the detached push delivery for one change.
const pushTimeout = 10 * time.Second

// DeviceSource lists a user's push targets. The store satisfies this.
type DeviceSource interface {
	ListActiveDevices(ctx context.Context, userID int64) ([]db.Device, error)
}

// Notifier fans committed changes out to stream subscribers and devices.
// Broadcasts are best effort: a failed publish or push is logged, never
// propagated, because the database write already happened.
type Notifier struct {
	broker  broker.Broker
	devices DeviceSource
	pusher  Pusher
	icons   string
	logger  *zap.Logger
}

var _ store.ChangeNotifier = (*Notifier)(nil)

// New wires a notifier. iconBaseURL is the static prefix push icons are
// served from; pusher may be nil to disable pushes entirely.
func New(b broker.Broker, devices DeviceSource, pusher Pusher, iconBaseURL string, logger *zap.Logger) *Notifier {
	return &Notifier{
		broker:  b,
		devices: devices,
		pusher:  pusher,
		icons:   strings.TrimRight(iconBaseURL, "/"),
		logger:  logger.Named("notify"),
	}
}

// broadcast publishes one client event to the owner's stream group.
func (n *Notifier) broadcast(ctx context.Context, userID int64, ev events.ClientEvent) {
	frame, err := events.Encode(ev)
	if err != nil {
		n.logger.Error("encoding client event", zap.String("type", ev.EventType()), zap.Error(err))
		return
	}
	if err := n.broker.Publish(ctx, broker.ClientGroup(userID), frame); err != nil {
		n.logger.Warn("broadcasting client event",
			zap.String("type", ev.EventType()),
			zap.Int64("user_id", userID),
			zap.Error(err))
	}
}

// push delivers a notification to every active device of userID. It runs
// detached from the calling request so a slow push gateway cannot hold up
// the write path.
func (n *Notifier) push(userID int64, note PushNotification) {
	if n.pusher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()

		devices, err := n.devices.ListActiveDevices(ctx, userID)
		if err != nil {
			n.logger.Warn("listing devices for push", zap.Int64("user_id", userID), zap.Error(err))
			return
		}
		for _, device := range devices {
			if err := n.pusher.Push(ctx, device.Token, note); err != nil {
				n.logger.Warn("sending push",
					zap.Int64("user_id", userID),
					zap.String("device_id", device.ID.String()),
					zap.Error(err))
			}
		}
	}()
}

func (n *Notifier) iconURL(name string) string {
	if n.icons == "" {
		return ""
	}
	return n.icons + "/" + name
}

// AgentStatusChanged broadcasts the refreshed agent view and notifies the
// owner's devices about the liveness transition.
func (n *Notifier) AgentStatusChanged(ctx context.Context, agent *db.Agent, services []db.Service, online bool) {
	n.broadcast(ctx, agent.OwnerID, events.ClientStatusUpdate{
		Agent: events.ClientAgentFromModel(agent, services),
	})

	var note PushNotification
	if online {
		note = PushNotification{
			Title:     `"` + agent.Name + `" is online`,
			ChannelID: "agent-status",
			IconURL:   n.iconURL("ok.png"),
		}
	} else {
		note = PushNotification{
			Title:     `"` + agent.Name + `" went offline`,
			ChannelID: "agent-status",
			IconURL:   n.iconURL("server.png"),
		}
	}
	n.push(agent.OwnerID, note)
}

// AgentUpdated broadcasts agent-level changes that carry no liveness
// semantics, so no devices are disturbed.
func (n *Notifier) AgentUpdated(ctx context.Context, agent *db.Agent, services []db.Service) {
	n.broadcast(ctx, agent.OwnerID, events.ClientStatusUpdate{
		Agent: events.ClientAgentFromModel(agent, services),
	})
}

// ServiceAdded broadcasts a new service on one of the owner's agents.
func (n *Notifier) ServiceAdded(ctx context.Context, agent *db.Agent, service *db.Service) {
	n.broadcast(ctx, agent.OwnerID, events.ClientServiceAdded{
		AgentID: agent.ID.String(),
		Service: events.ClientServiceFromModel(service),
	})
}

// ServiceRemoved broadcasts a service removal.
func (n *Notifier) ServiceRemoved(ctx context.Context, agent *db.Agent, serviceID string) {
	n.broadcast(ctx, agent.OwnerID, events.ClientServiceRemoved{
		AgentID:   agent.ID.String(),
		ServiceID: serviceID,
	})
}

// ServiceStatusUpdated always broadcasts the report; devices are only
// notified when the status actually transitioned, so a service repeating
// FAILURE every minute does not ping the owner every minute.
func (n *Notifier) ServiceStatusUpdated(ctx context.Context, agent *db.Agent, service *db.Service, oldStatus string) {
	n.broadcast(ctx, agent.OwnerID, events.ClientServiceStatusUpdate{
		AgentID:   agent.ID.String(),
		ServiceID: service.AgentServiceID,
		Status:    events.ServiceStatus(service.LastStatus),
		Message:   service.LastMessage,
		Timestamp: service.LastSeen,
	})

	if service.LastStatus == oldStatus {
		return
	}
	statusLower := strings.ToLower(service.LastStatus)
	switch statusLower {
	case "ok", "update", "warning", "failure", "error", "unknown":
	default:
		statusLower = "unknown"
	}
	n.push(agent.OwnerID, PushNotification{
		Title:     service.Name + " - " + service.LastStatus,
		Body:      service.LastMessage,
		ChannelID: "service-" + statusLower,
		IconURL:   n.iconURL(statusLower + ".png"),
	})
}

// AgentUnregistered tears down any live session for the key and tells the
// owner's clients the agent is gone.
func (n *Notifier) AgentUnregistered(ctx context.Context, agent *db.Agent) {
	frame := broker.EncodeControl(broker.ControlMessage{Type: broker.ControlForceDisconnect})
	if err := n.broker.Publish(ctx, broker.AgentGroup(agent.Key), frame); err != nil {
		n.logger.Warn("publishing force disconnect",
			zap.String("agent_id", agent.ID.String()),
			zap.Error(err))
	}

	n.broadcast(ctx, agent.OwnerID, events.ClientStatusUpdate{
		Agent: events.ClientAgentFromModel(agent, nil),
	})
}

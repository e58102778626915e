// Package events defines the two closed event unions spoken on the wire:
// agent-to-server events arriving on the agent WebSocket, and server-to-client
// events delivered to SSE subscribers. Both unions share the envelope
//
//	{"type": "<discriminator>", "data": {...}}
//
// Decoding is strict: unknown discriminators fail with ErrUnknownEvent,
// missing required fields or enum violations fail with ErrInvalidEvent.
// There is no reflective dispatch anywhere; consumers switch on the
// concrete type.
package events

import (
	"errors"
	"time"
)

// Sentinel errors surfaced by DecodeAgentEvent and DecodeClientEvent.
// Callers compare with errors.Is; the wrapped message carries detail.
var (
	// ErrUnknownEvent is returned when the envelope's type string is not a
	// member of the union being decoded.
	ErrUnknownEvent = errors.New("events: unknown event type")

	// ErrInvalidEvent is returned when the envelope or payload is
	// malformed: bad JSON, missing required fields, or enum violations.
	ErrInvalidEvent = errors.New("events: invalid event")
)

// ServiceStatus is the closed status enum shared by agent reports and client
// broadcasts.
type ServiceStatus string

const (
	StatusOK      ServiceStatus = "OK"
	StatusUpdate  ServiceStatus = "UPDATE"
	StatusWarning ServiceStatus = "WARNING"
	StatusFailure ServiceStatus = "FAILURE"
	StatusError   ServiceStatus = "ERROR"
	StatusUnknown ServiceStatus = "UNKNOWN"
)

// Valid reports whether s is a member of the enum.
func (s ServiceStatus) Valid() bool {
	switch s {
	case StatusOK, StatusUpdate, StatusWarning, StatusFailure, StatusError, StatusUnknown:
		return true
	}
	return false
}

// Discriminator strings of the agent-to-server union.
const (
	TypeAgentReady               = "agent.ready"
	TypeAgentServiceAdded        = "agent.service_added"
	TypeAgentServiceRemoved      = "agent.service_removed"
	TypeAgentServiceStatusUpdate = "agent.service_status_update"
)

// Discriminator strings of the server-to-client union.
const (
	TypeClientInitialStatus       = "client.initial_status"
	TypeClientStatusUpdate        = "client.status_update"
	TypeClientServiceAdded        = "client.service_added"
	TypeClientServiceRemoved      = "client.service_removed"
	TypeClientServiceStatusUpdate = "client.service_status_update"
)

// -----------------------------------------------------------------------------
// Shared data models
// -----------------------------------------------------------------------------

// AgentService is the static service description an agent sends in ready and
// service_added events. ID is the agent-local service identifier.
type AgentService struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Schedule    string `json:"schedule"`
}

// ClientService extends AgentService with the last known dynamic state. This
// is the shape clients see inside ClientAgent and service_added broadcasts.
type ClientService struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Version     string        `json:"version"`
	Schedule    string        `json:"schedule"`
	LastMessage string        `json:"last_message"`
	LastSeen    *time.Time    `json:"last_seen"`
	LastStatus  ServiceStatus `json:"last_status"`
}

// ClientAgent is the full client-facing view of one agent, embedded service
// list included. The agent key is deliberately absent: it is a bearer
// credential and never leaves the registration flow.
type ClientAgent struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	RegistrationStatus string          `json:"registration_status"`
	Services           []ClientService `json:"services"`
	IPAddress          *string         `json:"ip_address"`
	IsOnline           bool            `json:"is_online"`
	LastSeen           *time.Time      `json:"last_seen"`
}

// -----------------------------------------------------------------------------
// Agent -> server events
// -----------------------------------------------------------------------------

// AgentEvent is the closed union of events an agent may send. The only
// implementations live in this package.
type AgentEvent interface {
	// EventType returns the wire discriminator.
	EventType() string

	agentEvent()
}

// AgentReady is the connect handshake: the agent's full service roster.
// The server replaces its stored roster with this set and only then marks
// the agent online.
type AgentReady struct {
	Services []AgentService `json:"services"`
}

func (AgentReady) EventType() string { return TypeAgentReady }
func (AgentReady) agentEvent()       {}

// AgentServiceAdded announces one new service on a connected agent.
type AgentServiceAdded struct {
	Service AgentService `json:"service"`
}

func (AgentServiceAdded) EventType() string { return TypeAgentServiceAdded }
func (AgentServiceAdded) agentEvent()       {}

// AgentServiceRemoved announces the removal of a service by its agent-local id.
type AgentServiceRemoved struct {
	ServiceID string `json:"service_id"`
}

func (AgentServiceRemoved) EventType() string { return TypeAgentServiceRemoved }
func (AgentServiceRemoved) agentEvent()       {}

// AgentServiceStatusUpdate reports a status transition for one service.
// Timestamp is the agent-side observation time, not the server receive time.
type AgentServiceStatusUpdate struct {
	ServiceID string        `json:"service_id"`
	Status    ServiceStatus `json:"status"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
}

func (AgentServiceStatusUpdate) EventType() string { return TypeAgentServiceStatusUpdate }
func (AgentServiceStatusUpdate) agentEvent()       {}

// -----------------------------------------------------------------------------
// Server -> client events
// -----------------------------------------------------------------------------

// ClientEvent is the closed union of events delivered to SSE subscribers.
type ClientEvent interface {
	// EventType returns the wire discriminator.
	EventType() string

	clientEvent()
}

// ClientInitialStatus is the one-shot snapshot sent when a subscriber joins:
// every agent the user owns, with embedded services.
type ClientInitialStatus struct {
	Agents []ClientAgent `json:"agents"`
}

func (ClientInitialStatus) EventType() string { return TypeClientInitialStatus }
func (ClientInitialStatus) clientEvent()      {}

// ClientStatusUpdate carries the full refreshed view of one agent after any
// agent-level change (online/offline, IP, registration status).
type ClientStatusUpdate struct {
	Agent ClientAgent `json:"agent"`
}

func (ClientStatusUpdate) EventType() string { return TypeClientStatusUpdate }
func (ClientStatusUpdate) clientEvent()      {}

// ClientServiceAdded announces a new service on one of the user's agents.
type ClientServiceAdded struct {
	AgentID string        `json:"agent_id"`
	Service ClientService `json:"service"`
}

func (ClientServiceAdded) EventType() string { return TypeClientServiceAdded }
func (ClientServiceAdded) clientEvent()      {}

// ClientServiceRemoved announces a service removal.
type ClientServiceRemoved struct {
	AgentID   string `json:"agent_id"`
	ServiceID string `json:"service_id"`
}

func (ClientServiceRemoved) EventType() string { return TypeClientServiceRemoved }
func (ClientServiceRemoved) clientEvent()      {}

// ClientServiceStatusUpdate relays a service status transition.
type ClientServiceStatusUpdate struct {
	AgentID   string        `json:"agent_id"`
	ServiceID string        `json:"service_id"`
	Status    ServiceStatus `json:"status"`
	Message   string        `json:"message"`
	Timestamp *time.Time    `json:"timestamp"`
}

func (ClientServiceStatusUpdate) EventType() string { return TypeClientServiceStatusUpdate }
func (ClientServiceStatusUpdate) clientEvent()      {}

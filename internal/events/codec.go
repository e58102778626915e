package events

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// envelope is the common wire frame around every event in both unions.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// decodeStrict unmarshals raw into dst rejecting unknown fields, so schema
// violations surface as errors instead of silently dropping data.
func decodeStrict(raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// DecodeAgentEvent parses one inbound agent frame. It returns ErrUnknownEvent
// for discriminators outside the agent union and ErrInvalidEvent for
// malformed JSON, missing payloads, or schema violations.
func DecodeAgentEvent(frame []byte) (AgentEvent, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: missing data for %q", ErrInvalidEvent, env.Type)
	}

	switch env.Type {
	case TypeAgentReady:
		var ev AgentReady
		if err := decodeStrict(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, env.Type, err)
		}
		if ev.Services == nil {
			return nil, fmt.Errorf("%w: %s: services is required", ErrInvalidEvent, env.Type)
		}
		for i := range ev.Services {
			if err := validateAgentService(ev.Services[i]); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, env.Type, err)
			}
		}
		return ev, nil

	case TypeAgentServiceAdded:
		var ev AgentServiceAdded
		if err := decodeStrict(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, env.Type, err)
		}
		if err := validateAgentService(ev.Service); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, env.Type, err)
		}
		return ev, nil

	case TypeAgentServiceRemoved:
		var ev AgentServiceRemoved
		if err := decodeStrict(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, env.Type, err)
		}
		if ev.ServiceID == "" {
			return nil, fmt.Errorf("%w: %s: service_id is required", ErrInvalidEvent, env.Type)
		}
		return ev, nil

	case TypeAgentServiceStatusUpdate:
		var ev AgentServiceStatusUpdate
		if err := decodeStrict(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, env.Type, err)
		}
		if ev.ServiceID == "" {
			return nil, fmt.Errorf("%w: %s: service_id is required", ErrInvalidEvent, env.Type)
		}
		if !ev.Status.Valid() {
			return nil, fmt.Errorf("%w: %s: status %q is not a valid status", ErrInvalidEvent, env.Type, ev.Status)
		}
		if ev.Timestamp.IsZero() {
			return nil, fmt.Errorf("%w: %s: timestamp is required", ErrInvalidEvent, env.Type)
		}
		return ev, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

// DecodeClientEvent parses one client-bound event, typically read back off
// the broker before relaying to an SSE subscriber. Same error contract as
// DecodeAgentEvent.
func DecodeClientEvent(frame []byte) (ClientEvent, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: missing data for %q", ErrInvalidEvent, env.Type)
	}

	switch env.Type {
	case TypeClientInitialStatus:
		var ev ClientInitialStatus
		if err := decodeStrict(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, env.Type, err)
		}
		if ev.Agents == nil {
			return nil, fmt.Errorf("%w: %s: agents is required", ErrInvalidEvent, env.Type)
		}
		for i := range ev.Agents {
			if err := validateClientAgent(ev.Agents[i]); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, env.Type, err)
			}
		}
		return ev, nil

	case TypeClientStatusUpdate:
		var ev ClientStatusUpdate
		if err := decodeStrict(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, env.Type, err)
		}
		if err := validateClientAgent(ev.Agent); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, env.Type, err)
		}
		return ev, nil

	case TypeClientServiceAdded:
		var ev ClientServiceAdded
		if err := decodeStrict(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, env.Type, err)
		}
		if ev.AgentID == "" {
			return nil, fmt.Errorf("%w: %s: agent_id is required", ErrInvalidEvent, env.Type)
		}
		if !ev.Service.LastStatus.Valid() {
			return nil, fmt.Errorf("%w: %s: last_status %q is not a valid status", ErrInvalidEvent, env.Type, ev.Service.LastStatus)
		}
		return ev, nil

	case TypeClientServiceRemoved:
		var ev ClientServiceRemoved
		if err := decodeStrict(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, env.Type, err)
		}
		if ev.AgentID == "" || ev.ServiceID == "" {
			return nil, fmt.Errorf("%w: %s: agent_id and service_id are required", ErrInvalidEvent, env.Type)
		}
		return ev, nil

	case TypeClientServiceStatusUpdate:
		var ev ClientServiceStatusUpdate
		if err := decodeStrict(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, env.Type, err)
		}
		if ev.AgentID == "" || ev.ServiceID == "" {
			return nil, fmt.Errorf("%w: %s: agent_id and service_id are required", ErrInvalidEvent, env.Type)
		}
		if !ev.Status.Valid() {
			return nil, fmt.Errorf("%w: %s: status %q is not a valid status", ErrInvalidEvent, env.Type, ev.Status)
		}
		return ev, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

// Encode serializes an event of either union into its wire envelope. The
// concrete type supplies the discriminator, so an encoded event always
// round-trips through the matching Decode function.
func Encode(ev interface{ EventType() string }) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("events: marshal %s: %w", ev.EventType(), err)
	}
	return json.Marshal(envelope{Type: ev.EventType(), Data: data})
}

func validateAgentService(s AgentService) error {
	if s.ID == "" {
		return fmt.Errorf("service id is required")
	}
	if s.Name == "" {
		return fmt.Errorf("service name is required")
	}
	return nil
}

func validateClientAgent(a ClientAgent) error {
	if a.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	switch a.RegistrationStatus {
	case "pending", "registered", "unregistered":
	default:
		return fmt.Errorf("registration_status %q is not a valid status", a.RegistrationStatus)
	}
	for i := range a.Services {
		if !a.Services[i].LastStatus.Valid() {
			return fmt.Errorf("service %q: last_status %q is not a valid status", a.Services[i].ID, a.Services[i].LastStatus)
		}
	}
	return nil
}

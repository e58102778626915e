package events

import (
	"github.com/fleetglass/fleetglass/internal/db"
)

// ClientServiceFromModel maps a stored service row to its client-facing view.
// Empty stored statuses (possible for rows predating the enum default) fall
// back to UNKNOWN so the outgoing event always validates.
func ClientServiceFromModel(s *db.Service) ClientService {
	status := ServiceStatus(s.LastStatus)
	if !status.Valid() {
		status = StatusUnknown
	}
	return ClientService{
		ID:          s.AgentServiceID,
		Name:        s.Name,
		Description: s.Description,
		Version:     s.Version,
		Schedule:    s.Schedule,
		LastMessage: s.LastMessage,
		LastSeen:    s.LastSeen,
		LastStatus:  status,
	}
}

// ClientAgentFromModel maps an agent row plus its service rows to the
// client-facing view. services is passed separately because association
// loading is explicit in the store layer.
func ClientAgentFromModel(a *db.Agent, services []db.Service) ClientAgent {
	out := ClientAgent{
		ID:                 a.ID.String(),
		Name:               a.Name,
		RegistrationStatus: a.RegistrationStatus,
		Services:           make([]ClientService, 0, len(services)),
		IPAddress:          a.IPAddress,
		IsOnline:           a.IsOnline,
		LastSeen:           a.LastSeen,
	}
	for i := range services {
		out.Services = append(out.Services, ClientServiceFromModel(&services[i]))
	}
	return out
}

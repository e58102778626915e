package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAgentReady(t *testing.T) {
	frame := []byte(`{"type":"agent.ready","data":{"services":[
		{"id":"web","name":"Web","description":"frontend","version":"1.2.0","schedule":"@reboot"}
	]}}`)

	ev, err := DecodeAgentEvent(frame)
	require.NoError(t, err)

	ready, ok := ev.(AgentReady)
	require.True(t, ok)
	require.Len(t, ready.Services, 1)
	assert.Equal(t, "web", ready.Services[0].ID)
	assert.Equal(t, "1.2.0", ready.Services[0].Version)
}

func TestDecodeAgentStatusUpdate(t *testing.T) {
	frame := []byte(`{"type":"agent.service_status_update","data":
		{"service_id":"web","status":"WARNING","message":"high load","timestamp":"2026-08-24T12:00:00Z"}}`)

	ev, err := DecodeAgentEvent(frame)
	require.NoError(t, err)

	update, ok := ev.(AgentServiceStatusUpdate)
	require.True(t, ok)
	assert.Equal(t, StatusWarning, update.Status)
	assert.Equal(t, "high load", update.Message)
	assert.Equal(t, 2026, update.Timestamp.Year())
}

func TestDecodeAgentEventRejections(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		want  error
	}{
		{"not json", `{{{`, ErrInvalidEvent},
		{"missing type", `{"data":{}}`, ErrInvalidEvent},
		{"missing data", `{"type":"agent.ready"}`, ErrInvalidEvent},
		{"unknown type", `{"type":"agent.reboot","data":{}}`, ErrUnknownEvent},
		{"client event on agent leg", `{"type":"client.status_update","data":{}}`, ErrUnknownEvent},
		{"ready without services", `{"type":"agent.ready","data":{}}`, ErrInvalidEvent},
		{"unknown field", `{"type":"agent.service_removed","data":{"service_id":"web","extra":1}}`, ErrInvalidEvent},
		{"service without name", `{"type":"agent.service_added","data":{"service":{"id":"web","name":"","description":"","version":"","schedule":""}}}`, ErrInvalidEvent},
		{"bad status enum", `{"type":"agent.service_status_update","data":{"service_id":"web","status":"MEH","message":"","timestamp":"2026-08-24T12:00:00Z"}}`, ErrInvalidEvent},
		{"missing timestamp", `{"type":"agent.service_status_update","data":{"service_id":"web","status":"OK","message":""}}`, ErrInvalidEvent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeAgentEvent([]byte(tc.frame))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestEncodeRoundTripsThroughClientDecode(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	ev := ClientServiceStatusUpdate{
		AgentID:   "a1",
		ServiceID: "web",
		Status:    StatusFailure,
		Message:   "probe timed out",
		Timestamp: &now,
	}

	frame, err := Encode(ev)
	require.NoError(t, err)

	decoded, err := DecodeClientEvent(frame)
	require.NoError(t, err)
	assert.Equal(t, ev, decoded)
}

func TestDecodeClientInitialStatus(t *testing.T) {
	snapshot := ClientInitialStatus{Agents: []ClientAgent{{
		ID:                 "a1",
		Name:               "Agent-deadbeef",
		RegistrationStatus: "registered",
		Services: []ClientService{{
			ID:         "web",
			Name:       "Web",
			LastStatus: StatusOK,
		}},
		IsOnline: true,
	}}}

	frame, err := Encode(snapshot)
	require.NoError(t, err)

	decoded, err := DecodeClientEvent(frame)
	require.NoError(t, err)
	assert.Equal(t, ClientEvent(snapshot), decoded)
}

func TestDecodeClientEventRejections(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		want  error
	}{
		{"agent event on client leg", `{"type":"agent.ready","data":{"services":[]}}`, ErrUnknownEvent},
		{"bad registration status", `{"type":"client.status_update","data":{"agent":{"id":"a1","name":"x","registration_status":"waiting","services":[],"ip_address":null,"is_online":false,"last_seen":null}}}`, ErrInvalidEvent},
		{"bad nested service status", `{"type":"client.service_added","data":{"agent_id":"a1","service":{"id":"web","name":"Web","description":"","version":"","schedule":"","last_message":"","last_seen":null,"last_status":"MEH"}}}`, ErrInvalidEvent},
		{"removed without agent id", `{"type":"client.service_removed","data":{"agent_id":"","service_id":"web"}}`, ErrInvalidEvent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeClientEvent([]byte(tc.frame))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestServiceStatusValid(t *testing.T) {
	for _, s := range []ServiceStatus{StatusOK, StatusUpdate, StatusWarning, StatusFailure, StatusError, StatusUnknown} {
		assert.True(t, s.Valid(), string(s))
	}
	assert.False(t, ServiceStatus("ok").Valid())
	assert.False(t, ServiceStatus("").Valid())
}

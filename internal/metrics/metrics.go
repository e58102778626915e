// Package metrics declares the server's Prometheus collectors. Everything
// registers against an injected registry so tests never fight over the
// global default.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleetglass"

// Metrics bundles the server's collectors.
type Metrics struct {
	// AgentSessions is the number of live agent WebSocket sessions on
	// this replica.
	AgentSessions prometheus.Gauge

	// ClientStreams is the number of open client event streams on this
	// replica.
	ClientStreams prometheus.Gauge

	// AgentEvents counts dispatched agent events by type.
	AgentEvents *prometheus.CounterVec

	// BrokerDrops counts messages lost to full subscriber buffers.
	BrokerDrops prometheus.Counter

	// RegistrationsInitiated counts opened registration windows.
	RegistrationsInitiated prometheus.Counter

	// RegistrationsPurged counts expired registrations removed by the
	// janitor.
	RegistrationsPurged prometheus.Counter
}

// New registers all collectors on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		AgentSessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_sessions",
			Help:      "Number of live agent sessions on this replica.",
		}),
		ClientStreams: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_streams",
			Help:      "Number of open client event streams on this replica.",
		}),
		AgentEvents: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_events_total",
			Help:      "Dispatched agent events by type.",
		}, []string{"type"}),
		BrokerDrops: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_dropped_messages_total",
			Help:      "Messages dropped because a subscriber buffer was full.",
		}),
		RegistrationsInitiated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_initiated_total",
			Help:      "Opened agent registration windows.",
		}),
		RegistrationsPurged: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_purged_total",
			Help:      "Expired registrations removed by the janitor.",
		}),
	}
}

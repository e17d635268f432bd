package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// HubMetrics contains Prometheus metrics for the device coordination core:
// registrations, state transitions, telemetry, alerts, commands, and the
// broadcast fan-out.
type HubMetrics struct {
	RegistrationsObserved *prometheus.CounterVec
	StateTransitions      *prometheus.CounterVec
	ReadingsIngested      prometheus.Counter
	ReadingsRejected      *prometheus.CounterVec
	AlertsRaised          prometheus.Counter
	AlertsResolved        prometheus.Counter
	CommandsIssued        *prometheus.CounterVec
	LivenessSweeps        prometheus.Counter
	DevicesUnreachable    prometheus.Counter
	BroadcastSubscribers  prometheus.Gauge
	BroadcastDropped      prometheus.Counter
}

// NewHubMetrics creates and registers the coordination core metrics.
func NewHubMetrics(namespace string) *HubMetrics {
	m := &HubMetrics{
		RegistrationsObserved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "registrations_observed_total",
				Help:      "Registration messages observed, by result",
			},
			[]string{"result"},
		),
		StateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "state_transitions_total",
				Help:      "Device status transitions, by target status",
			},
			[]string{"status"},
		),
		ReadingsIngested: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "telemetry",
				Name:      "readings_ingested_total",
				Help:      "Sensor readings accepted and persisted",
			},
		),
		ReadingsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "telemetry",
				Name:      "readings_rejected_total",
				Help:      "Sensor readings rejected before persistence",
			},
			[]string{"reason"},
		),
		AlertsRaised: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "telemetry",
				Name:      "alerts_raised_total",
				Help:      "Alerts raised by threshold breaches",
			},
		),
		AlertsResolved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "telemetry",
				Name:      "alerts_resolved_total",
				Help:      "Alerts resolved, by return to bounds or operator",
			},
		),
		CommandsIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "commands_issued_total",
				Help:      "Operator commands processed, by result",
			},
			[]string{"result"},
		),
		LivenessSweeps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "liveness",
				Name:      "sweeps_total",
				Help:      "Liveness sweep ticks executed",
			},
		),
		DevicesUnreachable: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "liveness",
				Name:      "devices_marked_unreachable_total",
				Help:      "Devices demoted to unreachable by the sweep",
			},
		),
		BroadcastSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "subscribers",
				Help:      "Currently connected real-time subscribers",
			},
		),
		BroadcastDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "events_dropped_total",
				Help:      "Events discarded due to full subscriber buffers",
			},
		),
	}

	MustRegister(
		m.RegistrationsObserved,
		m.StateTransitions,
		m.ReadingsIngested,
		m.ReadingsRejected,
		m.AlertsRaised,
		m.AlertsResolved,
		m.CommandsIssued,
		m.LivenessSweeps,
		m.DevicesUnreachable,
		m.BroadcastSubscribers,
		m.BroadcastDropped,
	)

	return m
}

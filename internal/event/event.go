// Package event defines the domain events emitted by the registry, the
// dispatcher, the telemetry engine, and the liveness scheduler. Events are
// independent of the wire transport; the broadcast bridge is their only
// consumer.
package event

import (
	"time"

	"github.com/norian27/Smart-Greenhouse-System/internal/model"
)

// Type identifies the variant of an Event.
type Type string

const (
	TypeRegistrationPending Type = "registration_pending"
	TypeStateChange         Type = "state_change"
	TypeAlertRaised         Type = "alert_raised"
	TypeAlertResolved       Type = "alert_resolved"
	TypeSensorUpdated       Type = "sensor_updated"
)

// Event is one domain notification. DeviceID always refers to the device's
// self-assigned unique identifier, never the database row id.
type Event struct {
	Type       Type               `json:"type"`
	DeviceID   string             `json:"device_id"`
	Kind       model.DeviceKind   `json:"kind,omitempty"`
	Status     model.DeviceStatus `json:"status,omitempty"`
	IsActive   bool               `json:"is_active"`
	Metric     string             `json:"metric,omitempty"`
	Message    string             `json:"message,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
}

// Sink receives domain events. Implementations must not block the caller;
// producers publish from the bus listener loop and the scheduler tick.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Publish calls f(ev).
func (f SinkFunc) Publish(ev Event) { f(ev) }

// Discard is a Sink that drops every event. Useful as a default.
var Discard Sink = SinkFunc(func(Event) {})

// RegistrationPending announces a first-seen device awaiting operator
// confirmation.
func RegistrationPending(uniqueID string, kind model.DeviceKind, now time.Time) Event {
	return Event{Type: TypeRegistrationPending, DeviceID: uniqueID, Kind: kind, OccurredAt: now}
}

// StateChange announces an authoritative device status transition.
func StateChange(uniqueID string, status model.DeviceStatus, isActive bool, now time.Time) Event {
	return Event{Type: TypeStateChange, DeviceID: uniqueID, Status: status, IsActive: isActive, OccurredAt: now}
}

// AlertRaised announces a new active alert for one metric of one device.
func AlertRaised(uniqueID, metric, message string, now time.Time) Event {
	return Event{Type: TypeAlertRaised, DeviceID: uniqueID, Metric: metric, Message: message, OccurredAt: now}
}

// AlertResolved announces that a previously active alert returned in bounds
// or was resolved by an operator.
func AlertResolved(uniqueID, metric string, now time.Time) Event {
	return Event{Type: TypeAlertResolved, DeviceID: uniqueID, Metric: metric, OccurredAt: now}
}

// SensorUpdated announces that a device's latest-reading cache changed.
func SensorUpdated(uniqueID string, now time.Time) Event {
	return Event{Type: TypeSensorUpdated, DeviceID: uniqueID, OccurredAt: now}
}

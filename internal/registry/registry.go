// Package registry owns device identity, the registration lifecycle, and
// liveness state. Every operation is total over device identity: unknown but
// expected devices degrade to a fresh pending registration instead of
// failing.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/norian27/Smart-Greenhouse-System/internal/devicelock"
	"github.com/norian27/Smart-Greenhouse-System/internal/event"
	"github.com/norian27/Smart-Greenhouse-System/internal/model"
	"github.com/norian27/Smart-Greenhouse-System/internal/store"
	"github.com/norian27/Smart-Greenhouse-System/pkg/metrics"
)

// DefaultReportInterval is the report interval assigned to devices that
// have not negotiated their own, in seconds.
const DefaultReportInterval = 300

// RegistrationResult is the outcome of observing a registration message.
type RegistrationResult string

const (
	// ResultAccepted means the device is already confirmed under a
	// matching kind.
	ResultAccepted RegistrationResult = "accepted"
	// ResultPending means the device awaits operator confirmation.
	ResultPending RegistrationResult = "pending"
	// ResultConflict means the device is confirmed under a different kind.
	// Conflicts are surfaced for operator resolution, never auto-corrected.
	ResultConflict RegistrationResult = "conflict"
)

// ErrAlreadyConfirmed is returned by Confirm for an already confirmed device.
var ErrAlreadyConfirmed = errors.New("device already confirmed")

// Registry is the device registration and liveness state machine.
type Registry struct {
	logger  *slog.Logger
	store   store.Store
	locks   *devicelock.Keyed
	sink    event.Sink
	metrics *metrics.HubMetrics
}

// Config holds the dependencies of the Registry.
type Config struct {
	Logger *slog.Logger
	Store  store.Store
	Locks  *devicelock.Keyed
	Sink   event.Sink
	// Metrics is the optional Prometheus collector.
	Metrics *metrics.HubMetrics
}

// New creates a Registry.
func New(cfg *Config) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("registry config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Locks == nil {
		return nil, errors.New("device locks cannot be nil")
	}

	sink := cfg.Sink
	if sink == nil {
		sink = event.Discard
	}

	return &Registry{
		logger:  cfg.Logger,
		store:   cfg.Store,
		locks:   cfg.Locks,
		sink:    sink,
		metrics: cfg.Metrics,
	}, nil
}

// Locks exposes the per-device lock table shared with the other components.
func (r *Registry) Locks() *devicelock.Keyed {
	return r.locks
}

// ObserveRegistration processes a registration message. First sighting
// creates a Pending device; repeated sightings are idempotent; a confirmed
// device answers accepted or conflict depending on the announced kind.
func (r *Registry) ObserveRegistration(ctx context.Context, uniqueID string, kind model.DeviceKind, name string) (RegistrationResult, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown device kind %q", kind)
	}

	unlock := r.locks.Lock(uniqueID)
	defer unlock()

	device, err := r.store.DeviceByUniqueID(ctx, uniqueID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		now := time.Now().UTC()
		device = &model.Device{
			UniqueID:       uniqueID,
			Name:           name,
			Kind:           kind,
			Registration:   model.RegistrationPending,
			Status:         model.StatusInactive,
			ReportInterval: DefaultReportInterval,
		}
		if err := r.store.CreateDevice(ctx, device); err != nil {
			return "", fmt.Errorf("failed to create pending device: %w", err)
		}
		r.logger.Info("pending registration created",
			"device_id", uniqueID,
			"kind", kind,
		)
		r.sink.Publish(event.RegistrationPending(uniqueID, kind, now))
		r.countRegistration(ResultPending)
		return ResultPending, nil

	case err != nil:
		return "", fmt.Errorf("failed to load device: %w", err)
	}

	if device.Registration == model.RegistrationPending {
		r.logger.Debug("registration already requested", "device_id", uniqueID)
		r.countRegistration(ResultPending)
		return ResultPending, nil
	}

	if device.Kind != kind {
		r.logger.Warn("registration kind conflict",
			"device_id", uniqueID,
			"registered_kind", device.Kind,
			"announced_kind", kind,
		)
		r.countRegistration(ResultConflict)
		return ResultConflict, nil
	}

	r.countRegistration(ResultAccepted)
	return ResultAccepted, nil
}

// ObserveHeartbeat refreshes last_seen and resurrects an unreachable device
// to waiting. A heartbeat from an unknown device degrades to a fresh
// pending registration. Pending devices only get their last_seen updated.
func (r *Registry) ObserveHeartbeat(ctx context.Context, uniqueID string, kind model.DeviceKind) error {
	unlock := r.locks.Lock(uniqueID)
	defer unlock()

	device, err := r.store.DeviceByUniqueID(ctx, uniqueID)
	if errors.Is(err, store.ErrNotFound) {
		now := time.Now().UTC()
		device = &model.Device{
			UniqueID:       uniqueID,
			Kind:           kind,
			Registration:   model.RegistrationPending,
			Status:         model.StatusInactive,
			LastSeen:       &now,
			ReportInterval: DefaultReportInterval,
		}
		if err := r.store.CreateDevice(ctx, device); err != nil {
			return fmt.Errorf("failed to create pending device: %w", err)
		}
		r.logger.Info("heartbeat from unknown device, treating as registration",
			"device_id", uniqueID,
			"kind", kind,
		)
		r.sink.Publish(event.RegistrationPending(uniqueID, kind, now))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load device: %w", err)
	}

	now := time.Now().UTC()
	device.LastSeen = &now

	resurrected := device.Registration == model.RegistrationConfirmed &&
		device.Status == model.StatusUnreachable
	if resurrected {
		device.Status = model.StatusWaiting
	}

	if err := r.store.SaveDevice(ctx, device); err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}

	if resurrected {
		r.logger.Info("device reachable again",
			"device_id", uniqueID,
			"status", device.Status,
		)
		r.sink.Publish(event.StateChange(uniqueID, device.Status, device.IsActive, now))
		r.countTransition(device.Status)
	}
	return nil
}

// Confirm promotes a pending device to confirmed. It is invoked by an
// operator action, and may fix the device kind as part of resolving a
// registration conflict.
func (r *Registry) Confirm(ctx context.Context, uniqueID string, kind model.DeviceKind, greenhouseID *uint) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown device kind %q", kind)
	}

	unlock := r.locks.Lock(uniqueID)
	defer unlock()

	device, err := r.store.DeviceByUniqueID(ctx, uniqueID)
	if err != nil {
		return fmt.Errorf("failed to load device: %w", err)
	}
	if device.Registration == model.RegistrationConfirmed {
		return ErrAlreadyConfirmed
	}

	if greenhouseID != nil {
		if _, err := r.store.GreenhouseByID(ctx, *greenhouseID); err != nil {
			return fmt.Errorf("failed to resolve greenhouse %d: %w", *greenhouseID, err)
		}
	}

	device.Kind = kind
	device.Registration = model.RegistrationConfirmed
	device.GreenhouseID = greenhouseID

	if err := r.store.SaveDevice(ctx, device); err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}

	r.logger.Info("device confirmed",
		"device_id", uniqueID,
		"kind", kind,
	)
	return nil
}

// IsRegistered answers registration check requests from devices.
func (r *Registry) IsRegistered(ctx context.Context, uniqueID string) (bool, error) {
	device, err := r.store.DeviceByUniqueID(ctx, uniqueID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load device: %w", err)
	}
	return device.Registration == model.RegistrationConfirmed, nil
}

// ReportInterval returns the report interval of a device in seconds,
// answering settings requests.
func (r *Registry) ReportInterval(ctx context.Context, uniqueID string) (int, error) {
	device, err := r.store.DeviceByUniqueID(ctx, uniqueID)
	if err != nil {
		return 0, fmt.Errorf("failed to load device: %w", err)
	}
	if device.ReportInterval <= 0 {
		return DefaultReportInterval, nil
	}
	return device.ReportInterval, nil
}

// UpdateReportInterval sets a device's report interval. The hub republishes
// settings to the device afterwards.
func (r *Registry) UpdateReportInterval(ctx context.Context, uniqueID string, seconds int) error {
	if seconds <= 0 {
		return fmt.Errorf("report interval must be positive, got %d", seconds)
	}

	unlock := r.locks.Lock(uniqueID)
	defer unlock()

	device, err := r.store.DeviceByUniqueID(ctx, uniqueID)
	if err != nil {
		return fmt.Errorf("failed to load device: %w", err)
	}
	device.ReportInterval = seconds
	if err := r.store.SaveDevice(ctx, device); err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}
	return nil
}

func (r *Registry) countRegistration(result RegistrationResult) {
	if r.metrics != nil {
		r.metrics.RegistrationsObserved.WithLabelValues(string(result)).Inc()
	}
}

func (r *Registry) countTransition(status model.DeviceStatus) {
	if r.metrics != nil {
		r.metrics.StateTransitions.WithLabelValues(string(status)).Inc()
	}
}

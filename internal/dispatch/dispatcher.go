// Package dispatch turns operator intents into outbound device commands.
// It enforces per-action-class cooldown, optimistically marks the device
// waiting, and settles the pending command when the acknowledgment arrives.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/norian27/Smart-Greenhouse-System/internal/codec"
	"github.com/norian27/Smart-Greenhouse-System/internal/devicelock"
	"github.com/norian27/Smart-Greenhouse-System/internal/event"
	"github.com/norian27/Smart-Greenhouse-System/internal/model"
	"github.com/norian27/Smart-Greenhouse-System/internal/store"
	"github.com/norian27/Smart-Greenhouse-System/pkg/bus"
	"github.com/norian27/Smart-Greenhouse-System/pkg/metrics"
)

// Window actuators accept angles in this range, inclusive.
const (
	MinAngle = 0.0
	MaxAngle = 90.0
)

// DispatchResult is the outcome of issuing a command.
type DispatchResult string

const (
	// ResultSent means the command was published and the device is now
	// waiting for it.
	ResultSent DispatchResult = "sent"
	// ResultRejectedCooldown means the action class is still inside its
	// cooldown window. This is a rejection, not a failure.
	ResultRejectedCooldown DispatchResult = "rejected_cooldown"
)

var (
	// ErrInvalidParameter rejects out-of-range or ill-typed command input
	// before anything is dispatched.
	ErrInvalidParameter = errors.New("invalid command parameter")
	// ErrNotConfirmed rejects commands to devices still awaiting operator
	// confirmation.
	ErrNotConfirmed = errors.New("device not confirmed")
)

// Params carries the optional arguments of a command.
type Params struct {
	// Angle is required for SetAngle, in degrees within [MinAngle, MaxAngle].
	Angle *float64
}

// Dispatcher issues commands and tracks their delivery state.
type Dispatcher struct {
	logger    *slog.Logger
	store     store.Store
	locks     *devicelock.Keyed
	sink      event.Sink
	publisher bus.Publisher
	metrics   *metrics.HubMetrics
	cooldown  time.Duration
}

// Config holds the dependencies of the Dispatcher.
type Config struct {
	Logger    *slog.Logger
	Store     store.Store
	Locks     *devicelock.Keyed
	Sink      event.Sink
	Publisher bus.Publisher
	// Metrics is the optional Prometheus collector.
	Metrics *metrics.HubMetrics
	// Cooldown overrides the per-device cooldown window. When zero, the
	// window defaults to the device's expected report interval.
	Cooldown time.Duration
}

// New creates a Dispatcher.
func New(cfg *Config) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errors.New("dispatcher config cannot be nil")
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
	if cfg.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}

	sink := cfg.Sink
	if sink == nil {
		sink = event.Discard
	}

	return &Dispatcher{
		logger:    cfg.Logger,
		store:     cfg.Store,
		locks:     cfg.Locks,
		sink:      sink,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		cooldown:  cfg.Cooldown,
	}, nil
}

// Issue validates, throttles, publishes, and records one command. The
// device's status optimistically transitions to waiting; the acknowledgment
// (or the liveness sweep's ack timeout) settles the final state.
func (d *Dispatcher) Issue(ctx context.Context, deviceID string, action model.CommandAction, params Params, ignoreCooldown bool) (DispatchResult, error) {
	if !action.Valid() {
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidParameter, action)
	}

	var angle *float64
	if action == model.ActionSetAngle {
		if params.Angle == nil {
			return "", fmt.Errorf("%w: set_angle requires an angle", ErrInvalidParameter)
		}
		if *params.Angle < MinAngle || *params.Angle > MaxAngle {
			return "", fmt.Errorf("%w: angle %.1f outside [%.0f, %.0f]",
				ErrInvalidParameter, *params.Angle, MinAngle, MaxAngle)
		}
		a := *params.Angle
		angle = &a
	}

	unlock := d.locks.Lock(deviceID)
	defer unlock()

	device, err := d.store.DeviceByUniqueID(ctx, deviceID)
	if err != nil {
		return "", fmt.Errorf("failed to load device: %w", err)
	}
	if device.Kind != model.KindEnvironmentalSystem {
		return "", fmt.Errorf("%w: device %s is not an environmental system", ErrInvalidParameter, deviceID)
	}
	if device.Registration != model.RegistrationConfirmed {
		return "", fmt.Errorf("%w: %s", ErrNotConfirmed, deviceID)
	}

	now := time.Now().UTC()
	window := d.cooldownWindow(device)

	if !ignoreCooldown {
		latest, err := d.store.LatestCommand(ctx, deviceID, action)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("failed to load latest command: %w", err)
		}
		if latest != nil && now.Before(latest.CooldownUntil) {
			d.logger.Info("command rejected by cooldown",
				"device_id", deviceID,
				"action", action,
				"cooldown_until", latest.CooldownUntil,
			)
			d.countCommand(ResultRejectedCooldown)
			return ResultRejectedCooldown, nil
		}
	}

	command := &model.Command{
		CommandID:      uuid.NewString(),
		DeviceID:       deviceID,
		Action:         action,
		Angle:          angle,
		State:          model.CommandPending,
		IgnoreCooldown: ignoreCooldown,
		IssuedAt:       now,
		CooldownUntil:  now.Add(window),
	}

	topic, payload, err := codec.EncodeCommand(device.Kind, command)
	if err != nil {
		return "", fmt.Errorf("failed to encode command: %w", err)
	}
	if err := d.publisher.Publish(ctx, topic, payload); err != nil {
		return "", fmt.Errorf("failed to publish command: %w", err)
	}

	if err := d.store.SaveCommand(ctx, command); err != nil {
		return "", fmt.Errorf("failed to save command: %w", err)
	}

	device.Status = model.StatusWaiting
	switch action {
	case model.ActionActivate:
		device.IsActive = true
	case model.ActionDeactivate:
		device.IsActive = false
	case model.ActionSetAngle:
		device.CurrentAngle = *angle
	}
	if err := d.store.SaveDevice(ctx, device); err != nil {
		return "", fmt.Errorf("failed to save device: %w", err)
	}

	d.logger.Info("command issued",
		"device_id", deviceID,
		"action", action,
		"command_id", command.CommandID,
		"cooldown_until", command.CooldownUntil,
	)
	d.sink.Publish(event.StateChange(deviceID, device.Status, device.IsActive, now))
	d.countCommand(ResultSent)
	return ResultSent, nil
}

// ObserveAck settles a pending command from a device acknowledgment. The
// waiting device transitions to the confirmed effect; stale or duplicate
// acks are dropped without mutation. A device that was already demoted to
// unreachable is not resurrected here; only a heartbeat does that.
func (d *Dispatcher) ObserveAck(ctx context.Context, deviceID, commandID string, result codec.AckResult) error {
	unlock := d.locks.Lock(deviceID)
	defer unlock()

	device, err := d.store.DeviceByUniqueID(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("failed to load device: %w", err)
	}

	pending, err := d.store.PendingCommand(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Debug("ack without pending command, dropping",
			"device_id", deviceID,
			"command_id", commandID,
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load pending command: %w", err)
	}
	if commandID != "" && pending.CommandID != commandID {
		d.logger.Debug("ack for superseded command, dropping",
			"device_id", deviceID,
			"command_id", commandID,
			"pending_command_id", pending.CommandID,
		)
		return nil
	}

	now := time.Now().UTC()
	pending.State = model.CommandAcked
	if err := d.store.SaveCommand(ctx, pending); err != nil {
		return fmt.Errorf("failed to archive command: %w", err)
	}

	device.LastSeen = &now
	if device.Status == model.StatusWaiting {
		switch result {
		case codec.AckActive:
			device.Status = model.StatusActive
			device.IsActive = true
		case codec.AckInactive, codec.AckRefused:
			device.Status = model.StatusInactive
			device.IsActive = false
		}
		if err := d.store.SaveDevice(ctx, device); err != nil {
			return fmt.Errorf("failed to save device: %w", err)
		}
		d.logger.Info("command acknowledged",
			"device_id", deviceID,
			"result", result,
			"status", device.Status,
		)
		d.sink.Publish(event.StateChange(deviceID, device.Status, device.IsActive, now))
		d.countTransition(device.Status)
		return nil
	}

	// Late ack after a timeout demotion: keep the authoritative status,
	// only the liveness signal counts.
	if err := d.store.SaveDevice(ctx, device); err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}
	d.logger.Warn("late acknowledgment ignored",
		"device_id", deviceID,
		"status", device.Status,
	)
	return nil
}

func (d *Dispatcher) cooldownWindow(device *model.Device) time.Duration {
	if d.cooldown > 0 {
		return d.cooldown
	}
	if device.ReportInterval > 0 {
		return time.Duration(device.ReportInterval) * time.Second
	}
	return time.Minute
}

func (d *Dispatcher) countCommand(result DispatchResult) {
	if d.metrics != nil {
		d.metrics.CommandsIssued.WithLabelValues(string(result)).Inc()
	}
}

func (d *Dispatcher) countTransition(status model.DeviceStatus) {
	if d.metrics != nil {
		d.metrics.StateTransitions.WithLabelValues(string(status)).Inc()
	}
}

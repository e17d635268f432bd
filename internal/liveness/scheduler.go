// Package liveness demotes silent devices. It is the only component that
// moves a device to unreachable on a timer; heartbeats are the only way
// back.
package liveness

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

const (
	// DefaultInterval is how often the sweep runs.
	DefaultInterval = 15 * time.Second
	// DefaultGrace is added to a device's report interval before it counts
	// as silent, absorbing network jitter.
	DefaultGrace = 30 * time.Second
	// DefaultSilence is the silence timeout for devices without a usable
	// report interval.
	DefaultSilence = 5 * time.Minute
)

// Scheduler periodically sweeps confirmed devices for silence and settles
// pending commands whose acknowledgment never arrived.
type Scheduler struct {
	logger   *slog.Logger
	store    store.Store
	locks    *devicelock.Keyed
	sink     event.Sink
	metrics  *metrics.HubMetrics
	interval time.Duration
	grace    time.Duration
	fallback time.Duration
}

// Config holds the dependencies of the Scheduler.
type Config struct {
	Logger *slog.Logger
	Store  store.Store
	Locks  *devicelock.Keyed
	Sink   event.Sink
	// Metrics is the optional Prometheus collector.
	Metrics *metrics.HubMetrics
	// Interval between sweeps; DefaultInterval when zero.
	Interval time.Duration
	// Grace added to each device's report interval; DefaultGrace when zero.
	Grace time.Duration
	// FallbackSilence bounds devices without a report interval;
	// DefaultSilence when zero.
	FallbackSilence time.Duration
}

// New creates a Scheduler.
func New(cfg *Config) (*Scheduler, error) {
	if cfg == nil {
		return nil, errors.New("liveness config cannot be nil")
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
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	fallback := cfg.FallbackSilence
	if fallback <= 0 {
		fallback = DefaultSilence
	}

	return &Scheduler{
		logger:   cfg.Logger,
		store:    cfg.Store,
		locks:    cfg.Locks,
		sink:     sink,
		metrics:  cfg.Metrics,
		interval: interval,
		grace:    grace,
		fallback: fallback,
	}, nil
}

// Run sweeps on a fixed ticker until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("liveness scheduler started",
		"interval", s.interval,
		"grace", s.grace,
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("liveness scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("liveness sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass: expire unacknowledged commands, then demote silent
// devices. Sweeping twice in a row is a no-op the second time; each
// demotion is guarded by the device's current status.
func (s *Scheduler) Sweep(ctx context.Context) error {
	now := time.Now().UTC()
	if s.metrics != nil {
		s.metrics.LivenessSweeps.Inc()
	}

	if err := s.expireCommands(ctx, now); err != nil {
		return err
	}
	return s.demoteSilent(ctx, now)
}

// expireCommands settles pending commands whose ack window elapsed. The
// device stopped responding mid-command, so a device still waiting on the
// command is demoted to unreachable.
func (s *Scheduler) expireCommands(ctx context.Context, now time.Time) error {
	expired, err := s.store.ListExpiredPendingCommands(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list expired commands: %w", err)
	}

	for i := range expired {
		command := expired[i]
		if err := s.expireOne(ctx, &command, now); err != nil {
			s.logger.Error("failed to expire command",
				"device_id", command.DeviceID,
				"command_id", command.CommandID,
				"error", err,
			)
		}
	}
	return nil
}

func (s *Scheduler) expireOne(ctx context.Context, command *model.Command, now time.Time) error {
	unlock := s.locks.Lock(command.DeviceID)
	defer unlock()

	// Reload under the lock; an ack may have landed since the listing.
	current, err := s.store.PendingCommand(ctx, command.DeviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to reload pending command: %w", err)
	}
	if current.CommandID != command.CommandID || now.Before(current.CooldownUntil) {
		return nil
	}

	current.State = model.CommandExpired
	if err := s.store.SaveCommand(ctx, current); err != nil {
		return fmt.Errorf("failed to expire command: %w", err)
	}

	device, err := s.store.DeviceByUniqueID(ctx, command.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to load device: %w", err)
	}
	if device.Status != model.StatusWaiting {
		return nil
	}

	device.Status = model.StatusUnreachable
	device.IsActive = false
	if err := s.store.SaveDevice(ctx, device); err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}

	s.logger.Warn("command unacknowledged, device unreachable",
		"device_id", device.UniqueID,
		"command_id", current.CommandID,
	)
	s.sink.Publish(event.StateChange(device.UniqueID, device.Status, device.IsActive, now))
	s.countUnreachable()
	return nil
}

// demoteSilent marks confirmed devices unreachable once they have stayed
// silent past their silence timeout. Devices never heard from at all are
// left alone until their first contact.
func (s *Scheduler) demoteSilent(ctx context.Context, now time.Time) error {
	devices, err := s.store.ListConfirmedDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	for i := range devices {
		device := devices[i]
		if device.Status == model.StatusUnreachable || device.LastSeen == nil {
			continue
		}
		timeout := device.SilenceTimeout(s.grace, s.fallback)
		if now.Sub(*device.LastSeen) <= timeout {
			continue
		}
		if err := s.demoteOne(ctx, device.UniqueID, timeout, now); err != nil {
			s.logger.Error("failed to demote silent device",
				"device_id", device.UniqueID,
				"error", err,
			)
		}
	}
	return nil
}

func (s *Scheduler) demoteOne(ctx context.Context, uniqueID string, timeout time.Duration, now time.Time) error {
	unlock := s.locks.Lock(uniqueID)
	defer unlock()

	// Reload under the lock; a heartbeat may have landed since the listing.
	device, err := s.store.DeviceByUniqueID(ctx, uniqueID)
	if err != nil {
		return fmt.Errorf("failed to reload device: %w", err)
	}
	if device.Status == model.StatusUnreachable {
		return nil
	}
	if device.LastSeen != nil && now.Sub(*device.LastSeen) <= timeout {
		return nil
	}

	device.Status = model.StatusUnreachable
	device.IsActive = false
	if err := s.store.SaveDevice(ctx, device); err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}

	s.logger.Warn("device silent past timeout, marked unreachable",
		"device_id", uniqueID,
		"timeout", timeout,
	)
	s.sink.Publish(event.StateChange(uniqueID, device.Status, device.IsActive, now))
	s.countUnreachable()
	return nil
}

func (s *Scheduler) countUnreachable() {
	if s.metrics != nil {
		s.metrics.DevicesUnreachable.Inc()
		s.metrics.StateTransitions.WithLabelValues(string(model.StatusUnreachable)).Inc()
	}
}

// Package telemetry ingests sensor readings, maintains the latest-value
// cache and the append-only history, and manages the alert lifecycle over
// configured thresholds.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
	"unicode"

	"github.com/norian27/Smart-Greenhouse-System/internal/devicelock"
	"github.com/norian27/Smart-Greenhouse-System/internal/event"
	"github.com/norian27/Smart-Greenhouse-System/internal/model"
	"github.com/norian27/Smart-Greenhouse-System/internal/store"
	"github.com/norian27/Smart-Greenhouse-System/pkg/metrics"
)

// ErrUnknownDevice rejects readings from devices that are not confirmed.
// Unregistered sources are dropped without alert activity.
var ErrUnknownDevice = errors.New("unknown device")

// IngestResult reports the alert activity caused by one reading.
type IngestResult struct {
	// Raised lists metrics for which a new alert was created.
	Raised []string
	// Resolved lists metrics whose active alert returned in bounds.
	Resolved []string
}

// Engine is the telemetry and alert state machine.
type Engine struct {
	logger  *slog.Logger
	store   store.Store
	locks   *devicelock.Keyed
	sink    event.Sink
	metrics *metrics.HubMetrics
}

// Config holds the dependencies of the Engine.
type Config struct {
	Logger *slog.Logger
	Store  store.Store
	Locks  *devicelock.Keyed
	Sink   event.Sink
	// Metrics is the optional Prometheus collector.
	Metrics *metrics.HubMetrics
}

// New creates an Engine.
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("telemetry config cannot be nil")
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

	return &Engine{
		logger:  cfg.Logger,
		store:   cfg.Store,
		locks:   cfg.Locks,
		sink:    sink,
		metrics: cfg.Metrics,
	}, nil
}

// Ingest processes one reading atomically with respect to the device's
// state: cache replacement, history append, then threshold evaluation.
// Breaches upsert the active alert for (device, metric) instead of creating
// duplicates; values back in bounds resolve it. A reading touching no
// thresholded metric is stored without alert activity.
func (e *Engine) Ingest(ctx context.Context, deviceID string, capturedAt time.Time, fields map[string]float64) (IngestResult, error) {
	if len(fields) == 0 {
		return IngestResult{}, fmt.Errorf("reading has no fields")
	}

	unlock := e.locks.Lock(deviceID)
	defer unlock()

	device, err := e.store.DeviceByUniqueID(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		e.countRejected("not_found")
		return IngestResult{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if err != nil {
		return IngestResult{}, fmt.Errorf("failed to load device: %w", err)
	}
	if device.Registration != model.RegistrationConfirmed {
		e.countRejected("not_confirmed")
		return IngestResult{}, fmt.Errorf("%w: %s awaits confirmation", ErrUnknownDevice, deviceID)
	}

	now := time.Now().UTC()
	if err := device.SetLatestReading(fields); err != nil {
		return IngestResult{}, fmt.Errorf("failed to encode latest reading: %w", err)
	}
	device.LastSeen = &now
	if err := e.store.SaveDevice(ctx, device); err != nil {
		return IngestResult{}, fmt.Errorf("failed to save device: %w", err)
	}

	reading := &model.SensorReading{
		DeviceID:   deviceID,
		CapturedAt: capturedAt.UTC(),
		Fields:     device.LastData,
	}
	if err := e.store.AppendReading(ctx, reading); err != nil {
		return IngestResult{}, fmt.Errorf("failed to append reading: %w", err)
	}

	e.sink.Publish(event.SensorUpdated(deviceID, now))
	if e.metrics != nil {
		e.metrics.ReadingsIngested.Inc()
	}

	result, err := e.evaluateThresholds(ctx, deviceID, fields, now)
	if err != nil {
		return result, err
	}

	e.logger.Debug("reading ingested",
		"device_id", deviceID,
		"metrics", len(fields),
		"alerts_raised", len(result.Raised),
		"alerts_resolved", len(result.Resolved),
	)
	return result, nil
}

func (e *Engine) evaluateThresholds(ctx context.Context, deviceID string, fields map[string]float64, now time.Time) (IngestResult, error) {
	thresholds, err := e.store.ThresholdsFor(ctx, deviceID)
	if err != nil {
		return IngestResult{}, fmt.Errorf("failed to load thresholds: %w", err)
	}
	byMetric := make(map[string]model.Threshold, len(thresholds))
	for _, t := range thresholds {
		byMetric[t.Metric] = t
	}

	// Deterministic evaluation order.
	names := make([]string, 0, len(fields))
	for metric := range fields {
		names = append(names, metric)
	}
	sort.Strings(names)

	var result IngestResult
	for _, metric := range names {
		threshold, ok := byMetric[metric]
		if !ok {
			continue
		}
		value := fields[metric]

		active, err := e.store.ActiveAlert(ctx, deviceID, metric)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return result, fmt.Errorf("failed to load active alert: %w", err)
		}

		if threshold.Breached(value) {
			if active != nil {
				// Persistent breach: refresh in place, never duplicate.
				active.Message = breachMessage(metric, value, threshold)
				active.Value = value
				active.RaisedAt = now
				if err := e.store.SaveAlert(ctx, active); err != nil {
					return result, fmt.Errorf("failed to refresh alert: %w", err)
				}
				continue
			}

			alert := &model.Alert{
				DeviceID: deviceID,
				Metric:   metric,
				Message:  breachMessage(metric, value, threshold),
				Value:    value,
				RaisedAt: now,
			}
			if err := e.store.SaveAlert(ctx, alert); err != nil {
				return result, fmt.Errorf("failed to raise alert: %w", err)
			}
			e.logger.Warn("alert raised",
				"device_id", deviceID,
				"metric", metric,
				"value", value,
			)
			e.sink.Publish(event.AlertRaised(deviceID, metric, alert.Message, now))
			if e.metrics != nil {
				e.metrics.AlertsRaised.Inc()
			}
			result.Raised = append(result.Raised, metric)
			continue
		}

		if active != nil {
			resolved := now
			active.ResolvedAt = &resolved
			if err := e.store.SaveAlert(ctx, active); err != nil {
				return result, fmt.Errorf("failed to resolve alert: %w", err)
			}
			e.logger.Info("alert resolved",
				"device_id", deviceID,
				"metric", metric,
				"value", value,
			)
			e.sink.Publish(event.AlertResolved(deviceID, metric, now))
			if e.metrics != nil {
				e.metrics.AlertsResolved.Inc()
			}
			result.Resolved = append(result.Resolved, metric)
		}
	}
	return result, nil
}

// ResolveAlert closes an active alert on behalf of an operator. Resolving
// an already resolved alert is a no-op.
func (e *Engine) ResolveAlert(ctx context.Context, alertID uint) error {
	alert, err := e.store.AlertByID(ctx, alertID)
	if err != nil {
		return fmt.Errorf("failed to load alert: %w", err)
	}
	if !alert.Active() {
		return nil
	}

	now := time.Now().UTC()
	alert.ResolvedAt = &now
	if err := e.store.SaveAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}

	e.logger.Info("alert resolved by operator",
		"alert_id", alertID,
		"device_id", alert.DeviceID,
		"metric", alert.Metric,
	)
	e.sink.Publish(event.AlertResolved(alert.DeviceID, alert.Metric, now))
	if e.metrics != nil {
		e.metrics.AlertsResolved.Inc()
	}
	return nil
}

// Bound is one metric's threshold configuration as submitted by an operator.
type Bound struct {
	Metric string   `json:"metric"`
	Low    *float64 `json:"low,omitempty"`
	High   *float64 `json:"high,omitempty"`
}

// UpdateThresholds replaces the threshold set of a device. Metric names are
// open-ended; new sensor metrics need no structural change.
func (e *Engine) UpdateThresholds(ctx context.Context, deviceID string, bounds []Bound) error {
	unlock := e.locks.Lock(deviceID)
	defer unlock()

	if _, err := e.store.DeviceByUniqueID(ctx, deviceID); err != nil {
		return fmt.Errorf("failed to load device: %w", err)
	}

	thresholds := make([]model.Threshold, 0, len(bounds))
	for _, b := range bounds {
		if b.Metric == "" {
			return fmt.Errorf("threshold metric cannot be empty")
		}
		if b.Low != nil && b.High != nil && *b.Low >= *b.High {
			return fmt.Errorf("threshold for %q has low >= high", b.Metric)
		}
		thresholds = append(thresholds, model.Threshold{
			Metric: b.Metric,
			Low:    b.Low,
			High:   b.High,
		})
	}

	if err := e.store.ReplaceThresholds(ctx, deviceID, thresholds); err != nil {
		return fmt.Errorf("failed to replace thresholds: %w", err)
	}
	e.logger.Info("thresholds updated",
		"device_id", deviceID,
		"metrics", len(thresholds),
	)
	return nil
}

func breachMessage(metric string, value float64, t model.Threshold) string {
	name := capitalize(metric)
	if t.Low != nil && value <= *t.Low {
		return fmt.Sprintf("%s below threshold: %g", name, value)
	}
	return fmt.Sprintf("%s above threshold: %g", name, value)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func (e *Engine) countRejected(reason string) {
	if e.metrics != nil {
		e.metrics.ReadingsRejected.WithLabelValues(reason).Inc()
	}
}

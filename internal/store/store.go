// Package store is the persistence layer of the hub. The Postgres-backed
// implementation is used in production; the in-memory implementation backs
// the test suites.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/norian27/Smart-Greenhouse-System/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Store exposes the read/write operations the core components need.
// Implementations must be safe for concurrent use; serialization of
// mutations to a single device is the caller's responsibility (see the
// registry's per-device locks).
type Store interface {
	// Devices.
	DeviceByUniqueID(ctx context.Context, uniqueID string) (*model.Device, error)
	CreateDevice(ctx context.Context, device *model.Device) error
	SaveDevice(ctx context.Context, device *model.Device) error
	ListDevices(ctx context.Context) ([]model.Device, error)
	ListConfirmedDevices(ctx context.Context) ([]model.Device, error)

	// Sensor reading history, append-only.
	AppendReading(ctx context.Context, reading *model.SensorReading) error

	// Thresholds.
	ThresholdsFor(ctx context.Context, deviceID string) ([]model.Threshold, error)
	ReplaceThresholds(ctx context.Context, deviceID string, thresholds []model.Threshold) error

	// Alerts.
	ActiveAlert(ctx context.Context, deviceID, metric string) (*model.Alert, error)
	AlertByID(ctx context.Context, id uint) (*model.Alert, error)
	SaveAlert(ctx context.Context, alert *model.Alert) error
	ListActiveAlerts(ctx context.Context) ([]model.Alert, error)

	// Commands.
	LatestCommand(ctx context.Context, deviceID string, action model.CommandAction) (*model.Command, error)
	PendingCommand(ctx context.Context, deviceID string) (*model.Command, error)
	SaveCommand(ctx context.Context, command *model.Command) error
	ListExpiredPendingCommands(ctx context.Context, now time.Time) ([]model.Command, error)

	// Greenhouses.
	CreateGreenhouse(ctx context.Context, greenhouse *model.Greenhouse) error
	GreenhouseByID(ctx context.Context, id uint) (*model.Greenhouse, error)
	ListGreenhouses(ctx context.Context) ([]model.Greenhouse, error)
}

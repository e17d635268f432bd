package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/norian27/Smart-Greenhouse-System/internal/model"
)

// DBConfig holds the Postgres connection configuration.
type DBConfig struct {
	Logger   *slog.Logger
	Host     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	Port     int
}

// Postgres is the GORM-backed Store implementation.
type Postgres struct {
	db *gorm.DB
}

var _ Store = (*Postgres)(nil)

// Open connects to Postgres, configures pooling, and runs migrations.
func Open(cfg *DBConfig) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("database config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	cfg.Logger.Info("connecting to database",
		"host", cfg.Host,
		"port", cfg.Port,
		"dbname", cfg.DBName,
	)

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cfg.Logger.Info("database connection established")

	if err := runMigrations(db, cfg.Logger); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Postgres{db: db}, nil
}

// runMigrations auto-migrates all hub models.
func runMigrations(db *gorm.DB, log *slog.Logger) error {
	log.Info("running database migrations")

	if err := db.AutoMigrate(
		&model.Greenhouse{},
		&model.Device{},
		&model.SensorReading{},
		&model.Threshold{},
		&model.Alert{},
		&model.Command{},
	); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}

	log.Info("database migrations completed successfully")
	return nil
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// DeviceByUniqueID fetches a device by its self-assigned identifier.
func (p *Postgres) DeviceByUniqueID(ctx context.Context, uniqueID string) (*model.Device, error) {
	var device model.Device
	if err := p.db.WithContext(ctx).Where("unique_id = ?", uniqueID).First(&device).Error; err != nil {
		return nil, translate(err)
	}
	return &device, nil
}

// CreateDevice inserts a new device row.
func (p *Postgres) CreateDevice(ctx context.Context, device *model.Device) error {
	if err := p.db.WithContext(ctx).Create(device).Error; err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

// SaveDevice persists all fields of an existing device.
func (p *Postgres) SaveDevice(ctx context.Context, device *model.Device) error {
	if err := p.db.WithContext(ctx).Save(device).Error; err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}
	return nil
}

// ListDevices returns every device ordered by unique id.
func (p *Postgres) ListDevices(ctx context.Context) ([]model.Device, error) {
	var devices []model.Device
	if err := p.db.WithContext(ctx).Order("unique_id").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// ListConfirmedDevices returns devices past the registration gate. The
// liveness sweep iterates exactly this set.
func (p *Postgres) ListConfirmedDevices(ctx context.Context) ([]model.Device, error) {
	var devices []model.Device
	err := p.db.WithContext(ctx).
		Where("registration = ?", model.RegistrationConfirmed).
		Order("unique_id").
		Find(&devices).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list confirmed devices: %w", err)
	}
	return devices, nil
}

// AppendReading inserts one history row. History is never updated in place.
func (p *Postgres) AppendReading(ctx context.Context, reading *model.SensorReading) error {
	if err := p.db.WithContext(ctx).Create(reading).Error; err != nil {
		return fmt.Errorf("failed to append reading: %w", err)
	}
	return nil
}

// ThresholdsFor returns the configured bounds of one device.
func (p *Postgres) ThresholdsFor(ctx context.Context, deviceID string) ([]model.Threshold, error) {
	var thresholds []model.Threshold
	err := p.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("metric").
		Find(&thresholds).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load thresholds: %w", err)
	}
	return thresholds, nil
}

// ReplaceThresholds swaps the full threshold set of one device atomically.
func (p *Postgres) ReplaceThresholds(ctx context.Context, deviceID string, thresholds []model.Threshold) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ?", deviceID).Delete(&model.Threshold{}).Error; err != nil {
			return fmt.Errorf("failed to clear thresholds: %w", err)
		}
		for i := range thresholds {
			thresholds[i].ID = 0
			thresholds[i].DeviceID = deviceID
			if err := tx.Create(&thresholds[i]).Error; err != nil {
				return fmt.Errorf("failed to create threshold: %w", err)
			}
		}
		return nil
	})
}

// ActiveAlert returns the single unresolved alert for (device, metric),
// or ErrNotFound when none is active.
func (p *Postgres) ActiveAlert(ctx context.Context, deviceID, metric string) (*model.Alert, error) {
	var alert model.Alert
	err := p.db.WithContext(ctx).
		Where("device_id = ? AND metric = ? AND resolved_at IS NULL", deviceID, metric).
		First(&alert).Error
	if err != nil {
		return nil, translate(err)
	}
	return &alert, nil
}

// AlertByID fetches one alert row.
func (p *Postgres) AlertByID(ctx context.Context, id uint) (*model.Alert, error) {
	var alert model.Alert
	if err := p.db.WithContext(ctx).First(&alert, id).Error; err != nil {
		return nil, translate(err)
	}
	return &alert, nil
}

// SaveAlert inserts or updates an alert row.
func (p *Postgres) SaveAlert(ctx context.Context, alert *model.Alert) error {
	if err := p.db.WithContext(ctx).Save(alert).Error; err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

// ListActiveAlerts returns every unresolved alert.
func (p *Postgres) ListActiveAlerts(ctx context.Context) ([]model.Alert, error) {
	var alerts []model.Alert
	err := p.db.WithContext(ctx).
		Where("resolved_at IS NULL").
		Order("raised_at DESC").
		Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active alerts: %w", err)
	}
	return alerts, nil
}

// LatestCommand returns the most recently issued command of one action
// class for a device, or ErrNotFound.
func (p *Postgres) LatestCommand(ctx context.Context, deviceID string, action model.CommandAction) (*model.Command, error) {
	var command model.Command
	err := p.db.WithContext(ctx).
		Where("device_id = ? AND action = ?", deviceID, action).
		Order("issued_at DESC").
		First(&command).Error
	if err != nil {
		return nil, translate(err)
	}
	return &command, nil
}

// PendingCommand returns the unacknowledged command of a device, or
// ErrNotFound.
func (p *Postgres) PendingCommand(ctx context.Context, deviceID string) (*model.Command, error) {
	var command model.Command
	err := p.db.WithContext(ctx).
		Where("device_id = ? AND state = ?", deviceID, model.CommandPending).
		Order("issued_at DESC").
		First(&command).Error
	if err != nil {
		return nil, translate(err)
	}
	return &command, nil
}

// SaveCommand inserts or updates a command row.
func (p *Postgres) SaveCommand(ctx context.Context, command *model.Command) error {
	if err := p.db.WithContext(ctx).Save(command).Error; err != nil {
		return fmt.Errorf("failed to save command: %w", err)
	}
	return nil
}

// ListExpiredPendingCommands returns pending commands whose ack window has
// elapsed. The liveness sweep resolves them.
func (p *Postgres) ListExpiredPendingCommands(ctx context.Context, now time.Time) ([]model.Command, error) {
	var commands []model.Command
	err := p.db.WithContext(ctx).
		Where("state = ? AND cooldown_until <= ?", model.CommandPending, now).
		Find(&commands).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expired commands: %w", err)
	}
	return commands, nil
}

// CreateGreenhouse inserts a greenhouse row.
func (p *Postgres) CreateGreenhouse(ctx context.Context, greenhouse *model.Greenhouse) error {
	if err := p.db.WithContext(ctx).Create(greenhouse).Error; err != nil {
		return fmt.Errorf("failed to create greenhouse: %w", err)
	}
	return nil
}

// GreenhouseByID fetches one greenhouse row.
func (p *Postgres) GreenhouseByID(ctx context.Context, id uint) (*model.Greenhouse, error) {
	var greenhouse model.Greenhouse
	if err := p.db.WithContext(ctx).First(&greenhouse, id).Error; err != nil {
		return nil, translate(err)
	}
	return &greenhouse, nil
}

// ListGreenhouses returns every greenhouse.
func (p *Postgres) ListGreenhouses(ctx context.Context) ([]model.Greenhouse, error) {
	var greenhouses []model.Greenhouse
	if err := p.db.WithContext(ctx).Order("name").Find(&greenhouses).Error; err != nil {
		return nil, fmt.Errorf("failed to list greenhouses: %w", err)
	}
	return greenhouses, nil
}

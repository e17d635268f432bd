// Package simulator publishes synthetic device traffic against a running
// hub: registrations, heartbeats, and sensor readings for a fleet of fake
// field units.
package simulator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/norian27/Smart-Greenhouse-System/internal/codec"
	"github.com/norian27/Smart-Greenhouse-System/internal/model"
	"github.com/norian27/Smart-Greenhouse-System/pkg/bus"
	"github.com/norian27/Smart-Greenhouse-System/pkg/generator"
	"github.com/norian27/Smart-Greenhouse-System/pkg/metrics"
)

// ServerConfig holds the configuration for the simulator server.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// RabbitMQURL is the connection string for RabbitMQ
	RabbitMQURL string
	// Exchange is the topic exchange the hub listens on
	Exchange string
	// Interval is the time between readings per device
	Interval time.Duration
	// DeviceCount is the number of synthetic devices
	DeviceCount int
	// Metrics is the optional Prometheus metrics collector for bus operations
	Metrics *metrics.BusMetrics
}

// Server manages a fleet of synthetic devices over one bus client.
type Server struct {
	logger *slog.Logger
	config *ServerConfig
	client *bus.Client
	units  []*unit
	wg     sync.WaitGroup
}

// unit is one synthetic device: its identity and its reading curves.
type unit struct {
	device    *generator.FieldDevice
	readings  *generator.ReadingGenerator
	heartbeat int
}

var (
	errInvalidDeviceCount = errors.New("device count must be greater than 0")
	errInvalidInterval    = errors.New("interval must be greater than 0")
	errLoggerRequired     = errors.New("logger is required")
	errRabbitMQRequired   = errors.New("rabbitmq URL is required")
	errExchangeRequired   = errors.New("exchange is required")
)

// NewServer creates a new simulator server with the given configuration.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.DeviceCount <= 0 {
		return nil, errInvalidDeviceCount
	}

	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}

	if cfg.RabbitMQURL == "" {
		return nil, errRabbitMQRequired
	}

	if cfg.Exchange == "" {
		return nil, errExchangeRequired
	}

	client := bus.New(&bus.Config{
		Addr:     cfg.RabbitMQURL,
		Exchange: cfg.Exchange,
		Logger: cfg.Logger.With(
			slog.String("component", "bus-client"),
		),
	})
	if cfg.Metrics != nil {
		client.SetMetrics(cfg.Metrics)
	}

	s := &Server{
		logger: cfg.Logger,
		config: cfg,
		client: client,
		units:  make([]*unit, 0, cfg.DeviceCount),
	}

	for i := 0; i < cfg.DeviceCount; i++ {
		device := generator.NewFieldDevice()
		if device == nil {
			return nil, errors.New("failed to fabricate device identity")
		}
		s.units = append(s.units, &unit{
			device:   device,
			readings: generator.NewReadingGenerator(),
		})

		s.logger.Info("created synthetic device",
			"device_id", device.UniqueID,
			"kind", device.Kind,
			"name", device.Name,
		)
	}

	return s, nil
}

// Run starts all devices and blocks until shutdown signal is received.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Give the bus client time to connect before the first publish.
	time.Sleep(2 * time.Second)

	for i, u := range s.units {
		s.wg.Add(1)
		go s.runUnit(ctx, i, u)
	}

	s.logger.Info("simulator started",
		"device_count", len(s.units),
		"interval", s.config.Interval,
	)

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	}

	s.logger.Info("waiting for devices to shut down...")
	s.wg.Wait()

	if err := s.client.Close(); err != nil {
		s.logger.Error("failed to close bus client", "error", err)
	}

	s.logger.Info("simulator stopped")
	return nil
}

// runUnit announces one device and then publishes its periodic traffic.
func (s *Server) runUnit(ctx context.Context, id int, u *unit) {
	defer s.wg.Done()

	unitLogger := s.logger.With(
		slog.Int("unit", id),
		slog.String("device_id", u.device.UniqueID),
	)

	topic, payload := codec.EncodeRegister(u.device.Kind, u.device.UniqueID, u.device.Name)
	if err := s.client.Publish(ctx, topic, payload); err != nil {
		unitLogger.Error("failed to publish registration", "error", err)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	unitLogger.Info("device started")

	for {
		select {
		case <-ctx.Done():
			unitLogger.Info("device shutting down")
			return

		case <-ticker.C:
			if err := s.tick(ctx, u); err != nil {
				unitLogger.Error("failed to publish traffic", "error", err)
				// Continue on error - don't stop the device.
				continue
			}
			unitLogger.Debug("traffic published")
		}
	}
}

// tick publishes one round of traffic: sensors send readings with a
// heartbeat every few rounds, systems only heartbeat.
func (s *Server) tick(ctx context.Context, u *unit) error {
	now := time.Now().UTC()

	u.heartbeat++
	if u.device.Kind == model.KindEnvironmentalSystem || u.heartbeat%3 == 0 {
		topic, payload := codec.EncodeHeartbeat(u.device.Kind, u.device.UniqueID)
		if err := s.client.Publish(ctx, topic, payload); err != nil {
			return err
		}
	}

	if u.device.Kind != model.KindSensor {
		return nil
	}

	topic, payload, err := codec.EncodeReading(u.device.Kind, u.device.UniqueID, now, u.readings.Reading(now))
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, topic, payload)
}

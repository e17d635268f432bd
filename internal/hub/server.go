// Package hub wires the coordination core together: persistence, the bus
// listener, the liveness scheduler, the broadcast bridge, and the operator
// HTTP API.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/norian27/Smart-Greenhouse-System/internal/bridge"
	"github.com/norian27/Smart-Greenhouse-System/internal/codec"
	"github.com/norian27/Smart-Greenhouse-System/internal/devicelock"
	"github.com/norian27/Smart-Greenhouse-System/internal/dispatch"
	"github.com/norian27/Smart-Greenhouse-System/internal/liveness"
	"github.com/norian27/Smart-Greenhouse-System/internal/registry"
	"github.com/norian27/Smart-Greenhouse-System/internal/store"
	"github.com/norian27/Smart-Greenhouse-System/internal/telemetry"
	"github.com/norian27/Smart-Greenhouse-System/pkg/bus"
	"github.com/norian27/Smart-Greenhouse-System/pkg/metrics"
)

// metricsNamespace prefixes all Prometheus metric names.
const metricsNamespace = "greenhouse"

// inboundBindings are the topic patterns the hub queue subscribes to.
// Outbound hub traffic (commands, responses) is deliberately not bound.
var inboundBindings = []string{
	"greenhouse/*/*/" + string(codec.TypeRegister),
	"greenhouse/*/*/" + string(codec.TypeHeartbeat),
	"greenhouse/*/*/" + string(codec.TypeReading),
	"greenhouse/*/*/" + string(codec.TypeAck),
	"greenhouse/*/*/" + string(codec.TypeCheck),
	"greenhouse/*/*/" + string(codec.TypeSettings),
}

// Server is the hub process: it owns every long-running component and
// coordinates their startup and shutdown.
type Server struct {
	logger     *slog.Logger
	config     *ServerConfig
	store      *store.Postgres
	busClient  *bus.Client
	listener   *Listener
	httpServer *http.Server
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Database configuration
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// RabbitMQ configuration
	RabbitMQURL string
	Exchange    string
	QueueName   string

	// HTTP configuration
	HTTPPort int

	// Database port
	DBPort int

	// Liveness configuration
	SweepInterval time.Duration
	SilenceGrace  time.Duration

	// Cooldown overrides the per-device command cooldown window.
	Cooldown time.Duration
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}

	if cfg.Exchange == "" {
		return nil, errors.New("exchange cannot be empty")
	}

	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	if cfg.DBHost == "" {
		return nil, errors.New("database host cannot be empty")
	}

	if cfg.DBPort <= 0 {
		return nil, errors.New("database port must be positive")
	}

	if cfg.DBUser == "" {
		return nil, errors.New("database user cannot be empty")
	}

	if cfg.DBName == "" {
		return nil, errors.New("database name cannot be empty")
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run starts the hub and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting greenhouse hub")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Persistence.
	db, err := store.Open(&store.DBConfig{
		Logger:   s.logger,
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.store = db

	s.logger.Info("database initialized successfully")

	// Metrics.
	busMetrics := metrics.NewBusMetrics(metricsNamespace)
	hubMetrics := metrics.NewHubMetrics(metricsNamespace)

	// Bus.
	s.busClient = bus.New(&bus.Config{
		Addr:        s.config.RabbitMQURL,
		Exchange:    s.config.Exchange,
		QueueName:   s.config.QueueName,
		BindingKeys: inboundBindings,
		Logger:      s.logger,
	})
	s.busClient.SetMetrics(busMetrics)

	// Broadcast bridge, the sink for every domain event.
	eventBridge, err := bridge.New(&bridge.Config{
		Logger:  s.logger,
		Metrics: hubMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize bridge: %w", err)
	}

	// Core components sharing one per-device lock table.
	locks := devicelock.NewKeyed()

	deviceRegistry, err := registry.New(&registry.Config{
		Logger:  s.logger,
		Store:   db,
		Locks:   locks,
		Sink:    eventBridge,
		Metrics: hubMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize registry: %w", err)
	}

	dispatcher, err := dispatch.New(&dispatch.Config{
		Logger:    s.logger,
		Store:     db,
		Locks:     locks,
		Sink:      eventBridge,
		Publisher: s.busClient,
		Metrics:   hubMetrics,
		Cooldown:  s.config.Cooldown,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize dispatcher: %w", err)
	}

	telemetryEngine, err := telemetry.New(&telemetry.Config{
		Logger:  s.logger,
		Store:   db,
		Locks:   locks,
		Sink:    eventBridge,
		Metrics: hubMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry engine: %w", err)
	}

	scheduler, err := liveness.New(&liveness.Config{
		Logger:   s.logger,
		Store:    db,
		Locks:    locks,
		Sink:     eventBridge,
		Metrics:  hubMetrics,
		Interval: s.config.SweepInterval,
		Grace:    s.config.SilenceGrace,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize liveness scheduler: %w", err)
	}

	// Bus listener.
	listener, err := NewListener(&ListenerConfig{
		Logger:    s.logger,
		Client:    s.busClient,
		Registry:  deviceRegistry,
		Dispatch:  dispatcher,
		Telemetry: telemetryEngine,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize listener: %w", err)
	}
	s.listener = listener

	if err := s.listener.Start(ctx); err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	// Operator API + real-time feed + metrics over one HTTP server.
	operatorAPI, err := NewAPI(&APIConfig{
		Logger:    s.logger,
		Store:     db,
		Registry:  deviceRegistry,
		Dispatch:  dispatcher,
		Telemetry: telemetryEngine,
		Publisher: s.busClient,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize operator API: %w", err)
	}

	router := mux.NewRouter()
	operatorAPI.RegisterRoutes(router)
	bridge.NewWSHandler(s.logger, eventBridge).Register(router)
	router.Handle("/metrics", metrics.Handler())

	httpAddr := fmt.Sprintf(":%d", s.config.HTTPPort)
	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpErr := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "address", httpAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(httpErr)
	}()

	go func() {
		if err := eventBridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("bridge stopped", "error", err)
		}
	}()

	go func() {
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("liveness scheduler stopped", "error", err)
		}
	}()

	s.logger.Info("greenhouse hub started successfully")

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-httpErr:
		if err != nil {
			s.logger.Error("HTTP server error", "error", err)
			cancel()
			return err
		}
	}

	return s.Shutdown()
}

// Shutdown gracefully shuts down the hub.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down greenhouse hub")

	var shutdownErr error

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shut down HTTP server", "error", err)
			shutdownErr = err
		}
	}

	if s.listener != nil {
		select {
		case <-s.listener.Done():
		case <-time.After(5 * time.Second):
			s.logger.Warn("listener did not drain in time")
		}
	}

	if s.busClient != nil {
		if err := s.busClient.Close(); err != nil {
			s.logger.Error("failed to close bus client", "error", err)
			if shutdownErr == nil {
				shutdownErr = err
			}
		}
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close database", "error", err)
			if shutdownErr == nil {
				shutdownErr = err
			}
		}
	}

	s.logger.Info("greenhouse hub stopped")
	return shutdownErr
}

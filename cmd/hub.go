package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/norian27/Smart-Greenhouse-System/internal/hub"
)

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run the coordination hub",
	Long: `Run the coordination hub that:
- Consumes device messages from the RabbitMQ topic exchange
- Manages device registration, liveness, and command dispatch
- Persists telemetry and alerts to PostgreSQL
- Serves the operator HTTP API, WebSocket feeds, and Prometheus metrics`,
	RunE: runHub,
}

func init() {
	rootCmd.AddCommand(hubCmd)

	// Hub-specific flags
	hubCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	hubCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	hubCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	hubCmd.Flags().String("db-password", "", "PostgreSQL password")
	hubCmd.Flags().String("db-name", "greenhouse", "PostgreSQL database name")
	hubCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	hubCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	hubCmd.Flags().String("exchange", "greenhouse", "RabbitMQ topic exchange")
	hubCmd.Flags().String("queue-name", "greenhouse-hub", "RabbitMQ queue name for inbound device messages")
	hubCmd.Flags().Int("http-port", 8080, "HTTP server port")
	hubCmd.Flags().Duration("sweep-interval", 15*time.Second, "Liveness sweep interval")
	hubCmd.Flags().Duration("silence-grace", 30*time.Second, "Grace added to each device's report interval")
	hubCmd.Flags().Duration("cooldown", 0, "Command cooldown override (0 uses the device's report interval)")

	// Bind flags to viper
	_ = viper.BindPFlag("hub.db.host", hubCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("hub.db.port", hubCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("hub.db.user", hubCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("hub.db.password", hubCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("hub.db.name", hubCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("hub.db.sslmode", hubCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("hub.rabbitmq.url", hubCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("hub.rabbitmq.exchange", hubCmd.Flags().Lookup("exchange"))
	_ = viper.BindPFlag("hub.rabbitmq.queue_name", hubCmd.Flags().Lookup("queue-name"))
	_ = viper.BindPFlag("hub.http.port", hubCmd.Flags().Lookup("http-port"))
	_ = viper.BindPFlag("hub.liveness.sweep_interval", hubCmd.Flags().Lookup("sweep-interval"))
	_ = viper.BindPFlag("hub.liveness.silence_grace", hubCmd.Flags().Lookup("silence-grace"))
	_ = viper.BindPFlag("hub.dispatch.cooldown", hubCmd.Flags().Lookup("cooldown"))
}

func runHub(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting hub service")

	// Create hub configuration from viper
	config := &hub.ServerConfig{
		Logger:        logger,
		DBHost:        viper.GetString("hub.db.host"),
		DBPort:        viper.GetInt("hub.db.port"),
		DBUser:        viper.GetString("hub.db.user"),
		DBPassword:    viper.GetString("hub.db.password"),
		DBName:        viper.GetString("hub.db.name"),
		DBSSLMode:     viper.GetString("hub.db.sslmode"),
		RabbitMQURL:   viper.GetString("hub.rabbitmq.url"),
		Exchange:      viper.GetString("hub.rabbitmq.exchange"),
		QueueName:     viper.GetString("hub.rabbitmq.queue_name"),
		HTTPPort:      viper.GetInt("hub.http.port"),
		SweepInterval: viper.GetDuration("hub.liveness.sweep_interval"),
		SilenceGrace:  viper.GetDuration("hub.liveness.silence_grace"),
		Cooldown:      viper.GetDuration("hub.dispatch.cooldown"),
	}

	// Create and run server
	server, err := hub.NewServer(config)
	if err != nil {
		logger.Error("failed to create hub server", "error", err)
		return err
	}

	logger.Info("hub server configuration",
		"db_host", config.DBHost,
		"db_port", config.DBPort,
		"db_name", config.DBName,
		"rabbitmq_url", config.RabbitMQURL,
		"exchange", config.Exchange,
		"queue", config.QueueName,
		"http_port", config.HTTPPort,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("hub server error", "error", err)
		return err
	}

	logger.Info("hub server stopped")
	return nil
}

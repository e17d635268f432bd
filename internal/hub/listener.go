package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/norian27/Smart-Greenhouse-System/internal/codec"
	"github.com/norian27/Smart-Greenhouse-System/internal/dispatch"
	"github.com/norian27/Smart-Greenhouse-System/internal/registry"
	"github.com/norian27/Smart-Greenhouse-System/internal/store"
	"github.com/norian27/Smart-Greenhouse-System/internal/telemetry"
	"github.com/norian27/Smart-Greenhouse-System/pkg/bus"
)

// Listener drains the device-facing bus queue and routes each decoded
// message to the owning component.
type Listener struct {
	logger    *slog.Logger
	client    bus.ClientInterface
	registry  *registry.Registry
	dispatch  *dispatch.Dispatcher
	telemetry *telemetry.Engine
	done      chan struct{}
}

// ListenerConfig holds the configuration for the Listener.
type ListenerConfig struct {
	Logger    *slog.Logger
	Client    bus.ClientInterface
	Registry  *registry.Registry
	Dispatch  *dispatch.Dispatcher
	Telemetry *telemetry.Engine
}

// NewListener creates a Listener.
func NewListener(cfg *ListenerConfig) (*Listener, error) {
	if cfg == nil {
		return nil, errors.New("listener config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Client == nil {
		return nil, errors.New("bus client cannot be nil")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if cfg.Dispatch == nil {
		return nil, errors.New("dispatcher cannot be nil")
	}
	if cfg.Telemetry == nil {
		return nil, errors.New("telemetry engine cannot be nil")
	}

	return &Listener{
		logger:    cfg.Logger,
		client:    cfg.Client,
		registry:  cfg.Registry,
		dispatch:  cfg.Dispatch,
		telemetry: cfg.Telemetry,
		done:      make(chan struct{}),
	}, nil
}

// Start begins consuming device messages.
func (l *Listener) Start(ctx context.Context) error {
	l.logger.Info("starting bus listener")

	// Wait for the bus client to be ready.
	time.Sleep(2 * time.Second)

	deliveries, err := l.client.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	l.logger.Info("bus listener started, waiting for messages")

	go l.processMessages(ctx, deliveries)

	return nil
}

// Done is closed once the processing loop has drained and exited.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

func (l *Listener) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("context canceled, stopping message processing")
			close(l.done)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				l.logger.Warn("deliveries channel closed")
				close(l.done)
				return
			}

			l.handleDelivery(ctx, delivery)
		}
	}
}

// handleDelivery decodes one delivery and routes it. Malformed messages are
// acked and dropped so they never wedge the queue; handler failures are
// nacked for redelivery.
func (l *Listener) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	topic := bus.TopicOf(delivery)

	message, err := codec.Decode(topic, delivery.Body)
	if err != nil {
		var decodeErr *codec.DecodeError
		if errors.As(err, &decodeErr) {
			l.logger.Warn("dropping malformed message",
				"topic", topic,
				"error", err,
			)
			if ackErr := delivery.Ack(false); ackErr != nil {
				l.logger.Error("failed to ack message", "error", ackErr)
			}
			return
		}
		l.logger.Error("failed to decode message", "topic", topic, "error", err)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			l.logger.Error("failed to nack message", "error", nackErr)
		}
		return
	}

	if err := l.route(ctx, message); err != nil {
		l.logger.Error("failed to handle message",
			"topic", topic,
			"device_id", message.Device().DeviceID,
			"error", err,
		)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			l.logger.Error("failed to nack message", "error", nackErr)
		}
		return
	}

	if err := delivery.Ack(false); err != nil {
		l.logger.Error("failed to ack message", "error", err)
	}
}

func (l *Listener) route(ctx context.Context, message codec.Message) error {
	env := message.Device()

	switch m := message.(type) {
	case *codec.Register:
		result, err := l.registry.ObserveRegistration(ctx, env.DeviceID, env.Kind, m.Name)
		if err != nil {
			return err
		}
		l.logger.Debug("registration observed",
			"device_id", env.DeviceID,
			"result", result,
		)
		return nil

	case *codec.Heartbeat:
		return l.registry.ObserveHeartbeat(ctx, env.DeviceID, env.Kind)

	case *codec.Reading:
		_, err := l.telemetry.Ingest(ctx, env.DeviceID, m.CapturedAt, m.Fields)
		if errors.Is(err, telemetry.ErrUnknownDevice) {
			// Unregistered sources are silently dropped.
			l.logger.Debug("dropping reading from unknown device",
				"device_id", env.DeviceID,
			)
			return nil
		}
		return err

	case *codec.Ack:
		err := l.dispatch.ObserveAck(ctx, env.DeviceID, m.CommandID, m.Result)
		if errors.Is(err, store.ErrNotFound) {
			l.logger.Debug("dropping ack from unknown device",
				"device_id", env.DeviceID,
			)
			return nil
		}
		return err

	case *codec.CheckRequest:
		registered, err := l.registry.IsRegistered(ctx, env.DeviceID)
		if err != nil {
			return err
		}
		topic, payload := codec.EncodeCheckResponse(env.Kind, env.DeviceID, registered)
		return l.client.Publish(ctx, topic, payload)

	case *codec.SettingsRequest:
		interval, err := l.registry.ReportInterval(ctx, env.DeviceID)
		if errors.Is(err, store.ErrNotFound) {
			// Unknown devices get the default until they register.
			interval = registry.DefaultReportInterval
		} else if err != nil {
			return err
		}
		topic, payload := codec.EncodeSettingsResponse(env.Kind, env.DeviceID, interval)
		return l.client.Publish(ctx, topic, payload)

	default:
		return fmt.Errorf("unhandled message type %T", message)
	}
}

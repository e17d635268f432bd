package bus

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the outbound half of the bus. The dispatcher and the hub's
// device-facing replies depend on this rather than on the concrete client,
// which keeps them testable with a recording fake.
type Publisher interface {
	// Publish pushes data under a topic and waits for broker confirmation.
	Publish(ctx context.Context, topic string, data []byte) error
}

// ClientInterface defines the full set of bus operations.
// This interface enables easier testing through mocking and dependency injection.
type ClientInterface interface {
	Publisher

	// UnsafePublish publishes without waiting for a broker confirmation.
	UnsafePublish(ctx context.Context, topic string, data []byte) error

	// Consume will continuously put queue items on the channel.
	// It is required to call delivery.Ack when it has been successfully
	// processed, or delivery.Nack when it fails.
	Consume() (<-chan amqp.Delivery, error)

	// Close will cleanly shut down the channel and connection.
	Close() error
}

// Ensure Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)

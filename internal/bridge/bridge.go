// Package bridge fans domain events out to real-time subscribers. Producers
// never block: the intake channel is bounded, and each subscriber has its
// own bounded buffer that discards the oldest event on overflow. Delivery
// is at-most-once.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/norian27/Smart-Greenhouse-System/internal/event"
	"github.com/norian27/Smart-Greenhouse-System/pkg/metrics"
)

const (
	// DefaultIntakeBuffer bounds the channel between producers and the
	// fan-out loop.
	DefaultIntakeBuffer = 256
	// DefaultSubscriberBuffer bounds each subscriber's delivery queue.
	DefaultSubscriberBuffer = 32
)

// Subscriber is one registered event consumer.
type Subscriber struct {
	ch       chan event.Event
	deviceID string
	all      bool
}

// Events is the subscriber's delivery channel. It is closed when the
// subscriber is removed or the bridge shuts down.
func (s *Subscriber) Events() <-chan event.Event {
	return s.ch
}

func (s *Subscriber) wants(ev event.Event) bool {
	if s.all {
		return true
	}
	return ev.DeviceID == s.deviceID
}

// Bridge decouples the coordination core from its real-time consumers.
// It implements event.Sink.
type Bridge struct {
	logger  *slog.Logger
	metrics *metrics.HubMetrics
	intake  chan event.Event
	bufSize int

	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	closed bool
}

// Config holds the dependencies of the Bridge.
type Config struct {
	Logger *slog.Logger
	// Metrics is the optional Prometheus collector.
	Metrics *metrics.HubMetrics
	// IntakeBuffer sizes the producer-facing channel; DefaultIntakeBuffer
	// when zero.
	IntakeBuffer int
	// SubscriberBuffer sizes each subscriber queue; DefaultSubscriberBuffer
	// when zero.
	SubscriberBuffer int
}

// New creates a Bridge.
func New(cfg *Config) (*Bridge, error) {
	if cfg == nil {
		return nil, errors.New("bridge config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	intake := cfg.IntakeBuffer
	if intake <= 0 {
		intake = DefaultIntakeBuffer
	}
	bufSize := cfg.SubscriberBuffer
	if bufSize <= 0 {
		bufSize = DefaultSubscriberBuffer
	}

	return &Bridge{
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		intake:  make(chan event.Event, intake),
		bufSize: bufSize,
		subs:    make(map[*Subscriber]struct{}),
	}, nil
}

// Publish enqueues one event for fan-out. It never blocks; when the intake
// buffer is full the event is dropped and counted.
func (b *Bridge) Publish(ev event.Event) {
	select {
	case b.intake <- ev:
	default:
		b.countDropped()
		b.logger.Warn("event intake full, dropping",
			"type", ev.Type,
			"device_id", ev.DeviceID,
		)
	}
}

// Run fans events out to subscribers until the context is canceled, then
// closes every subscriber channel.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("broadcast bridge started")
	defer b.shutdown()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("broadcast bridge stopped")
			return ctx.Err()
		case ev := <-b.intake:
			b.fanOut(ev)
		}
	}
}

func (b *Bridge) fanOut(ev event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		if !sub.wants(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Full queue: make room by discarding the oldest event, then
		// retry once. The subscriber misses events rather than stalling
		// the fan-out.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
		b.countDropped()
	}
}

// SubscribeAll registers a consumer for every event.
func (b *Bridge) SubscribeAll() *Subscriber {
	return b.subscribe(&Subscriber{all: true})
}

// SubscribeDevice registers a consumer for one device's events.
func (b *Bridge) SubscribeDevice(deviceID string) *Subscriber {
	return b.subscribe(&Subscriber{deviceID: deviceID})
}

func (b *Bridge) subscribe(sub *Subscriber) *Subscriber {
	sub.ch = make(chan event.Event, b.bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	b.gaugeSubscribers(len(b.subs))
	return sub
}

// Unsubscribe removes a consumer and closes its channel. Calling it twice
// is safe.
func (b *Bridge) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
	b.gaugeSubscribers(len(b.subs))
}

func (b *Bridge) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
	b.gaugeSubscribers(0)
}

func (b *Bridge) countDropped() {
	if b.metrics != nil {
		b.metrics.BroadcastDropped.Inc()
	}
}

func (b *Bridge) gaugeSubscribers(n int) {
	if b.metrics != nil {
		b.metrics.BroadcastSubscribers.Set(float64(n))
	}
}

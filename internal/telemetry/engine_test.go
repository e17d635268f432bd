package telemetry_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/norian27/Smart-Greenhouse-System/internal/devicelock"
	"github.com/norian27/Smart-Greenhouse-System/internal/event"
	"github.com/norian27/Smart-Greenhouse-System/internal/model"
	"github.com/norian27/Smart-Greenhouse-System/internal/store"
	"github.com/norian27/Smart-Greenhouse-System/internal/telemetry"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Publish(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Types() []event.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]event.Type, 0, len(r.events))
	for _, ev := range r.events {
		types = append(types, ev.Type)
	}
	return types
}

func f(v float64) *float64 { return &v }

var _ = Describe("Engine", func() {
	var (
		ctx    context.Context
		memory *store.Memory
		sink   *recorder
		engine *telemetry.Engine
		now    time.Time
	)

	ingest := func(deviceID string, fields map[string]float64) telemetry.IngestResult {
		result, err := engine.Ingest(ctx, deviceID, now, fields)
		Expect(err).NotTo(HaveOccurred())
		return result
	}

	BeforeEach(func() {
		ctx = context.Background()
		memory = store.NewMemory()
		sink = &recorder{}
		now = time.Now().UTC()

		var err error
		engine, err = telemetry.New(&telemetry.Config{
			Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
			Store:  memory,
			Locks:  devicelock.NewKeyed(),
			Sink:   sink,
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(memory.CreateDevice(ctx, &model.Device{
			UniqueID:     "sensor-01",
			Kind:         model.KindSensor,
			Registration: model.RegistrationConfirmed,
			Status:       model.StatusActive,
		})).To(Succeed())
	})

	Describe("Ingest", func() {
		It("should reject readings from unknown devices", func() {
			_, err := engine.Ingest(ctx, "ghost", now, map[string]float64{"temperature": 20})
			Expect(err).To(MatchError(telemetry.ErrUnknownDevice))
			Expect(memory.Readings()).To(BeEmpty())
		})

		It("should reject readings from pending devices", func() {
			Expect(memory.CreateDevice(ctx, &model.Device{
				UniqueID:     "sensor-02",
				Kind:         model.KindSensor,
				Registration: model.RegistrationPending,
			})).To(Succeed())

			_, err := engine.Ingest(ctx, "sensor-02", now, map[string]float64{"temperature": 20})
			Expect(err).To(MatchError(telemetry.ErrUnknownDevice))
		})

		It("should cache the latest reading and append history", func() {
			ingest("sensor-01", map[string]float64{"temperature": 21.5, "humidity": 60})
			ingest("sensor-01", map[string]float64{"temperature": 22.0, "humidity": 59})

			device, err := memory.DeviceByUniqueID(ctx, "sensor-01")
			Expect(err).NotTo(HaveOccurred())
			Expect(device.LatestReading()).To(HaveKeyWithValue("temperature", 22.0))
			Expect(device.LastSeen).NotTo(BeNil())

			// History keeps both rows.
			Expect(memory.Readings()).To(HaveLen(2))
			Expect(sink.Types()).To(Equal([]event.Type{event.TypeSensorUpdated, event.TypeSensorUpdated}))
		})

		It("should store readings with no thresholded metrics without alert activity", func() {
			result := ingest("sensor-01", map[string]float64{"temperature": 99})
			Expect(result.Raised).To(BeEmpty())
			Expect(result.Resolved).To(BeEmpty())
			Expect(memory.AlertCount()).To(BeZero())
		})

		Context("with a temperature threshold", func() {
			BeforeEach(func() {
				Expect(memory.ReplaceThresholds(ctx, "sensor-01", []model.Threshold{
					{DeviceID: "sensor-01", Metric: "temperature", Low: f(5), High: f(30)},
				})).To(Succeed())
			})

			It("should raise an alert on a high breach", func() {
				result := ingest("sensor-01", map[string]float64{"temperature": 35})
				Expect(result.Raised).To(ConsistOf("temperature"))

				alert, err := memory.ActiveAlert(ctx, "sensor-01", "temperature")
				Expect(err).NotTo(HaveOccurred())
				Expect(alert.Message).To(ContainSubstring("above threshold"))
				Expect(alert.Value).To(Equal(35.0))

				Expect(sink.Types()).To(ContainElement(event.TypeAlertRaised))
			})

			It("should raise an alert on a low breach", func() {
				result := ingest("sensor-01", map[string]float64{"temperature": 2})
				Expect(result.Raised).To(ConsistOf("temperature"))

				alert, err := memory.ActiveAlert(ctx, "sensor-01", "temperature")
				Expect(err).NotTo(HaveOccurred())
				Expect(alert.Message).To(ContainSubstring("below threshold"))
			})

			It("should treat the bounds as inclusive", func() {
				result := ingest("sensor-01", map[string]float64{"temperature": 30})
				Expect(result.Raised).To(ConsistOf("temperature"))
			})

			It("should refresh a persisting breach instead of duplicating", func() {
				ingest("sensor-01", map[string]float64{"temperature": 35})
				result := ingest("sensor-01", map[string]float64{"temperature": 36})

				Expect(result.Raised).To(BeEmpty())
				Expect(memory.AlertCount()).To(Equal(1))

				alert, err := memory.ActiveAlert(ctx, "sensor-01", "temperature")
				Expect(err).NotTo(HaveOccurred())
				Expect(alert.Value).To(Equal(36.0))

				// Exactly one raise announcement.
				raised := 0
				for _, t := range sink.Types() {
					if t == event.TypeAlertRaised {
						raised++
					}
				}
				Expect(raised).To(Equal(1))
			})

			It("should resolve the alert once the value returns in bounds", func() {
				ingest("sensor-01", map[string]float64{"temperature": 35})
				result := ingest("sensor-01", map[string]float64{"temperature": 25})

				Expect(result.Resolved).To(ConsistOf("temperature"))
				_, err := memory.ActiveAlert(ctx, "sensor-01", "temperature")
				Expect(err).To(MatchError(store.ErrNotFound))

				Expect(sink.Types()).To(ContainElement(event.TypeAlertResolved))
			})

			It("should allow a fresh alert after a resolve", func() {
				ingest("sensor-01", map[string]float64{"temperature": 35})
				ingest("sensor-01", map[string]float64{"temperature": 25})
				result := ingest("sensor-01", map[string]float64{"temperature": 40})

				Expect(result.Raised).To(ConsistOf("temperature"))
				Expect(memory.AlertCount()).To(Equal(2))
			})

			It("should track metrics independently", func() {
				Expect(memory.ReplaceThresholds(ctx, "sensor-01", []model.Threshold{
					{DeviceID: "sensor-01", Metric: "temperature", High: f(30)},
					{DeviceID: "sensor-01", Metric: "humidity", Low: f(30)},
				})).To(Succeed())

				result := ingest("sensor-01", map[string]float64{"temperature": 35, "humidity": 20})
				Expect(result.Raised).To(ConsistOf("humidity", "temperature"))

				result = ingest("sensor-01", map[string]float64{"temperature": 25, "humidity": 20})
				Expect(result.Resolved).To(ConsistOf("temperature"))

				_, err := memory.ActiveAlert(ctx, "sensor-01", "humidity")
				Expect(err).NotTo(HaveOccurred())
			})
		})
	})

	Describe("ResolveAlert", func() {
		BeforeEach(func() {
			Expect(memory.ReplaceThresholds(ctx, "sensor-01", []model.Threshold{
				{DeviceID: "sensor-01", Metric: "temperature", High: f(30)},
			})).To(Succeed())
			ingest("sensor-01", map[string]float64{"temperature": 35})
		})

		It("should close an active alert on operator request", func() {
			alert, err := memory.ActiveAlert(ctx, "sensor-01", "temperature")
			Expect(err).NotTo(HaveOccurred())

			Expect(engine.ResolveAlert(ctx, alert.ID)).To(Succeed())

			_, err = memory.ActiveAlert(ctx, "sensor-01", "temperature")
			Expect(err).To(MatchError(store.ErrNotFound))
			Expect(sink.Types()).To(ContainElement(event.TypeAlertResolved))
		})

		It("should be a no-op for an already resolved alert", func() {
			alert, err := memory.ActiveAlert(ctx, "sensor-01", "temperature")
			Expect(err).NotTo(HaveOccurred())

			Expect(engine.ResolveAlert(ctx, alert.ID)).To(Succeed())
			Expect(engine.ResolveAlert(ctx, alert.ID)).To(Succeed())
		})

		It("should fail for an unknown alert", func() {
			Expect(engine.ResolveAlert(ctx, 999)).To(MatchError(store.ErrNotFound))
		})
	})

	Describe("UpdateThresholds", func() {
		It("should replace the threshold set", func() {
			Expect(engine.UpdateThresholds(ctx, "sensor-01", []telemetry.Bound{
				{Metric: "temperature", Low: f(5), High: f(30)},
			})).To(Succeed())

			Expect(engine.UpdateThresholds(ctx, "sensor-01", []telemetry.Bound{
				{Metric: "humidity", Low: f(30)},
			})).To(Succeed())

			thresholds, err := memory.ThresholdsFor(ctx, "sensor-01")
			Expect(err).NotTo(HaveOccurred())
			Expect(thresholds).To(HaveLen(1))
			Expect(thresholds[0].Metric).To(Equal("humidity"))
		})

		It("should reject an empty metric name", func() {
			err := engine.UpdateThresholds(ctx, "sensor-01", []telemetry.Bound{{Metric: ""}})
			Expect(err).To(HaveOccurred())
		})

		It("should reject inverted bounds", func() {
			err := engine.UpdateThresholds(ctx, "sensor-01", []telemetry.Bound{
				{Metric: "temperature", Low: f(30), High: f(5)},
			})
			Expect(err).To(HaveOccurred())
		})

		It("should fail for an unknown device", func() {
			err := engine.UpdateThresholds(ctx, "ghost", nil)
			Expect(err).To(MatchError(store.ErrNotFound))
		})
	})
})

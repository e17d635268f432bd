package dispatch_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/norian27/Smart-Greenhouse-System/internal/codec"
	"github.com/norian27/Smart-Greenhouse-System/internal/devicelock"
	"github.com/norian27/Smart-Greenhouse-System/internal/dispatch"
	"github.com/norian27/Smart-Greenhouse-System/internal/model"
	"github.com/norian27/Smart-Greenhouse-System/internal/store"
)

// recordingPublisher captures published topics and payloads.
type recordingPublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, data)
	return nil
}

func (p *recordingPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

var _ = Describe("Dispatcher", func() {
	var (
		ctx       context.Context
		memory    *store.Memory
		publisher *recordingPublisher
		d         *dispatch.Dispatcher
	)

	newDevice := func(uniqueID string, kind model.DeviceKind, registration model.RegistrationState) *model.Device {
		device := &model.Device{
			UniqueID:       uniqueID,
			Kind:           kind,
			Registration:   registration,
			Status:         model.StatusInactive,
			ReportInterval: 60,
		}
		Expect(memory.CreateDevice(ctx, device)).To(Succeed())
		return device
	}

	BeforeEach(func() {
		ctx = context.Background()
		memory = store.NewMemory()
		publisher = &recordingPublisher{}

		var err error
		d, err = dispatch.New(&dispatch.Config{
			Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
			Store:     memory,
			Locks:     devicelock.NewKeyed(),
			Publisher: publisher,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Issue", func() {
		It("should publish and record an activate command", func() {
			newDevice("system-07", model.KindEnvironmentalSystem, model.RegistrationConfirmed)

			result, err := d.Issue(ctx, "system-07", model.ActionActivate, dispatch.Params{}, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(dispatch.ResultSent))

			Expect(publisher.Topics()).To(ConsistOf("greenhouse/system/system-07/command"))

			device, err := memory.DeviceByUniqueID(ctx, "system-07")
			Expect(err).NotTo(HaveOccurred())
			Expect(device.Status).To(Equal(model.StatusWaiting))
			Expect(device.IsActive).To(BeTrue())

			pending, err := memory.PendingCommand(ctx, "system-07")
			Expect(err).NotTo(HaveOccurred())
			Expect(pending.Action).To(Equal(model.ActionActivate))
			Expect(pending.CommandID).NotTo(BeEmpty())
		})

		It("should reject a command within the cooldown window", func() {
			newDevice("system-07", model.KindEnvironmentalSystem, model.RegistrationConfirmed)

			result, err := d.Issue(ctx, "system-07", model.ActionActivate, dispatch.Params{}, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(dispatch.ResultSent))

			result, err = d.Issue(ctx, "system-07", model.ActionActivate, dispatch.Params{}, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(dispatch.ResultRejectedCooldown))

			// Only the first command reached the wire.
			Expect(publisher.Topics()).To(HaveLen(1))
		})

		It("should throttle per action class, not per device", func() {
			newDevice("system-07", model.KindEnvironmentalSystem, model.RegistrationConfirmed)

			_, err := d.Issue(ctx, "system-07", model.ActionActivate, dispatch.Params{}, false)
			Expect(err).NotTo(HaveOccurred())

			result, err := d.Issue(ctx, "system-07", model.ActionDeactivate, dispatch.Params{}, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(dispatch.ResultSent))
		})

		It("should bypass cooldown when asked", func() {
			newDevice("system-07", model.KindEnvironmentalSystem, model.RegistrationConfirmed)

			_, err := d.Issue(ctx, "system-07", model.ActionActivate, dispatch.Params{}, false)
			Expect(err).NotTo(HaveOccurred())

			result, err := d.Issue(ctx, "system-07", model.ActionActivate, dispatch.Params{}, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(dispatch.ResultSent))
		})

		It("should allow a command once the cooldown has elapsed", func() {
			newDevice("system-07", model.KindEnvironmentalSystem, model.RegistrationConfirmed)

			_, err := d.Issue(ctx, "system-07", model.ActionActivate, dispatch.Params{}, false)
			Expect(err).NotTo(HaveOccurred())

			// Backdate the stored cooldown instead of sleeping.
			latest, err := memory.LatestCommand(ctx, "system-07", model.ActionActivate)
			Expect(err).NotTo(HaveOccurred())
			latest.CooldownUntil = time.Now().UTC().Add(-time.Second)
			latest.State = model.CommandAcked
			Expect(memory.SaveCommand(ctx, latest)).To(Succeed())

			result, err := d.Issue(ctx, "system-07", model.ActionActivate, dispatch.Params{}, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(dispatch.ResultSent))
		})

		Context("with a set_angle command", func() {
			It("should publish the angle and store it on the device", func() {
				newDevice("system-07", model.KindEnvironmentalSystem, model.RegistrationConfirmed)

				angle := 45.0
				result, err := d.Issue(ctx, "system-07", model.ActionSetAngle, dispatch.Params{Angle: &angle}, false)
				Expect(err).NotTo(HaveOccurred())
				Expect(result).To(Equal(dispatch.ResultSent))

				device, err := memory.DeviceByUniqueID(ctx, "system-07")
				Expect(err).NotTo(HaveOccurred())
				Expect(device.CurrentAngle).To(Equal(45.0))
			})

			DescribeTable("should reject out-of-range angles before dispatch",
				func(angle float64) {
					newDevice("system-07", model.KindEnvironmentalSystem, model.RegistrationConfirmed)

					_, err := d.Issue(ctx, "system-07", model.ActionSetAngle, dispatch.Params{Angle: &angle}, false)
					Expect(err).To(MatchError(dispatch.ErrInvalidParameter))
					Expect(publisher.Topics()).To(BeEmpty())
				},
				Entry("negative", -1.0),
				Entry("above the mechanical limit", 90.5),
			)

			It("should accept the boundary angles", func() {
				newDevice("system-07", model.KindEnvironmentalSystem, model.RegistrationConfirmed)

				for _, angle := range []float64{0, 90} {
					a := angle
					_, err := d.Issue(ctx, "system-07", model.ActionSetAngle, dispatch.Params{Angle: &a}, true)
					Expect(err).NotTo(HaveOccurred())
				}
			})

			It("should require an angle", func() {
				newDevice("system-07", model.KindEnvironmentalSystem, model.RegistrationConfirmed)

				_, err := d.Issue(ctx, "system-07", model.ActionSetAngle, dispatch.Params{}, false)
				Expect(err).To(MatchError(dispatch.ErrInvalidParameter))
			})
		})

		It("should reject commands to sensors", func() {
			newDevice("sensor-01", model.KindSensor, model.RegistrationConfirmed)

			_, err := d.Issue(ctx, "sensor-01", model.ActionActivate, dispatch.Params{}, false)
			Expect(err).To(MatchError(dispatch.ErrInvalidParameter))
		})

		It("should reject commands to unconfirmed devices", func() {
			newDevice("system-07", model.KindEnvironmentalSystem, model.RegistrationPending)

			_, err := d.Issue(ctx, "system-07", model.ActionActivate, dispatch.Params{}, false)
			Expect(err).To(MatchError(dispatch.ErrNotConfirmed))
		})

		It("should reject an unknown action", func() {
			newDevice("system-07", model.KindEnvironmentalSystem, model.RegistrationConfirmed)

			_, err := d.Issue(ctx, "system-07", "explode", dispatch.Params{}, false)
			Expect(err).To(MatchError(dispatch.ErrInvalidParameter))
		})

		It("should fail for an unknown device", func() {
			_, err := d.Issue(ctx, "ghost", model.ActionActivate, dispatch.Params{}, false)
			Expect(err).To(MatchError(store.ErrNotFound))
		})
	})

	Describe("ObserveAck", func() {
		issue := func(deviceID string, action model.CommandAction) *model.Command {
			_, err := d.Issue(ctx, deviceID, action, dispatch.Params{}, true)
			Expect(err).NotTo(HaveOccurred())
			pending, err := memory.PendingCommand(ctx, deviceID)
			Expect(err).NotTo(HaveOccurred())
			return pending
		}

		It("should settle a waiting device to active on a positive ack", func() {
			newDevice("system-07", model.KindEnvironmentalSystem, model.RegistrationConfirmed)
			pending := issue("system-07", model.ActionActivate)

			Expect(d.ObserveAck(ctx, "system-07", pending.CommandID, codec.AckActive)).To(Succeed())

			device, err := memory.DeviceByUniqueID(ctx, "system-07")
			Expect(err).NotTo(HaveOccurred())
			Expect(device.Status).To(Equal(model.StatusActive))
			Expect(device.IsActive).To(BeTrue())
			Expect(device.LastSeen).NotTo(BeNil())

			_, err = memory.PendingCommand(ctx, "system-07")
			Expect(err).To(MatchError(store.ErrNotFound))
		})

		DescribeTable("should settle a waiting device to inactive",
			func(result codec.AckResult) {
				newDevice("system-07", model.KindEnvironmentalSystem, model.RegistrationConfirmed)
				pending := issue("system-07", model.ActionDeactivate)

				Expect(d.ObserveAck(ctx, "system-07", pending.CommandID, result)).To(Succeed())

				device, err := memory.DeviceByUniqueID(ctx, "system-07")
				Expect(err).NotTo(HaveOccurred())
				Expect(device.Status).To(Equal(model.StatusInactive))
				Expect(device.IsActive).To(BeFalse())
			},
			Entry("device reports inactive", codec.AckInactive),
			Entry("device refuses the command", codec.AckRefused),
		)

		It("should drop an ack with no pending command", func() {
			newDevice("system-07", model.KindEnvironmentalSystem, model.RegistrationConfirmed)

			Expect(d.ObserveAck(ctx, "system-07", "stale", codec.AckActive)).To(Succeed())

			device, err := memory.DeviceByUniqueID(ctx, "system-07")
			Expect(err).NotTo(HaveOccurred())
			Expect(device.Status).To(Equal(model.StatusInactive))
		})

		It("should drop an ack for a superseded command", func() {
			newDevice("system-07", model.KindEnvironmentalSystem, model.RegistrationConfirmed)
			issue("system-07", model.ActionActivate)

			Expect(d.ObserveAck(ctx, "system-07", "some-older-command", codec.AckActive)).To(Succeed())

			// The pending command survives untouched.
			pending, err := memory.PendingCommand(ctx, "system-07")
			Expect(err).NotTo(HaveOccurred())
			Expect(pending.State).To(Equal(model.CommandPending))
		})

		It("should not resurrect a device demoted while waiting", func() {
			newDevice("system-07", model.KindEnvironmentalSystem, model.RegistrationConfirmed)
			pending := issue("system-07", model.ActionActivate)

			// Liveness demoted the device before the ack arrived.
			device, err := memory.DeviceByUniqueID(ctx, "system-07")
			Expect(err).NotTo(HaveOccurred())
			device.Status = model.StatusUnreachable
			device.IsActive = false
			Expect(memory.SaveDevice(ctx, device)).To(Succeed())

			Expect(d.ObserveAck(ctx, "system-07", pending.CommandID, codec.AckActive)).To(Succeed())

			device, err = memory.DeviceByUniqueID(ctx, "system-07")
			Expect(err).NotTo(HaveOccurred())
			Expect(device.Status).To(Equal(model.StatusUnreachable))
			// The liveness signal still counts.
			Expect(device.LastSeen).NotTo(BeNil())
		})
	})
})

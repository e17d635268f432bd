package model_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/norian27/Smart-Greenhouse-System/internal/model"
)

func f(v float64) *float64 { return &v }

var _ = Describe("Threshold", func() {
	DescribeTable("Breached",
		func(low, high *float64, value float64, expected bool) {
			threshold := model.Threshold{Low: low, High: high}
			Expect(threshold.Breached(value)).To(Equal(expected))
		},
		Entry("within both bounds", f(10), f(30), 20.0, false),
		Entry("at the low bound", f(10), f(30), 10.0, true),
		Entry("below the low bound", f(10), f(30), 5.0, true),
		Entry("at the high bound", f(10), f(30), 30.0, true),
		Entry("above the high bound", f(10), f(30), 35.0, true),
		Entry("low-only, in range", f(10), nil, 1000.0, false),
		Entry("low-only, breached", f(10), nil, 9.9, true),
		Entry("high-only, in range", nil, f(30), -1000.0, false),
		Entry("high-only, breached", nil, f(30), 30.1, true),
		Entry("unbounded never breaches", nil, nil, 1e9, false),
	)
})

var _ = Describe("Device", func() {
	Describe("SilenceTimeout", func() {
		It("should derive the window from the report interval plus grace", func() {
			device := model.Device{ReportInterval: 300}
			Expect(device.SilenceTimeout(30*time.Second, 5*time.Minute)).To(Equal(5*time.Minute + 30*time.Second))
		})

		It("should fall back when no interval is configured", func() {
			device := model.Device{}
			Expect(device.SilenceTimeout(30*time.Second, 5*time.Minute)).To(Equal(5 * time.Minute))
		})
	})

	Describe("latest reading cache", func() {
		It("should round-trip the cached fields", func() {
			device := model.Device{}
			Expect(device.SetLatestReading(map[string]float64{
				"temperature": 23.5,
				"humidity":    61,
			})).To(Succeed())

			Expect(device.LatestReading()).To(Equal(map[string]float64{
				"temperature": 23.5,
				"humidity":    61,
			}))
		})

		It("should yield an empty map when nothing is cached", func() {
			device := model.Device{}
			Expect(device.LatestReading()).To(BeEmpty())
		})

		It("should yield an empty map for a corrupt cache", func() {
			device := model.Device{LastData: "{not json"}
			Expect(device.LatestReading()).To(BeEmpty())
		})
	})
})

var _ = Describe("Alert", func() {
	It("should be active until resolved", func() {
		alert := model.Alert{}
		Expect(alert.Active()).To(BeTrue())

		now := time.Now().UTC()
		alert.ResolvedAt = &now
		Expect(alert.Active()).To(BeFalse())
	})
})

var _ = Describe("enums", func() {
	DescribeTable("DeviceKind.Valid",
		func(kind model.DeviceKind, expected bool) {
			Expect(kind.Valid()).To(Equal(expected))
		},
		Entry("sensor", model.KindSensor, true),
		Entry("system", model.KindEnvironmentalSystem, true),
		Entry("unknown", model.DeviceKind("drone"), false),
		Entry("empty", model.DeviceKind(""), false),
	)

	DescribeTable("CommandAction.Valid",
		func(action model.CommandAction, expected bool) {
			Expect(action.Valid()).To(Equal(expected))
		},
		Entry("activate", model.ActionActivate, true),
		Entry("deactivate", model.ActionDeactivate, true),
		Entry("set_angle", model.ActionSetAngle, true),
		Entry("unknown", model.CommandAction("explode"), false),
	)
})

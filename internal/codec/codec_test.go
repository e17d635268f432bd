package codec_test

import (
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/norian27/Smart-Greenhouse-System/internal/codec"
	"github.com/norian27/Smart-Greenhouse-System/internal/model"
)

var _ = Describe("Codec", func() {
	Describe("ParseTopic", func() {
		It("should extract the envelope and message type", func() {
			env, t, err := codec.ParseTopic("greenhouse/sensor/sensor-01/reading")
			Expect(err).NotTo(HaveOccurred())
			Expect(env.Kind).To(Equal(model.KindSensor))
			Expect(env.DeviceID).To(Equal("sensor-01"))
			Expect(t).To(Equal(codec.TypeReading))
		})

		DescribeTable("should reject malformed topics",
			func(topic string) {
				_, _, err := codec.ParseTopic(topic)
				var decodeErr *codec.DecodeError
				Expect(err).To(BeAssignableToTypeOf(decodeErr))
			},
			Entry("too few segments", "greenhouse/sensor/reading"),
			Entry("too many segments", "greenhouse/sensor/sensor-01/reading/extra"),
			Entry("wrong namespace", "factory/sensor/sensor-01/reading"),
			Entry("unknown kind", "greenhouse/drone/sensor-01/reading"),
			Entry("empty unique id", "greenhouse/sensor//reading"),
		)
	})

	Describe("Decode", func() {
		Context("with a register message", func() {
			It("should decode the device name", func() {
				msg, err := codec.Decode("greenhouse/sensor/sensor-01/register", []byte(`{"name":"east bed probe"}`))
				Expect(err).NotTo(HaveOccurred())

				register, ok := msg.(*codec.Register)
				Expect(ok).To(BeTrue())
				Expect(register.Name).To(Equal("east bed probe"))
				Expect(register.Device().DeviceID).To(Equal("sensor-01"))
			})

			It("should accept an empty payload", func() {
				msg, err := codec.Decode("greenhouse/sensor/sensor-01/register", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(msg).To(BeAssignableToTypeOf(&codec.Register{}))
			})
		})

		Context("with a heartbeat message", func() {
			It("should decode without a payload", func() {
				msg, err := codec.Decode("greenhouse/system/system-07/heartbeat", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(msg).To(BeAssignableToTypeOf(&codec.Heartbeat{}))
				Expect(msg.Device().Kind).To(Equal(model.KindEnvironmentalSystem))
			})
		})

		Context("with a reading message", func() {
			It("should decode fields and timestamp", func() {
				payload := []byte(`{"captured_at":"2026-08-29T10:00:00Z","fields":{"temperature":21.5,"humidity":60}}`)
				msg, err := codec.Decode("greenhouse/sensor/sensor-01/reading", payload)
				Expect(err).NotTo(HaveOccurred())

				reading, ok := msg.(*codec.Reading)
				Expect(ok).To(BeTrue())
				Expect(reading.Fields).To(HaveKeyWithValue("temperature", 21.5))
				Expect(reading.CapturedAt).To(Equal(time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)))
			})

			It("should default the timestamp when absent", func() {
				msg, err := codec.Decode("greenhouse/sensor/sensor-01/reading", []byte(`{"fields":{"temperature":20}}`))
				Expect(err).NotTo(HaveOccurred())

				reading := msg.(*codec.Reading)
				Expect(reading.CapturedAt).To(BeTemporally("~", time.Now().UTC(), time.Minute))
			})

			It("should reject a reading with no fields", func() {
				_, err := codec.Decode("greenhouse/sensor/sensor-01/reading", []byte(`{"fields":{}}`))
				Expect(err).To(HaveOccurred())
			})

			It("should reject invalid JSON", func() {
				_, err := codec.Decode("greenhouse/sensor/sensor-01/reading", []byte(`{not json`))
				var decodeErr *codec.DecodeError
				Expect(err).To(BeAssignableToTypeOf(decodeErr))
			})
		})

		Context("with an ack message", func() {
			It("should decode the command id and result", func() {
				msg, err := codec.Decode("greenhouse/system/system-07/ack", []byte(`{"command_id":"abc","result":"active"}`))
				Expect(err).NotTo(HaveOccurred())

				ack := msg.(*codec.Ack)
				Expect(ack.CommandID).To(Equal("abc"))
				Expect(ack.Result).To(Equal(codec.AckActive))
			})

			It("should reject an unknown result", func() {
				_, err := codec.Decode("greenhouse/system/system-07/ack", []byte(`{"command_id":"abc","result":"exploded"}`))
				Expect(err).To(HaveOccurred())
			})
		})

		Context("with check and settings requests", func() {
			It("should decode a check request", func() {
				msg, err := codec.Decode("greenhouse/sensor/sensor-01/check", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(msg).To(BeAssignableToTypeOf(&codec.CheckRequest{}))
			})

			It("should decode a settings request", func() {
				msg, err := codec.Decode("greenhouse/sensor/sensor-01/settings", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(msg).To(BeAssignableToTypeOf(&codec.SettingsRequest{}))
			})
		})

		It("should reject an unknown message type", func() {
			_, err := codec.Decode("greenhouse/sensor/sensor-01/selfdestruct", nil)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("EncodeCommand", func() {
		It("should address the command to the device", func() {
			angle := 45.0
			topic, payload, err := codec.EncodeCommand(model.KindEnvironmentalSystem, &model.Command{
				CommandID: "cmd-1",
				DeviceID:  "system-07",
				Action:    model.ActionSetAngle,
				Angle:     &angle,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(topic).To(Equal("greenhouse/system/system-07/command"))

			var decoded map[string]any
			Expect(json.Unmarshal(payload, &decoded)).To(Succeed())
			Expect(decoded).To(HaveKeyWithValue("command_id", "cmd-1"))
			Expect(decoded).To(HaveKeyWithValue("action", "set_angle"))
			Expect(decoded).To(HaveKeyWithValue("angle", 45.0))
		})

		It("should omit the angle when not set", func() {
			_, payload, err := codec.EncodeCommand(model.KindEnvironmentalSystem, &model.Command{
				CommandID: "cmd-2",
				DeviceID:  "system-07",
				Action:    model.ActionActivate,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(string(payload)).NotTo(ContainSubstring("angle"))
		})

		It("should reject an unknown action", func() {
			_, _, err := codec.EncodeCommand(model.KindEnvironmentalSystem, &model.Command{
				CommandID: "cmd-3",
				DeviceID:  "system-07",
				Action:    "launch",
			})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("round trips", func() {
		It("should decode an encoded reading", func() {
			capturedAt := time.Date(2026, 8, 29, 12, 30, 0, 0, time.UTC)
			topic, payload, err := codec.EncodeReading(model.KindSensor, "sensor-01", capturedAt, map[string]float64{"temperature": 33.3})
			Expect(err).NotTo(HaveOccurred())

			msg, err := codec.Decode(topic, payload)
			Expect(err).NotTo(HaveOccurred())

			reading := msg.(*codec.Reading)
			Expect(reading.CapturedAt).To(Equal(capturedAt))
			Expect(reading.Fields).To(HaveKeyWithValue("temperature", 33.3))
		})

		It("should decode an encoded ack", func() {
			topic, payload := codec.EncodeAck(model.KindEnvironmentalSystem, "system-07", "cmd-1", codec.AckRefused)
			msg, err := codec.Decode(topic, payload)
			Expect(err).NotTo(HaveOccurred())

			ack := msg.(*codec.Ack)
			Expect(ack.CommandID).To(Equal("cmd-1"))
			Expect(ack.Result).To(Equal(codec.AckRefused))
		})
	})

	Describe("responses", func() {
		It("should encode a check response", func() {
			topic, payload := codec.EncodeCheckResponse(model.KindSensor, "sensor-01", true)
			Expect(topic).To(Equal("greenhouse/sensor/sensor-01/check_response"))
			Expect(string(payload)).To(MatchJSON(`{"registered": true}`))
		})

		It("should encode a settings response", func() {
			topic, payload := codec.EncodeSettingsResponse(model.KindSensor, "sensor-01", 120)
			Expect(topic).To(Equal("greenhouse/sensor/sensor-01/settings_response"))
			Expect(string(payload)).To(MatchJSON(`{"report_interval": 120}`))
		})
	})
})

// Package codec parses and serializes wire payloads and topic strings into
// typed messages. It is pure: no side effects, no transport knowledge, so it
// can be tested against literal byte strings.
package codec

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/norian27/Smart-Greenhouse-System/internal/model"
)

// Namespace is the leading topic segment shared by all greenhouse traffic.
const Namespace = "greenhouse"

// MessageType is the trailing topic segment selecting the payload schema.
type MessageType string

const (
	// Inbound, produced by devices.
	TypeRegister  MessageType = "register"
	TypeHeartbeat MessageType = "heartbeat"
	TypeReading   MessageType = "reading"
	TypeAck       MessageType = "ack"
	TypeCheck     MessageType = "check"
	TypeSettings  MessageType = "settings"

	// Outbound, produced by the hub.
	TypeCommand          MessageType = "command"
	TypeCheckResponse    MessageType = "check_response"
	TypeSettingsResponse MessageType = "settings_response"
)

// AckResult is the confirmed effect a device reports for a command.
type AckResult string

const (
	AckActive   AckResult = "active"
	AckInactive AckResult = "inactive"
	AckRefused  AckResult = "refused"
)

// Valid reports whether r is a known ack result.
func (r AckResult) Valid() bool {
	return r == AckActive || r == AckInactive || r == AckRefused
}

// DecodeError marks malformed wire data. Decode failures are contained at
// the boundary: the listener logs them and drops the message, they are never
// fatal.
type DecodeError struct {
	Topic  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %q: %s: %v", e.Topic, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %q: %s", e.Topic, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Envelope carries the device identity extracted from the topic.
type Envelope struct {
	Kind     model.DeviceKind
	DeviceID string
}

// Message is one decoded inbound wire message.
type Message interface {
	Device() Envelope
}

func (e Envelope) Device() Envelope { return e }

// Register is a device announcing itself for registration.
type Register struct {
	Envelope
	Name string
}

// Heartbeat is a liveness signal distinct from a data reading.
type Heartbeat struct {
	Envelope
}

// Reading carries one set of sensor values.
type Reading struct {
	Envelope
	CapturedAt time.Time
	Fields     map[string]float64
}

// Ack is a device confirming (or refusing) a previously issued command.
type Ack struct {
	Envelope
	CommandID string
	Result    AckResult
}

// CheckRequest is a device asking whether it is registered.
type CheckRequest struct {
	Envelope
}

// SettingsRequest is a device asking for its report interval.
type SettingsRequest struct {
	Envelope
}

// Topic builds the canonical slash-separated topic for a message type.
func Topic(kind model.DeviceKind, uniqueID string, t MessageType) string {
	return strings.Join([]string{Namespace, string(kind), uniqueID, string(t)}, "/")
}

// ParseTopic splits a topic into its envelope and message type.
func ParseTopic(topic string) (Envelope, MessageType, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 {
		return Envelope{}, "", &DecodeError{Topic: topic, Reason: "expected 4 segments"}
	}
	if parts[0] != Namespace {
		return Envelope{}, "", &DecodeError{Topic: topic, Reason: fmt.Sprintf("unknown namespace %q", parts[0])}
	}
	kind := model.DeviceKind(parts[1])
	if !kind.Valid() {
		return Envelope{}, "", &DecodeError{Topic: topic, Reason: fmt.Sprintf("unknown device kind %q", parts[1])}
	}
	if parts[2] == "" {
		return Envelope{}, "", &DecodeError{Topic: topic, Reason: "empty unique id"}
	}
	return Envelope{Kind: kind, DeviceID: parts[2]}, MessageType(parts[3]), nil
}

type registerPayload struct {
	Name string `json:"name"`
}

type readingPayload struct {
	CapturedAt string             `json:"captured_at"`
	Fields     map[string]float64 `json:"fields"`
}

type ackPayload struct {
	CommandID string `json:"command_id"`
	Result    string `json:"result"`
}

// Decode turns an inbound topic and payload into a typed message. Unknown
// message types and schema violations yield a *DecodeError.
func Decode(topic string, payload []byte) (Message, error) {
	env, t, err := ParseTopic(topic)
	if err != nil {
		return nil, err
	}

	switch t {
	case TypeRegister:
		var p registerPayload
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, &DecodeError{Topic: topic, Reason: "invalid register payload", Err: err}
			}
		}
		return &Register{Envelope: env, Name: p.Name}, nil

	case TypeHeartbeat:
		return &Heartbeat{Envelope: env}, nil

	case TypeReading:
		var p readingPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, &DecodeError{Topic: topic, Reason: "invalid reading payload", Err: err}
		}
		if len(p.Fields) == 0 {
			return nil, &DecodeError{Topic: topic, Reason: "reading has no fields"}
		}
		capturedAt := time.Now().UTC()
		if p.CapturedAt != "" {
			ts, err := time.Parse(time.RFC3339, p.CapturedAt)
			if err != nil {
				return nil, &DecodeError{Topic: topic, Reason: "invalid captured_at timestamp", Err: err}
			}
			capturedAt = ts.UTC()
		}
		return &Reading{Envelope: env, CapturedAt: capturedAt, Fields: p.Fields}, nil

	case TypeAck:
		var p ackPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, &DecodeError{Topic: topic, Reason: "invalid ack payload", Err: err}
		}
		result := AckResult(p.Result)
		if !result.Valid() {
			return nil, &DecodeError{Topic: topic, Reason: fmt.Sprintf("unknown ack result %q", p.Result)}
		}
		return &Ack{Envelope: env, CommandID: p.CommandID, Result: result}, nil

	case TypeCheck:
		return &CheckRequest{Envelope: env}, nil

	case TypeSettings:
		return &SettingsRequest{Envelope: env}, nil

	default:
		return nil, &DecodeError{Topic: topic, Reason: fmt.Sprintf("unknown message type %q", t)}
	}
}

// EncodeRegister serializes a device-side registration announcement. The
// hub consumes these; the simulator produces them.
func EncodeRegister(kind model.DeviceKind, uniqueID, name string) (string, []byte) {
	payload, _ := json.Marshal(registerPayload{Name: name})
	return Topic(kind, uniqueID, TypeRegister), payload
}

// EncodeHeartbeat serializes a device-side liveness signal.
func EncodeHeartbeat(kind model.DeviceKind, uniqueID string) (string, []byte) {
	return Topic(kind, uniqueID, TypeHeartbeat), nil
}

// EncodeReading serializes a device-side sensor reading.
func EncodeReading(kind model.DeviceKind, uniqueID string, capturedAt time.Time, fields map[string]float64) (string, []byte, error) {
	payload, err := json.Marshal(readingPayload{
		CapturedAt: capturedAt.UTC().Format(time.RFC3339),
		Fields:     fields,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal reading: %w", err)
	}
	return Topic(kind, uniqueID, TypeReading), payload, nil
}

// EncodeAck serializes a device-side command acknowledgment.
func EncodeAck(kind model.DeviceKind, uniqueID, commandID string, result AckResult) (string, []byte) {
	payload, _ := json.Marshal(ackPayload{CommandID: commandID, Result: string(result)})
	return Topic(kind, uniqueID, TypeAck), payload
}

type commandPayload struct {
	CommandID string   `json:"command_id"`
	Action    string   `json:"action"`
	Angle     *float64 `json:"angle,omitempty"`
}

// EncodeCommand serializes an outbound command for the device addressed by
// the command record.
func EncodeCommand(kind model.DeviceKind, cmd *model.Command) (string, []byte, error) {
	if cmd == nil {
		return "", nil, fmt.Errorf("command cannot be nil")
	}
	if !cmd.Action.Valid() {
		return "", nil, fmt.Errorf("unknown command action %q", cmd.Action)
	}
	payload, err := json.Marshal(commandPayload{
		CommandID: cmd.CommandID,
		Action:    string(cmd.Action),
		Angle:     cmd.Angle,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal command: %w", err)
	}
	return Topic(kind, cmd.DeviceID, TypeCommand), payload, nil
}

// EncodeCheckResponse serializes the reply to a registration check request.
func EncodeCheckResponse(kind model.DeviceKind, uniqueID string, registered bool) (string, []byte) {
	payload, _ := json.Marshal(map[string]bool{"registered": registered})
	return Topic(kind, uniqueID, TypeCheckResponse), payload
}

// EncodeSettingsResponse serializes the reply to a settings request.
func EncodeSettingsResponse(kind model.DeviceKind, uniqueID string, reportInterval int) (string, []byte) {
	payload, _ := json.Marshal(map[string]int{"report_interval": reportInterval})
	return Topic(kind, uniqueID, TypeSettingsResponse), payload
}

// Package model defines the persisted entities of the greenhouse hub:
// greenhouses, devices, sensor readings, thresholds, alerts, and commands.
package model

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// DeviceKind distinguishes sensor units from environmental actuators.
type DeviceKind string

const (
	KindSensor              DeviceKind = "sensor"
	KindEnvironmentalSystem DeviceKind = "system"
)

// Valid reports whether k is a known device kind.
func (k DeviceKind) Valid() bool {
	return k == KindSensor || k == KindEnvironmentalSystem
}

// RegistrationState tracks the registration lifecycle of a device.
type RegistrationState string

const (
	RegistrationPending   RegistrationState = "pending"
	RegistrationConfirmed RegistrationState = "confirmed"
)

// DeviceStatus is the authoritative server-side status of a device.
// It is distinct from IsActive, which records operator intent: a device
// can be intent-active but status-unreachable.
type DeviceStatus string

const (
	StatusWaiting     DeviceStatus = "waiting"
	StatusActive      DeviceStatus = "active"
	StatusUnreachable DeviceStatus = "unreachable"
	StatusInactive    DeviceStatus = "inactive"
)

// CommandAction is the class of an outbound actuator command. Cooldown is
// enforced per action class.
type CommandAction string

const (
	ActionActivate   CommandAction = "activate"
	ActionDeactivate CommandAction = "deactivate"
	ActionSetAngle   CommandAction = "set_angle"
)

// Valid reports whether a is a known command action.
func (a CommandAction) Valid() bool {
	return a == ActionActivate || a == ActionDeactivate || a == ActionSetAngle
}

// CommandState tracks the delivery lifecycle of an issued command.
type CommandState string

const (
	CommandPending CommandState = "pending"
	CommandAcked   CommandState = "acked"
	CommandExpired CommandState = "expired"
)

// Greenhouse groups devices into one managed unit.
type Greenhouse struct {
	Name      string         `gorm:"not null" json:"name"`
	Location  string         `json:"location"`
	Contents  string         `json:"contents"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	ID        uint           `gorm:"primaryKey" json:"id"`
}

// TableName specifies the table name for the Greenhouse model.
func (Greenhouse) TableName() string {
	return "greenhouses"
}

// Device is a field unit identified by its self-assigned UniqueID.
// Devices are created Pending on first sighting and are never hard-deleted;
// deactivation is a status transition, not removal.
type Device struct {
	UniqueID       string            `gorm:"uniqueIndex;not null" json:"unique_id"`
	Name           string            `json:"name"`
	Kind           DeviceKind        `gorm:"not null" json:"kind"`
	Registration   RegistrationState `gorm:"not null;default:pending" json:"registration"`
	Status         DeviceStatus      `gorm:"not null;default:inactive" json:"status"`
	IsActive       bool              `json:"is_active"`
	GreenhouseID   *uint             `gorm:"index" json:"greenhouse_id,omitempty"`
	LastSeen       *time.Time        `gorm:"index:idx_devices_last_seen" json:"last_seen,omitempty"`
	LastData       string            `json:"-"`
	ReportInterval int               `gorm:"not null;default:300" json:"report_interval"`
	CurrentAngle   float64           `json:"current_angle"`
	CreatedAt      time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
	ID             uint              `gorm:"primaryKey" json:"id"`
}

// TableName specifies the table name for the Device model.
func (Device) TableName() string {
	return "devices"
}

// LatestReading decodes the cached last-known reading of the device.
// A missing or corrupt cache yields an empty map.
func (d *Device) LatestReading() map[string]float64 {
	if d.LastData == "" {
		return map[string]float64{}
	}
	fields := map[string]float64{}
	if err := json.Unmarshal([]byte(d.LastData), &fields); err != nil {
		return map[string]float64{}
	}
	return fields
}

// SetLatestReading replaces the cached last-known reading of the device.
func (d *Device) SetLatestReading(fields map[string]float64) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	d.LastData = string(raw)
	return nil
}

// SilenceTimeout is how long the device may stay silent before the
// liveness sweep demotes it to unreachable.
func (d *Device) SilenceTimeout(grace time.Duration, fallback time.Duration) time.Duration {
	if d.ReportInterval <= 0 {
		return fallback
	}
	return time.Duration(d.ReportInterval)*time.Second + grace
}

// SensorReading is one append-only history row. The hot latest-value cache
// lives on the Device; history is never mutated in place.
type SensorReading struct {
	DeviceID   string    `gorm:"index:idx_readings_device_captured;not null" json:"device_id"`
	CapturedAt time.Time `gorm:"index:idx_readings_device_captured;not null" json:"captured_at"`
	Fields     string    `gorm:"not null" json:"fields"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	ID         uint      `gorm:"primaryKey" json:"id"`
}

// TableName specifies the table name for the SensorReading model.
func (SensorReading) TableName() string {
	return "sensor_readings"
}

// Threshold bounds one metric of one device. A nil bound means unbounded
// on that side.
type Threshold struct {
	DeviceID  string    `gorm:"uniqueIndex:idx_threshold_device_metric;not null" json:"device_id"`
	Metric    string    `gorm:"uniqueIndex:idx_threshold_device_metric;not null" json:"metric"`
	Low       *float64  `json:"low,omitempty"`
	High      *float64  `json:"high,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	ID        uint      `gorm:"primaryKey" json:"id"`
}

// TableName specifies the table name for the Threshold model.
func (Threshold) TableName() string {
	return "thresholds"
}

// Breached reports whether value violates either configured bound.
func (t *Threshold) Breached(value float64) bool {
	if t.Low != nil && value <= *t.Low {
		return true
	}
	if t.High != nil && value >= *t.High {
		return true
	}
	return false
}

// Alert records a threshold breach. At most one active alert exists per
// (device, metric); re-breaching refreshes the existing row instead of
// creating a duplicate.
type Alert struct {
	DeviceID   string     `gorm:"index:idx_alerts_device;not null" json:"device_id"`
	Metric     string     `gorm:"not null" json:"metric"`
	Message    string     `gorm:"not null" json:"message"`
	Value      float64    `json:"value"`
	RaisedAt   time.Time  `gorm:"not null" json:"raised_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	ID         uint       `gorm:"primaryKey" json:"id"`
}

// TableName specifies the table name for the Alert model.
func (Alert) TableName() string {
	return "alerts"
}

// Active reports whether the alert has not been resolved yet.
func (a *Alert) Active() bool {
	return a.ResolvedAt == nil
}

// Command is an outbound actuator command owned by the dispatcher for its
// pending lifetime. It is archived (acked or expired) once acknowledged or
// once the ack window elapses.
type Command struct {
	CommandID      string        `gorm:"uniqueIndex;not null" json:"command_id"`
	DeviceID       string        `gorm:"index:idx_commands_device;not null" json:"device_id"`
	Action         CommandAction `gorm:"not null" json:"action"`
	Angle          *float64      `json:"angle,omitempty"`
	State          CommandState  `gorm:"not null;default:pending" json:"state"`
	IgnoreCooldown bool          `json:"ignore_cooldown"`
	IssuedAt       time.Time     `gorm:"not null" json:"issued_at"`
	CooldownUntil  time.Time     `gorm:"index" json:"cooldown_until"`
	CreatedAt      time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
	ID             uint          `gorm:"primaryKey" json:"id"`
}

// TableName specifies the table name for the Command model.
func (Command) TableName() string {
	return "commands"
}

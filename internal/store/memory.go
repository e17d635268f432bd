package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/norian27/Smart-Greenhouse-System/internal/model"
)

// Memory is an in-memory Store used by the test suites. It hands out copies
// so callers cannot mutate shared state behind its back.
type Memory struct {
	mu          sync.RWMutex
	devices     map[string]*model.Device
	readings    []model.SensorReading
	thresholds  map[string][]model.Threshold
	alerts      map[uint]*model.Alert
	commands    map[string]*model.Command
	greenhouses map[uint]*model.Greenhouse

	nextDeviceID     uint
	nextReadingID    uint
	nextThresholdID  uint
	nextAlertID      uint
	nextCommandID    uint
	nextGreenhouseID uint
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		devices:     make(map[string]*model.Device),
		thresholds:  make(map[string][]model.Threshold),
		alerts:      make(map[uint]*model.Alert),
		commands:    make(map[string]*model.Command),
		greenhouses: make(map[uint]*model.Greenhouse),
	}
}

func copyDevice(d *model.Device) *model.Device {
	c := *d
	return &c
}

// DeviceByUniqueID fetches a device by its self-assigned identifier.
func (m *Memory) DeviceByUniqueID(_ context.Context, uniqueID string) (*model.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	device, ok := m.devices[uniqueID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDevice(device), nil
}

// CreateDevice inserts a new device.
func (m *Memory) CreateDevice(_ context.Context, device *model.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextDeviceID++
	device.ID = m.nextDeviceID
	m.devices[device.UniqueID] = copyDevice(device)
	return nil
}

// SaveDevice persists an existing device.
func (m *Memory) SaveDevice(_ context.Context, device *model.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.devices[device.UniqueID] = copyDevice(device)
	return nil
}

func (m *Memory) listDevices(filter func(*model.Device) bool) []model.Device {
	devices := make([]model.Device, 0, len(m.devices))
	for _, d := range m.devices {
		if filter == nil || filter(d) {
			devices = append(devices, *d)
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].UniqueID < devices[j].UniqueID })
	return devices
}

// ListDevices returns every device ordered by unique id.
func (m *Memory) ListDevices(_ context.Context) ([]model.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listDevices(nil), nil
}

// ListConfirmedDevices returns devices past the registration gate.
func (m *Memory) ListConfirmedDevices(_ context.Context) ([]model.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listDevices(func(d *model.Device) bool {
		return d.Registration == model.RegistrationConfirmed
	}), nil
}

// AppendReading appends one history row.
func (m *Memory) AppendReading(_ context.Context, reading *model.SensorReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextReadingID++
	reading.ID = m.nextReadingID
	m.readings = append(m.readings, *reading)
	return nil
}

// Readings returns the full reading history, oldest first. Test helper.
func (m *Memory) Readings() []model.SensorReading {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.SensorReading(nil), m.readings...)
}

// ThresholdsFor returns the configured bounds of one device.
func (m *Memory) ThresholdsFor(_ context.Context, deviceID string) ([]model.Threshold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Threshold(nil), m.thresholds[deviceID]...), nil
}

// ReplaceThresholds swaps the full threshold set of one device.
func (m *Memory) ReplaceThresholds(_ context.Context, deviceID string, thresholds []model.Threshold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	replacement := make([]model.Threshold, 0, len(thresholds))
	for _, t := range thresholds {
		m.nextThresholdID++
		t.ID = m.nextThresholdID
		t.DeviceID = deviceID
		replacement = append(replacement, t)
	}
	m.thresholds[deviceID] = replacement
	return nil
}

// ActiveAlert returns the unresolved alert for (device, metric), if any.
func (m *Memory) ActiveAlert(_ context.Context, deviceID, metric string) (*model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.alerts {
		if a.DeviceID == deviceID && a.Metric == metric && a.Active() {
			c := *a
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// AlertByID fetches one alert.
func (m *Memory) AlertByID(_ context.Context, id uint) (*model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alert, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *alert
	return &c, nil
}

// SaveAlert inserts or updates an alert.
func (m *Memory) SaveAlert(_ context.Context, alert *model.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if alert.ID == 0 {
		m.nextAlertID++
		alert.ID = m.nextAlertID
	}
	c := *alert
	m.alerts[alert.ID] = &c
	return nil
}

// ListActiveAlerts returns every unresolved alert.
func (m *Memory) ListActiveAlerts(_ context.Context) ([]model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alerts := make([]model.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if a.Active() {
			alerts = append(alerts, *a)
		}
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].ID < alerts[j].ID })
	return alerts, nil
}

// AlertCount returns the total number of alert rows ever created,
// resolved or not. Test helper.
func (m *Memory) AlertCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.alerts)
}

// LatestCommand returns the newest command of one action class for a device.
func (m *Memory) LatestCommand(_ context.Context, deviceID string, action model.CommandAction) (*model.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *model.Command
	for _, c := range m.commands {
		if c.DeviceID != deviceID || c.Action != action {
			continue
		}
		if latest == nil || c.IssuedAt.After(latest.IssuedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	c := *latest
	return &c, nil
}

// PendingCommand returns the unacknowledged command of a device, if any.
func (m *Memory) PendingCommand(_ context.Context, deviceID string) (*model.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pending *model.Command
	for _, c := range m.commands {
		if c.DeviceID != deviceID || c.State != model.CommandPending {
			continue
		}
		if pending == nil || c.IssuedAt.After(pending.IssuedAt) {
			pending = c
		}
	}
	if pending == nil {
		return nil, ErrNotFound
	}
	c := *pending
	return &c, nil
}

// SaveCommand inserts or updates a command, keyed by its command id.
func (m *Memory) SaveCommand(_ context.Context, command *model.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if command.ID == 0 {
		m.nextCommandID++
		command.ID = m.nextCommandID
	}
	c := *command
	m.commands[command.CommandID] = &c
	return nil
}

// ListExpiredPendingCommands returns pending commands past their ack window.
func (m *Memory) ListExpiredPendingCommands(_ context.Context, now time.Time) ([]model.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []model.Command
	for _, c := range m.commands {
		if c.State == model.CommandPending && !c.CooldownUntil.After(now) {
			expired = append(expired, *c)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}

// CreateGreenhouse inserts a greenhouse.
func (m *Memory) CreateGreenhouse(_ context.Context, greenhouse *model.Greenhouse) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextGreenhouseID++
	greenhouse.ID = m.nextGreenhouseID
	c := *greenhouse
	m.greenhouses[greenhouse.ID] = &c
	return nil
}

// GreenhouseByID fetches one greenhouse.
func (m *Memory) GreenhouseByID(_ context.Context, id uint) (*model.Greenhouse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	greenhouse, ok := m.greenhouses[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *greenhouse
	return &c, nil
}

// ListGreenhouses returns every greenhouse.
func (m *Memory) ListGreenhouses(_ context.Context) ([]model.Greenhouse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	greenhouses := make([]model.Greenhouse, 0, len(m.greenhouses))
	for _, g := range m.greenhouses {
		greenhouses = append(greenhouses, *g)
	}
	sort.Slice(greenhouses, func(i, j int) bool { return greenhouses[i].Name < greenhouses[j].Name })
	return greenhouses, nil
}

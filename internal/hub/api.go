package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/norian27/Smart-Greenhouse-System/internal/codec"
	"github.com/norian27/Smart-Greenhouse-System/internal/dispatch"
	"github.com/norian27/Smart-Greenhouse-System/internal/model"
	"github.com/norian27/Smart-Greenhouse-System/internal/registry"
	"github.com/norian27/Smart-Greenhouse-System/internal/store"
	"github.com/norian27/Smart-Greenhouse-System/internal/telemetry"
	"github.com/norian27/Smart-Greenhouse-System/pkg/bus"
)

// API is the operator-facing HTTP surface: confirming registrations,
// issuing commands, editing thresholds, resolving alerts, and inspecting
// the fleet.
type API struct {
	logger    *slog.Logger
	store     store.Store
	registry  *registry.Registry
	dispatch  *dispatch.Dispatcher
	telemetry *telemetry.Engine
	publisher bus.Publisher
}

// APIConfig holds the configuration for the API.
type APIConfig struct {
	Logger    *slog.Logger
	Store     store.Store
	Registry  *registry.Registry
	Dispatch  *dispatch.Dispatcher
	Telemetry *telemetry.Engine
	Publisher bus.Publisher
}

// NewAPI creates the operator API.
func NewAPI(cfg *APIConfig) (*API, error) {
	if cfg == nil {
		return nil, errors.New("api config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
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
	if cfg.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}

	return &API{
		logger:    cfg.Logger,
		store:     cfg.Store,
		registry:  cfg.Registry,
		dispatch:  cfg.Dispatch,
		telemetry: cfg.Telemetry,
		publisher: cfg.Publisher,
	}, nil
}

// RegisterRoutes mounts the operator endpoints.
func (a *API) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/devices", a.listDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}", a.getDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/confirm", a.confirmDevice).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/commands", a.issueCommand).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/thresholds", a.updateThresholds).Methods(http.MethodPut)
	api.HandleFunc("/devices/{id}/settings", a.updateSettings).Methods(http.MethodPut)

	api.HandleFunc("/alerts", a.listAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}/resolve", a.resolveAlert).Methods(http.MethodPost)

	api.HandleFunc("/greenhouses", a.createGreenhouse).Methods(http.MethodPost)
	api.HandleFunc("/greenhouses", a.listGreenhouses).Methods(http.MethodGet)
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	devices, err := a.store.ListDevices(r.Context())
	if err != nil {
		a.internalError(w, "failed to list devices", err)
		return
	}
	_ = json.NewEncoder(w).Encode(devices)
}

func (a *API) getDevice(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	device, err := a.store.DeviceByUniqueID(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.internalError(w, "failed to load device", err)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"device":         device,
		"latest_reading": device.LatestReading(),
	})
}

func (a *API) confirmDevice(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	deviceID := mux.Vars(r)["id"]

	var in struct {
		Kind         model.DeviceKind `json:"kind"`
		GreenhouseID *uint            `json:"greenhouse_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid body (need {kind, greenhouse_id?})", http.StatusBadRequest)
		return
	}
	if !in.Kind.Valid() {
		http.Error(w, "unknown device kind", http.StatusBadRequest)
		return
	}

	err := a.registry.Confirm(r.Context(), deviceID, in.Kind, in.GreenhouseID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "device not found", http.StatusNotFound)
		return
	case errors.Is(err, registry.ErrAlreadyConfirmed):
		http.Error(w, "device already confirmed", http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "confirmed"})
}

func (a *API) issueCommand(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	deviceID := mux.Vars(r)["id"]

	var in struct {
		Action         model.CommandAction `json:"action"`
		Angle          *float64            `json:"angle,omitempty"`
		IgnoreCooldown bool                `json:"ignore_cooldown"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid body (need {action, angle?, ignore_cooldown?})", http.StatusBadRequest)
		return
	}

	result, err := a.dispatch.Issue(r.Context(), deviceID, in.Action, dispatch.Params{Angle: in.Angle}, in.IgnoreCooldown)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "device not found", http.StatusNotFound)
		return
	case errors.Is(err, dispatch.ErrInvalidParameter):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, dispatch.ErrNotConfirmed):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		a.internalError(w, "failed to issue command", err)
		return
	}

	status := http.StatusAccepted
	if result == dispatch.ResultRejectedCooldown {
		status = http.StatusTooManyRequests
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"result": string(result)})
}

func (a *API) updateThresholds(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	deviceID := mux.Vars(r)["id"]

	var bounds []telemetry.Bound
	if err := json.NewDecoder(r.Body).Decode(&bounds); err != nil {
		http.Error(w, "invalid body (need [{metric, low?, high?}])", http.StatusBadRequest)
		return
	}

	err := a.telemetry.UpdateThresholds(r.Context(), deviceID, bounds)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "device not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "updated"})
}

// updateSettings changes a device's report interval and pushes the new
// settings to the device over the bus.
func (a *API) updateSettings(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	deviceID := mux.Vars(r)["id"]

	var in struct {
		ReportInterval int `json:"report_interval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.ReportInterval <= 0 {
		http.Error(w, "invalid body (need {report_interval > 0})", http.StatusBadRequest)
		return
	}

	err := a.registry.UpdateReportInterval(r.Context(), deviceID, in.ReportInterval)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "device not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	a.pushSettings(r.Context(), deviceID, in.ReportInterval)

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int{"report_interval": in.ReportInterval})
}

// pushSettings notifies the device of its new report interval. Delivery is
// best effort; the device also re-reads settings on its next request.
func (a *API) pushSettings(ctx context.Context, deviceID string, interval int) {
	device, err := a.store.DeviceByUniqueID(ctx, deviceID)
	if err != nil {
		a.logger.Warn("failed to load device for settings push", "device_id", deviceID, "error", err)
		return
	}
	topic, payload := codec.EncodeSettingsResponse(device.Kind, deviceID, interval)
	if err := a.publisher.Publish(ctx, topic, payload); err != nil {
		a.logger.Warn("failed to push settings", "device_id", deviceID, "error", err)
	}
}

func (a *API) listAlerts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	alerts, err := a.store.ListActiveAlerts(r.Context())
	if err != nil {
		a.internalError(w, "failed to list alerts", err)
		return
	}
	_ = json.NewEncoder(w).Encode(alerts)
}

func (a *API) resolveAlert(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	idU, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || idU == 0 {
		http.Error(w, "invalid alert id", http.StatusBadRequest)
		return
	}

	err = a.telemetry.ResolveAlert(r.Context(), uint(idU))
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "alert not found", http.StatusNotFound)
		return
	case err != nil:
		a.internalError(w, "failed to resolve alert", err)
		return
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "resolved"})
}

func (a *API) createGreenhouse(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var in struct {
		Name     string `json:"name"`
		Location string `json:"location"`
		Contents string `json:"contents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == "" {
		http.Error(w, "invalid body (need {name, location?, contents?})", http.StatusBadRequest)
		return
	}

	greenhouse := &model.Greenhouse{
		Name:     in.Name,
		Location: in.Location,
		Contents: in.Contents,
	}
	if err := a.store.CreateGreenhouse(r.Context(), greenhouse); err != nil {
		a.internalError(w, "failed to create greenhouse", err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(greenhouse)
}

func (a *API) listGreenhouses(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	greenhouses, err := a.store.ListGreenhouses(r.Context())
	if err != nil {
		a.internalError(w, "failed to list greenhouses", err)
		return
	}
	_ = json.NewEncoder(w).Encode(greenhouses)
}

func (a *API) internalError(w http.ResponseWriter, msg string, err error) {
	a.logger.Error(msg, "error", err)
	http.Error(w, msg, http.StatusInternalServerError)
}

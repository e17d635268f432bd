// Package generator produces synthetic greenhouse devices and realistic
// sensor curves for the simulator.
package generator

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/norian27/Smart-Greenhouse-System/internal/model"
)

// FieldDevice is a synthetic greenhouse unit identity.
type FieldDevice struct {
	UniqueID string
	Name     string
	Kind     model.DeviceKind
	Location string `fake:"{city}, {state}"`
	Firmware string `fake:"{appversion}"`
}

// NewFieldDevice fabricates one device identity. Roughly one in four units
// is an environmental system, the rest are sensors.
func NewFieldDevice() *FieldDevice {
	var device FieldDevice
	if err := gofakeit.Struct(&device); err != nil {
		return nil
	}

	if rand.Float64() < 0.25 {
		device.Kind = model.KindEnvironmentalSystem
		device.UniqueID = fmt.Sprintf("system-%s", gofakeit.LetterN(8))
		device.Name = fmt.Sprintf("%s window unit", gofakeit.Adjective())
	} else {
		device.Kind = model.KindSensor
		device.UniqueID = fmt.Sprintf("sensor-%s", gofakeit.LetterN(8))
		device.Name = fmt.Sprintf("%s climate probe", gofakeit.Adjective())
	}
	return &device
}

// ReadingGenerator produces correlated greenhouse climate curves for one
// device: a daily temperature cycle, inversely correlated humidity, and
// slowly draining soil moisture.
type ReadingGenerator struct {
	baselineTemp     float64
	baselineHumidity float64
	noise            float64
	soilMoisture     float64
}

// NewReadingGenerator seeds per-device baselines.
func NewReadingGenerator() *ReadingGenerator {
	return &ReadingGenerator{
		baselineTemp:     20.0 + rand.Float64()*8,  // 20-28°C
		baselineHumidity: 55.0 + rand.Float64()*20, // 55-75%
		noise:            rand.Float64() * 2,
		soilMoisture:     40.0 + rand.Float64()*30, // 40-70%
	}
}

// Temperature follows a daily cycle peaking in the early afternoon, with
// occasional anomalies to exercise the alerting path.
func (g *ReadingGenerator) Temperature(t time.Time) float64 {
	hour := float64(t.Hour())
	dailyCycle := 5 * math.Sin((hour-6)*math.Pi/12)
	noise := (rand.Float64() - 0.5) * g.noise

	anomaly := 0.0
	if rand.Float64() < 0.05 {
		anomaly = (rand.Float64() - 0.5) * 15
	}

	return g.baselineTemp + dailyCycle + noise + anomaly
}

// Humidity runs inverse to temperature, clamped to realistic bounds.
func (g *ReadingGenerator) Humidity(t time.Time, temperature float64) float64 {
	hour := float64(t.Hour())
	dailyCycle := -3 * math.Sin((hour-6)*math.Pi/12)
	tempEffect := -(temperature - g.baselineTemp) * 1.5
	noise := (rand.Float64() - 0.5) * g.noise * 0.5

	humidity := g.baselineHumidity + dailyCycle + tempEffect + noise
	return math.Max(20, math.Min(95, humidity))
}

// SoilMoisture drains slowly between random watering events.
func (g *ReadingGenerator) SoilMoisture() float64 {
	g.soilMoisture -= rand.Float64() * 0.3
	if rand.Float64() < 0.02 {
		// Watering event.
		g.soilMoisture += 20 + rand.Float64()*15
	}
	g.soilMoisture = math.Max(5, math.Min(90, g.soilMoisture))
	return g.soilMoisture
}

// Reading assembles one correlated set of sensor values.
func (g *ReadingGenerator) Reading(t time.Time) map[string]float64 {
	temperature := g.Temperature(t)
	humidity := g.Humidity(t, temperature)
	moisture := g.SoilMoisture()

	return map[string]float64{
		"temperature":   math.Round(temperature*100) / 100,
		"humidity":      math.Round(humidity*100) / 100,
		"soil_moisture": math.Round(moisture*10) / 10,
	}
}

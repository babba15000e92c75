package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Accepted value ranges for a Reading (inclusive).
const (
	MinTemperature = 0.0
	MaxTemperature = 60.0
	MinHumidity    = 0.0
	MaxHumidity    = 100.0
	MinMoisture    = 0.0
	MaxMoisture    = 100.0
)

// ErrValidation is wrapped by every error returned from Reading.Validate.
var ErrValidation = errors.New("reading out of range")

// PumpStatus mirrors the irrigation prediction: the pump runs iff irrigation is needed.
type PumpStatus string

const (
	PumpOn  PumpStatus = "ON"
	PumpOff PumpStatus = "OFF"
)

// PlantHealth is the upstream health prediction. Devices send free-form
// strings; Category folds them onto the known values.
type PlantHealth string

const (
	HealthHealthy        PlantHealth = "healthy"
	HealthModerateStress PlantHealth = "moderate stress"
	HealthHighStress     PlantHealth = "high stress"
	HealthUnknown        PlantHealth = "unknown"
)

// Category returns the known health value h corresponds to, case-insensitively,
// or HealthUnknown.
func (h PlantHealth) Category() PlantHealth {
	switch PlantHealth(strings.ToLower(strings.TrimSpace(string(h)))) {
	case HealthHealthy:
		return HealthHealthy
	case HealthModerateStress:
		return HealthModerateStress
	case HealthHighStress:
		return HealthHighStress
	default:
		return HealthUnknown
	}
}

// Reading is one sensor sample. Timestamp is the receipt time, not the
// device clock. Readings are passed by value and never mutated after creation.
type Reading struct {
	Timestamp        time.Time   `json:"timestamp"`
	Temperature      float64     `json:"temperature"`   // °C
	Humidity         float64     `json:"humidity"`      // %
	SoilMoisture     float64     `json:"soil_moisture"` // %
	LightIntensity   int         `json:"light_intensity"`
	NpkN             int         `json:"npk_n"` // mg/kg
	NpkP             int         `json:"npk_p"`
	NpkK             int         `json:"npk_k"`
	IrrigationNeeded bool        `json:"irrigation_needed"`
	PlantHealth      PlantHealth `json:"plant_health"`
}

// PumpStatus derives the pump state from the irrigation prediction.
func (r Reading) PumpStatus() PumpStatus {
	if r.IrrigationNeeded {
		return PumpOn
	}
	return PumpOff
}

// MarshalJSON adds the derived pump_status to the encoded reading.
func (r Reading) MarshalJSON() ([]byte, error) {
	type plain Reading
	return json.Marshal(struct {
		plain
		PumpStatus PumpStatus `json:"pump_status"`
	}{plain(r), r.PumpStatus()})
}

// Validate checks the range invariants. NaN never passes a range check.
func (r Reading) Validate() error {
	if !inRange(r.Temperature, MinTemperature, MaxTemperature) {
		return fmt.Errorf("%w: temperature %v outside [%v, %v]", ErrValidation, r.Temperature, MinTemperature, MaxTemperature)
	}
	if !inRange(r.Humidity, MinHumidity, MaxHumidity) {
		return fmt.Errorf("%w: humidity %v outside [%v, %v]", ErrValidation, r.Humidity, MinHumidity, MaxHumidity)
	}
	if !inRange(r.SoilMoisture, MinMoisture, MaxMoisture) {
		return fmt.Errorf("%w: soil moisture %v outside [%v, %v]", ErrValidation, r.SoilMoisture, MinMoisture, MaxMoisture)
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"light intensity", r.LightIntensity},
		{"nitrogen", r.NpkN},
		{"phosphorus", r.NpkP},
		{"potassium", r.NpkK},
	} {
		if f.v < 0 {
			return fmt.Errorf("%w: %s %d is negative", ErrValidation, f.name, f.v)
		}
	}
	return nil
}

func inRange(v, lo, hi float64) bool {
	return v >= lo && v <= hi
}

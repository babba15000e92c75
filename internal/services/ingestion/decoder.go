package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/LeonardoBeccarini/agriedge/internal/model"
	"github.com/LeonardoBeccarini/agriedge/internal/model/messages"
)

// maxIntegral bounds the numbers accepted for integer fields so the
// conversion to int is exact.
const maxIntegral = 1 << 53

// PayloadError reports a message that is not a well-formed sensor payload.
type PayloadError struct {
	Raw []byte
	Err error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("malformed sensor payload: %v", e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

// Decode turns a raw payload into a validated Reading stamped with
// receivedAt. Absent and null fields take the payload defaults.
// Structural problems return a *PayloadError, range problems an error
// wrapping model.ErrValidation.
func Decode(raw []byte, receivedAt time.Time) (model.Reading, error) {
	// null, numbers and strings would unmarshal into an all-default payload
	if t := bytes.TrimSpace(raw); len(t) == 0 || t[0] != '{' {
		return model.Reading{}, &PayloadError{Raw: raw, Err: errors.New("payload is not a JSON object")}
	}
	var p messages.SensorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.Reading{}, &PayloadError{Raw: raw, Err: err}
	}

	r := model.Reading{
		Timestamp:    receivedAt.UTC(),
		Temperature:  number(p.Temperature),
		Humidity:     number(p.Humidity),
		SoilMoisture: number(p.Moisture),
		PlantHealth:  model.PlantHealth(messages.DefaultPlantHealth),
	}
	if p.PlantHealthPrediction != nil {
		r.PlantHealth = model.PlantHealth(*p.PlantHealthPrediction)
	}

	ints := []struct {
		name string
		src  *float64
		dst  *int
	}{
		{"light", p.Light, &r.LightIntensity},
		{"nitrogen", p.Nitrogen, &r.NpkN},
		{"phosphorus", p.Phosphorus, &r.NpkP},
		{"potassium", p.Potassium, &r.NpkK},
	}
	for _, f := range ints {
		v := number(f.src)
		if v != math.Trunc(v) || math.Abs(v) > maxIntegral {
			return model.Reading{}, fmt.Errorf("%w: %s %v is not an integer", model.ErrValidation, f.name, v)
		}
		*f.dst = int(v)
	}

	switch irr := number(p.IrrigationPrediction); irr {
	case 0:
	case 1:
		r.IrrigationNeeded = true
	default:
		return model.Reading{}, fmt.Errorf("%w: irrigation_prediction %v is not 0 or 1", model.ErrValidation, irr)
	}

	if err := r.Validate(); err != nil {
		return model.Reading{}, err
	}
	return r, nil
}

func number(v *float64) float64 {
	if v == nil {
		return messages.DefaultNumber
	}
	return *v
}

package messages

// SensorPayload is the JSON document the field device publishes on the sensor
// topic. Every key is optional: a nil pointer means the key was absent or null.
// Integer quantities travel as JSON numbers and are checked for integrality
// when the payload is turned into a Reading.
type SensorPayload struct {
	Temperature           *float64 `json:"temperature,omitempty"`
	Humidity              *float64 `json:"humidity,omitempty"`
	Moisture              *float64 `json:"moisture,omitempty"`
	Light                 *float64 `json:"light,omitempty"`
	Nitrogen              *float64 `json:"nitrogen,omitempty"`
	Phosphorus            *float64 `json:"phosphorus,omitempty"`
	Potassium             *float64 `json:"potassium,omitempty"`
	IrrigationPrediction  *float64 `json:"irrigation_prediction,omitempty"`
	PlantHealthPrediction *string  `json:"plant_health_prediction,omitempty"`
}

// Defaults applied to absent keys.
const (
	DefaultNumber      = 0.0
	DefaultPlantHealth = "unknown"
)

// Num returns a pointer to v, for building payloads.
func Num(v float64) *float64 { return &v }

// Str returns a pointer to s.
func Str(s string) *string { return &s }

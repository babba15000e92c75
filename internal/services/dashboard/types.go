package dashboard

import (
	"math"
	"slices"
	"time"

	"github.com/LeonardoBeccarini/agriedge/internal/model"
	"github.com/LeonardoBeccarini/agriedge/internal/model/entities"
	"github.com/LeonardoBeccarini/agriedge/internal/services/freshness"
	"github.com/LeonardoBeccarini/agriedge/internal/services/ingestion"
	"github.com/LeonardoBeccarini/agriedge/internal/services/session"
)

// Status labels shown next to the connection controls.
const (
	StatusLive            = "live"
	StatusConnectedNoData = "connected-no-data"
	StatusConnecting      = "connecting"
	StatusReady           = "ready"
	StatusPaused          = "paused" // stopped by a failure, see last_error
)

// Level grades a value against its agronomic band.
type Level string

const (
	LevelLow     Level = "Low"
	LevelOptimal Level = "Optimal"
	LevelHigh    Level = "High"
)

type band struct{ low, high float64 }

// bande ottimali per i tile del cruscotto
var (
	moistureBand = band{30, 70}
	lightBand    = band{200, 800}
	nutrientBand = band{15, 35}
)

func (b band) level(v float64) Level {
	switch {
	case v < b.low:
		return LevelLow
	case v > b.high:
		return LevelHigh
	default:
		return LevelOptimal
	}
}

// Levels grades the latest reading; absent when there is none.
type Levels struct {
	SoilMoisture   Level `json:"soil_moisture"`
	LightIntensity Level `json:"light_intensity"`
	Nitrogen       Level `json:"npk_n"`
	Phosphorus     Level `json:"npk_p"`
	Potassium      Level `json:"npk_k"`
}

func levelsOf(r *model.Reading) *Levels {
	if r == nil {
		return nil
	}
	return &Levels{
		SoilMoisture:   moistureBand.level(r.SoilMoisture),
		LightIntensity: lightBand.level(float64(r.LightIntensity)),
		Nitrogen:       nutrientBand.level(float64(r.NpkN)),
		Phosphorus:     nutrientBand.level(float64(r.NpkP)),
		Potassium:      nutrientBand.level(float64(r.NpkK)),
	}
}

// DashboardData is the payload of /dashboard/data and of every websocket push.
type DashboardData struct {
	session.State
	Freshness   freshness.Freshness `json:"freshness"`
	Status      string              `json:"status"`
	PlantHealth model.PlantHealth   `json:"plant_health_category"`
	Levels      *Levels             `json:"levels,omitempty"`
	Stats       map[string]float64  `json:"stats"`
	Recent      []model.Reading     `json:"recent"`
	UpdatedAt   time.Time           `json:"updated_at"`

	SoilTypes []entities.SoilType `json:"soil_types"`
	Stages    []entities.Stage    `json:"crop_stages"`
}

// StatusLabel folds the connection state and freshness into one label.
func StatusLabel(s session.Snapshot) string {
	switch {
	case s.ConnectionStatus == ingestion.StatusConnected && s.Freshness == freshness.Fresh:
		return StatusLive
	case s.ConnectionStatus == ingestion.StatusConnected:
		return StatusConnectedNoData
	case s.MonitoringActive:
		return StatusConnecting
	case s.LastError != "":
		return StatusPaused
	default:
		return StatusReady
	}
}

// NewDashboardData builds the payload for s, keeping at most recent rows.
func NewDashboardData(s session.Snapshot, recent int) DashboardData {
	var rows []model.Reading
	if s.Recent != nil {
		rows = slices.Collect(s.Recent)
	}
	if recent > 0 && len(rows) > recent {
		rows = rows[len(rows)-recent:]
	}
	if rows == nil {
		rows = []model.Reading{}
	}

	data := DashboardData{
		State:       s.State,
		Freshness:   s.Freshness,
		Status:      StatusLabel(s),
		PlantHealth: model.HealthUnknown,
		Levels:      levelsOf(s.LatestReading),
		Stats:       map[string]float64{},
		Recent:      rows,
		UpdatedAt:   s.TakenAt,
		SoilTypes:   entities.SoilTypes,
		Stages:      entities.Stages,
	}
	if s.LatestReading != nil {
		data.PlantHealth = s.LatestReading.PlantHealth.Category()
	}

	// statistiche umidità del suolo sulla finestra recente
	if n := len(rows); n > 0 {
		var sum, minv, maxv float64
		minv = math.MaxFloat64
		maxv = -math.MaxFloat64
		for _, r := range rows {
			v := r.SoilMoisture
			sum += v
			minv = min(minv, v)
			maxv = max(maxv, v)
		}
		data.Stats["mean"] = math.Round(sum/float64(n)*10) / 10
		data.Stats["min"] = minv
		data.Stats["max"] = maxv
		data.Stats["count"] = float64(n)
	}
	return data
}

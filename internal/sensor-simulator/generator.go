package sensor_simulator

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/agriedge/internal/model"
	"github.com/LeonardoBeccarini/agriedge/internal/model/messages"
)

// ====== Tunables ======
const (
	// gainPerMin: +1.5 punti di umidità al minuto con la pompa accesa.
	gainPerMin = 1.5

	// soglie di isteresi della pompa simulata
	irrigateBelow = 30.0
	irrigateUntil = 60.0

	defaultSeed = 45.0
)

// DataGenerator keeps the field state between ticks: moisture decays while
// the pump is off and rises while it runs. The other quantities drift around
// a daily cycle.
type DataGenerator struct {
	mu          sync.Mutex
	rnd         *rand.Rand
	now         func() time.Time
	seeded      bool
	last        time.Time
	moisture    float64 // percent
	decayPerMin float64
	pumpOn      bool
	forcedUntil time.Time // irrigation requested from outside

	n, p, k float64
}

// NewDataGenerator returns a generator losing decayPerMin moisture points
// per minute while the pump is off. seed drives every random draw.
func NewDataGenerator(decayPerMin float64, seed int64) *DataGenerator {
	return &DataGenerator{
		rnd:         rand.New(rand.NewSource(seed)),
		now:         time.Now,
		decayPerMin: math.Max(0, decayPerMin),
	}
}

// Next advances the state to now and returns the payload to publish.
func (g *DataGenerator) Next() messages.SensorPayload {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if !g.seeded {
		g.moisture = defaultSeed + g.rnd.Float64()*10 - 5
		g.n = 50 + g.rnd.Float64()*150
		g.p = 30 + g.rnd.Float64()*120
		g.k = 100 + g.rnd.Float64()*200
		g.last = now
		g.seeded = true
	}

	dtMin := max(0, now.Sub(g.last).Minutes())
	if g.pumpOn {
		g.moisture += gainPerMin * dtMin
	} else {
		g.moisture -= g.decayPerMin * dtMin
	}
	g.moisture = clamp(g.moisture, 0, 100)
	g.last = now

	forced := now.Before(g.forcedUntil)
	switch {
	case forced || g.moisture < irrigateBelow:
		g.pumpOn = true
	case g.moisture >= irrigateUntil:
		g.pumpOn = false
	}

	// ciclo giornaliero: picco alle 15, minimo alle 3
	phase := 2 * math.Pi * (float64(now.Hour())+float64(now.Minute())/60-9) / 24
	daylight := math.Max(0, math.Sin(phase))
	temp := clamp(14.5+13.5*math.Sin(phase)+g.rnd.NormFloat64(), 1, 28)
	humidity := clamp(65-10*math.Sin(phase)+g.rnd.NormFloat64()*3, 45, 85)
	light := math.Round(500 + 9500*daylight*(0.8+0.2*g.rnd.Float64()))

	g.n = clamp(g.n+g.rnd.NormFloat64()*2, 50, 200)
	g.p = clamp(g.p+g.rnd.NormFloat64()*2, 30, 150)
	g.k = clamp(g.k+g.rnd.NormFloat64()*2, 100, 300)

	irrigation := 0.0
	if g.pumpOn {
		irrigation = 1
	}
	health := string(healthOf(g.moisture, temp))

	return messages.SensorPayload{
		Temperature:           messages.Num(round1(temp)),
		Humidity:              messages.Num(round1(humidity)),
		Moisture:              messages.Num(round1(g.moisture)),
		Light:                 messages.Num(light),
		Nitrogen:              messages.Num(math.Round(g.n)),
		Phosphorus:            messages.Num(math.Round(g.p)),
		Potassium:             messages.Num(math.Round(g.k)),
		IrrigationPrediction:  messages.Num(irrigation),
		PlantHealthPrediction: messages.Str(health),
	}
}

// ApplyIrrigation keeps the pump on for at least d from now.
func (g *DataGenerator) ApplyIrrigation(d time.Duration) {
	if g == nil || d <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.forcedUntil = g.now().Add(d)
	g.pumpOn = true
}

// Moisture is the current simulated soil moisture.
func (g *DataGenerator) Moisture() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.moisture
}

// healthOf scores water and heat stress.
func healthOf(moisture, temp float64) model.PlantHealth {
	stress := 0
	switch {
	case moisture < 15 || moisture > 85:
		stress += 2
	case moisture < 25 || moisture > 75:
		stress++
	}
	if temp > 26 || temp < 3 {
		stress++
	}
	switch {
	case stress >= 2:
		return model.HealthHighStress
	case stress == 1:
		return model.HealthModerateStress
	default:
		return model.HealthHealthy
	}
}

func round1(x float64) float64 { return math.Round(x*10) / 10 }

func clamp(x, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, x))
}

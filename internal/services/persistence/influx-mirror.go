package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agriedge/internal/model"
)

// Configurazione Influx
type InfluxConfig struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string        // default "sensor_reading"
	QueueSize   int           // readings waiting to be written, default 256
	Timeout     time.Duration // per write, default 5s
}

// pointWriter is the subset of api.WriteAPIBlocking the mirror needs.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxMirror copies accepted readings to InfluxDB. It is a secondary sink:
// a slow or unreachable server drops readings here and never blocks ingestion.
type InfluxMirror struct {
	writer      pointWriter
	close       func()
	measurement string
	timeout     time.Duration
	queue       chan model.Reading
	cb          *gobreaker.CircuitBreaker
	logger      *zap.Logger

	mu      sync.RWMutex
	lastErr time.Time
}

// NewInfluxMirror connects a blocking write API for cfg.
func NewInfluxMirror(cfg InfluxConfig, logger *zap.Logger) (*InfluxMirror, error) {
	if cfg.URL == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx config incomplete")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	m := newInfluxMirror(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg, logger)
	m.close = client.Close
	return m, nil
}

func newInfluxMirror(w pointWriter, cfg InfluxConfig, logger *zap.Logger) *InfluxMirror {
	if cfg.Measurement == "" {
		cfg.Measurement = "sensor_reading"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &InfluxMirror{
		writer:      w,
		close:       func() {},
		measurement: sanitizeMeasurement(cfg.Measurement),
		timeout:     cfg.Timeout,
		queue:       make(chan model.Reading, cfg.QueueSize),
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "influx-mirror",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
			},
		}),
		logger: logger,
		// di default "lontano nel tempo"
		lastErr: time.Now().Add(-24 * time.Hour),
	}
}

// Mirror queues r for writing. When the queue is full the reading is dropped.
func (m *InfluxMirror) Mirror(r model.Reading) {
	select {
	case m.queue <- r:
	default:
		m.logger.Warn("influx queue full, reading dropped", zap.Time("timestamp", r.Timestamp))
	}
}

// Run writes queued readings until ctx is done, then closes the client.
func (m *InfluxMirror) Run(ctx context.Context) {
	defer m.close()
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-m.queue:
			if err := m.write(ctx, r); err != nil && !errors.Is(err, gobreaker.ErrOpenState) {
				m.logger.Warn("influx write failed", zap.Error(err))
			}
		}
	}
}

func (m *InfluxMirror) write(ctx context.Context, r model.Reading) error {
	_, err := m.cb.Execute(func() (interface{}, error) {
		wctx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		return nil, m.writer.WritePoint(wctx, ReadingToPoint(m.measurement, r))
	})
	if err != nil {
		m.mu.Lock()
		m.lastErr = time.Now()
		m.mu.Unlock()
		return fmt.Errorf("mirror reading: %w", err)
	}
	return nil
}

// LastErrorAge ritorna da quanto tempo non si verificano errori di scrittura.
func (m *InfluxMirror) LastErrorAge() time.Duration {
	if m == nil {
		return 99999 * time.Hour
	}
	m.mu.RLock()
	t := m.lastErr
	m.mu.RUnlock()
	return time.Since(t)
}

// ReadingToPoint maps r onto one point: categorical values become tags and
// measurements become fields.
func ReadingToPoint(measurement string, r model.Reading) *write.Point {
	tags := map[string]string{
		"plant_health": string(r.PlantHealth.Category()),
		"pump_status":  string(r.PumpStatus()),
	}
	fields := map[string]interface{}{
		"temperature":       r.Temperature,
		"humidity":          r.Humidity,
		"soil_moisture":     r.SoilMoisture,
		"light_intensity":   r.LightIntensity,
		"npk_n":             r.NpkN,
		"npk_p":             r.NpkP,
		"npk_k":             r.NpkK,
		"irrigation_needed": r.IrrigationNeeded,
	}
	return influxdb2.NewPoint(measurement, tags, fields, r.Timestamp)
}

func sanitizeMeasurement(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '_', r == ':', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

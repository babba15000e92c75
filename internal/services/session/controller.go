// Package session holds the process-wide monitoring session: what the
// dashboard shows, and the start/stop controls behind it.
package session

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agriedge/internal/model"
	"github.com/LeonardoBeccarini/agriedge/internal/model/entities"
	"github.com/LeonardoBeccarini/agriedge/internal/services/freshness"
	"github.com/LeonardoBeccarini/agriedge/internal/services/ingestion"
)

// ErrInvalidConfiguration is returned for an unknown soil type or crop stage.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// DefaultHistoryWindow is how many recent rows a snapshot exposes.
const DefaultHistoryWindow = 1000

// Source is the ingestion side the controller drives.
type Source interface {
	Start(s ingestion.ConnectionSettings) error
	Stop()
}

// SourceFactory builds the Source, wiring its callbacks back to the
// controller.
type SourceFactory func(rec ingestion.Recorder, onStatus ingestion.StatusFunc) Source

// Store is the reading log.
type Store interface {
	Append(r model.Reading) error
	Read(limit int) iter.Seq[model.Reading]
}

type Config struct {
	Settings           ingestion.ConnectionSettings
	FreshnessThreshold time.Duration
	HistoryWindow      int
	SoilType           model.SoilType
	CropStage          model.Stage
	Now                func() time.Time // clock for freshness, time.Now if nil
}

// State is the session as shown to the user.
type State struct {
	MonitoringActive    bool             `json:"monitoring_active"`
	ConnectionStatus    ingestion.Status `json:"connection_status"`
	LatestReading       *model.Reading   `json:"latest_reading"`
	LastReadingTime     *time.Time       `json:"last_reading_time"`
	ConnectionAttempts  int              `json:"connection_attempts"`
	SoilType            model.SoilType   `json:"soil_type"`
	CropStage           model.Stage      `json:"crop_stage"`
	PersistenceDegraded bool             `json:"persistence_degraded"`
	LastError           string           `json:"last_error,omitempty"`
}

// Snapshot is a consistent, immutable copy of the session.
type Snapshot struct {
	State
	Freshness freshness.Freshness `json:"freshness"`
	TakenAt   time.Time           `json:"taken_at"`

	// Recent yields the newest log rows at the time of the snapshot.
	Recent iter.Seq[model.Reading] `json:"-"`
}

// Controller owns the session state. Record and OnStatus are called from the
// ingestion goroutines, everything else from request handlers.
//
// mu guards state and is never held while calling into the Source; opMu
// serialises StartMonitoring and StopMonitoring.
type Controller struct {
	cfg      Config
	store    Store
	source   Source
	notifier *Notifier
	eval     freshness.Evaluator
	logger   *zap.Logger

	opMu  sync.Mutex
	mu    sync.Mutex
	state State
}

func NewController(cfg Config, store Store, factory SourceFactory, logger *zap.Logger) *Controller {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.SoilType == "" {
		cfg.SoilType = entities.DefaultSoil
	}
	if cfg.CropStage == "" {
		cfg.CropStage = entities.DefaultStage
	}
	eval := freshness.NewEvaluator(cfg.FreshnessThreshold)
	if cfg.Now != nil {
		eval.Now = cfg.Now
	}
	c := &Controller{
		cfg:      cfg,
		store:    store,
		notifier: NewNotifier(),
		eval:     eval,
		logger:   logger.Named("session"),
		state: State{
			ConnectionStatus: ingestion.StatusDisconnected,
			SoilType:         cfg.SoilType,
			CropStage:        cfg.CropStage,
		},
	}
	c.source = factory(c, c.OnStatus)
	return c
}

// StartMonitoring marks the session active and starts ingestion. If the
// start is rejected the session goes back to inactive.
func (c *Controller) StartMonitoring() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	c.state.MonitoringActive = true
	c.state.LastError = ""
	settings := c.cfg.Settings
	c.mu.Unlock()

	if err := c.source.Start(settings); err != nil {
		c.mu.Lock()
		c.state.MonitoringActive = false
		c.state.LastError = err.Error()
		c.mu.Unlock()
		c.notifier.Notify()
		c.logger.Warn("monitoring not started", zap.Error(err))
		return fmt.Errorf("start monitoring: %w", err)
	}
	c.logger.Info("monitoring started", zap.String("host", settings.Host), zap.String("topic", settings.Topic))
	c.notifier.Notify()
	return nil
}

// StopMonitoring stops ingestion and then clears the live reading. Readings
// already in the log are kept.
func (c *Controller) StopMonitoring() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.source.Stop()

	c.mu.Lock()
	wasActive := c.state.MonitoringActive
	c.state.MonitoringActive = false
	c.state.ConnectionStatus = ingestion.StatusDisconnected
	c.state.LatestReading = nil
	c.state.LastReadingTime = nil
	c.mu.Unlock()

	if wasActive {
		c.logger.Info("monitoring stopped")
	}
	c.notifier.Notify()
}

// Record appends r to the log and makes it the latest reading, under one
// lock. A storage failure still updates the latest reading and marks
// persistence as degraded until an append succeeds again.
func (c *Controller) Record(r model.Reading) error {
	c.mu.Lock()
	err := c.store.Append(r)
	latest := r
	ts := r.Timestamp
	c.state.LatestReading = &latest
	c.state.LastReadingTime = &ts
	switch {
	case err != nil:
		c.state.PersistenceDegraded = true
		c.state.LastError = err.Error()
	case c.state.PersistenceDegraded:
		c.state.PersistenceDegraded = false
		c.logger.Info("persistence recovered")
	}
	c.mu.Unlock()

	c.notifier.Notify()
	if err != nil {
		return fmt.Errorf("persist reading: %w", err)
	}
	return nil
}

// OnStatus applies a connection state change reported by ingestion.
func (c *Controller) OnStatus(s ingestion.Status, err error) {
	c.mu.Lock()
	if s == ingestion.StatusConnecting {
		c.state.ConnectionAttempts++
	}
	c.state.ConnectionStatus = s
	if err != nil {
		c.state.LastError = err.Error()
		if s == ingestion.StatusDisconnected {
			c.state.MonitoringActive = false
		}
	}
	c.mu.Unlock()

	c.logger.Debug("connection status", zap.String("status", string(s)), zap.Error(err))
	c.notifier.Notify()
}

// SetConfiguration changes the agronomic context shown with the data.
func (c *Controller) SetConfiguration(soil, stage string) error {
	st, err := entities.ParseSoilType(soil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	sg, err := entities.ParseStage(stage)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	c.mu.Lock()
	c.state.SoilType = st
	c.state.CropStage = sg
	c.mu.Unlock()
	c.notifier.Notify()
	return nil
}

// Snapshot copies the session. Freshness is computed now, not cached.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	st := c.state
	if st.LatestReading != nil {
		r := *st.LatestReading
		st.LatestReading = &r
	}
	if st.LastReadingTime != nil {
		t := *st.LastReadingTime
		st.LastReadingTime = &t
	}
	recent := c.store.Read(c.cfg.HistoryWindow)
	c.mu.Unlock()

	now := c.eval.Now()
	return Snapshot{
		State:     st,
		Freshness: freshness.Evaluate(st.LastReadingTime, now, c.eval.Threshold),
		TakenAt:   now,
		Recent:    recent,
	}
}

// Subscribe is Notifier.Subscribe for this session.
func (c *Controller) Subscribe() (<-chan struct{}, func()) {
	return c.notifier.Subscribe()
}

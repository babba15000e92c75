// Package dashboard is the HTTP, websocket and gRPC health surface over the
// monitoring session.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agriedge/internal/services/ingestion"
	"github.com/LeonardoBeccarini/agriedge/internal/services/persistence"
	"github.com/LeonardoBeccarini/agriedge/internal/services/session"
)

// DefaultRecentRows is how many rows /dashboard/data carries for the charts.
const DefaultRecentRows = 100

type Config struct {
	RecentRows      int
	HistoryLimit    int
	RefreshInterval time.Duration
}

type Server struct {
	cfg      Config
	ctrl     *session.Controller
	log      *persistence.BoundedLog
	mirror   ErrorAger
	gatherer prometheus.Gatherer
	logger   *zap.Logger

	// parent of the websocket sessions, cancelled on shutdown
	ctx context.Context
}

// NewServer wires the handlers. mirror may be nil when the InfluxDB mirror
// is disabled.
func NewServer(ctx context.Context, cfg Config, ctrl *session.Controller, log *persistence.BoundedLog,
	mirror ErrorAger, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if cfg.RecentRows <= 0 {
		cfg.RecentRows = DefaultRecentRows
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = persistence.DefaultHistoryLimit
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = session.DefaultRefreshInterval
	}
	return &Server{
		cfg:      cfg,
		ctrl:     ctrl,
		log:      log,
		mirror:   mirror,
		gatherer: gatherer,
		logger:   logger.Named("dashboard"),
		ctx:      ctx,
	}
}

// Router returns the HTTP handler for all routes, with access logging.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.Handle("/dashboard/data", handlers.CompressHandler(http.HandlerFunc(s.handleDashboard))).Methods(http.MethodGet)
	r.Handle("/data/history", handlers.CompressHandler(persistence.NewHistoryHandler(s.log, s.cfg.HistoryLimit))).Methods(http.MethodGet)
	r.HandleFunc("/dashboard/ws", s.handleWS).Methods(http.MethodGet)

	r.HandleFunc("/monitoring/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/monitoring/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/configuration", s.handleConfiguration).Methods(http.MethodPut)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	access := zap.NewStdLog(s.logger.Named("http")).Writer()
	return handlers.LoggingHandler(access, r)
}

func (s *Server) data() DashboardData {
	return NewDashboardData(s.ctrl.Snapshot(), s.cfg.RecentRows)
}

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.data())
}

func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctrl.StartMonitoring(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, ingestion.ErrInvalidSettings) {
			code = http.StatusBadRequest
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.data())
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.StopMonitoring()
	writeJSON(w, http.StatusOK, s.data())
}

type configurationRequest struct {
	SoilType  string `json:"soil_type"`
	CropStage string `json:"crop_stage"`
}

func (s *Server) handleConfiguration(w http.ResponseWriter, r *http.Request) {
	var req configurationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// un campo assente mantiene il valore corrente
	cur := s.ctrl.Snapshot()
	if req.SoilType == "" {
		req.SoilType = string(cur.SoilType)
	}
	if req.CropStage == "" {
		req.CropStage = string(cur.CropStage)
	}
	if err := s.ctrl.SetConfiguration(req.SoilType, req.CropStage); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, session.ErrInvalidConfiguration) {
			code = http.StatusBadRequest
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, s.data())
}

func writeError(w http.ResponseWriter, code int, err error) {
	type resp struct {
		Error string `json:"error"`
	}
	writeJSON(w, code, resp{Error: err.Error()})
}

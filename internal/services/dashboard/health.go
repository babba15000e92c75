package dashboard

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/LeonardoBeccarini/agriedge/internal/services/ingestion"
)

// mirrorErrorGrace is how long after a mirror write error /healthz keeps
// reporting degraded.
const mirrorErrorGrace = 30 * time.Second

// ErrorAger reports how long ago the last write error happened.
type ErrorAger interface {
	LastErrorAge() time.Duration
}

type healthStatus struct {
	Status             string  `json:"status"`
	MQTTConnected      bool    `json:"mqtt_connected"`
	MonitoringActive   bool    `json:"monitoring_active"`
	PersistenceOK      bool    `json:"persistence_ok"`
	InfluxEnabled      bool    `json:"influx_enabled"`
	LastWriteErrorS    float64 `json:"last_write_error_age_sec,omitempty"`
	ConnectionAttempts int     `json:"connection_attempts"`
	LastError          string  `json:"last_error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.ctrl.Snapshot()
	st := healthStatus{
		MQTTConnected:      snap.ConnectionStatus == ingestion.StatusConnected,
		MonitoringActive:   snap.MonitoringActive,
		PersistenceOK:      !snap.PersistenceDegraded,
		InfluxEnabled:      s.mirror != nil,
		ConnectionAttempts: snap.ConnectionAttempts,
		LastError:          snap.LastError,
	}
	mirrorOK := true
	if s.mirror != nil {
		age := s.mirror.LastErrorAge()
		st.LastWriteErrorS = age.Seconds()
		mirrorOK = age > mirrorErrorGrace
	}

	// un monitoraggio fermo non è un guasto
	transportOK := st.MQTTConnected || !st.MonitoringActive
	switch {
	case transportOK && st.PersistenceOK && mirrorOK:
		st.Status = "ok"
	case st.PersistenceOK || st.MQTTConnected:
		st.Status = "degraded"
	default:
		st.Status = "down"
	}
	writeJSON(w, http.StatusOK, st)
}

// handleReady answers 200 only while readings are flowing into a healthy log.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	snap := s.ctrl.Snapshot()
	ready := snap.ConnectionStatus == ingestion.StatusConnected && !snap.PersistenceDegraded
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	type resp struct {
		Ready bool `json:"ready"`
	}
	writeJSON(w, code, resp{Ready: ready})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

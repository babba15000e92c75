package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agriedge/internal/model"
	"github.com/LeonardoBeccarini/agriedge/internal/services/ingestion"
	"github.com/LeonardoBeccarini/agriedge/internal/services/persistence"
	"github.com/LeonardoBeccarini/agriedge/internal/services/session"
)

var settings = ingestion.ConnectionSettings{Host: "broker.local", Port: 8883, TLS: true, Topic: "agriedge/sensor", QoS: 1}

type fakeSource struct {
	onStatus ingestion.StatusFunc
	startErr error

	mu     sync.Mutex
	starts int
}

func (f *fakeSource) Start(ingestion.ConnectionSettings) error {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.onStatus(ingestion.StatusConnecting, nil)
	return nil
}

func (f *fakeSource) Stop() { f.onStatus(ingestion.StatusDisconnected, nil) }

type fakeAger struct{ age time.Duration }

func (f fakeAger) LastErrorAge() time.Duration { return f.age }

type harness struct {
	srv    *httptest.Server
	ctrl   *session.Controller
	log    *persistence.BoundedLog
	source *fakeSource
}

func newHarness(t *testing.T, mirror ErrorAger) *harness {
	t.Helper()
	logger := zap.NewNop()
	l, err := persistence.Open(filepath.Join(t.TempDir(), "sensor_data.csv"), 50, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	reg := prometheus.NewRegistry()
	require.NoError(t, persistence.RegisterMetrics(reg, l))

	src := &fakeSource{}
	ctrl := session.NewController(session.Config{Settings: settings, FreshnessThreshold: 30 * time.Second}, l,
		func(_ ingestion.Recorder, onStatus ingestion.StatusFunc) session.Source {
			src.onStatus = onStatus
			return src
		}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(ctx, Config{RefreshInterval: time.Hour}, ctrl, l, mirror, reg, logger)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &harness{srv: srv, ctrl: ctrl, log: l, source: src}
}

func (h *harness) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func liveReading(moisture float64) model.Reading {
	return model.Reading{
		Timestamp:      time.Now().UTC(),
		Temperature:    24,
		Humidity:       60,
		SoilMoisture:   moisture,
		LightIntensity: 900,
		NpkN:           10,
		NpkP:           20,
		NpkK:           40,
		PlantHealth:    "Moderate Stress",
	}
}

func TestDashboardDataInitial(t *testing.T) {
	h := newHarness(t, nil)

	resp, body := h.do(t, http.MethodGet, "/dashboard/data", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StatusReady, body["status"])
	assert.Equal(t, false, body["monitoring_active"])
	assert.Equal(t, "disconnected", body["connection_status"])
	assert.Equal(t, "none", body["freshness"])
	assert.Nil(t, body["latest_reading"])
	assert.Equal(t, []any{}, body["recent"])
	assert.Contains(t, body["soil_types"], "Black Soil")
	assert.NotContains(t, body, "levels")
}

func TestDashboardDataLive(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.Record(liveReading(20)))
	require.NoError(t, h.ctrl.Record(liveReading(40)))
	h.ctrl.OnStatus(ingestion.StatusConnected, nil)

	_, body := h.do(t, http.MethodGet, "/dashboard/data", "")
	assert.Equal(t, StatusLive, body["status"])
	assert.Equal(t, "fresh", body["freshness"])
	assert.Equal(t, "moderate stress", body["plant_health_category"])

	levels := body["levels"].(map[string]any)
	assert.Equal(t, "Optimal", levels["soil_moisture"])
	assert.Equal(t, "High", levels["light_intensity"])
	assert.Equal(t, "Low", levels["npk_n"])
	assert.Equal(t, "High", levels["npk_k"])

	stats := body["stats"].(map[string]any)
	assert.Equal(t, 30.0, stats["mean"])
	assert.Equal(t, 2.0, stats["count"])
	assert.Len(t, body["recent"], 2)
}

func TestStartAndStopMonitoring(t *testing.T) {
	h := newHarness(t, nil)

	resp, body := h.do(t, http.MethodPost, "/monitoring/start", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["monitoring_active"])
	assert.Equal(t, StatusConnecting, body["status"])

	resp, body = h.do(t, http.MethodPost, "/monitoring/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["monitoring_active"])
	assert.Equal(t, "disconnected", body["connection_status"])

	resp, _ = h.do(t, http.MethodGet, "/monitoring/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStartWithInvalidSettings(t *testing.T) {
	h := newHarness(t, nil)
	h.source.startErr = fmt.Errorf("%w: host is required", ingestion.ErrInvalidSettings)

	resp, body := h.do(t, http.MethodPost, "/monitoring/start", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "host is required")
	assert.False(t, h.ctrl.Snapshot().MonitoringActive)
}

func TestConfiguration(t *testing.T) {
	h := newHarness(t, nil)

	resp, body := h.do(t, http.MethodPut, "/configuration", `{"soil_type":"Clay","crop_stage":"Flowering"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Clay", body["soil_type"])
	assert.Equal(t, "Flowering", body["crop_stage"])

	// a missing field keeps the current value
	resp, body = h.do(t, http.MethodPut, "/configuration", `{"crop_stage":"Maturation"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Clay", body["soil_type"])
	assert.Equal(t, "Maturation", body["crop_stage"])

	resp, _ = h.do(t, http.MethodPut, "/configuration", `{"soil_type":"Moon Dust"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPut, "/configuration", `{"soil":"Clay"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPut, "/configuration", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, model.SoilType("Clay"), h.ctrl.Snapshot().SoilType)
}

func TestHistoryRoute(t *testing.T) {
	h := newHarness(t, nil)
	for i := 1; i <= 4; i++ {
		require.NoError(t, h.ctrl.Record(liveReading(float64(i))))
	}

	resp, err := http.Get(h.srv.URL + "/data/history?limit=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "50", resp.Header.Get("X-Retention-Rows"))

	var rows []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	require.Len(t, rows, 2)
	assert.Equal(t, 3.0, rows[0]["soil_moisture"])
	assert.Equal(t, 4.0, rows[1]["soil_moisture"])
}

func TestHealthAndReady(t *testing.T) {
	h := newHarness(t, nil)

	_, body := h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["influx_enabled"])

	resp, _ := h.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// active but not connected
	require.NoError(t, h.ctrl.StartMonitoring())
	_, body = h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, "degraded", body["status"])

	h.ctrl.OnStatus(ingestion.StatusConnected, nil)
	_, body = h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, "ok", body["status"])
	resp, _ = h.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthReportsRecentMirrorError(t *testing.T) {
	h := newHarness(t, fakeAger{age: 5 * time.Second})
	_, body := h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, true, body["influx_enabled"])
	assert.Equal(t, 5.0, body["last_write_error_age_sec"])

	h = newHarness(t, fakeAger{age: time.Hour})
	_, body = h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsRoute(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.Record(liveReading(10)))

	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), "agriedge_log_rows 1")
	assert.Contains(t, string(b), "agriedge_log_capacity_rows 50")
}

func readSnapshot(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, wsSnapshot, msg.Type)
	return msg.Payload
}

func TestWebsocketPushesSnapshots(t *testing.T) {
	h := newHarness(t, nil)

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/dashboard/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readSnapshot(t, conn)
	assert.Equal(t, StatusReady, first["status"])

	require.NoError(t, conn.WriteJSON(WSMessage{Type: wsStart}))
	for {
		p := readSnapshot(t, conn)
		if p["monitoring_active"] == true {
			break
		}
	}

	require.NoError(t, h.ctrl.Record(liveReading(55)))
	for {
		p := readSnapshot(t, conn)
		if p["latest_reading"] != nil {
			assert.Equal(t, 55.0, p["latest_reading"].(map[string]any)["soil_moisture"])
			break
		}
	}

	require.NoError(t, conn.WriteJSON(WSMessage{Type: wsStop}))
	for {
		p := readSnapshot(t, conn)
		if p["monitoring_active"] == false {
			assert.Nil(t, p["latest_reading"])
			break
		}
	}
}

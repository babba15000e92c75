package ingestion

import "github.com/prometheus/client_golang/prometheus"

// Rejection reasons used as the "reason" label.
const (
	ReasonPayload    = "payload"
	ReasonValidation = "validation"
	ReasonDuplicate  = "duplicate"
)

// Metrics are the ingestion counters. A nil *Metrics records nothing.
type Metrics struct {
	Received        prometheus.Counter
	Accepted        prometheus.Counter
	Rejected        *prometheus.CounterVec
	StorageErrors   prometheus.Counter
	ConnectAttempts prometheus.Counter
	State           prometheus.Gauge
}

// NewMetrics creates the ingestion metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agriedge", Subsystem: "ingestion", Name: "messages_received_total",
			Help: "MQTT messages delivered on the sensor topic.",
		}),
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agriedge", Subsystem: "ingestion", Name: "readings_accepted_total",
			Help: "Readings that passed validation and were handed to the recorder.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agriedge", Subsystem: "ingestion", Name: "readings_rejected_total",
			Help: "Messages dropped before recording, by reason.",
		}, []string{"reason"}),
		StorageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agriedge", Subsystem: "ingestion", Name: "storage_errors_total",
			Help: "Readings the recorder failed to persist.",
		}),
		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agriedge", Subsystem: "ingestion", Name: "connect_attempts_total",
			Help: "Broker connection attempts, including retries and reconnects.",
		}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agriedge", Subsystem: "ingestion", Name: "connection_state",
			Help: "0 disconnected, 1 connecting, 2 connected.",
		}),
	}
	for _, c := range []prometheus.Collector{m.Received, m.Accepted, m.Rejected, m.StorageErrors, m.ConnectAttempts, m.State} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	for _, reason := range []string{ReasonPayload, ReasonValidation, ReasonDuplicate} {
		m.Rejected.WithLabelValues(reason)
	}
	return m, nil
}

func (m *Metrics) received() {
	if m != nil {
		m.Received.Inc()
	}
}

func (m *Metrics) accepted() {
	if m != nil {
		m.Accepted.Inc()
	}
}

func (m *Metrics) rejected(reason string) {
	if m != nil {
		m.Rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) storageError() {
	if m != nil {
		m.StorageErrors.Inc()
	}
}

func (m *Metrics) connectAttempt() {
	if m != nil {
		m.ConnectAttempts.Inc()
	}
}

func (m *Metrics) state(s Status) {
	if m == nil {
		return
	}
	switch s {
	case StatusConnected:
		m.State.Set(2)
	case StatusConnecting:
		m.State.Set(1)
	default:
		m.State.Set(0)
	}
}

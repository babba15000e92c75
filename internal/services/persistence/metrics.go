package persistence

import "github.com/prometheus/client_golang/prometheus"

// RegisterMetrics exposes the log size and cap as gauges on reg.
func RegisterMetrics(reg prometheus.Registerer, l *BoundedLog) error {
	rows := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "agriedge",
		Subsystem: "log",
		Name:      "rows",
		Help:      "Readings currently retained in the CSV log.",
	}, func() float64 { return float64(l.Len()) })
	capacity := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "agriedge",
		Subsystem: "log",
		Name:      "capacity_rows",
		Help:      "Retention cap of the CSV log.",
	}, func() float64 { return float64(l.Cap()) })

	for _, c := range []prometheus.Collector{rows, capacity} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

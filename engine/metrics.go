package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/metric"
)

// engineMetrics holds Prometheus metrics for management operations.
type engineMetrics struct {
	operations *prometheus.CounterVec   // By operation and status (success/invalid/failure)
	duration   *prometheus.HistogramVec // By operation
	sensors    prometheus.Gauge
	groups     prometheus.Gauge
}

// newEngineMetrics creates and registers engine metrics with the provided registry.
func newEngineMetrics(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &engineMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daq",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Total number of management operations",
		}, []string{"operation", "status"}),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "daq",
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Management operation duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}, []string{"operation"}),

		sensors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "daq",
			Subsystem: "engine",
			Name:      "sensors",
			Help:      "Number of registered sensors",
		}),

		groups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "daq",
			Subsystem: "engine",
			Name:      "groups",
			Help:      "Number of DAQ groups",
		}),
	}

	if err := registry.RegisterCounterVec("engine", "operations", m.operations); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("engine", "operation_duration", m.duration); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("engine", "sensors", m.sensors); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("engine", "groups", m.groups); err != nil {
		return nil, err
	}
	return m, nil
}

// record observes one operation. Use as: defer m.record("op", time.Now(), &err).
func (m *engineMetrics) record(op string, start time.Time, errp *error) {
	if m == nil {
		return
	}
	status := "success"
	if err := *errp; err != nil {
		status = "failure"
		if errors.IsInvalid(err) {
			status = "invalid"
		}
	}
	m.operations.WithLabelValues(op, status).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *engineMetrics) setCounts(sensors, groups int) {
	if m == nil {
		return
	}
	m.sensors.Set(float64(sensors))
	m.groups.Set(float64(groups))
}

package http

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jnarwell/wit-sub006/metric"
)

// gatewayMetrics holds Prometheus metrics for the HTTP and websocket boundaries.
type gatewayMetrics struct {
	requests         *prometheus.CounterVec   // By route template and status code
	requestDuration  *prometheus.HistogramVec // By route template
	clientsConnected prometheus.Gauge
	connections      prometheus.Counter
	framesSent       *prometheus.CounterVec // By format (binary/json/control)
	bytesSent        prometheus.Counter
	errors           *prometheus.CounterVec // By error type
}

// newGatewayMetrics creates and registers gateway metrics. A nil registry
// disables metrics.
func newGatewayMetrics(registry *metric.MetricsRegistry) (*gatewayMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &gatewayMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daq",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests",
		}, []string{"route", "code"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "daq",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"route"}),

		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "daq",
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Number of currently connected streaming clients",
		}),

		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "daq",
			Subsystem: "websocket",
			Name:      "client_connections_total",
			Help:      "Total streaming client connections",
		}),

		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daq",
			Subsystem: "websocket",
			Name:      "frames_sent_total",
			Help:      "Total frames sent to streaming clients",
		}, []string{"format"}),

		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "daq",
			Subsystem: "websocket",
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent to streaming clients",
		}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daq",
			Subsystem: "websocket",
			Name:      "errors_total",
			Help:      "Streaming boundary errors",
		}, []string{"error_type"}),
	}

	if err := registry.RegisterCounterVec("gateway", "requests", m.requests); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("gateway", "request_duration", m.requestDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("gateway", "clients_connected", m.clientsConnected); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("gateway", "client_connections", m.connections); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("gateway", "frames_sent", m.framesSent); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("gateway", "bytes_sent", m.bytesSent); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("gateway", "errors", m.errors); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *gatewayMetrics) frameSent(format string, size int) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(format).Inc()
	m.bytesSent.Add(float64(size))
}

func (m *gatewayMetrics) failure(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}

func (m *gatewayMetrics) setClients(n int) {
	if m == nil {
		return
	}
	m.clientsConnected.Set(float64(n))
}

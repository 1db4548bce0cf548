package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "daq"

// Metrics contains the core acquisition metrics shared by every component.
type Metrics struct {
	// Acquisition
	SensorState      *prometheus.GaugeVec
	ReadingsProduced *prometheus.CounterVec
	ReadingsDropped  *prometheus.CounterVec
	AdapterFailures  *prometheus.CounterVec
	DispatchDuration prometheus.Histogram

	// Wire codec
	PacketsDecoded  prometheus.Counter
	PacketsRejected *prometheus.CounterVec

	// Streaming
	Subscribers     prometheus.Gauge
	SubscriberDrops prometheus.Counter

	// Aggregation
	WindowsDropped prometheus.Counter
	BlocksStored   *prometheus.CounterVec

	// Alerts
	AlertEvents     *prometheus.CounterVec
	AlertEvalErrors prometheus.Counter

	// NATS
	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		SensorState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sensor",
				Name:      "state",
				Help:      "Acquisition state (0=idle, 1=configuring, 2=running, 3=paused, 4=stopped, 5=error)",
			},
			[]string{"sensor"},
		),
		ReadingsProduced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "readings",
				Name:      "produced_total",
				Help:      "Total number of normalized readings produced",
			},
			[]string{"sensor"},
		),
		ReadingsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "readings",
				Name:      "dropped_total",
				Help:      "Total number of readings dropped before dispatch",
			},
			[]string{"reason"},
		),
		AdapterFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "adapter",
				Name:      "failures_total",
				Help:      "Total number of adapter read or connect failures",
			},
			[]string{"connection_type"},
		),
		DispatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "readings",
				Name:      "dispatch_duration_seconds",
				Help:      "Time spent handing a reading to downstream consumers",
				Buckets:   []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
			},
		),
		PacketsDecoded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "wire",
				Name:      "packets_decoded_total",
				Help:      "Total number of packets decoded successfully",
			},
		),
		PacketsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "wire",
				Name:      "packets_rejected_total",
				Help:      "Total number of packets rejected by the decoder",
			},
			[]string{"reason"},
		),
		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "subscribers",
				Help:      "Current number of stream subscribers",
			},
		),
		SubscriberDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "dropped_total",
				Help:      "Total number of readings dropped from subscriber queues",
			},
		),
		WindowsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "aggregation",
				Name:      "windows_dropped_total",
				Help:      "Total number of closed windows dropped from a full aggregation queue",
			},
		),
		BlocksStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "aggregation",
				Name:      "blocks_stored_total",
				Help:      "Total number of time-series blocks handed to storage",
			},
			[]string{"encoding"},
		),
		AlertEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alert",
				Name:      "events_total",
				Help:      "Total number of alert event transitions",
			},
			[]string{"state"},
		),
		AlertEvalErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alert",
				Name:      "evaluation_errors_total",
				Help:      "Total number of alert condition evaluation errors",
			},
		),
		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),
		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.SensorState,
		m.ReadingsProduced,
		m.ReadingsDropped,
		m.AdapterFailures,
		m.DispatchDuration,
		m.PacketsDecoded,
		m.PacketsRejected,
		m.Subscribers,
		m.SubscriberDrops,
		m.WindowsDropped,
		m.BlocksStored,
		m.AlertEvents,
		m.AlertEvalErrors,
		m.NATSConnected,
		m.NATSReconnects,
		m.NATSCircuitBreaker,
	}
}

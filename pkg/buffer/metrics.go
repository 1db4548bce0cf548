package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jnarwell/wit-sub006/metric"
)

// Metrics holds Prometheus vectors shared by every buffer of one kind; each
// buffer reports under its own "queue" label.
type Metrics struct {
	drops *prometheus.CounterVec
	depth *prometheus.GaugeVec
}

// NewMetrics creates and registers buffer metrics for a family of buffers
// (for example "stream" or "aggregation").
func NewMetrics(registry *metric.MetricsRegistry, family string) (*Metrics, error) {
	m := &Metrics{
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "daq",
			Subsystem:   "buffer",
			Name:        "drops_total",
			ConstLabels: prometheus.Labels{"family": family},
			Help:        "Total number of items dropped due to overflow",
		}, []string{"queue"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "daq",
			Subsystem:   "buffer",
			Name:        "depth",
			ConstLabels: prometheus.Labels{"family": family},
			Help:        "Current number of items queued",
		}, []string{"queue"}),
	}

	if err := registry.RegisterCounterVec(family, "buffer_drops", m.drops); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec(family, "buffer_depth", m.depth); err != nil {
		registry.Unregister(family, "buffer_drops")
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordDrop(name string) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(name).Inc()
}

func (m *Metrics) recordDepth(name string, size int) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues(name).Set(float64(size))
}

func (m *Metrics) forget(name string) {
	if m == nil {
		return
	}
	m.drops.DeleteLabelValues(name)
	m.depth.DeleteLabelValues(name)
}

package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the HTTP handler that serves the registry in the Prometheus
// exposition format. A nil registry yields a handler that always answers 503.
func Handler(r *MetricsRegistry) http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics registry not configured", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(r.PrometheusRegistry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

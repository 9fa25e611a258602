package observability

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the JSON snapshot.
func Handler(metrics *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := metrics.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})
}

// PrometheusHandler serves the collector in the Prometheus text format.
func PrometheusHandler(c *Collector) http.Handler {
	return promhttp.HandlerFor(c.Registry(), promhttp.HandlerOpts{})
}

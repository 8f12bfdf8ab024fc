package api

import (
	"net/http"

	"github.com/devghori1264/aerophoenix/rackd/internal/metrics"
)

// RegisterMetrics mounts the Prometheus scrape endpoint for m on mux.
func RegisterMetrics(mux *http.ServeMux, m *metrics.Metrics) {
	mux.Handle("GET /metrics", m.Handler())
}

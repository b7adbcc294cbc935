package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	rateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Total number of requests rejected by the per-client rate limit.",
		},
	)

	readyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readiness_check_failures_total",
			Help: "Total number of failed readiness checks, by check.",
		},
		[]string{"check"},
	)
)

// metricsHandler serves Prometheus metrics on the main listener.
func (h *Handler) metricsHandler(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// NewMetricsHandler returns a handler for a separate metrics listener.
func NewMetricsHandler() http.Handler {
	return promhttp.Handler()
}

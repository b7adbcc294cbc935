package login

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loginOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_login_outcomes_total",
			Help: "Total number of login attempts, by outcome.",
		},
		[]string{"outcome"}, // success, denied, authorization_failed, not_found, invalid, error
	)

	loginDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bridge_login_duration_seconds",
			Help:    "Duration of login attempts in seconds, including user interaction.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)
)

package validator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jwksRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jwks_cache_refreshes_total",
			Help: "Total number of JWKS cache refreshes, by result.",
		},
		[]string{"result"}, // success, failure
	)

	nonceValidationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nonce_validation_total",
			Help: "Total number of bearer token validations, by result.",
		},
		[]string{"result"}, // success, invalid_token, missing_nonce, invalid_nonce
	)
)

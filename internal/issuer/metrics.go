package issuer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	delegationsPrepared = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "issuer_delegations_prepared_total",
			Help: "Total number of prepare_delegation calls, by result.",
		},
		[]string{"result"}, // success, rejected
	)

	delegationsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "issuer_delegations_fetched_total",
			Help: "Total number of get_delegation calls, by result.",
		},
		[]string{"result"}, // found, no_such_delegation, rejected
	)
)

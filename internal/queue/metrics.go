// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	enqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipd_queue_enqueued_total",
		Help: "Jobs enqueued by kind",
	}, []string{"kind"})

	claimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipd_queue_claimed_total",
		Help: "Jobs claimed by kind",
	}, []string{"kind"})

	retriedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipd_queue_retried_total",
		Help: "Jobs requeued after a retryable failure",
	})

	deadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipd_queue_dead_total",
		Help: "Jobs that exhausted their attempt budget",
	})
)

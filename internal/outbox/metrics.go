// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipd_outbox_delivered_total",
		Help: "Outbox delivery outcomes by event type",
	}, []string{"event_type", "outcome"})

	reapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipd_outbox_reaped_total",
		Help: "Claimed rows returned to pending by the stale sweep",
	})
)

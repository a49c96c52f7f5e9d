// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	startedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipd_worker_started_total",
		Help: "Job attempts started by kind",
	}, []string{"kind"})

	settledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipd_worker_settled_total",
		Help: "Terminal job settlements by kind and outcome",
	}, []string{"kind", "outcome"})
)

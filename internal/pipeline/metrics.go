// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	admittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipd_pipeline_admitted_total",
		Help: "Operations admitted by kind",
	}, []string{"kind"})

	dedupTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipd_pipeline_dedup_total",
		Help: "Requests absorbed by an equivalent existing operation",
	})
)

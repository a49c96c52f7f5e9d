// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package janitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var reconciledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "clipd_janitor_reconciled_total",
	Help: "Reservations reconciled by the sweep, by outcome",
}, []string{"outcome"})

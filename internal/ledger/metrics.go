// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reserveTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipd_ledger_reservations_total",
		Help: "Total number of credit reservations placed",
	})

	settleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipd_ledger_settlements_total",
		Help: "Total number of terminal reservation settlements",
	}, []string{"outcome"})
)

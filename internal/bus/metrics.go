// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "clipd_bus_dropped_total",
	Help: "Messages dropped because a publish context ended before delivery",
}, []string{"topic", "reason"})

// DroppedTotal exposes the drop counter for tests.
func DroppedTotal(topic, reason string) prometheus.Counter {
	return droppedTotal.WithLabelValues(topic, reason)
}

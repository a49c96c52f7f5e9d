// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package ffmpeg

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	exitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipd_tool_exit_total",
		Help: "Media tool process exits by result",
	}, []string{"tool", "result"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clipd_tool_run_seconds",
		Help:    "Wall clock duration of media tool invocations",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"tool"})
)

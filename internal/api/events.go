// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ManuGH/clipd/internal/bus"
	"github.com/ManuGH/clipd/internal/log"
	"github.com/ManuGH/clipd/internal/outbox"
	"github.com/ManuGH/clipd/internal/worker"
)

// EventsTopic is the bus topic the relay republishes every delivered
// outbox event on. SSE clients consume this firehose with a per-request
// pattern filter.
const EventsTopic = "events"

const heartbeatEvery = 15 * time.Second

// handleEvents streams lifecycle events as Server-Sent Events. The
// optional ?pattern= query narrows the stream ("job.*", "job.completed");
// the default is everything. Patterns matching job.progress additionally
// receive ephemeral progress frames.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, r, http.StatusServiceUnavailable, "events_unavailable", "event stream not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot stream")
		return
	}

	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = "*"
	}

	sub, err := s.events.Subscribe(r.Context(), EventsTopic)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	defer func() { _ = sub.Close() }()

	// progress rides a separate ephemeral topic; only tap it when asked for
	var progressC <-chan bus.Message
	if outbox.MatchPattern(pattern, worker.ProgressTopic) {
		psub, err := s.events.Subscribe(r.Context(), worker.ProgressTopic)
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		defer func() { _ = psub.Close() }()
		progressC = psub.C()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := log.WithContext(r.Context(), log.WithComponent("api"))
	logger.Debug().Str("pattern", pattern).Msg("event stream opened")

	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug().Msg("event stream closed")
			return
		case <-heartbeat.C:
			// comment frame keeps proxies from timing the stream out
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case msg, open := <-progressC:
			if !open {
				progressC = nil
				continue
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", worker.ProgressTopic, data)
			flusher.Flush()
		case msg, open := <-sub.C():
			if !open {
				return
			}
			ev, ok := msg.(*outbox.Event)
			if !ok || !outbox.MatchPattern(pattern, ev.EventType) {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Warn().Err(err).Msg("event marshal failed")
				continue
			}
			fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", ev.EventType, ev.ID, data)
			flusher.Flush()
		}
	}
}

// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/clipd/internal/bus"
	"github.com/ManuGH/clipd/internal/ledger"
	"github.com/ManuGH/clipd/internal/media"
	"github.com/ManuGH/clipd/internal/operation"
	"github.com/ManuGH/clipd/internal/outbox"
	"github.com/ManuGH/clipd/internal/persistence/sqlite"
	"github.com/ManuGH/clipd/internal/pipeline"
	"github.com/ManuGH/clipd/internal/progress"
	"github.com/ManuGH/clipd/internal/queue"
	"github.com/ManuGH/clipd/internal/worker"
)

const (
	testUser  = "u-api"
	testAsset = "abcdefabcdef"
)

type fixture struct {
	db      *sql.DB
	srv     *httptest.Server
	bus     *bus.MemoryBus
	tracker *progress.MemoryTracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "clipd.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlite.Migrate(db))

	users := pipeline.NewUserStore(db)
	assets := media.NewStore(db)
	led := ledger.New(db)
	svc := pipeline.New(pipeline.Config{
		Paths: media.Paths{Root: t.TempDir()},
	}, db, users, assets, operation.NewStore(db), led,
		outbox.NewStore(db), queue.New(db), nil, nil)

	require.NoError(t, users.Ensure(ctx, testUser, "free"))
	require.NoError(t, assets.Put(ctx, &media.Asset{
		ID: testAsset, OwnerID: testUser, Kind: media.KindVideo, Ext: "mp4",
		Width: 1920, Height: 1080,
	}))
	_, err = led.Credit(ctx, testUser, 10, "seed")
	require.NoError(t, err)

	f := &fixture{
		db:      db,
		bus:     bus.NewMemoryBus(),
		tracker: progress.NewMemoryTracker(),
	}
	server := NewServer(Config{}, svc, users, f.tracker, f.bus)
	f.srv = httptest.NewServer(server.Router())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func startBody(start, end float64) map[string]any {
	return map[string]any{
		"userId":  testUser,
		"assetId": testAsset,
		"kind":    "trim",
		"params":  map[string]any{"trim": map[string]any{"startSec": start, "endSec": end}},
	}
}

func TestStartOperationEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/api/operations", startBody(0, 2))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[operationResponse](t, resp)
	require.NotEmpty(t, created.ID)
	require.Equal(t, operation.StatusPending, created.Status)
	require.False(t, created.Existing)

	// the equivalent request is absorbed, not re-admitted
	resp = f.post(t, "/api/operations", startBody(0, 2))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dup := decode[operationResponse](t, resp)
	require.True(t, dup.Existing)
	require.Equal(t, created.ID, dup.ID)
}

func TestStartOperationErrorMapping(t *testing.T) {
	f := newFixture(t)

	// end before start
	resp := f.post(t, "/api/operations", startBody(5, 2))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// unknown asset
	body := startBody(0, 2)
	body["assetId"] = "ffffffffffff"
	resp = f.post(t, "/api/operations", body)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// foreign asset
	ctx := context.Background()
	require.NoError(t, pipeline.NewUserStore(f.db).Ensure(ctx, "u-other", "free"))
	body = startBody(0, 2)
	body["userId"] = "u-other"
	resp = f.post(t, "/api/operations", body)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// drained account pays 402
	for i := 1; i <= 10; i++ {
		resp = f.post(t, "/api/operations", startBody(float64(i*10), float64(i*10+1)))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}
	resp = f.post(t, "/api/operations", startBody(500, 501))
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	errBody := decode[errorBody](t, resp)
	require.Equal(t, "insufficient_funds", errBody.Error)
}

func TestGetOperationIncludesProgress(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/api/operations", startBody(0, 2))
	created := decode[operationResponse](t, resp)

	resp2, err := http.Get(f.srv.URL + "/api/operations/" + created.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	got := decode[operationResponse](t, resp2)
	require.Equal(t, created.ID, got.ID)
	require.Nil(t, got.Progress, "pending operations carry no progress")

	// move it to processing and record progress, as the worker would
	ctx := context.Background()
	tx, err := f.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, operation.NewStore(f.db).MarkProcessing(ctx, tx, created.ID))
	require.NoError(t, tx.Commit())
	require.NoError(t, f.tracker.Set(ctx, created.ID, 42.5))

	resp3, err := http.Get(f.srv.URL + "/api/operations/" + created.ID)
	require.NoError(t, err)
	got = decode[operationResponse](t, resp3)
	require.NotNil(t, got.Progress)
	require.InDelta(t, 42.5, *got.Progress, 0.01)

	resp4, err := http.Get(f.srv.URL + "/api/operations/op-missing")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp4.StatusCode)
	resp4.Body.Close()
}

func TestBalanceAndCredits(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/api/users/" + testUser + "/balance")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bal := decode[balanceResponse](t, resp)
	require.Equal(t, int64(10), bal.Balance)

	resp = f.post(t, "/api/users/"+testUser+"/credits",
		addCreditsRequest{Amount: 5, Description: "top-up"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bal = decode[balanceResponse](t, resp)
	require.Equal(t, int64(15), bal.Balance)

	resp = f.post(t, "/api/users/"+testUser+"/credits", addCreditsRequest{Amount: 0})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestCancelOperationEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/api/operations", startBody(0, 2))
	created := decode[operationResponse](t, resp)

	req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/api/operations/"+created.ID, nil)
	require.NoError(t, err)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	got := decode[operationResponse](t, resp2)
	require.Equal(t, operation.StatusFailed, got.Status)

	// second cancel reports the conflict
	resp3, err := http.DefaultClient.Do(req.Clone(context.Background()))
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp3.StatusCode)
	resp3.Body.Close()
}

func TestRequestIDEchoed(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))

	// one is minted when the client sends none
	resp2, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.NotEmpty(t, resp2.Header.Get("X-Request-ID"))
}

func TestEventStreamFiltersByPattern(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		f.srv.URL+"/api/events?pattern=job.*", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// the subscription exists once headers are flushed; publish after
	require.NoError(t, f.bus.Publish(ctx, EventsTopic, &outbox.Event{
		ID: 1, EventType: outbox.TypeCreditAdded, AggregateID: testUser,
		Payload: json.RawMessage(`{}`),
	}))
	require.NoError(t, f.bus.Publish(ctx, EventsTopic, &outbox.Event{
		ID: 2, EventType: outbox.TypeJobCompleted, AggregateID: "op-1",
		Payload: json.RawMessage(`{"operationId":"op-1"}`),
	}))

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = line
		case strings.HasPrefix(line, "data: "):
			dataLine = line
		}
		if dataLine != "" {
			break
		}
	}

	// the credit event was filtered out; the first frame is the job one
	require.Equal(t, "event: "+outbox.TypeJobCompleted, eventLine)
	require.Contains(t, dataLine, `"operationId":"op-1"`)
}

func TestEventStreamForwardsProgress(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		f.srv.URL+"/api/events?pattern="+worker.ProgressTopic, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, f.bus.Publish(ctx, worker.ProgressTopic,
		worker.ProgressUpdate{OperationID: "op-7", Percent: 42.5}))

	reader := bufio.NewReader(resp.Body)
	var dataLine string
	for dataLine == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimRight(line, "\n")
		}
	}
	require.Contains(t, dataLine, `"operationId":"op-7"`)
	require.Contains(t, dataLine, `"percent":42.5`)
}

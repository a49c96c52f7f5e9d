// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestFromContextFallsBackToBase(t *testing.T) {
	l := FromContext(nil) //nolint:staticcheck // the nil path is the point
	require.NotNil(t, l)
	require.NotEqual(t, zerolog.Disabled, l.GetLevel())

	// A bare context carries no logger either; the fallback must still
	// hand back a usable instance.
	l = FromContext(context.Background())
	require.NotNil(t, l)
	require.NotEqual(t, zerolog.Disabled, l.GetLevel())
	l.Debug().Msg("fallback logger is usable")
}

func TestWithContextAddsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	root := zerolog.New(&buf)

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithOperationID(ctx, "op-1")
	ctx = ContextWithJobID(ctx, "job-1")

	logger := WithContext(ctx, root)
	logger.Info().Msg("hello")

	out := buf.String()
	require.Contains(t, out, `"request_id":"req-1"`)
	require.Contains(t, out, `"operation_id":"op-1"`)
	require.Contains(t, out, `"job_id":"job-1"`)
}

func TestWithContextLeavesLoggerUntouchedWithoutFields(t *testing.T) {
	var buf bytes.Buffer
	root := zerolog.New(&buf)

	logger := WithContext(context.Background(), root)
	logger.Info().Msg("plain")

	out := buf.String()
	require.NotContains(t, out, "request_id")
	require.NotContains(t, out, "operation_id")
}

// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(t.TempDir(), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRememberLookupForget(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	_, ok, err := c.Lookup(ctx, "fp-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Remember(ctx, "fp-1", "op-1"))
	opID, ok, err := c.Lookup(ctx, "fp-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "op-1", opID)

	require.NoError(t, c.Forget(ctx, "fp-1"))
	_, ok, err = c.Lookup(ctx, "fp-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRememberOverwrites(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Remember(ctx, "fp-1", "op-old"))
	require.NoError(t, c.Remember(ctx, "fp-1", "op-new"))

	opID, ok, err := c.Lookup(ctx, "fp-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "op-new", opID)
}

// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package dedupe is the fast path in front of the operations table: a
// local key-value cache mapping request fingerprints to the operation
// already serving them. The database remains the source of truth; a cache
// miss just falls through to the indexed lookup.
package dedupe

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "fp:"

// Cache stores fingerprint -> operation id with a TTL.
type Cache struct {
	db  *badger.DB
	ttl time.Duration
}

// Open creates or reopens the cache at dir. ttl <= 0 defaults to 24h.
func Open(dir string, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Cache{db: db, ttl: ttl}, nil
}

// Close flushes and closes the underlying store.
func (c *Cache) Close() error { return c.db.Close() }

// Lookup returns the operation id cached for fingerprint, if any.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var opID string
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + fingerprint))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			opID = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return opID, true, nil
}

// Remember binds fingerprint to operationID for the cache TTL.
func (c *Cache) Remember(ctx context.Context, fingerprint, operationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := badger.NewEntry([]byte(keyPrefix+fingerprint), []byte(operationID)).WithTTL(c.ttl)
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

// Forget drops a fingerprint, e.g. after its operation failed and should
// no longer absorb duplicates.
func (c *Cache) Forget(ctx context.Context, fingerprint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + fingerprint))
	})
}

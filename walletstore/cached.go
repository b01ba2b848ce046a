// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package walletstore

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultCacheSize is the number of records kept by a CachedBackend.
const DefaultCacheSize = 32

// CachedBackend keeps recently used records in memory.  Writes go through
// to the underlying backend before the cache is updated.
type CachedBackend struct {
	backend Backend
	cache   *lru.Cache
}

var _ Backend = (*CachedBackend)(nil)

// NewCached wraps backend with an LRU cache of size records.
func NewCached(backend Backend, size int) (*CachedBackend, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachedBackend{backend: backend, cache: cache}, nil
}

// Fetch returns the record of walletID, from memory when cached.
func (c *CachedBackend) Fetch(ctx context.Context,
	walletID string) ([]byte, error) {

	if v, ok := c.cache.Get(walletID); ok {
		return append([]byte(nil), v.([]byte)...), nil
	}

	data, err := c.backend.Fetch(ctx, walletID)
	if err != nil {
		return nil, err
	}
	c.cache.Add(walletID, append([]byte(nil), data...))
	return data, nil
}

// Put stores data and refreshes the cached copy.  A failed write evicts
// walletID.
func (c *CachedBackend) Put(ctx context.Context, walletID string,
	data []byte) error {

	if err := c.backend.Put(ctx, walletID, data); err != nil {
		c.cache.Remove(walletID)
		return err
	}
	c.cache.Add(walletID, append([]byte(nil), data...))
	return nil
}

// List returns the ids of the underlying backend.
func (c *CachedBackend) List(ctx context.Context) ([]string, error) {
	return c.backend.List(ctx)
}

// Close drops the cache and closes the underlying backend.
func (c *CachedBackend) Close() error {
	c.cache.Purge()
	return c.backend.Close()
}

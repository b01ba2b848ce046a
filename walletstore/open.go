// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package walletstore

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/copaywallet/copayd/internal/cfgutil"
)

// Backend names accepted by Open.
const (
	BackendBolt     = "bdb"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// SQLiteDBName is the database filename used for SQLite when no DSN is
// given.
const SQLiteDBName = "wallets.sqlite"

// Config selects and configures the backend stack returned by Open.
type Config struct {
	// Backend is one of BackendBolt, BackendSQLite or BackendPostgres.
	Backend string

	// DataDir holds the bbolt file and the default SQLite file.
	DataDir string

	// DSN is the SQL connection string.  Required for postgres.
	DSN string

	// DBTimeout bounds the wait for the bbolt file lock.
	DBTimeout time.Duration

	// NoFreelistSync disables syncing the bbolt freelist to disk.
	NoFreelistSync bool

	// Passphrase, when set, encrypts records at rest.
	Passphrase []byte
	Scrypt     ScryptParams

	// CacheSize is the number of records kept in memory.  Zero disables
	// the cache.
	CacheSize int
}

// Open builds the backend stack described by cfg.
func Open(ctx context.Context, cfg *Config) (*Store, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Backend {
	case BackendBolt, "":
		timeout := cfg.DBTimeout
		if timeout == 0 {
			timeout = DefaultDBTimeout
		}
		backend, err = OpenBolt(cfg.DataDir, cfg.NoFreelistSync, timeout)

	case BackendSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			if err := cfgutil.EnsureDir(cfg.DataDir); err != nil {
				return nil, err
			}
			dsn = "file:" + filepath.Join(cfg.DataDir, SQLiteDBName) +
				"?mode=rwc"
		}
		backend, err = OpenSQL(ctx, DialectSQLite, dsn)

	case BackendPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("%s backend requires a dsn",
				BackendPostgres)
		}
		backend, err = OpenSQL(ctx, DialectPostgres, cfg.DSN)

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if len(cfg.Passphrase) > 0 {
		params := cfg.Scrypt
		if params == (ScryptParams{}) {
			params = DefaultScryptParams()
		}
		enc, err := NewEncrypted(backend, cfg.Passphrase, params)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		backend = enc
	}

	if cfg.CacheSize > 0 {
		cached, err := NewCached(backend, cfg.CacheSize)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		backend = cached
	}

	log.Infof("Using %s wallet storage (encrypted=%v)", cfg.Backend,
		len(cfg.Passphrase) > 0)
	return New(backend), nil
}

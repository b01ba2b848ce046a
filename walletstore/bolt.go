// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package walletstore

import (
	"context"
	"path/filepath"
	"sort"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
	// Register the bbolt walletdb driver.
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"

	"github.com/copaywallet/copayd/internal/cfgutil"
)

const (
	// BoltDBName is the database filename inside the data directory.
	BoltDBName = "wallets.db"

	// DefaultDBTimeout is the default timeout value when opening the
	// database.
	DefaultDBTimeout = 60 * time.Second
)

// walletsBucket holds one record per wallet id.
var walletsBucket = []byte("wallets")

// BoltBackend is a Backend stored in a bbolt file through walletdb.
type BoltBackend struct {
	db walletdb.DB
}

var _ Backend = (*BoltBackend)(nil)

// OpenBolt opens the database in dir, creating it when it does not exist.
func OpenBolt(dir string, noFreelistSync bool,
	timeout time.Duration) (*BoltBackend, error) {

	if err := cfgutil.EnsureDir(dir); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(dir, BoltDBName)

	exists, err := cfgutil.FileExists(dbPath)
	if err != nil {
		return nil, err
	}

	var db walletdb.DB
	if exists {
		db, err = walletdb.Open("bdb", dbPath, noFreelistSync, timeout)
	} else {
		log.Infof("Creating wallet database %s", dbPath)
		db, err = walletdb.Create("bdb", dbPath, noFreelistSync, timeout)
	}
	if err != nil {
		return nil, err
	}

	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		_, err := tx.CreateTopLevelBucket(walletsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltBackend{db: db}, nil
}

// Fetch returns the record of walletID.
func (b *BoltBackend) Fetch(ctx context.Context,
	walletID string) ([]byte, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := walletdb.View(b.db, func(tx walletdb.ReadTx) error {
		bucket := tx.ReadBucket(walletsBucket)
		if bucket == nil {
			return walletdb.ErrBucketNotFound
		}
		v := bucket.Get([]byte(walletID))
		if v == nil {
			return ErrNotFound
		}

		// Values are only valid for the life of the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

// Put creates or replaces the record of walletID.
func (b *BoltBackend) Put(ctx context.Context, walletID string,
	data []byte) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	return walletdb.Update(b.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(walletsBucket)
		if bucket == nil {
			return walletdb.ErrBucketNotFound
		}
		return bucket.Put([]byte(walletID), data)
	})
}

// List returns the stored wallet ids in lexical order.
func (b *BoltBackend) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ids []string
	err := walletdb.View(b.db, func(tx walletdb.ReadTx) error {
		bucket := tx.ReadBucket(walletsBucket)
		if bucket == nil {
			return walletdb.ErrBucketNotFound
		}
		return bucket.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Close closes the database.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}

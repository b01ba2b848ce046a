// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package walletstore persists serialized wallets.  A Backend stores opaque
// records keyed by wallet id; Store encodes wallets into those records and
// implements wallet.Storage.  Backends may be stacked, for example a
// CachedBackend over an EncryptedBackend over a BoltBackend.
package walletstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/copaywallet/copayd/wallet"
)

// ErrNotFound is returned by backends when no record exists for a wallet
// id.  It is the same value as wallet.ErrNotFound.
var ErrNotFound = wallet.ErrNotFound

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("store closed")

// Backend stores wallet records.
type Backend interface {
	// Fetch returns the record of walletID or ErrNotFound.
	Fetch(ctx context.Context, walletID string) ([]byte, error)

	// Put creates or replaces the record of walletID.
	Put(ctx context.Context, walletID string, data []byte) error

	// List returns the ids of all stored wallets.
	List(ctx context.Context) ([]string, error)

	// Close releases the resources held by the backend.
	Close() error
}

// Store implements wallet.Storage on top of a Backend.
type Store struct {
	backend Backend
}

var _ wallet.Storage = (*Store)(nil)

// New returns a Store writing to backend.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// Get loads the wallet stored under walletID.
func (s *Store) Get(ctx context.Context, walletID string) (*wallet.Obj, error) {
	data, err := s.backend.Fetch(ctx, walletID)
	if err != nil {
		return nil, err
	}

	var obj wallet.Obj
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("decode wallet %s: %w", walletID, err)
	}
	return &obj, nil
}

// Set stores obj under walletID.
func (s *Store) Set(ctx context.Context, walletID string, obj *wallet.Obj) error {
	if walletID == "" {
		return errors.New("empty wallet id")
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode wallet %s: %w", walletID, err)
	}
	if err := s.backend.Put(ctx, walletID, data); err != nil {
		return err
	}
	log.Debugf("Stored wallet %s (%d bytes)", walletID, len(data))
	return nil
}

// List returns the ids of all stored wallets.
func (s *Store) List(ctx context.Context) ([]string, error) {
	return s.backend.List(ctx)
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

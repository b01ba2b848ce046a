// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package walletstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/copaywallet/copayd/internal/zero"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// Scrypt parameters of newly written records.
const (
	DefaultN = 16384
	DefaultR = 8
	DefaultP = 1
)

const (
	// recordVersion is the first byte of an encrypted record.
	recordVersion = 1

	keySize   = 32
	saltSize  = 32
	nonceSize = 24

	// headerSize covers version, salt, N, r and p.
	headerSize = 1 + saltSize + 4 + 1 + 1
)

var (
	// ErrInvalidPassphrase is returned when a record does not decrypt
	// with the passphrase of the backend.
	ErrInvalidPassphrase = errors.New("invalid passphrase")

	// ErrMalformedRecord is returned for a record too short or of an
	// unknown version.
	ErrMalformedRecord = errors.New("malformed encrypted record")
)

// ScryptParams are the key derivation costs of an EncryptedBackend.
type ScryptParams struct {
	N int
	R int
	P int
}

// DefaultScryptParams returns the parameters used for new records.
func DefaultScryptParams() ScryptParams {
	return ScryptParams{N: DefaultN, R: DefaultR, P: DefaultP}
}

// keyParams identifies a derived key.
type keyParams struct {
	salt [saltSize]byte
	n    uint32
	r, p uint8
}

// EncryptedBackend seals records with NaCl secretbox under a key derived
// from a passphrase with scrypt.  Every record carries its salt and scrypt
// costs so the parameters may change between writes.
type EncryptedBackend struct {
	backend    Backend
	passphrase []byte

	mu      sync.Mutex
	current keyParams
	keys    map[keyParams]*[keySize]byte
}

var _ Backend = (*EncryptedBackend)(nil)

// NewEncrypted wraps backend.  The passphrase is copied and wiped on Close.
func NewEncrypted(backend Backend, passphrase []byte,
	params ScryptParams) (*EncryptedBackend, error) {

	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}
	if params.N <= 1 || params.N&(params.N-1) != 0 {
		return nil, fmt.Errorf("scrypt N must be a power of two, got %d",
			params.N)
	}
	if params.R <= 0 || params.R > 255 || params.P <= 0 || params.P > 255 {
		return nil, fmt.Errorf("invalid scrypt r=%d p=%d", params.R,
			params.P)
	}

	current := keyParams{
		n: uint32(params.N),
		r: uint8(params.R),
		p: uint8(params.P),
	}
	if _, err := io.ReadFull(rand.Reader, current.salt[:]); err != nil {
		return nil, err
	}

	return &EncryptedBackend{
		backend:    backend,
		passphrase: append([]byte(nil), passphrase...),
		current:    current,
		keys:       make(map[keyParams]*[keySize]byte),
	}, nil
}

// deriveKey returns the key for kp, deriving it on first use.
func (e *EncryptedBackend) deriveKey(kp keyParams) (*[keySize]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if key, ok := e.keys[kp]; ok {
		return key, nil
	}
	if e.passphrase == nil {
		return nil, ErrClosed
	}

	derived, err := scrypt.Key(e.passphrase, kp.salt[:], int(kp.n),
		int(kp.r), int(kp.p), keySize)
	if err != nil {
		return nil, err
	}
	var key [keySize]byte
	copy(key[:], derived)
	zero.Bytes(derived)

	e.keys[kp] = &key
	return &key, nil
}

// seal encrypts data under the current parameters.
func (e *EncryptedBackend) seal(data []byte) ([]byte, error) {
	kp := e.current
	key, err := e.deriveKey(kp)
	if err != nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(headerSize + nonceSize + len(data) + secretbox.Overhead)
	buf.WriteByte(recordVersion)
	buf.Write(kp.salt[:])
	_ = binary.Write(&buf, binary.LittleEndian, kp.n)
	buf.WriteByte(kp.r)
	buf.WriteByte(kp.p)
	buf.Write(nonce[:])

	return secretbox.Seal(buf.Bytes(), data, &nonce, key), nil
}

// open decrypts a record written by seal.
func (e *EncryptedBackend) open(record []byte) ([]byte, error) {
	if len(record) < headerSize+nonceSize+secretbox.Overhead ||
		record[0] != recordVersion {

		return nil, ErrMalformedRecord
	}

	var kp keyParams
	copy(kp.salt[:], record[1:1+saltSize])
	off := 1 + saltSize
	kp.n = binary.LittleEndian.Uint32(record[off : off+4])
	kp.r = record[off+4]
	kp.p = record[off+5]

	var nonce [nonceSize]byte
	copy(nonce[:], record[headerSize:headerSize+nonceSize])

	key, err := e.deriveKey(kp)
	if err != nil {
		return nil, err
	}
	data, ok := secretbox.Open(nil, record[headerSize+nonceSize:], &nonce,
		key)
	if !ok {
		return nil, ErrInvalidPassphrase
	}
	return data, nil
}

// Fetch returns the decrypted record of walletID.
func (e *EncryptedBackend) Fetch(ctx context.Context,
	walletID string) ([]byte, error) {

	record, err := e.backend.Fetch(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return e.open(record)
}

// Put encrypts data and stores it under walletID.
func (e *EncryptedBackend) Put(ctx context.Context, walletID string,
	data []byte) error {

	record, err := e.seal(data)
	if err != nil {
		return err
	}
	return e.backend.Put(ctx, walletID, record)
}

// List returns the ids of the underlying backend.  Ids are stored in the
// clear.
func (e *EncryptedBackend) List(ctx context.Context) ([]string, error) {
	return e.backend.List(ctx)
}

// Close wipes the passphrase and derived keys and closes the underlying
// backend.
func (e *EncryptedBackend) Close() error {
	e.mu.Lock()
	zero.Bytes(e.passphrase)
	e.passphrase = nil
	for kp, key := range e.keys {
		zero.Bytea32(key)
		delete(e.keys, kp)
	}
	e.mu.Unlock()

	return e.backend.Close()
}

// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package walletstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/copaywallet/copayd/wallet"
	"github.com/stretchr/testify/require"
)

// memBackend is an in-memory Backend counting its calls.
type memBackend struct {
	mu      sync.Mutex
	records map[string][]byte
	fetches int
	puts    int
	putErr  error
	closed  bool
}

func newMemBackend() *memBackend {
	return &memBackend{records: make(map[string][]byte)}
}

func (m *memBackend) Fetch(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetches++
	data, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *memBackend) Put(_ context.Context, id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.puts++
	if m.putErr != nil {
		return m.putErr
	}
	m.records[id] = append([]byte(nil), data...)
	return nil
}

func (m *memBackend) List(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memBackend) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memBackend) raw(id string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id]
}

// testObj returns a small serialized wallet.
func testObj(id string) *wallet.Obj {
	return &wallet.Obj{
		Opts: wallet.Opts{
			ID:               id,
			RequiredCopayers: 2,
			TotalCopayers:    3,
			NetworkName:      "testnet",
			Version:          "0.0.1",
			NetKey:           "0011223344556677",
		},
		AddressBook: map[string]*wallet.AddressBookEntry{},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := newMemBackend()
	store := New(backend)

	obj := testObj("a1")
	require.NoError(t, store.Set(ctx, "a1", obj))
	require.NoError(t, store.Set(ctx, "b2", testObj("b2")))

	got, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, obj.Opts, got.Opts)

	ids, err := store.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a1", "b2"}, ids)

	require.NoError(t, store.Close())
	require.True(t, backend.closed)
}

func TestStoreErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := newMemBackend()
	store := New(backend)

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, wallet.ErrNotFound)

	require.Error(t, store.Set(ctx, "", testObj("")))
	require.Zero(t, backend.puts)

	backend.records["bad"] = []byte("{not json")
	_, err = store.Get(ctx, "bad")
	require.Error(t, err)

	backend.putErr = errors.New("disk full")
	require.ErrorIs(t, store.Set(ctx, "a1", testObj("a1")), backend.putErr)
}

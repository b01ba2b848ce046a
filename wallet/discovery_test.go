// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/copaywallet/copayd/keyring"
)

// markActive marks the addresses of a branch with the given indexes as
// used on the chain of w.
func markActive(t *testing.T, w *testWallet, copayerIndex uint32,
	isChange bool, indexes ...uint32) {

	t.Helper()

	for _, i := range indexes {
		addrs, err := w.DeriveAddresses(i, 1, isChange, copayerIndex)
		require.NoError(t, err)
		w.chain.active[addrs[0]] = true
	}
}

func TestDeriveAddresses(t *testing.T) {
	t.Parallel()

	w := newTestWallets(t, 2, 3)[0]

	first, err := w.DeriveAddresses(0, 5, false, 1)
	require.NoError(t, err)
	require.Len(t, first, 5)

	// Overlapping ranges agree.
	second, err := w.DeriveAddresses(3, 5, false, 1)
	require.NoError(t, err)
	require.Equal(t, first[3:], second[:2])

	// Branches do not share addresses.
	change, err := w.DeriveAddresses(0, 5, true, 1)
	require.NoError(t, err)
	other, err := w.DeriveAddresses(0, 5, false, 2)
	require.NoError(t, err)
	seen := make(map[string]struct{})
	for _, list := range [][]string{first, change, other} {
		for _, addr := range list {
			require.NotContains(t, seen, addr)
			seen[addr] = struct{}{}
		}
	}

	// Deriving moves no index.
	require.Empty(t, w.net.take())
	addrs, err := w.Addresses()
	require.NoError(t, err)
	require.Empty(t, addrs)

	_, err = w.DeriveAddresses(0, -1, false, 1)
	require.True(t, IsError(err, ErrIllegalArgument))
}

func TestIndexDiscovery(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		active []uint32
		want   int64
		calls  int
	}{{
		name:   "no activity",
		active: nil,
		want:   -1,
		calls:  1,
	}, {
		name:   "every index up to 7",
		active: []uint32{0, 1, 2, 3, 4, 5, 6, 7},
		want:   7,
		calls:  3,
	}, {
		name:   "every other index up to 14",
		active: []uint32{0, 2, 4, 6, 8, 10, 12, 14},
		want:   14,
		calls:  4,
	}, {
		name:   "gap shorter than a window",
		active: []uint32{1, 9},
		want:   9,
		calls:  3,
	}, {
		name:   "gap of a full window",
		active: []uint32{2, 10},
		want:   2,
		calls:  2,
	}}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			w := newTestWallets(t, 2, 3)[0]
			markActive(t, w, 0, false, tc.active...)

			got, err := w.IndexDiscovery(context.Background(), 0,
				false, 0, 5)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
			require.Len(t, w.chain.checkCalls, tc.calls)
			for _, call := range w.chain.checkCalls {
				require.Len(t, call, 5)
			}
		})
	}
}

func TestIndexDiscoveryErrors(t *testing.T) {
	t.Parallel()

	w := newTestWallets(t, 2, 3)[0]

	_, err := w.IndexDiscovery(context.Background(), 0, false, 0, 0)
	require.True(t, IsError(err, ErrIllegalArgument))

	w.chain.err = errors.New("timeout")
	_, err = w.IndexDiscovery(context.Background(), 0, false, 0, 5)
	require.True(t, IsError(err, ErrBlockchain))

	incomplete := newTestWallet(t, testPrivKey(t, 0, testNet), nil, 2, 3)
	_, err = incomplete.IndexDiscovery(context.Background(), 0, false, 0, 5)
	require.True(t, IsError(err, ErrIncompleteRing))
}

func TestUpdateIndex(t *testing.T) {
	t.Parallel()

	w := newTestWallets(t, 2, 3)[0]

	type call struct {
		copayerIndex uint32
		isChange     bool
		start        uint32
	}
	var calls []call
	w.indexDiscovery = func(ctx context.Context, copayerIndex uint32,
		isChange bool, start uint32, window int) (int64, error) {

		require.Equal(t, 5, window)
		calls = append(calls, call{copayerIndex, isChange, start})
		if isChange {
			return -1, nil
		}
		return 8, nil
	}

	err := w.UpdateIndex(context.Background(), keyring.HDParams{
		CopayerIndex: 1,
	})
	require.NoError(t, err)
	require.Equal(t, []call{{1, true, 0}, {1, false, 0}}, calls)

	ring := w.PublicKeyRing()
	require.Equal(t, keyring.HDParams{CopayerIndex: 1, ReceiveIndex: 9},
		ring.Indexes[1])

	// A lower discovered index never lowers the counter.
	w.indexDiscovery = func(context.Context, uint32, bool, uint32,
		int) (int64, error) {

		return 3, nil
	}
	err = w.UpdateIndex(context.Background(), keyring.HDParams{
		CopayerIndex: 1,
	})
	require.NoError(t, err)
	ring = w.PublicKeyRing()
	require.Equal(t, keyring.HDParams{
		CopayerIndex: 1, ReceiveIndex: 9, ChangeIndex: 4,
	}, ring.Indexes[1])
}

func TestUpdateIndexes(t *testing.T) {
	t.Parallel()

	w := newTestWallets(t, 2, 3)[0]
	sub := w.Subscribe()

	var (
		mu    sync.Mutex
		calls []uint32
	)
	w.updateIndex = func(ctx context.Context, params keyring.HDParams) error {
		mu.Lock()
		calls = append(calls, params.CopayerIndex)
		mu.Unlock()
		return nil
	}

	require.NoError(t, w.UpdateIndexes(context.Background()))
	require.ElementsMatch(t, []uint32{0, 1, 2, keyring.SharedIndex}, calls)
	require.Equal(t, 1, w.store.setCount())

	// Nothing moved, so nothing is announced.
	require.Empty(t, w.net.take())
	require.Empty(t, drainEvents(sub))
}

func TestUpdateIndexesDiscovers(t *testing.T) {
	t.Parallel()

	w := newTestWallets(t, 2, 3)[0]
	markActive(t, w, keyring.SharedIndex, false, 0, 3)
	markActive(t, w, 2, true, 1)

	require.NoError(t, w.UpdateIndexes(context.Background()))
	require.Equal(t, 1, w.store.setCount())

	ring := w.PublicKeyRing()
	require.Equal(t, uint32(4), ring.Indexes[3].ReceiveIndex)
	require.Equal(t, uint32(2), ring.Indexes[2].ChangeIndex)

	sent := w.net.take()
	require.Len(t, sent, 1)
	require.Equal(t, MsgIndexes, sent[0].msg.Type)

	w.chain.err = errors.New("timeout")
	err := w.UpdateIndexes(context.Background())
	require.True(t, IsError(err, ErrBlockchain))
	require.Equal(t, 1, w.store.setCount())
}

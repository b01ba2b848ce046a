// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/copaywallet/copayd/keyring"
)

func TestNewWallet(t *testing.T) {
	t.Parallel()

	key := testPrivKey(t, 0, testNet)
	w := newTestWallet(t, key, nil, 2, 3)

	require.Equal(t, testWalletID, w.ID())
	require.Equal(t, "testnet", w.NetworkName())
	require.Equal(t, key.ID(), w.MyCopayerID())
	require.Equal(t, []string{key.ID()}, w.RegisteredCopayerIDs())
	require.Empty(t, w.RegisteredPeerIDs())
	require.False(t, w.IsComplete())
	require.False(t, w.IsReady())

	idPriv, err := w.MyCopayerIDPriv()
	require.NoError(t, err)
	require.Len(t, idPriv, 64)

	// Addresses can not be derived before every copayer joined.
	_, err = w.GenerateAddress(context.Background(), false)
	require.True(t, IsError(err, ErrIncompleteRing))
}

func TestNewWalletRejects(t *testing.T) {
	t.Parallel()

	mainKey := testPrivKey(t, 0, &chaincfg.MainNetParams)
	otherRing, err := keyring.New(keyring.Config{
		WalletID:         "another",
		Net:              testNet,
		RequiredCopayers: 2,
		TotalCopayers:    3,
	})
	require.NoError(t, err)
	mainRing, err := keyring.New(keyring.Config{
		Net:              &chaincfg.MainNetParams,
		RequiredCopayers: 2,
		TotalCopayers:    3,
	})
	require.NoError(t, err)

	testCases := []struct {
		name string
		cfg  *Config
		code ErrorCode
	}{{
		name: "private key of another network",
		cfg: &Config{
			Net: testNet, RequiredCopayers: 2, TotalCopayers: 3,
			PrivateKey: mainKey,
		},
		code: ErrWrongNetwork,
	}, {
		name: "ring of another network",
		cfg: &Config{
			Net: testNet, RequiredCopayers: 2, TotalCopayers: 3,
			PublicKeyRing: mainRing,
		},
		code: ErrWrongNetwork,
	}, {
		name: "ring of another wallet",
		cfg: &Config{
			ID: testWalletID, Net: testNet,
			PublicKeyRing: otherRing,
		},
		code: ErrStateConflict,
	}, {
		name: "copayer count mismatch",
		cfg: &Config{
			Net: testNet, RequiredCopayers: 3, TotalCopayers: 5,
			PublicKeyRing: otherRing,
		},
		code: ErrStateConflict,
	}, {
		name: "invalid copayer counts",
		cfg: &Config{
			Net: testNet, RequiredCopayers: 4, TotalCopayers: 3,
		},
		code: ErrValidation,
	}}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := New(tc.cfg)
			require.Truef(t, IsError(err, tc.code), "got %v", err)
		})
	}
}

func TestGenerateAddress(t *testing.T) {
	t.Parallel()

	wallets := newTestWallets(t, 2, 3)
	w := wallets[0]
	sub := w.Subscribe()

	addr, err := w.GenerateAddress(context.Background(), false)
	require.NoError(t, err)
	require.True(t, addr.IsForNet(testNet))
	require.Equal(t, 1, w.store.setCount())
	require.Equal(t, EventPublicKeyRingUpdated, nextEvent(t, sub).Type)

	sent := w.net.ofType(MsgIndexes)
	require.Len(t, sent, 1)
	shared := sent[0].msg.Indexes[len(sent[0].msg.Indexes)-1]
	require.Equal(t, keyring.SharedIndex, shared.CopayerIndex)
	require.Equal(t, uint32(1), shared.ReceiveIndex)

	own, err := w.AddressIsOwn(addr.EncodeAddress(), false, false)
	require.NoError(t, err)
	require.True(t, own)

	// Every copayer derives the same address.
	deliver(t, w, wallets[1])
	addrs, err := wallets[1].Addresses()
	require.NoError(t, err)
	require.Equal(t, []string{addr.EncodeAddress()}, addrs)
}

func TestConcurrentMutationsStoreFinalState(t *testing.T) {
	t.Parallel()

	const workers = 16

	wallets := newTestWallets(t, 2, 3)
	w := wallets[0]

	var calls atomic.Int64
	w.store.delay = func() {
		// Hold back early writes so later snapshots can overtake them.
		if calls.Add(1)%2 == 1 {
			time.Sleep(2 * time.Millisecond)
		}
	}

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		isChange := i%2 == 0
		g.Go(func() error {
			_, err := w.GenerateAddress(context.Background(), isChange)
			return err
		})
	}
	require.NoError(t, g.Wait())

	stored, err := w.store.Get(context.Background(), testWalletID)
	require.NoError(t, err)
	final := w.ToObj()
	require.Equal(t, final.PublicKeyRing.Indexes, stored.PublicKeyRing.Indexes)

	shared := stored.PublicKeyRing.Indexes[len(stored.PublicKeyRing.Indexes)-1]
	require.Equal(t, uint32(workers/2), shared.ReceiveIndex)
	require.Equal(t, uint32(workers/2), shared.ChangeIndex)

	// A later store is never skipped.
	before := w.store.setCount()
	require.NoError(t, w.Store(context.Background()))
	require.Equal(t, before+1, w.store.setCount())
}

func TestIsReady(t *testing.T) {
	t.Parallel()

	wallets := newTestWallets(t, 2, 3)
	w := wallets[0]
	require.True(t, w.IsComplete())
	require.False(t, w.IsReady())

	sub := w.Subscribe()
	for _, other := range wallets[1:] {
		require.NoError(t, other.SetBackupReady(context.Background()))
		deliver(t, other, w)
	}
	require.False(t, w.IsReady())

	require.NoError(t, w.SetBackupReady(context.Background()))
	require.True(t, w.IsReady())
	require.Contains(t, eventTypes(drainEvents(sub)), EventReady)

	// A second confirmation changes nothing.
	before := w.store.setCount()
	require.NoError(t, w.SetBackupReady(context.Background()))
	require.Equal(t, before, w.store.setCount())
}

func TestObjRoundTrip(t *testing.T) {
	t.Parallel()

	wallets := newTestWallets(t, 2, 3)
	w := wallets[0]
	fund(t, w, 1, 6)
	_, err := w.CreateTx(context.Background(), destAddress(t, testNet),
		"30000000", "rent")
	require.NoError(t, err)
	require.NoError(t, w.SetAddressBook(context.Background(),
		destAddress(t, testNet), "landlord"))

	obj := w.ToObj()
	b, err := json.Marshal(obj)
	require.NoError(t, err)

	var decoded Obj
	require.NoError(t, json.Unmarshal(b, &decoded))
	restored, err := FromObj(&decoded, Deps{ForcedNet: testNet})
	require.NoError(t, err)

	b2, err := json.Marshal(restored.ToObj())
	require.NoError(t, err)
	require.JSONEq(t, string(b), string(b2))
	require.Equal(t, w.MyCopayerID(), restored.MyCopayerID())
	require.Equal(t, w.NetKey(), restored.NetKey())

	_, err = FromObj(&decoded, Deps{ForcedNet: &chaincfg.MainNetParams})
	require.True(t, IsError(err, ErrWrongNetwork))

	// The stored copy is the same wallet.
	stored, err := w.store.Get(context.Background(), w.ID())
	require.NoError(t, err)
	b3, err := json.Marshal(stored)
	require.NoError(t, err)
	require.JSONEq(t, string(b), string(b3))
}

func TestStoreError(t *testing.T) {
	t.Parallel()

	w := newTestWallets(t, 2, 2)[0]
	sub := w.Subscribe()
	w.store.err = errFakeStorage

	err := w.Store(context.Background())
	require.True(t, IsError(err, ErrStorage))
	require.ErrorIs(t, err, errFakeStorage)

	ev := nextEvent(t, sub)
	require.Equal(t, EventStoreError, ev.Type)
	require.ErrorIs(t, ev.Err, errFakeStorage)
}

func TestSubscriptionCancel(t *testing.T) {
	t.Parallel()

	w := newTestWallets(t, 1, 1)[0]
	sub := w.Subscribe()
	sub.Cancel()
	sub.Cancel()

	require.NoError(t, w.Store(context.Background()))
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}

func TestNetStart(t *testing.T) {
	t.Parallel()

	wallets := newTestWallets(t, 2, 3)
	w := wallets[0]
	sub := w.Subscribe()

	require.NoError(t, w.NetStart(context.Background()))
	require.True(t, w.net.started)
	require.Equal(t, w.MyCopayerID(), w.net.opts.CopayerID)
	require.Equal(t, w.NetKey(), w.net.opts.NetKey)
	require.ElementsMatch(t, w.RegisteredPeerIDs(), w.net.opts.Peers)
	require.Len(t, w.net.ofType(MsgPublicKeyRing), 1)
	require.Len(t, w.net.ofType(MsgIndexes), 1)

	// Inbound events are dispatched by the handler goroutine.
	peer := wallets[1].MyCopayerID()
	w.net.in <- &Inbound{Kind: InboundConnect, PeerID: peer}
	ev := nextEvent(t, sub)
	require.Equal(t, EventConnect, ev.Type)
	require.Equal(t, peer, ev.PeerID)

	w.net.in <- &Inbound{Kind: InboundDisconnect, PeerID: peer}
	ev = nextEvent(t, sub)
	require.Equal(t, EventDisconnect, ev.Type)
	require.Equal(t, peer, ev.PeerID)

	require.NoError(t, w.Stop())
	require.True(t, w.net.stopped)
}

// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keyring

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewRingConfig(t *testing.T) {
	t.Parallel()

	r, err := New(Config{})
	require.NoError(t, err)
	require.Equal(t, DefaultRequiredCopayers, r.RequiredCopayers())
	require.Equal(t, DefaultTotalCopayers, r.TotalCopayers())
	require.Equal(t, "testnet", r.NetworkName())

	testCases := []struct {
		name string
		m, n int
	}{
		{"m above n", 4, 3},
		{"negative m", -1, 3},
		{"n above max", 2, MaxCopayers + 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := New(Config{
				RequiredCopayers: tc.m,
				TotalCopayers:    tc.n,
			})
			require.True(t, IsError(err, ErrInvalidConfig))
		})
	}
}

func TestAddCopayer(t *testing.T) {
	t.Parallel()

	r := newTestRing(t, 3, 5, 0)
	for i := 0; i < 5; i++ {
		require.False(t, r.IsComplete())
		require.Equal(t, 5-i, r.RemainingCopayers())

		xpub := testXPub(t, byte(i), &chaincfg.TestNet3Params)
		got, err := r.AddCopayer(xpub, "")
		require.NoError(t, err)
		require.Equal(t, xpub, got)
		require.Equal(t, i+1, r.RegisteredCopayers())

		_, err = r.AddCopayer(xpub, "")
		require.True(t, IsError(err, ErrDuplicateCopayer) ||
			IsError(err, ErrRingFull))
	}
	require.True(t, r.IsComplete())

	_, err := r.AddCopayer(testXPub(t, 9, &chaincfg.TestNet3Params), "")
	require.True(t, IsError(err, ErrRingFull))
	require.Equal(t, 5, r.RegisteredCopayers())
}

func TestAddCopayerRejects(t *testing.T) {
	t.Parallel()

	r := newTestRing(t, 2, 3, 1)

	_, err := r.AddCopayer(testXPub(t, 0, &chaincfg.TestNet3Params), "")
	require.True(t, IsError(err, ErrDuplicateCopayer))

	_, err = r.AddCopayer(testXPub(t, 1, &chaincfg.MainNetParams), "")
	require.True(t, IsError(err, ErrWrongNetwork))

	_, err = r.AddCopayer("tpubnotakey", "")
	require.True(t, IsError(err, ErrInvalidKey))

	master, err := hdkeychain.NewMaster(
		make([]byte, hdkeychain.RecommendedSeedLen),
		&chaincfg.TestNet3Params,
	)
	require.NoError(t, err)
	_, err = r.AddCopayer(master.String(), "")
	require.True(t, IsError(err, ErrKeyIsPrivate))

	require.Equal(t, 1, r.RegisteredCopayers())
}

func TestAddCopayerGeneratesKey(t *testing.T) {
	t.Parallel()

	r := newTestRing(t, 1, 2, 0)
	a, err := r.AddCopayer("", "alice")
	require.NoError(t, err)
	b, err := r.AddCopayer("", "")
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	ids := r.CopayerIDs()
	require.Len(t, ids, 2)
	require.NotEqual(t, ids[0], ids[1])
	require.Equal(t, "alice", r.Nickname(ids[0]))

	idx, err := r.CopayerIndex(ids[1])
	require.NoError(t, err)
	require.EqualValues(t, 1, idx)
}

func TestHDParamsLookup(t *testing.T) {
	t.Parallel()

	r := newTestRing(t, 3, 5, 0)

	p, err := r.HDParams(SharedIndex)
	require.NoError(t, err)
	require.True(t, p.IsShared())

	_, err = r.HDParams(4)
	require.NoError(t, err)

	_, err = r.HDParams(54)
	require.True(t, IsError(err, ErrUnknownCosigner))
}

func TestGenerateAddressIncomplete(t *testing.T) {
	t.Parallel()

	r := newTestRing(t, 2, 3, 2)

	_, err := r.GenerateAddress(false, fn.None[uint32]())
	require.True(t, IsError(err, ErrIncompleteRing))
	_, err = r.Address(0, false, fn.Some[uint32](0))
	require.True(t, IsError(err, ErrIncompleteRing))

	p, err := r.HDParams(SharedIndex)
	require.NoError(t, err)
	require.Zero(t, p.ReceiveIndex)
}

func TestGenerateAddress(t *testing.T) {
	t.Parallel()

	r := newTestRing(t, 2, 3, 3)

	first, err := r.GenerateAddress(false, fn.None[uint32]())
	require.NoError(t, err)
	second, err := r.GenerateAddress(false, fn.None[uint32]())
	require.NoError(t, err)
	require.NotEqual(t, first.EncodeAddress(), second.EncodeAddress())

	at0, err := r.Address(0, false, fn.None[uint32]())
	require.NoError(t, err)
	require.Equal(t, first.EncodeAddress(), at0.EncodeAddress())

	change, err := r.GenerateAddress(true, fn.Some[uint32](1))
	require.NoError(t, err)
	require.True(t, change.IsForNet(&chaincfg.TestNet3Params))

	shared, err := r.HDParams(SharedIndex)
	require.NoError(t, err)
	require.EqualValues(t, 2, shared.ReceiveIndex)
	mine, err := r.HDParams(1)
	require.NoError(t, err)
	require.EqualValues(t, 1, mine.ChangeIndex)

	_, err = r.GenerateAddress(false, fn.Some[uint32](7))
	require.True(t, IsError(err, ErrUnknownCosigner))
}

func TestRedeemScript(t *testing.T) {
	t.Parallel()

	r := newTestRing(t, 2, 3, 3)

	script, err := r.RedeemScript(4, true, fn.None[uint32]())
	require.NoError(t, err)
	require.Equal(t, txscript.MultiSigTy, txscript.GetScriptClass(script))

	numPubKeys, numSigs, err := txscript.CalcMultiSigStats(script)
	require.NoError(t, err)
	require.Equal(t, 3, numPubKeys)
	require.Equal(t, 2, numSigs)

	// Keys are sorted, so the insertion order of copayers must not
	// change the scripts.
	reordered := newTestRing(t, 2, 3, 0)
	for _, i := range []byte{2, 0, 1} {
		_, err := reordered.AddCopayer(
			testXPub(t, i, &chaincfg.TestNet3Params), "",
		)
		require.NoError(t, err)
	}
	other, err := reordered.RedeemScript(4, true, fn.None[uint32]())
	require.NoError(t, err)
	require.Equal(t, script, other)

	m, err := r.RedeemScriptMap([]string{
		"m/45'/2147483647/1/4", "m/45'/0/0/0",
	})
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(script), m["m/45'/2147483647/1/4"])
	require.Len(t, m, 2)

	_, err = r.RedeemScriptMap([]string{"m/45'/9/0/0"})
	require.True(t, IsError(err, ErrUnknownCosigner))
}

func TestAddressesInfo(t *testing.T) {
	t.Parallel()

	r := newTestRing(t, 2, 3, 3)
	for i := 0; i < 3; i++ {
		_, err := r.GenerateAddress(false, fn.None[uint32]())
		require.NoError(t, err)
	}
	_, err := r.GenerateAddress(true, fn.None[uint32]())
	require.NoError(t, err)
	_, err = r.GenerateAddress(false, fn.Some[uint32](0))
	require.NoError(t, err)
	_, err = r.GenerateAddress(false, fn.Some[uint32](2))
	require.NoError(t, err)

	all, err := r.AddressesInfo(AddressesOpts{
		MyCopayerIndex: fn.Some[uint32](0),
	})
	require.NoError(t, err)
	require.Len(t, all, 6)

	owned := 0
	for _, info := range all {
		if info.Owned {
			owned++
		}
	}
	require.Equal(t, 5, owned)

	noChange, err := r.Addresses(AddressesOpts{ExcludeChange: true})
	require.NoError(t, err)
	require.Len(t, noChange, 5)

	onlyChange, err := r.Addresses(AddressesOpts{ExcludeMain: true})
	require.NoError(t, err)
	require.Len(t, onlyChange, 1)

	incomplete := newTestRing(t, 2, 3, 1)
	infos, err := incomplete.AddressesInfo(AddressesOpts{})
	require.NoError(t, err)
	require.Empty(t, infos)
}

func TestBackups(t *testing.T) {
	t.Parallel()

	r := newTestRing(t, 2, 3, 3)
	require.Equal(t, 3, r.RemainingBackups())

	ids := r.CopayerIDs()
	require.True(t, r.SetBackupReady(ids[0]))
	require.Equal(t, 2, r.RemainingBackups())
	require.False(t, r.SetBackupReady(ids[0]))
	require.Equal(t, 2, r.RemainingBackups())
	require.False(t, r.IsFullyBackup())

	require.True(t, r.MergeBackups(ids))
	require.False(t, r.MergeBackups(ids[1:]))
	require.True(t, r.IsFullyBackup())
	require.Zero(t, r.RemainingBackups())
}

func TestRingRoundTrip(t *testing.T) {
	t.Parallel()

	r := newTestRing(t, 2, 3, 0)
	for i := 0; i < 3; i++ {
		_, err := r.AddCopayer(
			testXPub(t, byte(i), &chaincfg.TestNet3Params),
			[]string{"pepe", "juan", ""}[i],
		)
		require.NoError(t, err)
	}
	_, err := r.GenerateAddress(true, fn.Some[uint32](1))
	require.NoError(t, err)
	_, err = r.GenerateAddress(false, fn.None[uint32]())
	require.NoError(t, err)
	r.SetBackupReady(r.CopayerIDs()[2])

	b, err := json.Marshal(r.ToObj())
	require.NoError(t, err)
	var obj RingObj
	require.NoError(t, json.Unmarshal(b, &obj))

	c, err := FromObj(&obj)
	require.NoError(t, err)
	require.Equal(t, r.ToObj(), c.ToObj())
	require.Equal(t, r.WalletID(), c.WalletID())
	require.Equal(t, "juan", c.Nickname(c.CopayerIDs()[1]))
	require.Equal(t, 2, c.RemainingBackups())

	p, err := c.HDParams(1)
	require.NoError(t, err)
	require.EqualValues(t, 1, p.ChangeIndex)

	_, err = FromObj(&RingObj{NetworkName: "nowhere"})
	require.True(t, IsError(err, ErrSerialization))
}

func TestMergeIndexes(t *testing.T) {
	t.Parallel()

	local := newTestRing(t, 2, 3, 3)
	remote := cloneRing(t, local)

	for i := 0; i < 2; i++ {
		_, err := remote.GenerateAddress(true, fn.Some[uint32](0))
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := remote.GenerateAddress(false, fn.Some[uint32](0))
		require.NoError(t, err)
	}

	changed, err := local.Merge(remote, false)
	require.NoError(t, err)
	require.True(t, changed)

	p, err := local.HDParams(0)
	require.NoError(t, err)
	require.EqualValues(t, 2, p.ChangeIndex)
	require.EqualValues(t, 3, p.ReceiveIndex)

	changed, err = local.Merge(remote, false)
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = local.MergeIndexes([]HDParams{
		{CopayerIndex: SharedIndex, ReceiveIndex: 4},
	})
	require.NoError(t, err)
	require.True(t, changed)

	_, err = local.MergeIndexes([]HDParams{{CopayerIndex: 77}})
	require.True(t, IsError(err, ErrUnknownCosigner))
}

func TestMergeCopayers(t *testing.T) {
	t.Parallel()

	local := newTestRing(t, 3, 5, 0)
	for i, nick := range []string{"pepe0", "pepe1"} {
		_, err := local.AddCopayer(
			testXPub(t, byte(i), &chaincfg.TestNet3Params), nick,
		)
		require.NoError(t, err)
	}

	remote := newTestRing(t, 3, 5, 0)
	for i, nick := range []string{"juan0", "juan1", "juan2", "juan3"} {
		// Copayer 1 is shared by both rings.
		_, err := remote.AddCopayer(
			testXPub(t, byte(i+1), &chaincfg.TestNet3Params), nick,
		)
		require.NoError(t, err)
	}
	remote.SetBackupReady(remote.CopayerIDs()[0])

	changed, err := local.Merge(remote, false)
	require.NoError(t, err)
	require.True(t, changed)
	require.True(t, local.IsComplete())

	ids := local.CopayerIDs()
	require.Equal(t, "pepe0", local.Nickname(ids[0]))
	require.Equal(t, "pepe1", local.Nickname(ids[1]))
	require.Equal(t, "juan1", local.Nickname(ids[2]))
	require.Equal(t, "juan2", local.Nickname(ids[3]))
	require.Equal(t, "juan3", local.Nickname(ids[4]))
	require.Equal(t, 4, local.RemainingBackups())

	changed, err = local.Merge(remote, false)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestMergeRejects(t *testing.T) {
	t.Parallel()

	local := newTestRing(t, 2, 3, 1)

	mainnet, err := New(Config{
		WalletID:         local.WalletID(),
		Net:              &chaincfg.MainNetParams,
		RequiredCopayers: 2,
		TotalCopayers:    3,
	})
	require.NoError(t, err)
	_, err = local.Merge(mainnet, false)
	require.True(t, IsError(err, ErrWrongNetwork))

	otherM := newTestRing(t, 1, 3, 0)
	_, err = local.Merge(otherM, false)
	require.True(t, IsError(err, ErrConfigMismatch))

	otherN := newTestRing(t, 2, 4, 0)
	_, err = local.Merge(otherN, false)
	require.True(t, IsError(err, ErrConfigMismatch))

	otherWallet := newTestRing(t, 2, 3, 2)
	otherWallet.SetWalletID("ffffffffffffffff")
	_, err = local.Merge(otherWallet, false)
	require.True(t, IsError(err, ErrConfigMismatch))
	require.Equal(t, 1, local.RegisteredCopayers())

	changed, err := local.Merge(otherWallet, true)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 2, local.RegisteredCopayers())
}

func TestMergeCapacity(t *testing.T) {
	t.Parallel()

	local := newTestRing(t, 1, 2, 1)

	remote := newTestRing(t, 1, 2, 0)
	for _, i := range []byte{5, 6} {
		_, err := remote.AddCopayer(
			testXPub(t, i, &chaincfg.TestNet3Params), "",
		)
		require.NoError(t, err)
	}

	_, err := local.Merge(remote, false)
	require.True(t, IsError(err, ErrRingFull))
	require.Equal(t, 1, local.RegisteredCopayers())
}

func TestMergeCompleteRingConflict(t *testing.T) {
	t.Parallel()

	local := newTestRing(t, 2, 2, 2)

	reordered := newTestRing(t, 2, 2, 0)
	for _, i := range []byte{1, 0} {
		_, err := reordered.AddCopayer(
			testXPub(t, i, &chaincfg.TestNet3Params), "",
		)
		require.NoError(t, err)
	}
	_, err := reordered.GenerateAddress(false, fn.None[uint32]())
	require.NoError(t, err)

	_, err = local.Merge(reordered, false)
	require.True(t, IsError(err, ErrRingConflict))

	changed, err := local.Merge(reordered, true)
	require.NoError(t, err)
	require.True(t, changed)

	id, err := local.CopayerID(0)
	require.NoError(t, err)
	require.Equal(t, newTestRing(t, 2, 2, 1).CopayerIDs()[0], id)
}

// TestMergeIdempotent checks that merging a replica twice never reports a
// change the second time and that the merged ring contains every index of
// both rings.
func TestMergeIdempotent(t *testing.T) {
	t.Parallel()

	base := newTestRing(t, 2, 3, 3)

	rapid.Check(t, func(rt *rapid.T) {
		local := cloneRing(t, base)
		remote := cloneRing(t, base)

		for _, ring := range []*PublicKeyRing{local, remote} {
			n := rapid.IntRange(0, 6).Draw(rt, "generations")
			for i := 0; i < n; i++ {
				isChange := rapid.Bool().Draw(rt, "isChange")
				copayer := rapid.SampledFrom([]uint32{
					0, 1, 2, SharedIndex,
				}).Draw(rt, "copayer")
				_, err := ring.GenerateAddress(
					isChange, fn.Some(copayer),
				)
				if err != nil {
					rt.Fatalf("generate: %v", err)
				}
			}
		}

		if _, err := local.Merge(remote, false); err != nil {
			rt.Fatalf("merge: %v", err)
		}
		changed, err := local.Merge(remote, false)
		if err != nil {
			rt.Fatalf("merge: %v", err)
		}
		if changed {
			rt.Fatalf("second merge reported a change")
		}

		for _, p := range remote.Indexes() {
			lp, err := local.HDParams(p.CopayerIndex)
			if err != nil {
				rt.Fatalf("lookup: %v", err)
			}
			if lp.ReceiveIndex < p.ReceiveIndex ||
				lp.ChangeIndex < p.ChangeIndex {

				rt.Fatalf("merged params %v below %v", lp, p)
			}
		}
	})
}

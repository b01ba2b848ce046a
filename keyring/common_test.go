// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keyring

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

// testXPub returns the deterministic BIP45 branch extended public key number
// i on the passed network.
func testXPub(t testing.TB, i byte, net *chaincfg.Params) string {
	t.Helper()

	seed := bytes.Repeat([]byte{i + 1}, hdkeychain.RecommendedSeedLen)
	master, err := hdkeychain.NewMaster(seed, net)
	require.NoError(t, err)
	branch, err := BIP45Branch(master)
	require.NoError(t, err)
	pub, err := branch.Neuter()
	require.NoError(t, err)
	return pub.String()
}

// newTestRing returns a ring with the first n deterministic copayers
// registered.
func newTestRing(t testing.TB, m, total, n int) *PublicKeyRing {
	t.Helper()

	r, err := New(Config{
		WalletID:         "03ad1e7f9f2c6d31",
		Net:              &chaincfg.TestNet3Params,
		RequiredCopayers: m,
		TotalCopayers:    total,
	})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := r.AddCopayer(
			testXPub(t, byte(i), &chaincfg.TestNet3Params), "",
		)
		require.NoError(t, err)
	}
	return r
}

// cloneRing round trips a ring through its serialized form.
func cloneRing(t testing.TB, r *PublicKeyRing) *PublicKeyRing {
	t.Helper()

	c, err := FromObj(r.ToObj())
	require.NoError(t, err)
	return c
}

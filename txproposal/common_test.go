// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txproposal

import (
	"bytes"
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var (
	testNet  = &chaincfg.TestNet3Params
	testTime = time.Unix(1404769393, 509000000)
)

// testKey returns deterministic private key number i.
func testKey(i byte) *btcec.PrivateKey {
	key, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{i + 1}, 32))
	return key
}

// fixture is a funded m-of-n multisig address and a proposal spending it.
type fixture struct {
	keys    []*btcec.PrivateKey
	redeem  []byte
	address *btcutil.AddressScriptHash
	builder *Builder
}

// newFixture builds a proposal spending nIn outputs of 0.5 BTC locked to an
// m-of-n multisig address. It pays 0.3 BTC to an outside address and sends
// the change back to the multisig address.
func newFixture(t testing.TB, m, n, nIn int) *fixture {
	t.Helper()

	f := &fixture{}
	pubs := make([]*btcutil.AddressPubKey, n)
	for i := 0; i < n; i++ {
		f.keys = append(f.keys, testKey(byte(i)))
		pub, err := btcutil.NewAddressPubKey(
			f.keys[i].PubKey().SerializeCompressed(), testNet,
		)
		require.NoError(t, err)
		pubs[i] = pub
	}
	var err error
	f.redeem, err = txscript.MultiSigScript(pubs, m)
	require.NoError(t, err)
	f.address, err = btcutil.NewAddressScriptHash(f.redeem, testNet)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(f.address)
	require.NoError(t, err)

	dest := destAddress(t)
	destScript, err := txscript.PayToAddrScript(dest)
	require.NoError(t, err)

	tx := wire.NewMsgTx(wire.TxVersion)
	utxos := make([]UnspentOutput, nIn)
	for i := 0; i < nIn; i++ {
		hash := chainhash.DoubleHashH([]byte{byte(i)})
		utxos[i] = UnspentOutput{
			Address:       f.address.EncodeAddress(),
			TxID:          hash.String(),
			Vout:          uint32(i),
			ScriptPubKey:  hex.EncodeToString(pkScript),
			Amount:        0.5,
			Confirmations: 6,
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&hash, uint32(i)), nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(30000000, destScript))
	change := int64(nIn)*50000000 - 30000000 - 10000
	tx.AddTxOut(wire.NewTxOut(change, pkScript))

	outs := []Output{{Address: dest.EncodeAddress(), AmountSat: 30000000}}
	scripts := map[string][]byte{f.address.EncodeAddress(): f.redeem}
	f.builder, err = NewBuilder(testNet, tx, utxos, outs,
		f.address.EncodeAddress(), scripts)
	require.NoError(t, err)
	return f
}

// proposal wraps the fixture builder in a proposal created by creator.
func (f *fixture) proposal(creator string) *TxProposal {
	return &TxProposal{
		Creator:         creator,
		SeenBy:          map[string]int64{creator: testTime.UnixMilli()},
		SignedBy:        map[string]int64{},
		RejectedBy:      map[string]int64{},
		InputChainPaths: []string{"m/45'/2147483647/0/0"},
		Comment:         "rent",
		Builder:         f.builder.clone(),
	}
}

func destAddress(t testing.TB) btcutil.Address {
	t.Helper()

	pub := testKey(99).PubKey().SerializeCompressed()
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub), testNet)
	require.NoError(t, err)
	return addr
}

func newTestProposals() *TxProposals {
	return NewTxProposals("03ad1e7f9f2c6d31", testNet,
		clock.NewTestClock(testTime))
}

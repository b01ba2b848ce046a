// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txproposal

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func TestNTxIDIgnoresSignatureScripts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, 3, 2)
	id, err := f.builder.NTxID()
	require.NoError(t, err)

	tx := f.builder.Tx.Copy()
	tx.TxIn[0].SignatureScript = []byte{txscript.OP_TRUE}
	require.Equal(t, id, ntxid(tx))
	require.NotEqual(t, id, tx.TxHash().String())

	tx.LockTime = 10
	require.NotEqual(t, id, ntxid(tx))
}

func TestBuilderStructure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, 3, 1)

	testCases := []struct {
		name   string
		modify func(b *Builder)
	}{
		{
			name: "missing utxo",
			modify: func(b *Builder) {
				b.Utxos = nil
			},
		},
		{
			name: "wrong outpoint",
			modify: func(b *Builder) {
				b.Utxos[0].Vout = 7
			},
		},
		{
			name: "missing redeem script",
			modify: func(b *Builder) {
				b.HashToScript = map[string]string{}
			},
		},
		{
			name: "redeem script for other address",
			modify: func(b *Builder) {
				for addr := range b.HashToScript {
					b.HashToScript[addr] = "51"
				}
			},
		},
		{
			name: "undeclared output",
			modify: func(b *Builder) {
				b.Remainder = ""
			},
		},
		{
			name: "declared output missing",
			modify: func(b *Builder) {
				b.Outs[0].AmountSat++
			},
		},
		{
			name: "outputs exceed inputs",
			modify: func(b *Builder) {
				b.Tx.TxOut[1].Value = 50000000
			},
		},
		{
			name: "address of other network",
			modify: func(b *Builder) {
				b.Outs[0].Address = "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2"
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			b := f.builder.clone()
			tc.modify(b)
			err := b.Validate()
			require.True(t, IsError(err, ErrInvalidProposal), "got %v", err)
		})
	}
}

func TestSignMultiSig(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, 3, 2)
	b := f.builder.clone()

	n, err := b.MissingSignatures(0)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	added, err := b.Sign([]*btcec.PrivateKey{f.keys[0]})
	require.NoError(t, err)
	require.Equal(t, 2, added)
	require.False(t, b.IsFullySigned())
	require.NoError(t, b.Validate())

	_, err = b.SignedTx()
	require.True(t, IsError(err, ErrNotEnoughSigs), "got %v", err)

	// Signing twice with the same key adds nothing.
	added, err = b.Sign([]*btcec.PrivateKey{f.keys[0]})
	require.NoError(t, err)
	require.Zero(t, added)

	// An outside key cannot sign.
	require.False(t, b.CanSign([]*btcec.PrivateKey{testKey(50)}))
	require.True(t, b.CanSign([]*btcec.PrivateKey{f.keys[2]}))

	added, err = b.Sign([]*btcec.PrivateKey{f.keys[2]})
	require.NoError(t, err)
	require.Equal(t, 2, added)
	require.True(t, b.IsFullySigned())
	require.False(t, b.CanSign([]*btcec.PrivateKey{f.keys[1]}))

	tx, err := b.SignedTx()
	require.NoError(t, err)
	for _, txIn := range tx.TxIn {
		pushes, err := txscript.PushedData(txIn.SignatureScript)
		require.NoError(t, err)
		require.Len(t, pushes, 4)
		require.Empty(t, pushes[0])
		require.Equal(t, f.redeem, pushes[3])
	}

	// The unsigned transaction and the id are untouched.
	require.Empty(t, b.Tx.TxIn[0].SignatureScript)
	id, err := b.NTxID()
	require.NoError(t, err)
	require.Equal(t, id, ntxid(tx))
}

func TestSignPubKeyHash(t *testing.T) {
	t.Parallel()

	key := testKey(7)
	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(key.PubKey().SerializeCompressed()), testNet,
	)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	dest := destAddress(t)
	destScript, err := txscript.PayToAddrScript(dest)
	require.NoError(t, err)

	hash := chainhash.DoubleHashH([]byte("funding"))
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&hash, 1), nil, nil))
	tx.AddTxOut(wire.NewTxOut(99990000, destScript))
	utxos := []UnspentOutput{{
		Address:      addr.EncodeAddress(),
		TxID:         hash.String(),
		Vout:         1,
		ScriptPubKey: hex.EncodeToString(pkScript),
		Amount:       1,
	}}
	outs := []Output{{Address: dest.EncodeAddress(), AmountSat: 99990000}}
	b, err := NewBuilder(testNet, tx, utxos, outs, "", nil)
	require.NoError(t, err)

	added, err := b.Sign([]*btcec.PrivateKey{testKey(8)})
	require.NoError(t, err)
	require.Zero(t, added)

	added, err = b.Sign([]*btcec.PrivateKey{testKey(8), key})
	require.NoError(t, err)
	require.Equal(t, 1, added)
	require.True(t, b.IsFullySigned())

	signed, err := b.SignedTx()
	require.NoError(t, err)
	pushes, err := txscript.PushedData(signed.TxIn[0].SignatureScript)
	require.NoError(t, err)
	require.Len(t, pushes, 2)
	require.Equal(t, key.PubKey().SerializeCompressed(), pushes[1])
}

func TestValidateSignatures(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, 3, 1)
	signed := f.builder.clone()
	_, err := signed.Sign([]*btcec.PrivateKey{f.keys[0]})
	require.NoError(t, err)
	pub0 := hex.EncodeToString(f.keys[0].PubKey().SerializeCompressed())
	pub1 := hex.EncodeToString(f.keys[1].PubKey().SerializeCompressed())
	sig0 := signed.Sigs[0][pub0]

	testCases := []struct {
		name   string
		modify func(b *Builder)
		code   ErrorCode
	}{
		{
			name: "declared sighash single",
			modify: func(b *Builder) {
				b.SigHash = txscript.SigHashSingle
			},
			code: ErrBadSigHash,
		},
		{
			name: "signature hashtype none",
			modify: func(b *Builder) {
				b.Sigs[0][pub0] = sig0[:len(sig0)-2] + "02"
			},
			code: ErrBadSigHash,
		},
		{
			name: "signature hashtype anyonecanpay",
			modify: func(b *Builder) {
				b.Sigs[0][pub0] = sig0[:len(sig0)-2] + "81"
			},
			code: ErrBadSigHash,
		},
		{
			name: "signature under other key",
			modify: func(b *Builder) {
				delete(b.Sigs[0], pub0)
				b.Sigs[0][pub1] = sig0
			},
			code: ErrBadSignature,
		},
		{
			name: "key outside redeem script",
			modify: func(b *Builder) {
				pub := testKey(40).PubKey().SerializeCompressed()
				b.Sigs[0][hex.EncodeToString(pub)] = sig0
			},
			code: ErrBadSignature,
		},
		{
			name: "garbage signature",
			modify: func(b *Builder) {
				b.Sigs[0][pub0] = "300601"
			},
			code: ErrBadSignature,
		},
		{
			name: "signature over other tx",
			modify: func(b *Builder) {
				other := b.clone()
				other.Tx.LockTime = 99
				other.Sigs[0] = map[string]string{}
				_, err := other.Sign([]*btcec.PrivateKey{f.keys[0]})
				require.NoError(t, err)
				b.Sigs[0][pub0] = other.Sigs[0][pub0]
			},
			code: ErrBadSignature,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			b := signed.clone()
			tc.modify(b)
			err := b.Validate()
			require.True(t, IsError(err, tc.code), "got %v", err)
		})
	}

	// An unspecified declared sighash is accepted.
	b := signed.clone()
	b.SigHash = 0
	require.NoError(t, b.Validate())
}

func TestBuilderJSON(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, 3, 2)
	b := f.builder.clone()
	_, err := b.Sign([]*btcec.PrivateKey{f.keys[1]})
	require.NoError(t, err)

	data, err := json.Marshal(b)
	require.NoError(t, err)

	var decoded Builder
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Nil(t, decoded.Net())
	require.Equal(t, b.Sigs, decoded.Sigs)
	require.Equal(t, b.HashToScript, decoded.HashToScript)
	require.Equal(t, b.Tx.TxHash(), decoded.Tx.TxHash())

	// Validation needs a network.
	require.Error(t, decoded.Validate())
	decoded.bind(testNet)
	require.NoError(t, decoded.Validate())

	err = json.Unmarshal([]byte(`{"tx":"zz"}`), &decoded)
	require.True(t, IsError(err, ErrTxSerialization), "got %v", err)
}

func TestMergeSigs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, 3, 1)
	a, b := f.builder.clone(), f.builder.clone()
	_, err := a.Sign([]*btcec.PrivateKey{f.keys[0]})
	require.NoError(t, err)
	_, err = b.Sign([]*btcec.PrivateKey{f.keys[1]})
	require.NoError(t, err)

	require.Equal(t, 1, a.MergeSigs(b))
	require.Zero(t, a.MergeSigs(b))
	require.True(t, a.IsFullySigned())
	require.NoError(t, a.Validate())
}

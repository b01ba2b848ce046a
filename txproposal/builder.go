// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txproposal

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// BuilderVersion is the serialization version of Builder.
const BuilderVersion = 1

// Output is an output the proposal creator asked for.
type Output struct {
	Address   string         `json:"address"`
	AmountSat btcutil.Amount `json:"amountSat"`
}

// UnspentOutput is a transaction output as reported by a blockchain
// backend. Amount is expressed in BTC.
type UnspentOutput struct {
	Address       string  `json:"address"`
	TxID          string  `json:"txid"`
	Vout          uint32  `json:"vout"`
	ScriptPubKey  string  `json:"scriptPubKey"`
	Amount        float64 `json:"amount"`
	Confirmations int64   `json:"confirmations"`
}

// AmountSat converts the BTC amount of the output to satoshis, rounding to
// the nearest satoshi.
func (u *UnspentOutput) AmountSat() (btcutil.Amount, error) {
	return btcutil.NewAmount(u.Amount)
}

// OutPoint returns the outpoint the unspent output refers to.
func (u *UnspentOutput) OutPoint() (*wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(u.TxID)
	if err != nil {
		return nil, err
	}
	return wire.NewOutPoint(hash, u.Vout), nil
}

// PkScript returns the decoded output script.
func (u *UnspentOutput) PkScript() ([]byte, error) {
	return hex.DecodeString(u.ScriptPubKey)
}

// inputKind tells how an input is spent.
type inputKind int

const (
	inputMultiSig inputKind = iota
	inputPubKeyHash
)

// inputScript describes what is needed to sign and spend one input.
type inputScript struct {
	kind      inputKind
	pkScript  []byte
	subScript []byte   // script committed to by the sighash
	pubKeys   [][]byte // multisig keys in redeem script order
	pkHash    []byte   // pubkey hash of a P2PKH input
	required  int
	amount    btcutil.Amount
}

// hasKey returns whether the serialized pubkey may sign the input.
func (s *inputScript) hasKey(pubKey []byte) bool {
	switch s.kind {
	case inputMultiSig:
		for _, k := range s.pubKeys {
			if bytes.Equal(k, pubKey) {
				return true
			}
		}
	case inputPubKeyHash:
		return bytes.Equal(btcutil.Hash160(pubKey), s.pkHash)
	}
	return false
}

// Builder holds the unsigned transaction of a proposal and the raw
// signatures collected for each of its inputs.
type Builder struct {
	Version      int32
	Tx           *wire.MsgTx
	Outs         []Output
	Utxos        []UnspentOutput
	Remainder    string
	HashToScript map[string]string
	SigHash      txscript.SigHashType

	// Sigs maps, per input, a hex encoded pubkey to the hex encoded DER
	// signature with its trailing hashtype byte.
	Sigs []map[string]string

	net *chaincfg.Params
}

// NewBuilder returns a Builder for an unsigned transaction spending utxos,
// in input order. scripts maps P2SH addresses to their redeem scripts.
func NewBuilder(net *chaincfg.Params, tx *wire.MsgTx, utxos []UnspentOutput,
	outs []Output, remainder string, scripts map[string][]byte) (*Builder, error) {

	b := &Builder{
		Version:      BuilderVersion,
		Tx:           tx.Copy(),
		Outs:         append([]Output(nil), outs...),
		Utxos:        append([]UnspentOutput(nil), utxos...),
		Remainder:    remainder,
		HashToScript: make(map[string]string, len(scripts)),
		SigHash:      txscript.SigHashAll,
		net:          net,
	}
	for addr, script := range scripts {
		b.HashToScript[addr] = hex.EncodeToString(script)
	}
	for _, txIn := range b.Tx.TxIn {
		txIn.SignatureScript = nil
		txIn.Witness = nil
	}
	b.Sigs = make([]map[string]string, len(b.Tx.TxIn))
	for i := range b.Sigs {
		b.Sigs[i] = make(map[string]string)
	}
	if err := b.validateStructure(); err != nil {
		return nil, err
	}
	return b, nil
}

// Net returns the network the builder is bound to.
func (b *Builder) Net() *chaincfg.Params {
	return b.net
}

// bind sets the network used to decode addresses.
func (b *Builder) bind(net *chaincfg.Params) {
	b.net = net
}

// NTxID returns the normalized transaction id: the hash of the transaction
// with every signature script and witness removed.
func (b *Builder) NTxID() (string, error) {
	if b.Tx == nil {
		return "", newError(ErrInvalidProposal, "proposal has no transaction", nil)
	}
	return ntxid(b.Tx), nil
}

func ntxid(tx *wire.MsgTx) string {
	txCopy := tx.Copy()
	for _, txIn := range txCopy.TxIn {
		txIn.SignatureScript = nil
		txIn.Witness = nil
	}
	return txCopy.TxHash().String()
}

// inputScript returns the signing details of input idx.
func (b *Builder) inputScript(idx int) (*inputScript, error) {
	if b.net == nil {
		return nil, newError(ErrInvalidProposal, "builder not bound to a network", nil)
	}
	utxo := &b.Utxos[idx]
	pkScript, err := utxo.PkScript()
	if err != nil {
		str := fmt.Sprintf("invalid scriptPubKey for input %d", idx)
		return nil, newError(ErrInvalidProposal, str, err)
	}
	amount, err := utxo.AmountSat()
	if err != nil {
		str := fmt.Sprintf("invalid amount for input %d", idx)
		return nil, newError(ErrInvalidProposal, str, err)
	}
	class, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, b.net)
	if err != nil || len(addrs) != 1 {
		str := fmt.Sprintf("unsupported scriptPubKey for input %d", idx)
		return nil, newError(ErrInvalidProposal, str, err)
	}

	in := &inputScript{pkScript: pkScript, amount: amount}
	switch class {
	case txscript.ScriptHashTy:
		scriptHex, ok := b.HashToScript[addrs[0].EncodeAddress()]
		if !ok {
			str := fmt.Sprintf("no redeem script for input %d (%s)", idx,
				addrs[0].EncodeAddress())
			return nil, newError(ErrInvalidProposal, str, nil)
		}
		redeem, err := hex.DecodeString(scriptHex)
		if err != nil {
			str := fmt.Sprintf("invalid redeem script for input %d", idx)
			return nil, newError(ErrInvalidProposal, str, err)
		}
		if !bytes.Equal(btcutil.Hash160(redeem), addrs[0].ScriptAddress()) {
			str := fmt.Sprintf("redeem script of input %d does not match "+
				"its address", idx)
			return nil, newError(ErrInvalidProposal, str, nil)
		}
		rclass, keys, required, err := txscript.ExtractPkScriptAddrs(redeem, b.net)
		if err != nil || rclass != txscript.MultiSigTy {
			str := fmt.Sprintf("redeem script of input %d is not multisig", idx)
			return nil, newError(ErrInvalidProposal, str, err)
		}
		in.kind = inputMultiSig
		in.subScript = redeem
		in.required = required
		for _, k := range keys {
			in.pubKeys = append(in.pubKeys, k.ScriptAddress())
		}
	case txscript.PubKeyHashTy:
		in.kind = inputPubKeyHash
		in.subScript = pkScript
		in.pkHash = addrs[0].ScriptAddress()
		in.required = 1
	default:
		str := fmt.Sprintf("unsupported script class %v for input %d", class, idx)
		return nil, newError(ErrInvalidProposal, str, nil)
	}
	return in, nil
}

// validateStructure checks that the transaction spends exactly the declared
// unspent outputs and pays the declared outputs plus at most one change
// output to the remainder address.
func (b *Builder) validateStructure() error {
	if b.Tx == nil {
		return newError(ErrInvalidProposal, "proposal has no transaction", nil)
	}
	if b.net == nil {
		return newError(ErrInvalidProposal, "builder not bound to a network", nil)
	}
	if len(b.Tx.TxIn) == 0 {
		return newError(ErrInvalidProposal, "transaction has no inputs", nil)
	}
	if len(b.Tx.TxIn) != len(b.Utxos) {
		str := fmt.Sprintf("transaction has %d inputs but %d unspent outputs "+
			"were declared", len(b.Tx.TxIn), len(b.Utxos))
		return newError(ErrInvalidProposal, str, nil)
	}
	if len(b.Sigs) != len(b.Tx.TxIn) {
		str := fmt.Sprintf("transaction has %d inputs but %d signature sets",
			len(b.Tx.TxIn), len(b.Sigs))
		return newError(ErrInvalidProposal, str, nil)
	}

	var totalIn btcutil.Amount
	for i, txIn := range b.Tx.TxIn {
		op, err := b.Utxos[i].OutPoint()
		if err != nil {
			str := fmt.Sprintf("invalid txid for input %d", i)
			return newError(ErrInvalidProposal, str, err)
		}
		if *op != txIn.PreviousOutPoint {
			str := fmt.Sprintf("input %d spends %v, declared %v", i,
				txIn.PreviousOutPoint, op)
			return newError(ErrInvalidProposal, str, nil)
		}
		in, err := b.inputScript(i)
		if err != nil {
			return err
		}
		totalIn += in.amount
	}

	used := make([]bool, len(b.Tx.TxOut))
	var totalOut btcutil.Amount
	for _, out := range b.Outs {
		pkScript, err := b.payToAddr(out.Address)
		if err != nil {
			return err
		}
		found := false
		for i, txOut := range b.Tx.TxOut {
			if used[i] || txOut.Value != int64(out.AmountSat) ||
				!bytes.Equal(txOut.PkScript, pkScript) {
				continue
			}
			used[i] = true
			found = true
			break
		}
		if !found {
			str := fmt.Sprintf("declared output %v to %s not in transaction",
				out.AmountSat, out.Address)
			return newError(ErrInvalidProposal, str, nil)
		}
	}
	var changeScript []byte
	if b.Remainder != "" {
		var err error
		if changeScript, err = b.payToAddr(b.Remainder); err != nil {
			return err
		}
	}
	extra := 0
	for i, txOut := range b.Tx.TxOut {
		totalOut += btcutil.Amount(txOut.Value)
		if used[i] {
			continue
		}
		extra++
		if changeScript == nil || extra > 1 ||
			!bytes.Equal(txOut.PkScript, changeScript) {
			str := fmt.Sprintf("transaction output %d is not declared", i)
			return newError(ErrInvalidProposal, str, nil)
		}
	}
	if totalOut > totalIn {
		str := fmt.Sprintf("outputs (%v) exceed inputs (%v)", totalOut, totalIn)
		return newError(ErrInvalidProposal, str, nil)
	}
	return nil
}

func (b *Builder) payToAddr(addr string) ([]byte, error) {
	a, err := btcutil.DecodeAddress(addr, b.net)
	if err != nil || !a.IsForNet(b.net) {
		str := fmt.Sprintf("invalid address %q for %s", addr, b.net.Name)
		return nil, newError(ErrInvalidProposal, str, err)
	}
	return txscript.PayToAddrScript(a)
}

// Validate checks the structure of the proposal, the declared sighash mode
// and every collected signature.
func (b *Builder) Validate() error {
	if err := b.validateStructure(); err != nil {
		return err
	}
	if b.SigHash != 0 && b.SigHash != txscript.SigHashAll {
		str := fmt.Sprintf("unsupported sighash mode %v", b.SigHash)
		return newError(ErrBadSigHash, str, nil)
	}
	for i, sigs := range b.Sigs {
		if len(sigs) == 0 {
			continue
		}
		in, err := b.inputScript(i)
		if err != nil {
			return err
		}
		hash, err := txscript.CalcSignatureHash(in.subScript,
			txscript.SigHashAll, b.Tx, i)
		if err != nil {
			return newError(ErrSigning, "cannot compute sighash", err)
		}
		for pubHex, sigHex := range sigs {
			if err := verifyRawSig(in, hash, pubHex, sigHex); err != nil {
				return err
			}
		}
	}
	return nil
}

// verifyRawSig checks one raw signature against the sighash of its input.
func verifyRawSig(in *inputScript, hash []byte, pubHex, sigHex string) error {
	raw, err := hex.DecodeString(sigHex)
	if err != nil || len(raw) < 2 {
		return newError(ErrBadSignature, "malformed signature", err)
	}
	if txscript.SigHashType(raw[len(raw)-1]) != txscript.SigHashAll {
		str := fmt.Sprintf("signature uses sighash %#x",
			raw[len(raw)-1])
		return newError(ErrBadSigHash, str, nil)
	}
	pubBytes, err := hex.DecodeString(pubHex)
	if err != nil {
		return newError(ErrBadSignature, "malformed pubkey", err)
	}
	if !in.hasKey(pubBytes) {
		str := fmt.Sprintf("pubkey %s cannot sign this input", pubHex)
		return newError(ErrBadSignature, str, nil)
	}
	pubKey, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return newError(ErrBadSignature, "malformed pubkey", err)
	}
	sig, err := ecdsa.ParseDERSignature(raw[:len(raw)-1])
	if err != nil {
		return newError(ErrBadSignature, "malformed signature", err)
	}
	if !sig.Verify(hash, pubKey) {
		str := fmt.Sprintf("signature by %s does not verify", pubHex)
		return newError(ErrBadSignature, str, nil)
	}
	return nil
}

// Sign adds a signature for every input any of the given keys can sign and
// returns how many new signatures were added. Inputs that already carry
// their required signatures are skipped.
func (b *Builder) Sign(keys []*btcec.PrivateKey) (int, error) {
	added := 0
	for i := range b.Tx.TxIn {
		in, err := b.inputScript(i)
		if err != nil {
			return added, err
		}
		for _, key := range keys {
			if len(b.Sigs[i]) >= in.required {
				break
			}
			pubBytes := key.PubKey().SerializeCompressed()
			if !in.hasKey(pubBytes) {
				continue
			}
			pubHex := hex.EncodeToString(pubBytes)
			if _, ok := b.Sigs[i][pubHex]; ok {
				continue
			}
			sig, err := txscript.RawTxInSignature(b.Tx, i, in.subScript,
				txscript.SigHashAll, key)
			if err != nil {
				str := fmt.Sprintf("cannot sign input %d", i)
				return added, newError(ErrSigning, str, err)
			}
			b.Sigs[i][pubHex] = hex.EncodeToString(sig)
			added++
		}
	}
	return added, nil
}

// CanSign returns whether any of the given keys may sign at least one input
// that still needs signatures.
func (b *Builder) CanSign(keys []*btcec.PrivateKey) bool {
	for i := range b.Tx.TxIn {
		in, err := b.inputScript(i)
		if err != nil || len(b.Sigs[i]) >= in.required {
			continue
		}
		for _, key := range keys {
			pubBytes := key.PubKey().SerializeCompressed()
			_, signed := b.Sigs[i][hex.EncodeToString(pubBytes)]
			if !signed && in.hasKey(pubBytes) {
				return true
			}
		}
	}
	return false
}

// MergeSigs adds the signatures of other that b does not have yet and
// returns how many were added. Both builders must share the same ntxid and
// other must have been validated.
func (b *Builder) MergeSigs(other *Builder) int {
	added := 0
	for i := range b.Sigs {
		if i >= len(other.Sigs) {
			break
		}
		for pub, sig := range other.Sigs[i] {
			if _, ok := b.Sigs[i][pub]; ok {
				continue
			}
			b.Sigs[i][pub] = sig
			added++
		}
	}
	return added
}

// SignatureCount returns the number of signatures collected for input idx.
func (b *Builder) SignatureCount(idx int) int {
	return len(b.Sigs[idx])
}

// MissingSignatures returns how many more signatures input idx needs.
func (b *Builder) MissingSignatures(idx int) (int, error) {
	in, err := b.inputScript(idx)
	if err != nil {
		return 0, err
	}
	if n := in.required - len(b.Sigs[idx]); n > 0 {
		return n, nil
	}
	return 0, nil
}

// IsFullySigned returns whether every input has its required signatures.
func (b *Builder) IsFullySigned() bool {
	for i := range b.Tx.TxIn {
		n, err := b.MissingSignatures(i)
		if err != nil || n > 0 {
			return false
		}
	}
	return true
}

// SignedTx returns a copy of the transaction with every signature script
// filled in. Each script is executed against its previous output before the
// transaction is returned.
func (b *Builder) SignedTx() (*wire.MsgTx, error) {
	tx := b.Tx.Copy()
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(tx.TxIn))
	inputs := make([]*inputScript, len(tx.TxIn))
	for i, txIn := range tx.TxIn {
		in, err := b.inputScript(i)
		if err != nil {
			return nil, err
		}
		sigScript, err := b.sigScript(i, in)
		if err != nil {
			return nil, err
		}
		txIn.SignatureScript = sigScript
		inputs[i] = in
		prevOuts[txIn.PreviousOutPoint] = wire.NewTxOut(int64(in.amount),
			in.pkScript)
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	hashCache := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range inputs {
		vm, err := txscript.NewEngine(in.pkScript, tx, i,
			txscript.StandardVerifyFlags, nil, hashCache, int64(in.amount),
			fetcher)
		if err != nil {
			return nil, newError(ErrSigning, "cannot create script engine", err)
		}
		if err := vm.Execute(); err != nil {
			str := fmt.Sprintf("invalid signature script for input %d", i)
			return nil, newError(ErrSigning, str, err)
		}
	}
	return tx, nil
}

// sigScript assembles the signature script of input idx.
func (b *Builder) sigScript(idx int, in *inputScript) ([]byte, error) {
	if len(b.Sigs[idx]) < in.required {
		str := fmt.Sprintf("input %d has %d of %d signatures", idx,
			len(b.Sigs[idx]), in.required)
		return nil, newError(ErrNotEnoughSigs, str, nil)
	}
	builder := txscript.NewScriptBuilder()
	switch in.kind {
	case inputMultiSig:
		// OP_CHECKMULTISIG pops an extra item, and signatures must
		// appear in the same order as their keys.
		builder.AddOp(txscript.OP_FALSE)
		n := 0
		for _, pub := range in.pubKeys {
			if n == in.required {
				break
			}
			sigHex, ok := b.Sigs[idx][hex.EncodeToString(pub)]
			if !ok {
				continue
			}
			sig, err := hex.DecodeString(sigHex)
			if err != nil {
				return nil, newError(ErrBadSignature, "malformed signature", err)
			}
			builder.AddData(sig)
			n++
		}
		builder.AddData(in.subScript)
	case inputPubKeyHash:
		pubs := make([]string, 0, len(b.Sigs[idx]))
		for pub := range b.Sigs[idx] {
			pubs = append(pubs, pub)
		}
		sort.Strings(pubs)
		sig, err := hex.DecodeString(b.Sigs[idx][pubs[0]])
		if err != nil {
			return nil, newError(ErrBadSignature, "malformed signature", err)
		}
		pub, err := hex.DecodeString(pubs[0])
		if err != nil {
			return nil, newError(ErrBadSignature, "malformed pubkey", err)
		}
		builder.AddData(sig).AddData(pub)
	}
	script, err := builder.Script()
	if err != nil {
		return nil, newError(ErrSigning, "cannot build signature script", err)
	}
	return script, nil
}

// clone returns a deep copy of the builder.
func (b *Builder) clone() *Builder {
	c := &Builder{
		Version:      b.Version,
		Outs:         append([]Output(nil), b.Outs...),
		Utxos:        append([]UnspentOutput(nil), b.Utxos...),
		Remainder:    b.Remainder,
		HashToScript: make(map[string]string, len(b.HashToScript)),
		SigHash:      b.SigHash,
		Sigs:         make([]map[string]string, len(b.Sigs)),
		net:          b.net,
	}
	if b.Tx != nil {
		c.Tx = b.Tx.Copy()
	}
	for k, v := range b.HashToScript {
		c.HashToScript[k] = v
	}
	for i, sigs := range b.Sigs {
		c.Sigs[i] = make(map[string]string, len(sigs))
		for k, v := range sigs {
			c.Sigs[i][k] = v
		}
	}
	return c
}

// builderObj is the JSON shape of a Builder.
type builderObj struct {
	Version         int32               `json:"version"`
	Tx              string              `json:"tx"`
	Outs            []Output            `json:"outs"`
	Utxos           []UnspentOutput     `json:"utxos"`
	Remainder       string              `json:"remainderAddress,omitempty"`
	HashToScriptMap map[string]string   `json:"hashToScriptMap"`
	SigHash         uint32              `json:"signhash,omitempty"`
	Sigs            []map[string]string `json:"sigs"`
}

// MarshalJSON encodes the builder with its transaction hex serialized.
func (b *Builder) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if b.Tx != nil {
		if err := b.Tx.SerializeNoWitness(&buf); err != nil {
			return nil, newError(ErrTxSerialization, "cannot serialize tx", err)
		}
	}
	return json.Marshal(&builderObj{
		Version:         b.Version,
		Tx:              hex.EncodeToString(buf.Bytes()),
		Outs:            b.Outs,
		Utxos:           b.Utxos,
		Remainder:       b.Remainder,
		HashToScriptMap: b.HashToScript,
		SigHash:         uint32(b.SigHash),
		Sigs:            b.Sigs,
	})
}

// UnmarshalJSON decodes a builder. The result is not bound to a network
// until it is added to or merged into a TxProposals collection.
func (b *Builder) UnmarshalJSON(data []byte) error {
	var obj builderObj
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	raw, err := hex.DecodeString(obj.Tx)
	if err != nil {
		return newError(ErrTxSerialization, "invalid tx hex", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.DeserializeNoWitness(bytes.NewReader(raw)); err != nil {
		return newError(ErrTxSerialization, "cannot deserialize tx", err)
	}
	sigs := obj.Sigs
	if sigs == nil {
		sigs = make([]map[string]string, len(tx.TxIn))
	}
	for i := range sigs {
		if sigs[i] == nil {
			sigs[i] = make(map[string]string)
		}
	}
	scripts := obj.HashToScriptMap
	if scripts == nil {
		scripts = make(map[string]string)
	}
	*b = Builder{
		Version:      obj.Version,
		Tx:           tx,
		Outs:         obj.Outs,
		Utxos:        obj.Utxos,
		Remainder:    obj.Remainder,
		HashToScript: scripts,
		SigHash:      txscript.SigHashType(obj.SigHash),
		Sigs:         sigs,
	}
	return nil
}

// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/shopspring/decimal"

	"github.com/copaywallet/copayd/keyring"
	"github.com/copaywallet/copayd/txproposal"
)

// p2shOutputSize is the serialize size of an output paying to a P2SH
// script: 8 bytes value, 1 byte script length and the 23 byte script.
const p2shOutputSize = 8 + 1 + 23

// pushDataSize returns the size of a canonical push of n bytes.
func pushDataSize(n int) int {
	switch {
	case n < txscript.OP_PUSHDATA1:
		return 1 + n
	case n <= 0xff:
		return 2 + n
	default:
		return 3 + n
	}
}

// multiSigInputSize returns the worst case serialize size of an input
// redeeming an m-of-n P2SH multisig output.  The signature script is OP_0,
// m signatures of up to 73 bytes and the redeem script, which is OP_m, n
// compressed pubkeys, OP_n and OP_CHECKMULTISIG.
func multiSigInputSize(m, n int) int {
	redeemScriptSize := 3 + n*(1+33)
	sigScriptSize := 1 + m*(1+73) + pushDataSize(redeemScriptSize)
	return 32 + 4 + wire.VarIntSerializeSize(uint64(sigScriptSize)) +
		sigScriptSize + 4
}

// estimateSerializeSize returns the worst case serialize size of a signed
// transaction with inputCount multisig inputs of inputSize bytes, the
// passed outputs and, if requested, a P2SH change output.
func estimateSerializeSize(inputCount, inputSize int, txOuts []*wire.TxOut,
	addChangeOutput bool) int {

	changeSize := 0
	outputCount := len(txOuts)
	if addChangeOutput {
		changeSize = p2shOutputSize
		outputCount++
	}

	// 8 bytes for version and locktime.
	return 8 + wire.VarIntSerializeSize(uint64(inputCount)) +
		wire.VarIntSerializeSize(uint64(outputCount)) +
		inputCount*inputSize +
		txsizes.SumOutputSerializeSizes(txOuts) +
		changeSize
}

// byAmount sorts unspent outputs by amount.
type byAmount []spendable

func (s byAmount) Len() int           { return len(s) }
func (s byAmount) Less(i, j int) bool { return s[i].amount < s[j].amount }
func (s byAmount) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// spendable is an unspent output of the wallet ready to be used as an
// input.
type spendable struct {
	utxo     UnspentOutput
	outPoint wire.OutPoint
	amount   btcutil.Amount
	pkScript []byte
	info     keyring.AddressInfo
}

// makeInputSource returns an input source that picks the largest outputs
// first.  It records the selected outputs in selected.
func makeInputSource(eligible []spendable, selected *[]spendable) txauthor.InputSource {
	sort.Sort(sort.Reverse(byAmount(eligible)))

	currentTotal := btcutil.Amount(0)
	currentInputs := make([]*wire.TxIn, 0, len(eligible))
	currentValues := make([]btcutil.Amount, 0, len(eligible))
	currentScripts := make([][]byte, 0, len(eligible))

	return func(target btcutil.Amount) (btcutil.Amount, []*wire.TxIn,
		[]btcutil.Amount, [][]byte, error) {

		for currentTotal < target && len(eligible) != 0 {
			next := eligible[0]
			eligible = eligible[1:]
			outPoint := next.outPoint
			currentTotal += next.amount
			currentInputs = append(currentInputs,
				wire.NewTxIn(&outPoint, nil, nil))
			currentValues = append(currentValues, next.amount)
			currentScripts = append(currentScripts, next.pkScript)
			*selected = append(*selected, next)
		}
		return currentTotal, currentInputs, currentValues,
			currentScripts, nil
	}
}

// insufficientFundsError is returned when the eligible outputs cannot pay
// for the outputs and the fee.
type insufficientFundsError struct {
	need      btcutil.Amount
	available btcutil.Amount
}

// InputSourceError marks the error as an input selection failure.
func (insufficientFundsError) InputSourceError() {}

func (e insufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: need %v, %v available",
		e.need, e.available)
}

// authorTx creates an unsigned transaction paying outputs from inputs
// chosen by fetchInputs and sending any non-dust change to changeScript.
// The fee is estimated for inputs of inputSize bytes.
func authorTx(outputs []*wire.TxOut, feeRatePerKb btcutil.Amount,
	fetchInputs txauthor.InputSource, changeScript []byte,
	inputSize int) (*txauthor.AuthoredTx, error) {

	targetAmount := txauthor.SumOutputValues(outputs)
	estimatedSize := estimateSerializeSize(1, inputSize, outputs, true)
	targetFee := txrules.FeeForSerializeSize(feeRatePerKb, estimatedSize)

	for {
		inputAmount, inputs, inputValues, scripts, err :=
			fetchInputs(targetAmount + targetFee)
		if err != nil {
			return nil, err
		}
		if inputAmount < targetAmount+targetFee {
			return nil, insufficientFundsError{
				need:      targetAmount + targetFee,
				available: inputAmount,
			}
		}

		maxSignedSize := estimateSerializeSize(len(inputs), inputSize,
			outputs, true)
		maxRequiredFee := txrules.FeeForSerializeSize(feeRatePerKb,
			maxSignedSize)
		remainingAmount := inputAmount - targetAmount
		if remainingAmount < maxRequiredFee {
			targetFee = maxRequiredFee
			continue
		}

		unsignedTx := &wire.MsgTx{
			Version:  wire.TxVersion,
			TxIn:     inputs,
			TxOut:    outputs,
			LockTime: 0,
		}
		changeIndex := -1
		changeAmount := inputAmount - targetAmount - maxRequiredFee
		change := wire.NewTxOut(int64(changeAmount), changeScript)
		if changeAmount != 0 && !txrules.IsDustOutput(change,
			txrules.DefaultRelayFeePerKb) {

			l := len(outputs)
			unsignedTx.TxOut = append(outputs[:l:l], change)
			changeIndex = l
		}

		return &txauthor.AuthoredTx{
			Tx:              unsignedTx,
			PrevScripts:     scripts,
			PrevInputValues: inputValues,
			TotalInput:      inputAmount,
			ChangeIndex:     changeIndex,
		}, nil
	}
}

// parseAmountSat parses a positive integer amount of satoshis.
func parseAmountSat(s string) (btcutil.Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		str := fmt.Sprintf("invalid amount %q", s)
		return 0, newError(ErrValidation, str, err)
	}
	if !d.IsInteger() || d.Sign() <= 0 ||
		d.GreaterThan(decimal.NewFromInt(btcutil.MaxSatoshi)) {

		str := fmt.Sprintf("amount %q is not a positive number of "+
			"satoshis", s)
		return 0, newError(ErrValidation, str, nil)
	}
	return btcutil.Amount(d.IntPart()), nil
}

// spendableOutputs returns the outputs of utxos the wallet may spend:
// outputs paying to a wallet address, confirmed unless unconfirmed
// spending is allowed, and not held by a pending proposal.  It must be
// called with the wallet lock held.
func (w *Wallet) spendableOutputs(utxos []UnspentOutput) ([]spendable, error) {
	infos, err := w.ring.AddressesInfo(keyring.AddressesOpts{})
	if err != nil {
		return nil, translateRingErr(err)
	}
	byAddr := make(map[string]keyring.AddressInfo, len(infos))
	for _, info := range infos {
		byAddr[info.AddressStr] = info
	}
	used := w.txps.UsedOutPoints(w.maxRejectCount())

	var eligible []spendable
	for _, u := range utxos {
		info, ok := byAddr[u.Address]
		if !ok {
			continue
		}
		if !w.spendUnconfirmed && u.Confirmations < 1 {
			continue
		}
		if used.Contains(txproposal.OutPointKey(u.TxID, u.Vout)) {
			continue
		}
		op, err := u.OutPoint()
		if err != nil {
			log.Warnf("Skipping unspent output with bad txid %q: %v",
				u.TxID, err)
			continue
		}
		amount, err := u.AmountSat()
		if err != nil || amount <= 0 {
			continue
		}
		pkScript, err := txscript.PayToAddrScript(info.Address)
		if err != nil {
			return nil, newError(ErrValidation, "unable to create "+
				"output script", err)
		}
		u.ScriptPubKey = hex.EncodeToString(pkScript)
		eligible = append(eligible, spendable{
			utxo:     u,
			outPoint: *op,
			amount:   amount,
			pkScript: pkScript,
			info:     info,
		})
	}
	return eligible, nil
}

// maxRejectCount is the number of rejections a proposal survives: more
// than N-M rejections leave too few copayers to sign it.
func (w *Wallet) maxRejectCount() int {
	return w.totalCopayers - w.requiredCopayers
}

// CreateTxSync creates a proposal paying amountSat satoshis to toAddress
// from utxos.  Change goes to a fresh change address of the shared
// branch.  The proposal is signed with the local key, stored and sent to
// the other copayers.  It returns the proposal id.
func (w *Wallet) CreateTxSync(ctx context.Context, toAddress, amountSat,
	comment string, utxos []UnspentOutput) (string, error) {

	if n := utf8.RuneCountInString(comment); n > txproposal.MaxCommentLength {
		str := fmt.Sprintf("comment has %d characters, the maximum "+
			"is %d", n, txproposal.MaxCommentLength)
		return "", newError(ErrValidation, str, nil)
	}
	dest, err := w.decodeAddress(toAddress)
	if err != nil {
		return "", err
	}
	amount, err := parseAmountSat(amountSat)
	if err != nil {
		return "", err
	}
	if w.privateKey == nil {
		return "", newError(ErrNoPrivateKey, "wallet has no private key", nil)
	}
	destScript, err := txscript.PayToAddrScript(dest)
	if err != nil {
		return "", newError(ErrValidation, "unable to create output script", err)
	}
	out := wire.NewTxOut(int64(amount), destScript)
	if err := txrules.CheckOutput(out, txrules.DefaultRelayFeePerKb); err != nil {
		return "", newError(ErrValidation, "invalid output", err)
	}

	w.mu.Lock()
	if !w.ring.IsComplete() {
		w.mu.Unlock()
		str := fmt.Sprintf("ring has %d of %d copayers",
			w.ring.RegisteredCopayers(), w.totalCopayers)
		return "", newError(ErrIncompleteRing, str, nil)
	}

	txp, err := w.buildProposal(out, toAddress, amount, comment, utxos)
	if err != nil {
		w.mu.Unlock()
		return "", err
	}
	id, err := txp.NTxID()
	if err != nil {
		w.mu.Unlock()
		return "", newError(ErrValidation, "invalid proposal", err)
	}
	if _, err := w.txps.Get(id); err == nil {
		w.mu.Unlock()
		str := fmt.Sprintf("proposal %s already exists", id)
		return "", newError(ErrStateConflict, str, nil)
	}
	if _, err := w.txps.Add(txp); err != nil {
		w.mu.Unlock()
		return "", newError(ErrValidation, "invalid proposal", err)
	}
	if _, err := w.txps.Sign(id, w.privateKey.ID(), w.privateKey); err != nil {
		w.discardProposal(id)
		w.mu.Unlock()
		return "", newError(ErrValidation, "unable to sign proposal", err)
	}
	if txp.Builder.Remainder != "" {
		_, err := w.ring.GenerateAddress(true, fn.None[uint32]())
		if err != nil {
			w.discardProposal(id)
			w.mu.Unlock()
			return "", translateRingErr(err)
		}
	}
	log.Infof("Created proposal %s paying %v to %s", id, amount, toAddress)

	stored, _ := w.txps.Get(id)
	fx := effects{persist: true}
	fx.event(&Event{Type: EventTxProposalsUpdated, ProposalID: id})
	fx.send(nil, w.indexesMessage())
	fx.send(nil, w.proposalMessage(stored))
	return id, w.apply(ctx, &fx)
}

// discardProposal removes a proposal this wallet just added.  It must be
// called with the wallet lock held.
func (w *Wallet) discardProposal(id string) {
	if err := w.txps.Delete(id); err != nil {
		log.Errorf("Unable to discard proposal %s: %v", id, err)
	}
}

// buildProposal selects inputs and builds the unsigned proposal.  It must
// be called with the wallet lock held and does not change any state.
func (w *Wallet) buildProposal(out *wire.TxOut, toAddress string,
	amount btcutil.Amount, comment string,
	utxos []UnspentOutput) (*txproposal.TxProposal, error) {

	eligible, err := w.spendableOutputs(utxos)
	if err != nil {
		return nil, err
	}

	shared, err := w.ring.HDParams(keyring.SharedIndex)
	if err != nil {
		return nil, translateRingErr(err)
	}
	changeAddr, err := w.ring.Address(shared.Index(true), true,
		fn.None[uint32]())
	if err != nil {
		return nil, translateRingErr(err)
	}
	changeScript, err := txscript.PayToAddrScript(changeAddr)
	if err != nil {
		return nil, newError(ErrValidation, "unable to create change script", err)
	}

	var selected []spendable
	inputSize := multiSigInputSize(w.requiredCopayers, w.totalCopayers)
	authored, err := authorTx([]*wire.TxOut{out}, w.feeRatePerKb,
		makeInputSource(eligible, &selected), changeScript, inputSize)
	if err != nil {
		return nil, newError(ErrInsufficientFunds, "unable to fund "+
			"proposal", err)
	}
	if authored.ChangeIndex >= 0 {
		authored.RandomizeChangePosition()
	}

	// Inputs are kept in selection order, so selected lines up with the
	// transaction inputs.
	inputUtxos := make([]UnspentOutput, len(selected))
	paths := make([]string, len(selected))
	scripts := make(map[string][]byte, len(selected))
	for i, s := range selected {
		inputUtxos[i] = s.utxo
		paths[i] = s.info.Path.String()
		scripts[s.info.AddressStr] = s.info.RedeemScript
	}
	remainder := ""
	if authored.ChangeIndex >= 0 {
		remainder = changeAddr.EncodeAddress()
	}

	builder, err := txproposal.NewBuilder(w.net, authored.Tx, inputUtxos,
		[]txproposal.Output{{Address: toAddress, AmountSat: amount}},
		remainder, scripts)
	if err != nil {
		return nil, newError(ErrValidation, "invalid transaction", err)
	}

	now := w.clock.Now().UnixMilli()
	me := w.privateKey.ID()
	return &txproposal.TxProposal{
		Creator:         me,
		CreatedTs:       now,
		SeenBy:          map[string]int64{me: now},
		SignedBy:        map[string]int64{},
		RejectedBy:      map[string]int64{},
		InputChainPaths: paths,
		Comment:         comment,
		Builder:         builder,
	}, nil
}

// CreateTx fetches the unspent outputs of the wallet and creates a
// proposal as CreateTxSync does.
func (w *Wallet) CreateTx(ctx context.Context, toAddress, amountSat,
	comment string) (string, error) {

	utxos, err := w.fetchUnspent(ctx)
	if err != nil {
		return "", err
	}
	return w.CreateTxSync(ctx, toAddress, amountSat, comment, utxos)
}

// proposalMessage returns a message carrying a copy of txp.
func (w *Wallet) proposalMessage(txp *txproposal.TxProposal) *Message {
	return &Message{
		Type:       MsgTxProposal,
		WalletID:   w.id,
		TxProposal: txp.Copy(),
	}
}

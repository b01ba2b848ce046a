// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txproposal

import (
	"encoding/hex"
	"fmt"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// MaxCommentLength is the maximum number of characters of a proposal
// comment.
const MaxCommentLength = 100

// SecretSource provides the private keys a copayer signs with.
type SecretSource interface {
	// PrivKeysForPaths returns the private keys derived at the given
	// BIP45 paths.
	PrivKeysForPaths(paths []string) ([]*btcec.PrivateKey, error)
}

// KeySlice is a SecretSource that ignores paths and offers a fixed set of
// keys.
type KeySlice []*btcec.PrivateKey

// PrivKeysForPaths returns the keys of the slice.
func (k KeySlice) PrivKeysForPaths([]string) ([]*btcec.PrivateKey, error) {
	return k, nil
}

// TxProposal is a transaction pending signatures from the copayers.
// Timestamps are unix milliseconds.
type TxProposal struct {
	Creator         string           `json:"creator"`
	CreatedTs       int64            `json:"createdTs"`
	SeenBy          map[string]int64 `json:"seenBy"`
	SignedBy        map[string]int64 `json:"signedBy"`
	RejectedBy      map[string]int64 `json:"rejectedBy"`
	SentTs          int64            `json:"sentTs,omitempty"`
	SentTxID        string           `json:"sentTxid,omitempty"`
	InputChainPaths []string         `json:"inputChainPaths"`
	Comment         string           `json:"comment,omitempty"`
	Builder         *Builder         `json:"builderObj"`
}

// NTxID returns the id of the proposal.
func (p *TxProposal) NTxID() (string, error) {
	if p.Builder == nil {
		return "", newError(ErrInvalidProposal, "proposal has no builder", nil)
	}
	return p.Builder.NTxID()
}

// IsFullySigned returns whether the transaction carries every required
// signature.
func (p *TxProposal) IsFullySigned() bool {
	return p.Builder != nil && p.Builder.IsFullySigned()
}

// MissingSignatures returns how many more signatures input idx needs.
func (p *TxProposal) MissingSignatures(idx int) (int, error) {
	if p.Builder == nil || p.Builder.Tx == nil || idx < 0 ||
		idx >= len(p.Builder.Tx.TxIn) {

		str := fmt.Sprintf("no input %d", idx)
		return 0, newError(ErrInvalidProposal, str, nil)
	}
	return p.Builder.MissingSignatures(idx)
}

// SignedTx returns the fully signed transaction.
func (p *TxProposal) SignedTx() (*wire.MsgTx, error) {
	if p.Builder == nil {
		return nil, newError(ErrInvalidProposal, "proposal has no builder", nil)
	}
	return p.Builder.SignedTx()
}

// IsSent returns whether the proposal was broadcast.
func (p *TxProposal) IsSent() bool {
	return p.SentTxID != ""
}

// IsPending returns whether the proposal may still be sent: it was not
// broadcast and no more than maxRejectCount copayers rejected it.
func (p *TxProposal) IsPending(maxRejectCount int) bool {
	return !p.IsSent() && len(p.RejectedBy) <= maxRejectCount
}

// MaxMissingSignatures returns how many more signatures the least signed
// input needs.
func (p *TxProposal) MaxMissingSignatures() (int, error) {
	if p.Builder == nil || p.Builder.Tx == nil {
		return 0, newError(ErrInvalidProposal, "proposal has no transaction", nil)
	}
	missing := 0
	for i := range p.Builder.Tx.TxIn {
		n, err := p.Builder.MissingSignatures(i)
		if err != nil {
			return 0, err
		}
		if n > missing {
			missing = n
		}
	}
	return missing, nil
}

// Copy returns a deep copy of the proposal.
func (p *TxProposal) Copy() *TxProposal {
	return p.clone()
}

// PSBT exports the partially signed transaction as a BIP174 packet.
func (p *TxProposal) PSBT() (*psbt.Packet, error) {
	b := p.Builder
	if b == nil || b.Tx == nil {
		return nil, newError(ErrInvalidProposal, "proposal has no transaction", nil)
	}
	packet, err := psbt.NewFromUnsignedTx(b.Tx.Copy())
	if err != nil {
		return nil, newError(ErrTxSerialization, "cannot create psbt", err)
	}
	for i := range packet.Inputs {
		in, err := b.inputScript(i)
		if err != nil {
			return nil, err
		}
		pIn := &packet.Inputs[i]
		pIn.WitnessUtxo = wire.NewTxOut(int64(in.amount), in.pkScript)
		pIn.SighashType = txscript.SigHashAll
		if in.kind == inputMultiSig {
			pIn.RedeemScript = in.subScript
		}
		for pubHex, sigHex := range b.Sigs[i] {
			pub, err := hex.DecodeString(pubHex)
			if err != nil {
				return nil, newError(ErrBadSignature, "malformed pubkey", err)
			}
			sig, err := hex.DecodeString(sigHex)
			if err != nil {
				return nil, newError(ErrBadSignature, "malformed signature", err)
			}
			pIn.PartialSigs = append(pIn.PartialSigs, &psbt.PartialSig{
				PubKey:    pub,
				Signature: sig,
			})
		}
	}
	return packet, nil
}

// checkComment returns ErrCommentTooLong for comments over the limit.
func checkComment(comment string) error {
	if n := utf8.RuneCountInString(comment); n > MaxCommentLength {
		str := fmt.Sprintf("comment has %d characters, the maximum is %d",
			n, MaxCommentLength)
		return newError(ErrCommentTooLong, str, nil)
	}
	return nil
}

// clone returns a deep copy of the proposal.
func (p *TxProposal) clone() *TxProposal {
	c := *p
	c.SeenBy = copyTimes(p.SeenBy)
	c.SignedBy = copyTimes(p.SignedBy)
	c.RejectedBy = copyTimes(p.RejectedBy)
	c.InputChainPaths = append([]string(nil), p.InputChainPaths...)
	if p.Builder != nil {
		c.Builder = p.Builder.clone()
	}
	return &c
}

func copyTimes(m map[string]int64) map[string]int64 {
	c := make(map[string]int64, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// mergeTimes adds the entries of src missing in dst. A timestamp already
// in dst is never replaced. It returns whether dst changed.
func mergeTimes(dst, src map[string]int64) bool {
	changed := false
	for k, v := range src {
		if _, ok := dst[k]; ok {
			continue
		}
		dst[k] = v
		changed = true
	}
	return changed
}

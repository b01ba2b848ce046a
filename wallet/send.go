// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"

	"github.com/copaywallet/copayd/txproposal"
)

// translateProposalErr maps txproposal errors to wallet error codes.
func translateProposalErr(err error) error {
	switch {
	case txproposal.IsError(err, txproposal.ErrUnknownProposal):
		return newError(ErrUnknownEntry, "unknown proposal", err)
	case txproposal.IsError(err, txproposal.ErrAlreadySent),
		txproposal.IsError(err, txproposal.ErrFullySigned):
		return newError(ErrStateConflict, "proposal cannot change", err)
	case txproposal.IsError(err, txproposal.ErrNoKeyMaterial):
		return newError(ErrNoPrivateKey, "no key can sign proposal", err)
	default:
		return newError(ErrValidation, "proposal operation failed", err)
	}
}

// Sign adds the local copayer's signatures to proposal id and shares the
// result with the other copayers.
func (w *Wallet) Sign(ctx context.Context, id string) error {
	if w.privateKey == nil {
		return newError(ErrNoPrivateKey, "wallet has no private key", nil)
	}

	w.mu.Lock()
	if _, err := w.txps.Sign(id, w.privateKey.ID(), w.privateKey); err != nil {
		w.mu.Unlock()
		return translateProposalErr(err)
	}
	txp, _ := w.txps.Get(id)

	fx := effects{persist: true}
	fx.event(&Event{Type: EventTxProposalsUpdated, ProposalID: id})
	fx.send(nil, w.proposalMessage(txp))
	return w.apply(ctx, &fx)
}

// Reject records that the local copayer rejects proposal id and shares it
// with the other copayers.
func (w *Wallet) Reject(ctx context.Context, id string) error {
	if w.privateKey == nil {
		return newError(ErrNoPrivateKey, "wallet has no private key", nil)
	}

	w.mu.Lock()
	txp, err := w.txps.Get(id)
	if err != nil {
		w.mu.Unlock()
		return translateProposalErr(err)
	}
	if _, signed := txp.SignedBy[w.privateKey.ID()]; signed {
		w.mu.Unlock()
		str := fmt.Sprintf("proposal %s was already signed", id)
		return newError(ErrStateConflict, str, nil)
	}
	if err := w.txps.Reject(id, w.privateKey.ID()); err != nil {
		w.mu.Unlock()
		return translateProposalErr(err)
	}

	fx := effects{persist: true}
	fx.event(&Event{Type: EventTxProposalsUpdated, ProposalID: id})
	fx.send(nil, w.proposalMessage(txp))
	return w.apply(ctx, &fx)
}

// SendTx broadcasts the fully signed transaction of proposal id, marks the
// proposal as sent and tells the other copayers.  It returns the txid.
func (w *Wallet) SendTx(ctx context.Context, id string) (string, error) {
	if w.blockchain == nil {
		return "", newError(ErrBlockchain, "wallet has no blockchain", nil)
	}

	w.mu.Lock()
	txp, err := w.txps.Get(id)
	if err != nil {
		w.mu.Unlock()
		return "", translateProposalErr(err)
	}
	if txp.IsSent() {
		w.mu.Unlock()
		str := fmt.Sprintf("proposal %s was already sent", id)
		return "", newError(ErrStateConflict, str, nil)
	}
	if !txp.IsFullySigned() {
		w.mu.Unlock()
		str := fmt.Sprintf("proposal %s is not fully signed", id)
		return "", newError(ErrStateConflict, str, nil)
	}
	tx, err := txp.SignedTx()
	w.mu.Unlock()
	if err != nil {
		return "", newError(ErrValidation, "unable to finalize transaction", err)
	}

	txid, err := w.blockchain.Broadcast(ctx, tx)
	if err != nil {
		return "", newError(ErrBlockchain, "unable to broadcast "+
			"transaction", err)
	}
	log.Infof("Broadcast transaction %s of proposal %s", txid, id)

	w.mu.Lock()
	if err := w.txps.SetSent(id, txid); err != nil {
		w.mu.Unlock()
		return txid, translateProposalErr(err)
	}
	txp, _ = w.txps.Get(id)

	fx := effects{persist: true}
	fx.event(&Event{Type: EventTxProposalsUpdated, ProposalID: id})
	fx.send(nil, w.proposalMessage(txp))
	return txid, w.apply(ctx, &fx)
}

// SendTxProposal sends proposal id to peerIDs, or to every peer when
// peerIDs is empty.
func (w *Wallet) SendTxProposal(ctx context.Context, id string, peerIDs ...string) error {
	if id == "" {
		return newError(ErrIllegalArgument, "missing proposal id", nil)
	}

	w.mu.Lock()
	txp, err := w.txps.Get(id)
	if err != nil {
		w.mu.Unlock()
		str := fmt.Sprintf("no proposal %s", id)
		return newError(ErrIllegalArgument, str, err)
	}
	var fx effects
	fx.send(peerIDs, w.proposalMessage(txp))
	return w.apply(ctx, &fx)
}

// SendAllTxProposals sends every proposal to peerIDs, or to every peer
// when peerIDs is empty.
func (w *Wallet) SendAllTxProposals(ctx context.Context, peerIDs ...string) error {
	w.mu.Lock()
	var fx effects
	w.queueAllProposals(&fx, peerIDs)
	return w.apply(ctx, &fx)
}

func (w *Wallet) queueAllProposals(fx *effects, peerIDs []string) {
	for _, id := range w.txps.List() {
		txp, _ := w.txps.Get(id)
		fx.send(peerIDs, w.proposalMessage(txp))
	}
}

// PendingTxProposal is a proposal that may still be sent, annotated for
// the local copayer.
type PendingTxProposal struct {
	ID       string
	Proposal *txproposal.TxProposal

	SignedByUs        bool
	RejectedByUs      bool
	MissingSignatures int
}

// PendingTxProposals returns the proposals that were neither sent nor
// rejected by too many copayers, oldest first.
func (w *Wallet) PendingTxProposals() ([]*PendingTxProposal, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	me := w.MyCopayerID()
	var pending []*PendingTxProposal
	for _, id := range w.txps.List() {
		txp, _ := w.txps.Get(id)
		if !txp.IsPending(w.maxRejectCount()) {
			continue
		}
		missing, err := txp.MaxMissingSignatures()
		if err != nil {
			return nil, translateProposalErr(err)
		}
		_, signed := txp.SignedBy[me]
		_, rejected := txp.RejectedBy[me]
		pending = append(pending, &PendingTxProposal{
			ID:                id,
			Proposal:          txp.Copy(),
			SignedByUs:        signed,
			RejectedByUs:      rejected,
			MissingSignatures: missing,
		})
	}
	return pending, nil
}

// TxProposal returns a copy of proposal id.
func (w *Wallet) TxProposal(id string) (*txproposal.TxProposal, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	txp, err := w.txps.Get(id)
	if err != nil {
		return nil, translateProposalErr(err)
	}
	return txp.Copy(), nil
}

// TxProposalIDs returns the ids of every proposal, oldest first.
func (w *Wallet) TxProposalIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.txps.List()
}

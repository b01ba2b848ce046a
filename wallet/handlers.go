// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"

	"github.com/davecgh/go-spew/spew"

	"github.com/copaywallet/copayd/keyring"
	"github.com/copaywallet/copayd/txproposal"
)

// HandleMessage applies a message received from senderID.  Invalid peer
// data is logged and reported through events, never returned.  State
// changes of inbound messages are stored; the returned error reports a
// storage failure.
func (w *Wallet) HandleMessage(ctx context.Context, senderID string,
	msg *Message, isInbound bool) error {

	if msg == nil {
		return nil
	}
	log.Tracef("Message from %s: %v", senderID, newLogClosure(func() string {
		return spew.Sdump(msg)
	}))
	if msg.WalletID != "" && msg.WalletID != w.id {
		log.Warnf("Ignoring %s message from %s for wallet %s", msg.Type,
			senderID, msg.WalletID)
		return nil
	}

	switch msg.Type {
	case MsgIndexes:
		return w.handleIndexes(ctx, senderID, msg.Indexes, isInbound)
	case MsgPublicKeyRing:
		return w.handlePublicKeyRing(ctx, senderID, msg.PublicKeyRing,
			isInbound)
	case MsgTxProposal:
		return w.handleTxProposal(ctx, senderID, msg.TxProposal,
			isInbound)
	case MsgAddressBook:
		return w.handleAddressBook(ctx, senderID, msg.AddressBook,
			isInbound)
	case MsgDisconnect:
		w.HandleDisconnect(senderID)
		return nil
	case MsgWalletID:
		// Only joining copayers act on the wallet id.
		return nil
	default:
		log.Warnf("Unknown message type %q from %s", msg.Type, senderID)
		return nil
	}
}

func (w *Wallet) handleIndexes(ctx context.Context, senderID string,
	indexes []keyring.HDParams, isInbound bool) error {

	w.mu.Lock()
	changed, err := w.ring.MergeIndexes(indexes)
	if err != nil {
		w.mu.Unlock()
		log.Warnf("Discarding indexes from %s: %v", senderID, err)
		return nil
	}
	if !changed {
		w.mu.Unlock()
		return nil
	}
	fx := effects{persist: isInbound}
	fx.event(&Event{Type: EventPublicKeyRingUpdated, PeerID: senderID})
	return w.apply(ctx, &fx)
}

func (w *Wallet) handlePublicKeyRing(ctx context.Context, senderID string,
	obj *keyring.RingObj, isInbound bool) error {

	if obj == nil {
		return nil
	}
	in, err := keyring.FromObj(obj)
	if err != nil {
		log.Warnf("Discarding ring from %s: %v", senderID, err)
		return nil
	}

	w.mu.Lock()
	wasIncomplete := !w.ring.IsComplete()
	wasReady := w.isReady()
	changed, err := w.ring.Merge(in, false)
	if err != nil {
		w.mu.Unlock()
		log.Warnf("Discarding ring from %s: %v", senderID, err)
		return nil
	}
	if !changed {
		w.mu.Unlock()
		return nil
	}

	fx := effects{persist: isInbound}
	fx.event(&Event{Type: EventPublicKeyRingUpdated, PeerID: senderID})
	if wasIncomplete {
		fx.send(nil, w.ringMessage())
		if w.ring.IsComplete() {
			log.Infof("Wallet %s is complete: %d of %d copayers",
				w.id, w.ring.RegisteredCopayers(), w.totalCopayers)
		}
	}
	if !wasReady && w.isReady() {
		fx.event(&Event{Type: EventReady})
	}
	return w.apply(ctx, &fx)
}

// checkRedeemScripts verifies that the redeem scripts of txp are the ones
// the local ring derives for its input paths.
func (w *Wallet) checkRedeemScripts(txp *txproposal.TxProposal) error {
	if !w.ring.IsComplete() {
		return nil
	}
	expected, err := w.ring.RedeemScriptMap(txp.InputChainPaths)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(expected))
	for _, script := range expected {
		known[script] = struct{}{}
	}
	for addr, script := range txp.Builder.HashToScript {
		if _, ok := known[script]; !ok {
			return fmt.Errorf("redeem script of %s does not match "+
				"the input paths", addr)
		}
	}
	return nil
}

func (w *Wallet) handleTxProposal(ctx context.Context, senderID string,
	txp *txproposal.TxProposal, isInbound bool) error {

	if txp == nil {
		return nil
	}

	w.mu.Lock()
	var res *txproposal.MergeResult
	id, err := txp.NTxID()
	if err == nil {
		err = w.checkRedeemScripts(txp)
	}
	if err == nil {
		res, err = w.txps.Merge(senderID, txp)
	}
	if err != nil {
		log.Warnf("Discarding corrupt proposal %s from %s: %v", id,
			senderID, err)

		var fx effects
		fx.event(&Event{
			Type:          EventTxProposal,
			PeerID:        senderID,
			ProposalID:    id,
			ProposalEvent: txproposal.EventCorrupt,
			Err:           err,
		})
		return w.apply(ctx, &fx)
	}

	changed := res.Changed
	var fx effects
	if me := w.MyCopayerID(); me != "" {
		seen, err := w.txps.Seen(res.ID, me)
		if err == nil && seen {
			changed = true
			stored, _ := w.txps.Get(res.ID)
			fx.send(nil, w.proposalMessage(stored))
		}
	}
	if changed {
		fx.persist = isInbound
		fx.event(&Event{
			Type:       EventTxProposalsUpdated,
			PeerID:     senderID,
			ProposalID: res.ID,
		})
	}
	fx.event(&Event{
		Type:          EventTxProposal,
		PeerID:        senderID,
		ProposalID:    res.ID,
		ProposalEvent: res.Type,
	})
	return w.apply(ctx, &fx)
}

func (w *Wallet) handleAddressBook(ctx context.Context, senderID string,
	book map[string]*AddressBookEntry, isInbound bool) error {

	w.mu.Lock()
	if !w.mergeAddressBook(senderID, book) {
		w.mu.Unlock()
		return nil
	}
	fx := effects{persist: isInbound}
	fx.event(&Event{Type: EventAddressBookUpdated, PeerID: senderID})
	return w.apply(ctx, &fx)
}

// HandleConnect records a connected peer and sends it the wallet state.
// While the ring is incomplete the peer also receives the wallet id and
// options it needs to join.
func (w *Wallet) HandleConnect(ctx context.Context, peerID string) error {
	w.mu.Lock()
	w.peers.Add(peerID)
	log.Infof("Copayer %s connected", peerID)

	to := []string{peerID}
	var fx effects
	fx.event(&Event{Type: EventConnect, PeerID: peerID})
	if !w.ring.IsComplete() {
		fx.send(to, &Message{
			Type:          MsgWalletID,
			WalletID:      w.id,
			Opts:          w.opts(),
			PublicKeyRing: w.ring.ToObj(),
		})
	}
	fx.send(to, w.ringMessage())
	fx.send(to, w.indexesMessage())
	if len(w.addressBook) > 0 {
		fx.send(to, &Message{
			Type:        MsgAddressBook,
			WalletID:    w.id,
			AddressBook: w.copyAddressBook(),
		})
	}
	w.queueAllProposals(&fx, to)
	return w.apply(ctx, &fx)
}

// HandleDisconnect records that a peer went away.
func (w *Wallet) HandleDisconnect(peerID string) {
	w.mu.Lock()
	w.peers.Remove(peerID)
	w.mu.Unlock()

	log.Infof("Copayer %s disconnected", peerID)
	w.notify(&Event{Type: EventDisconnect, PeerID: peerID})
}

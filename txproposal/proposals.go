// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txproposal

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg"
	mapset "github.com/deckarep/golang-set"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/copaywallet/copayd/netparams"
)

// EventType is the outcome of merging an incoming proposal.
type EventType string

const (
	// EventNew is reported for a proposal that was not known before.
	EventNew EventType = "new"

	// EventSigned is reported when the merge added signatures.
	EventSigned EventType = "signed"

	// EventUnchanged is reported when the merge added no signatures.
	EventUnchanged EventType = "unchanged"

	// EventCorrupt is reported when the incoming proposal failed
	// validation and was discarded.
	EventCorrupt EventType = "corrupt"
)

// MergeResult describes the outcome of TxProposals.Merge.
type MergeResult struct {
	ID   string
	Type EventType

	// NewSignatures is the number of signatures the merge added.
	NewSignatures int

	// Changed reports whether the local copy was modified in any way,
	// including its seen, signed or rejected maps.
	Changed bool
}

// TxProposals is the collection of proposals of a wallet, keyed by ntxid.
// It is not safe for concurrent use.
type TxProposals struct {
	walletID string
	net      *chaincfg.Params
	clock    clock.Clock
	txps     map[string]*TxProposal
}

// NewTxProposals returns an empty collection for the given wallet.
func NewTxProposals(walletID string, net *chaincfg.Params,
	clk clock.Clock) *TxProposals {

	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &TxProposals{
		walletID: walletID,
		net:      net,
		clock:    clk,
		txps:     make(map[string]*TxProposal),
	}
}

// WalletID returns the id of the wallet the proposals belong to.
func (t *TxProposals) WalletID() string {
	return t.walletID
}

// Net returns the network of the proposals.
func (t *TxProposals) Net() *chaincfg.Params {
	return t.net
}

// now returns the current time in unix milliseconds.
func (t *TxProposals) now() int64 {
	return t.clock.Now().UnixMilli()
}

// Len returns the number of proposals.
func (t *TxProposals) Len() int {
	return len(t.txps)
}

// Add validates txp and stores it. A proposal with the same id as an
// existing one is merged into it. The returned string is the proposal id.
func (t *TxProposals) Add(txp *TxProposal) (string, error) {
	if err := checkComment(txp.Comment); err != nil {
		return "", err
	}
	if txp.Builder == nil {
		return "", newError(ErrInvalidProposal, "proposal has no builder", nil)
	}
	p := txp.clone()
	p.Builder.bind(t.net)
	if err := p.Builder.Validate(); err != nil {
		return "", err
	}
	id, err := p.NTxID()
	if err != nil {
		return "", err
	}
	if p.CreatedTs == 0 {
		p.CreatedTs = t.now()
	}
	if cur, ok := t.txps[id]; ok {
		t.mergeInto(cur, p)
		return id, nil
	}
	t.txps[id] = p
	log.Debugf("Added proposal %s by %s", id, p.Creator)
	return id, nil
}

// Get returns the proposal with the given id.
func (t *TxProposals) Get(id string) (*TxProposal, error) {
	p, ok := t.txps[id]
	if !ok {
		str := fmt.Sprintf("unknown proposal %s", id)
		return nil, newError(ErrUnknownProposal, str, nil)
	}
	return p, nil
}

// List returns the ids of all proposals ordered by creation time.
func (t *TxProposals) List() []string {
	ids := make([]string, 0, len(t.txps))
	for id := range t.txps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := t.txps[ids[i]], t.txps[ids[j]]
		if a.CreatedTs != b.CreatedTs {
			return a.CreatedTs < b.CreatedTs
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Delete removes a proposal.
func (t *TxProposals) Delete(id string) error {
	if _, ok := t.txps[id]; !ok {
		str := fmt.Sprintf("unknown proposal %s", id)
		return newError(ErrUnknownProposal, str, nil)
	}
	delete(t.txps, id)
	return nil
}

// Seen marks the proposal as seen by copayerID and reports whether that
// changed it.
func (t *TxProposals) Seen(id, copayerID string) (bool, error) {
	p, err := t.Get(id)
	if err != nil {
		return false, err
	}
	if _, ok := p.SeenBy[copayerID]; ok {
		return false, nil
	}
	p.SeenBy[copayerID] = t.now()
	return true, nil
}

// Sign signs every input of proposal id the keys from secrets can sign and
// records copayerID as a signer.
func (t *TxProposals) Sign(id, copayerID string, secrets SecretSource) (bool, error) {
	p, err := t.Get(id)
	if err != nil {
		return false, err
	}
	if p.IsSent() {
		str := fmt.Sprintf("proposal %s was already sent", id)
		return false, newError(ErrAlreadySent, str, nil)
	}
	if p.IsFullySigned() {
		str := fmt.Sprintf("proposal %s is fully signed", id)
		return false, newError(ErrFullySigned, str, nil)
	}
	keys, err := secrets.PrivKeysForPaths(p.InputChainPaths)
	if err != nil {
		return false, newError(ErrSigning, "cannot derive signing keys", err)
	}
	added, err := p.Builder.Sign(keys)
	if err != nil {
		return false, err
	}
	if added == 0 {
		str := fmt.Sprintf("no key can sign proposal %s", id)
		return false, newError(ErrNoKeyMaterial, str, nil)
	}
	now := t.now()
	if _, ok := p.SignedBy[copayerID]; !ok {
		p.SignedBy[copayerID] = now
	}
	if _, ok := p.SeenBy[copayerID]; !ok {
		p.SeenBy[copayerID] = now
	}
	log.Debugf("Copayer %s added %d signatures to proposal %s", copayerID,
		added, id)
	return true, nil
}

// Reject records copayerID as rejecting the proposal.
func (t *TxProposals) Reject(id, copayerID string) error {
	p, err := t.Get(id)
	if err != nil {
		return err
	}
	if p.IsSent() {
		str := fmt.Sprintf("proposal %s was already sent", id)
		return newError(ErrAlreadySent, str, nil)
	}
	now := t.now()
	if _, ok := p.RejectedBy[copayerID]; !ok {
		p.RejectedBy[copayerID] = now
	}
	if _, ok := p.SeenBy[copayerID]; !ok {
		p.SeenBy[copayerID] = now
	}
	return nil
}

// SetSent records the broadcast of proposal id as transaction txid.
func (t *TxProposals) SetSent(id, txid string) error {
	p, err := t.Get(id)
	if err != nil {
		return err
	}
	p.SentTxID = txid
	p.SentTs = t.now()
	return nil
}

// OutPointKey returns the key UsedOutPoints uses for an output.
func OutPointKey(txid string, vout uint32) string {
	return fmt.Sprintf("%s:%d", txid, vout)
}

// UsedOutPoints returns the set of outputs spent by pending proposals, as
// OutPointKey strings.  Proposals rejected by more than maxRejectCount
// copayers no longer hold their outputs.
func (t *TxProposals) UsedOutPoints(maxRejectCount int) mapset.Set {
	used := mapset.NewThreadUnsafeSet()
	for _, p := range t.txps {
		if !p.IsPending(maxRejectCount) {
			continue
		}
		for _, u := range p.Builder.Utxos {
			used.Add(OutPointKey(u.TxID, u.Vout))
		}
	}
	return used
}

// Merge applies a proposal received from peerID. An incoming proposal that
// fails validation yields an EventCorrupt result together with the reason
// and leaves the collection untouched.
func (t *TxProposals) Merge(peerID string, incoming *TxProposal) (*MergeResult, error) {
	if incoming == nil || incoming.Builder == nil {
		err := newError(ErrInvalidProposal, "proposal has no builder", nil)
		return &MergeResult{Type: EventCorrupt}, err
	}
	p := incoming.clone()
	p.Builder.bind(t.net)
	id, err := p.NTxID()
	if err != nil {
		return &MergeResult{Type: EventCorrupt}, err
	}
	res := &MergeResult{ID: id, Type: EventCorrupt}
	if err := checkComment(p.Comment); err != nil {
		return res, err
	}
	if err := p.Builder.Validate(); err != nil {
		log.Warnf("Discarding proposal %s from %s: %v", id, peerID, err)
		return res, err
	}

	cur, ok := t.txps[id]
	if !ok {
		if _, seen := p.SeenBy[peerID]; !seen && peerID != "" {
			p.SeenBy[peerID] = t.now()
		}
		t.txps[id] = p
		res.Type = EventNew
		res.Changed = true
		res.NewSignatures = countSigs(p.Builder)
		return res, nil
	}

	res.NewSignatures, res.Changed = t.mergeInto(cur, p)
	if _, seen := cur.SeenBy[peerID]; !seen && peerID != "" {
		cur.SeenBy[peerID] = t.now()
		res.Changed = true
	}
	if res.NewSignatures > 0 {
		res.Type = EventSigned
	} else {
		res.Type = EventUnchanged
	}
	return res, nil
}

// mergeInto folds a validated proposal with the same id into cur.
func (t *TxProposals) mergeInto(cur, in *TxProposal) (int, bool) {
	changed := mergeTimes(cur.SeenBy, in.SeenBy)
	changed = mergeTimes(cur.SignedBy, in.SignedBy) || changed
	changed = mergeTimes(cur.RejectedBy, in.RejectedBy) || changed
	if cur.SentTxID == "" && in.SentTxID != "" {
		cur.SentTxID = in.SentTxID
		cur.SentTs = in.SentTs
		changed = true
	}
	added := cur.Builder.MergeSigs(in.Builder)
	return added, changed || added > 0
}

func countSigs(b *Builder) int {
	n := 0
	for _, sigs := range b.Sigs {
		n += len(sigs)
	}
	return n
}

// Obj is the serializable form of a TxProposals collection.
type Obj struct {
	WalletID    string        `json:"walletId"`
	NetworkName string        `json:"networkName"`
	Txps        []*TxProposal `json:"txps"`
}

// ToObj returns the serializable form of the collection, ordered like List.
func (t *TxProposals) ToObj() *Obj {
	obj := &Obj{
		WalletID:    t.walletID,
		NetworkName: netparams.WalletName(t.net),
		Txps:        make([]*TxProposal, 0, len(t.txps)),
	}
	for _, id := range t.List() {
		obj.Txps = append(obj.Txps, t.txps[id].clone())
	}
	return obj
}

// ProposalsFromObj rebuilds a collection from its serializable form. Every
// proposal is validated again.
func ProposalsFromObj(obj *Obj, clk clock.Clock) (*TxProposals, error) {
	params, err := netparams.ByName(obj.NetworkName)
	if err != nil {
		return nil, newError(ErrInvalidProposal, "unknown network", err)
	}
	t := NewTxProposals(obj.WalletID, params.Params, clk)
	for _, p := range obj.Txps {
		if p == nil || p.Builder == nil {
			return nil, newError(ErrInvalidProposal, "proposal has no builder", nil)
		}
		if _, err := t.Add(p); err != nil {
			return nil, err
		}
	}
	return t, nil
}

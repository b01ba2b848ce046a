// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/copaywallet/copayd/netparams"
)

// signedMessageMagic prefixes every signed payload, as in Bitcoin signed
// messages.
const signedMessageMagic = "Bitcoin Signed Message:\n"

// AddressBookEntry is a labelled destination address.  Entries are signed
// by the copayer that created them so peers can verify where they came
// from.
type AddressBookEntry struct {
	Label     string `json:"label"`
	CopayerID string `json:"copayerId"`
	CreatedTs int64  `json:"createdTs"`
	Hidden    bool   `json:"hidden"`
	Signature string `json:"signature"`
}

// payload returns the signed content of the entry for address.
func (e *AddressBookEntry) payload(address string) map[string]interface{} {
	return map[string]interface{}{
		"address":   address,
		"label":     e.Label,
		"copayerId": e.CopayerID,
		"createdTs": e.CreatedTs,
	}
}

// canonicalJSON encodes payload with object keys sorted so that equal
// payloads always serialize to the same bytes.
func canonicalJSON(payload interface{}) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// messageHash returns the double SHA256 of the magic-prefixed message.
func messageHash(msg []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteVarString(&buf, 0, signedMessageMagic); err != nil {
		return nil, err
	}
	if err := wire.WriteVarString(&buf, 0, string(msg)); err != nil {
		return nil, err
	}
	return chainhash.DoubleHashB(buf.Bytes()), nil
}

// SignJSON signs the canonical JSON encoding of payload with the identity
// key of the local copayer and returns the hex DER signature.
func (w *Wallet) SignJSON(payload interface{}) (string, error) {
	if w.privateKey == nil {
		return "", newError(ErrNoPrivateKey, "wallet has no private key", nil)
	}
	priv, err := w.privateKey.IdentityKey()
	if err != nil {
		return "", err
	}
	return signJSON(priv, payload)
}

func signJSON(priv *btcec.PrivateKey, payload interface{}) (string, error) {
	msg, err := canonicalJSON(payload)
	if err != nil {
		return "", newError(ErrValidation, "unable to encode payload", err)
	}
	hash, err := messageHash(msg)
	if err != nil {
		return "", newError(ErrValidation, "unable to hash payload", err)
	}
	sig := ecdsa.Sign(priv, hash)
	return hex.EncodeToString(sig.Serialize()), nil
}

// VerifySignedJSON reports whether sigHex is a signature of payload by the
// hex encoded public key.  Malformed keys or signatures do not verify.
func VerifySignedJSON(pubKeyHex string, payload interface{}, sigHex string) bool {
	pkBytes, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false
	}
	pubKey, err := btcec.ParsePubKey(pkBytes)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false
	}
	msg, err := canonicalJSON(payload)
	if err != nil {
		return false
	}
	hash, err := messageHash(msg)
	if err != nil {
		return false
	}
	return sig.Verify(hash, pubKey)
}

// VerifyAddressBookEntry reports whether entry for address carries a valid
// signature by pubKeyHex.
func VerifyAddressBookEntry(entry *AddressBookEntry, pubKeyHex, address string) bool {
	if entry == nil {
		return false
	}
	return VerifySignedJSON(pubKeyHex, entry.payload(address), entry.Signature)
}

// AddressBook returns a copy of the address book.
func (w *Wallet) AddressBook() map[string]*AddressBookEntry {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.copyAddressBook()
}

func (w *Wallet) copyAddressBook() map[string]*AddressBookEntry {
	book := make(map[string]*AddressBookEntry, len(w.addressBook))
	for addr, entry := range w.addressBook {
		e := *entry
		book[addr] = &e
	}
	return book
}

// decodeAddress parses addr and checks that it belongs to the wallet
// network.
func (w *Wallet) decodeAddress(addr string) (btcutil.Address, error) {
	a, err := btcutil.DecodeAddress(addr, w.net)
	if err != nil {
		for _, p := range netparams.All() {
			if sameNet(p.Params, w.net) {
				continue
			}
			if _, e := btcutil.DecodeAddress(addr, p.Params); e == nil {
				str := fmt.Sprintf("address %s is for %s, not %s",
					addr, p.WalletName, w.NetworkName())
				return nil, newError(ErrWrongNetwork, str, nil)
			}
		}
		str := fmt.Sprintf("invalid address %q", addr)
		return nil, newError(ErrValidation, str, err)
	}
	if !a.IsForNet(w.net) {
		str := fmt.Sprintf("address %s is not for %s", addr,
			w.NetworkName())
		return nil, newError(ErrWrongNetwork, str, nil)
	}
	return a, nil
}

// SetAddressBook adds a signed entry for addr and shares it with the other
// copayers.
func (w *Wallet) SetAddressBook(ctx context.Context, addr, label string) error {
	if _, err := w.decodeAddress(addr); err != nil {
		return err
	}
	if w.privateKey == nil {
		return newError(ErrNoPrivateKey, "wallet has no private key", nil)
	}

	w.mu.Lock()
	if _, ok := w.addressBook[addr]; ok {
		w.mu.Unlock()
		str := fmt.Sprintf("address %s is already in the address book", addr)
		return newError(ErrDuplicateEntry, str, nil)
	}
	entry := &AddressBookEntry{
		Label:     label,
		CopayerID: w.privateKey.ID(),
		CreatedTs: w.clock.Now().UnixMilli(),
	}
	sig, err := w.SignJSON(entry.payload(addr))
	if err != nil {
		w.mu.Unlock()
		return err
	}
	entry.Signature = sig
	w.addressBook[addr] = entry

	e := *entry
	fx := effects{persist: true}
	fx.event(&Event{Type: EventAddressBookUpdated})
	fx.send(nil, &Message{
		Type:        MsgAddressBook,
		WalletID:    w.id,
		AddressBook: map[string]*AddressBookEntry{addr: &e},
	})
	return w.apply(ctx, &fx)
}

// ToggleAddressBookEntry flips the hidden flag of the entry for addr.  The
// flag is local and not shared with peers.
func (w *Wallet) ToggleAddressBookEntry(ctx context.Context, addr string) error {
	w.mu.Lock()
	entry, ok := w.addressBook[addr]
	if !ok {
		w.mu.Unlock()
		str := fmt.Sprintf("address %s is not in the address book", addr)
		return newError(ErrUnknownEntry, str, nil)
	}
	entry.Hidden = !entry.Hidden

	fx := effects{persist: true}
	fx.event(&Event{Type: EventAddressBookUpdated})
	return w.apply(ctx, &fx)
}

// mergeAddressBook adds the incoming entries for addresses not yet known.
// Entries must be signed by a registered copayer.  It must be called with
// the wallet lock held and reports whether the book changed.
func (w *Wallet) mergeAddressBook(senderID string, book map[string]*AddressBookEntry) bool {
	addrs := make([]string, 0, len(book))
	for addr := range book {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	changed := false
	for _, addr := range addrs {
		if _, ok := w.addressBook[addr]; ok {
			continue
		}
		entry := book[addr]
		if entry == nil {
			continue
		}
		if _, err := w.ring.CopayerIndex(entry.CopayerID); err != nil {
			log.Warnf("Skipping address book entry %s from %s: "+
				"unknown copayer %s", addr, senderID, entry.CopayerID)
			continue
		}
		if !VerifyAddressBookEntry(entry, entry.CopayerID, addr) {
			log.Warnf("Skipping address book entry %s from %s: "+
				"bad signature", addr, senderID)
			continue
		}
		e := *entry
		e.Hidden = false
		w.addressBook[addr] = &e
		changed = true
	}
	return changed
}

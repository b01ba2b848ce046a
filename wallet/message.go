// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/copaywallet/copayd/keyring"
	"github.com/copaywallet/copayd/txproposal"
)

// MessageType is the kind of a peer message.
type MessageType string

// Peer message types.
const (
	MsgWalletID      MessageType = "walletId"
	MsgIndexes       MessageType = "indexes"
	MsgPublicKeyRing MessageType = "publicKeyRing"
	MsgTxProposal    MessageType = "txProposal"
	MsgAddressBook   MessageType = "addressbook"
	MsgDisconnect    MessageType = "disconnect"
)

// Opts is the wallet configuration shared with joining copayers and stored
// with the wallet.
type Opts struct {
	ID               string `json:"id"`
	SpendUnconfirmed bool   `json:"spendUnconfirmed"`
	RequiredCopayers int    `json:"requiredCopayers"`
	TotalCopayers    int    `json:"totalCopayers"`
	NetworkName      string `json:"networkName"`
	Version          string `json:"version"`
	NetKey           string `json:"netKey"`
}

// Message is the JSON envelope exchanged between copayers.
type Message struct {
	Type          MessageType                  `json:"type"`
	WalletID      string                       `json:"walletId"`
	Opts          *Opts                        `json:"opts,omitempty"`
	Indexes       []keyring.HDParams           `json:"indexes,omitempty"`
	PublicKeyRing *keyring.RingObj             `json:"publicKeyRing,omitempty"`
	TxProposal    *txproposal.TxProposal       `json:"txProposal,omitempty"`
	AddressBook   map[string]*AddressBookEntry `json:"addressBook,omitempty"`
	IsBroadcast   bool                         `json:"isBroadcast,omitempty"`
}

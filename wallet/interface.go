// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"

	"github.com/btcsuite/btcd/wire"

	"github.com/copaywallet/copayd/txproposal"
)

// UnspentOutput is an unspent output reported by a Blockchain.
type UnspentOutput = txproposal.UnspentOutput

// NetworkOpts configures a Network connection.
type NetworkOpts struct {
	// CopayerID identifies the local copayer on the relay.
	CopayerID string

	// IdentityKey is the hex encoded private key behind CopayerID, used
	// to authenticate the connection.
	IdentityKey string

	// NetKey is the session key shared through the join secret.  Peers
	// holding the same key share a channel.
	NetKey [8]byte

	// Peers lists the copayer ids to connect to.
	Peers []string
}

// InboundKind tells what an Inbound carries.
type InboundKind uint8

const (
	// InboundConnect signals that a peer connected.
	InboundConnect InboundKind = iota

	// InboundDisconnect signals that a peer went away.
	InboundDisconnect

	// InboundData carries a message from a peer.
	InboundData
)

// Inbound is an event delivered by a Network.
type Inbound struct {
	Kind    InboundKind
	PeerID  string
	Message *Message
}

// Network is the peer message channel between copayers.
type Network interface {
	// Start connects to the relay.  It returns once the connection is
	// established.
	Start(ctx context.Context, opts NetworkOpts) error

	// Send delivers msg to the given peers, or to every connected peer
	// when peerIDs is empty.
	Send(ctx context.Context, peerIDs []string, msg *Message) error

	// Messages returns the channel of inbound events.  It is closed by
	// Stop.
	Messages() <-chan *Inbound

	// Stop disconnects from the relay.
	Stop() error
}

// Blockchain is the source of chain data.
type Blockchain interface {
	// GetUnspent returns the unspent outputs paying to addrs.
	GetUnspent(ctx context.Context, addrs []string) ([]UnspentOutput, error)

	// CheckActivity reports, for each address, whether it ever appeared
	// in a transaction.
	CheckActivity(ctx context.Context, addrs []string) ([]bool, error)

	// Broadcast publishes tx and returns its txid.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error)
}

// Storage persists wallets.
type Storage interface {
	// Get loads a wallet.  It returns ErrNotFound when no wallet is
	// stored under walletID.
	Get(ctx context.Context, walletID string) (*Obj, error)

	// Set stores a wallet, replacing any previous version.
	Set(ctx context.Context, walletID string, obj *Obj) error
}

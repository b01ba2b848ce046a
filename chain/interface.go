// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"

	"github.com/copaywallet/copayd/wallet"
)

// BackEnds returns a list of the available back ends.
func BackEnds() []string {
	return []string{
		"esplora",
	}
}

// Interface is a source of chain data for a wallet.  Besides the queries a
// wallet needs, a back end can report the chain tip and its own health.
type Interface interface {
	wallet.Blockchain

	// TipHeight returns the height of the best known block.
	TipHeight(ctx context.Context) (int64, error)

	// Ping checks that the back end is reachable.
	Ping(ctx context.Context) error

	// BackEnd returns the name of the back end.
	BackEnd() string
}

var _ Interface = (*Esplora)(nil)

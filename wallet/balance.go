// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/copaywallet/copayd/keyring"
	"github.com/copaywallet/copayd/txproposal"
)

// Balance is the balance of the wallet in satoshis.
type Balance struct {
	// Balance is the total of every unspent output.
	Balance btcutil.Amount

	// BalanceByAddr is the total per address.
	BalanceByAddr map[string]btcutil.Amount

	// SafeBalance is the total of the outputs that may be spent now:
	// confirmed unless unconfirmed spending is allowed, and not held by a
	// pending proposal.
	SafeBalance btcutil.Amount
}

// ComputeBalance sums utxos.  Each BTC amount is rounded to satoshis
// before summing so the total never drifts.  Outputs whose key is in used
// are excluded from the safe balance.
func ComputeBalance(utxos []UnspentOutput, spendUnconfirmed bool,
	used map[string]struct{}) (*Balance, error) {

	b := &Balance{BalanceByAddr: make(map[string]btcutil.Amount)}
	for i := range utxos {
		u := &utxos[i]
		amt, err := u.AmountSat()
		if err != nil {
			return nil, newError(ErrBlockchain, "invalid output amount", err)
		}
		b.Balance += amt
		b.BalanceByAddr[u.Address] += amt

		if !spendUnconfirmed && u.Confirmations < 1 {
			continue
		}
		if _, ok := used[txproposal.OutPointKey(u.TxID, u.Vout)]; ok {
			continue
		}
		b.SafeBalance += amt
	}
	return b, nil
}

// Addresses returns every generated address of the wallet.
func (w *Wallet) Addresses() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	addrs, err := w.ring.Addresses(keyring.AddressesOpts{})
	if err != nil {
		return nil, translateRingErr(err)
	}
	return addrs, nil
}

// AddressesInfo returns the generated addresses selected by the options.
// The local copayer's branch and the shared branch are marked as owned.
func (w *Wallet) AddressesInfo(excludeChange, excludeReceive bool) ([]keyring.AddressInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	infos, err := w.ring.AddressesInfo(keyring.AddressesOpts{
		ExcludeChange:  excludeChange,
		ExcludeMain:    excludeReceive,
		MyCopayerIndex: w.myCopayerIndex(),
	})
	if err != nil {
		return nil, translateRingErr(err)
	}
	return infos, nil
}

// AddressIsOwn reports whether addr is a generated address of the wallet
// on the local copayer's branch or on the shared branch.
func (w *Wallet) AddressIsOwn(addr string, excludeChange, excludeReceive bool) (bool, error) {
	infos, err := w.AddressesInfo(excludeChange, excludeReceive)
	if err != nil {
		return false, err
	}
	for _, info := range infos {
		if info.AddressStr == addr {
			return info.Owned, nil
		}
	}
	return false, nil
}

// fetchUnspent returns the unspent outputs of every wallet address.
func (w *Wallet) fetchUnspent(ctx context.Context) ([]UnspentOutput, error) {
	if w.blockchain == nil {
		return nil, newError(ErrBlockchain, "wallet has no blockchain", nil)
	}
	addrs, err := w.Addresses()
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, nil
	}
	utxos, err := w.blockchain.GetUnspent(ctx, addrs)
	if err != nil {
		return nil, newError(ErrBlockchain, "unable to fetch unspent "+
			"outputs", err)
	}
	return utxos, nil
}

// Balance fetches the unspent outputs of the wallet and sums them.
func (w *Wallet) Balance(ctx context.Context) (*Balance, error) {
	utxos, err := w.fetchUnspent(ctx)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	usedSet := w.txps.UsedOutPoints(w.maxRejectCount())
	w.mu.Unlock()

	used := make(map[string]struct{}, usedSet.Cardinality())
	for _, k := range usedSet.ToSlice() {
		used[k.(string)] = struct{}{}
	}
	return ComputeBalance(utxos, w.spendUnconfirmed, used)
}

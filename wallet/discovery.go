// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/copaywallet/copayd/keyring"
)

// DeriveAddresses returns count consecutive addresses of a branch starting
// at index start.  No branch counter changes.
func (w *Wallet) DeriveAddresses(start uint32, count int, isChange bool,
	copayerIndex uint32) ([]string, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	return w.deriveAddresses(start, count, isChange, copayerIndex)
}

func (w *Wallet) deriveAddresses(start uint32, count int, isChange bool,
	copayerIndex uint32) ([]string, error) {

	if count < 0 {
		return nil, newError(ErrIllegalArgument, "negative address count", nil)
	}
	addrs := make([]string, 0, count)
	for i := 0; i < count; i++ {
		addr, err := w.ring.Address(start+uint32(i), isChange,
			fn.Some(copayerIndex))
		if err != nil {
			return nil, translateRingErr(err)
		}
		addrs = append(addrs, addr.EncodeAddress())
	}
	return addrs, nil
}

// IndexDiscovery scans windows of window addresses of a branch, starting
// at index start, until a window shows no activity.  Windows are checked
// one after another.  It returns the highest index with activity, or -1
// when the first window has none.
func (w *Wallet) IndexDiscovery(ctx context.Context, copayerIndex uint32,
	isChange bool, start uint32, window int) (int64, error) {

	if window <= 0 {
		return -1, newError(ErrIllegalArgument, "scan window must be positive", nil)
	}
	if w.blockchain == nil {
		return -1, newError(ErrBlockchain, "wallet has no blockchain", nil)
	}

	lastActive := int64(-1)
	scanIndex := start
	for {
		addrs, err := w.DeriveAddresses(scanIndex, window, isChange,
			copayerIndex)
		if err != nil {
			return -1, err
		}
		activity, err := w.blockchain.CheckActivity(ctx, addrs)
		if err != nil {
			return -1, newError(ErrBlockchain, "unable to check "+
				"address activity", err)
		}
		if len(activity) != len(addrs) {
			str := fmt.Sprintf("activity for %d of %d addresses",
				len(activity), len(addrs))
			return -1, newError(ErrBlockchain, str, nil)
		}

		found := -1
		for i := len(activity) - 1; i >= 0; i-- {
			if activity[i] {
				found = i
				break
			}
		}
		if found == -1 {
			return lastActive, nil
		}
		lastActive = int64(scanIndex) + int64(found)
		log.Debugf("Found activity up to %s", keyring.FullPath(
			copayerIndex, isChange, uint32(lastActive)))

		scanIndex += uint32(window)
	}
}

// UpdateIndex discovers the used addresses of the branch of params and
// raises its change and receive counters past the last active address.
func (w *Wallet) UpdateIndex(ctx context.Context, params keyring.HDParams) error {
	for _, isChange := range []bool{true, false} {
		lastActive, err := w.indexDiscovery(ctx, params.CopayerIndex,
			isChange, params.Index(isChange), w.scanWindow)
		if err != nil {
			return err
		}
		if lastActive < 0 {
			continue
		}

		w.mu.Lock()
		p, err := w.ring.HDParams(params.CopayerIndex)
		if err == nil {
			p.Raise(isChange, uint32(lastActive+1))
		}
		w.mu.Unlock()
		if err != nil {
			return translateRingErr(err)
		}
	}
	return nil
}

// UpdateIndexes runs UpdateIndex once for every branch of the ring, then
// stores the wallet and shares the new indexes when they moved.
func (w *Wallet) UpdateIndexes(ctx context.Context) error {
	w.mu.Lock()
	before := keyring.SerializeHDParams(w.ring.Indexes())
	w.mu.Unlock()

	seen := make(map[uint32]struct{}, len(before))
	for _, params := range before {
		if _, ok := seen[params.CopayerIndex]; ok {
			continue
		}
		seen[params.CopayerIndex] = struct{}{}

		if err := w.updateIndex(ctx, params); err != nil {
			return err
		}
	}

	w.mu.Lock()
	after := keyring.SerializeHDParams(w.ring.Indexes())
	fx := effects{persist: true}
	if !sameIndexes(before, after) {
		log.Infof("Updated address indexes of wallet %s", w.id)
		fx.event(&Event{Type: EventPublicKeyRingUpdated})
		fx.send(nil, w.indexesMessage())
	}
	return w.apply(ctx, &fx)
}

func sameIndexes(a, b []keyring.HDParams) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

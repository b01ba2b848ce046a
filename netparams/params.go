// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// ErrUnknownNetwork is returned when a network name, chain or secret version
// does not match any supported network.
var ErrUnknownNetwork = errors.New("unknown network")

// Params is used to group parameters for various networks such as the main
// network and test networks.
type Params struct {
	*chaincfg.Params

	// WalletName is the network name exchanged between copayers and
	// persisted with the wallet.
	WalletName string

	// SecretVersion is the version byte of join secrets created for
	// wallets on this network.
	SecretVersion byte

	// EsploraURL is the default block explorer API endpoint.
	EsploraURL string
}

// MainNetParams contains parameters specific to the main network
// (wire.MainNet).
var MainNetParams = Params{
	Params:        &chaincfg.MainNetParams,
	WalletName:    "livenet",
	SecretVersion: 0x00,
	EsploraURL:    "https://blockstream.info/api",
}

// TestNet3Params contains parameters specific to the test network (version
// 3) (wire.TestNet3).
var TestNet3Params = Params{
	Params:        &chaincfg.TestNet3Params,
	WalletName:    "testnet",
	SecretVersion: 0x01,
	EsploraURL:    "https://blockstream.info/testnet/api",
}

// RegressionNetParams contains parameters specific to the regression test
// network (wire.TestNet).
var RegressionNetParams = Params{
	Params:        &chaincfg.RegressionNetParams,
	WalletName:    "regtest",
	SecretVersion: 0x02,
	EsploraURL:    "http://127.0.0.1:3002",
}

// SigNetParams contains parameters specific to the default signet network.
var SigNetParams = Params{
	Params:        &chaincfg.SigNetParams,
	WalletName:    "signet",
	SecretVersion: 0x03,
	EsploraURL:    "https://mempool.space/signet/api",
}

var allParams = []*Params{
	&MainNetParams,
	&TestNet3Params,
	&RegressionNetParams,
	&SigNetParams,
}

// All returns the supported networks.
func All() []*Params {
	return append([]*Params(nil), allParams...)
}

// ByName returns the parameters for the named network. Both wallet names
// ("livenet", "testnet") and chaincfg names ("mainnet", "testnet3") are
// accepted.
func ByName(name string) (*Params, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, p := range allParams {
		if p.WalletName == name || p.Name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
}

// ForChain returns the parameters wrapping the passed chain parameters.
func ForChain(chainParams *chaincfg.Params) (*Params, error) {
	if chainParams == nil {
		return nil, fmt.Errorf("%w: nil chain parameters", ErrUnknownNetwork)
	}
	for _, p := range allParams {
		if p.Net == chainParams.Net && p.Name == chainParams.Name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, chainParams.Name)
}

// BySecretVersion returns the network whose join secrets carry the passed
// version byte.
func BySecretVersion(version byte) (*Params, error) {
	for _, p := range allParams {
		if p.SecretVersion == version {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: secret version %d", ErrUnknownNetwork,
		version)
}

// WalletName returns the wallet network name for the passed chain
// parameters, falling back to the chaincfg name for unknown chains.
func WalletName(chainParams *chaincfg.Params) string {
	p, err := ForChain(chainParams)
	if err != nil {
		return chainParams.Name
	}
	return p.WalletName
}

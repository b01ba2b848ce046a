// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/copaywallet/copayd/keyring"
	"github.com/copaywallet/copayd/netparams"
)

// PrivateKey is the master extended private key of the local copayer.  The
// copayer's identity and every signing key derive from its BIP45 branch.
type PrivateKey struct {
	net    *chaincfg.Params
	master *hdkeychain.ExtendedKey
	branch *hdkeychain.ExtendedKey
	id     string
}

// PrivateKeyObj is the serializable form of a PrivateKey.
type PrivateKeyObj struct {
	ExtendedPrivateKeyString string `json:"extendedPrivateKeyString"`
	NetworkName              string `json:"networkName"`
}

// NewPrivateKey generates a random master key for net.
func NewPrivateKey(net *chaincfg.Params) (*PrivateKey, error) {
	seed, err := hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
	if err != nil {
		return nil, newError(ErrValidation, "unable to generate seed", err)
	}
	return NewPrivateKeyFromSeed(seed, net)
}

// NewPrivateKeyFromSeed creates the master key of seed for net.
func NewPrivateKeyFromSeed(seed []byte, net *chaincfg.Params) (*PrivateKey, error) {
	master, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, newError(ErrValidation, "unable to create master key", err)
	}
	return newPrivateKey(master, net)
}

// PrivateKeyFromString parses a serialized extended private key.
func PrivateKeyFromString(xprv string, net *chaincfg.Params) (*PrivateKey, error) {
	master, err := hdkeychain.NewKeyFromString(xprv)
	if err != nil {
		return nil, newError(ErrValidation, "invalid extended private key", err)
	}
	if !master.IsPrivate() {
		return nil, newError(ErrValidation, "extended key is not private", nil)
	}
	if !master.IsForNet(net) {
		str := fmt.Sprintf("extended private key is not for %s", net.Name)
		return nil, newError(ErrWrongNetwork, str, nil)
	}
	return newPrivateKey(master, net)
}

func newPrivateKey(master *hdkeychain.ExtendedKey, net *chaincfg.Params) (*PrivateKey, error) {
	branch, err := keyring.BIP45Branch(master)
	if err != nil {
		return nil, err
	}
	id, err := keyring.CopayerIDForKey(branch)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{net: net, master: master, branch: branch, id: id}, nil
}

// PrivateKeyFromObj rebuilds a PrivateKey from its serializable form.
func PrivateKeyFromObj(obj *PrivateKeyObj) (*PrivateKey, error) {
	params, err := netparams.ByName(obj.NetworkName)
	if err != nil {
		return nil, newError(ErrValidation, "unknown network", err)
	}
	return PrivateKeyFromString(obj.ExtendedPrivateKeyString, params.Params)
}

// ToObj returns the serializable form of the key.
func (k *PrivateKey) ToObj() *PrivateKeyObj {
	return &PrivateKeyObj{
		ExtendedPrivateKeyString: k.master.String(),
		NetworkName:              netparams.WalletName(k.net),
	}
}

// Net returns the network of the key.
func (k *PrivateKey) Net() *chaincfg.Params {
	return k.net
}

// ID returns the copayer id: the hex compressed public key of the BIP45
// branch.
func (k *PrivateKey) ID() string {
	return k.id
}

// IdentityKey returns the private key behind ID.  It signs address book
// entries and authenticates the copayer on the relay.
func (k *PrivateKey) IdentityKey() (*btcec.PrivateKey, error) {
	priv, err := k.branch.ECPrivKey()
	if err != nil {
		return nil, newError(ErrNoPrivateKey, "unable to obtain identity key", err)
	}
	return priv, nil
}

// IDPriv returns the hex encoded identity private key.
func (k *PrivateKey) IDPriv() (string, error) {
	priv, err := k.IdentityKey()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(priv.Serialize()), nil
}

// ExtendedPublicKeyString returns the extended public key of the BIP45
// branch, as registered in the public key ring.
func (k *PrivateKey) ExtendedPublicKeyString() (string, error) {
	pub, err := k.branch.Neuter()
	if err != nil {
		return "", newError(ErrValidation, "unable to neuter branch key", err)
	}
	return pub.String(), nil
}

// PrivKeysForPaths derives the signing keys at the given BIP45 paths.
// Duplicate paths yield a single key.
func (k *PrivateKey) PrivKeysForPaths(paths []string) ([]*btcec.PrivateKey, error) {
	seen := make(map[string]struct{}, len(paths))
	keys := make([]*btcec.PrivateKey, 0, len(paths))
	for _, s := range paths {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}

		p, err := keyring.ParsePath(s)
		if err != nil {
			return nil, err
		}
		child, err := keyring.DeriveChild(k.branch, p)
		if err != nil {
			return nil, err
		}
		priv, err := child.ECPrivKey()
		if err != nil {
			str := fmt.Sprintf("unable to obtain private key at %s", s)
			return nil, newError(ErrNoPrivateKey, str, err)
		}
		keys = append(keys, priv)
	}
	return keys, nil
}

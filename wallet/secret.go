// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/copaywallet/copayd/netparams"
)

// secretPayloadLen is the length of a decoded join secret payload: a
// compressed public key followed by the net key.
const secretPayloadLen = btcec.PubKeyBytesLenCompressed + 8

// Secret is the decoded content of a join secret.
type Secret struct {
	// PubKey is the hex compressed identity key of the inviting copayer,
	// which is also its copayer id.
	PubKey string

	// NetKey is the relay session key of the wallet.
	NetKey [8]byte

	// Net is the network of the wallet.
	Net *netparams.Params
}

// NetworkName returns the wallet network name of the secret.
func (s *Secret) NetworkName() string {
	return s.Net.WalletName
}

// EncodeSecret encodes a join secret for the copayer with the hex
// compressed pubKey.
func EncodeSecret(pubKey string, netKey [8]byte, net *netparams.Params) (string, error) {
	pk, err := hex.DecodeString(pubKey)
	if err != nil || len(pk) != btcec.PubKeyBytesLenCompressed {
		return "", newError(ErrBadSecret, "invalid public key", err)
	}
	payload := make([]byte, 0, secretPayloadLen)
	payload = append(payload, pk...)
	payload = append(payload, netKey[:]...)
	return base58.CheckEncode(payload, net.SecretVersion), nil
}

// DecodeSecret parses a join secret.  It fails on a bad encoding or
// checksum, a payload of the wrong length, an unknown network version or
// an invalid public key.
func DecodeSecret(s string) (*Secret, error) {
	payload, version, err := base58.CheckDecode(s)
	if err != nil {
		return nil, newError(ErrBadSecret, "malformed secret", err)
	}
	if len(payload) != secretPayloadLen {
		str := fmt.Sprintf("secret payload is %d bytes, want %d",
			len(payload), secretPayloadLen)
		return nil, newError(ErrBadSecret, str, nil)
	}
	net, err := netparams.BySecretVersion(version)
	if err != nil {
		return nil, newError(ErrBadSecret, "unknown secret network", err)
	}
	pk := payload[:btcec.PubKeyBytesLenCompressed]
	if _, err := btcec.ParsePubKey(pk); err != nil {
		return nil, newError(ErrBadSecret, "invalid public key", err)
	}

	secret := &Secret{
		PubKey: hex.EncodeToString(pk),
		Net:    net,
	}
	copy(secret.NetKey[:], payload[btcec.PubKeyBytesLenCompressed:])
	return secret, nil
}

// Secret returns the join secret that lets other copayers join the wallet.
func (w *Wallet) Secret() (string, error) {
	if w.privateKey == nil {
		return "", newError(ErrNoPrivateKey, "wallet has no private key", nil)
	}
	net, err := netparams.ForChain(w.net)
	if err != nil {
		return "", newError(ErrWrongNetwork, "unsupported network", err)
	}
	return EncodeSecret(w.privateKey.ID(), w.netKey, net)
}

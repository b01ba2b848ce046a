// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/copaywallet/copayd/keyring"
)

// JoinConfig holds what a copayer needs to join an existing wallet.
type JoinConfig struct {
	// Secret is the join secret handed out by the wallet creator.
	Secret string

	// Net, when set, must match the network of the secret.
	Net *chaincfg.Params

	Nickname string

	// PrivateKey is the key of the joining copayer.  A new key is
	// generated when nil.
	PrivateKey *PrivateKey

	Network    Network
	Blockchain Blockchain
	Storage    Storage

	Clock        clock.Clock
	FeeRatePerKb btcutil.Amount
	ScanWindow   int
}

// Join connects to the creator named by the join secret, waits for the
// wallet options and ring, registers the local copayer and returns the
// running wallet.  The wait is bounded by ctx.  A failure to store the
// joined wallet is returned together with the running wallet.
func Join(ctx context.Context, cfg *JoinConfig) (*Wallet, error) {
	if cfg.Network == nil {
		return nil, newError(ErrNetwork, "join requires a network", nil)
	}
	secret, err := DecodeSecret(cfg.Secret)
	if err != nil {
		return nil, err
	}
	net := secret.Net.Params
	if cfg.Net != nil && !sameNet(cfg.Net, net) {
		str := fmt.Sprintf("secret is for %s, not %s",
			secret.NetworkName(), cfg.Net.Name)
		return nil, newError(ErrWrongNetwork, str, nil)
	}

	privKey := cfg.PrivateKey
	if privKey == nil {
		privKey, err = NewPrivateKey(net)
		if err != nil {
			return nil, err
		}
	}
	if !sameNet(privKey.Net(), net) {
		str := fmt.Sprintf("private key is for %s, secret for %s",
			privKey.Net().Name, secret.NetworkName())
		return nil, newError(ErrWrongNetwork, str, nil)
	}
	if privKey.ID() == secret.PubKey {
		return nil, newError(ErrBadSecret, "secret was created by "+
			"this copayer", nil)
	}
	idPriv, err := privKey.IDPriv()
	if err != nil {
		return nil, err
	}

	err = cfg.Network.Start(ctx, NetworkOpts{
		CopayerID:   privKey.ID(),
		IdentityKey: idPriv,
		NetKey:      secret.NetKey,
		Peers:       []string{secret.PubKey},
	})
	if err != nil {
		return nil, newError(ErrNetwork, "unable to start network", err)
	}

	w, err := joinWallet(ctx, cfg, secret, privKey)
	if w == nil {
		if e := cfg.Network.Stop(); e != nil {
			log.Warnf("Unable to stop network: %v", e)
		}
		return nil, err
	}
	return w, err
}

// waitWalletID waits for the wallet id message of the creator.
func waitWalletID(ctx context.Context, network Network, creator string) (*Message, error) {
	msgs := network.Messages()
	for {
		select {
		case in, ok := <-msgs:
			if !ok {
				return nil, newError(ErrNetwork, "network closed "+
					"while joining", nil)
			}
			if in.Kind != InboundData || in.PeerID != creator ||
				in.Message == nil || in.Message.Type != MsgWalletID {

				continue
			}
			if in.Message.Opts == nil || in.Message.PublicKeyRing == nil {
				log.Warnf("Ignoring incomplete wallet id message "+
					"from %s", creator)
				continue
			}
			return in.Message, nil

		case <-ctx.Done():
			return nil, newError(ErrNetwork, "no wallet id received",
				ctx.Err())
		}
	}
}

func joinWallet(ctx context.Context, cfg *JoinConfig, secret *Secret,
	privKey *PrivateKey) (*Wallet, error) {

	msg, err := waitWalletID(ctx, cfg.Network, secret.PubKey)
	if err != nil {
		return nil, err
	}
	opts := msg.Opts
	if opts.NetworkName != secret.NetworkName() {
		str := fmt.Sprintf("wallet is on %s, secret for %s",
			opts.NetworkName, secret.NetworkName())
		return nil, newError(ErrWrongNetwork, str, nil)
	}

	in, err := keyring.FromObj(msg.PublicKeyRing)
	if err != nil {
		return nil, newError(ErrValidation, "invalid ring", err)
	}
	if _, err := in.CopayerIndex(privKey.ID()); err != nil && in.IsComplete() {
		return nil, newError(ErrWalletFull, "wallet has all its "+
			"copayers", nil)
	}

	ring, err := keyring.New(keyring.Config{
		WalletID:         opts.ID,
		Net:              secret.Net.Params,
		RequiredCopayers: opts.RequiredCopayers,
		TotalCopayers:    opts.TotalCopayers,
	})
	if err != nil {
		return nil, newError(ErrValidation, "invalid wallet options", err)
	}
	if _, err := ring.Merge(in, false); err != nil {
		return nil, translateRingErr(err)
	}
	if _, err := ring.CopayerIndex(privKey.ID()); err != nil {
		xpub, err := privKey.ExtendedPublicKeyString()
		if err != nil {
			return nil, err
		}
		if _, err := ring.AddCopayer(xpub, cfg.Nickname); err != nil {
			return nil, translateRingErr(err)
		}
	}

	w, err := New(&Config{
		ID:               opts.ID,
		Net:              secret.Net.Params,
		RequiredCopayers: opts.RequiredCopayers,
		TotalCopayers:    opts.TotalCopayers,
		SpendUnconfirmed: opts.SpendUnconfirmed,
		Version:          opts.Version,
		NetKey:           secret.NetKey,
		PrivateKey:       privKey,
		PublicKeyRing:    ring,
		Network:          cfg.Network,
		Blockchain:       cfg.Blockchain,
		Storage:          cfg.Storage,
		Clock:            cfg.Clock,
		FeeRatePerKb:     cfg.FeeRatePerKb,
		ScanWindow:       cfg.ScanWindow,
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Joined wallet %s as copayer %s", w.id, privKey.ID())

	w.startHandler()

	w.mu.Lock()
	w.peers.Add(secret.PubKey)
	fx := effects{persist: true}
	fx.event(&Event{Type: EventPublicKeyRingUpdated})
	fx.send(nil, w.ringMessage())
	return w, w.apply(ctx, &fx)
}

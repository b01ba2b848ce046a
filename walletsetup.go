// Copyright (c) 2014-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/copaywallet/copayd/chain"
	"github.com/copaywallet/copayd/internal/prompt"
	"github.com/copaywallet/copayd/internal/zero"
	"github.com/copaywallet/copayd/relay"
	"github.com/copaywallet/copayd/wallet"
	"github.com/copaywallet/copayd/walletstore"
)

// openStorage opens the wallet store, asking for the storage passphrase
// when encryption is enabled and none was configured.
func openStorage(ctx context.Context, cfg *config,
	reader *bufio.Reader) (*walletstore.Store, error) {

	storeCfg := cfg.storageConfig()
	if cfg.EncryptStorage {
		pass := []byte(cfg.StoragePass)
		if len(pass) == 0 {
			var err error
			pass, err = prompt.StoragePass(reader, cfg.Create ||
				cfg.Join != "")
			if err != nil {
				return nil, err
			}
		}
		defer zero.Bytes(pass)
		storeCfg.Passphrase = pass
	}

	return walletstore.Open(ctx, storeCfg)
}

// proxyDialer returns the SOCKS5 dialer of the configuration, or nil when no
// proxy is configured.
func proxyDialer(cfg *config) (relay.DialFunc, error) {
	if cfg.Proxy == "" {
		return nil, nil
	}
	return relay.ProxyDialer(cfg.Proxy, cfg.ProxyUser, cfg.ProxyPass)
}

// newBlockchain returns the block explorer client.  Requests go through the
// configured proxy.
func newBlockchain(cfg *config) (*chain.Esplora, error) {
	esploraCfg := chain.EsploraConfig{
		URL:               cfg.EsploraURL.Value,
		Net:               cfg.activeNet.Params,
		RequestTimeout:    cfg.RequestTimeout,
		MaxRetries:        cfg.MaxRetries,
		RequestsPerSecond: cfg.RequestsPerSecond,
		MaxConcurrent:     cfg.MaxConcurrent,
	}

	dial, err := proxyDialer(cfg)
	if err != nil {
		return nil, err
	}
	if dial != nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = nil
		transport.DialContext = dial
		esploraCfg.HTTPClient = &http.Client{Transport: transport}
	}

	return chain.NewEsplora(esploraCfg)
}

// newNetwork returns the relay client used to talk to the other copayers.
func newNetwork(cfg *config) (*relay.Client, error) {
	dial, err := proxyDialer(cfg)
	if err != nil {
		return nil, err
	}
	return relay.NewClient(relay.Config{
		URL:            cfg.RelayURL,
		Dial:           dial,
		ReconnectDelay: cfg.ReconnectDelay,
	}), nil
}

// copayerKey prompts for the seed of the local copayer key.  The returned
// bool reports whether the seed was confirmed as backed up.
func copayerKey(cfg *config, reader *bufio.Reader) (*wallet.PrivateKey,
	bool, error) {

	seed, backedUp, err := prompt.Seed(reader)
	if err != nil {
		return nil, false, err
	}
	defer zero.Bytes(seed)

	privKey, err := wallet.NewPrivateKeyFromSeed(seed, cfg.activeNet.Params)
	if err != nil {
		return nil, false, err
	}
	return privKey, backedUp, nil
}

// walletDeps holds the collaborators shared by every way of loading a
// wallet.
type walletDeps struct {
	store      *walletstore.Store
	blockchain wallet.Blockchain
	network    wallet.Network
}

// createWallet creates a new wallet with the local copayer as its first
// member and stores it.  The returned wallet is not yet connected.
func createWallet(ctx context.Context, cfg *config, deps *walletDeps,
	reader *bufio.Reader) (*wallet.Wallet, bool, error) {

	nickname, err := prompt.Nickname(reader, cfg.Nickname)
	if err != nil {
		return nil, false, err
	}
	privKey, backedUp, err := copayerKey(cfg, reader)
	if err != nil {
		return nil, false, err
	}

	w, err := wallet.New(&wallet.Config{
		Net:              cfg.activeNet.Params,
		RequiredCopayers: cfg.RequiredCopayers,
		TotalCopayers:    cfg.TotalCopayers,
		SpendUnconfirmed: cfg.SpendUnconfirmed,
		Nickname:         nickname,
		PrivateKey:       privKey,
		Network:          deps.network,
		Blockchain:       deps.blockchain,
		Storage:          deps.store,
		FeeRatePerKb:     cfg.FeeRate.Amount,
		ScanWindow:       cfg.ScanWindow,
	})
	if err != nil {
		return nil, false, err
	}
	if err := w.Store(ctx); err != nil {
		return nil, false, err
	}

	log.Infof("Created %d-of-%d wallet %s", w.RequiredCopayers(),
		w.TotalCopayers(), w.ID())
	return w, backedUp, nil
}

// joinWallet joins the wallet named by the configured secret.  The returned
// wallet is connected.
func joinWallet(ctx context.Context, cfg *config, deps *walletDeps,
	reader *bufio.Reader) (*wallet.Wallet, bool, error) {

	// Reject a bad secret before asking anything.
	secret, err := wallet.DecodeSecret(strings.TrimSpace(cfg.Join))
	if err != nil {
		return nil, false, err
	}
	if secret.Net.WalletName != cfg.activeNet.WalletName {
		return nil, false, fmt.Errorf("secret is for %s, running on %s",
			secret.NetworkName(), cfg.activeNet.WalletName)
	}

	nickname, err := prompt.Nickname(reader, cfg.Nickname)
	if err != nil {
		return nil, false, err
	}
	privKey, backedUp, err := copayerKey(cfg, reader)
	if err != nil {
		return nil, false, err
	}

	joinCtx, cancel := context.WithTimeout(ctx, cfg.JoinTimeout)
	defer cancel()

	log.Infof("Joining wallet of copayer %s", secret.PubKey)
	w, err := wallet.Join(joinCtx, &wallet.JoinConfig{
		Secret:       strings.TrimSpace(cfg.Join),
		Net:          cfg.activeNet.Params,
		Nickname:     nickname,
		PrivateKey:   privKey,
		Network:      deps.network,
		Blockchain:   deps.blockchain,
		Storage:      deps.store,
		FeeRatePerKb: cfg.FeeRate.Amount,
		ScanWindow:   cfg.ScanWindow,
	})
	switch {
	case w == nil:
		return nil, false, err
	case err != nil:
		// The wallet runs but could not be stored yet; the next
		// accepted change stores it again.
		log.Errorf("Joined wallet %s but could not store it: %v",
			w.ID(), err)
	}

	log.Infof("Joined %d-of-%d wallet %s", w.RequiredCopayers(),
		w.TotalCopayers(), w.ID())
	return w, backedUp, nil
}

// selectWalletID picks the stored wallet to open.
func selectWalletID(ctx context.Context, cfg *config,
	store *walletstore.Store) (string, error) {

	if cfg.WalletID != "" {
		return cfg.WalletID, nil
	}

	ids, err := store.List(ctx)
	if err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", errors.New("no wallet found -- run with --create " +
			"or --join")
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("%d wallets stored, choose one with "+
			"--wallet: %s", len(ids), strings.Join(ids, ", "))
	}
}

// openWallet restores a stored wallet.  The returned wallet is not yet
// connected.
func openWallet(ctx context.Context, cfg *config,
	deps *walletDeps) (*wallet.Wallet, error) {

	id, err := selectWalletID(ctx, cfg, deps.store)
	if err != nil {
		return nil, err
	}
	obj, err := deps.store.Get(ctx, id)
	if errors.Is(err, walletstore.ErrNotFound) {
		return nil, fmt.Errorf("wallet %s does not exist", id)
	}
	if err != nil {
		return nil, err
	}

	return wallet.FromObj(obj, wallet.Deps{
		Network:      deps.network,
		Blockchain:   deps.blockchain,
		Storage:      deps.store,
		ForcedNet:    cfg.activeNet.Params,
		FeeRatePerKb: cfg.FeeRate.Amount,
		ScanWindow:   cfg.ScanWindow,
	})
}

// loadWallet creates, joins or opens the wallet selected by the
// configuration and connects it to the other copayers.
func loadWallet(ctx context.Context, cfg *config, reader *bufio.Reader,
	deps *walletDeps) (*wallet.Wallet, error) {

	var (
		w        *wallet.Wallet
		backedUp bool
		err      error
	)
	switch {
	case cfg.Create:
		w, backedUp, err = createWallet(ctx, cfg, deps, reader)
	case cfg.Join != "":
		w, backedUp, err = joinWallet(ctx, cfg, deps, reader)
	default:
		w, err = openWallet(ctx, cfg, deps)
	}
	if err != nil {
		return nil, err
	}

	// Join already connected the wallet.
	if cfg.Join == "" {
		if err := w.NetStart(ctx); err != nil {
			_ = w.Stop()
			return nil, err
		}
	}

	if backedUp {
		if err := w.SetBackupReady(ctx); err != nil {
			log.Warnf("Unable to record backup: %v", err)
		}
	}
	return w, nil
}

// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"

	"github.com/copaywallet/copayd/internal/cfgutil"
	"github.com/copaywallet/copayd/relay"
	"github.com/copaywallet/copayd/wallet"
)

// relayPath is the HTTP path of the websocket relay.
const relayPath = "/relay"

// shutdownTimeout bounds the graceful stop of the relay server.
const shutdownTimeout = 10 * time.Second

var cfg *config

func main() {
	// Work around defer not working after os.Exit.
	if err := copaydMain(); err != nil {
		os.Exit(1)
	}
}

// copaydMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func copaydMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version %s (%s)", version(), cfg.activeNet.Params.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := interruptListener()
	go func() {
		<-interrupt
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.RelayListen != "" {
		g.Go(func() error {
			return serveRelay(gctx, cfg.RelayListen)
		})
	}

	if !cfg.NoInitialLoad {
		g.Go(func() error {
			return runWallet(gctx)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("%v", err)
		return err
	}
	log.Info("Shutdown complete")
	return nil
}

// serveRelay serves a copayer relay on listenAddr until ctx is done.
func serveRelay(ctx context.Context, listenAddr string) error {
	relaySrv := relay.NewServer(nil)

	mux := http.NewServeMux()
	mux.Handle(relayPath, relaySrv)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	log.Infof("Relay listening on %s", listener.Addr())

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(listener)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	// Hijacked websocket connections are not tracked by the HTTP server,
	// so the relay drops them first.
	relaySrv.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("Relay server shutdown")
	return ctx.Err()
}

// runWallet loads the configured wallet and keeps it running until ctx is
// done.
func runWallet(ctx context.Context) error {
	reader := bufio.NewReader(os.Stdin)
	store, err := openStorage(ctx, cfg, reader)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf("Unable to close wallet storage: %v", err)
		}
	}()

	blockchain, err := newBlockchain(cfg)
	if err != nil {
		return err
	}
	log.Infof("Using block explorer %s", blockchain.BackEnd())
	if err := blockchain.Ping(ctx); err != nil {
		log.Warnf("Block explorer unreachable: %v", err)
	}

	network, err := newNetwork(cfg)
	if err != nil {
		return err
	}

	w, err := loadWallet(ctx, cfg, reader, &walletDeps{
		store:      store,
		blockchain: blockchain,
		network:    network,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := w.Stop(); err != nil {
			log.Errorf("Unable to stop wallet: %v", err)
		}
	}()

	if cfg.Create {
		secret, err := w.Secret()
		if err != nil {
			return err
		}
		log.Infof("Share this secret with the other copayers: %s",
			secret)
	}

	sub := w.Subscribe()
	defer sub.Cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logEvents(gctx, w, sub)
		return nil
	})
	g.Go(func() error {
		return refreshLoop(gctx, w)
	})
	return g.Wait()
}

// logEvents logs the notifications of w until ctx is done or the
// subscription ends.
func logEvents(ctx context.Context, w *wallet.Wallet, sub *wallet.Subscription) {
	for {
		var e interface{}
		var ok bool
		select {
		case e, ok = <-sub.Events():
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}

		event, ok := e.(*wallet.Event)
		if !ok {
			continue
		}
		log.Debugf("Wallet event: %v", newLogClosure(func() string {
			return spew.Sdump(event)
		}))

		switch event.Type {
		case wallet.EventConnect:
			n := w.ConnectedPeers()
			log.Infof("Copayer %s connected (%d %s)", event.PeerID,
				n, pickNoun(n, "peer", "peers"))

		case wallet.EventDisconnect:
			log.Infof("Copayer %s disconnected", event.PeerID)

		case wallet.EventReady:
			log.Infof("Wallet %s is ready", w.ID())

		case wallet.EventPublicKeyRingUpdated:
			ring := w.PublicKeyRing()
			log.Infof("Public key ring updated: %d of %d copayers",
				len(ring.CopayersExtPubKeys), w.TotalCopayers())

		case wallet.EventTxProposal:
			log.Infof("Proposal %s: %s by %s", event.ProposalID,
				event.ProposalEvent, event.PeerID)

		case wallet.EventTxProposalsUpdated:
			log.Debugf("Transaction proposals updated")

		case wallet.EventAddressBookUpdated:
			log.Infof("Address book updated by %s", event.PeerID)

		case wallet.EventStoreError:
			log.Errorf("Unable to store wallet: %v", event.Err)
		}
	}
}

// refreshLoop periodically discovers used addresses and logs the balance of
// w until ctx is done.
func refreshLoop(ctx context.Context, w *wallet.Wallet) error {
	t := ticker.New(cfg.RefreshInterval)
	t.Resume()
	defer t.Stop()

	for {
		refresh(ctx, w)

		select {
		case <-t.Ticks():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func refresh(ctx context.Context, w *wallet.Wallet) {
	if !w.IsComplete() {
		log.Debugf("Wallet %s not complete, skipping refresh", w.ID())
		return
	}

	if err := w.UpdateIndexes(ctx); err != nil {
		log.Warnf("Address discovery failed: %v", err)
		return
	}

	bal, err := w.Balance(ctx)
	if err != nil {
		log.Warnf("Unable to fetch balance: %v", err)
		return
	}
	log.Infof("Balance %s (%s safe) over %d %s",
		cfgutil.FormatAmount(bal.Balance),
		cfgutil.FormatAmount(bal.SafeBalance), len(bal.BalanceByAddr),
		pickNoun(len(bal.BalanceByAddr), "address", "addresses"))
}

// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	flags "github.com/jessevdk/go-flags"

	"github.com/copaywallet/copayd/internal/prompt"
	"github.com/copaywallet/copayd/internal/zero"
	"github.com/copaywallet/copayd/keyring"
	"github.com/copaywallet/copayd/netparams"
	"github.com/copaywallet/copayd/wallet"
	"github.com/copaywallet/copayd/walletstore"
)

const defaultNet = "mainnet"

var datadir = btcutil.AppDataDir("copayd", false)

// Flags.
var opts = struct {
	AppDataDir string `short:"A" long:"appdata" description:"Application data directory of copayd"`
	Network    string `long:"net" description:"Network of the wallets {mainnet, testnet, regtest, signet}"`
	Backend    string `long:"dbbackend" description:"Wallet storage backend {bdb, sqlite, postgres}"`
	DSN        string `long:"dbdsn" default-mask:"-" description:"SQL connection string"`
	Encrypted  bool   `long:"encrypted" description:"Stored wallets are encrypted; prompt for the passphrase"`
	WalletID   string `long:"wallet" description:"Show the details of this wallet instead of listing all"`
}{
	AppDataDir: datadir,
	Network:    defaultNet,
	Backend:    walletstore.BackendBolt,
}

func init() {
	_, err := flags.Parse(&opts)
	if err != nil {
		os.Exit(1)
	}
}

func main() {
	os.Exit(mainInt())
}

func mainInt() int {
	net, err := netparams.ByName(opts.Network)
	if err != nil {
		fmt.Println(err)
		return 1
	}

	storeCfg := &walletstore.Config{
		Backend: opts.Backend,
		DataDir: filepath.Join(opts.AppDataDir, net.Params.Name),
		DSN:     opts.DSN,
	}
	if opts.Encrypted {
		pass, err := prompt.StoragePass(bufio.NewReader(os.Stdin), false)
		if err != nil {
			fmt.Println(err)
			return 1
		}
		defer zero.Bytes(pass)
		storeCfg.Passphrase = pass
	}

	ctx := context.Background()
	store, err := walletstore.Open(ctx, storeCfg)
	if err != nil {
		fmt.Println("Failed to open wallet storage:", err)
		return 1
	}
	defer store.Close()

	if opts.WalletID != "" {
		obj, err := store.Get(ctx, opts.WalletID)
		if err != nil {
			fmt.Printf("Failed to load wallet %s: %v\n", opts.WalletID, err)
			return 1
		}
		printDetails(os.Stdout, obj)
		return 0
	}

	ids, err := store.List(ctx)
	if err != nil {
		fmt.Println("Failed to list wallets:", err)
		return 1
	}
	if len(ids) == 0 {
		fmt.Println("No stored wallets")
		return 0
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNETWORK\tM-OF-N\tCOPAYERS\tPROPOSALS")
	for _, id := range ids {
		obj, err := store.Get(ctx, id)
		if err != nil {
			fmt.Fprintf(tw, "%s\t<%v>\t\t\t\n", id, err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%d-of-%d\t%d\t%d\n", id,
			obj.Opts.NetworkName, obj.Opts.RequiredCopayers,
			obj.Opts.TotalCopayers, copayerCount(obj),
			proposalCount(obj))
	}
	tw.Flush()
	return 0
}

func copayerCount(obj *wallet.Obj) int {
	if obj.PublicKeyRing == nil {
		return 0
	}
	return len(obj.PublicKeyRing.CopayersExtPubKeys)
}

func proposalCount(obj *wallet.Obj) int {
	if obj.TxProposals == nil {
		return 0
	}
	return len(obj.TxProposals.Txps)
}

func copayerID(xpub string) (string, error) {
	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return "", err
	}
	return keyring.CopayerIDForKey(key)
}

// printDetails writes a human readable summary of a stored wallet.
func printDetails(w io.Writer, obj *wallet.Obj) {
	fmt.Fprintf(w, "Wallet:    %s\n", obj.Opts.ID)
	fmt.Fprintf(w, "Network:   %s\n", obj.Opts.NetworkName)
	fmt.Fprintf(w, "Version:   %s\n", obj.Opts.Version)
	fmt.Fprintf(w, "Policy:    %d-of-%d\n", obj.Opts.RequiredCopayers,
		obj.Opts.TotalCopayers)
	fmt.Fprintf(w, "Local key: %v\n", obj.PrivateKey != nil)

	if ring := obj.PublicKeyRing; ring != nil {
		backups := make(map[string]bool, len(ring.CopayersBackup))
		for _, id := range ring.CopayersBackup {
			backups[id] = true
		}

		fmt.Fprintf(w, "\nCopayers (%d of %d):\n",
			len(ring.CopayersExtPubKeys), obj.Opts.TotalCopayers)
		for i, xpub := range ring.CopayersExtPubKeys {
			id, err := copayerID(xpub)
			if err != nil {
				fmt.Fprintf(w, "  %d  <%v>\n", i, err)
				continue
			}
			fmt.Fprintf(w, "  %d  %-20s backup=%-5v %s\n", i,
				ring.NicknameFor[id], backups[id], id)
		}

		fmt.Fprintln(w, "\nIndexes:")
		for _, p := range ring.Indexes {
			name := fmt.Sprintf("copayer %d", p.CopayerIndex)
			if p.IsShared() {
				name = "shared"
			}
			fmt.Fprintf(w, "  %-10s receive=%d change=%d\n", name,
				p.ReceiveIndex, p.ChangeIndex)
		}
	}

	if obj.TxProposals != nil && len(obj.TxProposals.Txps) > 0 {
		fmt.Fprintln(w, "\nProposals:")
		for _, txp := range obj.TxProposals.Txps {
			id, err := txp.NTxID()
			if err != nil {
				id = fmt.Sprintf("<%v>", err)
			}
			state := "pending"
			switch {
			case txp.SentTxID != "":
				state = "sent " + txp.SentTxID
			case txp.IsFullySigned():
				state = "signed"
			}
			created := time.UnixMilli(txp.CreatedTs).UTC().Format(time.RFC3339)
			fmt.Fprintf(w, "  %s  %s  signed=%d rejected=%d  %s\n", id,
				created, len(txp.SignedBy), len(txp.RejectedBy), state)
		}
	}

	if len(obj.AddressBook) > 0 {
		addrs := make([]string, 0, len(obj.AddressBook))
		for addr := range obj.AddressBook {
			addrs = append(addrs, addr)
		}
		sort.Strings(addrs)

		fmt.Fprintln(w, "\nAddress book:")
		for _, addr := range addrs {
			e := obj.AddressBook[addr]
			if e.Hidden {
				continue
			}
			fmt.Fprintf(w, "  %s  %s\n", addr, e.Label)
		}
	}
}

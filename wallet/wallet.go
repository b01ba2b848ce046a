// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	mapset "github.com/deckarep/golang-set"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/copaywallet/copayd/keyring"
	"github.com/copaywallet/copayd/netparams"
	"github.com/copaywallet/copayd/txproposal"
)

const (
	// DefaultFeeRatePerKb is the fee rate used when none is configured.
	DefaultFeeRatePerKb btcutil.Amount = 10000

	// DefaultScanWindow is the number of addresses checked per index
	// discovery round.
	DefaultScanWindow = 20

	// Version is the wallet format version written to new wallets.
	Version = "0.1.0"
)

// Config holds everything needed to create or restore a Wallet.
type Config struct {
	// ID is the wallet id.  A random id is generated when empty.
	ID string

	// Net defaults to testnet.
	Net *chaincfg.Params

	RequiredCopayers int
	TotalCopayers    int
	SpendUnconfirmed bool
	Version          string

	// NetKey is the relay session key.  A random key is generated when
	// zero.
	NetKey [8]byte

	// Nickname is registered for the local copayer on a new ring.
	Nickname string

	// PrivateKey is the local copayer key.  Without it the wallet is
	// watch-only.
	PrivateKey *PrivateKey

	// PublicKeyRing, TxProposals and AddressBook restore existing state.
	// A new ring registers the local copayer.
	PublicKeyRing *keyring.PublicKeyRing
	TxProposals   *txproposal.TxProposals
	AddressBook   map[string]*AddressBookEntry

	Network    Network
	Blockchain Blockchain
	Storage    Storage

	Clock        clock.Clock
	FeeRatePerKb btcutil.Amount
	ScanWindow   int
}

// Wallet is the state of one copayer in an M-of-N multisig wallet.  All
// exported methods are safe for concurrent use; state changes are applied
// one at a time.
type Wallet struct {
	mu sync.Mutex

	id               string
	net              *chaincfg.Params
	requiredCopayers int
	totalCopayers    int
	spendUnconfirmed bool
	version          string
	netKey           [8]byte

	privateKey  *PrivateKey
	ring        *keyring.PublicKeyRing
	txps        *txproposal.TxProposals
	addressBook map[string]*AddressBookEntry
	peers       mapset.Set

	network    Network
	blockchain Blockchain
	storage    Storage

	// snapshotSeq numbers the snapshots taken under mu.  storeMu orders
	// the writes to storage and guards storedSeq, the newest snapshot
	// handed to storage so far.
	snapshotSeq uint64
	storeMu     sync.Mutex
	storedSeq   uint64

	clock        clock.Clock
	feeRatePerKb btcutil.Amount
	scanWindow   int

	// indexDiscovery and updateIndex are the discovery steps used by
	// UpdateIndex and UpdateIndexes.
	indexDiscovery func(ctx context.Context, copayerIndex uint32,
		isChange bool, start uint32, window int) (int64, error)
	updateIndex func(ctx context.Context, params keyring.HDParams) error

	subMu       sync.Mutex
	subscribers map[uint64]*Subscription
	nextSubID   uint64

	started  bool
	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

func sameNet(a, b *chaincfg.Params) bool {
	return a.Net == b.Net && a.Name == b.Name
}

// New creates a wallet from cfg.
func New(cfg *Config) (*Wallet, error) {
	net := cfg.Net
	if net == nil {
		net = netparams.TestNet3Params.Params
	}
	if _, err := netparams.ForChain(net); err != nil {
		return nil, newError(ErrWrongNetwork, "unsupported network", err)
	}

	id := cfg.ID
	if id == "" && cfg.PublicKeyRing != nil {
		id = cfg.PublicKeyRing.WalletID()
	}
	if id == "" {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, newError(ErrValidation, "unable to create id", err)
		}
		id = hex.EncodeToString(buf[:])
	}

	if cfg.PrivateKey != nil && !sameNet(cfg.PrivateKey.Net(), net) {
		str := fmt.Sprintf("private key is for %s, wallet for %s",
			cfg.PrivateKey.Net().Name, net.Name)
		return nil, newError(ErrWrongNetwork, str, nil)
	}

	ring := cfg.PublicKeyRing
	if ring == nil {
		var err error
		ring, err = keyring.New(keyring.Config{
			WalletID:         id,
			Net:              net,
			RequiredCopayers: cfg.RequiredCopayers,
			TotalCopayers:    cfg.TotalCopayers,
		})
		if err != nil {
			return nil, newError(ErrValidation, "invalid ring", err)
		}
		if cfg.PrivateKey != nil {
			xpub, err := cfg.PrivateKey.ExtendedPublicKeyString()
			if err != nil {
				return nil, err
			}
			if _, err := ring.AddCopayer(xpub, cfg.Nickname); err != nil {
				return nil, newError(ErrStateConflict,
					"unable to register local copayer", err)
			}
		}
	}
	if !sameNet(ring.Net(), net) {
		str := fmt.Sprintf("ring is for %s, wallet for %s",
			ring.NetworkName(), net.Name)
		return nil, newError(ErrWrongNetwork, str, nil)
	}
	switch ring.WalletID() {
	case "":
		ring.SetWalletID(id)
	case id:
	default:
		str := fmt.Sprintf("ring belongs to wallet %s, not %s",
			ring.WalletID(), id)
		return nil, newError(ErrStateConflict, str, nil)
	}
	if cfg.RequiredCopayers != 0 && cfg.RequiredCopayers != ring.RequiredCopayers() ||
		cfg.TotalCopayers != 0 && cfg.TotalCopayers != ring.TotalCopayers() {

		str := fmt.Sprintf("ring is %d-of-%d, wallet configured as "+
			"%d-of-%d", ring.RequiredCopayers(), ring.TotalCopayers(),
			cfg.RequiredCopayers, cfg.TotalCopayers)
		return nil, newError(ErrStateConflict, str, nil)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	txps := cfg.TxProposals
	if txps == nil {
		txps = txproposal.NewTxProposals(id, net, clk)
	}
	if !sameNet(txps.Net(), net) {
		str := fmt.Sprintf("proposals are for %s, wallet for %s",
			txps.Net().Name, net.Name)
		return nil, newError(ErrWrongNetwork, str, nil)
	}

	netKey := cfg.NetKey
	if netKey == ([8]byte{}) {
		if _, err := rand.Read(netKey[:]); err != nil {
			return nil, newError(ErrValidation, "unable to create net key", err)
		}
	}

	book := make(map[string]*AddressBookEntry, len(cfg.AddressBook))
	for addr, entry := range cfg.AddressBook {
		e := *entry
		book[addr] = &e
	}

	version := cfg.Version
	if version == "" {
		version = Version
	}

	w := &Wallet{
		id:               id,
		net:              net,
		requiredCopayers: ring.RequiredCopayers(),
		totalCopayers:    ring.TotalCopayers(),
		spendUnconfirmed: cfg.SpendUnconfirmed,
		version:          version,
		netKey:           netKey,
		privateKey:       cfg.PrivateKey,
		ring:             ring,
		txps:             txps,
		addressBook:      book,
		peers:            mapset.NewThreadUnsafeSet(),
		network:          cfg.Network,
		blockchain:       cfg.Blockchain,
		storage:          cfg.Storage,
		clock:            clk,
		feeRatePerKb:     cfg.FeeRatePerKb,
		scanWindow:       cfg.ScanWindow,
		subscribers:      make(map[uint64]*Subscription),
		quit:             make(chan struct{}),
	}
	if w.feeRatePerKb == 0 {
		w.feeRatePerKb = DefaultFeeRatePerKb
	}
	if w.scanWindow == 0 {
		w.scanWindow = DefaultScanWindow
	}
	w.indexDiscovery = w.IndexDiscovery
	w.updateIndex = w.UpdateIndex

	log.Infof("Opened %d-of-%d wallet %s on %s", w.requiredCopayers,
		w.totalCopayers, id, netparams.WalletName(net))
	return w, nil
}

// Obj is the serializable form of a wallet.
type Obj struct {
	Opts          Opts                         `json:"opts"`
	PublicKeyRing *keyring.RingObj             `json:"publicKeyRing"`
	TxProposals   *txproposal.Obj              `json:"txProposals"`
	PrivateKey    *PrivateKeyObj               `json:"privateKey,omitempty"`
	AddressBook   map[string]*AddressBookEntry `json:"addressBook"`
}

// Deps holds the collaborators and runtime settings of a restored wallet.
type Deps struct {
	Network    Network
	Blockchain Blockchain
	Storage    Storage
	Clock      clock.Clock

	// ForcedNet, when set, must match the network of the stored wallet.
	ForcedNet *chaincfg.Params

	FeeRatePerKb btcutil.Amount
	ScanWindow   int
}

// FromObj restores a wallet from its serializable form.
func FromObj(obj *Obj, deps Deps) (*Wallet, error) {
	params, err := netparams.ByName(obj.Opts.NetworkName)
	if err != nil {
		return nil, newError(ErrWrongNetwork, "unknown network", err)
	}
	if deps.ForcedNet != nil && !sameNet(deps.ForcedNet, params.Params) {
		str := fmt.Sprintf("wallet is for %s, %s requested",
			obj.Opts.NetworkName, netparams.WalletName(deps.ForcedNet))
		return nil, newError(ErrWrongNetwork, str, nil)
	}
	if obj.PublicKeyRing == nil {
		return nil, newError(ErrValidation, "wallet has no ring", nil)
	}
	ring, err := keyring.FromObj(obj.PublicKeyRing)
	if err != nil {
		return nil, newError(ErrValidation, "invalid ring", err)
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	var txps *txproposal.TxProposals
	if obj.TxProposals != nil {
		txps, err = txproposal.ProposalsFromObj(obj.TxProposals, clk)
		if err != nil {
			return nil, newError(ErrValidation, "invalid proposals", err)
		}
	}
	var privKey *PrivateKey
	if obj.PrivateKey != nil {
		privKey, err = PrivateKeyFromObj(obj.PrivateKey)
		if err != nil {
			return nil, err
		}
	}
	var netKey [8]byte
	if obj.Opts.NetKey != "" {
		b, err := hex.DecodeString(obj.Opts.NetKey)
		if err != nil || len(b) != len(netKey) {
			return nil, newError(ErrValidation, "invalid net key", err)
		}
		copy(netKey[:], b)
	}

	return New(&Config{
		ID:               obj.Opts.ID,
		Net:              params.Params,
		RequiredCopayers: obj.Opts.RequiredCopayers,
		TotalCopayers:    obj.Opts.TotalCopayers,
		SpendUnconfirmed: obj.Opts.SpendUnconfirmed,
		Version:          obj.Opts.Version,
		NetKey:           netKey,
		PrivateKey:       privKey,
		PublicKeyRing:    ring,
		TxProposals:      txps,
		AddressBook:      obj.AddressBook,
		Network:          deps.Network,
		Blockchain:       deps.Blockchain,
		Storage:          deps.Storage,
		Clock:            clk,
		FeeRatePerKb:     deps.FeeRatePerKb,
		ScanWindow:       deps.ScanWindow,
	})
}

// ToObj returns the serializable form of the wallet.
func (w *Wallet) ToObj() *Obj {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.toObj()
}

func (w *Wallet) opts() *Opts {
	return &Opts{
		ID:               w.id,
		SpendUnconfirmed: w.spendUnconfirmed,
		RequiredCopayers: w.requiredCopayers,
		TotalCopayers:    w.totalCopayers,
		NetworkName:      netparams.WalletName(w.net),
		Version:          w.version,
		NetKey:           hex.EncodeToString(w.netKey[:]),
	}
}

func (w *Wallet) toObj() *Obj {
	obj := &Obj{
		Opts:          *w.opts(),
		PublicKeyRing: w.ring.ToObj(),
		TxProposals:   w.txps.ToObj(),
		AddressBook:   w.copyAddressBook(),
	}
	if w.privateKey != nil {
		obj.PrivateKey = w.privateKey.ToObj()
	}
	return obj
}

// ID returns the wallet id.
func (w *Wallet) ID() string {
	return w.id
}

// Net returns the network parameters of the wallet.
func (w *Wallet) Net() *chaincfg.Params {
	return w.net
}

// NetworkName returns the wallet network name.
func (w *Wallet) NetworkName() string {
	return netparams.WalletName(w.net)
}

// RequiredCopayers returns M.
func (w *Wallet) RequiredCopayers() int {
	return w.requiredCopayers
}

// TotalCopayers returns N.
func (w *Wallet) TotalCopayers() int {
	return w.totalCopayers
}

// NetKey returns the relay session key.
func (w *Wallet) NetKey() [8]byte {
	return w.netKey
}

// MyCopayerID returns the id of the local copayer, or "" for a watch-only
// wallet.
func (w *Wallet) MyCopayerID() string {
	if w.privateKey == nil {
		return ""
	}
	return w.privateKey.ID()
}

// MyCopayerIDPriv returns the hex identity private key of the local copayer.
func (w *Wallet) MyCopayerIDPriv() (string, error) {
	if w.privateKey == nil {
		return "", newError(ErrNoPrivateKey, "wallet has no private key", nil)
	}
	return w.privateKey.IDPriv()
}

// myCopayerIndex returns the ring index of the local copayer, if registered.
func (w *Wallet) myCopayerIndex() fn.Option[uint32] {
	if w.privateKey == nil {
		return fn.None[uint32]()
	}
	i, err := w.ring.CopayerIndex(w.privateKey.ID())
	if err != nil {
		return fn.None[uint32]()
	}
	return fn.Some(i)
}

// RegisteredCopayerIDs returns the ids of the copayers in the ring, in
// copayer index order.
func (w *Wallet) RegisteredCopayerIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.ring.CopayerIDs()
}

// RegisteredPeerIDs returns the ids of the other copayers in the ring.
func (w *Wallet) RegisteredPeerIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.peerIDs()
}

func (w *Wallet) peerIDs() []string {
	me := w.MyCopayerID()
	var ids []string
	for _, id := range w.ring.CopayerIDs() {
		if id != me {
			ids = append(ids, id)
		}
	}
	return ids
}

// ConnectedPeers returns the number of currently connected peers.
func (w *Wallet) ConnectedPeers() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.peers.Cardinality()
}

// PublicKeyRing returns a copy of the ring in serializable form.
func (w *Wallet) PublicKeyRing() *keyring.RingObj {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.ring.ToObj()
}

// IsComplete returns whether every copayer joined.
func (w *Wallet) IsComplete() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.ring.IsComplete()
}

// IsReady returns whether every copayer joined and backed up the wallet.
func (w *Wallet) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.isReady()
}

func (w *Wallet) isReady() bool {
	return w.ring.IsComplete() && w.ring.IsFullyBackup()
}

// SetBackupReady records that the local copayer backed up the wallet and
// tells the other copayers.
func (w *Wallet) SetBackupReady(ctx context.Context) error {
	if w.privateKey == nil {
		return newError(ErrNoPrivateKey, "wallet has no private key", nil)
	}

	w.mu.Lock()
	wasReady := w.isReady()
	var fx effects
	if w.ring.SetBackupReady(w.privateKey.ID()) {
		fx.event(&Event{Type: EventPublicKeyRingUpdated})
		if !wasReady && w.isReady() {
			fx.event(&Event{Type: EventReady})
		}
		fx.send(nil, w.ringMessage())
		fx.persist = true
	}
	return w.apply(ctx, &fx)
}

// GenerateAddress returns a fresh address on the shared branch and
// persists the new index.
func (w *Wallet) GenerateAddress(ctx context.Context, isChange bool) (*btcutil.AddressScriptHash, error) {
	w.mu.Lock()
	addr, err := w.ring.GenerateAddress(isChange, fn.None[uint32]())
	if err != nil {
		w.mu.Unlock()
		return nil, translateRingErr(err)
	}
	fx := effects{persist: true}
	fx.event(&Event{Type: EventPublicKeyRingUpdated})
	fx.send(nil, w.indexesMessage())
	return addr, w.apply(ctx, &fx)
}

// Store persists the wallet.
func (w *Wallet) Store(ctx context.Context) error {
	w.mu.Lock()
	return w.apply(ctx, &effects{persist: true})
}

// translateRingErr maps keyring errors to wallet error codes.
func translateRingErr(err error) error {
	switch {
	case keyring.IsError(err, keyring.ErrIncompleteRing):
		return newError(ErrIncompleteRing, "ring is incomplete", err)
	case keyring.IsError(err, keyring.ErrWrongNetwork):
		return newError(ErrWrongNetwork, "wrong network", err)
	case keyring.IsError(err, keyring.ErrUnknownCosigner),
		keyring.IsError(err, keyring.ErrInvalidPath):
		return newError(ErrValidation, "invalid copayer or path", err)
	case keyring.IsError(err, keyring.ErrRingFull):
		return newError(ErrWalletFull, "ring is complete", err)
	default:
		return newError(ErrStateConflict, "ring operation failed", err)
	}
}

// outgoing is a message to send once the wallet lock is released.
type outgoing struct {
	peers []string
	msg   *Message
}

// effects collects the consequences of a state change.  They are applied
// after the wallet lock is released.
type effects struct {
	events  []*Event
	sends   []outgoing
	persist bool
}

func (fx *effects) event(ev *Event) {
	fx.events = append(fx.events, ev)
}

func (fx *effects) send(peers []string, msg *Message) {
	fx.sends = append(fx.sends, outgoing{peers: peers, msg: msg})
}

func (fx *effects) merge(other *effects) {
	fx.events = append(fx.events, other.events...)
	fx.sends = append(fx.sends, other.sends...)
	fx.persist = fx.persist || other.persist
}

// apply must be called with the wallet lock held and releases it.  It
// snapshots the state to persist, then stores it, notifies subscribers and
// sends the queued messages.
func (w *Wallet) apply(ctx context.Context, fx *effects) error {
	var (
		obj *Obj
		seq uint64
	)
	if fx.persist {
		w.snapshotSeq++
		seq = w.snapshotSeq
		obj = w.toObj()
	}
	w.mu.Unlock()

	w.notify(fx.events...)

	var storeErr error
	if obj != nil && w.storage != nil {
		storeErr = w.persist(ctx, seq, obj)
	}

	if w.network != nil {
		for _, out := range fx.sends {
			err := w.network.Send(ctx, out.peers, out.msg)
			if err != nil {
				log.Warnf("Unable to send %s message: %v",
					out.msg.Type, err)
			}
		}
	}
	return storeErr
}

// persist writes snapshot seq to storage unless a newer snapshot was
// already written.
func (w *Wallet) persist(ctx context.Context, seq uint64, obj *Obj) error {
	w.storeMu.Lock()
	defer w.storeMu.Unlock()

	if seq <= w.storedSeq {
		log.Tracef("Skipping stale snapshot %d of wallet %s", seq, w.id)
		return nil
	}
	w.storedSeq = seq

	if err := w.storage.Set(ctx, w.id, obj); err != nil {
		log.Errorf("Unable to store wallet %s: %v", w.id, err)
		storeErr := newError(ErrStorage, "unable to store wallet", err)
		w.notify(&Event{Type: EventStoreError, Err: storeErr})
		return storeErr
	}
	return nil
}

// ringMessage returns a message carrying the public key ring.
func (w *Wallet) ringMessage() *Message {
	return &Message{
		Type:          MsgPublicKeyRing,
		WalletID:      w.id,
		PublicKeyRing: w.ring.ToObj(),
	}
}

// indexesMessage returns a message carrying the address indexes.
func (w *Wallet) indexesMessage() *Message {
	return &Message{
		Type:     MsgIndexes,
		WalletID: w.id,
		Indexes:  keyring.SerializeHDParams(w.ring.Indexes()),
	}
}

// NetStart connects the wallet to its Network and starts handling peer
// messages.
func (w *Wallet) NetStart(ctx context.Context) error {
	if w.network == nil {
		return newError(ErrNetwork, "wallet has no network", nil)
	}
	if w.privateKey == nil {
		return newError(ErrNoPrivateKey, "wallet has no private key", nil)
	}
	idPriv, err := w.privateKey.IDPriv()
	if err != nil {
		return err
	}

	w.mu.Lock()
	opts := NetworkOpts{
		CopayerID:   w.privateKey.ID(),
		IdentityKey: idPriv,
		NetKey:      w.netKey,
		Peers:       w.peerIDs(),
	}
	w.mu.Unlock()

	if err := w.network.Start(ctx, opts); err != nil {
		return newError(ErrNetwork, "unable to start network", err)
	}
	w.startHandler()

	w.mu.Lock()
	var fx effects
	fx.send(nil, w.ringMessage())
	fx.send(nil, w.indexesMessage())
	return w.apply(ctx, &fx)
}

// startHandler starts the goroutine reading network messages.
func (w *Wallet) startHandler() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.networkHandler()
}

// networkHandler dispatches inbound network events until the network
// closes its channel or the wallet stops.
func (w *Wallet) networkHandler() {
	defer w.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-w.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	msgs := w.network.Messages()
	for {
		select {
		case in, ok := <-msgs:
			if !ok {
				return
			}
			w.handleInbound(ctx, in)
		case <-w.quit:
			return
		}
	}
}

func (w *Wallet) handleInbound(ctx context.Context, in *Inbound) {
	var err error
	switch in.Kind {
	case InboundConnect:
		err = w.HandleConnect(ctx, in.PeerID)
	case InboundDisconnect:
		w.HandleDisconnect(in.PeerID)
	case InboundData:
		err = w.HandleMessage(ctx, in.PeerID, in.Message, true)
	}
	if err != nil {
		log.Errorf("Unable to handle message from %s: %v", in.PeerID, err)
	}
}

// Stop disconnects the wallet and stops delivering events.
func (w *Wallet) Stop() error {
	var err error
	w.quitOnce.Do(func() {
		close(w.quit)
		if w.network != nil {
			if e := w.network.Stop(); e != nil {
				err = newError(ErrNetwork, "unable to stop network", e)
			}
		}
		w.wg.Wait()
		w.stopSubscribers()
		log.Infof("Closed wallet %s", w.id)
	})
	return err
}

// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/copaywallet/copayd/keyring"
)

const testWalletID = "8b9c2f1a0d3e4c57"

var (
	testNet  = &chaincfg.TestNet3Params
	testTime = time.Unix(1404769393, 509000000)
)

// testPrivKey returns the deterministic copayer key number i for net.
func testPrivKey(t testing.TB, i byte, net *chaincfg.Params) *PrivateKey {
	t.Helper()

	k, err := NewPrivateKeyFromSeed(bytes.Repeat([]byte{i + 1}, 32), net)
	require.NoError(t, err)
	return k
}

// destAddress returns an outside P2PKH address on net.
func destAddress(t testing.TB, net *chaincfg.Params) string {
	t.Helper()

	return outsideAddress(t, net, 0x99)
}

// outsideAddress returns the P2PKH address of key seed on net.
func outsideAddress(t testing.TB, net *chaincfg.Params, seed byte) string {
	t.Helper()

	priv, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(priv.PubKey().SerializeCompressed()), net,
	)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

// sentMsg is a message handed to fakeNetwork.Send.
type sentMsg struct {
	peers []string
	msg   *Message
}

// fakeNetwork records sent messages and delivers queued inbound events.
type fakeNetwork struct {
	mu       sync.Mutex
	opts     NetworkOpts
	started  bool
	sent     []sentMsg
	in       chan *Inbound
	stopOnce sync.Once
	stopped  bool
	startErr error
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{in: make(chan *Inbound, 64)}
}

func (n *fakeNetwork) Start(ctx context.Context, opts NetworkOpts) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.startErr != nil {
		return n.startErr
	}
	n.opts = opts
	n.started = true
	return nil
}

// Send stores a copy of msg as it would look after crossing the wire.
func (n *fakeNetwork) Send(ctx context.Context, peerIDs []string, msg *Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.sent = append(n.sent, sentMsg{
		peers: append([]string(nil), peerIDs...),
		msg:   &m,
	})
	return nil
}

func (n *fakeNetwork) Messages() <-chan *Inbound {
	return n.in
}

func (n *fakeNetwork) Stop() error {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		n.stopped = true
		n.mu.Unlock()
		close(n.in)
	})
	return nil
}

// take returns and forgets the messages sent so far.
func (n *fakeNetwork) take() []sentMsg {
	n.mu.Lock()
	defer n.mu.Unlock()

	sent := n.sent
	n.sent = nil
	return sent
}

// ofType returns the sent messages of type typ without forgetting them.
func (n *fakeNetwork) ofType(typ MessageType) []sentMsg {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []sentMsg
	for _, s := range n.sent {
		if s.msg.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

// fakeBlockchain serves canned unspent outputs and address activity.
type fakeBlockchain struct {
	mu         sync.Mutex
	utxos      []UnspentOutput
	active     map[string]bool
	checkCalls [][]string
	broadcast  []*wire.MsgTx
	err        error
}

func newFakeBlockchain() *fakeBlockchain {
	return &fakeBlockchain{active: make(map[string]bool)}
}

func (c *fakeBlockchain) GetUnspent(ctx context.Context, addrs []string) ([]UnspentOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}
	want := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		want[a] = struct{}{}
	}
	var out []UnspentOutput
	for _, u := range c.utxos {
		if _, ok := want[u.Address]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (c *fakeBlockchain) CheckActivity(ctx context.Context, addrs []string) ([]bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}
	c.checkCalls = append(c.checkCalls, append([]string(nil), addrs...))
	activity := make([]bool, len(addrs))
	for i, a := range addrs {
		activity[i] = c.active[a]
	}
	return activity, nil
}

func (c *fakeBlockchain) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return "", c.err
	}
	c.broadcast = append(c.broadcast, tx)
	return tx.TxHash().String(), nil
}

// fakeStorage keeps wallets as JSON.
type fakeStorage struct {
	mu   sync.Mutex
	objs map[string][]byte
	sets int
	err  error

	// delay, when set, runs before every write.
	delay func()
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objs: make(map[string][]byte)}
}

func (s *fakeStorage) Get(ctx context.Context, walletID string) (*Obj, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.objs[walletID]
	if !ok {
		return nil, ErrNotFound
	}
	var obj Obj
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}

func (s *fakeStorage) Set(ctx context.Context, walletID string, obj *Obj) error {
	if s.delay != nil {
		s.delay()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sets++
	if s.err != nil {
		return s.err
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	s.objs[walletID] = b
	return nil
}

func (s *fakeStorage) setCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sets
}

var errFakeStorage = errors.New("disk full")

// testWallet is a wallet wired to fake collaborators.
type testWallet struct {
	*Wallet
	net   *fakeNetwork
	chain *fakeBlockchain
	store *fakeStorage
	clock *clock.TestClock
}

func newTestWallet(t testing.TB, key *PrivateKey, ring *keyring.PublicKeyRing,
	m, n int) *testWallet {

	t.Helper()

	tw := &testWallet{
		net:   newFakeNetwork(),
		chain: newFakeBlockchain(),
		store: newFakeStorage(),
		clock: clock.NewTestClock(testTime),
	}
	w, err := New(&Config{
		ID:               testWalletID,
		Net:              testNet,
		RequiredCopayers: m,
		TotalCopayers:    n,
		NetKey:           [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
		Nickname:         "creator",
		PrivateKey:       key,
		PublicKeyRing:    ring,
		Network:          tw.net,
		Blockchain:       tw.chain,
		Storage:          tw.store,
		Clock:            tw.clock,
		ScanWindow:       5,
	})
	require.NoError(t, err)
	tw.Wallet = w
	t.Cleanup(func() { _ = w.Stop() })
	return tw
}

// newTestWallets returns the n copayers of a complete m-of-n wallet.
func newTestWallets(t testing.TB, m, n int) []*testWallet {
	t.Helper()

	ring, err := keyring.New(keyring.Config{
		WalletID:         testWalletID,
		Net:              testNet,
		RequiredCopayers: m,
		TotalCopayers:    n,
	})
	require.NoError(t, err)

	keys := make([]*PrivateKey, n)
	for i := range keys {
		keys[i] = testPrivKey(t, byte(i), testNet)
		xpub, err := keys[i].ExtendedPublicKeyString()
		require.NoError(t, err)
		_, err = ring.AddCopayer(xpub, fmt.Sprintf("copayer%d", i))
		require.NoError(t, err)
	}

	wallets := make([]*testWallet, n)
	for i := range wallets {
		r, err := keyring.FromObj(ring.ToObj())
		require.NoError(t, err)
		wallets[i] = newTestWallet(t, keys[i], r, m, n)
	}
	return wallets
}

// deliver hands every message sent by from to each wallet of to, as
// inbound messages.
func deliver(t testing.TB, from *testWallet, to ...*testWallet) {
	t.Helper()

	for _, s := range from.net.take() {
		for _, w := range to {
			err := w.HandleMessage(context.Background(),
				from.MyCopayerID(), s.msg, true)
			require.NoError(t, err)
		}
	}
}

// fund adds a confirmed output of btc to a fresh shared receive address
// of w and returns it.
func fund(t testing.TB, w *testWallet, btc float64, confirmations int64) UnspentOutput {
	t.Helper()

	addr, err := w.GenerateAddress(context.Background(), false)
	require.NoError(t, err)
	w.net.take()

	w.chain.mu.Lock()
	defer w.chain.mu.Unlock()

	i := len(w.chain.utxos)
	u := UnspentOutput{
		Address:       addr.EncodeAddress(),
		TxID:          fmt.Sprintf("%064x", i+1),
		Vout:          uint32(i),
		ScriptPubKey:  "",
		Amount:        btc,
		Confirmations: confirmations,
	}
	w.chain.utxos = append(w.chain.utxos, u)
	return u
}

// nextEvent waits for the next event of sub.
func nextEvent(t testing.TB, sub *Subscription) *Event {
	t.Helper()

	select {
	case ev := <-sub.Events():
		return ev.(*Event)
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

// drainEvents returns the events delivered so far.
func drainEvents(sub *Subscription) []*Event {
	var events []*Event
	for {
		select {
		case ev := <-sub.Events():
			events = append(events, ev.(*Event))
		case <-time.After(50 * time.Millisecond):
			return events
		}
	}
}

// eventTypes returns the types of events.
func eventTypes(events []*Event) []EventType {
	types := make([]EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

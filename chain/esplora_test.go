// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

var testNet = &chaincfg.TestNet3Params

// testAddress returns a testnet P2SH address derived from seed.
func testAddress(t *testing.T, seed byte) string {
	t.Helper()

	addr, err := btcutil.NewAddressScriptHash([]byte{seed, 0x51}, testNet)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

// fakeEsplora serves the subset of the Esplora API the client uses.
type fakeEsplora struct {
	mu       sync.Mutex
	tip      int64
	utxos    map[string][]utxo
	chainTxs map[string]int64
	mempool  map[string]int64
	requests map[string]int
	posted   []string

	// fail makes the next fail requests return a server error.
	fail int
	// status, when set, is returned for every request.
	status int
}

func newFakeEsplora() *fakeEsplora {
	return &fakeEsplora{
		utxos:    make(map[string][]utxo),
		chainTxs: make(map[string]int64),
		mempool:  make(map[string]int64),
		requests: make(map[string]int),
	}
}

// update runs fn with the fake locked.
func (f *fakeEsplora) update(fn func()) {
	f.mu.Lock()
	fn()
	f.mu.Unlock()
}

func (f *fakeEsplora) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[path]
}

func (f *fakeEsplora) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, c := range f.requests {
		n += c
	}
	return n
}

func (f *fakeEsplora) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests[r.URL.Path]++

	if f.status != 0 {
		http.Error(w, "unavailable", f.status)
		return
	}
	if f.fail > 0 {
		f.fail--
		http.Error(w, "try again", http.StatusInternalServerError)
		return
	}

	path := r.URL.Path
	switch {
	case path == "/blocks/tip/height":
		fmt.Fprintf(w, "%d", f.tip)

	case path == "/tx" && r.Method == http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		raw, err := hex.DecodeString(string(body))
		if err != nil {
			http.Error(w, "sendrawtransaction RPC error", 400)
			return
		}
		var tx wire.MsgTx
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			http.Error(w, "TX decode failed", 400)
			return
		}
		f.posted = append(f.posted, string(body))
		fmt.Fprint(w, tx.TxHash().String())

	case strings.HasSuffix(path, "/utxo"):
		addr := strings.TrimSuffix(strings.TrimPrefix(path,
			"/address/"), "/utxo")
		outs := f.utxos[addr]
		if outs == nil {
			outs = []utxo{}
		}
		_ = json.NewEncoder(w).Encode(outs)

	case strings.HasPrefix(path, "/address/"):
		addr := strings.TrimPrefix(path, "/address/")
		_ = json.NewEncoder(w).Encode(addrInfo{
			Address:      addr,
			ChainStats:   addrStats{TxCount: f.chainTxs[addr]},
			MempoolStats: addrStats{TxCount: f.mempool[addr]},
		})

	default:
		http.NotFound(w, r)
	}
}

// newTestEsplora starts a fake API and a client talking to it.
func newTestEsplora(t *testing.T, maxRetries int) (*fakeEsplora, *Esplora) {
	t.Helper()

	fake := newFakeEsplora()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	client, err := NewEsplora(EsploraConfig{
		URL:        server.URL + "/",
		Net:        testNet,
		MaxRetries: maxRetries,
		RetryDelay: time.Millisecond,
	})
	require.NoError(t, err)
	return fake, client
}

func TestNewEsploraRejects(t *testing.T) {
	t.Parallel()

	_, err := NewEsplora(EsploraConfig{Net: testNet})
	require.Error(t, err)

	_, err = NewEsplora(EsploraConfig{URL: "http://localhost"})
	require.Error(t, err)
}

func TestGetUnspent(t *testing.T) {
	t.Parallel()

	fake, client := newTestEsplora(t, 0)
	a, b, empty := testAddress(t, 1), testAddress(t, 2), testAddress(t, 3)
	fake.update(func() {
		fake.tip = 105
		fake.utxos[a] = []utxo{{
			TxID:   strings.Repeat("ab", 32),
			Vout:   1,
			Status: txStatus{Confirmed: true, BlockHeight: 100},
			Value:  150000000,
		}, {
			TxID:  strings.Repeat("cd", 32),
			Vout:  0,
			Value: 2500,
		}}
		fake.utxos[b] = []utxo{{
			TxID:   strings.Repeat("ef", 32),
			Vout:   3,
			Status: txStatus{Confirmed: true, BlockHeight: 105},
			Value:  1,
		}}
	})

	unspent, err := client.GetUnspent(context.Background(),
		[]string{a, empty, b})
	require.NoError(t, err)
	require.Len(t, unspent, 3)

	decoded, err := btcutil.DecodeAddress(a, testNet)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(decoded)
	require.NoError(t, err)

	require.Equal(t, a, unspent[0].Address)
	require.Equal(t, strings.Repeat("ab", 32), unspent[0].TxID)
	require.Equal(t, uint32(1), unspent[0].Vout)
	require.Equal(t, hex.EncodeToString(script), unspent[0].ScriptPubKey)
	require.Equal(t, 1.5, unspent[0].Amount)
	require.Equal(t, int64(6), unspent[0].Confirmations)

	require.Equal(t, 0.000025, unspent[1].Amount)
	require.Zero(t, unspent[1].Confirmations)

	require.Equal(t, b, unspent[2].Address)
	require.Equal(t, int64(1), unspent[2].Confirmations)
	sat, err := unspent[2].AmountSat()
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(1), sat)

	// The tip is fetched once per call.
	require.Equal(t, 1, fake.count("/blocks/tip/height"))
}

func TestGetUnspentUnconfirmedOnly(t *testing.T) {
	t.Parallel()

	fake, client := newTestEsplora(t, 0)
	a := testAddress(t, 1)
	fake.update(func() {
		fake.utxos[a] = []utxo{{TxID: strings.Repeat("ab", 32), Value: 10}}
	})

	unspent, err := client.GetUnspent(context.Background(), []string{a})
	require.NoError(t, err)
	require.Len(t, unspent, 1)
	require.Zero(t, fake.count("/blocks/tip/height"))
}

func TestGetUnspentBadAddress(t *testing.T) {
	t.Parallel()

	fake, client := newTestEsplora(t, 0)

	mainnet, err := btcutil.NewAddressScriptHash([]byte{1},
		&chaincfg.MainNetParams)
	require.NoError(t, err)

	for _, addr := range []string{"garbage", mainnet.EncodeAddress()} {
		_, err := client.GetUnspent(context.Background(),
			[]string{testAddress(t, 1), addr})
		require.Error(t, err, addr)
	}
	require.Zero(t, fake.total())
}

func TestCheckActivity(t *testing.T) {
	t.Parallel()

	fake, client := newTestEsplora(t, 0)
	used, pending, unused := testAddress(t, 1), testAddress(t, 2),
		testAddress(t, 3)
	fake.update(func() {
		fake.chainTxs[used] = 2
		fake.mempool[pending] = 1
	})

	addrs := []string{used, pending, unused}
	active, err := client.CheckActivity(context.Background(), addrs)
	require.NoError(t, err)
	require.Equal(t, []bool{true, true, false}, active)

	// Confirmed history is remembered; everything else is asked again.
	active, err = client.CheckActivity(context.Background(), addrs)
	require.NoError(t, err)
	require.Equal(t, []bool{true, true, false}, active)
	require.Equal(t, 1, fake.count("/address/"+used))
	require.Equal(t, 2, fake.count("/address/"+pending))
	require.Equal(t, 2, fake.count("/address/"+unused))
}

func TestBroadcast(t *testing.T) {
	t.Parallel()

	fake, client := newTestEsplora(t, 0)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{1}, 0),
		nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{txscript.OP_TRUE}))

	txid, err := client.Broadcast(context.Background(), tx)
	require.NoError(t, err)
	require.Equal(t, tx.TxHash().String(), txid)
	var posted []string
	fake.update(func() { posted = fake.posted })
	require.Len(t, posted, 1)

	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	require.Equal(t, hex.EncodeToString(buf.Bytes()), posted[0])
}

func TestRetries(t *testing.T) {
	t.Parallel()

	fake, client := newTestEsplora(t, 2)
	fake.update(func() {
		fake.tip = 42
		fake.fail = 2
	})

	height, err := client.TipHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(42), height)
	require.Equal(t, 3, fake.count("/blocks/tip/height"))

	fake.update(func() { fake.fail = 3 })
	_, err = client.TipHeight(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusInternalServerError, apiErr.Status)
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	fake, client := newTestEsplora(t, 3)
	fake.update(func() { fake.status = http.StatusBadRequest })

	err := client.Ping(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadRequest, apiErr.Status)
	require.Equal(t, "unavailable", apiErr.Body)
	require.Equal(t, 1, fake.count("/blocks/tip/height"))
}

func TestCircuitBreaker(t *testing.T) {
	t.Parallel()

	fake, client := newTestEsplora(t, 0)
	fake.update(func() { fake.status = http.StatusServiceUnavailable })

	// The breaker opens once more than MaxNumOfFailingRequests requests
	// failed.
	for i := 0; i <= MaxNumOfFailingRequests; i++ {
		err := client.Ping(context.Background())
		require.Error(t, err)
		require.False(t, errors.Is(err, ErrUnavailable))
	}

	err := client.Ping(context.Background())
	require.True(t, errors.Is(err, ErrUnavailable))
	require.Equal(t, MaxNumOfFailingRequests+1,
		fake.count("/blocks/tip/height"))
}

func TestContextCancel(t *testing.T) {
	t.Parallel()

	fake, client := newTestEsplora(t, 5)
	fake.update(func() { fake.status = http.StatusInternalServerError })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.CheckActivity(ctx, []string{testAddress(t, 1)})
	require.ErrorIs(t, err, context.Canceled)
}

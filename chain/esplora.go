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
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sony/gobreaker"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"

	"github.com/copaywallet/copayd/wallet"
)

const (
	// DefaultRequestTimeout bounds a single HTTP request.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of retries after a failed request.
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the pause before the first retry.
	DefaultRetryDelay = 500 * time.Millisecond

	// DefaultMaxConcurrent caps the requests in flight for one call.
	DefaultMaxConcurrent = 4

	// DefaultActivityCacheSize is the number of addresses remembered as
	// used.
	DefaultActivityCacheSize = 10000

	// retryJitter scales the random part of retry delays.
	retryJitter = 0.25
)

var (
	// ErrUnavailable is returned while the circuit breaker refuses
	// requests after repeated failures.
	ErrUnavailable = errors.New("esplora API unavailable")

	// MaxNumOfFailingRequests is the number of requests in a breaker
	// interval above which the failure ratio is considered.
	MaxNumOfFailingRequests = 10

	// FailingRatio is the failure ratio that opens the breaker.
	FailingRatio = 0.6
)

// APIError is a non-success HTTP response of the Esplora API.
type APIError struct {
	Status int
	Body   string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("esplora API returned status %d: %s", e.Status,
		e.Body)
}

// retryable reports whether the request may succeed when repeated.
func (e *APIError) retryable() bool {
	return e.Status >= http.StatusInternalServerError ||
		e.Status == http.StatusTooManyRequests
}

// EsploraConfig holds the configuration of an Esplora client.
type EsploraConfig struct {
	// URL is the base URL of the API, e.g.
	// https://blockstream.info/testnet/api.
	URL string

	// Net is the network of the addresses queried.
	Net *chaincfg.Params

	RequestTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration

	// RequestsPerSecond limits the request rate.  Zero means unlimited.
	RequestsPerSecond int

	MaxConcurrent     int
	ActivityCacheSize int

	// BreakerTimeout is how long the breaker stays open before letting
	// a request through again.  Zero uses the gobreaker default.
	BreakerTimeout time.Duration

	// HTTPClient replaces the default client, e.g. to dial through a
	// proxy.
	HTTPClient *http.Client
}

// Esplora is a wallet.Blockchain backed by an Esplora REST API.
type Esplora struct {
	cfg        EsploraConfig
	httpClient *http.Client
	limiter    ratelimit.Limiter
	breaker    *gobreaker.CircuitBreaker

	// active caches addresses known to have confirmed history.  An
	// address never loses its history, so entries never go stale.
	active *lru.Cache
}

// NewEsplora returns a client for the API at cfg.URL.  Zero values in cfg
// are replaced by defaults.
func NewEsplora(cfg EsploraConfig) (*Esplora, error) {
	if cfg.URL == "" {
		return nil, errors.New("esplora URL is required")
	}
	if cfg.Net == nil {
		return nil, errors.New("esplora network is required")
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.ActivityCacheSize <= 0 {
		cfg.ActivityCacheSize = DefaultActivityCacheSize
	}

	active, err := lru.New(cfg.ActivityCacheSize)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.NewUnlimited()
	if cfg.RequestsPerSecond > 0 {
		limiter = ratelimit.New(cfg.RequestsPerSecond)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "esplora",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) /
				float64(counts.Requests)
			return int(counts.Requests) > MaxNumOfFailingRequests &&
				ratio >= FailingRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("Circuit breaker %s changed from %v to %v",
				name, from, to)
		},
	})

	return &Esplora{
		cfg:        cfg,
		httpClient: httpClient,
		limiter:    limiter,
		breaker:    breaker,
		active:     active,
	}, nil
}

// BackEnd returns the name of the back end.
func (e *Esplora) BackEnd() string {
	return "esplora"
}

// response is a completed HTTP exchange.
type response struct {
	status int
	body   []byte
}

// do performs a request through the circuit breaker.  Client errors (4xx)
// do not count as failures of the API.
func (e *Esplora) do(ctx context.Context, method, path string,
	body []byte) ([]byte, error) {

	res, err := e.breaker.Execute(func() (interface{}, error) {
		return e.doWithRetries(ctx, method, path, body)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):

		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)

	case err != nil:
		return nil, err
	}

	resp := res.(*response)
	if resp.status != http.StatusOK {
		return nil, &APIError{
			Status: resp.status,
			Body:   strings.TrimSpace(string(resp.body)),
		}
	}
	return resp.body, nil
}

// doWithRetries performs a request, repeating it after transport errors
// and retryable statuses.
func (e *Esplora) doWithRetries(ctx context.Context, method, path string,
	body []byte) (*response, error) {

	url := e.cfg.URL + path

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(e.cfg.RetryDelay, attempt-1,
				retryJitter)
			log.Debugf("Retrying %s %s in %v: %v", method, path,
				delay, lastErr)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		e.limiter.Take()

		resp, err := e.roundTrip(ctx, method, url, body)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue

		case resp.status != http.StatusOK:
			apiErr := &APIError{
				Status: resp.status,
				Body:   strings.TrimSpace(string(resp.body)),
			}
			if apiErr.retryable() {
				lastErr = apiErr
				continue
			}
		}

		return resp, nil
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w",
		e.cfg.MaxRetries+1, lastErr)
}

// roundTrip performs a single HTTP request.
func (e *Esplora) roundTrip(ctx context.Context, method, url string,
	body []byte) (*response, error) {

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("unable to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("unable to read response: %w", err)
	}

	return &response{status: resp.StatusCode, body: b}, nil
}

// getJSON performs a GET request and decodes the JSON response into v.
func (e *Esplora) getJSON(ctx context.Context, path string, v interface{}) error {
	body, err := e.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("unable to decode %s: %w", path, err)
	}
	return nil
}

// Ping checks that the API is reachable.
func (e *Esplora) Ping(ctx context.Context) error {
	_, err := e.TipHeight(ctx)
	return err
}

// TipHeight returns the height of the best block.
func (e *Esplora) TipHeight(ctx context.Context) (int64, error) {
	body, err := e.do(ctx, http.MethodGet, "/blocks/tip/height", nil)
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unable to parse tip height: %w", err)
	}
	return height, nil
}

// txStatus is the confirmation status of a transaction.
type txStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height,omitempty"`
}

// utxo is an unspent output as returned by /address/:address/utxo.
type utxo struct {
	TxID   string   `json:"txid"`
	Vout   uint32   `json:"vout"`
	Status txStatus `json:"status"`
	Value  int64    `json:"value"`
}

// addrStats counts the transactions of an address.
type addrStats struct {
	TxCount int64 `json:"tx_count"`
}

// addrInfo is the summary returned by /address/:address.
type addrInfo struct {
	Address      string    `json:"address"`
	ChainStats   addrStats `json:"chain_stats"`
	MempoolStats addrStats `json:"mempool_stats"`
}

// pkScript returns the hex output script paying to addr.
func (e *Esplora) pkScript(addr string) (string, error) {
	decoded, err := btcutil.DecodeAddress(addr, e.cfg.Net)
	if err != nil {
		return "", fmt.Errorf("invalid address %s: %w", addr, err)
	}
	if !decoded.IsForNet(e.cfg.Net) {
		return "", fmt.Errorf("address %s is not for %s", addr,
			e.cfg.Net.Name)
	}
	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(script), nil
}

// GetUnspent returns the unspent outputs paying to addrs, in address
// order.
func (e *Esplora) GetUnspent(ctx context.Context,
	addrs []string) ([]wallet.UnspentOutput, error) {

	scripts := make([]string, len(addrs))
	for i, addr := range addrs {
		script, err := e.pkScript(addr)
		if err != nil {
			return nil, err
		}
		scripts[i] = script
	}

	perAddr := make([][]utxo, len(addrs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrent)
	for i, addr := range addrs {
		i, addr := i, addr
		g.Go(func() error {
			return e.getJSON(gctx, "/address/"+addr+"/utxo",
				&perAddr[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var tip int64 = -1
	unspent := make([]wallet.UnspentOutput, 0, len(addrs))
	for i, outs := range perAddr {
		for _, out := range outs {
			var confs int64
			if out.Status.Confirmed {
				if tip < 0 {
					height, err := e.TipHeight(ctx)
					if err != nil {
						return nil, err
					}
					tip = height
				}
				confs = tip - out.Status.BlockHeight + 1
				if confs < 1 {
					confs = 1
				}
			}

			unspent = append(unspent, wallet.UnspentOutput{
				Address:       addrs[i],
				TxID:          out.TxID,
				Vout:          out.Vout,
				ScriptPubKey:  scripts[i],
				Amount:        btcutil.Amount(out.Value).ToBTC(),
				Confirmations: confs,
			})
		}
	}

	log.Debugf("Found %d unspent outputs for %d addresses", len(unspent),
		len(addrs))

	return unspent, nil
}

// CheckActivity reports for each address whether it appears in any
// transaction, confirmed or in the mempool.
func (e *Esplora) CheckActivity(ctx context.Context,
	addrs []string) ([]bool, error) {

	result := make([]bool, len(addrs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrent)
	for i, addr := range addrs {
		if e.active.Contains(addr) {
			result[i] = true
			continue
		}

		i, addr := i, addr
		g.Go(func() error {
			var info addrInfo
			err := e.getJSON(gctx, "/address/"+addr, &info)
			if err != nil {
				return err
			}

			if info.ChainStats.TxCount > 0 {
				e.active.Add(addr, struct{}{})
			}
			result[i] = info.ChainStats.TxCount > 0 ||
				info.MempoolStats.TxCount > 0
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return result, nil
}

// Broadcast publishes tx and returns its txid.
func (e *Esplora) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("unable to serialize tx: %w", err)
	}

	txHex := []byte(hex.EncodeToString(buf.Bytes()))
	body, err := e.do(ctx, http.MethodPost, "/tx", txHex)
	if err != nil {
		return "", err
	}

	txid := strings.TrimSpace(string(body))
	if want := tx.TxHash().String(); txid != want {
		log.Warnf("Esplora returned txid %s for transaction %s", txid,
			want)
	}
	log.Infof("Broadcast transaction %s", txid)

	return txid, nil
}

// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/copaywallet/copayd/wallet"
)

const (
	// DefaultReconnectDelay is the pause between reconnection attempts.
	DefaultReconnectDelay = 5 * time.Second

	// DefaultPingInterval is the interval between keepalive pings.
	DefaultPingInterval = 30 * time.Second

	// DefaultPongWait is how long a ping may go unanswered.
	DefaultPongWait = 10 * time.Second

	// maxSeenMessages bounds the message ids remembered for duplicate
	// detection.
	maxSeenMessages = 1000

	// inboundQueueSize is the buffer of the inbound event channel.
	inboundQueueSize = 100
)

var (
	// ErrNotConnected is returned by Send while the relay connection is
	// down.
	ErrNotConnected = errors.New("not connected to relay")

	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("relay client stopped")
)

// DialFunc dials a network connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config configures a relay Client.
type Config struct {
	// URL is the websocket URL of the relay, e.g. wss://relay.example/ws.
	URL string

	// Dial replaces the default dialer, e.g. to go through a proxy.
	Dial DialFunc

	ReconnectDelay time.Duration
	PingInterval   time.Duration
	PongWait       time.Duration

	Clock clock.Clock
}

// Client is a wallet.Network talking to copayers through a websocket
// relay.  Copayers sharing a session key share a relay channel.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	inbound chan *wallet.Inbound

	mu    sync.Mutex
	opts  wallet.NetworkOpts
	conn  *websocket.Conn
	peers mapset.Set

	// writeMu serializes frame writes on conn.
	writeMu sync.Mutex

	seen      mapset.Set
	seenOrder []string

	started  bool
	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once
}

var _ wallet.Network = (*Client)(nil)

// NewClient returns a relay client.  Zero values in cfg are replaced by
// defaults.
func NewClient(cfg Config) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = DefaultPongWait
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	if cfg.Dial != nil {
		dialer.NetDialContext = cfg.Dial
	}

	return &Client{
		cfg:     cfg,
		dialer:  dialer,
		inbound: make(chan *wallet.Inbound, inboundQueueSize),
		peers:   mapset.NewSet(),
		seen:    mapset.NewThreadUnsafeSet(),
		quit:    make(chan struct{}),
	}
}

// Start connects to the relay and joins the channel of opts.NetKey.  It
// returns once the relay accepted the copayer.
func (c *Client) Start(ctx context.Context, opts wallet.NetworkOpts) error {
	if opts.CopayerID == "" || opts.IdentityKey == "" {
		return errors.New("copayer id and identity key are required")
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("relay client already started")
	}
	c.started = true
	c.opts = opts
	c.mu.Unlock()

	conn, peers, err := c.connect(ctx)
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return err
	}
	c.setConn(conn, peers)

	c.wg.Add(1)
	go c.connHandler(conn)

	return nil
}

// connect dials the relay and completes the hello exchange.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, []string, error) {
	c.mu.Lock()
	opts := c.opts
	c.mu.Unlock()

	channel := ChannelID(opts.NetKey)
	hello, err := newHello(channel, opts.CopayerID, opts.IdentityKey,
		c.cfg.Clock.Now())
	if err != nil {
		return nil, nil, err
	}

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to dial relay: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	fail := func(err error) (*websocket.Conn, []string, error) {
		_ = conn.Close()
		return nil, nil, err
	}

	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(hello); err != nil {
		return fail(fmt.Errorf("unable to send hello: %w", err))
	}

	_ = conn.SetReadDeadline(deadline)
	var welcome frame
	if err := conn.ReadJSON(&welcome); err != nil {
		return fail(fmt.Errorf("no welcome from relay: %w", err))
	}
	switch welcome.Type {
	case frameWelcome:
	case frameError:
		return fail(fmt.Errorf("relay refused connection: %s",
			welcome.Error))
	default:
		return fail(fmt.Errorf("unexpected %q frame from relay",
			welcome.Type))
	}

	c.keepAlive(conn)

	log.Infof("Connected to relay %s as %s (%d peers online)", c.cfg.URL,
		opts.CopayerID, len(welcome.Peers))

	return conn, welcome.Peers, nil
}

// keepAlive makes reads on conn fail when pings go unanswered.
func (c *Client) keepAlive(conn *websocket.Conn) {
	wait := c.cfg.PingInterval + c.cfg.PongWait
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
}

// setConn installs a fresh connection and announces the peers already on
// the channel.
func (c *Client) setConn(conn *websocket.Conn, peers []string) {
	c.mu.Lock()
	c.conn = conn
	expected := c.opts.Peers
	c.mu.Unlock()

	for _, id := range peers {
		c.peerConnected(id)
	}

	for _, id := range expected {
		if !c.peers.Contains(id) {
			log.Debugf("Copayer %s is not online yet", id)
		}
	}
}

func (c *Client) peerConnected(id string) {
	c.peers.Add(id)
	c.deliver(&wallet.Inbound{Kind: wallet.InboundConnect, PeerID: id})
}

func (c *Client) peerDisconnected(id string) {
	if !c.peers.Contains(id) {
		return
	}
	c.peers.Remove(id)
	c.deliver(&wallet.Inbound{Kind: wallet.InboundDisconnect, PeerID: id})
}

// deliver queues an inbound event unless the client is stopping.
func (c *Client) deliver(in *wallet.Inbound) {
	select {
	case c.inbound <- in:
	case <-c.quit:
	}
}

// markSeen records a message id and reports whether it was new.
func (c *Client) markSeen(id string) bool {
	if c.seen.Contains(id) {
		return false
	}
	c.seen.Add(id)
	c.seenOrder = append(c.seenOrder, id)
	if len(c.seenOrder) > maxSeenMessages {
		c.seen.Remove(c.seenOrder[0])
		c.seenOrder = c.seenOrder[1:]
	}
	return true
}

// connHandler reads frames from the relay, reconnecting after failures,
// until the client stops.
func (c *Client) connHandler(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		c.wg.Add(1)
		pingDone := make(chan struct{})
		go c.pingHandler(conn, pingDone)

		err := c.readFrames(conn)
		close(pingDone)

		select {
		case <-c.quit:
			return
		default:
		}

		log.Warnf("Lost relay connection: %v", err)
		c.dropConn()

		conn = c.reconnect()
		if conn == nil {
			return
		}
	}
}

// readFrames dispatches frames from conn until reading fails.
func (c *Client) readFrames(conn *websocket.Conn) error {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}

		switch f.Type {
		case frameJoin:
			log.Debugf("Copayer %s joined the channel", f.From)
			c.peerConnected(f.From)

		case frameLeave:
			log.Debugf("Copayer %s left the channel", f.From)
			c.peerDisconnected(f.From)

		case frameData:
			if f.ID != "" && !c.markSeen(f.ID) {
				log.Debugf("Dropping duplicate message %s", f.ID)
				continue
			}

			var msg wallet.Message
			if err := json.Unmarshal(f.Payload, &msg); err != nil {
				log.Warnf("Malformed message from %s: %v",
					f.From, err)
				continue
			}
			c.deliver(&wallet.Inbound{
				Kind:    wallet.InboundData,
				PeerID:  f.From,
				Message: &msg,
			})

		case frameError:
			log.Warnf("Relay error: %s", f.Error)

		default:
			log.Debugf("Ignoring %q frame", f.Type)
		}
	}
}

// pingHandler pings the relay until done closes or a ping fails.
func (c *Client) pingHandler(conn *websocket.Conn, done <-chan struct{}) {
	defer c.wg.Done()

	t := ticker.New(c.cfg.PingInterval)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			deadline := time.Now().Add(c.cfg.PongWait)
			err := conn.WriteControl(websocket.PingMessage, nil,
				deadline)
			if err != nil {
				log.Debugf("Unable to ping relay: %v", err)
				return
			}

		case <-done:
			return
		case <-c.quit:
			return
		}
	}
}

// dropConn closes the current connection and reports every peer as
// disconnected.
func (c *Client) dropConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for _, id := range c.peers.ToSlice() {
		c.peerDisconnected(id.(string))
	}
}

// reconnect retries connecting every ReconnectDelay.  It returns nil when
// the client stops first.
func (c *Client) reconnect() *websocket.Conn {
	t := ticker.New(c.cfg.ReconnectDelay)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
		case <-c.quit:
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(),
			handshakeTimeout)
		conn, peers, err := c.connect(ctx)
		cancel()
		if err != nil {
			log.Debugf("Reconnecting to relay failed: %v", err)
			continue
		}

		select {
		case <-c.quit:
			_ = conn.Close()
			return nil
		default:
		}
		c.setConn(conn, peers)
		return conn
	}
}

// Send delivers msg to peerIDs, or to the whole channel when peerIDs is
// empty.
func (c *Client) Send(ctx context.Context, peerIDs []string,
	msg *wallet.Message) error {

	select {
	case <-c.quit:
		return ErrStopped
	default:
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	f := &frame{
		Type:    frameData,
		ID:      uuid.NewString(),
		To:      peerIDs,
		Payload: payload,
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(writeDeadline)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("unable to send %s message: %w", msg.Type, err)
	}

	log.Tracef("Sent %s message %s to %v", msg.Type, f.ID, peerIDs)
	return nil
}

// Messages returns the inbound events.  The channel is closed by Stop.
func (c *Client) Messages() <-chan *wallet.Inbound {
	return c.inbound
}

// Stop disconnects from the relay and closes the Messages channel.
func (c *Client) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.quit)

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()

		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(
					websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			err = conn.Close()
		}

		c.wg.Wait()
		close(c.inbound)
	})
	return err
}

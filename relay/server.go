// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package relay

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// handshakeTimeout bounds the wait for the hello of a new client.
	handshakeTimeout = 10 * time.Second

	// writeDeadline bounds a single frame write.
	writeDeadline = 5 * time.Second

	// maxFrameSize is the largest frame read from a client.
	maxFrameSize = 4 * 1024 * 1024

	// sendQueueSize is the number of frames buffered for a slow client.
	sendQueueSize = 64
)

var errDisconnected = errors.New("relay client disconnected")

// wsClient is one authenticated connection to the relay.
type wsClient struct {
	conn       *websocket.Conn
	copayerID  string
	channel    string
	remoteAddr string
	frames     chan *frame
	quit       chan struct{} // closed on disconnect
	quitOnce   sync.Once
}

func newWSClient(conn *websocket.Conn, hello *frame, remoteAddr string) *wsClient {
	return &wsClient{
		conn:       conn,
		copayerID:  hello.CopayerID,
		channel:    hello.Channel,
		remoteAddr: remoteAddr,
		frames:     make(chan *frame, sendQueueSize),
		quit:       make(chan struct{}),
	}
}

// send queues f for the client.  A client too slow to drain its queue is
// disconnected.
func (c *wsClient) send(f *frame) error {
	select {
	case <-c.quit:
		return errDisconnected
	default:
	}

	select {
	case c.frames <- f:
		return nil
	case <-c.quit:
		return errDisconnected
	default:
		log.Warnf("Send queue of %s full, disconnecting", c.remoteAddr)
		c.disconnect()
		return errDisconnected
	}
}

func (c *wsClient) disconnect() {
	c.quitOnce.Do(func() {
		close(c.quit)
		_ = c.conn.Close()
	})
}

// Server is a websocket relay forwarding wallet messages between the
// copayers of a channel.  It only sees channel ids and copayer ids; frame
// payloads are passed through untouched.
type Server struct {
	upgrader websocket.Upgrader
	clock    clock.Clock

	mu       sync.Mutex
	channels map[string]map[string]*wsClient

	wg       sync.WaitGroup
	quit     chan struct{}
	quitOnce sync.Once
}

// NewServer returns a relay server.  A nil clock uses the system clock.
func NewServer(clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clock:    clk,
		channels: make(map[string]map[string]*wsClient),
		quit:     make(chan struct{}),
	}
}

// ServeHTTP upgrades the request to a websocket and serves the client
// until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.quit:
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("Cannot websocket upgrade client %s: %v",
			r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	hello, err := s.handshake(conn)
	if err != nil {
		log.Warnf("Rejecting relay client %s: %v", r.RemoteAddr, err)
		_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		_ = conn.WriteJSON(&frame{Type: frameError, Error: err.Error()})
		_ = conn.Close()
		return
	}

	wsc := newWSClient(conn, hello, r.RemoteAddr)
	peers := s.register(wsc)
	log.Infof("Copayer %s connected to channel %s from %s", wsc.copayerID,
		wsc.channel, wsc.remoteAddr)

	_ = wsc.send(&frame{Type: frameWelcome, Peers: peers})
	s.broadcast(wsc, &frame{Type: frameJoin, From: wsc.copayerID})

	s.wg.Add(2)
	go s.clientSend(wsc)
	s.clientRead(wsc)
}

// handshake reads and verifies the hello frame of a new connection.
func (s *Server) handshake(conn *websocket.Conn) (*frame, error) {
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, err
	}

	var hello frame
	if err := conn.ReadJSON(&hello); err != nil {
		return nil, err
	}
	if err := verifyHello(&hello, s.clock.Now()); err != nil {
		return nil, err
	}

	// Clear the handshake deadline.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return &hello, nil
}

// register adds wsc to its channel and returns the copayers already
// present.  An older connection of the same copayer is dropped.
func (s *Server) register(wsc *wsClient) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.channels[wsc.channel]
	if members == nil {
		members = make(map[string]*wsClient)
		s.channels[wsc.channel] = members
	}
	if old, ok := members[wsc.copayerID]; ok {
		log.Infof("Replacing connection of copayer %s", wsc.copayerID)
		delete(members, wsc.copayerID)
		old.disconnect()
	}

	peers := make([]string, 0, len(members))
	for id := range members {
		peers = append(peers, id)
	}
	members[wsc.copayerID] = wsc
	return peers
}

// unregister removes wsc from its channel.  It reports false when wsc was
// already replaced by a newer connection.
func (s *Server) unregister(wsc *wsClient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.channels[wsc.channel]
	if members[wsc.copayerID] != wsc {
		return false
	}
	delete(members, wsc.copayerID)
	if len(members) == 0 {
		delete(s.channels, wsc.channel)
	}
	return true
}

// route returns the channel members f is addressed to, excluding the
// sender.
func (s *Server) route(from *wsClient, to []string) []*wsClient {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.channels[from.channel]
	var targets []*wsClient
	if len(to) == 0 {
		for id, c := range members {
			if id != from.copayerID {
				targets = append(targets, c)
			}
		}
		return targets
	}
	for _, id := range to {
		if c, ok := members[id]; ok && id != from.copayerID {
			targets = append(targets, c)
		}
	}
	return targets
}

// broadcast sends f to every other member of the channel of from.
func (s *Server) broadcast(from *wsClient, f *frame) {
	for _, c := range s.route(from, nil) {
		_ = c.send(f)
	}
}

// clientRead forwards data frames of wsc until it disconnects.
func (s *Server) clientRead(wsc *wsClient) {
	defer s.wg.Done()

	for {
		var f frame
		if err := wsc.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {

				log.Warnf("Websocket receive failed from "+
					"client %s: %v", wsc.remoteAddr, err)
			}
			break
		}
		if f.Type != frameData {
			log.Debugf("Ignoring %q frame from %s", f.Type,
				wsc.copayerID)
			continue
		}

		out := &frame{
			Type:    frameData,
			ID:      f.ID,
			From:    wsc.copayerID,
			Payload: f.Payload,
		}
		for _, c := range s.route(wsc, f.To) {
			_ = c.send(out)
		}
	}

	wsc.disconnect()
	if s.unregister(wsc) {
		s.broadcast(wsc, &frame{Type: frameLeave, From: wsc.copayerID})
	}
	log.Infof("Disconnected relay client %s", wsc.remoteAddr)
}

// clientSend writes queued frames to wsc until it disconnects.
func (s *Server) clientSend(wsc *wsClient) {
	defer s.wg.Done()

	for {
		select {
		case f := <-wsc.frames:
			err := wsc.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err == nil {
				err = wsc.conn.WriteJSON(f)
			}
			if err != nil {
				log.Warnf("Failed websocket send to client %s: %v",
					wsc.remoteAddr, err)
				wsc.disconnect()
				return
			}

		case <-wsc.quit:
			return
		}
	}
}

// Stop disconnects every client and waits for their goroutines.
func (s *Server) Stop() {
	s.quitOnce.Do(func() {
		close(s.quit)

		s.mu.Lock()
		for _, members := range s.channels {
			for _, c := range members {
				c.disconnect()
			}
		}
		s.mu.Unlock()

		s.wg.Wait()
	})
}

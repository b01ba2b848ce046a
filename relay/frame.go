// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package relay

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// frameType identifies a relay frame.
type frameType string

// Relay frame types.  A client opens with hello and the relay answers with
// welcome, listing the copayers already present on the channel.  join and
// leave announce later arrivals and departures; data carries a wallet
// message.
const (
	frameHello   frameType = "hello"
	frameWelcome frameType = "welcome"
	frameJoin    frameType = "join"
	frameLeave   frameType = "leave"
	frameData    frameType = "data"
	frameError   frameType = "error"
)

// helloMagic prefixes the signed hello digest.
const helloMagic = "copay relay hello"

// MaxClockSkew bounds the age of an accepted hello.
const MaxClockSkew = 5 * time.Minute

// frame is the JSON object exchanged with the relay.
type frame struct {
	Type frameType `json:"type"`

	// Hello fields.
	Channel   string `json:"channel,omitempty"`
	CopayerID string `json:"copayerId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Signature string `json:"signature,omitempty"`

	// Welcome, join and leave fields.
	Peers []string `json:"peers,omitempty"`

	// Data fields.  From is set by the relay to the authenticated
	// sender.
	ID      string          `json:"id,omitempty"`
	From    string          `json:"from,omitempty"`
	To      []string        `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	Error string `json:"error,omitempty"`
}

// ChannelID returns the relay channel of a wallet session key.  The key
// itself never leaves the copayers.
func ChannelID(netKey [8]byte) string {
	h := sha256.Sum256(netKey[:])
	return hex.EncodeToString(h[:16])
}

// helloDigest returns the hash signed in a hello frame.
func helloDigest(channel, copayerID string, timestamp int64) []byte {
	var buf bytes.Buffer
	buf.WriteString(helloMagic)
	buf.WriteString(channel)
	buf.WriteString(copayerID)
	buf.WriteString(strconv.FormatInt(timestamp, 10))
	return chainhash.DoubleHashB(buf.Bytes())
}

// newHello returns a hello frame for copayerID signed with the hex encoded
// identityKey.
func newHello(channel, copayerID, identityKey string,
	now time.Time) (*frame, error) {

	keyBytes, err := hex.DecodeString(identityKey)
	if err != nil {
		return nil, fmt.Errorf("invalid identity key: %w", err)
	}
	priv, pub := btcec.PrivKeyFromBytes(keyBytes)
	if hex.EncodeToString(pub.SerializeCompressed()) != copayerID {
		return nil, errors.New("identity key does not match copayer id")
	}

	ts := now.Unix()
	sig := ecdsa.Sign(priv, helloDigest(channel, copayerID, ts))
	return &frame{
		Type:      frameHello,
		Channel:   channel,
		CopayerID: copayerID,
		Timestamp: ts,
		Signature: hex.EncodeToString(sig.Serialize()),
	}, nil
}

// verifyHello checks that f is a hello signed by the key of its copayer id
// within MaxClockSkew of now.
func verifyHello(f *frame, now time.Time) error {
	if f.Type != frameHello {
		return fmt.Errorf("expected hello, got %q", f.Type)
	}
	if f.Channel == "" {
		return errors.New("hello without channel")
	}

	skew := now.Sub(time.Unix(f.Timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return fmt.Errorf("hello timestamp off by %v", skew)
	}

	pubBytes, err := hex.DecodeString(f.CopayerID)
	if err != nil {
		return fmt.Errorf("invalid copayer id: %w", err)
	}
	pub, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return fmt.Errorf("invalid copayer id: %w", err)
	}
	sigBytes, err := hex.DecodeString(f.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}

	digest := helloDigest(f.Channel, f.CopayerID, f.Timestamp)
	if !sig.Verify(digest, pub) {
		return errors.New("hello signature does not verify")
	}
	return nil
}

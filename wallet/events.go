// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/lightningnetwork/lnd/queue"

	"github.com/copaywallet/copayd/txproposal"
)

// eventQueueSize is the buffer size of each subscription queue.
const eventQueueSize = 20

// EventType names a wallet notification.
type EventType string

// Wallet notifications.
const (
	EventTxProposalsUpdated   EventType = "txProposalsUpdated"
	EventTxProposal           EventType = "txProposalEvent"
	EventPublicKeyRingUpdated EventType = "publicKeyRingUpdated"
	EventAddressBookUpdated   EventType = "addressBookUpdated"
	EventConnect              EventType = "connect"
	EventDisconnect           EventType = "disconnect"
	EventReady                EventType = "ready"
	EventStoreError           EventType = "storeError"
)

// Event is a wallet notification.
type Event struct {
	Type EventType

	// PeerID is set for connect and disconnect events and for events
	// caused by a peer message.
	PeerID string

	// ProposalID and ProposalEvent are set for EventTxProposal.
	ProposalID    string
	ProposalEvent txproposal.EventType

	// Err is set for EventStoreError and for corrupt proposals.
	Err error
}

// Subscription delivers wallet events to one consumer.  Events are queued
// without bound so a slow consumer never stalls the wallet.
type Subscription struct {
	id uint64
	q  *queue.ConcurrentQueue
	w  *Wallet
}

// Events returns the channel of *Event values.
func (s *Subscription) Events() <-chan interface{} {
	return s.q.ChanOut()
}

// Cancel stops the subscription.
func (s *Subscription) Cancel() {
	s.w.subMu.Lock()
	_, ok := s.w.subscribers[s.id]
	delete(s.w.subscribers, s.id)
	s.w.subMu.Unlock()

	if ok {
		s.q.Stop()
	}
}

// Subscribe registers a new event consumer.
func (w *Wallet) Subscribe() *Subscription {
	q := queue.NewConcurrentQueue(eventQueueSize)
	q.Start()

	w.subMu.Lock()
	defer w.subMu.Unlock()

	w.nextSubID++
	sub := &Subscription{id: w.nextSubID, q: q, w: w}
	w.subscribers[sub.id] = sub
	return sub
}

// notify hands events to every subscriber.
func (w *Wallet) notify(events ...*Event) {
	w.subMu.Lock()
	defer w.subMu.Unlock()

	for _, ev := range events {
		log.Tracef("Event %s %s", ev.Type, ev.PeerID)
		for _, sub := range w.subscribers {
			select {
			case sub.q.ChanIn() <- ev:
			case <-w.quit:
				return
			}
		}
	}
}

// stopSubscribers stops every subscription queue.
func (w *Wallet) stopSubscribers() {
	w.subMu.Lock()
	subs := w.subscribers
	w.subscribers = make(map[uint64]*Subscription)
	w.subMu.Unlock()

	for _, sub := range subs {
		sub.q.Stop()
	}
}

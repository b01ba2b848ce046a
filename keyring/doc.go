// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package keyring implements the shared key ring of an M-of-N multisig copayer
wallet.

Every copayer contributes the extended public key of its BIP45 branch
(m/45'). Addresses live under m/45'/<copayer>/<change>/<index>, where
<copayer> is either the index of the copayer that generated the address or
SharedIndex for the branch shared by everybody. The redeem script of an
address combines the child public keys of every copayer at the same relative
path, sorted lexicographically, into an M-of-N CHECKMULTISIG script.

Each replica of the ring tracks, per copayer index, how many receive and
change addresses have been generated (HDParams). Replicas converge by
exchanging their rings and merging them: keys are appended in insertion
order, counters are merged by taking the maximum, backup confirmations and
nicknames are unioned.

A ring is not safe for concurrent mutation; callers serialize access.
*/
package keyring

// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package txproposal implements pending multisig transactions shared between
the copayers of a wallet.

A proposal wraps an unsigned transaction together with the unspent outputs it
spends, the redeem scripts of its P2SH inputs and the raw signatures collected
so far. Proposals are keyed by their ntxid, the hash of the transaction with
every signature script removed, so two copayers that build the same spend end
up with the same id.

Replicas exchange proposals and merge them. Before an incoming proposal is
accepted, every signature it carries must use SIGHASH_ALL and must verify
against the sighash of its input. Signatures and the seen/signed/rejected
maps are unioned; an existing timestamp is never replaced.

Once every input has enough signatures, SignedTx assembles the final
signature scripts (OP_0 <sigs...> <redeemScript> for multisig inputs) and
runs each through the script engine before returning the transaction.
*/
package txproposal

// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txproposal

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

const (
	// ErrCommentTooLong indicates a proposal comment longer than
	// MaxCommentLength characters.
	ErrCommentTooLong ErrorCode = iota

	// ErrUnknownProposal indicates a proposal id that is not in the
	// collection.
	ErrUnknownProposal

	// ErrAlreadySent indicates an attempt to sign or reject a proposal
	// that was already broadcast.
	ErrAlreadySent

	// ErrFullySigned indicates an attempt to sign a proposal that already
	// carries every required signature.
	ErrFullySigned

	// ErrNoKeyMaterial indicates that none of the given keys can sign any
	// input of the proposal.
	ErrNoKeyMaterial

	// ErrInvalidProposal indicates a structurally invalid proposal, such
	// as inputs that do not match the declared unspent outputs.
	ErrInvalidProposal

	// ErrBadSigHash indicates a signature or builder whose sighash mode
	// is not SIGHASH_ALL.
	ErrBadSigHash

	// ErrBadSignature indicates a signature that does not verify against
	// its input.
	ErrBadSignature

	// ErrTxSerialization indicates a transaction that could not be
	// serialized or deserialized.
	ErrTxSerialization

	// ErrSigning indicates an error while producing a signature or a
	// signature script.
	ErrSigning

	// ErrNotEnoughSigs indicates a signed transaction requested before
	// every input has its required signatures.
	ErrNotEnoughSigs

	// lastErr is used for testing, making it possible to iterate over
	// the error codes in order to check that they all have proper
	// translations in errorCodeStrings.
	lastErr
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrCommentTooLong:  "ErrCommentTooLong",
	ErrUnknownProposal: "ErrUnknownProposal",
	ErrAlreadySent:     "ErrAlreadySent",
	ErrFullySigned:     "ErrFullySigned",
	ErrNoKeyMaterial:   "ErrNoKeyMaterial",
	ErrInvalidProposal: "ErrInvalidProposal",
	ErrBadSigHash:      "ErrBadSigHash",
	ErrBadSignature:    "ErrBadSignature",
	ErrTxSerialization: "ErrTxSerialization",
	ErrSigning:         "ErrSigning",
	ErrNotEnoughSigs:   "ErrNotEnoughSigs",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error is a typed error for all errors arising from proposal handling.
type Error struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e Error) Unwrap() error {
	return e.Err
}

// newError creates a new Error.
func newError(c ErrorCode, desc string, err error) Error {
	return Error{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether err is an Error with the given code.
func IsError(err error, code ErrorCode) bool {
	var e Error
	return errors.As(err, &e) && e.ErrorCode == code
}

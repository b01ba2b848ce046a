// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Storage implementations when no wallet is
// stored under the requested id.
var ErrNotFound = errors.New("wallet not found")

// ErrorCode identifies a kind of error.
type ErrorCode int

const (
	// ErrIllegalArgument indicates a missing or malformed argument, such
	// as an empty proposal id.
	ErrIllegalArgument ErrorCode = iota

	// ErrValidation indicates input that failed validation, such as an
	// unparsable amount or an overlong comment.
	ErrValidation

	// ErrStateConflict indicates an operation that conflicts with the
	// current wallet state.
	ErrStateConflict

	// ErrIncompleteRing indicates an operation that needs every copayer
	// key before the ring is complete.
	ErrIncompleteRing

	// ErrBadSecret indicates a malformed join secret.
	ErrBadSecret

	// ErrInsufficientFunds indicates that the spendable outputs cannot
	// fund a transaction.
	ErrInsufficientFunds

	// ErrNoPrivateKey indicates an operation that needs the local
	// private key on a wallet without one.
	ErrNoPrivateKey

	// ErrWrongNetwork indicates an address, ring or secret of another
	// network.
	ErrWrongNetwork

	// ErrWalletFull indicates a join attempt on a wallet whose ring is
	// already complete.
	ErrWalletFull

	// ErrDuplicateEntry indicates an address book entry that already
	// exists.
	ErrDuplicateEntry

	// ErrUnknownEntry indicates an address book entry that does not
	// exist.
	ErrUnknownEntry

	// ErrStorage indicates a failure of the Storage collaborator.
	ErrStorage

	// ErrNetwork indicates a failure of the Network collaborator.
	ErrNetwork

	// ErrBlockchain indicates a failure of the Blockchain collaborator.
	ErrBlockchain

	// lastErr is used for testing, making it possible to iterate over
	// the error codes in order to check that they all have proper
	// translations in errorCodeStrings.
	lastErr
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrIllegalArgument:   "ErrIllegalArgument",
	ErrValidation:        "ErrValidation",
	ErrStateConflict:     "ErrStateConflict",
	ErrIncompleteRing:    "ErrIncompleteRing",
	ErrBadSecret:         "ErrBadSecret",
	ErrInsufficientFunds: "ErrInsufficientFunds",
	ErrNoPrivateKey:      "ErrNoPrivateKey",
	ErrWrongNetwork:      "ErrWrongNetwork",
	ErrWalletFull:        "ErrWalletFull",
	ErrDuplicateEntry:    "ErrDuplicateEntry",
	ErrUnknownEntry:      "ErrUnknownEntry",
	ErrStorage:           "ErrStorage",
	ErrNetwork:           "ErrNetwork",
	ErrBlockchain:        "ErrBlockchain",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error is a typed error for all errors arising from wallet operations.
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

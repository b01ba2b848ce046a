// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keyring

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

const (
	// ErrMergeMismatch indicates an attempt to merge HD params that belong
	// to different copayer indexes.
	ErrMergeMismatch ErrorCode = iota

	// ErrUnknownCosigner indicates a copayer index or id that is not
	// registered in the ring.
	ErrUnknownCosigner

	// ErrRingFull indicates an attempt to add a copayer to a complete
	// ring.
	ErrRingFull

	// ErrDuplicateCopayer indicates an attempt to add an extended key that
	// is already part of the ring.
	ErrDuplicateCopayer

	// ErrIncompleteRing indicates an address derivation attempted before
	// every copayer joined.
	ErrIncompleteRing

	// ErrWrongNetwork indicates a key or ring that belongs to another
	// bitcoin network.
	ErrWrongNetwork

	// ErrConfigMismatch indicates a merge between rings with different
	// wallet ids or M-of-N parameters.
	ErrConfigMismatch

	// ErrRingConflict indicates a merge that would reorder the copayers
	// of a complete ring.
	ErrRingConflict

	// ErrInvalidKey indicates an extended key that could not be parsed.
	ErrInvalidKey

	// ErrKeyIsPrivate indicates that a private key was used where a public
	// one was expected.
	ErrKeyIsPrivate

	// ErrInvalidPath indicates a malformed HD path.
	ErrInvalidPath

	// ErrInvalidConfig indicates invalid M-of-N parameters.
	ErrInvalidConfig

	// ErrKeyChain indicates an error deriving a child extended key.
	ErrKeyChain

	// ErrScriptCreation indicates that the creation of a redeem script
	// failed.
	ErrScriptCreation

	// ErrSerialization indicates a ring object that could not be
	// restored.
	ErrSerialization

	// lastErr is used for testing, making it possible to iterate over
	// the error codes in order to check that they all have proper
	// translations in errorCodeStrings.
	lastErr
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrMergeMismatch:    "ErrMergeMismatch",
	ErrUnknownCosigner:  "ErrUnknownCosigner",
	ErrRingFull:         "ErrRingFull",
	ErrDuplicateCopayer: "ErrDuplicateCopayer",
	ErrIncompleteRing:   "ErrIncompleteRing",
	ErrWrongNetwork:     "ErrWrongNetwork",
	ErrConfigMismatch:   "ErrConfigMismatch",
	ErrRingConflict:     "ErrRingConflict",
	ErrInvalidKey:       "ErrInvalidKey",
	ErrKeyIsPrivate:     "ErrKeyIsPrivate",
	ErrInvalidPath:      "ErrInvalidPath",
	ErrInvalidConfig:    "ErrInvalidConfig",
	ErrKeyChain:         "ErrKeyChain",
	ErrScriptCreation:   "ErrScriptCreation",
	ErrSerialization:    "ErrSerialization",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error is a typed error for all errors arising from key ring operations.
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

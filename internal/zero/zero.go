// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package zero clears passphrases and key material from memory.
package zero

// Bytes sets all bytes in the passed slice to zero.
func Bytes(b []byte) {
	clear(b)
}

// Bytea32 clears a 32-byte key.
func Bytea32(b *[32]byte) {
	*b = [32]byte{}
}

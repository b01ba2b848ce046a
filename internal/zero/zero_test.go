// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package zero

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBytes(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 31, 32, 33, 100, 4096} {
		b := bytes.Repeat([]byte{0xff}, n)
		Bytes(b)
		require.Equal(t, make([]byte, n), b, "len %d", n)
	}
	Bytes(nil)
}

func TestBytea32(t *testing.T) {
	t.Parallel()

	var key [32]byte
	for i := range key {
		key[i] = byte(i + 1)
	}
	Bytea32(&key)
	require.Equal(t, [32]byte{}, key)
}

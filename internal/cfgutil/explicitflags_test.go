// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExplicitString(t *testing.T) {
	t.Parallel()

	s := NewExplicitString("https://a")
	require.False(t, s.ExplicitlySet())
	s.SetDefault("https://b")
	require.Equal(t, "https://b", s.Value)

	require.NoError(t, s.UnmarshalFlag("https://b"))
	require.True(t, s.ExplicitlySet())
	s.SetDefault("https://c")
	require.Equal(t, "https://b", s.Value)

	v, err := s.MarshalFlag()
	require.NoError(t, err)
	require.Equal(t, "https://b", v)
}

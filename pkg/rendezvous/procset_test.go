// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package rendezvous

import (
	"testing"

	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestParseProcSet(t *testing.T) {
	t.Parallel()

	cases := []struct {
		desc      string
		canonical string
		ranks     []int
	}{
		{desc: "", canonical: "*", ranks: []int{0, 1, 2, 3}},
		{desc: "*", canonical: "*", ranks: []int{0, 1, 2, 3}},
		{desc: "2", canonical: "2", ranks: []int{2}},
		{desc: "3,0,2-3", canonical: "0,2-3", ranks: []int{0, 2, 3}},
		{desc: "0-1,2", canonical: "0-2", ranks: []int{0, 1, 2}},
		{desc: " 1,3 ", canonical: "1,3", ranks: []int{1, 3}},
		{desc: "0-3", canonical: "*", ranks: []int{0, 1, 2, 3}},
		{desc: "3,1-2,0-1", canonical: "*", ranks: []int{0, 1, 2, 3}},
		{desc: "0-2,1-2,1", canonical: "0-2", ranks: []int{0, 1, 2}},
	}
	for _, cs := range cases {
		ps, err := ParseProcSet(cs.desc, 4)
		require.NoError(t, err, cs.desc)
		require.Equal(t, cs.canonical, ps.String(), cs.desc)
		require.Equal(t, cs.ranks, ps.Ranks(4), cs.desc)

		again, err := ParseProcSet(ps.String(), 4)
		require.NoError(t, err)
		require.Equal(t, ps, again)
	}

	for _, bad := range []string{"a", "1,,2", "3-1", "-1", "1-"} {
		_, err := ParseProcSet(bad, 4)
		require.True(t, cerror.ErrMalformedRequest.Equal(err), bad)
	}

	// Out of range members are rejected without expanding the range.
	for _, bad := range []string{"4", "0-3,4", "0-999999999", "2147483647"} {
		_, err := ParseProcSet(bad, 4)
		require.True(t, cerror.ErrInvalidRank.Equal(err), bad)
	}
}

func TestProcSetCanonical(t *testing.T) {
	t.Parallel()

	require.True(t, NewProcSet(3, 2, 1, 0).Canonical(4).IsAll())
	require.Equal(t, "*", NewProcSet(0, 1).Canonical(2).String())
	require.Equal(t, "0-1", NewProcSet(0, 1).Canonical(3).String())
	require.Equal(t, "1-2", NewProcSet(1, 2).Canonical(2).String())
	require.True(t, AllProcs().Canonical(4).IsAll())
	require.Empty(t, NewProcSet().Canonical(0).Ranks(0))
}

func TestProcSetMembership(t *testing.T) {
	t.Parallel()

	ps := NewProcSet(4, 1, 1)
	require.True(t, ps.Contains(1))
	require.True(t, ps.Contains(4))
	require.False(t, ps.Contains(2))
	require.False(t, ps.IsAll())

	require.True(t, AllProcs().Contains(7))
	require.True(t, AllProcs().IsAll())

	require.NoError(t, ps.Validate(5))
	require.True(t, cerror.ErrInvalidRank.Equal(ps.Validate(4)))
	require.True(t, cerror.ErrMalformedRequest.Equal(NewProcSet().Validate(4)))
	require.NoError(t, AllProcs().Validate(1))
}

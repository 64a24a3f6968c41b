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
	"fmt"
	"testing"

	"github.com/mpik8s/rdzv/pkg/config"
	"github.com/mpik8s/rdzv/pkg/discovery"
	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestResult(size int) *discovery.Result {
	result := &discovery.Result{Size: size}
	for i := 0; i < size; i++ {
		result.Endpoints = append(result.Endpoints, discovery.PeerEndpoint{
			Index: i,
			Addr:  fmt.Sprintf("10.0.0.%d:5000", i+1),
			State: discovery.StateResolved,
		})
	}
	return result
}

func newTestDirectory(t *testing.T, index, size, nprocs int) *Directory {
	id := &config.JobIdentity{
		JobName: "job", K8sNamespace: "ns", Index: index, NProcs: nprocs,
	}
	dir, err := NewDirectory(id, newTestResult(size))
	require.NoError(t, err)
	return dir
}

func TestDirectory(t *testing.T) {
	t.Parallel()

	dir := newTestDirectory(t, 1, 3, 2)
	require.Equal(t, 1, dir.Self())
	require.Equal(t, 3, dir.Size())
	require.Equal(t, 6, dir.WorldSize())
	require.Equal(t, "ns.job", dir.NamespaceID())

	ep, err := dir.Lookup(2)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.3:5000", ep.Addr)
	_, err = dir.Lookup(3)
	require.True(t, cerror.ErrDiscoveryInvalidIndex.Equal(err))

	peers := dir.Peers()
	require.Len(t, peers, 2)
	require.Equal(t, 0, peers[0].Index)
	require.Equal(t, 2, peers[1].Index)

	require.Equal(t, []string{"job-0", "job-1", "job-2"}, dir.Hostnames())
}

func TestDirectoryRanks(t *testing.T) {
	t.Parallel()

	const units, nprocs = 4, 3
	seen := make(map[int]bool)
	for index := 0; index < units; index++ {
		dir := newTestDirectory(t, index, units, nprocs)
		for local := 0; local < nprocs; local++ {
			rank := dir.GlobalRank(local)
			require.False(t, seen[rank])
			seen[rank] = true
			require.Equal(t, index, dir.UnitOfRank(rank))
			back, ok := dir.LocalRank(rank)
			require.True(t, ok)
			require.Equal(t, local, back)
		}
	}
	require.Len(t, seen, units*nprocs)

	dir := newTestDirectory(t, 0, units, nprocs)
	_, ok := dir.LocalRank(3)
	require.False(t, ok)
	require.False(t, dir.ValidRank(units*nprocs))
	require.False(t, dir.ValidRank(-1))
}

func TestDirectoryUnitsOf(t *testing.T) {
	t.Parallel()

	dir := newTestDirectory(t, 1, 4, 2)
	require.Equal(t, []int{0, 1, 2, 3}, dir.UnitsOf(AllProcs()))
	require.Equal(t, []int{0, 2}, dir.UnitsOf(NewProcSet(1, 0, 5)))
	require.Equal(t, []int{1, 3}, dir.UnitsOf(NewProcSet(3, 6, 7)))

	require.Equal(t, []int{0, 1}, dir.LocalRanksOf(AllProcs()))
	require.Equal(t, []int{1}, dir.LocalRanksOf(NewProcSet(0, 3)))
	require.Empty(t, dir.LocalRanksOf(NewProcSet(0, 1)))
}

func TestNewDirectoryErrors(t *testing.T) {
	t.Parallel()

	id := &config.JobIdentity{JobName: "job", K8sNamespace: "ns", Index: 0, NProcs: 1, Size: 3}
	_, err := NewDirectory(id, newTestResult(2))
	require.True(t, cerror.ErrInvalidJobIdentity.Equal(err))

	id.Size = 0
	result := newTestResult(2)
	result.Endpoints[1].State = discovery.StatePending
	_, err = NewDirectory(id, result)
	require.True(t, cerror.ErrDiscoveryIncomplete.Equal(err))

	id.Index = 2
	_, err = NewDirectory(id, newTestResult(2))
	require.True(t, cerror.ErrInvalidJobIdentity.Equal(err))
}

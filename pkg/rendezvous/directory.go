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

	"github.com/mpik8s/rdzv/pkg/config"
	"github.com/mpik8s/rdzv/pkg/discovery"
	cerror "github.com/mpik8s/rdzv/pkg/errors"
)

// Directory is the address book of a run. It is built once from a completed
// discovery and never changes afterwards, so it is safe for concurrent use.
type Directory struct {
	identity  config.JobIdentity
	endpoints []discovery.PeerEndpoint
}

// NewDirectory builds a Directory for the unit described by id. The unit
// count is taken from the discovery result and must agree with id.Size when
// the latter is already known.
func NewDirectory(id *config.JobIdentity, result *discovery.Result) (*Directory, error) {
	if id.Size > 0 && id.Size != result.Size {
		return nil, cerror.ErrInvalidJobIdentity.GenWithStackByArgs(
			fmt.Sprintf("configured unit count %d differs from the discovered %d", id.Size, result.Size))
	}
	sized, err := id.WithSize(result.Size)
	if err != nil {
		return nil, err
	}
	if len(result.Endpoints) != result.Size {
		return nil, cerror.ErrDiscoveryFailed.GenWithStackByArgs()
	}
	endpoints := make([]discovery.PeerEndpoint, result.Size)
	for _, ep := range result.Endpoints {
		if ep.Index < 0 || ep.Index >= result.Size {
			return nil, cerror.ErrDiscoveryInvalidIndex.GenWithStackByArgs(ep.Index, result.Size)
		}
		if ep.State != discovery.StateResolved {
			return nil, cerror.ErrDiscoveryIncomplete.GenWithStackByArgs(
				ep.Index, id.JobName, "endpoint is "+ep.State.String())
		}
		endpoints[ep.Index] = ep
	}
	return &Directory{identity: *sized, endpoints: endpoints}, nil
}

// Identity returns the identity of the local unit, with the unit count set.
func (d *Directory) Identity() config.JobIdentity {
	return d.identity
}

// Self returns the index of the local unit.
func (d *Directory) Self() int {
	return d.identity.Index
}

// Size returns the unit count P.
func (d *Directory) Size() int {
	return d.identity.Size
}

// NProcs returns the worker count N of every unit.
func (d *Directory) NProcs() int {
	return d.identity.NProcs
}

// WorldSize returns P*N.
func (d *Directory) WorldSize() int {
	return d.identity.WorldSize()
}

// NamespaceID returns the identifier of the job's process group.
func (d *Directory) NamespaceID() string {
	return d.identity.NamespaceID()
}

// Lookup returns the endpoint of the unit with the given index.
func (d *Directory) Lookup(index int) (discovery.PeerEndpoint, error) {
	if index < 0 || index >= len(d.endpoints) {
		return discovery.PeerEndpoint{}, cerror.ErrDiscoveryInvalidIndex.GenWithStackByArgs(index, len(d.endpoints))
	}
	return d.endpoints[index], nil
}

// Peers returns the endpoints of every unit except the local one.
func (d *Directory) Peers() []discovery.PeerEndpoint {
	peers := make([]discovery.PeerEndpoint, 0, len(d.endpoints)-1)
	for _, ep := range d.endpoints {
		if ep.Index != d.identity.Index {
			peers = append(peers, ep)
		}
	}
	return peers
}

// ValidRank reports whether rank is in [0, P*N).
func (d *Directory) ValidRank(rank int) bool {
	return rank >= 0 && rank < d.WorldSize()
}

// UnitOfRank returns the index of the unit owning a global rank.
func (d *Directory) UnitOfRank(rank int) int {
	return rank / d.identity.NProcs
}

// GlobalRank returns the global rank of a local rank of the local unit.
func (d *Directory) GlobalRank(localRank int) int {
	return d.identity.GlobalRank(localRank)
}

// LocalRank returns the local rank of a global rank owned by the local unit,
// and false for ranks owned by other units.
func (d *Directory) LocalRank(rank int) (int, bool) {
	if !d.ValidRank(rank) || d.UnitOfRank(rank) != d.identity.Index {
		return 0, false
	}
	return rank % d.identity.NProcs, true
}

// UnitsOf returns the sorted indices of the units owning at least one
// member of ps.
func (d *Directory) UnitsOf(ps ProcSet) []int {
	if ps.IsAll() {
		units := make([]int, d.identity.Size)
		for i := range units {
			units[i] = i
		}
		return units
	}
	var units []int
	for _, rank := range ps.Ranks(d.WorldSize()) {
		if !d.ValidRank(rank) {
			continue
		}
		unit := d.UnitOfRank(rank)
		if len(units) == 0 || units[len(units)-1] != unit {
			units = append(units, unit)
		}
	}
	return units
}

// LocalRanksOf returns the local ranks of the local unit that are members
// of ps.
func (d *Directory) LocalRanksOf(ps ProcSet) []int {
	locals := make([]int, 0, d.identity.NProcs)
	for local := 0; local < d.identity.NProcs; local++ {
		if ps.Contains(d.GlobalRank(local)) {
			locals = append(locals, local)
		}
	}
	return locals
}

// Hostnames returns the host names of all units, by index.
func (d *Directory) Hostnames() []string {
	return d.identity.Hostnames()
}

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

package fence

import (
	"fmt"
	"sort"
	"time"

	"github.com/mpik8s/rdzv/pkg/kv"
	"github.com/mpik8s/rdzv/pkg/rendezvous"
)

// State is the progress of a round at one unit.
type State int

// Round states.
const (
	// StateCollecting waits for local member ranks to arm the round.
	StateCollecting State = iota
	// StateExchanging waits for the contributions of peer units.
	StateExchanging
	// StateMerged means the merged snapshot is available.
	StateMerged
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateExchanging:
		return "exchanging"
	case StateMerged:
		return "merged"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// RoundID identifies a round across all units.
type RoundID struct {
	// Set is the canonical descriptor of the process set.
	Set string
	// Seq starts at 1 and grows by one per merged round of Set.
	Seq uint64
}

func (id RoundID) String() string {
	return fmt.Sprintf("%s/%d", id.Set, id.Seq)
}

// Contribution is everything one unit adds to a round.
type Contribution struct {
	Round RoundID
	Unit  int
	// Collect is false when the unit's ranks fenced without data collection,
	// Entries is empty then and readers fetch values on demand.
	Collect bool
	Entries []kv.Entry
}

// Round is the state of one fence round at the local unit.
type Round struct {
	ID      RoundID
	ProcSet rendezvous.ProcSet
	State   State
	Collect bool

	// Opened is set when the first local rank arms the round.
	Opened time.Time

	expectedLocal []int
	armed         map[int]struct{}
	localEntries  []kv.Entry

	// expectedUnits are the peer units owning a member of ProcSet.
	expectedUnits []int
	received      map[int]*Contribution

	merged []kv.Entry
	// undelivered are peer units that contributed without data.
	undelivered []int
}

func newRound(id RoundID, ps rendezvous.ProcSet, dir *rendezvous.Directory) *Round {
	units := dir.UnitsOf(ps)
	peers := make([]int, 0, len(units))
	for _, u := range units {
		if u != dir.Self() {
			peers = append(peers, u)
		}
	}
	return &Round{
		ID:            id,
		ProcSet:       ps,
		State:         StateCollecting,
		expectedLocal: dir.LocalRanksOf(ps),
		armed:         make(map[int]struct{}),
		expectedUnits: peers,
		received:      make(map[int]*Contribution),
	}
}

// IsArmed reports whether a local rank armed the round.
func (r *Round) IsArmed(localRank int) bool {
	_, ok := r.armed[localRank]
	return ok
}

// ArmedRanks returns the local ranks that armed the round, sorted.
func (r *Round) ArmedRanks() []int {
	ranks := make([]int, 0, len(r.armed))
	for rank := range r.armed {
		ranks = append(ranks, rank)
	}
	sort.Ints(ranks)
	return ranks
}

// ExpectedUnits returns the peer units the round exchanges with.
func (r *Round) ExpectedUnits() []int {
	return r.expectedUnits
}

// MissingUnits returns the peer units that have not contributed yet.
func (r *Round) MissingUnits() []int {
	var missing []int
	for _, u := range r.expectedUnits {
		if _, ok := r.received[u]; !ok {
			missing = append(missing, u)
		}
	}
	return missing
}

// Merged returns the merged entries, sorted by rank then key. It is only
// meaningful once the round is merged.
func (r *Round) Merged() []kv.Entry {
	return r.merged
}

// Undelivered returns the peer units whose data must be fetched on demand.
func (r *Round) Undelivered() []int {
	return r.undelivered
}

// LocalEntries returns the entries staged by the local ranks that armed the
// round.
func (r *Round) LocalEntries() []kv.Entry {
	return r.localEntries
}

// LocalContribution returns what the local unit sends to its peers.
func (r *Round) LocalContribution(self int) *Contribution {
	c := &Contribution{Round: r.ID, Unit: self, Collect: r.Collect}
	if r.Collect {
		c.Entries = r.localEntries
	}
	return c
}

func (r *Round) collected() bool {
	return len(r.armed) == len(r.expectedLocal)
}

func (r *Round) exchanged() bool {
	return len(r.received) == len(r.expectedUnits)
}

func (r *Round) merge() {
	merged := append([]kv.Entry(nil), r.localEntries...)
	for _, u := range r.expectedUnits {
		c := r.received[u]
		if !c.Collect {
			r.undelivered = append(r.undelivered, u)
		}
		merged = append(merged, c.Entries...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Rank != merged[j].Rank {
			return merged[i].Rank < merged[j].Rank
		}
		return merged[i].Key < merged[j].Key
	})
	r.merged = merged
	r.State = StateMerged
}

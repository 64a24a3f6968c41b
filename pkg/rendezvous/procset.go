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
	"sort"
	"strconv"
	"strings"

	cerror "github.com/mpik8s/rdzv/pkg/errors"
)

// AllProcsKey is the descriptor of the set of all ranks.
const AllProcsKey = "*"

// ProcSet is a set of global ranks taking part in a fence. The zero value
// is the set of all ranks.
type ProcSet struct {
	// ranks is sorted and free of duplicates, nil means all ranks.
	ranks []int
}

// AllProcs returns the set of all ranks.
func AllProcs() ProcSet {
	return ProcSet{}
}

// NewProcSet returns the set of the given ranks.
func NewProcSet(ranks ...int) ProcSet {
	if len(ranks) == 0 {
		return ProcSet{ranks: []int{}}
	}
	sorted := append([]int(nil), ranks...)
	sort.Ints(sorted)
	uniq := sorted[:1]
	for _, r := range sorted[1:] {
		if r != uniq[len(uniq)-1] {
			uniq = append(uniq, r)
		}
	}
	return ProcSet{ranks: uniq}
}

// ParseProcSet parses a descriptor such as "0,2-3" in a world of worldSize
// ranks. An empty descriptor, "*" and any descriptor naming every rank are
// the set of all ranks. Ranks outside [0, worldSize) are rejected before
// ranges are expanded.
func ParseProcSet(desc string, worldSize int) (ProcSet, error) {
	desc = strings.TrimSpace(desc)
	if desc == "" || desc == AllProcsKey {
		return AllProcs(), nil
	}
	malformed := func() error {
		return cerror.ErrMalformedRequest.GenWithStackByArgs(
			fmt.Sprintf("bad process set %q", desc))
	}
	type interval struct{ first, last int }
	var intervals []interval
	for _, part := range strings.Split(desc, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil || first < 0 {
			return ProcSet{}, malformed()
		}
		last := first
		if isRange {
			last, err = strconv.Atoi(hi)
			if err != nil || last < first {
				return ProcSet{}, malformed()
			}
		}
		if last >= worldSize {
			return ProcSet{}, cerror.ErrInvalidRank.GenWithStackByArgs(
				last, fmt.Sprintf("out of range [0, %d)", worldSize))
		}
		intervals = append(intervals, interval{first: first, last: last})
	}

	sort.Slice(intervals, func(i, j int) bool {
		return intervals[i].first < intervals[j].first
	})
	ranks := make([]int, 0, len(intervals))
	next := 0
	for _, iv := range intervals {
		if iv.first < next {
			iv.first = next
		}
		for r := iv.first; r <= iv.last; r++ {
			ranks = append(ranks, r)
		}
		if iv.last+1 > next {
			next = iv.last + 1
		}
	}
	return ProcSet{ranks: ranks}.Canonical(worldSize), nil
}

// Canonical returns the set of all ranks when p names every rank of a world
// of worldSize ranks, p otherwise.
func (p ProcSet) Canonical(worldSize int) ProcSet {
	if p.IsAll() || worldSize <= 0 || len(p.ranks) != worldSize {
		return p
	}
	if p.ranks[0] == 0 && p.ranks[len(p.ranks)-1] == worldSize-1 {
		return AllProcs()
	}
	return p
}

// IsAll returns true for the set of all ranks.
func (p ProcSet) IsAll() bool {
	return p.ranks == nil
}

// Contains reports whether rank is a member.
func (p ProcSet) Contains(rank int) bool {
	if p.IsAll() {
		return rank >= 0
	}
	i := sort.SearchInts(p.ranks, rank)
	return i < len(p.ranks) && p.ranks[i] == rank
}

// Ranks returns the members in a world of worldSize ranks.
func (p ProcSet) Ranks(worldSize int) []int {
	if !p.IsAll() {
		return append([]int(nil), p.ranks...)
	}
	ranks := make([]int, worldSize)
	for i := range ranks {
		ranks[i] = i
	}
	return ranks
}

// Validate checks that every member is in [0, worldSize).
func (p ProcSet) Validate(worldSize int) error {
	if p.IsAll() {
		return nil
	}
	if len(p.ranks) == 0 {
		return cerror.ErrMalformedRequest.GenWithStackByArgs("empty process set")
	}
	if last := p.ranks[len(p.ranks)-1]; last >= worldSize {
		return cerror.ErrInvalidRank.GenWithStackByArgs(
			last, fmt.Sprintf("out of range [0, %d)", worldSize))
	}
	return nil
}

// String returns the canonical descriptor, which is also the key fence
// rounds are numbered by.
func (p ProcSet) String() string {
	if p.IsAll() {
		return AllProcsKey
	}
	var sb strings.Builder
	for i := 0; i < len(p.ranks); {
		j := i
		for j+1 < len(p.ranks) && p.ranks[j+1] == p.ranks[j]+1 {
			j++
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(p.ranks[i]))
		if j > i {
			sb.WriteByte('-')
			sb.WriteString(strconv.Itoa(p.ranks[j]))
		}
		i = j + 1
	}
	return sb.String()
}

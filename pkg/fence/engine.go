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

	"github.com/benbjohnson/clock"
	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/mpik8s/rdzv/pkg/kv"
	"github.com/mpik8s/rdzv/pkg/rendezvous"
)

// Outcome describes what a call to the Engine changed.
type Outcome struct {
	Round *Round
	// Send is set when the round has just entered StateExchanging and must be
	// sent to Round.ExpectedUnits().
	Send *Contribution
	// Merged is set when the round has just merged.
	Merged bool
}

// Engine tracks the fence rounds of one unit. Rounds are numbered per
// process set. A peer may be at most one round ahead of the local unit,
// because it can only open the next round after it merged the current one,
// which requires the local contribution.
//
// Engine is not safe for concurrent use.
type Engine struct {
	dir        *rendezvous.Directory
	clock      clock.Clock
	lastMerged map[string]uint64
	rounds     map[RoundID]*Round
}

// NewEngine creates an Engine.
func NewEngine(dir *rendezvous.Directory, clk clock.Clock) *Engine {
	return &Engine{
		dir:        dir,
		clock:      clk,
		lastMerged: make(map[string]uint64),
		rounds:     make(map[RoundID]*Round),
	}
}

// LastMerged returns the sequence number of the last merged round of set.
func (e *Engine) LastMerged(set string) uint64 {
	return e.lastMerged[set]
}

func (e *Engine) getOrCreate(id RoundID, ps rendezvous.ProcSet) *Round {
	r, ok := e.rounds[id]
	if !ok {
		r = newRound(id, ps, e.dir)
		e.rounds[id] = r
	}
	return r
}

// Arm adds a local rank and its staged entries to the open round of ps.
func (e *Engine) Arm(localRank int, ps rendezvous.ProcSet, collect bool, entries []kv.Entry) (Outcome, error) {
	if err := ps.Validate(e.dir.WorldSize()); err != nil {
		return Outcome{}, err
	}
	ps = ps.Canonical(e.dir.WorldSize())
	rank := e.dir.GlobalRank(localRank)
	if !ps.Contains(rank) {
		return Outcome{}, cerror.ErrInvalidRank.GenWithStackByArgs(
			rank, "not a member of process set "+ps.String())
	}
	set := ps.String()
	r := e.getOrCreate(RoundID{Set: set, Seq: e.lastMerged[set] + 1}, ps)
	if r.IsArmed(localRank) || r.State != StateCollecting {
		return Outcome{}, cerror.ErrInvalidRank.GenWithStackByArgs(
			rank, "already armed round "+r.ID.String())
	}
	if len(r.armed) == 0 {
		r.Opened = e.clock.Now()
	}
	r.Collect = r.Collect || collect
	r.armed[localRank] = struct{}{}
	r.localEntries = append(r.localEntries, entries...)

	out := Outcome{Round: r}
	if !r.collected() {
		return out, nil
	}
	r.State = StateExchanging
	out.Send = r.LocalContribution(e.dir.Self())
	if r.exchanged() {
		e.finish(r)
		out.Merged = true
	}
	return out, nil
}

// Receive adds the contribution of a peer unit.
func (e *Engine) Receive(c *Contribution) (Outcome, error) {
	desync := func(format string, args ...interface{}) error {
		return cerror.ErrProtocolDesync.GenWithStackByArgs(c.Unit, fmt.Sprintf(format, args...))
	}
	ps, err := rendezvous.ParseProcSet(c.Round.Set, e.dir.WorldSize())
	if err != nil || ps.String() != c.Round.Set {
		return Outcome{}, desync("bad process set %q", c.Round.Set)
	}
	current := e.lastMerged[c.Round.Set] + 1
	switch {
	case c.Round.Seq < current:
		return Outcome{}, desync("round %s is already merged", c.Round)
	case c.Round.Seq > current+1:
		return Outcome{}, desync("round %s is more than one round ahead of %d", c.Round, current)
	}

	r := e.getOrCreate(c.Round, ps)
	if len(r.expectedLocal) == 0 {
		return Outcome{}, desync("no local rank is a member of round %s", c.Round)
	}
	if !containsInt(r.expectedUnits, c.Unit) {
		return Outcome{}, desync("unit owns no member of round %s", c.Round)
	}
	if _, ok := r.received[c.Unit]; ok {
		return Outcome{}, desync("duplicate contribution to round %s", c.Round)
	}
	r.received[c.Unit] = c

	out := Outcome{Round: r}
	if r.State == StateExchanging && r.exchanged() {
		e.finish(r)
		out.Merged = true
	}
	return out, nil
}

func (e *Engine) finish(r *Round) {
	r.merge()
	e.lastMerged[r.ID.Set] = r.ID.Seq
	delete(e.rounds, r.ID)
}

// Rounds returns the rounds that are not merged yet, sorted by id.
func (e *Engine) Rounds() []*Round {
	rounds := make([]*Round, 0, len(e.rounds))
	for _, r := range e.rounds {
		rounds = append(rounds, r)
	}
	sort.Slice(rounds, func(i, j int) bool {
		if rounds[i].ID.Set != rounds[j].ID.Set {
			return rounds[i].ID.Set < rounds[j].ID.Set
		}
		return rounds[i].ID.Seq < rounds[j].ID.Seq
	})
	return rounds
}

// Expired returns the armed rounds opened more than timeout ago.
func (e *Engine) Expired(timeout time.Duration) []*Round {
	now := e.clock.Now()
	var expired []*Round
	for _, r := range e.Rounds() {
		if len(r.armed) > 0 && now.Sub(r.Opened) > timeout {
			expired = append(expired, r)
		}
	}
	return expired
}

// ArmedBy returns the unmerged rounds armed by a local rank.
func (e *Engine) ArmedBy(localRank int) []*Round {
	var rounds []*Round
	for _, r := range e.Rounds() {
		if r.IsArmed(localRank) {
			rounds = append(rounds, r)
		}
	}
	return rounds
}

// Waiting returns the exchanging rounds still expecting a contribution from
// unit.
func (e *Engine) Waiting(unit int) []*Round {
	var rounds []*Round
	for _, r := range e.Rounds() {
		if r.State == StateExchanging && containsInt(r.MissingUnits(), unit) {
			rounds = append(rounds, r)
		}
	}
	return rounds
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

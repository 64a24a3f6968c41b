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

package coordinator

import (
	"context"
	"sort"
	"time"
)

// RoundStatus describes an unmerged fence round.
type RoundStatus struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	ArmedRanks   []int     `json:"armed_local_ranks"`
	MissingUnits []int     `json:"missing_units"`
	Opened       time.Time `json:"opened,omitempty"`
}

// Status is a snapshot of a Coordinator, served by the status API.
type Status struct {
	Namespace      string        `json:"namespace"`
	Unit           int           `json:"unit"`
	Units          int           `json:"units"`
	NProcs         int           `json:"nprocs"`
	Workers        []string      `json:"workers"`
	Rounds         []RoundStatus `json:"rounds"`
	VisibleEntries int           `json:"visible_entries"`
	PendingGets    int           `json:"pending_gets"`
	Departed       []int         `json:"departed_units"`
	Finishing      bool          `json:"finishing"`
	Aborted        string        `json:"aborted,omitempty"`
}

// Status returns a snapshot of the coordinator state.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	resp := make(chan *Status, 1)
	if err := c.schedule(ctx, taskStatus{resp: resp}); err != nil {
		return nil, err
	}
	return await(ctx, c.closeCh, resp)
}

func (c *Coordinator) status() *Status {
	s := &Status{
		Namespace:      c.nsID,
		Unit:           c.dir.Self(),
		Units:          c.dir.Size(),
		NProcs:         c.dir.NProcs(),
		Workers:        make([]string, 0, len(c.workers)),
		Rounds:         []RoundStatus{},
		VisibleEntries: c.store.Len(),
		PendingGets:    len(c.getWaiters),
		Departed:       []int{},
		Finishing:      c.finishing,
	}
	for _, w := range c.workers {
		s.Workers = append(s.Workers, w.String())
	}
	for _, r := range c.engine.Rounds() {
		s.Rounds = append(s.Rounds, RoundStatus{
			ID:           r.ID.String(),
			State:        r.State.String(),
			ArmedRanks:   r.ArmedRanks(),
			MissingUnits: r.MissingUnits(),
			Opened:       r.Opened,
		})
	}
	for unit := range c.departed {
		s.Departed = append(s.Departed, unit)
	}
	sort.Ints(s.Departed)
	if err := c.abortErr.Load(); err != nil {
		s.Aborted = err.Error()
	}
	return s
}

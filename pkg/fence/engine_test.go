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
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mpik8s/rdzv/pkg/config"
	"github.com/mpik8s/rdzv/pkg/discovery"
	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/mpik8s/rdzv/pkg/kv"
	"github.com/mpik8s/rdzv/pkg/rendezvous"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestEngine(t *testing.T, index, size, nprocs int) (*Engine, *clock.Mock) {
	result := &discovery.Result{Size: size}
	for i := 0; i < size; i++ {
		result.Endpoints = append(result.Endpoints, discovery.PeerEndpoint{
			Index: i, Addr: fmt.Sprintf("10.0.0.%d:5000", i), State: discovery.StateResolved,
		})
	}
	dir, err := rendezvous.NewDirectory(&config.JobIdentity{
		JobName: "job", K8sNamespace: "ns", Index: index, NProcs: nprocs,
	}, result)
	require.NoError(t, err)
	clk := clock.NewMock()
	return NewEngine(dir, clk), clk
}

func entry(rank int, key, value string) kv.Entry {
	return kv.Entry{Rank: rank, Key: key, Value: []byte(value), Scope: kv.ScopeGlobal}
}

// exchange delivers the contributions produced by arming to every engine
// that expects them.
func exchange(t *testing.T, engines []*Engine, c *Contribution, targets []int) []Outcome {
	var outcomes []Outcome
	for _, u := range targets {
		out, err := engines[u].Receive(c)
		require.NoError(t, err)
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func TestTwoUnitsAllToAll(t *testing.T) {
	t.Parallel()

	e0, _ := newTestEngine(t, 0, 2, 1)
	e1, _ := newTestEngine(t, 1, 2, 1)
	engines := []*Engine{e0, e1}

	out0, err := e0.Arm(0, rendezvous.AllProcs(), true, []kv.Entry{entry(0, "x", "1")})
	require.NoError(t, err)
	require.NotNil(t, out0.Send)
	require.False(t, out0.Merged)
	require.Equal(t, StateExchanging, out0.Round.State)
	require.Equal(t, []int{1}, out0.Round.ExpectedUnits())

	// Unit 1 receives before its own rank arms, the contribution is buffered.
	outs := exchange(t, engines, out0.Send, out0.Round.ExpectedUnits())
	require.False(t, outs[0].Merged)
	require.Equal(t, StateCollecting, outs[0].Round.State)

	out1, err := e1.Arm(0, rendezvous.AllProcs(), true, nil)
	require.NoError(t, err)
	require.True(t, out1.Merged)
	require.Equal(t, []kv.Entry{entry(0, "x", "1")}, out1.Round.Merged())

	outs = exchange(t, engines, out1.Send, out1.Round.ExpectedUnits())
	require.True(t, outs[0].Merged)
	require.Equal(t, out1.Round.Merged(), outs[0].Round.Merged())
	require.Equal(t, RoundID{Set: "*", Seq: 1}, outs[0].Round.ID)

	require.Equal(t, uint64(1), e0.LastMerged("*"))
	require.Equal(t, uint64(1), e1.LastMerged("*"))
	require.Empty(t, e0.Rounds())
}

func TestRoundWaitsForAllLocalRanks(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, 0, 1, 3)
	out, err := e.Arm(2, rendezvous.AllProcs(), false, []kv.Entry{entry(2, "b", "2")})
	require.NoError(t, err)
	require.Nil(t, out.Send)
	out, err = e.Arm(0, rendezvous.AllProcs(), true, []kv.Entry{entry(0, "a", "0")})
	require.NoError(t, err)
	require.Nil(t, out.Send)
	require.Equal(t, []int{0, 2}, out.Round.ArmedRanks())

	_, err = e.Arm(0, rendezvous.AllProcs(), true, nil)
	require.True(t, cerror.ErrInvalidRank.Equal(err))

	out, err = e.Arm(1, rendezvous.AllProcs(), false, nil)
	require.NoError(t, err)
	require.True(t, out.Merged)
	require.True(t, out.Round.Collect)
	require.Equal(t, []kv.Entry{entry(0, "a", "0"), entry(2, "b", "2")}, out.Round.Merged())

	out, err = e.Arm(1, rendezvous.AllProcs(), false, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2), out.Round.ID.Seq)
}

func TestSubsetRounds(t *testing.T) {
	t.Parallel()

	// 3 units with 2 ranks each, the subset only touches units 0 and 2.
	e0, _ := newTestEngine(t, 0, 3, 2)
	e2, _ := newTestEngine(t, 2, 3, 2)
	e1, _ := newTestEngine(t, 1, 3, 2)
	ps := rendezvous.NewProcSet(1, 4)

	_, err := e0.Arm(0, ps, true, nil)
	require.True(t, cerror.ErrInvalidRank.Equal(err))

	out0, err := e0.Arm(1, ps, true, []kv.Entry{entry(1, "k", "v1")})
	require.NoError(t, err)
	require.Equal(t, []int{2}, out0.Round.ExpectedUnits())
	require.Equal(t, RoundID{Set: "1,4", Seq: 1}, out0.Round.ID)

	out2, err := e2.Arm(0, ps, true, []kv.Entry{entry(4, "k", "v4")})
	require.NoError(t, err)
	require.Equal(t, []int{0}, out2.Round.ExpectedUnits())

	res, err := e2.Receive(out0.Send)
	require.NoError(t, err)
	require.True(t, res.Merged)
	res, err = e0.Receive(out2.Send)
	require.NoError(t, err)
	require.True(t, res.Merged)
	require.Len(t, res.Round.Merged(), 2)

	// A unit owning no member must never be sent a contribution.
	_, err = e1.Receive(out0.Send)
	require.True(t, cerror.ErrProtocolDesync.Equal(err))

	// Rounds of different sets are numbered independently.
	out, err := e0.Arm(1, rendezvous.AllProcs(), true, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), out.Round.ID.Seq)
}

func TestFullSetIsTheAllRound(t *testing.T) {
	t.Parallel()

	e0, _ := newTestEngine(t, 0, 2, 1)
	e1, _ := newTestEngine(t, 1, 2, 1)

	out0, err := e0.Arm(0, rendezvous.NewProcSet(1, 0), true, []kv.Entry{entry(0, "x", "1")})
	require.NoError(t, err)
	require.Equal(t, RoundID{Set: "*", Seq: 1}, out0.Round.ID)
	out1, err := e1.Arm(0, rendezvous.AllProcs(), true, nil)
	require.NoError(t, err)

	res, err := e1.Receive(out0.Send)
	require.NoError(t, err)
	require.True(t, res.Merged)
	res, err = e0.Receive(out1.Send)
	require.NoError(t, err)
	require.True(t, res.Merged)
	require.Equal(t, []kv.Entry{entry(0, "x", "1")}, res.Round.Merged())

	// A peer must use the canonical descriptor.
	c := *out1.Send
	c.Round = RoundID{Set: "0-1", Seq: 2}
	_, err = e0.Receive(&c)
	require.True(t, cerror.ErrProtocolDesync.Equal(err))
}

func TestReceiveDesync(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, 0, 3, 1)
	contribution := func(unit int, seq uint64) *Contribution {
		return &Contribution{Round: RoundID{Set: "*", Seq: seq}, Unit: unit, Collect: true}
	}

	// One round ahead is buffered.
	_, err := e.Receive(contribution(1, 2))
	require.NoError(t, err)
	// Two rounds ahead is not.
	_, err = e.Receive(contribution(1, 3))
	require.True(t, cerror.ErrProtocolDesync.Equal(err))
	require.Contains(t, err.Error(), "more than one round ahead")

	_, err = e.Receive(contribution(1, 1))
	require.NoError(t, err)
	_, err = e.Receive(contribution(1, 1))
	require.True(t, cerror.ErrProtocolDesync.Equal(err))
	require.Contains(t, err.Error(), "duplicate")

	_, err = e.Receive(contribution(2, 1))
	require.NoError(t, err)
	out, err := e.Arm(0, rendezvous.AllProcs(), true, nil)
	require.NoError(t, err)
	require.True(t, out.Merged)

	_, err = e.Receive(contribution(2, 1))
	require.True(t, cerror.ErrProtocolDesync.Equal(err))
	require.Contains(t, err.Error(), "already merged")

	// The buffered contribution of round 2 is kept.
	rounds := e.Rounds()
	require.Len(t, rounds, 1)
	require.Equal(t, []int{2}, rounds[0].MissingUnits())

	_, err = e.Receive(&Contribution{Round: RoundID{Set: "2,0", Seq: 1}, Unit: 2})
	require.True(t, cerror.ErrProtocolDesync.Equal(err))
	_, err = e.Receive(&Contribution{Round: RoundID{Set: "0,7", Seq: 1}, Unit: 2})
	require.True(t, cerror.ErrProtocolDesync.Equal(err))
}

func TestUndeliveredUnits(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, 0, 2, 1)
	_, err := e.Receive(&Contribution{Round: RoundID{Set: "*", Seq: 1}, Unit: 1, Collect: false})
	require.NoError(t, err)
	out, err := e.Arm(0, rendezvous.AllProcs(), false, []kv.Entry{entry(0, "a", "b")})
	require.NoError(t, err)
	require.True(t, out.Merged)
	require.Empty(t, out.Send.Entries)
	require.Equal(t, []int{1}, out.Round.Undelivered())
	require.Equal(t, []kv.Entry{entry(0, "a", "b")}, out.Round.Merged())
}

func TestExpiredAndWaiting(t *testing.T) {
	t.Parallel()

	e, clk := newTestEngine(t, 0, 3, 2)
	_, err := e.Receive(&Contribution{Round: RoundID{Set: "*", Seq: 1}, Unit: 1, Collect: true})
	require.NoError(t, err)
	clk.Add(time.Hour)
	require.Empty(t, e.Expired(time.Minute))

	_, err = e.Arm(1, rendezvous.AllProcs(), true, nil)
	require.NoError(t, err)
	require.Len(t, e.ArmedBy(1), 1)
	require.Empty(t, e.ArmedBy(0))
	require.Empty(t, e.Waiting(2))

	clk.Add(30 * time.Second)
	require.Empty(t, e.Expired(time.Minute))
	clk.Add(31 * time.Second)
	require.Len(t, e.Expired(time.Minute), 1)

	out, err := e.Arm(0, rendezvous.AllProcs(), true, nil)
	require.NoError(t, err)
	require.Equal(t, StateExchanging, out.Round.State)
	require.Len(t, e.Waiting(2), 1)
	require.Empty(t, e.Waiting(1))
}

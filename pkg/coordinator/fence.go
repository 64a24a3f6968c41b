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

	"github.com/dustin/go-humanize"
	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/mpik8s/rdzv/pkg/fence"
	"github.com/mpik8s/rdzv/pkg/kv"
	"github.com/mpik8s/rdzv/pkg/p2p"
	"go.uber.org/zap"
)

func (c *Coordinator) handleFence(ctx context.Context, task taskFence) {
	if err := c.checkActive(task.localRank); err != nil {
		task.resp <- fenceResult{err: err}
		return
	}
	rank := c.dir.GlobalRank(task.localRank)
	staged := c.store.TakeStaged(rank)
	out, err := c.engine.Arm(task.localRank, task.procSet, task.collect, staged)
	if err != nil {
		// Keep the staged values for the next valid fence.
		for _, e := range staged {
			c.store.Put(e.Rank, e.Key, e.Value, e.Scope)
		}
		task.resp <- fenceResult{err: err}
		return
	}
	c.fenceWaiters[out.Round.ID] = append(c.fenceWaiters[out.Round.ID], &fenceWaiter{
		localRank: task.localRank,
		collect:   task.collect,
		resp:      task.resp,
	})
	c.logger.Debug("fence armed",
		zap.Stringer("round", out.Round.ID),
		zap.Int("rank", rank),
		zap.Int("entries", len(staged)),
		zap.Bool("collect", task.collect))
	c.applyOutcome(ctx, out)
}

func (c *Coordinator) handleContribution(ctx context.Context, msg *p2p.Message) {
	m := msg.Contribution
	entries, err := kv.DecodeEntries(m.Payload)
	if err != nil {
		c.fail(ctx, err, true)
		return
	}
	for _, e := range entries {
		if !c.dir.ValidRank(e.Rank) || c.dir.UnitOfRank(e.Rank) != msg.Sender {
			c.fail(ctx, cerror.ErrProtocolDesync.GenWithStackByArgs(msg.Sender,
				"contribution carries an entry of a foreign rank"), true)
			return
		}
	}
	out, err := c.engine.Receive(&fence.Contribution{
		Round:   fence.RoundID{Set: m.Set, Seq: m.Seq},
		Unit:    msg.Sender,
		Collect: m.Collect,
		Entries: entries,
	})
	if err != nil {
		c.fail(ctx, err, true)
		return
	}
	c.applyOutcome(ctx, out)
}

func (c *Coordinator) applyOutcome(ctx context.Context, out fence.Outcome) {
	if out.Send != nil {
		if err := c.sendContribution(ctx, out.Round, out.Send); err != nil {
			c.fail(ctx, err, true)
			return
		}
	}
	if out.Merged {
		c.completeRound(ctx, out.Round)
		return
	}
	c.checkDeparted(ctx)
}

// sendContribution sends the local part of a round to every peer unit of the
// round. The local entries become available to direct modex requests from
// then on.
func (c *Coordinator) sendContribution(
	ctx context.Context, r *fence.Round, contrib *fence.Contribution,
) error {
	c.ownData.Publish(r.LocalEntries())

	var payload []byte
	if contrib.Collect {
		var err error
		if payload, err = kv.EncodeEntries(contrib.Entries); err != nil {
			return err
		}
	}
	msg := &p2p.Message{
		Type: p2p.TypeContribution,
		Contribution: &p2p.FenceContribution{
			Set:     contrib.Round.Set,
			Seq:     contrib.Round.Seq,
			Collect: contrib.Collect,
			Payload: payload,
		},
	}
	for _, unit := range r.ExpectedUnits() {
		if err := c.sendTo(ctx, unit, msg); err != nil {
			return err
		}
	}
	c.logger.Debug("fence contribution sent",
		zap.Stringer("round", r.ID),
		zap.Ints("units", r.ExpectedUnits()),
		zap.Int("payloadBytes", len(payload)))
	return nil
}

func (c *Coordinator) sendTo(ctx context.Context, unit int, msg *p2p.Message) error {
	if _, ok := c.departed[unit]; ok {
		return cerror.ErrPeerConnectionLost.GenWithStackByArgs(unit)
	}
	client := c.router.GetClient(unit)
	if client == nil {
		return cerror.ErrPeerUnreachable.GenWithStackByArgs(unit, "unknown address")
	}
	ctx, cancel := context.WithTimeout(ctx, peerSendTimeout)
	defer cancel()
	if err := client.Send(ctx, msg); err != nil {
		return err
	}
	c.sentTo[unit] = struct{}{}
	return nil
}

func (c *Coordinator) completeRound(ctx context.Context, r *fence.Round) {
	merged := r.Merged()
	c.store.Publish(merged)
	ranks := r.ProcSet.Ranks(c.dir.WorldSize())
	c.store.MarkDelivered(ranks)

	// Ranks of units that contributed without data must be fetched from
	// their owner before they can be read.
	if undelivered := r.Undelivered(); len(undelivered) > 0 {
		units := make(map[int]struct{}, len(undelivered))
		for _, u := range undelivered {
			units[u] = struct{}{}
		}
		for _, rank := range ranks {
			if _, ok := units[c.dir.UnitOfRank(rank)]; !ok {
				continue
			}
			st, ok := c.modex[rank]
			if !ok {
				st = &modexState{}
				c.modex[rank] = st
			}
			st.gen++
		}
	}

	for _, w := range c.fenceWaiters[r.ID] {
		res := fenceResult{}
		if w.collect {
			res.entries = merged
		}
		w.resp <- res
	}
	delete(c.fenceWaiters, r.ID)

	duration := c.clock.Since(r.Opened)
	payload := kv.PayloadSize(merged)
	fenceRoundCounter.WithLabelValues(collectLabel(r.Collect)).Inc()
	fenceRoundDuration.Observe(duration.Seconds())
	fencePayloadSize.Observe(float64(payload))
	c.logger.Info("fence round merged",
		zap.Stringer("round", r.ID),
		zap.Int("entries", len(merged)),
		zap.String("payload", humanize.IBytes(uint64(payload))),
		zap.Ints("undeliveredUnits", r.Undelivered()),
		zap.Duration("duration", duration))

	c.serveGets(ctx)
	c.checkDeparted(ctx)
}

// checkDeparted aborts the job when a round waits for a unit whose stream
// has ended.
func (c *Coordinator) checkDeparted(ctx context.Context) {
	if c.abortErr.Load() != nil {
		return
	}
	for unit := range c.departed {
		if rounds := c.engine.Waiting(unit); len(rounds) > 0 {
			c.logger.Warn("round waits for a departed peer",
				zap.Int("peer", unit), zap.Stringer("round", rounds[0].ID))
			c.fail(ctx, cerror.ErrPeerConnectionLost.GenWithStackByArgs(unit), true)
			return
		}
	}
}

func collectLabel(collect bool) string {
	if collect {
		return "collect"
	}
	return "barrier"
}

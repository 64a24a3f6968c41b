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
	"fmt"

	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/mpik8s/rdzv/pkg/kv"
	"github.com/mpik8s/rdzv/pkg/p2p"
	"go.uber.org/zap"
)

func (c *Coordinator) handlePut(task taskPut) error {
	if err := c.checkActive(task.localRank); err != nil {
		return err
	}
	if task.key == "" {
		return cerror.ErrMalformedRequest.GenWithStackByArgs("put without key")
	}
	c.store.Put(c.dir.GlobalRank(task.localRank), task.key, task.value, task.scope)
	return nil
}

func (c *Coordinator) handleGet(ctx context.Context, task taskGet) {
	w := task.waiter
	if task.ns != c.nsID {
		w.resp <- getResult{err: cerror.ErrUnknownNamespace.GenWithStackByArgs(task.ns)}
		return
	}
	if w.rank != AnyRank && !c.dir.ValidRank(w.rank) {
		w.resp <- getResult{err: cerror.ErrInvalidRank.GenWithStackByArgs(w.rank,
			fmt.Sprintf("out of range [0, %d)", c.dir.WorldSize()))}
		return
	}
	if err := c.checkActive(w.localRank); err != nil {
		w.resp <- getResult{err: err}
		return
	}
	if !c.tryServe(ctx, w) {
		w.since = c.clock.Now()
		c.getWaiters = append(c.getWaiters, w)
	}
}

// tryServe answers w if it can and reports whether it did. A rank whose
// latest round merged without its data is fetched from its owner first,
// even for a non-blocking Get.
func (c *Coordinator) tryServe(ctx context.Context, w *getWaiter) bool {
	if w.rank == AnyRank {
		if e, ok := c.store.Find(w.key); ok {
			w.resp <- getResult{entry: e}
			return true
		}
	} else {
		if st, ok := c.modex[w.rank]; ok {
			if st.requested != 0 {
				return false
			}
			if err := c.requestModex(ctx, w.rank, st); err != nil {
				c.fail(ctx, err, true)
				w.resp <- getResult{err: abortedError(err)}
				return true
			}
			return false
		}
		if e, ok := c.store.Get(w.rank, w.key); ok {
			w.resp <- getResult{entry: e}
			return true
		}
	}
	if w.blocking {
		return false
	}
	w.resp <- getResult{err: cerror.ErrKeyNotFound.GenWithStackByArgs(w.key, w.rank)}
	return true
}

// serveGets retries every suspended Get.
func (c *Coordinator) serveGets(ctx context.Context) {
	waiters := c.getWaiters
	c.getWaiters = nil
	for _, w := range waiters {
		if err := c.abortErr.Load(); err != nil {
			w.resp <- getResult{err: abortedError(err)}
			continue
		}
		if !c.tryServe(ctx, w) {
			c.getWaiters = append(c.getWaiters, w)
		}
	}
}

func (c *Coordinator) requestModex(ctx context.Context, rank int, st *modexState) error {
	c.modexSeq++
	st.requested = st.gen
	st.requestID = c.modexSeq
	unit := c.dir.UnitOfRank(rank)
	err := c.sendTo(ctx, unit, &p2p.Message{
		Type:         p2p.TypeModexRequest,
		ModexRequest: &p2p.ModexRequest{ID: st.requestID, Rank: rank},
	})
	if err != nil {
		return err
	}
	modexCounter.WithLabelValues("request").Inc()
	c.logger.Debug("requested rank data",
		zap.Int("rank", rank), zap.Int("peer", unit), zap.Uint64("id", st.requestID))
	return nil
}

// handleModexRequest answers a peer asking for the data of a local rank.
func (c *Coordinator) handleModexRequest(ctx context.Context, msg *p2p.Message) {
	req := msg.ModexRequest
	if _, ok := c.dir.LocalRank(req.Rank); !ok {
		c.fail(ctx, cerror.ErrProtocolDesync.GenWithStackByArgs(msg.Sender,
			fmt.Sprintf("requested data of rank %d which is not local", req.Rank)), true)
		return
	}
	payload, err := kv.EncodeEntries(c.ownData.RankEntries(req.Rank))
	if err != nil {
		c.fail(ctx, err, true)
		return
	}
	err = c.sendTo(ctx, msg.Sender, &p2p.Message{
		Type:          p2p.TypeModexResponse,
		ModexResponse: &p2p.ModexResponse{ID: req.ID, Rank: req.Rank, Payload: payload},
	})
	if err != nil {
		c.fail(ctx, err, true)
		return
	}
	modexCounter.WithLabelValues("served").Inc()
}

func (c *Coordinator) handleModexResponse(ctx context.Context, msg *p2p.Message) {
	resp := msg.ModexResponse
	if !c.dir.ValidRank(resp.Rank) || c.dir.UnitOfRank(resp.Rank) != msg.Sender {
		c.fail(ctx, cerror.ErrProtocolDesync.GenWithStackByArgs(msg.Sender,
			fmt.Sprintf("answered for rank %d it does not own", resp.Rank)), true)
		return
	}
	entries, err := kv.DecodeEntries(resp.Payload)
	if err != nil {
		c.fail(ctx, err, true)
		return
	}
	for _, e := range entries {
		if e.Rank != resp.Rank {
			c.fail(ctx, cerror.ErrProtocolDesync.GenWithStackByArgs(msg.Sender,
				fmt.Sprintf("answer for rank %d carries rank %d", resp.Rank, e.Rank)), true)
			return
		}
	}
	// Answers and contributions of a unit arrive in order on its stream, so
	// the answer is never older than what is already visible.
	c.store.Publish(entries)
	if st, ok := c.modex[resp.Rank]; ok && st.requestID == resp.ID {
		if st.requested == st.gen {
			delete(c.modex, resp.Rank)
		} else {
			// A newer round merged without data while the request was
			// in flight.
			st.requested = 0
		}
	}
	modexCounter.WithLabelValues("response").Inc()
	c.serveGets(ctx)
}

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

	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/mpik8s/rdzv/pkg/p2p"
	"go.uber.org/zap"
)

// abortedError is answered to requests released by an abort.
func abortedError(cause error) error {
	return cerror.ErrAborted.Wrap(cause).GenWithStackByArgs(cause.Error())
}

// fail aborts the job with cause. Pending requests are released and, with
// broadcast set, the peers are told to abort too. Only the first cause is
// kept.
func (c *Coordinator) fail(ctx context.Context, cause error, broadcast bool) {
	if c.abortErr.Load() != nil {
		return
	}
	c.abortErr.Store(cause)
	close(c.abortCh)

	class := p2p.AbortCoordination
	if cerror.IsWorkerFailure(cause) {
		class = p2p.AbortWorkerFailure
	}
	abortCounter.WithLabelValues(string(class)).Inc()
	c.logger.Error("job aborted",
		zap.String("class", string(class)),
		zap.Bool("broadcast", broadcast),
		zap.Error(cause))

	c.releaseAll(abortedError(cause))
	if !broadcast {
		return
	}
	msg := &p2p.Message{
		Type: p2p.TypeAbort,
		Abort: &p2p.Abort{
			Class:    class,
			ExitCode: cerror.ExitCodeOf(cause),
			Reason:   cause.Error(),
		},
	}
	for _, peer := range c.dir.Peers() {
		if _, ok := c.departed[peer.Index]; ok {
			continue
		}
		if err := c.sendTo(ctx, peer.Index, msg); err != nil {
			c.logger.Warn("failed to tell peer about the abort",
				zap.Int("peer", peer.Index), zap.Error(err))
		}
	}
}

func (c *Coordinator) handlePeerMessage(ctx context.Context, msg *p2p.Message) {
	c.connected[msg.Sender] = struct{}{}
	desync := func(reason string) {
		c.fail(ctx, cerror.ErrProtocolDesync.GenWithStackByArgs(msg.Sender, reason), true)
	}
	switch msg.Type {
	case p2p.TypeContribution:
		if msg.Contribution == nil {
			desync("contribution without body")
			return
		}
		c.handleContribution(ctx, msg)
	case p2p.TypeAbort:
		if msg.Abort == nil {
			desync("abort without body")
			return
		}
		c.handleRemoteAbort(ctx, msg)
	case p2p.TypeModexRequest:
		if msg.ModexRequest == nil {
			desync("modex request without body")
			return
		}
		c.handleModexRequest(ctx, msg)
	case p2p.TypeModexResponse:
		if msg.ModexResponse == nil {
			desync("modex response without body")
			return
		}
		c.handleModexResponse(ctx, msg)
	case p2p.TypeDone:
		c.peersDone[msg.Sender] = struct{}{}
		c.logger.Debug("peer finished", zap.Int("peer", msg.Sender))
		c.checkFinished()
	default:
		desync("unexpected message " + msg.Type.String())
	}
}

// handleRemoteAbort aborts the local workers on behalf of a peer. The abort
// is not sent on, every unit hears from the origin directly.
func (c *Coordinator) handleRemoteAbort(ctx context.Context, msg *p2p.Message) {
	var err error
	if msg.Abort.Class == p2p.AbortWorkerFailure {
		err = cerror.ErrRemoteWorkerFailed.GenWithStackByArgs(msg.Sender, msg.Abort.Reason)
	} else {
		err = cerror.ErrRemoteAbort.GenWithStackByArgs(msg.Sender, msg.Abort.Reason)
	}
	c.fail(ctx, err, false)
}

func (c *Coordinator) handlePeerClosed(ctx context.Context, unit int, err error) {
	if cerror.Is(err, cerror.ErrProtocolDesync) || cerror.Is(err, cerror.ErrVersionIncompatible) {
		c.fail(ctx, err, true)
		return
	}
	c.departed[unit] = struct{}{}
	if err != nil {
		c.logger.Warn("peer stream broke", zap.Int("peer", unit), zap.Error(err))
	} else {
		c.logger.Info("peer stream closed", zap.Int("peer", unit))
	}
	c.checkDeparted(ctx)
	c.checkFinished()
}

func (c *Coordinator) handleFinish(ctx context.Context, resp chan struct{}) {
	c.finishing = true
	c.finishCh = resp
	msg := &p2p.Message{Type: p2p.TypeDone}
	for unit := range c.sentTo {
		if _, ok := c.departed[unit]; ok {
			continue
		}
		if err := c.sendTo(ctx, unit, msg); err != nil {
			c.logger.Warn("failed to tell peer this unit is done",
				zap.Int("peer", unit), zap.Error(err))
		}
	}
	c.checkFinished()
}

// checkFinished releases Finish once every peer that talked to this unit is
// done or gone.
func (c *Coordinator) checkFinished() {
	if c.finishCh == nil {
		return
	}
	for unit := range c.connected {
		_, done := c.peersDone[unit]
		_, gone := c.departed[unit]
		if !done && !gone {
			return
		}
	}
	close(c.finishCh)
	c.finishCh = nil
}

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
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/mpik8s/rdzv/pkg/kv"
	"github.com/mpik8s/rdzv/pkg/pmi"
	"github.com/mpik8s/rdzv/pkg/rendezvous"
	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

// Serve accepts worker connections on lis until ctx is done. Each
// connection speaks the PMI-1 simple protocol on behalf of one local rank.
func (c *Coordinator) Serve(ctx context.Context, lis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
	)
	defer func() {
		cancel()
		mu.Lock()
		for conn := range conns {
			_ = conn.Close()
		}
		mu.Unlock()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		_ = lis.Close()
	}()

	c.logger.Info("serving workers", zap.Stringer("addr", lis.Addr()))
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return errors.Trace(ctx.Err())
			}
			return errors.Trace(err)
		}
		mu.Lock()
		conns[conn] = struct{}{}
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				mu.Lock()
				delete(conns, conn)
				mu.Unlock()
				_ = conn.Close()
			}()
			newSession(c, conn).run(ctx)
		}()
	}
}

// session is the server side of one worker connection.
type session struct {
	c      *Coordinator
	conn   net.Conn
	reader *pmi.Reader
	logger *zap.Logger

	// localRank is -1 until initack.
	localRank int
	// left is set once the worker finalized or aborted.
	left bool
}

func newSession(c *Coordinator, conn net.Conn) *session {
	return &session{
		c:         c,
		conn:      conn,
		reader:    pmi.NewReader(conn, 0),
		logger:    c.logger.With(zap.Stringer("remote", conn.RemoteAddr())),
		localRank: -1,
	}
}

func (s *session) run(ctx context.Context) {
	defer s.disconnect(ctx)
	for {
		cmd, err := s.reader.Read()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				s.logger.Warn("worker connection failed", zap.Error(err))
				if cerror.Is(err, cerror.ErrMalformedRequest) {
					_ = pmi.Write(s.conn, pmi.Failure("error", err))
				}
			}
			return
		}
		replies, closeConn, err := s.handle(ctx, cmd)
		result := "ok"
		if err != nil {
			result = "error"
			replies = []*pmi.Command{pmi.Failure(replyName(cmd.Name), err)}
			s.logger.Debug("worker request failed",
				zap.String("cmd", cmd.Name), zap.Int("localRank", s.localRank), zap.Error(err))
		}
		requestCounter.WithLabelValues(cmd.Name, result).Inc()
		if len(replies) > 0 {
			if err := pmi.Write(s.conn, replies...); err != nil {
				s.logger.Warn("failed to reply to worker", zap.Error(err))
				return
			}
		}
		if closeConn {
			return
		}
	}
}

// disconnect deregisters a worker whose connection ended without finalize.
func (s *session) disconnect(ctx context.Context) {
	if s.localRank < 0 || s.left {
		return
	}
	s.left = true
	if err := s.c.Disconnect(ctx, s.localRank); err != nil {
		s.logger.Debug("failed to deregister worker",
			zap.Int("localRank", s.localRank), zap.Error(err))
	}
}

func replyName(cmd string) string {
	switch cmd {
	case pmi.CmdInit:
		return pmi.CmdResponseToInit
	case pmi.CmdInitAck:
		return pmi.CmdInitAck
	case pmi.CmdGetMaxes:
		return pmi.CmdMaxes
	case pmi.CmdGetAppNum:
		return pmi.CmdAppNum
	case pmi.CmdGetMyKVSName:
		return pmi.CmdMyKVSName
	case pmi.CmdGetUniverseSize:
		return pmi.CmdUniverseSize
	case pmi.CmdPut:
		return pmi.CmdPutResult
	case pmi.CmdBarrierIn:
		return pmi.CmdBarrierOut
	case pmi.CmdFence:
		return pmi.CmdFenceResult
	case pmi.CmdGet:
		return pmi.CmdGetResult
	case pmi.CmdFinalize:
		return pmi.CmdFinalizeAck
	default:
		return cmd
	}
}

// handle serves one command. closeConn asks the caller to end the session
// after the replies are written.
func (s *session) handle(
	ctx context.Context, cmd *pmi.Command,
) (replies []*pmi.Command, closeConn bool, err error) {
	switch cmd.Name {
	case pmi.CmdInit:
		if v, _ := cmd.Get("pmi_version"); v != "1" {
			return nil, false, cerror.ErrMalformedRequest.GenWithStackByArgs(
				"unsupported pmi_version " + v)
		}
		return []*pmi.Command{
			pmi.OK(pmi.CmdResponseToInit, "pmi_version", "1", "pmi_subversion", "1"),
		}, false, nil
	case pmi.CmdInitAck:
		return s.handleInitAck(ctx, cmd)
	case pmi.CmdGetMaxes:
		return []*pmi.Command{pmi.OK(pmi.CmdMaxes,
			"kvsname_max", strconv.Itoa(pmi.KVSNameMax),
			"keylen_max", strconv.Itoa(pmi.KeyLenMax),
			"vallen_max", strconv.Itoa(pmi.ValLenMax))}, false, nil
	case pmi.CmdGetAppNum:
		return []*pmi.Command{pmi.OK(pmi.CmdAppNum, "appnum", "0")}, false, nil
	case pmi.CmdGetMyKVSName:
		return []*pmi.Command{pmi.OK(pmi.CmdMyKVSName, "kvsname", s.c.nsID)}, false, nil
	case pmi.CmdGetUniverseSize:
		return []*pmi.Command{pmi.OK(pmi.CmdUniverseSize,
			"size", strconv.Itoa(s.c.dir.WorldSize()))}, false, nil
	}

	if s.localRank < 0 {
		return nil, false, cerror.ErrMalformedRequest.GenWithStackByArgs(
			cmd.Name + " before initack")
	}
	switch cmd.Name {
	case pmi.CmdPut:
		return s.handlePut(ctx, cmd)
	case pmi.CmdBarrierIn:
		if _, err := s.c.Fence(ctx, s.localRank, rendezvous.AllProcs(), true); err != nil {
			return nil, false, err
		}
		return []*pmi.Command{pmi.OK(pmi.CmdBarrierOut)}, false, nil
	case pmi.CmdFence:
		return s.handleFence(ctx, cmd)
	case pmi.CmdGet:
		return s.handleGet(ctx, cmd)
	case pmi.CmdFinalize:
		if err := s.c.Finalize(ctx, s.localRank); err != nil {
			return nil, false, err
		}
		s.left = true
		return []*pmi.Command{pmi.OK(pmi.CmdFinalizeAck)}, true, nil
	case pmi.CmdAbort:
		code, err := cmd.Int("exitcode", 1)
		if err != nil {
			code = 1
		}
		msg, _ := cmd.Get("msg")
		rank := s.c.dir.GlobalRank(s.localRank)
		s.logger.Warn("worker aborted the job",
			zap.Int("rank", rank), zap.Int("exitCode", code), zap.String("msg", msg))
		s.left = true
		s.c.Abort(ctx, cerror.ErrWorkerAbort.GenWithStackByArgs(rank, code, msg))
		return nil, true, nil
	default:
		return nil, false, cerror.ErrMalformedRequest.GenWithStackByArgs(
			"unknown command " + cmd.Name)
	}
}

func (s *session) handleInitAck(
	ctx context.Context, cmd *pmi.Command,
) ([]*pmi.Command, bool, error) {
	if s.localRank >= 0 {
		return nil, false, cerror.ErrInvalidRank.GenWithStackByArgs(
			s.c.dir.GlobalRank(s.localRank), "connection already initialized")
	}
	v, err := cmd.Require("pmiid")
	if err != nil {
		return nil, false, err
	}
	localRank, err := strconv.Atoi(v)
	if err != nil {
		return nil, false, cerror.ErrMalformedRequest.GenWithStackByArgs(
			fmt.Sprintf("pmiid=%s is not an integer", v))
	}
	result, err := s.c.Init(ctx, localRank)
	if err != nil {
		return nil, false, err
	}
	s.localRank = localRank
	s.logger = s.logger.With(zap.Int("rank", result.Rank))
	return []*pmi.Command{
		pmi.OK(pmi.CmdInitAck),
		pmi.NewCommand(pmi.CmdSet, "size", strconv.Itoa(result.Size)),
		pmi.NewCommand(pmi.CmdSet, "rank", strconv.Itoa(result.Rank)),
		pmi.NewCommand(pmi.CmdSet, "debug", "0"),
	}, false, nil
}

func (s *session) checkKVSName(cmd *pmi.Command) (string, error) {
	ns, err := cmd.Require("kvsname")
	if err != nil {
		return "", err
	}
	if ns != s.c.nsID {
		return "", cerror.ErrUnknownNamespace.GenWithStackByArgs(ns)
	}
	return ns, nil
}

func (s *session) handlePut(ctx context.Context, cmd *pmi.Command) ([]*pmi.Command, bool, error) {
	if _, err := s.checkKVSName(cmd); err != nil {
		return nil, false, err
	}
	key, err := cmd.Require("key")
	if err != nil {
		return nil, false, err
	}
	value, err := cmd.Require("value")
	if err != nil {
		return nil, false, err
	}
	if len(key) > pmi.KeyLenMax || len(value) > pmi.ValLenMax {
		return nil, false, cerror.ErrMalformedRequest.GenWithStackByArgs(
			fmt.Sprintf("key or value of %s exceeds the announced maximum", key))
	}
	scopeName, _ := cmd.Get("scope")
	scope, err := kv.ParseScope(scopeName)
	if err != nil {
		return nil, false, err
	}
	if err := s.c.Put(ctx, s.localRank, key, []byte(value), scope); err != nil {
		return nil, false, err
	}
	return []*pmi.Command{pmi.OK(pmi.CmdPutResult)}, false, nil
}

func (s *session) handleFence(ctx context.Context, cmd *pmi.Command) ([]*pmi.Command, bool, error) {
	procs, ok := cmd.Get("procs")
	if !ok {
		procs = rendezvous.AllProcsKey
	}
	ps, err := rendezvous.ParseProcSet(procs, s.c.dir.WorldSize())
	if err != nil {
		return nil, false, err
	}
	collect := cmd.Bool("collect")
	entries, err := s.c.Fence(ctx, s.localRank, ps, collect)
	if err != nil {
		return nil, false, err
	}
	reply := pmi.OK(pmi.CmdFenceResult)
	if collect && len(entries) > 0 {
		data, err := kv.EncodeEntries(entries)
		if err != nil {
			return nil, false, err
		}
		reply.Set("data", base64.StdEncoding.EncodeToString(data))
	}
	return []*pmi.Command{reply}, false, nil
}

func (s *session) handleGet(ctx context.Context, cmd *pmi.Command) ([]*pmi.Command, bool, error) {
	ns, err := cmd.Require("kvsname")
	if err != nil {
		return nil, false, err
	}
	key, err := cmd.Require("key")
	if err != nil {
		return nil, false, err
	}
	rank, err := cmd.Int("srcrank", AnyRank)
	if err != nil {
		return nil, false, err
	}
	entry, err := s.c.Get(ctx, s.localRank, ns, rank, key, cmd.Bool("wait"))
	if err != nil {
		return nil, false, err
	}
	return []*pmi.Command{pmi.OK(pmi.CmdGetResult, "value", string(entry.Value))}, false, nil
}

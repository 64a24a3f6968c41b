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

package pmi

import (
	"bufio"
	"context"
	"encoding/base64"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/mpik8s/rdzv/pkg/kv"
	"github.com/pingcap/errors"
)

// AnyRank makes Get search the key among all ranks.
const AnyRank = -1

// remoteErrors are the errors a reply can be mapped back to.
var remoteErrors = []*errors.Error{
	cerror.ErrMalformedRequest,
	cerror.ErrUnknownNamespace,
	cerror.ErrInvalidRank,
	cerror.ErrKeyNotFound,
	cerror.ErrAborted,
	cerror.ErrFenceTimeout,
	cerror.ErrGetTimeout,
	cerror.ErrProtocolDesync,
	cerror.ErrPeerConnectionLost,
	cerror.ErrCoordinatorClosed,
}

// Client is a worker side connection to a coordinator.
type Client struct {
	conn net.Conn
	r    *bufio.Reader

	Rank    int
	Size    int
	KVSName string
}

// Dial connects to addr and performs init for the local rank pmiID.
func Dial(ctx context.Context, addr string, pmiID int) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c := &Client{conn: conn, r: bufio.NewReader(conn)}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}
	if err := c.init(pmiID); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) init(pmiID int) error {
	reply, err := c.call(NewCommand(CmdInit, "pmi_version", "1", "pmi_subversion", "1"), CmdResponseToInit)
	if err != nil {
		return err
	}
	if v, _ := reply.Get("pmi_version"); v != "1" {
		return cerror.ErrMalformedRequest.GenWithStackByArgs("unsupported pmi_version " + v)
	}
	if _, err := c.call(NewCommand(CmdInitAck, "pmiid", strconv.Itoa(pmiID)), CmdInitAck); err != nil {
		return err
	}
	for _, key := range []string{"size", "rank", "debug"} {
		set, err := c.read(CmdSet)
		if err != nil {
			return err
		}
		v, err := set.Require(key)
		if err != nil {
			return err
		}
		switch key {
		case "size":
			c.Size, err = strconv.Atoi(v)
		case "rank":
			c.Rank, err = strconv.Atoi(v)
		}
		if err != nil {
			return cerror.WrapError(cerror.ErrMalformedRequest, err, key)
		}
	}
	reply, err = c.call(NewCommand(CmdGetMyKVSName), CmdMyKVSName)
	if err != nil {
		return err
	}
	c.KVSName, err = reply.Require("kvsname")
	return err
}

// Maxes returns the kvsname, key and value length limits.
func (c *Client) Maxes() (kvsName, key, value int, err error) {
	reply, err := c.call(NewCommand(CmdGetMaxes), CmdMaxes)
	if err != nil {
		return 0, 0, 0, err
	}
	if kvsName, err = reply.Int("kvsname_max", 0); err != nil {
		return 0, 0, 0, err
	}
	if key, err = reply.Int("keylen_max", 0); err != nil {
		return 0, 0, 0, err
	}
	value, err = reply.Int("vallen_max", 0)
	return kvsName, key, value, err
}

// AppNum returns the application number, always 0.
func (c *Client) AppNum() (int, error) {
	reply, err := c.call(NewCommand(CmdGetAppNum), CmdAppNum)
	if err != nil {
		return 0, err
	}
	return reply.Int("appnum", 0)
}

// UniverseSize returns the number of processes of the job.
func (c *Client) UniverseSize() (int, error) {
	reply, err := c.call(NewCommand(CmdGetUniverseSize), CmdUniverseSize)
	if err != nil {
		return 0, err
	}
	return reply.Int("size", 0)
}

// Put stages a value. An empty scope means global.
func (c *Client) Put(key, value string, scope kv.Scope) error {
	if !ValidValue(key) || !ValidValue(value) {
		return cerror.ErrMalformedRequest.GenWithStackByArgs("key and value must be non-empty without whitespace")
	}
	cmd := NewCommand(CmdPut, "kvsname", c.KVSName, "key", key, "value", value)
	if scope != "" {
		cmd.Set("scope", string(scope))
	}
	_, err := c.call(cmd, CmdPutResult)
	return err
}

// Barrier is a fence over all ranks that collects data.
func (c *Client) Barrier() error {
	_, err := c.call(NewCommand(CmdBarrierIn), CmdBarrierOut)
	return err
}

// Fence arms a round over procs, "" meaning all ranks. With collect set it
// returns the entries of the process set.
func (c *Client) Fence(procs string, collect bool) ([]kv.Entry, error) {
	cmd := NewCommand(CmdFence)
	if procs != "" {
		cmd.Set("procs", procs)
	}
	if collect {
		cmd.Set("collect", "1")
	}
	reply, err := c.call(cmd, CmdFenceResult)
	if err != nil {
		return nil, err
	}
	data, ok := reply.Get("data")
	if !ok {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrPeerMessageDecodeError, err)
	}
	return kv.DecodeEntries(raw)
}

// Get reads key of rank, AnyRank searching all ranks. With wait set it
// blocks until the value is published.
func (c *Client) Get(key string, rank int, wait bool) (string, error) {
	cmd := NewCommand(CmdGet, "kvsname", c.KVSName, "key", key)
	if rank != AnyRank {
		cmd.Set("srcrank", strconv.Itoa(rank))
	}
	if wait {
		cmd.Set("wait", "1")
	}
	reply, err := c.call(cmd, CmdGetResult)
	if err != nil {
		return "", err
	}
	return reply.Require("value")
}

// Finalize deregisters the worker and closes the connection.
func (c *Client) Finalize() error {
	_, err := c.call(NewCommand(CmdFinalize), CmdFinalizeAck)
	if cerr := c.conn.Close(); err == nil && cerr != nil {
		err = errors.Trace(cerr)
	}
	return err
}

// Abort aborts the whole job. The coordinator closes the connection.
func (c *Client) Abort(exitCode int, msg string) error {
	cmd := NewCommand(CmdAbort, "exitcode", strconv.Itoa(exitCode))
	if msg = strings.Join(strings.Fields(msg), "_"); msg != "" {
		cmd.Set("msg", msg)
	}
	if err := Write(c.conn, cmd); err != nil {
		return err
	}
	// Wait for the coordinator to close the connection.
	_, _ = io.Copy(io.Discard, c.r)
	return errors.Trace(c.conn.Close())
}

// Close closes the connection without finalizing.
func (c *Client) Close() error {
	return errors.Trace(c.conn.Close())
}

func (c *Client) call(cmd *Command, expect string) (*Command, error) {
	if err := Write(c.conn, cmd); err != nil {
		return nil, err
	}
	return c.read(expect)
}

func (c *Client) read(expect string) (*Command, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line == "" {
			return nil, cerror.ErrCoordinatorClosed.GenWithStackByArgs()
		}
		if err != io.EOF {
			return nil, errors.Trace(err)
		}
	}
	reply, err := ParseCommand(line)
	if err != nil {
		return nil, err
	}
	if reply.Name != expect {
		return nil, cerror.ErrMalformedRequest.GenWithStackByArgs(
			"expected " + expect + ", got " + reply.Name)
	}
	if rc, ok := reply.Get(keyRC); ok && rc != rcOK {
		return nil, remoteError(reply)
	}
	return reply, nil
}

func remoteError(reply *Command) error {
	msg, _ := reply.Get(keyMsg)
	for _, e := range remoteErrors {
		if string(e.RFCCode()) == msg {
			return e.GenWithStack("%s failed remotely", reply.Name)
		}
	}
	rc, _ := reply.Get(keyRC)
	return errors.Errorf("%s failed with rc=%s msg=%s", reply.Name, rc, msg)
}

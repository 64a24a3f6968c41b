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

package p2p

import (
	"context"
	"io"
	"strconv"
	"sync"
	"time"

	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/mpik8s/rdzv/pkg/retry"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// MessageClientConfig is used to configure MessageClient
type MessageClientConfig struct {
	// The size of the channel of messages waiting to be sent.
	SendChannelSize int
	// The timeout of a single dial attempt.
	DialTimeout time.Duration
	// The total time budget for establishing the connection.
	ConnectTimeout time.Duration
	// The backoff between dial attempts.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// The maximum size of a sent message.
	MaxSendMsgSize int
	// The version of the client for compatibility check.
	// It is empty by default, which means no check.
	ClientVersion string
}

// MessageClient sends messages to one peer unit over a single Exchange
// stream. The stream carries a Hello first and then every message passed
// to Send, in order.
type MessageClient struct {
	local  LocalIdentity
	target int
	config *MessageClientConfig

	sendCh    chan *Message
	closeCh   chan struct{}
	closeOnce sync.Once
	doneCh    chan struct{}
}

// NewMessageClient creates a new MessageClient
func NewMessageClient(local LocalIdentity, target int, config *MessageClientConfig) *MessageClient {
	return &MessageClient{
		local:   local,
		target:  target,
		config:  config,
		sendCh:  make(chan *Message, config.SendChannelSize),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Run dials addr and forwards queued messages until the client is closed or
// ctx is canceled. Messages queued before close are flushed first.
func (c *MessageClient) Run(ctx context.Context, addr string) error {
	defer close(c.doneCh)

	conn, err := c.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Warn("failed to close peer connection", zap.Int("target", c.target), zap.Error(err))
		}
	}()

	stream, err := NewPeerExchangeClient(ctx, conn)
	if err != nil {
		return cerror.ErrPeerUnreachable.Wrap(err).GenWithStackByArgs(c.target, addr)
	}
	hello := &Message{
		Type:      TypeHello,
		Namespace: c.local.Namespace,
		Sender:    c.local.Unit,
		Hello: &Hello{
			Units:      c.local.Units,
			NProcs:     c.local.NProcs,
			InstanceID: c.local.InstanceID,
			Version:    c.config.ClientVersion,
		},
	}
	if err := stream.Send(hello); err != nil {
		return c.connectionLost(stream, err)
	}
	log.Info("peer stream established", zap.Int("target", c.target), zap.String("addr", addr))

	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case msg := <-c.sendCh:
			if err := stream.Send(msg); err != nil {
				return c.connectionLost(stream, err)
			}
		case <-c.closeCh:
			return c.flushAndClose(stream)
		}
	}
}

func (c *MessageClient) dial(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	var conn *grpc.ClientConn
	err := retry.Do(ctx, func() error {
		dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
		defer cancel()
		var err error
		conn, err = grpc.DialContext(dialCtx, addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
			grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(c.config.MaxSendMsgSize)),
			grpc.WithStreamInterceptor(grpcClientMetrics.StreamClientInterceptor()))
		if err != nil {
			log.Debug("dial peer failed, will retry",
				zap.Int("target", c.target), zap.String("addr", addr), zap.Error(err))
		}
		return errors.Trace(err)
	}, retry.WithBackoffBaseDelay(c.config.RetryBaseDelay.Milliseconds()),
		retry.WithBackoffMaxDelay(c.config.RetryMaxDelay.Milliseconds()),
		retry.WithInfiniteTries(),
		retry.WithTotalRetryDuration(c.config.ConnectTimeout),
		retry.WithIsRetryableErr(func(err error) bool {
			return !cerror.IsContextCanceledError(err)
		}))
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Trace(ctx.Err())
		}
		return nil, cerror.ErrPeerUnreachable.Wrap(err).GenWithStackByArgs(c.target, addr)
	}
	return conn, nil
}

// connectionLost collects the status the server closed the stream with.
func (c *MessageClient) connectionLost(stream PeerExchangeClient, sendErr error) error {
	_, err := stream.CloseAndRecv()
	if err == nil || err == io.EOF {
		err = sendErr
	}
	return cerror.ErrPeerConnectionLost.Wrap(err).GenWithStackByArgs(c.target)
}

func (c *MessageClient) flushAndClose(stream PeerExchangeClient) error {
	for {
		select {
		case msg := <-c.sendCh:
			if err := stream.Send(msg); err != nil {
				return c.connectionLost(stream, err)
			}
		default:
			if _, err := stream.CloseAndRecv(); err != nil && err != io.EOF {
				return cerror.ErrPeerConnectionLost.Wrap(err).GenWithStackByArgs(c.target)
			}
			log.Info("peer stream closed", zap.Int("target", c.target))
			return nil
		}
	}
}

// Send queues msg for sending. It blocks while the send channel is full.
// The namespace and sender of msg are filled in by the client.
func (c *MessageClient) Send(ctx context.Context, msg *Message) error {
	m := *msg
	m.Namespace = c.local.Namespace
	m.Sender = c.local.Unit
	select {
	case <-c.closeCh:
		return cerror.ErrPeerConnectionLost.GenWithStackByArgs(c.target)
	case <-c.doneCh:
		return cerror.ErrPeerConnectionLost.GenWithStackByArgs(c.target)
	default:
	}
	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-c.closeCh:
		return cerror.ErrPeerConnectionLost.GenWithStackByArgs(c.target)
	case <-c.doneCh:
		return cerror.ErrPeerConnectionLost.GenWithStackByArgs(c.target)
	case c.sendCh <- &m:
	}
	clientMessageCount.WithLabelValues(strconv.Itoa(c.target), m.Type.String()).Inc()
	return nil
}

// close makes Run flush the queued messages and end the stream.
func (c *MessageClient) close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
	})
}

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
	"fmt"
	"io"
	"strconv"

	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/mpik8s/rdzv/pkg/version"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	gRPCPeer "google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// MessageServerConfig stores configurations for the MessageServer
type MessageServerConfig struct {
	// The maximum number of unhandled internal tasks for the main thread.
	MaxPendingTaskCount int
	// The maximum size of a received message.
	MaxRecvMsgSize int
	// Semver of the server. Empty string means no version check.
	ServerVersion string
}

// LocalIdentity identifies the local end of every peer stream.
type LocalIdentity struct {
	Namespace  string
	Unit       int
	Units      int
	NProcs     int
	InstanceID string
}

// MessageHandler consumes what the MessageServer receives. All calls are
// made from the single goroutine running MessageServer.Run.
type MessageHandler interface {
	// OnPeerMessage is called for every message following the handshake.
	OnPeerMessage(ctx context.Context, msg *Message) error
	// OnPeerClosed is called once per accepted or rejected stream. err is
	// nil when the peer closed its stream gracefully.
	OnPeerClosed(ctx context.Context, unit int, err error) error
}

type peerInfo struct {
	instanceID string
	addr       string
	closed     bool
}

type taskOnRegisterPeer struct {
	msg    *Message
	addr   string
	doneCh chan error
}

type taskOnMessage struct {
	msg *Message
}

type taskOnPeerClosed struct {
	unit int
	err  error
}

// MessageServer accepts the Exchange streams of all peer units.
type MessageServer struct {
	local   LocalIdentity
	handler MessageHandler

	// peers is only accessed by the run loop.
	peers map[int]*peerInfo

	taskQueue chan interface{}
	isRunning atomic.Bool
	closeCh   chan struct{}

	config *MessageServerConfig
}

// NewMessageServer creates a new MessageServer
func NewMessageServer(
	local LocalIdentity, handler MessageHandler, config *MessageServerConfig,
) *MessageServer {
	return &MessageServer{
		local:     local,
		handler:   handler,
		peers:     make(map[int]*peerInfo),
		taskQueue: make(chan interface{}, config.MaxPendingTaskCount),
		closeCh:   make(chan struct{}),
		config:    config,
	}
}

// NewGRPCServer creates a gRPC server serving m.
func NewGRPCServer(m *MessageServer) *grpc.Server {
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(m.config.MaxRecvMsgSize),
		grpc.StreamInterceptor(grpcServerMetrics.StreamServerInterceptor()),
	)
	RegisterPeerServer(grpcServer, m)
	grpcServerMetrics.InitializeMetrics(grpcServer)
	return grpcServer
}

// Run starts the MessageServer's worker loop.
// It should be running throughout the MessageServer's lifecycle.
func (m *MessageServer) Run(ctx context.Context) error {
	m.isRunning.Store(true)
	defer func() {
		m.isRunning.Store(false)
		close(m.closeCh)
	}()
	return m.run(ctx)
}

func (m *MessageServer) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case task := <-m.taskQueue:
			switch task := task.(type) {
			case taskOnRegisterPeer:
				err := m.registerPeer(task.msg, task.addr)
				task.doneCh <- err
				if err == nil {
					continue
				}
				log.Warn("peer stream rejected",
					zap.Int("unit", task.msg.Sender),
					zap.String("addr", task.addr),
					zap.Error(err))
				if err := m.handler.OnPeerClosed(ctx, task.msg.Sender, err); err != nil {
					return errors.Trace(err)
				}
			case taskOnMessage:
				if err := m.handler.OnPeerMessage(ctx, task.msg); err != nil {
					return errors.Trace(err)
				}
			case taskOnPeerClosed:
				if peer, ok := m.peers[task.unit]; ok {
					peer.closed = true
				}
				if err := m.handler.OnPeerClosed(ctx, task.unit, task.err); err != nil {
					return errors.Trace(err)
				}
			}
		}
	}
}

// registerPeer accepts the handshake of a new stream. A unit gets exactly
// one stream for the lifetime of the job.
func (m *MessageServer) registerPeer(msg *Message, addr string) error {
	if err := m.verifyHello(msg); err != nil {
		return err
	}
	hello := msg.Hello
	if peer, ok := m.peers[msg.Sender]; ok {
		if peer.instanceID != hello.InstanceID {
			return cerror.ErrProtocolDesync.GenWithStackByArgs(msg.Sender,
				fmt.Sprintf("unit restarted as instance %s", hello.InstanceID))
		}
		return cerror.ErrProtocolDesync.GenWithStackByArgs(msg.Sender, "duplicate stream")
	}
	m.peers[msg.Sender] = &peerInfo{
		instanceID: hello.InstanceID,
		addr:       addr,
	}
	log.Info("peer stream accepted",
		zap.Int("unit", msg.Sender),
		zap.String("addr", addr),
		zap.String("instance", hello.InstanceID),
		zap.String("version", hello.Version))
	return nil
}

func (m *MessageServer) verifyHello(msg *Message) error {
	hello := msg.Hello
	switch {
	case msg.Namespace != m.local.Namespace:
		return cerror.ErrProtocolDesync.GenWithStackByArgs(msg.Sender,
			fmt.Sprintf("namespace %s does not match %s", msg.Namespace, m.local.Namespace))
	case hello.Units != m.local.Units:
		return cerror.ErrProtocolDesync.GenWithStackByArgs(msg.Sender,
			fmt.Sprintf("peer expects %d units, local unit expects %d", hello.Units, m.local.Units))
	case hello.NProcs != m.local.NProcs:
		return cerror.ErrProtocolDesync.GenWithStackByArgs(msg.Sender,
			fmt.Sprintf("peer expects %d processes per unit, local unit expects %d",
				hello.NProcs, m.local.NProcs))
	case msg.Sender < 0 || msg.Sender >= m.local.Units:
		return cerror.ErrProtocolDesync.GenWithStackByArgs(msg.Sender, "unit index out of range")
	case msg.Sender == m.local.Unit:
		return cerror.ErrProtocolDesync.GenWithStackByArgs(msg.Sender, "peer claims the local unit index")
	}
	return version.CheckPeerVersion(m.config.ServerVersion, hello.Version)
}

func (m *MessageServer) scheduleTaskBlocking(ctx context.Context, task interface{}) error {
	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-m.closeCh:
		return cerror.ErrCoordinatorClosed.GenWithStackByArgs()
	case m.taskQueue <- task:
	}
	return nil
}

// Exchange implements PeerServer.
func (m *MessageServer) Exchange(stream PeerExchangeServer) error {
	ctx := stream.Context()
	var clientAddr string
	if p, ok := gRPCPeer.FromContext(ctx); ok {
		clientAddr = p.Addr.String()
	}

	first, err := stream.Recv()
	if err != nil {
		return errors.Trace(err)
	}
	if first.Type != TypeHello || first.Hello == nil {
		log.Warn("peer stream did not start with a handshake",
			zap.String("addr", clientAddr),
			zap.Stringer("type", first.Type))
		return status.Error(codes.InvalidArgument,
			cerror.ErrPeerMessageIllegalMeta.GenWithStackByArgs().Error())
	}

	doneCh := make(chan error, 1)
	if err := m.scheduleTaskBlocking(ctx, taskOnRegisterPeer{
		msg:    first,
		addr:   clientAddr,
		doneCh: doneCh,
	}); err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-m.closeCh:
		return status.Error(codes.Unavailable, cerror.ErrCoordinatorClosed.GenWithStackByArgs().Error())
	case err := <-doneCh:
		if err != nil {
			return status.Error(codes.FailedPrecondition, err.Error())
		}
	}

	from := strconv.Itoa(first.Sender)
	serverStreamCount.WithLabelValues(from).Inc()
	defer serverStreamCount.WithLabelValues(from).Dec()

	return m.receive(ctx, stream, first.Sender)
}

func (m *MessageServer) receive(ctx context.Context, stream PeerExchangeServer, unit int) error {
	from := strconv.Itoa(unit)
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			log.Info("peer stream closed", zap.Int("unit", unit))
			if err := m.scheduleTaskBlocking(ctx, taskOnPeerClosed{unit: unit}); err != nil {
				return errors.Trace(err)
			}
			return stream.SendAndClose(&Ack{})
		}
		if err != nil {
			log.Warn("peer stream broken", zap.Int("unit", unit), zap.Error(err))
			_ = m.scheduleTaskBlocking(ctx, taskOnPeerClosed{
				unit: unit,
				err:  cerror.ErrPeerConnectionLost.Wrap(err).GenWithStackByArgs(unit),
			})
			return errors.Trace(err)
		}
		if msg.Sender != unit || msg.Namespace != m.local.Namespace || msg.Type == TypeHello {
			err := cerror.ErrProtocolDesync.GenWithStackByArgs(unit,
				fmt.Sprintf("unexpected %s message from unit %d of namespace %s",
					msg.Type, msg.Sender, msg.Namespace))
			_ = m.scheduleTaskBlocking(ctx, taskOnPeerClosed{unit: unit, err: err})
			return status.Error(codes.FailedPrecondition, err.Error())
		}
		serverMessageCount.WithLabelValues(from, msg.Type.String()).Inc()
		if err := m.scheduleTaskBlocking(ctx, taskOnMessage{msg: msg}); err != nil {
			return errors.Trace(err)
		}
	}
}

// IsRunning returns whether the run loop is alive.
func (m *MessageServer) IsRunning() bool {
	return m.isRunning.Load()
}

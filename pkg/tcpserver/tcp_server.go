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

package tcpserver

import (
	"context"
	stdErrors "errors"
	"net"

	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/soheilhy/cmux"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TCPServer provides a muxed socket that can
// serve both plain HTTP and gRPC at the same time.
type TCPServer interface {
	// Run runs the TCPServer.
	// For a given instance of TCPServer, Run is expected
	// to be called only once.
	Run(ctx context.Context) error
	// GrpcListener returns the gRPC listener that
	// can be listened on by a gRPC server.
	GrpcListener() net.Listener
	// HTTP1Listener returns a plain HTTP listener.
	HTTP1Listener() net.Listener
	// Addr returns the bound address, useful when listening on port 0.
	Addr() net.Addr
	// Close closed the TCPServer.
	// The listeners returned by GrpcListener and HTTP1Listener
	// will be closed, which will force the consumers of these
	// listeners to stop. This provides a reliable mechanism to
	// cancel all related components.
	Close() error
}

type tcpServerImpl struct {
	mux cmux.CMux

	rootListener  net.Listener
	grpcListener  net.Listener
	http1Listener net.Listener

	isClosed *atomic.Bool
}

// NewTCPServer creates a new TCPServer
func NewTCPServer(address string) (TCPServer, error) {
	rootLis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.Trace(err)
	}

	server := &tcpServerImpl{
		rootListener: rootLis,
		isClosed:     atomic.NewBool(false),
	}

	server.mux = cmux.New(rootLis)
	// The gRPC content type carries the codec as a suffix, so match by prefix.
	server.grpcListener = server.mux.MatchWithWriters(
		cmux.HTTP2MatchHeaderFieldPrefixSendSettings("content-type", "application/grpc"))
	server.http1Listener = server.mux.Match(cmux.HTTP1Fast())

	return server, nil
}

// Run runs the mux. The mux has to be running to accept connections.
func (s *tcpServerImpl) Run(ctx context.Context) error {
	if s.isClosed.Load() {
		return cerror.ErrTCPServerClosed.GenWithStackByArgs()
	}

	errg, ctx := errgroup.WithContext(ctx)
	errg.Go(func() error {
		err := s.mux.Serve()
		if err == cmux.ErrServerClosed || stdErrors.Is(err, net.ErrClosed) {
			return cerror.ErrTCPServerClosed.GenWithStackByArgs()
		}
		return errors.Trace(err)
	})
	errg.Go(func() error {
		<-ctx.Done()
		log.Debug("cmux has been canceled", zap.Error(ctx.Err()))
		return errors.Trace(s.Close())
	})
	return errg.Wait()
}

func (s *tcpServerImpl) GrpcListener() net.Listener {
	return s.grpcListener
}

func (s *tcpServerImpl) HTTP1Listener() net.Listener {
	return s.http1Listener
}

func (s *tcpServerImpl) Addr() net.Addr {
	return s.rootListener.Addr()
}

// Close closes the TCPServer, it is idempotent.
func (s *tcpServerImpl) Close() error {
	if s.isClosed.Swap(true) {
		// ignore double closing
		return nil
	}
	// Closing the root listener makes the mux close every sub listener.
	err := s.rootListener.Close()
	if err != nil && !stdErrors.Is(err, net.ErrClosed) {
		return errors.Trace(err)
	}
	return nil
}

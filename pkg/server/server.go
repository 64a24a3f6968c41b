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

package server

import (
	"context"
	stdErrors "errors"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/mpik8s/rdzv/pkg/config"
	"github.com/mpik8s/rdzv/pkg/coordinator"
	"github.com/mpik8s/rdzv/pkg/discovery"
	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/mpik8s/rdzv/pkg/p2p"
	"github.com/mpik8s/rdzv/pkg/rendezvous"
	"github.com/mpik8s/rdzv/pkg/supervisor"
	"github.com/mpik8s/rdzv/pkg/tcpserver"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/soheilhy/cmux"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	peerFlushTimeout   = 10 * time.Second
)

// Phase is the lifecycle phase of a unit.
type Phase string

// Phases of a unit.
const (
	PhaseStarting    Phase = "starting"
	PhaseDiscovering Phase = "discovering"
	PhaseRunning     Phase = "running"
	PhaseFinishing   Phase = "finishing"
	PhaseStopped     Phase = "stopped"
)

var allPhases = []Phase{PhaseStarting, PhaseDiscovering, PhaseRunning, PhaseFinishing, PhaseStopped}

// Server runs one unit of a job: it discovers the other units, serves the
// local workers and the peers on behalf of its coordinator, and supervises
// the workers until the job ends.
type Server struct {
	config   *config.ServerConfig
	identity *config.JobIdentity
	command  []string
	clock    clock.Clock

	// Stdout and Stderr receive the output of the workers.
	Stdout io.Writer
	Stderr io.Writer

	tcpServer     tcpserver.TCPServer
	statusServer  *http.Server
	advertiseAddr string

	phase       *atomic.String
	coordinator atomic.Pointer[coordinator.Coordinator]

	mu          sync.Mutex
	cancel      context.CancelFunc
	interrupted error
	doneCh      chan struct{}
}

// New creates a Server for the unit identified by id. It listens on the
// configured address right away, so the status API is served during
// discovery too.
func New(cfg *config.ServerConfig, id *config.JobIdentity, command []string) (*Server, error) {
	if len(command) == 0 {
		return nil, cerror.ErrInvalidServerOption.GenWithStackByArgs("no worker command given")
	}
	tcpServer, err := tcpserver.NewTCPServer(cfg.Addr)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrInvalidServerOption, err, "addr")
	}
	cfg = cfg.Clone()
	if cfg.Port() == 0 {
		// Listening on an ephemeral port, advertise the bound one.
		host, _, _ := net.SplitHostPort(cfg.Addr)
		_, port, _ := net.SplitHostPort(tcpServer.Addr().String())
		cfg.Addr = net.JoinHostPort(host, port)
	}
	advertiseAddr, err := cfg.ResolveAdvertiseAddr(id.PodIP)
	if err != nil {
		_ = tcpServer.Close()
		return nil, errors.Trace(err)
	}

	s := &Server{
		config:        cfg,
		identity:      id,
		command:       command,
		clock:         clock.New(),
		Stdout:        os.Stdout,
		Stderr:        os.Stderr,
		tcpServer:     tcpServer,
		advertiseAddr: advertiseAddr,
		phase:         atomic.NewString(string(PhaseStarting)),
		doneCh:        make(chan struct{}),
	}
	s.statusServer = &http.Server{
		Handler:      s.newRouter(),
		ReadTimeout:  defaultHTTPTimeout,
		WriteTimeout: defaultHTTPTimeout,
	}
	s.setPhase(PhaseStarting)
	return s, nil
}

// Addr returns the address the peer channel and the status API listen on.
func (s *Server) Addr() net.Addr {
	return s.tcpServer.Addr()
}

// AdvertiseAddr returns the address announced to the peers.
func (s *Server) AdvertiseAddr() string {
	return s.advertiseAddr
}

// Phase returns the current phase of the unit.
func (s *Server) Phase() Phase {
	return Phase(s.phase.Load())
}

// Done is closed once Run returned.
func (s *Server) Done() <-chan struct{} {
	return s.doneCh
}

func (s *Server) setPhase(phase Phase) {
	s.phase.Store(string(phase))
	for _, p := range allPhases {
		v := 0.0
		if p == phase {
			v = 1
		}
		phaseGauge.WithLabelValues(string(p)).Set(v)
	}
}

// Abort aborts the job with cause. Before the unit joined the job it stops
// the discovery instead, and Run returns cause.
func (s *Server) Abort(ctx context.Context, cause error) {
	if coord := s.coordinator.Load(); coord != nil {
		coord.Abort(ctx, cause)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interrupted == nil {
		s.interrupted = cause
	}
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Server) interruptCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

// Close releases the listener of a server that will not be run.
func (s *Server) Close() error {
	return errors.Trace(s.tcpServer.Close())
}

// Run runs the unit until its job ended. It returns nil only if every
// worker of the job succeeded, otherwise the error that ended the job, to
// be mapped to an exit code with errors.ExitCodeOf.
func (s *Server) Run(ctx context.Context) error {
	defer close(s.doneCh)
	defer s.setPhase(PhaseStopped)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	interrupted := s.interrupted != nil
	s.mu.Unlock()
	if interrupted {
		_ = s.tcpServer.Close()
		return s.interruptCause()
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.tcpServer.Run(egCtx)
	})
	eg.Go(func() error {
		log.Info("status server is running", zap.String("addr", s.config.Addr))
		err := s.statusServer.Serve(s.tcpServer.HTTP1Listener())
		if err != nil && !isShutdownError(err) {
			err = cerror.WrapError(cerror.ErrServeHTTP, err)
			log.Error("http server error", zap.Error(err))
			return err
		}
		return nil
	})
	var jobErr error
	eg.Go(func() error {
		defer cancel()
		jobErr = s.runJob(egCtx)
		return nil
	})
	err := eg.Wait()
	if closeErr := s.statusServer.Close(); closeErr != nil {
		log.Warn("failed to close status server", zap.Error(closeErr))
	}

	if jobErr == nil || cerror.IsContextCanceledError(jobErr) {
		if cause := s.interruptCause(); cause != nil {
			return cause
		}
		if err != nil && !isShutdownError(err) {
			return errors.Trace(err)
		}
	}
	return jobErr
}

func (s *Server) runJob(ctx context.Context) error {
	s.setPhase(PhaseDiscovering)
	src, closeSource, err := newSource(s.config.Discovery, s.identity, s.config.Port())
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err := closeSource(); err != nil {
			log.Warn("failed to close discovery source", zap.Error(err))
		}
	}()

	restartRate := 0.0
	if s.config.Discovery.Kubernetes != nil {
		restartRate = s.config.Discovery.Kubernetes.WatchRestartRate
	}
	result, err := discovery.Discover(ctx, src, discovery.Options{
		Index:       s.identity.Index,
		Addr:        s.advertiseAddr,
		Size:        s.identity.Size,
		JobName:     s.identity.JobName,
		Timeout:     time.Duration(s.config.Discovery.Timeout),
		RestartRate: restartRate,
	})
	if err != nil {
		return errors.Trace(err)
	}
	id, err := s.identity.WithSize(result.Size)
	if err != nil {
		return errors.Trace(err)
	}
	dir, err := rendezvous.NewDirectory(id, result)
	if err != nil {
		return errors.Trace(err)
	}

	local := p2p.LocalIdentity{
		Namespace:  dir.NamespaceID(),
		Unit:       dir.Self(),
		Units:      dir.Size(),
		NProcs:     dir.NProcs(),
		InstanceID: uuid.New().String(),
	}
	router := p2p.NewMessageRouter(local, s.config.Messages.ToMessageClientConfig())
	for _, peer := range dir.Peers() {
		router.AddPeer(peer.Index, peer.Addr)
	}
	coord := coordinator.New(dir, router, s.clock, &coordinator.Config{
		FenceTimeout:  time.Duration(s.config.Fence.Timeout),
		LingerTimeout: time.Duration(s.config.Fence.LingerTimeout),
	})
	msgServer := p2p.NewMessageServer(local, coord, s.config.Messages.ToMessageServerConfig())
	grpcServer := p2p.NewGRPCServer(msgServer)

	pmiListener, err := net.Listen("tcp", s.config.LocalAddr)
	if err != nil {
		router.Close()
		return cerror.WrapError(cerror.ErrInvalidServerOption, err, "local-addr")
	}
	s.coordinator.Store(coord)
	s.setPhase(PhaseRunning)
	log.Info("joined the job",
		zap.String("namespace", dir.NamespaceID()),
		zap.Int("unit", dir.Self()),
		zap.Int("units", dir.Size()),
		zap.Int("nprocs", dir.NProcs()),
		zap.Stringer("workerAddr", pmiListener.Addr()))

	sup := supervisor.New(&supervisor.Config{
		Command: s.command,
		NProcs:  dir.NProcs(),
		Env: func(localRank int) []string {
			return supervisor.WorkerEnv(dir, pmiListener.Addr().String(), localRank)
		},
		WorkDir:         s.config.Supervisor.WorkDir,
		KillGracePeriod: time.Duration(s.config.Supervisor.KillGracePeriod),
		Stdout:          s.Stdout,
		Stderr:          s.Stderr,
	}, coord, s.clock)

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()
	eg, egCtx := errgroup.WithContext(jobCtx)
	// fatal aborts the job on a failure of the unit's own machinery, so the
	// peers learn about it before the unit goes away.
	fatal := func(err error) error {
		if err == nil || isShutdownError(err) {
			return nil
		}
		coord.Abort(egCtx, err)
		return err
	}
	eg.Go(func() error {
		err := grpcServer.Serve(s.tcpServer.GrpcListener())
		if err == grpc.ErrServerStopped {
			return nil
		}
		return fatal(err)
	})
	eg.Go(func() error {
		<-egCtx.Done()
		grpcServer.Stop()
		return nil
	})
	eg.Go(func() error {
		return fatal(msgServer.Run(egCtx))
	})
	eg.Go(func() error {
		err := coord.Run(egCtx)
		if coord.Err() != nil || isShutdownError(err) {
			// The abort cause is collected below.
			return nil
		}
		return errors.Trace(err)
	})
	eg.Go(func() error {
		return fatal(coord.Serve(egCtx, pmiListener))
	})
	var workerErr error
	eg.Go(func() error {
		defer cancelJob()
		workerErr = sup.Run(egCtx)
		if workerErr == nil {
			s.setPhase(PhaseFinishing)
			if err := coord.Finish(egCtx); err != nil && !isShutdownError(err) {
				log.Warn("failed to finish the job with the peers", zap.Error(err))
			}
		}
		flushPeers(router)
		return nil
	})
	err = eg.Wait()

	if cause := coord.Err(); cause != nil {
		if errs := multierr.Errors(workerErr); len(errs) > 0 && errs[0] == cause {
			return workerErr
		}
		return multierr.Append(cause, workerErr)
	}
	if workerErr != nil {
		return workerErr
	}
	if err != nil {
		return errors.Trace(err)
	}
	log.Info("job completed", zap.Int("unit", dir.Self()), zap.Int("workers", dir.NProcs()))
	return nil
}

// flushPeers sends the messages still queued for the peers, giving up
// after peerFlushTimeout.
func flushPeers(router p2p.MessageRouter) {
	router.Close()
	done := make(chan struct{})
	go func() {
		router.Wait()
		close(done)
	}()
	timer := time.NewTimer(peerFlushTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		log.Warn("peer messages not flushed in time, leaving them behind",
			zap.Duration("timeout", peerFlushTimeout))
	}
}

// isShutdownError reports errors returned by listeners and loops stopped
// on purpose.
func isShutdownError(err error) bool {
	if err == nil {
		return true
	}
	if cerror.IsContextCanceledError(err) || cerror.Is(err, cerror.ErrTCPServerClosed) {
		return true
	}
	cause := errors.Cause(err)
	return cause == http.ErrServerClosed ||
		cause == cmux.ErrListenerClosed ||
		cause == cmux.ErrServerClosed ||
		stdErrors.Is(cause, net.ErrClosed)
}

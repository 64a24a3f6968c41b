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

package supervisor

import (
	"context"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/mpik8s/rdzv/pkg/logutil"
	"github.com/pingcap/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Aborter is the part of the coordinator the supervisor drives.
type Aborter interface {
	// Abort aborts the job with cause.
	Abort(ctx context.Context, cause error)
	// Aborted is closed once the job is aborted, by any unit.
	Aborted() <-chan struct{}
}

// Config configures a Supervisor.
type Config struct {
	// Command is the worker command line.
	Command []string
	NProcs  int
	// Env returns the variables added to the environment of a local rank.
	Env     func(localRank int) []string
	WorkDir string
	// KillGracePeriod is the delay between SIGTERM and SIGKILL.
	KillGracePeriod time.Duration
	Stdout          io.Writer
	Stderr          io.Writer
}

// Supervisor spawns the local workers and watches them until they exit.
type Supervisor struct {
	config  *Config
	aborter Aborter
	clock   clock.Clock
	logger  *zap.Logger
}

type worker struct {
	localRank int
	cmd       *exec.Cmd
	exited    bool
}

type exitResult struct {
	localRank int
	err       error
}

// New creates a Supervisor.
func New(config *Config, aborter Aborter, clk clock.Clock) *Supervisor {
	return &Supervisor{
		config:  config,
		aborter: aborter,
		clock:   clk,
		logger:  logutil.WithComponent("supervisor"),
	}
}

// Run spawns the workers and returns once all of them exited. The first
// abnormal exit aborts the job. When the job is aborted, or ctx is done,
// the remaining workers receive SIGTERM and, after the grace period,
// SIGKILL. Run returns nil if every worker exited with code 0, and all the
// worker failures otherwise, the first one leading.
func (s *Supervisor) Run(ctx context.Context) error {
	var (
		errs    []error
		workers = make([]*worker, 0, s.config.NProcs)
		results = make(chan exitResult, s.config.NProcs)
	)
	for i := 0; i < s.config.NProcs; i++ {
		w, err := s.spawn(i)
		if err != nil {
			s.aborter.Abort(ctx, err)
			errs = append(errs, err)
			break
		}
		workers = append(workers, w)
		go func() {
			results <- exitResult{localRank: w.localRank, err: w.wait()}
		}()
	}

	var (
		running    = len(workers)
		terminated bool
		killTimer  *clock.Timer
		killCh     <-chan time.Time
	)
	defer func() {
		if killTimer != nil {
			killTimer.Stop()
		}
	}()
	terminate := func(reason string) {
		if terminated {
			return
		}
		terminated = true
		s.logger.Warn("terminating workers",
			zap.String("reason", reason),
			zap.Int("running", running),
			zap.Duration("gracePeriod", s.config.KillGracePeriod))
		s.signalAll(workers, unix.SIGTERM)
		killTimer = s.clock.Timer(s.config.KillGracePeriod)
		killCh = killTimer.C
	}
	if len(errs) > 0 {
		terminate("spawn failed")
	}

	abortCh := s.aborter.Aborted()
	doneCh := ctx.Done()
	for running > 0 {
		select {
		case r := <-results:
			running--
			workers[r.localRank].exited = true
			runningWorkerGauge.Dec()
			if r.err == nil {
				workerExitCounter.WithLabelValues("success").Inc()
				s.logger.Info("worker exited", zap.Int("localRank", r.localRank))
				continue
			}
			workerExitCounter.WithLabelValues("failure").Inc()
			s.logger.Warn("worker failed", zap.Int("localRank", r.localRank), zap.Error(r.err))
			if len(errs) == 0 && !terminated {
				s.aborter.Abort(ctx, r.err)
			}
			errs = append(errs, r.err)
			terminate("worker failed")
		case <-abortCh:
			abortCh = nil
			terminate("job aborted")
		case <-doneCh:
			doneCh = nil
			terminate("context done")
		case <-killCh:
			killCh = nil
			s.signalAll(workers, unix.SIGKILL)
		}
	}
	return multierr.Combine(errs...)
}

func (s *Supervisor) spawn(localRank int) (*worker, error) {
	if len(s.config.Command) == 0 {
		return nil, cerror.ErrSpawnFailed.GenWithStackByArgs(localRank)
	}
	cmd := exec.Command(s.config.Command[0], s.config.Command[1:]...)
	cmd.Dir = s.config.WorkDir
	cmd.Env = os.Environ()
	if s.config.Env != nil {
		cmd.Env = append(cmd.Env, s.config.Env(localRank)...)
	}
	cmd.Stdin = nil
	cmd.Stdout = s.config.Stdout
	cmd.Stderr = s.config.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	// Every worker leads its own process group, so signals reach the
	// processes it forks too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, cerror.WrapError(cerror.ErrSpawnFailed, err, localRank)
	}
	runningWorkerGauge.Inc()
	s.logger.Info("worker started",
		zap.Int("localRank", localRank),
		zap.Int("pid", cmd.Process.Pid),
		zap.Strings("command", s.config.Command))
	return &worker{localRank: localRank, cmd: cmd}, nil
}

func (s *Supervisor) signalAll(workers []*worker, sig unix.Signal) {
	for _, w := range workers {
		if w.exited {
			continue
		}
		if err := unix.Kill(-w.cmd.Process.Pid, sig); err != nil && err != unix.ESRCH {
			s.logger.Warn("failed to signal worker",
				zap.Int("localRank", w.localRank),
				zap.Stringer("signal", sig),
				zap.Error(err))
		}
	}
}

// wait waits for the worker and classifies how it ended.
func (w *worker) wait() error {
	err := w.cmd.Wait()
	if err == nil {
		return nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return errors.Trace(err)
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return cerror.ErrChildCrashed.GenWithStackByArgs(w.localRank, status.Signal().String())
	}
	return cerror.ErrChildExitNonZero.GenWithStackByArgs(w.localRank, exitErr.ExitCode())
}

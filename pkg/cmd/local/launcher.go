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

package local

import (
	"context"
	"os"
	"sync"

	"github.com/mpik8s/rdzv/pkg/config"
	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/mpik8s/rdzv/pkg/server"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const localK8sNamespace = "local"

// launcher runs every unit of a job in this process. The units find each
// other through a shared directory.
type launcher struct {
	servers []*server.Server
	dir     string
	tempDir bool
	doneCh  chan struct{}
}

// newLauncher creates the servers of units units of the job. conf is
// cloned for every unit.
func newLauncher(
	conf *config.ServerConfig, jobName string, units int, command []string,
) (_ *launcher, err error) {
	if units <= 0 {
		return nil, cerror.ErrInvalidServerOption.GenWithStackByArgs("units must be positive")
	}
	l := &launcher{dir: conf.Discovery.Dir, doneCh: make(chan struct{})}
	if l.dir == "" {
		l.dir, err = os.MkdirTemp("", "rdzv-local-")
		if err != nil {
			return nil, errors.Trace(err)
		}
		l.tempDir = true
	}
	defer func() {
		if err != nil {
			for _, s := range l.servers {
				_ = s.Close()
			}
			l.close()
		}
	}()

	for i := 0; i < units; i++ {
		cfg := conf.Clone()
		cfg.Addr = "127.0.0.1:0"
		cfg.AdvertiseAddr = ""
		cfg.Discovery.Mode = config.DiscoveryModeDir
		cfg.Discovery.Dir = l.dir
		if err := cfg.ValidateAndAdjust(); err != nil {
			return nil, errors.Trace(err)
		}
		id := &config.JobIdentity{
			JobName:      jobName,
			K8sNamespace: localK8sNamespace,
			Index:        i,
			Size:         units,
			NProcs:       cfg.NProcs,
		}
		if err := id.Validate(); err != nil {
			return nil, err
		}
		s, err := server.New(cfg, id, command)
		if err != nil {
			return nil, err
		}
		l.servers = append(l.servers, s)
	}
	return l, nil
}

// Run runs all units until the job ended. The errors of the units are
// combined by unit index.
func (l *launcher) Run(ctx context.Context) error {
	defer close(l.doneCh)
	defer l.close()

	errs := make([]error, len(l.servers))
	var wg sync.WaitGroup
	for i, s := range l.servers {
		i, s := i, s
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Run(ctx)
			if errs[i] != nil {
				log.Warn("unit exited with error",
					zap.Int("unit", i), zap.Error(errs[i]))
			}
		}()
	}
	wg.Wait()
	return multierr.Combine(errs...)
}

// Abort aborts the job through every unit.
func (l *launcher) Abort(ctx context.Context, cause error) {
	for _, s := range l.servers {
		s.Abort(ctx, cause)
	}
}

// Done is closed once Run returned.
func (l *launcher) Done() <-chan struct{} {
	return l.doneCh
}

// StatusAddrs returns the status API address of every unit.
func (l *launcher) StatusAddrs() []string {
	addrs := make([]string, 0, len(l.servers))
	for _, s := range l.servers {
		addrs = append(addrs, s.AdvertiseAddr())
	}
	return addrs
}

func (l *launcher) close() {
	if !l.tempDir {
		return
	}
	if err := os.RemoveAll(l.dir); err != nil {
		log.Warn("failed to remove discovery directory",
			zap.String("dir", l.dir), zap.Error(err))
	}
}

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

package probe

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mpik8s/rdzv/pkg/cmd/util"
	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/mpik8s/rdzv/pkg/logutil"
	"github.com/mpik8s/rdzv/pkg/pmi"
	"github.com/mpik8s/rdzv/pkg/supervisor"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Exit code reported to the job when a peer published unexpected data.
const mismatchExitCode = 1

// options defines flags for the `probe` command.
type options struct {
	rounds   int
	collect  bool
	timeout  time.Duration
	logLevel string

	pmiAddr string
	pmiID   int
}

// newOptions creates new options for the `probe` command.
func newOptions() *options {
	return &options{}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to the probe to it.
func (o *options) addFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&o.rounds, "rounds", 1, "Number of put, fence and get rounds")
	cmd.Flags().BoolVar(&o.collect, "collect", false, "Fence with data collection instead of fetching values on demand")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 5*time.Minute, "Longest time the probe may take")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "warn", "log level (etc: debug|info|warn|error)")
}

// complete reads the coordinator address and the local rank from the
// environment set up by the unit.
func (o *options) complete(_ *cobra.Command) error {
	o.pmiAddr = os.Getenv(supervisor.EnvPMIPort)
	if o.pmiAddr == "" {
		return cerror.ErrInvalidServerOption.GenWithStackByArgs(
			supervisor.EnvPMIPort + " is not set, probe must run as a worker of a unit")
	}
	id, err := strconv.Atoi(os.Getenv(supervisor.EnvPMIID))
	if err != nil {
		return cerror.WrapError(cerror.ErrInvalidServerOption, err, supervisor.EnvPMIID)
	}
	o.pmiID = id
	return nil
}

// validate checks that the provided options are valid.
func (o *options) validate() error {
	if o.rounds <= 0 {
		return cerror.ErrInvalidServerOption.GenWithStackByArgs("rounds must be positive")
	}
	if o.timeout <= 0 {
		return cerror.ErrInvalidServerOption.GenWithStackByArgs("timeout must be positive")
	}
	return nil
}

// report summarizes a successful probe.
type report struct {
	Rank         int    `json:"rank"`
	Size         int    `json:"size"`
	KVSName      string `json:"kvsname"`
	AppNum       int    `json:"appnum"`
	UniverseSize int    `json:"universe_size"`
	KeyLenMax    int    `json:"keylen_max"`
	ValLenMax    int    `json:"vallen_max"`
	Rounds       int    `json:"rounds"`
	Collect      bool   `json:"collect"`
	Reads        int    `json:"reads"`
	Elapsed      string `json:"elapsed"`
}

func probeKey(rank, round int) string {
	return fmt.Sprintf("probe-%d-%d", rank, round)
}

func probeValue(rank, round int) string {
	return fmt.Sprintf("rank%d.round%d", rank, round)
}

// probe exercises the coordinator: it publishes one value per round, fences
// and reads back the value of every rank.
func (o *options) probe(ctx context.Context) (*report, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	start := time.Now()

	client, err := pmi.Dial(ctx, o.pmiAddr, o.pmiID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	// Blocking calls are released by closing the connection.
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	r := &report{
		Rank:    client.Rank,
		Size:    client.Size,
		KVSName: client.KVSName,
		Rounds:  o.rounds,
		Collect: o.collect,
	}
	if _, r.KeyLenMax, r.ValLenMax, err = client.Maxes(); err != nil {
		return nil, err
	}
	if r.AppNum, err = client.AppNum(); err != nil {
		return nil, err
	}
	if r.UniverseSize, err = client.UniverseSize(); err != nil {
		return nil, err
	}
	if r.UniverseSize != r.Size {
		return nil, o.abort(client, errors.Errorf(
			"universe size %d differs from size %d", r.UniverseSize, r.Size))
	}

	for round := 0; round < o.rounds; round++ {
		if err := client.Put(probeKey(r.Rank, round), probeValue(r.Rank, round), ""); err != nil {
			return nil, err
		}
		if o.collect {
			err = client.Barrier()
		} else {
			_, err = client.Fence("", false)
		}
		if err != nil {
			return nil, err
		}
		for rank := 0; rank < r.Size; rank++ {
			v, err := client.Get(probeKey(rank, round), rank, false)
			if err != nil {
				return nil, err
			}
			if v != probeValue(rank, round) {
				return nil, o.abort(client, errors.Errorf(
					"rank %d published %s in round %d", rank, v, round))
			}
			r.Reads++
		}
		log.Debug("probe round finished", zap.Int("rank", r.Rank), zap.Int("round", round))
	}
	if err := client.Finalize(); err != nil {
		return nil, err
	}
	r.Elapsed = time.Since(start).String()
	return r, nil
}

// abort aborts the job because of err and returns err.
func (o *options) abort(client *pmi.Client, err error) error {
	if abortErr := client.Abort(mismatchExitCode, err.Error()); abortErr != nil {
		log.Warn("failed to abort the job", zap.Error(abortErr))
	}
	return err
}

func (o *options) run(cmd *cobra.Command) error {
	ctx, cancel, err := util.InitCmd(cmd, &logutil.Config{Level: o.logLevel})
	if err != nil {
		return cerror.WrapError(cerror.ErrInvalidConfig, err, "log")
	}
	defer cancel()

	r, err := o.probe(ctx)
	if err != nil {
		return err
	}
	return util.JSONPrint(cmd, r)
}

// NewCmdProbe creates the `probe` command.
func NewCmdProbe() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "probe",
		Short: "Smoke test worker checking that every rank of the job can exchange data",
		Long: "probe runs as the worker command of a unit. Every rank publishes a value, " +
			"fences and reads the values of all ranks, then prints a JSON report.",
		Example: "  rdzv run --nprocs 2 -- rdzv probe --rounds 3",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := o.complete(cmd)
			if err == nil {
				err = o.validate()
			}
			if err == nil {
				err = o.run(cmd)
			}
			util.CheckErr(err)
			return nil
		},
	}
	o.addFlags(command)

	return command
}

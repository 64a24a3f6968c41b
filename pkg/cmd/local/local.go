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
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mpik8s/rdzv/pkg/cmd/util"
	"github.com/mpik8s/rdzv/pkg/config"
	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/mpik8s/rdzv/pkg/logutil"
	"github.com/mpik8s/rdzv/pkg/version"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const defaultJobName = "local"

// options defines flags for the `local` command.
type options struct {
	units                int
	jobName              string
	serverConfigFilePath string
	serverConfig         *config.ServerConfig
	command              []string
}

// newOptions creates new options for the `local` command.
func newOptions() *options {
	return &options{
		serverConfig: config.GetDefaultServerConfig(),
	}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to the local job to it.
func (o *options) addFlags(cmd *cobra.Command) {
	defaultServerConfig := config.GetDefaultServerConfig()
	cmd.Flags().IntVarP(&o.units, "units", "p", 2, "Number of units of the job")
	cmd.Flags().StringVar(&o.jobName, "job-name", defaultJobName, "Name of the job")
	cmd.Flags().IntVarP(&o.serverConfig.NProcs, "nprocs", "n", defaultServerConfig.NProcs, "Number of workers spawned by every unit")
	cmd.Flags().StringVar(&o.serverConfig.LogFile, "log-file", defaultServerConfig.LogFile, "log file path")
	cmd.Flags().StringVar(&o.serverConfig.LogLevel, "log-level", defaultServerConfig.LogLevel, "log level (etc: debug|info|warn|error)")
	cmd.Flags().StringVar(&o.serverConfig.Discovery.Dir, "discovery-dir", "", "Directory the units register in, a temporary one by default")
	cmd.Flags().DurationVar((*time.Duration)(&o.serverConfig.Discovery.Timeout), "discovery-timeout", time.Duration(defaultServerConfig.Discovery.Timeout), "Longest time to wait for all units to be discovered")
	cmd.Flags().DurationVar((*time.Duration)(&o.serverConfig.Fence.Timeout), "fence-timeout", time.Duration(defaultServerConfig.Fence.Timeout), "Longest time a collective round may stay incomplete")
	cmd.Flags().DurationVar((*time.Duration)(&o.serverConfig.Supervisor.KillGracePeriod), "kill-grace-period", time.Duration(defaultServerConfig.Supervisor.KillGracePeriod), "Delay between SIGTERM and SIGKILL when workers are stopped")
	cmd.Flags().StringVar(&o.serverConfigFilePath, "config", "", "Path of the configuration file shared by all units")
}

// complete adapts from the command line args and the config file to the
// data required.
func (o *options) complete(cmd *cobra.Command, args []string) error {
	conf := config.GetDefaultServerConfig()
	if len(o.serverConfigFilePath) > 0 {
		if err := util.StrictDecodeFile(o.serverConfigFilePath, "rdzv local", conf); err != nil {
			return err
		}
	}
	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "nprocs":
			conf.NProcs = o.serverConfig.NProcs
		case "log-file":
			conf.LogFile = o.serverConfig.LogFile
		case "log-level":
			conf.LogLevel = o.serverConfig.LogLevel
		case "discovery-dir":
			conf.Discovery.Dir = o.serverConfig.Discovery.Dir
		case "discovery-timeout":
			conf.Discovery.Timeout = o.serverConfig.Discovery.Timeout
		case "fence-timeout":
			conf.Fence.Timeout = o.serverConfig.Fence.Timeout
		case "kill-grace-period":
			conf.Supervisor.KillGracePeriod = o.serverConfig.Supervisor.KillGracePeriod
		case "units", "job-name", "config":
			// do nothing
		default:
			log.Panic("unknown flag, please report a bug", zap.String("flagName", flag.Name))
		}
	})
	command, err := conf.WorkerCommand(args)
	if err != nil {
		return err
	}
	// Units of one process share the loopback interface.
	conf.Addr = "127.0.0.1:0"
	conf.AdvertiseAddr = ""
	conf.Discovery.Mode = config.DiscoveryModeDir
	o.serverConfig = conf
	o.command = command
	return nil
}

// validate checks that the provided options are valid.
func (o *options) validate() error {
	if o.units <= 0 {
		return cerror.ErrInvalidServerOption.GenWithStackByArgs("units must be positive")
	}
	if o.jobName == "" {
		return cerror.ErrInvalidServerOption.GenWithStackByArgs("empty job name")
	}
	// The launcher creates the directory when none is given.
	cfg := o.serverConfig.Clone()
	if cfg.Discovery.Dir == "" {
		cfg.Discovery.Dir = os.TempDir()
	}
	if err := cfg.ValidateAndAdjust(); err != nil {
		return errors.Trace(err)
	}
	cfg.Discovery.Dir = o.serverConfig.Discovery.Dir
	o.serverConfig = cfg
	return nil
}

// run runs all units of the job until it ended.
func (o *options) run(cmd *cobra.Command) error {
	conf := o.serverConfig
	ctx, cancel, err := util.InitCmd(cmd, &logutil.Config{
		File:           conf.LogFile,
		Level:          conf.LogLevel,
		FileMaxSize:    conf.Log.File.MaxSize,
		FileMaxDays:    conf.Log.File.MaxDays,
		FileMaxBackups: conf.Log.File.MaxBackups,
	})
	if err != nil {
		return cerror.WrapError(cerror.ErrInvalidConfig, err, "log")
	}
	defer cancel()

	version.LogVersionInfo("rdzv-local")

	l, err := newLauncher(conf, o.jobName, o.units, o.command)
	if err != nil {
		return err
	}
	log.Info("local job is starting",
		zap.String("jobName", o.jobName),
		zap.Int("units", o.units),
		zap.Int("nprocs", conf.NProcs),
		zap.Strings("statusAddrs", l.StatusAddrs()),
		zap.Strings("command", o.command))
	util.InitSignalHandling(func(sig os.Signal) <-chan struct{} {
		l.Abort(ctx, cerror.ErrInterrupted.GenWithStackByArgs(sig.String()))
		return l.Done()
	}, cancel)

	err = l.Run(ctx)
	if err != nil {
		log.Error("local job failed",
			zap.Int("exitCode", cerror.ExitCodeOf(err)),
			zap.Error(err))
		return err
	}
	log.Info("local job succeeded")
	return nil
}

// NewCmdLocal creates the `local` command.
func NewCmdLocal() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:     "local [flags] -- command [args...]",
		Short:   "Run every unit of a job in this process, for testing without a cluster",
		Example: "  rdzv local -p 2 -n 4 -- rdzv probe",
		Args:    cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if os.Getenv(gin.EnvGinMode) == "" {
				gin.SetMode(gin.ReleaseMode)
			}
			err := o.complete(cmd, args)
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
	command.Flags().SetInterspersed(false)
	o.addFlags(command)

	return command
}

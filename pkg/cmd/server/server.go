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
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/mpik8s/rdzv/pkg/cmd/util"
	"github.com/mpik8s/rdzv/pkg/config"
	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/mpik8s/rdzv/pkg/logutil"
	"github.com/mpik8s/rdzv/pkg/server"
	"github.com/mpik8s/rdzv/pkg/version"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// options defines flags for the `run` command.
type options struct {
	serverConfigFilePath string
	serverConfig         *config.ServerConfig
	command              []string
}

// newOptions creates new options for the `run` command.
func newOptions() *options {
	return &options{
		serverConfig: config.GetDefaultServerConfig(),
	}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to the unit to it.
func (o *options) addFlags(cmd *cobra.Command) {
	defaultServerConfig := config.GetDefaultServerConfig()
	cmd.Flags().StringVar(&o.serverConfig.Addr, "addr", defaultServerConfig.Addr, "Set the listening address of the peer channel and the status API")
	cmd.Flags().StringVar(&o.serverConfig.AdvertiseAddr, "advertise-addr", defaultServerConfig.AdvertiseAddr, "Set the address peers use to reach this unit")
	cmd.Flags().StringVar(&o.serverConfig.LocalAddr, "local-addr", defaultServerConfig.LocalAddr, "Set the loopback address workers connect to")
	cmd.Flags().IntVarP(&o.serverConfig.NProcs, "nprocs", "n", defaultServerConfig.NProcs, "Number of workers spawned by this unit")
	cmd.Flags().StringVar(&o.serverConfig.LogFile, "log-file", defaultServerConfig.LogFile, "log file path")
	cmd.Flags().StringVar(&o.serverConfig.LogLevel, "log-level", defaultServerConfig.LogLevel, "log level (etc: debug|info|warn|error)")

	cmd.Flags().StringVar(&o.serverConfig.Discovery.Mode, "discovery-mode", defaultServerConfig.Discovery.Mode, "Peer discovery mode (kubernetes|etcd|dir|static)")
	cmd.Flags().DurationVar((*time.Duration)(&o.serverConfig.Discovery.Timeout), "discovery-timeout", time.Duration(defaultServerConfig.Discovery.Timeout), "Longest time to wait for all peers to be discovered")
	cmd.Flags().StringVar(&o.serverConfig.Discovery.Dir, "discovery-dir", defaultServerConfig.Discovery.Dir, "Shared directory used by the dir discovery mode")
	cmd.Flags().StringSliceVar(&o.serverConfig.Discovery.Peers, "peers", defaultServerConfig.Discovery.Peers, "Peer addresses ordered by unit index, used by the static discovery mode")
	cmd.Flags().StringSliceVar(&o.serverConfig.Discovery.Etcd.Endpoints, "etcd-endpoints", defaultServerConfig.Discovery.Etcd.Endpoints, "Set the etcd endpoints used by the etcd discovery mode. Use ',' to separate multiple endpoints")
	cmd.Flags().StringVar(&o.serverConfig.Discovery.Kubernetes.Kubeconfig, "kubeconfig", defaultServerConfig.Discovery.Kubernetes.Kubeconfig, "Path of a kubeconfig file, empty for the in-cluster config")

	cmd.Flags().DurationVar((*time.Duration)(&o.serverConfig.Fence.Timeout), "fence-timeout", time.Duration(defaultServerConfig.Fence.Timeout), "Longest time a collective round may stay incomplete")
	cmd.Flags().DurationVar((*time.Duration)(&o.serverConfig.Fence.LingerTimeout), "linger-timeout", time.Duration(defaultServerConfig.Fence.LingerTimeout), "How long a finished unit keeps serving its peers")
	cmd.Flags().DurationVar((*time.Duration)(&o.serverConfig.Supervisor.KillGracePeriod), "kill-grace-period", time.Duration(defaultServerConfig.Supervisor.KillGracePeriod), "Delay between SIGTERM and SIGKILL when workers are stopped")

	cmd.Flags().StringVar(&o.serverConfigFilePath, "config", "", "Path of the configuration file")
}

// complete adapts from the command line args and the config file to the
// data required.
func (o *options) complete(cmd *cobra.Command, args []string) error {
	conf := config.GetDefaultServerConfig()
	if len(o.serverConfigFilePath) > 0 {
		if err := util.StrictDecodeFile(o.serverConfigFilePath, "rdzv unit", conf); err != nil {
			return err
		}
	}
	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "addr":
			conf.Addr = o.serverConfig.Addr
		case "advertise-addr":
			conf.AdvertiseAddr = o.serverConfig.AdvertiseAddr
		case "local-addr":
			conf.LocalAddr = o.serverConfig.LocalAddr
		case "nprocs":
			conf.NProcs = o.serverConfig.NProcs
		case "log-file":
			conf.LogFile = o.serverConfig.LogFile
		case "log-level":
			conf.LogLevel = o.serverConfig.LogLevel
		case "discovery-mode":
			conf.Discovery.Mode = o.serverConfig.Discovery.Mode
		case "discovery-timeout":
			conf.Discovery.Timeout = o.serverConfig.Discovery.Timeout
		case "discovery-dir":
			conf.Discovery.Dir = o.serverConfig.Discovery.Dir
		case "peers":
			conf.Discovery.Peers = o.serverConfig.Discovery.Peers
		case "etcd-endpoints":
			if conf.Discovery.Etcd == nil {
				conf.Discovery.Etcd = &config.EtcdConfig{}
			}
			conf.Discovery.Etcd.Endpoints = o.serverConfig.Discovery.Etcd.Endpoints
		case "kubeconfig":
			if conf.Discovery.Kubernetes == nil {
				conf.Discovery.Kubernetes = &config.KubernetesConfig{}
			}
			conf.Discovery.Kubernetes.Kubeconfig = o.serverConfig.Discovery.Kubernetes.Kubeconfig
		case "fence-timeout":
			conf.Fence.Timeout = o.serverConfig.Fence.Timeout
		case "linger-timeout":
			conf.Fence.LingerTimeout = o.serverConfig.Fence.LingerTimeout
		case "kill-grace-period":
			conf.Supervisor.KillGracePeriod = o.serverConfig.Supervisor.KillGracePeriod
		case "config":
			// do nothing
		default:
			log.Panic("unknown flag, please report a bug", zap.String("flagName", flag.Name))
		}
	})
	if len(args) > 0 && conf.Command != "" {
		cmd.Print(color.HiYellowString("[WARN] the command of the config file is ignored, " +
			"the one given after `--` is run instead.\n"))
	}
	command, err := conf.WorkerCommand(args)
	if err != nil {
		return err
	}
	o.serverConfig = conf
	o.command = command
	return nil
}

// validate checks that the provided options are valid.
func (o *options) validate() error {
	if err := o.serverConfig.ValidateAndAdjust(); err != nil {
		return errors.Trace(err)
	}
	if o.serverConfig.Discovery.Mode == config.DiscoveryModeEtcd {
		for _, ep := range o.serverConfig.Discovery.Etcd.Endpoints {
			if err := util.VerifyEtcdEndpoint(ep); err != nil {
				return cerror.ErrInvalidServerOption.Wrap(err).GenWithStackByCause()
			}
		}
	}
	return nil
}

// run runs the unit until its job ended.
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

	version.LogVersionInfo("rdzv")
	util.LogHTTPProxies()

	id, err := config.JobIdentityFromEnv(nil, conf.NProcs)
	if err != nil {
		return err
	}
	log.Info("unit identity",
		zap.String("namespace", id.NamespaceID()),
		zap.Int("index", id.Index),
		zap.Int("size", id.Size),
		zap.Int("nprocs", id.NProcs),
		zap.Strings("command", o.command))

	srv, err := server.New(conf, id, o.command)
	if err != nil {
		return errors.Trace(err)
	}
	util.InitSignalHandling(func(sig os.Signal) <-chan struct{} {
		srv.Abort(ctx, cerror.ErrInterrupted.GenWithStackByArgs(sig.String()))
		return srv.Done()
	}, cancel)

	err = srv.Run(ctx)
	if err != nil {
		log.Error("unit exits with error",
			zap.Int("exitCode", cerror.ExitCodeOf(err)),
			zap.String("error", errors.ErrorStack(err)))
		return err
	}
	log.Info("unit exits successfully")
	return nil
}

// NewCmdRun creates the `run` command.
func NewCmdRun() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Run one unit of a job: discover its peers and spawn the local workers",
		Example: strings.Join([]string{
			"  rdzv run --nprocs 4 -- ./allreduce --iters 100",
			"  rdzv run --config rdzv.toml",
		}, "\n"),
		Args: cobra.ArbitraryArgs,
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
	// Flags after the worker command belong to the worker.
	command.Flags().SetInterspersed(false)
	o.addFlags(command)

	return command
}

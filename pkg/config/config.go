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

package config

import (
	"encoding/json"
	"net"
	"strconv"
	"time"

	"github.com/google/shlex"
	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/mpik8s/rdzv/pkg/logutil"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	// DefaultCoordPort is the default port of the peer channel and status API.
	DefaultCoordPort = 5000

	// Discovery modes.
	DiscoveryModeKubernetes = "kubernetes"
	DiscoveryModeEtcd       = "etcd"
	DiscoveryModeDir        = "dir"
	DiscoveryModeStatic     = "static"
)

// TomlDuration is a duration encoded as a string such as "1m30s" in toml and json.
type TomlDuration time.Duration

// UnmarshalText is the toml decoder
func (d *TomlDuration) UnmarshalText(text []byte) error {
	stdDuration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = TomlDuration(stdDuration)
	return nil
}

// MarshalText is the toml encoder
func (d TomlDuration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// ServerConfig holds the configuration of one unit.
type ServerConfig struct {
	// Addr is the listen address of the peer channel and the status API.
	Addr string `toml:"addr" json:"addr"`
	// AdvertiseAddr is the address peers use to reach this unit. It defaults
	// to the pod IP with the port of Addr.
	AdvertiseAddr string `toml:"advertise-addr" json:"advertise-addr"`
	// LocalAddr is the loopback address workers connect to.
	LocalAddr string `toml:"local-addr" json:"local-addr"`

	// NProcs is the number of workers spawned by this unit.
	NProcs int `toml:"nprocs" json:"nprocs"`
	// Command is the worker command line, used when none is given after `--`.
	Command string `toml:"command" json:"command"`

	LogFile  string     `toml:"log-file" json:"log-file"`
	LogLevel string     `toml:"log-level" json:"log-level"`
	Log      *LogConfig `toml:"log" json:"log"`

	Discovery  *DiscoveryConfig  `toml:"discovery" json:"discovery"`
	Fence      *FenceConfig      `toml:"fence" json:"fence"`
	Supervisor *SupervisorConfig `toml:"supervisor" json:"supervisor"`
	Messages   *MessagesConfig   `toml:"messages" json:"messages"`
}

// LogConfig is the log file configuration.
type LogConfig struct {
	File *LogFileConfig `toml:"file" json:"file"`
}

// LogFileConfig is the rotation config of the log file.
type LogFileConfig struct {
	MaxSize    int `toml:"max-size" json:"max-size"`
	MaxDays    int `toml:"max-days" json:"max-days"`
	MaxBackups int `toml:"max-backups" json:"max-backups"`
}

// FenceConfig bounds the duration of collective rounds.
type FenceConfig struct {
	// Timeout is the longest a round may stay incomplete once it is opened
	// on this unit.
	Timeout TomlDuration `toml:"timeout" json:"timeout"`
	// LingerTimeout is how long a unit whose workers all succeeded keeps
	// serving peers that have not finished yet.
	LingerTimeout TomlDuration `toml:"linger-timeout" json:"linger-timeout"`
}

// SupervisorConfig configures the worker processes.
type SupervisorConfig struct {
	// KillGracePeriod is the delay between SIGTERM and SIGKILL on abort.
	KillGracePeriod TomlDuration `toml:"kill-grace-period" json:"kill-grace-period"`
	// WorkDir is the working directory of workers, empty for the current one.
	WorkDir string `toml:"work-dir" json:"work-dir"`
}

var defaultServerConfig = &ServerConfig{
	Addr:      "0.0.0.0:5000",
	LocalAddr: "127.0.0.1:0",
	NProcs:    1,
	LogFile:   "",
	LogLevel:  logutil.DefaultLogLevel,
	Log: &LogConfig{
		File: &LogFileConfig{
			MaxSize:    logutil.DefaultLogMaxSize,
			MaxDays:    0,
			MaxBackups: 0,
		},
	},
	Discovery: &DiscoveryConfig{
		Mode:         DiscoveryModeKubernetes,
		Timeout:      TomlDuration(5 * time.Minute),
		PollInterval: TomlDuration(2 * time.Second),
		Etcd: &EtcdConfig{
			Prefix:      "/rdzv",
			SessionTTL:  10,
			DialTimeout: TomlDuration(5 * time.Second),
		},
		Kubernetes: &KubernetesConfig{
			WatchRestartRate: 1.0,
		},
	},
	Fence: &FenceConfig{
		Timeout:       TomlDuration(15 * time.Minute),
		LingerTimeout: TomlDuration(30 * time.Second),
	},
	Supervisor: &SupervisorConfig{
		KillGracePeriod: TomlDuration(10 * time.Second),
	},
	Messages: defaultMessageConfig.Clone(),
}

// GetDefaultServerConfig returns the default server config
func GetDefaultServerConfig() *ServerConfig {
	return defaultServerConfig.Clone()
}

// Marshal returns the json marshal format of a ServerConfig
func (c *ServerConfig) Marshal() (string, error) {
	cfg, err := json.Marshal(c)
	if err != nil {
		return "", errors.Annotatef(err, "Unmarshal data: %v", c)
	}
	return string(cfg), nil
}

// Unmarshal unmarshals into *ServerConfig from json marshal byte slice
func (c *ServerConfig) Unmarshal(data []byte) error {
	return errors.Trace(json.Unmarshal(data, c))
}

// Clone clones a server config
func (c *ServerConfig) Clone() *ServerConfig {
	str, err := c.Marshal()
	if err != nil {
		log.Panic("failed to marshal server config", zap.Error(err))
	}
	clone := new(ServerConfig)
	err = clone.Unmarshal([]byte(str))
	if err != nil {
		log.Panic("failed to unmarshal server config", zap.Error(err))
	}
	return clone
}

// ValidateAndAdjust validates and adjusts the server configuration
func (c *ServerConfig) ValidateAndAdjust() error {
	defaultCfg := GetDefaultServerConfig()
	if c.Addr == "" {
		return cerror.ErrInvalidServerOption.GenWithStackByArgs("empty address")
	}
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return cerror.WrapError(cerror.ErrInvalidServerOption, err, "addr")
	}
	if c.AdvertiseAddr != "" {
		host, port, err := net.SplitHostPort(c.AdvertiseAddr)
		if err != nil {
			return cerror.WrapError(cerror.ErrInvalidServerOption, err, "advertise-addr")
		}
		// Advertise address must be specified.
		if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
			return cerror.ErrInvalidServerOption.GenWithStackByArgs(
				"advertise address must be specified as a valid IP")
		}
		if port == "0" {
			return cerror.ErrInvalidServerOption.GenWithStackByArgs("advertise address port must not be 0")
		}
	}
	if c.LocalAddr == "" {
		c.LocalAddr = defaultCfg.LocalAddr
	}
	if _, _, err := net.SplitHostPort(c.LocalAddr); err != nil {
		return cerror.WrapError(cerror.ErrInvalidServerOption, err, "local-addr")
	}

	if c.NProcs <= 0 {
		return cerror.ErrInvalidServerOption.GenWithStackByArgs("nprocs must be positive")
	}

	if c.LogLevel == "" {
		c.LogLevel = defaultCfg.LogLevel
	}
	if c.Log == nil {
		c.Log = defaultCfg.Log
	}
	if c.Log.File == nil {
		c.Log.File = defaultCfg.Log.File
	}

	if c.Discovery == nil {
		c.Discovery = defaultCfg.Discovery
	}
	if err := c.Discovery.ValidateAndAdjust(); err != nil {
		return errors.Trace(err)
	}

	if c.Fence == nil {
		c.Fence = defaultCfg.Fence
	}
	if c.Fence.Timeout <= 0 {
		c.Fence.Timeout = defaultCfg.Fence.Timeout
	}
	if c.Fence.LingerTimeout <= 0 {
		c.Fence.LingerTimeout = defaultCfg.Fence.LingerTimeout
	}

	if c.Supervisor == nil {
		c.Supervisor = defaultCfg.Supervisor
	}
	if c.Supervisor.KillGracePeriod <= 0 {
		c.Supervisor.KillGracePeriod = defaultCfg.Supervisor.KillGracePeriod
	}

	if c.Messages == nil {
		c.Messages = defaultMessageConfig.Clone()
	}
	if err := c.Messages.ValidateAndAdjust(); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Port returns the port of Addr.
func (c *ServerConfig) Port() int {
	_, port, err := net.SplitHostPort(c.Addr)
	if err != nil {
		return DefaultCoordPort
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return DefaultCoordPort
	}
	return p
}

// ResolveAdvertiseAddr returns the configured advertise address, or
// podIP:port when it is not set.
func (c *ServerConfig) ResolveAdvertiseAddr(podIP string) (string, error) {
	if c.AdvertiseAddr != "" {
		return c.AdvertiseAddr, nil
	}
	if podIP == "" {
		host, _, err := net.SplitHostPort(c.Addr)
		if err != nil {
			return "", cerror.WrapError(cerror.ErrInvalidServerOption, err, "addr")
		}
		if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
			return "", cerror.ErrInvalidServerOption.GenWithStackByArgs(
				"advertise-addr is required when the pod IP is unknown")
		}
		podIP = host
	}
	return net.JoinHostPort(podIP, strconv.Itoa(c.Port())), nil
}

// WorkerCommand returns args if not empty, otherwise the configured command
// line split with shell quoting rules.
func (c *ServerConfig) WorkerCommand(args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	if c.Command == "" {
		return nil, cerror.ErrInvalidServerOption.GenWithStackByArgs("no worker command given")
	}
	parts, err := shlex.Split(c.Command)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrInvalidServerOption, err, "command")
	}
	if len(parts) == 0 {
		return nil, cerror.ErrInvalidServerOption.GenWithStackByArgs("no worker command given")
	}
	return parts, nil
}

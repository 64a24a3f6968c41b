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
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mpik8s/rdzv/pkg/config"
	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestAddUnknownFlag(t *testing.T) {
	cmd := new(cobra.Command)
	o := newOptions()
	o.addFlags(cmd)

	require.Regexp(t, ".*unknown flag: --NPROCS.*", cmd.ParseFlags([]string{"--NPROCS=2"}).Error())
}

func TestDefaultCfg(t *testing.T) {
	cmd := new(cobra.Command)
	o := newOptions()
	o.addFlags(cmd)

	require.Nil(t, cmd.ParseFlags([]string{}))
	err := o.complete(cmd, []string{"hostname"})
	require.Nil(t, err)
	require.Nil(t, o.validate())

	defaultCfg := config.GetDefaultServerConfig()
	require.Nil(t, defaultCfg.ValidateAndAdjust())
	require.Equal(t, defaultCfg, o.serverConfig)
	require.Equal(t, []string{"hostname"}, o.command)
}

func TestMissingCommand(t *testing.T) {
	cmd := new(cobra.Command)
	o := newOptions()
	o.addFlags(cmd)

	require.Nil(t, cmd.ParseFlags([]string{"--nprocs", "2"}))
	err := o.complete(cmd, nil)
	require.True(t, cerror.ErrInvalidServerOption.Equal(err))
	require.Equal(t, cerror.ExitCodeInvalidUsage, cerror.ExitCodeOf(err))
}

func TestParseCfg(t *testing.T) {
	dir := t.TempDir()
	cmd := new(cobra.Command)
	o := newOptions()
	o.addFlags(cmd)

	require.Nil(t, cmd.ParseFlags([]string{
		"--addr", "127.5.5.1:8833",
		"--advertise-addr", "127.5.5.1:7777",
		"--local-addr", "127.0.0.1:9000",
		"-n", "8",
		"--log-file", "/root/rdzv.log",
		"--log-level", "debug",
		"--discovery-mode", "dir",
		"--discovery-dir", dir,
		"--discovery-timeout", "30s",
		"--fence-timeout", "1m",
		"--linger-timeout", "5s",
		"--kill-grace-period", "2s",
	}))

	err := o.complete(cmd, []string{"./worker", "--iters", "3"})
	require.Nil(t, err)
	err = o.validate()
	require.Nil(t, err)

	conf := o.serverConfig
	require.Equal(t, "127.5.5.1:8833", conf.Addr)
	require.Equal(t, "127.5.5.1:7777", conf.AdvertiseAddr)
	require.Equal(t, "127.0.0.1:9000", conf.LocalAddr)
	require.Equal(t, 8, conf.NProcs)
	require.Equal(t, "/root/rdzv.log", conf.LogFile)
	require.Equal(t, "debug", conf.LogLevel)
	require.Equal(t, config.DiscoveryModeDir, conf.Discovery.Mode)
	require.Equal(t, dir, conf.Discovery.Dir)
	require.Equal(t, config.TomlDuration(30*time.Second), conf.Discovery.Timeout)
	require.Equal(t, config.TomlDuration(time.Minute), conf.Fence.Timeout)
	require.Equal(t, config.TomlDuration(5*time.Second), conf.Fence.LingerTimeout)
	require.Equal(t, config.TomlDuration(2*time.Second), conf.Supervisor.KillGracePeriod)
	require.Equal(t, []string{"./worker", "--iters", "3"}, o.command)
}

func TestDecodeCfg(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "rdzv.toml")
	configContent := `
addr = "0.0.0.0:6000"
nprocs = 2
command = "python3 -c 'print(1)'"
log-level = "warn"

[discovery]
mode = "static"
peers = ["10.0.0.1:6000", "10.0.0.2:6000"]

[fence]
timeout = "10m"
`
	err := os.WriteFile(configPath, []byte(configContent), 0o644)
	require.Nil(t, err)

	cmd := new(cobra.Command)
	o := newOptions()
	o.addFlags(cmd)

	require.Nil(t, cmd.ParseFlags([]string{
		"--config", configPath,
		"--nprocs", "4",
		"--advertise-addr", "10.0.0.1:6000",
	}))

	err = o.complete(cmd, nil)
	require.Nil(t, err)
	err = o.validate()
	require.Nil(t, err)

	conf := o.serverConfig
	require.Equal(t, "0.0.0.0:6000", conf.Addr)
	require.Equal(t, "10.0.0.1:6000", conf.AdvertiseAddr)
	// Flags take precedence over the file.
	require.Equal(t, 4, conf.NProcs)
	require.Equal(t, "warn", conf.LogLevel)
	require.Equal(t, []string{"10.0.0.1:6000", "10.0.0.2:6000"}, conf.Discovery.Peers)
	require.Equal(t, config.TomlDuration(10*time.Minute), conf.Fence.Timeout)
	require.Equal(t, []string{"python3", "-c", "print(1)"}, o.command)

	// Arguments after -- replace the configured command.
	o = newOptions()
	cmd = new(cobra.Command)
	o.addFlags(cmd)
	require.Nil(t, cmd.ParseFlags([]string{"--config", configPath}))
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.Nil(t, o.complete(cmd, []string{"hostname"}))
	require.Equal(t, []string{"hostname"}, o.command)
	require.Contains(t, out.String(), "the command of the config file is ignored")
}

func TestDecodeUnknownCfg(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "rdzv.toml")
	err := os.WriteFile(configPath, []byte("nprocs = 2\nworkers = 3\n"), 0o644)
	require.Nil(t, err)

	cmd := new(cobra.Command)
	o := newOptions()
	o.addFlags(cmd)
	require.Nil(t, cmd.ParseFlags([]string{"--config", configPath}))
	err = o.complete(cmd, []string{"hostname"})
	require.Regexp(t, ".*contained unknown configuration options: workers.*", err)
	require.Equal(t, cerror.ExitCodeInvalidUsage, cerror.ExitCodeOf(err))
}

func TestValidateEtcdEndpoints(t *testing.T) {
	cmd := new(cobra.Command)
	o := newOptions()
	o.addFlags(cmd)

	require.Nil(t, cmd.ParseFlags([]string{
		"--discovery-mode", "etcd",
		"--etcd-endpoints", "127.0.0.1:2379,postgres://etcd:2379",
	}))
	require.Nil(t, o.complete(cmd, []string{"hostname"}))
	err := o.validate()
	require.True(t, cerror.ErrInvalidServerOption.Equal(err))

	cmd = new(cobra.Command)
	o = newOptions()
	o.addFlags(cmd)
	require.Nil(t, cmd.ParseFlags([]string{"--discovery-mode", "etcd"}))
	require.Nil(t, o.complete(cmd, []string{"hostname"}))
	err = o.validate()
	require.Regexp(t, ".*etcd discovery requires endpoints.*", err)

	cmd = new(cobra.Command)
	o = newOptions()
	o.addFlags(cmd)
	require.Nil(t, cmd.ParseFlags([]string{
		"--discovery-mode", "etcd",
		"--etcd-endpoints", "http://127.0.0.1:2379,127.0.0.2:2379",
	}))
	require.Nil(t, o.complete(cmd, []string{"hostname"}))
	require.Nil(t, o.validate())
	require.Equal(t, []string{"http://127.0.0.1:2379", "127.0.0.2:2379"},
		o.serverConfig.Discovery.Etcd.Endpoints)
}

func TestInvalidNProcs(t *testing.T) {
	cmd := new(cobra.Command)
	o := newOptions()
	o.addFlags(cmd)

	require.Nil(t, cmd.ParseFlags([]string{"--nprocs", "0"}))
	require.Nil(t, o.complete(cmd, []string{"hostname"}))
	err := o.validate()
	require.Regexp(t, ".*nprocs must be positive.*", err)
	require.Equal(t, cerror.ExitCodeInvalidUsage, cerror.ExitCodeOf(err))
}

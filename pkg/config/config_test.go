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
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestDefaultServerConfigIsValid(t *testing.T) {
	t.Parallel()

	conf := GetDefaultServerConfig()
	require.NoError(t, conf.ValidateAndAdjust())
	require.Equal(t, GetDefaultServerConfig(), conf)
	require.Equal(t, DefaultCoordPort, conf.Port())
	require.Equal(t, DiscoveryModeKubernetes, conf.Discovery.Mode)
	require.Equal(t, TomlDuration(15*time.Minute), conf.Fence.Timeout)
}

func TestServerConfigClone(t *testing.T) {
	t.Parallel()

	conf := GetDefaultServerConfig()
	conf.Discovery.Peers = []string{"10.0.0.1:5000"}
	clone := conf.Clone()
	require.Equal(t, conf, clone)
	clone.Discovery.Peers[0] = "10.0.0.2:5000"
	require.Equal(t, "10.0.0.1:5000", conf.Discovery.Peers[0])
}

func TestServerConfigValidateAndAdjust(t *testing.T) {
	t.Parallel()

	conf := new(ServerConfig)
	require.Regexp(t, ".*empty address.*", conf.ValidateAndAdjust())

	conf.Addr = "cdc:1234"
	conf.NProcs = 2
	require.NoError(t, conf.ValidateAndAdjust())
	require.Equal(t, "127.0.0.1:0", conf.LocalAddr)
	require.Equal(t, GetDefaultServerConfig().Messages, conf.Messages)
	require.Equal(t, GetDefaultServerConfig().Supervisor, conf.Supervisor)

	conf.AdvertiseAddr = "0.0.0.0:5000"
	err := conf.ValidateAndAdjust()
	require.True(t, cerror.ErrInvalidServerOption.Equal(err))
	require.Regexp(t, ".*must be specified as a valid IP.*", err)

	conf.AdvertiseAddr = "10.0.0.3:0"
	require.Regexp(t, ".*port must not be 0.*", conf.ValidateAndAdjust())

	conf.AdvertiseAddr = "10.0.0.3:5000"
	conf.NProcs = 0
	require.Regexp(t, ".*nprocs must be positive.*", conf.ValidateAndAdjust())
}

func TestDiscoveryConfigValidateAndAdjust(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		cfg *DiscoveryConfig
		err string
	}{
		{&DiscoveryConfig{}, ""},
		{&DiscoveryConfig{Mode: "consul"}, ".*unknown discovery mode.*"},
		{&DiscoveryConfig{Mode: DiscoveryModeDir}, ".*requires a directory.*"},
		{&DiscoveryConfig{Mode: DiscoveryModeDir, Dir: "/tmp/rdzv"}, ""},
		{&DiscoveryConfig{Mode: DiscoveryModeStatic}, ".*requires peers.*"},
		{&DiscoveryConfig{Mode: DiscoveryModeEtcd}, ".*requires endpoints.*"},
		{&DiscoveryConfig{
			Mode: DiscoveryModeEtcd,
			Etcd: &EtcdConfig{Endpoints: []string{"127.0.0.1:2379"}},
		}, ""},
		{&DiscoveryConfig{
			Mode:         DiscoveryModeKubernetes,
			Timeout:      TomlDuration(time.Second),
			PollInterval: TomlDuration(time.Minute),
		}, ".*poll-interval is larger than discovery timeout.*"},
	}
	for _, tc := range testCases {
		err := tc.cfg.ValidateAndAdjust()
		if tc.err == "" {
			require.NoError(t, err)
		} else {
			require.Regexp(t, tc.err, err)
		}
	}

	cfg := &DiscoveryConfig{
		Mode: DiscoveryModeEtcd,
		Etcd: &EtcdConfig{Endpoints: []string{"127.0.0.1:2379"}},
	}
	require.NoError(t, cfg.ValidateAndAdjust())
	require.Equal(t, "/rdzv", cfg.Etcd.Prefix)
	require.Equal(t, 10, cfg.Etcd.SessionTTL)
}

func TestTomlDuration(t *testing.T) {
	t.Parallel()

	var conf struct {
		Timeout TomlDuration `toml:"timeout"`
	}
	_, err := toml.Decode(`timeout = "1m30s"`, &conf)
	require.NoError(t, err)
	require.Equal(t, TomlDuration(90*time.Second), conf.Timeout)

	_, err = toml.Decode(`timeout = "soon"`, &conf)
	require.Error(t, err)

	text, err := conf.Timeout.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "1m30s", string(text))
}

func TestWorkerCommand(t *testing.T) {
	t.Parallel()

	conf := GetDefaultServerConfig()
	args, err := conf.WorkerCommand([]string{"./a.out", "-n", "1"})
	require.NoError(t, err)
	require.Equal(t, []string{"./a.out", "-n", "1"}, args)

	_, err = conf.WorkerCommand(nil)
	require.Regexp(t, ".*no worker command given.*", err)

	conf.Command = `python3 -c "print('hi there')"`
	args, err = conf.WorkerCommand(nil)
	require.NoError(t, err)
	require.Equal(t, []string{"python3", "-c", "print('hi there')"}, args)
}

func TestResolveAdvertiseAddr(t *testing.T) {
	t.Parallel()

	conf := GetDefaultServerConfig()
	addr, err := conf.ResolveAdvertiseAddr("10.1.2.3")
	require.NoError(t, err)
	require.Equal(t, "10.1.2.3:5000", addr)

	_, err = conf.ResolveAdvertiseAddr("")
	require.Regexp(t, ".*advertise-addr is required.*", err)

	conf.Addr = "127.0.0.1:6000"
	addr, err = conf.ResolveAdvertiseAddr("")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:6000", addr)

	conf.AdvertiseAddr = "unit-0.svc:7000"
	addr, err = conf.ResolveAdvertiseAddr("10.1.2.3")
	require.NoError(t, err)
	require.Equal(t, "unit-0.svc:7000", addr)
}

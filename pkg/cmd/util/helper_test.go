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

package util

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
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestProxyFields(t *testing.T) {
	revIndex := map[string]int{
		"http_proxy":  0,
		"https_proxy": 1,
		"no_proxy":    2,
	}
	envs := []string{"http_proxy", "https_proxy", "no_proxy"}
	envPreset := []string{"http://127.0.0.1:8080", "https://127.0.0.1:8443", "localhost,127.0.0.1"}

	// Exhaust all combinations of those environment variables' selection.
	// Each bit of the mask decided whether this index of `envs` would be set.
	for mask := 0; mask <= 0b111; mask++ {
		for _, env := range envs {
			t.Setenv(env, "")
			require.Nil(t, os.Unsetenv(env))
		}

		for i := 0; i < 3; i++ {
			if (1<<i)&mask != 0 {
				t.Setenv(envs[i], envPreset[i])
			}
		}

		for _, field := range findProxyFields() {
			idx, ok := revIndex[field.Key]
			require.True(t, ok)
			require.NotEqual(t, 0, (1<<idx)&mask)
			require.Equal(t, envPreset[idx], field.String)
		}
	}
}

func TestVerifyEtcdEndpoint(t *testing.T) {
	// host and port.
	require.Nil(t, VerifyEtcdEndpoint("127.0.0.1:2379"))
	require.Nil(t, VerifyEtcdEndpoint("etcd-0.etcd:2379"))

	// valid URLs.
	require.Nil(t, VerifyEtcdEndpoint("http://etcd:2379"))
	require.Nil(t, VerifyEtcdEndpoint("https://etcd:2379"))

	// empty endpoint.
	require.Error(t, VerifyEtcdEndpoint(""))

	// missing port.
	require.Error(t, VerifyEtcdEndpoint("etcd"))

	// invalid URL.
	require.Error(t, VerifyEtcdEndpoint("http://\n hi"))

	// URL without host.
	require.Regexp(t, ".*valid http or https URL.*", VerifyEtcdEndpoint("http://"))

	// postgres scheme.
	require.Regexp(t, ".*valid http or https URL.*",
		VerifyEtcdEndpoint("postgres://postgres@localhost/cargo_registry"))
}

func TestStrictDecodeValidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "rdzv.toml")
	configContent := `
addr = "0.0.0.0:6000"
advertise-addr = "10.0.0.3:6000"
local-addr = "127.0.0.1:7000"
nprocs = 4
command = "./allreduce --iters 10"

log-file = "/tmp/rdzv/rdzv.log"
log-level = "warn"

[log.file]
max-size = 200
max-days = 1
max-backups = 1

[discovery]
mode = "etcd"
timeout = "2m"
poll-interval = "500ms"

[discovery.etcd]
endpoints = ["127.0.0.1:2379"]
prefix = "/jobs"
session-ttl = 5

[fence]
timeout = "10m"
linger-timeout = "1m"

[supervisor]
kill-grace-period = "3s"
work-dir = "/work"
`
	err := os.WriteFile(configPath, []byte(configContent), 0o644)
	require.Nil(t, err)

	conf := config.GetDefaultServerConfig()
	err = StrictDecodeFile(configPath, "test", conf)
	require.Nil(t, err)
	require.Equal(t, "10.0.0.3:6000", conf.AdvertiseAddr)
	require.Equal(t, 4, conf.NProcs)
	require.Equal(t, "warn", conf.LogLevel)
	require.Equal(t, 200, conf.Log.File.MaxSize)
	require.Equal(t, config.DiscoveryModeEtcd, conf.Discovery.Mode)
	require.Equal(t, config.TomlDuration(2*time.Minute), conf.Discovery.Timeout)
	require.Equal(t, []string{"127.0.0.1:2379"}, conf.Discovery.Etcd.Endpoints)
	require.Equal(t, "/jobs", conf.Discovery.Etcd.Prefix)
	require.Equal(t, config.TomlDuration(time.Minute), conf.Fence.LingerTimeout)
	require.Equal(t, "/work", conf.Supervisor.WorkDir)
	require.Nil(t, conf.ValidateAndAdjust())
	require.Equal(t, config.TomlDuration(5*time.Second), conf.Discovery.Etcd.DialTimeout)
}

func TestStrictDecodeInvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "rdzv.toml")
	configContent := `
unknown = "128.0.0.1:1234"
nprocs = 2

[log.unkown]
max-size = 200
max-days = 1
max-backups = 1
`
	err := os.WriteFile(configPath, []byte(configContent), 0o644)
	require.Nil(t, err)

	conf := config.GetDefaultServerConfig()
	err = StrictDecodeFile(configPath, "test", conf)
	require.Regexp(t, ".*contained unknown configuration options.*", err)
	require.True(t, cerror.Is(err, cerror.ErrInvalidConfig))

	err = os.WriteFile(configPath, []byte(`nprocs = "two"`), 0o644)
	require.Nil(t, err)
	err = StrictDecodeFile(configPath, "test", conf)
	require.True(t, cerror.Is(err, cerror.ErrInvalidConfig))

	err = StrictDecodeFile(filepath.Join(tmpDir, "missing.toml"), "test", conf)
	require.True(t, cerror.Is(err, cerror.ErrInvalidConfig))
}

func TestJSONPrint(t *testing.T) {
	cmd := new(cobra.Command)
	type testStruct struct {
		A string `json:"a"`
	}

	data := testStruct{
		A: "string",
	}

	var b bytes.Buffer
	cmd.SetOut(&b)

	err := JSONPrint(cmd, &data)
	require.Nil(t, err)

	output := `{
  "a": "string"
}
`
	require.Equal(t, output, b.String())
}

func TestIgnoreStrictCheckItem(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "rdzv.toml")
	configContent := `
nprocs = 2
[unknown]
max-size = 200
max-days = 1
max-backups = 1
`
	err := os.WriteFile(configPath, []byte(configContent), 0o644)
	require.Nil(t, err)

	conf := config.GetDefaultServerConfig()
	err = StrictDecodeFile(configPath, "test", conf, "unknown")
	require.Nil(t, err)

	configContent = `
nprocs = 2
[unknown]
max-size = 200
max-days = 1
max-backups = 1
[unknown2]
max-size = 200
max-days = 1
max-backups = 1
`
	err = os.WriteFile(configPath, []byte(configContent), 0o644)
	require.Nil(t, err)

	err = StrictDecodeFile(configPath, "test", conf, "unknown")
	require.Regexp(t, ".*contained unknown configuration options: unknown2.*", err)

	configContent = `
nprocs = 2
[debug]
unknown = 1
`
	err = os.WriteFile(configPath, []byte(configContent), 0o644)
	require.Nil(t, err)

	err = StrictDecodeFile(configPath, "test", conf, "debug")
	require.Nil(t, err)
}

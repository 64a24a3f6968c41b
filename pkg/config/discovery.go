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
	"fmt"
	"time"

	cerror "github.com/mpik8s/rdzv/pkg/errors"
)

// DiscoveryConfig selects and tunes the source of peer endpoints.
type DiscoveryConfig struct {
	Mode    string       `toml:"mode" json:"mode"`
	Timeout TomlDuration `toml:"timeout" json:"timeout"`
	// PollInterval is the rescan interval of the dir source.
	PollInterval TomlDuration `toml:"poll-interval" json:"poll-interval"`

	// Dir is the shared directory of the dir source.
	Dir string `toml:"dir" json:"dir"`
	// Peers is the address list of the static source, indexed by unit.
	Peers []string `toml:"peers" json:"peers"`

	Etcd       *EtcdConfig       `toml:"etcd" json:"etcd"`
	Kubernetes *KubernetesConfig `toml:"kubernetes" json:"kubernetes"`
}

// EtcdConfig configures the etcd source.
type EtcdConfig struct {
	Endpoints   []string     `toml:"endpoints" json:"endpoints"`
	Prefix      string       `toml:"prefix" json:"prefix"`
	SessionTTL  int          `toml:"session-ttl" json:"session-ttl"`
	DialTimeout TomlDuration `toml:"dial-timeout" json:"dial-timeout"`
}

// KubernetesConfig configures the Kubernetes source.
type KubernetesConfig struct {
	// Kubeconfig is used outside of a cluster, empty means in-cluster config.
	Kubeconfig string `toml:"kubeconfig" json:"kubeconfig"`
	// WatchRestartRate limits how many times per second a closed watch is
	// re-established.
	WatchRestartRate float64 `toml:"watch-restart-rate" json:"watch-restart-rate"`
}

// ValidateAndAdjust validates the selected mode and fills in defaults.
func (c *DiscoveryConfig) ValidateAndAdjust() error {
	defaultCfg := defaultServerConfig.Discovery
	if c.Mode == "" {
		c.Mode = defaultCfg.Mode
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultCfg.Timeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultCfg.PollInterval
	}
	if time.Duration(c.PollInterval) > time.Duration(c.Timeout) {
		return cerror.ErrInvalidServerOption.GenWithStackByArgs(
			"discovery poll-interval is larger than discovery timeout")
	}

	switch c.Mode {
	case DiscoveryModeKubernetes:
		if c.Kubernetes == nil {
			c.Kubernetes = &KubernetesConfig{}
		}
		if c.Kubernetes.WatchRestartRate <= 0 {
			c.Kubernetes.WatchRestartRate = defaultCfg.Kubernetes.WatchRestartRate
		}
	case DiscoveryModeEtcd:
		if c.Etcd == nil {
			c.Etcd = &EtcdConfig{}
		}
		if len(c.Etcd.Endpoints) == 0 {
			return cerror.ErrInvalidServerOption.GenWithStackByArgs("etcd discovery requires endpoints")
		}
		if c.Etcd.Prefix == "" {
			c.Etcd.Prefix = defaultCfg.Etcd.Prefix
		}
		if c.Etcd.SessionTTL <= 0 {
			c.Etcd.SessionTTL = defaultCfg.Etcd.SessionTTL
		}
		if c.Etcd.DialTimeout <= 0 {
			c.Etcd.DialTimeout = defaultCfg.Etcd.DialTimeout
		}
	case DiscoveryModeDir:
		if c.Dir == "" {
			return cerror.ErrInvalidServerOption.GenWithStackByArgs("dir discovery requires a directory")
		}
	case DiscoveryModeStatic:
		if len(c.Peers) == 0 {
			return cerror.ErrInvalidServerOption.GenWithStackByArgs("static discovery requires peers")
		}
	default:
		return cerror.ErrInvalidServerOption.GenWithStackByArgs(
			fmt.Sprintf("unknown discovery mode %q", c.Mode))
	}
	return nil
}

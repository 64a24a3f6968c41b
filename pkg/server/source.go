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
	"time"

	"github.com/mpik8s/rdzv/pkg/config"
	"github.com/mpik8s/rdzv/pkg/discovery"
	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/pingcap/errors"
)

// newSource builds the discovery source selected by cfg. The returned
// closer releases the resources held by the source.
func newSource(
	cfg *config.DiscoveryConfig, id *config.JobIdentity, port int,
) (discovery.Source, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Mode {
	case config.DiscoveryModeKubernetes:
		client, err := discovery.NewKubernetesClient(cfg.Kubernetes.Kubeconfig)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		return discovery.NewKubernetesSource(client, id.K8sNamespace, id.JobName, port), noop, nil
	case config.DiscoveryModeEtcd:
		cli, err := discovery.NewEtcdClient(cfg.Etcd.Endpoints, time.Duration(cfg.Etcd.DialTimeout))
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		src := discovery.NewEtcdSource(cli, cfg.Etcd.Prefix, id.NamespaceID(), cfg.Etcd.SessionTTL, id.Size)
		return src, func() error {
			err := src.Close()
			if cerr := cli.Close(); err == nil {
				err = cerr
			}
			return errors.Trace(err)
		}, nil
	case config.DiscoveryModeDir:
		return discovery.NewDirSource(cfg.Dir, id.Size, time.Duration(cfg.PollInterval)), noop, nil
	case config.DiscoveryModeStatic:
		return discovery.NewStaticSource(cfg.Peers), noop, nil
	}
	return nil, nil, cerror.ErrInvalidServerOption.GenWithStackByArgs("unknown discovery mode " + cfg.Mode)
}

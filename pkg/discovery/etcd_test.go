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

package discovery

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

func setupEmbedEtcd(t *testing.T) *clientv3.Client {
	cfg := embed.NewConfig()
	cfg.Dir = t.TempDir()

	ports, err := freeport.GetFreePorts(2)
	require.NoError(t, err)
	peerURL, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", ports[0]))
	require.NoError(t, err)
	clientURL, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", ports[1]))
	require.NoError(t, err)

	cfg.ListenPeerUrls = []url.URL{*peerURL}
	cfg.AdvertisePeerUrls = []url.URL{*peerURL}
	cfg.ListenClientUrls = []url.URL{*clientURL}
	cfg.AdvertiseClientUrls = []url.URL{*clientURL}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)
	cfg.Logger = "zap"
	cfg.LogLevel = "error"

	etcd, err := embed.StartEtcd(cfg)
	require.NoError(t, err)
	t.Cleanup(etcd.Close)
	select {
	case <-etcd.Server.ReadyNotify():
	case <-time.After(60 * time.Second):
		etcd.Server.Stop()
		require.FailNow(t, "embed etcd took too long to start")
	}

	cli, err := NewEtcdClient([]string{clientURL.String()}, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func TestEtcdDiscover(t *testing.T) {
	cli := setupEmbedEtcd(t)

	const units = 3
	sources := make([]*EtcdSource, units)
	results := make([]*Result, units)
	errs := make([]error, units)
	var wg sync.WaitGroup
	for i := 0; i < units; i++ {
		i := i
		sources[i] = NewEtcdSource(cli, "/rdzv", "hpc.lammps", 10, units)
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = Discover(context.Background(), sources[i], Options{
				Index:   i,
				Addr:    fmt.Sprintf("10.0.0.%d:5000", i+1),
				Size:    units,
				JobName: "lammps",
				Timeout: 20 * time.Second,
			})
		}()
	}
	wg.Wait()

	for i := 0; i < units; i++ {
		require.NoError(t, errs[i])
		require.Len(t, results[i].Endpoints, units)
		for j, ep := range results[i].Endpoints {
			require.Equal(t, fmt.Sprintf("10.0.0.%d:5000", j+1), ep.Addr)
		}
	}

	resp, err := cli.Get(context.Background(), "/rdzv/hpc.lammps/", clientv3.WithPrefix())
	require.NoError(t, err)
	require.Equal(t, int64(units), resp.Count)

	for _, src := range sources {
		require.NoError(t, src.Close())
	}
	resp, err = cli.Get(context.Background(), "/rdzv/hpc.lammps/", clientv3.WithPrefix())
	require.NoError(t, err)
	require.Equal(t, int64(0), resp.Count)
}

func TestEtcdWatchDelete(t *testing.T) {
	cli := setupEmbedEtcd(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := NewEtcdSource(cli, "/rdzv", "hpc.job", 10, 0)
	ch := src.Watch(ctx)
	resp := <-ch
	require.True(t, resp.Snapshot)
	require.Empty(t, resp.Events)

	_, err := cli.Put(ctx, "/rdzv/hpc.job/1", "10.0.0.2:5000")
	require.NoError(t, err)
	resp = <-ch
	require.Equal(t, []Event{{
		Type: EventReady, Index: 1, Addr: "10.0.0.2:5000", Name: "/rdzv/hpc.job/1",
	}}, resp.Events)

	_, err = cli.Delete(ctx, "/rdzv/hpc.job/1")
	require.NoError(t, err)
	resp = <-ch
	require.Equal(t, []Event{{
		Type: EventDeleted, Index: 1, Name: "/rdzv/hpc.job/1",
	}}, resp.Events)
}

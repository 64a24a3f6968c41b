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
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mpik8s/rdzv/pkg/config"
	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/mpik8s/rdzv/pkg/logutil"
	"github.com/mpik8s/rdzv/pkg/pmi"
	"github.com/mpik8s/rdzv/pkg/supervisor"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

// testWorkerArg makes the test binary act as a worker, see runTestWorker.
const testWorkerArg = "rdzv-test-worker"

func TestMain(m *testing.M) {
	if len(os.Args) == 3 && os.Args[1] == testWorkerArg {
		os.Exit(runTestWorker(os.Args[2]))
	}
	os.Exit(m.Run())
}

func workerFailed(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "worker:", err)
	return 1
}

// runTestWorker is the body of a worker process. In "exchange" mode it
// publishes its rank, waits for everyone and reads the value of every rank.
// In "fail" mode it exits with code 3 right after init, in "hang" mode it
// blocks until the job is aborted.
func runTestWorker(mode string) int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	pmiID, err := strconv.Atoi(os.Getenv(supervisor.EnvPMIID))
	if err != nil {
		return workerFailed(err)
	}
	client, err := pmi.Dial(ctx, os.Getenv(supervisor.EnvPMIPort), pmiID)
	if err != nil {
		return workerFailed(err)
	}
	switch mode {
	case "fail":
		return 3
	case "hang":
		_, err := client.Get("never", client.Rank, true)
		return workerFailed(err)
	}

	key := func(rank int) string { return "addr-" + strconv.Itoa(rank) }
	if err := client.Put(key(client.Rank), "v"+strconv.Itoa(client.Rank), ""); err != nil {
		return workerFailed(err)
	}
	if err := client.Barrier(); err != nil {
		return workerFailed(err)
	}
	for rank := 0; rank < client.Size; rank++ {
		v, err := client.Get(key(rank), rank, false)
		if err != nil {
			return workerFailed(err)
		}
		if v != "v"+strconv.Itoa(rank) {
			return workerFailed(fmt.Errorf("rank %d published %q", rank, v))
		}
	}
	return workerFailed(client.Finalize())
}

func newTestServer(
	t *testing.T, dir string, index, units, nprocs int, mode string,
	adjust func(cfg *config.ServerConfig),
) *Server {
	cfg := config.GetDefaultServerConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.NProcs = nprocs
	cfg.Discovery.Mode = config.DiscoveryModeDir
	cfg.Discovery.Dir = dir
	cfg.Discovery.Timeout = config.TomlDuration(time.Minute)
	cfg.Discovery.PollInterval = config.TomlDuration(100 * time.Millisecond)
	cfg.Fence.LingerTimeout = config.TomlDuration(5 * time.Second)
	cfg.Supervisor.KillGracePeriod = config.TomlDuration(time.Second)
	if adjust != nil {
		adjust(cfg)
	}
	require.NoError(t, cfg.ValidateAndAdjust())

	id := &config.JobIdentity{
		JobName:      "job",
		K8sNamespace: "default",
		Index:        index,
		Size:         units,
		NProcs:       nprocs,
	}
	s, err := New(cfg, id, []string{os.Args[0], testWorkerArg, mode})
	require.NoError(t, err)
	return s
}

func runServers(servers ...*Server) []error {
	errs := make([]error, len(servers))
	var wg sync.WaitGroup
	for i, s := range servers {
		i, s := i, s
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Run(context.Background())
		}()
	}
	wg.Wait()
	return errs
}

func TestJobSucceeds(t *testing.T) {
	dir := t.TempDir()
	servers := make([]*Server, 0, 3)
	for i := 0; i < 3; i++ {
		servers = append(servers, newTestServer(t, dir, i, 3, 2, "exchange", nil))
	}
	for i, err := range runServers(servers...) {
		require.NoError(t, err, "unit %d", i)
		require.Equal(t, PhaseStopped, servers[i].Phase())
	}
}

func TestWorkerFailureAbortsJob(t *testing.T) {
	dir := t.TempDir()
	errs := runServers(
		newTestServer(t, dir, 0, 2, 1, "fail", nil),
		newTestServer(t, dir, 1, 2, 1, "hang", nil),
	)

	require.Equal(t, cerror.ExitCodeWorkerFailed, cerror.ExitCodeOf(errs[0]))
	require.True(t, cerror.Is(multierr.Errors(errs[0])[0], cerror.ErrChildExitNonZero), errs[0])

	require.Equal(t, cerror.ExitCodeWorkerFailed, cerror.ExitCodeOf(errs[1]))
	require.True(t, cerror.Is(multierr.Errors(errs[1])[0], cerror.ErrRemoteWorkerFailed), errs[1])
}

func TestDiscoveryTimeout(t *testing.T) {
	s := newTestServer(t, t.TempDir(), 0, 2, 1, "exchange", func(cfg *config.ServerConfig) {
		cfg.Discovery.Timeout = config.TomlDuration(500 * time.Millisecond)
	})
	err := runServers(s)[0]
	require.True(t, cerror.ErrDiscoveryTimeout.Equal(err), err)
	require.Equal(t, cerror.ExitCodeCoordinationFailed, cerror.ExitCodeOf(err))
}

func TestAbortDuringDiscovery(t *testing.T) {
	s := newTestServer(t, t.TempDir(), 0, 2, 1, "exchange", nil)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(context.Background())
	}()
	require.Eventually(t, func() bool {
		return s.Phase() == PhaseDiscovering
	}, 5*time.Second, 10*time.Millisecond)

	s.Abort(context.Background(), cerror.ErrInterrupted.GenWithStackByArgs("interrupt"))
	err := <-errCh
	require.True(t, cerror.ErrInterrupted.Equal(err), err)
	require.Equal(t, cerror.ExitCodeCoordinationFailed, cerror.ExitCodeOf(err))
	<-s.Done()
}

func httpDo(t *testing.T, method, url, body string) (int, string) {
	req, err := http.NewRequestWithContext(context.Background(), method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestStatusAPI(t *testing.T) {
	s := newTestServer(t, t.TempDir(), 0, 1, 1, "hang", nil)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(context.Background())
	}()
	base := "http://" + s.Addr().String()

	require.Eventually(t, func() bool {
		code, body := httpDo(t, http.MethodGet, base+"/api/v1/status", "")
		return code == http.StatusOK &&
			strings.Contains(body, `"phase": "running"`) &&
			strings.Contains(body, `"active"`)
	}, 10*time.Second, 50*time.Millisecond)

	code, body := httpDo(t, http.MethodGet, base+"/api/v1/status", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"namespace": "default.job"`)
	require.Contains(t, body, `"job_name": "job"`)

	code, _ = httpDo(t, http.MethodGet, base+"/api/v1/health", "")
	require.Equal(t, http.StatusOK, code)

	code, _ = httpDo(t, http.MethodPost, base+"/api/v1/log", `{"log_level":"debug"}`)
	require.Equal(t, http.StatusOK, code)
	code, body = httpDo(t, http.MethodPost, base+"/api/v1/log", `{"log_level":"loud"}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, body, "RDZV:ErrInvalidLogLevel")
	code, _ = httpDo(t, http.MethodPost, base+"/api/v1/log", `not json`)
	require.Equal(t, http.StatusBadRequest, code)
	require.NoError(t, logutil.SetLogLevel("info"))

	code, body = httpDo(t, http.MethodGet, base+"/metrics", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "rdzv_server_phase")

	s.Abort(context.Background(), cerror.ErrInterrupted.GenWithStackByArgs("terminated"))
	err := <-errCh
	require.Equal(t, cerror.ExitCodeCoordinationFailed, cerror.ExitCodeOf(err))
	require.True(t, cerror.Is(multierr.Errors(err)[0], cerror.ErrInterrupted), err)
}

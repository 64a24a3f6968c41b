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

package status

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/mpik8s/rdzv/pkg/coordinator"
	"github.com/mpik8s/rdzv/pkg/server"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

const unitURL = "http://127.0.0.1:5000"

func runStatus(t *testing.T, args ...string) (string, error) {
	cmd := new(cobra.Command)
	o := newOptions()
	o.addFlags(cmd)
	require.Nil(t, cmd.ParseFlags(args))
	require.Nil(t, o.complete())

	var out bytes.Buffer
	cmd.SetOut(&out)
	err := o.run(context.Background(), cmd)
	return out.String(), err
}

func TestQueryStatus(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	var level string
	httpmock.RegisterResponder(http.MethodPost, unitURL+"/api/v1/log",
		func(req *http.Request) (*http.Response, error) {
			var body server.LogLevelReq
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				return httpmock.NewStringResponse(http.StatusBadRequest, ""), nil
			}
			level = body.Level
			return httpmock.NewStringResponse(http.StatusOK, "{}"), nil
		})
	httpmock.RegisterResponder(http.MethodGet, unitURL+"/api/v1/status",
		func(req *http.Request) (*http.Response, error) {
			return httpmock.NewJsonResponse(http.StatusOK, &server.ServerStatus{
				Version: "v0.1.0",
				JobName: "job",
				Unit:    1,
				Phase:   server.PhaseRunning,
				Coordinator: &coordinator.Status{
					Namespace: "default.job",
					Unit:      1,
					Units:     2,
					NProcs:    4,
				},
			})
		})

	// The default address is the local unit.
	out, err := runStatus(t, "--log-level", "debug")
	require.Nil(t, err)
	require.Equal(t, "debug", level)

	var status server.ServerStatus
	require.Nil(t, json.Unmarshal([]byte(out), &status))
	require.Equal(t, "job", status.JobName)
	require.Equal(t, server.PhaseRunning, status.Phase)
	require.Equal(t, "default.job", status.Coordinator.Namespace)
	require.Equal(t, 4, status.Coordinator.NProcs)

	info := httpmock.GetCallCountInfo()
	require.Equal(t, 1, info["POST "+unitURL+"/api/v1/log"])
	require.Equal(t, 1, info["GET "+unitURL+"/api/v1/status"])
}

func TestQueryHealth(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodGet, "http://unit-0:5000/api/v1/health",
		httpmock.NewStringResponder(http.StatusOK, "{}"))
	out, err := runStatus(t, "--addr", "unit-0:5000", "--health")
	require.Nil(t, err)
	require.Equal(t, "healthy\n", out)

	httpmock.RegisterResponder(http.MethodGet, "http://unit-0:5000/api/v1/health",
		httpmock.NewStringResponder(http.StatusServiceUnavailable,
			`{"error_msg": "unit is unhealthy", "error_code": "RDZV:ErrUnitUnhealthy"}`))
	_, err = runStatus(t, "--addr", "unit-0:5000", "--health")
	require.Regexp(t, ".*RDZV:ErrUnitUnhealthy.*", err)
}

func TestEmptyAddr(t *testing.T) {
	o := newOptions()
	require.Regexp(t, ".*empty address.*", o.complete())
}

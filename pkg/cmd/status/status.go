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
	"time"

	"github.com/mpik8s/rdzv/pkg/cmd/util"
	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/mpik8s/rdzv/pkg/httputil"
	"github.com/mpik8s/rdzv/pkg/server"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
)

const defaultAddr = "127.0.0.1:5000"

// options defines flags for the `status` command.
type options struct {
	addr     string
	health   bool
	logLevel string
	timeout  time.Duration

	client  *httputil.Client
	baseURL string
}

// newOptions creates new options for the `status` command.
func newOptions() *options {
	return &options{}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to the status query to it.
func (o *options) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.addr, "addr", defaultAddr, "Address of the unit, host:port or an http URL")
	cmd.Flags().BoolVar(&o.health, "health", false, "Only check that the unit is healthy")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "", "Change the log level of the unit before querying it")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 10*time.Second, "Timeout of every request")
}

// complete adapts from the command line args to the client required.
func (o *options) complete() error {
	if o.addr == "" {
		return cerror.ErrInvalidServerOption.GenWithStackByArgs("empty address")
	}
	o.client = httputil.NewClient(o.timeout)
	o.baseURL = httputil.BaseURL(o.addr)
	return nil
}

func (o *options) run(ctx context.Context, cmd *cobra.Command) error {
	if o.logLevel != "" {
		body, err := json.Marshal(&server.LogLevelReq{Level: o.logLevel})
		if err != nil {
			return errors.Trace(err)
		}
		headers := http.Header{}
		headers.Set("Content-Type", "application/json")
		if _, err := o.client.DoRequest(ctx, o.baseURL+"/api/v1/log",
			http.MethodPost, headers, bytes.NewReader(body)); err != nil {
			return err
		}
	}

	if o.health {
		if _, err := o.client.DoRequest(ctx, o.baseURL+"/api/v1/health",
			http.MethodGet, nil, nil); err != nil {
			return err
		}
		cmd.Println("healthy")
		return nil
	}

	content, err := o.client.DoRequest(ctx, o.baseURL+"/api/v1/status", http.MethodGet, nil, nil)
	if err != nil {
		return err
	}
	var status server.ServerStatus
	if err := json.Unmarshal(content, &status); err != nil {
		return errors.Annotate(err, "decode unit status")
	}
	return util.JSONPrint(cmd, &status)
}

// NewCmdStatus creates the `status` command.
func NewCmdStatus() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "status",
		Short: "Query the status of a running unit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			util.CheckErr(o.complete())
			util.CheckErr(o.run(context.Background(), cmd))
		},
	}
	o.addFlags(command)

	return command
}

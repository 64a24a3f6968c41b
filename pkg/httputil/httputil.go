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

package httputil

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pingcap/errors"
)

// Client wraps an HTTP client talking to the status API of units.
type Client struct {
	http.Client
}

// NewClient creates an HTTP client whose requests time out after timeout,
// zero meaning no timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		Client: http.Client{
			Transport: http.DefaultTransport,
			Timeout:   timeout,
		},
	}
}

// apiError is the body of a failed status API request.
type apiError struct {
	Message string `json:"error_msg"`
	Code    string `json:"error_code"`
}

// DoRequest sends an request and returns an HTTP response content.
func (c *Client) DoRequest(
	ctx context.Context, url, method string, headers http.Header, body io.Reader,
) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.Trace(err)
	}

	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(content, &apiErr) == nil && apiErr.Code != "" {
			return nil, errors.Errorf("[%d] %s: %s", resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return nil, errors.Errorf("[%d] %s", resp.StatusCode, content)
	}
	return content, nil
}

// BaseURL turns a host:port address into an http URL. Addresses that carry
// a scheme are returned as is.
func BaseURL(addr string) string {
	if strings.Contains(addr, "://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + addr
}

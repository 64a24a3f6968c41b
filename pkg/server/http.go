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
	"io"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/mpik8s/rdzv/pkg/coordinator"
	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/mpik8s/rdzv/pkg/logutil"
	"github.com/mpik8s/rdzv/pkg/version"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HTTPError is the body of a failed API request.
type HTTPError struct {
	Error string `json:"error_msg"`
	Code  string `json:"error_code"`
}

// NewHTTPError wraps err into an HTTPError.
func NewHTTPError(err error) HTTPError {
	errCode, _ := cerror.RFCCode(err)
	return HTTPError{
		Error: err.Error(),
		Code:  string(errCode),
	}
}

// ServerStatus is the response of GET /api/v1/status.
type ServerStatus struct {
	Version     string              `json:"version"`
	GitHash     string              `json:"git_hash"`
	Pid         int                 `json:"pid"`
	JobName     string              `json:"job_name"`
	Unit        int                 `json:"unit"`
	Addr        string              `json:"addr"`
	Phase       Phase               `json:"phase"`
	Coordinator *coordinator.Status `json:"coordinator,omitempty"`
}

// LogLevelReq is the body of POST /api/v1/log.
type LogLevelReq struct {
	Level string `json:"log_level"`
}

// EmptyResponse is returned by successful requests without a body.
type EmptyResponse struct{}

func (s *Server) newRouter() *gin.Engine {
	// discard gin default log output
	gin.DefaultWriter = io.Discard

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(errorHandleMiddleware())

	router.GET("/api/v1/status", s.handleStatus)
	router.GET("/api/v1/health", s.handleHealth)
	router.POST("/api/v1/log", handleSetLogLevel)
	router.Any("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	return router
}

// errorHandleMiddleware puts the error of a handler into the response.
func errorHandleMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		lastError := c.Errors.Last()
		if lastError == nil {
			return
		}
		err := lastError.Err
		status := http.StatusInternalServerError
		switch {
		case cerror.Is(err, cerror.ErrAPIInvalidParam), cerror.Is(err, cerror.ErrInvalidLogLevel):
			status = http.StatusBadRequest
		case cerror.Is(err, cerror.ErrUnitUnhealthy), cerror.Is(err, cerror.ErrCoordinatorClosed):
			status = http.StatusServiceUnavailable
		}
		c.IndentedJSON(status, NewHTTPError(err))
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	status := &ServerStatus{
		Version: version.ReleaseVersion,
		GitHash: version.GitHash,
		Pid:     os.Getpid(),
		JobName: s.identity.JobName,
		Unit:    s.identity.Index,
		Addr:    s.advertiseAddr,
		Phase:   s.Phase(),
	}
	if coord := s.coordinator.Load(); coord != nil {
		st, err := coord.Status(c.Request.Context())
		if err != nil && !cerror.Is(err, cerror.ErrCoordinatorClosed) {
			_ = c.Error(err)
			return
		}
		status.Coordinator = st
	}
	c.IndentedJSON(http.StatusOK, status)
}

// handleHealth fails once the job of the unit is aborted.
func (s *Server) handleHealth(c *gin.Context) {
	if coord := s.coordinator.Load(); coord != nil {
		if err := coord.Err(); err != nil {
			_ = c.Error(cerror.ErrUnitUnhealthy.Wrap(err).GenWithStackByArgs())
			return
		}
	}
	c.JSON(http.StatusOK, &EmptyResponse{})
}

func handleSetLogLevel(c *gin.Context) {
	req := &LogLevelReq{}
	if err := c.ShouldBindJSON(req); err != nil {
		_ = c.Error(cerror.WrapError(cerror.ErrAPIInvalidParam, err))
		return
	}
	if err := logutil.SetLogLevel(req.Level); err != nil {
		_ = c.Error(err)
		return
	}
	log.Warn("log level changed", zap.String("level", req.Level))
	c.JSON(http.StatusOK, &EmptyResponse{})
}

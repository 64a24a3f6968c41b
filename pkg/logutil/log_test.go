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

package logutil

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitLoggerAndSetLogLevel(t *testing.T) {
	f := filepath.Join(t.TempDir(), "test")
	cfg := &Config{
		Level: "warning",
		File:  f,
	}
	cfg.Adjust()
	require.Equal(t, "warn", cfg.Level)
	require.Equal(t, DefaultLogMaxSize, cfg.FileMaxSize)
	err := InitLogger(cfg)
	require.NoError(t, err)
	require.Equal(t, zapcore.WarnLevel, log.GetLevel())

	// Set a different level.
	err = SetLogLevel("info")
	require.NoError(t, err)
	require.Equal(t, zapcore.InfoLevel, log.GetLevel())

	// Set the same level.
	err = SetLogLevel("info")
	require.NoError(t, err)
	require.Equal(t, zapcore.InfoLevel, log.GetLevel())

	// Set an invalid level.
	err = SetLogLevel("badlevel")
	require.Error(t, err)
	require.Regexp(t, ".*invalid log level badlevel.*", err.Error())
}

func TestInitLoggerWritesFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "test")
	cfg := &Config{
		Level: "info",
		File:  f,
	}
	cfg.Adjust()
	require.NoError(t, InitLogger(cfg, WithInitGRPCLogger()))

	for i := 0; i < 10; i++ {
		log.Info("rdzv log line", zap.Int("index", i))
	}
	for i := 0; i < 10; i++ {
		log.Debug("rdzv debug line", zap.Int("index", i))
	}
	_ = log.Sync()

	content, err := os.ReadFile(f)
	require.NoError(t, err)
	require.Equal(t, 10, bytes.Count(content, []byte{'\n'}))
}

func TestZapErrorFilter(t *testing.T) {
	var (
		err       = errors.New("test error")
		testCases = []struct {
			err      error
			filters  []error
			expected zap.Field
		}{
			{nil, []error{}, zap.Error(nil)},
			{err, []error{}, zap.Error(err)},
			{err, []error{context.Canceled}, zap.Error(err)},
			{err, []error{err}, zap.Error(nil)},
			{context.Canceled, []error{context.Canceled}, zap.Error(nil)},
			{errors.Annotate(context.Canceled, "annotate error"), []error{context.Canceled}, zap.Error(nil)},
		}
	)
	for _, tc := range testCases {
		require.Equal(t, tc.expected, ZapErrorFilter(tc.err, tc.filters...))
	}
}

func TestContextLogger(t *testing.T) {
	ctx := context.TODO()
	require.Equal(t, log.L(), FromContext(ctx))

	logger := log.L().With(zap.String("inner", "logger"))
	ctx = NewContextWithLogger(ctx, logger)
	require.Equal(t, logger, FromContext(ctx))
}

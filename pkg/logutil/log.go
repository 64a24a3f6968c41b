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
	"context"
	"strings"

	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapgrpc"
	"google.golang.org/grpc/grpclog"
)

const (
	// DefaultLogLevel is the level used when none is configured.
	DefaultLogLevel = "info"
	// DefaultLogMaxSize is the default size of log files, in MB.
	DefaultLogMaxSize = 300
)

// Config serializes log related config in toml/json.
type Config struct {
	// Log level.
	Level string `toml:"level" json:"level"`
	// Log filename, leave empty to write to stderr.
	File string `toml:"file" json:"file"`
	// Max size for a single file, in MB.
	FileMaxSize int `toml:"max-size" json:"max-size"`
	// Max log keep days, default is never deleting.
	FileMaxDays int `toml:"max-days" json:"max-days"`
	// Maximum number of old log files to retain.
	FileMaxBackups int `toml:"max-backups" json:"max-backups"`
}

// Adjust adjusts config
func (cfg *Config) Adjust() {
	if len(cfg.Level) == 0 {
		cfg.Level = DefaultLogLevel
	}
	if cfg.Level == "warning" {
		cfg.Level = "warn"
	}
	if cfg.FileMaxSize == 0 {
		cfg.FileMaxSize = DefaultLogMaxSize
	}
}

// LoggerOpt is the logger option
type LoggerOpt func(*loggerOp)

type loggerOp struct {
	initGRPCLogger bool
}

// WithInitGRPCLogger enables grpcLogger initialization when initializes global logger
func WithInitGRPCLogger() LoggerOpt {
	return func(op *loggerOp) {
		op.initGRPCLogger = true
	}
}

// InitLogger initializes logger
func InitLogger(cfg *Config, opts ...LoggerOpt) error {
	var op loggerOp
	for _, opt := range opts {
		opt(&op)
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return errors.Trace(err)
	}

	pclogConfig := &log.Config{
		Level: level.String(),
		File: log.FileLogConfig{
			Filename:   cfg.File,
			MaxSize:    cfg.FileMaxSize,
			MaxDays:    cfg.FileMaxDays,
			MaxBackups: cfg.FileMaxBackups,
		},
	}

	lg, props, err := log.InitLogger(pclogConfig)
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(lg, props)

	if op.initGRPCLogger {
		initGRPCLogger(lg, level)
	}
	return nil
}

// initGRPCLogger redirects grpc-go logs to zap, at warn level or above
// unless debugging.
func initGRPCLogger(lg *zap.Logger, level zapcore.Level) {
	if level < zapcore.WarnLevel && level != zapcore.DebugLevel {
		level = zapcore.WarnLevel
	}
	grpcLg := lg.WithOptions(zap.IncreaseLevel(level), zap.AddCallerSkip(2)).
		With(zap.String("component", "grpc"))
	grpclog.SetLoggerV2(zapgrpc.NewLogger(grpcLg))
}

func parseLevel(level string) (zapcore.Level, error) {
	var lv zapcore.Level
	switch strings.ToLower(level) {
	case "warning":
		level = "warn"
	case "":
		level = DefaultLogLevel
	}
	if err := lv.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return lv, cerror.ErrInvalidLogLevel.GenWithStackByArgs(level)
	}
	return lv, nil
}

// SetLogLevel changes the log level dynamically.
func SetLogLevel(level string) error {
	lv, err := parseLevel(level)
	if err != nil {
		return errors.Trace(err)
	}
	if lv != log.GetLevel() {
		log.SetLevel(lv)
	}
	return nil
}

// ZapErrorFilter wraps zap.Error, if err is in given filterErrors, it will be set to nil
func ZapErrorFilter(err error, filterErrors ...error) zap.Field {
	cause := errors.Cause(err)
	for _, ferr := range filterErrors {
		if cause == ferr {
			return zap.Error(nil)
		}
	}
	return zap.Error(err)
}

// WithComponent returns a child of the global logger tagged with component.
func WithComponent(component string) *zap.Logger {
	return log.L().With(zap.String("component", component))
}

type ctxLogKeyType struct{}

var ctxLogKey = ctxLogKeyType{}

// FromContext returns the logger carried by ctx, or the global logger.
func FromContext(ctx context.Context) *zap.Logger {
	if ctxLogger, ok := ctx.Value(ctxLogKey).(*zap.Logger); ok {
		return ctxLogger
	}
	return log.L()
}

// NewContextWithLogger returns a copy of ctx carrying logger.
func NewContextWithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxLogKey, logger)
}

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

package errors

import (
	"context"
	stdErrors "errors"

	"github.com/pingcap/errors"
	"go.uber.org/multierr"
)

// Exit codes of a unit.
const (
	ExitCodeOK                 = 0
	ExitCodeWorkerFailed       = 1
	ExitCodeCoordinationFailed = 2
	ExitCodeInvalidUsage       = 3
)

// WrapError generates a new error based on given `*errors.Error`, wraps the err
// as cause error.
// If given `err` is nil, returns a nil error, which is different from
// the behavior of `rfcError.Wrap(err).GenWithStackByCause(args...)`.
func WrapError(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByCause(args...)
}

// RFCCode returns the outermost RFC error code found in the chain of err.
func RFCCode(err error) (errors.RFCErrorCode, bool) {
	type rfcCoder interface {
		RFCCode() errors.RFCErrorCode
	}
	type causer interface {
		Cause() error
	}
	for err != nil {
		if coder, ok := err.(rfcCoder); ok {
			return coder.RFCCode(), true
		}
		if c, ok := err.(causer); ok {
			err = c.Cause()
		} else {
			err = stdErrors.Unwrap(err)
		}
	}
	return "", false
}

// Is reports whether err carries the RFC code of rfcError anywhere in its
// chain. Unlike rfcError.Equal, it also matches errors built with WrapError.
func Is(err error, rfcError *errors.Error) bool {
	if err == nil {
		return false
	}
	if rfcError.Equal(err) {
		return true
	}
	code, ok := RFCCode(err)
	return ok && code == rfcError.RFCCode()
}

// IsContextCanceledError checks if an error is caused by context.Canceled.
func IsContextCanceledError(err error) bool {
	return errors.Cause(err) == context.Canceled
}

var workerFailureErrors = []*errors.Error{
	ErrSpawnFailed,
	ErrChildCrashed,
	ErrChildExitNonZero,
	ErrWorkerAbort,
	ErrRemoteWorkerFailed,
}

var recoverableErrors = []*errors.Error{
	ErrKeyNotFound,
	ErrMalformedRequest,
	ErrUnknownNamespace,
	ErrInvalidRank,
}

var usageErrors = []*errors.Error{
	ErrInvalidServerOption,
	ErrInvalidConfig,
	ErrInvalidJobIdentity,
	ErrInvalidLogLevel,
}

func isAnyOf(err error, candidates []*errors.Error) bool {
	for _, candidate := range candidates {
		if Is(err, candidate) {
			return true
		}
	}
	return false
}

// IsWorkerFailure returns true if err originates from a failed worker
// process, local or remote.
func IsWorkerFailure(err error) bool {
	return isAnyOf(err, workerFailureErrors)
}

// IsFatal returns true if err leaves the job unable to keep its consistency
// or liveness guarantees. Errors answered to a single worker request are not
// fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return !isAnyOf(err, recoverableErrors)
}

// ExitCodeOf maps the final error of a unit to its process exit status. An
// aggregated error is classified by its first member.
func ExitCodeOf(err error) int {
	if errs := multierr.Errors(err); len(errs) > 1 {
		err = errs[0]
	}
	switch {
	case err == nil:
		return ExitCodeOK
	case isAnyOf(err, usageErrors):
		return ExitCodeInvalidUsage
	case IsWorkerFailure(err):
		return ExitCodeWorkerFailed
	default:
		return ExitCodeCoordinationFailed
	}
}

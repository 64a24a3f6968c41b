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

package retry

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/pingcap/errors"
)

// Operation is the action need to retry
type Operation func() error

// Do execute the specified function.
// By default, it retries 3 times with an exponential backoff between
// defaultBackoffBaseInMs and defaultBackoffCapInMs.
func Do(ctx context.Context, operation Operation, opts ...Option) error {
	retryOption := setOptions(opts...)
	return run(ctx, operation, retryOption)
}

func setOptions(opts ...Option) *retryOptions {
	retryOption := newRetryOptions()
	for _, opt := range opts {
		opt(retryOption)
	}
	return retryOption
}

func newBackOff(ctx context.Context, retryOption *retryOptions) backoff.BackOff {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Duration(retryOption.backoffBase * float64(time.Millisecond))
	expBackoff.MaxInterval = time.Duration(retryOption.backoffCap * float64(time.Millisecond))
	// MaxElapsedTime=0 means the backoff is bounded by the number of tries only.
	expBackoff.MaxElapsedTime = retryOption.totalRetryDuration
	expBackoff.Reset()

	var b backoff.BackOff = expBackoff
	if !math.IsInf(retryOption.maxTries, 1) {
		b = backoff.WithMaxRetries(b, uint64(retryOption.maxTries)-1)
	}
	return backoff.WithContext(b, ctx)
}

func run(ctx context.Context, op Operation, retryOption *retryOptions) error {
	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	default:
	}

	var (
		tries     int
		permanent bool
	)
	err := backoff.Retry(func() error {
		tries++
		err := op()
		if err == nil {
			return nil
		}
		if !retryOption.isRetryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}, newBackOff(ctx, retryOption))

	switch {
	case err == nil:
		return nil
	case permanent:
		return err
	case ctx.Err() != nil:
		return errors.Trace(ctx.Err())
	default:
		return cerror.ErrReachMaxTry.Wrap(err).GenWithStackByArgs(strconv.Itoa(tries), err)
	}
}

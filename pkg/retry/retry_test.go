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
	"testing"
	"time"

	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func TestDoShouldRetryAtMostSpecifiedTimes(t *testing.T) {
	t.Parallel()

	var callCount int
	f := func() error {
		callCount++
		return errors.New("test")
	}

	err := Do(context.Background(), f, WithMaxTries(3), WithBackoffBaseDelay(1))
	require.Regexp(t, ".*test.*", errors.Cause(err))
	require.True(t, cerror.Is(err, cerror.ErrReachMaxTry))
	require.Equal(t, 3, callCount)
}

func TestDoShouldStopOnSuccess(t *testing.T) {
	t.Parallel()

	var callCount int
	f := func() error {
		callCount++
		if callCount == 2 {
			return nil
		}
		return errors.New("test")
	}

	err := Do(context.Background(), f, WithMaxTries(3), WithBackoffBaseDelay(1))
	require.NoError(t, err)
	require.Equal(t, 2, callCount)
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	var callCount int
	f := func() error {
		callCount++
		return errors.Annotate(context.Canceled, "test")
	}

	err := Do(context.Background(), f, WithMaxTries(3), WithIsRetryableErr(func(err error) bool {
		switch errors.Cause(err) {
		case context.Canceled:
			return false
		}
		return true
	}))

	require.Equal(t, context.Canceled, errors.Cause(err))
	require.Equal(t, 1, callCount)
}

func TestDoCancelInfiniteRetry(t *testing.T) {
	t.Parallel()

	callCount := 0
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()
	f := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		callCount++
		return errors.New("test")
	}

	err := Do(ctx, f, WithInfiniteTries(), WithBackoffBaseDelay(2), WithBackoffMaxDelay(10))
	require.Equal(t, context.DeadlineExceeded, errors.Cause(err))
	require.GreaterOrEqual(t, callCount, 1, "tries: %d", callCount)
}

func TestDoCancelAtBeginning(t *testing.T) {
	t.Parallel()

	callCount := 0
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := func() error {
		callCount++
		return errors.New("test")
	}

	err := Do(ctx, f, WithInfiniteTries())
	require.Equal(t, context.Canceled, errors.Cause(err))
	require.Equal(t, 0, callCount)
}

func TestTotalRetryDuration(t *testing.T) {
	t.Parallel()

	start := time.Now()
	err := Do(context.Background(), func() error {
		return errors.New("test")
	}, WithInfiniteTries(), WithTotalRetryDuration(100*time.Millisecond),
		WithBackoffBaseDelay(5), WithBackoffMaxDelay(20))
	require.Error(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
}

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

package discovery

import (
	"context"
	"time"

	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/mpik8s/rdzv/pkg/retry"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// EndpointState is the resolution state of a unit's endpoint.
type EndpointState int

// Endpoint states.
const (
	StateUnknown EndpointState = iota
	StatePending
	StateResolved
)

func (s EndpointState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// PeerEndpoint is the network endpoint of one unit.
type PeerEndpoint struct {
	Index int           `json:"index"`
	Addr  string        `json:"addr"`
	Name  string        `json:"name,omitempty"`
	State EndpointState `json:"state"`
}

// EventType is the type of a membership event.
type EventType int

// Event types.
const (
	// EventPending reports a unit that exists but has no usable address yet.
	EventPending EventType = iota + 1
	// EventReady reports a unit with a usable address.
	EventReady
	// EventTerminal reports a unit that will never become ready.
	EventTerminal
	// EventDeleted reports a unit that disappeared.
	EventDeleted
	// EventSize announces the unit count of the job.
	EventSize
)

// Event is a membership change observed by a Source.
type Event struct {
	Type   EventType
	Index  int
	Addr   string
	Name   string
	Reason string
	Size   int
}

// WatchResp is one batch of events.
type WatchResp struct {
	Events []Event
	// Snapshot is set when Events describe the full membership, so any unit
	// not mentioned is unknown again.
	Snapshot bool
	Err      error
}

// Source is a restartable lazy sequence of membership events. Each call to
// Watch starts a new pass over the membership. The returned channel is
// closed when the pass ends, the consumer then calls Watch again if it
// needs more events.
type Source interface {
	Watch(ctx context.Context) <-chan WatchResp
}

// Announcer is implemented by sources where every unit publishes its own
// endpoint.
type Announcer interface {
	Announce(ctx context.Context, index int, addr string) error
}

// Result is the outcome of a completed discovery.
type Result struct {
	// Size is the unit count P.
	Size int
	// Endpoints holds exactly Size resolved endpoints, sorted by index.
	Endpoints []PeerEndpoint
}

// Options configures Discover.
type Options struct {
	// Index and Addr of this unit, announced on sources that need it.
	Index int
	Addr  string
	// Size is the expected unit count, zero to learn it from the source.
	Size    int
	JobName string
	Timeout time.Duration
	// RestartRate limits how often an ended pass is restarted, per second.
	RestartRate float64
}

// Discover consumes src until exactly opts.Size (or the size announced by the
// source) units are resolved, or the timeout elapses.
func Discover(ctx context.Context, src Source, opts Options) (*Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	if announcer, ok := src.(Announcer); ok {
		err := retry.Do(ctx, func() error {
			return announcer.Announce(ctx, opts.Index, opts.Addr)
		}, retry.WithBackoffBaseDelay(100), retry.WithBackoffMaxDelay(2000),
			retry.WithInfiniteTries(),
			retry.WithIsRetryableErr(func(err error) bool {
				return !cerror.IsContextCanceledError(err)
			}))
		if err != nil {
			return nil, timeoutOr(ctx, err, opts, 0, opts.Size)
		}
	}

	restartRate := opts.RestartRate
	if restartRate <= 0 {
		restartRate = 1
	}
	limiter := rate.NewLimiter(rate.Limit(restartRate), 1)
	r := newResolver(opts.JobName, opts.Size)
	for {
		ch := src.Watch(ctx)
		for resp := range ch {
			if resp.Err != nil {
				return nil, timeoutOr(ctx, resp.Err, opts, r.resolvedCount(), r.size)
			}
			if err := r.apply(resp); err != nil {
				return nil, errors.Trace(err)
			}
			discoveryResolvedGauge.Set(float64(r.resolvedCount()))
			if r.complete() {
				result := r.result()
				discoveryDurationHistogram.Observe(time.Since(start).Seconds())
				log.Info("peer discovery completed",
					zap.String("job", opts.JobName),
					zap.Int("units", result.Size),
					zap.Duration("duration", time.Since(start)))
				return result, nil
			}
		}
		if ctx.Err() != nil {
			return nil, timeoutOr(ctx, ctx.Err(), opts, r.resolvedCount(), r.size)
		}
		log.Info("membership stream ended, restarting",
			zap.String("job", opts.JobName),
			zap.Int("resolved", r.resolvedCount()))
		delay := time.NewTimer(limiter.Reserve().Delay())
		select {
		case <-ctx.Done():
			delay.Stop()
			return nil, timeoutOr(ctx, ctx.Err(), opts, r.resolvedCount(), r.size)
		case <-delay.C:
		}
	}
}

// timeoutOr converts the expiry of the discovery deadline into
// ErrDiscoveryTimeout and leaves other errors alone.
func timeoutOr(ctx context.Context, err error, opts Options, resolved, size int) error {
	if ctx.Err() == context.DeadlineExceeded {
		return cerror.ErrDiscoveryTimeout.GenWithStackByArgs(opts.Timeout, resolved, size)
	}
	return errors.Trace(err)
}

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

package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	workerGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rdzv",
		Subsystem: "coordinator",
		Name:      "workers",
		Help:      "number of local workers by protocol state",
	}, []string{"state"})

	fenceRoundCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rdzv",
		Subsystem: "fence",
		Name:      "rounds_total",
		Help:      "number of merged fence rounds",
	}, []string{"type"})

	fenceRoundDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rdzv",
		Subsystem: "fence",
		Name:      "round_duration_seconds",
		Help:      "time from the first local arm of a round to its merge",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 20), // 1ms ~ 524s
	})

	fencePayloadSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rdzv",
		Subsystem: "fence",
		Name:      "payload_bytes",
		Help:      "bytes of keys and values merged by a round",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 12), // 64B ~ 256MB
	})

	requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rdzv",
		Subsystem: "coordinator",
		Name:      "requests_total",
		Help:      "number of worker requests by command and result",
	}, []string{"cmd", "result"})

	modexCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rdzv",
		Subsystem: "coordinator",
		Name:      "modex_total",
		Help:      "number of direct modex messages",
	}, []string{"type"})

	abortCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rdzv",
		Subsystem: "coordinator",
		Name:      "aborts_total",
		Help:      "number of job aborts seen by this unit",
	}, []string{"class"})
)

// InitMetrics registers all metrics in this package
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(workerGauge)
	registry.MustRegister(fenceRoundCounter)
	registry.MustRegister(fenceRoundDuration)
	registry.MustRegister(fencePayloadSize)
	registry.MustRegister(requestCounter)
	registry.MustRegister(modexCounter)
	registry.MustRegister(abortCounter)
}

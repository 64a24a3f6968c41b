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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	discoveryResolvedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rdzv",
		Subsystem: "discovery",
		Name:      "resolved_units",
		Help:      "number of units with a resolved endpoint",
	})

	discoveryDurationHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rdzv",
		Subsystem: "discovery",
		Name:      "duration_seconds",
		Help:      "time spent until every unit was resolved",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(discoveryResolvedGauge)
	registry.MustRegister(discoveryDurationHistogram)
}

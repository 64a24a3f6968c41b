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

package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	runningWorkerGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rdzv",
		Subsystem: "supervisor",
		Name:      "running_workers",
		Help:      "number of running worker processes",
	})

	workerExitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rdzv",
		Subsystem: "supervisor",
		Name:      "worker_exits_total",
		Help:      "number of worker exits by result",
	}, []string{"result"})
)

// InitMetrics registers all metrics in this package
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(runningWorkerGauge)
	registry.MustRegister(workerExitCounter)
}

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
	"github.com/mpik8s/rdzv/pkg/coordinator"
	"github.com/mpik8s/rdzv/pkg/discovery"
	"github.com/mpik8s/rdzv/pkg/p2p"
	"github.com/mpik8s/rdzv/pkg/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var registry = prometheus.NewRegistry()

var phaseGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "rdzv",
		Subsystem: "server",
		Name:      "phase",
		Help:      "1 for the current lifecycle phase of the unit",
	}, []string{"phase"})

func init() {
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector(
		collectors.WithGoCollections(collectors.GoRuntimeMemStatsCollection | collectors.GoRuntimeMetricsCollection)))

	registry.MustRegister(phaseGauge)
	discovery.InitMetrics(registry)
	p2p.InitMetrics(registry)
	coordinator.InitMetrics(registry)
	supervisor.InitMetrics(registry)
}

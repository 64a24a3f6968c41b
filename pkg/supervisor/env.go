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
	"strconv"
	"strings"

	"github.com/mpik8s/rdzv/pkg/rendezvous"
)

// Environment variables exported to every worker.
const (
	EnvPMIPort   = "PMI_PORT"
	EnvPMIID     = "PMI_ID"
	EnvPMIRank   = "PMI_RANK"
	EnvPMISize   = "PMI_SIZE"
	EnvNamespace = "RDZV_NAMESPACE"
	EnvLocalRank = "RDZV_LOCAL_RANK"
	EnvRank      = "RDZV_RANK"
	EnvSize      = "RDZV_SIZE"
	EnvLocalSize = "RDZV_LOCAL_SIZE"
	EnvUnitIndex = "RDZV_UNIT_INDEX"
	EnvHostnames = "RDZV_HOSTNAMES"
)

// WorkerEnv returns the variables telling local rank localRank where its
// coordinator listens and where it sits in the job. They are added to the
// inherited environment.
func WorkerEnv(dir *rendezvous.Directory, pmiAddr string, localRank int) []string {
	vars := [][2]string{
		{EnvPMIPort, pmiAddr},
		{EnvPMIID, strconv.Itoa(localRank)},
		{EnvPMIRank, strconv.Itoa(dir.GlobalRank(localRank))},
		{EnvPMISize, strconv.Itoa(dir.WorldSize())},
		{EnvNamespace, dir.NamespaceID()},
		{EnvLocalRank, strconv.Itoa(localRank)},
		{EnvRank, strconv.Itoa(dir.GlobalRank(localRank))},
		{EnvSize, strconv.Itoa(dir.WorldSize())},
		{EnvLocalSize, strconv.Itoa(dir.NProcs())},
		{EnvUnitIndex, strconv.Itoa(dir.Self())},
		{EnvHostnames, strings.Join(dir.Hostnames(), ",")},
	}
	env := make([]string, 0, len(vars))
	for _, v := range vars {
		env = append(env, v[0]+"="+v[1])
	}
	return env
}

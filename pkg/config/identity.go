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

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	cerror "github.com/mpik8s/rdzv/pkg/errors"
)

// Environment variables read at startup.
const (
	EnvJobName       = "RDZV_JOB_NAME"
	EnvJobNameAlt    = "JOB_NAME"
	EnvUnitIndex     = "RDZV_UNIT_INDEX"
	EnvCompletionIdx = "JOB_COMPLETION_INDEX"
	EnvK8sNamespace  = "RDZV_K8S_NAMESPACE"
	EnvPodNamespace  = "POD_NAMESPACE"
	EnvPodName       = "RDZV_POD_NAME"
	EnvHostname      = "HOSTNAME"
	EnvPodIP         = "RDZV_POD_IP"
	EnvWorldSize     = "RDZV_WORLD_SIZE"

	// ServiceAccountNamespaceFile holds the namespace of the pod when it runs
	// with a mounted service account.
	ServiceAccountNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

	// MaxNamespaceIDLen is the longest namespace identifier handed to workers.
	MaxNamespaceIDLen   = 255
	defaultK8sNamespace = "default"
)

// JobIdentity identifies this unit within its job. It is immutable once
// discovery has settled the unit count.
type JobIdentity struct {
	// JobName is the orchestrator job name.
	JobName string `json:"job-name"`
	// K8sNamespace is the orchestrator namespace of the job.
	K8sNamespace string `json:"k8s-namespace"`
	PodName      string `json:"pod-name"`
	PodIP        string `json:"pod-ip"`
	// Index is the ordinal of this unit in [0, Size).
	Index int `json:"index"`
	// Size is the unit count P, zero until known.
	Size int `json:"size"`
	// NProcs is the worker count N of every unit.
	NProcs int `json:"nprocs"`
}

// LookupEnvFunc has the signature of os.LookupEnv.
type LookupEnvFunc func(key string) (string, bool)

func lookupFirst(lookup LookupEnvFunc, keys ...string) string {
	for _, key := range keys {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// JobIdentityFromEnv builds the identity of this unit from the environment.
// The unit count may stay zero, in which case discovery determines it.
func JobIdentityFromEnv(lookup LookupEnvFunc, nprocs int) (*JobIdentity, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	id := &JobIdentity{
		JobName:      lookupFirst(lookup, EnvJobName, EnvJobNameAlt),
		K8sNamespace: lookupFirst(lookup, EnvK8sNamespace, EnvPodNamespace),
		PodName:      lookupFirst(lookup, EnvPodName, EnvHostname),
		PodIP:        lookupFirst(lookup, EnvPodIP),
		NProcs:       nprocs,
	}
	if id.K8sNamespace == "" {
		if data, err := os.ReadFile(ServiceAccountNamespaceFile); err == nil {
			id.K8sNamespace = strings.TrimSpace(string(data))
		}
	}
	if id.K8sNamespace == "" {
		id.K8sNamespace = defaultK8sNamespace
	}

	indexStr := lookupFirst(lookup, EnvCompletionIdx, EnvUnitIndex)
	if indexStr == "" {
		return nil, cerror.ErrInvalidJobIdentity.GenWithStackByArgs(
			fmt.Sprintf("neither %s nor %s is set", EnvCompletionIdx, EnvUnitIndex))
	}
	index, err := strconv.Atoi(indexStr)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrInvalidJobIdentity, err, "unit index")
	}
	id.Index = index

	if sizeStr := lookupFirst(lookup, EnvWorldSize); sizeStr != "" {
		size, err := strconv.Atoi(sizeStr)
		if err != nil {
			return nil, cerror.WrapError(cerror.ErrInvalidJobIdentity, err, "world size")
		}
		id.Size = size
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return id, nil
}

// Validate checks the fields known before discovery.
func (id *JobIdentity) Validate() error {
	if id.JobName == "" {
		return cerror.ErrInvalidJobIdentity.GenWithStackByArgs(EnvJobName + " is not set")
	}
	if id.Index < 0 {
		return cerror.ErrInvalidJobIdentity.GenWithStackByArgs(
			fmt.Sprintf("unit index %d is negative", id.Index))
	}
	if id.NProcs <= 0 {
		return cerror.ErrInvalidJobIdentity.GenWithStackByArgs(
			fmt.Sprintf("nprocs %d is not positive", id.NProcs))
	}
	if id.Size < 0 || (id.Size > 0 && id.Index >= id.Size) {
		return cerror.ErrInvalidJobIdentity.GenWithStackByArgs(
			fmt.Sprintf("unit index %d is out of range [0, %d)", id.Index, id.Size))
	}
	return nil
}

// WithSize returns a copy of the identity with the unit count set.
func (id *JobIdentity) WithSize(size int) (*JobIdentity, error) {
	clone := *id
	clone.Size = size
	if size <= 0 {
		return nil, cerror.ErrInvalidJobIdentity.GenWithStackByArgs(
			fmt.Sprintf("unit count %d is not positive", size))
	}
	if err := clone.Validate(); err != nil {
		return nil, err
	}
	return &clone, nil
}

// NamespaceID returns the identifier of the job's process group.
func (id *JobIdentity) NamespaceID() string {
	nsID := id.K8sNamespace + "." + id.JobName
	if len(nsID) > MaxNamespaceIDLen {
		nsID = nsID[:MaxNamespaceIDLen]
	}
	return nsID
}

// WorldSize returns P*N.
func (id *JobIdentity) WorldSize() int {
	return id.Size * id.NProcs
}

// GlobalRank returns the global rank of a local rank of this unit.
func (id *JobIdentity) GlobalRank(localRank int) int {
	return id.Index*id.NProcs + localRank
}

// Hostname returns the host name of the unit with the given index.
func (id *JobIdentity) Hostname(index int) string {
	return fmt.Sprintf("%s-%d", id.JobName, index)
}

// Hostnames returns the host names of all units, by index.
func (id *JobIdentity) Hostnames() []string {
	names := make([]string, 0, id.Size)
	for i := 0; i < id.Size; i++ {
		names = append(names, id.Hostname(i))
	}
	return names
}

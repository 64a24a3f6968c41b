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
	"github.com/pingcap/errors"
)

// errors
var (
	// discovery related errors
	ErrDiscoveryTimeout = errors.Normalize(
		"peer discovery timed out after %s, %d of %d units resolved",
		errors.RFCCodeText("RDZV:ErrDiscoveryTimeout"),
	)
	ErrDiscoveryIncomplete = errors.Normalize(
		"unit %d of job %s can not become ready: %s",
		errors.RFCCodeText("RDZV:ErrDiscoveryIncomplete"),
	)
	ErrDiscoveryForbidden = errors.Normalize(
		"not allowed to list the units of job %s",
		errors.RFCCodeText("RDZV:ErrDiscoveryForbidden"),
	)
	ErrDiscoveryFailed = errors.Normalize(
		"peer discovery failed",
		errors.RFCCodeText("RDZV:ErrDiscoveryFailed"),
	)
	ErrDiscoveryInvalidIndex = errors.Normalize(
		"unit index %d is out of range [0, %d)",
		errors.RFCCodeText("RDZV:ErrDiscoveryInvalidIndex"),
	)

	// peer related errors
	ErrPeerUnreachable = errors.Normalize(
		"peer unit %d at %s is unreachable",
		errors.RFCCodeText("RDZV:ErrPeerUnreachable"),
	)
	ErrProtocolDesync = errors.Normalize(
		"protocol desync with unit %d: %s",
		errors.RFCCodeText("RDZV:ErrProtocolDesync"),
	)
	ErrPeerConnectionLost = errors.Normalize(
		"connection to peer unit %d lost",
		errors.RFCCodeText("RDZV:ErrPeerConnectionLost"),
	)
	ErrPeerMessageIllegalMeta = errors.Normalize(
		"peer stream did not start with a handshake",
		errors.RFCCodeText("RDZV:ErrPeerMessageIllegalMeta"),
	)
	ErrPeerMessageEncodeError = errors.Normalize(
		"failed to encode peer message",
		errors.RFCCodeText("RDZV:ErrPeerMessageEncodeError"),
	)
	ErrPeerMessageDecodeError = errors.Normalize(
		"failed to decode peer message",
		errors.RFCCodeText("RDZV:ErrPeerMessageDecodeError"),
	)
	ErrPeerMessageIllegalClientVersion = errors.Normalize(
		"peer version is illegal: %s",
		errors.RFCCodeText("RDZV:ErrPeerMessageIllegalClientVersion"),
	)
	// ErrVersionIncompatible is returned when a peer runs an incompatible release.
	ErrVersionIncompatible = errors.Normalize(
		"version is incompatible: %s",
		errors.RFCCodeText("RDZV:ErrVersionIncompatible"),
	)

	// local protocol errors
	ErrMalformedRequest = errors.Normalize(
		"malformed request: %s",
		errors.RFCCodeText("RDZV:ErrMalformedRequest"),
	)
	ErrUnknownNamespace = errors.Normalize(
		"unknown namespace %s",
		errors.RFCCodeText("RDZV:ErrUnknownNamespace"),
	)
	ErrInvalidRank = errors.Normalize(
		"invalid rank %d: %s",
		errors.RFCCodeText("RDZV:ErrInvalidRank"),
	)
	ErrKeyNotFound = errors.Normalize(
		"key %s of rank %d not found",
		errors.RFCCodeText("RDZV:ErrKeyNotFound"),
	)

	// process related errors
	ErrSpawnFailed = errors.Normalize(
		"failed to spawn local rank %d",
		errors.RFCCodeText("RDZV:ErrSpawnFailed"),
	)
	ErrChildCrashed = errors.Normalize(
		"local rank %d was killed by signal %s",
		errors.RFCCodeText("RDZV:ErrChildCrashed"),
	)
	ErrChildExitNonZero = errors.Normalize(
		"local rank %d exited with code %d",
		errors.RFCCodeText("RDZV:ErrChildExitNonZero"),
	)
	ErrWorkerAbort = errors.Normalize(
		"rank %d aborted the job with code %d: %s",
		errors.RFCCodeText("RDZV:ErrWorkerAbort"),
	)

	// coordination errors
	ErrFenceTimeout = errors.Normalize(
		"fence round %s/%d did not complete within %s",
		errors.RFCCodeText("RDZV:ErrFenceTimeout"),
	)
	ErrGetTimeout = errors.Normalize(
		"blocking get of key %s of rank %d did not complete within %s",
		errors.RFCCodeText("RDZV:ErrGetTimeout"),
	)
	ErrRemoteWorkerFailed = errors.Normalize(
		"a worker of unit %d failed: %s",
		errors.RFCCodeText("RDZV:ErrRemoteWorkerFailed"),
	)
	ErrRemoteAbort = errors.Normalize(
		"unit %d aborted the job: %s",
		errors.RFCCodeText("RDZV:ErrRemoteAbort"),
	)
	ErrInterrupted = errors.Normalize(
		"interrupted by signal %s",
		errors.RFCCodeText("RDZV:ErrInterrupted"),
	)
	ErrAborted = errors.Normalize(
		"job aborted: %s",
		errors.RFCCodeText("RDZV:ErrAborted"),
	)
	ErrCoordinatorClosed = errors.Normalize(
		"coordinator is closed",
		errors.RFCCodeText("RDZV:ErrCoordinatorClosed"),
	)

	// server related errors
	ErrInvalidServerOption = errors.Normalize(
		"invalid server option: %s",
		errors.RFCCodeText("RDZV:ErrInvalidServerOption"),
	)
	ErrInvalidConfig = errors.Normalize(
		"invalid config file %s",
		errors.RFCCodeText("RDZV:ErrInvalidConfig"),
	)
	ErrInvalidJobIdentity = errors.Normalize(
		"invalid job identity: %s",
		errors.RFCCodeText("RDZV:ErrInvalidJobIdentity"),
	)
	ErrTCPServerClosed = errors.Normalize(
		"the TCP server has been closed",
		errors.RFCCodeText("RDZV:ErrTCPServerClosed"),
	)
	ErrServeHTTP = errors.Normalize(
		"serve http error",
		errors.RFCCodeText("RDZV:ErrServeHTTP"),
	)
	ErrInvalidLogLevel = errors.Normalize(
		"invalid log level %s",
		errors.RFCCodeText("RDZV:ErrInvalidLogLevel"),
	)
	ErrAPIInvalidParam = errors.Normalize(
		"invalid api parameter",
		errors.RFCCodeText("RDZV:ErrAPIInvalidParam"),
	)
	ErrUnitUnhealthy = errors.Normalize(
		"unit is unhealthy",
		errors.RFCCodeText("RDZV:ErrUnitUnhealthy"),
	)
	ErrReachMaxTry = errors.Normalize(
		"reach maximum try: %s, error: %s",
		errors.RFCCodeText("RDZV:ErrReachMaxTry"),
	)
)

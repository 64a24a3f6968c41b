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

package version

import (
	"regexp"
	"strings"

	"github.com/coreos/go-semver/semver"
	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

var versionHash = regexp.MustCompile("-[0-9]+-g[0-9a-f]{7,}")

func removeVAndHash(v string) string {
	if v == "" {
		return v
	}
	v = versionHash.ReplaceAllLiteralString(v, "")
	v = strings.TrimSuffix(v, "-dirty")
	return strings.TrimPrefix(v, "v")
}

// CheckPeerVersion checks that a peer built from peerVersion can take part
// in the same job as a unit built from localVersion. Only releases sharing
// Major and Minor are compatible. An empty version on either side skips
// the check.
func CheckPeerVersion(localVersion, peerVersion string) error {
	if localVersion == "" || peerVersion == "" {
		return nil
	}
	peerVer, err := semver.NewVersion(removeVAndHash(peerVersion))
	if err != nil {
		log.Error("semver failed to parse",
			zap.String("ver", peerVersion),
			zap.Error(err))
		return cerror.ErrPeerMessageIllegalClientVersion.GenWithStackByArgs(peerVersion)
	}
	localVer, err := semver.NewVersion(removeVAndHash(localVersion))
	if err != nil {
		return cerror.ErrPeerMessageIllegalClientVersion.GenWithStackByArgs(localVersion)
	}
	if localVer.Major != peerVer.Major || localVer.Minor != peerVer.Minor {
		return cerror.ErrVersionIncompatible.GenWithStackByArgs(peerVersion)
	}
	return nil
}

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
	"strconv"
)

// StaticSource serves a fixed address list, the unit with index i is at
// peers[i].
type StaticSource struct {
	peers []string
}

// NewStaticSource creates a static source.
func NewStaticSource(peers []string) *StaticSource {
	return &StaticSource{peers: append([]string(nil), peers...)}
}

// Watch implements Source. The pass stays open until ctx is done.
func (s *StaticSource) Watch(ctx context.Context) <-chan WatchResp {
	ch := make(chan WatchResp, 1)
	events := make([]Event, 0, len(s.peers)+1)
	events = append(events, Event{Type: EventSize, Size: len(s.peers)})
	for i, addr := range s.peers {
		events = append(events, Event{
			Type: EventReady, Index: i, Addr: addr, Name: strconv.Itoa(i),
		})
	}
	ch <- WatchResp{Events: events, Snapshot: true}
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

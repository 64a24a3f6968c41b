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
	"sort"

	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// resolver folds membership events into endpoint states. It is owned by a
// single Discover call. Endpoints are kept per unit index and per name, so
// a stale incarnation of a unit never hides a ready replacement.
type resolver struct {
	jobName   string
	size      int
	fixedSize bool
	units     map[int]map[string]*PeerEndpoint
}

func newResolver(jobName string, size int) *resolver {
	return &resolver{
		jobName:   jobName,
		size:      size,
		fixedSize: size > 0,
		units:     make(map[int]map[string]*PeerEndpoint),
	}
}

func (r *resolver) apply(resp WatchResp) error {
	if resp.Snapshot {
		r.units = make(map[int]map[string]*PeerEndpoint)
	}
	for _, ev := range resp.Events {
		if err := r.applyEvent(ev); err != nil {
			return err
		}
	}
	return r.checkRange()
}

func (r *resolver) incarnations(index int) map[string]*PeerEndpoint {
	names, ok := r.units[index]
	if !ok {
		names = make(map[string]*PeerEndpoint)
		r.units[index] = names
	}
	return names
}

func (r *resolver) applyEvent(ev Event) error {
	switch ev.Type {
	case EventSize:
		if r.fixedSize {
			if ev.Size != r.size {
				log.Warn("unit count announced by the source differs from the configured one, ignored",
					zap.Int("configured", r.size), zap.Int("announced", ev.Size))
			}
			return nil
		}
		r.size = ev.Size
		return nil
	case EventTerminal:
		return cerror.ErrDiscoveryIncomplete.GenWithStackByArgs(ev.Index, r.jobName, ev.Reason)
	case EventPending:
		r.incarnations(ev.Index)[ev.Name] = &PeerEndpoint{
			Index: ev.Index, Name: ev.Name, State: StatePending,
		}
	case EventReady:
		if prev, ok := r.endpoint(ev.Index); ok && prev.State == StateResolved &&
			prev.Name != ev.Name && prev.Addr != ev.Addr {
			log.Info("unit endpoint replaced",
				zap.Int("index", ev.Index),
				zap.String("old", prev.Addr),
				zap.String("new", ev.Addr))
		}
		r.incarnations(ev.Index)[ev.Name] = &PeerEndpoint{
			Index: ev.Index, Addr: ev.Addr, Name: ev.Name, State: StateResolved,
		}
	case EventDeleted:
		names, ok := r.units[ev.Index]
		if !ok {
			return nil
		}
		delete(names, ev.Name)
		if len(names) == 0 {
			delete(r.units, ev.Index)
		}
	}
	return nil
}

// endpoint returns the endpoint of a unit index. A resolved incarnation wins
// over pending ones, ties are broken by name.
func (r *resolver) endpoint(index int) (*PeerEndpoint, bool) {
	var best *PeerEndpoint
	for _, ep := range r.units[index] {
		switch {
		case best == nil:
			best = ep
		case ep.State == StateResolved && best.State != StateResolved:
			best = ep
		case ep.State == best.State && ep.Name < best.Name:
			best = ep
		}
	}
	return best, best != nil
}

func (r *resolver) checkRange() error {
	if r.size <= 0 {
		return nil
	}
	for index := range r.units {
		if index < 0 || index >= r.size {
			return cerror.ErrDiscoveryInvalidIndex.GenWithStackByArgs(index, r.size)
		}
	}
	return nil
}

func (r *resolver) resolvedCount() int {
	count := 0
	for index := range r.units {
		if ep, ok := r.endpoint(index); ok && ep.State == StateResolved {
			count++
		}
	}
	return count
}

func (r *resolver) complete() bool {
	return r.size > 0 && r.resolvedCount() == r.size
}

func (r *resolver) result() *Result {
	endpoints := make([]PeerEndpoint, 0, len(r.units))
	for index := range r.units {
		if ep, ok := r.endpoint(index); ok {
			endpoints = append(endpoints, *ep)
		}
	}
	sort.Slice(endpoints, func(i, j int) bool {
		return endpoints[i].Index < endpoints[j].Index
	})
	return &Result{Size: r.size, Endpoints: endpoints}
}

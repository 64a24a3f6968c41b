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

package kv

import (
	"fmt"
	"sort"

	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Scope is the scope a value was published with.
type Scope string

// Scopes accepted by Put.
const (
	ScopeLocal  Scope = "local"
	ScopeRemote Scope = "remote"
	ScopeGlobal Scope = "global"
)

// ParseScope parses a scope name, empty means global.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "", ScopeGlobal:
		return ScopeGlobal, nil
	case ScopeLocal, ScopeRemote:
		return Scope(s), nil
	default:
		return "", cerror.ErrMalformedRequest.GenWithStackByArgs(fmt.Sprintf("unknown scope %q", s))
	}
}

// Entry is one published value.
type Entry struct {
	Rank  int    `msgpack:"r"`
	Key   string `msgpack:"k"`
	Value []byte `msgpack:"v"`
	Scope Scope  `msgpack:"s,omitempty"`
}

type rankKey struct {
	rank int
	key  string
}

// Store holds the entries of one namespace. Entries are staged by the rank
// that put them and become visible when a fence round including that rank
// merges. Store is not safe for concurrent use, it is owned by the
// coordinator's event loop.
type Store struct {
	staged  map[int]map[string]Entry
	visible map[rankKey]Entry
	// delivered marks ranks whose round merged, with or without payload.
	delivered map[int]struct{}
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		staged:    make(map[int]map[string]Entry),
		visible:   make(map[rankKey]Entry),
		delivered: make(map[int]struct{}),
	}
}

// Put stages a value of rank. A later Put of the same key before the next
// fence replaces it.
func (s *Store) Put(rank int, key string, value []byte, scope Scope) {
	entries, ok := s.staged[rank]
	if !ok {
		entries = make(map[string]Entry)
		s.staged[rank] = entries
	}
	entries[key] = Entry{Rank: rank, Key: key, Value: value, Scope: scope}
}

// TakeStaged removes and returns the staged entries of rank, sorted by key.
func (s *Store) TakeStaged(rank int) []Entry {
	entries := s.staged[rank]
	delete(s.staged, rank)
	result := make([]Entry, 0, len(entries))
	for _, e := range entries {
		result = append(result, e)
	}
	sortEntries(result)
	return result
}

// StagedCount returns the number of staged entries of rank.
func (s *Store) StagedCount(rank int) int {
	return len(s.staged[rank])
}

// Publish makes entries visible. Newer rounds override older values.
func (s *Store) Publish(entries []Entry) {
	for _, e := range entries {
		s.visible[rankKey{rank: e.Rank, key: e.Key}] = e
	}
}

// MarkDelivered records that rounds including ranks have merged.
func (s *Store) MarkDelivered(ranks []int) {
	for _, r := range ranks {
		s.delivered[r] = struct{}{}
	}
}

// Delivered reports whether a round including rank has merged.
func (s *Store) Delivered(rank int) bool {
	_, ok := s.delivered[rank]
	return ok
}

// Get returns the visible value of key published by rank.
func (s *Store) Get(rank int, key string) (Entry, bool) {
	e, ok := s.visible[rankKey{rank: rank, key: key}]
	return e, ok
}

// Find returns the visible value of key published by the lowest rank.
func (s *Store) Find(key string) (Entry, bool) {
	var (
		found Entry
		ok    bool
	)
	for rk, e := range s.visible {
		if rk.key != key {
			continue
		}
		if !ok || rk.rank < found.Rank {
			found, ok = e, true
		}
	}
	return found, ok
}

// RankEntries returns the visible entries of rank, sorted by key.
func (s *Store) RankEntries(rank int) []Entry {
	var result []Entry
	for rk, e := range s.visible {
		if rk.rank == rank {
			result = append(result, e)
		}
	}
	sortEntries(result)
	return result
}

// Snapshot returns the visible entries of the given ranks, sorted by rank
// then key.
func (s *Store) Snapshot(ranks []int) []Entry {
	wanted := make(map[int]struct{}, len(ranks))
	for _, r := range ranks {
		wanted[r] = struct{}{}
	}
	var result []Entry
	for rk, e := range s.visible {
		if _, ok := wanted[rk.rank]; ok {
			result = append(result, e)
		}
	}
	sortEntries(result)
	return result
}

// Len returns the number of visible entries.
func (s *Store) Len() int {
	return len(s.visible)
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Rank != entries[j].Rank {
			return entries[i].Rank < entries[j].Rank
		}
		return entries[i].Key < entries[j].Key
	})
}

// EncodeEntries serializes entries for the peer protocol and for the data
// returned by a collecting fence.
func EncodeEntries(entries []Entry) ([]byte, error) {
	data, err := msgpack.Marshal(entries)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrPeerMessageEncodeError, err)
	}
	return data, nil
}

// DecodeEntries is the inverse of EncodeEntries.
func DecodeEntries(data []byte) ([]Entry, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var entries []Entry
	if err := msgpack.Unmarshal(data, &entries); err != nil {
		return nil, cerror.WrapError(cerror.ErrPeerMessageDecodeError, err)
	}
	return entries, nil
}

// PayloadSize returns the number of value bytes carried by entries.
func PayloadSize(entries []Entry) int {
	size := 0
	for _, e := range entries {
		size += len(e.Key) + len(e.Value)
	}
	return size
}

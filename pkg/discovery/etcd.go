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
	"path"
	"strconv"
	"strings"
	"time"

	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

const defaultWatchChanSize = 8

// NewEtcdClient dials the etcd cluster used for discovery.
func NewEtcdClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      log.L().With(zap.String("component", "etcd-client")),
	})
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrDiscoveryFailed, err)
	}
	return cli, nil
}

// EtcdSource discovers units through keys under <prefix>/<namespace id>/.
// Every unit puts its own address attached to a session lease, so the key
// disappears when the unit does.
type EtcdSource struct {
	cli        *clientv3.Client
	keyPrefix  string
	sessionTTL int
	size       int
	session    *concurrency.Session
}

// NewEtcdSource creates an etcd source. size is announced to the consumer
// when positive.
func NewEtcdSource(cli *clientv3.Client, prefix, namespaceID string, sessionTTL, size int) *EtcdSource {
	return &EtcdSource{
		cli:        cli,
		keyPrefix:  path.Join(prefix, namespaceID) + "/",
		sessionTTL: sessionTTL,
		size:       size,
	}
}

func (s *EtcdSource) unitKey(index int) string {
	return s.keyPrefix + strconv.Itoa(index)
}

func (s *EtcdSource) parseKey(key []byte) (int, bool) {
	index, err := strconv.Atoi(strings.TrimPrefix(string(key), s.keyPrefix))
	if err != nil {
		return 0, false
	}
	return index, true
}

// Announce implements Announcer.
func (s *EtcdSource) Announce(ctx context.Context, index int, addr string) error {
	if s.session == nil {
		session, err := concurrency.NewSession(s.cli,
			concurrency.WithTTL(s.sessionTTL), concurrency.WithContext(ctx))
		if err != nil {
			return cerror.WrapError(cerror.ErrDiscoveryFailed, err)
		}
		s.session = session
	}
	_, err := s.cli.Put(ctx, s.unitKey(index), addr, clientv3.WithLease(s.session.Lease()))
	if err != nil {
		return cerror.WrapError(cerror.ErrDiscoveryFailed, err)
	}
	log.Info("unit endpoint announced",
		zap.String("key", s.unitKey(index)), zap.String("addr", addr))
	return nil
}

// Watch implements Source.
func (s *EtcdSource) Watch(ctx context.Context) <-chan WatchResp {
	ch := make(chan WatchResp, defaultWatchChanSize)
	go func() {
		defer close(ch)
		if err := s.watch(ctx, ch); err != nil && ctx.Err() == nil {
			send(ctx, ch, WatchResp{Err: err})
		}
	}()
	return ch
}

func (s *EtcdSource) watch(ctx context.Context, ch chan<- WatchResp) error {
	resp, err := s.cli.Get(ctx, s.keyPrefix, clientv3.WithPrefix())
	if err != nil {
		return cerror.WrapError(cerror.ErrDiscoveryFailed, err)
	}
	events := make([]Event, 0, len(resp.Kvs)+1)
	if s.size > 0 {
		events = append(events, Event{Type: EventSize, Size: s.size})
	}
	for _, kv := range resp.Kvs {
		if index, ok := s.parseKey(kv.Key); ok {
			events = append(events, Event{
				Type: EventReady, Index: index, Addr: string(kv.Value), Name: string(kv.Key),
			})
		}
	}
	if !send(ctx, ch, WatchResp{Events: events, Snapshot: true}) {
		return nil
	}

	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	defer cancel()
	wch := s.cli.Watch(wctx, s.keyPrefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	for wresp := range wch {
		if wresp.CompactRevision != 0 {
			log.Info("etcd watch compacted, restarting",
				zap.Int64("compactRevision", wresp.CompactRevision))
			return nil
		}
		if err := wresp.Err(); err != nil {
			return cerror.WrapError(cerror.ErrDiscoveryFailed, err)
		}
		events := make([]Event, 0, len(wresp.Events))
		for _, ev := range wresp.Events {
			index, ok := s.parseKey(ev.Kv.Key)
			if !ok {
				continue
			}
			switch ev.Type {
			case clientv3.EventTypePut:
				events = append(events, Event{
					Type: EventReady, Index: index, Addr: string(ev.Kv.Value), Name: string(ev.Kv.Key),
				})
			case clientv3.EventTypeDelete:
				events = append(events, Event{Type: EventDeleted, Index: index, Name: string(ev.Kv.Key)})
			}
		}
		if len(events) == 0 {
			continue
		}
		if !send(ctx, ch, WatchResp{Events: events}) {
			return nil
		}
	}
	return errors.Trace(ctx.Err())
}

// Close revokes the session, which removes the announced key.
func (s *EtcdSource) Close() error {
	if s.session == nil {
		return nil
	}
	return errors.Trace(s.session.Close())
}

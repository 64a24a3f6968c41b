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

package p2p

import (
	"context"
	"sync"
	"time"

	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// gracefulCloseTimeout bounds how long Close lets clients flush.
const gracefulCloseTimeout = 5 * time.Second

// MessageRouter is used to maintain clients to all the peers in the job
// that the local unit needs to communicate with.
type MessageRouter interface {
	// AddPeer should be invoked when a new peer is discovered.
	AddPeer(unit int, addr string)
	// GetClient returns a MessageClient for `target`. It returns
	// nil if the target peer does not exist. The client is started
	// on first use.
	GetClient(target int) *MessageClient
	// Close flushes and closes all clients maintained internally.
	Close()
	// Wait waits for all clients to exit.
	Wait()
	// Err returns a channel to receive errors from.
	Err() <-chan error
}

type messageRouterImpl struct {
	mu         sync.RWMutex
	addressMap map[int]string
	clients    map[int]clientWrapper

	wg       sync.WaitGroup
	isClosed atomic.Bool
	errCh    chan error

	// read only field
	local        LocalIdentity
	clientConfig *MessageClientConfig
}

// NewMessageRouter creates a new MessageRouter
func NewMessageRouter(local LocalIdentity, clientConfig *MessageClientConfig) MessageRouter {
	return &messageRouterImpl{
		addressMap:   make(map[int]string),
		clients:      make(map[int]clientWrapper),
		errCh:        make(chan error, 1), // one error at most
		local:        local,
		clientConfig: clientConfig,
	}
}

type clientWrapper struct {
	*MessageClient
	cancelFn context.CancelFunc
}

// AddPeer implements MessageRouter.
func (m *messageRouterImpl) AddPeer(unit int, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.addressMap[unit] = addr
}

// GetClient implements MessageRouter.
func (m *messageRouterImpl) GetClient(target int) *MessageClient {
	m.mu.RLock()
	cliWrapper, ok := m.clients[target]
	m.mu.RUnlock()
	if ok {
		return cliWrapper.MessageClient
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isClosed.Load() {
		return nil
	}
	// double check
	if cliWrapper, ok := m.clients[target]; ok {
		return cliWrapper.MessageClient
	}
	addr, ok := m.addressMap[target]
	if !ok {
		log.Warn("failed to create client, no peer",
			zap.Int("target", target))
		return nil
	}

	client := NewMessageClient(m.local, target, m.clientConfig)
	ctx, cancel := context.WithCancel(context.Background())
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		err := client.Run(ctx, addr)
		if err == nil || cerror.IsContextCanceledError(err) {
			return
		}
		if m.isClosed.Load() {
			log.Warn("peer client exited after close",
				zap.Int("target", target), zap.Error(err))
			return
		}
		log.Warn("peer client exited with error",
			zap.Int("target", target),
			zap.String("addr", addr),
			zap.Error(err))
		select {
		case m.errCh <- err:
		default:
			log.Warn("error channel is full, discard error",
				zap.Int("target", target), zap.Error(err))
		}
	}()
	m.clients[target] = clientWrapper{
		MessageClient: client,
		cancelFn:      cancel,
	}
	return client
}

// Close implements MessageRouter.
func (m *messageRouterImpl) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isClosed.Swap(true) {
		return
	}
	for _, cli := range m.clients {
		cli.close()
		time.AfterFunc(gracefulCloseTimeout, cli.cancelFn)
	}
}

// Wait implements MessageRouter.
func (m *messageRouterImpl) Wait() {
	m.wg.Wait()
}

// Err implements MessageRouter.
func (m *messageRouterImpl) Err() <-chan error {
	return m.errCh
}

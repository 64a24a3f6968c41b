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
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phayes/freeport"
	"github.com/stretchr/testify/require"
)

// MockCluster mocks the peer transport of a whole job.
type MockCluster struct {
	Nodes []*MockNode
}

// MockNode represents one mock unit.
type MockNode struct {
	Addr  string
	Local LocalIdentity

	Server *MessageServer
	Router MessageRouter

	cancel func()
	wg     sync.WaitGroup
}

// read only
var serverConfig4MockCluster = &MessageServerConfig{
	MaxPendingTaskCount: 1024,
	MaxRecvMsgSize:      4 * 1024 * 1024, // 4MB
}

// read only
var clientConfig4MockCluster = &MessageClientConfig{
	SendChannelSize: 16,
	DialTimeout:     time.Second * 3,
	ConnectTimeout:  time.Second * 10,
	RetryBaseDelay:  time.Millisecond * 10,
	RetryMaxDelay:   time.Millisecond * 100,
	MaxSendMsgSize:  4 * 1024 * 1024, // 4MB
}

// HandlerFactory builds the MessageHandler of a node. The node's Router is
// already set when it is called.
type HandlerFactory func(node *MockNode) MessageHandler

func newMockNode(t *testing.T, local LocalIdentity, factory HandlerFactory) *MockNode {
	port := freeport.GetPort()
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	lis, err := net.Listen("tcp", addr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	ret := &MockNode{
		Addr:   addr,
		Local:  local,
		Router: NewMessageRouter(local, clientConfig4MockCluster),
		cancel: cancel,
	}
	ret.Server = NewMessageServer(local, factory(ret), serverConfig4MockCluster)
	grpcServer := NewGRPCServer(ret.Server)

	ret.wg.Add(1)
	go func() {
		defer ret.wg.Done()
		_ = grpcServer.Serve(lis)
	}()

	ret.wg.Add(1)
	go func() {
		defer ret.wg.Done()
		_ = ret.Server.Run(ctx)
	}()

	ret.wg.Add(1)
	go func() {
		defer ret.wg.Done()
		<-ctx.Done()
		grpcServer.Stop()
	}()

	return ret
}

// Close closes the mock node. Queued messages are flushed first.
func (n *MockNode) Close() {
	n.Router.Close()
	n.Router.Wait()
	n.cancel()
	n.wg.Wait()
}

// NewMockCluster creates a mock cluster of units nodes in namespace.
func NewMockCluster(
	t *testing.T, namespace string, units, nprocs int, factory HandlerFactory,
) *MockCluster {
	ret := &MockCluster{}
	for i := 0; i < units; i++ {
		local := LocalIdentity{
			Namespace:  namespace,
			Unit:       i,
			Units:      units,
			NProcs:     nprocs,
			InstanceID: uuid.New().String(),
		}
		ret.Nodes = append(ret.Nodes, newMockNode(t, local, factory))
	}

	for _, sourceNode := range ret.Nodes {
		for _, targetNode := range ret.Nodes {
			if sourceNode == targetNode {
				continue
			}
			sourceNode.Router.AddPeer(targetNode.Local.Unit, targetNode.Addr)
		}
	}

	return ret
}

// Close closes the mock cluster.
func (c *MockCluster) Close() {
	var wg sync.WaitGroup
	for _, node := range c.Nodes {
		node := node
		wg.Add(1)
		go func() {
			defer wg.Done()
			node.Close()
		}()
	}
	wg.Wait()
}

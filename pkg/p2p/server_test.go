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
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/phayes/freeport"
	"github.com/stretchr/testify/require"
)

const defaultTimeout = 10 * time.Second

type closedEvent struct {
	unit int
	err  error
}

type recordingHandler struct {
	messages chan *Message
	closed   chan closedEvent
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		messages: make(chan *Message, 1024),
		closed:   make(chan closedEvent, 16),
	}
}

func (h *recordingHandler) OnPeerMessage(ctx context.Context, msg *Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case h.messages <- msg:
	}
	return nil
}

func (h *recordingHandler) OnPeerClosed(ctx context.Context, unit int, err error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case h.closed <- closedEvent{unit: unit, err: err}:
	}
	return nil
}

func newRecordingCluster(t *testing.T, units int) (*MockCluster, []*recordingHandler) {
	var (
		mu       sync.Mutex
		handlers = make([]*recordingHandler, units)
	)
	cluster := NewMockCluster(t, "job-a", units, 2, func(node *MockNode) MessageHandler {
		h := newRecordingHandler()
		mu.Lock()
		handlers[node.Local.Unit] = h
		mu.Unlock()
		return h
	})
	return cluster, handlers
}

func nextClosed(t *testing.T, h *recordingHandler) closedEvent {
	select {
	case ev := <-h.closed:
		return ev
	case <-time.After(defaultTimeout):
		require.FailNow(t, "timed out waiting for the stream to close")
	}
	return closedEvent{}
}

func TestMessagesArriveInOrder(t *testing.T) {
	cluster, handlers := newRecordingCluster(t, 2)
	defer cluster.Close()

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	client := cluster.Nodes[0].Router.GetClient(1)
	require.NotNil(t, client)
	require.Same(t, client, cluster.Nodes[0].Router.GetClient(1))
	require.Nil(t, cluster.Nodes[0].Router.GetClient(5))

	const count = 100
	for i := 1; i <= count; i++ {
		err := client.Send(ctx, &Message{
			Type: TypeContribution,
			Contribution: &FenceContribution{
				Set:     "*",
				Seq:     uint64(i),
				Collect: true,
				Payload: []byte(fmt.Sprintf("payload-%d", i)),
			},
		})
		require.NoError(t, err)
	}

	for i := 1; i <= count; i++ {
		select {
		case msg := <-handlers[1].messages:
			require.Equal(t, TypeContribution, msg.Type)
			require.Equal(t, "job-a", msg.Namespace)
			require.Equal(t, 0, msg.Sender)
			require.Equal(t, uint64(i), msg.Contribution.Seq)
			require.Equal(t, fmt.Sprintf("payload-%d", i), string(msg.Contribution.Payload))
		case <-ctx.Done():
			require.FailNow(t, "timed out waiting for messages")
		}
	}
}

func TestGracefulCloseFlushesMessages(t *testing.T) {
	cluster, handlers := newRecordingCluster(t, 2)
	defer cluster.Close()

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	client := cluster.Nodes[0].Router.GetClient(1)
	require.NotNil(t, client)
	require.NoError(t, client.Send(ctx, &Message{
		Type:  TypeAbort,
		Abort: &Abort{Class: AbortWorkerFailure, ExitCode: 1, Reason: "rank 0 exited"},
	}))

	cluster.Nodes[0].Router.Close()
	cluster.Nodes[0].Router.Wait()
	require.Nil(t, cluster.Nodes[0].Router.GetClient(1))

	select {
	case msg := <-handlers[1].messages:
		require.Equal(t, TypeAbort, msg.Type)
		require.Equal(t, AbortWorkerFailure, msg.Abort.Class)
		require.Equal(t, "rank 0 exited", msg.Abort.Reason)
	case <-ctx.Done():
		require.FailNow(t, "timed out waiting for the abort")
	}

	ev := nextClosed(t, handlers[1])
	require.Equal(t, 0, ev.unit)
	require.NoError(t, ev.err)

	err := client.Send(ctx, &Message{Type: TypeAbort, Abort: &Abort{}})
	require.True(t, cerror.Is(err, cerror.ErrPeerConnectionLost))
}

func TestHandshakeRejected(t *testing.T) {
	cluster, handlers := newRecordingCluster(t, 2)
	defer cluster.Close()

	testCases := []struct {
		name  string
		local LocalIdentity
		ver   string
		check func(err error) bool
	}{
		{
			name:  "nprocs mismatch",
			local: LocalIdentity{Namespace: "job-a", Unit: 0, Units: 2, NProcs: 3},
			check: func(err error) bool { return cerror.Is(err, cerror.ErrProtocolDesync) },
		},
		{
			name:  "namespace mismatch",
			local: LocalIdentity{Namespace: "job-b", Unit: 0, Units: 2, NProcs: 2},
			check: func(err error) bool { return cerror.Is(err, cerror.ErrProtocolDesync) },
		},
		{
			name:  "local unit index",
			local: LocalIdentity{Namespace: "job-a", Unit: 1, Units: 2, NProcs: 2},
			check: func(err error) bool { return cerror.Is(err, cerror.ErrProtocolDesync) },
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.local.InstanceID = uuid.New().String()
			client := NewMessageClient(tc.local, 1, clientConfig4MockCluster)
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = client.Run(ctx, cluster.Nodes[1].Addr)
			}()

			ev := nextClosed(t, handlers[1])
			require.Equal(t, tc.local.Unit, ev.unit)
			require.True(t, tc.check(ev.err), "unexpected error %v", ev.err)

			cancel()
			wg.Wait()
		})
	}
}

func TestRestartedPeerRejected(t *testing.T) {
	cluster, handlers := newRecordingCluster(t, 2)
	defer cluster.Close()

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	client := cluster.Nodes[0].Router.GetClient(1)
	require.NoError(t, client.Send(ctx, &Message{
		Type:         TypeModexRequest,
		ModexRequest: &ModexRequest{ID: 1, Rank: 2},
	}))
	select {
	case msg := <-handlers[1].messages:
		require.Equal(t, TypeModexRequest, msg.Type)
	case <-ctx.Done():
		require.FailNow(t, "timed out waiting for the request")
	}

	restarted := cluster.Nodes[0].Local
	restarted.InstanceID = uuid.New().String()
	other := NewMessageClient(restarted, 1, clientConfig4MockCluster)
	runCtx, runCancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = other.Run(runCtx, cluster.Nodes[1].Addr)
	}()

	ev := nextClosed(t, handlers[1])
	require.Equal(t, 0, ev.unit)
	require.True(t, cerror.Is(ev.err, cerror.ErrProtocolDesync))
	require.Regexp(t, "unit restarted", ev.err.Error())

	runCancel()
	wg.Wait()
}

func TestVersionIncompatible(t *testing.T) {
	local := LocalIdentity{Namespace: "job-a", Unit: 1, Units: 2, NProcs: 1, InstanceID: "server"}
	handler := newRecordingHandler()
	server := NewMessageServer(local, handler, &MessageServerConfig{
		MaxPendingTaskCount: 16,
		MaxRecvMsgSize:      1024 * 1024,
		ServerVersion:       "v1.2.0",
	})
	err := server.registerPeer(&Message{
		Type:      TypeHello,
		Namespace: "job-a",
		Sender:    0,
		Hello:     &Hello{Units: 2, NProcs: 1, InstanceID: "client", Version: "v2.0.0"},
	}, "127.0.0.1:1234")
	require.True(t, cerror.Is(err, cerror.ErrVersionIncompatible))

	err = server.registerPeer(&Message{
		Type:      TypeHello,
		Namespace: "job-a",
		Sender:    0,
		Hello:     &Hello{Units: 2, NProcs: 1, InstanceID: "client", Version: "v1.2.7"},
	}, "127.0.0.1:1234")
	require.NoError(t, err)
}

func TestPeerUnreachable(t *testing.T) {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)

	config := *clientConfig4MockCluster
	config.DialTimeout = 100 * time.Millisecond
	config.ConnectTimeout = 500 * time.Millisecond
	local := LocalIdentity{Namespace: "job-a", Unit: 0, Units: 2, NProcs: 1}
	client := NewMessageClient(local, 1, &config)

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	err = client.Run(ctx, fmt.Sprintf("127.0.0.1:%d", port))
	require.True(t, cerror.Is(err, cerror.ErrPeerUnreachable), "unexpected error %v", err)

	err = client.Send(ctx, &Message{Type: TypeAbort, Abort: &Abort{}})
	require.True(t, cerror.Is(err, cerror.ErrPeerConnectionLost))
}

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

	"google.golang.org/grpc"
)

const exchangeMethod = "/rdzv.p2p.Peer/Exchange"

// PeerServer is the server API of the rdzv.p2p.Peer service.
type PeerServer interface {
	// Exchange receives the messages of one peer unit.
	Exchange(PeerExchangeServer) error
}

// PeerExchangeServer is the server side of an Exchange stream.
type PeerExchangeServer interface {
	SendAndClose(*Ack) error
	Recv() (*Message, error)
	grpc.ServerStream
}

// PeerExchangeClient is the client side of an Exchange stream.
type PeerExchangeClient interface {
	Send(*Message) error
	CloseAndRecv() (*Ack, error)
	grpc.ClientStream
}

var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: "rdzv.p2p.Peer",
	HandlerType: (*PeerServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exchange",
			Handler:       exchangeHandler,
			ClientStreams: true,
		},
	},
	Metadata: "rdzv/p2p/peer",
}

// RegisterPeerServer registers srv on s.
func RegisterPeerServer(s grpc.ServiceRegistrar, srv PeerServer) {
	s.RegisterService(&peerServiceDesc, srv)
}

func exchangeHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(PeerServer).Exchange(&peerExchangeServer{stream})
}

type peerExchangeServer struct {
	grpc.ServerStream
}

func (x *peerExchangeServer) SendAndClose(m *Ack) error {
	return x.ServerStream.SendMsg(m)
}

func (x *peerExchangeServer) Recv() (*Message, error) {
	m := new(Message)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// NewPeerExchangeClient opens an Exchange stream on cc.
func NewPeerExchangeClient(
	ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption,
) (PeerExchangeClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := cc.NewStream(ctx, &peerServiceDesc.Streams[0], exchangeMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &peerExchangeClient{stream}, nil
}

type peerExchangeClient struct {
	grpc.ClientStream
}

func (x *peerExchangeClient) Send(m *Message) error {
	return x.ClientStream.SendMsg(m)
}

func (x *peerExchangeClient) CloseAndRecv() (*Ack, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(Ack)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

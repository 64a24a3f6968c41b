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
	"fmt"
)

// MessageType is the type of a peer message.
type MessageType uint8

// Message types.
const (
	TypeHello MessageType = iota + 1
	TypeContribution
	TypeAbort
	TypeModexRequest
	TypeModexResponse
	// TypeDone tells the receiver that all workers of the sender exited
	// successfully and it will not send further requests.
	TypeDone
)

func (t MessageType) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeContribution:
		return "contribution"
	case TypeAbort:
		return "abort"
	case TypeModexRequest:
		return "modex-request"
	case TypeModexResponse:
		return "modex-response"
	case TypeDone:
		return "done"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Message is the unit of the peer protocol. Exactly one of the body fields
// is set, according to Type.
type Message struct {
	Type      MessageType `msgpack:"type"`
	Namespace string      `msgpack:"ns"`
	Sender    int         `msgpack:"sender"`

	Hello         *Hello             `msgpack:"hello,omitempty"`
	Contribution  *FenceContribution `msgpack:"contribution,omitempty"`
	Abort         *Abort             `msgpack:"abort,omitempty"`
	ModexRequest  *ModexRequest      `msgpack:"modex_req,omitempty"`
	ModexResponse *ModexResponse     `msgpack:"modex_resp,omitempty"`
}

// Hello opens every stream. The receiver checks that both ends belong to
// the same job layout.
type Hello struct {
	Units  int `msgpack:"units"`
	NProcs int `msgpack:"nprocs"`
	// InstanceID changes when a unit restarts.
	InstanceID string `msgpack:"instance"`
	Version    string `msgpack:"version"`
}

// FenceContribution carries the data of one unit for one fence round.
type FenceContribution struct {
	// Set is the canonical process set descriptor.
	Set     string `msgpack:"set"`
	Seq     uint64 `msgpack:"seq"`
	Collect bool   `msgpack:"collect"`
	// Payload holds msgpack encoded kv entries.
	Payload []byte `msgpack:"payload,omitempty"`
}

// AbortClass tells the receiver how to classify a remote abort.
type AbortClass string

// Abort classes.
const (
	AbortWorkerFailure AbortClass = "worker"
	AbortCoordination  AbortClass = "coordination"
)

// Abort asks the receiver to abort its local workers.
type Abort struct {
	Class    AbortClass `msgpack:"class"`
	ExitCode int        `msgpack:"code"`
	Reason   string     `msgpack:"reason"`
}

// ModexRequest asks the owner of Rank for its visible entries.
type ModexRequest struct {
	ID   uint64 `msgpack:"id"`
	Rank int    `msgpack:"rank"`
}

// ModexResponse answers a ModexRequest.
type ModexResponse struct {
	ID      uint64 `msgpack:"id"`
	Rank    int    `msgpack:"rank"`
	Payload []byte `msgpack:"payload,omitempty"`
}

// Ack is the single response of an Exchange stream.
type Ack struct{}

// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package command models the semantic shape of the commands exchanged
// with the broker and the identifiers they carry. The
// wire-level marshalling of these commands is explicitly out of scope;
// this package exists so the rest of the module has concrete, comparable
// Go types to build against.
package command

import "fmt"

// ConnectionId uniquely identifies a client connection.
type ConnectionId string

// SessionId identifies a session within a connection.
type SessionId struct {
	ConnectionId ConnectionId
	Value        int64
}

func (s SessionId) String() string {
	return fmt.Sprintf("%s:%d", s.ConnectionId, s.Value)
}

// IsDefault reports whether this is the connection's default session,
// created with id-suffix -1.
func (s SessionId) IsDefault() bool {
	return s.Value == -1
}

// ConsumerId identifies a consumer within a session.
type ConsumerId struct {
	ConnectionId ConnectionId
	SessionValue int64
	Value        int64
}

func (c ConsumerId) String() string {
	return fmt.Sprintf("%s:%d:%d", c.ConnectionId, c.SessionValue, c.Value)
}

// SessionId reconstructs the owning session's id.
func (c ConsumerId) SessionId() SessionId {
	return SessionId{ConnectionId: c.ConnectionId, Value: c.SessionValue}
}

// ProducerId identifies a producer within a session.
type ProducerId struct {
	ConnectionId ConnectionId
	SessionValue int64
	Value        int64
}

func (p ProducerId) String() string {
	return fmt.Sprintf("%s:%d:%d", p.ConnectionId, p.SessionValue, p.Value)
}

// SessionId reconstructs the owning session's id.
func (p ProducerId) SessionId() SessionId {
	return SessionId{ConnectionId: p.ConnectionId, Value: p.SessionValue}
}

// MessageId identifies a single message: the producer that created it,
// its producer-local sequence number, and the broker-assigned sequence
// id used to break ties / order across producers.
type MessageId struct {
	ProducerId       ProducerId
	Sequence         int64
	BrokerSequenceId int64
}

func (m MessageId) String() string {
	return fmt.Sprintf("%s:%d", m.ProducerId, m.Sequence)
}

// TransactionId is an opaque value produced by the transaction
// coordinator; it is only ever compared for equality by this module.
type TransactionId struct {
	Value   string
	IsLocal bool
}

// Empty reports whether this id is the zero value, i.e. "no transaction".
func (t TransactionId) Empty() bool {
	return t.Value == ""
}

func (t TransactionId) String() string {
	return t.Value
}

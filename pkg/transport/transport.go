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

// Package transport defines the abstract collaborator the session/consumer
// runtime sends commands through and receives dispatches from. The
// concrete OpenWire framing and physical TCP/SSL/failover transport are
// explicitly out of scope; this package only gives the core something
// to compile and test against, plus a request/response correlator any real
// transport implementation can reuse.
package transport

import (
	"context"

	"github.com/apache-go-client/activemq-go/pkg/command"
)

// Dispatcher receives inbound MessageDispatches routed to it by a
// Transport. A Session implements this to fan dispatches out to its
// consumers.
type Dispatcher interface {
	Dispatch(d command.MessageDispatch)
}

// Transport is the abstract collaborator the core is written against:
// one-way and
// request/reply command sends, per-consumer dispatcher registration, and
// transport-interruption lifecycle callbacks.
type Transport interface {
	// Oneway sends cmd without waiting for a response.
	Oneway(cmd command.Command) error

	// SyncRequest sends cmd and blocks for the broker's response, bounded
	// by ctx.
	SyncRequest(ctx context.Context, cmd command.Command) (command.Command, error)

	// AddDispatcher registers d to receive inbound MessageDispatches for
	// id. RemoveDispatcher unregisters it.
	AddDispatcher(id command.ConsumerId, d Dispatcher)
	RemoveDispatcher(id command.ConsumerId)

	// OnInterrupted/OnResumed register callbacks invoked when the
	// underlying connection drops and is re-established.
	OnInterrupted(f func())
	OnResumed(f func())

	// TransportInterruptionProcessingComplete signals that id's
	// consumer has finished draining its in-flight state after an
	// interrupt, one of the conditions a
	// failover transport waits on before replaying state.
	TransportInterruptionProcessingComplete(id command.ConsumerId)
}

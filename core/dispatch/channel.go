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

// Package dispatch implements the per-consumer Dispatch Channel
// and the Session Executor that pumps dispatches out of those
// channels and into consumers.
package dispatch

import (
	"sync"
	"time"

	"github.com/apache-go-client/activemq-go/pkg/command"
)

// State is one of the three states a Channel can be in.
type State int

const (
	// Closed channels never return anything again; Enqueue still stores
	// dispatches, which are never delivered.
	Closed State = iota
	// Stopped channels accept Enqueue but Dequeue drains to empty then
	// returns nil.
	Stopped
	// Running channels behave normally.
	Running
)

// Channel is a bounded, closeable mailbox of pending MessageDispatches for
// one consumer. The two implementations are FIFO and Priority.
type Channel interface {
	// Enqueue appends m to the tail.
	Enqueue(m command.MessageDispatch)
	// EnqueueFirst pushes m to the head (priority-aware for Priority
	// channels: to the head of its priority bucket).
	EnqueueFirst(m command.MessageDispatch)

	// Dequeue blocks up to timeout for a dispatch. A negative timeout
	// blocks indefinitely; zero means no-wait. Returns nil on timeout or
	// once a Closed/emptied-Stopped channel has nothing left.
	Dequeue(timeout time.Duration) *command.MessageDispatch
	// DequeueNoWait is Dequeue(0).
	DequeueNoWait() *command.MessageDispatch

	// RemoveAll drains and returns every pending dispatch, in dequeue
	// order.
	RemoveAll() []command.MessageDispatch
	// Clear discards every pending dispatch without returning them.
	Clear()

	Start()
	Stop()
	Close()

	// State reports the channel's current lifecycle state.
	State() State

	Count() int
	Empty() bool

	// SyncRoot returns the channel's monitor, the stable lock object
	// consumers coordinate transport-interrupt clearing through. When a
	// caller needs both, the channel lock is acquired before the
	// dispatched-list lock.
	SyncRoot() *sync.Mutex
}

// priorityOf returns the internal 0..9 bucket for a dispatch's JMS
// priority, defaulting to 4.
func priorityOf(m command.MessageDispatch) int {
	p := 4
	if m.Message != nil {
		p = int(m.Message.Priority)
	}
	if p < 0 {
		p = 0
	}
	if p > 9 {
		p = 9
	}
	return p
}

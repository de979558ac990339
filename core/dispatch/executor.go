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

package dispatch

import (
	"runtime"
	"sync"
	"time"

	"github.com/apache-go-client/activemq-go/pkg/command"
	"github.com/apache-go-client/activemq-go/pkg/log"
)

// Target receives dispatches the Executor pumps to it. A consumer
// implements this.
type Target interface {
	Dispatch(d command.MessageDispatch)
}

// Executor is the single-consumer-at-a-time dispatch pump owned by a
// session: it drains a FIFO of pending dispatches in the order the
// broker sent them (except when ExecuteFirst is used to redispatch from
// the head, e.g. after listener registration or rollback) and hands each
// one to the target consumer looked up by ConsumerId.
type Executor struct {
	queue *FIFOChannel

	mu       sync.Mutex
	targets  map[command.ConsumerId]Target
	running  bool
	pumpDone chan struct{}
}

// NewExecutor returns a ready-to-use, stopped Executor.
func NewExecutor() *Executor {
	return &Executor{
		queue:   NewFIFOChannel(),
		targets: make(map[command.ConsumerId]Target),
	}
}

// SetTarget registers the consumer that owns id so dispatched messages
// can be routed to it.
func (e *Executor) SetTarget(id command.ConsumerId, t Target) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.targets[id] = t
}

// RemoveTarget unregisters id; any dispatch already queued for it is
// silently dropped by the pump.
func (e *Executor) RemoveTarget(id command.ConsumerId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.targets, id)
}

func (e *Executor) targetFor(id command.ConsumerId) (Target, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.targets[id]
	return t, ok
}

// Execute appends d to the tail of the pending queue.
func (e *Executor) Execute(d command.MessageDispatch) {
	e.queue.Enqueue(d)
}

// ExecuteFirst prepends d to the pending queue, used to redispatch
// messages from the head so their original order is preserved.
func (e *Executor) ExecuteFirst(d command.MessageDispatch) {
	e.queue.EnqueueFirst(d)
}

// Start launches the pump goroutine if it isn't already running.
func (e *Executor) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.pumpDone = make(chan struct{})
	done := e.pumpDone
	e.mu.Unlock()

	e.queue.Start()
	go e.pump(done)
}

func (e *Executor) pump(done chan struct{}) {
	defer close(done)
	dispatched := 0
	for {
		d := e.queue.Dequeue(-1)
		if d == nil {
			// Closed, or Stopped-and-drained: pump exits.
			return
		}
		if d.Message == nil {
			// Channel-close wake sentinel: nothing to dispatch.
			continue
		}
		target, ok := e.targetFor(d.ConsumerId)
		if !ok {
			log.Debugf("executor: dropping dispatch for unknown consumer %s", d.ConsumerId)
			continue
		}
		target.Dispatch(*d)

		dispatched++
		if dispatched%1000 == 0 {
			// Yield so a saturated pump can't starve the rest of the
			// process.
			runtime.Gosched()
		}
	}
}

// Stop requests the pump drain and exit, waiting up to timeout for it to
// do so. A negative timeout waits indefinitely. Returns true if the pump
// drained before the deadline.
func (e *Executor) Stop(timeout time.Duration) bool {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return true
	}
	done := e.pumpDone
	e.running = false
	e.mu.Unlock()

	e.queue.Stop()

	if timeout < 0 {
		<-done
		return true
	}
	if timeout == 0 {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Running reports whether the pump goroutine is active.
func (e *Executor) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Wakeup unblocks the pump's wait without enqueueing anything, e.g. after
// a target is newly registered.
func (e *Executor) Wakeup() {
	e.queue.Enqueue(command.MessageDispatch{})
}

// ClearMessagesInProgress discards every dispatch still sitting in the
// executor's own pending queue (as opposed to a specific consumer's
// channel, which each consumer clears itself).
func (e *Executor) ClearMessagesInProgress() {
	e.queue.Clear()
}

// Close tears the executor down unconditionally; any further Execute
// calls are accepted but never delivered.
func (e *Executor) Close() {
	e.queue.Close()
}

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
	"container/list"
	"sync"
	"time"

	"github.com/apache-go-client/activemq-go/pkg/command"
)

// FIFOChannel is the strict-arrival-order Channel implementation.
type FIFOChannel struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items *list.List
	state State
}

// NewFIFOChannel returns a ready-to-use, Running FIFOChannel.
func NewFIFOChannel() *FIFOChannel {
	c := &FIFOChannel{items: list.New(), state: Running}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *FIFOChannel) Enqueue(m command.MessageDispatch) {
	c.mu.Lock()
	c.items.PushBack(m)
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *FIFOChannel) EnqueueFirst(m command.MessageDispatch) {
	c.mu.Lock()
	c.items.PushFront(m)
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *FIFOChannel) Dequeue(timeout time.Duration) *command.MessageDispatch {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.state == Closed {
			return nil
		}

		if e := c.items.Front(); e != nil {
			v := c.items.Remove(e).(command.MessageDispatch)
			return &v
		}

		if c.state == Stopped {
			// Stopped + empty: Dequeue returns nil once drained.
			return nil
		}

		if timeout == 0 {
			return nil
		}

		if timeout < 0 {
			c.cond.Wait()
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		c.waitTimeout(remaining)
	}
}

// waitTimeout waits on the condition variable for at most d, assuming the
// caller holds c.mu (as cond.Wait requires).
func (c *FIFOChannel) waitTimeout(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()
	c.cond.Wait()
}

func (c *FIFOChannel) DequeueNoWait() *command.MessageDispatch {
	return c.Dequeue(0)
}

func (c *FIFOChannel) RemoveAll() []command.MessageDispatch {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]command.MessageDispatch, 0, c.items.Len())
	for e := c.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(command.MessageDispatch))
	}
	c.items.Init()
	return out
}

func (c *FIFOChannel) Clear() {
	c.mu.Lock()
	c.items.Init()
	c.mu.Unlock()
}

func (c *FIFOChannel) Start() {
	c.mu.Lock()
	if c.state != Closed {
		c.state = Running
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *FIFOChannel) Stop() {
	c.mu.Lock()
	if c.state != Closed {
		c.state = Stopped
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *FIFOChannel) Close() {
	c.mu.Lock()
	c.state = Closed
	c.items.Init()
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *FIFOChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *FIFOChannel) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}

func (c *FIFOChannel) Empty() bool {
	return c.Count() == 0
}

func (c *FIFOChannel) SyncRoot() *sync.Mutex {
	return &c.mu
}

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

const numPriorities = 10

// PriorityChannel holds ten FIFO sub-queues indexed 0..9 by JMS message
// priority (default 4) and dequeues highest-priority-first.
type PriorityChannel struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets [numPriorities]*list.List
	state   State
}

// NewPriorityChannel returns a ready-to-use, Running PriorityChannel.
func NewPriorityChannel() *PriorityChannel {
	c := &PriorityChannel{state: Running}
	for i := range c.buckets {
		c.buckets[i] = list.New()
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *PriorityChannel) Enqueue(m command.MessageDispatch) {
	c.mu.Lock()
	c.buckets[priorityOf(m)].PushBack(m)
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *PriorityChannel) EnqueueFirst(m command.MessageDispatch) {
	c.mu.Lock()
	c.buckets[priorityOf(m)].PushFront(m)
	c.mu.Unlock()
	c.cond.Broadcast()
}

// highestPendingLocked returns the highest-priority non-empty bucket, or
// nil if all are empty. Caller must hold c.mu.
func (c *PriorityChannel) highestPendingLocked() *list.List {
	for p := numPriorities - 1; p >= 0; p-- {
		if c.buckets[p].Len() > 0 {
			return c.buckets[p]
		}
	}
	return nil
}

func (c *PriorityChannel) Dequeue(timeout time.Duration) *command.MessageDispatch {
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

		if bucket := c.highestPendingLocked(); bucket != nil {
			e := bucket.Front()
			v := bucket.Remove(e).(command.MessageDispatch)
			return &v
		}

		if c.state == Stopped {
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

func (c *PriorityChannel) waitTimeout(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()
	c.cond.Wait()
}

func (c *PriorityChannel) DequeueNoWait() *command.MessageDispatch {
	return c.Dequeue(0)
}

func (c *PriorityChannel) RemoveAll() []command.MessageDispatch {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []command.MessageDispatch
	for p := numPriorities - 1; p >= 0; p-- {
		for e := c.buckets[p].Front(); e != nil; e = e.Next() {
			out = append(out, e.Value.(command.MessageDispatch))
		}
		c.buckets[p].Init()
	}
	return out
}

func (c *PriorityChannel) Clear() {
	c.mu.Lock()
	for _, b := range c.buckets {
		b.Init()
	}
	c.mu.Unlock()
}

func (c *PriorityChannel) Start() {
	c.mu.Lock()
	if c.state != Closed {
		c.state = Running
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *PriorityChannel) Stop() {
	c.mu.Lock()
	if c.state != Closed {
		c.state = Stopped
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *PriorityChannel) Close() {
	c.mu.Lock()
	c.state = Closed
	for _, b := range c.buckets {
		b.Init()
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *PriorityChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *PriorityChannel) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.buckets {
		n += b.Len()
	}
	return n
}

func (c *PriorityChannel) Empty() bool {
	return c.Count() == 0
}

func (c *PriorityChannel) SyncRoot() *sync.Mutex {
	return &c.mu
}

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

package transport

import (
	"fmt"
	"sync"

	"github.com/apache-go-client/activemq-go/pkg/command"
)

// Correlator matches request ids to the eventual response command. A
// real Transport implementation (out of scope here) would use one of
// these keyed by whatever request id the wire protocol carries;
// MockTransport does not use one.
type Correlator struct {
	mu      sync.Mutex
	waiters map[uint64]chan command.Command
}

// NewCorrelator returns a ready-to-use Correlator.
func NewCorrelator() *Correlator {
	return &Correlator{waiters: make(map[uint64]chan command.Command)}
}

// Register reserves reqID and returns the channel its response will be
// delivered on, plus a cancel func that must be called once the caller is
// done waiting (whether or not a response arrived) to release the slot.
func (c *Correlator) Register(reqID uint64) (resp <-chan command.Command, cancel func(), err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.waiters[reqID]; exists {
		return nil, nil, fmt.Errorf("request id %d already registered", reqID)
	}

	ch := make(chan command.Command, 1)
	c.waiters[reqID] = ch

	cancel = func() {
		c.mu.Lock()
		delete(c.waiters, reqID)
		c.mu.Unlock()
	}

	return ch, cancel, nil
}

// Notify delivers cmd to whoever registered reqID. It is a no-op (not an
// error) if nobody is waiting, since the caller may have already timed out
// and cancelled.
func (c *Correlator) Notify(reqID uint64, cmd command.Command) {
	c.mu.Lock()
	ch, ok := c.waiters[reqID]
	c.mu.Unlock()

	if !ok {
		return
	}

	select {
	case ch <- cmd:
	default:
	}
}

// Pending returns the number of requests currently awaiting a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

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
	"context"
	"sync"

	"github.com/apache-go-client/activemq-go/pkg/command"
)

// MockTransport is the one test double used by this module's test files.
// It records every command sent and lets a test script the response to
// the next SyncRequest via QueueResponse/QueueError.
type MockTransport struct {
	mu       sync.Mutex
	Oneways  []command.Command
	Requests []command.Command

	dispatchers map[command.ConsumerId]Dispatcher

	interrupted []func()
	resumed     []func()

	interruptComplete []command.ConsumerId

	respQueue []command.Command
	errQueue  []error
}

// NewMockTransport returns a ready-to-use MockTransport.
func NewMockTransport() *MockTransport {
	return &MockTransport{dispatchers: make(map[command.ConsumerId]Dispatcher)}
}

// Oneway records cmd and always succeeds.
func (m *MockTransport) Oneway(cmd command.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Oneways = append(m.Oneways, cmd)
	return nil
}

// SyncRequest records cmd and returns the next queued response/error, set
// up in advance via QueueResponse/QueueError. If nothing is queued, the
// command itself is echoed back as the response.
func (m *MockTransport) SyncRequest(ctx context.Context, cmd command.Command) (command.Command, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, cmd)

	if len(m.errQueue) > 0 {
		err := m.errQueue[0]
		m.errQueue = m.errQueue[1:]
		m.mu.Unlock()
		return nil, err
	}
	if len(m.respQueue) > 0 {
		resp := m.respQueue[0]
		m.respQueue = m.respQueue[1:]
		m.mu.Unlock()
		return resp, nil
	}
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return cmd, nil
}

// QueueResponse arranges for the next SyncRequest call to succeed with
// resp.
func (m *MockTransport) QueueResponse(resp command.Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.respQueue = append(m.respQueue, resp)
}

// QueueError arranges for the next SyncRequest call to fail with err,
// modelling a BrokerRejection.
func (m *MockTransport) QueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errQueue = append(m.errQueue, err)
}

// AddDispatcher registers d for id.
func (m *MockTransport) AddDispatcher(id command.ConsumerId, d Dispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatchers[id] = d
}

// RemoveDispatcher unregisters id's dispatcher.
func (m *MockTransport) RemoveDispatcher(id command.ConsumerId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dispatchers, id)
}

// Push delivers d to whatever dispatcher is registered for its
// ConsumerId, simulating an inbound broker push. It is a no-op if no
// dispatcher is registered (dropped mid-flight).
func (m *MockTransport) Push(d command.MessageDispatch) {
	m.mu.Lock()
	disp, ok := m.dispatchers[d.ConsumerId]
	m.mu.Unlock()
	if ok {
		disp.Dispatch(d)
	}
}

// OnInterrupted registers f to be invoked by SimulateInterrupt.
func (m *MockTransport) OnInterrupted(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interrupted = append(m.interrupted, f)
}

// OnResumed registers f to be invoked by SimulateResume.
func (m *MockTransport) OnResumed(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumed = append(m.resumed, f)
}

// SimulateInterrupt invokes every registered OnInterrupted callback.
func (m *MockTransport) SimulateInterrupt() {
	m.mu.Lock()
	cbs := append([]func(){}, m.interrupted...)
	m.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// SimulateResume invokes every registered OnResumed callback.
func (m *MockTransport) SimulateResume() {
	m.mu.Lock()
	cbs := append([]func(){}, m.resumed...)
	m.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// TransportInterruptionProcessingComplete records that id finished
// interrupt processing, observable via InterruptCompletions.
func (m *MockTransport) TransportInterruptionProcessingComplete(id command.ConsumerId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interruptComplete = append(m.interruptComplete, id)
}

// InterruptCompletions returns the consumer ids that have signalled
// completed interrupt processing, in order.
func (m *MockTransport) InterruptCompletions() []command.ConsumerId {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]command.ConsumerId, len(m.interruptComplete))
	copy(out, m.interruptComplete)
	return out
}

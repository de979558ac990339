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

// Package state implements the Connection State Tracker: a
// write-mostly registry of the objects the client has created at the
// broker, so a failover transport can replay connection/session/
// producer/consumer/transaction creation after a reconnect, parent before
// child.
package state

import (
	"sync"

	"github.com/apache-go-client/activemq-go/pkg/command"
	"github.com/apache-go-client/activemq-go/pkg/errkind"
)

// ProducerState holds the ProducerInfo needed to re-register a producer
// on reconnect.
type ProducerState struct {
	Info command.ProducerInfo
}

// ConsumerState holds the ConsumerInfo needed to re-register a consumer
// on reconnect.
type ConsumerState struct {
	Info command.ConsumerInfo
}

// TransactionState tracks a single in-flight transaction: the ordered
// commands issued inside it (for failover replay), and its prepare vote.
type TransactionState struct {
	mu       sync.Mutex
	commands []command.Command
	prepared bool
	vote     int
	shutdown bool
}

// AddCommand appends cmd to the transaction's replay log.
func (t *TransactionState) AddCommand(cmd command.Command) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shutdown {
		return errkind.Wrap(errkind.ErrObjectClosed, "transaction state is disposed")
	}
	t.commands = append(t.commands, cmd)
	return nil
}

// Commands returns a snapshot of the transaction's replay log.
func (t *TransactionState) Commands() []command.Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]command.Command, len(t.commands))
	copy(out, t.commands)
	return out
}

// SetPrepared records the two-phase-commit prepare vote.
func (t *TransactionState) SetPrepared(vote int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prepared = true
	t.vote = vote
}

// Prepared reports whether Prepare has been voted on, and the vote.
func (t *TransactionState) Prepared() (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prepared, t.vote
}

func (t *TransactionState) shutdownState() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shutdown = true
}

// SessionState owns the producers and consumers created on one session.
type SessionState struct {
	Info command.SessionInfo

	mu        sync.Mutex
	producers map[command.ProducerId]*ProducerState
	consumers map[command.ConsumerId]*ConsumerState
	shutdown  bool
}

func newSessionState(info command.SessionInfo) *SessionState {
	return &SessionState{
		Info:      info,
		producers: make(map[command.ProducerId]*ProducerState),
		consumers: make(map[command.ConsumerId]*ConsumerState),
	}
}

// AddProducer registers a producer's re-creation state.
func (s *SessionState) AddProducer(info command.ProducerInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return errkind.Wrap(errkind.ErrObjectClosed, "session state is disposed")
	}
	s.producers[info.ProducerId] = &ProducerState{Info: info}
	return nil
}

// RemoveProducer drops a producer's re-creation state.
func (s *SessionState) RemoveProducer(id command.ProducerId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.producers, id)
}

// AddConsumer registers a consumer's re-creation state.
func (s *SessionState) AddConsumer(info command.ConsumerInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return errkind.Wrap(errkind.ErrObjectClosed, "session state is disposed")
	}
	s.consumers[info.ConsumerId] = &ConsumerState{Info: info}
	return nil
}

// RemoveConsumer drops a consumer's re-creation state.
func (s *SessionState) RemoveConsumer(id command.ConsumerId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consumers, id)
}

// Producers returns a snapshot of the registered producer states.
func (s *SessionState) Producers() []*ProducerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ProducerState, 0, len(s.producers))
	for _, p := range s.producers {
		out = append(out, p)
	}
	return out
}

// Consumers returns a snapshot of the registered consumer states.
func (s *SessionState) Consumers() []*ConsumerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ConsumerState, 0, len(s.consumers))
	for _, c := range s.consumers {
		out = append(out, c)
	}
	return out
}

func (s *SessionState) shutdownState() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
}

// ConnectionState is the root of the tracker's tree:
// Connection -> Sessions -> {Producers, Consumers}, Transactions, and
// temporary Destinations.
type ConnectionState struct {
	mu sync.Mutex

	info             command.ConnectionInfo
	sessions         map[command.SessionId]*SessionState
	transactions     map[string]*TransactionState
	tempDestinations []command.DestinationInfo
	// recoveryConsumers holds consumers whose recovery needs an
	// outstanding pull: zero-prefetch consumers that had an
	// in-flight MessagePull at the time of interruption.
	recoveryConsumers map[command.ConsumerId]command.ConsumerInfo

	shutdown bool
}

// NewConnectionState returns a tracker seeded with info and one default
// session (id-suffix -1).
func NewConnectionState(info command.ConnectionInfo) *ConnectionState {
	cs := &ConnectionState{
		info:              info,
		sessions:          make(map[command.SessionId]*SessionState),
		transactions:      make(map[string]*TransactionState),
		recoveryConsumers: make(map[command.ConsumerId]command.ConsumerInfo),
	}
	defaultID := command.SessionId{ConnectionId: info.ConnectionId, Value: -1}
	cs.sessions[defaultID] = newSessionState(command.SessionInfo{SessionId: defaultID})
	return cs
}

// Info returns the current ConnectionInfo.
func (c *ConnectionState) Info() command.ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// AddSession registers a new session.
func (c *ConnectionState) AddSession(info command.SessionInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return errkind.Wrap(errkind.ErrObjectClosed, "connection state is disposed")
	}
	c.sessions[info.SessionId] = newSessionState(info)
	return nil
}

// RemoveSession drops a session and all of its children.
func (c *ConnectionState) RemoveSession(id command.SessionId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[id]; ok {
		s.shutdownState()
		delete(c.sessions, id)
	}
}

// Session looks up a tracked session by id.
func (c *ConnectionState) Session(id command.SessionId) (*SessionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// Sessions returns a snapshot of all tracked sessions.
func (c *ConnectionState) Sessions() []*SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*SessionState, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// AddTempDestination registers a temporary destination.
func (c *ConnectionState) AddTempDestination(info command.DestinationInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return errkind.Wrap(errkind.ErrObjectClosed, "connection state is disposed")
	}
	c.tempDestinations = append(c.tempDestinations, info)
	return nil
}

// RemoveTempDestination removes the first registration matching dest's
// name.
func (c *ConnectionState) RemoveTempDestination(dest command.Destination) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, d := range c.tempDestinations {
		if d.Destination.Name == dest.Name {
			c.tempDestinations = append(c.tempDestinations[:i], c.tempDestinations[i+1:]...)
			return
		}
	}
}

// TempDestinations returns a snapshot of registered temporary
// destinations, in registration order (parent-before-child replay).
func (c *ConnectionState) TempDestinations() []command.DestinationInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]command.DestinationInfo, len(c.tempDestinations))
	copy(out, c.tempDestinations)
	return out
}

// AddTransactionState registers a new in-flight transaction.
func (c *ConnectionState) AddTransactionState(id command.TransactionId) (*TransactionState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return nil, errkind.Wrap(errkind.ErrObjectClosed, "connection state is disposed")
	}
	ts := &TransactionState{}
	c.transactions[id.Value] = ts
	return ts, nil
}

// RemoveTransactionState drops a completed (committed/rolled-back)
// transaction.
func (c *ConnectionState) RemoveTransactionState(id command.TransactionId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.transactions[id.Value]; ok {
		ts.shutdownState()
		delete(c.transactions, id.Value)
	}
}

// TransactionStateFor looks up an in-flight transaction by id.
func (c *ConnectionState) TransactionStateFor(id command.TransactionId) (*TransactionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.transactions[id.Value]
	return ts, ok
}

// Transactions returns the ids of every in-flight transaction.
func (c *ConnectionState) Transactions() []command.TransactionId {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]command.TransactionId, 0, len(c.transactions))
	for v := range c.transactions {
		out = append(out, command.TransactionId{Value: v})
	}
	return out
}

// AddRecoveryConsumer marks id as needing an outstanding pull on
// recovery.
func (c *ConnectionState) AddRecoveryConsumer(info command.ConsumerInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recoveryConsumers[info.ConsumerId] = info
}

// RemoveRecoveryConsumer clears id's recovery-pull marker.
func (c *ConnectionState) RemoveRecoveryConsumer(id command.ConsumerId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.recoveryConsumers, id)
}

// Reset installs a new ConnectionInfo and empties all children, used on
// client-id re-negotiation.
func (c *ConnectionState) Reset(info command.ConnectionInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.sessions {
		s.shutdownState()
	}
	for _, ts := range c.transactions {
		ts.shutdownState()
	}

	c.info = info
	c.sessions = make(map[command.SessionId]*SessionState)
	c.transactions = make(map[string]*TransactionState)
	c.tempDestinations = nil
	c.recoveryConsumers = make(map[command.ConsumerId]command.ConsumerInfo)
	c.shutdown = false

	defaultID := command.SessionId{ConnectionId: info.ConnectionId, Value: -1}
	c.sessions[defaultID] = newSessionState(command.SessionInfo{SessionId: defaultID})
}

// Shutdown marks the tracker disposed, cascading to every session, after
// which AddSession, AddTempDestination and AddTransactionState fail with
// ErrObjectClosed. The Remove* methods, the recovery-consumer methods and
// Reset do not check the flag and still apply after Shutdown.
func (c *ConnectionState) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return
	}
	c.shutdown = true
	for _, s := range c.sessions {
		s.shutdownState()
	}
	for _, ts := range c.transactions {
		ts.shutdownState()
	}
}

// IsShutdown reports whether Shutdown has been called.
func (c *ConnectionState) IsShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

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

// Package txn implements the per-session local transaction context:
// begin/commit/rollback bookkeeping and the ordered
// synchronization callbacks that consumers and producers hook into.
package txn

import (
	"context"
	"sync"

	"github.com/apache-go-client/activemq-go/pkg/command"
	"github.com/apache-go-client/activemq-go/pkg/errkind"
	"github.com/apache-go-client/activemq-go/pkg/log"
	"github.com/apache-go-client/activemq-go/pkg/transport"
)

// Synchronization receives the three transaction lifecycle callbacks. A
// consumer registers one to commit or roll back its own pending acks in
// step with the session's transaction.
type Synchronization interface {
	BeforeEnd()
	AfterCommit()
	AfterRollback()
}

// IDGenerator produces the string portion of a new local TransactionId.
type IDGenerator interface {
	NextTransactionId() string
}

// Context is the per-session transaction context. It is not safe to
// share across sessions; each session owns exactly one.
type Context struct {
	sessionId command.SessionId
	transport transport.Transport
	ids       IDGenerator

	mu                 sync.Mutex
	txId               command.TransactionId
	inLocalTransaction bool
	inNetTransaction   bool
	syncs              []Synchronization
	syncSet            map[Synchronization]struct{}
}

// NewContext returns a Context bound to sessionId, sending its
// TransactionInfo commands over t. ids supplies new local transaction
// identifiers.
func NewContext(sessionId command.SessionId, t transport.Transport, ids IDGenerator) *Context {
	return &Context{
		sessionId: sessionId,
		transport: t,
		ids:       ids,
		syncSet:   make(map[Synchronization]struct{}),
	}
}

// SessionId returns the session this context belongs to.
func (c *Context) SessionId() command.SessionId {
	return c.sessionId
}

// InLocalTransaction reports whether a local transaction is active.
func (c *Context) InLocalTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inLocalTransaction
}

// InNetTransaction reports whether an externally-controlled distributed
// transaction is active for this session (set by SetNetTransactionId,
// never by Begin/Commit/Rollback).
func (c *Context) InNetTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inNetTransaction
}

// TransactionId returns the current transaction id, or the zero value
// if none is active.
func (c *Context) TransactionId() command.TransactionId {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txId
}

// SetNetTransactionId installs an externally-supplied TransactionId,
// e.g. one driven by an XA transaction manager, and marks the context
// as under net-transaction control. Collaborating with such a manager
// is out of scope for this module; this only records the
// id so in-scope code can branch on InNetTransaction.
func (c *Context) SetNetTransactionId(id command.TransactionId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txId = id
	c.inNetTransaction = true
	c.inLocalTransaction = false
}

// ClearNetTransactionId drops the externally-supplied id.
func (c *Context) ClearNetTransactionId() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txId = command.TransactionId{}
	c.inNetTransaction = false
}

// AddSynchronization registers s to receive the before-end/after-commit/
// after-rollback callbacks. Adding the same instance twice is a no-op.
func (c *Context) AddSynchronization(s Synchronization) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.syncSet[s]; ok {
		return
	}
	c.syncSet[s] = struct{}{}
	c.syncs = append(c.syncs, s)
}

// Begin starts a new local transaction if one isn't already active.
// Calling Begin again while one is active is a no-op (idempotent).
func (c *Context) Begin(ctx context.Context) error {
	c.mu.Lock()
	if c.inLocalTransaction {
		c.mu.Unlock()
		return nil
	}
	if c.inNetTransaction {
		c.mu.Unlock()
		return errkind.Wrap(errkind.ErrInvalidOperation, "begin: session is under external transaction control")
	}
	id := command.TransactionId{Value: c.ids.NextTransactionId(), IsLocal: true}
	c.mu.Unlock()

	info := command.TransactionInfo{TransactionId: id, Type: command.TxBegin}
	if err := c.transport.Oneway(info); err != nil {
		return errkind.Wrap(errkind.ErrConnectionFailure, "begin transaction %s: %v", id, err)
	}

	c.mu.Lock()
	c.txId = id
	c.inLocalTransaction = true
	c.mu.Unlock()
	return nil
}

// Commit ends the active local transaction. BeforeEnd runs on every
// synchronization in registration order, then TransactionInfo{COMMIT_ONE_PHASE}
// is sent synchronously; success fires AfterCommit on all, broker
// rejection fires AfterRollback on all and the rejection is returned as
// an error. Synchronizations and the transaction id are cleared either
// way.
func (c *Context) Commit(ctx context.Context) error {
	c.mu.Lock()
	if !c.inLocalTransaction {
		c.mu.Unlock()
		return errkind.Wrap(errkind.ErrInvalidOperation, "commit: no active local transaction")
	}
	id := c.txId
	syncs := c.syncsSnapshotLocked()
	c.mu.Unlock()

	runBeforeEnd(syncs)

	info := command.TransactionInfo{TransactionId: id, Type: command.TxCommitOnePhase}
	_, err := c.transport.SyncRequest(ctx, info)

	c.clear()

	if err != nil {
		runAfterRollback(syncs)
		return errkind.Wrap(errkind.ErrBrokerRejection, "commit transaction %s rejected: %v", id, err)
	}
	runAfterCommit(syncs)
	return nil
}

// Rollback ends the active local transaction, always invoking
// AfterRollback regardless of whether the broker request succeeds.
func (c *Context) Rollback(ctx context.Context) error {
	c.mu.Lock()
	if !c.inLocalTransaction {
		c.mu.Unlock()
		return errkind.Wrap(errkind.ErrInvalidOperation, "rollback: no active local transaction")
	}
	id := c.txId
	syncs := c.syncsSnapshotLocked()
	c.mu.Unlock()

	runBeforeEnd(syncs)

	info := command.TransactionInfo{TransactionId: id, Type: command.TxRollback}
	_, err := c.transport.SyncRequest(ctx, info)

	c.clear()
	runAfterRollback(syncs)

	if err != nil {
		return errkind.Wrap(errkind.ErrConnectionFailure, "rollback transaction %s: %v", id, err)
	}
	return nil
}

func (c *Context) syncsSnapshotLocked() []Synchronization {
	out := make([]Synchronization, len(c.syncs))
	copy(out, c.syncs)
	return out
}

func (c *Context) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txId = command.TransactionId{}
	c.inLocalTransaction = false
	c.syncs = nil
	c.syncSet = make(map[Synchronization]struct{})
}

// runBeforeEnd, runAfterCommit and runAfterRollback are run outside the
// context's own lock since synchronizations call back into consumer and
// producer state. A panicking synchronization is logged and does not
// stop the remaining ones from running.
func runBeforeEnd(syncs []Synchronization) {
	for _, s := range syncs {
		safeCall("BeforeEnd", s.BeforeEnd)
	}
}

func runAfterCommit(syncs []Synchronization) {
	for _, s := range syncs {
		safeCall("AfterCommit", s.AfterCommit)
	}
}

func runAfterRollback(syncs []Synchronization) {
	for _, s := range syncs {
		safeCall("AfterRollback", s.AfterRollback)
	}
}

func safeCall(phase string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("txn: synchronization %s panicked: %v", phase, r)
		}
	}()
	f()
}

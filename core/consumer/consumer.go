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

// Package consumer implements the Message Consumer: synchronous
// and listener-driven delivery over a per-consumer dispatch.Channel, the
// five-mode ack engine, transactional rollback/commit, and the
// transport-interrupt and close/shutdown sequences.
package consumer

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache-go-client/activemq-go/core/dispatch"
	"github.com/apache-go-client/activemq-go/core/txn"
	"github.com/apache-go-client/activemq-go/pkg/command"
	"github.com/apache-go-client/activemq-go/pkg/config"
	"github.com/apache-go-client/activemq-go/pkg/errkind"
	"github.com/apache-go-client/activemq-go/pkg/log"
	"github.com/apache-go-client/activemq-go/pkg/transport"
)

// AckMode is one of the five acknowledgement modes the ack engine
// implements.
type AckMode int

const (
	AutoAcknowledgeEach AckMode = iota
	AutoAcknowledgeBatch
	ClientAcknowledge
	IndividualAcknowledge
	Transacted
)

// Listener receives messages pushed by the dispatch pump. A listener
// that returns an error is handled per the ack-mode exception policy.
type Listener func(msg *command.Message) error

// Owner is the session-shaped view a Consumer needs of its parent: the
// transport to send acks/pulls over, the executor to redispatch
// through, the transaction context when the session is transacted, and
// the ack mode and channel kind the session was configured with.
type Owner interface {
	Transport() transport.Transport
	Executor() *dispatch.Executor
	TransactionContext() *txn.Context
	AckMode() AckMode
	PrioritySupported() bool
	RemoveConsumer(id command.ConsumerId)
}

// Consumer is one registered ConsumerInfo's client-side state: the
// dispatch channel, the dispatched-but-unacked bookkeeping, and the
// pending coalesced ack.
type Consumer struct {
	owner            Owner
	info             command.ConsumerInfo
	channel          dispatch.Channel
	redeliveryPolicy RedeliveryPolicy
	ignoreExpiration bool
	timers           *dispatch.TimerService

	mu                   sync.Mutex
	listener             Listener
	dispatchedMessages   *list.List // of command.MessageDispatch
	pendingAck           *command.MessageAck
	deliveredCounter     int
	additionalWindowSize int
	clearDispatchList    bool
	closed               bool
	failureErr           error
	cancelPendingStart   dispatch.Cancel

	deliveringAcks int32 // CAS flag; keeps ack delivery single-flight
}

// New constructs a Consumer for info, owned by owner. Destination must
// be non-nil. nms carries the consumer.nms.
// URI-derived local options; policy may be nil to use the default
// exponential backoff policy.
func New(owner Owner, info command.ConsumerInfo, nms config.ConsumerNMSOptions, policy RedeliveryPolicy, timers *dispatch.TimerService) (*Consumer, error) {
	if info.Destination.IsNil() {
		return nil, errkind.Wrap(errkind.ErrInvalidDestination, "consumer %s: destination is required", info.ConsumerId)
	}

	var ch dispatch.Channel
	if owner.PrioritySupported() {
		ch = dispatch.NewPriorityChannel()
	} else {
		ch = dispatch.NewFIFOChannel()
	}

	if policy == nil {
		policy = NewExponentialBackoffPolicy()
	}

	c := &Consumer{
		owner:              owner,
		info:               info,
		channel:            ch,
		redeliveryPolicy:   policy,
		ignoreExpiration:   nms.IgnoreExpiration,
		timers:             timers,
		dispatchedMessages: list.New(),
	}
	owner.Executor().SetTarget(info.ConsumerId, c)
	return c, nil
}

// Info returns the ConsumerInfo this consumer was registered with.
func (c *Consumer) Info() command.ConsumerInfo {
	return c.info
}

// SetListener installs an asynchronous message listener. Prefetch must
// be greater than zero. Installing a
// listener briefly stops the channel, redispatches any queued
// messages at the head (preserving order), then restarts.
func (c *Consumer) SetListener(l Listener) error {
	if l != nil && c.info.PrefetchSize <= 0 {
		return errkind.Wrap(errkind.ErrInvalidOperation, "consumer %s: listener requires prefetch > 0", c.info.ConsumerId)
	}

	c.channel.Stop()
	pending := c.channel.RemoveAll()

	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()

	c.channel.Start()
	c.redispatch(pending)
	return nil
}

// redispatch re-submits pending at the head of the executor, preserving
// original order: the snapshot is walked in reverse and each pushed to
// the executor's head.
func (c *Consumer) redispatch(pending []command.MessageDispatch) {
	exec := c.owner.Executor()
	for i := len(pending) - 1; i >= 0; i-- {
		exec.ExecuteFirst(pending[i])
	}
}

// Dispatch is the inbound pipeline invoked by the session executor's
// pump.
func (c *Consumer) Dispatch(d command.MessageDispatch) {
	c.mu.Lock()
	if c.clearDispatchList {
		// Transport interrupt in progress: drop everything queued and
		// invalidate a pending DeliveredAck (a ConsumedAck must still
		// reach the broker, so it is kept).
		if c.pendingAck != nil && c.pendingAck.AckType == command.AckTypeDelivered {
			c.pendingAck = nil
		}
		c.mu.Unlock()
		c.channel.Clear()
		return
	}
	listener := c.listener
	c.mu.Unlock()

	if c.channel.State() == dispatch.Closed {
		return
	}

	if listener != nil && c.channel.State() == dispatch.Running {
		c.dispatchToListener(d, listener)
		return
	}

	c.channel.Enqueue(d)
}

func (c *Consumer) dispatchToListener(d command.MessageDispatch, l Listener) {
	msg := d.Message
	if msg == nil {
		return
	}

	c.beforeMessageIsConsumed(d)

	expired := !c.ignoreExpiration && msg.Expired(time.Now())

	var listenerErr error
	if !expired {
		listenerErr = c.invokeListenerSafely(l, msg)
	}

	c.afterMessageIsConsumed(expired, listenerErr)
}

func (c *Consumer) invokeListenerSafely(l Listener, msg *command.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("consumer %s: listener panicked: %v", c.info.ConsumerId, r)
			err = errkind.Wrap(errkind.ErrInvalidOperation, "listener panicked: %v", r)
		}
	}()
	return l(msg)
}

// recordDelivery appends d to dispatchedMessages and bumps the delivered
// counter; this happens for every delivery regardless of ack mode or
// whether it arrived via listener or synchronous receive.
func (c *Consumer) recordDelivery(d command.MessageDispatch) {
	c.mu.Lock()
	c.dispatchedMessages.PushBack(d)
	c.deliveredCounter++
	c.mu.Unlock()
}

// beforeMessageIsConsumed runs before the application sees the message:
// it records the delivery, and for transacted sessions registers this
// consumer as a transaction synchronization (idempotent:
// txn.Context.AddSynchronization dedupes by instance) and stakes a
// coalesced DeliveredAck in pendingAck. That ack is not sent while the
// transaction is open: AfterCommit and AfterRollback discard it, and
// only Shutdown sends one that is still pending.
func (c *Consumer) beforeMessageIsConsumed(d command.MessageDispatch) {
	c.recordDelivery(d)

	if c.owner.AckMode() != Transacted {
		return
	}
	if tc := c.owner.TransactionContext(); tc != nil {
		tc.AddSynchronization(c)
	}
	c.ackLater(command.AckTypeDelivered)
}

// afterMessageIsConsumed runs the ack-mode-specific "on each delivery"
// action of the ack engine. listenerErr is non-nil when
// called from the listener path and the listener raised; the exception
// policy decides whether that counts as consumed or triggers
// redelivery.
func (c *Consumer) afterMessageIsConsumed(expired bool, listenerErr error) {
	mode := c.owner.AckMode()

	if listenerErr != nil {
		switch mode {
		case ClientAcknowledge, Transacted:
			// Treated as consumed so delivery advances; error propagates
			// to the connection's exception listener (not modeled here).
		default:
			c.markHeadForRedelivery()
			return
		}
	}

	if expired && !c.ignoreExpiration {
		// An implicit consumption: the broker only needs its prefetch
		// credit back, never a consumed ack for a message the
		// application never saw. A transacted consumer already staked
		// the DeliveredAck in beforeMessageIsConsumed.
		if mode != Transacted {
			c.ackLater(command.AckTypeDelivered)
		}
		return
	}

	switch mode {
	case AutoAcknowledgeEach:
		c.flushConsumedImmediate()
	case AutoAcknowledgeBatch:
		c.ackLater(command.AckTypeConsumed)
		c.maybeFlushHalfPrefetch()
	case ClientAcknowledge, IndividualAcknowledge:
		c.ackLater(command.AckTypeDelivered)
		c.maybeFlushHalfPrefetch()
	case Transacted:
		// DeliveredAck already staked in beforeMessageIsConsumed; commit/
		// rollback handle the rest via the synchronization callbacks.
	}
}

// markHeadForRedelivery drops the most recently recorded dispatch back
// out of dispatchedMessages so it is eligible for redelivery instead of
// being treated as consumed (non-transacted, non-client-ack listener
// exception policy).
func (c *Consumer) markHeadForRedelivery() {
	c.mu.Lock()
	if e := c.dispatchedMessages.Back(); e != nil {
		c.dispatchedMessages.Remove(e)
		if c.deliveredCounter > 0 {
			c.deliveredCounter--
		}
	}
	c.mu.Unlock()
}

func (c *Consumer) currentTransactionId() *command.TransactionId {
	if c.owner.AckMode() != Transacted {
		return nil
	}
	tc := c.owner.TransactionContext()
	if tc == nil || !tc.InLocalTransaction() {
		return nil
	}
	id := tc.TransactionId()
	return &id
}

// ackLater implements the AckLater coalescing rules: same type
// extends the range; an existing Delivered ack is silently replaced by a
// different type; any other existing type is flushed first. On a
// transacted consumer it is a no-op until Begin has registered a
// transaction id, so no ack is ever staged claiming transaction
// membership before the transaction exists.
func (c *Consumer) ackLater(ackType command.AckType) {
	if c.owner.AckMode() == Transacted {
		tc := c.owner.TransactionContext()
		if tc == nil || !tc.InLocalTransaction() {
			return
		}
	}

	txId := c.currentTransactionId()

	c.mu.Lock()
	if c.dispatchedMessages.Len() == 0 {
		c.mu.Unlock()
		return
	}
	last := c.dispatchedMessages.Back().Value.(command.MessageDispatch)
	if last.Message == nil {
		c.mu.Unlock()
		return
	}
	lastId := last.Message.MessageId

	var toFlush *command.MessageAck
	switch {
	case c.pendingAck == nil:
		c.pendingAck = c.newAck(ackType, lastId, lastId, 1, txId)
	case c.pendingAck.AckType == ackType:
		c.pendingAck.LastMessageId = lastId
		c.pendingAck.MessageCount++
	case c.pendingAck.AckType == command.AckTypeDelivered:
		c.pendingAck = c.newAck(ackType, lastId, lastId, 1, txId)
	default:
		toFlush = c.pendingAck
		c.pendingAck = c.newAck(ackType, lastId, lastId, 1, txId)
	}
	c.mu.Unlock()

	if toFlush != nil {
		c.sendAckAsync(toFlush)
	}
}

func (c *Consumer) newAck(ackType command.AckType, first, last command.MessageId, count int, txId *command.TransactionId) *command.MessageAck {
	return &command.MessageAck{
		AckType:        ackType,
		ConsumerId:     c.info.ConsumerId,
		Destination:    c.info.Destination,
		FirstMessageId: first,
		LastMessageId:  last,
		MessageCount:   count,
		TransactionId:  txId,
	}
}

// flushConsumedImmediate builds and sends a ConsumedAck spanning every
// entry currently in dispatchedMessages, then clears it (AutoAcknowledgeEach).
func (c *Consumer) flushConsumedImmediate() {
	c.mu.Lock()
	if c.dispatchedMessages.Len() == 0 {
		c.mu.Unlock()
		return
	}
	first := c.dispatchedMessages.Front().Value.(command.MessageDispatch)
	last := c.dispatchedMessages.Back().Value.(command.MessageDispatch)
	count := c.dispatchedMessages.Len()
	ack := c.newAck(command.AckTypeConsumed, first.Message.MessageId, last.Message.MessageId, count, nil)
	c.pendingAck = nil
	c.dispatchedMessages.Init()
	c.deliveredCounter = 0
	c.mu.Unlock()

	c.sendAckAsync(ack)
}

// maybeFlushHalfPrefetch flushes the coalesced pending ack once half
// the prefetch credit has been consumed: deliveredCounter -
// additionalWindowSize >= 0.5 * prefetch.
func (c *Consumer) maybeFlushHalfPrefetch() {
	c.mu.Lock()
	prefetch := c.info.PrefetchSize
	var toFlush *command.MessageAck
	if prefetch > 0 && c.pendingAck != nil &&
		float64(c.deliveredCounter-c.additionalWindowSize) >= 0.5*float64(prefetch) {
		toFlush = c.pendingAck
		c.pendingAck = nil
		c.deliveredCounter -= toFlush.MessageCount
		if c.deliveredCounter < 0 {
			c.deliveredCounter = 0
		}
	}
	c.mu.Unlock()

	if toFlush != nil {
		c.sendAckAsync(toFlush)
	}
}

// sendAckAsync sends ack one-way; on failure it is logged and restored
// as the pending ack so the next coalescing opportunity retries it.
func (c *Consumer) sendAckAsync(ack *command.MessageAck) {
	if !c.acquireAckSlot() {
		c.mu.Lock()
		c.restorePendingLocked(ack)
		c.mu.Unlock()
		return
	}
	defer c.releaseAckSlot()

	if err := c.owner.Transport().Oneway(*ack); err != nil {
		log.Warnf("consumer %s: ack send failed, will retry: %v", c.info.ConsumerId, err)
		c.mu.Lock()
		c.restorePendingLocked(ack)
		c.mu.Unlock()
	}
}

func (c *Consumer) restorePendingLocked(ack *command.MessageAck) {
	if c.pendingAck == nil {
		c.pendingAck = ack
	}
}

func (c *Consumer) acquireAckSlot() bool {
	return atomic.CompareAndSwapInt32(&c.deliveringAcks, 0, 1)
}

func (c *Consumer) releaseAckSlot() {
	atomic.StoreInt32(&c.deliveringAcks, 0)
}

// Acknowledge is the client-ack API: build a ConsumedAck spanning every
// dispatched-but-unacked message and send it synchronously. The
// transaction's BeforeEnd does not call it; a transacted commit's
// ConsumedAck is sent one-way from AfterCommit, without a transaction id.
func (c *Consumer) Acknowledge(ctx context.Context) error {
	txId := c.currentTransactionId()

	c.mu.Lock()
	if c.dispatchedMessages.Len() == 0 {
		c.mu.Unlock()
		return nil
	}
	first := c.dispatchedMessages.Front().Value.(command.MessageDispatch)
	last := c.dispatchedMessages.Back().Value.(command.MessageDispatch)
	count := c.dispatchedMessages.Len()
	ack := c.newAck(command.AckTypeConsumed, first.Message.MessageId, last.Message.MessageId, count, txId)
	c.mu.Unlock()

	_, err := c.owner.Transport().SyncRequest(ctx, *ack)
	if err != nil {
		return errkind.Wrap(errkind.ErrBrokerRejection, "consumer %s: acknowledge rejected: %v", c.info.ConsumerId, err)
	}

	if txId == nil {
		c.mu.Lock()
		c.pendingAck = nil
		c.dispatchedMessages.Init()
		c.deliveredCounter -= count
		if c.deliveredCounter < 0 {
			c.deliveredCounter = 0
		}
		c.additionalWindowSize -= count
		if c.additionalWindowSize < 0 {
			c.additionalWindowSize = 0
		}
		c.mu.Unlock()
	}
	return nil
}

// IndividualAck acknowledges a single message by id (IndividualAcknowledge
// mode, invoked via the application's message acknowledger hook).
// Messages not found in dispatchedMessages are logged and ignored.
func (c *Consumer) IndividualAck(ctx context.Context, id command.MessageId) error {
	c.mu.Lock()
	var found *list.Element
	for e := c.dispatchedMessages.Front(); e != nil; e = e.Next() {
		d := e.Value.(command.MessageDispatch)
		if d.Message != nil && d.Message.MessageId == id {
			found = e
			break
		}
	}
	if found == nil {
		c.mu.Unlock()
		log.Warnf("consumer %s: individual ack for unknown message %s ignored", c.info.ConsumerId, id)
		return nil
	}
	c.dispatchedMessages.Remove(found)
	if c.deliveredCounter > 0 {
		c.deliveredCounter--
	}
	ack := c.newAck(command.AckTypeIndividual, id, id, 1, nil)
	c.mu.Unlock()

	if err := c.owner.Transport().Oneway(*ack); err != nil {
		return errkind.Wrap(errkind.ErrConnectionFailure, "consumer %s: individual ack send failed: %v", c.info.ConsumerId, err)
	}
	return nil
}

// BeforeEnd implements txn.Synchronization. A consumer has nothing to
// flush before the commit/rollback round trip itself goes out (unlike a
// producer, which uses BeforeEnd to flush buffered sends); the ack
// engine table's "on commit send a ConsumedAck" action runs in
// AfterCommit instead, since BeforeEnd fires uniformly before either
// outcome and must not ack messages as consumed ahead of a rollback.
func (c *Consumer) BeforeEnd() {}

// AfterCommit sends a ConsumedAck spanning every dispatched-but-unacked
// message, then clears dispatchedMessages and the pending ack.
func (c *Consumer) AfterCommit() {
	c.mu.Lock()
	if c.dispatchedMessages.Len() == 0 {
		c.pendingAck = nil
		c.mu.Unlock()
		return
	}
	first := c.dispatchedMessages.Front().Value.(command.MessageDispatch)
	last := c.dispatchedMessages.Back().Value.(command.MessageDispatch)
	count := c.dispatchedMessages.Len()
	ack := c.newAck(command.AckTypeConsumed, first.Message.MessageId, last.Message.MessageId, count, nil)
	c.pendingAck = nil
	c.dispatchedMessages.Init()
	c.mu.Unlock()

	c.sendAckAsync(ack)
}

// AfterRollback implements the seven-step transactional rollback
// sequence.
func (c *Consumer) AfterRollback() {
	c.mu.Lock()
	if c.dispatchedMessages.Len() == 0 {
		c.mu.Unlock()
		return
	}

	batch := make([]command.MessageDispatch, 0, c.dispatchedMessages.Len())
	for e := c.dispatchedMessages.Front(); e != nil; e = e.Next() {
		batch = append(batch, e.Value.(command.MessageDispatch))
	}

	// currentRedeliveryCount is the count going into this rollback;
	// afterRollbackCount is what the messages carry once their rollback
	// hooks have run. The redelivery delay and the "broker has already
	// seen these" RedeliveredAck key off the former, the poison check
	// off the latter.
	currentRedeliveryCount := 0
	for i := range batch {
		if batch[i].Message != nil && batch[i].Message.RedeliveryCounter > currentRedeliveryCount {
			currentRedeliveryCount = batch[i].Message.RedeliveryCounter
		}
	}
	delay := c.redeliveryPolicy.RedeliveryDelay(currentRedeliveryCount)

	afterRollbackCount := currentRedeliveryCount
	for i := range batch {
		if batch[i].Message == nil {
			continue
		}
		batch[i].Message.OnMessageRollback()
		if batch[i].Message.RedeliveryCounter > afterRollbackCount {
			afterRollbackCount = batch[i].Message.RedeliveryCounter
		}
	}

	first, last := batch[0].Message.MessageId, batch[len(batch)-1].Message.MessageId
	count := len(batch)

	maxRedeliveries := c.redeliveryPolicy.MaximumRedeliveries()
	poison := maxRedeliveries >= 0 && afterRollbackCount > maxRedeliveries

	c.pendingAck = nil
	c.dispatchedMessages.Init()
	c.deliveredCounter -= count
	if c.deliveredCounter < 0 {
		c.deliveredCounter = 0
	}
	c.mu.Unlock()

	if poison {
		ack := c.newAck(command.AckTypePoison, first, last, count, nil)
		c.sendAckAsync(ack)
		c.mu.Lock()
		c.additionalWindowSize -= count
		if c.additionalWindowSize < 0 {
			c.additionalWindowSize = 0
		}
		c.mu.Unlock()
		return
	}

	if currentRedeliveryCount > 0 {
		// Not the first attempt: the broker must know we saw these
		// before they come back around.
		ack := c.newAck(command.AckTypeRedelivered, first, last, count, nil)
		c.sendAckAsync(ack)
	}

	c.channel.Stop()
	for i := len(batch) - 1; i >= 0; i-- {
		c.channel.EnqueueFirst(batch[i])
	}

	if delay > 0 && c.timers != nil {
		c.mu.Lock()
		if c.cancelPendingStart != nil {
			c.cancelPendingStart()
		}
		c.cancelPendingStart = c.timers.Schedule(delay, func() { c.channel.Start() })
		c.mu.Unlock()
	} else {
		c.channel.Start()
	}

	c.mu.Lock()
	listener := c.listener
	c.mu.Unlock()
	if listener != nil {
		c.redispatch(c.channel.RemoveAll())
	}
}

// InProgressClearRequired raises the transport-interrupt flag.
func (c *Consumer) InProgressClearRequired() {
	c.mu.Lock()
	c.clearDispatchList = true
	c.mu.Unlock()
}

// ClearMessagesInProgress drains the channel and invalidates any
// pending DeliveredAck (a ConsumedAck is kept, since the broker must
// still learn those messages were consumed). Intended to run on a
// worker goroutine so it cannot deadlock against an in-flight ack send.
func (c *Consumer) ClearMessagesInProgress() {
	// Clear holds the channel's monitor for the duration of the drain;
	// anything racing in through Dispatch either lands before the drain
	// (and is dropped with the rest) or after (and is dropped by the
	// clearDispatchList branch until the flag resets below).
	c.channel.Clear()

	c.mu.Lock()
	if c.pendingAck != nil && c.pendingAck.AckType == command.AckTypeDelivered {
		c.pendingAck = nil
	}
	c.clearDispatchList = false
	c.mu.Unlock()

	c.owner.Transport().TransportInterruptionProcessingComplete(c.info.ConsumerId)
}

// Receive blocks until a dispatch is available or the channel closes. A
// zero prefetch sends a MessagePull with Timeout=0 ("wait for one
// message") before waiting, since the broker will never push unasked.
func (c *Consumer) Receive(ctx context.Context) (*command.Message, error) {
	if err := c.pullIfNeeded(0); err != nil {
		return nil, err
	}
	return c.receiveUntil(ctx, -1)
}

// ReceiveTimeout blocks up to timeout. A zero prefetch switches to
// pull-mode and blocks indefinitely on the channel, since the broker
// sends at most one message per pull.
func (c *Consumer) ReceiveTimeout(ctx context.Context, timeout time.Duration) (*command.Message, error) {
	if c.info.PrefetchSize == 0 {
		pullTimeout := timeout
		if pullTimeout < 0 {
			pullTimeout = 0
		}
		if err := c.pullIfNeeded(pullTimeout); err != nil {
			return nil, err
		}
		return c.receiveUntil(ctx, -1)
	}
	return c.receiveUntil(ctx, timeout)
}

// ReceiveNoWait polls without blocking; the pull-mode path sends a pull
// with Timeout=-1 ("return immediately if nothing available").
func (c *Consumer) ReceiveNoWait(ctx context.Context) (*command.Message, error) {
	if err := c.pullIfNeeded(-1); err != nil {
		return nil, err
	}
	return c.receiveUntil(ctx, 0)
}

// pullIfNeeded sends a MessagePull when this is a zero-prefetch consumer
// with nothing already buffered.
func (c *Consumer) pullIfNeeded(timeout time.Duration) error {
	if c.info.PrefetchSize != 0 || !c.channel.Empty() {
		return nil
	}
	pull := command.MessagePull{ConsumerId: c.info.ConsumerId, Destination: c.info.Destination, Timeout: timeout}
	return c.owner.Transport().Oneway(pull)
}

// receiveUntil is the common synchronous-receive loop: it recomputes an
// absolute deadline so spurious wakeups (expired or null-body
// dispatches) don't extend the wait.
func (c *Consumer) receiveUntil(ctx context.Context, timeout time.Duration) (*command.Message, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		c.mu.Lock()
		failure := c.failureErr
		c.mu.Unlock()
		if failure != nil {
			return nil, failure
		}

		wait := timeout
		if timeout > 0 {
			wait = time.Until(deadline)
			if wait <= 0 {
				return nil, nil
			}
		}

		d := c.channel.Dequeue(wait)
		if d == nil || d.Message == nil {
			// Timed out, or the channel-close wake sentinel. A
			// close triggered by a connection failure surfaces that
			// failure instead of a silent nil.
			c.mu.Lock()
			failure := c.failureErr
			c.mu.Unlock()
			if failure != nil {
				return nil, failure
			}
			return nil, nil
		}

		c.beforeMessageIsConsumed(*d)

		if !c.ignoreExpiration && d.Message.Expired(time.Now()) {
			c.afterMessageIsConsumed(true, nil)
			continue
		}

		c.afterMessageIsConsumed(false, nil)
		return d.Message, nil
	}
}

// SetFailure records an asynchronous connection failure; any
// blocked synchronous receiver wakes with no dispatch and observes it
// via Receive's error return on its next iteration, or via a channel
// close wake.
func (c *Consumer) SetFailure(err error) {
	c.mu.Lock()
	c.failureErr = err
	c.mu.Unlock()
	c.channel.Close()
}

// Shutdown flushes any coalesced auto-ack, clears dispatchedMessages
// for non-transacted sessions, removes the consumer from the session,
// and closes the channel. Used both by session close and inside DoClose.
func (c *Consumer) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pendingAck
	c.pendingAck = nil
	if c.owner.AckMode() != Transacted {
		c.dispatchedMessages.Init()
	}
	if c.cancelPendingStart != nil {
		c.cancelPendingStart()
		c.cancelPendingStart = nil
	}
	c.mu.Unlock()

	if pending != nil {
		c.sendAckAsync(pending)
	}

	c.owner.RemoveConsumer(c.info.ConsumerId)
	c.channel.Close()
}

// DoClose is Shutdown plus telling the broker to tear down the
// ConsumerInfo, carrying the last delivered broker sequence id so it
// can correctly resume pending deliveries for other consumers.
func (c *Consumer) DoClose(ctx context.Context) error {
	lastSeq := c.lastDeliveredSequenceId()
	c.Shutdown()

	remove := command.RemoveInfo{ObjectId: c.info.ConsumerId, LastDeliveredSequenceId: lastSeq}
	if err := c.owner.Transport().Oneway(remove); err != nil {
		return errkind.Wrap(errkind.ErrConnectionFailure, "consumer %s: remove failed: %v", c.info.ConsumerId, err)
	}
	return nil
}

// Close runs DoClose directly for non-transacted sessions. For a
// transacted session with an active local transaction, close defers to
// an AfterCommit/AfterRollback synchronization that then runs DoClose,
// so the final ack state is settled before teardown.
func (c *Consumer) Close(ctx context.Context) error {
	if c.owner.AckMode() == Transacted {
		if tc := c.owner.TransactionContext(); tc != nil && tc.InLocalTransaction() {
			tc.AddSynchronization(&closeAfterTransactionEnd{consumer: c, ctx: ctx})
			return nil
		}
	}
	return c.DoClose(ctx)
}

type closeAfterTransactionEnd struct {
	consumer *Consumer
	ctx      context.Context
}

func (s *closeAfterTransactionEnd) BeforeEnd()     {}
func (s *closeAfterTransactionEnd) AfterCommit()   { s.runClose() }
func (s *closeAfterTransactionEnd) AfterRollback() { s.runClose() }

func (s *closeAfterTransactionEnd) runClose() {
	if err := s.consumer.DoClose(s.ctx); err != nil {
		log.Errorf("consumer %s: deferred close failed: %v", s.consumer.info.ConsumerId, err)
	}
}

// LastDeliveredSequenceId returns the broker sequence id of the most
// recently delivered, still-dispatched message, clamped at zero so a
// consumer that never delivered anything reports zero rather than a
// negative id. A session close uses this across all of its consumers to
// compute the minimum it reports in its own RemoveInfo.
func (c *Consumer) LastDeliveredSequenceId() int64 {
	return c.lastDeliveredSequenceId()
}

func (c *Consumer) lastDeliveredSequenceId() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dispatchedMessages.Len() == 0 {
		return 0
	}
	last := c.dispatchedMessages.Back().Value.(command.MessageDispatch)
	if last.Message == nil {
		return 0
	}
	seq := last.Message.MessageId.BrokerSequenceId
	if seq < 0 {
		return 0
	}
	return seq
}

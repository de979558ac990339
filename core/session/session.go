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

// Package session implements the Session: factory for consumers
// and producers, owner of the session executor and transaction context,
// and the component that routes inbound broker dispatches to the right
// consumer and runs the session-close sequence.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apache-go-client/activemq-go/core/consumer"
	"github.com/apache-go-client/activemq-go/core/dispatch"
	"github.com/apache-go-client/activemq-go/core/producer"
	"github.com/apache-go-client/activemq-go/core/state"
	"github.com/apache-go-client/activemq-go/core/txn"
	"github.com/apache-go-client/activemq-go/pkg/command"
	"github.com/apache-go-client/activemq-go/pkg/config"
	"github.com/apache-go-client/activemq-go/pkg/errkind"
	"github.com/apache-go-client/activemq-go/pkg/log"
	"github.com/apache-go-client/activemq-go/pkg/transport"
	"github.com/apache-go-client/activemq-go/utils"
)

// Parent is the non-owning capability handle a Session holds on its
// connection: just enough surface to detach
// itself on close.
type Parent interface {
	RemoveSession(id command.SessionId)
}

// transactionIDs generates the string portion of local TransactionIds by
// pairing this session's id with a monotonically increasing sequence.
type transactionIDs struct {
	sessionId command.SessionId
	seq       utils.MonotonicID
}

func (t *transactionIDs) NextTransactionId() string {
	return fmt.Sprintf("TX:%s:%d", t.sessionId, t.seq.Next())
}

// Options configures a Session at construction. The session. prefixed
// destination-URI query parameters are parsed into
// config.SessionOptions, but nothing applies them to these fields.
type Options struct {
	AckMode           consumer.AckMode
	Transacted        bool
	PrioritySupported bool
	AlwaysSyncSend    bool
	DispatchAsync     bool
	// CloseStopTimeout bounds how long Close waits for the executor to
	// drain; zero means wait indefinitely.
	CloseStopTimeout time.Duration
}

// Session owns the consumers and producers created on it, its executor,
// and its transaction context.
type Session struct {
	id     command.SessionId
	parent Parent
	tr     transport.Transport
	state  *state.SessionState
	exec   *dispatch.Executor
	txCtx  *txn.Context
	timers *dispatch.TimerService
	opts   Options

	consumerSeq utils.MonotonicID
	producerSeq utils.MonotonicID

	mu        sync.Mutex
	consumers map[command.ConsumerId]*consumer.Consumer
	producers map[command.ProducerId]*producer.Producer
	closing   bool
}

// New constructs a Session registered with the broker via a Oneway
// SessionInfo create (sessions themselves are always created
// one-way, with no broker reply to wait for); if that Oneway send
// fails, New returns the error and no Session.
func New(parent Parent, id command.SessionId, sessionState *state.SessionState, t transport.Transport, timers *dispatch.TimerService, opts Options) (*Session, error) {
	s := &Session{
		id:        id,
		parent:    parent,
		tr:        t,
		state:     sessionState,
		exec:      dispatch.NewExecutor(),
		timers:    timers,
		opts:      opts,
		consumers: make(map[command.ConsumerId]*consumer.Consumer),
		producers: make(map[command.ProducerId]*producer.Producer),
	}
	s.txCtx = txn.NewContext(id, t, &transactionIDs{sessionId: id})

	if err := t.Oneway(command.SessionInfo{SessionId: id}); err != nil {
		return nil, errkind.Wrap(errkind.ErrConnectionFailure, "session %s: create failed: %v", id, err)
	}

	t.OnInterrupted(s.ClearMessagesInProgress)

	s.exec.Start()
	return s, nil
}

// ClearMessagesInProgress is the session's part of transport-interrupt
// handling: drop the executor's own pending queue, then have
// every consumer raise its clear flag and drain on a worker goroutine,
// so the drain can never deadlock against an in-flight ack send. Each
// consumer notifies the transport when its drain completes.
func (s *Session) ClearMessagesInProgress() {
	s.exec.ClearMessagesInProgress()

	s.mu.Lock()
	consumers := make([]*consumer.Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.mu.Unlock()

	for _, c := range consumers {
		c.InProgressClearRequired()
		go c.ClearMessagesInProgress()
	}
}

// Id returns the SessionId this session was registered with.
func (s *Session) Id() command.SessionId { return s.id }

// Transport returns the transport commands are sent over (consumer.Owner,
// producer.Owner).
func (s *Session) Transport() transport.Transport { return s.tr }

// Executor returns the session's dispatch pump (consumer.Owner).
func (s *Session) Executor() *dispatch.Executor { return s.exec }

// TransactionContext returns the session's transaction context
// (consumer.Owner, producer.Owner). Non-transacted sessions still carry
// one so a stray reference never sees a nil pointer, but AckMode/
// Transacted gate whether anything ever calls into it.
func (s *Session) TransactionContext() *txn.Context { return s.txCtx }

// AckMode returns the ack engine mode consumers on this session use
// (consumer.Owner).
func (s *Session) AckMode() consumer.AckMode { return s.opts.AckMode }

// PrioritySupported reports whether consumers on this session use a
// priority-aware dispatch channel (consumer.Owner).
func (s *Session) PrioritySupported() bool { return s.opts.PrioritySupported }

// Transacted reports whether this session is transacted (producer.Owner).
func (s *Session) Transacted() bool { return s.opts.Transacted }

// AlwaysSyncSend reports whether the connection forces every send to be
// synchronous regardless of the per-send options (producer.Owner).
func (s *Session) AlwaysSyncSend() bool { return s.opts.AlwaysSyncSend }

// Dispatch implements transport.Dispatcher: every inbound MessageDispatch
// for a consumer registered on this session arrives here and is queued
// on the session executor, which looks the owning consumer back up by
// ConsumerId and invokes its Dispatch.
func (s *Session) Dispatch(d command.MessageDispatch) {
	s.exec.Execute(d)
}

// ConsumerOptions describes the consumer to create. DestinationURI,
// if set, is parsed for consumer./consumer.nms. query parameters and
// applied on top of the fields above.
type ConsumerOptions struct {
	Destination         command.Destination
	SubscriptionName    string
	Selector            string
	PrefetchSize        int
	MaximumPendingCount int
	NoLocal             bool
	Browser             bool
	DestinationURI      string
	RedeliveryPolicy    consumer.RedeliveryPolicy
}

// CreateConsumer registers a new ConsumerInfo with the broker and returns
// the client-side Consumer. The consumer is registered with the
// transport's dispatcher map first, then the broker create command is
// sent via SyncRequest so a rejection can be observed synchronously; on
// either a destination-parse failure or a broker rejection the partial
// registration is rolled back.
func (s *Session) CreateConsumer(ctx context.Context, opts ConsumerOptions) (*consumer.Consumer, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, errkind.Wrap(errkind.ErrObjectClosed, "session %s is closed", s.id)
	}
	s.mu.Unlock()

	if opts.Destination.IsNil() {
		return nil, errkind.Wrap(errkind.ErrInvalidDestination, "session %s: destination is required", s.id)
	}

	id := command.ConsumerId{
		ConnectionId: s.id.ConnectionId,
		SessionValue: s.id.Value,
		Value:        int64(s.consumerSeq.Next()),
	}

	info := command.ConsumerInfo{
		ConsumerId:          id,
		Destination:         opts.Destination,
		SubscriptionName:    opts.SubscriptionName,
		Selector:            opts.Selector,
		PrefetchSize:        opts.PrefetchSize,
		MaximumPendingCount: opts.MaximumPendingCount,
		NoLocal:             opts.NoLocal,
		Browser:             opts.Browser,
		DispatchAsync:       s.opts.DispatchAsync,
	}

	var nms config.ConsumerNMSOptions
	if opts.DestinationURI != "" {
		parsed, err := config.ParseDestinationURI(opts.DestinationURI)
		if err != nil {
			return nil, errkind.Wrap(errkind.ErrConnectionFailure, "session %s: parse destination uri: %v", s.id, err)
		}
		parsed.ApplyToConsumerInfo(&info)
		nms = parsed.ConsumerNMS
	}

	if err := s.state.AddConsumer(info); err != nil {
		return nil, err
	}
	s.tr.AddDispatcher(id, s)

	if _, err := s.tr.SyncRequest(ctx, info); err != nil {
		s.tr.RemoveDispatcher(id)
		s.state.RemoveConsumer(id)
		return nil, errkind.Wrap(errkind.ErrBrokerRejection, "session %s: create consumer %s rejected: %v", s.id, id, err)
	}

	c, err := consumer.New(s, info, nms, opts.RedeliveryPolicy, s.timers)
	if err != nil {
		s.tr.RemoveDispatcher(id)
		s.state.RemoveConsumer(id)
		return nil, err
	}

	s.mu.Lock()
	s.consumers[id] = c
	s.mu.Unlock()
	return c, nil
}

// RemoveConsumer implements consumer.Owner: it detaches id from the
// session's bookkeeping. It sends nothing to the broker; the consumer's
// RemoveInfo, when one is sent, goes out from Consumer.DoClose after
// Shutdown has called this.
func (s *Session) RemoveConsumer(id command.ConsumerId) {
	s.mu.Lock()
	delete(s.consumers, id)
	s.mu.Unlock()
	s.exec.RemoveTarget(id)
	s.tr.RemoveDispatcher(id)
	s.state.RemoveConsumer(id)
}

// ProducerOptions describes the producer to create.
type ProducerOptions struct {
	Destination command.Destination
	WindowSize  int
}

// CreateProducer registers a new ProducerInfo with the broker, one-way
// (producer create uses Oneway, unlike the SyncRequest consumer
// create, since there is no useful synchronous failure to observe).
func (s *Session) CreateProducer(ctx context.Context, opts ProducerOptions) (*producer.Producer, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, errkind.Wrap(errkind.ErrObjectClosed, "session %s is closed", s.id)
	}
	s.mu.Unlock()

	id := command.ProducerId{
		ConnectionId: s.id.ConnectionId,
		SessionValue: s.id.Value,
		Value:        int64(s.producerSeq.Next()),
	}
	info := command.ProducerInfo{ProducerId: id, Destination: opts.Destination, WindowSize: opts.WindowSize}

	if err := s.state.AddProducer(info); err != nil {
		return nil, err
	}
	if err := s.tr.Oneway(info); err != nil {
		s.state.RemoveProducer(id)
		return nil, errkind.Wrap(errkind.ErrConnectionFailure, "session %s: create producer %s failed: %v", s.id, id, err)
	}

	p := producer.New(s, info)
	s.mu.Lock()
	s.producers[id] = p
	s.mu.Unlock()
	return p, nil
}

// RemoveProducer implements producer.Owner.
func (s *Session) RemoveProducer(id command.ProducerId) {
	s.mu.Lock()
	delete(s.producers, id)
	s.mu.Unlock()
	s.state.RemoveProducer(id)
}

// Unsubscribe tears down a durable subscription by name. The
// subscription must no longer have an active consumer; the broker
// rejects the removal otherwise.
func (s *Session) Unsubscribe(clientId, subscriptionName string) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return errkind.Wrap(errkind.ErrObjectClosed, "session %s is closed", s.id)
	}
	s.mu.Unlock()

	info := command.RemoveSubscriptionInfo{
		ConnectionId:     s.id.ConnectionId,
		ClientId:         clientId,
		SubscriptionName: subscriptionName,
	}
	if err := s.tr.Oneway(info); err != nil {
		return errkind.Wrap(errkind.ErrConnectionFailure, "session %s: unsubscribe %q failed: %v", s.id, subscriptionName, err)
	}
	return nil
}

// Commit commits the session's active local transaction. Calling
// it on a non-transacted session is InvalidOperation.
func (s *Session) Commit(ctx context.Context) error {
	if !s.opts.Transacted {
		return errkind.Wrap(errkind.ErrInvalidOperation, "session %s: commit on a non-transacted session", s.id)
	}
	return s.txCtx.Commit(ctx)
}

// Rollback rolls back the session's active local transaction.
// Calling it on a non-transacted session is InvalidOperation.
func (s *Session) Rollback(ctx context.Context) error {
	if !s.opts.Transacted {
		return errkind.Wrap(errkind.ErrInvalidOperation, "session %s: rollback on a non-transacted session", s.id)
	}
	return s.txCtx.Rollback(ctx)
}

// Close runs the session-close sequence: under the session-wide
// lock, mark closing, stop the executor, shut down every consumer and
// producer, roll back any still-open local transaction, detach from the
// connection, and finally tell the broker to remove the SessionInfo
// carrying the minimum LastDeliveredSequenceId across child consumers
// (clamped at zero rather than allowed to go
// negative when a consumer never delivered anything).
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	consumers := make([]*consumer.Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	producers := make([]*producer.Producer, 0, len(s.producers))
	for _, p := range s.producers {
		producers = append(producers, p)
	}
	s.mu.Unlock()

	stopTimeout := s.opts.CloseStopTimeout
	if stopTimeout == 0 {
		stopTimeout = -1
	}
	s.exec.Stop(stopTimeout)

	minSeq := int64(0)
	haveSeq := false
	for _, c := range consumers {
		seq := c.LastDeliveredSequenceId()
		if !haveSeq || seq < minSeq {
			minSeq = seq
			haveSeq = true
		}
		c.Shutdown()
	}
	if minSeq < 0 {
		minSeq = 0
	}

	for _, p := range producers {
		if err := p.Close(ctx); err != nil {
			log.Warnf("session %s: producer close failed: %v", s.id, err)
		}
	}

	if s.opts.Transacted && s.txCtx.InLocalTransaction() {
		if err := s.txCtx.Rollback(ctx); err != nil {
			log.Warnf("session %s: rollback on close failed: %v", s.id, err)
		}
	}

	s.parent.RemoveSession(s.id)

	remove := command.RemoveInfo{ObjectId: s.id, LastDeliveredSequenceId: minSeq}
	if err := s.tr.Oneway(remove); err != nil {
		return errkind.Wrap(errkind.ErrConnectionFailure, "session %s: remove failed: %v", s.id, err)
	}
	return nil
}

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

// Package producer implements the Message Producer: MessageId
// assignment, the producer-transformer delegate, per-producer window
// flow control, and the Oneway-vs-SyncRequest send strategy.
package producer

import (
	"context"
	"sync"
	"time"

	"github.com/apache-go-client/activemq-go/core/txn"
	"github.com/apache-go-client/activemq-go/pkg/command"
	"github.com/apache-go-client/activemq-go/pkg/errkind"
	"github.com/apache-go-client/activemq-go/pkg/transport"
	"github.com/apache-go-client/activemq-go/utils"
)

// Transformer rewrites an outbound message before it is sent, e.g. to
// stamp application headers. A nil Transformer is a no-op.
type Transformer func(msg *command.Message) *command.Message

// Owner is the session-shaped view a Producer needs of its parent.
type Owner interface {
	Transport() transport.Transport
	TransactionContext() *txn.Context
	Transacted() bool
	AlwaysSyncSend() bool
	RemoveProducer(id command.ProducerId)
}

// SendOptions controls how a single Send picks between the
// fire-and-forget and synchronous-request paths.
type SendOptions struct {
	// Timeout, if positive, is an explicit synchronous send deadline.
	Timeout time.Duration
	// Persistent marks the message for durable storage; non-persistent
	// messages are eligible for the fire-and-forget path.
	Persistent bool
	// AsyncSend opts a persistent message into the fire-and-forget path
	// too.
	AsyncSend bool
	// ResponseRequired forces a synchronous round trip even when the
	// other oneway conditions hold.
	ResponseRequired bool
	Priority         byte
	Expiration       time.Time
}

// Producer is one registered ProducerInfo's client-side state.
type Producer struct {
	owner       Owner
	info        command.ProducerInfo
	seq         utils.MonotonicID
	transformer Transformer

	mu     sync.Mutex
	cond   *sync.Cond
	usage  int
	closed bool
}

// New constructs a Producer for info, owned by owner.
func New(owner Owner, info command.ProducerInfo) *Producer {
	p := &Producer{owner: owner, info: info}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Info returns the ProducerInfo this producer was registered with.
func (p *Producer) Info() command.ProducerInfo {
	return p.info
}

// SetTransformer installs t, replacing any previously installed
// transformer.
func (p *Producer) SetTransformer(t Transformer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transformer = t
}

// ReleaseCredit frees n bytes of previously consumed producer window,
// unblocking any Send waiting on WindowSize back-pressure. Nothing in
// this module calls it; window usage drops only through explicit calls.
func (p *Producer) ReleaseCredit(n int) {
	p.mu.Lock()
	p.usage -= n
	if p.usage < 0 {
		p.usage = 0
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *Producer) waitForWindow(ctx context.Context, size int) error {
	if p.info.WindowSize <= 0 {
		return nil
	}

	// The condition variable has no timed wait; a watcher goroutine
	// turns context expiry into a broadcast so the loop below can
	// observe ctx.Err.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			// Taking the lock first guarantees the waiter is parked in
			// Wait, not between its ctx check and Wait, when the
			// broadcast lands.
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-watchDone:
		}
	}()

	p.mu.Lock()
	for p.usage+size > p.info.WindowSize && !p.closed {
		if ctx.Err() != nil {
			p.mu.Unlock()
			return ctx.Err()
		}
		p.cond.Wait()
	}
	if p.closed {
		p.mu.Unlock()
		return errkind.Wrap(errkind.ErrObjectClosed, "producer %s is closed", p.info.ProducerId)
	}
	p.usage += size
	p.mu.Unlock()
	return nil
}

// Send builds a Message from body and opts, applies the transformer,
// attaches the session's transaction id if transacted, and sends it
// using whichever send strategy the options select.
func (p *Producer) Send(ctx context.Context, body []byte, opts SendOptions) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errkind.Wrap(errkind.ErrObjectClosed, "producer %s is closed", p.info.ProducerId)
	}
	transformer := p.transformer
	p.mu.Unlock()

	if err := p.waitForWindow(ctx, len(body)); err != nil {
		return err
	}

	seq := p.seq.Next()
	msg := &command.Message{
		MessageId: command.MessageId{
			ProducerId: p.info.ProducerId,
			Sequence:   int64(seq),
		},
		Destination: p.info.Destination,
		Persistent:  opts.Persistent,
		Priority:    opts.Priority,
		Expiration:  opts.Expiration,
		Body:        body,
	}
	if transformer != nil {
		msg = transformer(msg)
	}

	inTransaction := p.owner.Transacted()
	if inTransaction {
		if tc := p.owner.TransactionContext(); tc != nil {
			if err := tc.Begin(ctx); err != nil {
				return err
			}
			id := tc.TransactionId()
			msg.TransactionId = &id
		}
	}

	oneway := opts.Timeout <= 0 && !opts.ResponseRequired && !p.owner.AlwaysSyncSend() &&
		(!msg.Persistent || opts.AsyncSend || inTransaction)

	if oneway {
		if err := p.owner.Transport().Oneway(*msg); err != nil {
			return errkind.Wrap(errkind.ErrConnectionFailure, "producer %s: send failed: %v", p.info.ProducerId, err)
		}
		return nil
	}

	sendCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	if _, err := p.owner.Transport().SyncRequest(sendCtx, *msg); err != nil {
		return errkind.Wrap(errkind.ErrBrokerRejection, "producer %s: send rejected: %v", p.info.ProducerId, err)
	}
	return nil
}

// Close tears down the producer: wakes any Send blocked on window
// back-pressure, removes it from the session, and tells the broker to
// remove the ProducerInfo.
func (p *Producer) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()

	p.owner.RemoveProducer(p.info.ProducerId)

	remove := command.RemoveInfo{ObjectId: p.info.ProducerId}
	if err := p.owner.Transport().Oneway(remove); err != nil {
		return errkind.Wrap(errkind.ErrConnectionFailure, "producer %s: remove failed: %v", p.info.ProducerId, err)
	}
	return nil
}

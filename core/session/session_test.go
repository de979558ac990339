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

package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/apache-go-client/activemq-go/core/consumer"
	"github.com/apache-go-client/activemq-go/core/dispatch"
	"github.com/apache-go-client/activemq-go/core/session"
	"github.com/apache-go-client/activemq-go/core/state"
	"github.com/apache-go-client/activemq-go/pkg/command"
	"github.com/apache-go-client/activemq-go/pkg/transport"
)

type fakeParent struct {
	removed []command.SessionId
}

func (p *fakeParent) RemoveSession(id command.SessionId) {
	p.removed = append(p.removed, id)
}

func newTestSession(t *testing.T, opts session.Options) (*session.Session, *transport.MockTransport, *fakeParent) {
	t.Helper()
	tr := transport.NewMockTransport()
	id := command.SessionId{ConnectionId: "conn-1", Value: 1}
	cs := state.NewConnectionState(command.ConnectionInfo{ConnectionId: "conn-1"})
	ss, ok := cs.Session(id)
	if !ok {
		// The tracker only seeds the default (-1) session; register
		// this one explicitly, same as a real connection would before
		// constructing the Session.
		if err := cs.AddSession(command.SessionInfo{SessionId: id}); err != nil {
			t.Fatalf("AddSession: %v", err)
		}
		ss, _ = cs.Session(id)
	}
	parent := &fakeParent{}
	s, err := session.New(parent, id, ss, tr, dispatch.NewTimerService(), opts)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	return s, tr, parent
}

func testDestination() command.Destination {
	return command.Destination{Name: "TEST.Q"}
}

func TestNewSendsSessionInfoOneway(t *testing.T) {
	_, tr, _ := newTestSession(t, session.Options{})

	if len(tr.Oneways) != 1 {
		t.Fatalf("expected 1 oneway, got %d", len(tr.Oneways))
	}
	if _, ok := tr.Oneways[0].(command.SessionInfo); !ok {
		t.Fatalf("expected SessionInfo, got %T", tr.Oneways[0])
	}
}

func TestCreateConsumerRegistersAndSyncRequests(t *testing.T) {
	s, tr, _ := newTestSession(t, session.Options{AckMode: consumer.AutoAcknowledgeEach})

	c, err := s.CreateConsumer(context.Background(), session.ConsumerOptions{
		Destination:  testDestination(),
		PrefetchSize: 10,
	})
	if err != nil {
		t.Fatalf("CreateConsumer: %v", err)
	}
	if c == nil {
		t.Fatal("expected non-nil consumer")
	}
	if len(tr.Requests) != 1 {
		t.Fatalf("expected 1 sync request, got %d", len(tr.Requests))
	}
	if _, ok := tr.Requests[0].(command.ConsumerInfo); !ok {
		t.Fatalf("expected ConsumerInfo, got %T", tr.Requests[0])
	}
}

func TestCreateConsumerRollsBackOnBrokerRejection(t *testing.T) {
	s, tr, _ := newTestSession(t, session.Options{AckMode: consumer.AutoAcknowledgeEach})
	tr.QueueError(context.DeadlineExceeded)

	_, err := s.CreateConsumer(context.Background(), session.ConsumerOptions{
		Destination:  testDestination(),
		PrefetchSize: 10,
	})
	if err == nil {
		t.Fatal("expected broker rejection error")
	}

	// The dispatcher registration made before the SyncRequest must have
	// been rolled back: pushing a dispatch for that consumer id is a
	// silent no-op, not a panic or a delivered message.
	tr.Push(command.MessageDispatch{ConsumerId: command.ConsumerId{ConnectionId: "conn-1", SessionValue: 1, Value: 1}})
}

func TestCreateConsumerInvalidDestinationDoesNotRegister(t *testing.T) {
	s, tr, _ := newTestSession(t, session.Options{})

	_, err := s.CreateConsumer(context.Background(), session.ConsumerOptions{PrefetchSize: 10})
	if err == nil {
		t.Fatal("expected InvalidDestination error")
	}
	if len(tr.Requests) != 0 {
		t.Fatalf("expected no sync request to have been sent, got %d", len(tr.Requests))
	}
}

func TestDispatchRoutesThroughExecutorToConsumer(t *testing.T) {
	s, tr, _ := newTestSession(t, session.Options{AckMode: consumer.ClientAcknowledge})

	c, err := s.CreateConsumer(context.Background(), session.ConsumerOptions{
		Destination:  testDestination(),
		PrefetchSize: 10,
	})
	if err != nil {
		t.Fatalf("CreateConsumer: %v", err)
	}

	msg := &command.Message{MessageId: command.MessageId{Sequence: 1}}
	tr.Push(command.MessageDispatch{ConsumerId: c.Info().ConsumerId, Message: msg})

	got, err := c.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got != msg {
		t.Fatalf("expected to receive the dispatched message, got %v", got)
	}
}

func TestCreateProducerSendsOneway(t *testing.T) {
	s, tr, _ := newTestSession(t, session.Options{})

	p, err := s.CreateProducer(context.Background(), session.ProducerOptions{Destination: testDestination()})
	if err != nil {
		t.Fatalf("CreateProducer: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil producer")
	}
	// One SessionInfo oneway at construction, one ProducerInfo oneway here.
	if len(tr.Oneways) != 2 {
		t.Fatalf("expected 2 oneways, got %d", len(tr.Oneways))
	}
}

func TestUnsubscribeSendsRemoveSubscriptionInfo(t *testing.T) {
	s, tr, _ := newTestSession(t, session.Options{})

	if err := s.Unsubscribe("client-1", "daily-digest"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	last := tr.Oneways[len(tr.Oneways)-1]
	info, ok := last.(command.RemoveSubscriptionInfo)
	if !ok {
		t.Fatalf("expected RemoveSubscriptionInfo, got %T", last)
	}
	if info.SubscriptionName != "daily-digest" || info.ClientId != "client-1" {
		t.Fatalf("unexpected RemoveSubscriptionInfo: %+v", info)
	}
}

func TestCommitRollbackRejectedOnNonTransactedSession(t *testing.T) {
	s, _, _ := newTestSession(t, session.Options{Transacted: false})

	if err := s.Commit(context.Background()); err == nil {
		t.Fatal("expected InvalidOperation committing a non-transacted session")
	}
	if err := s.Rollback(context.Background()); err == nil {
		t.Fatal("expected InvalidOperation rolling back a non-transacted session")
	}
}

func TestCloseSendsMinimumLastDeliveredSequenceId(t *testing.T) {
	s, tr, parent := newTestSession(t, session.Options{AckMode: consumer.ClientAcknowledge})

	c1, err := s.CreateConsumer(context.Background(), session.ConsumerOptions{Destination: testDestination(), PrefetchSize: 10})
	if err != nil {
		t.Fatalf("CreateConsumer c1: %v", err)
	}
	c2, err := s.CreateConsumer(context.Background(), session.ConsumerOptions{Destination: testDestination(), PrefetchSize: 10})
	if err != nil {
		t.Fatalf("CreateConsumer c2: %v", err)
	}

	tr.Push(command.MessageDispatch{ConsumerId: c1.Info().ConsumerId, Message: &command.Message{MessageId: command.MessageId{BrokerSequenceId: 5}}})
	if _, err := c1.Receive(context.Background()); err != nil {
		t.Fatalf("c1 Receive: %v", err)
	}
	tr.Push(command.MessageDispatch{ConsumerId: c2.Info().ConsumerId, Message: &command.Message{MessageId: command.MessageId{BrokerSequenceId: 9}}})
	if _, err := c2.Receive(context.Background()); err != nil {
		t.Fatalf("c2 Receive: %v", err)
	}

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(parent.removed) != 1 || parent.removed[0] != s.Id() {
		t.Fatalf("expected session to detach from its parent, got %v", parent.removed)
	}

	last := tr.Oneways[len(tr.Oneways)-1]
	remove, ok := last.(command.RemoveInfo)
	if !ok {
		t.Fatalf("expected final oneway to be RemoveInfo, got %T", last)
	}
	if remove.LastDeliveredSequenceId != 5 {
		t.Fatalf("expected min sequence id 5, got %d", remove.LastDeliveredSequenceId)
	}
}

func TestCloseClampsNegativeSequenceIdToZero(t *testing.T) {
	s, tr, _ := newTestSession(t, session.Options{AckMode: consumer.ClientAcknowledge})

	if _, err := s.CreateConsumer(context.Background(), session.ConsumerOptions{Destination: testDestination(), PrefetchSize: 10}); err != nil {
		t.Fatalf("CreateConsumer: %v", err)
	}

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	last := tr.Oneways[len(tr.Oneways)-1]
	remove := last.(command.RemoveInfo)
	if remove.LastDeliveredSequenceId != 0 {
		t.Fatalf("expected clamped sequence id 0, got %d", remove.LastDeliveredSequenceId)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s, _, parent := newTestSession(t, session.Options{})

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if len(parent.removed) != 1 {
		t.Fatalf("expected exactly one RemoveSession call, got %d", len(parent.removed))
	}
}

func TestTransportInterruptDrainsConsumersAndNotifies(t *testing.T) {
	s, tr, _ := newTestSession(t, session.Options{AckMode: consumer.ClientAcknowledge})

	c, err := s.CreateConsumer(context.Background(), session.ConsumerOptions{Destination: testDestination(), PrefetchSize: 10})
	if err != nil {
		t.Fatalf("CreateConsumer: %v", err)
	}

	tr.Push(command.MessageDispatch{ConsumerId: c.Info().ConsumerId, Message: &command.Message{MessageId: command.MessageId{Sequence: 1}}})

	tr.SimulateInterrupt()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(tr.InterruptCompletions()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	completions := tr.InterruptCompletions()
	if len(completions) != 1 || completions[0] != c.Info().ConsumerId {
		t.Fatalf("InterruptCompletions() = %v; expected [%v]", completions, c.Info().ConsumerId)
	}
}

func TestCreateConsumerAfterCloseFails(t *testing.T) {
	s, _, _ := newTestSession(t, session.Options{})
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.CreateConsumer(context.Background(), session.ConsumerOptions{Destination: testDestination()}); err == nil {
		t.Fatal("expected ObjectClosed creating a consumer on a closed session")
	}
}

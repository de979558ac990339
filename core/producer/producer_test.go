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

package producer_test

import (
	"context"
	"testing"
	"time"

	"github.com/apache-go-client/activemq-go/core/producer"
	"github.com/apache-go-client/activemq-go/core/txn"
	"github.com/apache-go-client/activemq-go/pkg/command"
	"github.com/apache-go-client/activemq-go/pkg/transport"
)

type sequentialIDs struct{ n int }

func (s *sequentialIDs) NextTransactionId() string {
	s.n++
	return "TX:" + string(rune('0'+s.n))
}

// fakeOwner is the minimal producer.Owner a test needs: a MockTransport,
// a txn.Context, and switches for the two conditions Send branches on.
type fakeOwner struct {
	tr         *transport.MockTransport
	tc         *txn.Context
	transacted bool
	alwaysSync bool
	removed    []command.ProducerId
}

func newFakeOwner(transacted bool) *fakeOwner {
	tr := transport.NewMockTransport()
	sid := command.SessionId{ConnectionId: "conn-1", Value: 1}
	tc := txn.NewContext(sid, tr, &sequentialIDs{})
	return &fakeOwner{tr: tr, tc: tc, transacted: transacted}
}

func (f *fakeOwner) Transport() transport.Transport       { return f.tr }
func (f *fakeOwner) TransactionContext() *txn.Context     { return f.tc }
func (f *fakeOwner) Transacted() bool                     { return f.transacted }
func (f *fakeOwner) AlwaysSyncSend() bool                 { return f.alwaysSync }
func (f *fakeOwner) RemoveProducer(id command.ProducerId) { f.removed = append(f.removed, id) }

func testProducerInfo(window int) command.ProducerInfo {
	dest := command.Destination{Name: "orders"}
	pid := command.ProducerId{ConnectionId: "conn-1", SessionValue: 1, Value: 1}
	return command.ProducerInfo{ProducerId: pid, Destination: dest, WindowSize: window}
}

func TestProducer_NonPersistentSendIsOneway(t *testing.T) {
	owner := newFakeOwner(false)
	p := producer.New(owner, testProducerInfo(0))

	if err := p.Send(context.Background(), []byte("hi"), producer.SendOptions{Persistent: false}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(owner.tr.Oneways) != 1 {
		t.Fatalf("expected 1 oneway send, got %d", len(owner.tr.Oneways))
	}
	if len(owner.tr.Requests) != 0 {
		t.Fatalf("expected no sync requests, got %d", len(owner.tr.Requests))
	}

	sent := owner.tr.Oneways[0].(command.Message)
	if string(sent.Body) != "hi" {
		t.Fatalf("unexpected body: %q", sent.Body)
	}
	if sent.MessageId.Sequence != 1 {
		t.Fatalf("expected first sequence id 1, got %d", sent.MessageId.Sequence)
	}
}

func TestProducer_PersistentSendIsSyncRequest(t *testing.T) {
	owner := newFakeOwner(false)
	p := producer.New(owner, testProducerInfo(0))

	if err := p.Send(context.Background(), []byte("hi"), producer.SendOptions{Persistent: true}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(owner.tr.Requests) != 1 {
		t.Fatalf("expected 1 sync request, got %d", len(owner.tr.Requests))
	}
	if len(owner.tr.Oneways) != 0 {
		t.Fatalf("expected no oneway sends, got %d", len(owner.tr.Oneways))
	}
}

func TestProducer_PersistentAsyncSendIsOneway(t *testing.T) {
	owner := newFakeOwner(false)
	p := producer.New(owner, testProducerInfo(0))

	err := p.Send(context.Background(), []byte("hi"), producer.SendOptions{Persistent: true, AsyncSend: true})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(owner.tr.Oneways) != 1 {
		t.Fatalf("expected 1 oneway send, got %d", len(owner.tr.Oneways))
	}
}

func TestProducer_ExplicitTimeoutForcesSyncRequest(t *testing.T) {
	owner := newFakeOwner(false)
	p := producer.New(owner, testProducerInfo(0))

	opts := producer.SendOptions{Persistent: false, AsyncSend: true, Timeout: time.Second}
	if err := p.Send(context.Background(), []byte("hi"), opts); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(owner.tr.Requests) != 1 {
		t.Fatalf("expected 1 sync request, got %d", len(owner.tr.Requests))
	}
}

func TestProducer_AlwaysSyncSendForcesSyncRequest(t *testing.T) {
	owner := newFakeOwner(false)
	owner.alwaysSync = true
	p := producer.New(owner, testProducerInfo(0))

	if err := p.Send(context.Background(), []byte("hi"), producer.SendOptions{Persistent: false}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(owner.tr.Requests) != 1 {
		t.Fatalf("expected 1 sync request, got %d", len(owner.tr.Requests))
	}
}

func TestProducer_InTransactionPersistentSendIsOnewayAndBeginsTransaction(t *testing.T) {
	owner := newFakeOwner(true)
	p := producer.New(owner, testProducerInfo(0))

	if err := p.Send(context.Background(), []byte("hi"), producer.SendOptions{Persistent: true}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if !owner.tc.InLocalTransaction() {
		t.Fatal("expected Send to begin a local transaction")
	}
	if len(owner.tr.Oneways) != 2 {
		// one Oneway for TransactionInfo{TxBegin}, one for the message itself.
		t.Fatalf("expected 2 oneway sends (begin + message), got %d", len(owner.tr.Oneways))
	}

	sent := owner.tr.Oneways[len(owner.tr.Oneways)-1].(command.Message)
	if sent.TransactionId == nil || sent.TransactionId.Empty() {
		t.Fatal("expected message to carry the active transaction id")
	}
}

func TestProducer_SetTransformerRewritesOutboundMessage(t *testing.T) {
	owner := newFakeOwner(false)
	p := producer.New(owner, testProducerInfo(0))
	p.SetTransformer(func(m *command.Message) *command.Message {
		m.Priority = 9
		return m
	})

	if err := p.Send(context.Background(), []byte("hi"), producer.SendOptions{Persistent: false}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	sent := owner.tr.Oneways[0].(command.Message)
	if sent.Priority != 9 {
		t.Fatalf("expected transformer to set priority 9, got %d", sent.Priority)
	}
}

func TestProducer_WindowBackpressureBlocksUntilCredit(t *testing.T) {
	owner := newFakeOwner(false)
	p := producer.New(owner, testProducerInfo(4))

	if err := p.Send(context.Background(), []byte("ab"), producer.SendOptions{Persistent: true}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := p.Send(context.Background(), []byte("cd"), producer.SendOptions{Persistent: true}); err != nil {
		t.Fatalf("second send: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- p.Send(context.Background(), []byte("ef"), producer.SendOptions{Persistent: true})
	}()

	select {
	case <-done:
		t.Fatal("third send should have blocked on window back-pressure")
	case <-time.After(50 * time.Millisecond):
	}

	p.ReleaseCredit(2)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked send: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("third send never unblocked after ReleaseCredit")
	}
}

func TestProducer_WindowBackpressureRespectsContextCancellation(t *testing.T) {
	owner := newFakeOwner(false)
	p := producer.New(owner, testProducerInfo(2))

	if err := p.Send(context.Background(), []byte("ab"), producer.SendOptions{Persistent: true}); err != nil {
		t.Fatalf("first send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Send(ctx, []byte("cd"), producer.SendOptions{Persistent: true})
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestProducer_CloseRemovesFromOwnerAndUnblocksWaiters(t *testing.T) {
	owner := newFakeOwner(false)
	p := producer.New(owner, testProducerInfo(2))

	if err := p.Send(context.Background(), []byte("ab"), producer.SendOptions{Persistent: true}); err != nil {
		t.Fatalf("first send: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- p.Send(context.Background(), []byte("cd"), producer.SendOptions{Persistent: true})
	}()

	select {
	case <-done:
		t.Fatal("send should have blocked before Close")
	case <-time.After(20 * time.Millisecond):
	}

	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected ErrObjectClosed after Close unblocked the waiter")
		}
	case <-time.After(time.Second):
		t.Fatal("Close never unblocked the waiting Send")
	}

	if len(owner.removed) != 1 || owner.removed[0] != testProducerInfo(0).ProducerId {
		t.Fatalf("expected producer to be removed from owner, got %v", owner.removed)
	}

	if err := p.Send(context.Background(), []byte("ef"), producer.SendOptions{}); err == nil {
		t.Fatal("expected Send after Close to fail")
	}
}

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
	"sync"
	"testing"
	"time"

	"github.com/apache-go-client/activemq-go/pkg/command"
)

type recordingTarget struct {
	mu   sync.Mutex
	seen []int64
}

func (r *recordingTarget) Dispatch(d command.MessageDispatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, d.Message.MessageId.Sequence)
}

func (r *recordingTarget) snapshot() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.seen))
	copy(out, r.seen)
	return out
}

func TestExecutor_DeliversInOrder(t *testing.T) {
	e := NewExecutor()
	id := command.ConsumerId{Value: 1}
	target := &recordingTarget{}
	e.SetTarget(id, target)
	e.Start()
	defer e.Stop(time.Second)

	for _, seq := range []int64{1, 2, 3} {
		e.Execute(command.MessageDispatch{
			ConsumerId: id,
			Message:    &command.Message{MessageId: command.MessageId{Sequence: seq}},
		})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(target.snapshot()) == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := target.snapshot()
	want := []int64{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("delivered %v; expected %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered %v; expected %v", got, want)
		}
	}
}

func TestExecutor_DropsUnknownConsumer(t *testing.T) {
	e := NewExecutor()
	e.Start()
	defer e.Stop(time.Second)

	// No panic, no target registered: the dispatch is just dropped.
	e.Execute(command.MessageDispatch{
		ConsumerId: command.ConsumerId{Value: 99},
		Message:    &command.Message{},
	})

	if !e.Stop(time.Second) {
		t.Fatal("Stop() did not drain in time")
	}
}

func TestExecutor_StopDrains(t *testing.T) {
	e := NewExecutor()
	id := command.ConsumerId{Value: 1}
	target := &recordingTarget{}
	e.SetTarget(id, target)
	e.Start()

	e.Execute(command.MessageDispatch{ConsumerId: id, Message: &command.Message{MessageId: command.MessageId{Sequence: 1}}})

	if !e.Stop(time.Second) {
		t.Fatal("Stop() did not report drained")
	}
	if e.Running() {
		t.Fatal("Running() = true after Stop()")
	}
}

func TestExecutor_ExecuteFirstPreservesOrderAtHead(t *testing.T) {
	e := NewExecutor()
	id := command.ConsumerId{Value: 1}
	target := &recordingTarget{}
	e.SetTarget(id, target)

	// Queue before starting the pump so order is deterministic.
	e.Execute(command.MessageDispatch{ConsumerId: id, Message: &command.Message{MessageId: command.MessageId{Sequence: 2}}})
	e.ExecuteFirst(command.MessageDispatch{ConsumerId: id, Message: &command.Message{MessageId: command.MessageId{Sequence: 1}}})

	e.Start()
	defer e.Stop(time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(target.snapshot()) < 2 {
		time.Sleep(10 * time.Millisecond)
	}

	got := target.snapshot()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("delivery order = %v; expected [1 2]", got)
	}
}

func TestTimerService_SchedulesAndCancels(t *testing.T) {
	s := NewTimerService()

	fired := make(chan struct{}, 1)
	s.Schedule(20*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("scheduled func never fired")
	}

	cancel := s.Schedule(20*time.Millisecond, func() { fired <- struct{}{} })
	cancel()

	select {
	case <-fired:
		t.Fatal("cancelled timer fired anyway")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestTimerService_CloseCancelsAll(t *testing.T) {
	s := NewTimerService()
	fired := make(chan struct{}, 1)
	s.Schedule(30*time.Millisecond, func() { fired <- struct{}{} })
	s.Close()

	select {
	case <-fired:
		t.Fatal("timer fired after Close()")
	case <-time.After(60 * time.Millisecond):
	}

	// Scheduling after Close is a silent no-op.
	cancel := s.Schedule(time.Millisecond, func() { fired <- struct{}{} })
	cancel()
	select {
	case <-fired:
		t.Fatal("timer scheduled after Close() fired")
	case <-time.After(30 * time.Millisecond):
	}
}

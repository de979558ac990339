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
	"testing"
	"time"

	"github.com/apache-go-client/activemq-go/pkg/command"
)

func dispatchWithID(seq int64) command.MessageDispatch {
	return command.MessageDispatch{
		Message: &command.Message{MessageId: command.MessageId{Sequence: seq}},
	}
}

func TestFIFOChannel_OrderPreserved(t *testing.T) {
	c := NewFIFOChannel()
	c.Enqueue(dispatchWithID(1))
	c.Enqueue(dispatchWithID(2))
	c.Enqueue(dispatchWithID(3))

	for _, want := range []int64{1, 2, 3} {
		got := c.DequeueNoWait()
		if got == nil || got.Message.MessageId.Sequence != want {
			t.Fatalf("Dequeue() = %+v; expected sequence %d", got, want)
		}
	}
}

func TestFIFOChannel_EnqueueFirst(t *testing.T) {
	c := NewFIFOChannel()
	c.Enqueue(dispatchWithID(1))
	c.EnqueueFirst(dispatchWithID(0))

	got := c.DequeueNoWait()
	if got == nil || got.Message.MessageId.Sequence != 0 {
		t.Fatalf("Dequeue() = %+v; expected sequence 0 at head", got)
	}
}

func TestFIFOChannel_DequeueNoWaitEmpty(t *testing.T) {
	c := NewFIFOChannel()
	if got := c.DequeueNoWait(); got != nil {
		t.Fatalf("Dequeue() = %+v; expected nil on empty no-wait", got)
	}
}

func TestFIFOChannel_ClosedDequeueReturnsNil(t *testing.T) {
	c := NewFIFOChannel()
	c.Enqueue(dispatchWithID(1))
	c.Close()

	if got := c.Dequeue(-1); got != nil {
		t.Fatalf("Dequeue() after Close() = %+v; expected nil", got)
	}
}

func TestFIFOChannel_StoppedDrainsThenNil(t *testing.T) {
	c := NewFIFOChannel()
	c.Enqueue(dispatchWithID(1))
	c.Stop()

	if got := c.Dequeue(-1); got == nil || got.Message.MessageId.Sequence != 1 {
		t.Fatalf("Dequeue() after Stop() with pending item = %+v; expected sequence 1", got)
	}
	if got := c.Dequeue(-1); got != nil {
		t.Fatalf("Dequeue() after drain = %+v; expected nil once Stopped and empty", got)
	}
}

func TestFIFOChannel_DequeueBlocksUntilEnqueue(t *testing.T) {
	c := NewFIFOChannel()

	done := make(chan *command.MessageDispatch, 1)
	go func() {
		done <- c.Dequeue(2 * time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	c.Enqueue(dispatchWithID(7))

	select {
	case got := <-done:
		if got == nil || got.Message.MessageId.Sequence != 7 {
			t.Fatalf("Dequeue() = %+v; expected sequence 7", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue() did not unblock after Enqueue()")
	}
}

func TestFIFOChannel_DequeueTimesOut(t *testing.T) {
	c := NewFIFOChannel()
	start := time.Now()
	got := c.Dequeue(50 * time.Millisecond)
	if got != nil {
		t.Fatalf("Dequeue() = %+v; expected nil on timeout", got)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("Dequeue() returned after %v; expected to wait roughly the timeout", elapsed)
	}
}

func TestFIFOChannel_RemoveAllAndCount(t *testing.T) {
	c := NewFIFOChannel()
	c.Enqueue(dispatchWithID(1))
	c.Enqueue(dispatchWithID(2))

	if got := c.Count(); got != 2 {
		t.Fatalf("Count() = %d; expected 2", got)
	}

	all := c.RemoveAll()
	if len(all) != 2 {
		t.Fatalf("RemoveAll() len = %d; expected 2", len(all))
	}
	if !c.Empty() {
		t.Fatal("Empty() = false after RemoveAll()")
	}
}

func messageWithPriority(seq int64, priority byte) command.MessageDispatch {
	return command.MessageDispatch{
		Message: &command.Message{
			MessageId: command.MessageId{Sequence: seq},
			Priority:  priority,
		},
	}
}

func TestPriorityChannel_HighestFirst(t *testing.T) {
	c := NewPriorityChannel()
	c.Enqueue(messageWithPriority(1, 4))
	c.Enqueue(messageWithPriority(2, 9))
	c.Enqueue(messageWithPriority(3, 4))
	c.Enqueue(messageWithPriority(4, 0))

	order := []int64{2, 1, 3, 4}
	for _, want := range order {
		got := c.DequeueNoWait()
		if got == nil || got.Message.MessageId.Sequence != want {
			t.Fatalf("Dequeue() = %+v; expected sequence %d", got, want)
		}
	}
}

func TestPriorityChannel_EnqueueFirstWithinBucket(t *testing.T) {
	c := NewPriorityChannel()
	c.Enqueue(messageWithPriority(1, 5))
	c.EnqueueFirst(messageWithPriority(2, 5))

	got := c.DequeueNoWait()
	if got == nil || got.Message.MessageId.Sequence != 2 {
		t.Fatalf("Dequeue() = %+v; expected sequence 2 pushed to head of its bucket", got)
	}
}

func TestPriorityChannel_ClosedReturnsNil(t *testing.T) {
	c := NewPriorityChannel()
	c.Enqueue(messageWithPriority(1, 4))
	c.Close()

	if got := c.Dequeue(-1); got != nil {
		t.Fatalf("Dequeue() after Close() = %+v; expected nil", got)
	}
}

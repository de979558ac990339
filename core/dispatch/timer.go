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
	"time"
)

// Cancel stops a scheduled timer if it hasn't already fired. Calling it
// after the timer fired, or more than once, is a safe no-op.
type Cancel func()

// TimerService schedules deferred work such as redelivery-delay restarts,
// and can cancel every pending timer at once on Close, so a consumer
// shutdown never races a stray redelivery timer firing afterward.
type TimerService struct {
	mu      sync.Mutex
	pending map[*time.Timer]struct{}
	closed  bool
}

// NewTimerService returns a ready-to-use TimerService.
func NewTimerService() *TimerService {
	return &TimerService{pending: make(map[*time.Timer]struct{})}
}

// Schedule runs f after d elapses, unless cancelled first or the service
// is closed first. Scheduling on a closed service is a silent no-op,
// returning a Cancel that does nothing.
func (s *TimerService) Schedule(d time.Duration, f func()) Cancel {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, stillPending := s.pending[t]
		delete(s.pending, t)
		s.mu.Unlock()
		if stillPending {
			f()
		}
	})
	s.pending[t] = struct{}{}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.pending, t)
		s.mu.Unlock()
		t.Stop()
	}
}

// Close cancels every pending timer and rejects further scheduling.
func (s *TimerService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for t := range s.pending {
		t.Stop()
	}
	s.pending = make(map[*time.Timer]struct{})
}

// Pending returns the number of timers currently scheduled.
func (s *TimerService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

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

// Package utils holds small concurrency-safe helpers shared across the
// core packages: monotonic id generation and a non-blocking error funnel.
package utils

import "sync/atomic"

// MonotonicID hands out strictly increasing uint64 values, starting at
// whatever ID is set and incrementing from there. It is used for
// consumer, producer, transaction and message sequence numbers.
type MonotonicID struct {
	ID uint64
}

// Next atomically increments and returns the new value.
func (m *MonotonicID) Next() uint64 {
	return atomic.AddUint64(&m.ID, 1)
}

// Current returns the current value without incrementing it.
func (m *MonotonicID) Current() uint64 {
	return atomic.LoadUint64(&m.ID)
}

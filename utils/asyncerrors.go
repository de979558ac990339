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

package utils

// AsyncErrors is a non-blocking funnel for errors raised on background
// goroutines (reconnects, redelivery timers, listener dispatch) that have
// no synchronous caller to return to. A nil or unbuffered-full channel
// silently drops the error rather than blocking the sender.
type AsyncErrors chan<- error

// Send delivers err without blocking. If the channel is nil or full, the
// error is dropped.
func (a AsyncErrors) Send(err error) {
	if a == nil || err == nil {
		return
	}
	select {
	case a <- err:
	default:
	}
}

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

// Package errkind defines the sentinel error kinds raised across the
// session/consumer/producer runtime, and a Wrap helper that attaches a
// human message and stack trace to one of them.
package errkind

import "github.com/pkg/errors"

var (
	// ErrInvalidDestination is raised creating a consumer/producer with a
	// nil destination.
	ErrInvalidDestination = errors.New("invalid destination")

	// ErrInvalidOperation is raised for commit/rollback on a
	// non-transacted session, or listener registration on a
	// zero-prefetch consumer.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrObjectClosed is raised for any mutation attempted after the
	// owning object has been closed or shut down.
	ErrObjectClosed = errors.New("object closed")

	// ErrConnectionFailure surfaces asynchronously to synchronous
	// receivers woken with no dispatch pending.
	ErrConnectionFailure = errors.New("connection failure")

	// ErrBrokerRejection is returned by a SyncRequest the broker refused
	// (create, ack, commit).
	ErrBrokerRejection = errors.New("broker rejected request")
)

// Wrap attaches msg (formatted with args) and a stack trace to kind, so
// that errors.Is(result, kind) still succeeds at any call site above.
func Wrap(kind error, msg string, args ...interface{}) error {
	return errors.Wrapf(kind, msg, args...)
}

// Is reports whether err is, or wraps, kind.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}

// Copyright 2025 The Arena Authors
//
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

package server

import (
	"errors"
)

// Code classifies client-visible error conditions. The API layer translates
// codes to HTTP status codes, everything else stays internal.
type Code int

const (
	// CodeInternal is an unclassified server-side failure.
	CodeInternal Code = iota
	// CodeInvalidArgument is a validation failure in caller-supplied input.
	CodeInvalidArgument
	// CodeNotFound indicates the referenced user, ticket or match does not exist.
	CodeNotFound
	// CodeConflict indicates a precondition no longer holds: a player already
	// queued, a match no longer active, or a binding race that was lost.
	CodeConflict
	// CodeUnavailable indicates the store could not be reached after retries.
	CodeUnavailable
)

// A type that wraps an outgoing client-facing error together with an underlying cause error.
type statusError struct {
	code   Code
	status error
	cause  error
}

// Implement the error interface.
func (s *statusError) Error() string {
	return s.status.Error()
}

// Implement the ErrorCauser interface to allow the ExecuteInTx wrapper to figure out whether to retry or not.
func (s *statusError) Cause() error {
	return s.cause
}

func (s *statusError) Status() error {
	return s.status
}

func (s *statusError) Code() Code {
	return s.code
}

// Helper function for creating status errors that wrap underlying causes, usually DB errors.
func StatusError(code Code, msg string, cause error) error {
	return &statusError{
		code:   code,
		status: errors.New(msg),
		cause:  cause,
	}
}

// ErrorCode extracts the classification carried by err. Errors that carry no
// classification are treated as internal.
func ErrorCode(err error) Code {
	var se *statusError
	if errors.As(err, &se) {
		return se.code
	}
	return CodeInternal
}

// ErrorCauser is the type implemented by an error that remembers its cause.
//
// ErrorCauser is intentionally equivalent to the causer interface used by
// the github.com/pkg/errors package.
type ErrorCauser interface {
	// Cause returns the proximate cause of this error.
	Cause() error
}

// errorCause returns the original cause of the error, if possible. An error has
// a proximate cause if it implements ErrorCauser; the original cause is the
// first error in the cause chain that does not implement ErrorCauser.
//
// errorCause is intentionally equivalent to pkg/errors.Cause.
func errorCause(err error) error {
	for err != nil {
		cause, ok := err.(ErrorCauser)
		if !ok {
			break
		}
		err = cause.Cause()
	}
	return err
}

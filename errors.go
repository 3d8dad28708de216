// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRegistered is returned by strict registration of an existing category.
	ErrAlreadyRegistered = errors.New("busrpc: already registered")
	// ErrNotFound is returned for operations on an unregistered category or method.
	ErrNotFound = errors.New("busrpc: not registered")
	// ErrMalformedDescription is returned when a category description has no "methods" object.
	ErrMalformedDescription = errors.New("busrpc: malformed category description")
	// ErrSchema is returned when a schema document is not an object or fails to compile.
	ErrSchema = errors.New("busrpc: invalid schema")
	// ErrValidation reports a payload rejected by a compiled schema.
	ErrValidation = errors.New("busrpc: validation failed")
	// ErrTransport wraps failures of the underlying bus transport.
	ErrTransport = errors.New("busrpc: transport error")

	// ErrMessageReleased is returned when replying on a message whose last reference is gone.
	ErrMessageReleased = errors.New("busrpc: message released")
	// ErrNoReply is returned when replying to a notification.
	ErrNoReply = errors.New("busrpc: message does not accept replies")
	// ErrLoopStopped is returned when posting to a loop after Quit.
	ErrLoopStopped = errors.New("busrpc: loop stopped")
	// ErrNoHandle is returned by a subscription point or dual service missing a handle.
	ErrNoHandle = errors.New("busrpc: no handle attached")
	// ErrClosed is returned by a handle or transport after Close.
	ErrClosed = errors.New("busrpc: closed")

	// ErrInvalidConfig is returned for unusable service, role or description files.
	ErrInvalidConfig = errors.New("busrpc: invalid configuration")
)

// ProgrammerError is the panic value for API misuse that cannot be recovered
// from at runtime, such as validating a call without a compiled schema.
type ProgrammerError struct {
	Op  string
	Msg string
}

func (e *ProgrammerError) Error() string {
	return fmt.Sprintf("busrpc: %s: %s", e.Op, e.Msg)
}

func assertf(cond bool, op, format string, args ...any) {
	if !cond {
		panic(&ProgrammerError{Op: op, Msg: fmt.Sprintf(format, args...)})
	}
}

// Bus identifies one side of a dual service.
type Bus string

const (
	BusPublic  Bus = "public"
	BusPrivate Bus = "private"
)

// PartialRegistrationError reports a dual-bus registration that committed on
// some buses but not on others. Registrations on the bus transports cannot be
// rolled back, so the caller decides how to recover: retry the call (append
// is idempotent) or tear the service down.
type PartialRegistrationError struct {
	Category  string
	Committed []Bus
	Failed    Bus
	Err       error
}

func (e *PartialRegistrationError) Error() string {
	return fmt.Sprintf("busrpc: category %s registered on %v but failed on %s: %v",
		e.Category, e.Committed, e.Failed, e.Err)
}

func (e *PartialRegistrationError) Unwrap() error { return e.Err }

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"strings"
)

// MethodFlags modify how inbound calls to a method are handled.
type MethodFlags uint32

const FlagNone MethodFlags = 0

const (
	// FlagValidateIn validates the call payload against the method's call
	// schema before the handler runs.
	FlagValidateIn MethodFlags = 1 << iota
	// FlagDeprecated logs a warning on every call.
	FlagDeprecated
)

func (f MethodFlags) String() string {
	if f == FlagNone {
		return "none"
	}
	var parts []string
	if f&FlagValidateIn != 0 {
		parts = append(parts, "validate-in")
	}
	if f&FlagDeprecated != 0 {
		parts = append(parts, "deprecated")
	}
	return strings.Join(parts, "|")
}

// MethodFunc handles an inbound call. The handler replies through msg; a
// returned error is logged and sent back as a failed reply.
type MethodFunc func(ctx context.Context, msg *Message) error

// Method describes one callable method of a category.
type Method struct {
	Name  string
	Func  MethodFunc
	Flags MethodFlags
}

// Signal describes a signal a category may emit.
type Signal struct {
	Name  string
	Flags MethodFlags
}

// methodEntry is the registry record for a method. An entry without a
// function is a stub created from a category description.
type methodEntry struct {
	fn    MethodFunc
	flags MethodFlags

	call       *Schema
	reply      *Schema
	firstReply *Schema
}

func (e *methodEntry) isStub() bool { return e.fn == nil }

// set applies a direct registration.
func (e *methodEntry) set(m Method) {
	assertf(m.Func != nil, "register method", "method %q has no function", m.Name)

	e.fn = m.Func
	e.flags = m.Flags

	// the call schema is only ever consulted with FlagValidateIn
	if e.flags&FlagValidateIn == 0 {
		e.call = nil
	}
}

// setSchemas replaces all three schemas at once.
func (e *methodEntry) setSchemas(call, reply, firstReply *Schema) {
	e.call, e.reply, e.firstReply = call, reply, firstReply
}

// MethodInfo is a read-only snapshot of a registered method.
type MethodInfo struct {
	Name          string      `json:"name"`
	Flags         MethodFlags `json:"flags"`
	Stub          bool        `json:"stub,omitempty"`
	HasCallSchema bool        `json:"hasCallSchema,omitempty"`
}

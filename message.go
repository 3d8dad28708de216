// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"fmt"
	"sync/atomic"
)

// Responder sends replies for one inbound call back to its sender.
type Responder interface {
	Respond(payload []byte) error
}

// ResponderFunc is a function adapter for Responder
type ResponderFunc func(payload []byte) error

func (f ResponderFunc) Respond(payload []byte) error { return f(payload) }

// MessageInfo carries the routing data of an inbound call as decoded by a
// transport.
type MessageInfo struct {
	Category string
	Method   string
	Payload  []byte

	// Sender is the unique name of the calling connection.
	Sender            string
	SenderServiceName string
	// UniqueToken identifies this call across the bus.
	UniqueToken string
	Token       uint64

	Subscribe     bool
	Kind          string
	ApplicationID string
}

// Message is a reference-counted inbound call. A transport creates it with
// one reference which the dispatching handle drops after the handler
// returns; anything that answers the call later must Retain it first and
// Release it when done.
type Message struct {
	info      MessageInfo
	handle    *Handle
	responder Responder
	onRelease func()

	refs    atomic.Int32
	replies atomic.Int32

	userData any
	entry    *methodEntry
}

// NewMessage wraps an inbound call. responder may be nil for one-way
// notifications; onRelease runs once when the last reference is dropped.
func NewMessage(h *Handle, info MessageInfo, responder Responder, onRelease func()) *Message {
	if info.Kind == "" {
		info.Kind = NormalizeCategory(info.Category) + "/" + info.Method
	}
	m := &Message{
		info:      info,
		handle:    h,
		responder: responder,
		onRelease: onRelease,
	}
	m.refs.Store(1)
	return m
}

func (m *Message) Category() string          { return m.info.Category }
func (m *Message) Method() string            { return m.info.Method }
func (m *Message) Payload() []byte           { return m.info.Payload }
func (m *Message) Sender() string            { return m.info.Sender }
func (m *Message) UniqueToken() string       { return m.info.UniqueToken }
func (m *Message) Token() uint64             { return m.info.Token }
func (m *Message) IsSubscription() bool      { return m.info.Subscribe }
func (m *Message) Kind() string              { return m.info.Kind }
func (m *Message) ApplicationID() string     { return m.info.ApplicationID }
func (m *Message) Handle() *Handle           { return m.handle }
func (m *Message) UserData() any             { return m.userData }
func (m *Message) RefCount() int             { return int(m.refs.Load()) }
func (m *Message) Released() bool            { return m.refs.Load() <= 0 }
func (m *Message) SenderServiceName() string { return m.info.SenderServiceName }

// IsPublic reports whether the call arrived on the public bus of d.
func (m *Message) IsPublic(d *DualService) bool {
	return d != nil && m.handle != nil && m.handle == d.public
}

// Retain adds a reference and returns m.
func (m *Message) Retain() *Message {
	assertf(m.refs.Add(1) > 1, "retain message", "message %s retained after release", m.info.UniqueToken)
	return m
}

// Release drops a reference. The last release frees the transport resources
// behind the message.
func (m *Message) Release() {
	n := m.refs.Add(-1)
	assertf(n >= 0, "release message", "message %s released too many times", m.info.UniqueToken)
	if n == 0 && m.onRelease != nil {
		m.onRelease()
	}
}

// Respond sends a reply payload to the caller.
func (m *Message) Respond(payload []byte) error {
	if m.Released() {
		return ErrMessageReleased
	}
	if m.responder == nil {
		return ErrNoReply
	}
	m.checkReply(payload)
	if err := m.responder.Respond(payload); err != nil {
		return fmt.Errorf("%w: respond to %s: %v", ErrTransport, m.info.UniqueToken, err)
	}
	return nil
}

// RespondJSON encodes v with the package codec and sends it as a reply.
func (m *Message) RespondJSON(v any) error {
	b, err := defaultCodec.Encode(v)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return m.Respond(b)
}

func (m *Message) bind(userData any, entry *methodEntry) {
	m.userData = userData
	m.entry = entry
}

// checkReply validates outgoing replies when the handle asks for it. The
// first reply is checked against firstReply, later ones against reply.
func (m *Message) checkReply(payload []byte) {
	if m.handle == nil || !m.handle.validateReplies || m.entry == nil {
		return
	}
	s := m.entry.reply
	if m.replies.Add(1) == 1 {
		s = m.entry.firstReply
	}
	if s == nil {
		return
	}
	if err := s.Validate(payload); err != nil {
		m.handle.log.Warn().Err(err).
			Str("msgid", "INVALID_REPLY").
			Str("category", m.info.Category).
			Str("method", m.info.Method).
			Msgf("reply does not match schema: %s", payload)
	}
}

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"fmt"
	"slices"
)

// SubscriptionPoint tracks the callers subscribed to one resource and
// broadcasts updates to them. A subscriber is dropped when it cancels its
// call or its connection goes away, whichever comes first.
//
// A point belongs to the loop of its handle and is not safe for concurrent
// use.
type SubscriptionPoint struct {
	h     *Handle
	items []*subscriptionItem

	hooked     bool
	cancelHook CancelHookID
}

// subscriptionItem owns one reference to the subscribing call. Its watch is
// registered exactly while the item is tracked.
type subscriptionItem struct {
	msg   *Message
	token string
	watch WatchID
}

// NewSubscriptionPoint creates a point bound to h. h may be nil and set
// later with SetHandle.
func NewSubscriptionPoint(h *Handle) *SubscriptionPoint {
	p := &SubscriptionPoint{}
	p.SetHandle(h)
	return p
}

// SetHandle binds the point to a handle. The point must be empty.
func (p *SubscriptionPoint) SetHandle(h *Handle) {
	if p.h == h {
		return
	}
	assertf(len(p.items) == 0, "set subscription handle", "point still tracks %d subscribers", len(p.items))
	if p.h != nil {
		p.h.removePoint(p)
	}
	p.h = h
	if h != nil {
		h.addPoint(p)
	}
}

// Len returns the number of tracked subscribers.
func (p *SubscriptionPoint) Len() int { return len(p.items) }

// Tokens returns the unique tokens of the tracked calls in subscription order.
func (p *SubscriptionPoint) Tokens() []string {
	out := make([]string, len(p.items))
	for i, it := range p.items {
		out[i] = it.token
	}
	return out
}

// Subscribe starts tracking msg, which must be a subscription request. The
// point keeps its own reference to msg until the subscriber goes away.
func (p *SubscriptionPoint) Subscribe(msg *Message) error {
	assertf(msg.IsSubscription(), "subscribe", "message %s is not a subscription request", msg.UniqueToken())
	if p.h == nil {
		return ErrNoHandle
	}
	token := msg.UniqueToken()
	if p.find(token) >= 0 {
		return fmt.Errorf("%w: subscription %s", ErrAlreadyRegistered, token)
	}

	if !p.hooked {
		p.cancelHook = p.h.OnCancel(p.remove)
		p.hooked = true
	}

	item := &subscriptionItem{msg: msg.Retain(), token: token}
	item.watch = p.h.WatchSender(msg.Sender(), func() { p.remove(token) })
	p.items = append(p.items, item)

	p.h.metrics.subscriptionAdded(p.h.bus)
	p.h.log.Debug().
		Str("token", token).
		Str("sender", msg.Sender()).
		Str("category", msg.Category()).
		Str("method", msg.Method()).
		Msg("subscriber added")
	return nil
}

// Post sends payload to every tracked subscriber. A failed send is logged
// and does not stop delivery to the others. Post returns false only when
// the point has no handle.
func (p *SubscriptionPoint) Post(payload []byte) bool {
	if p.h == nil {
		return false
	}
	for _, it := range slices.Clone(p.items) {
		if err := it.msg.Respond(payload); err != nil {
			p.h.metrics.subscriptionPostFailed(p.h.bus)
			p.h.log.Error().Err(err).
				Str("msgid", "SUBSCRIPTION_POST_FAILED").
				Str("token", it.token).
				Msg("failed to post to subscriber")
			continue
		}
		p.h.metrics.subscriptionPosted(p.h.bus)
	}
	return true
}

// PostJSON encodes v with the package codec and posts it.
func (p *SubscriptionPoint) PostJSON(v any) (bool, error) {
	b, err := defaultCodec.Encode(v)
	if err != nil {
		return false, fmt.Errorf("encode post: %w", err)
	}
	return p.Post(b), nil
}

func (p *SubscriptionPoint) find(token string) int {
	return slices.IndexFunc(p.items, func(it *subscriptionItem) bool { return it.token == token })
}

// remove drops the subscriber with the given token. Cancel and disconnect
// may both arrive for the same subscriber; the second is a no-op.
func (p *SubscriptionPoint) remove(token string) {
	i := p.find(token)
	if i < 0 {
		return
	}
	item := p.items[i]
	p.items = slices.Delete(p.items, i, i+1)
	p.clean(item)

	if len(p.items) == 0 {
		p.unhook()
	}
	p.h.log.Debug().Str("token", token).Msg("subscriber removed")
}

func (p *SubscriptionPoint) clean(item *subscriptionItem) {
	p.h.CancelWatch(item.watch)
	item.msg.Release()
	item.msg = nil
	p.h.metrics.subscriptionRemoved(p.h.bus)
}

func (p *SubscriptionPoint) unhook() {
	if !p.hooked {
		return
	}
	p.h.RemoveCancelHook(p.cancelHook)
	p.hooked = false
}

// Close drops every subscriber and unbinds the point from its handle.
func (p *SubscriptionPoint) Close() {
	if p.h == nil {
		return
	}
	items := p.items
	p.items = nil
	for _, it := range items {
		p.clean(it)
	}
	p.unhook()
	p.h.removePoint(p)
	p.h = nil
}

func (p *SubscriptionPoint) infos() []SubscriptionInfo {
	out := make([]SubscriptionInfo, 0, len(p.items))
	for _, it := range p.items {
		out = append(out, SubscriptionInfo{
			Token:    it.token,
			Sender:   it.msg.Sender(),
			Service:  it.msg.SenderServiceName(),
			Category: NormalizeCategory(it.msg.Category()),
			Method:   it.msg.Method(),
		})
	}
	return out
}

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport records what a handle tells the bus.
type fakeTransport struct {
	mu        sync.Mutex
	announced map[string][]string
	gone      map[string]bool
	roles     []*Role
	priority  int
	appendErr error
	closed    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		announced: make(map[string][]string),
		gone:      make(map[string]bool),
	}
}

func (f *fakeTransport) Serve(ctx context.Context, _ *Handle) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeTransport) AppendCategory(path string, methods []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.announced[path] = append(f.announced[path], methods...)
	return nil
}

func (f *fakeTransport) Connected(sender string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed && !f.gone[sender]
}

func (f *fakeTransport) Addr() string { return "fake" }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) PushRole(role *Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles = append(f.roles, role)
	return nil
}

func (f *fakeTransport) SetPriority(priority int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priority = priority
	return nil
}

func (f *fakeTransport) disconnect(sender string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gone[sender] = true
}

func (f *fakeTransport) methods(path string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.announced[path]...)
}

// recorder collects the replies sent to one call.
type recorder struct {
	mu      sync.Mutex
	replies []string
	fail    error
}

func (r *recorder) Respond(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.replies = append(r.replies, string(payload))
	return nil
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.replies...)
}

func (r *recorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.replies) == 0 {
		return ""
	}
	return r.replies[len(r.replies)-1]
}

func newCall(h *Handle, category, method, payload string, rec *recorder) *Message {
	return NewMessage(h, MessageInfo{
		Category:    category,
		Method:      method,
		Payload:     []byte(payload),
		Sender:      "client-1",
		UniqueToken: "client-1.1",
		Token:       1,
	}, rec, nil)
}

func newSubscribeCall(h *Handle, sender, token string, rec *recorder, released *int) *Message {
	return NewMessage(h, MessageInfo{
		Category:    "/res",
		Method:      "watch",
		Payload:     []byte(`{"subscribe":true}`),
		Sender:      sender,
		UniqueToken: token,
		Subscribe:   true,
	}, rec, func() { *released++ })
}

func noopMethod(name string) Method {
	return Method{Name: name, Func: func(context.Context, *Message) error { return nil }}
}

// runLoop runs loop until the test ends.
func runLoop(t *testing.T, loop *Loop) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// onLoop runs fn on h's loop and waits for it.
func onLoop(t *testing.T, h *Handle, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Exec(ctx, fn))
}

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Transport types
const (
	TransportZAP  = "zap"  // Length-prefixed binary frames, default
	TransportGRPC = "grpc" // Generic gRPC streams
)

// DefaultTransport is the default transport type (ZAP)
const DefaultTransport = TransportZAP

// Transport connects a Handle to a bus. Inbound traffic is only posted to
// the handle's loop through Deliver, DeliverCancel and DeliverDisconnect.
type Transport interface {
	// Serve accepts callers until ctx is done or the transport is closed
	Serve(ctx context.Context, h *Handle) error

	// AppendCategory advertises method names of a category on the bus
	AppendCategory(path string, methods []string) error

	// Connected reports whether a sender is still attached
	Connected(sender string) bool

	Addr() string
	Close() error
}

// RolePusher is implemented by transports that forward security roles to
// the bus.
type RolePusher interface {
	PushRole(role *Role) error
}

// PrioritySetter is implemented by transports with their own scheduling.
type PrioritySetter interface {
	SetPriority(priority int) error
}

type dialFunc func(ctx context.Context, addr string, o *dialOptions) (Client, error)
type listenFunc func(addr string, o *serverOptions) (Transport, error)

var (
	transportsMu sync.RWMutex
	transports   = map[string]struct {
		dial   dialFunc
		listen listenFunc
	}{
		TransportZAP: {dialZAP, listenZAP},
	}
)

// registerTransport registers a new transport
func registerTransport(name string, dial dialFunc, listen listenFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = struct {
		dial   dialFunc
		listen listenFunc
	}{dial, listen}
}

// AvailableTransports returns list of available transport types
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	_, ok := transports[name]
	return ok
}

// Dial connects to a bus service using the default transport (ZAP).
func Dial(ctx context.Context, addr string, opts ...DialOption) (Client, error) {
	o := &dialOptions{transport: DefaultTransport}
	for _, opt := range opts {
		opt(o)
	}

	transportsMu.RLock()
	t, ok := transports[o.transport]
	transportsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", o.transport)
	}
	return t.dial(ctx, addr, o)
}

// Listen creates a bus transport using the default transport (ZAP). The
// transport starts serving once a handle using it is attached to a loop.
func Listen(addr string, opts ...ServerOption) (Transport, error) {
	o := &serverOptions{transport: DefaultTransport}
	for _, opt := range opts {
		opt(o)
	}

	transportsMu.RLock()
	t, ok := transports[o.transport]
	transportsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", o.transport)
	}
	return t.listen(addr, o)
}

// methodDirectory is the set of methods a transport has advertised. Calls
// to anything else are refused before they reach the handle.
type methodDirectory struct {
	mu      sync.RWMutex
	methods map[string]map[string]struct{}
}

func (d *methodDirectory) add(path string, methods []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.methods == nil {
		d.methods = make(map[string]map[string]struct{})
	}
	path = NormalizeCategory(path)
	set, ok := d.methods[path]
	if !ok {
		set = make(map[string]struct{}, len(methods))
		d.methods[path] = set
	}
	for _, m := range methods {
		set[m] = struct{}{}
	}
}

func (d *methodDirectory) has(path, method string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.methods[NormalizeCategory(path)][method]
	return ok
}

// deliverCall hands a decoded call to h. When the loop refuses it the
// message is released here.
func deliverCall(ctx context.Context, h *Handle, info MessageInfo, r Responder, onRelease func()) error {
	msg := NewMessage(h, info, r, onRelease)
	if err := h.Deliver(ctx, msg); err != nil {
		msg.Release()
		return err
	}
	return nil
}

func unknownMethodText(category, method string) string {
	return fmt.Sprintf("unknown method %q for category %q", method, NormalizeCategory(category))
}

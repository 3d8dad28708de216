// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Client calls methods of a bus service. Methods are addressed as
// "/<category>/<method>".
type Client interface {
	// Call makes a synchronous call with codec-encoded arguments
	Call(ctx context.Context, method string, args, reply any) error

	// CallRaw makes a call with a pre-encoded payload
	CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error)

	// Subscribe makes a subscription call; replies keep arriving until the
	// subscription is cancelled or the service drops it
	Subscribe(ctx context.Context, method string, payload []byte) (Subscription, error)

	// Notify sends a one-way message (no response expected)
	Notify(ctx context.Context, method string, args any) error

	// Close closes the connection
	Close() error
}

// Subscription is the client side of a subscription call.
type Subscription interface {
	// Replies delivers every reply; it is closed when the subscription ends
	Replies() <-chan []byte

	// Cancel asks the service to drop the subscription
	Cancel() error

	// Err reports why the subscription ended once Replies is closed
	Err() error
}

// Codec encodes/decodes call payloads
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// DialOption configures client connections
type DialOption func(*dialOptions)

type dialOptions struct {
	codec       Codec
	transport   string // "zap", "grpc"
	serviceName string
}

// WithCodec sets a custom codec
func WithCodec(c Codec) DialOption {
	return func(o *dialOptions) { o.codec = c }
}

// WithTransport explicitly sets the transport type
func WithTransport(t string) DialOption {
	return func(o *dialOptions) { o.transport = t }
}

// WithServiceName announces the caller's service name to the callee
func WithServiceName(name string) DialOption {
	return func(o *dialOptions) { o.serviceName = name }
}

func (o *dialOptions) encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	c := o.codec
	if c == nil {
		c = defaultCodec
	}
	b, err := c.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	return b, nil
}

func (o *dialOptions) decode(data []byte, v any) error {
	if v == nil || len(data) == 0 {
		return nil
	}
	c := o.codec
	if c == nil {
		c = defaultCodec
	}
	if err := c.Decode(data, v); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

// ServerOption configures transports returned by Listen
type ServerOption func(*serverOptions)

type serverOptions struct {
	transport string
	log       zerolog.Logger
}

// WithServerTransport explicitly sets the transport type for the server
func WithServerTransport(t string) ServerOption {
	return func(o *serverOptions) { o.transport = t }
}

// WithServerLogger sets the transport's logger
func WithServerLogger(log zerolog.Logger) ServerOption {
	return func(o *serverOptions) { o.log = log }
}

// SplitMethod splits "/<category>/<method>" at its last slash. A bare
// method name addresses the default category.
func SplitMethod(address string) (category, method string, err error) {
	category, method = DefaultCategory, address
	if i := strings.LastIndex(address, "/"); i >= 0 {
		category, method = NormalizeCategory(address[:i]), address[i+1:]
	}
	if method == "" {
		return "", "", fmt.Errorf("busrpc: no method in address %q", address)
	}
	return category, method, nil
}

// JoinMethod builds the address of a method.
func JoinMethod(category, method string) string {
	path := NormalizeCategory(category)
	if path == DefaultCategory {
		return "/" + method
	}
	return path + "/" + method
}

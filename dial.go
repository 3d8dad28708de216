// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"net"
)

// dialZAP creates a ZAP client
func dialZAP(ctx context.Context, addr string, o *dialOptions) (Client, error) {
	conn, err := ZAPDial(ctx, addr, o.serviceName)
	if err != nil {
		return nil, err
	}
	return &zapClient{conn: conn, opts: o}, nil
}

// listenZAP creates a ZAP server
func listenZAP(addr string, o *serverOptions) (Transport, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewZAPServer(listener, o.log), nil
}

// zapClient implements Client using ZAP transport
type zapClient struct {
	conn *ZAPConn
	opts *dialOptions
}

func (c *zapClient) Call(ctx context.Context, method string, args, reply any) error {
	payload, err := c.opts.encode(args)
	if err != nil {
		return err
	}
	resp, err := c.conn.Call(ctx, method, payload)
	if err != nil {
		return err
	}
	return c.opts.decode(resp, reply)
}

func (c *zapClient) CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error) {
	return c.conn.Call(ctx, method, payload)
}

func (c *zapClient) Subscribe(ctx context.Context, method string, payload []byte) (Subscription, error) {
	return c.conn.Subscribe(ctx, method, payload)
}

func (c *zapClient) Notify(ctx context.Context, method string, args any) error {
	payload, err := c.opts.encode(args)
	if err != nil {
		return err
	}
	return c.conn.Notify(ctx, method, payload)
}

func (c *zapClient) Close() error {
	return c.conn.Close()
}

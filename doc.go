// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package busrpc is the service side of a message-bus RPC layer. A service
// registers categories of methods on a connection handle, describes their
// payloads with JSON schemas, and tracks subscribers that receive updates
// until they cancel or disconnect.
//
// # Dual bus
//
// A DualService exposes one service name on a public and a private bus. The
// private bus always serves the public methods too:
//
//	d, err := busrpc.RegisterDualService("com.example.svc", pubOpts, privOpts)
//	err = d.RegisterCategory("/settings",
//	    []busrpc.Method{{Name: "get", Func: get, Flags: busrpc.FlagValidateIn}},
//	    []busrpc.Method{{Name: "reset", Func: reset}},
//	    nil)
//	err = d.SetCategoryDescription("/settings", description)
//
// # Loop
//
// Every handle is attached to a Loop, a single goroutine running prioritized
// tasks. Transports never touch registries or subscriptions directly: they
// post inbound calls, cancels and disconnects to the loop.
//
//	loop := busrpc.NewLoop()
//	d.AttachToLoop(loop)
//	go loop.Run(ctx)
//
// # Subscriptions
//
// A SubscriptionPoint keeps a reference to every subscribing call and posts
// updates to all of them:
//
//	point := busrpc.NewSubscriptionPoint(d.Private())
//	...
//	if msg.IsSubscription() {
//	    point.Subscribe(msg)
//	}
//	point.PostJSON(update)
//
// # Transports
//
// ZAP is the default transport. gRPC is selected with
// WithServerTransport(TransportGRPC) and WithTransport(TransportGRPC):
//
//	t, err := busrpc.Listen(":9000")
//	h := busrpc.NewHandle("com.example.svc", busrpc.WithHandleTransport(t))
//
//	client, err := busrpc.Dial(ctx, "localhost:9000")
//	resp, err := client.CallRaw(ctx, "/settings/get", []byte(`{"key":"x"}`))
//
// NewRouter adds HTTP introspection and a JSON-RPC 2.0 gateway; CallJSON is
// its client.
//
// # Architecture
//
//   - schema.go, method.go, category.go, registry.go: schemas, method
//     tables and dispatch
//   - dual.go: public/private registration
//   - subscription.go: subscriber tracking
//   - handle.go, loop.go, message.go: bus attachment and call lifecycle
//   - transport.go, zap.go, dial.go, dial_grpc.go: bus transports
//   - gateway.go, json.go, introspect.go: HTTP surface
//   - config.go, watcher.go: service files and description hot reload
package busrpc

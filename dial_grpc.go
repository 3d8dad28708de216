// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Metadata keys understood by the gRPC transport
const (
	mdSubscribe = "x-bus-subscribe"
	mdNotify    = "x-bus-notify"
	mdService   = "x-bus-service"
)

var ErrGRPCStreamEnded = errors.New("grpc: stream ended")

// every call is one server stream carrying raw payloads
var busStreamDesc = &grpc.StreamDesc{ServerStreams: true}

func init() {
	encoding.RegisterCodec(rawCodec{})
	registerTransport(TransportGRPC, dialGRPC, listenGRPC)
}

func dialGRPC(ctx context.Context, addr string, o *dialOptions) (Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rawCodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return &grpcClient{conn: conn, opts: o}, nil
}

func listenGRPC(addr string, o *serverOptions) (Transport, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewGRPCServer(listener, o.log), nil
}

type grpcClient struct {
	conn *grpc.ClientConn
	opts *dialOptions
}

func (c *grpcClient) outgoing(ctx context.Context, pairs ...string) context.Context {
	if c.opts.serviceName != "" {
		pairs = append(pairs, mdService, c.opts.serviceName)
	}
	if len(pairs) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

func (c *grpcClient) Call(ctx context.Context, method string, args, reply any) error {
	payload, err := c.opts.encode(args)
	if err != nil {
		return err
	}
	resp, err := c.CallRaw(ctx, method, payload)
	if err != nil {
		return err
	}
	return c.opts.decode(resp, reply)
}

func (c *grpcClient) CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error) {
	var resp []byte
	if err := c.conn.Invoke(c.outgoing(ctx), method, &payload, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Subscribe opens a subscription stream. ctx bounds the lifetime of the
// subscription.
func (c *grpcClient) Subscribe(ctx context.Context, method string, payload []byte) (Subscription, error) {
	ctx, cancel := context.WithCancel(c.outgoing(ctx, mdSubscribe, "true"))
	stream, err := c.open(ctx, method, payload)
	if err != nil {
		cancel()
		return nil, err
	}
	sub := &grpcSubscription{
		ctx:     ctx,
		cancel:  cancel,
		stream:  stream,
		replies: make(chan []byte, 16),
	}
	go sub.pump()
	return sub, nil
}

func (c *grpcClient) Notify(ctx context.Context, method string, args any) error {
	payload, err := c.opts.encode(args)
	if err != nil {
		return err
	}
	stream, err := c.open(c.outgoing(ctx, mdNotify, "true"), method, payload)
	if err != nil {
		return err
	}
	var ignored []byte
	if err := stream.RecvMsg(&ignored); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (c *grpcClient) open(ctx context.Context, method string, payload []byte) (grpc.ClientStream, error) {
	stream, err := c.conn.NewStream(ctx, busStreamDesc, method)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&payload); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}

func (c *grpcClient) Close() error {
	return c.conn.Close()
}

type grpcSubscription struct {
	ctx     context.Context
	cancel  context.CancelFunc
	stream  grpc.ClientStream
	replies chan []byte
	err     error
}

func (s *grpcSubscription) pump() {
	defer close(s.replies)
	for {
		var b []byte
		if err := s.stream.RecvMsg(&b); err != nil {
			if err != io.EOF && status.Code(err) != codes.Canceled {
				s.err = err
			}
			return
		}
		select {
		case s.replies <- b:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *grpcSubscription) Replies() <-chan []byte { return s.replies }
func (s *grpcSubscription) Err() error             { return s.err }

// Cancel ends the stream; the service sees the caller go away.
func (s *grpcSubscription) Cancel() error {
	s.cancel()
	return nil
}

// GRPCServer is the bus side of the gRPC transport. Every stream is its own
// sender, so the end of a stream is the disconnect of that sender.
type GRPCServer struct {
	listener net.Listener
	log      zerolog.Logger
	dir      methodDirectory
	streams  sync.Map // sender -> struct{}
	closed   atomic.Bool

	mu     sync.Mutex
	server *grpc.Server
}

// NewGRPCServer creates a gRPC transport serving on listener
func NewGRPCServer(listener net.Listener, log zerolog.Logger) *GRPCServer {
	return &GRPCServer{
		listener: listener,
		log:      log.With().Str("transport", TransportGRPC).Logger(),
	}
}

// Serve runs the gRPC server and posts every stream to h
func (s *GRPCServer) Serve(ctx context.Context, h *Handle) error {
	server := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		return s.handleStream(ctx, h, stream)
	}))

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil
	}
	s.server = server
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, server.Stop)
	defer stop()

	err := server.Serve(s.listener)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.closed.Load() {
		return nil
	}
	return err
}

func (s *GRPCServer) handleStream(ctx context.Context, h *Handle, stream grpc.ServerStream) error {
	fullMethod, _ := grpc.MethodFromServerStream(stream)
	category, method, err := SplitMethod(fullMethod)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if !s.dir.has(category, method) {
		return status.Error(codes.Unimplemented, unknownMethodText(category, method))
	}

	md, _ := metadata.FromIncomingContext(stream.Context())
	notify := firstMD(md, mdNotify) == "true"

	var payload []byte
	if err := stream.RecvMsg(&payload); err != nil && err != io.EOF {
		return err
	}

	sender := uuid.NewString()
	token := sender + ".1"
	s.streams.Store(sender, struct{}{})
	defer s.streams.Delete(sender)

	var (
		sendMu sync.Mutex
		ended  bool
	)
	released := make(chan struct{})
	var r Responder = ResponderFunc(func(b []byte) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		if ended {
			return ErrGRPCStreamEnded
		}
		return stream.SendMsg(&b)
	})
	if notify {
		r = nil
	}

	info := MessageInfo{
		Category:          category,
		Method:            method,
		Payload:           payload,
		Sender:            sender,
		SenderServiceName: firstMD(md, mdService),
		UniqueToken:       token,
		Token:             1,
		Subscribe:         firstMD(md, mdSubscribe) == "true",
	}
	if err := deliverCall(ctx, h, info, r, func() { close(released) }); err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	if notify {
		return nil
	}

	var gone bool
	select {
	case <-released:
		return nil
	case <-stream.Context().Done():
		gone = true
	case <-ctx.Done():
	}

	sendMu.Lock()
	ended = true
	sendMu.Unlock()

	s.streams.Delete(sender)
	if err := h.DeliverCancel(token); err != nil {
		s.log.Debug().Err(err).Str("token", token).Msg("cancel not delivered")
	}
	if err := h.DeliverDisconnect(sender); err != nil {
		s.log.Debug().Err(err).Str("sender", sender).Msg("disconnect not delivered")
	}
	if gone {
		return nil
	}
	return status.Error(codes.Unavailable, "bus transport shutting down")
}

func firstMD(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

// AppendCategory advertises methods of a category
func (s *GRPCServer) AppendCategory(path string, methods []string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.dir.add(path, methods)
	return nil
}

// Connected reports whether sender's stream is open
func (s *GRPCServer) Connected(sender string) bool {
	if s.closed.Load() {
		return false
	}
	_, ok := s.streams.Load(sender)
	return ok
}

func (s *GRPCServer) Addr() string {
	return s.listener.Addr().String()
}

// Close stops the server and ends every open stream
func (s *GRPCServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server != nil {
		server.Stop()
		return nil
	}
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

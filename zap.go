// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrZAPClosed      = errors.New("zap: connection closed")
	ErrZAPTimeout     = errors.New("zap: request timeout")
	ErrZAPInvalidResp = errors.New("zap: invalid response")
	ErrZAPNoResponse  = errors.New("zap: call ended without response")
	ErrZAPRemote      = errors.New("zap: remote error")
)

// MessageType identifies ZAP message types
type MessageType uint8

const (
	MsgRequest   MessageType = 0x01
	MsgResponse  MessageType = 0x02
	MsgError     MessageType = 0x03
	MsgNotify    MessageType = 0x04
	MsgSubscribe MessageType = 0x05
	MsgCancel    MessageType = 0x06
	MsgEnd       MessageType = 0x07
	MsgHello     MessageType = 0x08
)

const (
	zapMaxFrame     = 64 * 1024 * 1024 // 64MB max
	zapWriteTimeout = 30 * time.Second
)

// zapFrame is one decoded frame:
// [4 len][1 type][4 reqID]([2 methodLen][method])[payload]
// The method part is only present for calls.
type zapFrame struct {
	typ     MessageType
	reqID   uint32
	method  string
	payload []byte
}

func (t MessageType) hasMethod() bool {
	return t == MsgRequest || t == MsgSubscribe || t == MsgNotify
}

func encodeFrame(t MessageType, reqID uint32, method string, payload []byte) []byte {
	msgLen := 1 + 4 + len(payload)
	if t.hasMethod() {
		msgLen += 2 + len(method)
	}

	buf := make([]byte, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(t)
	binary.BigEndian.PutUint32(buf[5:9], reqID)
	off := 9
	if t.hasMethod() {
		binary.BigEndian.PutUint16(buf[9:11], uint16(len(method)))
		copy(buf[11:], method)
		off = 11 + len(method)
	}
	copy(buf[off:], payload)
	return buf
}

func readFrame(r io.Reader, header []byte) (zapFrame, error) {
	if _, err := io.ReadFull(r, header); err != nil {
		return zapFrame{}, err
	}
	msgLen := binary.BigEndian.Uint32(header)
	if msgLen < 5 || msgLen > zapMaxFrame {
		return zapFrame{}, fmt.Errorf("%w: frame length %d", ErrZAPInvalidResp, msgLen)
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return zapFrame{}, err
	}

	f := zapFrame{typ: MessageType(msg[0]), reqID: binary.BigEndian.Uint32(msg[1:5])}
	body := msg[5:]
	if f.typ.hasMethod() {
		if len(body) < 2 {
			return zapFrame{}, fmt.Errorf("%w: short call frame", ErrZAPInvalidResp)
		}
		methodLen := int(binary.BigEndian.Uint16(body[0:2]))
		if len(body) < 2+methodLen {
			return zapFrame{}, fmt.Errorf("%w: method overruns frame", ErrZAPInvalidResp)
		}
		f.method = string(body[2 : 2+methodLen])
		body = body[2+methodLen:]
	}
	f.payload = body
	return f, nil
}

// ZAPResponse holds a response from a ZAP call
type ZAPResponse struct {
	Data []byte
	Err  error
}

// zapStream collects the responses of one call. Only the read loop sends
// on or closes ch.
type zapStream struct {
	ch   chan ZAPResponse
	done chan struct{}
	stop sync.Once
}

func newZAPStream(size int) *zapStream {
	return &zapStream{ch: make(chan ZAPResponse, size), done: make(chan struct{})}
}

func (s *zapStream) cancel() { s.stop.Do(func() { close(s.done) }) }

// ZAPConn represents a ZAP connection to a bus service
type ZAPConn struct {
	conn     net.Conn
	writeMu  sync.Mutex
	pending  sync.Map // requestID -> *zapStream
	nextID   atomic.Uint32
	closed   atomic.Bool
	quit     chan struct{}
	readDone chan struct{}
}

// ZAPDial connects to a ZAP server. A non-empty serviceName is announced
// to the server as the caller's service name.
func ZAPDial(ctx context.Context, addr, serviceName string) (*ZAPConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("zap dial: %w", err)
	}

	zc := &ZAPConn{
		conn:     conn,
		quit:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	if serviceName != "" {
		if err := zc.write(encodeFrame(MsgHello, 0, "", []byte(serviceName))); err != nil {
			conn.Close()
			return nil, err
		}
	}
	go zc.readLoop()
	return zc, nil
}

func (z *ZAPConn) write(buf []byte) error {
	if z.closed.Load() {
		return ErrZAPClosed
	}
	z.writeMu.Lock()
	_, err := z.conn.Write(buf)
	z.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("zap write: %w", err)
	}
	return nil
}

func (z *ZAPConn) open(size int) (uint32, *zapStream, error) {
	requestID := z.nextID.Add(1)
	s := newZAPStream(size)
	z.pending.Store(requestID, s)
	select {
	case <-z.readDone:
		z.pending.Delete(requestID)
		return 0, nil, ErrZAPClosed
	default:
	}
	return requestID, s, nil
}

// Call makes a ZAP call and waits for its first response
func (z *ZAPConn) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	if z.closed.Load() {
		return nil, ErrZAPClosed
	}

	requestID, s, err := z.open(1)
	if err != nil {
		return nil, err
	}
	defer func() {
		z.pending.Delete(requestID)
		s.cancel()
	}()

	if err := z.write(encodeFrame(MsgRequest, requestID, method, payload)); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		_ = z.write(encodeFrame(MsgCancel, requestID, "", nil))
		return nil, ctx.Err()
	case resp, ok := <-s.ch:
		if !ok {
			select {
			case <-z.readDone:
				return nil, ErrZAPClosed
			default:
				return nil, ErrZAPNoResponse
			}
		}
		if resp.Err != nil {
			return nil, resp.Err
		}
		return resp.Data, nil
	case <-z.readDone:
		return nil, ErrZAPClosed
	}
}

// Subscribe makes a ZAP subscription call. Replies are delivered until the
// server ends the call, the subscription is cancelled or the connection
// closes.
func (z *ZAPConn) Subscribe(ctx context.Context, method string, payload []byte) (Subscription, error) {
	if z.closed.Load() {
		return nil, ErrZAPClosed
	}

	requestID, s, err := z.open(16)
	if err != nil {
		return nil, err
	}
	if err := z.write(encodeFrame(MsgSubscribe, requestID, method, payload)); err != nil {
		z.pending.Delete(requestID)
		return nil, err
	}

	sub := &zapSubscription{
		conn:    z,
		id:      requestID,
		stream:  s,
		replies: make(chan []byte, 16),
	}
	go sub.pump()
	return sub, nil
}

// Notify sends a one-way notification (no response expected)
func (z *ZAPConn) Notify(ctx context.Context, method string, payload []byte) error {
	if z.closed.Load() {
		return ErrZAPClosed
	}
	return z.write(encodeFrame(MsgNotify, 0, method, payload))
}

func (z *ZAPConn) readLoop() {
	defer func() {
		close(z.readDone)
		z.pending.Range(func(key, _ any) bool {
			if s, ok := z.pending.LoadAndDelete(key); ok {
				close(s.(*zapStream).ch)
			}
			return true
		})
	}()

	header := make([]byte, 4)
	for {
		f, err := readFrame(z.conn, header)
		if err != nil {
			return
		}

		v, ok := z.pending.Load(f.reqID)
		if !ok {
			continue
		}
		s := v.(*zapStream)

		switch f.typ {
		case MsgResponse:
			z.deliver(s, ZAPResponse{Data: f.payload})
		case MsgError:
			z.deliver(s, ZAPResponse{Err: fmt.Errorf("%w: %s", ErrZAPRemote, f.payload)})
			z.finish(f.reqID)
		case MsgEnd:
			z.finish(f.reqID)
		}
	}
}

func (z *ZAPConn) deliver(s *zapStream, resp ZAPResponse) {
	select {
	case s.ch <- resp:
	case <-s.done:
	case <-z.quit:
	}
}

func (z *ZAPConn) finish(requestID uint32) {
	if s, ok := z.pending.LoadAndDelete(requestID); ok {
		close(s.(*zapStream).ch)
	}
}

// Close closes the connection
func (z *ZAPConn) Close() error {
	if z.closed.Swap(true) {
		return nil
	}
	close(z.quit)
	return z.conn.Close()
}

// zapSubscription implements Subscription over a ZAP stream
type zapSubscription struct {
	conn    *ZAPConn
	id      uint32
	stream  *zapStream
	replies chan []byte
	err     error
}

func (s *zapSubscription) pump() {
	defer close(s.replies)
	for resp := range s.stream.ch {
		if resp.Err != nil {
			s.err = resp.Err
			continue
		}
		select {
		case s.replies <- resp.Data:
		case <-s.stream.done:
			return
		}
	}
}

func (s *zapSubscription) Replies() <-chan []byte { return s.replies }

// Err returns the error that ended the subscription, if any. It is only
// meaningful once Replies is closed.
func (s *zapSubscription) Err() error { return s.err }

func (s *zapSubscription) Cancel() error {
	s.stream.cancel()
	return s.conn.write(encodeFrame(MsgCancel, s.id, "", nil))
}

// ZAPServer is the bus side of the ZAP transport. Every accepted connection
// is a sender with a generated unique name; its calls are tokenized as
// "<sender>.<requestID>".
type ZAPServer struct {
	listener net.Listener
	log      zerolog.Logger
	dir      methodDirectory
	peers    sync.Map // sender -> *zapPeer
	closed   atomic.Bool
}

// zapPeer is one accepted connection
type zapPeer struct {
	sender      string
	serviceName string
	conn        net.Conn
	writeMu     sync.Mutex
	notifies    uint64
}

func (p *zapPeer) token(requestID uint32) string {
	return fmt.Sprintf("%s.%d", p.sender, requestID)
}

func (p *zapPeer) send(t MessageType, requestID uint32, payload []byte) error {
	buf := encodeFrame(t, requestID, "", payload)
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(zapWriteTimeout))
	_, err := p.conn.Write(buf)
	return err
}

// NewZAPServer creates a new ZAP server
func NewZAPServer(listener net.Listener, log zerolog.Logger) *ZAPServer {
	return &ZAPServer{
		listener: listener,
		log:      log.With().Str("transport", TransportZAP).Logger(),
	}
}

// Serve accepts connections and posts their calls to h
func (s *ZAPServer) Serve(ctx context.Context, h *Handle) error {
	stop := context.AfterFunc(ctx, func() { s.listener.Close() })
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			continue
		}
		go s.handleConn(ctx, h, conn)
	}
}

func (s *ZAPServer) handleConn(ctx context.Context, h *Handle, conn net.Conn) {
	p := &zapPeer{sender: uuid.NewString(), conn: conn}
	s.peers.Store(p.sender, p)
	defer func() {
		s.peers.Delete(p.sender)
		conn.Close()
		if err := h.DeliverDisconnect(p.sender); err != nil {
			s.log.Debug().Err(err).Str("sender", p.sender).Msg("disconnect not delivered")
		}
	}()

	header := make([]byte, 4)
	for {
		f, err := readFrame(conn, header)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				s.log.Debug().Err(err).Str("sender", p.sender).Msg("connection dropped")
			}
			return
		}

		switch f.typ {
		case MsgHello:
			p.serviceName = string(f.payload)
		case MsgRequest, MsgSubscribe, MsgNotify:
			s.handleCall(ctx, h, p, f)
		case MsgCancel:
			if err := h.DeliverCancel(p.token(f.reqID)); err != nil {
				s.log.Debug().Err(err).Str("token", p.token(f.reqID)).Msg("cancel not delivered")
			}
		}
	}
}

func (s *ZAPServer) handleCall(ctx context.Context, h *Handle, p *zapPeer, f zapFrame) {
	category, method, err := SplitMethod(f.method)
	if err == nil && !s.dir.has(category, method) {
		err = errors.New(unknownMethodText(category, method))
	}
	if err != nil {
		if f.typ != MsgNotify {
			_ = p.send(MsgError, f.reqID, []byte(err.Error()))
		}
		return
	}

	info := MessageInfo{
		Category:          category,
		Method:            method,
		Payload:           f.payload,
		Sender:            p.sender,
		SenderServiceName: p.serviceName,
		UniqueToken:       p.token(f.reqID),
		Token:             uint64(f.reqID),
		Subscribe:         f.typ == MsgSubscribe,
	}

	var (
		r         Responder
		onRelease func()
	)
	if f.typ == MsgNotify {
		p.notifies++
		info.UniqueToken = fmt.Sprintf("%s.n%d", p.sender, p.notifies)
	} else {
		requestID := f.reqID
		r = ResponderFunc(func(payload []byte) error {
			return p.send(MsgResponse, requestID, payload)
		})
		onRelease = func() { _ = p.send(MsgEnd, requestID, nil) }
	}

	if err := deliverCall(ctx, h, info, r, onRelease); err != nil {
		s.log.Error().Err(err).
			Str("token", info.UniqueToken).
			Str("category", category).
			Str("method", method).
			Msg("call not delivered")
	}
}

// AppendCategory advertises methods of a category
func (s *ZAPServer) AppendCategory(path string, methods []string) error {
	if s.closed.Load() {
		return ErrZAPClosed
	}
	s.dir.add(path, methods)
	return nil
}

// Connected reports whether sender's connection is open
func (s *ZAPServer) Connected(sender string) bool {
	if s.closed.Load() {
		return false
	}
	_, ok := s.peers.Load(sender)
	return ok
}

// Close closes the server
func (s *ZAPServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.peers.Range(func(_, v any) bool {
		v.(*zapPeer).conn.Close()
		return true
	})
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Addr returns the listener address
func (s *ZAPServer) Addr() string {
	return s.listener.Addr().String()
}

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/rs/zerolog"
)

// DefaultGatewayTimeout bounds a gateway call that gets no reply.
const DefaultGatewayTimeout = 30 * time.Second

// Headers a gateway caller may set to identify itself
const (
	HeaderServiceName = "X-Bus-Service"
	HeaderAppID       = "X-Bus-App-Id"
)

// Gateway answers JSON-RPC 2.0 requests over HTTP by dispatching them on a
// handle. The JSON-RPC method is the "/<category>/<method>" address and the
// params object is the call payload. The first reply of the call becomes
// the result; gateway calls are never subscriptions.
type Gateway struct {
	h       *Handle
	codec   *json2.Codec
	timeout time.Duration
	log     zerolog.Logger
}

// NewGateway creates a gateway for h. A zero timeout uses
// DefaultGatewayTimeout.
func NewGateway(h *Handle, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = DefaultGatewayTimeout
	}
	return &Gateway{
		h:       h,
		codec:   json2.NewCodec(),
		timeout: timeout,
		log:     h.Logger().With().Str("transport", "gateway").Logger(),
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "rpc: POST method required", http.StatusMethodNotAllowed)
		return
	}

	req := g.codec.NewRequest(r)
	// json2 never sets a status of its own
	fail := func(status int, err error) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		req.WriteError(w, status, err)
	}

	address, err := req.Method()
	if err != nil {
		fail(http.StatusBadRequest, err)
		return
	}
	category, method, err := SplitMethod(address)
	if err != nil {
		fail(http.StatusBadRequest, &json2.Error{Code: json2.E_NO_METHOD, Message: err.Error()})
		return
	}
	var params json.RawMessage
	if err := req.ReadRequest(&params); err != nil {
		fail(http.StatusBadRequest, &json2.Error{Code: json2.E_BAD_PARAMS, Message: err.Error()})
		return
	}
	payload := []byte(params)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.timeout)
	defer cancel()

	sender := "gateway-" + uuid.NewString()
	token := sender + ".1"
	replies := make(chan []byte, 1)
	released := make(chan struct{})
	responder := ResponderFunc(func(b []byte) error {
		select {
		case replies <- append([]byte(nil), b...):
			return nil
		default:
			return ErrNoReply
		}
	})
	info := MessageInfo{
		Category:          category,
		Method:            method,
		Payload:           payload,
		Sender:            sender,
		SenderServiceName: r.Header.Get(HeaderServiceName),
		UniqueToken:       token,
		Token:             1,
		ApplicationID:     r.Header.Get(HeaderAppID),
	}
	if err := deliverCall(ctx, g.h, info, responder, func() { close(released) }); err != nil {
		fail(http.StatusServiceUnavailable, &json2.Error{Code: json2.E_SERVER, Message: err.Error()})
		return
	}

	reply := func(b []byte) {
		result := json.RawMessage(b)
		req.WriteResponse(w, &result)
	}
	select {
	case b := <-replies:
		reply(b)
	case <-released:
		select {
		case b := <-replies:
			reply(b)
		default:
			fail(http.StatusBadGateway, &json2.Error{Code: json2.E_SERVER, Message: "call ended without reply"})
		}
	case <-ctx.Done():
		if err := g.h.DeliverCancel(token); err != nil {
			g.log.Debug().Err(err).Str("token", token).Msg("cancel not delivered")
		}
		msg := ctx.Err().Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = "no reply within " + g.timeout.String()
		}
		fail(http.StatusGatewayTimeout, &json2.Error{Code: json2.E_SERVER, Message: msg})
	}
}

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"syscall"
	"time"

	rpc "github.com/gorilla/rpc/v2/json2"
	"github.com/rs/zerolog"
)

const (
	gatewayMaxAttempts = 3
	gatewayRetryWait   = 500 * time.Millisecond
	gatewayHTTPTimeout = 30 * time.Second
)

// Options configures CallJSON requests
type Options struct {
	headers     http.Header
	queryParams url.Values
	log         zerolog.Logger
}

// Option configures a CallJSON request
type Option func(*Options)

// NewOptions applies ops over the defaults
func NewOptions(ops []Option) *Options {
	o := &Options{
		headers:     http.Header{},
		queryParams: url.Values{},
		log:         zerolog.Nop(),
	}
	for _, op := range ops {
		op(o)
	}
	return o
}

// WithHeader adds a request header, e.g. HeaderServiceName or HeaderAppID
func WithHeader(key, value string) Option {
	return func(o *Options) { o.headers.Add(key, value) }
}

// WithQueryParam adds a URL query parameter
func WithQueryParam(key, value string) Option {
	return func(o *Options) { o.queryParams.Add(key, value) }
}

// WithRequestLogger logs failed attempts of the request
func WithRequestLogger(log zerolog.Logger) Option {
	return func(o *Options) { o.log = log }
}

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// transientError reports whether a failed attempt may succeed when repeated:
// the gateway went away mid-request or is not accepting yet.
func transientError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}

// CallJSON calls a bus method through a JSON-RPC gateway. method is the
// "/<category>/<method>" address and reply receives the first reply of the
// call. Transient connection errors are retried with exponential backoff.
func CallJSON(
	ctx context.Context,
	uri *url.URL,
	method string,
	params any,
	reply any,
	options ...Option,
) error {
	body, err := rpc.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}

	ops := NewOptions(options)
	target := *uri
	target.RawQuery = ops.queryParams.Encode()

	// keep-alives off: every attempt gets a fresh connection
	client := &http.Client{
		Timeout:   gatewayHTTPTimeout,
		Transport: &http.Transport{DisableKeepAlives: true},
	}

	wait := gatewayRetryWait
	for attempt := 1; ; attempt++ {
		err := postJSONRPC(ctx, client, target.String(), body, ops.headers, reply)
		if err == nil {
			return nil
		}
		retry := transientError(err) && attempt < gatewayMaxAttempts
		ops.log.Debug().Err(err).
			Int("attempt", attempt).
			Bool("retry", retry).
			Str("method", method).
			Msg("gateway request failed")
		if !retry {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
}

func postJSONRPC(ctx context.Context, client *http.Client, target string, body []byte, headers http.Header, reply any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	request.Header = headers.Clone()
	request.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("failed to issue request: %w", err)
	}
	defer CleanlyCloseBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("received status code: %d", resp.StatusCode)
	}
	if err := rpc.DecodeClientResponse(resp.Body, reply); err != nil {
		return fmt.Errorf("failed to decode client response: %w", err)
	}
	return nil
}

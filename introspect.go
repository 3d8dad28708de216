// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// HiddenCategory is registered by the bus itself and left out of
// introspection listings.
const HiddenCategory = "/com/palm/luna/private"

const introspectTimeout = 5 * time.Second

// Entry kinds reported by GET /categories
const (
	kindMethod = "METHOD"
	kindSignal = "SIGNAL"
)

// NewRouter serves introspection of h and a JSON-RPC gateway:
//
//	GET  /categories         {path: {name: "METHOD"|"SIGNAL"}}
//	GET  /categories/{path}  methods and description of one category
//	GET  /subscriptions      tracked subscriptions
//	GET  /metrics            Prometheus metrics (when gatherer is set)
//	POST /rpc                JSON-RPC 2.0 gateway
func NewRouter(h *Handle, gatherer prometheus.Gatherer) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(newLoggingMiddleware(h.Logger()))

	mountHandle(r, h, 0)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	}
	return r
}

// Router serves both buses of d under /public and /private.
func (d *DualService) Router(gatherer prometheus.Gatherer) chi.Router {
	return d.router(gatherer, 0)
}

func (d *DualService) router(gatherer prometheus.Gatherer, timeout time.Duration) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(newLoggingMiddleware(d.private.Logger()))

	r.Route("/public", func(r chi.Router) { mountHandle(r, d.public, timeout) })
	r.Route("/private", func(r chi.Router) { mountHandle(r, d.private, timeout) })
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	}
	return r
}

func mountHandle(r chi.Router, h *Handle, timeout time.Duration) {
	r.Get("/categories", listCategories(h))
	r.Get("/categories/*", getCategory(h))
	r.Get("/subscriptions", listSubscriptions(h))
	r.Method(http.MethodPost, "/rpc", NewGateway(h, timeout))
}

func listCategories(h *Handle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cats []CategoryInfo
		if !execOr503(w, r, h, func() { cats = h.reg.Categories() }) {
			return
		}
		out := make(map[string]map[string]string, len(cats))
		for _, c := range cats {
			if c.Path == HiddenCategory {
				continue
			}
			entries := make(map[string]string, len(c.Methods)+len(c.Signals))
			for _, m := range c.Methods {
				entries[m.Name] = kindMethod
			}
			for _, s := range c.Signals {
				entries[s] = kindSignal
			}
			out[c.Path] = entries
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type categoryDetail struct {
	CategoryInfo
	Description map[string]any `json:"description,omitempty"`
}

func getCategory(h *Handle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := NormalizeCategory(chi.URLParam(r, "*"))
		if path == HiddenCategory {
			writeError(w, http.StatusNotFound, "not_found", "category "+path+" not registered")
			return
		}

		var (
			detail categoryDetail
			err    error
		)
		if !execOr503(w, r, h, func() {
			var desc map[string]any
			if desc, err = h.reg.Description(path); err != nil {
				return
			}
			for _, c := range h.reg.Categories() {
				if c.Path == path {
					detail = categoryDetail{CategoryInfo: c, Description: desc}
				}
			}
		}) {
			return
		}
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, detail)
	}
}

func listSubscriptions(h *Handle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var subs []SubscriptionInfo
		if !execOr503(w, r, h, func() { subs = h.Subscriptions() }) {
			return
		}
		if subs == nil {
			subs = []SubscriptionInfo{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"returnValue":   true,
			"subscriptions": subs,
		})
	}
}

// execOr503 reads loop-owned state for a request. It answers 503 itself
// when the loop does not run fn in time.
func execOr503(w http.ResponseWriter, r *http.Request, h *Handle, fn func()) bool {
	ctx, cancel := context.WithTimeout(r.Context(), introspectTimeout)
	defer cancel()
	if err := h.Exec(ctx, fn); err != nil {
		writeError(w, http.StatusServiceUnavailable, "loop_unavailable", err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func newLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if strings.HasSuffix(r.URL.Path, "/metrics") {
				return
			}
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

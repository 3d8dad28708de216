// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "busrpc"

// Dispatch results recorded in busrpc_calls_total.
const (
	resultOK      = "ok"
	resultError   = "error"
	resultInvalid = "invalid"
	resultUnknown = "unknown"
)

// Metrics holds Prometheus metrics for dispatch and subscriptions. A nil
// *Metrics records nothing.
type Metrics struct {
	CallsTotal          *prometheus.CounterVec
	ValidationFailures  *prometheus.CounterVec
	SubscriptionsActive *prometheus.GaugeVec
	PostsTotal          *prometheus.CounterVec
	PostFailures        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "calls_total",
				Help:      "Inbound calls by category, method and dispatch result",
			},
			[]string{"bus", "category", "method", "result"},
		),
		ValidationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "validation_failures_total",
				Help:      "Inbound calls rejected by their call schema",
			},
			[]string{"bus", "category", "method"},
		),
		SubscriptionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "subscriptions_active",
				Help:      "Subscribers currently tracked",
			},
			[]string{"bus"},
		),
		PostsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "subscription_posts_total",
				Help:      "Updates delivered to subscribers",
			},
			[]string{"bus"},
		),
		PostFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "subscription_post_failures_total",
				Help:      "Updates that could not be delivered to a subscriber",
			},
			[]string{"bus"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.CallsTotal, m.ValidationFailures, m.SubscriptionsActive, m.PostsTotal, m.PostFailures)
	}
	return m
}

func (m *Metrics) observeCall(bus Bus, category, method, result string) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(string(bus), category, method, result).Inc()
}

func (m *Metrics) observeValidationFailure(bus Bus, category, method string) {
	if m == nil {
		return
	}
	m.ValidationFailures.WithLabelValues(string(bus), category, method).Inc()
}

func (m *Metrics) subscriptionAdded(bus Bus) {
	if m == nil {
		return
	}
	m.SubscriptionsActive.WithLabelValues(string(bus)).Inc()
}

func (m *Metrics) subscriptionRemoved(bus Bus) {
	if m == nil {
		return
	}
	m.SubscriptionsActive.WithLabelValues(string(bus)).Dec()
}

func (m *Metrics) subscriptionPosted(bus Bus) {
	if m == nil {
		return
	}
	m.PostsTotal.WithLabelValues(string(bus)).Inc()
}

func (m *Metrics) subscriptionPostFailed(bus Bus) {
	if m == nil {
		return
	}
	m.PostFailures.WithLabelValues(string(bus)).Inc()
}

// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

// Package metrics defines the Prometheus collectors for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	// AuthRequests counts /auth subrequest decisions by outcome.
	AuthRequests *prometheus.CounterVec

	// AuthLatency observes /auth decision latency in seconds.
	AuthLatency prometheus.Histogram

	// Logins counts login flow completions by outcome.
	Logins *prometheus.CounterVec

	// TokenOperations counts token manager operations by kind.
	TokenOperations *prometheus.CounterVec
}

// New creates and registers the gateway collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		AuthRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gafaelfawr_auth_requests_total",
			Help: "Authorization subrequest decisions by outcome.",
		}, []string{"outcome"}),
		AuthLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gafaelfawr_auth_latency_seconds",
			Help:    "Latency of authorization decisions.",
			Buckets: prometheus.DefBuckets,
		}),
		Logins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gafaelfawr_logins_total",
			Help: "Login flow completions by outcome.",
		}, []string{"outcome"}),
		TokenOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gafaelfawr_token_operations_total",
			Help: "Token manager operations by kind.",
		}, []string{"operation"}),
	}
}

// Handler returns the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exports connection layer metrics to Prometheus.
package instrument

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	resolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enclavenet_resolutions_total",
			Help: "Number of name resolutions by source",
		},
		[]string{"source"},
	)
	cacheInvalidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enclavenet_resolver_cache_invalidations_total",
			Help: "Number of resolver cache invalidations",
		},
	)
	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enclavenet_connect_attempts_total",
			Help: "Number of route attempts by route kind and outcome",
		},
		[]string{"route", "outcome"},
	)
	connectDuration = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name: "enclavenet_connect_seconds",
			Help: "Time taken by successful connection races",
		},
	)
	attestations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enclavenet_attestations_total",
			Help: "Number of attestation handshakes by outcome",
		},
		[]string{"outcome"},
	)
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enclavenet_requests_total",
			Help: "Number of channel requests by outcome",
		},
		[]string{"outcome"},
	)
	svrOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enclavenet_svr_operations_total",
			Help: "Number of backup store operations by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	registerOnce sync.Once
)

// Register registers the metrics with the default registry.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(resolutions)
		prometheus.MustRegister(cacheInvalidations)
		prometheus.MustRegister(connectAttempts)
		prometheus.MustRegister(connectDuration)
		prometheus.MustRegister(attestations)
		prometheus.MustRegister(requests)
		prometheus.MustRegister(svrOperations)
	})
}

// Handler returns the HTTP handler exposing the registered metrics.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Resolution counts a name resolution answered from source.
func Resolution(source string) {
	resolutions.With(prometheus.Labels{"source": source}).Inc()
}

// CacheInvalidated counts a resolver cache invalidation.
func CacheInvalidated() {
	cacheInvalidations.Inc()
}

// ConnectAttempt counts a route attempt.
func ConnectAttempt(route, outcome string) {
	connectAttempts.With(prometheus.Labels{"route": route, "outcome": outcome}).Inc()
}

// Connected observes the duration of a successful race.
func Connected(seconds float64) {
	connectDuration.Observe(seconds)
}

// Attestation counts an attestation outcome.
func Attestation(outcome string) {
	attestations.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// Request counts a request outcome.
func Request(outcome string) {
	requests.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// SVROperation counts a backup store operation outcome.
func SVROperation(op, outcome string) {
	svrOperations.With(prometheus.Labels{"op": op, "outcome": outcome}).Inc()
}

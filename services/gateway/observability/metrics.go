// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the Relay gateway.
//
// # Description
//
// Metrics cover session lifecycle, event fan-out, turn latency, and
// persistence health. They are exposed via the /metrics endpoint; use with
// Prometheus + Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "relay"

const gatewaySubsystem = "gateway"

// GatewayMetrics holds all Prometheus metrics for the session gateway.
// Initialize once at startup via NewGatewayMetrics(). All methods are
// nil-safe so tests can run without a registry.
type GatewayMetrics struct {
	// SessionsActive gauges live sessions by role.
	SessionsActive *prometheus.GaugeVec

	// SubscribersActive gauges attached event subscribers.
	SubscribersActive prometheus.Gauge

	// EventsTotal counts fanned-out events by type.
	EventsTotal *prometheus.CounterVec

	// EventsDropped counts events dropped by slow subscribers.
	EventsDropped prometheus.Counter

	// TurnDurationSeconds measures prompt-to-turn-complete latency.
	TurnDurationSeconds *prometheus.HistogramVec

	// TurnCostUSD counts accumulated engine cost.
	TurnCostUSD prometheus.Counter

	// PersistenceFailures counts non-fatal log append failures.
	PersistenceFailures prometheus.Counter
}

// NewGatewayMetrics registers and returns the gateway metric set.
func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	factory := promauto.With(reg)
	return &GatewayMetrics{
		SessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "sessions_active",
			Help:      "Number of live sessions in the pool.",
		}, []string{"role"}),
		SubscribersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "subscribers_active",
			Help:      "Number of attached event subscribers across sessions.",
		}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "events_total",
			Help:      "Events fanned out to subscribers, by event type.",
		}, []string{"type"}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber buffer overflowed.",
		}),
		TurnDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "turn_duration_seconds",
			Help:      "Latency from prompt submission to turn completion.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"role"}),
		TurnCostUSD: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "turn_cost_usd_total",
			Help:      "Accumulated engine cost across completed turns.",
		}),
		PersistenceFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: gatewaySubsystem,
			Name:      "persistence_failures_total",
			Help:      "Non-fatal conversation log append failures.",
		}),
	}
}

// ObserveEvent records one fanned-out event. Nil-safe.
func (m *GatewayMetrics) ObserveEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(eventType).Inc()
}

// ObserveDrop records a dropped event. Nil-safe.
func (m *GatewayMetrics) ObserveDrop() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// ObservePersistenceFailure records a failed log append. Nil-safe.
func (m *GatewayMetrics) ObservePersistenceFailure() {
	if m == nil {
		return
	}
	m.PersistenceFailures.Inc()
}

// ObserveTurn records one completed turn. Nil-safe.
func (m *GatewayMetrics) ObserveTurn(role string, seconds, costUSD float64) {
	if m == nil {
		return
	}
	m.TurnDurationSeconds.WithLabelValues(role).Observe(seconds)
	m.TurnCostUSD.Add(costUSD)
}

// SessionOpened adjusts the live-session gauge. Nil-safe.
func (m *GatewayMetrics) SessionOpened(role string) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(role).Inc()
}

// SessionClosed adjusts the live-session gauge. Nil-safe.
func (m *GatewayMetrics) SessionClosed(role string) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(role).Dec()
}

// SubscriberAttached adjusts the subscriber gauge. Nil-safe.
func (m *GatewayMetrics) SubscriberAttached() {
	if m == nil {
		return
	}
	m.SubscribersActive.Inc()
}

// SubscriberDetached adjusts the subscriber gauge. Nil-safe.
func (m *GatewayMetrics) SubscriberDetached() {
	if m == nil {
		return
	}
	m.SubscribersActive.Dec()
}

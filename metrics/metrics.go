// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package metrics defines the Prometheus metrics exported by a node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for one node.
type Metrics struct {
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	MessagesTotal    *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	PeersConnected   prometheus.Gauge
}

// New creates the metrics for the named node and registers them with reg.
// If reg == nil, the metrics are created but not registered.
func New(node string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node": node}
	m := &Metrics{
		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "pingnode_dispatch_total",
				Help:        "Outbound ping requests by variant and outcome",
				ConstLabels: labels,
			},
			[]string{"variant", "outcome"},
		),
		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "pingnode_dispatch_duration_seconds",
				Help:        "Latency of outbound ping requests in seconds",
				ConstLabels: labels,
				Buckets:     []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 2.5, 5},
			},
			[]string{"variant"},
		),
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "pingnode_messages_total",
				Help:        "Messages recorded by channel",
				ConstLabels: labels,
			},
			[]string{"channel"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "pingnode_http_requests_total",
				Help:        "API requests by method and status code",
				ConstLabels: labels,
			},
			[]string{"method", "status"},
		),
		PeersConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "pingnode_peers_connected",
				Help:        "Number of connected peer nodes",
				ConstLabels: labels,
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.DispatchTotal,
			m.DispatchDuration,
			m.MessagesTotal,
			m.HTTPRequests,
			m.PeersConnected,
		)
	}
	return m
}

// Handler returns an HTTP handler that serves the metrics gathered by g in
// the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

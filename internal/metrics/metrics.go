// SPDX-License-Identifier: MIT

// Package metrics exposes the daemon's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "signaged"

var (
	// ConnectedSessions tracks live sessions by kind (client, operator, unbound).
	ConnectedSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_sessions",
			Help:      "Number of live websocket sessions by kind",
		},
		[]string{"kind"},
	)

	// MessagesTotal counts processed envelopes by type and direction.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total envelopes processed by type and direction",
		},
		[]string{"type", "direction"},
	)

	// RegistrationsTotal counts client registration outcomes.
	RegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Total client registration attempts by outcome",
		},
		[]string{"outcome"},
	)

	// CommandsTotal counts dispatched commands by command name and result.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total commands dispatched by command and result",
		},
		[]string{"command", "result"},
	)

	// PendingScreenshots tracks outstanding screenshot requests.
	PendingScreenshots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_screenshots",
			Help:      "Outstanding screenshot requests awaiting a client reply",
		},
	)

	// ClientsByStatus tracks the persisted fleet state.
	ClientsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_by_status",
			Help:      "Known clients by persisted status",
		},
		[]string{"status"},
	)

	// SchedulerEvaluationSeconds measures one scheduler tick.
	SchedulerEvaluationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_evaluation_seconds",
			Help:      "Duration of a full scheduler evaluation tick",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// LayoutPushesTotal counts display updates sent to clients.
	LayoutPushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "layout_pushes_total",
			Help:      "Display updates pushed to clients by trigger",
		},
		[]string{"trigger"},
	)

	// DiscoveredHosts tracks the size of the LAN discovery cache.
	DiscoveredHosts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "discovered_hosts",
			Help:      "Hosts currently held in the LAN discovery cache",
		},
	)

	// ProtocolErrorsTotal counts protocol faults surfaced to peers.
	ProtocolErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Protocol errors surfaced to peers by code",
		},
		[]string{"code"},
	)

	// SendQueueOverflowsTotal counts sessions dropped for slow consumption.
	SendQueueOverflowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_queue_overflows_total",
			Help:      "Sessions disconnected because their send queue overflowed",
		},
	)
)

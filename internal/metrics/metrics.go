// Package metrics provides Prometheus instrumentation for ocwatch.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Discovery metrics.
var (
	PacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocwatch_discovery_packets_total",
		Help: "Total number of UDP discovery datagrams received.",
	}, []string{"type"})

	PacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocwatch_discovery_packets_dropped_total",
		Help: "Total number of UDP datagrams dropped, by reason.",
	}, []string{"reason"})
)

// Fleet metrics.
var (
	ServersKnown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ocwatch_servers_known",
		Help: "Number of servers currently tracked by the registry.",
	})

	ServersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ocwatch_servers_connected",
		Help: "Number of servers with a live SSE connection.",
	})

	SessionsTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ocwatch_sessions_tracked",
		Help: "Number of sessions currently in the session store.",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocwatch_reconnects_total",
		Help: "Total number of reconnect attempts across all servers.",
	})
)

// Event metrics.
var (
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocwatch_sse_events_total",
		Help: "Total number of SSE events ingested, by type.",
	}, []string{"type"})

	Transitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocwatch_transitions_total",
		Help: "Total number of session state transitions observed.",
	})
)

// Notification metrics.
var (
	NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocwatch_notifications_sent_total",
		Help: "Total number of desktop notifications delivered.",
	})

	NotificationsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocwatch_notifications_suppressed_total",
		Help: "Total number of desktop notifications suppressed, by reason.",
	}, []string{"reason"})
)

// Snapshot metrics.
var (
	SnapshotsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocwatch_snapshots_published_total",
		Help: "Total number of coalesced snapshots published to subscribers.",
	})
)

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AssignmentsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "assignments_total", Help: "Total successful driver assignments"})
	AssignmentFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "assignment_failures_total", Help: "Assignment attempts that ended without a claim"},
		[]string{"reason"},
	)
	ClaimConflicts    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "claim_conflicts_total", Help: "Atomic claims lost to another process"})
	AssignmentLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "dispatch", Name: "assignment_latency_seconds", Help: "Assignment latency seconds"})

	ConnectionsOpen       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "connections_open", Help: "Live duplex connections"})
	ConnectionsIdleClosed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "connections_idle_closed_total", Help: "Connections force-closed by the idle sweep"})
	PresenceEvents        = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "presence_events_total", Help: "Presence transitions emitted"},
		[]string{"status"},
	)

	MessagesQueued  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "messages_queued_total", Help: "Events queued for offline users"})
	MessagesFlushed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "messages_flushed_total", Help: "Queued events flushed on reconnect"})
	MessagesExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "messages_expired_total", Help: "Queued events dropped past expiry"})
	CacheDegraded   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "cache_degraded_total", Help: "Shared-cache failures that fell back to in-process state"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Package metrics provides Prometheus instrumentation for the Agent
// Console server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentconsole_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentconsole_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Business metrics.
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentconsole_active_sessions",
		Help: "Number of live sessions.",
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentconsole_active_workers",
		Help: "Number of live workers (PTY and virtual).",
	})

	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentconsole_jobs_processed_total",
		Help: "Total number of background job attempts by outcome.",
	}, []string{"type", "outcome"})

	OutputBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentconsole_output_bytes_total",
		Help: "Total PTY output bytes appended to worker logs.",
	})
)

// WebSocket metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentconsole_ws_connections_active",
		Help: "Number of active WebSocket connections.",
	})

	WSMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentconsole_ws_messages_total",
		Help: "Total number of WebSocket messages sent.",
	})
)

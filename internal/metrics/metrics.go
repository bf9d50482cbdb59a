// ABOUTME: Prometheus metrics for the relay, its collaborators, and the HTTP surface
// ABOUTME: Registered on the default registry and served at the configured metrics path

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "switchboard_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 2.5, 5, 10, 15},
		},
		[]string{"method", "path"},
	)

	// Relay metrics
	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_inbound_messages_total",
			Help: "Inbound messages by channel and the path the relay took",
		},
		[]string{"channel", "path"}, // path: human_joined, handoff, handoff_duplicate, agent, unreadable_media, ...
	)

	RaceOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_race_outcomes_total",
			Help: "Whether the agent answered before the reply deadline",
		},
		[]string{"winner"}, // "task" or "timer"
	)

	InFlightTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchboard_inflight_tasks",
			Help: "Background process tasks currently running",
		},
	)

	HandoffTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_handoff_transitions_total",
			Help: "Conversations moved to handoff_requested",
		},
		[]string{"trigger"}, // "matcher" or "agent"
	)

	// Collaborator metrics
	AgentCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_agent_calls_total",
			Help: "Agent invocations by result",
		},
		[]string{"result"}, // "ok", "timeout", "error"
	)

	AgentDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "switchboard_agent_duration_seconds",
			Help:    "Agent invocation latency",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 15, 20, 25, 30},
		},
	)

	OutboundSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_outbound_sends_total",
			Help: "Outbound provider sends by result",
		},
		[]string{"result"}, // "ok", "misconfigured", "failed"
	)

	Transcriptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_transcriptions_total",
			Help: "Voice-note transcriptions by result",
		},
		[]string{"result"}, // "ok" or "unreadable"
	)

	// Guard metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_rate_limit_hits_total",
			Help: "Inbound messages dropped by the per-sender rate limiter",
		},
		[]string{"channel"},
	)

	DuplicateDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "switchboard_duplicate_deliveries_total",
			Help: "Provider redeliveries ignored by message id",
		},
	)

	RejectedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_rejected_requests_total",
			Help: "Inbound requests refused before reaching the relay",
		},
		[]string{"reason"}, // "secret_mismatch", "invalid_identity", "unknown_tenant"
	)
)

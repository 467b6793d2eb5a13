package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrt_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrt_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveRuns tracks currently running agent executions
	ActiveRuns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentrt_active_runs",
			Help: "Number of in-flight agent runs",
		},
		[]string{"agent_id"},
	)

	// RunDuration tracks how long runs take end to end
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrt_run_duration_seconds",
			Help:    "Run duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"agent_id", "status"},
	)

	// EventBufferDrops tracks dropped events due to ring buffer overflow
	EventBufferDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrt_event_buffer_drops_total",
			Help: "Total number of events dropped due to ring buffer overflow",
		},
		[]string{"session_id"},
	)

	// SubscribersDropped counts slow subscribers disconnected for a full queue
	SubscribersDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrt_subscribers_dropped_total",
			Help: "Total number of subscribers dropped for a full queue",
		},
		[]string{"session_id"},
	)

	// ToolCalls tracks tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrt_tool_calls_total",
			Help: "Total number of tool calls",
		},
		[]string{"tool", "status"},
	)

	// ApprovalsTotal tracks approval resolutions
	ApprovalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrt_approvals_total",
			Help: "Total number of approval requests by terminal status",
		},
		[]string{"status"},
	)

	// DualWriterFailures tracks database write failures
	DualWriterFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrt_dual_writer_failures_total",
			Help: "Total number of database write failures from the dual writer",
		},
		[]string{"stage"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch {
	case path == "/health", path == "/ready", path == "/metrics":
		return path
	case strings.HasPrefix(path, "/runs"):
		return "/runs"
	case strings.HasPrefix(path, "/events/session/"):
		return "/events/session"
	case strings.HasPrefix(path, "/approvals/"):
		return "/approvals"
	case path == "/webhook/message":
		return path
	case path == "/agents" || path == "/agents/add-to-session":
		return path
	default:
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRunStart increments the active-runs gauge
func RecordRunStart(agentID string) {
	ActiveRuns.WithLabelValues(agentID).Inc()
}

// RecordRunEnd decrements the active-runs gauge and records duration
func RecordRunEnd(agentID, status string, durationSeconds float64) {
	ActiveRuns.WithLabelValues(agentID).Dec()
	RunDuration.WithLabelValues(agentID, status).Observe(durationSeconds)
}

// RecordToolCall records a tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}

// RecordApproval records an approval's terminal status
func RecordApproval(status string) {
	ApprovalsTotal.WithLabelValues(status).Inc()
}

// RecordEventDrop records a ring buffer overflow drop
func RecordEventDrop(sessionID string) {
	EventBufferDrops.WithLabelValues(sessionID).Inc()
}

// RecordSubscriberDropped records a subscriber disconnected for a full queue
func RecordSubscriberDropped(sessionID string) {
	SubscribersDropped.WithLabelValues(sessionID).Inc()
}

// RecordDualWriterFailure records a failed write at a given stage (cache, db)
func RecordDualWriterFailure(stage string) {
	DualWriterFailures.WithLabelValues(stage).Inc()
}

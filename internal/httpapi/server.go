// Package httpapi is the Trigger Surface: the external HTTP collaborator
// that accepts webhooks and direct client requests, creates Runs in the
// Stream Registry, and hands each off to its own Agent Orchestrator
// goroutine, plus the SSE subscription and approval-resolution
// endpoints the rest of the runtime publishes into.
//
// Grounded on the teacher's internal/mcp.Server.Start: a stdlib
// http.NewServeMux wrapped in a fixed middleware chain (request-id and
// logging, then auth, then rate limiting, then metrics), with /health
// and /metrics served unauthenticated alongside it.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/HyphaGroup/oubliette/internal/approval"
	"github.com/HyphaGroup/oubliette/internal/auth"
	"github.com/HyphaGroup/oubliette/internal/chatcontext"
	"github.com/HyphaGroup/oubliette/internal/eventbus"
	"github.com/HyphaGroup/oubliette/internal/logger"
	"github.com/HyphaGroup/oubliette/internal/metrics"
	"github.com/HyphaGroup/oubliette/internal/orchestrator"
	"github.com/HyphaGroup/oubliette/internal/registry"
	"github.com/HyphaGroup/oubliette/internal/stream"
)

// Server is the Trigger Surface.
type Server struct {
	bus       *eventbus.Bus
	streams   *stream.Registry
	approvals *approval.Store
	agents    *registry.Registry
	loader    *chatcontext.Loader
	orch      *orchestrator.Orchestrator

	dev bool
}

// Deps bundles every subsystem the Trigger Surface talks to.
type Deps struct {
	Bus          *eventbus.Bus
	Streams      *stream.Registry
	Approvals    *approval.Store
	Agents       *registry.Registry
	Loader       *chatcontext.Loader
	Orchestrator *orchestrator.Orchestrator
	Dev          bool
}

// New creates a Trigger Surface over the given subsystems.
func New(d Deps) *Server {
	return &Server{
		bus:       d.Bus,
		streams:   d.Streams,
		approvals: d.Approvals,
		agents:    d.Agents,
		loader:    d.Loader,
		orch:      d.Orchestrator,
		dev:       d.Dev,
	}
}

// Handler builds the fully wrapped HTTP handler: routing plus the
// request-id/logging -> auth -> rate-limit -> metrics middleware
// chain, with /health and /metrics served outside authentication.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /runs", s.handleCreateRun)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("POST /webhook/message", s.handleWebhookMessage)
	mux.HandleFunc("GET /events/session/{session_id}", s.handleSessionEvents)
	mux.HandleFunc("POST /approvals/{id}", s.handleResolveApproval)
	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("POST /agents/add-to-session", s.handleAddAgentToSession)

	withMetrics := metrics.Middleware(mux)
	rateLimited := auth.RateLimitMiddleware(auth.DefaultRateLimiter())(withMetrics)
	authed := auth.Middleware(s.dev)(rateLimited)
	logged := s.requestLogger(authed)

	top := http.NewServeMux()
	top.HandleFunc("/health", handleHealth)
	top.Handle("/metrics", metrics.Handler())
	top.Handle("/", logged)
	return top
}

// requestLogger stamps every request with an id and logs method/path,
// the same shape as the teacher's main-server request-id middleware.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), logger.ContextKeyRequestID, requestID)
		r = r.WithContext(ctx)
		logger.Info("httpapi: %s %s [request_id=%s]", r.Method, r.URL.Path, requestID)
		next.ServeHTTP(w, r)
	})
}

func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// runOrchestrator launches a Run's orchestrator task in its own
// goroutine, matching "each Run has its own orchestrator task."
func (s *Server) runOrchestrator(ctx context.Context, run *stream.Run, identity orchestrator.AgentIdentity) {
	metrics.RecordRunStart(identity.UserID)
	start := time.Now()
	go func() {
		s.orch.Run(ctx, run, identity)
		metrics.RecordRunEnd(identity.UserID, string(run.Status()), time.Since(start).Seconds())
	}()
}

// Package stream is the Stream Registry: one in-memory handle per live
// agent run. It holds the Run record, a cancel primitive, and nothing
// else — no project/workspace indexing, no persistence. A Run's fields
// are mutated only by the orchestrator that owns it; the registry
// itself only ever adds, reads, cancels, and removes whole handles.
//
// Grounded on the teacher's internal/session.ActiveSessionManager
// (register/get/remove plus a periodic idle-cleanup ticker), stripped
// of everything specific to containerized dev sessions: no
// per-project limits, no MCP caller-tool relay, no workspace index.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/oubliette/internal/logger"
)

// Status is a run's position in its state machine:
// created -> running -> (awaiting_approval <-> running)* -> done | cancelled | error.
type Status string

const (
	StatusCreated          Status = "created"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusDone             Status = "done"
	StatusCancelled        Status = "cancelled"
	StatusError            Status = "error"
)

// IsTerminal reports whether a run's status is one it cannot leave.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusCancelled || s == StatusError
}

// Run is one agent execution. Per the data model, it lives in memory
// only, is created when a trigger arrives, and is mutated only by its
// owning orchestrator goroutine; the registry's own writes are limited
// to Status and the cancel signal.
type Run struct {
	ID            string
	UserID        string
	ChatSessionID string
	AgentID       string
	Input         string
	CreatedAt     time.Time

	mu     sync.Mutex
	status Status

	cancel context.CancelFunc
	ctx    context.Context
}

// Status returns the run's current status.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetStatus updates the run's status. Callers outside the owning
// orchestrator should generally not call this directly; Cancel is the
// supported external mutation.
func (r *Run) SetStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// Cancelled reports whether cancellation has been requested. The
// orchestrator polls this between provider events and between tool
// calls; it does not interrupt an in-flight tool call.
func (r *Run) Cancelled() bool {
	select {
	case <-r.ctx.Done():
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the run's context is cancelled,
// for use in select statements alongside provider/tool channels.
func (r *Run) Done() <-chan struct{} {
	return r.ctx.Done()
}

// Registry is the Stream Registry: create/get/cancel/list_by_user over
// live Run handles, plus an idle sweep for runs whose orchestrator
// exited without removing them (a defensive backstop; the orchestrator
// is expected to call Remove itself on every exit path).
type Registry struct {
	mu        sync.RWMutex
	runs      map[string]*Run
	byUser    map[string]map[string]struct{}
	idleAfter time.Duration
}

// DefaultIdleAfter is how old (counted from creation) a terminal run
// handle that was never removed must be before the idle sweep
// reclaims it.
const DefaultIdleAfter = 10 * time.Minute

// New creates an empty registry. idleAfter of 0 uses DefaultIdleAfter.
func New(idleAfter time.Duration) *Registry {
	if idleAfter <= 0 {
		idleAfter = DefaultIdleAfter
	}
	return &Registry{
		runs:      make(map[string]*Run),
		byUser:    make(map[string]map[string]struct{}),
		idleAfter: idleAfter,
	}
}

// Create registers a new Run and returns it along with a context the
// orchestrator must select on to observe cancellation.
func (reg *Registry) Create(runID, userID, chatSessionID, agentID, input string) (*Run, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	run := &Run{
		ID:            runID,
		UserID:        userID,
		ChatSessionID: chatSessionID,
		AgentID:       agentID,
		Input:         input,
		CreatedAt:     time.Now(),
		status:        StatusCreated,
		cancel:        cancel,
		ctx:           ctx,
	}

	reg.mu.Lock()
	reg.runs[runID] = run
	if reg.byUser[userID] == nil {
		reg.byUser[userID] = make(map[string]struct{})
	}
	reg.byUser[userID][runID] = struct{}{}
	reg.mu.Unlock()

	return run, ctx
}

// Get returns the run with the given id, or false if it is not (or no
// longer) registered.
func (reg *Registry) Get(runID string) (*Run, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	run, ok := reg.runs[runID]
	return run, ok
}

// Cancel requests cooperative cancellation of a run. It is idempotent:
// cancelling an already-cancelled or already-terminal run is a no-op
// that still reports success, matching the spec's "cancel is
// idempotent".
func (reg *Registry) Cancel(runID string) error {
	run, ok := reg.Get(runID)
	if !ok {
		return fmt.Errorf("stream: run %s not found", runID)
	}
	run.cancel()
	return nil
}

// ListByUser returns every run currently registered for a user, most
// recently created first.
func (reg *Registry) ListByUser(userID string) []*Run {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	ids := reg.byUser[userID]
	out := make([]*Run, 0, len(ids))
	for id := range ids {
		if run, ok := reg.runs[id]; ok {
			out = append(out, run)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.After(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Remove drops a run's handle from the registry. The orchestrator
// calls this on every exit path (done, error, cancelled) once it has
// finished publishing the terminal event.
func (reg *Registry) Remove(runID string) {
	reg.mu.Lock()
	run, ok := reg.runs[runID]
	if ok {
		delete(reg.runs, runID)
		if ids, ok := reg.byUser[run.UserID]; ok {
			delete(ids, runID)
			if len(ids) == 0 {
				delete(reg.byUser, run.UserID)
			}
		}
	}
	reg.mu.Unlock()
}

// Count returns the number of currently registered runs.
func (reg *Registry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.runs)
}

// ReapTerminal removes runs that are in a terminal status, were
// created more than idleAfter ago, and were never explicitly removed. This is a backstop,
// not the primary cleanup path.
func (reg *Registry) ReapTerminal(now time.Time) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reaped := 0
	for id, run := range reg.runs {
		run.mu.Lock()
		idle := run.status.IsTerminal() && now.Sub(run.CreatedAt) > reg.idleAfter
		userID := run.UserID
		run.mu.Unlock()
		if idle {
			delete(reg.runs, id)
			if ids, ok := reg.byUser[userID]; ok {
				delete(ids, id)
				if len(ids) == 0 {
					delete(reg.byUser, userID)
				}
			}
			reaped++
			logger.Info("stream: reaped terminal run %s", id)
		}
	}
	return reaped
}

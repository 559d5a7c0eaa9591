// Package runner executes one run of a task profile. Three kinds are
// supported: script (child process in its own process group), agentic
// (in-process cooperative loop), and interactive_wrapper (agentic plus a
// waiting-for-user handshake).
package runner

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/zubinjha/Zubot/central/store"
	"github.com/zubinjha/Zubot/errors"
)

// WaitingContract is the persisted handshake of an interactive run that
// paused for user input
type WaitingContract struct {
	RequestID string          `json:"request_id"`
	Question  string          `json:"question"`
	Context   json.RawMessage `json:"context,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// Result is the outcome contract of one runner invocation. A non-nil
// Waiting field means the run paused rather than terminated.
type Result struct {
	Status    store.RunStatus  `json:"status"`
	Summary   string           `json:"summary,omitempty"`
	Error     string           `json:"error,omitempty"`
	Artifacts json.RawMessage  `json:"artifacts,omitempty"`
	Waiting   *WaitingContract `json:"waiting_contract,omitempty"`
}

// Invocation carries everything a handler needs for one run
type Invocation struct {
	Run     *store.Run
	Profile *store.TaskProfile
}

// Handler executes runs of one task kind
type Handler interface {
	Kind() store.TaskKind
	Execute(ctx context.Context, inv *Invocation) (*Result, error)
}

// Runner dispatches invocations to kind handlers and normalizes timeout
// and cancellation outcomes into the result contract
type Runner struct {
	handlers       map[store.TaskKind]Handler
	defaultTimeout time.Duration
	logger         *zap.SugaredLogger
}

// New creates a runner with no handlers registered
func New(defaultTimeout time.Duration, logger *zap.SugaredLogger) *Runner {
	return &Runner{
		handlers:       make(map[store.TaskKind]Handler),
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// Register adds a kind handler. Panics on duplicate registration, which
// indicates a programming error during startup.
func (r *Runner) Register(h Handler) {
	if _, exists := r.handlers[h.Kind()]; exists {
		panic("runner: handler already registered for kind: " + string(h.Kind()))
	}
	r.handlers[h.Kind()] = h
}

// Timeout resolves the effective timeout for a profile
func (r *Runner) Timeout(profile *store.TaskProfile) time.Duration {
	if profile.TimeoutSec > 0 {
		return time.Duration(profile.TimeoutSec) * time.Second
	}
	return r.defaultTimeout
}

// Execute runs one invocation under the profile's timeout. The returned
// result is always non-nil: handler errors, timeouts, and kills are folded
// into the terminal result contract.
func (r *Runner) Execute(ctx context.Context, inv *Invocation) *Result {
	handler, ok := r.handlers[inv.Profile.Kind]
	if !ok {
		return &Result{
			Status: store.RunFailed,
			Error:  "no handler registered for kind: " + string(inv.Profile.Kind),
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, r.Timeout(inv.Profile))
	defer cancel()

	result, err := handler.Execute(runCtx, inv)

	// Timeout and kill take precedence over whatever the handler reported
	switch {
	case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		r.logger.Warnw("Run timed out",
			"run_id", inv.Run.RunID,
			"task_id", inv.Profile.TaskID,
			"timeout", r.Timeout(inv.Profile))
		return &Result{Status: store.RunFailed, Error: store.ErrorMarkerTimeout}
	case ctx.Err() != nil:
		r.logger.Infow("Run killed",
			"run_id", inv.Run.RunID,
			"task_id", inv.Profile.TaskID)
		return &Result{Status: store.RunBlocked, Error: store.ErrorMarkerKilled}
	}

	if err != nil {
		return &Result{Status: store.RunFailed, Error: err.Error()}
	}
	if result == nil {
		return &Result{Status: store.RunFailed, Error: "handler returned no result"}
	}

	if result.Waiting != nil {
		result.Status = store.RunWaitingForUser
	}
	if result.Status == "" {
		result.Status = store.RunDone
	}
	if !result.Status.Terminal() && result.Status != store.RunWaitingForUser {
		return &Result{Status: store.RunFailed,
			Error: errors.Newf("handler returned non-terminal status %q", result.Status).Error()}
	}
	return result
}

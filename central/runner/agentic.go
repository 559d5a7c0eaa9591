package runner

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/zubinjha/Zubot/central/store"
	"github.com/zubinjha/Zubot/errors"
)

// AgentFunc is the body of an in-process agentic task. The body must observe
// ctx at its suspension points; Checkpoint is the conventional way to do so.
// Interactive bodies pause by returning a result with a Waiting contract.
type AgentFunc func(ctx context.Context, inv *Invocation) (*Result, error)

// Checkpoint is called by agent bodies between cooperative steps. It returns
// the context error once the run has been cancelled or timed out.
func Checkpoint(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// AgentRegistry maps profile entrypoints to in-process agent bodies
type AgentRegistry struct {
	mu    sync.RWMutex
	funcs map[string]AgentFunc
}

func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{funcs: make(map[string]AgentFunc)}
}

// Register binds an agent body to an entrypoint name. Panics on duplicate
// registration, which indicates a programming error during startup.
func (r *AgentRegistry) Register(name string, fn AgentFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		panic("runner: agent already registered: " + name)
	}
	r.funcs[name] = fn
}

func (r *AgentRegistry) Get(name string) (AgentFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// InlineEntrypoint is the reserved entrypoint for one-off agentic runs
// enqueued with inline instructions instead of a registered body
const InlineEntrypoint = "inline"

// AgenticHandler runs agentic profiles as cooperative in-process loops
type AgenticHandler struct {
	registry *AgentRegistry
	logger   *zap.SugaredLogger
}

func NewAgenticHandler(registry *AgentRegistry, logger *zap.SugaredLogger) *AgenticHandler {
	return &AgenticHandler{registry: registry, logger: logger}
}

func (h *AgenticHandler) Kind() store.TaskKind {
	return store.KindAgentic
}

func (h *AgenticHandler) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	fn, err := h.resolve(inv)
	if err != nil {
		return nil, err
	}
	return fn(ctx, inv)
}

func (h *AgenticHandler) resolve(inv *Invocation) (AgentFunc, error) {
	name := inv.Profile.Entrypoint
	if name == "" {
		name = InlineEntrypoint
	}
	if fn, ok := h.registry.Get(name); ok {
		return fn, nil
	}
	if name == InlineEntrypoint {
		return InlineAgent, nil
	}
	return nil, errors.NewNotFoundError("no agent registered for entrypoint: %s", name)
}

// InteractiveHandler runs interactive_wrapper profiles. The body contract is
// the same as agentic; a returned Waiting contract pauses the run.
type InteractiveHandler struct {
	registry *AgentRegistry
	logger   *zap.SugaredLogger
}

func NewInteractiveHandler(registry *AgentRegistry, logger *zap.SugaredLogger) *InteractiveHandler {
	return &InteractiveHandler{registry: registry, logger: logger}
}

func (h *InteractiveHandler) Kind() store.TaskKind {
	return store.KindInteractiveWrapper
}

func (h *InteractiveHandler) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	fn, ok := h.registry.Get(inv.Profile.Entrypoint)
	if !ok {
		return nil, errors.NewNotFoundError("no agent registered for entrypoint: %s", inv.Profile.Entrypoint)
	}
	return fn(ctx, inv)
}

// InlineAgent handles one-off agentic runs whose work is described entirely
// by the payload's instructions field. It acknowledges the instructions and
// terminates; real work bodies are registered under their own entrypoints.
func InlineAgent(ctx context.Context, inv *Invocation) (*Result, error) {
	if err := Checkpoint(ctx); err != nil {
		return nil, err
	}

	var payload struct {
		Instructions string `json:"instructions"`
	}
	if len(inv.Run.PayloadJSON) > 0 {
		if err := json.Unmarshal(inv.Run.PayloadJSON, &payload); err != nil {
			return nil, errors.Wrap(err, "bad inline agent payload")
		}
	}
	if strings.TrimSpace(payload.Instructions) == "" {
		return nil, errors.NewInvalidRequestError("inline agent run has no instructions")
	}

	summary := payload.Instructions
	if len(summary) > 200 {
		summary = summary[:200] + "..."
	}
	return &Result{Status: store.RunDone, Summary: "completed: " + summary}, nil
}

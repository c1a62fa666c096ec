package workflow

import (
	"context"
	"sort"
	"sync"

	"github.com/taskmesh/taskmesh/types"
)

// Agent executes tasks on behalf of the engine. The agent's internal
// reasoning is outside the engine; only this contract matters.
type Agent interface {
	// PerformTask executes one task attempt and returns its result.
	PerformTask(ctx context.Context, taskType string, params map[string]any) (map[string]any, error)

	// CompensateTask best-effort undoes a previously completed task.
	// result is the cached result of the original execution, nil if
	// unavailable. Errors are logged and swallowed by the caller.
	CompensateTask(ctx context.Context, taskType string, params map[string]any, result map[string]any) error
}

// SecurityContext authorizes engine operations. A nil SecurityContext on the
// orchestrator means authorization is skipped.
type SecurityContext interface {
	// Authorize returns a non-nil error to deny operation on resource.
	Authorize(operation, resource string) error
}

// TaskSchemaRegistry validates task params before dispatch. An absent schema
// for (agentID, taskType) must be a no-op.
type TaskSchemaRegistry interface {
	Validate(agentID, taskType string, params map[string]any) error
}

// PolicyGuard performs a policy check before dispatch. Deny-list entries
// take precedence over allow-list entries.
type PolicyGuard interface {
	Check(agentID, taskType string, params map[string]any) error
}

// ProgressFunc surfaces mid-task progress. Errors raised by downstream
// consumers never affect the task outcome.
type ProgressFunc func(percent float64, message string)

type progressKey struct{}

// withProgress attaches the orchestrator's progress reporter to the context
// handed to the agent.
func withProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress lets an agent surface mid-task progress; the orchestrator
// turns it into a task_progress event. A no-op outside an engine-managed
// task context.
func ReportProgress(ctx context.Context, percent float64, message string) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(percent, message)
	}
}

// AgentRegistry maps agent ids to agents. Safe for concurrent use.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{agents: make(map[string]Agent)}
}

// Register adds or replaces an agent.
func (r *AgentRegistry) Register(agentID string, agent Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentID] = agent
}

// Get returns the agent for an id, or an AGENT_NOT_FOUND error. A missing
// agent is a configuration error and aborts the run that hits it.
func (r *AgentRegistry) Get(agentID string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return nil, types.Errorf(types.ErrAgentNotFound, "agent %q is not registered", agentID)
	}
	return agent, nil
}

// IDs returns registered agent ids, sorted.
func (r *AgentRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AgentFunc adapts a plain function into an Agent without compensation.
type AgentFunc func(ctx context.Context, taskType string, params map[string]any) (map[string]any, error)

// PerformTask implements Agent.
func (f AgentFunc) PerformTask(ctx context.Context, taskType string, params map[string]any) (map[string]any, error) {
	return f(ctx, taskType, params)
}

// CompensateTask implements Agent as a no-op.
func (f AgentFunc) CompensateTask(context.Context, string, map[string]any, map[string]any) error {
	return nil
}

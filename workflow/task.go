// Package workflow implements the task-graph scheduling engine: task and
// workflow definitions, the orchestrator loop with retries, circuit
// tracking, rate limiting and saga compensation, and the service facade.
package workflow

import (
	"sort"
	"time"
)

// TaskNode is one immutable unit of work delegated to an agent.
type TaskNode struct {
	// ID is the unique task key within its graph.
	ID string `json:"task_id"`
	// AgentID names the agent the task is dispatched to.
	AgentID string `json:"agent_id"`
	// Type is the agent-interpreted task type.
	Type string `json:"task_type"`
	// Params is the string-keyed task input.
	Params map[string]any `json:"params,omitempty"`
	// Dependencies lists task ids that must complete first.
	Dependencies []string `json:"dependencies,omitempty"`
	// Retries is the number of re-attempts after the first failure.
	Retries int `json:"retries"`
	// Timeout is the hard per-attempt bound on the agent call.
	// Zero means no bound.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Retry overrides the workflow/orchestrator backoff policy for this
	// task when non-nil.
	Retry *RetryOverrides `json:"retry,omitempty"`
	// EnableCompensation opts the task into saga rollback.
	EnableCompensation bool `json:"enable_compensation,omitempty"`
	// CompensationParams is passed to the compensation hook instead of
	// Params when non-nil.
	CompensationParams map[string]any `json:"compensation_params,omitempty"`
}

// TaskGraph maps task ids to nodes. Dependency ids are expected to reference
// tasks in the same graph; a violation surfaces at run time as a deadlock
// (no ready task while work remains), not at insertion.
type TaskGraph struct {
	nodes map[string]*TaskNode
}

// NewTaskGraph creates an empty graph.
func NewTaskGraph() *TaskGraph {
	return &TaskGraph{nodes: make(map[string]*TaskNode)}
}

// Add upserts a node by task id. Inserting a duplicate id overwrites the
// prior node (last write wins); the returned flag lets the caller make that
// loud.
func (g *TaskGraph) Add(node TaskNode) (replaced bool) {
	_, replaced = g.nodes[node.ID]
	n := node
	g.nodes[node.ID] = &n
	return replaced
}

// Get returns a node by id.
func (g *TaskGraph) Get(taskID string) (*TaskNode, bool) {
	node, ok := g.nodes[taskID]
	return node, ok
}

// Len returns the number of tasks in the graph.
func (g *TaskGraph) Len() int {
	return len(g.nodes)
}

// Ready returns the frontier: tasks not yet completed whose dependencies
// are all in completed. Sorted by id for deterministic dispatch order.
func (g *TaskGraph) Ready(completed map[string]bool) []*TaskNode {
	var ready []*TaskNode
	for id, node := range g.nodes {
		if completed[id] {
			continue
		}
		ok := true
		for _, dep := range node.Dependencies {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, node)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

// Remaining returns the number of tasks not yet completed.
func (g *TaskGraph) Remaining(completed map[string]bool) int {
	n := 0
	for id := range g.nodes {
		if !completed[id] {
			n++
		}
	}
	return n
}

// Tasks returns all nodes sorted by id.
func (g *TaskGraph) Tasks() []*TaskNode {
	out := make([]*TaskNode, 0, len(g.nodes))
	for _, node := range g.nodes {
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

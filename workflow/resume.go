package workflow

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/event"
	"github.com/taskmesh/taskmesh/types"
)

// Resume rebuilds a run purely from its persisted event stream and drives it
// to a terminal state. The graph comes from the workflow_started payload,
// completed tasks from task_completed events, and each pending task resumes
// at one past the highest attempt its events recorded.
func (o *Orchestrator) Resume(ctx context.Context, workflowID string) (*RunResult, error) {
	events, err := o.store.Replay(ctx, workflowID)
	if err != nil {
		return nil, types.Errorf(types.ErrStoreFailure,
			"replay stream %s", workflowID).WithCause(err)
	}
	if len(events) == 0 {
		return nil, types.Errorf(types.ErrWorkflowNotFound,
			"no event stream for workflow %q", workflowID)
	}

	rs, err := rebuildRunState(workflowID, events)
	if err != nil {
		return nil, err
	}
	if err := o.register(rs); err != nil {
		return nil, err
	}
	defer o.unregister(rs.workflowID)

	o.logger.Info("workflow resumed",
		zap.String("workflow_id", workflowID),
		zap.Int("events_replayed", len(events)),
		zap.Int("tasks_completed", len(rs.order)),
		zap.Int("tasks_total", rs.graph.Len()))

	return o.runLoop(ctx, rs)
}

// rebuildRunState folds an event stream into a fresh runState.
func rebuildRunState(workflowID string, events []event.Event) (*runState, error) {
	var def WorkflowDefinition
	started := false
	for _, ev := range events {
		if ev.EventType != event.TypeWorkflowStarted {
			continue
		}
		tasks, err := decodeTasks(ev.Payload["tasks"])
		if err != nil {
			return nil, types.Errorf(types.ErrStoreFailure,
				"workflow %s: malformed task list in start event", workflowID).WithCause(err)
		}
		def.Tasks = tasks
		if v, ok := ev.Payload["max_duration_ns"]; ok {
			def.MaxDuration = time.Duration(asInt64(v))
		}
		if v, ok := ev.Payload["enable_compensation"].(bool); ok {
			def.EnableCompensation = v
		}
		if v, ok := ev.Payload["retry"]; ok && v != nil {
			retry, err := decodeRetry(v)
			if err != nil {
				return nil, types.Errorf(types.ErrStoreFailure,
					"workflow %s: malformed retry overrides in start event", workflowID).WithCause(err)
			}
			def.Retry = retry
		}
		started = true
		break
	}
	if !started {
		return nil, types.Errorf(types.ErrWorkflowNotFound,
			"stream %q has no workflow start event", workflowID)
	}

	rs := newRunState(workflowID, def)
	for _, task := range def.Tasks {
		rs.graph.Add(task)
	}

	for _, ev := range events {
		switch ev.EventType {
		case event.TypeTaskCompleted:
			taskID, _ := ev.Payload["task_id"].(string)
			if taskID == "" || rs.completed[taskID] {
				continue
			}
			rs.completed[taskID] = true
			rs.order = append(rs.order, taskID)
			rs.completedEmitted.Store(taskID, struct{}{})
			if result, ok := ev.Payload["result"].(map[string]any); ok {
				rs.results[taskID] = result
			}
		case event.TypeTaskAssigned, event.TypeTaskFailed:
			taskID, _ := ev.Payload["task_id"].(string)
			if taskID == "" {
				continue
			}
			next := int(asInt64(ev.Payload["attempt"])) + 1
			if next > rs.attempts[taskID] {
				rs.attempts[taskID] = next
			}
		}
	}
	return rs, nil
}

// encodeTasks renders task nodes as JSON-generic values so the start-event
// payload round-trips identically through every store backend.
func encodeTasks(tasks []*TaskNode) []any {
	data, err := json.Marshal(tasks)
	if err != nil {
		return nil
	}
	var out []any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func decodeTasks(v any) ([]TaskNode, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var tasks []TaskNode
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func encodeRetry(r *RetryOverrides) map[string]any {
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func decodeRetry(v any) (*RetryOverrides, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var r RetryOverrides
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// asInt64 tolerates the numeric widening of JSON round trips.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}

// Package event provides the event-sourced persistence and notification
// layer of the engine: immutable workflow events, append-only per-stream
// stores (in-memory and sqlite-backed), and a synchronous pub/sub bus.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies a workflow lifecycle or task event.
type Type string

// Canonical event types emitted by the orchestrator.
const (
	TypeWorkflowStarted   Type = "workflow_started"
	TypeTaskAuthorized    Type = "task_authorized"
	TypeTaskAuthDenied    Type = "task_authorization_denied"
	TypeTaskCircuitBlock  Type = "task_circuit_blocked"
	TypeCircuitOpen       Type = "circuit_open"
	TypeCircuitClosed     Type = "circuit_closed"
	TypeAgentThrottled    Type = "agent_throttled"
	TypeTaskValidationErr Type = "task_validation_failed"
	TypeTaskPolicyDenied  Type = "task_policy_denied"
	TypeTaskAssigned      Type = "task_assigned"
	TypeTaskProgress      Type = "task_progress"
	TypeTaskCompleted     Type = "task_completed"
	TypeTaskFailed        Type = "task_failed"
	TypeTaskCompensated   Type = "task_compensated"
	TypeWorkflowCompleted Type = "workflow_completed"
	TypeWorkflowFailed    Type = "workflow_failed"
	TypeWorkflowCancelled Type = "workflow_cancelled"
	TypeWorkflowTimedOut  Type = "workflow_timed_out"
)

// Event is an immutable record of one engine state change. The payload is
// deep-copied on construction; an Event is created once and never mutated.
type Event struct {
	ID          string         `json:"id"`
	EventType   Type           `json:"event_type"`
	Payload     map[string]any `json:"payload"`
	TimestampNS int64          `json:"timestamp_ns"`
	TraceID     string         `json:"trace_id"`
	SpanID      string         `json:"span_id,omitempty"`

	// Index is the per-stream position assigned by the store at append
	// time. Zero-valued until the event has been appended.
	Index int64 `json:"idx"`
}

// New creates an Event with a fresh id, the current timestamp, and a deep
// copy of payload. TraceID carries the workflow id for every event of a run.
func New(eventType Type, payload map[string]any, traceID string) Event {
	return Event{
		ID:          uuid.NewString(),
		EventType:   eventType,
		Payload:     deepCopyMap(payload),
		TimestampNS: time.Now().UnixNano(),
		TraceID:     traceID,
	}
}

// WithSpan returns a copy of the event tagged with the given span id.
func (e Event) WithSpan(spanID string) Event {
	e.SpanID = spanID
	return e
}

// Clone returns a copy of the event with an independent payload, so callers
// holding replayed events cannot mutate store-internal state.
func (e Event) Clone() Event {
	e.Payload = deepCopyMap(e.Payload)
	return e
}

func deepCopyMap(src map[string]any) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = deepCopyValue(v)
	}
	return dst
}

func deepCopyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return deepCopyMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = deepCopyValue(item)
		}
		return out
	case []string:
		out := make([]string, len(tv))
		copy(out, tv)
		return out
	default:
		return v
	}
}

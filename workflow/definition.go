package workflow

import (
	"math"
	"math/rand"
	"time"
)

// RetryOverrides overrides parts of the backoff policy. Zero-valued fields
// inherit from the next level down (task > workflow > orchestrator defaults).
type RetryOverrides struct {
	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration `json:"backoff_base,omitempty"`
	// Jitter is the symmetric jitter fraction in [0,1); the computed delay
	// is multiplied by 1 ± U(0,Jitter). Nil inherits; explicit zero
	// disables jitter.
	Jitter *float64 `json:"jitter,omitempty"`
	// MaxBackoff caps the computed delay. Zero means uncapped.
	MaxBackoff time.Duration `json:"max_backoff,omitempty"`
}

// WorkflowDefinition is a caller-submitted run: an ordered task list plus
// workflow-level overrides.
type WorkflowDefinition struct {
	// WorkflowID is the caller-supplied run id; empty means the engine
	// allocates one. Collisions with active or persisted runs are rejected.
	WorkflowID string `json:"workflow_id,omitempty"`
	// Tasks are upserted into the run's graph in order.
	Tasks []TaskNode `json:"tasks"`
	// Retry overrides the orchestrator backoff defaults for every task
	// without its own override.
	Retry *RetryOverrides `json:"retry,omitempty"`
	// MaxDuration bounds the whole run. Zero means unbounded.
	MaxDuration time.Duration `json:"max_duration,omitempty"`
	// EnableCompensation runs saga rollback of completed compensable
	// tasks when the run fails irrecoverably.
	EnableCompensation bool `json:"enable_compensation,omitempty"`
}

// retryPolicy is a fully resolved backoff policy.
type retryPolicy struct {
	backoffBase time.Duration
	jitter      float64
	maxBackoff  time.Duration
}

// defaultRetryPolicy matches the engine defaults when neither the task nor
// the workflow overrides anything.
func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		backoffBase: 1 * time.Second,
		jitter:      0.25,
		maxBackoff:  30 * time.Second,
	}
}

// resolveRetryPolicy merges overrides: task-level wins over workflow-level,
// which wins over the orchestrator defaults. Only explicitly set (non-zero)
// fields override.
func resolveRetryPolicy(defaults retryPolicy, workflow, task *RetryOverrides) retryPolicy {
	policy := defaults
	for _, o := range []*RetryOverrides{workflow, task} {
		if o == nil {
			continue
		}
		if o.BackoffBase > 0 {
			policy.backoffBase = o.BackoffBase
		}
		if o.Jitter != nil {
			policy.jitter = *o.Jitter
		}
		if o.MaxBackoff > 0 {
			policy.maxBackoff = o.MaxBackoff
		}
	}
	return policy
}

// backoffDelay computes the retry delay for a zero-based attempt:
// base·2^attempt, symmetric jitter 1±U(0,jitter), capped at maxBackoff.
func (p retryPolicy) backoffDelay(attempt int) time.Duration {
	delay := float64(p.backoffBase) * math.Pow(2, float64(attempt))

	if p.jitter > 0 {
		delay *= 1 + (rand.Float64()*2-1)*p.jitter
	}

	if p.maxBackoff > 0 && delay > float64(p.maxBackoff) {
		delay = float64(p.maxBackoff)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

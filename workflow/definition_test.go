package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func floatPtr(v float64) *float64 { return &v }

// ---------------------------------------------------------------------------
// resolveRetryPolicy precedence
// ---------------------------------------------------------------------------

func TestResolveRetryPolicy(t *testing.T) {
	defaults := defaultRetryPolicy()

	tests := []struct {
		name     string
		workflow *RetryOverrides
		task     *RetryOverrides
		want     retryPolicy
	}{
		{
			name: "no overrides keeps defaults",
			want: defaults,
		},
		{
			name:     "workflow overrides defaults",
			workflow: &RetryOverrides{BackoffBase: 2 * time.Second, Jitter: floatPtr(0.5)},
			want: retryPolicy{
				backoffBase: 2 * time.Second,
				jitter:      0.5,
				maxBackoff:  defaults.maxBackoff,
			},
		},
		{
			name:     "task overrides workflow",
			workflow: &RetryOverrides{BackoffBase: 2 * time.Second, MaxBackoff: time.Minute},
			task:     &RetryOverrides{BackoffBase: 100 * time.Millisecond},
			want: retryPolicy{
				backoffBase: 100 * time.Millisecond,
				jitter:      defaults.jitter,
				maxBackoff:  time.Minute,
			},
		},
		{
			name: "explicit zero jitter disables jitter",
			task: &RetryOverrides{Jitter: floatPtr(0)},
			want: retryPolicy{
				backoffBase: defaults.backoffBase,
				jitter:      0,
				maxBackoff:  defaults.maxBackoff,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveRetryPolicy(defaults, tt.workflow, tt.task)
			assert.Equal(t, tt.want, got)
		})
	}
}

// ---------------------------------------------------------------------------
// backoffDelay
// ---------------------------------------------------------------------------

func TestBackoffDelay_NoJitterIsExact(t *testing.T) {
	policy := retryPolicy{
		backoffBase: 100 * time.Millisecond,
		jitter:      0,
		maxBackoff:  2 * time.Second,
	}

	assert.Equal(t, 100*time.Millisecond, policy.backoffDelay(0))
	assert.Equal(t, 200*time.Millisecond, policy.backoffDelay(1))
	assert.Equal(t, 400*time.Millisecond, policy.backoffDelay(2))
	assert.Equal(t, 800*time.Millisecond, policy.backoffDelay(3))
	// 100ms * 2^5 = 3.2s, capped
	assert.Equal(t, 2*time.Second, policy.backoffDelay(5))
}

func TestBackoffDelay_UncappedWhenZeroMax(t *testing.T) {
	policy := retryPolicy{backoffBase: time.Second, jitter: 0}
	assert.Equal(t, 16*time.Second, policy.backoffDelay(4))
}

func TestBackoffDelay_JitterStaysInBand(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := time.Duration(rapid.Int64Range(int64(time.Millisecond), int64(time.Second)).Draw(t, "base"))
		jitter := rapid.Float64Range(0, 0.9).Draw(t, "jitter")
		attempt := rapid.IntRange(0, 8).Draw(t, "attempt")
		policy := retryPolicy{backoffBase: base, jitter: jitter}

		delay := policy.backoffDelay(attempt)

		exact := float64(base) * float64(int64(1)<<attempt)
		lo := time.Duration(exact * (1 - jitter))
		hi := time.Duration(exact * (1 + jitter))
		assert.GreaterOrEqual(t, delay, lo-time.Nanosecond)
		assert.LessOrEqual(t, delay, hi+time.Nanosecond)
	})
}

func TestBackoffDelay_NeverExceedsCap(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		policy := retryPolicy{
			backoffBase: time.Duration(rapid.Int64Range(int64(time.Millisecond), int64(time.Second)).Draw(t, "base")),
			jitter:      rapid.Float64Range(0, 0.9).Draw(t, "jitter"),
			maxBackoff:  time.Duration(rapid.Int64Range(int64(10*time.Millisecond), int64(5*time.Second)).Draw(t, "cap")),
		}
		attempt := rapid.IntRange(0, 16).Draw(t, "attempt")

		delay := policy.backoffDelay(attempt)
		assert.LessOrEqual(t, delay, policy.maxBackoff)
		assert.GreaterOrEqual(t, delay, time.Duration(0))
	})
}

package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// DefaultConfig
// ---------------------------------------------------------------------------

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.RecoveryTimeout)
	assert.Equal(t, 60*time.Second, cfg.CallTimeout)
	assert.Nil(t, cfg.OnStateChange)
}

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	tests := []struct {
		name          string
		cfg           *Config
		wantThreshold int
		wantRecovery  time.Duration
	}{
		{
			name:          "nil config uses defaults",
			cfg:           nil,
			wantThreshold: 5,
			wantRecovery:  30 * time.Second,
		},
		{
			name:          "zero values corrected to defaults",
			cfg:           &Config{FailureThreshold: 0, RecoveryTimeout: 0},
			wantThreshold: 5,
			wantRecovery:  30 * time.Second,
		},
		{
			name:          "custom values preserved",
			cfg:           &Config{FailureThreshold: 3, RecoveryTimeout: 10 * time.Second},
			wantThreshold: 3,
			wantRecovery:  10 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := New(tt.cfg, zap.NewNop())
			require.NotNil(t, cb)
			assert.Equal(t, StateClosed, cb.State())

			b := cb.(*breaker)
			assert.Equal(t, tt.wantThreshold, b.config.FailureThreshold)
			assert.Equal(t, tt.wantRecovery, b.config.RecoveryTimeout)
		})
	}
}

// ---------------------------------------------------------------------------
// State.String()
// ---------------------------------------------------------------------------

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}

// ---------------------------------------------------------------------------
// Closed -> Open (failure threshold)
// ---------------------------------------------------------------------------

func TestBreaker_ClosedToOpen(t *testing.T) {
	threshold := 3
	cb := New(&Config{
		FailureThreshold: threshold,
		RecoveryTimeout:  1 * time.Hour,
	}, zap.NewNop())

	errFail := errors.New("fail")

	// Fail threshold-1 times: still closed
	for i := 0; i < threshold-1; i++ {
		err := cb.Do(context.Background(), func() error { return errFail })
		assert.ErrorIs(t, err, errFail)
		assert.Equal(t, StateClosed, cb.State())
	}

	// One more failure trips the breaker
	err := cb.Do(context.Background(), func() error { return errFail })
	assert.ErrorIs(t, err, errFail)
	assert.Equal(t, StateOpen, cb.State())
}

// ---------------------------------------------------------------------------
// Open rejects calls with ErrCircuitOpen
// ---------------------------------------------------------------------------

func TestBreaker_OpenRejectsCalls(t *testing.T) {
	cb := New(&Config{
		FailureThreshold: 1,
		RecoveryTimeout:  1 * time.Hour,
	}, zap.NewNop())

	// Trip the breaker
	_ = cb.Do(context.Background(), func() error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())

	// Subsequent calls rejected
	err := cb.Do(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

// ---------------------------------------------------------------------------
// Open -> HalfOpen -> Closed (trial success after recovery timeout)
// ---------------------------------------------------------------------------

func TestBreaker_RecoveryTrialSuccess(t *testing.T) {
	cb := New(&Config{
		FailureThreshold: 1,
		RecoveryTimeout:  50 * time.Millisecond,
	}, zap.NewNop())

	_ = cb.Do(context.Background(), func() error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(80 * time.Millisecond)

	// Next call runs as the half-open trial and closes the circuit
	err := cb.Do(context.Background(), func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

// ---------------------------------------------------------------------------
// Open -> HalfOpen -> Open (trial failure)
// ---------------------------------------------------------------------------

func TestBreaker_RecoveryTrialFailure(t *testing.T) {
	cb := New(&Config{
		FailureThreshold: 1,
		RecoveryTimeout:  50 * time.Millisecond,
	}, zap.NewNop())

	_ = cb.Do(context.Background(), func() error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(80 * time.Millisecond)

	err := cb.Do(context.Background(), func() error { return errors.New("fail again") })
	assert.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
}

// ---------------------------------------------------------------------------
// HalfOpen permits exactly one trial
// ---------------------------------------------------------------------------

func TestBreaker_SingleTrialInHalfOpen(t *testing.T) {
	cb := New(&Config{
		FailureThreshold: 1,
		RecoveryTimeout:  50 * time.Millisecond,
	}, zap.NewNop())

	_ = cb.Do(context.Background(), func() error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())

	b := cb.(*breaker)
	b.mu.Lock()
	b.state = StateHalfOpen
	b.trialInFlight = true // simulate a trial already running
	b.mu.Unlock()

	err := cb.Do(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrTrialInFlight)
}

// ---------------------------------------------------------------------------
// CallTimeout aborts slow guarded calls
// ---------------------------------------------------------------------------

func TestBreaker_CallTimeout(t *testing.T) {
	cb := New(&Config{
		FailureThreshold: 5,
		RecoveryTimeout:  1 * time.Hour,
		CallTimeout:      30 * time.Millisecond,
	}, zap.NewNop())

	err := cb.Do(context.Background(), func() error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	b := cb.(*breaker)
	b.mu.Lock()
	failures := b.failures
	b.mu.Unlock()
	assert.Equal(t, 1, failures)
}

// ---------------------------------------------------------------------------
// Reset
// ---------------------------------------------------------------------------

func TestBreaker_Reset(t *testing.T) {
	cb := New(&Config{
		FailureThreshold: 1,
		RecoveryTimeout:  1 * time.Hour,
	}, zap.NewNop())

	_ = cb.Do(context.Background(), func() error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())

	err := cb.Do(context.Background(), func() error { return nil })
	assert.NoError(t, err)
}

// ---------------------------------------------------------------------------
// OnStateChange callback
// ---------------------------------------------------------------------------

func TestBreaker_OnStateChange(t *testing.T) {
	var mu sync.Mutex
	var transitions []struct{ from, to State }

	cb := New(&Config{
		FailureThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
	}, zap.NewNop())

	b := cb.(*breaker)
	b.config.OnStateChange = func(from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	}

	// Trip: Closed -> Open
	_ = cb.Do(context.Background(), func() error { return errors.New("f") })
	_ = cb.Do(context.Background(), func() error { return errors.New("f") })

	// Wait for recovery, then HalfOpen -> Closed
	time.Sleep(80 * time.Millisecond)
	_ = cb.Do(context.Background(), func() error { return nil })

	// Give async callbacks time to execute
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(transitions), 2)
	assert.Equal(t, StateClosed, transitions[0].from)
	assert.Equal(t, StateOpen, transitions[0].to)
}

// ---------------------------------------------------------------------------
// DoWithResult
// ---------------------------------------------------------------------------

func TestBreaker_DoWithResult(t *testing.T) {
	cb := New(&Config{FailureThreshold: 5}, zap.NewNop())

	result, err := cb.DoWithResult(context.Background(), func() (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

// ---------------------------------------------------------------------------
// Success resets failure count in Closed state
// ---------------------------------------------------------------------------

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(&Config{FailureThreshold: 3}, zap.NewNop())

	// Fail twice
	_ = cb.Do(context.Background(), func() error { return errors.New("f") })
	_ = cb.Do(context.Background(), func() error { return errors.New("f") })

	// Succeed (resets count)
	_ = cb.Do(context.Background(), func() error { return nil })

	// Fail twice more: still closed, the count was reset
	_ = cb.Do(context.Background(), func() error { return errors.New("f") })
	_ = cb.Do(context.Background(), func() error { return errors.New("f") })
	assert.Equal(t, StateClosed, cb.State())
}

// ---------------------------------------------------------------------------
// Concurrent safety
// ---------------------------------------------------------------------------

func TestBreaker_ConcurrentSafety(t *testing.T) {
	cb := New(&Config{
		FailureThreshold: 100,
		RecoveryTimeout:  50 * time.Millisecond,
	}, zap.NewNop())

	var wg sync.WaitGroup
	var successCount atomic.Int64

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := cb.Do(context.Background(), func() error { return nil })
			if err == nil {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int64(50), successCount.Load())
	assert.Equal(t, StateClosed, cb.State())
}

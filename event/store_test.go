package event

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// ---------------------------------------------------------------------------
// MemoryStore append and index assignment
// ---------------------------------------------------------------------------

func TestMemoryStore_AppendAssignsIndexes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Append(ctx, "wf-1",
		New(TypeWorkflowStarted, nil, "wf-1"),
		New(TypeTaskAssigned, nil, "wf-1"),
	))
	require.NoError(t, store.Append(ctx, "wf-1",
		New(TypeTaskCompleted, nil, "wf-1"),
	))

	events, err := store.ReadStream(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i), ev.Index)
	}
}

func TestMemoryStore_StreamsAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Append(ctx, "wf-a", New(TypeWorkflowStarted, nil, "wf-a")))
	require.NoError(t, store.Append(ctx, "wf-b",
		New(TypeWorkflowStarted, nil, "wf-b"),
		New(TypeWorkflowCompleted, nil, "wf-b"),
	))

	a, err := store.ReadStream(ctx, "wf-a", 0)
	require.NoError(t, err)
	b, err := store.ReadStream(ctx, "wf-b", 0)
	require.NoError(t, err)

	assert.Len(t, a, 1)
	assert.Len(t, b, 2)
	// Index restarts per stream
	assert.Equal(t, int64(0), b[0].Index)
	assert.Equal(t, int64(1), b[1].Index)
}

func TestMemoryStore_ReadStreamFrom(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, "wf-1", New(TypeTaskProgress, map[string]any{"i": i}, "wf-1")))
	}

	events, err := store.ReadStream(ctx, "wf-1", 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].Index)
	assert.Equal(t, int64(4), events[1].Index)
}

func TestMemoryStore_ReadMissingStream(t *testing.T) {
	store := NewMemoryStore()
	events, err := store.ReadStream(context.Background(), "nope", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// ---------------------------------------------------------------------------
// Replayed events are isolated from store internals
// ---------------------------------------------------------------------------

func TestMemoryStore_ReplayReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Append(ctx, "wf-1",
		New(TypeTaskCompleted, map[string]any{"k": "v"}, "wf-1")))

	first, err := store.Replay(ctx, "wf-1")
	require.NoError(t, err)
	first[0].Payload["k"] = "mutated"

	second, err := store.Replay(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "v", second[0].Payload["k"])
}

// ---------------------------------------------------------------------------
// QueryAll / helpers
// ---------------------------------------------------------------------------

func TestMemoryStore_QueryAll(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Append(ctx, "wf-a", New(TypeWorkflowStarted, nil, "wf-a")))
	require.NoError(t, store.Append(ctx, "wf-b", New(TypeWorkflowStarted, nil, "wf-b")))

	all, err := store.QueryAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	ids, err := StreamIDs(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-a", "wf-b"}, ids)
}

func TestHasStream(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ok, err := HasStream(ctx, store, "wf-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Append(ctx, "wf-1", New(TypeWorkflowStarted, nil, "wf-1")))

	ok, err = HasStream(ctx, store, "wf-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

// ---------------------------------------------------------------------------
// Concurrent appenders keep per-stream ordering intact
// ---------------------------------------------------------------------------

func TestMemoryStore_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			streamID := fmt.Sprintf("wf-%d", g%3)
			for i := 0; i < 20; i++ {
				_ = store.Append(ctx, streamID, New(TypeTaskProgress, nil, streamID))
			}
		}(g)
	}
	wg.Wait()

	all, err := store.QueryAll(ctx)
	require.NoError(t, err)
	total := 0
	for _, events := range all {
		total += len(events)
		for i, ev := range events {
			assert.Equal(t, int64(i), ev.Index)
		}
	}
	assert.Equal(t, 200, total)
}

// ---------------------------------------------------------------------------
// Property: indexes are always dense and monotonic per stream
// ---------------------------------------------------------------------------

func TestMemoryStore_IndexesDense(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		store := NewMemoryStore()
		streams := rapid.SliceOfN(rapid.SampledFrom([]string{"a", "b", "c"}), 1, 50).Draw(t, "streams")

		for _, streamID := range streams {
			batch := rapid.IntRange(1, 3).Draw(t, "batch")
			events := make([]Event, batch)
			for i := range events {
				events[i] = New(TypeTaskProgress, nil, streamID)
			}
			require.NoError(t, store.Append(ctx, streamID, events...))
		}

		all, err := store.QueryAll(ctx)
		require.NoError(t, err)
		for _, events := range all {
			for i, ev := range events {
				assert.Equal(t, int64(i), ev.Index)
			}
		}
	})
}

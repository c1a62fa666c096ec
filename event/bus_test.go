package event

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Subscribe / Publish
// ---------------------------------------------------------------------------

func TestBus_SubscribeReceivesMatchingType(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var got []Event
	bus.Subscribe(TypeTaskCompleted, func(ev Event) { got = append(got, ev) })

	bus.Publish(New(TypeTaskCompleted, map[string]any{"task_id": "t1"}, "wf-1"))
	bus.Publish(New(TypeTaskFailed, nil, "wf-1"))

	require.Len(t, got, 1)
	assert.Equal(t, TypeTaskCompleted, got[0].EventType)
	assert.Equal(t, "t1", got[0].Payload["task_id"])
}

func TestBus_SubscribeAllReceivesEverything(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var count int
	bus.SubscribeAll(func(Event) { count++ })

	bus.Publish(New(TypeTaskAssigned, nil, "wf-1"))
	bus.Publish(New(TypeTaskCompleted, nil, "wf-1"))
	bus.Publish(New(TypeWorkflowCompleted, nil, "wf-1"))

	assert.Equal(t, 3, count)
}

// ---------------------------------------------------------------------------
// Unsubscribe
// ---------------------------------------------------------------------------

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var typed, all int
	typedID := bus.Subscribe(TypeTaskCompleted, func(Event) { typed++ })
	allID := bus.SubscribeAll(func(Event) { all++ })

	bus.Publish(New(TypeTaskCompleted, nil, "wf-1"))
	bus.Unsubscribe(typedID)
	bus.Unsubscribe(allID)
	bus.Publish(New(TypeTaskCompleted, nil, "wf-1"))

	assert.Equal(t, 1, typed)
	assert.Equal(t, 1, all)
}

// ---------------------------------------------------------------------------
// Handler isolation
// ---------------------------------------------------------------------------

func TestBus_PanickingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var delivered int
	bus.Subscribe(TypeTaskFailed, func(Event) { panic("boom") })
	bus.Subscribe(TypeTaskFailed, func(Event) { delivered++ })

	assert.NotPanics(t, func() {
		bus.Publish(New(TypeTaskFailed, nil, "wf-1"))
	})
	assert.Equal(t, 1, delivered)
}

func TestBus_HandlerGetsPayloadCopy(t *testing.T) {
	bus := NewBus(zap.NewNop())

	published := New(TypeTaskCompleted, map[string]any{"k": "v"}, "wf-1")
	bus.Subscribe(TypeTaskCompleted, func(ev Event) {
		ev.Payload["k"] = "mutated"
	})
	bus.Publish(published)

	assert.Equal(t, "v", published.Payload["k"])
}

// ---------------------------------------------------------------------------
// Concurrent publish/subscribe
// ---------------------------------------------------------------------------

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var mu sync.Mutex
	count := 0
	bus.SubscribeAll(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(New(TypeTaskProgress, nil, "wf-1"))
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 500, count)
}

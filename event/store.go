package event

import (
	"context"
	"sort"
	"sync"

	"github.com/taskmesh/taskmesh/types"
)

// Store is an append-only event store. Events within a stream are strictly
// ordered by a monotonically increasing index assigned at append time.
type Store interface {
	// Append persists events to the stream. All events in one call are
	// persisted atomically, with consecutive indexes starting at
	// max(existing)+1.
	Append(ctx context.Context, streamID string, events ...Event) error

	// ReadStream returns the events of a stream with Index >= from, in
	// index order.
	ReadStream(ctx context.Context, streamID string, from int64) ([]Event, error)

	// QueryAll returns every persisted event grouped by stream id.
	QueryAll(ctx context.Context) (map[string][]Event, error)

	// Replay returns the full ordered history of a stream.
	Replay(ctx context.Context, streamID string) ([]Event, error)
}

// MemoryStore is a process-local Store. It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string][]Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string][]Event)}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, streamID string, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := int64(len(s.streams[streamID]))
	for _, ev := range events {
		ev = ev.Clone()
		ev.Index = next
		next++
		s.streams[streamID] = append(s.streams[streamID], ev)
	}
	return nil
}

// ReadStream implements Store.
func (s *MemoryStore) ReadStream(_ context.Context, streamID string, from int64) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[streamID]
	if !ok {
		return nil, nil
	}
	var out []Event
	for _, ev := range stream {
		if ev.Index >= from {
			out = append(out, ev.Clone())
		}
	}
	return out, nil
}

// QueryAll implements Store.
func (s *MemoryStore) QueryAll(_ context.Context) (map[string][]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]Event, len(s.streams))
	for id, stream := range s.streams {
		events := make([]Event, 0, len(stream))
		for _, ev := range stream {
			events = append(events, ev.Clone())
		}
		out[id] = events
	}
	return out, nil
}

// Replay implements Store.
func (s *MemoryStore) Replay(ctx context.Context, streamID string) ([]Event, error) {
	return s.ReadStream(ctx, streamID, 0)
}

// HasStream reports whether a store already holds events for a stream.
// Used by the orchestrator's workflow-id collision check.
func HasStream(ctx context.Context, store Store, streamID string) (bool, error) {
	events, err := store.ReadStream(ctx, streamID, 0)
	if err != nil {
		return false, types.NewError(types.ErrStoreFailure, "read stream").WithCause(err)
	}
	return len(events) > 0, nil
}

// StreamIDs returns the ids of all streams in the store, sorted.
func StreamIDs(ctx context.Context, store Store) ([]string, error) {
	all, err := store.QueryAll(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

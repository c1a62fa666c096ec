package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// eventRecord is the durable row shape for one event.
type eventRecord struct {
	ID          string `gorm:"primaryKey;size:64"`
	StreamID    string `gorm:"index:idx_stream_order,unique,priority:1;size:128;not null"`
	Idx         int64  `gorm:"index:idx_stream_order,unique,priority:2;not null"`
	EventType   string `gorm:"size:64;not null"`
	Payload     string `gorm:"type:text;not null"`
	TimestampNS int64  `gorm:"not null"`
	TraceID     string `gorm:"size:128"`
	SpanID      *string
}

func (eventRecord) TableName() string { return "events" }

// SQLiteStore is a durable Store backed by an embedded sqlite table,
// enabling cross-process resume of a workflow from its event log.
type SQLiteStore struct {
	db *gorm.DB
}

// OpenSQLiteStore opens (or creates) the sqlite database at path and
// migrates the events table. Use ":memory:" for an ephemeral database.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an existing gorm connection.
func NewSQLiteStore(db *gorm.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.AutoMigrate(&eventRecord{}); err != nil {
		return nil, fmt.Errorf("migrate events table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append implements Store. All events persist in a single transaction; the
// per-stream index continues at max(existing)+1.
func (s *SQLiteStore) Append(ctx context.Context, streamID string, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var next int64
		row := tx.Model(&eventRecord{}).
			Where("stream_id = ?", streamID).
			Select("COALESCE(MAX(idx), -1) + 1")
		if err := row.Scan(&next).Error; err != nil {
			return fmt.Errorf("next index for %s: %w", streamID, err)
		}

		records := make([]eventRecord, 0, len(events))
		for i, ev := range events {
			payload, err := json.Marshal(ev.Payload)
			if err != nil {
				return fmt.Errorf("marshal payload for %s: %w", ev.ID, err)
			}
			rec := eventRecord{
				ID:          ev.ID,
				StreamID:    streamID,
				Idx:         next + int64(i),
				EventType:   string(ev.EventType),
				Payload:     string(payload),
				TimestampNS: ev.TimestampNS,
				TraceID:     ev.TraceID,
			}
			if ev.SpanID != "" {
				span := ev.SpanID
				rec.SpanID = &span
			}
			records = append(records, rec)
		}
		if err := tx.Create(&records).Error; err != nil {
			return fmt.Errorf("append to %s: %w", streamID, err)
		}
		return nil
	})
}

// ReadStream implements Store.
func (s *SQLiteStore) ReadStream(ctx context.Context, streamID string, from int64) ([]Event, error) {
	var records []eventRecord
	err := s.db.WithContext(ctx).
		Where("stream_id = ? AND idx >= ?", streamID, from).
		Order("idx ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", streamID, err)
	}
	return decodeRecords(records)
}

// QueryAll implements Store.
func (s *SQLiteStore) QueryAll(ctx context.Context) (map[string][]Event, error) {
	var records []eventRecord
	err := s.db.WithContext(ctx).
		Order("stream_id ASC, idx ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("query all events: %w", err)
	}

	out := make(map[string][]Event)
	for _, rec := range records {
		ev, err := decodeRecord(rec)
		if err != nil {
			return nil, err
		}
		out[rec.StreamID] = append(out[rec.StreamID], ev)
	}
	return out, nil
}

// Replay implements Store.
func (s *SQLiteStore) Replay(ctx context.Context, streamID string) ([]Event, error) {
	return s.ReadStream(ctx, streamID, 0)
}

func decodeRecords(records []eventRecord) ([]Event, error) {
	events := make([]Event, 0, len(records))
	for _, rec := range records {
		ev, err := decodeRecord(rec)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func decodeRecord(rec eventRecord) (Event, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(rec.Payload), &payload); err != nil {
		return Event{}, fmt.Errorf("decode payload of %s: %w", rec.ID, err)
	}
	ev := Event{
		ID:          rec.ID,
		EventType:   Type(rec.EventType),
		Payload:     payload,
		TimestampNS: rec.TimestampNS,
		TraceID:     rec.TraceID,
		Index:       rec.Idx,
	}
	if rec.SpanID != nil {
		ev.SpanID = *rec.SpanID
	}
	return ev, nil
}

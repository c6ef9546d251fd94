package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/chorushq/chorus/internal/event"
)

// AppendEvent appends one journal row inside a live write transaction and
// returns the assigned event id. Because all writes are serialized, commit
// order equals id order.
func AppendEvent(tx *sql.Tx, ev event.Event) (int64, error) {
	if ev.TS == "" {
		ev.TS = Now()
	}
	data := ev.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	var entityType, entityID sql.NullString
	if ev.Entity != nil {
		entityType = sql.NullString{String: ev.Entity.Type, Valid: true}
		entityID = sql.NullString{String: ev.Entity.ID, Valid: true}
	}

	res, err := tx.Exec(`
		INSERT INTO events (ts, name, scope_channel_id, scope_topic_id, scope_topic_id2, entity_type, entity_id, data_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.TS, ev.Name,
		nullable(ev.Scope.ChannelID), nullable(ev.Scope.TopicID), nullable(ev.Scope.TopicID2),
		entityType, entityID, string(data))
	if err != nil {
		return 0, fmt.Errorf("append event %s: %w", ev.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event id for %s: %w", ev.Name, err)
	}
	return id, nil
}

// MaxEventID returns the highest committed event id, 0 for an empty journal.
func (s *Store) MaxEventID(ctx context.Context) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(event_id), 0) FROM events").Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("query max event id: %w", err)
	}
	return max, nil
}

// EventsAfter returns up to limit events with event_id > after in ascending
// order.
func (s *Store) EventsAfter(ctx context.Context, after int64, limit int) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, ts, name, scope_channel_id, scope_topic_id, scope_topic_id2, entity_type, entity_id, data_json
		FROM events WHERE event_id > ? ORDER BY event_id ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query events after %d: %w", after, err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// EventsRange returns events with after < event_id <= until ascending, in
// batches of limit. Used by the stream hub's replay phase.
func (s *Store) EventsRange(ctx context.Context, after, until int64, limit int) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, ts, name, scope_channel_id, scope_topic_id, scope_topic_id2, entity_type, entity_id, data_json
		FROM events WHERE event_id > ? AND event_id <= ? ORDER BY event_id ASC LIMIT ?`, after, until, limit)
	if err != nil {
		return nil, fmt.Errorf("query events (%d, %d]: %w", after, until, err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// EventsTail returns the last n events in ascending order.
func (s *Store) EventsTail(ctx context.Context, n int) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, ts, name, scope_channel_id, scope_topic_id, scope_topic_id2, entity_type, entity_id, data_json
		FROM (
			SELECT * FROM events ORDER BY event_id DESC LIMIT ?
		) ORDER BY event_id ASC`, n)
	if err != nil {
		return nil, fmt.Errorf("query event tail %d: %w", n, err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]event.Event, error) {
	var out []event.Event
	for rows.Next() {
		var ev event.Event
		var chID, tpID, tpID2, entType, entID sql.NullString
		var data string
		if err := rows.Scan(&ev.EventID, &ev.TS, &ev.Name, &chID, &tpID, &tpID2, &entType, &entID, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Scope = event.Scope{ChannelID: chID.String, TopicID: tpID.String, TopicID2: tpID2.String}
		if entType.Valid {
			ev.Entity = &event.Entity{Type: entType.String, ID: entID.String}
		}
		ev.Data = json.RawMessage(data)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrSearchUnavailable is returned when the full-text index has not been
// created (the opt-in v2 migration was never applied).
var ErrSearchUnavailable = errors.New("full-text search index not present")

// SearchHit is one full-text match.
type SearchHit struct {
	MessageID string
	TopicID   string
	ChannelID string
}

// HasFTS reports whether the full-text index exists.
func (s *Store) HasFTS(ctx context.Context) (bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name='messages_fts'").Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check fts table: %w", err)
	}
	return true, nil
}

// SearchMessages runs a full-text query over message content, optionally
// restricted to a topic or channel, returning up to limit hits in relevance
// order. Returns ErrSearchUnavailable when the index is absent.
func (s *Store) SearchMessages(ctx context.Context, query, topicID, channelID string, limit int) ([]SearchHit, error) {
	ok, err := s.HasFTS(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSearchUnavailable
	}

	q := `
		SELECT m.id, m.topic_id, m.channel_id
		FROM messages_fts f
		JOIN messages m ON m.rowid = f.rowid
		WHERE messages_fts MATCH ?`
	args := []any{query}
	if topicID != "" {
		q += " AND m.topic_id = ?"
		args = append(args, topicID)
	}
	if channelID != "" {
		q += " AND m.channel_id = ?"
		args = append(args, channelID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.MessageID, &h.TopicID, &h.ChannelID); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search hits: %w", err)
	}
	return hits, nil
}

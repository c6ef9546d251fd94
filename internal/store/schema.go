package store

import (
	"database/sql"
	"fmt"
)

// Schema versions. v1 is the base schema; v2 is the opt-in full-text index
// and is only applied when Options.EnableFTS is set. A database without v2
// is fully functional except for search.
const (
	baseVersion = 1
	ftsVersion  = 2
)

// migrate brings the database up to date, one transaction per version.
func migrate(db *sql.DB, opts Options) error {
	current, err := appliedVersion(db)
	if err != nil {
		return err
	}

	if current < baseVersion {
		if err := applyVersion(db, baseVersion, applyBase); err != nil {
			return err
		}
		current = baseVersion
	}
	if opts.EnableFTS && current < ftsVersion {
		if err := applyVersion(db, ftsVersion, applyFTS); err != nil {
			return err
		}
	}
	return nil
}

// appliedVersion returns 0 for a fresh database.
func appliedVersion(db *sql.DB) (int, error) {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("check schema_version table: %w", err)
	}

	var v int
	err = db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return v, nil
}

func applyVersion(db *sql.DB, version int, apply func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := apply(tx); err != nil {
		return fmt.Errorf("migration v%d: %w", version, err)
	}
	if err := setVersion(tx, version); err != nil {
		return fmt.Errorf("migration v%d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration v%d: %w", version, err)
	}
	return nil
}

func setVersion(tx *sql.Tx, version int) error {
	if _, err := tx.Exec("DELETE FROM schema_version"); err != nil {
		return fmt.Errorf("clear schema version: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// applyBase creates the v1 schema.
func applyBase(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER NOT NULL,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS counters (
			name  TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS channels (
			id          TEXT PRIMARY KEY,
			name        TEXT UNIQUE NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS topics (
			id         TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL REFERENCES channels(id),
			title      TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		// channel_id is denormalized from the topic so channel-wide reads
		// avoid a join; the hub keeps it equal to the topic's channel.
		`CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			topic_id    TEXT NOT NULL REFERENCES topics(id),
			channel_id  TEXT NOT NULL REFERENCES channels(id),
			sender      TEXT NOT NULL,
			content_raw TEXT NOT NULL,
			version     INTEGER NOT NULL DEFAULT 1,
			created_at  TEXT NOT NULL,
			edited_at   TEXT,
			deleted_at  TEXT,
			deleted_by  TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS attachments (
			id                TEXT PRIMARY KEY,
			topic_id          TEXT NOT NULL REFERENCES topics(id),
			kind              TEXT NOT NULL,
			key               TEXT NOT NULL DEFAULT '',
			value_json        TEXT NOT NULL,
			dedupe_key        TEXT NOT NULL DEFAULT '',
			source_message_id TEXT REFERENCES messages(id),
			created_at        TEXT NOT NULL,
			UNIQUE(topic_id, kind, key, dedupe_key)
		)`,

		`CREATE TABLE IF NOT EXISTS enrichments (
			id              TEXT PRIMARY KEY,
			message_id      TEXT NOT NULL REFERENCES messages(id),
			kind            TEXT NOT NULL,
			span_start      INTEGER NOT NULL,
			span_end        INTEGER NOT NULL,
			data_json       TEXT NOT NULL,
			plugin_name     TEXT NOT NULL,
			message_version INTEGER NOT NULL,
			created_at      TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS events (
			event_id        INTEGER PRIMARY KEY AUTOINCREMENT,
			ts              TEXT NOT NULL,
			name            TEXT NOT NULL,
			scope_channel_id TEXT,
			scope_topic_id   TEXT,
			scope_topic_id2  TEXT,
			entity_type     TEXT,
			entity_id       TEXT,
			data_json       TEXT NOT NULL DEFAULT '{}'
		)`,

		"CREATE INDEX IF NOT EXISTS idx_messages_topic ON messages(topic_id, id)",
		"CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, id)",
		"CREATE INDEX IF NOT EXISTS idx_topics_channel ON topics(channel_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_attachments_topic ON attachments(topic_id, kind)",
		"CREATE INDEX IF NOT EXISTS idx_enrichments_message ON enrichments(message_id)",
		"CREATE INDEX IF NOT EXISTS idx_events_name ON events(name)",
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	return assignDBID(tx)
}

// applyFTS creates the external-content FTS5 index over message content and
// the triggers keeping it in sync.
func applyFTS(tx *sql.Tx) error {
	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			content_raw,
			content='messages',
			content_rowid='rowid'
		)`,

		`INSERT INTO messages_fts(rowid, content_raw)
			SELECT rowid, content_raw FROM messages`,

		`CREATE TRIGGER IF NOT EXISTS messages_fts_insert AFTER INSERT ON messages BEGIN
			INSERT INTO messages_fts(rowid, content_raw) VALUES (new.rowid, new.content_raw);
		END`,

		`CREATE TRIGGER IF NOT EXISTS messages_fts_update AFTER UPDATE OF content_raw ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, content_raw) VALUES ('delete', old.rowid, old.content_raw);
			INSERT INTO messages_fts(rowid, content_raw) VALUES (new.rowid, new.content_raw);
		END`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec fts statement: %w", err)
		}
	}
	return nil
}

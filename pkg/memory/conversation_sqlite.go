// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rcli/relay/pkg/errors"
	"github.com/rcli/relay/pkg/llm"
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func sanitizeTableName(table string) (string, error) {
	if table == "" {
		return "", fmt.Errorf("table name is required")
	}
	if !tableNamePattern.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// SQLiteConversation implements ConversationMemory on a SQLite database
// opened with the modernc driver.
type SQLiteConversation struct {
	db     *sql.DB
	table  string
	config ConversationConfig
}

// SQLiteConfig configures the SQLite conversation store.
type SQLiteConfig struct {
	// DB is the database connection. Required.
	DB *sql.DB
	// TableName is the table to use. Default: "relay_messages".
	TableName string
	// ConversationConfig for truncation and TTL.
	ConversationConfig ConversationConfig
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.New(errors.CodeMemoryError, "failed to open sqlite database", err).
			WithContext("path", path)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under concurrent sessions.
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewSQLiteConversation creates the store and its table.
func NewSQLiteConversation(ctx context.Context, cfg SQLiteConfig) (*SQLiteConversation, error) {
	if cfg.DB == nil {
		return nil, errors.New(errors.CodeInvalidInput, "database connection is required", nil)
	}
	table := cfg.TableName
	if table == "" {
		table = "relay_messages"
	}
	table, err := sanitizeTableName(table)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, err.Error(), nil)
	}
	s := &SQLiteConversation{db: cfg.DB, table: table, config: cfg.ConversationConfig}
	if err := s.initialize(ctx); err != nil {
		return nil, errors.New(errors.CodeMemoryError, "failed to create conversation table", err)
	}
	return s, nil
}

func (s *SQLiteConversation) initialize(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_calls_json TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_session ON %[1]s (session_id, seq);
	`, s.table)
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// AppendMessage adds a message to the conversation.
func (s *SQLiteConversation) AppendMessage(ctx context.Context, sessionID string, msg ConversationMessage) error {
	return s.AppendMessages(ctx, sessionID, []ConversationMessage{msg})
}

// AppendMessages inserts msgs in one transaction.
func (s *SQLiteConversation) AppendMessages(ctx context.Context, sessionID string, msgs []ConversationMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.New(errors.CodeMemoryError, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, session_id, role, content, tool_calls_json, tool_call_id, name, outcome, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.table)
	for _, msg := range msgs {
		msg = stamp(sessionID, msg)
		calls, err := encodeJSON(msg.ToolCalls, len(msg.ToolCalls) > 0)
		if err != nil {
			return errors.New(errors.CodeMemoryError, "failed to encode tool calls", err)
		}
		meta, err := encodeJSON(msg.Metadata, len(msg.Metadata) > 0)
		if err != nil {
			return errors.New(errors.CodeMemoryError, "failed to encode metadata", err)
		}
		if _, err := tx.ExecContext(ctx, query,
			msg.ID, sessionID, msg.Role, msg.Content, calls, msg.ToolCallID,
			msg.Name, msg.Outcome, meta, msg.CreatedAt.UnixNano(),
		); err != nil {
			return errors.New(errors.CodeMemoryError, "failed to insert message", err).
				WithContext("session_id", sessionID)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.New(errors.CodeMemoryError, "failed to commit messages", err)
	}
	return nil
}

const messageColumns = "id, session_id, role, content, tool_calls_json, tool_call_id, name, outcome, metadata_json, created_at"

func (s *SQLiteConversation) raw(ctx context.Context, sessionID string) ([]ConversationMessage, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE session_id = ? ORDER BY seq ASC`, messageColumns, s.table)
	return s.queryMessages(ctx, query, sessionID)
}

// GetMessages retrieves all messages for a session.
func (s *SQLiteConversation) GetMessages(ctx context.Context, sessionID string) ([]ConversationMessage, error) {
	messages, err := s.raw(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	view, stale, err := s.config.read(ctx, messages)
	if stale {
		return nil, s.Clear(ctx, sessionID)
	}
	return view, err
}

// GetRecentMessages returns the newest whole exchanges. A row limit would
// cut tool results off their call, so grouping happens after the read.
func (s *SQLiteConversation) GetRecentMessages(ctx context.Context, sessionID string, limit int) ([]ConversationMessage, error) {
	messages, err := s.raw(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return recent(messages, limit), nil
}

// Clear removes all messages for a session.
func (s *SQLiteConversation) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE session_id = ?`, s.table), sessionID)
	return err
}

// DeleteOldMessages removes exchanges that started before the cutoff.
func (s *SQLiteConversation) DeleteOldMessages(ctx context.Context, sessionID string, olderThan time.Duration) error {
	messages, err := s.raw(ctx, sessionID)
	if err != nil {
		return err
	}
	_, dropped := expire(messages, time.Now().Add(-olderThan))
	if len(dropped) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.New(errors.CodeMemoryError, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table))
	if err != nil {
		return errors.New(errors.CodeMemoryError, "failed to prepare delete", err)
	}
	defer stmt.Close()
	for _, msg := range dropped {
		if _, err := stmt.ExecContext(ctx, msg.ID); err != nil {
			return errors.New(errors.CodeMemoryError, "failed to delete message", err).
				WithContext("message_id", msg.ID)
		}
	}
	return tx.Commit()
}

// ListSessions returns all stored session IDs.
func (s *SQLiteConversation) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT DISTINCT session_id FROM %s ORDER BY session_id`, s.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		sessions = append(sessions, id)
	}
	return sessions, rows.Err()
}

func (s *SQLiteConversation) queryMessages(ctx context.Context, query string, args ...any) ([]ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.New(errors.CodeMemoryError, "failed to query messages", err)
	}
	defer rows.Close()

	var messages []ConversationMessage
	for rows.Next() {
		var (
			msg         ConversationMessage
			calls, meta string
			created     int64
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &calls,
			&msg.ToolCallID, &msg.Name, &msg.Outcome, &meta, &created); err != nil {
			return nil, err
		}
		msg.CreatedAt = time.Unix(0, created)
		if calls != "" {
			var tc []llm.ToolCall
			if err := json.Unmarshal([]byte(calls), &tc); err != nil {
				return nil, errors.New(errors.CodeMemoryError, "corrupt tool calls", err).
					WithContext("message_id", msg.ID)
			}
			msg.ToolCalls = tc
		}
		if meta != "" {
			// Unreadable metadata is dropped rather than failing the history.
			_ = json.Unmarshal([]byte(meta), &msg.Metadata)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteConversation) Close() error {
	return s.db.Close()
}

func encodeJSON(v any, present bool) (string, error) {
	if !present {
		return "", nil
	}
	data, err := json.Marshal(v)
	return string(data), err
}

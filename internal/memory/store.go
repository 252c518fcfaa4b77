// Package memory provides the SQLite-backed conversation history and
// long-term fact store. History is per (tenant, session); facts are
// per tenant with naive keyword search for prompt assembly.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/valet/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL,
	tool_calls   TEXT,
	tool_call_id TEXT NOT NULL DEFAULT '',
	is_error     INTEGER NOT NULL DEFAULT 0,
	metadata     TEXT,
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session
	ON messages (tenant_id, session_id, created_at);

CREATE TABLE IF NOT EXISTS facts (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	content    TEXT NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_facts_tenant ON facts (tenant_id);
`

// Store persists conversation history and facts. Safe for concurrent
// use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (or creates) the memory database at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening memory db: %w", err)
	}
	db.SetMaxOpenConns(1)
	store, err := New(ctx, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New prepares the schema on an open handle. The caller owns the
// handle's lifecycle.
func New(ctx context.Context, db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("migrating memory store: %w", err)
	}
	return &Store{
		db:     db,
		logger: logger.With("component", "memory"),
		now:    time.Now,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// GetHistory returns the most recent messages of a session in
// chronological order, capped at limit (0 means all).
func (s *Store) GetHistory(ctx context.Context, tenantID, sessionID string, limit int) ([]models.Message, error) {
	query := `
		SELECT id, role, content, tool_calls, tool_call_id, is_error, metadata, created_at
		FROM messages
		WHERE tenant_id = ? AND session_id = ?
		ORDER BY created_at DESC, id DESC`
	args := []any{tenantID, sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			m         models.Message
			role      string
			toolCalls sql.NullString
			metadata  sql.NullString
			isError   int
			createdAt string
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &toolCalls, &m.ToolCallID, &isError, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.SessionID = sessionID
		m.Role = models.Role(role)
		m.IsError = isError != 0
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decoding tool calls for message %s: %w", m.ID, err)
			}
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata for message %s: %w", m.ID, err)
			}
		}
		if m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing message timestamp: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query returned newest first; history reads oldest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// SaveHistory appends messages to a session. Messages without an ID
// or timestamp get one assigned.
func (s *Store) SaveHistory(ctx context.Context, tenantID, sessionID string, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting history transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, tenant_id, session_id, role, content, tool_calls, tool_call_id, is_error, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing history insert: %w", err)
	}
	defer stmt.Close()

	for i := range messages {
		m := &messages[i]
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = s.now()
		}

		var toolCalls, metadata sql.NullString
		if len(m.ToolCalls) > 0 {
			raw, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("encoding tool calls: %w", err)
			}
			toolCalls = sql.NullString{String: string(raw), Valid: true}
		}
		if len(m.Metadata) > 0 {
			raw, err := json.Marshal(m.Metadata)
			if err != nil {
				return fmt.Errorf("encoding metadata: %w", err)
			}
			metadata = sql.NullString{String: string(raw), Valid: true}
		}

		isError := 0
		if m.IsError {
			isError = 1
		}
		if _, err := stmt.ExecContext(ctx, m.ID, tenantID, sessionID, string(m.Role), m.Content,
			toolCalls, m.ToolCallID, isError, metadata,
			m.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("saving message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// Search returns facts whose content matches any keyword of the
// query, newest first. Matching is naive case-insensitive substring
// search per token; no ranking beyond recency.
func (s *Store) Search(ctx context.Context, tenantID, query string, limit int) ([]models.Fact, error) {
	tokens := keywords(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	var conditions []string
	args := []any{tenantID}
	for _, token := range tokens {
		conditions = append(conditions, "lower(content) LIKE ?")
		args = append(args, "%"+token+"%")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, source, created_at FROM facts
		WHERE tenant_id = ? AND (`+strings.Join(conditions, " OR ")+`)
		ORDER BY created_at DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("searching facts: %w", err)
	}
	defer rows.Close()

	var facts []models.Fact
	for rows.Next() {
		var f models.Fact
		var createdAt string
		if err := rows.Scan(&f.ID, &f.Content, &f.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning fact: %w", err)
		}
		f.TenantID = tenantID
		if f.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing fact timestamp: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// Add stores content in the fact store. With infer set, simple
// first-person statements are extracted from the content and stored
// as individual facts instead; no LLM call is involved.
func (s *Store) Add(ctx context.Context, tenantID, content, source string, infer bool) error {
	facts := []string{content}
	if infer {
		if inferred := inferFacts(content); len(inferred) > 0 {
			facts = inferred
		} else {
			return nil
		}
	}

	for _, fact := range facts {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO facts (id, tenant_id, content, source, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), tenantID, fact, source,
			s.now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("saving fact: %w", err)
		}
	}
	return nil
}

// keywords lowercases and splits a query, dropping short stop tokens.
func keywords(query string) []string {
	var tokens []string
	for _, token := range strings.Fields(strings.ToLower(query)) {
		token = strings.Trim(token, ".,!?\"'")
		if len(token) < 3 {
			continue
		}
		tokens = append(tokens, token)
	}
	return tokens
}

// factMarkers are the first-person statement prefixes the naive
// extractor recognizes.
var factMarkers = []string{
	"my name is",
	"i am ",
	"i'm ",
	"i live in",
	"i work at",
	"i work as",
	"i like ",
	"i prefer ",
	"i use ",
	"my email is",
	"my timezone is",
}

// inferFacts extracts declarative first-person sentences from a user
// message.
func inferFacts(content string) []string {
	var facts []string
	for _, sentence := range strings.FieldsFunc(content, func(r rune) bool {
		return r == '.' || r == '\n' || r == ';'
	}) {
		sentence = strings.TrimSpace(sentence)
		lower := strings.ToLower(sentence)
		for _, marker := range factMarkers {
			if strings.HasPrefix(lower, marker) || strings.Contains(lower, ". "+marker) {
				facts = append(facts, sentence)
				break
			}
		}
	}
	return facts
}

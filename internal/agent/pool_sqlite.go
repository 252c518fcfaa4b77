package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/valet/pkg/models"
)

const sqlitePoolSchema = `
CREATE TABLE IF NOT EXISTS agent_pool (
	tenant_id        TEXT NOT NULL,
	agent_id         TEXT NOT NULL,
	agent_type       TEXT NOT NULL,
	status           TEXT NOT NULL,
	prev_status      TEXT NOT NULL DEFAULT '',
	schema_version   INTEGER NOT NULL,
	collected_fields TEXT NOT NULL DEFAULT '{}',
	approval         TEXT,
	task_id          TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	ttl_deadline     TEXT NOT NULL,
	PRIMARY KEY (tenant_id, agent_id)
);
`

// SQLitePoolBackend persists pool entries in SQLite. This is the
// default backend for single-node deployments; timestamps are stored
// as RFC 3339 text so rows stay readable with the sqlite3 shell.
type SQLitePoolBackend struct {
	db *sql.DB
}

// NewSQLitePoolBackend prepares the schema on an open database handle.
// The caller owns the handle's lifecycle.
func NewSQLitePoolBackend(ctx context.Context, db *sql.DB) (*SQLitePoolBackend, error) {
	if _, err := db.ExecContext(ctx, sqlitePoolSchema); err != nil {
		return nil, fmt.Errorf("migrating agent_pool: %w", err)
	}
	return &SQLitePoolBackend{db: db}, nil
}

// OpenSQLitePool opens (or creates) a SQLite database at path and
// prepares the pool schema.
func OpenSQLitePool(ctx context.Context, path string) (*SQLitePoolBackend, *sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening sqlite pool db: %w", err)
	}
	// The driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent write-through.
	db.SetMaxOpenConns(1)
	backend, err := NewSQLitePoolBackend(ctx, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return backend, db, nil
}

func (b *SQLitePoolBackend) Save(ctx context.Context, entry *PoolEntry) error {
	fields, approval, err := encodeEntryJSON(entry)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO agent_pool (
			tenant_id, agent_id, agent_type, status, prev_status,
			schema_version, collected_fields, approval, task_id,
			created_at, updated_at, ttl_deadline
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, agent_id) DO UPDATE SET
			status = excluded.status,
			prev_status = excluded.prev_status,
			schema_version = excluded.schema_version,
			collected_fields = excluded.collected_fields,
			approval = excluded.approval,
			task_id = excluded.task_id,
			updated_at = excluded.updated_at,
			ttl_deadline = excluded.ttl_deadline`,
		entry.TenantID, entry.AgentID, entry.AgentType,
		string(entry.Status), string(entry.PrevStatus),
		entry.SchemaVersion, fields, approval, entry.TaskID,
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		entry.UpdatedAt.UTC().Format(time.RFC3339Nano),
		entry.TTLDeadline.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving pool entry %s: %w", entry.AgentID, err)
	}
	return nil
}

func (b *SQLitePoolBackend) Delete(ctx context.Context, tenantID, agentID string) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM agent_pool WHERE tenant_id = ? AND agent_id = ?`,
		tenantID, agentID)
	if err != nil {
		return fmt.Errorf("deleting pool entry %s: %w", agentID, err)
	}
	return nil
}

func (b *SQLitePoolBackend) List(ctx context.Context) ([]*PoolEntry, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT tenant_id, agent_id, agent_type, status, prev_status,
		       schema_version, collected_fields, approval, task_id,
		       created_at, updated_at, ttl_deadline
		FROM agent_pool
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing pool entries: %w", err)
	}
	defer rows.Close()

	var entries []*PoolEntry
	for rows.Next() {
		var (
			entry                          PoolEntry
			status, prevStatus             string
			fields                         string
			approval                       sql.NullString
			createdAt, updatedAt, deadline string
		)
		if err := rows.Scan(&entry.TenantID, &entry.AgentID, &entry.AgentType,
			&status, &prevStatus, &entry.SchemaVersion, &fields, &approval,
			&entry.TaskID, &createdAt, &updatedAt, &deadline); err != nil {
			return nil, fmt.Errorf("scanning pool entry: %w", err)
		}
		entry.Status = models.AgentStatus(status)
		entry.PrevStatus = models.AgentStatus(prevStatus)
		if err := decodeEntryJSON(&entry, fields, approval.String); err != nil {
			return nil, err
		}
		if entry.CreatedAt, err = parseRFC3339(createdAt); err != nil {
			return nil, err
		}
		if entry.UpdatedAt, err = parseRFC3339(updatedAt); err != nil {
			return nil, err
		}
		if entry.TTLDeadline, err = parseRFC3339(deadline); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

func encodeEntryJSON(entry *PoolEntry) (fields string, approval sql.NullString, err error) {
	raw, err := json.Marshal(entry.CollectedFields)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("encoding collected fields: %w", err)
	}
	fields = string(raw)
	if entry.Approval != nil {
		raw, err := json.Marshal(entry.Approval)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("encoding approval: %w", err)
		}
		approval = sql.NullString{String: string(raw), Valid: true}
	}
	return fields, approval, nil
}

func decodeEntryJSON(entry *PoolEntry, fields, approval string) error {
	entry.CollectedFields = map[string]any{}
	if fields != "" {
		if err := json.Unmarshal([]byte(fields), &entry.CollectedFields); err != nil {
			return fmt.Errorf("decoding collected fields for %s: %w", entry.AgentID, err)
		}
	}
	if approval != "" {
		var req models.ApprovalRequest
		if err := json.Unmarshal([]byte(approval), &req); err != nil {
			return fmt.Errorf("decoding approval for %s: %w", entry.AgentID, err)
		}
		entry.Approval = &req
	}
	return nil
}

func parseRFC3339(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored timestamp %q: %w", s, err)
	}
	return t, nil
}

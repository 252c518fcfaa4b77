package agent

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/valet/pkg/models"
)

const postgresPoolSchema = `
CREATE TABLE IF NOT EXISTS agent_pool (
	tenant_id        TEXT NOT NULL,
	agent_id         TEXT NOT NULL,
	agent_type       TEXT NOT NULL,
	status           TEXT NOT NULL,
	prev_status      TEXT NOT NULL DEFAULT '',
	schema_version   BIGINT NOT NULL,
	collected_fields JSONB NOT NULL DEFAULT '{}',
	approval         JSONB,
	task_id          TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	ttl_deadline     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, agent_id)
);
`

// PostgresPoolBackend persists pool entries in PostgreSQL, for
// deployments where parked agents must survive instance replacement.
type PostgresPoolBackend struct {
	db *sql.DB
}

// NewPostgresPoolBackend prepares the schema on an open database
// handle. The caller owns the handle's lifecycle.
func NewPostgresPoolBackend(ctx context.Context, db *sql.DB) (*PostgresPoolBackend, error) {
	if _, err := db.ExecContext(ctx, postgresPoolSchema); err != nil {
		return nil, fmt.Errorf("migrating agent_pool: %w", err)
	}
	return &PostgresPoolBackend{db: db}, nil
}

// OpenPostgresPool connects with a lib/pq DSN and prepares the pool
// schema.
func OpenPostgresPool(ctx context.Context, dsn string) (*PostgresPoolBackend, *sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("opening postgres pool db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("pinging postgres pool db: %w", err)
	}
	backend, err := NewPostgresPoolBackend(ctx, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return backend, db, nil
}

func (b *PostgresPoolBackend) Save(ctx context.Context, entry *PoolEntry) error {
	fields, approval, err := encodeEntryJSON(entry)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO agent_pool (
			tenant_id, agent_id, agent_type, status, prev_status,
			schema_version, collected_fields, approval, task_id,
			created_at, updated_at, ttl_deadline
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tenant_id, agent_id) DO UPDATE SET
			status = EXCLUDED.status,
			prev_status = EXCLUDED.prev_status,
			schema_version = EXCLUDED.schema_version,
			collected_fields = EXCLUDED.collected_fields,
			approval = EXCLUDED.approval,
			task_id = EXCLUDED.task_id,
			updated_at = EXCLUDED.updated_at,
			ttl_deadline = EXCLUDED.ttl_deadline`,
		entry.TenantID, entry.AgentID, entry.AgentType,
		string(entry.Status), string(entry.PrevStatus),
		entry.SchemaVersion, fields, approval, entry.TaskID,
		entry.CreatedAt, entry.UpdatedAt, entry.TTLDeadline)
	if err != nil {
		return fmt.Errorf("saving pool entry %s: %w", entry.AgentID, err)
	}
	return nil
}

func (b *PostgresPoolBackend) Delete(ctx context.Context, tenantID, agentID string) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM agent_pool WHERE tenant_id = $1 AND agent_id = $2`,
		tenantID, agentID)
	if err != nil {
		return fmt.Errorf("deleting pool entry %s: %w", agentID, err)
	}
	return nil
}

func (b *PostgresPoolBackend) List(ctx context.Context) ([]*PoolEntry, error) {
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
			entry              PoolEntry
			status, prevStatus string
			fields             string
			approval           sql.NullString
		)
		if err := rows.Scan(&entry.TenantID, &entry.AgentID, &entry.AgentType,
			&status, &prevStatus, &entry.SchemaVersion, &fields, &approval,
			&entry.TaskID, &entry.CreatedAt, &entry.UpdatedAt, &entry.TTLDeadline); err != nil {
			return nil, fmt.Errorf("scanning pool entry: %w", err)
		}
		entry.Status = models.AgentStatus(status)
		entry.PrevStatus = models.AgentStatus(prevStatus)
		if err := decodeEntryJSON(&entry, fields, approval.String); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

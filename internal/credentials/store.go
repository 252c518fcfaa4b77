// Package credentials provides a SQLite-backed store of opaque
// credential bags, scoped by (tenant, service, account). Values are
// string key-value maps the store never interprets; tools read them
// through the agent.CredentialSource contract.
package credentials

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultAccount is used when a caller passes an empty account.
const DefaultAccount = "primary"

// ErrNotFound is returned when no credential matches the scope.
var ErrNotFound = errors.New("credentials: not found")

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	tenant_id  TEXT NOT NULL,
	service    TEXT NOT NULL,
	account    TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (tenant_id, service, account)
);
`

// Store persists credential bags. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the credential database at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening credential db: %w", err)
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
		return nil, fmt.Errorf("migrating credentials: %w", err)
	}
	return &Store{db: db, logger: logger.With("component", "credentials")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Save stores a credential bag, replacing any existing bag at the
// same scope.
func (s *Store) Save(ctx context.Context, tenantID, service, account string, data map[string]string) error {
	account = normalizeAccount(account)
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding credential data: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (tenant_id, service, account, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, service, account) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at`,
		tenantID, service, account, string(raw), now, now)
	if err != nil {
		return fmt.Errorf("saving credential %s/%s: %w", service, account, err)
	}
	s.logger.Info("credential saved", "tenant_id", tenantID, "service", service, "account", account)
	return nil
}

// Get returns the credential bag for the scope, or ErrNotFound.
// Implements agent.CredentialSource.
func (s *Store) Get(ctx context.Context, tenantID, service, account string) (map[string]string, error) {
	account = normalizeAccount(account)
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM credentials
		WHERE tenant_id = ? AND service = ? AND account = ?`,
		tenantID, service, account).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading credential %s/%s: %w", service, account, err)
	}

	var data map[string]string
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("decoding credential %s/%s: %w", service, account, err)
	}
	return data, nil
}

// Entry identifies one stored credential without exposing its values.
type Entry struct {
	Service   string    `json:"service"`
	Account   string    `json:"account"`
	UpdatedAt time.Time `json:"updated_at"`
}

// List returns the credential scopes stored for a tenant. Values are
// never included.
func (s *Store) List(ctx context.Context, tenantID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service, account, updated_at FROM credentials
		WHERE tenant_id = ?
		ORDER BY service, account`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var updated string
		if err := rows.Scan(&e.Service, &e.Account, &updated); err != nil {
			return nil, fmt.Errorf("scanning credential entry: %w", err)
		}
		if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
			return nil, fmt.Errorf("parsing credential timestamp: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes a credential bag. Deleting an absent scope is a
// no-op.
func (s *Store) Delete(ctx context.Context, tenantID, service, account string) error {
	account = normalizeAccount(account)
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM credentials
		WHERE tenant_id = ? AND service = ? AND account = ?`,
		tenantID, service, account)
	if err != nil {
		return fmt.Errorf("deleting credential %s/%s: %w", service, account, err)
	}
	return nil
}

func normalizeAccount(account string) string {
	if account == "" {
		return DefaultAccount
	}
	return account
}

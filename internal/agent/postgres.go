package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the DDL of the agents table. Apply it with
// [PostgresStore.Migrate] or during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS agents (
    name        TEXT         PRIMARY KEY,
    config      JSONB        NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// DB is the subset of pgx used by [PostgresStore]. *pgxpool.Pool and
// *pgx.Conn both satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] that keeps each agent as a JSONB document.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a store on db. Call [PostgresStore.Migrate] before
// the first query.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the agents table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("agent store: migrate: %w", err)
	}
	return nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context) ([]Config, error) {
	rows, err := s.db.Query(ctx, `SELECT name, config FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("agent store: list: %w", err)
	}
	defer rows.Close()

	var out []Config
	for rows.Next() {
		var (
			name string
			doc  []byte
		)
		if err := rows.Scan(&name, &doc); err != nil {
			return nil, fmt.Errorf("agent store: list scan: %w", err)
		}
		c, err := decodeConfig(name, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent store: list: %w", err)
	}
	return out, nil
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, name string) (Config, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT config FROM agents WHERE name = $1`, name).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Config{}, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return Config{}, fmt.Errorf("agent store: get %q: %w", name, err)
	}
	return decodeConfig(name, doc)
}

// Upsert implements [Store]. xmax is zero only for a freshly inserted row,
// which tells creates and updates apart in one round trip.
func (s *PostgresStore) Upsert(ctx context.Context, cfg Config) (bool, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	doc, err := json.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("agent store: marshal %q: %w", cfg.Name, err)
	}

	const query = `
		INSERT INTO agents (name, config) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET
			config = EXCLUDED.config,
			updated_at = now()
		RETURNING (xmax = 0)`

	var created bool
	if err := s.db.QueryRow(ctx, query, cfg.Name, doc).Scan(&created); err != nil {
		return false, fmt.Errorf("agent store: upsert %q: %w", cfg.Name, err)
	}
	return created, nil
}

// Delete implements [Store].
func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM agents WHERE name = $1`, name); err != nil {
		return fmt.Errorf("agent store: delete %q: %w", name, err)
	}
	return nil
}

func decodeConfig(name string, doc []byte) (Config, error) {
	var c Config
	if err := json.Unmarshal(doc, &c); err != nil {
		return Config{}, fmt.Errorf("agent store: decode %q: %w", name, err)
	}
	c.Name = name
	return c, nil
}

// Package postgres is the PostgreSQL backend of [memory.Store].
//
// Messages live in a single conversation_messages table keyed by session and
// ordered by an identity column, so history order is insertion order even
// when two messages share a timestamp.
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/turnstile/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Store is a [memory.Store] on a pgx connection pool. All methods are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, pings the server and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the connection pool so other tables can share it.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Initialize implements [memory.Store].
func (s *Store) Initialize(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return memory.ErrEmptySession
	}
	const q = `
		INSERT INTO conversation_messages (session_id, role, text)
		SELECT $1, $2, $3
		WHERE NOT EXISTS (SELECT 1 FROM conversation_messages WHERE session_id = $1)`
	if _, err := s.pool.Exec(ctx, q, sessionID, memory.RoleAssistant, memory.Greeting); err != nil {
		return fmt.Errorf("postgres store: initialize: %w", err)
	}
	return nil
}

// Recent implements [memory.Store].
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]memory.Message, error) {
	// LIMIT NULL is no limit.
	var lim any
	if limit > 0 {
		lim = limit
	}
	const q = `
		SELECT role, text FROM (
		    SELECT id, role, text
		    FROM   conversation_messages
		    WHERE  session_id = $1
		    ORDER  BY id DESC
		    LIMIT  $2
		) newest
		ORDER BY id`

	rows, err := s.pool.Query(ctx, q, sessionID, lim)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Message, error) {
		var m memory.Message
		err := row.Scan(&m.Role, &m.Text)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if msgs == nil {
		msgs = []memory.Message{}
	}
	return msgs, nil
}

// Append implements [memory.Store]. All messages are written in one
// transaction.
func (s *Store) Append(ctx context.Context, sessionID string, msgs ...memory.Message) error {
	if sessionID == "" {
		return memory.ErrEmptySession
	}
	if len(msgs) == 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, m := range msgs {
			batch.Queue(`INSERT INTO conversation_messages (session_id, role, text) VALUES ($1, $2, $3)`,
				sessionID, m.Role, m.Text)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("postgres store: append: %w", err)
	}
	return nil
}

// Clear implements [memory.Store].
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM conversation_messages WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("postgres store: clear: %w", err)
	}
	return nil
}

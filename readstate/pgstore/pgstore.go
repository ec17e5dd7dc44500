// Package pgstore implements readstate.Store on PostgreSQL using pgx.
//
// The table layout follows the upstream application's schema: a notifications
// table with a text primary key, the receiving user's id and a boolean read
// flag. Identifiers are configurable and always quoted.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/ggoodman/notify-relay/readstate"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config for the Postgres-backed store.
type Config struct {
	// URL is a libpq-style connection string or postgres:// URL.
	URL string
	// Table defaults to "Notification".
	Table string
	// IDColumn defaults to "id".
	IDColumn string
	// UserColumn defaults to "receiverId".
	UserColumn string
	// ReadColumn defaults to "isRead".
	ReadColumn string
}

// execer is the subset of *pgxpool.Pool the store uses.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store marks notifications read with a single UPDATE per call.
type Store struct {
	db    execer
	pool  *pgxpool.Pool
	query string
}

// New opens a pool and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("database url is required")
	}
	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	s := newStore(pool, cfg)
	s.pool = pool
	return s, nil
}

func newStore(db execer, cfg Config) *Store {
	return &Store{db: db, query: buildQuery(cfg)}
}

func buildQuery(cfg Config) string {
	table := orDefault(cfg.Table, "Notification")
	id := orDefault(cfg.IDColumn, "id")
	user := orDefault(cfg.UserColumn, "receiverId")
	read := orDefault(cfg.ReadColumn, "isRead")

	return fmt.Sprintf("UPDATE %s SET %s = true WHERE %s = ANY($1) AND %s = $2",
		pgx.Identifier{table}.Sanitize(),
		pgx.Identifier{read}.Sanitize(),
		pgx.Identifier{id}.Sanitize(),
		pgx.Identifier{user}.Sanitize(),
	)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// MarkRead implements readstate.Store. Ids that do not exist or belong to
// another user are silently unaffected.
func (s *Store) MarkRead(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.Exec(ctx, s.query, ids, userID); err != nil {
		return fmt.Errorf("mark %d notifications read: %w", len(ids), err)
	}
	return nil
}

// Close releases the pool if the store opened it.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

var _ readstate.Store = (*Store)(nil)

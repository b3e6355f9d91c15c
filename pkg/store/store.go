// Package store is the chronicle's durable system of record over
// database/sql. It persists the entry chain, cross-sign targets with
// their last-run bookkeeping, and the registered client keys.
//
// It supports both Postgres and SQLite via standard drivers. Statements
// keep their $N placeholders in ascending textual order so the sqlite
// driver binds ordinal arguments to the right parameters.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS chain_entries (
	position     BIGINT PRIMARY KEY,
	kind         TEXT NOT NULL,
	payload      TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	summary_hash TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS cross_sign_targets (
	id                    TEXT PRIMARY KEY,
	name                  TEXT NOT NULL,
	endpoint              TEXT NOT NULL,
	client_identity       TEXT NOT NULL,
	peer_verification_key TEXT NOT NULL,
	policy                TEXT,
	last_run_position     BIGINT,
	last_run_time         TIMESTAMP,
	last_run_response     TEXT,
	created_at            TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS clients (
	identity         TEXT PRIMARY KEY,
	verification_key TEXT NOT NULL,
	elevated         BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMP NOT NULL
);
`

// Store wraps a database handle. One Store serves all three tables.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, clock: time.Now}
}

// Init creates the schema if it does not exist yet.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init store schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

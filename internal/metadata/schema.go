package metadata

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite/sqlitex"
)

// schema is the full database schema. Statements are idempotent so the
// migration can run on every startup. parent_id 0 is the per-account
// root directory, which has no row of its own; a real sentinel (instead
// of NULL) keeps the UNIQUE(account, parent_id, name) constraint
// effective for top-level entries.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	wallet_address TEXT PRIMARY KEY,
	created_at     INTEGER NOT NULL,
	last_login     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	token          TEXT PRIMARY KEY,
	wallet_address TEXT NOT NULL REFERENCES accounts(wallet_address) ON DELETE CASCADE,
	created_at     INTEGER NOT NULL,
	expires_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

CREATE TABLE IF NOT EXISTS entries (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	account    TEXT NOT NULL,
	parent_id  INTEGER NOT NULL DEFAULT 0,
	name       TEXT NOT NULL,
	kind       TEXT NOT NULL CHECK (kind IN ('dir', 'file')),
	cid        TEXT,
	size       INTEGER NOT NULL DEFAULT 0,
	mime       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE (account, parent_id, name)
);

CREATE INDEX IF NOT EXISTS idx_entries_parent ON entries(account, parent_id);

CREATE TABLE IF NOT EXISTS changes (
	seq      INTEGER PRIMARY KEY AUTOINCREMENT,
	account  TEXT NOT NULL,
	entry_id INTEGER NOT NULL,
	path     TEXT NOT NULL,
	op       TEXT NOT NULL,
	at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS index_cursor (
	target TEXT PRIMARY KEY,
	seq    INTEGER NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS index_records USING fts5(
	account UNINDEXED,
	path,
	name,
	mime,
	content
);
`

// migrate applies the schema on a pooled connection.
func (s *Store) migrate(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

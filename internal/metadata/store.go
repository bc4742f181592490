// Package metadata implements the relational metadata store of the node:
// accounts, sessions, the filesystem entry tree, the change log, and the
// derived search index. Everything lives in a single SQLite database file
// accessed through a fixed-size connection pool.
//
// The store performs no network or block-store calls; it is the
// transactional authority for structure and nothing else.
package metadata

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/quincecloud/quince/internal/fserr"
)

// Config holds store settings.
type Config struct {
	// Path is the SQLite database file. The parent directory must
	// exist. ":memory:" works for tests but requires PoolSize 1.
	Path string

	// PoolSize is the number of pooled connections. Defaults to 4.
	PoolSize int
}

// Store is the metadata store. Safe for concurrent use; individual
// connections are not, so every operation takes and returns its own.
type Store struct {
	pool *sqlitex.Pool
}

// Open opens the database, applies connection pragmas, and runs the
// schema migration.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			pragmas := []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA busy_timeout=5000",
				"PRAGMA foreign_keys=ON",
				"PRAGMA temp_store=MEMORY",
			}
			for _, pragma := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Path, err)
	}

	store := &Store{pool: pool}
	if err := store.migrate(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the pool. Blocks until all borrowed connections return.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Tx is a handle to one connection, inside or outside a transaction.
// All queries run through it.
type Tx struct {
	conn *sqlite.Conn
}

// WithTx runs fn inside an IMMEDIATE transaction. The transaction is
// committed when fn returns nil and rolled back on error or panic; there
// is no exit path that leaves it open.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fserr.Wrap(fserr.KindInternal, "db.tx", "", err)
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fserr.Wrap(fserr.KindInternal, "db.tx", "", err)
	}
	defer endFn(&err)

	return fn(&Tx{conn: conn})
}

// View runs fn on a pooled connection without opening a transaction.
// Used for reads that need no write lock.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fserr.Wrap(fserr.KindInternal, "db.view", "", err)
	}
	defer s.pool.Put(conn)
	return fn(&Tx{conn: conn})
}

// nowMillis is the stored timestamp resolution.
func nowMillis() int64 { return time.Now().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return sqlite.ErrCode(err) == sqlite.ResultConstraintUnique
}

package metadata

import (
	"context"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/quincecloud/quince/internal/fserr"
	"github.com/quincecloud/quince/internal/metrics"
)

// IndexRecord is one derived search-index row. The rowid of the FTS
// table is the entry id, so records upsert and delete by id.
type IndexRecord struct {
	EntryID int64
	Account string
	Path    string
	Name    string
	Mime    string
	Content string // bounded text preview, empty for non-text entries
}

// SearchResult is one search hit.
type SearchResult struct {
	EntryID int64  `json:"entry_id"`
	Path    string `json:"path"`
	Name    string `json:"name"`
	Mime    string `json:"mime"`
}

// Cursor returns the durable index cursor for a target, 0 if the target
// has never advanced.
func (tx *Tx) Cursor(target string) (int64, error) {
	var seq int64
	err := sqlitex.Execute(tx.conn,
		`SELECT seq FROM index_cursor WHERE target = ?`,
		&sqlitex.ExecOptions{
			Args: []any{target},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				seq = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fserr.Wrap(fserr.KindInternal, "db.cursor", target, err)
	}
	return seq, nil
}

// AdvanceCursor moves a target's cursor forward. Must run in the same
// transaction as the index writes it acknowledges.
func (tx *Tx) AdvanceCursor(target string, seq int64) error {
	err := sqlitex.Execute(tx.conn, `
		INSERT INTO index_cursor (target, seq) VALUES (?, ?)
		ON CONFLICT (target) DO UPDATE SET seq = excluded.seq`,
		&sqlitex.ExecOptions{Args: []any{target, seq}})
	if err != nil {
		return fserr.Wrap(fserr.KindInternal, "db.advance_cursor", target, err)
	}
	return nil
}

// UpsertIndexRecord replaces the search-index row for an entry. FTS5
// has no native upsert, so this is delete-then-insert on the rowid.
func (tx *Tx) UpsertIndexRecord(rec IndexRecord) error {
	if err := tx.DeleteIndexRecord(rec.EntryID); err != nil {
		return err
	}
	err := sqlitex.Execute(tx.conn, `
		INSERT INTO index_records (rowid, account, path, name, mime, content)
		VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			rec.EntryID, rec.Account, rec.Path, rec.Name, rec.Mime, rec.Content,
		}})
	if err != nil {
		return fserr.Wrap(fserr.KindInternal, "db.index_upsert", rec.Path, err)
	}
	return nil
}

// DeleteIndexRecord removes the search-index row for an entry. Removing
// an absent row is a no-op, which keeps replays safe.
func (tx *Tx) DeleteIndexRecord(entryID int64) error {
	err := sqlitex.Execute(tx.conn,
		`DELETE FROM index_records WHERE rowid = ?`,
		&sqlitex.ExecOptions{Args: []any{entryID}})
	if err != nil {
		return fserr.Wrap(fserr.KindInternal, "db.index_delete", "", err)
	}
	return nil
}

// Search runs an account-scoped full-text query over the index. The
// query is quoted per-token so user input cannot inject FTS5 syntax.
func (s *Store) Search(ctx context.Context, account, query string, limit int) ([]SearchResult, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("search", time.Since(start)) }()

	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	var results []SearchResult
	err := s.View(ctx, func(tx *Tx) error {
		return sqlitex.Execute(tx.conn, `
			SELECT rowid, path, name, mime FROM index_records
			WHERE index_records MATCH ? AND account = ?
			ORDER BY rank LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{match, account, limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					results = append(results, SearchResult{
						EntryID: stmt.ColumnInt64(0),
						Path:    stmt.ColumnText(1),
						Name:    stmt.ColumnText(2),
						Mime:    stmt.ColumnText(3),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fserr.Wrap(fserr.KindInternal, "db.search", "", err)
	}
	return results, nil
}

// ftsQuery turns free-form user input into a safe FTS5 MATCH expression:
// each whitespace token becomes a quoted prefix term.
func ftsQuery(input string) string {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, field := range fields {
		escaped := strings.ReplaceAll(field, `"`, `""`)
		terms = append(terms, `"`+escaped+`"*`)
	}
	return strings.Join(terms, " ")
}

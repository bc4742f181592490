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

// Kind discriminates directories from files.
type Kind string

const (
	KindDir  Kind = "dir"
	KindFile Kind = "file"
)

// RootID is the parent_id of top-level entries. The root directory
// itself has no row; Root returns its synthetic entry.
const RootID int64 = 0

// Entry is one row of the filesystem tree.
type Entry struct {
	ID        int64
	Account   string
	ParentID  int64
	Name      string
	Kind      Kind
	CID       string // empty for directories and uncommitted files
	Size      int64
	Mime      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool { return e.Kind == KindDir }

// Root returns the synthetic root directory of an account.
func Root(account string) Entry {
	return Entry{ID: RootID, Account: account, Kind: KindDir, Name: ""}
}

// Change is one append-only change-log row.
type Change struct {
	Seq     int64
	Account string
	EntryID int64
	Path    string
	Op      string // create, update, move, delete
	At      time.Time
}

func scanEntry(stmt *sqlite.Stmt) Entry {
	entry := Entry{
		ID:        stmt.ColumnInt64(0),
		Account:   stmt.ColumnText(1),
		ParentID:  stmt.ColumnInt64(2),
		Name:      stmt.ColumnText(3),
		Kind:      Kind(stmt.ColumnText(4)),
		Size:      stmt.ColumnInt64(6),
		Mime:      stmt.ColumnText(7),
		CreatedAt: fromMillis(stmt.ColumnInt64(8)),
		UpdatedAt: fromMillis(stmt.ColumnInt64(9)),
	}
	if !stmt.ColumnIsNull(5) {
		entry.CID = stmt.ColumnText(5)
	}
	return entry
}

const entryColumns = `id, account, parent_id, name, kind, cid, size, mime, created_at, updated_at`

// EntryByID returns the entry with the given id, scoped to the account.
func (tx *Tx) EntryByID(account string, id int64) (Entry, error) {
	var entry Entry
	found := false
	err := sqlitex.Execute(tx.conn,
		`SELECT `+entryColumns+` FROM entries WHERE id = ? AND account = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id, account},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				entry = scanEntry(stmt)
				return nil
			},
		})
	if err != nil {
		return Entry{}, fserr.Wrap(fserr.KindInternal, "db.entry", "", err)
	}
	if !found {
		return Entry{}, fserr.New(fserr.KindNotFound, "db.entry", "")
	}
	return entry, nil
}

// ChildByName returns the child of parentID named name.
func (tx *Tx) ChildByName(account string, parentID int64, name string) (Entry, error) {
	var entry Entry
	found := false
	err := sqlitex.Execute(tx.conn,
		`SELECT `+entryColumns+` FROM entries
		 WHERE account = ? AND parent_id = ? AND name = ?`,
		&sqlitex.ExecOptions{
			Args: []any{account, parentID, name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				entry = scanEntry(stmt)
				return nil
			},
		})
	if err != nil {
		return Entry{}, fserr.Wrap(fserr.KindInternal, "db.child", name, err)
	}
	if !found {
		return Entry{}, fserr.New(fserr.KindNotFound, "db.child", name)
	}
	return entry, nil
}

// Children returns the direct children of a directory, name ascending.
func (tx *Tx) Children(account string, parentID int64) ([]Entry, error) {
	var children []Entry
	err := sqlitex.Execute(tx.conn,
		`SELECT `+entryColumns+` FROM entries
		 WHERE account = ? AND parent_id = ? ORDER BY name ASC`,
		&sqlitex.ExecOptions{
			Args: []any{account, parentID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				children = append(children, scanEntry(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fserr.Wrap(fserr.KindInternal, "db.children", "", err)
	}
	return children, nil
}

// ChildCount returns the number of direct children.
func (tx *Tx) ChildCount(account string, parentID int64) (int, error) {
	count := 0
	err := sqlitex.Execute(tx.conn,
		`SELECT COUNT(*) FROM entries WHERE account = ? AND parent_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{account, parentID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = int(stmt.ColumnInt64(0))
				return nil
			},
		})
	if err != nil {
		return 0, fserr.Wrap(fserr.KindInternal, "db.child_count", "", err)
	}
	return count, nil
}

// InsertEntry inserts a new entry and fills in its assigned id and
// timestamps. A sibling name collision surfaces as AlreadyExists.
func (tx *Tx) InsertEntry(entry *Entry) error {
	now := nowMillis()
	var cid any
	if entry.CID != "" {
		cid = entry.CID
	}
	err := sqlitex.Execute(tx.conn, `
		INSERT INTO entries (account, parent_id, name, kind, cid, size, mime, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			entry.Account, entry.ParentID, entry.Name, string(entry.Kind),
			cid, entry.Size, entry.Mime, now, now,
		}})
	if err != nil {
		if isUniqueViolation(err) {
			return fserr.New(fserr.KindAlreadyExists, "db.insert_entry", entry.Name)
		}
		return fserr.Wrap(fserr.KindInternal, "db.insert_entry", entry.Name, err)
	}
	entry.ID = tx.conn.LastInsertRowID()
	entry.CreatedAt = fromMillis(now)
	entry.UpdatedAt = fromMillis(now)
	return nil
}

// UpdateFileContent points a file entry at new committed content.
func (tx *Tx) UpdateFileContent(account string, id int64, cid string, size int64, mime string) error {
	err := sqlitex.Execute(tx.conn, `
		UPDATE entries SET cid = ?, size = ?, mime = ?, updated_at = ?
		WHERE id = ? AND account = ? AND kind = 'file'`,
		&sqlitex.ExecOptions{Args: []any{cid, size, mime, nowMillis(), id, account}})
	if err != nil {
		return fserr.Wrap(fserr.KindInternal, "db.update_content", "", err)
	}
	if tx.conn.Changes() == 0 {
		return fserr.New(fserr.KindNotFound, "db.update_content", "")
	}
	return nil
}

// MoveEntry reparents and/or renames an entry. The subtree below it is
// untouched; only the parent pointer and name change.
func (tx *Tx) MoveEntry(account string, id, newParentID int64, newName string) error {
	err := sqlitex.Execute(tx.conn, `
		UPDATE entries SET parent_id = ?, name = ?, updated_at = ?
		WHERE id = ? AND account = ?`,
		&sqlitex.ExecOptions{Args: []any{newParentID, newName, nowMillis(), id, account}})
	if err != nil {
		if isUniqueViolation(err) {
			return fserr.New(fserr.KindAlreadyExists, "db.move_entry", newName)
		}
		return fserr.Wrap(fserr.KindInternal, "db.move_entry", newName, err)
	}
	if tx.conn.Changes() == 0 {
		return fserr.New(fserr.KindNotFound, "db.move_entry", "")
	}
	return nil
}

// DeleteEntry removes a single entry row. Content blocks are never
// touched here.
func (tx *Tx) DeleteEntry(account string, id int64) error {
	err := sqlitex.Execute(tx.conn,
		`DELETE FROM entries WHERE id = ? AND account = ?`,
		&sqlitex.ExecOptions{Args: []any{id, account}})
	if err != nil {
		return fserr.Wrap(fserr.KindInternal, "db.delete_entry", "", err)
	}
	if tx.conn.Changes() == 0 {
		return fserr.New(fserr.KindNotFound, "db.delete_entry", "")
	}
	return nil
}

// Subtree returns the entry and every descendant, parents before
// children. Ids alone cannot order this: a move can reparent an older
// entry under a newer directory, so depth is carried explicitly.
func (tx *Tx) Subtree(account string, rootID int64) ([]Entry, error) {
	var entries []Entry
	err := sqlitex.Execute(tx.conn, `
		WITH RECURSIVE sub(id, depth) AS (
			SELECT id, 0 FROM entries WHERE id = ? AND account = ?
			UNION ALL
			SELECT e.id, sub.depth + 1 FROM entries e JOIN sub ON e.parent_id = sub.id
			WHERE e.account = ?
		)
		SELECT e.id, e.account, e.parent_id, e.name, e.kind, e.cid, e.size, e.mime, e.created_at, e.updated_at
		FROM entries e JOIN sub ON e.id = sub.id
		ORDER BY sub.depth ASC, e.id ASC`,
		&sqlitex.ExecOptions{
			Args: []any{rootID, account, account},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, scanEntry(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fserr.Wrap(fserr.KindInternal, "db.subtree", "", err)
	}
	return entries, nil
}

// IsDescendant reports whether candidate lies strictly below ancestor.
func (tx *Tx) IsDescendant(account string, ancestorID, candidateID int64) (bool, error) {
	if ancestorID == candidateID {
		return false, nil
	}
	current := candidateID
	for current != RootID {
		entry, err := tx.EntryByID(account, current)
		if err != nil {
			return false, err
		}
		if entry.ParentID == ancestorID {
			return true, nil
		}
		current = entry.ParentID
	}
	return ancestorID == RootID, nil
}

// EntryPath reconstructs the absolute path of an entry by walking its
// parent chain.
func (tx *Tx) EntryPath(account string, id int64) (string, error) {
	if id == RootID {
		return "/", nil
	}
	var segments []string
	current := id
	for current != RootID {
		entry, err := tx.EntryByID(account, current)
		if err != nil {
			return "", err
		}
		segments = append(segments, entry.Name)
		current = entry.ParentID
	}
	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
	return "/" + strings.Join(segments, "/"), nil
}

// ResolvePath walks a slash-separated absolute path segment by segment
// and returns the final entry. "/" resolves to the synthetic root. The
// walk fails fast on the first missing segment.
func (tx *Tx) ResolvePath(account, path string) (Entry, error) {
	current := Root(account)
	if path == "/" || path == "" {
		return current, nil
	}
	for _, segment := range strings.Split(strings.Trim(path, "/"), "/") {
		if !current.IsDir() {
			return Entry{}, fserr.New(fserr.KindNotFound, "db.resolve", path)
		}
		child, err := tx.ChildByName(account, current.ID, segment)
		if err != nil {
			if fserr.IsKind(err, fserr.KindNotFound) {
				return Entry{}, fserr.New(fserr.KindNotFound, "db.resolve", path)
			}
			return Entry{}, err
		}
		current = child
	}
	return current, nil
}

// RecordChange appends one change-log row inside the current
// transaction.
func (tx *Tx) RecordChange(account string, entryID int64, path, op string) error {
	err := sqlitex.Execute(tx.conn, `
		INSERT INTO changes (account, entry_id, path, op, at)
		VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{account, entryID, path, op, nowMillis()}})
	if err != nil {
		return fserr.Wrap(fserr.KindInternal, "db.record_change", path, err)
	}
	return nil
}

// ChangesSince returns up to limit change rows with seq greater than
// after, in seq order.
func (tx *Tx) ChangesSince(after int64, limit int) ([]Change, error) {
	var changes []Change
	err := sqlitex.Execute(tx.conn, `
		SELECT seq, account, entry_id, path, op, at FROM changes
		WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{after, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				changes = append(changes, Change{
					Seq:     stmt.ColumnInt64(0),
					Account: stmt.ColumnText(1),
					EntryID: stmt.ColumnInt64(2),
					Path:    stmt.ColumnText(3),
					Op:      stmt.ColumnText(4),
					At:      fromMillis(stmt.ColumnInt64(5)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fserr.Wrap(fserr.KindInternal, "db.changes", "", err)
	}
	return changes, nil
}

// LatestChangeSeq returns the newest change-log sequence number, or 0
// when the log is empty.
func (tx *Tx) LatestChangeSeq() (int64, error) {
	var seq int64
	err := sqlitex.Execute(tx.conn,
		`SELECT COALESCE(MAX(seq), 0) FROM changes`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				seq = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fserr.Wrap(fserr.KindInternal, "db.latest_seq", "", err)
	}
	return seq, nil
}

// StorageStats summarizes an account's tree.
type StorageStats struct {
	Files      int64 `json:"files"`
	Dirs       int64 `json:"dirs"`
	TotalBytes int64 `json:"total_bytes"`
}

// AccountStats returns per-account totals computed from metadata alone.
func (s *Store) AccountStats(ctx context.Context, account string) (StorageStats, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("account_stats", time.Since(start)) }()

	var stats StorageStats
	err := s.View(ctx, func(tx *Tx) error {
		return sqlitex.Execute(tx.conn, `
			SELECT
				COUNT(CASE WHEN kind = 'file' THEN 1 END),
				COUNT(CASE WHEN kind = 'dir' THEN 1 END),
				COALESCE(SUM(CASE WHEN kind = 'file' THEN size ELSE 0 END), 0)
			FROM entries WHERE account = ?`,
			&sqlitex.ExecOptions{
				Args: []any{account},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					stats.Files = stmt.ColumnInt64(0)
					stats.Dirs = stmt.ColumnInt64(1)
					stats.TotalBytes = stmt.ColumnInt64(2)
					return nil
				},
			})
	})
	if err != nil {
		return StorageStats{}, fserr.Wrap(fserr.KindInternal, "db.stats", account, err)
	}
	return stats, nil
}

// Package fs implements the filesystem manager: the only component that
// composes the metadata store and the block store into user-visible
// semantics. Content is written to the block store before metadata is
// committed, so a crash between the two leaves at most an orphaned
// block, never a file entry pointing at missing content.
package fs

import (
	"context"
	"hash/fnv"
	"io"
	"mime"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quincecloud/quince/internal/blockstore"
	"github.com/quincecloud/quince/internal/events"
	"github.com/quincecloud/quince/internal/fserr"
	"github.com/quincecloud/quince/internal/logging"
	"github.com/quincecloud/quince/internal/metadata"
	"github.com/quincecloud/quince/internal/metrics"
)

// lockStripes is the size of the per-(account,parent) lock table.
// Sibling operations under one directory serialize on its stripe before
// entering a database transaction; the UNIQUE constraint remains the
// real authority on name collisions.
const lockStripes = 64

// Manager coordinates metadata and content for all filesystem
// operations.
type Manager struct {
	store       *metadata.Store
	blocks      blockstore.Store
	broadcaster *events.Broadcaster

	locks [lockStripes]sync.Mutex
}

// NewManager creates a filesystem manager. The broadcaster may be nil;
// events are then dropped.
func NewManager(store *metadata.Store, blocks blockstore.Store, broadcaster *events.Broadcaster) *Manager {
	return &Manager{store: store, blocks: blocks, broadcaster: broadcaster}
}

func stripeIndex(account string, parentID int64) uint32 {
	h := fnv.New32a()
	h.Write([]byte(account))
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(parentID >> (8 * i))
	}
	h.Write(buf[:])
	return h.Sum32() % lockStripes
}

// lockParent serializes operations under one directory. Must be taken
// before the transaction begins, never inside it.
func (m *Manager) lockParent(account string, parentID int64) func() {
	lock := &m.locks[stripeIndex(account, parentID)]
	lock.Lock()
	return lock.Unlock
}

// lockParents locks the stripes of two directories in index order so
// concurrent moves cannot deadlock.
func (m *Manager) lockParents(account string, a, b int64) func() {
	ia := stripeIndex(account, a)
	ib := stripeIndex(account, b)
	if ia == ib {
		return m.lockParent(account, a)
	}
	if ia > ib {
		ia, ib = ib, ia
	}
	m.locks[ia].Lock()
	m.locks[ib].Lock()
	return func() {
		m.locks[ib].Unlock()
		m.locks[ia].Unlock()
	}
}

func (m *Manager) publish(event events.Event) {
	if m.broadcaster != nil {
		m.broadcaster.Publish(event)
	}
}

// resolveDir resolves a path outside any transaction and requires it to
// be a directory.
func (m *Manager) resolveDir(ctx context.Context, account, p, op string) (metadata.Entry, error) {
	var entry metadata.Entry
	err := m.store.View(ctx, func(tx *metadata.Tx) error {
		var err error
		entry, err = tx.ResolvePath(account, p)
		if err != nil {
			return fserr.Wrap(fserr.KindOf(err), op, p, err)
		}
		return nil
	})
	if err != nil {
		return metadata.Entry{}, err
	}
	if !entry.IsDir() {
		return metadata.Entry{}, fserr.New(fserr.KindInvalidOperation, op, p)
	}
	return entry, nil
}

// Mkdir creates a directory at path. Every ancestor must already exist.
func (m *Manager) Mkdir(ctx context.Context, account, rawPath string) (metadata.Entry, error) {
	start := time.Now()
	entry, err := m.mkdir(ctx, account, rawPath)
	metrics.RecordFSOperation("mkdir", time.Since(start), err == nil)
	return entry, err
}

func (m *Manager) mkdir(ctx context.Context, account, rawPath string) (metadata.Entry, error) {
	p := NormalizePath(rawPath)
	parentPath, name := SplitPath(p)
	if name == "" {
		return metadata.Entry{}, fserr.New(fserr.KindInvalidOperation, "fs.mkdir", p)
	}
	if err := ValidateName(name); err != nil {
		return metadata.Entry{}, err
	}

	parent, err := m.resolveDir(ctx, account, parentPath, "fs.mkdir")
	if err != nil {
		return metadata.Entry{}, err
	}

	unlock := m.lockParent(account, parent.ID)
	defer unlock()

	var entry metadata.Entry
	err = m.store.WithTx(ctx, func(tx *metadata.Tx) error {
		// Re-resolve inside the transaction: the parent may have been
		// removed or moved since the lock-free lookup.
		parent, err := tx.ResolvePath(account, parentPath)
		if err != nil {
			return fserr.Wrap(fserr.KindOf(err), "fs.mkdir", p, err)
		}
		if !parent.IsDir() {
			return fserr.New(fserr.KindInvalidOperation, "fs.mkdir", p)
		}

		entry = metadata.Entry{
			Account:  account,
			ParentID: parent.ID,
			Name:     name,
			Kind:     metadata.KindDir,
		}
		if err := tx.InsertEntry(&entry); err != nil {
			if fserr.IsKind(err, fserr.KindAlreadyExists) {
				return fserr.New(fserr.KindAlreadyExists, "fs.mkdir", p)
			}
			return err
		}
		return tx.RecordChange(account, entry.ID, p, events.OpCreate)
	})
	if err != nil {
		return metadata.Entry{}, err
	}

	m.publish(events.Event{Account: account, Path: p, Kind: "dir", Op: events.OpCreate})
	return entry, nil
}

// WriteFile stores content and creates or replaces the file at path.
// The block write happens before, and outside, the metadata
// transaction; if the commit never happens the block is orphaned and a
// later identical write reuses it.
func (m *Manager) WriteFile(ctx context.Context, account, rawPath string, r io.Reader, contentType string) (metadata.Entry, error) {
	start := time.Now()
	entry, err := m.writeFile(ctx, account, rawPath, r, contentType)
	metrics.RecordFSOperation("write", time.Since(start), err == nil)
	return entry, err
}

func (m *Manager) writeFile(ctx context.Context, account, rawPath string, r io.Reader, contentType string) (metadata.Entry, error) {
	p := NormalizePath(rawPath)
	parentPath, name := SplitPath(p)
	if name == "" {
		return metadata.Entry{}, fserr.New(fserr.KindInvalidOperation, "fs.write", p)
	}
	if err := ValidateName(name); err != nil {
		return metadata.Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return metadata.Entry{}, fserr.Wrap(fserr.KindInternal, "fs.write", p, err)
	}

	// Cheap structural checks before paying for the content write.
	parent, err := m.resolveDir(ctx, account, parentPath, "fs.write")
	if err != nil {
		return metadata.Entry{}, err
	}
	err = m.store.View(ctx, func(tx *metadata.Tx) error {
		child, err := tx.ChildByName(account, parent.ID, name)
		if err == nil && child.IsDir() {
			return fserr.New(fserr.KindInvalidOperation, "fs.write", p)
		}
		if err != nil && !fserr.IsKind(err, fserr.KindNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return metadata.Entry{}, err
	}

	cid, size, err := m.blocks.Put(ctx, r)
	if err != nil {
		return metadata.Entry{}, err
	}

	// A cancellation here leaves the block orphaned, which is the one
	// permissible residue. Metadata is untouched.
	if err := ctx.Err(); err != nil {
		return metadata.Entry{}, fserr.Wrap(fserr.KindInternal, "fs.write", p, err)
	}

	mimeType := detectMime(name, contentType)

	unlock := m.lockParent(account, parent.ID)
	defer unlock()

	var entry metadata.Entry
	var op string
	err = m.store.WithTx(ctx, func(tx *metadata.Tx) error {
		parent, err := tx.ResolvePath(account, parentPath)
		if err != nil {
			return fserr.Wrap(fserr.KindOf(err), "fs.write", p, err)
		}
		if !parent.IsDir() {
			return fserr.New(fserr.KindInvalidOperation, "fs.write", p)
		}

		child, err := tx.ChildByName(account, parent.ID, name)
		switch {
		case err == nil && child.IsDir():
			return fserr.New(fserr.KindInvalidOperation, "fs.write", p)
		case err == nil:
			op = events.OpUpdate
			if err := tx.UpdateFileContent(account, child.ID, cid.String(), size, mimeType); err != nil {
				return err
			}
			entry, err = tx.EntryByID(account, child.ID)
			if err != nil {
				return err
			}
		case fserr.IsKind(err, fserr.KindNotFound):
			op = events.OpCreate
			entry = metadata.Entry{
				Account:  account,
				ParentID: parent.ID,
				Name:     name,
				Kind:     metadata.KindFile,
				CID:      cid.String(),
				Size:     size,
				Mime:     mimeType,
			}
			if err := tx.InsertEntry(&entry); err != nil {
				if fserr.IsKind(err, fserr.KindAlreadyExists) {
					return fserr.New(fserr.KindAlreadyExists, "fs.write", p)
				}
				return err
			}
		default:
			return err
		}
		return tx.RecordChange(account, entry.ID, p, op)
	})
	if err != nil {
		return metadata.Entry{}, err
	}

	logging.Debug("file written",
		zap.String("account", account),
		zap.String("path", p),
		zap.String("cid", cid.String()),
		zap.Int64("size", size),
	)
	m.publish(events.Event{
		Account: account, Path: p, Kind: "file", Op: op,
		Size: size, CID: cid.String(),
	})
	return entry, nil
}

// ReadFile returns the content and entry of the file at path. A missing
// path and a missing block are distinct failures: the former names the
// path, the latter the content identifier.
func (m *Manager) ReadFile(ctx context.Context, account, rawPath string) (io.ReadCloser, metadata.Entry, error) {
	start := time.Now()
	rc, entry, err := m.readFile(ctx, account, rawPath)
	metrics.RecordFSOperation("read", time.Since(start), err == nil)
	return rc, entry, err
}

func (m *Manager) readFile(ctx context.Context, account, rawPath string) (io.ReadCloser, metadata.Entry, error) {
	p := NormalizePath(rawPath)

	var entry metadata.Entry
	err := m.store.View(ctx, func(tx *metadata.Tx) error {
		var err error
		entry, err = tx.ResolvePath(account, p)
		if err != nil {
			return fserr.Wrap(fserr.KindOf(err), "fs.read", p, err)
		}
		return nil
	})
	if err != nil {
		return nil, metadata.Entry{}, err
	}
	if entry.IsDir() {
		return nil, metadata.Entry{}, fserr.New(fserr.KindInvalidOperation, "fs.read", p)
	}

	cid, err := blockstore.ParseCID(entry.CID)
	if err != nil {
		return nil, metadata.Entry{}, fserr.Wrap(fserr.KindInternal, "fs.read", p, err)
	}
	rc, err := m.blocks.Get(ctx, cid)
	if err != nil {
		// Metadata names content the store does not hold. The error
		// carries the CID so the two cannot be confused.
		return nil, metadata.Entry{}, err
	}
	return rc, entry, nil
}

// Stat resolves a path to its entry.
func (m *Manager) Stat(ctx context.Context, account, rawPath string) (metadata.Entry, error) {
	p := NormalizePath(rawPath)
	var entry metadata.Entry
	err := m.store.View(ctx, func(tx *metadata.Tx) error {
		var err error
		entry, err = tx.ResolvePath(account, p)
		if err != nil {
			return fserr.Wrap(fserr.KindOf(err), "fs.stat", p, err)
		}
		return nil
	})
	return entry, err
}

// List returns the children of the directory at path, name ascending.
func (m *Manager) List(ctx context.Context, account, rawPath string) ([]metadata.Entry, error) {
	start := time.Now()
	entries, err := m.list(ctx, account, rawPath)
	metrics.RecordFSOperation("list", time.Since(start), err == nil)
	return entries, err
}

func (m *Manager) list(ctx context.Context, account, rawPath string) ([]metadata.Entry, error) {
	p := NormalizePath(rawPath)
	var children []metadata.Entry
	err := m.store.View(ctx, func(tx *metadata.Tx) error {
		entry, err := tx.ResolvePath(account, p)
		if err != nil {
			return fserr.Wrap(fserr.KindOf(err), "fs.list", p, err)
		}
		if !entry.IsDir() {
			return fserr.New(fserr.KindInvalidOperation, "fs.list", p)
		}
		children, err = tx.Children(account, entry.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return children, nil
}

// Move renames and/or reparents the entry at src to dst. The operation
// is a pointer update; it never rewrites the subtree or touches content.
func (m *Manager) Move(ctx context.Context, account, rawSrc, rawDst string) (metadata.Entry, error) {
	start := time.Now()
	entry, err := m.move(ctx, account, rawSrc, rawDst)
	metrics.RecordFSOperation("move", time.Since(start), err == nil)
	return entry, err
}

func (m *Manager) move(ctx context.Context, account, rawSrc, rawDst string) (metadata.Entry, error) {
	src := NormalizePath(rawSrc)
	dst := NormalizePath(rawDst)
	if src == "/" {
		return metadata.Entry{}, fserr.New(fserr.KindInvalidOperation, "fs.move", src)
	}
	if src == dst {
		return metadata.Entry{}, fserr.New(fserr.KindInvalidOperation, "fs.move", dst)
	}
	dstParentPath, dstName := SplitPath(dst)
	if dstName == "" {
		return metadata.Entry{}, fserr.New(fserr.KindInvalidOperation, "fs.move", dst)
	}
	if err := ValidateName(dstName); err != nil {
		return metadata.Entry{}, err
	}

	source, err := m.Stat(ctx, account, src)
	if err != nil {
		return metadata.Entry{}, err
	}
	dstParent, err := m.resolveDir(ctx, account, dstParentPath, "fs.move")
	if err != nil {
		return metadata.Entry{}, err
	}

	unlock := m.lockParents(account, source.ParentID, dstParent.ID)
	defer unlock()

	var entry metadata.Entry
	err = m.store.WithTx(ctx, func(tx *metadata.Tx) error {
		source, err := tx.ResolvePath(account, src)
		if err != nil {
			return fserr.Wrap(fserr.KindOf(err), "fs.move", src, err)
		}
		dstParent, err := tx.ResolvePath(account, dstParentPath)
		if err != nil {
			return fserr.Wrap(fserr.KindOf(err), "fs.move", dst, err)
		}
		if !dstParent.IsDir() {
			return fserr.New(fserr.KindInvalidOperation, "fs.move", dst)
		}

		// Reject moving a directory into itself or its own subtree.
		if source.IsDir() {
			if dstParent.ID == source.ID {
				return fserr.New(fserr.KindInvalidOperation, "fs.move", dst)
			}
			inside, err := tx.IsDescendant(account, source.ID, dstParent.ID)
			if err != nil {
				return err
			}
			if inside {
				return fserr.New(fserr.KindInvalidOperation, "fs.move", dst)
			}
		}

		if err := tx.MoveEntry(account, source.ID, dstParent.ID, dstName); err != nil {
			if fserr.IsKind(err, fserr.KindAlreadyExists) {
				return fserr.New(fserr.KindAlreadyExists, "fs.move", dst)
			}
			return err
		}
		entry, err = tx.EntryByID(account, source.ID)
		if err != nil {
			return err
		}
		return tx.RecordChange(account, entry.ID, dst, events.OpMove)
	})
	if err != nil {
		return metadata.Entry{}, err
	}

	m.publish(events.Event{
		Account: account, Path: dst, Kind: string(entry.Kind), Op: events.OpMove,
	})
	return entry, nil
}

// Remove deletes the entry at path. A non-empty directory requires
// recursive. Content blocks are never deleted; only metadata rows go.
func (m *Manager) Remove(ctx context.Context, account, rawPath string, recursive bool) error {
	start := time.Now()
	err := m.remove(ctx, account, rawPath, recursive)
	metrics.RecordFSOperation("remove", time.Since(start), err == nil)
	return err
}

func (m *Manager) remove(ctx context.Context, account, rawPath string, recursive bool) error {
	p := NormalizePath(rawPath)
	if p == "/" {
		return fserr.New(fserr.KindInvalidOperation, "fs.remove", p)
	}

	target, err := m.Stat(ctx, account, p)
	if err != nil {
		return err
	}

	unlock := m.lockParent(account, target.ParentID)
	defer unlock()

	var kind metadata.Kind
	err = m.store.WithTx(ctx, func(tx *metadata.Tx) error {
		entry, err := tx.ResolvePath(account, p)
		if err != nil {
			return fserr.Wrap(fserr.KindOf(err), "fs.remove", p, err)
		}
		kind = entry.Kind

		if entry.IsDir() {
			count, err := tx.ChildCount(account, entry.ID)
			if err != nil {
				return err
			}
			if count > 0 && !recursive {
				return fserr.New(fserr.KindNotEmpty, "fs.remove", p)
			}
		}

		subtree, err := tx.Subtree(account, entry.ID)
		if err != nil {
			return err
		}

		// Resolve every path before the first delete; afterwards the
		// parent chains are gone.
		paths := make(map[int64]string, len(subtree))
		for _, node := range subtree {
			nodePath, err := tx.EntryPath(account, node.ID)
			if err != nil {
				return err
			}
			paths[node.ID] = nodePath
		}

		// One change row per removed entry so the index worker can drop
		// every derived record.
		for i := len(subtree) - 1; i >= 0; i-- {
			node := subtree[i]
			if err := tx.DeleteEntry(account, node.ID); err != nil {
				return err
			}
			if err := tx.RecordChange(account, node.ID, paths[node.ID], events.OpDelete); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.publish(events.Event{Account: account, Path: p, Kind: string(kind), Op: events.OpDelete})
	return nil
}

// detectMime picks the stored MIME type: the caller's content type when
// given, otherwise a guess from the file extension.
func detectMime(name, contentType string) string {
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	if byExt := mime.TypeByExtension(filepath.Ext(name)); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}

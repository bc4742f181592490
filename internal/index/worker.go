// Package index runs the background search indexer. It tails the
// change log left by the filesystem manager and projects it into the
// FTS table, advancing a durable cursor in the same transaction as each
// batch. Replays after a crash are harmless because every projection is
// an upsert or an idempotent delete.
package index

import (
	"context"
	"io"
	"strings"
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

// cursorTarget is the index_cursor key for this worker.
const cursorTarget = "search"

// maxPreviewBytes bounds how much file content is read into the index.
const maxPreviewBytes = 64 * 1024

// maxBackoff caps the retry delay after repeated batch failures.
const maxBackoff = time.Minute

// Config holds worker settings.
type Config struct {
	// Interval is the poll period when no wake-up arrives. Defaults to
	// 5 seconds.
	Interval time.Duration

	// BatchSize is the maximum change rows per cycle. Defaults to 100.
	BatchSize int
}

// Worker is the single background indexing goroutine of the node.
type Worker struct {
	store    *metadata.Store
	blocks   blockstore.Store
	interval time.Duration
	batch    int

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates an index worker.
func NewWorker(store *metadata.Store, blocks blockstore.Store, cfg Config) *Worker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Worker{
		store:    store,
		blocks:   blocks,
		interval: interval,
		batch:    batch,
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
	logging.Info("index worker started",
		zap.Duration("interval", w.interval),
		zap.Int("batch_size", w.batch),
	)
}

// Stop signals the worker to stop and waits for the current batch to
// finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	logging.Info("index worker stopped")
}

// Wake nudges the worker to run a cycle now instead of waiting for the
// ticker. Non-blocking; a pending nudge is enough.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	backoff := w.interval
	for {
		drained, err := w.cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Warn("index cycle failed", zap.Error(err))
			// Exponential backoff; the cursor did not advance, so the
			// failed batch is retried whole.
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = w.interval

		if !drained {
			// More changes pending; keep going without waiting.
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// step is one index mutation derived from a change row. Steps apply in
// change order inside a single short write transaction.
type step struct {
	remove  bool
	entryID int64
	record  metadata.IndexRecord
}

// cycle applies one batch. Returns true when the log is drained.
//
// The batch runs in three phases: snapshot the cursor and change rows,
// assemble the projection (including block-store content reads) with no
// transaction open, then apply the index writes and advance the cursor
// in one short write transaction. Content reads can be slow (S3 is a
// supported backend) and must never hold the database write lock, or
// foreground mutations would stall behind the indexer.
func (w *Worker) cycle(ctx context.Context) (bool, error) {
	var (
		cursor  int64
		changes []metadata.Change
		latest  int64
	)
	err := w.store.View(ctx, func(tx *metadata.Tx) error {
		var err error
		cursor, err = tx.Cursor(cursorTarget)
		if err != nil {
			return err
		}
		changes, err = tx.ChangesSince(cursor, w.batch)
		if err != nil {
			return err
		}
		latest, err = tx.LatestChangeSeq()
		return err
	})
	if err != nil {
		metrics.RecordIndexBatch(0, false)
		return true, err
	}
	if len(changes) == 0 {
		metrics.SetIndexLag(latest - cursor)
		return true, nil
	}

	steps, err := w.project(ctx, changes)
	if err != nil {
		metrics.RecordIndexBatch(0, false)
		return true, err
	}

	last := changes[len(changes)-1].Seq
	applied := false
	err = w.store.WithTx(ctx, func(tx *metadata.Tx) error {
		// Re-read the cursor under the write lock: if it moved since the
		// snapshot the batch is stale and is dropped, never applied or
		// advanced twice.
		current, err := tx.Cursor(cursorTarget)
		if err != nil {
			return err
		}
		if current != cursor {
			return nil
		}

		for _, s := range steps {
			if s.remove {
				if err := tx.DeleteIndexRecord(s.entryID); err != nil {
					return err
				}
				continue
			}
			if err := tx.UpsertIndexRecord(s.record); err != nil {
				return err
			}
		}
		if err := tx.AdvanceCursor(cursorTarget, last); err != nil {
			return err
		}
		applied = true

		latest, err := tx.LatestChangeSeq()
		if err == nil {
			metrics.SetIndexLag(latest - last)
		}
		return nil
	})
	if err != nil {
		metrics.RecordIndexBatch(0, false)
		return true, err
	}
	if applied {
		metrics.RecordIndexBatch(len(changes), true)
		logging.Debug("index batch applied", zap.Int("changes", len(changes)))
	}
	return len(changes) < w.batch, nil
}

// project turns change rows into index steps. Entries and paths are read
// outside any transaction; a record that goes stale before the write
// phase is corrected by the change row that made it stale.
func (w *Worker) project(ctx context.Context, changes []metadata.Change) ([]step, error) {
	steps := make([]step, 0, len(changes))
	for _, change := range changes {
		switch change.Op {
		case events.OpDelete:
			steps = append(steps, step{remove: true, entryID: change.EntryID})

		case events.OpCreate, events.OpUpdate:
			s, err := w.projectEntry(ctx, change.Account, change.EntryID)
			if err != nil {
				return nil, err
			}
			steps = append(steps, s)

		case events.OpMove:
			// Paths of the whole subtree changed; reindex it.
			var subtree []metadata.Entry
			err := w.store.View(ctx, func(tx *metadata.Tx) error {
				var err error
				subtree, err = tx.Subtree(change.Account, change.EntryID)
				return err
			})
			if err != nil {
				return nil, err
			}
			for _, node := range subtree {
				s, err := w.projectEntry(ctx, change.Account, node.ID)
				if err != nil {
					return nil, err
				}
				steps = append(steps, s)
			}

		default:
			logging.Warn("unknown change op, skipping", zap.String("op", change.Op))
		}
	}
	return steps, nil
}

// projectEntry builds the upsert step for one entry. An entry that
// vanished between the change and this cycle becomes a delete step; the
// later delete change is then a no-op.
func (w *Worker) projectEntry(ctx context.Context, account string, entryID int64) (step, error) {
	var entry metadata.Entry
	var path string
	found := true
	err := w.store.View(ctx, func(tx *metadata.Tx) error {
		var err error
		entry, err = tx.EntryByID(account, entryID)
		if err == nil {
			path, err = tx.EntryPath(account, entry.ID)
		}
		if err != nil {
			if fserr.IsKind(err, fserr.KindNotFound) {
				found = false
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return step{}, err
	}
	if !found {
		return step{remove: true, entryID: entryID}, nil
	}

	record := metadata.IndexRecord{
		EntryID: entry.ID,
		Account: account,
		Path:    path,
		Name:    entry.Name,
		Mime:    entry.Mime,
	}
	if entry.Kind == metadata.KindFile && isTextMime(entry.Mime) && entry.CID != "" {
		record.Content = w.contentPreview(ctx, entry)
	}
	return step{record: record}, nil
}

// contentPreview reads a bounded prefix of the block for text search.
// Content failures degrade to a name/path-only record rather than
// stalling the batch.
func (w *Worker) contentPreview(ctx context.Context, entry metadata.Entry) string {
	cid, err := blockstore.ParseCID(entry.CID)
	if err != nil {
		return ""
	}
	rc, err := w.blocks.Get(ctx, cid)
	if err != nil {
		if !fserr.IsKind(err, fserr.KindStorageUnavailable) {
			logging.Debug("index content read failed",
				zap.String("cid", entry.CID), zap.Error(err))
		}
		return ""
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxPreviewBytes))
	if err != nil {
		return ""
	}
	return string(data)
}

// isTextMime reports whether content should be read into the index.
func isTextMime(mime string) bool {
	if strings.HasPrefix(mime, "text/") {
		return true
	}
	switch {
	case strings.HasPrefix(mime, "application/json"),
		strings.HasPrefix(mime, "application/xml"),
		strings.HasPrefix(mime, "application/x-yaml"),
		strings.HasPrefix(mime, "application/javascript"):
		return true
	}
	return false
}

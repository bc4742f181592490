package index

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quincecloud/quince/internal/blockstore"
	"github.com/quincecloud/quince/internal/fs"
	"github.com/quincecloud/quince/internal/metadata"
)

const testAccount = "0xabc"

type testNode struct {
	store   *metadata.Store
	blocks  *blockstore.Local
	manager *fs.Manager
	worker  *Worker
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	store, err := metadata.Open(metadata.Config{
		Path:     filepath.Join(t.TempDir(), "meta.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("metadata.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	blocks, err := blockstore.NewLocal(blockstore.LocalConfig{RepoPath: t.TempDir()})
	if err != nil {
		t.Fatalf("blockstore.NewLocal: %v", err)
	}
	if err := blocks.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { blocks.Shutdown(context.Background()) })

	return &testNode{
		store:   store,
		blocks:  blocks,
		manager: fs.NewManager(store, blocks, nil),
		worker:  NewWorker(store, blocks, Config{BatchSize: 10}),
	}
}

// drain runs cycles until the change log is consumed.
func (n *testNode) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 50; i++ {
		drained, err := n.worker.cycle(context.Background())
		if err != nil {
			t.Fatalf("cycle: %v", err)
		}
		if drained {
			return
		}
	}
	t.Fatal("change log never drained")
}

func (n *testNode) write(t *testing.T, path, content string) {
	t.Helper()
	_, err := n.manager.WriteFile(context.Background(), testAccount, path, strings.NewReader(content), "text/plain")
	if err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}

func (n *testNode) search(t *testing.T, query string) []metadata.SearchResult {
	t.Helper()
	results, err := n.store.Search(context.Background(), testAccount, query, 20)
	if err != nil {
		t.Fatalf("Search(%q): %v", query, err)
	}
	return results
}

func TestIndexesWritesAndUpdates(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	if _, err := n.manager.Mkdir(ctx, testAccount, "/notes"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	n.write(t, "/notes/recipe.txt", "membrillo needs quince paste and sugar")
	n.drain(t)

	results := n.search(t, "membrillo")
	if len(results) != 1 || results[0].Path != "/notes/recipe.txt" {
		t.Fatalf("results = %+v", results)
	}

	// Updating the file replaces the indexed content.
	n.write(t, "/notes/recipe.txt", "switched to apple jelly entirely")
	n.drain(t)

	if results := n.search(t, "membrillo"); len(results) != 0 {
		t.Fatalf("stale content still searchable: %+v", results)
	}
	if results := n.search(t, "jelly"); len(results) != 1 {
		t.Fatalf("new content not searchable: %+v", results)
	}
}

func TestFilenameSearchableForBinary(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	_, err := n.manager.WriteFile(ctx, testAccount, "/holiday-photo.bin",
		strings.NewReader("\x00\x01binarybytes"), "application/octet-stream")
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	n.drain(t)

	// The name is indexed even though the content is not.
	if results := n.search(t, "holiday"); len(results) != 1 {
		t.Fatalf("name not searchable: %+v", results)
	}
	if results := n.search(t, "binarybytes"); len(results) != 0 {
		t.Fatalf("binary content indexed: %+v", results)
	}
}

func TestCursorSurvivesRestart(t *testing.T) {
	n := newTestNode(t)

	n.write(t, "/a.txt", "alpha content")
	n.drain(t)

	// A fresh worker over the same store must not reprocess old changes
	// and must pick up new ones.
	n.worker = NewWorker(n.store, n.blocks, Config{BatchSize: 10})

	err := n.store.View(context.Background(), func(tx *metadata.Tx) error {
		cursor, err := tx.Cursor("search")
		if err != nil {
			return err
		}
		latest, err := tx.LatestChangeSeq()
		if err != nil {
			return err
		}
		if cursor != latest {
			t.Fatalf("cursor = %d, latest = %d", cursor, latest)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	n.write(t, "/b.txt", "bravo content")
	n.drain(t)

	if results := n.search(t, "bravo"); len(results) != 1 {
		t.Fatalf("post-restart change not indexed: %+v", results)
	}
	if results := n.search(t, "alpha"); len(results) != 1 {
		t.Fatalf("pre-restart record lost: %+v", results)
	}
}

func TestDeleteDropsRecords(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	if _, err := n.manager.Mkdir(ctx, testAccount, "/docs"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	n.write(t, "/docs/one.txt", "searchable first file")
	n.write(t, "/docs/two.txt", "searchable second file")
	n.drain(t)

	if results := n.search(t, "searchable"); len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}

	if err := n.manager.Remove(ctx, testAccount, "/docs", true); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	n.drain(t)

	if results := n.search(t, "searchable"); len(results) != 0 {
		t.Fatalf("deleted entries still indexed: %+v", results)
	}
}

func TestMoveReindexesSubtreePaths(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	for _, dir := range []string{"/old", "/old/deep", "/new"} {
		if _, err := n.manager.Mkdir(ctx, testAccount, dir); err != nil {
			t.Fatalf("Mkdir(%s): %v", dir, err)
		}
	}
	n.write(t, "/old/deep/note.txt", "findable phrase")
	n.drain(t)

	if _, err := n.manager.Move(ctx, testAccount, "/old/deep", "/new/deep"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	n.drain(t)

	results := n.search(t, "findable")
	if len(results) != 1 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Path != "/new/deep/note.txt" {
		t.Fatalf("indexed path = %q, want /new/deep/note.txt", results[0].Path)
	}
}

func TestVanishedEntrySkipped(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	// Write and delete before the worker ever runs: the create change
	// points at a row that no longer exists.
	n.write(t, "/gone.txt", "ephemeral")
	if err := n.manager.Remove(ctx, testAccount, "/gone.txt", false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	n.drain(t)

	if results := n.search(t, "ephemeral"); len(results) != 0 {
		t.Fatalf("vanished entry indexed: %+v", results)
	}
	if results := n.search(t, "gone"); len(results) != 0 {
		t.Fatalf("vanished entry indexed by name: %+v", results)
	}
}

func TestContentUnavailableStillIndexesName(t *testing.T) {
	n := newTestNode(t)

	n.write(t, "/report.txt", "quarterly numbers")

	// Lose the block store before indexing; the worker degrades to a
	// name-only record instead of failing the batch.
	n.worker = NewWorker(n.store, blockstore.NewUnavailable(blockstore.ModeIsolated), Config{BatchSize: 10})
	n.drain(t)

	if results := n.search(t, "report"); len(results) != 1 {
		t.Fatalf("name not indexed: %+v", results)
	}
	if results := n.search(t, "quarterly"); len(results) != 0 {
		t.Fatalf("content indexed without a block store: %+v", results)
	}
}

// slowBlocks delays every content read, standing in for a distant S3
// backend.
type slowBlocks struct {
	blockstore.Store
	delay time.Duration
}

func (s slowBlocks) Get(ctx context.Context, cid blockstore.CID) (io.ReadCloser, error) {
	time.Sleep(s.delay)
	return s.Store.Get(ctx, cid)
}

func TestSlowContentReadsDoNotBlockWriters(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	for _, path := range []string{"/a.txt", "/b.txt", "/c.txt"} {
		n.write(t, path, "preview text for "+path)
	}
	n.worker = NewWorker(n.store, slowBlocks{Store: n.blocks, delay: 300 * time.Millisecond}, Config{BatchSize: 10})

	done := make(chan error, 1)
	go func() {
		_, err := n.worker.cycle(ctx)
		done <- err
	}()

	// Let the cycle get into its content reads, then mutate. The write
	// must not wait out the batch's block I/O on the database lock.
	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	if _, err := n.manager.Mkdir(ctx, testAccount, "/during"); err != nil {
		t.Fatalf("Mkdir during index cycle: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Mkdir blocked %v behind the index cycle", elapsed)
	}

	if err := <-done; err != nil {
		t.Fatalf("cycle: %v", err)
	}
	n.drain(t)
	if results := n.search(t, "preview"); len(results) != 3 {
		t.Fatalf("results = %+v", results)
	}
}

func TestIsTextMime(t *testing.T) {
	for _, yes := range []string{"text/plain", "text/plain; charset=utf-8", "application/json", "application/xml"} {
		if !isTextMime(yes) {
			t.Errorf("isTextMime(%q) = false", yes)
		}
	}
	for _, no := range []string{"application/octet-stream", "image/png", "video/mp4", ""} {
		if isTextMime(no) {
			t.Errorf("isTextMime(%q) = true", no)
		}
	}
}

package fs

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/quincecloud/quince/internal/blockstore"
	"github.com/quincecloud/quince/internal/fserr"
	"github.com/quincecloud/quince/internal/metadata"
)

const testAccount = "0xabc"

func newTestManager(t *testing.T) (*Manager, *blockstore.Local) {
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

	return NewManager(store, blocks, nil), blocks
}

func mustWrite(t *testing.T, m *Manager, path, content string) metadata.Entry {
	t.Helper()
	entry, err := m.WriteFile(context.Background(), testAccount, path, strings.NewReader(content), "")
	if err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
	return entry
}

func mustRead(t *testing.T, m *Manager, path string) []byte {
	t.Helper()
	rc, _, err := m.ReadFile(context.Background(), testAccount, path)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", path, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}

func TestWriteReadRoundtrip(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	content := "quince keeps your files"
	entry := mustWrite(t, m, "/hello.txt", content)
	if entry.Kind != metadata.KindFile || entry.Size != int64(len(content)) {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.CID == "" {
		t.Fatal("entry missing CID")
	}
	if entry.Mime != "text/plain; charset=utf-8" {
		t.Errorf("mime = %q", entry.Mime)
	}

	if got := mustRead(t, m, "/hello.txt"); string(got) != content {
		t.Fatalf("roundtrip = %q, want %q", got, content)
	}

	// Overwrite replaces content and bumps size; same path, new CID.
	updated := mustWrite(t, m, "/hello.txt", "now something longer than before")
	if updated.ID != entry.ID {
		t.Fatalf("overwrite created a new entry: %d vs %d", updated.ID, entry.ID)
	}
	if updated.CID == entry.CID {
		t.Fatal("overwrite kept the old CID")
	}
	if got := mustRead(t, m, "/hello.txt"); string(got) != "now something longer than before" {
		t.Fatalf("overwritten content = %q", got)
	}

	// Other accounts see nothing.
	if _, err := m.Stat(ctx, "0xother", "/hello.txt"); !fserr.IsKind(err, fserr.KindNotFound) {
		t.Fatalf("cross-account stat: %v", err)
	}
}

func TestMissingPathVersusMissingBlock(t *testing.T) {
	m, blocks := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.ReadFile(ctx, testAccount, "/nope.txt")
	if !fserr.IsKind(err, fserr.KindNotFound) {
		t.Fatalf("missing path: %v", err)
	}
	if !strings.Contains(err.Error(), "/nope.txt") {
		t.Errorf("missing-path error does not name the path: %v", err)
	}

	entry := mustWrite(t, m, "/doomed.txt", "content that will vanish")

	// Simulate a lost block by shutting the store down and pointing a
	// fresh one at an empty repo.
	blocks.Shutdown(ctx)
	empty, err := blockstore.NewLocal(blockstore.LocalConfig{RepoPath: t.TempDir()})
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	if err := empty.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer empty.Shutdown(ctx)
	m.blocks = empty

	_, _, err = m.ReadFile(ctx, testAccount, "/doomed.txt")
	if !fserr.IsKind(err, fserr.KindNotFound) {
		t.Fatalf("missing block: %v", err)
	}
	if !strings.Contains(err.Error(), entry.CID) {
		t.Errorf("missing-block error does not name the CID: %v", err)
	}
	if strings.Contains(err.Error(), "/doomed.txt") {
		t.Errorf("missing-block error names the path, should name content: %v", err)
	}
}

func TestDirectoryTreeLifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for _, dir := range []string{"/projects", "/projects/quince", "/archive"} {
		if _, err := m.Mkdir(ctx, testAccount, dir); err != nil {
			t.Fatalf("Mkdir(%s): %v", dir, err)
		}
	}
	// Missing ancestor fails, no implicit creation.
	if _, err := m.Mkdir(ctx, testAccount, "/missing/child"); !fserr.IsKind(err, fserr.KindNotFound) {
		t.Fatalf("mkdir under missing parent: %v", err)
	}
	// Duplicate sibling fails.
	if _, err := m.Mkdir(ctx, testAccount, "/projects"); !fserr.IsKind(err, fserr.KindAlreadyExists) {
		t.Fatalf("duplicate mkdir: %v", err)
	}

	mustWrite(t, m, "/projects/quince/notes.txt", "design notes")
	mustWrite(t, m, "/projects/quince/api.md", "endpoints")

	entries, err := m.List(ctx, testAccount, "/projects/quince")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 || entries[0].Name != "api.md" || entries[1].Name != "notes.txt" {
		t.Fatalf("listing = %+v", entries)
	}

	// Listing a file is an invalid operation, not an empty list.
	if _, err := m.List(ctx, testAccount, "/projects/quince/api.md"); !fserr.IsKind(err, fserr.KindInvalidOperation) {
		t.Fatalf("list file: %v", err)
	}

	// Move the whole directory; children resolve under the new path.
	if _, err := m.Move(ctx, testAccount, "/projects/quince", "/archive/quince"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if got := mustRead(t, m, "/archive/quince/notes.txt"); string(got) != "design notes" {
		t.Fatalf("post-move content = %q", got)
	}
	if _, err := m.Stat(ctx, testAccount, "/projects/quince"); !fserr.IsKind(err, fserr.KindNotFound) {
		t.Fatalf("old path still resolves: %v", err)
	}

	// Non-empty directory refuses plain remove, accepts recursive.
	if err := m.Remove(ctx, testAccount, "/archive/quince", false); !fserr.IsKind(err, fserr.KindNotEmpty) {
		t.Fatalf("remove non-empty: %v", err)
	}
	if err := m.Remove(ctx, testAccount, "/archive/quince", true); err != nil {
		t.Fatalf("recursive remove: %v", err)
	}
	if _, err := m.Stat(ctx, testAccount, "/archive/quince/notes.txt"); !fserr.IsKind(err, fserr.KindNotFound) {
		t.Fatalf("child survived recursive remove: %v", err)
	}

	entries, err = m.List(ctx, testAccount, "/archive")
	if err != nil {
		t.Fatalf("List /archive: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("archive not empty: %+v", entries)
	}
}

func TestIdenticalContentDeduplicates(t *testing.T) {
	m, blocks := newTestManager(t)

	content := "the same bytes, twice"
	first := mustWrite(t, m, "/a.txt", content)
	second := mustWrite(t, m, "/b.txt", content)

	if first.CID != second.CID {
		t.Fatalf("identical content got different CIDs: %s vs %s", first.CID, second.CID)
	}

	count := 0
	err := blocks.Walk(func(blockstore.CID, int64) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if count != 1 {
		t.Fatalf("repo holds %d blocks, want 1", count)
	}

	// Removing one path leaves the other readable.
	if err := m.Remove(context.Background(), testAccount, "/a.txt", false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := mustRead(t, m, "/b.txt"); string(got) != content {
		t.Fatalf("surviving path = %q", got)
	}
}

func TestMetadataOnlyMode(t *testing.T) {
	store, err := metadata.Open(metadata.Config{
		Path:     filepath.Join(t.TempDir(), "meta.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("metadata.Open: %v", err)
	}
	defer store.Close()

	m := NewManager(store, blockstore.NewUnavailable(blockstore.ModeIsolated), nil)
	ctx := context.Background()

	// Content writes fail fast with the storage kind.
	_, err = m.WriteFile(ctx, testAccount, "/f.txt", strings.NewReader("x"), "")
	if !fserr.IsKind(err, fserr.KindStorageUnavailable) {
		t.Fatalf("write without block store: %v", err)
	}

	// Metadata operations keep working.
	if _, err := m.Mkdir(ctx, testAccount, "/docs"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := m.Mkdir(ctx, testAccount, "/docs/sub"); err != nil {
		t.Fatalf("Mkdir nested: %v", err)
	}
	if _, err := m.Move(ctx, testAccount, "/docs/sub", "/sub"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	entries, err := m.List(ctx, testAccount, "/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("listing = %+v", entries)
	}
	if err := m.Remove(ctx, testAccount, "/sub", false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
}

func TestDottedNamesAreLegal(t *testing.T) {
	m, _ := newTestManager(t)

	entry := mustWrite(t, m, "/notes..txt", "dotted")
	if entry.Name != "notes..txt" {
		t.Fatalf("name = %q", entry.Name)
	}
	if got := mustRead(t, m, "/notes..txt"); string(got) != "dotted" {
		t.Fatalf("content = %q", got)
	}
}

func TestConcurrentMkdirOneWinner(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	const workers = 8
	errs := make(chan error, workers)
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-release
			_, err := m.Mkdir(ctx, testAccount, "/contested")
			errs <- err
		}()
	}
	close(release)
	wg.Wait()
	close(errs)

	wins, losses := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case fserr.IsKind(err, fserr.KindAlreadyExists):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != workers-1 {
		t.Fatalf("wins=%d losses=%d, want 1 and %d", wins, losses, workers-1)
	}

	// Exactly one entry exists.
	entries, err := m.List(ctx, testAccount, "/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "contested" {
		t.Fatalf("listing = %+v", entries)
	}
}

func TestMoveRejectsCycles(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for _, dir := range []string{"/a", "/a/b", "/a/b/c"} {
		if _, err := m.Mkdir(ctx, testAccount, dir); err != nil {
			t.Fatalf("Mkdir(%s): %v", dir, err)
		}
	}

	if _, err := m.Move(ctx, testAccount, "/a", "/a/b/c/a"); !fserr.IsKind(err, fserr.KindInvalidOperation) {
		t.Fatalf("move into own subtree: %v", err)
	}
	if _, err := m.Move(ctx, testAccount, "/a", "/a/a"); !fserr.IsKind(err, fserr.KindInvalidOperation) {
		t.Fatalf("move into self: %v", err)
	}
	// Sibling rename is fine.
	if _, err := m.Move(ctx, testAccount, "/a/b/c", "/a/c2"); err != nil {
		t.Fatalf("reparent up: %v", err)
	}
}

func TestMoveCollision(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	mustWrite(t, m, "/one.txt", "1")
	mustWrite(t, m, "/two.txt", "2")

	if _, err := m.Move(ctx, testAccount, "/one.txt", "/two.txt"); !fserr.IsKind(err, fserr.KindAlreadyExists) {
		t.Fatalf("move onto existing name: %v", err)
	}
	// Both originals intact.
	if got := mustRead(t, m, "/one.txt"); string(got) != "1" {
		t.Fatalf("one.txt = %q", got)
	}
	if got := mustRead(t, m, "/two.txt"); string(got) != "2" {
		t.Fatalf("two.txt = %q", got)
	}
}

func TestRootOperationsRejected(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Remove(ctx, testAccount, "/", true); !fserr.IsKind(err, fserr.KindInvalidOperation) {
		t.Fatalf("remove root: %v", err)
	}
	if _, err := m.Move(ctx, testAccount, "/", "/elsewhere"); !fserr.IsKind(err, fserr.KindInvalidOperation) {
		t.Fatalf("move root: %v", err)
	}
	if _, err := m.Mkdir(ctx, testAccount, "/"); !fserr.IsKind(err, fserr.KindInvalidOperation) {
		t.Fatalf("mkdir root: %v", err)
	}
	if _, err := m.WriteFile(ctx, testAccount, "/", strings.NewReader("x"), ""); !fserr.IsKind(err, fserr.KindInvalidOperation) {
		t.Fatalf("write root: %v", err)
	}
}

func TestWriteOverDirectoryRejected(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Mkdir(ctx, testAccount, "/docs"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := m.WriteFile(ctx, testAccount, "/docs", strings.NewReader("x"), ""); !fserr.IsKind(err, fserr.KindInvalidOperation) {
		t.Fatalf("write over dir: %v", err)
	}
	// And reading a directory as a file is rejected too.
	if _, _, err := m.ReadFile(ctx, testAccount, "/docs"); !fserr.IsKind(err, fserr.KindInvalidOperation) {
		t.Fatalf("read dir: %v", err)
	}
}

func TestWriteUnderFileRejected(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	mustWrite(t, m, "/file.txt", "x")
	if _, err := m.WriteFile(ctx, testAccount, "/file.txt/child", strings.NewReader("y"), ""); !fserr.IsKind(err, fserr.KindInvalidOperation) {
		t.Fatalf("write under file: %v", err)
	}
	if _, err := m.Mkdir(ctx, testAccount, "/file.txt/dir"); !fserr.IsKind(err, fserr.KindInvalidOperation) {
		t.Fatalf("mkdir under file: %v", err)
	}
}

func TestDetectMime(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		want        string
	}{
		{"a.json", "", "application/json"},
		{"a.bin", "", "application/octet-stream"},
		{"a.bin", "image/png", "image/png"},
		{"a.html", "application/octet-stream", "text/html; charset=utf-8"},
	}
	for _, tc := range cases {
		if got := detectMime(tc.name, tc.contentType); got != tc.want {
			t.Errorf("detectMime(%q, %q) = %q, want %q", tc.name, tc.contentType, got, tc.want)
		}
	}
}

func TestLargeContentRoundtrip(t *testing.T) {
	m, _ := newTestManager(t)

	var buf bytes.Buffer
	for i := 0; i < 10000; i++ {
		buf.WriteString("block of repeating content ")
	}
	content := buf.String()

	entry := mustWrite(t, m, "/big.txt", content)
	if entry.Size != int64(len(content)) {
		t.Fatalf("size = %d, want %d", entry.Size, len(content))
	}
	if got := mustRead(t, m, "/big.txt"); string(got) != content {
		t.Fatal("large content roundtrip mismatch")
	}
}

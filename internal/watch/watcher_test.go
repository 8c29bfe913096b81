package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartdip/internal/logging"
	"smartdip/internal/storage"
)

type fakeCatalog struct {
	mu      sync.Mutex
	synced  map[string]storage.UploadRecord
	removed map[string]bool
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{synced: map[string]storage.UploadRecord{}, removed: map[string]bool{}}
}

func (f *fakeCatalog) SyncUpload(rec storage.UploadRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced[rec.Filename] = rec
	delete(f.removed, rec.Filename)
	return nil
}

func (f *fakeCatalog) MarkUploadRemoved(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[name] = true
	return nil
}

func pngOnly(ext string) bool { return ext == "png" }

func TestSyncRecordsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), []byte("not really"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	cat := newFakeCatalog()
	w, err := New(dir, pngOnly, cat, logging.New("error", "text"))
	require.NoError(t, err)
	defer w.watcher.Close()

	n, err := w.Sync()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rec := cat.synced["a.png"]
	assert.Equal(t, SourceWatch, rec.Source)
	assert.Equal(t, int64(10), rec.SizeBytes)
	assert.Equal(t, "png", rec.Format)
}

func waitEvent(t *testing.T, events <-chan Event, op string) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Operation == op {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", op)
		}
	}
}

func TestRunTracksCreateAndRemove(t *testing.T) {
	dir := t.TempDir()
	cat := newFakeCatalog()
	w, err := New(dir, pngOnly, cat, logging.New("error", "text"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	path := filepath.Join(dir, "b.png")
	require.NoError(t, os.WriteFile(path, []byte("png-ish"), 0o644))
	ev := waitEvent(t, w.Events, "created")
	assert.Equal(t, "b.png", ev.Filename)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Remove(path))
	ev = waitEvent(t, w.Events, "removed")
	assert.Equal(t, "b.png", ev.Filename)

	cancel()
	require.NoError(t, <-done)

	cat.mu.Lock()
	defer cat.mu.Unlock()
	assert.True(t, cat.removed["b.png"])
	_, sawTxt := cat.synced["skip.txt"]
	assert.False(t, sawTxt)
}

// Package watch keeps the upload catalogue in sync with the upload directory.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"smartdip/internal/fsutil"
	"smartdip/internal/storage"
)

// SourceWatch marks catalogue rows discovered on disk rather than uploaded.
const SourceWatch = "watch"

// Event represents one catalogue change.
type Event struct {
	Filename  string    `json:"filename"`
	Operation string    `json:"operation"` // created, modified, removed
	Time      time.Time `json:"time"`
	Size      int64     `json:"size"`
}

// Catalog is the part of the store the watcher writes to.
type Catalog interface {
	SyncUpload(rec storage.UploadRecord) error
	MarkUploadRemoved(filename string) error
}

// Watcher monitors the upload directory.
type Watcher struct {
	watcher *fsnotify.Watcher
	dir     string
	allowed func(ext string) bool
	catalog Catalog
	log     *slog.Logger
	Events  chan Event
}

// New creates a watcher over dir. allowed filters by extension (without the dot).
func New(dir string, allowed func(ext string) bool, catalog Catalog, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{
		watcher: w,
		dir:     dir,
		allowed: allowed,
		catalog: catalog,
		log:     logger,
		Events:  make(chan Event, 100),
	}, nil
}

// Sync records every file currently in the directory.
func (w *Watcher) Sync() (int, error) {
	files, err := fsutil.ListImages(w.dir, w.allowed)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, path := range files {
		if _, err := w.record(path); err != nil {
			errs = append(errs, err)
		}
	}
	return len(files), errors.Join(errs...)
}

// Run processes filesystem events until ctx is done, then closes the watcher and Events.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.Events)
	defer w.watcher.Close()

	w.log.Info("watching upload directory", "dir", w.dir)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("upload watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	var operation string
	switch {
	case event.Has(fsnotify.Create):
		operation = "created"
	case event.Has(fsnotify.Write):
		operation = "modified"
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		operation = "removed"
	default:
		return
	}
	if !w.allowed(fsutil.Ext(event.Name)) {
		return
	}

	ev := Event{Filename: filepath.Base(event.Name), Operation: operation, Time: time.Now()}
	if operation == "removed" {
		if err := w.catalog.MarkUploadRemoved(ev.Filename); err != nil {
			w.log.Warn("mark upload removed", "file", ev.Filename, "error", err)
		}
	} else {
		info, err := w.record(event.Name)
		if err != nil {
			w.log.Warn("record upload", "file", ev.Filename, "error", err)
			return
		}
		ev.Size = info.Size
	}
	w.log.Debug("upload directory change", "file", ev.Filename, "operation", operation)

	select {
	case w.Events <- ev:
	default:
		w.log.Warn("watch event buffer full, dropping event", "file", ev.Filename)
	}
}

func (w *Watcher) record(path string) (fsutil.FileInfo, error) {
	info, err := fsutil.Probe(path)
	if err != nil {
		return info, err
	}
	return info, w.catalog.SyncUpload(storage.UploadRecord{
		Filename:  info.Name,
		Path:      info.Path,
		SizeBytes: info.Size,
		Width:     info.Width,
		Height:    info.Height,
		Format:    info.Format,
		Source:    SourceWatch,
	})
}

// Package docwatch feeds a drop folder of extracted-text documents to the indexer.
package docwatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/anas-aljanaby/call-center-backend/internal/indexer"
	"github.com/anas-aljanaby/call-center-backend/internal/logger"
	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

// DefaultSettle is how long a file must go without writes before it is indexed.
const DefaultSettle = 500 * time.Millisecond

type Submitter interface {
	Submit(ctx context.Context, job indexer.Job) error
}

type Config struct {
	Dir string
	// Category applies to files outside a category-named subdirectory.
	Category types.Category
	Settle   time.Duration
}

// Watcher indexes every supported file already in the folder, then every file created
// or rewritten there. Subdirectories named after a category are watched as well.
type Watcher struct {
	cfg Config
	sub Submitter
	log *logger.Logger

	mu      sync.Mutex
	pending map[string]time.Time
}

func New(cfg Config, sub Submitter, log *logger.Logger) *Watcher {
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	return &Watcher{
		cfg:     cfg,
		sub:     sub,
		log:     log.Component("docwatch"),
		pending: make(map[string]time.Time),
	}
}

// Run blocks until ctx is done or the underlying watcher fails.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	dirs, err := w.dirs()
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if err := fw.Add(d); err != nil {
			return fmt.Errorf("watch %s: %w", d, err)
		}
		w.scan(d)
	}
	w.log.WithField("dir", w.cfg.Dir).WithField("watched", len(dirs)).Info("watching documents folder")

	ticker := time.NewTicker(w.cfg.Settle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			w.handle(fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			w.log.WithError(err).Warn("watch error")
		case now := <-ticker.C:
			w.flush(ctx, now)
		}
	}
}

// dirs returns the root folder and its category subdirectories.
func (w *Watcher) dirs() ([]string, error) {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read documents dir: %w", err)
	}
	out := []string{w.cfg.Dir}
	for _, e := range entries {
		if _, ok := types.ParseCategory(e.Name()); ok && e.IsDir() {
			out = append(out, filepath.Join(w.cfg.Dir, e.Name()))
		}
	}
	return out, nil
}

func (w *Watcher) scan(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.log.WithError(err).WithField("dir", dir).Warn("scan failed")
		return
	}
	for _, e := range entries {
		if !e.IsDir() && indexer.Supported(e.Name()) {
			w.mark(filepath.Join(dir, e.Name()), time.Time{})
		}
	}
}

func (w *Watcher) handle(fw *fsnotify.Watcher, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
		if _, ok := types.ParseCategory(filepath.Base(ev.Name)); ok && filepath.Dir(ev.Name) == filepath.Clean(w.cfg.Dir) {
			if err := fw.Add(ev.Name); err != nil {
				w.log.WithError(err).WithField("dir", ev.Name).Warn("watch failed")
				return
			}
			w.scan(ev.Name)
		}
		return
	}
	if indexer.Supported(ev.Name) {
		w.mark(ev.Name, time.Now())
	}
}

// mark records the last write seen for path. A zero time makes it due immediately.
func (w *Watcher) mark(path string, at time.Time) {
	w.mu.Lock()
	w.pending[path] = at
	w.mu.Unlock()
}

// flush submits files that have settled.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	var due []string
	w.mu.Lock()
	for path, at := range w.pending {
		if now.Sub(at) >= w.cfg.Settle {
			due = append(due, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range due {
		log := w.log.WithField("path", path)
		job, err := indexer.LoadFile(path, w.cfg.Category)
		if err != nil {
			log.WithError(err).Warn("skipping document")
			continue
		}
		if err := w.sub.Submit(ctx, job); err != nil {
			log.WithError(err).Warn("submit failed")
			continue
		}
		log.WithField("document_id", job.Document.ID.String()).Info("document queued")
	}
}

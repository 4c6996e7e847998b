// Package watch re-indexes knowledge bases when files in their document
// directories change. Events are debounced so a burst of writes (editor
// saves, rsync, git checkout) triggers one re-index per knowledge base
// instead of one per file.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/m4ttr/docqa-go/internal/docload"
	"github.com/m4ttr/docqa-go/internal/logging"
)

// DefaultDebounce is the quiet period after the last event before a
// re-index runs.
const DefaultDebounce = 2 * time.Second

// UpdateFunc re-indexes one knowledge base. It is called sequentially from
// the watch loop, never concurrently.
type UpdateFunc func(ctx context.Context, kb string) error

// Target binds a knowledge base name to its document directory.
type Target struct {
	// KB is the knowledge base name passed to the update function.
	KB string
	// Dir is the document directory to watch, recursively.
	Dir string
}

// Watcher monitors the document directories of one or more knowledge bases.
type Watcher struct {
	fsw      *fsnotify.Watcher
	targets  []Target
	debounce time.Duration
	update   UpdateFunc
}

// New constructs a Watcher over the given targets. Each target directory and
// its subdirectories are registered; directories created later are picked up
// from their create events. debounce <= 0 selects DefaultDebounce.
func New(targets []Target, debounce time.Duration, update UpdateFunc) (*Watcher, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("watch: no targets")
	}
	if update == nil {
		return nil, fmt.Errorf("watch: update func must not be nil")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create watcher: %w", err)
	}

	w := &Watcher{fsw: fsw, targets: targets, debounce: debounce, update: update}
	for _, t := range targets {
		if err := w.addRecursive(t.Dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch: %s: %w", t.Dir, err)
		}
	}
	return w, nil
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run blocks processing filesystem events until the context is cancelled.
// Dirty knowledge bases are re-indexed after the debounce quiet period; a
// failed re-index is logged and retried on the next change.
func (w *Watcher) Run(ctx context.Context) error {
	log := logging.FromContext(ctx)

	dirty := map[string]bool{}
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	var timerCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.observe(ctx, event, dirty) {
				continue
			}
			// Restart the quiet period on every relevant event.
			if timerCh != nil && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.debounce)
			timerCh = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch: filesystem error", slog.Any("error", err))

		case <-timerCh:
			timerCh = nil
			for kb := range dirty {
				log.Info("watch: documents changed, re-indexing", slog.String("kb", kb))
				if err := w.update(ctx, kb); err != nil {
					log.Error("watch: re-index failed",
						slog.String("kb", kb),
						slog.Any("error", err),
					)
				}
				delete(dirty, kb)
			}
		}
	}
}

// observe classifies one event. It marks the owning knowledge base dirty for
// document changes and registers newly created directories. Returns true if
// the event should restart the debounce timer.
func (w *Watcher) observe(ctx context.Context, event fsnotify.Event, dirty map[string]bool) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				logging.FromContext(ctx).Warn("watch: add directory failed",
					slog.String("dir", event.Name),
					slog.Any("error", err),
				)
			}
			// A new directory dirties its knowledge base: it may have been
			// moved in with documents already inside.
			if kb, ok := w.kbFor(event.Name); ok {
				dirty[kb] = true
				return true
			}
			return false
		}
	}

	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") || !docload.Supported(base) {
		return false
	}
	kb, ok := w.kbFor(event.Name)
	if !ok {
		return false
	}
	dirty[kb] = true
	return true
}

// kbFor maps an event path back to the knowledge base owning it.
func (w *Watcher) kbFor(path string) (string, bool) {
	for _, t := range w.targets {
		rel, err := filepath.Rel(t.Dir, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return t.KB, true
	}
	return "", false
}

// addRecursive registers dir and all its non-hidden subdirectories.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != dir {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// Package watcher tracks on-disk drift of KB content directories. It marks
// files whose blobs changed outside the service so callers can re-ingest
// them; it never mutates the index or catalog itself.
package watcher

import (
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher follows one content root per knowledge base.
type Watcher struct {
	fs *fsnotify.Watcher

	mu    sync.Mutex
	roots map[string]string              // kb name -> content root
	dirty map[string]map[string]struct{} // kb name -> set of relative paths
	done  chan struct{}
}

// New starts the watcher's event loop.
func New() (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fs:    fs,
		roots: make(map[string]string),
		dirty: make(map[string]map[string]struct{}),
		done:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// WatchKB registers a KB's content root.
func (w *Watcher) WatchKB(kbName, contentRoot string) error {
	w.mu.Lock()
	w.roots[kbName] = contentRoot
	w.mu.Unlock()
	return w.fs.Add(contentRoot)
}

// ForgetKB stops tracking a KB and drops its dirty set.
func (w *Watcher) ForgetKB(kbName string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if root, ok := w.roots[kbName]; ok {
		_ = w.fs.Remove(root)
		delete(w.roots, kbName)
	}
	delete(w.dirty, kbName)
}

// Dirty returns the changed relative paths for a KB. Marks persist until
// MarkClean reports the file re-ingested, so repeated audits keep seeing
// unresolved drift.
func (w *Watcher) Dirty(kbName string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	set := w.dirty[kbName]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for path := range set {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// MarkClean drops the dirty marks for files that were re-ingested.
func (w *Watcher) MarkClean(kbName string, files ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	set := w.dirty[kbName]
	if set == nil {
		return
	}
	for _, file := range files {
		delete(set, file)
	}
	if len(set) == 0 {
		delete(w.dirty, kbName)
	}
}

// Close stops the event loop.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fs.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.record(event.Name)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Warn("content_watcher_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) record(path string) {
	base := filepath.Base(path)
	for _, prefix := range []string{"temp", "tmp", ".", "~$"} {
		if strings.HasPrefix(strings.ToLower(base), prefix) {
			return
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for kbName, root := range w.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		if w.dirty[kbName] == nil {
			w.dirty[kbName] = make(map[string]struct{})
		}
		w.dirty[kbName][filepath.ToSlash(rel)] = struct{}{}
		slog.Debug("content_changed_on_disk",
			slog.String("kb", kbName),
			slog.String("file", filepath.ToSlash(rel)))
	}
}

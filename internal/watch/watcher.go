// Package watch turns filesystem changes under a sync root into sync passes.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/fclairamb/boxsync/internal/ignore"
	"github.com/fclairamb/boxsync/internal/queue"
)

// Notifier is told when paths were queued.
type Notifier interface {
	Notify()
}

// Watcher queues the root-relative paths of files changed under root.
// Directories created after start are watched too.
type Watcher struct {
	root     string
	fsw      *fsnotify.Watcher
	queue    *queue.Queue
	ignore   *ignore.Matcher
	notifier Notifier
	logger   *slog.Logger
}

// WatcherOption configures the Watcher.
type WatcherOption func(*Watcher)

// WithIgnore sets the rules for paths that are not queued.
func WithIgnore(m *ignore.Matcher) WatcherOption {
	return func(w *Watcher) {
		w.ignore = m
	}
}

// WithNotifier sets who is told about queued paths, usually the Worker.
func WithNotifier(n Notifier) WatcherOption {
	return func(w *Watcher) {
		w.notifier = n
	}
}

// WithWatcherLogger sets a custom logger.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = l
	}
}

// NewWatcher starts watching root and all its directories that are not ignored.
// Events are only consumed once Run is called.
func NewWatcher(root string, q *queue.Queue, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{
		root:   abs,
		fsw:    fsw,
		queue:  q,
		ignore: ignore.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	if _, err := w.addTree(abs); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run consumes events until the context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "watching for changes", "root", w.root, "dirs", len(w.fsw.WatchList()))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.WarnContext(ctx, "watcher error", "error", err)
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}

	rel, ok := w.relPath(ev.Name)
	if !ok {
		return
	}

	info, err := os.Lstat(ev.Name)
	isDir := err == nil && info.IsDir()
	if w.ignore.Match(rel, isDir) {
		return
	}

	if isDir {
		if ev.Has(fsnotify.Create) {
			// Files may land in the directory before it is watched.
			files, err := w.addTree(ev.Name)
			if err != nil {
				w.logger.WarnContext(ctx, "failed to watch new directory", "path", rel, "error", err)
			}
			w.push(ctx, files...)
		}
		return
	}

	if err == nil && !info.Mode().IsRegular() {
		return
	}

	w.logger.DebugContext(ctx, "file changed", "path", rel, "op", ev.Op.String())
	w.push(ctx, rel)
}

func (w *Watcher) push(ctx context.Context, paths ...string) {
	queued := 0
	for _, p := range paths {
		if w.queue.Push(p) {
			queued++
		}
	}
	if queued > 0 && w.notifier != nil {
		w.logger.DebugContext(ctx, "queued changes", "count", queued)
		w.notifier.Notify()
	}
}

// addTree watches dir and its descendants, and returns the regular files found.
func (w *Watcher) addTree(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}

		rel, ok := w.relPath(p)
		if d.IsDir() {
			if ok && w.ignore.Match(rel, true) {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(p); err != nil {
				return fmt.Errorf("watch %s: %w", p, err)
			}
			return nil
		}

		if ok && d.Type().IsRegular() && !w.ignore.Match(rel, false) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return files, fmt.Errorf("walk %s: %w", dir, err)
	}
	return files, nil
}

// relPath returns the slash path of abs under the root; false for the root itself.
func (w *Watcher) relPath(abs string) (string, bool) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == "." || rel == ".." || filepath.IsAbs(rel) {
		return "", false
	}
	rel = path.Clean(filepath.ToSlash(rel))
	if strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

// Package watch runs the auto-commit loop: a debounced file notifier and
// the per-trigger heartbeat, rollover, commit and push sequence.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last change before a
// trigger fires.
const DefaultDebounce = 5 * time.Second

// Notifier watches a directory tree and reports batches of changed paths
// once the tree has been quiet for the debounce period.
type Notifier struct {
	root     string
	debounce time.Duration
	ignore   []string
	log      *slog.Logger
}

// NewNotifier creates a Notifier for root. Paths under any of ignore, and
// every .git directory, never trigger.
func NewNotifier(root string, debounce time.Duration, ignore []string, log *slog.Logger) *Notifier {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	abs := make([]string, 0, len(ignore))
	for _, p := range ignore {
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		abs = append(abs, filepath.Clean(p))
	}
	return &Notifier{root: filepath.Clean(root), debounce: debounce, ignore: abs, log: log.With("component", "watch")}
}

// Ignored reports whether a change to path is filtered out.
func (n *Notifier) Ignored(path string) bool {
	path = filepath.Clean(path)
	for _, p := range n.ignore {
		if path == p || strings.HasPrefix(path, p+string(filepath.Separator)) {
			return true
		}
	}
	rel, err := filepath.Rel(n.root, path)
	if err != nil {
		return false
	}
	return slices.Contains(strings.Split(rel, string(filepath.Separator)), ".git")
}

// Run blocks until ctx is done, calling onChange with the sorted paths
// changed since the previous call. onChange runs on the notifier's
// goroutine, so changes made by it are batched into the next trigger.
func (n *Notifier) Run(ctx context.Context, onChange func(ctx context.Context, paths []string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := n.addTree(w, n.root); err != nil {
		return err
	}
	n.log.Info("watching", "root", n.root, "debounce", n.debounce)

	pending := map[string]struct{}{}
	timer := time.NewTimer(n.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if n.Ignored(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := n.addTree(w, ev.Name); err != nil {
						n.log.Warn("watch new directory", "path", ev.Name, "err", err)
					}
				}
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(n.debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			n.log.Warn("watcher error", "err", err)
		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			clear(pending)
			slices.Sort(paths)
			n.log.Debug("change batch", "paths", len(paths))
			onChange(ctx, paths)
		}
	}
}

// addTree watches dir and every non-ignored directory below it. fsnotify
// is not recursive.
func (n *Notifier) addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if n.Ignored(path) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

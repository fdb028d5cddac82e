package discover

import (
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher tracks whether anything under a project's flows directory has
// changed since the last tick, so a long-running scheduler session can
// skip a full Walk when nothing moved. It is strictly an optimization:
// callers must still perform a full Walk on the first tick of a session,
// and fall back to one whenever NewWatcher fails.
type Watcher struct {
	inner *fsnotify.Watcher

	mu    sync.Mutex
	dirty bool
}

// NewWatcher starts watching root and every subdirectory reachable from it
// (skipping the same directories Walk skips). The returned Watcher starts
// dirty, since the state before the first tick is unknown.
func NewWatcher(root string) (*Watcher, error) {
	inner, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{inner: inner, dirty: true}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if name != "." && strings.HasPrefix(name, ".") {
			return filepath.SkipDir
		}
		if name == "vendor" || name == "node_modules" {
			return filepath.SkipDir
		}
		return inner.Add(path)
	})
	if err != nil {
		inner.Close()
		return nil, err
	}

	go w.drain()
	return w, nil
}

func (w *Watcher) drain() {
	for {
		select {
		case event, ok := <-w.inner.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".go") {
				continue
			}
			w.mu.Lock()
			w.dirty = true
			w.mu.Unlock()
		case _, ok := <-w.inner.Errors:
			if !ok {
				return
			}
			// a watch error means our view of the tree may be stale; be
			// conservative and force the next tick to do a full walk.
			w.mu.Lock()
			w.dirty = true
			w.mu.Unlock()
		}
	}
}

// Dirty reports whether any .go file under the watched tree has changed
// since the last call to Dirty, and resets the flag to false.
func (w *Watcher) Dirty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	d := w.dirty
	w.dirty = false
	return d
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.inner.Close()
}

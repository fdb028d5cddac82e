package discover

import "log/slog"

// Scanner caches the result of the last full Walk and consults an optional
// Watcher to decide whether a tick needs to repeat it. Constructing one
// with a root whose watcher cannot be started (e.g. inotify limits
// exhausted) degrades to always doing a full walk, logged once.
type Scanner struct {
	root    string
	watcher *Watcher
	cached  []Candidate
	primed  bool
	log     *slog.Logger
}

// NewScanner builds a Scanner rooted at root. Watcher setup failures are
// logged and treated as "always walk" rather than returned, since the
// fast path is an optimization and never load-bearing for correctness.
func NewScanner(root string, log *slog.Logger) *Scanner {
	s := &Scanner{root: root, log: log}
	w, err := NewWatcher(root)
	if err != nil {
		if log != nil {
			log.Warn("discover: falling back to full walk every tick", "error", err)
		}
		return s
	}
	s.watcher = w
	return s
}

// Scan returns the current set of flow-file candidates. The first call
// always performs a full Walk. Subsequent calls skip the walk and return
// the cached result when the watcher reports nothing has changed.
func (s *Scanner) Scan() ([]Candidate, error) {
	if s.primed && s.watcher != nil && !s.watcher.Dirty() {
		return s.cached, nil
	}

	candidates, err := Walk(s.root)
	if err != nil {
		return nil, err
	}
	s.cached = candidates
	s.primed = true
	return candidates, nil
}

// Close releases the underlying watcher, if one was started.
func (s *Scanner) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}

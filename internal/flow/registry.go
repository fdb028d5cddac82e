package flow

import "fmt"

// registry holds every Flow compiled into this binary, keyed by the path
// its defining source file was indexed under (spec.md §4.6's identity key).
// A flowctl deployment is built by blank-importing its flows packages, each
// of which registers its Flow(s) from an init() func — the Go-native
// resolution of "a command can run what it can't dynamically load": since
// this is a statically compiled language, a flow's task bodies must be
// linked into the binary that executes them, so "the flows directory"
// names source files whose package is imported into cmd/flowctl, not an
// arbitrary directory inspected at runtime by some interpreter.
var registry = make(map[string]*Flow)

// Register makes f runnable and indexable under path (its relative position
// under the flows directory, matching internal/indexer's checksum key).
// Call from an init() func in the file that declares f.
func Register(path string, f *Flow) {
	if _, exists := registry[path]; exists {
		panic(fmt.Sprintf("flow: path %q already registered", path))
	}
	registry[path] = f
}

// Lookup returns the Flow registered under path, if any.
func Lookup(path string) (*Flow, bool) {
	f, ok := registry[path]
	return f, ok
}

// RegisteredPaths returns every path with a compiled-in Flow, for commands
// that need to enumerate what this binary can actually run.
func RegisteredPaths() []string {
	paths := make([]string, 0, len(registry))
	for p := range registry {
		paths = append(paths, p)
	}
	return paths
}

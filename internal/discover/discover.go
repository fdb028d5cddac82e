// Package discover walks a project directory for candidate flow files and
// tracks their content hashes, the first step of the scheduler tick (spec
// §4.2 step 1). An optional fsnotify watcher lets a long heartbeat skip
// the walk entirely when nothing under the tree has changed.
package discover

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/flowctl/flowctl/internal/indexer"
)

// Candidate is one file the leaf rule accepted, with its current content
// hash, relative to the project root.
type Candidate struct {
	RelPath  string
	Checksum string
}

// Walk scans root for every *.go file whose path should be considered
// (skipping vendor/ and dot-directories), applies the leaf rule, and
// returns the accepted candidates with their checksums. It never executes
// a discovered file.
func Walk(root string) ([]Candidate, error) {
	var out []Candidate

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if name != "." && (strings.HasPrefix(name, ".") || name == "vendor" || name == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		ok, err := indexer.IsCandidate(path)
		if err != nil {
			return nil // unparseable files are not candidates; skip rather than fail the whole walk
		}
		if !ok {
			return nil
		}

		sum, err := indexer.Checksum(path)
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		out = append(out, Candidate{RelPath: rel, Checksum: sum})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

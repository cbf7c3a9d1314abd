package resolver

import (
	"path"
	"strings"

	"github.com/robot-viewer/backend/internal/fileset"
	"golang.org/x/text/cases"
)

// Index is a lookup structure over the paths of one file set, built once
// per load.
type Index struct {
	files   *fileset.FileSet
	keys    []string
	folded  []string
	byBase  map[string][]string
	byFBase map[string][]string
}

// NewIndex indexes every path of files.
func NewIndex(files *fileset.FileSet) *Index {
	idx := &Index{
		files:   files,
		byBase:  make(map[string][]string),
		byFBase: make(map[string][]string),
	}
	fold := cases.Fold()
	for _, p := range files.Paths() {
		f := fold.String(p)
		idx.keys = append(idx.keys, p)
		idx.folded = append(idx.folded, f)
		b := path.Base(p)
		idx.byBase[b] = append(idx.byBase[b], p)
		fb := fold.String(b)
		idx.byFBase[fb] = append(idx.byFBase[fb], p)
	}
	return idx
}

// Exact returns p if it is a known path, also trying it without a leading slash.
func (idx *Index) Exact(p string) (string, bool) {
	if p == "" {
		return "", false
	}
	if _, ok := idx.files.Get(p); ok {
		return p, true
	}
	if trimmed := strings.TrimLeft(p, "/"); trimmed != p {
		if _, ok := idx.files.Get(trimmed); ok {
			return trimmed, true
		}
	}
	return "", false
}

// Handle returns the file handle of a known path.
func (idx *Index) Handle(p string) (fileset.FileHandle, bool) {
	return idx.files.Get(p)
}

// Len returns the number of indexed paths.
func (idx *Index) Len() int { return len(idx.keys) }

func foldString(s string) string {
	return cases.Fold().String(s)
}

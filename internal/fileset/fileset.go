// Package fileset models the loosely structured set of files a robot
// description is loaded from: a dropped folder, an uploaded archive or an
// in-memory listing.
package fileset

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// FileHandle is one readable file of a FileSet.
type FileHandle interface {
	Path() string
	Size() int64
	Open() (io.ReadCloser, error)
}

// FileSet maps forward-slash relative paths to file handles. Keys are case-sensitive.
type FileSet struct {
	files map[string]FileHandle
	order []string
}

// New creates an empty FileSet.
func New() *FileSet {
	return &FileSet{files: make(map[string]FileHandle)}
}

// Add inserts h under its path, replacing any previous handle.
func (s *FileSet) Add(h FileHandle) {
	p := h.Path()
	if _, ok := s.files[p]; !ok {
		s.order = append(s.order, p)
	}
	s.files[p] = h
}

// Get returns the handle stored at exactly p.
func (s *FileSet) Get(p string) (FileHandle, bool) {
	if s == nil {
		return nil, false
	}
	h, ok := s.files[p]
	return h, ok
}

// Paths returns every path in insertion order.
func (s *FileSet) Paths() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of files.
func (s *FileSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Merge adds every handle of other to s.
func (s *FileSet) Merge(other *FileSet) {
	for _, p := range other.order {
		s.Add(other.files[p])
	}
}

// Find returns the paths with one of the given extensions, sorted.
func (s *FileSet) Find(exts ...string) []string {
	var out []string
	for _, p := range s.order {
		e := strings.ToLower(Ext(p))
		for _, want := range exts {
			if e == want {
				out = append(out, p)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// ReadAll reads the full content of h.
func ReadAll(h FileHandle) ([]byte, error) {
	rc, err := h.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", h.Path(), err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", h.Path(), err)
	}
	return data, nil
}

type memFile struct {
	path string
	data []byte
}

func (f *memFile) Path() string { return f.path }
func (f *memFile) Size() int64  { return int64(len(f.data)) }
func (f *memFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

// Memory returns an in-memory handle.
func Memory(p string, data []byte) FileHandle {
	return &memFile{path: p, data: data}
}

// FromMap builds a FileSet from in-memory contents.
func FromMap(files map[string][]byte) *FileSet {
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s := New()
	for _, k := range keys {
		s.Add(Memory(CleanKey(k), files[k]))
	}
	return s
}

type diskFile struct {
	path string
	abs  string
	size int64
}

func (f *diskFile) Path() string                 { return f.path }
func (f *diskFile) Size() int64                  { return f.size }
func (f *diskFile) Open() (io.ReadCloser, error) { return os.Open(f.abs) }

// FromDirectory builds a FileSet from every regular file below root.
func FromDirectory(root string) (*FileSet, error) {
	s := New()
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		s.Add(&diskFile{path: filepath.ToSlash(rel), abs: p, size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	return s, nil
}

// CleanKey converts p into the canonical key form: forward slashes, no
// leading "./" or "/".
func CleanKey(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return p
	}
	return path.Clean(p)
}

// Dir returns the directory part of p with a trailing slash, or "" for a bare name.
func Dir(p string) string {
	if outer, _, ok := InnerPath(p); ok {
		p = outer
	}
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return ""
	}
	return p[:i+1]
}

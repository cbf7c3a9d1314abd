package fileset

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
)

type zipFile struct {
	path string
	f    *zip.File
}

func (z *zipFile) Path() string                 { return z.path }
func (z *zipFile) Size() int64                  { return int64(z.f.UncompressedSize64) }
func (z *zipFile) Open() (io.ReadCloser, error) { return z.f.Open() }

// FromZip lists the members of a zip archive as a FileSet. Directory entries
// and macOS resource forks are skipped.
func FromZip(r io.ReaderAt, size int64) (*FileSet, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	s := New()
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := CleanKey(f.Name)
		if name == "" || strings.HasPrefix(name, "__MACOSX/") {
			continue
		}
		s.Add(&zipFile{path: name, f: f})
	}
	return s, nil
}

// OpenUSDZ exposes the members of a .usdz package as archive-internal paths
// of the form "outer.usdz[inner/path]".
func OpenUSDZ(h FileHandle) (*FileSet, error) {
	data, err := ReadAll(h)
	if err != nil {
		return nil, err
	}
	inner, err := FromZip(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("usdz %s: %w", h.Path(), err)
	}
	s := New()
	for _, p := range inner.Paths() {
		ih, _ := inner.Get(p)
		s.Add(&innerFile{path: JoinInner(h.Path(), p), h: ih})
	}
	return s, nil
}

type innerFile struct {
	path string
	h    FileHandle
}

func (f *innerFile) Path() string                 { return f.path }
func (f *innerFile) Size() int64                  { return f.h.Size() }
func (f *innerFile) Open() (io.ReadCloser, error) { return f.h.Open() }

// JoinInner builds an archive-internal path.
func JoinInner(outer, inner string) string {
	return outer + "[" + inner + "]"
}

// InnerPath splits an archive-internal path into its outer container and
// inner member path.
func InnerPath(ref string) (outer, inner string, ok bool) {
	if !strings.HasSuffix(ref, "]") {
		return "", "", false
	}
	i := strings.LastIndex(ref, "[")
	if i <= 0 {
		return "", "", false
	}
	return ref[:i], ref[i+1 : len(ref)-1], true
}

// Ext returns the lower-case extension of ref including the dot. For
// archive-internal paths the extension of the inner member is returned.
func Ext(ref string) string {
	if _, inner, ok := InnerPath(ref); ok {
		ref = inner
	}
	if q := strings.IndexAny(ref, "?#"); q >= 0 {
		ref = ref[:q]
	}
	return strings.ToLower(path.Ext(ref))
}

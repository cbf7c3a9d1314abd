package resolver

import (
	"path"
	"strings"
)

// Strategy is one lookup rule of the resolver chain. Find must be pure.
type Strategy struct {
	Name string
	Find func(ref Reference, idx *Index) (string, bool)
}

// DefaultStrategies returns the lookup chain in priority order. packages
// adds extra prefixes for package names and may be nil.
func DefaultStrategies(packages PackageMap) []Strategy {
	return []Strategy{
		{Name: "context", Find: byContext},
		{Name: "normalized", Find: byNormalized},
		{Name: "original", Find: byOriginal},
		{Name: "package", Find: byPackage(packages)},
		{Name: "package_suffix", Find: byPackageSuffix},
		{Name: "path_suffix", Find: byPathSuffix},
		{Name: "basename", Find: byBasename},
	}
}

func byContext(ref Reference, idx *Index) (string, bool) {
	return idx.Exact(ref.Context)
}

func byNormalized(ref Reference, idx *Index) (string, bool) {
	return idx.Exact(ref.Path)
}

func byOriginal(ref Reference, idx *Index) (string, bool) {
	return idx.Exact(ref.Original)
}

func byPackage(packages PackageMap) func(Reference, *Index) (string, bool) {
	return func(ref Reference, idx *Index) (string, bool) {
		if ref.Package == "" {
			return "", false
		}
		prefixes := append([]string{ref.Package}, packages.Prefixes(ref.Package)...)
		base := ref.Base()
		for _, pkg := range prefixes {
			pkg = strings.Trim(pkg, "/")
			candidates := []string{
				pkg + "/" + ref.Path,
				"/" + pkg + "/" + ref.Path,
				pkg + "/meshes/" + base,
				pkg + "/urdf/" + base,
				pkg + "/models/" + base,
			}
			if pkg == "" {
				candidates = []string{ref.Path}
			}
			for _, c := range candidates {
				if p, ok := idx.Exact(c); ok {
					return p, true
				}
			}
		}
		return "", false
	}
}

// byPackageSuffix matches any path that contains "<package>/" case-insensitively
// and whose remainder equals the reference or ends in its basename.
func byPackageSuffix(ref Reference, idx *Index) (string, bool) {
	if ref.Package == "" {
		return "", false
	}
	needle := foldString(ref.Package) + "/"
	want := foldString(ref.Path)
	wantBase := foldString(ref.Base())
	for i, f := range idx.folded {
		at := strings.Index(f, needle)
		if at < 0 {
			continue
		}
		rest := f[at+len(needle):]
		if rest == want || path.Base(rest) == wantBase {
			return idx.keys[i], true
		}
	}
	return "", false
}

// byPathSuffix drops leading directories of an absolute reference, such as
// one taken from a file:// URL, and matches the longest remainder that keeps
// at least one directory.
func byPathSuffix(ref Reference, idx *Index) (string, bool) {
	if !strings.HasPrefix(ref.Path, "/") {
		return "", false
	}
	segs := strings.Split(strings.TrimLeft(ref.Path, "/"), "/")
	for i := 1; i < len(segs)-1; i++ {
		if p, ok := idx.Exact(strings.Join(segs[i:], "/")); ok {
			return p, true
		}
	}
	return "", false
}

// byBasename matches on the file name alone. When several paths share the
// name, the one whose directories best match the reference wins, then the
// first indexed.
func byBasename(ref Reference, idx *Index) (string, bool) {
	base := ref.Base()
	if base == "" || base == "." || base == "/" {
		return "", false
	}
	candidates := idx.byBase[base]
	if len(candidates) == 0 {
		candidates = idx.byFBase[foldString(base)]
	}
	switch len(candidates) {
	case 0:
		return "", false
	case 1:
		return candidates[0], true
	}
	best, bestScore := candidates[0], -1
	for _, c := range candidates {
		if s := sharedSuffixDirs(c, ref.Path); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best, true
}

func sharedSuffixDirs(a, b string) int {
	as := strings.Split(path.Dir(a), "/")
	bs := strings.Split(path.Dir(b), "/")
	n := 0
	for i, j := len(as)-1, len(bs)-1; i >= 0 && j >= 0; i, j = i-1, j-1 {
		if !strings.EqualFold(as[i], bs[j]) {
			break
		}
		n++
	}
	return n
}

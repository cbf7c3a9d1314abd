package resolver

import (
	"path"
	"strings"
)

// Reference is an asset reference after normalization.
type Reference struct {
	// Original is the reference exactly as authored.
	Original string
	// Path is the normalized path: package prefix, "./" and ".." segments removed.
	Path string
	// Package is the package name taken from a package:// prefix or a caller hint.
	Package string
	// Context is Path joined onto the referencing document's directory. It
	// is empty when the directory is unknown.
	Context string
}

// Base returns the last path element of the normalized path.
func (r Reference) Base() string {
	return path.Base(r.Path)
}

// Key identifies the reference for per-load caching.
func (r Reference) Key() string {
	return r.Package + "\x00" + r.Context + "\x00" + r.Path
}

var ephemeralSchemes = []string{"blob:", "filesystem:"}

// knownExts lists the asset extensions used to recognize a filename hidden
// inside an ephemeral URL.
var knownExts = map[string]struct{}{
	".stl": {}, ".obj": {}, ".dae": {}, ".gltf": {}, ".glb": {}, ".ply": {}, ".fbx": {}, ".3ds": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".bmp": {}, ".tga": {}, ".tif": {}, ".tiff": {}, ".webp": {},
	".ktx2": {}, ".hdr": {}, ".exr": {}, ".mtl": {}, ".bin": {},
	".urdf": {}, ".xacro": {}, ".xml": {}, ".usd": {}, ".usda": {}, ".usdc": {}, ".usdz": {},
}

// packageSchemes carry a package or model name as the first path element.
var packageSchemes = []string{"package://", "model://"}

// Normalize strips a query or fragment, strips a package://name/ or
// model://name/ prefix keeping name as a hint, reduces file:// URLs to their
// absolute path, strips a leading "./", pops ".." segments and strips an
// ephemeral URL prefix that wraps a bare filename. The ephemeral check runs
// on the unpopped text since popping would collapse the "://" separator.
// hint is used when the reference carries no package name of its own.
func Normalize(ref, contextDir, hint string) Reference {
	out := Reference{Original: ref, Package: hint}
	p := strings.TrimSpace(strings.ReplaceAll(ref, "\\", "/"))
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}

	for _, scheme := range packageSchemes {
		rest, ok := strings.CutPrefix(p, scheme)
		if !ok {
			continue
		}
		name, tail, found := strings.Cut(rest, "/")
		if found {
			out.Package = name
			p = tail
		} else {
			p = rest
		}
		break
	}
	if rest, ok := cutFold(p, "file://"); ok {
		// file://host/path: drop the host.
		if !strings.HasPrefix(rest, "/") {
			if _, tail, found := strings.Cut(rest, "/"); found {
				rest = "/" + tail
			}
		}
		p = rest
	}

	p = strings.TrimPrefix(p, "./")
	if stripped, ok := stripEphemeral(p); ok {
		p = stripped
	}
	relative := p
	if !strings.Contains(p, "://") {
		p = popDots(p)
	}

	out.Path = p
	switch {
	case contextDir == "":
	case strings.HasPrefix(relative, "/"), strings.Contains(relative, "://"):
		out.Context = p
	default:
		out.Context = popDots(strings.TrimSuffix(contextDir, "/") + "/" + relative)
	}
	return out
}

func cutFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}

// popDots resolves "." and ".." segments with a stack. Leading ".." that
// cannot be popped are dropped. A leading slash is preserved.
func popDots(p string) string {
	if p == "" {
		return p
	}
	abs := strings.HasPrefix(p, "/")
	var stack []string
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, seg)
		}
	}
	joined := strings.Join(stack, "/")
	if abs {
		return "/" + joined
	}
	return joined
}

// stripEphemeral detects references such as "blob:http://host/meshes/a.stl"
// whose tail is a filename rather than an opaque handle, and returns the
// path part after the origin.
func stripEphemeral(p string) (string, bool) {
	for _, scheme := range ephemeralSchemes {
		rest, ok := strings.CutPrefix(p, scheme)
		if !ok {
			continue
		}
		if i := strings.Index(rest, "://"); i >= 0 {
			rest = rest[i+3:]
			if slash := strings.Index(rest, "/"); slash >= 0 {
				rest = rest[slash+1:]
			} else {
				return "", false
			}
		}
		rest = strings.TrimLeft(rest, "/")
		if _, ok := knownExts[strings.ToLower(path.Ext(rest))]; !ok {
			return "", false
		}
		return rest, true
	}
	return "", false
}

// Package resolver maps format-relative asset references onto the files of a
// loosely structured file set.
package resolver

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/robot-viewer/backend/internal/fileset"
	"github.com/robot-viewer/backend/internal/models"
)

// Match is a successful lookup.
type Match struct {
	Handle   fileset.FileHandle
	Path     string
	Strategy string
}

// Observer is told which strategy resolved a reference, or "miss".
type Observer func(strategy string)

// Resolver resolves references against one indexed file set.
type Resolver struct {
	idx        *Index
	strategies []Strategy
	baseURL    string
	client     *http.Client
	observe    Observer
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPackageMap adds package prefixes to the package strategy.
func WithPackageMap(m PackageMap) Option {
	return func(r *Resolver) { r.strategies = DefaultStrategies(m) }
}

// WithBaseURL enables the network fallback for documents loaded by
// reference. base is the origin the referencing document was served from.
func WithBaseURL(base string) Option {
	return func(r *Resolver) { r.baseURL = strings.TrimSuffix(base, "/") }
}

// WithHTTPClient sets the client used by network fallback handles.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.client = c }
}

// WithObserver registers a callback for every lookup outcome.
func WithObserver(o Observer) Option {
	return func(r *Resolver) { r.observe = o }
}

// New creates a Resolver over files.
func New(files *fileset.FileSet, opts ...Option) *Resolver {
	if files == nil {
		files = fileset.New()
	}
	r := &Resolver{
		idx:        NewIndex(files),
		strategies: DefaultStrategies(nil),
		client:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve is the one-shot form of Resolver.Resolve over a fresh index.
func Resolve(ref string, files *fileset.FileSet, contextDir, packageHint string) (fileset.FileHandle, bool) {
	return New(files).Resolve(ref, contextDir, packageHint)
}

// Resolve returns the best matching handle for ref, or false when nothing
// matched and no network fallback applies.
func (r *Resolver) Resolve(ref, contextDir, packageHint string) (fileset.FileHandle, bool) {
	m, ok := r.Lookup(Normalize(ref, contextDir, packageHint))
	if !ok {
		return nil, false
	}
	return m.Handle, true
}

// Lookup runs the strategy chain for a normalized reference.
func (r *Resolver) Lookup(ref Reference) (Match, bool) {
	if ref.Path == "" && ref.Original == "" {
		r.report("miss")
		return Match{}, false
	}
	for _, s := range r.strategies {
		p, ok := s.Find(ref, r.idx)
		if !ok {
			continue
		}
		h, ok := r.idx.Handle(p)
		if !ok {
			continue
		}
		r.report(s.Name)
		return Match{Handle: h, Path: p, Strategy: s.Name}, true
	}

	if u, ok := r.networkURL(ref); ok {
		r.report("network")
		return Match{Handle: &URLHandle{URL: u, client: r.client}, Path: u, Strategy: "network"}, true
	}
	r.report("miss")
	return Match{}, false
}

// ResolveMesh resolves a required mesh. A miss is ErrResourceNotFound.
func (r *Resolver) ResolveMesh(ref, contextDir, packageHint string) (fileset.FileHandle, error) {
	h, ok := r.Resolve(ref, contextDir, packageHint)
	if !ok {
		return nil, fmt.Errorf("mesh %q: %w", ref, models.ErrResourceNotFound)
	}
	return h, nil
}

// ResolveTexture resolves a texture, substituting a 1x1 placeholder on a
// miss. The second result is false when the placeholder was used.
func (r *Resolver) ResolveTexture(ref, contextDir, packageHint string) (fileset.FileHandle, bool) {
	if h, ok := r.Resolve(ref, contextDir, packageHint); ok {
		return h, true
	}
	return Placeholder(ref), false
}

func (r *Resolver) report(strategy string) {
	if r.observe != nil {
		r.observe(strategy)
	}
}

// networkURL builds the same-origin URL for a reference relative to the
// document directory. Only http(s) references are passed through as-is.
func (r *Resolver) networkURL(ref Reference) (string, bool) {
	if r.baseURL == "" || ref.Context == "" || isArchiveInternal(ref) {
		return "", false
	}
	if strings.Contains(ref.Context, "://") {
		if strings.HasPrefix(ref.Original, "http://") || strings.HasPrefix(ref.Original, "https://") {
			return ref.Original, true
		}
		return "", false
	}
	return r.baseURL + "/" + strings.TrimLeft(ref.Context, "/"), true
}

func isArchiveInternal(ref Reference) bool {
	_, _, ok := fileset.InnerPath(ref.Original)
	return ok
}

// URLHandle is a file fetched from the origin the document was loaded from.
type URLHandle struct {
	URL    string
	client *http.Client
}

func (u *URLHandle) Path() string { return u.URL }
func (u *URLHandle) Size() int64  { return -1 }

// Open issues a GET request for the URL.
func (u *URLHandle) Open() (io.ReadCloser, error) {
	client := u.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(u.URL)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", u.URL, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("fetching %s: %w", u.URL, models.ErrResourceNotFound)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("fetching %s: status %d", u.URL, resp.StatusCode)
	}
	return resp.Body, nil
}

package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/robot-viewer/backend/internal/adapter"
	"github.com/robot-viewer/backend/internal/catalog"
	"github.com/robot-viewer/backend/internal/fileset"
	"github.com/robot-viewer/backend/internal/logging"
	"github.com/robot-viewer/backend/internal/models"
	"github.com/robot-viewer/backend/internal/observability"
	"github.com/robot-viewer/backend/internal/parser"
	"github.com/robot-viewer/backend/internal/patcher"
	"github.com/robot-viewer/backend/internal/render"
	"github.com/robot-viewer/backend/internal/resolver"
	"github.com/robot-viewer/backend/internal/topology"
)

// MaxLoads limits retained loads to prevent memory exhaustion
const MaxLoads = 10

// LoadMaxAge is how long to keep finished loads before cleanup
const LoadMaxAge = 30 * time.Minute

// LoadKeepAliveWindow is how long to keep loads that are actively being used
const LoadKeepAliveWindow = 5 * time.Minute

// DefaultViewer is the viewer used when a request names none.
const DefaultViewer = "default"

// FileSource provides uploaded file sets by id.
type FileSource interface {
	FileSet(id string) (*fileset.FileSet, error)
}

// Options configures a Manager. Every field is optional.
type Options struct {
	Files FileSource
	// LibraryDir holds robot documents loadable by reference.
	LibraryDir string
	// BaseURL is where LibraryDir is served; it enables the resolver's
	// network fallback for library loads.
	BaseURL  string
	Packages resolver.PackageMap
	Registry *parser.Registry
	Loaders  *render.Loaders
	// NewRenderer creates the renderer collaborator of one load. Defaults
	// to a Recorder.
	NewRenderer        func() render.Renderer
	Catalog            *catalog.Store
	Metrics            *observability.Collector
	Logger             logging.Logger
	TextureConcurrency int
	MaxLoads           int
}

// LoadRequest names the document to load. Exactly one of FileSetID, Library
// or Files selects where the entry lives.
type LoadRequest struct {
	// Viewer scopes supersession: a newer load for the same viewer makes
	// older in-flight loads stale.
	Viewer    string `json:"viewer,omitempty"`
	FileSetID string `json:"fileSetId,omitempty"`
	Entry     string `json:"entry"`
	// Library loads Entry relative to the library directory.
	Library bool `json:"library,omitempty"`
	// Files is an in-memory file set.
	Files *fileset.FileSet `json:"-"`
	// Format skips detection when set.
	Format models.SourceFormat `json:"format,omitempty"`
}

// LoadState holds one load and everything built for it.
type LoadState struct {
	Load         *models.LoadSession
	Model        *models.UnifiedRobotModel
	Adapter      adapter.FormatAdapter
	Diagnostics  *models.Diagnostics
	Renderer     render.Renderer
	Source       string
	Files        *fileset.FileSet
	Resolver     *resolver.Resolver
	LastAccessed time.Time

	viewer   string
	finished time.Time
}

// Manager runs robot loads in the background and owns their results.
type Manager struct {
	loads      map[string]*LoadState
	current    map[string]uint64
	generation uint64
	mu         sync.RWMutex
	opts       Options
	log        logging.Logger

	subMu  sync.Mutex
	subs   map[int]chan models.LoadSession
	nextID int
}

// NewManager creates a load manager.
func NewManager(opts Options) *Manager {
	if opts.Registry == nil {
		opts.Registry = parser.GetGlobalRegistry()
	}
	if opts.Loaders == nil {
		opts.Loaders = render.DefaultLoaders()
	}
	if opts.NewRenderer == nil {
		opts.NewRenderer = func() render.Renderer { return render.NewRecorder() }
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	if opts.MaxLoads <= 0 {
		opts.MaxLoads = MaxLoads
	}
	return &Manager{
		loads:   make(map[string]*LoadState),
		current: make(map[string]uint64),
		opts:    opts,
		log:     opts.Logger.With(logging.String("component", "session")),
		subs:    make(map[int]chan models.LoadSession),
	}
}

// StartLoad begins loading a robot document and returns immediately.
func (m *Manager) StartLoad(ctx context.Context, req LoadRequest) (*models.LoadSession, error) {
	if req.Entry == "" {
		return nil, errors.New("entry is required")
	}
	if req.FileSetID == "" && !req.Library && req.Files == nil {
		return nil, errors.New("fileSetId or library entry is required")
	}
	if req.Viewer == "" {
		req.Viewer = DefaultViewer
	}

	m.cleanupOldLoadsIfNeeded()

	id := uuid.New().String()

	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.current[req.Viewer] = gen
	load := models.NewLoadSession(id, gen, req.FileSetID, req.Entry)
	m.loads[id] = &LoadState{
		Load:         load,
		LastAccessed: time.Now(),
		viewer:       req.Viewer,
	}
	snapshot := *load
	m.mu.Unlock()

	m.publish(snapshot)

	// The load outlives the request that started it.
	go m.runLoad(context.WithoutCancel(ctx), id, gen, req)

	return &snapshot, nil
}

func (m *Manager) runLoad(ctx context.Context, id string, gen uint64, req LoadRequest) {
	log := m.log.With(logging.String("load_id", shortID(id)), logging.String("entry", req.Entry))
	start := time.Now()
	format := "unknown"

	ctx, span := observability.Tracer().Start(ctx, "session.load",
		trace.WithAttributes(
			attribute.String("load.id", id),
			attribute.String("load.entry", req.Entry),
			attribute.Int64("load.generation", int64(gen)),
		))
	defer span.End()

	m.opts.Metrics.LoadStarted()

	// Recover from panics to prevent backend crash
	defer func() {
		if r := recover(); r != nil {
			log.Error(ctx, "load panicked", logging.Any("panic", r))
			span.SetStatus(codes.Error, "panic")
			m.updateLoadError(id, fmt.Sprintf("load panicked: %v", r))
			m.opts.Metrics.LoadFinished(format, "error", time.Since(start))
		}
	}()

	log.Info(ctx, "starting load")
	m.setProgress(id, models.LoadStatusLoading, 5)

	state, err := m.build(ctx, id, gen, req, log, &format)
	outcome := "complete"
	switch {
	case errors.Is(err, models.ErrStaleLoad):
		outcome = "stale"
	case err != nil:
		outcome = "error"
	}
	if err == nil {
		err = m.complete(id, gen, state, time.Since(start))
		if errors.Is(err, models.ErrStaleLoad) {
			outcome = "stale"
		}
	}
	span.SetAttributes(attribute.String("load.format", format), attribute.String("load.outcome", outcome))
	m.opts.Metrics.LoadFinished(format, outcome, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, models.ErrStaleLoad) {
			log.Info(ctx, "load superseded, discarding result")
		} else {
			log.Error(ctx, "load failed", logging.Err(err))
		}
		m.updateLoadError(id, err.Error())
		return
	}
	m.opts.Metrics.AddWarnings(state.Diagnostics.Counts())
	log.Info(ctx, "load complete",
		logging.String("format", format),
		logging.Int("links", state.Model.Links.Len()),
		logging.Int("joints", state.Model.Joints.Len()),
		logging.Int("warnings", len(state.Diagnostics.Warnings())),
		logging.Any("elapsed", time.Since(start).String()))
}

// build runs the pipeline up to a converted model. It stops early with
// ErrStaleLoad once the load is superseded.
func (m *Manager) build(ctx context.Context, id string, gen uint64, req LoadRequest, log logging.Logger, format *string) (*LoadState, error) {
	files, baseURL, err := m.openFiles(req)
	if err != nil {
		return nil, models.Fatal("opening files", err)
	}
	entry, data, err := readEntry(files, req.Entry)
	if err != nil {
		return nil, models.Fatal("reading entry", err)
	}
	if err := m.checkCurrent(id, gen); err != nil {
		return nil, err
	}
	m.setProgress(id, models.LoadStatusLoading, 15)

	var p parser.Parser
	if req.Format != "" {
		p, err = m.opts.Registry.ForFormat(req.Format)
	} else {
		p, err = m.opts.Registry.Detect(entry, parser.Head(data))
	}
	if err != nil {
		return nil, models.Fatal("detecting format", err)
	}
	*format = string(p.Format())
	log.Debug(ctx, "using parser", logging.String("parser", p.Name()))

	_, parseSpan := observability.Tracer().Start(ctx, "parser.parse", trace.WithAttributes(attribute.String("parser", p.Name())))
	doc, err := p.Parse(ctx, data)
	parseSpan.End()
	if err != nil {
		return nil, err
	}
	if err := m.checkCurrent(id, gen); err != nil {
		return nil, err
	}
	m.setProgress(id, models.LoadStatusLoading, 40)

	opts := []resolver.Option{resolver.WithObserver(m.opts.Metrics.ResolverLookup)}
	if m.opts.Packages != nil {
		opts = append(opts, resolver.WithPackageMap(m.opts.Packages))
	}
	if baseURL != "" {
		opts = append(opts, resolver.WithBaseURL(baseURL))
	}
	res := resolver.New(files, opts...)
	diag := models.NewDiagnostics()
	renderer := m.opts.NewRenderer()

	a, err := adapter.New(p.Format(), adapter.Options{
		Files:              files,
		Resolver:           resolver.NewCache(res),
		Renderer:           renderer,
		Loaders:            m.opts.Loaders,
		Logger:             log,
		Diagnostics:        diag,
		EntryPath:          entry,
		TextureConcurrency: m.opts.TextureConcurrency,
	})
	if err != nil {
		return nil, models.Fatal("creating adapter", err)
	}

	convCtx, convSpan := observability.Tracer().Start(ctx, "adapter.convert")
	model, err := a.Convert(convCtx, doc, string(data))
	convSpan.End()
	if err != nil {
		return nil, err
	}
	if err := m.checkCurrent(id, gen); err != nil {
		return nil, err
	}
	m.setProgress(id, models.LoadStatusLoading, 90)

	if m.opts.Catalog != nil {
		if err := m.opts.Catalog.Put(ctx, id, model, a.Tree()); err != nil {
			log.Warn(ctx, "catalog write failed", logging.Err(err))
		}
	}

	return &LoadState{
		Model:       model,
		Adapter:     a,
		Diagnostics: diag,
		Renderer:    renderer,
		Source:      string(data),
		Files:       files,
		Resolver:    res,
	}, nil
}

// openFiles returns the file set of req and, for library loads, the base
// URL of the network fallback.
func (m *Manager) openFiles(req LoadRequest) (*fileset.FileSet, string, error) {
	switch {
	case req.Files != nil:
		return req.Files, "", nil
	case req.Library:
		if m.opts.LibraryDir == "" {
			return nil, "", errors.New("no robot library configured")
		}
		files, err := fileset.FromDirectory(m.opts.LibraryDir)
		if err != nil {
			return nil, "", err
		}
		return files, m.opts.BaseURL, nil
	}
	if m.opts.Files == nil {
		return nil, "", errors.New("no file source configured")
	}
	files, err := m.opts.Files.FileSet(req.FileSetID)
	return files, "", err
}

// readEntry reads the entry document. A .usdz entry is opened in place: its
// members join files as archive-internal paths and its first layer becomes
// the entry.
func readEntry(files *fileset.FileSet, entry string) (string, []byte, error) {
	entry = fileset.CleanKey(entry)
	h, ok := files.Get(entry)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", models.ErrResourceNotFound, entry)
	}
	if fileset.Ext(entry) == ".usdz" {
		if _, _, inner := fileset.InnerPath(entry); !inner {
			members, err := fileset.OpenUSDZ(h)
			if err != nil {
				return "", nil, err
			}
			files.Merge(members)
			layer, ok := rootLayer(members)
			if !ok {
				return "", nil, fmt.Errorf("usdz %s has no layer", entry)
			}
			entry = layer
			h, _ = files.Get(layer)
		}
	}
	data, err := fileset.ReadAll(h)
	return entry, data, err
}

func rootLayer(members *fileset.FileSet) (string, bool) {
	for _, p := range members.Paths() {
		switch fileset.Ext(p) {
		case ".usda", ".usd", ".usdc":
			return p, true
		}
	}
	return "", false
}

func (m *Manager) checkCurrent(id string, gen uint64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.loads[id]
	if !ok {
		return models.ErrLoadNotFound
	}
	if m.current[state.viewer] != gen {
		return models.ErrStaleLoad
	}
	return nil
}

// complete publishes a built load unless a newer load of the same viewer
// started in the meantime.
func (m *Manager) complete(id string, gen uint64, built *LoadState, elapsed time.Duration) error {
	m.mu.Lock()
	state, ok := m.loads[id]
	if !ok {
		m.mu.Unlock()
		return models.ErrLoadNotFound
	}
	if m.current[state.viewer] != gen {
		m.mu.Unlock()
		return models.ErrStaleLoad
	}
	state.Model = built.Model
	state.Adapter = built.Adapter
	state.Diagnostics = built.Diagnostics
	state.Renderer = built.Renderer
	state.Source = built.Source
	state.Files = built.Files
	state.Resolver = built.Resolver
	state.finished = time.Now()

	load := state.Load
	load.Status = models.LoadStatusComplete
	load.Progress = 100
	load.Format = built.Model.SourceFormat
	load.LinkCount = built.Model.Links.Len()
	load.JointCount = built.Model.Joints.Len()
	load.Controllable = len(built.Model.ControllableJoints())
	load.ProcessingTimeMs = elapsed.Milliseconds()
	load.Warnings = built.Diagnostics.Warnings()
	snapshot := *load
	m.mu.Unlock()

	m.publish(snapshot)
	return nil
}

func (m *Manager) setProgress(id string, status models.LoadStatus, progress float64) {
	m.mu.Lock()
	state, ok := m.loads[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	state.Load.Status = status
	state.Load.Progress = progress
	snapshot := *state.Load
	m.mu.Unlock()
	m.publish(snapshot)
}

func (m *Manager) updateLoadError(id string, msg string) {
	m.mu.Lock()
	state, ok := m.loads[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	state.Load.Status = models.LoadStatusError
	state.Load.Error = msg
	state.finished = time.Now()
	snapshot := *state.Load
	m.mu.Unlock()
	m.publish(snapshot)
}

// GetLoad returns a copy of the load status.
func (m *Manager) GetLoad(id string) (*models.LoadSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.loads[id]
	if !ok {
		return nil, false
	}
	snapshot := *state.Load
	if state.Diagnostics != nil {
		snapshot.Warnings = state.Diagnostics.Warnings()
	}
	return &snapshot, true
}

// ListLoads returns every retained load, newest first.
func (m *Manager) ListLoads() []*models.LoadSession {
	m.mu.RLock()
	out := make([]*models.LoadSession, 0, len(m.loads))
	for _, state := range m.loads {
		snapshot := *state.Load
		out = append(out, &snapshot)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Generation > out[j].Generation })
	return out
}

// completed returns the state of a completed load.
func (m *Manager) completed(id string) (*LoadState, error) {
	state, ok := m.loads[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrLoadNotFound, id)
	}
	if state.Load.Status != models.LoadStatusComplete || state.Model == nil {
		return nil, fmt.Errorf("%w: %s is %s", models.ErrLoadNotReady, shortID(id), state.Load.Status)
	}
	return state, nil
}

// WithModel runs fn with the model of a completed load. The model must not
// be retained or mutated by fn.
func (m *Manager) WithModel(id string, fn func(*models.UnifiedRobotModel) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, err := m.completed(id)
	if err != nil {
		return err
	}
	return fn(state.Model)
}

// Diagnostics returns the diagnostics of a completed load.
func (m *Manager) Diagnostics(id string) (*models.Diagnostics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, err := m.completed(id)
	if err != nil {
		return nil, err
	}
	return state.Diagnostics, nil
}

// SourceText returns the current source text of a completed load,
// including applied limit patches.
func (m *Manager) SourceText(id string) (string, models.SourceFormat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, err := m.completed(id)
	if err != nil {
		return "", "", err
	}
	return state.Source, state.Model.SourceFormat, nil
}

// Tree returns the link topology of a completed load.
func (m *Manager) Tree(id string) (*topology.Tree, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, err := m.completed(id)
	if err != nil {
		return nil, err
	}
	return state.Adapter.Tree(), nil
}

// Renderer returns the renderer collaborator of a completed load.
func (m *Manager) Renderer(id string) (render.Renderer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, err := m.completed(id)
	if err != nil {
		return nil, err
	}
	return state.Renderer, nil
}

// Resolve runs the resolver of a completed load for diagnostics.
func (m *Manager) Resolve(id, ref, contextDir, packageHint string) (resolver.Match, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, err := m.completed(id)
	if err != nil {
		return resolver.Match{}, false, err
	}
	match, ok := state.Resolver.Lookup(resolver.Normalize(ref, contextDir, packageHint))
	return match, ok, nil
}

// EditResult is the outcome of a joint limit edit.
type EditResult struct {
	Limits models.JointLimits `json:"limits"`
	// Patched is true when the source text was updated.
	Patched bool   `json:"patched"`
	Warning string `json:"warning,omitempty"`
}

// EditJointLimit applies edit to the live limits of joint and mirrors it into
// the source text where the format allows. A patch miss leaves the source
// unchanged and is reported as a warning.
func (m *Manager) EditJointLimit(ctx context.Context, id, joint string, edit models.JointLimitEdit) (*EditResult, error) {
	if edit.Empty() {
		return nil, errors.New("edit carries no limit fields")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.completed(id)
	if err != nil {
		return nil, err
	}
	j, ok := state.Model.Joint(joint)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrJointNotFound, joint)
	}
	if j.Type == models.JointFixed {
		return nil, fmt.Errorf("%w: %s", models.ErrJointFixed, joint)
	}
	if j.Limits == nil {
		j.Limits = &models.JointLimits{}
	}
	edit.Apply(j.Limits)
	if err := state.Adapter.SyncLimits(joint); err != nil {
		return nil, err
	}
	state.LastAccessed = time.Now()

	res := &EditResult{Limits: *j.Limits}
	format := state.Model.SourceFormat
	out, err := patcher.Patch(format, state.Source, joint, edit)
	switch {
	case err == nil:
		state.Source = out
		res.Patched = true
		m.opts.Metrics.Patch("applied")
	case errors.Is(err, models.ErrPatchUnsupported):
		m.opts.Metrics.Patch("unsupported")
	default:
		state.Diagnostics.Warn(models.KindPatchMiss, "patch_miss", "source text not updated for joint %q", joint)
		res.Warning = err.Error()
		m.opts.Metrics.Patch("miss")
		m.log.Warn(ctx, "joint limit patch missed",
			logging.String("load_id", shortID(id)),
			logging.String("joint", joint),
			logging.Err(err))
	}
	return res, nil
}

// SetJointAngle drives joint of a completed load and returns the applied
// value.
func (m *Manager) SetJointAngle(id, joint string, angle float64, ignoreLimits bool) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.completed(id)
	if err != nil {
		return 0, err
	}
	if err := state.Adapter.SetJointAngle(joint, angle, ignoreLimits); err != nil {
		return 0, err
	}
	state.LastAccessed = time.Now()
	j, _ := state.Model.Joint(joint)
	return j.CurrentValue, nil
}

// DeleteLoad drops a load and its catalog rows.
func (m *Manager) DeleteLoad(ctx context.Context, id string) error {
	m.mu.Lock()
	_, ok := m.loads[id]
	delete(m.loads, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrLoadNotFound, id)
	}
	m.dropCatalog(ctx, id)
	return nil
}

func (m *Manager) dropCatalog(ctx context.Context, id string) {
	if m.opts.Catalog == nil {
		return
	}
	if err := m.opts.Catalog.Delete(ctx, id); err != nil {
		m.log.Warn(ctx, "catalog delete failed", logging.String("load_id", shortID(id)), logging.Err(err))
	}
}

// TouchLoad updates the last accessed time of a load.
func (m *Manager) TouchLoad(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.loads[id]
	if !ok {
		return false
	}
	state.LastAccessed = time.Now()
	return true
}

// cleanupOldLoadsIfNeeded evicts finished loads, oldest first, while at the
// limit. Loads still running are never evicted.
func (m *Manager) cleanupOldLoadsIfNeeded() {
	m.mu.Lock()
	var evicted []string
	for len(m.loads) >= m.opts.MaxLoads {
		oldestID := ""
		var oldest time.Time
		for id, state := range m.loads {
			if state.finished.IsZero() {
				continue
			}
			if oldestID == "" || state.LastAccessed.Before(oldest) {
				oldestID, oldest = id, state.LastAccessed
			}
		}
		if oldestID == "" {
			break
		}
		delete(m.loads, oldestID)
		evicted = append(evicted, oldestID)
	}
	m.mu.Unlock()

	for _, id := range evicted {
		m.log.Info(context.Background(), "evicted load at capacity", logging.String("load_id", shortID(id)))
		m.dropCatalog(context.Background(), id)
	}
}

// CleanupOldLoads removes finished loads older than maxAge that were not
// accessed within the keep-alive window.
func (m *Manager) CleanupOldLoads(maxAge time.Duration) int {
	now := time.Now()
	m.mu.Lock()
	var removed []string
	for id, state := range m.loads {
		if state.finished.IsZero() {
			continue
		}
		if now.Sub(state.LastAccessed) < LoadKeepAliveWindow {
			continue
		}
		if now.Sub(state.finished) > maxAge {
			delete(m.loads, id)
			removed = append(removed, id)
		}
	}
	m.mu.Unlock()

	for _, id := range removed {
		m.dropCatalog(context.Background(), id)
	}
	return len(removed)
}

// Subscribe returns a channel receiving every load status change. The
// returned function unsubscribes. Slow subscribers miss updates.
func (m *Manager) Subscribe() (<-chan models.LoadSession, func()) {
	ch := make(chan models.LoadSession, 16)
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subMu.Unlock()

	return ch, func() {
		m.subMu.Lock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
		m.subMu.Unlock()
	}
}

func (m *Manager) publish(s models.LoadSession) {
	s.Warnings = nil
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// shortID safely truncates an ID for logging (handles short IDs gracefully)
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// Package adapter converts parsed URDF, MJCF and USD documents into the
// unified kinematic model and drives joints afterwards.
package adapter

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/robot-viewer/backend/internal/fileset"
	"github.com/robot-viewer/backend/internal/logging"
	"github.com/robot-viewer/backend/internal/models"
	"github.com/robot-viewer/backend/internal/parser"
	"github.com/robot-viewer/backend/internal/render"
	"github.com/robot-viewer/backend/internal/resolver"
	"github.com/robot-viewer/backend/internal/topology"
)

// FormatAdapter is implemented once per source format.
type FormatAdapter interface {
	Format() models.SourceFormat
	// Convert builds the model from doc. originalText is the raw document,
	// used to pick up fields the parser drops. Only a fatal LoadError is
	// returned; structural problems go to the diagnostics.
	Convert(ctx context.Context, doc parser.Document, originalText string) (*models.UnifiedRobotModel, error)
	// SetJointAngle drives a joint. With ignoreLimits the authoritative
	// limit state is widened for the call and restored afterwards.
	SetJointAngle(joint string, angle float64, ignoreLimits bool) error
	// SyncLimits reloads the actuator of joint from the model limits.
	SyncLimits(joint string) error
	// Tree returns the topology computed by the last Convert.
	Tree() *topology.Tree
}

// Options are the collaborators of an adapter.
type Options struct {
	Files       *fileset.FileSet
	Resolver    *resolver.Cache
	Renderer    render.Renderer
	Loaders     *render.Loaders
	Logger      logging.Logger
	Diagnostics *models.Diagnostics
	// EntryPath is the document's key in Files. References are resolved
	// against its directory.
	EntryPath string
	// TextureConcurrency bounds the texture loads in flight per material.
	TextureConcurrency int
}

func (o Options) withDefaults() Options {
	if o.Files == nil {
		o.Files = fileset.New()
	}
	if o.Resolver == nil {
		o.Resolver = resolver.NewCache(resolver.New(o.Files))
	}
	if o.Renderer == nil {
		o.Renderer = render.Nop{}
	}
	if o.Loaders == nil {
		o.Loaders = render.DefaultLoaders()
	}
	if o.Logger == nil {
		o.Logger = logging.Noop()
	}
	if o.Diagnostics == nil {
		o.Diagnostics = models.NewDiagnostics()
	}
	if o.TextureConcurrency <= 0 {
		o.TextureConcurrency = runtime.NumCPU()
	}
	return o
}

// New returns the adapter for format.
func New(format models.SourceFormat, opts Options) (FormatAdapter, error) {
	b := newBase(format, opts.withDefaults())
	switch format {
	case models.FormatURDF:
		return &URDFAdapter{base: b}, nil
	case models.FormatMJCF:
		return &MJCFAdapter{base: b}, nil
	case models.FormatUSD:
		return &USDAdapter{base: b}, nil
	}
	return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedFormat, format)
}

// base holds the state shared by every format adapter.
type base struct {
	format     models.SourceFormat
	opts       Options
	contextDir string
	log        logging.Logger
	diag       *models.Diagnostics

	mu        sync.Mutex
	model     *models.UnifiedRobotModel
	tree      *topology.Tree
	actuators map[string]*Actuator
}

func newBase(format models.SourceFormat, opts Options) *base {
	return &base{
		format:     format,
		opts:       opts,
		contextDir: fileset.Dir(opts.EntryPath),
		log:        opts.Logger.With(logging.String("format", string(format)), logging.String("entry", opts.EntryPath)),
		diag:       opts.Diagnostics,
		actuators:  make(map[string]*Actuator),
	}
}

func (b *base) Format() models.SourceFormat { return b.format }

func (b *base) Tree() *topology.Tree {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tree
}

func (b *base) structural(ctx context.Context, code, format string, args ...any) {
	b.diag.Warn(models.KindStructural, code, format, args...)
	b.log.Warn(ctx, fmt.Sprintf(format, args...), logging.String("code", code))
}

// addActuator registers the actuator of a controllable joint.
func (b *base) addActuator(j *models.Joint, clamp bool, scale float64) {
	if !j.Controllable() {
		return
	}
	b.actuators[j.Name] = newActuator(j, clamp, scale)
}

// finish computes the root, checks the topology and places every child
// link at its zero pose. It is the last step of every Convert.
func (b *base) finish(ctx context.Context, m *models.UnifiedRobotModel) *models.UnifiedRobotModel {
	if m.Links.Len() == 0 {
		b.structural(ctx, "no_links", "document declares no links")
	}
	m.ComputeRoot()

	tree, err := topology.Build(m)
	if err != nil {
		b.structural(ctx, "topology", "link graph analysis failed: %v", err)
	} else {
		tree.Warn(b.diag)
	}

	m.Joints.Each(func(_ string, j *models.Joint) bool {
		if err := b.opts.Renderer.SetTransform(j.Child, render.JointMatrix(j, j.CurrentValue)); err != nil {
			b.log.Warn(ctx, "set transform failed", logging.String("link", j.Child), logging.Err(err))
		}
		return true
	})

	b.mu.Lock()
	b.model = m
	b.tree = tree
	b.mu.Unlock()

	b.log.Info(ctx, "model converted",
		logging.Int("links", m.Links.Len()),
		logging.Int("joints", m.Joints.Len()),
		logging.String("root", m.RootLink))
	return m
}

func (b *base) SetJointAngle(name string, angle float64, ignoreLimits bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, a, err := b.lookup(name)
	if err != nil {
		return err
	}
	if ignoreLimits {
		snapshot, err := a.Widen()
		if err != nil {
			return fmt.Errorf("snapshot limits of %q: %w", name, err)
		}
		defer a.Restore(snapshot)
	}
	applied := a.Set(angle * a.Scale)
	j.CurrentValue = applied / a.Scale
	return b.opts.Renderer.SetTransform(j.Child, render.JointMatrix(j, j.CurrentValue))
}

func (b *base) SyncLimits(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, a, err := b.lookup(name)
	if err != nil {
		return err
	}
	a.Reset(j.Limits)
	return nil
}

// Actuator returns the actuator of a joint.
func (b *base) Actuator(name string) (*Actuator, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.actuators[name]
	return a, ok
}

func (b *base) lookup(name string) (*models.Joint, *Actuator, error) {
	if b.model == nil {
		return nil, nil, fmt.Errorf("%w: %s", models.ErrJointNotFound, name)
	}
	j, ok := b.model.Joint(name)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", models.ErrJointNotFound, name)
	}
	a, ok := b.actuators[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", models.ErrJointFixed, name)
	}
	return j, a, nil
}

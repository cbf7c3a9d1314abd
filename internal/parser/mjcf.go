package parser

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/robot-viewer/backend/internal/fileset"
	"github.com/robot-viewer/backend/internal/models"
)

// MJCFModel is the parsed <mujoco> element. Included files are parsed into
// the same type and merged by ExpandIncludes.
type MJCFModel struct {
	XMLName   xml.Name        `xml:"mujoco"`
	Model     string          `xml:"model,attr"`
	Compiler  []MJCFCompiler  `xml:"compiler"`
	Defaults  []MJCFDefault   `xml:"default"`
	Assets    []MJCFAsset     `xml:"asset"`
	Worldbody []MJCFBody      `xml:"worldbody"`
	Equality  []MJCFEquality  `xml:"equality"`
	Actuators []MJCFActuators `xml:"actuator"`
	Includes  []MJCFInclude   `xml:"include"`
	// Bodies and Geoms appear at the top level of included fragments.
	Bodies []MJCFBody `xml:"body"`
	Geoms  []MJCFGeom `xml:"geom"`
}

func (*MJCFModel) Format() models.SourceFormat { return models.FormatMJCF }

type MJCFCompiler struct {
	Angle      string `xml:"angle,attr"`
	EulerSeq   string `xml:"eulerseq,attr"`
	MeshDir    string `xml:"meshdir,attr"`
	TextureDir string `xml:"texturedir,attr"`
	AssetDir   string `xml:"assetdir,attr"`
	AutoLimits string `xml:"autolimits,attr"`
}

type MJCFInclude struct {
	File string `xml:"file,attr"`
}

type MJCFDefault struct {
	Class    string        `xml:"class,attr"`
	Joint    *MJCFJoint    `xml:"joint"`
	Geom     *MJCFGeom     `xml:"geom"`
	Motor    *MJCFActuator `xml:"motor"`
	Position *MJCFActuator `xml:"position"`
	General  *MJCFActuator `xml:"general"`
	Defaults []MJCFDefault `xml:"default"`
}

type MJCFAsset struct {
	Meshes    []MJCFMeshAsset     `xml:"mesh"`
	Textures  []MJCFTextureAsset  `xml:"texture"`
	Materials []MJCFMaterialAsset `xml:"material"`
}

type MJCFMeshAsset struct {
	Name  string `xml:"name,attr"`
	File  string `xml:"file,attr"`
	Scale string `xml:"scale,attr"`
}

type MJCFTextureAsset struct {
	Name    string `xml:"name,attr"`
	File    string `xml:"file,attr"`
	Type    string `xml:"type,attr"`
	Builtin string `xml:"builtin,attr"`
}

type MJCFMaterialAsset struct {
	Name      string `xml:"name,attr"`
	Class     string `xml:"class,attr"`
	Texture   string `xml:"texture,attr"`
	RGBA      string `xml:"rgba,attr"`
	Specular  string `xml:"specular,attr"`
	Shininess string `xml:"shininess,attr"`
}

type MJCFBody struct {
	Name       string        `xml:"name,attr"`
	ChildClass string        `xml:"childclass,attr"`
	Pos        string        `xml:"pos,attr"`
	Quat       string        `xml:"quat,attr"`
	Euler      string        `xml:"euler,attr"`
	AxisAngle  string        `xml:"axisangle,attr"`
	Inertial   *MJCFInertial `xml:"inertial"`
	Joints     []MJCFJoint   `xml:"joint"`
	FreeJoints []MJCFJoint   `xml:"freejoint"`
	Geoms      []MJCFGeom    `xml:"geom"`
	Bodies     []MJCFBody    `xml:"body"`
	Includes   []MJCFInclude `xml:"include"`
}

type MJCFInertial struct {
	Pos         string `xml:"pos,attr"`
	Quat        string `xml:"quat,attr"`
	Mass        string `xml:"mass,attr"`
	DiagInertia string `xml:"diaginertia,attr"`
	FullInertia string `xml:"fullinertia,attr"`
}

type MJCFJoint struct {
	Name    string `xml:"name,attr"`
	Class   string `xml:"class,attr"`
	Type    string `xml:"type,attr"`
	Pos     string `xml:"pos,attr"`
	Axis    string `xml:"axis,attr"`
	Range   string `xml:"range,attr"`
	Limited string `xml:"limited,attr"`
	Ref     string `xml:"ref,attr"`
}

type MJCFGeom struct {
	Name     string `xml:"name,attr"`
	Class    string `xml:"class,attr"`
	Type     string `xml:"type,attr"`
	Size     string `xml:"size,attr"`
	Pos      string `xml:"pos,attr"`
	Quat     string `xml:"quat,attr"`
	Euler    string `xml:"euler,attr"`
	FromTo   string `xml:"fromto,attr"`
	Mesh     string `xml:"mesh,attr"`
	Material string `xml:"material,attr"`
	RGBA     string `xml:"rgba,attr"`
	Group    string `xml:"group,attr"`
}

type MJCFEquality struct {
	Welds    []MJCFEqualityBodies `xml:"weld"`
	Connects []MJCFEqualityBodies `xml:"connect"`
	Joints   []MJCFEqualityJoints `xml:"joint"`
}

type MJCFEqualityBodies struct {
	Name  string `xml:"name,attr"`
	Body1 string `xml:"body1,attr"`
	Body2 string `xml:"body2,attr"`
}

type MJCFEqualityJoints struct {
	Name   string `xml:"name,attr"`
	Joint1 string `xml:"joint1,attr"`
	Joint2 string `xml:"joint2,attr"`
}

type MJCFActuators struct {
	Motors     []MJCFActuator `xml:"motor"`
	Positions  []MJCFActuator `xml:"position"`
	Velocities []MJCFActuator `xml:"velocity"`
	General    []MJCFActuator `xml:"general"`
}

// All returns every actuator in declaration group order.
func (a MJCFActuators) All() []MJCFActuator {
	out := make([]MJCFActuator, 0, len(a.Motors)+len(a.Positions)+len(a.Velocities)+len(a.General))
	out = append(out, a.Motors...)
	out = append(out, a.Positions...)
	out = append(out, a.Velocities...)
	return append(out, a.General...)
}

type MJCFActuator struct {
	Name         string `xml:"name,attr"`
	Class        string `xml:"class,attr"`
	Joint        string `xml:"joint,attr"`
	ForceRange   string `xml:"forcerange,attr"`
	ForceLimited string `xml:"forcelimited,attr"`
	CtrlRange    string `xml:"ctrlrange,attr"`
	Gear         string `xml:"gear,attr"`
}

// MJCFParser decodes MuJoCo XML documents.
type MJCFParser struct{}

func NewMJCFParser() *MJCFParser { return &MJCFParser{} }

func (p *MJCFParser) Name() string                { return "MJCF" }
func (p *MJCFParser) Format() models.SourceFormat { return models.FormatMJCF }

func (p *MJCFParser) CanParse(name string, head []byte) bool {
	switch fileset.Ext(name) {
	case ".mjcf":
		return true
	case ".xml", "":
		return rootElement(head) == "mujoco"
	}
	return false
}

func (p *MJCFParser) Parse(ctx context.Context, data []byte) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := &MJCFModel{}
	if err := xml.Unmarshal(data, m); err != nil {
		return nil, parseFailed("mjcf", err)
	}
	return m, nil
}

// IncludeLoader returns the content of an included file.
type IncludeLoader func(file string) ([]byte, error)

// MaxIncludeDepth bounds nested includes.
const MaxIncludeDepth = 8

// ExpandIncludes replaces every <include> in m, at the top level and inside
// bodies, by the content of the referenced file. Failed includes are
// returned as errors but do not stop the expansion of the others.
func ExpandIncludes(ctx context.Context, m *MJCFModel, load IncludeLoader) []error {
	return expandIncludes(ctx, m, load, 0, map[string]bool{})
}

func expandIncludes(ctx context.Context, m *MJCFModel, load IncludeLoader, depth int, active map[string]bool) []error {
	var errs []error
	for len(m.Includes) > 0 {
		inc := m.Includes[0]
		m.Includes = m.Includes[1:]
		frag, err := loadFragment(ctx, inc.File, load, depth, active)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, expandIncludes(ctx, frag, load, depth+1, withActive(active, inc.File))...)
		m.merge(frag)
	}
	for i := range m.Worldbody {
		errs = append(errs, expandBodyIncludes(ctx, &m.Worldbody[i], m, load, depth, active)...)
	}
	for i := range m.Bodies {
		errs = append(errs, expandBodyIncludes(ctx, &m.Bodies[i], m, load, depth, active)...)
	}
	return errs
}

func expandBodyIncludes(ctx context.Context, b *MJCFBody, root *MJCFModel, load IncludeLoader, depth int, active map[string]bool) []error {
	var errs []error
	for len(b.Includes) > 0 {
		inc := b.Includes[0]
		b.Includes = b.Includes[1:]
		frag, err := loadFragment(ctx, inc.File, load, depth, active)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, expandIncludes(ctx, frag, load, depth+1, withActive(active, inc.File))...)
		b.Bodies = append(b.Bodies, frag.Bodies...)
		b.Geoms = append(b.Geoms, frag.Geoms...)
		for _, wb := range frag.Worldbody {
			b.Bodies = append(b.Bodies, wb.Bodies...)
			b.Geoms = append(b.Geoms, wb.Geoms...)
		}
		frag.Bodies, frag.Geoms, frag.Worldbody = nil, nil, nil
		root.merge(frag)
	}
	for i := range b.Bodies {
		errs = append(errs, expandBodyIncludes(ctx, &b.Bodies[i], root, load, depth, active)...)
	}
	return errs
}

func loadFragment(ctx context.Context, file string, load IncludeLoader, depth int, active map[string]bool) (*MJCFModel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if depth >= MaxIncludeDepth {
		return nil, fmt.Errorf("include %s: nesting deeper than %d", file, MaxIncludeDepth)
	}
	if active[file] {
		return nil, fmt.Errorf("include %s: recursive include", file)
	}
	data, err := load(file)
	if err != nil {
		return nil, fmt.Errorf("include %s: %w", file, err)
	}
	frag := &MJCFModel{}
	if err := xml.Unmarshal(data, frag); err != nil {
		return nil, fmt.Errorf("include %s: %w", file, err)
	}
	return frag, nil
}

func withActive(active map[string]bool, file string) map[string]bool {
	next := make(map[string]bool, len(active)+1)
	for k, v := range active {
		next[k] = v
	}
	next[file] = true
	return next
}

// merge appends the sections of frag to m.
func (m *MJCFModel) merge(frag *MJCFModel) {
	m.Compiler = append(m.Compiler, frag.Compiler...)
	m.Defaults = append(m.Defaults, frag.Defaults...)
	m.Assets = append(m.Assets, frag.Assets...)
	m.Worldbody = append(m.Worldbody, frag.Worldbody...)
	m.Equality = append(m.Equality, frag.Equality...)
	m.Actuators = append(m.Actuators, frag.Actuators...)
	if len(frag.Bodies) > 0 || len(frag.Geoms) > 0 {
		m.Worldbody = append(m.Worldbody, MJCFBody{Bodies: frag.Bodies, Geoms: frag.Geoms})
	}
}

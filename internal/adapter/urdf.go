package adapter

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/robot-viewer/backend/internal/logging"
	"github.com/robot-viewer/backend/internal/models"
	"github.com/robot-viewer/backend/internal/parser"
	"github.com/robot-viewer/backend/internal/patcher"
	"github.com/robot-viewer/backend/internal/render"
)

// URDFAdapter converts URDF and xacro-flavoured URDF documents.
type URDFAdapter struct {
	*base
}

var urdfJointTypes = map[string]models.JointType{
	"fixed":      models.JointFixed,
	"revolute":   models.JointRevolute,
	"continuous": models.JointContinuous,
	"prismatic":  models.JointPrismatic,
	"planar":     models.JointPlanar,
	"floating":   models.JointFloating,
}

// urdfConversion is the state of one Convert call.
type urdfConversion struct {
	*URDFAdapter
	ev        *parser.Evaluator
	hint      string
	materials map[string]*parser.URDFMaterial
	built     map[string]string
	meshes    meshBatch
}

func (a *URDFAdapter) Convert(ctx context.Context, doc parser.Document, originalText string) (*models.UnifiedRobotModel, error) {
	robot, ok := doc.(*parser.URDFRobot)
	if !ok {
		return nil, models.Fatal("urdf conversion", fmt.Errorf("%w: document is %T", models.ErrUnsupportedFormat, doc))
	}
	c := &urdfConversion{
		URDFAdapter: a,
		ev:          parser.NewEvaluator(robot.Properties),
		hint:        packageHint(a.opts.EntryPath),
		materials:   make(map[string]*parser.URDFMaterial),
		built:       make(map[string]string),
	}
	for _, name := range robot.Macros {
		a.diag.WarnOnce(models.KindStructural, "xacro_macro", name, "xacro macro %q is not expanded", name)
	}

	m := models.NewUnifiedRobotModel(robot.Name, models.FormatURDF)
	m.RenderHandle = "urdf:" + robot.Name
	for i := range robot.Materials {
		mat := &robot.Materials[i]
		if mat.Name != "" {
			c.materials[mat.Name] = mat
		}
	}

	for _, l := range robot.Links {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if l.Name == "" {
			a.structural(ctx, "unnamed_link", "link without a name skipped")
			continue
		}
		link := &models.Link{Name: l.Name, RenderHandle: "urdf:" + l.Name, Inertial: c.inertial(ctx, l)}
		if !m.AddLink(link) {
			a.structural(ctx, "duplicate_link", "duplicate link %q skipped", l.Name)
			continue
		}
		for i, v := range l.Visuals {
			c.geometry(ctx, l.Name, fmt.Sprintf("%s/visual%d", l.Name, i), v.Name, v.Origin, v.Geometry, v.Material, false)
		}
		for i, col := range l.Collisions {
			c.geometry(ctx, l.Name, fmt.Sprintf("%s/collision%d", l.Name, i), col.Name, col.Origin, col.Geometry, nil, true)
		}
	}

	for _, pj := range robot.Joints {
		j := c.joint(ctx, pj)
		if j == nil {
			continue
		}
		if !m.AddJoint(j) {
			a.structural(ctx, "duplicate_joint", "duplicate joint %q skipped", j.Name)
		}
	}

	a.flush(ctx, &c.meshes)
	a.supplement(ctx, m, originalText, c.ev)

	m.Joints.Each(func(_ string, j *models.Joint) bool {
		a.addActuator(j, j.Type == models.JointRevolute || j.Type == models.JointPrismatic, 1)
		return true
	})
	return a.finish(ctx, m), nil
}

// packageHint guesses the ROS package of a document stored as
// <package>/urdf/<file>.
func packageHint(entry string) string {
	dir := path.Dir(entry)
	if path.Base(dir) != "urdf" {
		return ""
	}
	pkg := path.Base(path.Dir(dir))
	if pkg == "." || pkg == "/" {
		return ""
	}
	return pkg
}

// num expands and parses one number. A malformed value is reported and
// treated as absent.
func (c *urdfConversion) num(ctx context.Context, what, s string) (float64, bool) {
	expanded, err := c.ev.Expand(s)
	if err == nil {
		var v float64
		var ok bool
		v, ok, err = parser.Float(expanded)
		if err == nil {
			return v, ok
		}
	}
	c.diag.WarnOnce(models.KindStructural, "bad_number", what, "%s: %v", what, err)
	c.log.Debug(ctx, "bad number", logging.String("field", what), logging.Err(err))
	return 0, false
}

func (c *urdfConversion) vec(ctx context.Context, what, s string, def models.Vec3) models.Vec3 {
	expanded, err := c.ev.Expand(s)
	if err == nil {
		var v models.Vec3
		v, err = parser.Vec3(expanded, def)
		if err == nil {
			return v
		}
	}
	c.diag.WarnOnce(models.KindStructural, "bad_number", what, "%s: %v", what, err)
	return def
}

func (c *urdfConversion) floats(ctx context.Context, what, s string) []float64 {
	expanded, err := c.ev.Expand(s)
	if err == nil {
		var f []float64
		f, err = parser.Floats(expanded)
		if err == nil {
			return f
		}
	}
	c.diag.WarnOnce(models.KindStructural, "bad_number", what, "%s: %v", what, err)
	return nil
}

func (c *urdfConversion) pose(ctx context.Context, what string, o *parser.URDFOrigin) models.Pose {
	if o == nil {
		return models.Pose{}
	}
	return models.Pose{
		XYZ: c.vec(ctx, what+" xyz", o.XYZ, models.Vec3{}),
		RPY: c.vec(ctx, what+" rpy", o.RPY, models.Vec3{}),
	}
}

func (c *urdfConversion) inertial(ctx context.Context, l parser.URDFLink) *models.InertialProperties {
	if l.Inertial == nil {
		return nil
	}
	in := l.Inertial
	what := "link " + l.Name + " inertial"
	out := &models.InertialProperties{Origin: c.pose(ctx, what, in.Origin)}
	out.Mass, _ = c.num(ctx, what+" mass", in.Mass.Value)
	out.Ixx, _ = c.num(ctx, what+" ixx", in.Inertia.Ixx)
	out.Iyy, _ = c.num(ctx, what+" iyy", in.Inertia.Iyy)
	out.Izz, _ = c.num(ctx, what+" izz", in.Inertia.Izz)
	out.Ixy, _ = c.num(ctx, what+" ixy", in.Inertia.Ixy)
	out.Ixz, _ = c.num(ctx, what+" ixz", in.Inertia.Ixz)
	out.Iyz, _ = c.num(ctx, what+" iyz", in.Inertia.Iyz)
	return out
}

func (c *urdfConversion) joint(ctx context.Context, pj parser.URDFJoint) *models.Joint {
	if pj.Name == "" {
		c.structural(ctx, "unnamed_joint", "joint without a name skipped")
		return nil
	}
	what := "joint " + pj.Name
	jt, ok := urdfJointTypes[pj.Type]
	if !ok {
		c.structural(ctx, "unknown_joint_type", "joint %q has unknown type %q, treated as fixed", pj.Name, pj.Type)
		jt = models.JointFixed
	}
	j := &models.Joint{
		Name:   pj.Name,
		Type:   jt,
		Parent: pj.Parent.Link,
		Child:  pj.Child.Link,
		Origin: c.pose(ctx, what+" origin", pj.Origin),
		Axis:   models.Vec3{X: 1},
	}
	if pj.Axis != nil {
		j.Axis = c.vec(ctx, what+" axis", pj.Axis.XYZ, j.Axis)
	}
	if pj.Limit != nil && (jt == models.JointRevolute || jt == models.JointPrismatic) {
		lower, hasLower := c.num(ctx, what+" lower", pj.Limit.Lower)
		upper, hasUpper := c.num(ctx, what+" upper", pj.Limit.Upper)
		if hasLower || hasUpper {
			j.Limits = &models.JointLimits{Lower: lower, Upper: upper, HasRange: true}
		}
	}
	return j
}

// supplement re-reads effort and velocity from the source text, which the
// parsed tree does not carry. It changes nothing when the text cannot be
// indexed, and running it twice gives the same model.
func (a *URDFAdapter) supplement(ctx context.Context, m *models.UnifiedRobotModel, text string, ev *parser.Evaluator) {
	if text == "" {
		return
	}
	idx, err := patcher.BuildIndex([]byte(text))
	if err != nil {
		a.log.Warn(ctx, "supplementary pass skipped", logging.Err(err))
		return
	}
	m.Joints.Each(func(name string, j *models.Joint) bool {
		if j.Type == models.JointFixed {
			return true
		}
		attrs, ok := idx.LimitAttributes(text, name)
		if !ok {
			return true
		}
		effort := supplementValue(ev, attrs["effort"])
		velocity := supplementValue(ev, attrs["velocity"])
		if effort == nil && velocity == nil {
			return true
		}
		if j.Limits == nil {
			j.Limits = &models.JointLimits{}
		}
		j.Limits.Effort = effort
		j.Limits.Velocity = velocity
		return true
	})
}

func supplementValue(ev *parser.Evaluator, s string) *float64 {
	if s == "" {
		return nil
	}
	expanded, err := ev.Expand(s)
	if err != nil {
		return nil
	}
	v, ok, err := parser.Float(expanded)
	if err != nil || !ok {
		return nil
	}
	return &v
}

func (c *urdfConversion) geometry(ctx context.Context, link, id, name string, origin *parser.URDFOrigin, pg parser.URDFGeometry, mat *parser.URDFMaterial, collision bool) {
	what := "link " + link + " geometry"
	g := render.Geometry{
		Name:      name,
		Scale:     [3]float64{1, 1, 1},
		Origin:    render.PoseMatrix(c.pose(ctx, what, origin)),
		Collision: collision,
	}
	if !collision {
		g.MaterialID = c.material(ctx, id, mat)
	}

	switch {
	case pg.Box != nil:
		g.Kind = render.GeometryBox
		if f := c.floats(ctx, what+" box size", pg.Box.Size); len(f) == 3 {
			g.Size = [3]float64{f[0], f[1], f[2]}
		}
	case pg.Cylinder != nil:
		g.Kind = render.GeometryCylinder
		g.Radius, _ = c.num(ctx, what+" radius", pg.Cylinder.Radius)
		g.Length, _ = c.num(ctx, what+" length", pg.Cylinder.Length)
	case pg.Capsule != nil:
		g.Kind = render.GeometryCapsule
		g.Radius, _ = c.num(ctx, what+" radius", pg.Capsule.Radius)
		g.Length, _ = c.num(ctx, what+" length", pg.Capsule.Length)
	case pg.Sphere != nil:
		g.Kind = render.GeometrySphere
		g.Radius, _ = c.num(ctx, what+" radius", pg.Sphere.Radius)
	case pg.Mesh != nil:
		g.Kind = render.GeometryMesh
		if f := c.floats(ctx, what+" mesh scale", pg.Mesh.Scale); len(f) == 3 {
			g.Scale = [3]float64{f[0], f[1], f[2]}
		}
		ref := c.ref(strings.TrimSpace(pg.Mesh.Filename))
		ref.Package = c.hint
		c.meshes.add(link, g, ref)
		return
	default:
		c.structural(ctx, "empty_geometry", "link %q has a visual without geometry", link)
		return
	}
	c.attach(ctx, link, g)
}

// material returns the id of the material of a visual, building it on
// first use. Named materials declared at the robot level are shared.
func (c *urdfConversion) material(ctx context.Context, id string, mat *parser.URDFMaterial) string {
	if mat == nil {
		return ""
	}
	if mat.Color == nil && mat.Texture == nil && mat.Name != "" {
		global, ok := c.materials[mat.Name]
		if !ok {
			c.diag.WarnOnce(models.KindStructural, "unknown_material", mat.Name, "material %q is not declared", mat.Name)
			return ""
		}
		mat, id = global, "urdf:material:"+mat.Name
	}
	if built, ok := c.built[id]; ok {
		return built
	}

	desc := materialDesc{ID: id, Name: mat.Name, Textures: map[render.Slot]assetRef{}}
	if mat.Color != nil {
		if f := c.floats(ctx, "material "+mat.Name+" rgba", mat.Color.RGBA); len(f) == 4 {
			desc.Color = &[4]float64{f[0], f[1], f[2], f[3]}
		}
	}
	if mat.Texture != nil && mat.Texture.Filename != "" {
		ref := c.ref(mat.Texture.Filename)
		ref.Package = c.hint
		desc.Textures[render.SlotMap] = ref
	}
	c.buildMaterial(ctx, desc)
	c.built[id] = id
	return id
}

package adapter

import (
	"context"
	"fmt"
	"math"
	"path"
	"strings"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/robot-viewer/backend/internal/fileset"
	"github.com/robot-viewer/backend/internal/logging"
	"github.com/robot-viewer/backend/internal/models"
	"github.com/robot-viewer/backend/internal/parser"
	"github.com/robot-viewer/backend/internal/render"
)

// WorldLink is the implicit root body of every MJCF model.
const WorldLink = "world"

// MJCFAdapter converts MuJoCo models.
type MJCFAdapter struct {
	*base
}

type mjcfDefaults struct {
	joint    parser.MJCFJoint
	geom     parser.MJCFGeom
	actuator parser.MJCFActuator
}

// mjcfConversion is the state of one Convert call.
type mjcfConversion struct {
	*MJCFAdapter
	model      *models.UnifiedRobotModel
	degrees    bool
	eulerSeq   string
	autoLimits bool
	meshDir    string
	textureDir string
	classes    map[string]mjcfDefaults
	meshes     map[string]parser.MJCFMeshAsset
	textures   map[string]parser.MJCFTextureAsset
	materials  map[string]parser.MJCFMaterialAsset
	built      map[string]bool
	clamp      map[string]bool
	batch      meshBatch
	unnamed    int
}

func (a *MJCFAdapter) Convert(ctx context.Context, doc parser.Document, originalText string) (*models.UnifiedRobotModel, error) {
	mj, ok := doc.(*parser.MJCFModel)
	if !ok {
		return nil, models.Fatal("mjcf conversion", fmt.Errorf("%w: document is %T", models.ErrUnsupportedFormat, doc))
	}
	for _, err := range parser.ExpandIncludes(ctx, mj, a.loadInclude) {
		a.diag.Warn(models.KindResourceMissing, "include_missing", "%v", err)
		a.log.Warn(ctx, "include failed", logging.Err(err))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := mj.Model
	if name == "" {
		name = "mujoco"
	}
	m := models.NewUnifiedRobotModel(name, models.FormatMJCF)
	m.RenderHandle = "mjcf:" + name
	c := &mjcfConversion{
		MJCFAdapter: a,
		model:       m,
		degrees:     true,
		eulerSeq:    "xyz",
		autoLimits:  true,
		classes:     map[string]mjcfDefaults{},
		meshes:      map[string]parser.MJCFMeshAsset{},
		textures:    map[string]parser.MJCFTextureAsset{},
		materials:   map[string]parser.MJCFMaterialAsset{},
		built:       map[string]bool{},
		clamp:       map[string]bool{},
	}
	c.compiler(mj.Compiler)
	for _, d := range mj.Defaults {
		c.defaults(d, mjcfDefaults{}, "main")
	}
	for _, as := range mj.Assets {
		for _, me := range as.Meshes {
			key := me.Name
			if key == "" {
				key = strings.TrimSuffix(path.Base(me.File), path.Ext(me.File))
			}
			c.meshes[key] = me
		}
		for _, t := range as.Textures {
			c.textures[t.Name] = t
		}
		for _, mt := range as.Materials {
			c.materials[mt.Name] = mt
		}
	}

	m.AddLink(&models.Link{Name: WorldLink, RenderHandle: "mjcf:" + WorldLink})
	for _, wb := range mj.Worldbody {
		for i, g := range wb.Geoms {
			c.geom(ctx, WorldLink, fmt.Sprintf("%s/geom%d", WorldLink, i), g, "main")
		}
		for _, b := range wb.Bodies {
			if err := c.body(ctx, b, WorldLink, "main"); err != nil {
				return nil, err
			}
		}
	}

	for _, eq := range mj.Equality {
		c.equality(ctx, eq)
	}
	a.flush(ctx, &c.batch)
	c.actuators(mj.Actuators)

	m.Joints.Each(func(name string, j *models.Joint) bool {
		a.addActuator(j, c.clamp[name], 1)
		return true
	})
	return a.finish(ctx, m), nil
}

func (a *MJCFAdapter) loadInclude(file string) ([]byte, error) {
	h, ok := a.opts.Resolver.Resolve(file, a.contextDir, "")
	if !ok {
		return nil, models.ErrResourceNotFound
	}
	return fileset.ReadAll(h)
}

func (c *mjcfConversion) compiler(list []parser.MJCFCompiler) {
	for _, cp := range list {
		switch cp.Angle {
		case "radian":
			c.degrees = false
		case "degree":
			c.degrees = true
		}
		if cp.EulerSeq != "" {
			c.eulerSeq = strings.ToLower(cp.EulerSeq)
		}
		if cp.AutoLimits == "false" {
			c.autoLimits = false
		}
		if cp.AssetDir != "" {
			c.meshDir, c.textureDir = cp.AssetDir, cp.AssetDir
		}
		if cp.MeshDir != "" {
			c.meshDir = cp.MeshDir
		}
		if cp.TextureDir != "" {
			c.textureDir = cp.TextureDir
		}
	}
}

// defaults flattens nested default classes. Each class starts from its
// parent's values.
func (c *mjcfConversion) defaults(d parser.MJCFDefault, parent mjcfDefaults, fallback string) {
	class := d.Class
	if class == "" {
		class = fallback
	}
	cur := parent
	if d.Joint != nil {
		cur.joint = mergeJoint(*d.Joint, parent.joint)
	}
	if d.Geom != nil {
		cur.geom = mergeGeom(*d.Geom, parent.geom)
	}
	for _, act := range []*parser.MJCFActuator{d.Motor, d.Position, d.General} {
		if act != nil {
			cur.actuator = mergeActuator(*act, parent.actuator)
		}
	}
	c.classes[class] = cur
	for _, child := range d.Defaults {
		c.defaults(child, cur, class)
	}
}

func pick(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func mergeJoint(j, def parser.MJCFJoint) parser.MJCFJoint {
	j.Type = pick(j.Type, def.Type)
	j.Pos = pick(j.Pos, def.Pos)
	j.Axis = pick(j.Axis, def.Axis)
	j.Range = pick(j.Range, def.Range)
	j.Limited = pick(j.Limited, def.Limited)
	j.Ref = pick(j.Ref, def.Ref)
	return j
}

func mergeGeom(g, def parser.MJCFGeom) parser.MJCFGeom {
	g.Type = pick(g.Type, def.Type)
	g.Size = pick(g.Size, def.Size)
	g.Material = pick(g.Material, def.Material)
	g.RGBA = pick(g.RGBA, def.RGBA)
	g.Group = pick(g.Group, def.Group)
	g.Mesh = pick(g.Mesh, def.Mesh)
	return g
}

func mergeActuator(a, def parser.MJCFActuator) parser.MJCFActuator {
	a.ForceRange = pick(a.ForceRange, def.ForceRange)
	a.ForceLimited = pick(a.ForceLimited, def.ForceLimited)
	a.CtrlRange = pick(a.CtrlRange, def.CtrlRange)
	a.Gear = pick(a.Gear, def.Gear)
	return a
}

func (c *mjcfConversion) class(name, inherited string) mjcfDefaults {
	if d, ok := c.classes[pick(name, inherited)]; ok {
		return d
	}
	return c.classes["main"]
}

func (c *mjcfConversion) angle(v float64) float64 {
	if c.degrees {
		return v * math.Pi / 180
	}
	return v
}

// orientation returns the rotation of a frame given by quat (w x y z),
// euler or axisangle attributes.
func (c *mjcfConversion) orientation(ctx context.Context, what, quat, euler, axisAngle string) mgl64.Mat4 {
	switch {
	case quat != "":
		if q := c.floatsOf(ctx, what+" quat", quat); len(q) == 4 {
			return render.QuatMatrix(q[0], q[1], q[2], q[3])
		}
	case euler != "":
		if e := c.floatsOf(ctx, what+" euler", euler); len(e) == 3 {
			return c.eulerMatrix(e)
		}
	case axisAngle != "":
		if aa := c.floatsOf(ctx, what+" axisangle", axisAngle); len(aa) == 4 {
			axis := mgl64.Vec3{aa[0], aa[1], aa[2]}
			if axis.Len() > 0 {
				return mgl64.HomogRotate3D(c.angle(aa[3]), axis.Normalize())
			}
		}
	}
	return mgl64.Ident4()
}

// eulerMatrix composes rotations in eulerseq order. Lower-case axes are
// rotating frame rotations, upper-case fixed frame ones.
func (c *mjcfConversion) eulerMatrix(e []float64) mgl64.Mat4 {
	r := mgl64.Ident4()
	seq := c.eulerSeq
	if len(seq) != 3 {
		seq = "xyz"
	}
	for i, axis := range seq {
		var rot mgl64.Mat4
		switch axis {
		case 'x', 'X':
			rot = mgl64.HomogRotate3DX(c.angle(e[i]))
		case 'y', 'Y':
			rot = mgl64.HomogRotate3DY(c.angle(e[i]))
		default:
			rot = mgl64.HomogRotate3DZ(c.angle(e[i]))
		}
		if axis >= 'a' {
			r = r.Mul4(rot)
		} else {
			r = rot.Mul4(r)
		}
	}
	return r
}

func (c *mjcfConversion) floatsOf(ctx context.Context, what, s string) []float64 {
	f, err := parser.Floats(s)
	if err != nil {
		c.diag.WarnOnce(models.KindStructural, "bad_number", what, "%s: %v", what, err)
		c.log.Debug(ctx, "bad number", logging.String("field", what), logging.Err(err))
		return nil
	}
	return f
}

func (c *mjcfConversion) frame(ctx context.Context, what, pos, quat, euler, axisAngle string) mgl64.Mat4 {
	t := mgl64.Ident4()
	if p := c.floatsOf(ctx, what+" pos", pos); len(p) == 3 {
		t = mgl64.Translate3D(p[0], p[1], p[2])
	}
	return t.Mul4(c.orientation(ctx, what, quat, euler, axisAngle))
}

func poseOf(m mgl64.Mat4) models.Pose {
	return models.Pose{
		XYZ: models.Vec3{X: m.At(0, 3), Y: m.At(1, 3), Z: m.At(2, 3)},
		RPY: render.MatrixToRPY(m),
	}
}

// body converts a body and its subtree. A body with joints is reached from
// parent through a chain of joints; a joint-less body is welded to parent.
func (c *mjcfConversion) body(ctx context.Context, b parser.MJCFBody, parent, childClass string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := b.Name
	if name == "" {
		c.unnamed++
		name = fmt.Sprintf("body_%d", c.unnamed)
	}
	what := "body " + name
	cls := pick(b.ChildClass, childClass)
	frame := c.frame(ctx, what, b.Pos, b.Quat, b.Euler, b.AxisAngle)

	link := &models.Link{Name: name, RenderHandle: "mjcf:" + name, Inertial: c.inertial(ctx, what, b.Inertial)}
	if !c.model.AddLink(link) {
		c.structural(ctx, "duplicate_link", "duplicate body %q skipped", name)
		return nil
	}

	joints := make([]parser.MJCFJoint, 0, len(b.Joints)+len(b.FreeJoints))
	for _, fj := range b.FreeJoints {
		fj.Type = "free"
		joints = append(joints, fj)
	}
	joints = append(joints, b.Joints...)

	if len(joints) == 0 {
		link.ParentName = parent
		if err := c.opts.Renderer.SetTransform(name, frame); err != nil {
			c.log.Warn(ctx, "set transform failed", logging.String("link", name), logging.Err(err))
		}
	}
	// Extra joints of one body chain through intermediate links.
	prev := parent
	for i, pj := range joints {
		child := name
		if i < len(joints)-1 {
			child = fmt.Sprintf("%s_%d", name, i)
			c.model.AddLink(&models.Link{Name: child, RenderHandle: "mjcf:" + child})
		}
		origin := models.Pose{}
		if i == 0 {
			origin = poseOf(frame)
		}
		c.joint(ctx, pj, prev, child, origin, cls)
		prev = child
	}

	for i, g := range b.Geoms {
		c.geom(ctx, name, fmt.Sprintf("%s/geom%d", name, i), g, cls)
	}
	for _, child := range b.Bodies {
		if err := c.body(ctx, child, name, cls); err != nil {
			return err
		}
	}
	return nil
}

func (c *mjcfConversion) inertial(ctx context.Context, what string, in *parser.MJCFInertial) *models.InertialProperties {
	if in == nil {
		return nil
	}
	out := &models.InertialProperties{
		Origin: poseOf(c.frame(ctx, what+" inertial", in.Pos, in.Quat, "", "")),
	}
	if f := c.floatsOf(ctx, what+" mass", in.Mass); len(f) == 1 {
		out.Mass = f[0]
	}
	if f := c.floatsOf(ctx, what+" diaginertia", in.DiagInertia); len(f) == 3 {
		out.Ixx, out.Iyy, out.Izz = f[0], f[1], f[2]
	}
	// fullinertia is ixx iyy izz ixy ixz iyz.
	if f := c.floatsOf(ctx, what+" fullinertia", in.FullInertia); len(f) == 6 {
		out.Ixx, out.Iyy, out.Izz, out.Ixy, out.Ixz, out.Iyz = f[0], f[1], f[2], f[3], f[4], f[5]
	}
	return out
}

func (c *mjcfConversion) joint(ctx context.Context, pj parser.MJCFJoint, parent, child string, origin models.Pose, cls string) {
	pj = mergeJoint(pj, c.class(pj.Class, cls).joint)
	name := pj.Name
	if name == "" {
		name = child + "_joint"
	}
	what := "joint " + name

	j := &models.Joint{Name: name, Parent: parent, Child: child, Origin: origin, Axis: models.Vec3{Z: 1}}
	if f := c.floatsOf(ctx, what+" axis", pj.Axis); len(f) == 3 {
		j.Axis = models.Vec3{X: f[0], Y: f[1], Z: f[2]}
	}

	rng := c.floatsOf(ctx, what+" range", pj.Range)
	limited := pj.Limited == "true" || ((pj.Limited == "" || pj.Limited == "auto") && c.autoLimits && len(rng) == 2)
	switch pj.Type {
	case "", "hinge":
		j.Type = models.JointRevolute
		if limited && len(rng) == 2 {
			j.Limits = &models.JointLimits{Lower: c.angle(rng[0]), Upper: c.angle(rng[1]), HasRange: true}
		} else {
			j.Type = models.JointContinuous
		}
	case "slide":
		j.Type = models.JointPrismatic
		if limited && len(rng) == 2 {
			j.Limits = &models.JointLimits{Lower: rng[0], Upper: rng[1], HasRange: true}
		}
	case "ball", "free":
		j.Type = models.JointFloating
		limited = false
	default:
		c.structural(ctx, "unknown_joint_type", "joint %q has unknown type %q, treated as fixed", name, pj.Type)
		j.Type = models.JointFixed
	}
	if !c.model.AddJoint(j) {
		c.structural(ctx, "duplicate_joint", "duplicate joint %q skipped", name)
		return
	}
	c.clamp[name] = limited
}

func (c *mjcfConversion) geom(ctx context.Context, link, id string, pg parser.MJCFGeom, cls string) {
	pg = mergeGeom(pg, c.class(pg.Class, cls).geom)
	what := "geom " + pick(pg.Name, id)
	g := render.Geometry{
		Name:      pg.Name,
		Scale:     [3]float64{1, 1, 1},
		Origin:    c.frame(ctx, what, pg.Pos, pg.Quat, pg.Euler, ""),
		Collision: pg.Group == "3",
	}
	size := c.floatsOf(ctx, what+" size", pg.Size)
	at := func(i int) float64 {
		if i < len(size) {
			return size[i]
		}
		return 0
	}

	typ := pg.Type
	if typ == "" {
		typ = "sphere"
		if pg.Mesh != "" {
			typ = "mesh"
		}
	}
	switch typ {
	case "sphere", "ellipsoid":
		g.Kind = render.GeometrySphere
		g.Radius = at(0)
	case "box":
		g.Kind = render.GeometryBox
		g.Size = [3]float64{2 * at(0), 2 * at(1), 2 * at(2)}
	case "cylinder", "capsule":
		g.Kind = render.GeometryCylinder
		if typ == "capsule" {
			g.Kind = render.GeometryCapsule
		}
		g.Radius = at(0)
		g.Length = 2 * at(1)
		if ft := c.floatsOf(ctx, what+" fromto", pg.FromTo); len(ft) == 6 {
			from, to := mgl64.Vec3{ft[0], ft[1], ft[2]}, mgl64.Vec3{ft[3], ft[4], ft[5]}
			g.Length = to.Sub(from).Len()
			mid := from.Add(to).Mul(0.5)
			g.Origin = mgl64.Translate3D(mid[0], mid[1], mid[2]).Mul4(alignZ(to.Sub(from)))
		}
	case "plane":
		g.Kind = render.GeometryPlane
		g.Size = [3]float64{2 * at(0), 2 * at(1), 0}
	case "mesh":
		g.Kind = render.GeometryMesh
	default:
		c.diag.WarnOnce(models.KindStructural, "unsupported_geom", typ, "geom type %q is not supported", typ)
		return
	}

	if !g.Collision {
		g.MaterialID = c.material(ctx, id, pg)
	}
	if g.Kind == render.GeometryMesh {
		asset, ok := c.meshes[pg.Mesh]
		if !ok {
			c.diag.WarnOnce(models.KindResourceMissing, "mesh_missing", pg.Mesh, "mesh asset %q is not declared", pg.Mesh)
			return
		}
		if f := c.floatsOf(ctx, "mesh "+pg.Mesh+" scale", asset.Scale); len(f) == 3 {
			g.Scale = [3]float64{f[0], f[1], f[2]}
		}
		c.batch.add(link, g, c.assetPath(c.meshDir, asset.File))
		return
	}
	c.attach(ctx, link, g)
}

// alignZ rotates +Z onto dir.
func alignZ(dir mgl64.Vec3) mgl64.Mat4 {
	if dir.Len() == 0 {
		return mgl64.Ident4()
	}
	return mgl64.QuatBetweenVectors(mgl64.Vec3{0, 0, 1}, dir.Normalize()).Mat4()
}

func (c *mjcfConversion) assetPath(dir, file string) assetRef {
	if dir != "" && !strings.HasPrefix(file, "/") {
		file = path.Join(dir, file)
	}
	return c.ref(file)
}

func (c *mjcfConversion) material(ctx context.Context, id string, pg parser.MJCFGeom) string {
	if pg.Material == "" {
		if pg.RGBA == "" {
			return ""
		}
		desc := materialDesc{ID: "mjcf:" + id}
		if f := c.floatsOf(ctx, id+" rgba", pg.RGBA); len(f) == 4 {
			desc.Color = &[4]float64{f[0], f[1], f[2], f[3]}
		}
		c.buildMaterial(ctx, desc)
		return desc.ID
	}

	matID := "mjcf:material:" + pg.Material
	if c.built[matID] {
		return matID
	}
	mt, ok := c.materials[pg.Material]
	if !ok {
		c.diag.WarnOnce(models.KindStructural, "unknown_material", pg.Material, "material %q is not declared", pg.Material)
		return ""
	}
	desc := materialDesc{ID: matID, Name: mt.Name, Textures: map[render.Slot]assetRef{}}
	if f := c.floatsOf(ctx, "material "+mt.Name+" rgba", mt.RGBA); len(f) == 4 {
		desc.Color = &[4]float64{f[0], f[1], f[2], f[3]}
	}
	if f := c.floatsOf(ctx, "material "+mt.Name+" shininess", mt.Shininess); len(f) == 1 {
		// MuJoCo shininess is in [0, 1].
		desc.Shininess = f[0] * 100
	}
	if mt.Texture != "" {
		tex, ok := c.textures[mt.Texture]
		switch {
		case !ok:
			c.diag.WarnOnce(models.KindResourceMissing, "texture_missing", mt.Texture, "texture asset %q is not declared", mt.Texture)
		case tex.File != "":
			desc.Textures[render.SlotMap] = c.assetPath(c.textureDir, tex.File)
		}
	}
	c.buildMaterial(ctx, desc)
	c.built[matID] = true
	return matID
}

func (c *mjcfConversion) equality(ctx context.Context, eq parser.MJCFEquality) {
	add := func(name string, typ models.ConstraintType, first, second string) {
		if name == "" {
			name = fmt.Sprintf("%s_%d", typ, c.model.Constraints.Len())
		}
		if second == "" && typ != models.ConstraintJoint {
			second = WorldLink
		}
		if !c.model.AddConstraint(&models.Constraint{Name: name, Type: typ, First: first, Second: second}) {
			c.structural(ctx, "duplicate_constraint", "duplicate equality %q skipped", name)
		}
	}
	for _, w := range eq.Welds {
		add(w.Name, models.ConstraintWeld, w.Body1, w.Body2)
	}
	for _, cn := range eq.Connects {
		add(cn.Name, models.ConstraintConnect, cn.Body1, cn.Body2)
	}
	for _, j := range eq.Joints {
		add(j.Name, models.ConstraintJoint, j.Joint1, j.Joint2)
	}
}

// actuators copies actuator force ranges onto joint effort limits.
func (c *mjcfConversion) actuators(groups []parser.MJCFActuators) {
	for _, g := range groups {
		for _, act := range g.All() {
			act = mergeActuator(act, c.class(act.Class, "main").actuator)
			j, ok := c.model.Joint(act.Joint)
			if !ok || !j.Controllable() || act.ForceLimited == "false" {
				continue
			}
			effort, ok := actuatorEffort(act)
			if !ok {
				continue
			}
			if j.Limits == nil {
				j.Limits = &models.JointLimits{}
			}
			j.Limits.Effort = &effort
		}
	}
}

// actuatorEffort is the largest force magnitude the actuator can apply:
// forcerange when present, otherwise ctrlrange scaled by the gear.
func actuatorEffort(act parser.MJCFActuator) (float64, bool) {
	if f, err := parser.Floats(act.ForceRange); err == nil && len(f) == 2 {
		return math.Max(math.Abs(f[0]), math.Abs(f[1])), true
	}
	f, err := parser.Floats(act.CtrlRange)
	if err != nil || len(f) != 2 {
		return 0, false
	}
	gear := 1.0
	if g, err := parser.Floats(act.Gear); err == nil && len(g) > 0 {
		gear = math.Abs(g[0])
	}
	return gear * math.Max(math.Abs(f[0]), math.Abs(f[1])), true
}

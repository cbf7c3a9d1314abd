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

// USDAdapter converts USD stages that carry UsdPhysics schemas.
type USDAdapter struct {
	*base
}

const (
	usdRigidBodyAPI = "PhysicsRigidBodyAPI"
	usdMassAPI      = "PhysicsMassAPI"
)

var usdJointTypes = map[string]models.JointType{
	"PhysicsRevoluteJoint":  models.JointRevolute,
	"PhysicsPrismaticJoint": models.JointPrismatic,
	"PhysicsFixedJoint":     models.JointFixed,
	"PhysicsSphericalJoint": models.JointFloating,
	"PhysicsJoint":          models.JointFixed,
}

// usdInterpolations are the primvar interpolations the viewer handles.
var usdInterpolations = map[string]bool{
	"constant":    true,
	"uniform":     true,
	"vertex":      true,
	"varying":     true,
	"faceVarying": true,
}

// usdSlots maps UsdPreviewSurface inputs onto material slots.
var usdSlots = []struct {
	input string
	slot  render.Slot
}{
	{"inputs:diffuseColor", render.SlotMap},
	{"inputs:opacity", render.SlotAlphaMap},
	{"inputs:normal", render.SlotNormalMap},
	{"inputs:roughness", render.SlotRoughness},
	{"inputs:metallic", render.SlotMetalness},
	{"inputs:emissiveColor", render.SlotEmissive},
}

// usdConversion is the state of one Convert call.
type usdConversion struct {
	*USDAdapter
	stage  *parser.USDStage
	model  *models.UnifiedRobotModel
	links  map[string]string // prim path -> link name
	built  map[string]bool
	batch  meshBatch
	local  map[*parser.USDPrim]mgl64.Mat4
	resets map[*parser.USDPrim]bool
}

func (a *USDAdapter) Convert(ctx context.Context, doc parser.Document, originalText string) (*models.UnifiedRobotModel, error) {
	stage, ok := doc.(*parser.USDStage)
	if !ok {
		return nil, models.Fatal("usd conversion", fmt.Errorf("%w: document is %T", models.ErrUnsupportedFormat, doc))
	}
	root := stage.DefaultPrim()
	name := "usd"
	if root != nil {
		name = root.Name
	}
	m := models.NewUnifiedRobotModel(name, models.FormatUSD)
	m.RenderHandle = "usd:" + name
	c := &usdConversion{
		USDAdapter: a,
		stage:      stage,
		model:      m,
		links:      map[string]string{},
		built:      map[string]bool{},
		local:      map[*parser.USDPrim]mgl64.Mat4{},
		resets:     map[*parser.USDPrim]bool{},
	}

	bodies := c.rigidBodies(root)
	for _, p := range bodies {
		c.addLink(ctx, p)
	}

	var joints []*parser.USDPrim
	stage.Walk(func(p *parser.USDPrim) {
		if _, ok := usdJointTypes[p.TypeName]; ok {
			joints = append(joints, p)
		}
	})
	for _, p := range joints {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.joint(ctx, p)
	}

	for _, p := range bodies {
		c.place(ctx, p)
		c.geometry(ctx, c.links[p.Path], p, p)
	}
	a.flush(ctx, &c.batch)

	m.Joints.Each(func(_ string, j *models.Joint) bool {
		clamp := j.Limits != nil && j.Limits.HasRange
		scale := 1.0
		if j.Type == models.JointRevolute || j.Type == models.JointContinuous {
			scale = 180 / math.Pi
		}
		a.addActuator(j, clamp, scale)
		return true
	})
	return a.finish(ctx, m), nil
}

// rigidBodies returns the prims that become links: every prim with the
// rigid body API, otherwise the Xform children of the default prim, otherwise
// the default prim itself.
func (c *usdConversion) rigidBodies(root *parser.USDPrim) []*parser.USDPrim {
	var out []*parser.USDPrim
	c.stage.Walk(func(p *parser.USDPrim) {
		if p.HasAPI(usdRigidBodyAPI) {
			out = append(out, p)
		}
	})
	if len(out) > 0 || root == nil {
		return out
	}
	for _, child := range root.Children {
		if child.TypeName == "Xform" {
			out = append(out, child)
		}
	}
	if len(out) == 0 {
		out = append(out, root)
	}
	return out
}

func (c *usdConversion) addLink(ctx context.Context, p *parser.USDPrim) {
	link := &models.Link{Name: p.Name, RenderHandle: "usd:" + p.Path, Inertial: c.inertial(p)}
	if !c.model.AddLink(link) {
		c.structural(ctx, "duplicate_link", "rigid body name %q reused at %s, skipped", p.Name, p.Path)
		return
	}
	c.links[p.Path] = p.Name
}

func (c *usdConversion) inertial(p *parser.USDPrim) *models.InertialProperties {
	mass, hasMass := p.Float("physics:mass")
	if !hasMass && !p.HasAPI(usdMassAPI) {
		return nil
	}
	in := &models.InertialProperties{Mass: mass}
	if v, ok := p.Value("physics:centerOfMass"); ok {
		if f := v.Floats(); len(f) == 3 {
			in.Origin.XYZ = models.Vec3{X: f[0], Y: f[1], Z: f[2]}
		}
	}
	if v, ok := p.Value("physics:principalAxes"); ok {
		if f := v.Floats(); len(f) == 4 {
			in.Origin.RPY = render.QuatToRPY(f[0], f[1], f[2], f[3])
		}
	}
	if v, ok := p.Value("physics:diagonalInertia"); ok {
		if f := v.Floats(); len(f) == 3 {
			in.Ixx, in.Iyy, in.Izz = f[0], f[1], f[2]
		}
	}
	return in
}

// linkFor returns the link owning the prim at target: the nearest ancestor
// that is a link.
func (c *usdConversion) linkFor(target string) (string, bool) {
	for p := target; p != "" && p != "/"; p = path.Dir(p) {
		if name, ok := c.links[p]; ok {
			return name, true
		}
	}
	return "", false
}

func usdBool(p *parser.USDPrim, name string) bool {
	v, ok := p.Value(name)
	if !ok {
		return false
	}
	if v.Kind == parser.USDNumber {
		return v.Num != 0
	}
	s := v.Strings()
	return len(s) > 0 && s[0] == "true"
}

func usdVec3(p *parser.USDPrim, name string) (mgl64.Vec3, bool) {
	v, ok := p.Value(name)
	if !ok {
		return mgl64.Vec3{}, false
	}
	f := v.Floats()
	if len(f) != 3 {
		return mgl64.Vec3{}, false
	}
	return mgl64.Vec3{f[0], f[1], f[2]}, true
}

// jointFrame is the joint frame in the space of body0 or body1.
func jointFrame(p *parser.USDPrim, side string) mgl64.Mat4 {
	t := mgl64.Ident4()
	if pos, ok := usdVec3(p, "physics:localPos"+side); ok {
		t = mgl64.Translate3D(pos[0], pos[1], pos[2])
	}
	if v, ok := p.Value("physics:localRot" + side); ok {
		if q := v.Floats(); len(q) == 4 {
			t = t.Mul4(render.QuatMatrix(q[0], q[1], q[2], q[3]))
		}
	}
	return t
}

func (c *usdConversion) joint(ctx context.Context, p *parser.USDPrim) {
	b0, has0 := p.Target("physics:body0")
	b1, has1 := p.Target("physics:body1")
	if !has1 {
		c.structural(ctx, "dangling_joint", "joint %s has no body1", p.Path)
		return
	}
	child, ok := c.linkFor(b1)
	if !ok {
		c.structural(ctx, "dangling_joint", "joint %s body1 %s is not a rigid body", p.Path, b1)
		return
	}
	if !has0 {
		c.log.Debug(ctx, "joint anchors to world", logging.String("joint", p.Path))
		return
	}
	parent, ok := c.linkFor(b0)
	if !ok {
		c.structural(ctx, "dangling_joint", "joint %s body0 %s is not a rigid body", p.Path, b0)
		return
	}

	if usdBool(p, "physics:excludeFromArticulation") {
		con := &models.Constraint{Name: p.Name, Type: models.ConstraintJoint, First: parent, Second: child}
		if !c.model.AddConstraint(con) {
			c.structural(ctx, "duplicate_constraint", "duplicate loop joint %q skipped", p.Name)
		}
		return
	}

	typ := usdJointTypes[p.TypeName]
	origin := jointFrame(p, "0").Mul4(jointFrame(p, "1").Inv())
	j := &models.Joint{
		Name:   p.Name,
		Type:   typ,
		Parent: parent,
		Child:  child,
		Origin: poseOf(origin),
		Axis:   usdAxis(p),
	}
	c.limits(j, p)
	if !c.model.AddJoint(j) {
		c.structural(ctx, "duplicate_joint", "duplicate joint %q skipped", p.Name)
	}
}

func usdAxis(p *parser.USDPrim) models.Vec3 {
	axis, _ := p.Text("physics:axis")
	switch strings.ToUpper(axis) {
	case "Y":
		return models.Vec3{Y: 1}
	case "Z":
		return models.Vec3{Z: 1}
	}
	return models.Vec3{X: 1}
}

// limits converts physics limits and drive settings. Revolute values are
// authored in degrees.
func (c *usdConversion) limits(j *models.Joint, p *parser.USDPrim) {
	unit := 1.0
	drive := "drive:linear:physics:maxForce"
	switch j.Type {
	case models.JointRevolute:
		unit = math.Pi / 180
		drive = "drive:angular:physics:maxForce"
	case models.JointPrismatic:
	default:
		return
	}

	l := &models.JointLimits{}
	lower, okL := p.Float("physics:lowerLimit")
	upper, okU := p.Float("physics:upperLimit")
	if okL && okU && !math.IsInf(lower, 0) && !math.IsInf(upper, 0) {
		l.Lower, l.Upper, l.HasRange = lower*unit, upper*unit, true
	}
	if f, ok := p.Float(drive); ok && !math.IsInf(f, 0) {
		l.Effort = &f
	}
	if f, ok := p.Float("physxJoint:maxJointVelocity"); ok && !math.IsInf(f, 0) {
		v := f * unit
		l.Velocity = &v
	}
	if j.Type == models.JointRevolute && !l.HasRange {
		j.Type = models.JointContinuous
	}
	if l.HasRange || l.Effort != nil || l.Velocity != nil {
		j.Limits = l
	}
}

// place attaches links without a joint parent to their enclosing link, or
// positions them in world space.
func (c *usdConversion) place(ctx context.Context, p *parser.USDPrim) {
	name := c.links[p.Path]
	if name == "" || c.hasParentJoint(name) {
		return
	}
	world := c.world(p)
	if p.Parent != nil {
		if parent, ok := c.linkFor(p.Parent.Path); ok {
			if l, ok := c.model.Link(name); ok {
				l.ParentName = parent
			}
			pp, _ := c.stage.Prim(c.pathOf(parent))
			if pp != nil {
				world = c.world(pp).Inv().Mul4(world)
			}
		}
	}
	if err := c.opts.Renderer.SetTransform(name, world); err != nil {
		c.log.Warn(ctx, "set transform failed", logging.String("link", name), logging.Err(err))
	}
}

func (c *usdConversion) hasParentJoint(link string) bool {
	found := false
	c.model.Joints.Each(func(_ string, j *models.Joint) bool {
		found = j.Child == link
		return !found
	})
	return found
}

func (c *usdConversion) pathOf(link string) string {
	for p, name := range c.links {
		if name == link {
			return p
		}
	}
	return ""
}

// world composes the local transforms from the stage root down to p.
func (c *usdConversion) world(p *parser.USDPrim) mgl64.Mat4 {
	m := c.localOf(p)
	for q := p; q.Parent != nil && !c.resets[q]; q = q.Parent {
		m = c.localOf(q.Parent).Mul4(m)
	}
	return m
}

// relative composes the local transforms from below ancestor down to p.
func (c *usdConversion) relative(ancestor, p *parser.USDPrim) mgl64.Mat4 {
	m := mgl64.Ident4()
	for q := p; q != nil && q != ancestor; q = q.Parent {
		m = c.localOf(q).Mul4(m)
		if c.resets[q] {
			break
		}
	}
	return m
}

func (c *usdConversion) localOf(p *parser.USDPrim) mgl64.Mat4 {
	if m, ok := c.local[p]; ok {
		return m
	}
	m, reset := xformOps(p)
	c.local[p] = m
	c.resets[p] = reset
	return m
}

// xformOps evaluates xformOpOrder. reset reports a !resetXformStack! entry.
func xformOps(p *parser.USDPrim) (m mgl64.Mat4, reset bool) {
	m = mgl64.Ident4()
	order, ok := p.Value("xformOpOrder")
	if !ok {
		return m, false
	}
	for _, op := range order.Strings() {
		if op == "!resetXformStack!" {
			m, reset = mgl64.Ident4(), true
			continue
		}
		invert := strings.HasPrefix(op, "!invert!")
		op = strings.TrimPrefix(op, "!invert!")
		v, ok := p.Value(op)
		if !ok {
			continue
		}
		t := xformOp(op, v.Floats())
		if invert {
			t = t.Inv()
		}
		m = m.Mul4(t)
	}
	return m, reset
}

func xformOp(name string, f []float64) mgl64.Mat4 {
	kind := strings.TrimPrefix(name, "xformOp:")
	if i := strings.IndexByte(kind, ':'); i >= 0 {
		kind = kind[:i]
	}
	deg := func(i int) float64 { return f[i] * math.Pi / 180 }
	switch {
	case kind == "translate" && len(f) == 3:
		return mgl64.Translate3D(f[0], f[1], f[2])
	case kind == "scale" && len(f) == 3:
		return mgl64.Scale3D(f[0], f[1], f[2])
	case kind == "orient" && len(f) == 4:
		return render.QuatMatrix(f[0], f[1], f[2], f[3])
	case kind == "transform" && len(f) == 16:
		var out mgl64.Mat4
		copy(out[:], f)
		return out
	case kind == "rotateX" && len(f) == 1:
		return mgl64.HomogRotate3DX(deg(0))
	case kind == "rotateY" && len(f) == 1:
		return mgl64.HomogRotate3DY(deg(0))
	case kind == "rotateZ" && len(f) == 1:
		return mgl64.HomogRotate3DZ(deg(0))
	case strings.HasPrefix(kind, "rotate") && len(kind) == 9 && len(f) == 3:
		// rotateXYZ applies X first.
		m := mgl64.Ident4()
		for i, axis := range kind[6:] {
			var r mgl64.Mat4
			switch axis {
			case 'X':
				r = mgl64.HomogRotate3DX(deg(i))
			case 'Y':
				r = mgl64.HomogRotate3DY(deg(i))
			default:
				r = mgl64.HomogRotate3DZ(deg(i))
			}
			m = r.Mul4(m)
		}
		return m
	}
	return mgl64.Ident4()
}

// geometry attaches the gprims below p to link, stopping at nested links.
func (c *usdConversion) geometry(ctx context.Context, link string, owner, p *parser.USDPrim) {
	if link == "" {
		return
	}
	if p != owner {
		if _, isLink := c.links[p.Path]; isLink {
			return
		}
	}
	switch p.TypeName {
	case "Material", "Shader", "NodeGraph":
		return
	}
	if _, isJoint := usdJointTypes[p.TypeName]; isJoint {
		return
	}
	c.checkPrimvars(p)

	origin := c.relative(owner, p)
	collision := c.collision(p)
	for _, ref := range p.References() {
		g := render.Geometry{Kind: render.GeometryMesh, Name: p.Name, Scale: [3]float64{1, 1, 1}, Origin: origin, Collision: collision}
		if !collision {
			g.MaterialID = c.material(ctx, p)
		}
		c.batch.add(link, g, c.assetRef(ref))
	}
	if g, ok := c.gprim(p, origin); ok {
		g.Collision = collision
		if !collision {
			g.MaterialID = c.material(ctx, p)
		}
		c.attach(ctx, link, g)
	}
	for _, child := range p.Children {
		c.geometry(ctx, link, owner, child)
	}
}

// gprim converts the built-in shapes. Inline mesh data is handed over as
// the prim itself.
func (c *usdConversion) gprim(p *parser.USDPrim, origin mgl64.Mat4) (render.Geometry, bool) {
	g := render.Geometry{Name: p.Name, Scale: [3]float64{1, 1, 1}, Origin: origin}
	get := func(name string, def float64) float64 {
		if f, ok := p.Float(name); ok {
			return f
		}
		return def
	}
	switch p.TypeName {
	case "Cube":
		s := get("size", 2)
		g.Kind, g.Size = render.GeometryBox, [3]float64{s, s, s}
	case "Sphere":
		g.Kind, g.Radius = render.GeometrySphere, get("radius", 1)
	case "Cylinder", "Capsule":
		g.Kind = render.GeometryCylinder
		if p.TypeName == "Capsule" {
			g.Kind = render.GeometryCapsule
		}
		def := 1.0
		if p.TypeName == "Cylinder" {
			def = 2
		}
		g.Radius, g.Length = get("radius", def/2), get("height", def)
		if axis, _ := p.Text("axis"); axis == "X" || axis == "Y" {
			g.Origin = g.Origin.Mul4(alignZ(mgl64.Vec3{b2f(axis == "X"), b2f(axis == "Y"), 0}))
		}
	case "Plane":
		g.Kind = render.GeometryPlane
		g.Size = [3]float64{get("width", 2), get("length", 2), 0}
	case "Mesh":
		if _, ok := p.Value("points"); !ok {
			return g, false
		}
		g.Kind, g.Mesh = render.GeometryMesh, p
	default:
		return g, false
	}
	return g, true
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (c *usdConversion) collision(p *parser.USDPrim) bool {
	for q := p; q != nil; q = q.Parent {
		if purpose, _ := q.Text("purpose"); purpose == "guide" {
			return true
		}
		if name := strings.ToLower(q.Name); name == "collisions" || name == "collision" {
			return true
		}
		if _, isLink := c.links[q.Path]; isLink {
			break
		}
	}
	return false
}

func (c *usdConversion) checkPrimvars(p *parser.USDPrim) {
	for _, prop := range p.Properties {
		if !strings.HasPrefix(prop.Name, "primvars:") {
			continue
		}
		v, ok := prop.Metadata["interpolation"]
		if !ok {
			continue
		}
		if s := v.Strings(); len(s) > 0 && !usdInterpolations[s[0]] {
			c.diag.WarnOnce(models.KindStructural, "unsupported_interpolation", s[0], "primvar interpolation %q is not supported", s[0])
		}
	}
}

// assetRef maps a layer-relative asset path. Inside a usdz package assets
// resolve against the layer's directory in the archive.
func (c *usdConversion) assetRef(asset string) assetRef {
	if outer, inner, ok := fileset.InnerPath(c.opts.EntryPath); ok && !strings.Contains(asset, "://") {
		return assetRef{Ref: fileset.JoinInner(outer, path.Join(path.Dir(inner), asset))}
	}
	return c.ref(asset)
}

// boundMaterial returns the material bound to p or its nearest ancestor.
func (c *usdConversion) boundMaterial(p *parser.USDPrim) (*parser.USDPrim, bool) {
	for q := p; q != nil; q = q.Parent {
		if target, ok := q.Target("material:binding"); ok {
			return c.stage.PrimForTarget(target)
		}
	}
	return nil, false
}

func (c *usdConversion) material(ctx context.Context, p *parser.USDPrim) string {
	mat, ok := c.boundMaterial(p)
	if !ok {
		if v, ok := p.Value("primvars:displayColor"); ok {
			if f := v.Floats(); len(f) >= 3 {
				id := "usd:" + p.Path
				desc := materialDesc{ID: id, Color: &[4]float64{f[0], f[1], f[2], 1}}
				if o, ok := p.Float("primvars:displayOpacity"); ok {
					desc.Opacity = &o
				}
				c.buildMaterial(ctx, desc)
				return id
			}
		}
		return ""
	}
	id := "usd:" + mat.Path
	if c.built[id] {
		return id
	}
	c.built[id] = true

	desc := materialDesc{ID: id, Name: mat.Name, Textures: map[render.Slot]assetRef{}}
	shader := c.surfaceShader(mat)
	if shader == nil {
		c.diag.WarnOnce(models.KindStructural, "no_surface_shader", mat.Path, "material %s has no UsdPreviewSurface", mat.Path)
		c.buildMaterial(ctx, desc)
		return id
	}
	if v, ok := shader.Value("inputs:diffuseColor"); ok {
		if f := v.Floats(); len(f) == 3 {
			desc.Color = &[4]float64{f[0], f[1], f[2], 1}
		}
	}
	if f, ok := shader.Float("inputs:opacity"); ok {
		desc.Opacity = &f
	}
	if f, ok := shader.Float("inputs:roughness"); ok {
		desc.Roughness = &f
	}
	if f, ok := shader.Float("inputs:metallic"); ok {
		desc.Metalness = &f
	}
	for _, s := range usdSlots {
		target, ok := shader.Target(s.input + ".connect")
		if !ok {
			continue
		}
		tex, ok := c.stage.PrimForTarget(target)
		if !ok {
			continue
		}
		if file, ok := tex.Value("inputs:file"); ok && file.Kind == parser.USDAssetPath {
			desc.Textures[s.slot] = c.assetRef(file.Str)
		}
	}
	c.buildMaterial(ctx, desc)
	return id
}

// surfaceShader follows outputs:surface.connect, falling back to the first
// UsdPreviewSurface child.
func (c *usdConversion) surfaceShader(mat *parser.USDPrim) *parser.USDPrim {
	if target, ok := mat.Target("outputs:surface.connect"); ok {
		if s, ok := c.stage.PrimForTarget(target); ok {
			return s
		}
	}
	for _, child := range mat.Children {
		if id, _ := child.Text("info:id"); id == "UsdPreviewSurface" {
			return child
		}
	}
	return nil
}

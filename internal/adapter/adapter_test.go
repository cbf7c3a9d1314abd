package adapter

import (
	"context"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robot-viewer/backend/internal/fileset"
	"github.com/robot-viewer/backend/internal/models"
	"github.com/robot-viewer/backend/internal/parser"
	"github.com/robot-viewer/backend/internal/render"
)

type fixture struct {
	adapter  FormatAdapter
	model    *models.UnifiedRobotModel
	renderer *render.Recorder
	diag     *models.Diagnostics
}

func convert(t *testing.T, entry string, files map[string]string) fixture {
	t.Helper()
	data := make(map[string][]byte, len(files))
	for k, v := range files {
		data[k] = []byte(v)
	}
	fs := fileset.FromMap(data)
	src := data[entry]

	p, err := parser.NewRegistry().Detect(entry, src)
	require.NoError(t, err)
	doc, err := p.Parse(context.Background(), src)
	require.NoError(t, err)

	rec := render.NewRecorder()
	diag := models.NewDiagnostics()
	a, err := New(p.Format(), Options{Files: fs, Renderer: rec, Diagnostics: diag, EntryPath: entry})
	require.NoError(t, err)
	m, err := a.Convert(context.Background(), doc, string(src))
	require.NoError(t, err)
	return fixture{adapter: a, model: m, renderer: rec, diag: diag}
}

const armURDF = `<?xml version="1.0"?>
<robot name="arm">
  <material name="grey"><color rgba="0.5 0.5 0.5 1"/></material>
  <link name="base">
    <visual>
      <geometry><mesh filename="meshes/base.stl"/></geometry>
      <material name="grey"/>
    </visual>
  </link>
  <link name="arm">
    <inertial><mass value="2"/><inertia ixx="1" iyy="2" izz="3" ixy="0" ixz="0" iyz="0"/></inertial>
    <visual><geometry><box size="1 2 3"/></geometry></visual>
  </link>
  <link name="tool"/>
  <link name="wheel"/>
  <joint name="j1" type="revolute">
    <parent link="base"/>
    <child link="arm"/>
    <axis xyz="0 0 1"/>
    <limit lower="-1" upper="1" effort="10" velocity="2"/>
  </joint>
  <joint name="tool_mount" type="fixed">
    <parent link="arm"/>
    <child link="tool"/>
  </joint>
  <joint name="spin" type="continuous">
    <parent link="arm"/>
    <child link="wheel"/>
    <limit effort="4" velocity="8"/>
  </joint>
</robot>`

func TestURDFConvert(t *testing.T) {
	f := convert(t, "robot.urdf", map[string]string{
		"robot.urdf":       armURDF,
		"meshes/base.stl": "solid base\nendsolid base\n",
	})
	m := f.model

	assert.Equal(t, models.FormatURDF, m.SourceFormat)
	assert.Equal(t, []string{"base", "arm", "tool", "wheel"}, m.Links.Keys())
	assert.Equal(t, "base", m.RootLink)

	j1, ok := m.Joint("j1")
	require.True(t, ok)
	require.NotNil(t, j1.Limits)
	assert.Equal(t, -1.0, j1.Limits.Lower)
	assert.Equal(t, 1.0, j1.Limits.Upper)
	assert.True(t, j1.Limits.HasRange)
	require.NotNil(t, j1.Limits.Effort)
	assert.Equal(t, 10.0, *j1.Limits.Effort)
	require.NotNil(t, j1.Limits.Velocity)
	assert.Equal(t, 2.0, *j1.Limits.Velocity)
	assert.Equal(t, models.Vec3{Z: 1}, j1.Axis)

	arm, _ := m.Link("arm")
	require.NotNil(t, arm.Inertial)
	assert.Equal(t, 2.0, arm.Inertial.Mass)
	assert.Equal(t, 3.0, arm.Inertial.Izz)

	assert.Equal(t, 1, f.renderer.GeometryCount("base"))
	assert.Equal(t, render.GeometryMesh, f.renderer.Geometry["base"][0].Kind)
	assert.Equal(t, render.GeometryBox, f.renderer.Geometry["arm"][0].Kind)
	mat, ok := f.renderer.Material("urdf:material:grey")
	require.True(t, ok)
	assert.Equal(t, &[4]float64{0.5, 0.5, 0.5, 1}, mat.Color)
	assert.True(t, mat.Enhanced)

	_, ok = f.renderer.Transform("arm")
	assert.True(t, ok)
	assert.Empty(t, f.diag.Warnings())
}

func TestURDFContinuousAndFixedJoints(t *testing.T) {
	f := convert(t, "robot.urdf", map[string]string{"robot.urdf": armURDF})

	spin, _ := f.model.Joint("spin")
	assert.Equal(t, models.JointContinuous, spin.Type)
	require.NotNil(t, spin.Limits)
	assert.False(t, spin.Limits.HasRange)
	assert.Equal(t, 4.0, *spin.Limits.Effort)

	// continuous joints do not clamp
	require.NoError(t, f.adapter.SetJointAngle("spin", 10, false))
	assert.Equal(t, 10.0, spin.CurrentValue)

	mount, _ := f.model.Joint("tool_mount")
	assert.Nil(t, mount.Limits)
	assert.ErrorIs(t, f.adapter.SetJointAngle("tool_mount", 1, false), models.ErrJointFixed)
	assert.ErrorIs(t, f.adapter.SetJointAngle("nope", 1, false), models.ErrJointNotFound)

	assert.Equal(t, 1, f.diag.Count("mesh_missing"))
}

func TestSetJointAngleClampsAndIgnoreLimitsRestores(t *testing.T) {
	f := convert(t, "robot.urdf", map[string]string{"robot.urdf": armURDF})
	j1, _ := f.model.Joint("j1")

	require.NoError(t, f.adapter.SetJointAngle("j1", 10, false))
	assert.Equal(t, 1.0, j1.CurrentValue)

	require.NoError(t, f.adapter.SetJointAngle("j1", 10, true))
	assert.Equal(t, 10.0, j1.CurrentValue)

	act, ok := f.adapter.(*URDFAdapter).Actuator("j1")
	require.True(t, ok)
	assert.True(t, act.State.Limited)
	assert.Equal(t, -1.0, act.State.Lower)
	assert.Equal(t, 1.0, act.State.Upper)
	assert.Equal(t, 10.0, *act.State.Effort)

	require.NoError(t, f.adapter.SetJointAngle("j1", -5, false))
	assert.Equal(t, -1.0, j1.CurrentValue)
}

func TestSyncLimitsPicksUpEditedLimits(t *testing.T) {
	f := convert(t, "robot.urdf", map[string]string{"robot.urdf": armURDF})
	j1, _ := f.model.Joint("j1")
	j1.Limits.Upper = 2

	require.NoError(t, f.adapter.SyncLimits("j1"))
	require.NoError(t, f.adapter.SetJointAngle("j1", 5, false))
	assert.Equal(t, 2.0, j1.CurrentValue)
}

func TestURDFTexturePlaceholder(t *testing.T) {
	f := convert(t, "robot.urdf", map[string]string{"robot.urdf": `<robot name="r">
  <link name="a">
    <visual>
      <geometry><sphere radius="0.1"/></geometry>
      <material name="painted"><texture filename="textures/paint.png"/></material>
    </visual>
  </link>
</robot>`})

	assert.Equal(t, 1, f.diag.Count("texture_placeholder"))
	mat, ok := f.renderer.Material("a/visual0")
	require.True(t, ok)
	tex, ok := mat.Textures[render.SlotMap]
	require.True(t, ok)
	assert.True(t, tex.Placeholder)
}

func TestURDFStructuralWarnings(t *testing.T) {
	f := convert(t, "robot.urdf", map[string]string{"robot.urdf": `<robot name="r">
  <link name="a"/>
  <link name="a"/>
  <link name="b"/>
  <joint name="j" type="screw"><parent link="a"/><child link="b"/></joint>
  <joint name="k" type="fixed"><parent link="a"/><child link="ghost"/></joint>
</robot>`})

	assert.Equal(t, 1, f.diag.Count("duplicate_link"))
	assert.Equal(t, 1, f.diag.Count("unknown_joint_type"))
	assert.Equal(t, 1, f.diag.Count("dangling_joint"))
	j, _ := f.model.Joint("j")
	assert.Equal(t, models.JointFixed, j.Type)
}

const pendulumMJCF = `<mujoco model="pendulum">
  <compiler angle="degree" meshdir="assets"/>
  <default>
    <joint limited="true" range="-90 90"/>
    <default class="free_spin"><joint limited="false"/></default>
  </default>
  <asset>
    <mesh name="link_mesh" file="link.stl"/>
    <material name="blue" rgba="0 0 1 1"/>
  </asset>
  <include file="parts/base.xml"/>
  <worldbody>
    <geom name="floor" type="plane" size="5 5 0.1"/>
    <body name="base" pos="0 0 1">
      <body name="link1" pos="0 0 0.5">
        <joint name="hinge" axis="0 1 0"/>
        <geom type="mesh" mesh="link_mesh" material="blue"/>
        <body name="link2" pos="0 0 0.5">
          <joint name="spin" class="free_spin"/>
          <joint name="slide" type="slide" range="0 0.2"/>
          <geom type="capsule" size="0.05 0.2"/>
        </body>
      </body>
    </body>
  </worldbody>
  <equality>
    <weld name="lock" body1="link2" body2="base"/>
    <joint joint1="hinge" joint2="slide"/>
  </equality>
  <actuator>
    <motor joint="hinge" forcerange="-3 7"/>
    <motor joint="slide" ctrlrange="-1 1" gear="20"/>
  </actuator>
</mujoco>`

func TestMJCFConvert(t *testing.T) {
	f := convert(t, "pendulum.xml", map[string]string{
		"pendulum.xml":      pendulumMJCF,
		"parts/base.xml":    `<mujoco><asset><texture name="unused" file="t.png"/></asset></mujoco>`,
		"assets/link.stl":   "solid l\nendsolid l\n",
	})
	m := f.model

	assert.Equal(t, models.FormatMJCF, m.SourceFormat)
	assert.Equal(t, WorldLink, m.RootLink)
	base, ok := m.Link("base")
	require.True(t, ok)
	assert.Equal(t, WorldLink, base.ParentName)

	hinge, _ := m.Joint("hinge")
	assert.Equal(t, models.JointRevolute, hinge.Type)
	assert.Equal(t, "base", hinge.Parent)
	assert.Equal(t, "link1", hinge.Child)
	assert.Equal(t, models.Vec3{Y: 1}, hinge.Axis)
	assert.InDelta(t, 0.5, hinge.Origin.XYZ.Z, 1e-9)
	require.NotNil(t, hinge.Limits)
	assert.InDelta(t, -math.Pi/2, hinge.Limits.Lower, 1e-9)
	assert.InDelta(t, math.Pi/2, hinge.Limits.Upper, 1e-9)
	assert.Equal(t, 7.0, *hinge.Limits.Effort)

	spin, _ := m.Joint("spin")
	assert.Equal(t, models.JointContinuous, spin.Type)
	assert.Nil(t, spin.Limits)
	assert.Equal(t, "link1", spin.Parent)
	assert.Equal(t, "link2_0", spin.Child)

	slide, _ := m.Joint("slide")
	assert.Equal(t, models.JointPrismatic, slide.Type)
	assert.Equal(t, "link2_0", slide.Parent)
	assert.Equal(t, "link2", slide.Child)
	assert.Equal(t, 0.2, slide.Limits.Upper)
	assert.Equal(t, 20.0, *slide.Limits.Effort)

	require.Equal(t, 2, m.Constraints.Len())
	lock, _ := m.Constraints.Get("lock")
	assert.Equal(t, models.ConstraintWeld, lock.Type)

	assert.Equal(t, 1, f.renderer.GeometryCount(WorldLink))
	assert.Equal(t, 1, f.renderer.GeometryCount("link1"))
	assert.Equal(t, render.GeometryCapsule, f.renderer.Geometry["link2"][0].Kind)
	assert.InDelta(t, 0.4, f.renderer.Geometry["link2"][0].Length, 1e-9)
	assert.Equal(t, "mjcf:material:blue", f.renderer.Geometry["link1"][0].MaterialID)
	assert.Equal(t, 0, f.diag.Count("include_missing"))
	assert.Equal(t, 0, f.diag.Count("mesh_missing"))
}

func TestMJCFActuatorClampsOnlyLimitedJoints(t *testing.T) {
	f := convert(t, "pendulum.xml", map[string]string{"pendulum.xml": pendulumMJCF})

	require.NoError(t, f.adapter.SetJointAngle("hinge", 3, false))
	hinge, _ := f.model.Joint("hinge")
	assert.InDelta(t, math.Pi/2, hinge.CurrentValue, 1e-9)

	require.NoError(t, f.adapter.SetJointAngle("spin", 10, false))
	spin, _ := f.model.Joint("spin")
	assert.Equal(t, 10.0, spin.CurrentValue)

	assert.Equal(t, 1, f.diag.Count("include_missing"))
}

const armUSDA = `#usda 1.0
(
    defaultPrim = "arm"
    metersPerUnit = 1
)

def Xform "arm"
{
    def Xform "base" (
        prepend apiSchemas = ["PhysicsRigidBodyAPI", "PhysicsMassAPI"]
    )
    {
        float physics:mass = 3
        float3 physics:diagonalInertia = (0.1, 0.2, 0.3)

        def Cube "box"
        {
            double size = 0.5
            rel material:binding = </arm/Looks/painted>
            double3 xformOp:translate = (0, 0, 0.25)
            uniform token[] xformOpOrder = ["xformOp:translate"]
        }
    }

    def Xform "link" (
        prepend apiSchemas = ["PhysicsRigidBodyAPI"]
    )
    {
        def Xform "visual" (
            references = @meshes/link.usda@
        )
        {
        }
        def Scope "collisions"
        {
            def Sphere "ball"
            {
                double radius = 0.1
            }
        }
        def Mesh "decal"
        {
            point3f[] points = [(0, 0, 0), (1, 0, 0), (0, 1, 0)]
            texCoord2f[] primvars:st = [(0, 0)] (
                interpolation = "perPoint"
            )
        }
    }

    def PhysicsRevoluteJoint "shoulder"
    {
        rel physics:body0 = </arm/base>
        rel physics:body1 = </arm/link>
        uniform token physics:axis = "Z"
        float physics:lowerLimit = -90
        float physics:upperLimit = 90
        point3f physics:localPos0 = (0, 0, 0.5)
        point3f physics:localPos1 = (0, 0, 0)
        quatf physics:localRot0 = (1, 0, 0, 0)
        quatf physics:localRot1 = (1, 0, 0, 0)
        float drive:angular:physics:maxForce = 50
    }

    def PhysicsFixedJoint "anchor"
    {
        rel physics:body1 = </arm/base>
    }

    def PhysicsRevoluteJoint "loop"
    {
        rel physics:body0 = </arm/link>
        rel physics:body1 = </arm/base>
        bool physics:excludeFromArticulation = 1
    }

    def Scope "Looks"
    {
        def Material "painted"
        {
            token outputs:surface.connect = </arm/Looks/painted/surface.outputs:surface>

            def Shader "surface"
            {
                uniform token info:id = "UsdPreviewSurface"
                color3f inputs:diffuseColor = (1, 0, 0)
                float inputs:roughness = 0.4
                color3f inputs:diffuseColor.connect = </arm/Looks/painted/albedo.outputs:rgb>
                float inputs:opacity.connect = </arm/Looks/painted/alpha.outputs:a>
            }
            def Shader "albedo"
            {
                uniform token info:id = "UsdUVTexture"
                asset inputs:file = @textures/albedo.png@
            }
            def Shader "alpha"
            {
                uniform token info:id = "UsdUVTexture"
                asset inputs:file = @textures/alpha.png@
            }
        }
    }
}
`

func TestUSDConvert(t *testing.T) {
	f := convert(t, "arm.usda", map[string]string{
		"arm.usda":          armUSDA,
		"meshes/link.usda":  "#usda 1.0\n",
	})
	m := f.model

	assert.Equal(t, models.FormatUSD, m.SourceFormat)
	assert.Equal(t, "arm", m.Name)
	assert.Equal(t, []string{"base", "link"}, m.Links.Keys())
	assert.Equal(t, "base", m.RootLink)

	base, _ := m.Link("base")
	require.NotNil(t, base.Inertial)
	assert.Equal(t, 3.0, base.Inertial.Mass)
	assert.InDelta(t, 0.2, base.Inertial.Iyy, 1e-9)

	require.Equal(t, 1, m.Joints.Len())
	sh, _ := m.Joint("shoulder")
	assert.Equal(t, models.JointRevolute, sh.Type)
	assert.Equal(t, models.Vec3{Z: 1}, sh.Axis)
	assert.InDelta(t, -math.Pi/2, sh.Limits.Lower, 1e-9)
	assert.InDelta(t, 0.5, sh.Origin.XYZ.Z, 1e-9)
	assert.Equal(t, 50.0, *sh.Limits.Effort)

	loop, ok := m.Constraints.Get("loop")
	require.True(t, ok)
	assert.Equal(t, models.ConstraintJoint, loop.Type)

	box := f.renderer.Geometry["base"][0]
	assert.Equal(t, render.GeometryBox, box.Kind)
	assert.Equal(t, [3]float64{0.5, 0.5, 0.5}, box.Size)
	assert.InDelta(t, 0.25, box.Origin.At(2, 3), 1e-9)

	require.Equal(t, 3, f.renderer.GeometryCount("link"))
	var collisions int
	for _, g := range f.renderer.Geometry["link"] {
		if g.Collision {
			collisions++
		}
	}
	assert.Equal(t, 1, collisions)
	assert.Equal(t, 1, f.diag.Count("unsupported_interpolation"))

	mat, ok := f.renderer.Material("usd:/arm/Looks/painted")
	require.True(t, ok)
	assert.Contains(t, mat.Textures, render.SlotMap)
	assert.Contains(t, mat.Textures, render.SlotAlphaMap)
	// the diffuse map is assigned before the alpha map
	assert.True(t, mat.Transparent)
	assert.Zero(t, mat.AlphaTest)
	assert.Equal(t, 2, f.diag.Count("texture_placeholder"))
}

func TestUSDActuatorUsesDegrees(t *testing.T) {
	f := convert(t, "arm.usda", map[string]string{"arm.usda": armUSDA})

	act, ok := f.adapter.(*USDAdapter).Actuator("shoulder")
	require.True(t, ok)
	assert.InDelta(t, -90, act.State.Lower, 1e-9)
	assert.InDelta(t, 90, act.State.Upper, 1e-9)

	require.NoError(t, f.adapter.SetJointAngle("shoulder", math.Pi, false))
	sh, _ := f.model.Joint("shoulder")
	assert.InDelta(t, math.Pi/2, sh.CurrentValue, 1e-9)
	assert.InDelta(t, 90, act.Value(), 1e-9)
}

func TestUSDZAssetsResolveInsideArchive(t *testing.T) {
	a := &USDAdapter{base: newBase(models.FormatUSD, Options{EntryPath: "robot.usdz[scene/arm.usda]"}.withDefaults())}
	c := &usdConversion{USDAdapter: a}

	ref := c.assetRef("../textures/a.png")
	assert.Equal(t, "robot.usdz[textures/a.png]", ref.Ref)
	assert.Empty(t, ref.Dir)
}

func TestXformOpsOrder(t *testing.T) {
	doc, err := parser.NewUSDParser().Parse(context.Background(), []byte(`#usda 1.0
def Xform "a"
{
    double3 xformOp:translate = (1, 0, 0)
    float3 xformOp:rotateXYZ = (0, 0, 90)
    uniform token[] xformOpOrder = ["xformOp:translate", "xformOp:rotateXYZ"]
}
`))
	require.NoError(t, err)
	p, _ := doc.(*parser.USDStage).Prim("/a")

	m, reset := xformOps(p)
	assert.False(t, reset)
	v := m.Mul4x1(mgl64.Vec4{1, 0, 0, 1})
	assert.InDelta(t, 1, v[0], 1e-9)
	assert.InDelta(t, 1, v[1], 1e-9)
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New("step", Options{})
	assert.ErrorIs(t, err, models.ErrUnsupportedFormat)
}

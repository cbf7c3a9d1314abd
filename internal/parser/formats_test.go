package parser

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robot-viewer/backend/internal/models"
)

const twoLinkURDF = `<?xml version="1.0"?>
<robot name="arm" xmlns:xacro="http://www.ros.org/wiki/xacro">
  <xacro:property name="reach" value="${pi/2}"/>
  <link name="base">
    <visual><geometry><mesh filename="package://arm/meshes/base.stl" scale="1 1 1"/></geometry></visual>
  </link>
  <link name="arm"/>
  <joint name="j1" type="revolute">
    <parent link="base"/>
    <child link="arm"/>
    <origin xyz="0 0 0.1" rpy="0 0 0"/>
    <axis xyz="0 0 1"/>
    <limit lower="-1" upper="1" effort="50" velocity="2"/>
  </joint>
</robot>`

func TestRegistryDetect(t *testing.T) {
	reg := NewRegistry()
	tests := []struct {
		name   string
		head   string
		format models.SourceFormat
	}{
		{"robot.urdf", "", models.FormatURDF},
		{"robot.urdf.xacro", "", models.FormatURDF},
		{"robot.xml", `<?xml version="1.0"?><robot name="r">`, models.FormatURDF},
		{"scene.xml", `<!-- comment --><mujoco model="m">`, models.FormatMJCF},
		{"scene.mjcf", "", models.FormatMJCF},
		{"robot.usda", "", models.FormatUSD},
		{"robot.usdz[scene.usda]", "", models.FormatUSD},
		{"noext", "#usda 1.0\n", models.FormatUSD},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := reg.Detect(tt.name, []byte(tt.head))
			require.NoError(t, err)
			assert.Equal(t, tt.format, p.Format())
		})
	}

	_, err := reg.Detect("notes.txt", []byte("hello"))
	assert.ErrorIs(t, err, models.ErrUnsupportedFormat)
}

func TestRegistryForFormat(t *testing.T) {
	reg := NewRegistry()
	for _, f := range []models.SourceFormat{models.FormatURDF, models.FormatMJCF, models.FormatUSD, "MJCF"} {
		p, err := reg.ForFormat(f)
		require.NoError(t, err, f)
		assert.EqualValues(t, strings.ToLower(string(f)), p.Format())
	}
	_, err := reg.ForFormat("sdf")
	assert.ErrorIs(t, err, models.ErrUnsupportedFormat)
}

func TestURDFParse(t *testing.T) {
	doc, err := NewURDFParser().Parse(context.Background(), []byte(twoLinkURDF))
	require.NoError(t, err)
	robot := doc.(*URDFRobot)

	assert.Equal(t, "arm", robot.Name)
	require.Len(t, robot.Links, 2)
	require.Len(t, robot.Joints, 1)
	j := robot.Joints[0]
	assert.Equal(t, "revolute", j.Type)
	assert.Equal(t, "base", j.Parent.Link)
	assert.Equal(t, "arm", j.Child.Link)
	require.NotNil(t, j.Limit)
	assert.Equal(t, "-1", j.Limit.Lower)
	assert.Equal(t, "package://arm/meshes/base.stl", robot.Links[0].Visuals[0].Geometry.Mesh.Filename)
	assert.Equal(t, "${pi/2}", robot.Properties["reach"])
}

func TestURDFParseMalformedIsFatal(t *testing.T) {
	_, err := NewURDFParser().Parse(context.Background(), []byte(`<robot name="x"><link name="a">`))
	require.Error(t, err)
	assert.True(t, models.IsFatal(err))
	assert.ErrorIs(t, err, models.ErrParseFailed)
}

func TestEvaluatorExpand(t *testing.T) {
	ev := NewEvaluator(Properties{"half": "${pi/2}", "len": "0.5", "loop": "${loop}"})

	got, err := ev.Expand("${-half} ${len*2}")
	require.NoError(t, err)
	assert.Equal(t, "-1.5707963267948966 1", got)

	got, err = ev.Expand("${radians(180)}")
	require.NoError(t, err)
	assert.Equal(t, "3.141592653589793", got)

	got, err = ev.Expand("0 0 1")
	require.NoError(t, err)
	assert.Equal(t, "0 0 1", got)

	_, err = ev.Expand("${loop}")
	assert.Error(t, err)
	_, err = ev.Expand("${missing}")
	assert.Error(t, err)
}

const mjcfScene = `<mujoco model="pendulum">
  <compiler angle="degree"/>
  <default>
    <joint range="-90 90" limited="true"/>
    <default class="wide"><joint range="-180 180"/></default>
  </default>
  <asset>
    <mesh name="base_mesh" file="meshes/base.stl"/>
  </asset>
  <include file="arm.xml"/>
  <worldbody>
    <body name="base" pos="0 0 1">
      <geom type="mesh" mesh="base_mesh"/>
      <include file="tip.xml"/>
    </body>
  </worldbody>
  <equality><weld name="w" body1="base" body2="tip"/></equality>
  <actuator><motor name="m1" joint="hinge" forcerange="-5 5"/></actuator>
</mujoco>`

func TestMJCFParseAndIncludes(t *testing.T) {
	doc, err := NewMJCFParser().Parse(context.Background(), []byte(mjcfScene))
	require.NoError(t, err)
	m := doc.(*MJCFModel)
	assert.Equal(t, "pendulum", m.Model)
	require.Len(t, m.Includes, 1)

	files := map[string]string{
		"arm.xml": `<mujoco><asset><mesh name="arm_mesh" file="meshes/arm.stl"/></asset></mujoco>`,
		"tip.xml": `<mujoco><body name="tip"><joint name="hinge" class="wide"/></body></mujoco>`,
	}
	var loaded []string
	errs := ExpandIncludes(context.Background(), m, func(file string) ([]byte, error) {
		loaded = append(loaded, file)
		data, ok := files[file]
		if !ok {
			return nil, os.ErrNotExist
		}
		return []byte(data), nil
	})
	assert.Empty(t, errs)
	assert.Equal(t, []string{"arm.xml", "tip.xml"}, loaded)
	assert.Empty(t, m.Includes)

	require.Len(t, m.Assets, 2)
	assert.Equal(t, "arm_mesh", m.Assets[1].Meshes[0].Name)
	base := m.Worldbody[0].Bodies[0]
	require.Len(t, base.Bodies, 1)
	assert.Equal(t, "tip", base.Bodies[0].Name)
	assert.Equal(t, "wide", base.Bodies[0].Joints[0].Class)
	assert.Len(t, m.Actuators[0].All(), 1)
}

func TestMJCFRecursiveInclude(t *testing.T) {
	m := &MJCFModel{Includes: []MJCFInclude{{File: "a.xml"}}}
	errs := ExpandIncludes(context.Background(), m, func(file string) ([]byte, error) {
		return []byte(`<mujoco><include file="a.xml"/></mujoco>`), nil
	})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "recursive")
}

const usdaRobot = `#usda 1.0
(
    defaultPrim = "robot"
    metersPerUnit = 1
)

def Xform "robot" (
    prepend apiSchemas = ["PhysicsArticulationRootAPI"]
)
{
    def Xform "base" (
        prepend apiSchemas = ["PhysicsRigidBodyAPI", "PhysicsMassAPI"]
    )
    {
        float physics:mass = 2.5
        double3 xformOp:translate = (0, 0, 0.1)
        uniform token[] xformOpOrder = ["xformOp:translate"]
        rel material:binding = </robot/Looks/red>
        def Mesh "visual" (
            references = @./meshes/base.usda@</base>
        )
        {
        }
    }
    def PhysicsRevoluteJoint "j1"
    {
        rel physics:body0 = </robot/base>
        rel physics:body1 = </robot/arm>
        uniform token physics:axis = "Z"
        float physics:lowerLimit = -90
        float physics:upperLimit = inf
        double3 xformOp:translate.timeSamples = {
            0: (0, 0, 0),
        }
    }
    def Scope "Looks"
    {
        def Material "red"
        {
            token outputs:surface.connect = </robot/Looks/red/shader.outputs:surface>
            def Shader "shader"
            {
                uniform token info:id = "UsdPreviewSurface"
                color3f inputs:diffuseColor = (0.8, 0.1, 0.1)
                asset inputs:file = @textures/wood.png@
            }
        }
    }
}
`

func TestUSDAParse(t *testing.T) {
	doc, err := NewUSDParser().Parse(context.Background(), []byte(usdaRobot))
	require.NoError(t, err)
	stage := doc.(*USDStage)

	root := stage.DefaultPrim()
	require.NotNil(t, root)
	assert.Equal(t, "/robot", root.Path)
	assert.True(t, root.HasAPI("PhysicsArticulationRootAPI"))

	base, ok := stage.Prim("/robot/base")
	require.True(t, ok)
	assert.True(t, base.HasAPI("PhysicsMassAPI"))
	mass, ok := base.Float("physics:mass")
	require.True(t, ok)
	assert.Equal(t, 2.5, mass)
	tr, _ := base.Value("xformOp:translate")
	assert.Equal(t, []float64{0, 0, 0.1}, tr.Floats())
	target, ok := base.Target("material:binding")
	require.True(t, ok)
	assert.Equal(t, "/robot/Looks/red", target)

	visual, ok := stage.Prim("/robot/base/visual")
	require.True(t, ok)
	assert.Equal(t, []string{"./meshes/base.usda"}, visual.References())

	j1, ok := stage.Prim("/robot/j1")
	require.True(t, ok)
	assert.Equal(t, "PhysicsRevoluteJoint", j1.TypeName)
	body1, _ := j1.Target("physics:body1")
	assert.Equal(t, "/robot/arm", body1)
	rel, ok := j1.Property("physics:body1")
	require.True(t, ok)
	assert.True(t, rel.Relationship())
	massProp, _ := base.Property("physics:mass")
	assert.False(t, massProp.Relationship())
	lower, _ := j1.Float("physics:lowerLimit")
	assert.Equal(t, -90.0, lower)
	_, hasSamples := j1.Property("xformOp:translate.timeSamples")
	assert.False(t, hasSamples)

	shader, ok := stage.PrimForTarget("/robot/Looks/red/shader.outputs:surface")
	require.True(t, ok)
	id, _ := shader.Text("info:id")
	assert.Equal(t, "UsdPreviewSurface", id)
	file, _ := shader.Text("inputs:file")
	assert.Equal(t, "textures/wood.png", file)

	var count int
	stage.Walk(func(*USDPrim) { count++ })
	assert.Equal(t, 7, count)
}

func TestUSDCrateIsFatal(t *testing.T) {
	_, err := NewUSDParser().Parse(context.Background(), []byte("PXR-USDC\x00\x00binary"))
	require.Error(t, err)
	assert.True(t, models.IsFatal(err))
	assert.True(t, errors.Is(err, ErrCrateFormat))
}

func TestUSDASyntaxError(t *testing.T) {
	_, err := NewUSDParser().Parse(context.Background(), []byte("#usda 1.0\ndef Xform \"a\" {\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrParseFailed)
}

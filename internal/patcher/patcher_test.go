package patcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robot-viewer/backend/internal/models"
)

const doc = `<robot name="r">
  <transmission name="t">
    <joint name="elbow"><hardwareInterface>effort</hardwareInterface></joint>
  </transmission>
  <link name="elbow_link"/>
  <joint name="elbow" type="revolute">
    <parent link="a"/>
    <child link="b"/>
    <limit lower="-1" upper="1" effort="50"/>
  </joint>
  <joint name="wrist" type="revolute">
    <parent link="b"/>
    <child link="c"/>
  </joint>
  <joint name="tip" type="fixed"/>
</robot>
`

func f(v float64) *float64 { return &v }

func TestPatchReplacesInPlaceAndIsIdempotent(t *testing.T) {
	once, ok := PatchJointLimit(doc, "elbow", models.JointLimitEdit{Lower: f(-1.2)})
	require.True(t, ok)
	assert.Contains(t, once, `<limit lower="-1.2" upper="1" effort="50"/>`)
	assert.Contains(t, once, `<joint name="elbow"><hardwareInterface>`)

	twice, ok := PatchJointLimit(once, "elbow", models.JointLimitEdit{Lower: f(-1.2)})
	require.True(t, ok)
	assert.Equal(t, once, twice)
}

func TestPatchAppendsMissingAttribute(t *testing.T) {
	out, ok := PatchJointLimit(doc, "elbow", models.JointLimitEdit{Velocity: f(2)})
	require.True(t, ok)
	assert.Contains(t, out, `<limit lower="-1" upper="1" effort="50" velocity="2"/>`)
}

func TestPatchSynthesizesLimit(t *testing.T) {
	out, ok := PatchJointLimit(doc, "wrist", models.JointLimitEdit{Lower: f(-0.5), Velocity: f(3)})
	require.True(t, ok)
	assert.Contains(t, out, "    <child link=\"c\"/>\n    <limit lower=\"-0.5\" velocity=\"3\"/>\n  </joint>")
}

func TestPatchSynthesizesLimitKeepsLayout(t *testing.T) {
	tabbed := "<robot name=\"r\">\n\t<joint name=\"j\" type=\"prismatic\">\n\t\t<parent link=\"a\"/>\n\t\t<child link=\"b\"/>\n\t</joint>\n</robot>\n"
	out, ok := PatchJointLimit(tabbed, "j", models.JointLimitEdit{Upper: f(0.2)})
	require.True(t, ok)
	assert.Contains(t, out, "\t\t<child link=\"b\"/>\n\t\t<limit upper=\"0.2\"/>\n\t</joint>")

	inline := `<robot name="r"><joint name="j" type="revolute"><parent link="a"/><child link="b"/></joint></robot>`
	out, ok = PatchJointLimit(inline, "j", models.JointLimitEdit{Lower: f(-1)})
	require.True(t, ok)
	assert.Contains(t, out, `<child link="b"/><limit lower="-1"/></joint>`)

	_, err := BuildIndex([]byte(out))
	require.NoError(t, err)
}

func TestPatchSelfClosingJoint(t *testing.T) {
	out, ok := PatchJointLimit(doc, "tip", models.JointLimitEdit{Upper: f(1)})
	require.True(t, ok)
	assert.Contains(t, out, `<joint name="tip" type="fixed"><limit upper="1"/></joint>`)

	_, err := BuildIndex([]byte(out))
	assert.NoError(t, err)
}

func TestPatchMissingJoint(t *testing.T) {
	out, ok := PatchJointLimit(doc, "elb", models.JointLimitEdit{Lower: f(0)})
	assert.False(t, ok)
	assert.Equal(t, doc, out)

	_, err := Patch(models.FormatURDF, doc, "nope", models.JointLimitEdit{Lower: f(0)})
	assert.ErrorIs(t, err, models.ErrPatchTargetNotFound)
}

func TestPatchUnsupportedFormat(t *testing.T) {
	assert.False(t, Supports(models.FormatMJCF))
	out, err := Patch(models.FormatMJCF, "<mujoco/>", "j", models.JointLimitEdit{Lower: f(0)})
	assert.ErrorIs(t, err, models.ErrPatchUnsupported)
	assert.Equal(t, "<mujoco/>", out)
}

func TestPatchMalformedSource(t *testing.T) {
	src := `<robot><joint name="j" type="revolute">`
	out, ok := PatchJointLimit(src, "j", models.JointLimitEdit{Lower: f(0)})
	assert.False(t, ok)
	assert.Equal(t, src, out)
}

func TestBuildIndexSkipsTransmissionJoints(t *testing.T) {
	idx, err := BuildIndex([]byte(doc))
	require.NoError(t, err)
	require.Len(t, idx.Joints, 3)

	elbow := idx.Joints["elbow"]
	require.NotNil(t, elbow.Limit)
	assert.Equal(t, `<limit lower="-1" upper="1" effort="50"/>`, doc[elbow.Limit.Start:elbow.Limit.End])
	assert.Equal(t, "</joint>", doc[elbow.Close.Start:elbow.Close.End])
	assert.True(t, idx.Joints["tip"].SelfClosing)
	assert.Nil(t, idx.Joints["wrist"].Limit)
}

func TestLimitAttributes(t *testing.T) {
	idx, err := BuildIndex([]byte(doc))
	require.NoError(t, err)

	attrs, ok := idx.LimitAttributes(doc, "elbow")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"lower": "-1", "upper": "1", "effort": "50"}, attrs)

	_, ok = idx.LimitAttributes(doc, "wrist")
	assert.False(t, ok)
}

package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robot-viewer/backend/internal/models"
)

func chain(links []string, joints [][3]string) *models.UnifiedRobotModel {
	m := models.NewUnifiedRobotModel("t", models.FormatURDF)
	for _, l := range links {
		m.AddLink(&models.Link{Name: l})
	}
	for _, j := range joints {
		m.AddJoint(&models.Joint{Name: j[0], Type: models.JointRevolute, Parent: j[1], Child: j[2]})
	}
	m.ComputeRoot()
	return m
}

func TestBuildTree(t *testing.T) {
	m := chain([]string{"base", "upper", "lower", "hand"}, [][3]string{
		{"shoulder", "base", "upper"},
		{"elbow", "upper", "lower"},
		{"wrist", "lower", "hand"},
	})
	tree, err := Build(m)
	require.NoError(t, err)

	assert.Equal(t, "base", tree.Root)
	assert.Equal(t, []string{"base", "upper", "lower", "hand"}, tree.Order)
	assert.Equal(t, 3, tree.Depth["hand"])
	assert.Equal(t, "lower", tree.Parent["hand"])
	assert.True(t, tree.Connected())
	assert.Empty(t, tree.Cycles)
	assert.Equal(t, []string{"upper"}, tree.Children("base"))

	nodes := tree.Nodes()
	require.Len(t, nodes, 4)
	assert.Equal(t, Node{Link: "lower", Parent: "upper", Joint: "elbow", Depth: 2}, nodes[2])
}

func TestAttachedLinksAreReachable(t *testing.T) {
	m := chain([]string{"world", "base", "camera"}, [][3]string{{"j", "world", "base"}})
	cam, _ := m.Link("camera")
	cam.ParentName = "base"
	m.ComputeRoot()

	tree, err := Build(m)
	require.NoError(t, err)
	assert.True(t, tree.Connected())
	assert.Equal(t, 2, tree.Depth["camera"])
	assert.Equal(t, "", tree.Nodes()[2].Joint)
}

func TestDisconnectedAndDangling(t *testing.T) {
	m := chain([]string{"a", "b", "c", "d"}, [][3]string{
		{"ab", "a", "b"},
		{"cd", "c", "d"},
		{"ghost", "a", "missing"},
	})
	tree, err := Build(m)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "c"}, tree.Roots)
	assert.Equal(t, []string{"c", "d"}, tree.Disconnected)
	assert.Equal(t, []string{"ghost"}, tree.Dangling)

	d := models.NewDiagnostics()
	tree.Warn(d)
	assert.Equal(t, 1, d.Count("multiple_roots"))
	assert.Equal(t, 1, d.Count("dangling_joint"))
}

func TestCyclesAndMultipleParents(t *testing.T) {
	m := chain([]string{"a", "b", "c"}, [][3]string{
		{"ab", "a", "b"},
		{"bc", "b", "c"},
		{"ca", "c", "b"},
	})
	tree, err := Build(m)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, tree.MultiParent)

	loop := chain([]string{"x", "y"}, [][3]string{{"xy", "x", "y"}, {"yx", "y", "x"}})
	tree, err = Build(loop)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"x", "y", "x"}}, tree.Cycles)
	assert.Empty(t, tree.Roots)

	d := models.NewDiagnostics()
	tree.Warn(d)
	assert.Equal(t, 1, d.Count("no_root"))
	assert.Positive(t, d.Count("cycle"))
}

func TestBranchOrderFollowsDeclaration(t *testing.T) {
	links := []string{"base", "left", "right", "left_tip", "right_tip", "mid"}
	joints := [][3]string{
		{"j_right", "base", "right"},
		{"j_mid", "base", "mid"},
		{"j_left", "base", "left"},
		{"j_rt", "right", "right_tip"},
		{"j_lt", "left", "left_tip"},
	}
	for i := 0; i < 20; i++ {
		tree, err := Build(chain(links, joints))
		require.NoError(t, err)
		require.Equal(t, []string{"base", "left", "right", "mid", "left_tip", "right_tip"}, tree.Order)
		assert.Equal(t, []string{"left", "right", "mid"}, tree.Children("base"))
		assert.Equal(t, 2, tree.Depth["right_tip"])
		assert.Equal(t, "j_rt", tree.Nodes()[5].Joint)
	}
}

func TestCycleBehindRoot(t *testing.T) {
	m := chain([]string{"base", "a", "b"}, [][3]string{
		{"ba", "base", "a"},
		{"ab", "a", "b"},
		{"loop", "b", "a"},
	})
	tree, err := Build(m)
	require.NoError(t, err)

	assert.Equal(t, "base", tree.Root)
	assert.Equal(t, []string{"base", "a", "b"}, tree.Order)
	assert.Equal(t, "a", tree.Parent["b"])
	assert.Equal(t, [][]string{{"a", "b", "a"}}, tree.Cycles)
	assert.Equal(t, []string{"a"}, tree.MultiParent)
	assert.True(t, tree.Connected())
}

package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robot-viewer/backend/internal/models"
	"github.com/robot-viewer/backend/internal/topology"
)

func testModel() *models.UnifiedRobotModel {
	m := models.NewUnifiedRobotModel("arm", models.FormatURDF)
	for _, name := range []string{"base", "upper", "lower", "tool", "loose"} {
		m.AddLink(&models.Link{Name: name})
	}
	effort := 12.0
	m.AddJoint(&models.Joint{Name: "shoulder", Type: models.JointRevolute, Parent: "base", Child: "upper",
		Limits: &models.JointLimits{Lower: -1, Upper: 1, HasRange: true, Effort: &effort}})
	m.AddJoint(&models.Joint{Name: "elbow", Type: models.JointContinuous, Parent: "upper", Child: "lower"})
	m.AddJoint(&models.Joint{Name: "mount", Type: models.JointFixed, Parent: "lower", Child: "tool"})
	m.ComputeRoot()
	return m
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndQuery(t *testing.T) {
	s := openStore(t)
	m := testModel()
	tree, err := topology.Build(m)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "load-1", m, tree))

	joints, err := s.ControllableJoints(ctx, "load-1")
	require.NoError(t, err)
	require.Len(t, joints, 2)
	assert.Equal(t, "shoulder", joints[0].Name)
	assert.Equal(t, 1, joints[0].Depth)
	require.NotNil(t, joints[0].Effort)
	assert.Equal(t, 12.0, *joints[0].Effort)
	assert.Nil(t, joints[0].Velocity)
	assert.Equal(t, "elbow", joints[1].Name)
	assert.False(t, joints[1].HasRange)

	sum, err := s.Summary(ctx, "load-1")
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Links)
	assert.Equal(t, 3, sum.Joints)
	assert.Equal(t, 2, sum.Controllable)
	assert.Equal(t, 3, sum.MaxDepth)
	assert.Equal(t, 1, sum.Unreachable)
}

func TestPutReplacesRows(t *testing.T) {
	s := openStore(t)
	m := testModel()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "load-1", m, nil))
	require.NoError(t, s.Put(ctx, "load-1", m, nil))

	sum, err := s.Summary(ctx, "load-1")
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Links)
	assert.Equal(t, 5, sum.Unreachable)
}

func TestDeleteAndMissingLoad(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "load-1", testModel(), nil))
	require.NoError(t, s.Delete(ctx, "load-1"))

	_, err := s.Summary(ctx, "load-1")
	assert.ErrorIs(t, err, ErrNotFound)

	joints, err := s.ControllableJoints(ctx, "load-1")
	require.NoError(t, err)
	assert.Empty(t, joints)
}

func TestCloseRemovesFile(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = os.Stat(filepath.Join(dir, "catalog.duckdb"))
	assert.True(t, os.IsNotExist(err))
}

func TestOpenWithTuning(t *testing.T) {
	s, err := Open(t.TempDir(), nil, WithThreads(1), WithMemoryLimit("128MB"), WithMemoryLimit("1GB'; DROP"))
	require.NoError(t, err)
	defer s.Close()

	var threads int64
	require.NoError(t, s.db.QueryRow("SELECT current_setting('threads')").Scan(&threads))
	assert.Equal(t, int64(1), threads)
}

package upload

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robot-viewer/backend/internal/storage"
)

func waitJob(t *testing.T, m *Manager, id string) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := m.GetJob(id)
		require.True(t, ok)
		if job.Status == StatusComplete || job.Status == StatusError {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return nil
}

func newStore(t *testing.T) (*storage.LocalStore, string) {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	set, err := store.CreateSet("robot")
	require.NoError(t, err)
	return store, set.ID
}

func TestJobAssemblesChunks(t *testing.T) {
	store, setID := newStore(t)
	require.NoError(t, store.SaveChunk("u1", 0, bytes.NewReader([]byte("<robot "))))
	require.NoError(t, store.SaveChunk("u1", 1, bytes.NewReader([]byte(`name="a"/>`))))

	m := NewManager(store, nil)
	job := waitJob(t, m, m.StartJob(JobRequest{UploadID: "u1", SetID: setID, RelPath: "a.urdf", TotalChunks: 2}).ID)

	require.Equal(t, StatusComplete, job.Status, job.Error)
	assert.Equal(t, float64(100), job.Progress)
	require.NotNil(t, job.FileSet)
	assert.Equal(t, []string{"a.urdf"}, job.FileSet.Files)
}

func TestJobDecompressesGzip(t *testing.T) {
	store, setID := newStore(t)
	content := []byte(`<robot name="zipped"/>`)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(content)
	require.NoError(t, zw.Close())
	require.NoError(t, store.SaveChunk("u2", 0, &buf))

	m := NewManager(store, nil)
	job := waitJob(t, m, m.StartJob(JobRequest{
		UploadID:     "u2",
		SetID:        setID,
		RelPath:      "a.urdf",
		TotalChunks:  1,
		OriginalSize: int64(len(content)),
		Encoding:     "gzip",
	}).ID)

	require.Equal(t, StatusComplete, job.Status, job.Error)
	assert.Equal(t, int64(len(content)), job.FileInfo.Size)
	p, err := store.GetFilePath(setID, "a.urdf")
	require.NoError(t, err)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestJobExpandsZip(t *testing.T) {
	store, setID := newStore(t)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("arm/urdf/arm.urdf")
	w.Write([]byte("<robot/>"))
	w, _ = zw.Create("arm/meshes/base.stl")
	w.Write([]byte("solid"))
	require.NoError(t, zw.Close())
	require.NoError(t, store.SaveChunk("u3", 0, &buf))

	m := NewManager(store, nil)
	job := waitJob(t, m, m.StartJob(JobRequest{UploadID: "u3", SetID: setID, RelPath: "arm.zip", TotalChunks: 1}).ID)

	require.Equal(t, StatusComplete, job.Status, job.Error)
	assert.Equal(t, []string{"arm/meshes/base.stl", "arm/urdf/arm.urdf"}, job.FileSet.Files)
}

func TestJobMissingChunkFails(t *testing.T) {
	store, setID := newStore(t)
	m := NewManager(store, nil)
	job := waitJob(t, m, m.StartJob(JobRequest{UploadID: "nope", SetID: setID, RelPath: "a.urdf", TotalChunks: 1}).ID)
	assert.Equal(t, StatusError, job.Status)
	assert.Contains(t, job.Error, "assemble")
}

func TestCleanupOldJobs(t *testing.T) {
	store, setID := newStore(t)
	m := NewManager(store, nil)
	job := waitJob(t, m, m.StartJob(JobRequest{UploadID: "nope", SetID: setID, RelPath: "a.urdf", TotalChunks: 1}).ID)

	m.CleanupOldJobs(time.Hour)
	_, ok := m.GetJob(job.ID)
	assert.True(t, ok)

	m.CleanupOldJobs(-time.Second)
	_, ok = m.GetJob(job.ID)
	assert.False(t, ok)
}

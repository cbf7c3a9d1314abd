package fileset

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestFromMapNormalizesKeys(t *testing.T) {
	s := FromMap(map[string][]byte{
		"./robot/urdf/r.urdf":     []byte("<robot/>"),
		"robot\\meshes\\base.stl": []byte("solid"),
	})
	assert.Equal(t, 2, s.Len())
	_, ok := s.Get("robot/urdf/r.urdf")
	assert.True(t, ok)
	_, ok = s.Get("robot/meshes/base.stl")
	assert.True(t, ok)
	assert.Equal(t, []string{"robot/urdf/r.urdf"}, s.Find(".urdf"))
}

func TestFromDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg", "meshes"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "meshes", "a.stl"), []byte("abc"), 0644))

	s, err := FromDirectory(dir)
	require.NoError(t, err)
	h, ok := s.Get("pkg/meshes/a.stl")
	require.True(t, ok)
	assert.Equal(t, int64(3), h.Size())

	data, err := ReadAll(h)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestFromZipSkipsDirectoriesAndForks(t *testing.T) {
	data := zipBytes(t, map[string]string{
		"bot/robot.urdf":       "<robot/>",
		"__MACOSX/bot/._robot": "junk",
		"bot/meshes/link.dae":  "<COLLADA/>",
	})
	s, err := FromZip(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	h, ok := s.Get("bot/meshes/link.dae")
	require.True(t, ok)
	content, err := ReadAll(h)
	require.NoError(t, err)
	assert.Equal(t, "<COLLADA/>", string(content))
}

func TestOpenUSDZ(t *testing.T) {
	data := zipBytes(t, map[string]string{
		"scene.usda":        "#usda 1.0",
		"textures/wood.png": "png",
	})
	s, err := OpenUSDZ(Memory("models/chair.usdz", data))
	require.NoError(t, err)

	h, ok := s.Get("models/chair.usdz[textures/wood.png]")
	require.True(t, ok)
	assert.Equal(t, ".png", Ext(h.Path()))
}

func TestInnerPathAndExt(t *testing.T) {
	tests := []struct {
		ref       string
		wantOuter string
		wantInner string
		wantOK    bool
		wantExt   string
	}{
		{"a/b.usdz[tex/c.JPG]", "a/b.usdz", "tex/c.JPG", true, ".jpg"},
		{"meshes/base.stl", "", "", false, ".stl"},
		{"[oops]", "", "", false, ""},
		{"https://host/x.png?v=2", "", "", false, ".png"},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			outer, inner, ok := InnerPath(tt.ref)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantOuter, outer)
			assert.Equal(t, tt.wantInner, inner)
			assert.Equal(t, tt.wantExt, Ext(tt.ref))
		})
	}
}

func TestDir(t *testing.T) {
	assert.Equal(t, "pkg/urdf/", Dir("pkg/urdf/robot.urdf"))
	assert.Equal(t, "", Dir("robot.urdf"))
	assert.Equal(t, "m/", Dir("m/x.usdz[y/z.png]"))
}

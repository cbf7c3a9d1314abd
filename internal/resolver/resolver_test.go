package resolver

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/robot-viewer/backend/internal/fileset"
	"github.com/robot-viewer/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func files(paths ...string) *fileset.FileSet {
	m := make(map[string][]byte, len(paths))
	for _, p := range paths {
		m[p] = []byte(p)
	}
	return fileset.FromMap(m)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name        string
		ref         string
		contextDir  string
		wantPath    string
		wantContext string
		wantPackage string
	}{
		{"package uri", "package://foo/meshes/a.stl", "", "meshes/a.stl", "", "foo"},
		{"dot slash", "./meshes/a.stl", "pkg/urdf/", "meshes/a.stl", "pkg/urdf/meshes/a.stl", ""},
		{"parent dirs", "../x/b.png", "pkg/urdf/", "x/b.png", "pkg/x/b.png", ""},
		{"deep parent", "../../../b.png", "pkg/urdf/", "b.png", "b.png", ""},
		{"absolute", "/pkg/meshes/a.stl", "other/", "/pkg/meshes/a.stl", "/pkg/meshes/a.stl", ""},
		{"blob with filename", "blob:http://localhost:5173/meshes/base.stl", "pkg/", "meshes/base.stl", "pkg/meshes/base.stl", ""},
		{"opaque blob kept", "blob:http://localhost:5173/550e8400-e29b", "pkg/", "blob:http://localhost:5173/550e8400-e29b", "blob:http://localhost:5173/550e8400-e29b", ""},
		{"backslashes", "meshes\\a.STL", "", "meshes/a.STL", "", ""},
		{"query string", "meshes/a.stl?v=2", "robot/", "meshes/a.stl", "robot/meshes/a.stl", ""},
		{"fragment", "package://robot/meshes/a.stl#frag", "", "meshes/a.stl", "", "robot"},
		{"model uri", "model://robot/meshes/a.stl", "", "meshes/a.stl", "", "robot"},
		{"file url", "file:///home/u/ws/robot/meshes/a.stl", "robot/", "/home/u/ws/robot/meshes/a.stl", "/home/u/ws/robot/meshes/a.stl", ""},
		{"file url with host", "file://localhost/ws/a.stl", "", "/ws/a.stl", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Normalize(tt.ref, tt.contextDir, "")
			assert.Equal(t, tt.wantPath, r.Path)
			assert.Equal(t, tt.wantContext, r.Context)
			assert.Equal(t, tt.wantPackage, r.Package)
			assert.Equal(t, tt.ref, r.Original)
		})
	}
}

func TestNormalizeHintYieldsToPackageURI(t *testing.T) {
	assert.Equal(t, "hint", Normalize("meshes/a.stl", "", "hint").Package)
	assert.Equal(t, "foo", Normalize("package://foo/a.stl", "", "hint").Package)
}

func TestResolvePackageURI(t *testing.T) {
	h, ok := Resolve("package://foo/meshes/a.stl", files("foo/meshes/a.stl", "bar/meshes/a.stl"), "", "")
	require.True(t, ok)
	assert.Equal(t, "foo/meshes/a.stl", h.Path())
}

func TestResolveParentThenBasename(t *testing.T) {
	fs := files("pkg/urdf/robot.urdf", "b.png")
	r := New(fs)

	m, ok := r.Lookup(Normalize("../x/b.png", "pkg/urdf/", ""))
	require.True(t, ok)
	assert.Equal(t, "b.png", m.Path)
	assert.Equal(t, "basename", m.Strategy)

	m, ok = New(files("pkg/x/b.png", "b.png")).Lookup(Normalize("../x/b.png", "pkg/urdf/", ""))
	require.True(t, ok)
	assert.Equal(t, "pkg/x/b.png", m.Path)
	assert.Equal(t, "context", m.Strategy)
}

func TestStrategyOrder(t *testing.T) {
	tests := []struct {
		name         string
		files        []string
		ref          string
		contextDir   string
		hint         string
		wantPath     string
		wantStrategy string
	}{
		{"normalized beats basename", []string{"meshes/a.stl", "other/a.stl"}, "./meshes/a.stl", "", "", "meshes/a.stl", "normalized"},
		{"package meshes dir", []string{"ur5/meshes/base.dae"}, "package://ur5/visual/base.dae", "", "", "ur5/meshes/base.dae", "package"},
		{"package hint", []string{"ur5/urdf/arm.xacro"}, "arm.xacro", "", "ur5", "ur5/urdf/arm.xacro", "package"},
		{"package suffix case-insensitive", []string{"upload/UR5/Meshes/BASE.dae"}, "package://ur5/meshes/base.dae", "", "", "upload/UR5/Meshes/BASE.dae", "package_suffix"},
		{"basename case-insensitive", []string{"x/Wheel.STL"}, "meshes/wheel.stl", "", "", "x/Wheel.STL", "basename"},
		{"query stripped", []string{"robot/meshes/a.stl", "other/b.stl", "robot/b.stl"}, "meshes/a.stl?v=2", "robot/", "", "robot/meshes/a.stl", "context"},
		{"fragment stripped", []string{"robot/meshes/a.stl", "other/b.stl", "robot/b.stl"}, "package://robot/meshes/a.stl#frag", "robot/", "", "robot/meshes/a.stl", "context"},
		{"model uri", []string{"robot/meshes/a.stl", "other/b.stl", "robot/b.stl"}, "model://robot/meshes/a.stl", "", "", "robot/meshes/a.stl", "package"},
		{"file url suffix", []string{"robot/meshes/a.stl", "other/b.stl", "robot/b.stl"}, "file:///home/u/ws/robot/meshes/a.stl", "robot/", "", "robot/meshes/a.stl", "path_suffix"},
		{"file url keeps directory over basename", []string{"other/b.stl", "robot/b.stl"}, "file:///home/u/ws/robot/b.stl", "", "", "robot/b.stl", "path_suffix"},
		{"basename prefers matching dirs", []string{"a/visual/m.stl", "b/collision/m.stl"}, "collision/m.stl", "zzz/", "", "b/collision/m.stl", "basename"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := New(files(tt.files...)).Lookup(Normalize(tt.ref, tt.contextDir, tt.hint))
			require.True(t, ok)
			assert.Equal(t, tt.wantPath, m.Path)
			assert.Equal(t, tt.wantStrategy, m.Strategy)
		})
	}
}

func TestResolveOriginalPath(t *testing.T) {
	fs := fileset.New()
	fs.Add(fileset.Memory("./meshes/a.stl", nil))

	m, ok := New(fs).Lookup(Normalize("./meshes/a.stl", "", ""))
	require.True(t, ok)
	assert.Equal(t, "original", m.Strategy)
}

func TestResolveMeshMiss(t *testing.T) {
	_, err := New(files("a.stl")).ResolveMesh("missing.stl", "", "")
	assert.True(t, errors.Is(err, models.ErrResourceNotFound))
}

func TestResolveTexturePlaceholder(t *testing.T) {
	r := New(files("a.stl"))

	h, found := r.ResolveTexture("scene.usdz[textures/wood.png]", "", "")
	assert.False(t, found)
	require.NotNil(t, h)
	assert.True(t, IsPlaceholder(h))
	data, err := fileset.ReadAll(h)
	require.NoError(t, err)
	assert.Equal(t, whitePNG, data)

	h, found = r.ResolveTexture("tex/missing.jpg", "", "")
	assert.False(t, found)
	assert.True(t, IsPlaceholder(h))
}

func TestNetworkFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots/ur5/meshes/base.stl" {
			w.Write([]byte("solid base"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	var seen []string
	r := New(nil,
		WithBaseURL(srv.URL+"/robots/"),
		WithHTTPClient(srv.Client()),
		WithObserver(func(s string) { seen = append(seen, s) }),
	)
	h, ok := r.Resolve("../meshes/base.stl", "ur5/urdf/", "")
	require.True(t, ok)
	assert.Equal(t, srv.URL+"/robots/ur5/meshes/base.stl", h.Path())

	data, err := fileset.ReadAll(h)
	require.NoError(t, err)
	assert.Equal(t, "solid base", string(data))

	h, ok = r.Resolve("nope.stl", "ur5/urdf/", "")
	require.True(t, ok)
	_, err = fileset.ReadAll(h)
	assert.True(t, errors.Is(err, models.ErrResourceNotFound))
	assert.Equal(t, []string{"network", "network"}, seen)

	_, ok = New(nil).Resolve("nope.stl", "ur5/urdf/", "")
	assert.False(t, ok)
}

func TestPackageMap(t *testing.T) {
	pm, err := ParsePackageMap(strings.NewReader(`
packages:
  uwrobot_description: uploads/uwrobot
  other:
    - a
    - b
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"uploads/uwrobot"}, pm.Prefixes("uwrobot_description"))
	assert.Equal(t, []string{"a", "b"}, pm.Prefixes("other"))

	r := New(files("uploads/uwrobot/meshes/base_link.STL"), WithPackageMap(pm))
	m, ok := r.Lookup(Normalize("package://uwrobot_description/meshes/base_link.STL", "", ""))
	require.True(t, ok)
	assert.Equal(t, "package", m.Strategy)

	empty, err := ParsePackageMap(strings.NewReader(""))
	require.NoError(t, err)
	assert.Nil(t, empty.Prefixes("x"))
}

func TestCacheSingleFlight(t *testing.T) {
	c := NewCache(New(files("meshes/a.stl")))

	var calls int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Do("meshes/a.stl", func() (any, error) {
				atomic.AddInt32(&calls, 1)
				return "decoded", nil
			})
			assert.NoError(t, err)
			assert.Equal(t, "decoded", v)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	h1, ok1 := c.Resolve("./meshes/a.stl", "", "")
	h2, ok2 := c.Resolve("./meshes/a.stl", "", "")
	assert.True(t, ok1 && ok2)
	assert.Same(t, h1, h2)
	assert.Equal(t, 2, c.Len())
}

package web

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLibrary(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range map[string]string{
		"arm/urdf/arm.urdf":   `<robot name="arm"/>`,
		"arm/meshes/base.stl": "solid",
		"pend/pend.xml":       `<mujoco/>`,
		".cache/hidden.urdf":  `<robot/>`,
		"notes.txt":           "not a robot",
	} {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
	return dir
}

func TestListLibrary(t *testing.T) {
	docs, err := ListLibrary(writeLibrary(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"arm/urdf/arm.urdf", "pend/pend.xml"}, docs)

	docs, err = ListLibrary(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestLibraryRoutes(t *testing.T) {
	e := echo.New()
	RegisterLibraryRoutes(e, writeLibrary(t))

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantBody   string
	}{
		{"document", "/robots/arm/urdf/arm.urdf", http.StatusOK, `<robot name="arm"/>`},
		{"mesh", "/robots/arm/meshes/base.stl", http.StatusOK, "solid"},
		{"missing", "/robots/arm/nope.stl", http.StatusNotFound, ""},
		{"directory", "/robots/arm/", http.StatusNotFound, ""},
		{"dotfile", "/robots/.cache/hidden.urdf", http.StatusNotFound, ""},
		{"listing", "/api/library", http.StatusOK, `["arm/urdf/arm.urdf","pend/pend.xml"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}
		})
	}
}

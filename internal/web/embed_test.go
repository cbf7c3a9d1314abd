package web

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/fstest"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func TestSPAHandler(t *testing.T) {
	dist := fstest.MapFS{
		"index.html":    {Data: []byte("<html>viewer</html>")},
		"assets/app.js": {Data: []byte("console.log(1)")},
	}
	e := echo.New()
	e.GET("/*", SPAHandler(dist))

	tests := []struct {
		path   string
		status int
		body   string
	}{
		{"/", http.StatusOK, "viewer"},
		{"/assets/app.js", http.StatusOK, "console.log"},
		{"/loads/abc", http.StatusOK, "viewer"},
		{"/assets", http.StatusOK, "viewer"},
		{"/api/nope", http.StatusNotFound, ""},
		{"/robots/missing.stl", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Contains(t, rec.Body.String(), tt.body)
			}
		})
	}
}

func TestSPAHandlerWithoutBuild(t *testing.T) {
	e := echo.New()
	e.GET("/*", SPAHandler(fstest.MapFS{}))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

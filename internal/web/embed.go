// Package web serves the embedded frontend and the robot library.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/labstack/echo/v4"
)

//go:embed dist/*
var staticFiles embed.FS

// Frontend returns the embedded build with dist as root.
func Frontend() (fs.FS, error) {
	return fs.Sub(staticFiles, "dist")
}

// HasEmbeddedFiles reports whether a frontend build with an index.html was
// embedded.
func HasEmbeddedFiles() bool {
	_, err := fs.Stat(staticFiles, "dist/index.html")
	return err == nil
}

// RegisterStaticRoutes serves the embedded frontend on every path not taken
// by an earlier route.
func RegisterStaticRoutes(e *echo.Echo) error {
	dist, err := Frontend()
	if err != nil {
		return err
	}
	e.GET("/*", SPAHandler(dist))
	return nil
}

// SPAHandler serves files from fsys and answers unknown paths with
// index.html so client-side routes survive a reload. API and library paths
// never fall back: a mesh fetched from a mistyped library URL must fail, not
// decode an HTML page.
func SPAHandler(fsys fs.FS) echo.HandlerFunc {
	files := http.FileServer(http.FS(fsys))
	return func(c echo.Context) error {
		p := path.Clean("/" + c.Request().URL.Path)
		name := strings.TrimPrefix(p, "/")

		if name != "" {
			if info, err := fs.Stat(fsys, name); err == nil && !info.IsDir() {
				files.ServeHTTP(c.Response(), c.Request())
				return nil
			}
		}
		if strings.HasPrefix(p, "/api/") || strings.HasPrefix(p+"/", LibraryPrefix) {
			return echo.ErrNotFound
		}

		index, err := fs.ReadFile(fsys, "index.html")
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound, "frontend not built")
		}
		return c.HTMLBlob(http.StatusOK, index)
	}
}

package web

import (
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/robot-viewer/backend/internal/parser"
)

// LibraryPrefix is the URL prefix library files are served under. Loads of
// library documents fetch unresolved resources from here.
const LibraryPrefix = "/robots/"

// RegisterLibraryRoutes serves dir under LibraryPrefix and lists its robot
// documents at GET /api/library.
func RegisterLibraryRoutes(e *echo.Echo, dir string) {
	fileServer := http.StripPrefix(LibraryPrefix, http.FileServer(libraryFS{http.Dir(dir)}))
	e.GET(LibraryPrefix+"*", echo.WrapHandler(fileServer))

	e.GET("/api/library", func(c echo.Context) error {
		docs, err := ListLibrary(dir)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to list robot library")
		}
		return c.JSON(http.StatusOK, docs)
	})
}

// libraryFS hides directory listings and dotfiles.
type libraryFS struct {
	fs http.FileSystem
}

func (l libraryFS) Open(name string) (http.File, error) {
	for _, part := range strings.Split(name, "/") {
		if strings.HasPrefix(part, ".") {
			return nil, os.ErrNotExist
		}
	}
	f, err := l.fs.Open(name)
	if err != nil {
		return nil, err
	}
	if stat, err := f.Stat(); err != nil || stat.IsDir() {
		f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}

// ListLibrary returns the slash-separated paths of the robot documents in
// dir, sorted. A missing dir is an empty library.
func ListLibrary(dir string) ([]string, error) {
	docs := []string{}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == dir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			if p != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !parser.IsRobotDocument(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		docs = append(docs, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(docs)
	return docs, nil
}

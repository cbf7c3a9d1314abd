package parser

import (
	"fmt"
	"path"
	"strings"

	"github.com/robot-viewer/backend/internal/fileset"
	"github.com/robot-viewer/backend/internal/models"
)

// Registry holds all available parsers and provides format detection.
type Registry struct {
	parsers []Parser
}

var globalRegistry = NewRegistry()

// NewRegistry returns a registry with the URDF, MJCF and USD parsers.
func NewRegistry() *Registry {
	return &Registry{
		parsers: []Parser{
			NewURDFParser(),
			NewMJCFParser(),
			NewUSDParser(),
		},
	}
}

// GetGlobalRegistry returns the singleton registry.
func GetGlobalRegistry() *Registry {
	return globalRegistry
}

// Detect finds the parser for a document by extension, then by content.
func (r *Registry) Detect(name string, head []byte) (Parser, error) {
	for _, p := range r.parsers {
		if p.CanParse(name, head) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedFormat, path.Base(name))
}

// ForFormat returns the parser producing documents of format f. It
// bypasses detection when the caller already knows the format.
func (r *Registry) ForFormat(f models.SourceFormat) (Parser, error) {
	f = models.SourceFormat(strings.ToLower(string(f)))
	for _, p := range r.parsers {
		if p.Format() == f {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedFormat, f)
}

// IsRobotDocument reports whether name looks like a loadable entry document.
func IsRobotDocument(name string) bool {
	switch fileset.Ext(name) {
	case ".urdf", ".xacro", ".xml", ".mjcf", ".usd", ".usda", ".usdc", ".usdz":
		return true
	}
	return false
}

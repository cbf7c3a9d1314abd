// Package render defines the narrow contract between the kinematic core and
// the rendering pipeline, plus the loader registries for meshes and textures.
package render

import (
	"github.com/go-gl/mathgl/mgl64"
)

// GeometryKind is the type of a visual or collision shape.
type GeometryKind string

const (
	GeometryMesh     GeometryKind = "mesh"
	GeometryBox      GeometryKind = "box"
	GeometryCylinder GeometryKind = "cylinder"
	GeometrySphere   GeometryKind = "sphere"
	GeometryCapsule  GeometryKind = "capsule"
	GeometryPlane    GeometryKind = "plane"
)

// Geometry is one shape attached to a link.
type Geometry struct {
	Kind   GeometryKind `json:"kind"`
	Name   string       `json:"name,omitempty"`
	Size   [3]float64   `json:"size,omitempty"`
	Radius float64      `json:"radius,omitempty"`
	Length float64      `json:"length,omitempty"`
	Scale  [3]float64   `json:"scale"`
	Origin mgl64.Mat4   `json:"-"`
	// Source is the resolved path of the mesh file.
	Source     string `json:"source,omitempty"`
	MaterialID string `json:"materialId,omitempty"`
	Collision  bool   `json:"collision,omitempty"`
	// Mesh is the decoder output, opaque to the core.
	Mesh any `json:"-"`
}

// Renderer receives geometry, materials and transforms. The core never reads
// renderer state back.
type Renderer interface {
	AttachGeometry(link string, g Geometry) error
	AttachMaterial(id string, m *Material) error
	SetTransform(link string, m mgl64.Mat4) error
}

// Nop is a Renderer that discards everything.
type Nop struct{}

func (Nop) AttachGeometry(string, Geometry) error  { return nil }
func (Nop) AttachMaterial(string, *Material) error { return nil }
func (Nop) SetTransform(string, mgl64.Mat4) error  { return nil }

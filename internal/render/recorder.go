package render

import (
	"sync"

	"github.com/go-gl/mathgl/mgl64"
)

// Recorder is an in-memory Renderer that keeps everything it is given.
type Recorder struct {
	mu         sync.Mutex
	Geometry   map[string][]Geometry
	Materials  map[string]*Material
	Transforms map[string]mgl64.Mat4
	Calls      int
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		Geometry:   make(map[string][]Geometry),
		Materials:  make(map[string]*Material),
		Transforms: make(map[string]mgl64.Mat4),
	}
}

func (r *Recorder) AttachGeometry(link string, g Geometry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls++
	r.Geometry[link] = append(r.Geometry[link], g)
	return nil
}

func (r *Recorder) AttachMaterial(id string, m *Material) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls++
	r.Materials[id] = m
	return nil
}

func (r *Recorder) SetTransform(link string, m mgl64.Mat4) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls++
	r.Transforms[link] = m
	return nil
}

// GeometryCount returns the number of shapes attached to link.
func (r *Recorder) GeometryCount(link string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Geometry[link])
}

// Material returns the material recorded under id.
func (r *Recorder) Material(id string) (*Material, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.Materials[id]
	return m, ok
}

// Transform returns the last transform set for link.
func (r *Recorder) Transform(link string) (mgl64.Mat4, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.Transforms[link]
	return m, ok
}

package render

// Slot names a texture slot of a material.
type Slot string

const (
	SlotMap       Slot = "map"
	SlotAlphaMap  Slot = "alphaMap"
	SlotNormalMap Slot = "normalMap"
	SlotRoughness Slot = "roughnessMap"
	SlotMetalness Slot = "metalnessMap"
	SlotEmissive  Slot = "emissiveMap"
)

// DefaultShininess is the minimum shininess applied by Enhance.
const DefaultShininess = 30

// Material is the presentation state of one material.
type Material struct {
	ID        string           `json:"id"`
	Name      string           `json:"name,omitempty"`
	Color     *[4]float64      `json:"color,omitempty"`
	Textures  map[Slot]Texture `json:"textures,omitempty"`
	Shininess float64          `json:"shininess"`
	Roughness *float64         `json:"roughness,omitempty"`
	Metalness *float64         `json:"metalness,omitempty"`
	Opacity   float64          `json:"opacity"`
	Lit       bool             `json:"lit"`
	// Transparent is derived from the alpha map and opacity.
	Transparent bool `json:"transparent"`
	// AlphaTest is used instead of blending when an alpha map has no diffuse map to modulate.
	AlphaTest float64 `json:"alphaTest,omitempty"`
	// Enhanced is set by Enhance and travels with the material so a decoded
	// copy is not enhanced twice.
	Enhanced bool `json:"enhanced,omitempty"`
}

// NewMaterial creates an opaque unlit material.
func NewMaterial(id string) *Material {
	return &Material{ID: id, Opacity: 1, Textures: make(map[Slot]Texture)}
}

// SetTexture assigns a texture slot. Assigning an alpha map reacts to
// whether a diffuse map is already present, so callers must assign SlotMap
// first when both exist.
func (m *Material) SetTexture(slot Slot, t Texture) {
	if m.Textures == nil {
		m.Textures = make(map[Slot]Texture)
	}
	m.Textures[slot] = t
	if slot == SlotAlphaMap {
		if _, ok := m.Textures[SlotMap]; ok {
			m.Transparent = true
			m.AlphaTest = 0
		} else {
			m.AlphaTest = 0.5
		}
	}
}

// SetOpacity sets opacity and marks the material transparent below 1.
func (m *Material) SetOpacity(o float64) {
	m.Opacity = o
	if o < 1 {
		m.Transparent = true
	}
}

// Enhance applies presentation-only defaults: unlit materials become lit and
// shininess is raised to DefaultShininess. Color and textures are left as
// authored. Calling it again has no effect.
func Enhance(m *Material) bool {
	if m == nil || m.Enhanced {
		return false
	}
	m.Enhanced = true
	m.Lit = true
	if m.Shininess < DefaultShininess {
		m.Shininess = DefaultShininess
	}
	return true
}

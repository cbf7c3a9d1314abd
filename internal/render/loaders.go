package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strings"
	"sync"

	"github.com/ftrvxmtrx/tga"
	"github.com/robot-viewer/backend/internal/fileset"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

// Texture is the decoded description of an image, opaque beyond its size.
type Texture struct {
	Source      string `json:"source"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Format      string `json:"format"`
	Placeholder bool   `json:"placeholder,omitempty"`
}

// RawGeometry is the default mesh decoder output: the undecoded bytes
// tagged with their extension, handed to the viewer as-is.
type RawGeometry struct {
	Ext   string
	Bytes []byte
}

// MeshLoader decodes one mesh format.
type MeshLoader func(ctx context.Context, h fileset.FileHandle) (any, error)

// TextureLoader decodes one image format.
type TextureLoader func(ctx context.Context, h fileset.FileHandle) (Texture, error)

// Loaders selects mesh and texture decoders by file extension.
type Loaders struct {
	mu       sync.RWMutex
	meshes   map[string]MeshLoader
	textures map[string]TextureLoader
}

// NewLoaders creates an empty registry.
func NewLoaders() *Loaders {
	return &Loaders{
		meshes:   make(map[string]MeshLoader),
		textures: make(map[string]TextureLoader),
	}
}

// DefaultLoaders registers the raw mesh loader for the common mesh formats
// and image decoders for the common texture formats.
func DefaultLoaders() *Loaders {
	l := NewLoaders()
	for _, ext := range []string{".stl", ".obj", ".dae", ".gltf", ".glb", ".ply", ".fbx", ".usd", ".usda", ".usdc"} {
		l.RegisterMesh(ext, RawMeshLoader)
	}
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff", ".webp", ".tga"} {
		l.RegisterTexture(ext, ImageTextureLoader)
	}
	return l
}

// RegisterMesh sets the decoder for ext (with leading dot).
func (l *Loaders) RegisterMesh(ext string, fn MeshLoader) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.meshes[strings.ToLower(ext)] = fn
}

// RegisterTexture sets the decoder for ext (with leading dot).
func (l *Loaders) RegisterTexture(ext string, fn TextureLoader) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.textures[strings.ToLower(ext)] = fn
}

// LoadMesh decodes h with the loader registered for its extension.
func (l *Loaders) LoadMesh(ctx context.Context, h fileset.FileHandle) (any, error) {
	ext := fileset.Ext(h.Path())
	l.mu.RLock()
	fn, ok := l.meshes[ext]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no mesh loader for %q", ext)
	}
	return fn(ctx, h)
}

// LoadTexture decodes h with the loader registered for its extension. Data
// whose extension is unknown is sniffed.
func (l *Loaders) LoadTexture(ctx context.Context, h fileset.FileHandle) (Texture, error) {
	ext := fileset.Ext(h.Path())
	l.mu.RLock()
	fn, ok := l.textures[ext]
	l.mu.RUnlock()
	if !ok {
		fn = ImageTextureLoader
	}
	return fn(ctx, h)
}

// RawMeshLoader reads the mesh bytes without decoding them.
func RawMeshLoader(ctx context.Context, h fileset.FileHandle) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := fileset.ReadAll(h)
	if err != nil {
		return nil, err
	}
	return &RawGeometry{Ext: fileset.Ext(h.Path()), Bytes: data}, nil
}

// ImageTextureLoader decodes an image and reports its dimensions.
func ImageTextureLoader(ctx context.Context, h fileset.FileHandle) (Texture, error) {
	if err := ctx.Err(); err != nil {
		return Texture{}, err
	}
	data, err := fileset.ReadAll(h)
	if err != nil {
		return Texture{}, err
	}
	ext := fileset.Ext(h.Path())
	img, err := decodeImage(data, ext)
	if err != nil {
		if sniffed := sniffImage(data); sniffed != "" && sniffed != ext {
			img, err = decodeImage(data, sniffed)
			ext = sniffed
		}
	}
	if err != nil {
		return Texture{}, fmt.Errorf("decoding %s: %w", h.Path(), err)
	}
	b := img.Bounds()
	return Texture{
		Source: h.Path(),
		Width:  b.Dx(),
		Height: b.Dy(),
		Format: strings.TrimPrefix(ext, "."),
	}, nil
}

func decodeImage(data []byte, ext string) (image.Image, error) {
	r := bytes.NewReader(data)
	switch ext {
	case ".png":
		return png.Decode(r)
	case ".jpg", ".jpeg":
		return jpeg.Decode(r)
	case ".gif":
		return gif.Decode(r)
	case ".bmp":
		return bmp.Decode(r)
	case ".tif", ".tiff":
		return tiff.Decode(r)
	case ".webp":
		return webp.Decode(r)
	case ".tga":
		return tga.Decode(r)
	default:
		return nil, fmt.Errorf("unsupported image extension %q", ext)
	}
}

func sniffImage(data []byte) string {
	switch {
	case len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return ".png"
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return ".jpg"
	case len(data) >= 6 && (string(data[:6]) == "GIF87a" || string(data[:6]) == "GIF89a"):
		return ".gif"
	case len(data) >= 2 && data[0] == 'B' && data[1] == 'M':
		return ".bmp"
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return ".webp"
	case len(data) >= 4 && (string(data[:4]) == "II*\x00" || string(data[:4]) == "MM\x00*"):
		return ".tiff"
	}
	return ""
}

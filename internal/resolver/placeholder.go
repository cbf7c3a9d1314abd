package resolver

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"

	"github.com/robot-viewer/backend/internal/fileset"
)

const placeholderPrefix = "placeholder:"

var (
	whitePNG = solidPNG(color.RGBA{R: 255, G: 255, B: 255, A: 255})
	greyPNG  = solidPNG(color.RGBA{R: 128, G: 128, B: 128, A: 255})
)

func solidPNG(c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, c)
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

type placeholder struct {
	ref  string
	data []byte
}

func (p *placeholder) Path() string { return placeholderPrefix + p.ref }
func (p *placeholder) Size() int64  { return int64(len(p.data)) }
func (p *placeholder) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(p.data)), nil
}

// Placeholder returns a 1x1 PNG standing in for an unresolved texture.
// Archive-internal references get a white pixel, others mid grey.
func Placeholder(ref string) fileset.FileHandle {
	if _, _, ok := fileset.InnerPath(ref); ok {
		return &placeholder{ref: ref, data: whitePNG}
	}
	return &placeholder{ref: ref, data: greyPNG}
}

// IsPlaceholder reports whether h was produced by Placeholder.
func IsPlaceholder(h fileset.FileHandle) bool {
	_, ok := h.(*placeholder)
	return ok || strings.HasPrefix(h.Path(), placeholderPrefix)
}

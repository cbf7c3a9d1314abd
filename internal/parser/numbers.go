package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/robot-viewer/backend/internal/models"
)

// Floats parses a whitespace separated list of numbers.
func Floats(s string) ([]float64, error) {
	fields := strings.Fields(s)
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", f)
		}
		out = append(out, v)
	}
	return out, nil
}

// Float parses one number. ok is false for an empty string.
func Float(s string) (v float64, ok bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, nil
	}
	v, err = strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid number %q", s)
	}
	return v, true, nil
}

// Vec3 parses "x y z". An empty string yields def.
func Vec3(s string, def models.Vec3) (models.Vec3, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	f, err := Floats(s)
	if err != nil {
		return def, err
	}
	if len(f) != 3 {
		return def, fmt.Errorf("expected 3 components, got %d in %q", len(f), s)
	}
	return models.Vec3{X: f[0], Y: f[1], Z: f[2]}, nil
}

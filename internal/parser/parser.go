package parser

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/robot-viewer/backend/internal/models"
)

// Document is the format-native parsed tree handed to an adapter.
type Document interface {
	Format() models.SourceFormat
}

// Parser defines the interface for robot description parsers.
type Parser interface {
	// Name returns the unique name of the parser.
	Name() string
	// Format returns the source format the parser produces documents for.
	Format() models.SourceFormat
	// CanParse reports whether the parser handles a file with this name and
	// leading content.
	CanParse(name string, head []byte) bool
	// Parse decodes the whole document.
	Parse(ctx context.Context, data []byte) (Document, error)
}

// HeadSize is how many leading bytes Detect looks at.
const HeadSize = 4096

// Head returns the leading bytes of data used for content sniffing.
func Head(data []byte) []byte {
	if len(data) > HeadSize {
		return data[:HeadSize]
	}
	return data
}

func parseFailed(format string, err error) error {
	return models.Fatal(format+" parse failed", fmt.Errorf("%w: %w", models.ErrParseFailed, err))
}

// rootElement returns the local name of the first element in head.
func rootElement(head []byte) string {
	i := 0
	for {
		j := bytes.IndexByte(head[i:], '<')
		if j < 0 {
			return ""
		}
		i += j + 1
		if i >= len(head) {
			return ""
		}
		switch head[i] {
		case '?', '!':
			continue
		}
		end := i
		for end < len(head) && !isNameEnd(head[end]) {
			end++
		}
		name := string(head[i:end])
		if k := strings.IndexByte(name, ':'); k >= 0 {
			name = name[k+1:]
		}
		return name
	}
}

func isNameEnd(c byte) bool {
	return c == ' ' || c == '>' || c == '/' || c == '\t' || c == '\n' || c == '\r'
}

// Package patcher keeps the source text of a robot description in sync with
// joint limit edits by splicing bytes instead of re-serializing the document.
package patcher

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/robot-viewer/backend/internal/models"
)

// Supports reports whether source text of format f can be patched. Only
// URDF expresses joint limits as attributes of a child element.
func Supports(f models.SourceFormat) bool {
	return f == models.FormatURDF
}

// Patch applies edit to the limit of joint in src.
func Patch(f models.SourceFormat, src, joint string, edit models.JointLimitEdit) (string, error) {
	if !Supports(f) {
		return src, fmt.Errorf("%w: %s", models.ErrPatchUnsupported, f)
	}
	out, ok := PatchJointLimit(src, joint, edit)
	if !ok {
		return src, fmt.Errorf("%w: joint %q", models.ErrPatchTargetNotFound, joint)
	}
	return out, nil
}

// PatchJointLimit updates the <limit> attributes named in edit on the joint
// element whose name attribute equals joint. Attributes not in edit keep
// their bytes. A missing <limit> is synthesized before </joint>. When the
// joint is not found, or src cannot be tokenized, src is returned unchanged
// with ok false.
func PatchJointLimit(src, joint string, edit models.JointLimitEdit) (string, bool) {
	idx, err := BuildIndex([]byte(src))
	if err != nil {
		return src, false
	}
	je, ok := idx.Joints[joint]
	if !ok {
		return src, false
	}
	fields := editFields(edit)
	if len(fields) == 0 {
		return src, true
	}
	if je.Limit != nil {
		return applySplices(src, limitSplices(src, *je.Limit, fields)), true
	}
	return applySplices(src, []splice{synthesizeLimit(src, je, fields)}), true
}

type field struct {
	name  string
	value string
}

// editFields lists the supplied fields in document order.
func editFields(e models.JointLimitEdit) []field {
	var out []field
	add := func(name string, v *float64) {
		if v != nil {
			out = append(out, field{name, formatNumber(*v)})
		}
	}
	add("lower", e.Lower)
	add("upper", e.Upper)
	add("effort", e.Effort)
	add("velocity", e.Velocity)
	return out
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

type splice struct {
	at   Span
	text string
}

func applySplices(src string, splices []splice) string {
	sort.Slice(splices, func(i, j int) bool { return splices[i].at.Start > splices[j].at.Start })
	for _, s := range splices {
		src = src[:s.at.Start] + s.text + src[s.at.End:]
	}
	return src
}

func limitSplices(src string, tag Span, fields []field) []splice {
	attrs, insertAt := scanAttributes(src, tag)
	var splices []splice
	var appended strings.Builder
	for _, f := range fields {
		if a, ok := attrs[f.name]; ok {
			if src[a.Start:a.End] != f.value {
				splices = append(splices, splice{a, f.value})
			}
			continue
		}
		fmt.Fprintf(&appended, ` %s="%s"`, f.name, f.value)
	}
	if appended.Len() > 0 {
		splices = append(splices, splice{Span{insertAt, insertAt}, appended.String()})
	}
	return splices
}

// scanAttributes returns the value ranges of the attributes in the start
// tag at tag, and the offset just after the last attribute.
func scanAttributes(src string, tag Span) (map[string]Span, int) {
	attrs := make(map[string]Span)
	i := tag.Start + 1
	for i < tag.End && !isSpace(src[i]) && src[i] != '/' && src[i] != '>' {
		i++
	}
	insertAt := i
	for i < tag.End {
		for i < tag.End && isSpace(src[i]) {
			i++
		}
		if i >= tag.End || src[i] == '/' || src[i] == '>' {
			break
		}
		nameStart := i
		for i < tag.End && src[i] != '=' && !isSpace(src[i]) {
			i++
		}
		name := src[nameStart:i]
		for i < tag.End && (isSpace(src[i]) || src[i] == '=') {
			i++
		}
		if i >= tag.End {
			break
		}
		quote := src[i]
		i++
		valueStart := i
		for i < tag.End && src[i] != quote {
			i++
		}
		attrs[name] = Span{valueStart, i}
		i++
		insertAt = i
	}
	return attrs, insertAt
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func synthesizeLimit(src string, je *JointElement, fields []field) splice {
	var b strings.Builder
	b.WriteString("<limit")
	for _, f := range fields {
		fmt.Fprintf(&b, ` %s="%s"`, f.name, f.value)
	}
	b.WriteString("/>")
	limit := b.String()

	if je.SelfClosing {
		// <joint .../> becomes <joint ...><limit .../></joint>.
		slash := strings.LastIndex(src[je.Open.Start:je.Open.End], "/")
		at := Span{je.Open.Start + slash, je.Open.End}
		return splice{at, ">" + limit + "</joint>"}
	}

	closeLine := lineStart([]byte(src), je.Close.Start)
	if closeLine == je.Close.Start {
		return splice{Span{je.Close.Start, je.Close.Start}, limit}
	}
	indent := src[closeLine:je.Close.Start] + "  "
	if je.LastChild > 0 && src[je.LastChild-1] == '\n' {
		indent = leadingSpace(src[je.LastChild:])
	}
	return splice{Span{closeLine, closeLine}, indent + limit + "\n"}
}

func leadingSpace(s string) string {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	return s[:i]
}

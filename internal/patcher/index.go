package patcher

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
)

// Span is a half-open byte range [Start, End).
type Span struct {
	Start int
	End   int
}

// JointElement locates one <joint> element of a document.
type JointElement struct {
	// Open covers the start tag, Close the end tag. For a self-closing
	// element Close is empty and equals Open.End.
	Open        Span
	Close       Span
	SelfClosing bool
	// Limit is the start tag of the direct <limit> child, if any.
	Limit *Span
	// LastChild is the start of the line holding the last direct child, or
	// -1 when the joint has no element children.
	LastChild int
}

// Index maps joint names to their elements. Only kinematic joints are
// indexed, which excludes the joint references inside <transmission>.
type Index struct {
	Joints map[string]*JointElement
}

// BuildIndex tokenizes src once and records the byte ranges of every
// joint element.
func BuildIndex(src []byte) (*Index, error) {
	idx := &Index{Joints: make(map[string]*JointElement)}
	dec := xml.NewDecoder(bytes.NewReader(src))

	type open struct {
		name  string
		joint *JointElement
		start int
	}
	var stack []open
	for {
		before := int(dec.InputOffset())
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		after := int(dec.InputOffset())

		switch t := tok.(type) {
		case xml.StartElement:
			var parent *JointElement
			if n := len(stack); n > 0 {
				parent = stack[n-1].joint
			}
			if parent != nil {
				parent.LastChild = lineStart(src, before)
				if t.Name.Local == "limit" && parent.Limit == nil {
					parent.Limit = &Span{Start: before, End: after}
				}
			}
			var je *JointElement
			if t.Name.Local == "joint" && hasAttr(t, "type") {
				name := attrValue(t, "name")
				if _, dup := idx.Joints[name]; !dup && name != "" {
					je = &JointElement{Open: Span{before, after}, LastChild: -1}
					idx.Joints[name] = je
				}
			}
			stack = append(stack, open{name: t.Name.Local, joint: je, start: before})
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, errors.New("unbalanced end element")
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if top.joint != nil {
				if before == after {
					top.joint.SelfClosing = true
					top.joint.Close = Span{after, after}
				} else {
					top.joint.Close = Span{before, after}
				}
			}
		}
	}
	if len(stack) > 0 {
		return nil, errors.New("unclosed element " + stack[len(stack)-1].name)
	}
	return idx, nil
}

func hasAttr(se xml.StartElement, name string) bool {
	for _, a := range se.Attr {
		if a.Name.Local == name && a.Name.Space == "" {
			return true
		}
	}
	return false
}

func attrValue(se xml.StartElement, name string) string {
	for _, a := range se.Attr {
		if a.Name.Local == name && a.Name.Space == "" {
			return a.Value
		}
	}
	return ""
}

// lineStart returns the offset just after the newline preceding pos when
// only whitespace separates them, and pos otherwise.
func lineStart(src []byte, pos int) int {
	i := pos
	for i > 0 && (src[i-1] == ' ' || src[i-1] == '\t') {
		i--
	}
	if i > 0 && src[i-1] == '\n' {
		return i
	}
	return pos
}

// LimitAttributes returns the attributes of the <limit> element of joint.
// ok is false when the joint or its limit element is absent.
func (idx *Index) LimitAttributes(src string, joint string) (map[string]string, bool) {
	je, ok := idx.Joints[joint]
	if !ok || je.Limit == nil {
		return nil, false
	}
	spans, _ := scanAttributes(src, *je.Limit)
	out := make(map[string]string, len(spans))
	for name, s := range spans {
		out[name] = src[s.Start:s.End]
	}
	return out, true
}

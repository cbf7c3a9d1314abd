package parser

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"strings"

	"github.com/robot-viewer/backend/internal/fileset"
	"github.com/robot-viewer/backend/internal/models"
)

// URDFRobot is the parsed <robot> element. Numeric attributes are kept as
// authored text so absent values stay absent and ${...} expressions can be
// expanded by the adapter.
type URDFRobot struct {
	XMLName    xml.Name       `xml:"robot"`
	Name       string         `xml:"name,attr"`
	Links      []URDFLink     `xml:"link"`
	Joints     []URDFJoint    `xml:"joint"`
	Materials  []URDFMaterial `xml:"material"`
	Properties Properties     `xml:"-"`
	// Macros lists xacro macro names that were found but not expanded.
	Macros []string `xml:"-"`
}

func (*URDFRobot) Format() models.SourceFormat { return models.FormatURDF }

type URDFLink struct {
	Name       string          `xml:"name,attr"`
	Inertial   *URDFInertial   `xml:"inertial"`
	Visuals    []URDFVisual    `xml:"visual"`
	Collisions []URDFCollision `xml:"collision"`
}

type URDFOrigin struct {
	XYZ string `xml:"xyz,attr"`
	RPY string `xml:"rpy,attr"`
}

type URDFInertial struct {
	Origin  *URDFOrigin `xml:"origin"`
	Mass    URDFValue   `xml:"mass"`
	Inertia URDFInertia `xml:"inertia"`
}

type URDFValue struct {
	Value string `xml:"value,attr"`
}

type URDFInertia struct {
	Ixx string `xml:"ixx,attr"`
	Iyy string `xml:"iyy,attr"`
	Izz string `xml:"izz,attr"`
	Ixy string `xml:"ixy,attr"`
	Ixz string `xml:"ixz,attr"`
	Iyz string `xml:"iyz,attr"`
}

type URDFVisual struct {
	Name     string        `xml:"name,attr"`
	Origin   *URDFOrigin   `xml:"origin"`
	Geometry URDFGeometry  `xml:"geometry"`
	Material *URDFMaterial `xml:"material"`
}

type URDFCollision struct {
	Name     string       `xml:"name,attr"`
	Origin   *URDFOrigin  `xml:"origin"`
	Geometry URDFGeometry `xml:"geometry"`
}

type URDFGeometry struct {
	Box      *URDFBox      `xml:"box"`
	Cylinder *URDFCylinder `xml:"cylinder"`
	Capsule  *URDFCylinder `xml:"capsule"`
	Sphere   *URDFSphere   `xml:"sphere"`
	Mesh     *URDFMesh     `xml:"mesh"`
}

type URDFBox struct {
	Size string `xml:"size,attr"`
}

type URDFCylinder struct {
	Radius string `xml:"radius,attr"`
	Length string `xml:"length,attr"`
}

type URDFSphere struct {
	Radius string `xml:"radius,attr"`
}

type URDFMesh struct {
	Filename string `xml:"filename,attr"`
	Scale    string `xml:"scale,attr"`
}

type URDFMaterial struct {
	Name    string       `xml:"name,attr"`
	Color   *URDFColor   `xml:"color"`
	Texture *URDFTexture `xml:"texture"`
}

type URDFColor struct {
	RGBA string `xml:"rgba,attr"`
}

type URDFTexture struct {
	Filename string `xml:"filename,attr"`
}

// URDFLimit carries the range of a joint limit. Effort and velocity are
// picked up from the source text by the adapter.
type URDFLimit struct {
	Lower string `xml:"lower,attr"`
	Upper string `xml:"upper,attr"`
}

type URDFJoint struct {
	Name   string      `xml:"name,attr"`
	Type   string      `xml:"type,attr"`
	Origin *URDFOrigin `xml:"origin"`
	Parent URDFLinkRef `xml:"parent"`
	Child  URDFLinkRef `xml:"child"`
	Axis   *URDFAxis   `xml:"axis"`
	Limit  *URDFLimit  `xml:"limit"`
	Mimic  *URDFMimic  `xml:"mimic"`
}

type URDFLinkRef struct {
	Link string `xml:"link,attr"`
}

type URDFAxis struct {
	XYZ string `xml:"xyz,attr"`
}

type URDFMimic struct {
	Joint      string `xml:"joint,attr"`
	Multiplier string `xml:"multiplier,attr"`
	Offset     string `xml:"offset,attr"`
}

// URDFParser decodes URDF and flat xacro documents.
type URDFParser struct{}

func NewURDFParser() *URDFParser { return &URDFParser{} }

func (p *URDFParser) Name() string                { return "URDF" }
func (p *URDFParser) Format() models.SourceFormat { return models.FormatURDF }

func (p *URDFParser) CanParse(name string, head []byte) bool {
	switch fileset.Ext(name) {
	case ".urdf", ".xacro":
		return true
	case ".xml", "":
		return rootElement(head) == "robot"
	}
	return false
}

func (p *URDFParser) Parse(ctx context.Context, data []byte) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	robot := &URDFRobot{}
	if err := xml.Unmarshal(data, robot); err != nil {
		return nil, parseFailed("urdf", err)
	}
	props, macros, err := scanXacro(data)
	if err != nil {
		return nil, parseFailed("urdf", err)
	}
	robot.Properties = props
	robot.Macros = macros
	return robot, nil
}

const xacroNS = "xacro"

// scanXacro collects <xacro:property> values and <xacro:macro> names.
func scanXacro(data []byte) (Properties, []string, error) {
	props := Properties{}
	var macros []string
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok || !isXacro(start.Name) {
			continue
		}
		switch start.Name.Local {
		case "property":
			name, value := attr(start, "name"), attr(start, "value")
			if name != "" {
				props[name] = value
			}
		case "macro":
			macros = append(macros, attr(start, "name"))
		}
	}
	return props, macros, nil
}

func isXacro(n xml.Name) bool {
	return n.Space == xacroNS || strings.Contains(n.Space, "ros.org/wiki/xacro")
}

func attr(se xml.StartElement, name string) string {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

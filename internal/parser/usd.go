package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/robot-viewer/backend/internal/fileset"
	"github.com/robot-viewer/backend/internal/models"
)

// ErrCrateFormat is returned for binary USD crate files.
var ErrCrateFormat = errors.New("unsupported crate format")

var (
	usdaMagic = []byte("#usda")
	usdcMagic = []byte("PXR-USDC")
)

// USDValueKind tags a USDValue.
type USDValueKind int

const (
	USDNone USDValueKind = iota
	USDNumber
	USDString
	USDToken
	USDAssetPath
	USDPathRef
	USDTuple
	USDList
	USDDict
)

// USDValue is a parsed attribute or metadata value.
type USDValue struct {
	Kind  USDValueKind
	Num   float64
	Str   string
	Items []USDValue
}

// Floats flattens numeric values; tuples and lists are walked recursively.
func (v USDValue) Floats() []float64 {
	switch v.Kind {
	case USDNumber:
		return []float64{v.Num}
	case USDTuple, USDList:
		var out []float64
		for _, it := range v.Items {
			out = append(out, it.Floats()...)
		}
		return out
	}
	return nil
}

// Strings returns the text of string, token, asset and path values.
func (v USDValue) Strings() []string {
	switch v.Kind {
	case USDString, USDToken, USDAssetPath, USDPathRef:
		return []string{v.Str}
	case USDTuple, USDList:
		var out []string
		for _, it := range v.Items {
			out = append(out, it.Strings()...)
		}
		return out
	}
	return nil
}

// USDProperty is an attribute or relationship authored on a prim.
type USDProperty struct {
	Name     string
	TypeName string
	Uniform  bool
	Custom   bool
	// Value is nil for declarations without a default.
	Value    *USDValue
	Metadata map[string]USDValue
}

// Relationship reports whether the property is a rel.
func (p *USDProperty) Relationship() bool { return p.TypeName == "rel" }

// USDPrim is one def/over/class block.
type USDPrim struct {
	Specifier  string
	TypeName   string
	Name       string
	Path       string
	Metadata   map[string]USDValue
	Properties []*USDProperty
	Children   []*USDPrim
	Parent     *USDPrim

	props map[string]*USDProperty
}

// Property returns the property named name.
func (p *USDPrim) Property(name string) (*USDProperty, bool) {
	prop, ok := p.props[name]
	return prop, ok
}

// Value returns the default value of the attribute named name.
func (p *USDPrim) Value(name string) (USDValue, bool) {
	prop, ok := p.props[name]
	if !ok || prop.Value == nil {
		return USDValue{}, false
	}
	return *prop.Value, true
}

// Float returns the first number of the attribute named name.
func (p *USDPrim) Float(name string) (float64, bool) {
	v, ok := p.Value(name)
	if !ok {
		return 0, false
	}
	f := v.Floats()
	if len(f) == 0 {
		return 0, false
	}
	return f[0], true
}

// Text returns the string or token attribute named name.
func (p *USDPrim) Text(name string) (string, bool) {
	v, ok := p.Value(name)
	if !ok {
		return "", false
	}
	s := v.Strings()
	if len(s) == 0 {
		return "", false
	}
	return s[0], true
}

// Target returns the first target path of a relationship or connection.
func (p *USDPrim) Target(name string) (string, bool) {
	v, ok := p.Value(name)
	if !ok {
		return "", false
	}
	targets := v.Strings()
	if len(targets) == 0 {
		return "", false
	}
	return targets[0], true
}

// APISchemas returns the applied API schema names.
func (p *USDPrim) APISchemas() []string {
	return p.Metadata["apiSchemas"].Strings()
}

// HasAPI reports whether schema is applied to the prim.
func (p *USDPrim) HasAPI(schema string) bool {
	for _, s := range p.APISchemas() {
		if s == schema {
			return true
		}
	}
	return false
}

// References returns the asset paths of the prim's references and payloads.
func (p *USDPrim) References() []string {
	var out []string
	for _, key := range []string{"references", "payload"} {
		v := p.Metadata[key]
		collectAssets(v, &out)
	}
	return out
}

func collectAssets(v USDValue, out *[]string) {
	switch v.Kind {
	case USDAssetPath:
		*out = append(*out, v.Str)
	case USDTuple, USDList:
		for _, it := range v.Items {
			collectAssets(it, out)
		}
	}
}

// USDStage is a parsed text layer.
type USDStage struct {
	Metadata map[string]USDValue
	Prims    []*USDPrim

	index map[string]*USDPrim
}

func (*USDStage) Format() models.SourceFormat { return models.FormatUSD }

// DefaultPrim returns the prim named by the defaultPrim metadata, or the
// first root prim.
func (s *USDStage) DefaultPrim() *USDPrim {
	if name := s.Metadata["defaultPrim"].Strings(); len(name) > 0 {
		if p, ok := s.index["/"+name[0]]; ok {
			return p
		}
	}
	if len(s.Prims) > 0 {
		return s.Prims[0]
	}
	return nil
}

// Prim returns the prim at an absolute path like /robot/base.
func (s *USDStage) Prim(p string) (*USDPrim, bool) {
	prim, ok := s.index[p]
	return prim, ok
}

// PrimForTarget returns the prim owning a target path. Property targets
// such as /mat/shader.outputs:rgb resolve to /mat/shader.
func (s *USDStage) PrimForTarget(target string) (*USDPrim, bool) {
	if p, ok := s.index[target]; ok {
		return p, true
	}
	if i := strings.LastIndexByte(target, '.'); i > strings.LastIndexByte(target, '/') {
		return s.Prim(target[:i])
	}
	return nil, false
}

// Walk visits every prim depth first in authored order.
func (s *USDStage) Walk(fn func(*USDPrim)) {
	var visit func([]*USDPrim)
	visit = func(prims []*USDPrim) {
		for _, p := range prims {
			fn(p)
			visit(p.Children)
		}
	}
	visit(s.Prims)
}

// USDParser decodes the text form of USD layers.
type USDParser struct{}

func NewUSDParser() *USDParser { return &USDParser{} }

func (p *USDParser) Name() string                { return "USD" }
func (p *USDParser) Format() models.SourceFormat { return models.FormatUSD }

func (p *USDParser) CanParse(name string, head []byte) bool {
	switch fileset.Ext(name) {
	case ".usda", ".usd", ".usdc", ".usdz":
		return true
	}
	trimmed := bytes.TrimLeft(head, "\ufeff \t\r\n")
	return bytes.HasPrefix(trimmed, usdaMagic) || bytes.HasPrefix(head, usdcMagic)
}

func (p *USDParser) Parse(ctx context.Context, data []byte) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if bytes.HasPrefix(data, usdcMagic) {
		return nil, models.Fatal("usd parse failed", fmt.Errorf("%w: %w", models.ErrUnsupportedFormat, ErrCrateFormat))
	}
	trimmed := bytes.TrimLeft(data, "\ufeff \t\r\n")
	if !bytes.HasPrefix(trimmed, usdaMagic) {
		return nil, parseFailed("usd", errors.New("missing #usda header"))
	}
	stage, err := parseUSDA(ctx, string(trimmed))
	if err != nil {
		return nil, parseFailed("usd", err)
	}
	return stage, nil
}

type usdaParser struct {
	ctx   context.Context
	lex   *usdLexer
	tok   usdToken
	stage *USDStage
}

func parseUSDA(ctx context.Context, src string) (*USDStage, error) {
	// The header line is a comment to the lexer.
	p := &usdaParser{
		ctx:   ctx,
		lex:   newUSDLexer(src),
		stage: &USDStage{Metadata: map[string]USDValue{}, index: map[string]*USDPrim{}},
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.tok.is(usdPunct, "(") {
		md, err := p.metadata()
		if err != nil {
			return nil, err
		}
		p.stage.Metadata = md
	}
	for p.tok.kind != usdEOF {
		prim, err := p.prim(nil)
		if err != nil {
			return nil, err
		}
		if prim != nil {
			p.stage.Prims = append(p.stage.Prims, prim)
		}
	}
	return p.stage, nil
}

func (p *usdaParser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *usdaParser) errorf(format string, args ...any) error {
	return fmt.Errorf("line %d: %s", p.tok.line, fmt.Sprintf(format, args...))
}

func (p *usdaParser) expect(text string) error {
	if !p.tok.is(usdPunct, text) {
		return p.errorf("expected %q, found %q", text, p.tok.text)
	}
	return p.advance()
}

func isSpecifier(t usdToken) bool {
	return t.kind == usdIdent && (t.text == "def" || t.text == "over" || t.text == "class")
}

// prim parses a prim block. Non-prim statements at this level are skipped
// and yield a nil prim.
func (p *usdaParser) prim(parent *USDPrim) (*USDPrim, error) {
	if err := p.ctx.Err(); err != nil {
		return nil, err
	}
	if !isSpecifier(p.tok) {
		if p.tok.is(usdPunct, "}") {
			return nil, p.errorf("unexpected }")
		}
		return nil, p.skipStatement()
	}
	prim := &USDPrim{Specifier: p.tok.text, Parent: parent, Metadata: map[string]USDValue{}, props: map[string]*USDProperty{}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.tok.kind == usdIdent {
		prim.TypeName = p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	if p.tok.kind != usdString {
		return nil, p.errorf("expected prim name, found %q", p.tok.text)
	}
	prim.Name = p.tok.text
	if parent != nil {
		prim.Path = parent.Path + "/" + prim.Name
	} else {
		prim.Path = "/" + prim.Name
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.tok.is(usdPunct, "(") {
		md, err := p.metadata()
		if err != nil {
			return nil, err
		}
		prim.Metadata = md
	}
	if err := p.expect("{"); err != nil {
		return nil, err
	}
	for !p.tok.is(usdPunct, "}") {
		if p.tok.kind == usdEOF {
			return nil, p.errorf("unterminated prim %s", prim.Path)
		}
		switch {
		case isSpecifier(p.tok):
			child, err := p.prim(prim)
			if err != nil {
				return nil, err
			}
			prim.Children = append(prim.Children, child)
		case p.tok.is(usdIdent, "variantSet"):
			if err := p.skipStatement(); err != nil {
				return nil, err
			}
		case p.tok.kind == usdIdent:
			prop, err := p.property()
			if err != nil {
				return nil, err
			}
			if prop != nil {
				prim.Properties = append(prim.Properties, prop)
				prim.props[prop.Name] = prop
			}
		default:
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	p.stage.index[prim.Path] = prim
	return prim, p.advance()
}

// property parses
//
//	[custom] [uniform|varying] type[[]] name [= value] [(metadata)]
//	[custom] rel name [= target]
func (p *usdaParser) property() (*USDProperty, error) {
	prop := &USDProperty{}
	for p.tok.kind == usdIdent && (p.tok.text == "custom" || p.tok.text == "uniform" || p.tok.text == "varying" ||
		p.tok.text == "prepend" || p.tok.text == "append" || p.tok.text == "delete" || p.tok.text == "add") {
		switch p.tok.text {
		case "custom":
			prop.Custom = true
		case "uniform":
			prop.Uniform = true
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	if p.tok.kind != usdIdent {
		return nil, p.errorf("expected property type, found %q", p.tok.text)
	}
	prop.TypeName = p.tok.text
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.tok.is(usdPunct, "[") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expect("]"); err != nil {
			return nil, err
		}
		prop.TypeName += "[]"
	}
	if p.tok.kind != usdIdent {
		return nil, p.errorf("expected property name after %s, found %q", prop.TypeName, p.tok.text)
	}
	prop.Name = p.tok.text
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.tok.is(usdPunct, "=") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		prop.Value = &v
	}
	if p.tok.is(usdPunct, "(") {
		md, err := p.metadata()
		if err != nil {
			return nil, err
		}
		prop.Metadata = md
	}
	// Time samples are not part of the default value.
	if strings.HasSuffix(prop.Name, ".timeSamples") {
		return nil, nil
	}
	return prop, nil
}

// metadata parses a parenthesized block of key = value entries. List
// operations (prepend, append, add) are folded into the plain key.
func (p *usdaParser) metadata() (map[string]USDValue, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	md := map[string]USDValue{}
	for !p.tok.is(usdPunct, ")") {
		switch {
		case p.tok.kind == usdEOF:
			return nil, p.errorf("unterminated metadata")
		case p.tok.kind == usdString:
			md["doc"] = USDValue{Kind: USDString, Str: p.tok.text}
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		case p.tok.is(usdPunct, ";"):
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		case p.tok.kind != usdIdent:
			return nil, p.errorf("expected metadata key, found %q", p.tok.text)
		}
		key := p.tok.text
		op := ""
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind == usdIdent {
			op, key = key, p.tok.text
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		if !p.tok.is(usdPunct, "=") {
			continue
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		if op == "delete" {
			continue
		}
		if prev, ok := md[key]; ok && (op == "prepend" || op == "append" || op == "add") {
			v = USDValue{Kind: USDList, Items: append(listItems(prev), listItems(v)...)}
		}
		md[key] = v
	}
	return md, p.advance()
}

func listItems(v USDValue) []USDValue {
	if v.Kind == USDList {
		return v.Items
	}
	return []USDValue{v}
}

func (p *usdaParser) value() (USDValue, error) {
	tok := p.tok
	switch tok.kind {
	case usdNumber:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return USDValue{}, p.errorf("bad number %q", tok.text)
		}
		return USDValue{Kind: USDNumber, Num: f}, p.advance()
	case usdString:
		return USDValue{Kind: USDString, Str: tok.text}, p.advance()
	case usdAsset:
		v := USDValue{Kind: USDAssetPath, Str: tok.text}
		if err := p.advance(); err != nil {
			return v, err
		}
		// A reference may name a target prim: @file.usd@</Robot>.
		if p.tok.kind == usdPath {
			return v, p.advance()
		}
		return v, nil
	case usdPath:
		return USDValue{Kind: USDPathRef, Str: tok.text}, p.advance()
	case usdIdent:
		switch strings.ToLower(strings.TrimLeft(tok.text, "+-")) {
		case "inf", "nan":
			f, _ := strconv.ParseFloat(tok.text, 64)
			return USDValue{Kind: USDNumber, Num: f}, p.advance()
		case "none":
			return USDValue{Kind: USDNone}, p.advance()
		}
		return USDValue{Kind: USDToken, Str: tok.text}, p.advance()
	case usdPunct:
		switch tok.text {
		case "(":
			return p.sequence(USDTuple, ")")
		case "[":
			return p.sequence(USDList, "]")
		case "{":
			return USDValue{Kind: USDDict}, p.skipBalanced()
		}
	}
	return USDValue{}, p.errorf("unexpected %q in value", tok.text)
}

func (p *usdaParser) sequence(kind USDValueKind, close string) (USDValue, error) {
	v := USDValue{Kind: kind}
	if err := p.advance(); err != nil {
		return v, err
	}
	for !p.tok.is(usdPunct, close) {
		if p.tok.kind == usdEOF {
			return v, p.errorf("unterminated %s", close)
		}
		item, err := p.value()
		if err != nil {
			return v, err
		}
		v.Items = append(v.Items, item)
		if p.tok.is(usdPunct, ",") {
			if err := p.advance(); err != nil {
				return v, err
			}
		}
	}
	return v, p.advance()
}

// skipBalanced consumes a {...}, (...) or [...] group starting at the
// current token.
func (p *usdaParser) skipBalanced() error {
	depth := 0
	for {
		switch {
		case p.tok.kind == usdEOF:
			return p.errorf("unbalanced brackets")
		case p.tok.kind == usdPunct && strings.Contains("({[", p.tok.text):
			depth++
		case p.tok.kind == usdPunct && strings.Contains(")}]", p.tok.text):
			depth--
		}
		if err := p.advance(); err != nil {
			return err
		}
		if depth == 0 {
			return nil
		}
	}
}

// skipStatement skips tokens up to and including the next balanced {...}
// group. It stops early at a closing brace or the next prim.
func (p *usdaParser) skipStatement() error {
	for first := true; p.tok.kind != usdEOF; first = false {
		switch {
		case p.tok.is(usdPunct, "{"):
			return p.skipBalanced()
		case p.tok.is(usdPunct, "}"):
			return nil
		case !first && isSpecifier(p.tok):
			return nil
		}
		if err := p.advance(); err != nil {
			return err
		}
	}
	return nil
}

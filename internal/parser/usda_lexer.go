package parser

import (
	"fmt"
	"strings"
)

type usdTokenKind int

const (
	usdEOF usdTokenKind = iota
	usdIdent
	usdNumber
	usdString
	usdAsset
	usdPath
	usdPunct
)

type usdToken struct {
	kind usdTokenKind
	text string
	line int
}

func (t usdToken) is(kind usdTokenKind, text string) bool {
	return t.kind == kind && t.text == text
}

type usdLexer struct {
	src  string
	pos  int
	line int
}

func newUSDLexer(src string) *usdLexer {
	return &usdLexer{src: src, line: 1}
}

func (l *usdLexer) errorf(format string, args ...any) error {
	return fmt.Errorf("line %d: %s", l.line, fmt.Sprintf(format, args...))
}

func (l *usdLexer) skipSpace() {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '\n':
			l.line++
			l.pos++
		case c == ' ' || c == '\t' || c == '\r':
			l.pos++
		case c == '#':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.pos++
			}
		default:
			return
		}
	}
}

func (l *usdLexer) next() (usdToken, error) {
	l.skipSpace()
	if l.pos >= len(l.src) {
		return usdToken{kind: usdEOF, line: l.line}, nil
	}
	start, line := l.pos, l.line
	c := l.src[l.pos]
	switch {
	case c == '"' || c == '\'':
		s, err := l.readString(c)
		return usdToken{kind: usdString, text: s, line: line}, err
	case c == '@':
		s, err := l.readDelimited('@', "@")
		return usdToken{kind: usdAsset, text: s, line: line}, err
	case c == '<':
		s, err := l.readDelimited('<', ">")
		return usdToken{kind: usdPath, text: s, line: line}, err
	case isNumberStart(l.src, l.pos):
		l.pos++
		for l.pos < len(l.src) && isNumberChar(l.src[l.pos]) {
			l.pos++
		}
		return usdToken{kind: usdNumber, text: l.src[start:l.pos], line: line}, nil
	case isIdentChar(c):
		for l.pos < len(l.src) && isIdentChar(l.src[l.pos]) {
			l.pos++
		}
		return usdToken{kind: usdIdent, text: l.src[start:l.pos], line: line}, nil
	case strings.IndexByte("()[]{}=,;:", c) >= 0:
		l.pos++
		return usdToken{kind: usdPunct, text: string(c), line: line}, nil
	}
	return usdToken{}, l.errorf("unexpected character %q", c)
}

func (l *usdLexer) readString(q byte) (string, error) {
	triple := strings.Repeat(string(q), 3)
	if strings.HasPrefix(l.src[l.pos:], triple) {
		end := strings.Index(l.src[l.pos+3:], triple)
		if end < 0 {
			return "", l.errorf("unterminated string")
		}
		s := l.src[l.pos+3 : l.pos+3+end]
		l.line += strings.Count(s, "\n")
		l.pos += end + 6
		return s, nil
	}
	l.pos++
	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == q:
			l.pos++
			return b.String(), nil
		case c == '\\' && l.pos+1 < len(l.src):
			l.pos++
			switch e := l.src[l.pos]; e {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(e)
			}
		case c == '\n':
			return "", l.errorf("newline in string")
		default:
			b.WriteByte(c)
		}
		l.pos++
	}
	return "", l.errorf("unterminated string")
}

// readDelimited reads @asset@, @@@asset@@@ and <path> tokens.
func (l *usdLexer) readDelimited(open byte, close string) (string, error) {
	if open == '@' && strings.HasPrefix(l.src[l.pos:], "@@@") {
		close = "@@@"
		l.pos += 3
	} else {
		l.pos++
	}
	end := strings.Index(l.src[l.pos:], close)
	if end < 0 || strings.Contains(l.src[l.pos:l.pos+end], "\n") {
		return "", l.errorf("unterminated %c", open)
	}
	s := l.src[l.pos : l.pos+end]
	l.pos += end + len(close)
	return s, nil
}

func isIdentChar(c byte) bool {
	return c == '_' || c == ':' || c == '.' || c == '-' ||
		('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

func isNumberChar(c byte) bool {
	return ('0' <= c && c <= '9') || c == '.' || c == 'e' || c == 'E' || c == '-' || c == '+'
}

func isNumberStart(s string, i int) bool {
	c := s[i]
	if '0' <= c && c <= '9' {
		return true
	}
	if (c == '-' || c == '+' || c == '.') && i+1 < len(s) {
		n := s[i+1]
		return ('0' <= n && n <= '9') || (c != '.' && n == '.')
	}
	return false
}

package odata

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokInt
	tokFloat
	tokDecimal
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string // identifier or raw literal text
	ival int64
	fval float64
	pos  int
}

// lexer tokenizes a $filter expression. Identifiers may contain dots so that
// Edm.* type names lex as a single token; member-name validation happens
// against the entity model, which never contains dots.
type lexer struct {
	input string
	pos   int
}

func (l *lexer) errf(pos int, format string, args ...any) error {
	return fmt.Errorf("%w: %s at position %d", ErrBadQuery, fmt.Sprintf(format, args...), pos)
}

func (l *lexer) skipSpaces() {
	for l.pos < len(l.input) && l.input[l.pos] == ' ' {
		l.pos++
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c == '.' || (c >= '0' && c <= '9')
}

func (l *lexer) next() (token, error) {
	l.skipSpaces()
	if l.pos >= len(l.input) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}
	start := l.pos
	c := l.input[l.pos]

	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, pos: start}, nil
	case c == ',':
		l.pos++
		return token{kind: tokComma, pos: start}, nil
	case c == '\'':
		return l.lexString()
	case c == '-' || (c >= '0' && c <= '9'):
		return l.lexNumber()
	case isIdentStart(c):
		for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.input[start:l.pos], pos: start}, nil
	default:
		return token{}, l.errf(start, "unexpected character %q", string(c))
	}
}

// lexString scans a single-quoted string with '' as the escape for a quote.
func (l *lexer) lexString() (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == '\'' {
			if l.pos+1 < len(l.input) && l.input[l.pos+1] == '\'' {
				sb.WriteByte('\'')
				l.pos += 2
				continue
			}
			l.pos++
			return token{kind: tokString, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, l.errf(start, "unterminated string literal")
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	if l.input[l.pos] == '-' {
		l.pos++
	}
	digits := 0
	for l.pos < len(l.input) && l.input[l.pos] >= '0' && l.input[l.pos] <= '9' {
		l.pos++
		digits++
	}
	if digits == 0 {
		return token{}, l.errf(start, "malformed number")
	}
	isFloat := false
	if l.pos < len(l.input) && l.input[l.pos] == '.' {
		isFloat = true
		l.pos++
		frac := 0
		for l.pos < len(l.input) && l.input[l.pos] >= '0' && l.input[l.pos] <= '9' {
			l.pos++
			frac++
		}
		if frac == 0 {
			return token{}, l.errf(start, "malformed number")
		}
	}
	text := l.input[start:l.pos]

	// M suffix marks a decimal literal.
	if l.pos < len(l.input) && (l.input[l.pos] == 'M' || l.input[l.pos] == 'm') {
		l.pos++
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return token{}, l.errf(start, "malformed decimal %q", text)
		}
		return token{kind: tokDecimal, text: text, fval: f, pos: start}, nil
	}

	if isFloat {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return token{}, l.errf(start, "malformed number %q", text)
		}
		return token{kind: tokFloat, text: text, fval: f, pos: start}, nil
	}
	i, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return token{}, l.errf(start, "integer out of range %q", text)
	}
	return token{kind: tokInt, text: text, ival: i, pos: start}, nil
}

// rawUntil scans raw input until the given byte at the current nesting level,
// used for the first argument of cast() whose literals (dates, GUIDs) do not
// tokenize as ordinary tokens. The terminator is not consumed.
func (l *lexer) rawUntil(term byte) (string, error) {
	start := l.pos
	depth := 0
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		switch {
		case c == '(':
			depth++
		case c == ')' && depth > 0:
			depth--
		case c == term && depth == 0:
			return strings.TrimSpace(l.input[start:l.pos]), nil
		}
		l.pos++
	}
	return "", l.errf(start, "unterminated cast expression")
}

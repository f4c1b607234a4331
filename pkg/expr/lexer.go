package expr

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/orbitmesh/orbitmesh/pkg/domain"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent // bare identifiers: function names, true/false/null
	tokDollar
	tokDot
	tokLBracket
	tokRBracket
	tokLParen
	tokRParen
	tokComma
	tokEq
	tokNeq
	tokLt
	tokLte
	tokGt
	tokGte
	tokAnd
	tokOr
	tokNot
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokPercent
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	src string
	pos int
}

func newLexer(src string) *lexer {
	return &lexer{src: src}
}

func (l *lexer) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d", domain.ErrExpressionParse, fmt.Sprintf(format, args...), l.pos)
}

// next returns the next token in the source.
func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.src[l.pos]

	switch c {
	case '$':
		l.pos++
		return token{tokDollar, "$", start}, nil
	case '.':
		l.pos++
		return token{tokDot, ".", start}, nil
	case '[':
		l.pos++
		return token{tokLBracket, "[", start}, nil
	case ']':
		l.pos++
		return token{tokRBracket, "]", start}, nil
	case '(':
		l.pos++
		return token{tokLParen, "(", start}, nil
	case ')':
		l.pos++
		return token{tokRParen, ")", start}, nil
	case ',':
		l.pos++
		return token{tokComma, ",", start}, nil
	case '+':
		l.pos++
		return token{tokPlus, "+", start}, nil
	case '-':
		l.pos++
		return token{tokMinus, "-", start}, nil
	case '*':
		l.pos++
		return token{tokStar, "*", start}, nil
	case '/':
		l.pos++
		return token{tokSlash, "/", start}, nil
	case '%':
		l.pos++
		return token{tokPercent, "%", start}, nil
	case '=':
		if l.peekAt(1) == '=' {
			l.pos += 2
			return token{tokEq, "==", start}, nil
		}
		return token{}, l.errorf("unexpected '='")
	case '!':
		if l.peekAt(1) == '=' {
			l.pos += 2
			return token{tokNeq, "!=", start}, nil
		}
		l.pos++
		return token{tokNot, "!", start}, nil
	case '<':
		if l.peekAt(1) == '=' {
			l.pos += 2
			return token{tokLte, "<=", start}, nil
		}
		l.pos++
		return token{tokLt, "<", start}, nil
	case '>':
		if l.peekAt(1) == '=' {
			l.pos += 2
			return token{tokGte, ">=", start}, nil
		}
		l.pos++
		return token{tokGt, ">", start}, nil
	case '&':
		if l.peekAt(1) == '&' {
			l.pos += 2
			return token{tokAnd, "&&", start}, nil
		}
		return token{}, l.errorf("unexpected '&'")
	case '|':
		if l.peekAt(1) == '|' {
			l.pos += 2
			return token{tokOr, "||", start}, nil
		}
		return token{}, l.errorf("unexpected '|'")
	case '\'', '"':
		return l.scanString(c)
	}

	if c >= '0' && c <= '9' {
		return l.scanNumber()
	}
	if isIdentStart(c) {
		return l.scanIdent()
	}

	return token{}, l.errorf("unexpected character %q", c)
}

func (l *lexer) peekAt(off int) byte {
	if l.pos+off >= len(l.src) {
		return 0
	}
	return l.src[l.pos+off]
}

func (l *lexer) scanString(quote byte) (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\\' && l.pos+1 < len(l.src) {
			next := l.src[l.pos+1]
			switch next {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case '\\', '\'', '"':
				sb.WriteByte(next)
			default:
				return token{}, l.errorf("invalid escape \\%c", next)
			}
			l.pos += 2
			continue
		}
		if c == quote {
			l.pos++
			return token{tokString, sb.String(), start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, l.errorf("unterminated string")
}

func (l *lexer) scanNumber() (token, error) {
	start := l.pos
	seenDot := false
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '.' {
			// A dot followed by a non-digit ends the number (path syntax).
			if seenDot || l.pos+1 >= len(l.src) || l.src[l.pos+1] < '0' || l.src[l.pos+1] > '9' {
				break
			}
			seenDot = true
			l.pos++
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		l.pos++
	}
	return token{tokNumber, l.src[start:l.pos], start}, nil
}

func (l *lexer) scanIdent() (token, error) {
	start := l.pos
	for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
		l.pos++
	}
	return token{tokIdent, l.src[start:l.pos], start}, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

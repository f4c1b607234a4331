package expr

import (
	"fmt"
	"strconv"

	"github.com/orbitmesh/orbitmesh/pkg/domain"
)

// Node is a parsed expression tree node.
type Node interface {
	eval(scope Scope) (any, error)
}

type literalNode struct {
	value any
}

type pathNode struct {
	// segments alternate field names and integer indexes.
	segments []pathSegment
}

type pathSegment struct {
	field string
	index int
	isIdx bool
}

type unaryNode struct {
	op    tokenKind
	child Node
}

type binaryNode struct {
	op          tokenKind
	left, right Node
}

type callNode struct {
	name string
	args []Node
}

type parser struct {
	lex  *lexer
	cur  token
	peek token
}

// Parse compiles an expression source string into an evaluable tree.
func Parse(src string) (Node, error) {
	p := &parser{lex: newLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, p.errorf("unexpected trailing token %q", p.cur.text)
	}
	return node, nil
}

func (p *parser) advance() error {
	p.cur = p.peek
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.peek = tok
	return nil
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d", domain.ErrExpressionParse, fmt.Sprintf(format, args...), p.cur.pos)
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tokOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tokAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseEquality() (Node, error) {
	left, err := p.parseRelational()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokEq || p.cur.kind == tokNeq {
		op := p.cur.kind
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseRelational()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseRelational() (Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokLt || p.cur.kind == tokLte || p.cur.kind == tokGt || p.cur.kind == tokGte {
		op := p.cur.kind
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAdditive() (Node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokPlus || p.cur.kind == tokMinus {
		op := p.cur.kind
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokStar || p.cur.kind == tokSlash || p.cur.kind == tokPercent {
		op := p.cur.kind
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Node, error) {
	switch p.cur.kind {
	case tokNot:
		if err := p.advance(); err != nil {
			return nil, err
		}
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: tokNot, child: child}, nil
	case tokMinus:
		if err := p.advance(); err != nil {
			return nil, err
		}
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: tokMinus, child: child}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	switch p.cur.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(p.cur.text, 64)
		if err != nil {
			return nil, p.errorf("invalid number %q", p.cur.text)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalNode{value: f}, nil

	case tokString:
		s := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalNode{value: s}, nil

	case tokDollar:
		return p.parsePath()

	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tokRParen {
			return nil, p.errorf("expected ')'")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return inner, nil

	case tokIdent:
		name := p.cur.text
		switch name {
		case "true":
			if err := p.advance(); err != nil {
				return nil, err
			}
			return &literalNode{value: true}, nil
		case "false":
			if err := p.advance(); err != nil {
				return nil, err
			}
			return &literalNode{value: false}, nil
		case "null":
			if err := p.advance(); err != nil {
				return nil, err
			}
			return &literalNode{value: nil}, nil
		}
		return p.parseCall(name)
	}

	return nil, p.errorf("unexpected token %q", p.cur.text)
}

// parsePath parses `$.a.b[0].c` starting at the '$' token.
func (p *parser) parsePath() (Node, error) {
	if err := p.advance(); err != nil { // consume '$'
		return nil, err
	}
	node := &pathNode{}
	for {
		switch p.cur.kind {
		case tokDot:
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.cur.kind != tokIdent {
				return nil, p.errorf("expected field name after '.'")
			}
			node.segments = append(node.segments, pathSegment{field: p.cur.text})
			if err := p.advance(); err != nil {
				return nil, err
			}
		case tokLBracket:
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.cur.kind != tokNumber {
				return nil, p.errorf("expected index after '['")
			}
			idx, err := strconv.Atoi(p.cur.text)
			if err != nil {
				return nil, p.errorf("invalid index %q", p.cur.text)
			}
			node.segments = append(node.segments, pathSegment{index: idx, isIdx: true})
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.cur.kind != tokRBracket {
				return nil, p.errorf("expected ']'")
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		default:
			return node, nil
		}
	}
}

// parseCall parses a whitelisted function call. A bare identifier that is
// not followed by '(' is a parse error; plain names are not valid paths.
func (p *parser) parseCall(name string) (Node, error) {
	if !isBuiltin(name) {
		return nil, p.errorf("unknown identifier %q", name)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.cur.kind != tokLParen {
		return nil, p.errorf("expected '(' after function %q", name)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	call := &callNode{name: name}
	if p.cur.kind != tokRParen {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			call.args = append(call.args, arg)
			if p.cur.kind != tokComma {
				break
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	if p.cur.kind != tokRParen {
		return nil, p.errorf("expected ')' to close call to %q", name)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return call, nil
}

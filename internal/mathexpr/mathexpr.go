// Package mathexpr evaluates untrusted arithmetic emitted by language models.
//
// Only decimal numerals, whitespace, parentheses and the binary operators
// + - * / are accepted, plus unary sign. Anything else is a syntax error;
// nothing is ever executed.
package mathexpr

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrSyntax is returned for input outside the accepted grammar
	ErrSyntax = errors.New("invalid arithmetic expression")
	// ErrDivideByZero is returned when a divisor evaluates to zero
	ErrDivideByZero = errors.New("division by zero")
	// ErrTooLong is returned for input over MaxLength bytes
	ErrTooLong = errors.New("expression too long")
)

// MaxLength bounds the accepted expression size
const MaxLength = 256

// maxDepth bounds parenthesis nesting
const maxDepth = 32

// Eval evaluates expr and returns its value.
//
//	expr   := term (('+' | '-') term)*
//	term   := factor (('*' | '/') factor)*
//	factor := ('+' | '-') factor | number | '(' expr ')'
func Eval(expr string) (float64, error) {
	if len(expr) > MaxLength {
		return 0, ErrTooLong
	}
	p := &parser{src: expr}
	p.skip()
	if p.done() {
		return 0, fmt.Errorf("%w: empty", ErrSyntax)
	}
	v, err := p.expr(0)
	if err != nil {
		return 0, err
	}
	p.skip()
	if !p.done() {
		return 0, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, p.src[p.pos], p.pos)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("%w: result is not finite", ErrSyntax)
	}
	return v, nil
}

// EvalPositive evaluates expr and requires a strictly positive result
func EvalPositive(expr string) (float64, error) {
	v, err := Eval(expr)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("%w: %g is not positive", ErrSyntax, v)
	}
	return v, nil
}

// IsExpression reports whether s contains an operator and only characters
// from the accepted alphabet, i.e. it is worth evaluating rather than
// parsing as a plain number.
func IsExpression(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	hasOp := false
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ' ', r == '(', r == ')':
		case r == '*' || r == '/' || r == '+':
			hasOp = true
		case r == '-':
			if i > 0 {
				hasOp = true
			}
		default:
			return false
		}
	}
	return hasOp
}

type parser struct {
	src string
	pos int
}

func (p *parser) done() bool {
	return p.pos >= len(p.src)
}

func (p *parser) skip() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) peek() byte {
	p.skip()
	if p.done() {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) expr(depth int) (float64, error) {
	left, err := p.term(depth)
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.term(depth)
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.term(depth)
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *parser) term(depth int) (float64, error) {
	left, err := p.factor(depth)
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.factor(depth)
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.factor(depth)
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, ErrDivideByZero
			}
			left /= right
		default:
			return left, nil
		}
	}
}

func (p *parser) factor(depth int) (float64, error) {
	switch c := p.peek(); {
	case c == '-':
		p.pos++
		v, err := p.factor(depth)
		return -v, err
	case c == '+':
		p.pos++
		return p.factor(depth)
	case c == '(':
		if depth >= maxDepth {
			return 0, fmt.Errorf("%w: nesting too deep", ErrSyntax)
		}
		p.pos++
		v, err := p.expr(depth + 1)
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("%w: missing ')'", ErrSyntax)
		}
		p.pos++
		return v, nil
	case (c >= '0' && c <= '9') || c == '.':
		return p.number()
	case c == 0:
		return 0, fmt.Errorf("%w: unexpected end", ErrSyntax)
	default:
		return 0, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, c, p.pos)
	}
}

func (p *parser) number() (float64, error) {
	start := p.pos
	dot := false
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '.' {
			if dot {
				break
			}
			dot = true
		} else if c < '0' || c > '9' {
			break
		}
		p.pos++
	}
	lit := p.src[start:p.pos]
	if lit == "." {
		return 0, fmt.Errorf("%w: bare '.' at %d", ErrSyntax, start)
	}
	v, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	return v, nil
}

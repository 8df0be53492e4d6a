package exec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

var ErrBadStatement = errors.New("exec: bad statement")

// EvalStatement evaluates an integer arithmetic expression with the
// usual precedence: + - * / %, unary minus, and parentheses.
func EvalStatement(input string) (string, error) {
	p := &parser{src: input}
	v, err := p.parseExpr()
	if err != nil {
		return "", err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return "", fmt.Errorf("%w: unexpected %q at offset %d", ErrBadStatement, p.src[p.pos], p.pos)
	}
	return strconv.FormatInt(v, 10), nil
}

type parser struct {
	src string
	pos int
}

func (p *parser) parseExpr() (int64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		op, ok := p.peek()
		if !ok || (op != '+' && op != '-') {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			left += right
		} else {
			left -= right
		}
	}
}

func (p *parser) parseTerm() (int64, error) {
	left, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		op, ok := p.peek()
		if !ok || (op != '*' && op != '/' && op != '%') {
			return left, nil
		}
		p.pos++
		right, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		switch op {
		case '*':
			left *= right
		case '/':
			if right == 0 {
				return 0, fmt.Errorf("%w: division by zero", ErrBadStatement)
			}
			left /= right
		case '%':
			if right == 0 {
				return 0, fmt.Errorf("%w: modulo by zero", ErrBadStatement)
			}
			left %= right
		}
	}
}

func (p *parser) parseFactor() (int64, error) {
	p.skipSpace()
	c, ok := p.peek()
	if !ok {
		return 0, fmt.Errorf("%w: unexpected end of input", ErrBadStatement)
	}
	switch {
	case c == '-':
		p.pos++
		v, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		return -v, nil
	case c == '(':
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if c, ok := p.peek(); !ok || c != ')' {
			return 0, fmt.Errorf("%w: missing closing parenthesis", ErrBadStatement)
		}
		p.pos++
		return v, nil
	case unicode.IsDigit(rune(c)):
		start := p.pos
		for p.pos < len(p.src) && unicode.IsDigit(rune(p.src[p.pos])) {
			p.pos++
		}
		v, err := strconv.ParseInt(p.src[start:p.pos], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: number %q out of range", ErrBadStatement, p.src[start:p.pos])
		}
		return v, nil
	default:
		return 0, fmt.Errorf("%w: unexpected %q at offset %d", ErrBadStatement, c, p.pos)
	}
}

func (p *parser) peek() (byte, bool) {
	if p.pos >= len(p.src) {
		return 0, false
	}
	return p.src[p.pos], true
}

func (p *parser) skipSpace() {
	p.pos += len(p.src[p.pos:]) - len(strings.TrimLeft(p.src[p.pos:], " \t"))
}

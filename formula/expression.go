package formula

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mmdatafocus/datapipe_backend/utils"
	"github.com/shopspring/decimal"
)

const (
	maxFormulaLength = 2000
	maxNestingDepth  = 64
)

var (
	ErrDivisionByZero = errors.New("division by zero")
	ErrNonNumeric     = errors.New("placeholder value is not numeric")
)

type node interface {
	eval(scope map[string]any) (decimal.Decimal, error)
}

type numberNode struct{ value decimal.Decimal }

type variableNode struct{ name string }

type negateNode struct{ operand node }

type binaryNode struct {
	op          tokenKind
	left, right node
}

func (n numberNode) eval(map[string]any) (decimal.Decimal, error) { return n.value, nil }

func (n variableNode) eval(scope map[string]any) (decimal.Decimal, error) {
	return resolve(scope, n.name)
}

func (n negateNode) eval(scope map[string]any) (decimal.Decimal, error) {
	v, err := n.operand.eval(scope)
	if err != nil {
		return decimal.Zero, err
	}
	return v.Neg(), nil
}

func (n binaryNode) eval(scope map[string]any) (decimal.Decimal, error) {
	l, err := n.left.eval(scope)
	if err != nil {
		return decimal.Zero, err
	}
	r, err := n.right.eval(scope)
	if err != nil {
		return decimal.Zero, err
	}
	switch n.op {
	case tokPlus:
		return l.Add(r), nil
	case tokMinus:
		return l.Sub(r), nil
	case tokStar:
		return l.Mul(r), nil
	case tokSlash:
		if r.IsZero() {
			return decimal.Zero, ErrDivisionByZero
		}
		return l.Div(r), nil
	}
	return decimal.Zero, fmt.Errorf("unknown operator %d", n.op)
}

// resolve binds a placeholder to a scope value. A missing or null field is 0.
func resolve(scope map[string]any, name string) (decimal.Decimal, error) {
	v, ok := scope[name]
	if !ok {
		v, ok = utils.LookupPath(scope, name)
	}
	if !ok || v == nil {
		return decimal.Zero, nil
	}
	switch x := v.(type) {
	case json.Number:
		return decimal.NewFromString(x.String())
	case float64:
		return decimal.NewFromFloat(x), nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case decimal.Decimal:
		return x, nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("{%s}: %w", name, ErrNonNumeric)
		}
		return d, nil
	default:
		return decimal.Zero, fmt.Errorf("{%s}: %w", name, ErrNonNumeric)
	}
}

// Expression is a parsed formula. It is immutable and safe for concurrent Eval calls.
type Expression struct {
	text string
	root node
	vars []string
}

func (e *Expression) String() string { return e.text }

// Variables lists the placeholder names in order of first appearance.
func (e *Expression) Variables() []string {
	return append([]string(nil), e.vars...)
}

func (e *Expression) Eval(scope map[string]any) (decimal.Decimal, error) {
	return e.root.eval(scope)
}

// Parse compiles a formula. Anything outside the arithmetic grammar is rejected here,
// before any record is evaluated.
func Parse(text string) (*Expression, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &SyntaxError{Pos: 0, Msg: "empty formula"}
	}
	if len(text) > maxFormulaLength {
		return nil, &SyntaxError{Pos: maxFormulaLength, Msg: "formula too long"}
	}
	toks, err := lex(text)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.expr(0)
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("unexpected %q", t.text)}
	}
	return &Expression{text: text, root: root, vars: utils.UniqueSlice(p.vars)}, nil
}

// parser is a recursive-descent parser for
//
//	expr    = term { ("+" | "-") term }
//	term    = unary { ("*" | "/") unary }
//	unary   = ("+" | "-") unary | primary
//	primary = number | "{" name "}" | "(" expr ")"
type parser struct {
	toks []token
	pos  int
	vars []string
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expr(depth int) (node, error) {
	left, err := p.term(depth)
	if err != nil {
		return nil, err
	}
	for k := p.peek().kind; k == tokPlus || k == tokMinus; k = p.peek().kind {
		p.next()
		right, err := p.term(depth)
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: k, left: left, right: right}
	}
	return left, nil
}

func (p *parser) term(depth int) (node, error) {
	left, err := p.unary(depth)
	if err != nil {
		return nil, err
	}
	for k := p.peek().kind; k == tokStar || k == tokSlash; k = p.peek().kind {
		p.next()
		right, err := p.unary(depth)
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: k, left: left, right: right}
	}
	return left, nil
}

func (p *parser) unary(depth int) (node, error) {
	if depth > maxNestingDepth {
		return nil, &SyntaxError{Pos: p.peek().pos, Msg: "formula nested too deeply"}
	}
	switch t := p.peek(); t.kind {
	case tokMinus:
		p.next()
		operand, err := p.unary(depth + 1)
		if err != nil {
			return nil, err
		}
		return negateNode{operand: operand}, nil
	case tokPlus:
		p.next()
		return p.unary(depth + 1)
	}
	return p.primary(depth)
}

func (p *parser) primary(depth int) (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		d, err := decimal.NewFromString(t.text)
		if err != nil {
			return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("malformed number %q", t.text)}
		}
		return numberNode{value: d}, nil
	case tokVariable:
		p.vars = append(p.vars, t.text)
		return variableNode{name: t.text}, nil
	case tokLParen:
		inner, err := p.expr(depth + 1)
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, &SyntaxError{Pos: closing.pos, Msg: "missing closing parenthesis"}
		}
		return inner, nil
	case tokEOF:
		return nil, &SyntaxError{Pos: t.pos, Msg: "unexpected end of formula"}
	default:
		return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("unexpected %q", t.text)}
	}
}

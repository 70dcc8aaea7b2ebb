// Package expr implements the restricted expression language used by task
// conditions. The grammar covers literals (strings, numbers, booleans),
// identifiers bound from an environment map, subscript and dotted member
// access, comparison operators, boolean operators, and parentheses.
// Anything outside that grammar is a parse error; evaluation never calls
// functions or touches anything outside the environment.
package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Node is a parsed expression ready for evaluation.
type Node interface {
	eval(env map[string]interface{}) (interface{}, error)
}

// Parse compiles source into an evaluable Node.
func Parse(source string) (Node, error) {
	toks, err := lex(source)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at position %d", p.peek().text, p.peek().pos)
	}
	return n, nil
}

// Eval parses and evaluates source against env in one call.
func Eval(source string, env map[string]interface{}) (interface{}, error) {
	n, err := Parse(source)
	if err != nil {
		return nil, err
	}
	return n.eval(env)
}

// Truthy applies the language's truthiness rules: nil, false, zero numbers,
// empty strings, and empty collections are false.
func Truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	case map[string]interface{}:
		return len(x) > 0
	case []interface{}:
		return len(x) > 0
	default:
		return true
	}
}

// --- lexer ---

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp     // == != < <= > >= && || !
	tokLParen // (
	tokRParen // )
	tokLBrack // [
	tokRBrack // ]
	tokDot    // .
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '[':
			toks = append(toks, token{tokLBrack, "[", i})
			i++
		case c == ']':
			toks = append(toks, token{tokRBrack, "]", i})
			i++
		case c == '.':
			toks = append(toks, token{tokDot, ".", i})
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			var b strings.Builder
			for j < len(src) && src[j] != quote {
				if src[j] == '\\' && j+1 < len(src) {
					j++
				}
				b.WriteByte(src[j])
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string at position %d", i)
			}
			toks = append(toks, token{tokString, b.String(), i})
			i = j + 1
		case c >= '0' && c <= '9':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j], i})
			i = j
		case isIdentStart(rune(c)):
			j := i
			for j < len(src) && isIdentPart(rune(src[j])) {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j], i})
			i = j
		case strings.HasPrefix(src[i:], "==") || strings.HasPrefix(src[i:], "!=") ||
			strings.HasPrefix(src[i:], "<=") || strings.HasPrefix(src[i:], ">=") ||
			strings.HasPrefix(src[i:], "&&") || strings.HasPrefix(src[i:], "||"):
			toks = append(toks, token{tokOp, src[i : i+2], i})
			i += 2
		case c == '<' || c == '>' || c == '!':
			toks = append(toks, token{tokOp, string(c), i})
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", c, i)
		}
	}
	toks = append(toks, token{tokEOF, "", len(src)})
	return toks, nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// --- parser ---

type parser struct {
	toks []token
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "&&" {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Node, error) {
	if p.peek().kind == tokOp && p.peek().text == "!" {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == tokOp {
		switch t.text {
		case "==", "!=", "<", "<=", ">", ">=":
			p.next()
			right, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			return &compareNode{op: t.text, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return p.parsePostfix(&literalNode{value: t.text})
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at position %d", t.text, t.pos)
		}
		return &literalNode{value: f}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null", "nil", "None":
			return &literalNode{value: nil}, nil
		}
		return p.parsePostfix(&identNode{name: t.text})
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("missing ) at position %d", p.peek().pos)
		}
		p.next()
		return p.parsePostfix(inner)
	default:
		return nil, fmt.Errorf("unexpected %q at position %d", t.text, t.pos)
	}
}

func (p *parser) parsePostfix(base Node) (Node, error) {
	for {
		switch p.peek().kind {
		case tokLBrack:
			p.next()
			key, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if p.peek().kind != tokRBrack {
				return nil, fmt.Errorf("missing ] at position %d", p.peek().pos)
			}
			p.next()
			base = &indexNode{base: base, key: key}
		case tokDot:
			p.next()
			t := p.next()
			if t.kind != tokIdent {
				return nil, fmt.Errorf("expected member name at position %d", t.pos)
			}
			base = &indexNode{base: base, key: &literalNode{value: t.text}}
		default:
			return base, nil
		}
	}
}

// --- evaluation ---

type literalNode struct {
	value interface{}
}

func (n *literalNode) eval(map[string]interface{}) (interface{}, error) {
	return n.value, nil
}

type identNode struct {
	name string
}

func (n *identNode) eval(env map[string]interface{}) (interface{}, error) {
	v, ok := env[n.name]
	if !ok {
		return nil, fmt.Errorf("unknown identifier %q", n.name)
	}
	return v, nil
}

type indexNode struct {
	base Node
	key  Node
}

func (n *indexNode) eval(env map[string]interface{}) (interface{}, error) {
	base, err := n.base.eval(env)
	if err != nil {
		return nil, err
	}
	key, err := n.key.eval(env)
	if err != nil {
		return nil, err
	}
	switch b := base.(type) {
	case map[string]interface{}:
		k, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("map key must be a string, got %T", key)
		}
		return b[k], nil
	case []interface{}:
		f, ok := key.(float64)
		if !ok {
			return nil, fmt.Errorf("list index must be a number, got %T", key)
		}
		i := int(f)
		if i < 0 || i >= len(b) {
			return nil, fmt.Errorf("list index %d out of range", i)
		}
		return b[i], nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("cannot index %T", base)
	}
}

type notNode struct {
	inner Node
}

func (n *notNode) eval(env map[string]interface{}) (interface{}, error) {
	v, err := n.inner.eval(env)
	if err != nil {
		return nil, err
	}
	return !Truthy(v), nil
}

type logicalNode struct {
	op          string
	left, right Node
}

func (n *logicalNode) eval(env map[string]interface{}) (interface{}, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	if n.op == "&&" {
		if !Truthy(l) {
			return l, nil
		}
		return n.right.eval(env)
	}
	if Truthy(l) {
		return l, nil
	}
	return n.right.eval(env)
}

type compareNode struct {
	op          string
	left, right Node
}

func (n *compareNode) eval(env map[string]interface{}) (interface{}, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}

	if lf, lok := toFloat(l); lok {
		if rf, rok := toFloat(r); rok {
			return compareFloats(n.op, lf, rf), nil
		}
	}
	if ls, lok := l.(string); lok {
		if rs, rok := r.(string); rok {
			return compareStrings(n.op, ls, rs), nil
		}
	}

	switch n.op {
	case "==":
		return l == r, nil
	case "!=":
		return l != r, nil
	default:
		return nil, fmt.Errorf("cannot order %T and %T", l, r)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return 0, false
	}
}

func compareFloats(op string, l, r float64) bool {
	switch op {
	case "==":
		return l == r
	case "!=":
		return l != r
	case "<":
		return l < r
	case "<=":
		return l <= r
	case ">":
		return l > r
	case ">=":
		return l >= r
	}
	return false
}

func compareStrings(op string, l, r string) bool {
	switch op {
	case "==":
		return l == r
	case "!=":
		return l != r
	case "<":
		return l < r
	case "<=":
		return l <= r
	case ">":
		return l > r
	case ">=":
		return l >= r
	}
	return false
}

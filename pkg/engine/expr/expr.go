// Package expr implements the condition mini-language used to gate pipeline
// steps and hooks. Expressions are compiled once into a small AST at
// config-validation time and evaluated against a lookup scope per run.
package expr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// LookupFunc resolves variable references encountered in expressions.
type LookupFunc func(path string) (any, bool)

var (
	// ErrSyntax indicates the expression could not be parsed.
	ErrSyntax = errors.New("condition syntax error")
	// ErrUnknownIdentifier indicates a referenced variable is not available in scope.
	ErrUnknownIdentifier = errors.New("unknown identifier")
	// ErrTypeMismatch indicates the expression attempted an unsupported type coercion.
	ErrTypeMismatch = errors.New("type mismatch")
)

// Program is a compiled condition expression, safe for reuse across runs.
type Program struct {
	root node
	src  string
}

// Source returns the original expression text.
func (p *Program) Source() string { return p.src }

// Compile parses expression into a reusable Program.
func Compile(expression string) (*Program, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}

	p := newParser(newLexer(expression))
	root, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if err := p.expect(tokenEOF); err != nil {
		return nil, err
	}
	return &Program{root: root, src: expression}, nil
}

// Eval evaluates the program against the lookup scope. The result must be
// boolean; anything else is a type mismatch.
func (p *Program) Eval(ctx context.Context, lookup LookupFunc) (bool, error) {
	if lookup == nil {
		return false, fmt.Errorf("%w: lookup function is required", ErrSyntax)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	value, err := p.root.eval(ctx, lookup)
	if err != nil {
		return false, err
	}
	b, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("%w: expression does not evaluate to boolean", ErrTypeMismatch)
	}
	return b, nil
}

// --- Lexer ---

type tokenType int

const (
	tokenIllegal tokenType = iota
	tokenEOF
	tokenIdentifier
	tokenNumber
	tokenString
	tokenBool
	tokenAnd
	tokenOr
	tokenNot
	tokenEq
	tokenNeq
	tokenStrictEq
	tokenStrictNeq
	tokenGt
	tokenGte
	tokenLt
	tokenLte
	tokenContains
	tokenLParen
	tokenRParen
	tokenMinus
)

func (t tokenType) String() string {
	switch t {
	case tokenIllegal:
		return "illegal"
	case tokenEOF:
		return "eof"
	case tokenIdentifier:
		return "identifier"
	case tokenNumber:
		return "number"
	case tokenString:
		return "string"
	case tokenBool:
		return "bool"
	case tokenAnd:
		return "&&"
	case tokenOr:
		return "||"
	case tokenNot:
		return "!"
	case tokenEq:
		return "=="
	case tokenNeq:
		return "!="
	case tokenStrictEq:
		return "==="
	case tokenStrictNeq:
		return "!=="
	case tokenGt:
		return ">"
	case tokenGte:
		return ">="
	case tokenLt:
		return "<"
	case tokenLte:
		return "<="
	case tokenContains:
		return "contains"
	case tokenLParen:
		return "("
	case tokenRParen:
		return ")"
	case tokenMinus:
		return "-"
	default:
		return "unknown"
	}
}

type token struct {
	typ     tokenType
	literal string
}

type lexer struct {
	input string
	pos   int
}

func newLexer(input string) *lexer {
	return &lexer{input: input}
}

func (l *lexer) next() token {
	l.skipWhitespace()
	if l.pos >= len(l.input) {
		return token{typ: tokenEOF}
	}

	ch := l.input[l.pos]
	switch ch {
	case '(':
		l.pos++
		return token{typ: tokenLParen, literal: "("}
	case ')':
		l.pos++
		return token{typ: tokenRParen, literal: ")"}
	case '!':
		if strings.HasPrefix(l.input[l.pos:], "!==") {
			l.pos += 3
			return token{typ: tokenStrictNeq, literal: "!=="}
		}
		if l.peek() == '=' {
			l.pos += 2
			return token{typ: tokenNeq, literal: "!="}
		}
		l.pos++
		return token{typ: tokenNot, literal: "!"}
	case '=':
		if strings.HasPrefix(l.input[l.pos:], "===") {
			l.pos += 3
			return token{typ: tokenStrictEq, literal: "==="}
		}
		if l.peek() == '=' {
			l.pos += 2
			return token{typ: tokenEq, literal: "=="}
		}
	case '>':
		if l.peek() == '=' {
			l.pos += 2
			return token{typ: tokenGte, literal: ">="}
		}
		l.pos++
		return token{typ: tokenGt, literal: ">"}
	case '<':
		if l.peek() == '=' {
			l.pos += 2
			return token{typ: tokenLte, literal: "<="}
		}
		l.pos++
		return token{typ: tokenLt, literal: "<"}
	case '&':
		if l.peek() == '&' {
			l.pos += 2
			return token{typ: tokenAnd, literal: "&&"}
		}
	case '|':
		if l.peek() == '|' {
			l.pos += 2
			return token{typ: tokenOr, literal: "||"}
		}
	case '-':
		l.pos++
		return token{typ: tokenMinus, literal: "-"}
	case '\'', '"':
		return l.scanString()
	}

	if isDigit(ch) {
		return l.scanNumber()
	}
	if isIdentifierStart(ch) {
		return l.scanIdentifier()
	}
	return token{typ: tokenIllegal, literal: string(ch)}
}

func (l *lexer) skipWhitespace() {
	for l.pos < len(l.input) {
		switch l.input[l.pos] {
		case ' ', '\t', '\n', '\r':
			l.pos++
		default:
			return
		}
	}
}

func (l *lexer) peek() byte {
	if l.pos+1 >= len(l.input) {
		return 0
	}
	return l.input[l.pos+1]
}

func (l *lexer) scanNumber() token {
	start := l.pos
	hasDot := false
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == '.' {
			if hasDot {
				break
			}
			hasDot = true
			l.pos++
			continue
		}
		if !isDigit(ch) {
			break
		}
		l.pos++
	}
	return token{typ: tokenNumber, literal: l.input[start:l.pos]}
}

func (l *lexer) scanIdentifier() token {
	start := l.pos
	for l.pos < len(l.input) && isIdentifierPart(l.input[l.pos]) {
		l.pos++
	}
	literal := l.input[start:l.pos]
	switch strings.ToLower(literal) {
	case "true", "false":
		return token{typ: tokenBool, literal: literal}
	case "contains":
		return token{typ: tokenContains, literal: literal}
	}
	return token{typ: tokenIdentifier, literal: literal}
}

func (l *lexer) scanString() token {
	quote := l.input[l.pos]
	l.pos++
	var b strings.Builder
	escaped := false

	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		l.pos++
		if escaped {
			switch ch {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(ch)
			}
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == quote {
			return token{typ: tokenString, literal: b.String()}
		}
		b.WriteByte(ch)
	}
	return token{typ: tokenIllegal, literal: "unterminated string"}
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isIdentifierStart(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
}

func isIdentifierPart(ch byte) bool {
	return isIdentifierStart(ch) || isDigit(ch) || ch == '.' || ch == '-'
}

// --- Parser ---

type parser struct {
	lex  *lexer
	cur  token
	peek token
}

func newParser(lex *lexer) *parser {
	p := &parser{lex: lex}
	p.advance()
	p.advance()
	return p
}

func (p *parser) advance() {
	p.cur = p.peek
	p.peek = p.lex.next()
}

func (p *parser) parseExpression() (node, error) {
	return p.parseOr()
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.typ == tokenOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tokenOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.cur.typ == tokenAnd {
		p.advance()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tokenAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.cur.typ {
		case tokenEq, tokenNeq, tokenStrictEq, tokenStrictNeq,
			tokenGt, tokenGte, tokenLt, tokenLte, tokenContains:
			op := p.cur.typ
			p.advance()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = &binaryNode{op: op, left: left, right: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseUnary() (node, error) {
	switch p.cur.typ {
	case tokenNot, tokenMinus:
		op := p.cur.typ
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: op, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.cur
	switch tok.typ {
	case tokenIdentifier:
		p.advance()
		return &identifierNode{name: tok.literal}, nil
	case tokenNumber:
		p.advance()
		value, err := strconv.ParseFloat(tok.literal, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid number %q", ErrSyntax, tok.literal)
		}
		return &literalNode{value: value}, nil
	case tokenString:
		p.advance()
		return &literalNode{value: tok.literal}, nil
	case tokenBool:
		p.advance()
		return &literalNode{value: strings.EqualFold(tok.literal, "true")}, nil
	case tokenLParen:
		p.advance()
		inner, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokenRParen); err != nil {
			return nil, err
		}
		p.advance()
		return inner, nil
	default:
		return nil, fmt.Errorf("%w: unexpected token %q", ErrSyntax, tok.literal)
	}
}

func (p *parser) expect(expected tokenType) error {
	if p.cur.typ == tokenIllegal {
		return fmt.Errorf("%w: %s", ErrSyntax, p.cur.literal)
	}
	if p.cur.typ != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrSyntax, expected.String(), p.cur.typ.String())
	}
	return nil
}

// --- AST ---

type node interface {
	eval(ctx context.Context, lookup LookupFunc) (any, error)
}

type binaryNode struct {
	op    tokenType
	left  node
	right node
}

type unaryNode struct {
	op      tokenType
	operand node
}

type identifierNode struct {
	name string
}

type literalNode struct {
	value any
}

func (n *binaryNode) eval(ctx context.Context, lookup LookupFunc) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	left, err := n.left.eval(ctx, lookup)
	if err != nil {
		return nil, err
	}

	// && and || short-circuit before evaluating the right operand.
	switch n.op {
	case tokenAnd, tokenOr:
		lb, err := toBool(left)
		if err != nil {
			return nil, err
		}
		if n.op == tokenAnd && !lb {
			return false, nil
		}
		if n.op == tokenOr && lb {
			return true, nil
		}
		right, err := n.right.eval(ctx, lookup)
		if err != nil {
			return nil, err
		}
		return toBool(right)
	}

	right, err := n.right.eval(ctx, lookup)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokenEq:
		return looseEquals(left, right)
	case tokenNeq:
		eq, err := looseEquals(left, right)
		if err != nil {
			return nil, err
		}
		return !eq, nil
	case tokenStrictEq:
		return strictEquals(left, right), nil
	case tokenStrictNeq:
		return !strictEquals(left, right), nil
	case tokenContains:
		return contains(left, right)
	case tokenGt, tokenGte, tokenLt, tokenLte:
		return order(left, right, n.op)
	default:
		return nil, fmt.Errorf("%w: unsupported binary operator", ErrSyntax)
	}
}

func (n *unaryNode) eval(ctx context.Context, lookup LookupFunc) (any, error) {
	value, err := n.operand.eval(ctx, lookup)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokenNot:
		b, err := toBool(value)
		if err != nil {
			return nil, err
		}
		return !b, nil
	case tokenMinus:
		f, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: unary - expects numeric operand", ErrTypeMismatch)
		}
		return -f, nil
	default:
		return nil, fmt.Errorf("%w: unsupported unary operator", ErrSyntax)
	}
}

func (n *identifierNode) eval(ctx context.Context, lookup LookupFunc) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if value, ok := lookup(n.name); ok {
		return value, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownIdentifier, n.name)
}

func (n *literalNode) eval(context.Context, LookupFunc) (any, error) {
	return n.value, nil
}

// --- Helpers ---

func toBool(value any) (bool, error) {
	if b, ok := value.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("%w: expected boolean, got %T", ErrTypeMismatch, value)
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

// looseEquals coerces numerics (and numeric strings) before comparing,
// matching the == / != operators.
func looseEquals(left, right any) (bool, error) {
	if left == nil || right == nil {
		return left == right, nil
	}
	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			return lf == rf, nil
		}
	}
	switch l := left.(type) {
	case string:
		if r, ok := right.(string); ok {
			return l == r, nil
		}
	case bool:
		if r, ok := right.(bool); ok {
			return l == r, nil
		}
	}
	return false, fmt.Errorf("%w: cannot compare %T and %T", ErrTypeMismatch, left, right)
}

// strictEquals never coerces: values of different kinds are simply unequal.
func strictEquals(left, right any) bool {
	switch l := left.(type) {
	case string:
		r, ok := right.(string)
		return ok && l == r
	case bool:
		r, ok := right.(bool)
		return ok && l == r
	case nil:
		return right == nil
	}
	lf, lok := numericValue(left)
	rf, rok := numericValue(right)
	if lok && rok {
		return lf == rf
	}
	return false
}

// numericValue is like toFloat but rejects numeric strings, keeping === strict.
func numericValue(value any) (float64, bool) {
	if _, isString := value.(string); isString {
		return 0, false
	}
	return toFloat(value)
}

func contains(left, right any) (bool, error) {
	switch l := left.(type) {
	case string:
		r, ok := right.(string)
		if !ok {
			return false, fmt.Errorf("%w: contains expects a string needle for string haystack", ErrTypeMismatch)
		}
		return strings.Contains(l, r), nil
	case []any:
		for _, item := range l {
			if eq, err := looseEquals(item, right); err == nil && eq {
				return true, nil
			}
		}
		return false, nil
	case []string:
		needle, ok := right.(string)
		if !ok {
			return false, fmt.Errorf("%w: contains expects a string needle for string slice", ErrTypeMismatch)
		}
		for _, item := range l {
			if item == needle {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("%w: contains not supported on %T", ErrTypeMismatch, left)
	}
}

func order(left, right any, op tokenType) (bool, error) {
	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			switch op {
			case tokenGt:
				return lf > rf, nil
			case tokenGte:
				return lf >= rf, nil
			case tokenLt:
				return lf < rf, nil
			case tokenLte:
				return lf <= rf, nil
			}
		}
	}

	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		switch op {
		case tokenGt:
			return ls > rs, nil
		case tokenGte:
			return ls >= rs, nil
		case tokenLt:
			return ls < rs, nil
		case tokenLte:
			return ls <= rs, nil
		}
	}
	return false, fmt.Errorf("%w: cannot apply comparator to %T and %T", ErrTypeMismatch, left, right)
}

package expr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type tokenType int

const (
	tokenEOF tokenType = iota
	tokenIdent
	tokenNumber
	tokenString
	tokenOperator
)

type token struct {
	typ   tokenType
	value string
	pos   int
}

type lexer struct {
	src      string
	position int
}

func (lexer *lexer) next() (token, error) {
	for lexer.position < len(lexer.src) && isSpace(lexer.src[lexer.position]) {
		lexer.position++
	}
	start := lexer.position
	if start >= len(lexer.src) {
		return token{typ: tokenEOF, pos: start}, nil
	}

	ch := lexer.src[start]
	switch {
	case isLetter(ch):
		for lexer.position < len(lexer.src) && (isLetter(lexer.src[lexer.position]) || isDigit(lexer.src[lexer.position])) {
			lexer.position++
		}
		return token{typ: tokenIdent, value: lexer.src[start:lexer.position], pos: start}, nil
	case isDigit(ch):
		for lexer.position < len(lexer.src) && (isDigit(lexer.src[lexer.position]) || lexer.src[lexer.position] == '.') {
			lexer.position++
		}
		return token{typ: tokenNumber, value: lexer.src[start:lexer.position], pos: start}, nil
	case ch == '\'' || ch == '"':
		return lexer.readString(ch)
	}

	for _, operator := range []string{"==", "!=", "<=", ">=", "&&", "||"} {
		if strings.HasPrefix(lexer.src[start:], operator) {
			lexer.position += 2
			return token{typ: tokenOperator, value: operator, pos: start}, nil
		}
	}
	if strings.ContainsRune("+-*/%<>!?:.,()[]{}", rune(ch)) {
		lexer.position++
		return token{typ: tokenOperator, value: string(ch), pos: start}, nil
	}
	return token{}, fmt.Errorf("unexpected character %q at %d", ch, start)
}

func (lexer *lexer) readString(quote byte) (token, error) {
	start := lexer.position
	lexer.position++
	var sb strings.Builder
	for lexer.position < len(lexer.src) {
		ch := lexer.src[lexer.position]
		switch {
		case ch == quote:
			lexer.position++
			return token{typ: tokenString, value: sb.String(), pos: start}, nil
		case ch == '\\' && lexer.position+1 < len(lexer.src):
			lexer.position++
			switch escaped := lexer.src[lexer.position]; escaped {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(escaped)
			}
		default:
			sb.WriteByte(ch)
		}
		lexer.position++
	}
	return token{}, fmt.Errorf("unterminated string at %d", start)
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r'
}

func isLetter(ch byte) bool {
	return ('a' <= ch && ch <= 'z') || ('A' <= ch && ch <= 'Z') || ch == '_'
}

func isDigit(ch byte) bool {
	return '0' <= ch && ch <= '9'
}

// Node is a parsed expression.
type Node interface {
	node()
}

type Literal struct{ Value Value }
type Ident struct{ Name string }
type Member struct {
	Target Node
	Field  string
}
type Index struct {
	Target Node
	Index  Node
}
type Call struct {
	Name string
	Args []Node
}
type Unary struct {
	Op      string
	Operand Node
}
type Binary struct {
	Op          string
	Left, Right Node
}
type Conditional struct {
	Cond, Then, Else Node
}
type List struct{ Items []Node }
type MapLiteral struct {
	Keys   []Node
	Values []Node
}

func (Literal) node()     {}
func (Ident) node()       {}
func (Member) node()      {}
func (Index) node()       {}
func (Call) node()        {}
func (Unary) node()       {}
func (Binary) node()      {}
func (Conditional) node() {}
func (List) node()        {}
func (MapLiteral) node()  {}

var precedence = map[string]int{
	"||": 1,
	"&&": 2,
	"==": 3, "!=": 3,
	"<": 4, "<=": 4, ">": 4, ">=": 4,
	"+": 5, "-": 5,
	"*": 6, "/": 6, "%": 6,
}

type parser struct {
	lexer   *lexer
	current token
}

// Parse parses an expression.
func Parse(source string) (Node, error) {
	p := &parser{lexer: &lexer{src: source}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	node, err := p.parseConditional()
	if err != nil {
		return nil, err
	}
	if p.current.typ != tokenEOF {
		return nil, fmt.Errorf("unexpected %q at %d", p.current.value, p.current.pos)
	}
	return node, nil
}

func (p *parser) advance() error {
	tok, err := p.lexer.next()
	if err != nil {
		return err
	}
	p.current = tok
	return nil
}

func (p *parser) isOperator(value string) bool {
	return p.current.typ == tokenOperator && p.current.value == value
}

func (p *parser) expect(value string) error {
	if !p.isOperator(value) {
		if p.current.typ == tokenEOF {
			return fmt.Errorf("expected %q, got end of expression", value)
		}
		return fmt.Errorf("expected %q at %d", value, p.current.pos)
	}
	return p.advance()
}

func (p *parser) parseConditional() (Node, error) {
	cond, err := p.parseBinary(1)
	if err != nil {
		return nil, err
	}
	if !p.isOperator("?") {
		return cond, nil
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	then, err := p.parseConditional()
	if err != nil {
		return nil, err
	}
	if err := p.expect(":"); err != nil {
		return nil, err
	}
	otherwise, err := p.parseConditional()
	if err != nil {
		return nil, err
	}
	return Conditional{Cond: cond, Then: then, Else: otherwise}, nil
}

func (p *parser) parseBinary(minPrecedence int) (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.current.typ == tokenOperator {
		op := p.current.value
		prec, ok := precedence[op]
		if !ok || prec < minPrecedence {
			break
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseBinary(prec + 1)
		if err != nil {
			return nil, err
		}
		left = Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Node, error) {
	if p.isOperator("!") || p.isOperator("-") {
		op := p.current.value
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Unary{Op: op, Operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Node, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.isOperator("."):
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.current.typ != tokenIdent {
				return nil, errors.New("expected field name after '.'")
			}
			node = Member{Target: node, Field: p.current.value}
			if err := p.advance(); err != nil {
				return nil, err
			}
		case p.isOperator("["):
			if err := p.advance(); err != nil {
				return nil, err
			}
			index, err := p.parseConditional()
			if err != nil {
				return nil, err
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			node = Index{Target: node, Index: index}
		default:
			return node, nil
		}
	}
}

func (p *parser) parsePrimary() (Node, error) {
	tok := p.current
	switch tok.typ {
	case tokenNumber:
		n, err := strconv.ParseFloat(tok.value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", tok.value)
		}
		return Literal{Value: Number(n)}, p.advance()
	case tokenString:
		return Literal{Value: String(tok.value)}, p.advance()
	case tokenIdent:
		if err := p.advance(); err != nil {
			return nil, err
		}
		switch tok.value {
		case "true":
			return Literal{Value: Bool(true)}, nil
		case "false":
			return Literal{Value: Bool(false)}, nil
		case "null":
			return Literal{Value: Null()}, nil
		}
		if !p.isOperator("(") {
			return Ident{Name: tok.value}, nil
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		args, err := p.parseList(")")
		if err != nil {
			return nil, err
		}
		return Call{Name: tok.value, Args: args}, nil
	case tokenOperator:
		switch tok.value {
		case "(":
			if err := p.advance(); err != nil {
				return nil, err
			}
			inner, err := p.parseConditional()
			if err != nil {
				return nil, err
			}
			return inner, p.expect(")")
		case "[":
			if err := p.advance(); err != nil {
				return nil, err
			}
			items, err := p.parseList("]")
			if err != nil {
				return nil, err
			}
			return List{Items: items}, nil
		case "{":
			if err := p.advance(); err != nil {
				return nil, err
			}
			return p.parseMap()
		}
	case tokenEOF:
		return nil, errors.New("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected %q at %d", tok.value, tok.pos)
}

// parseList parses comma separated expressions up to and including closer.
func (p *parser) parseList(closer string) ([]Node, error) {
	var items []Node
	if p.isOperator(closer) {
		return items, p.advance()
	}
	for {
		item, err := p.parseConditional()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if p.isOperator(",") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		return items, p.expect(closer)
	}
}

func (p *parser) parseMap() (Node, error) {
	var m MapLiteral
	if p.isOperator("}") {
		return m, p.advance()
	}
	for {
		key, err := p.parseConditional()
		if err != nil {
			return nil, err
		}
		if err := p.expect(":"); err != nil {
			return nil, err
		}
		value, err := p.parseConditional()
		if err != nil {
			return nil, err
		}
		m.Keys = append(m.Keys, key)
		m.Values = append(m.Values, value)
		if p.isOperator(",") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		return m, p.expect("}")
	}
}

// References returns the distinct variable names node reads, in first-use
// order.
func References(node Node) []string {
	var names []string
	seen := make(map[string]bool)
	var walk func(Node)
	walk = func(node Node) {
		switch n := node.(type) {
		case Ident:
			if !seen[n.Name] {
				seen[n.Name] = true
				names = append(names, n.Name)
			}
		case Member:
			walk(n.Target)
		case Index:
			walk(n.Target)
			walk(n.Index)
		case Call:
			for _, arg := range n.Args {
				walk(arg)
			}
		case Unary:
			walk(n.Operand)
		case Binary:
			walk(n.Left)
			walk(n.Right)
		case Conditional:
			walk(n.Cond)
			walk(n.Then)
			walk(n.Else)
		case List:
			for _, item := range n.Items {
				walk(item)
			}
		case MapLiteral:
			for i := range n.Keys {
				walk(n.Keys[i])
				walk(n.Values[i])
			}
		}
	}
	walk(node)
	return names
}

package sql

import "strings"

type Token struct {
	Type  TokenType
	Value string
	Pos   int
}

type TokenType int

const (
	Identifier TokenType = iota
	QuotedIdentifier
	String
	Number
	Placeholder
	Wildcard
	Comma
	Dot
	Semicolon
	ParenOpen
	ParenClose
	Equals
	NotEquals
	LessThan
	GreaterThan
	LessThanOrEqual
	GreaterThanOrEqual
	Concat
	Plus
	Minus
	Slash
	Percent
	And
	Or
	Not
	Is
	Null
	In
	Like
	True
	False
	Select
	Distinct
	From
	Where
	As
	Order
	By
	Asc
	Desc
	Limit
	Offset
	Insert
	Into
	Values
	Update
	Set
	Delete
	EOF
	Unknown
)

var tokenNames = map[TokenType]string{
	Identifier:         "Identifier",
	QuotedIdentifier:   "QuotedIdentifier",
	String:             "String",
	Number:             "Number",
	Placeholder:        "Placeholder",
	Wildcard:           "Wildcard",
	Comma:              "Comma",
	Dot:                "Dot",
	Semicolon:          "Semicolon",
	ParenOpen:          "ParenOpen",
	ParenClose:         "ParenClose",
	Equals:             "Equals",
	NotEquals:          "NotEquals",
	LessThan:           "LessThan",
	GreaterThan:        "GreaterThan",
	LessThanOrEqual:    "LessThanOrEqual",
	GreaterThanOrEqual: "GreaterThanOrEqual",
	Concat:             "Concat",
	Plus:               "Plus",
	Minus:              "Minus",
	Slash:              "Slash",
	Percent:            "Percent",
	EOF:                "EOF",
}

func (token Token) String() string {
	switch token.Type {
	case Identifier, QuotedIdentifier, String, Number, Placeholder:
		return tokenNames[token.Type] + "(" + token.Value + ")"
	case Unknown:
		return "Unknown(" + token.Value + ")"
	}
	if name, ok := tokenNames[token.Type]; ok {
		return name
	}
	return strings.ToUpper(token.Value)
}

type Lexer struct {
	sql          string
	position     int
	readPosition int
	ch           byte
}

func NewLexer(sql string) *Lexer {
	lexer := &Lexer{sql: sql}
	lexer.readChar()
	return lexer
}

func (lexer *Lexer) readChar() {
	if lexer.readPosition >= len(lexer.sql) {
		lexer.ch = 0
	} else {
		lexer.ch = lexer.sql[lexer.readPosition]
	}
	lexer.position = lexer.readPosition
	lexer.readPosition++
}

func (lexer *Lexer) peekChar() byte {
	if lexer.readPosition >= len(lexer.sql) {
		return 0
	}
	return lexer.sql[lexer.readPosition]
}

func (lexer *Lexer) NextToken() Token {
	lexer.skipWhitespace()
	start := lexer.position

	single := func(tokenType TokenType) Token {
		token := Token{Type: tokenType, Value: string(lexer.ch), Pos: start}
		lexer.readChar()
		return token
	}

	switch lexer.ch {
	case 0:
		return Token{Type: EOF, Pos: len(lexer.sql)}
	case ',':
		return single(Comma)
	case '.':
		return single(Dot)
	case ';':
		return single(Semicolon)
	case '(':
		return single(ParenOpen)
	case ')':
		return single(ParenClose)
	case '*':
		return single(Wildcard)
	case '+':
		return single(Plus)
	case '/':
		return single(Slash)
	case '%':
		return single(Percent)
	case '-':
		return single(Minus)
	case '\'':
		value, ok := lexer.readQuoted('\'')
		if !ok {
			return Token{Type: Unknown, Value: lexer.sql[start:], Pos: start}
		}
		return Token{Type: String, Value: value, Pos: start}
	case '"', '`':
		value, ok := lexer.readQuoted(lexer.ch)
		if !ok {
			return Token{Type: Unknown, Value: lexer.sql[start:], Pos: start}
		}
		return Token{Type: QuotedIdentifier, Value: value, Pos: start}
	case '?', '$':
		marker := lexer.ch
		lexer.readChar()
		digits := lexer.readNumber()
		if marker == '$' && digits == "" {
			return Token{Type: Unknown, Value: "$", Pos: start}
		}
		return Token{Type: Placeholder, Value: string(marker) + digits, Pos: start}
	case '|':
		if lexer.peekChar() == '|' {
			lexer.readChar()
			lexer.readChar()
			return Token{Type: Concat, Value: "||", Pos: start}
		}
		return single(Unknown)
	}

	if isOperator(lexer.ch) {
		operator := lexer.readOperator()
		switch operator {
		case "=", "==":
			return Token{Type: Equals, Value: operator, Pos: start}
		case "!=", "<>":
			return Token{Type: NotEquals, Value: operator, Pos: start}
		case "<":
			return Token{Type: LessThan, Value: operator, Pos: start}
		case ">":
			return Token{Type: GreaterThan, Value: operator, Pos: start}
		case "<=":
			return Token{Type: LessThanOrEqual, Value: operator, Pos: start}
		case ">=":
			return Token{Type: GreaterThanOrEqual, Value: operator, Pos: start}
		default:
			return Token{Type: Unknown, Value: operator, Pos: start}
		}
	}
	if isDigit(lexer.ch) {
		num := lexer.readNumber()
		if lexer.ch == '.' && isDigit(lexer.peekChar()) {
			lexer.readChar()
			num += "." + lexer.readNumber()
		}
		if lexer.ch == 'e' || lexer.ch == 'E' {
			position := lexer.position
			lexer.readChar()
			if lexer.ch == '+' || lexer.ch == '-' {
				lexer.readChar()
			}
			num += lexer.sql[position:lexer.position] + lexer.readNumber()
		}
		return Token{Type: Number, Value: num, Pos: start}
	}
	if isIdentifierStart(lexer.ch) {
		literal := lexer.readIdentifier()
		return Token{Type: lookupIdentifier(literal), Value: literal, Pos: start}
	}
	return single(Unknown)
}

func (lexer *Lexer) PeekToken() Token {
	savedPosition := lexer.position
	savedReadPosition := lexer.readPosition
	savedCh := lexer.ch

	token := lexer.NextToken()

	lexer.position = savedPosition
	lexer.readPosition = savedReadPosition
	lexer.ch = savedCh

	return token
}

func (lexer *Lexer) skipWhitespace() {
	for {
		switch {
		case lexer.ch == ' ' || lexer.ch == '\t' || lexer.ch == '\n' || lexer.ch == '\r':
			lexer.readChar()
		case lexer.ch == '-' && lexer.peekChar() == '-':
			for lexer.ch != '\n' && lexer.ch != 0 {
				lexer.readChar()
			}
		default:
			return
		}
	}
}

func (lexer *Lexer) readIdentifier() string {
	position := lexer.position
	for isIdentifierPart(lexer.ch) {
		lexer.readChar()
	}
	return lexer.sql[position:lexer.position]
}

// readQuoted reads a quoted run where a doubled quote stands for itself.
func (lexer *Lexer) readQuoted(quote byte) (string, bool) {
	var b strings.Builder
	lexer.readChar()
	for {
		switch lexer.ch {
		case 0:
			return b.String(), false
		case quote:
			if lexer.peekChar() != quote {
				lexer.readChar()
				return b.String(), true
			}
			lexer.readChar()
		}
		b.WriteByte(lexer.ch)
		lexer.readChar()
	}
}

func (lexer *Lexer) readNumber() string {
	position := lexer.position
	for isDigit(lexer.ch) {
		lexer.readChar()
	}
	return lexer.sql[position:lexer.position]
}

func (lexer *Lexer) readOperator() string {
	position := lexer.position
	for isOperator(lexer.ch) {
		lexer.readChar()
	}
	return lexer.sql[position:lexer.position]
}

func isIdentifierStart(ch byte) bool {
	return ('a' <= ch && ch <= 'z') || ('A' <= ch && ch <= 'Z') || ch == '_'
}

func isIdentifierPart(ch byte) bool {
	return isIdentifierStart(ch) || isDigit(ch)
}

func isDigit(ch byte) bool {
	return '0' <= ch && ch <= '9'
}

func isOperator(ch byte) bool {
	return ch == '=' || ch == '!' || ch == '<' || ch == '>'
}

func lookupIdentifier(id string) TokenType {
	switch toUpper(id) {
	case "AND":
		return And
	case "OR":
		return Or
	case "NOT":
		return Not
	case "IS":
		return Is
	case "NULL":
		return Null
	case "IN":
		return In
	case "LIKE":
		return Like
	case "TRUE":
		return True
	case "FALSE":
		return False
	case "SELECT":
		return Select
	case "DISTINCT":
		return Distinct
	case "FROM":
		return From
	case "WHERE":
		return Where
	case "AS":
		return As
	case "ORDER":
		return Order
	case "BY":
		return By
	case "ASC":
		return Asc
	case "DESC":
		return Desc
	case "LIMIT":
		return Limit
	case "OFFSET":
		return Offset
	case "INSERT":
		return Insert
	case "INTO":
		return Into
	case "VALUES":
		return Values
	case "UPDATE":
		return Update
	case "SET":
		return Set
	case "DELETE":
		return Delete
	default:
		return Identifier
	}
}

// toUpper converts a string to uppercase without allocating for ASCII strings
func toUpper(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] >= 'a' && s[i] <= 'z' {
			b := make([]byte, len(s))
			for j := 0; j < len(s); j++ {
				if s[j] >= 'a' && s[j] <= 'z' {
					b[j] = s[j] - 32
				} else {
					b[j] = s[j]
				}
			}
			return string(b)
		}
	}
	return s
}

func tokenize(sql string) []Token {
	lexer := NewLexer(sql)

	var tokens []Token

	for {
		token := lexer.NextToken()
		if token.Type == EOF {
			return append(tokens, token)
		}
		tokens = append(tokens, token)
	}
}

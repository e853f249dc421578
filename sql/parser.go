package sql

import (
	"errors"
	"fmt"
	"strconv"
)

type Parser struct {
	lexer *Lexer
	// params is the highest parameter index seen so far; a bare ? takes
	// the next one.
	params int
}

func NewParser(sql string) *Parser {
	lexer := NewLexer(sql)
	return &Parser{lexer: lexer}
}

// Parse parses a single statement.
func Parse(sql string) (Statement, error) {
	return NewParser(sql).Parse()
}

func (parser *Parser) Parse() (Statement, error) {
	var statement Statement
	var err error

	token := parser.lexer.NextToken()
	switch token.Type {
	case Select:
		statement, err = ParseSelect(parser)
	case Insert:
		statement, err = ParseInsert(parser)
	case Update:
		statement, err = ParseUpdate(parser)
	case Delete:
		statement, err = ParseDelete(parser)
	default:
		return nil, errors.New("unknown statement type")
	}
	if err != nil {
		return nil, err
	}

	if parser.lexer.PeekToken().Type == Semicolon {
		parser.lexer.NextToken()
	}
	if token := parser.lexer.NextToken(); token.Type != EOF {
		return nil, unexpected(token, "end of statement")
	}
	return statement, nil
}

// Params returns the number of parameters the parsed statement binds.
func (parser *Parser) Params() int {
	return parser.params
}

func unexpected(token Token, expected string) error {
	if token.Type == EOF {
		return fmt.Errorf("expected %s, got end of input", expected)
	}
	return fmt.Errorf("expected %s at position %d, got %s", expected, token.Pos, token)
}

func (parser *Parser) expect(tokenType TokenType, expected string) (Token, error) {
	token := parser.lexer.NextToken()
	if token.Type != tokenType {
		return token, unexpected(token, expected)
	}
	return token, nil
}

func (parser *Parser) accept(tokenType TokenType) bool {
	if parser.lexer.PeekToken().Type == tokenType {
		parser.lexer.NextToken()
		return true
	}
	return false
}

// peekSecond returns the token after the next one.
func (parser *Parser) peekSecond() Token {
	saved := *parser.lexer
	parser.lexer.NextToken()
	token := parser.lexer.NextToken()
	*parser.lexer = saved
	return token
}

func parseName(parser *Parser, what string) (string, error) {
	token := parser.lexer.NextToken()
	if token.Type != Identifier && token.Type != QuotedIdentifier {
		return "", unexpected(token, what)
	}
	return token.Value, nil
}

func parseAlias(parser *Parser) (string, error) {
	if parser.accept(As) {
		return parseName(parser, "alias after AS")
	}
	if next := parser.lexer.PeekToken(); next.Type == Identifier || next.Type == QuotedIdentifier {
		parser.lexer.NextToken()
		return next.Value, nil
	}
	return "", nil
}

func ParseSelect(parser *Parser) (Statement, error) {
	statement, err := parseSelectBody(parser)
	if err != nil {
		return nil, err
	}
	return *statement, nil
}

func parseSelectBody(parser *Parser) (*SelectStatement, error) {
	var selectStatement SelectStatement

	selectStatement.Distinct = parser.accept(Distinct)

	for {
		if parser.accept(Wildcard) {
			selectStatement.Columns = append(selectStatement.Columns, SelectColumn{Star: true})
		} else {
			expr, err := ParseExpression(parser)
			if err != nil {
				return nil, err
			}
			alias, err := parseAlias(parser)
			if err != nil {
				return nil, err
			}
			selectStatement.Columns = append(selectStatement.Columns, SelectColumn{Expr: expr, Alias: alias})
		}
		if !parser.accept(Comma) {
			break
		}
	}

	if parser.accept(From) {
		table, err := parseName(parser, "table name after FROM")
		if err != nil {
			return nil, err
		}
		selectStatement.Table = table
		if selectStatement.Alias, err = parseAlias(parser); err != nil {
			return nil, err
		}
	}

	if parser.accept(Where) {
		where, err := ParseExpression(parser)
		if err != nil {
			return nil, err
		}
		selectStatement.Where = where
	}

	if parser.accept(Order) {
		if _, err := parser.expect(By, "BY after ORDER"); err != nil {
			return nil, err
		}
		for {
			expr, err := ParseExpression(parser)
			if err != nil {
				return nil, err
			}
			order := OrderByClause{Expr: expr}
			if parser.accept(Desc) {
				order.Descending = true
			} else {
				parser.accept(Asc)
			}
			selectStatement.OrderBy = append(selectStatement.OrderBy, order)
			if !parser.accept(Comma) {
				break
			}
		}
	}

	if parser.accept(Limit) {
		limit, err := parseCount(parser, "LIMIT")
		if err != nil {
			return nil, err
		}
		selectStatement.Limit = limit
	}
	if parser.accept(Offset) {
		offset, err := parseCount(parser, "OFFSET")
		if err != nil {
			return nil, err
		}
		selectStatement.Offset = offset
	}

	return &selectStatement, nil
}

func parseCount(parser *Parser, clause string) (int, error) {
	token, err := parser.expect(Number, "number after "+clause)
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(token.Value)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid %s value %q", clause, token.Value)
	}
	return value, nil
}

func ParseInsert(parser *Parser) (Statement, error) {
	var insertStatement InsertStatement

	if _, err := parser.expect(Into, "INTO after INSERT"); err != nil {
		return nil, err
	}

	table, err := parseName(parser, "table name after INSERT INTO")
	if err != nil {
		return nil, err
	}
	insertStatement.Table = table

	if _, err := parser.expect(ParenOpen, "'(' after table name"); err != nil {
		return nil, err
	}
	for {
		column, err := parseName(parser, "column name")
		if err != nil {
			return nil, err
		}
		insertStatement.Columns = append(insertStatement.Columns, column)

		token := parser.lexer.NextToken()
		if token.Type == Comma {
			continue
		} else if token.Type == ParenClose {
			break
		} else {
			return nil, unexpected(token, "',' or ')' in column list")
		}
	}

	if _, err := parser.expect(Values, "VALUES"); err != nil {
		return nil, err
	}

	for {
		if _, err := parser.expect(ParenOpen, "'(' before values"); err != nil {
			return nil, err
		}
		var row []Expr
		for {
			value, err := ParseExpression(parser)
			if err != nil {
				return nil, err
			}
			row = append(row, value)

			token := parser.lexer.NextToken()
			if token.Type == Comma {
				continue
			} else if token.Type == ParenClose {
				break
			} else {
				return nil, unexpected(token, "',' or ')' in values list")
			}
		}
		if len(row) != len(insertStatement.Columns) {
			return nil, fmt.Errorf("values list has %d entries for %d columns", len(row), len(insertStatement.Columns))
		}
		insertStatement.Rows = append(insertStatement.Rows, row)

		if !parser.accept(Comma) {
			break
		}
	}

	return insertStatement, nil
}

func ParseUpdate(parser *Parser) (Statement, error) {
	var updateStatement UpdateStatement

	table, err := parseName(parser, "table name after UPDATE")
	if err != nil {
		return nil, err
	}
	updateStatement.Table = table

	if _, err := parser.expect(Set, "SET after table name"); err != nil {
		return nil, err
	}

	for {
		column, err := parseName(parser, "column name in SET clause")
		if err != nil {
			return nil, err
		}
		if _, err := parser.expect(Equals, "'=' in SET clause"); err != nil {
			return nil, err
		}
		value, err := ParseExpression(parser)
		if err != nil {
			return nil, err
		}
		updateStatement.Updates = append(updateStatement.Updates, SetClause{Column: column, Value: value})

		if !parser.accept(Comma) {
			break
		}
	}

	if parser.accept(Where) {
		where, err := ParseExpression(parser)
		if err != nil {
			return nil, err
		}
		updateStatement.Where = where
	}

	return updateStatement, nil
}

func ParseDelete(parser *Parser) (Statement, error) {
	var deleteStatement DeleteStatement

	if _, err := parser.expect(From, "FROM after DELETE"); err != nil {
		return nil, err
	}

	table, err := parseName(parser, "table name after FROM")
	if err != nil {
		return nil, err
	}
	deleteStatement.Table = table

	if parser.accept(Where) {
		where, err := ParseExpression(parser)
		if err != nil {
			return nil, err
		}
		deleteStatement.Where = where
	}

	return deleteStatement, nil
}

// ParseExpression parses a scalar expression. Precedence from loosest:
// OR, AND, NOT, comparisons, additive and ||, multiplicative, unary minus.
func ParseExpression(parser *Parser) (Expr, error) {
	return parseOr(parser)
}

func parseOr(parser *Parser) (Expr, error) {
	left, err := parseAnd(parser)
	if err != nil {
		return nil, err
	}
	for parser.accept(Or) {
		right, err := parseAnd(parser)
		if err != nil {
			return nil, err
		}
		left = Binary{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func parseAnd(parser *Parser) (Expr, error) {
	left, err := parseNot(parser)
	if err != nil {
		return nil, err
	}
	for parser.accept(And) {
		right, err := parseNot(parser)
		if err != nil {
			return nil, err
		}
		left = Binary{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func parseNot(parser *Parser) (Expr, error) {
	if parser.accept(Not) {
		operand, err := parseNot(parser)
		if err != nil {
			return nil, err
		}
		return Unary{Op: "NOT", Operand: operand}, nil
	}
	return parseComparison(parser)
}

var comparisonOperators = map[TokenType]string{
	Equals:             "=",
	NotEquals:          "!=",
	LessThan:           "<",
	GreaterThan:        ">",
	LessThanOrEqual:    "<=",
	GreaterThanOrEqual: ">=",
}

func parseComparison(parser *Parser) (Expr, error) {
	left, err := parseAdditive(parser)
	if err != nil {
		return nil, err
	}

	for {
		next := parser.lexer.PeekToken()
		if op, ok := comparisonOperators[next.Type]; ok {
			parser.lexer.NextToken()
			right, err := parseAdditive(parser)
			if err != nil {
				return nil, err
			}
			left = Binary{Op: op, Left: left, Right: right}
			continue
		}

		negated := false
		if next.Type == Not {
			second := parser.peekSecond()
			if second.Type != In && second.Type != Like {
				return left, nil
			}
			parser.lexer.NextToken()
			negated = true
			next = second
		}

		switch next.Type {
		case Is:
			parser.lexer.NextToken()
			not := parser.accept(Not)
			if _, err := parser.expect(Null, "NULL after IS"); err != nil {
				return nil, err
			}
			left = IsNull{Operand: left, Not: not}
		case In:
			parser.lexer.NextToken()
			list, err := parseInList(parser)
			if err != nil {
				return nil, err
			}
			left = InList{Operand: left, List: list, Not: negated}
		case Like:
			parser.lexer.NextToken()
			right, err := parseAdditive(parser)
			if err != nil {
				return nil, err
			}
			op := "LIKE"
			if negated {
				op = "NOT LIKE"
			}
			left = Binary{Op: op, Left: left, Right: right}
		default:
			return left, nil
		}
	}
}

func parseInList(parser *Parser) ([]Expr, error) {
	open, err := parser.expect(ParenOpen, "'(' after IN")
	if err != nil {
		return nil, err
	}
	if parser.lexer.PeekToken().Type == Select {
		subquery, err := parseSubquery(parser, open)
		if err != nil {
			return nil, err
		}
		return []Expr{subquery}, nil
	}
	var list []Expr
	for {
		item, err := ParseExpression(parser)
		if err != nil {
			return nil, err
		}
		list = append(list, item)
		token := parser.lexer.NextToken()
		if token.Type == ParenClose {
			return list, nil
		}
		if token.Type != Comma {
			return nil, unexpected(token, "',' or ')' in IN list")
		}
	}
}

func parseAdditive(parser *Parser) (Expr, error) {
	left, err := parseMultiplicative(parser)
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch parser.lexer.PeekToken().Type {
		case Plus:
			op = "+"
		case Minus:
			op = "-"
		case Concat:
			op = "||"
		default:
			return left, nil
		}
		parser.lexer.NextToken()
		right, err := parseMultiplicative(parser)
		if err != nil {
			return nil, err
		}
		left = Binary{Op: op, Left: left, Right: right}
	}
}

func parseMultiplicative(parser *Parser) (Expr, error) {
	left, err := parseUnary(parser)
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch parser.lexer.PeekToken().Type {
		case Wildcard:
			op = "*"
		case Slash:
			op = "/"
		case Percent:
			op = "%"
		default:
			return left, nil
		}
		parser.lexer.NextToken()
		right, err := parseUnary(parser)
		if err != nil {
			return nil, err
		}
		left = Binary{Op: op, Left: left, Right: right}
	}
}

func parseUnary(parser *Parser) (Expr, error) {
	if parser.accept(Minus) {
		operand, err := parseUnary(parser)
		if err != nil {
			return nil, err
		}
		return Unary{Op: "-", Operand: operand}, nil
	}
	parser.accept(Plus)
	return parsePrimary(parser)
}

func parsePrimary(parser *Parser) (Expr, error) {
	token := parser.lexer.NextToken()
	switch token.Type {
	case Number:
		return Literal{Kind: NumberLiteral, Value: token.Value}, nil
	case String:
		return Literal{Kind: StringLiteral, Value: token.Value}, nil
	case Null:
		return Literal{Kind: NullLiteral}, nil
	case True, False:
		return Literal{Kind: BoolLiteral, Value: toUpper(token.Value)}, nil
	case Placeholder:
		return parser.param(token)
	case ParenOpen:
		if parser.lexer.PeekToken().Type == Select {
			return parseSubquery(parser, token)
		}
		inner, err := ParseExpression(parser)
		if err != nil {
			return nil, err
		}
		if _, err := parser.expect(ParenClose, "')'"); err != nil {
			return nil, err
		}
		return Paren{Inner: inner}, nil
	case Identifier:
		if parser.lexer.PeekToken().Type == ParenOpen {
			return parseCall(parser, token.Value)
		}
		return parseColumn(parser, token.Value)
	case QuotedIdentifier:
		return parseColumn(parser, token.Value)
	default:
		return nil, unexpected(token, "expression")
	}
}

func (parser *Parser) param(token Token) (Expr, error) {
	index := parser.params + 1
	if len(token.Value) > 1 {
		n, err := strconv.Atoi(token.Value[1:])
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid parameter %s at position %d", token.Value, token.Pos)
		}
		index = n
	}
	if index > parser.params {
		parser.params = index
	}
	return Param{Index: index}, nil
}

func parseColumn(parser *Parser, name string) (Expr, error) {
	if !parser.accept(Dot) {
		return ColumnRef{Name: name}, nil
	}
	column, err := parseName(parser, "column name after '.'")
	if err != nil {
		return nil, err
	}
	return ColumnRef{Table: name, Name: column}, nil
}

func parseCall(parser *Parser, name string) (Expr, error) {
	parser.lexer.NextToken()
	call := FuncCall{Name: name}
	if parser.accept(Wildcard) {
		call.Star = true
		if _, err := parser.expect(ParenClose, "')' after *"); err != nil {
			return nil, err
		}
		return call, nil
	}
	if parser.accept(ParenClose) {
		return call, nil
	}
	for {
		arg, err := ParseExpression(parser)
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)
		token := parser.lexer.NextToken()
		if token.Type == ParenClose {
			return call, nil
		}
		if token.Type != Comma {
			return nil, unexpected(token, "',' or ')' in argument list")
		}
	}
}

// parseSubquery parses SELECT ... ) after an opening parenthesis and keeps
// the source text of the whole parenthesized query.
func parseSubquery(parser *Parser, open Token) (Expr, error) {
	parser.lexer.NextToken()
	body, err := parseSelectBody(parser)
	if err != nil {
		return nil, err
	}
	closing, err := parser.expect(ParenClose, "')' after subquery")
	if err != nil {
		return nil, err
	}
	return Subquery{Select: body, Text: parser.lexer.sql[open.Pos : closing.Pos+1]}, nil
}

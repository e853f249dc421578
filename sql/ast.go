package sql

import (
	"strconv"
	"strings"
)

type StatementType int

const (
	SelectStatementType StatementType = iota
	InsertStatementType
	UpdateStatementType
	DeleteStatementType
)

type Statement interface {
	Type() StatementType
	String() string
}

type SelectStatement struct {
	Distinct bool
	Columns  []SelectColumn
	Table    string
	Alias    string
	Where    Expr
	OrderBy  []OrderByClause
	Limit    int
	Offset   int
}

// SelectColumn is one projection; Star selects every column.
type SelectColumn struct {
	Expr  Expr
	Alias string
	Star  bool
}

type OrderByClause struct {
	Expr       Expr
	Descending bool
}

type InsertStatement struct {
	Table   string
	Columns []string
	Rows    [][]Expr
}

type UpdateStatement struct {
	Table   string
	Updates []SetClause
	Where   Expr
}

type SetClause struct {
	Column string
	Value  Expr
}

type DeleteStatement struct {
	Table string
	Where Expr
}

func (s SelectStatement) Type() StatementType { return SelectStatementType }
func (s InsertStatement) Type() StatementType { return InsertStatementType }
func (s UpdateStatement) Type() StatementType { return UpdateStatementType }
func (s DeleteStatement) Type() StatementType { return DeleteStatementType }

// Expr is a node of a scalar expression.
type Expr interface {
	String() string
}

type LiteralKind int

const (
	NullLiteral LiteralKind = iota
	StringLiteral
	NumberLiteral
	BoolLiteral
)

type Literal struct {
	Kind  LiteralKind
	Value string
}

// Param is a bound parameter. Index is one-based.
type Param struct {
	Index int
}

type ColumnRef struct {
	Table string
	Name  string
}

type FuncCall struct {
	Name string
	Args []Expr
	Star bool
}

type Binary struct {
	Op    string
	Left  Expr
	Right Expr
}

type Unary struct {
	Op      string
	Operand Expr
}

type Paren struct {
	Inner Expr
}

type IsNull struct {
	Operand Expr
	Not     bool
}

type InList struct {
	Operand Expr
	List    []Expr
	Not     bool
}

// Subquery is a parenthesized SELECT. Text keeps the source verbatim.
type Subquery struct {
	Select *SelectStatement
	Text   string
}

func NewString(value string) Literal { return Literal{Kind: StringLiteral, Value: value} }
func NewNumber(value string) Literal { return Literal{Kind: NumberLiteral, Value: value} }
func NewNull() Literal               { return Literal{Kind: NullLiteral} }

func Column(name string) ColumnRef { return ColumnRef{Name: name} }

func Call(name string, args ...Expr) FuncCall { return FuncCall{Name: name, Args: args} }

func Eq(left, right Expr) Binary { return Binary{Op: "=", Left: left, Right: right} }

// AndAll joins conditions with AND, skipping nil ones.
func AndAll(conditions ...Expr) Expr {
	var result Expr
	for _, condition := range conditions {
		if condition == nil {
			continue
		}
		if result == nil {
			result = condition
			continue
		}
		result = Binary{Op: "AND", Left: result, Right: condition}
	}
	return result
}

func (l Literal) String() string {
	switch l.Kind {
	case NullLiteral:
		return "NULL"
	case StringLiteral:
		return QuoteString(l.Value)
	case BoolLiteral:
		return toUpper(l.Value)
	default:
		return l.Value
	}
}

func (p Param) String() string { return "?" + strconv.Itoa(p.Index) }

func (c ColumnRef) String() string {
	if c.Table != "" {
		return QuoteIdentifier(c.Table) + "." + QuoteIdentifier(c.Name)
	}
	return QuoteIdentifier(c.Name)
}

func (f FuncCall) String() string {
	if f.Star {
		return f.Name + "(*)"
	}
	return f.Name + "(" + joinExprs(f.Args) + ")"
}

func (b Binary) String() string {
	return b.Left.String() + " " + b.Op + " " + b.Right.String()
}

func (u Unary) String() string {
	if u.Op == "-" {
		return "-" + u.Operand.String()
	}
	return u.Op + " " + u.Operand.String()
}

func (p Paren) String() string { return "(" + p.Inner.String() + ")" }

func (n IsNull) String() string {
	if n.Not {
		return n.Operand.String() + " IS NOT NULL"
	}
	return n.Operand.String() + " IS NULL"
}

func (i InList) String() string {
	op := " IN ("
	if i.Not {
		op = " NOT IN ("
	}
	return i.Operand.String() + op + joinExprs(i.List) + ")"
}

func (s Subquery) String() string {
	if s.Text != "" {
		return s.Text
	}
	return "(" + s.Select.String() + ")"
}

func (s SelectStatement) String() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	if s.Distinct {
		b.WriteString("DISTINCT ")
	}
	for i, column := range s.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		if column.Star {
			b.WriteString("*")
			continue
		}
		b.WriteString(column.Expr.String())
		if column.Alias != "" {
			b.WriteString(" AS " + QuoteIdentifier(column.Alias))
		}
	}
	if s.Table != "" {
		b.WriteString(" FROM " + QuoteIdentifier(s.Table))
		if s.Alias != "" {
			b.WriteString(" AS " + QuoteIdentifier(s.Alias))
		}
	}
	if s.Where != nil {
		b.WriteString(" WHERE " + s.Where.String())
	}
	for i, order := range s.OrderBy {
		if i == 0 {
			b.WriteString(" ORDER BY ")
		} else {
			b.WriteString(", ")
		}
		b.WriteString(order.Expr.String())
		if order.Descending {
			b.WriteString(" DESC")
		}
	}
	if s.Limit > 0 {
		b.WriteString(" LIMIT " + strconv.Itoa(s.Limit))
	}
	if s.Offset > 0 {
		b.WriteString(" OFFSET " + strconv.Itoa(s.Offset))
	}
	return b.String()
}

func (s InsertStatement) String() string {
	var b strings.Builder
	b.WriteString("INSERT INTO " + QuoteIdentifier(s.Table) + " (")
	for i, column := range s.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(QuoteIdentifier(column))
	}
	b.WriteString(") VALUES ")
	for i, row := range s.Rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(" + joinExprs(row) + ")")
	}
	return b.String()
}

func (s UpdateStatement) String() string {
	var b strings.Builder
	b.WriteString("UPDATE " + QuoteIdentifier(s.Table) + " SET ")
	for i, update := range s.Updates {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(QuoteIdentifier(update.Column) + " = " + update.Value.String())
	}
	if s.Where != nil {
		b.WriteString(" WHERE " + s.Where.String())
	}
	return b.String()
}

func (s DeleteStatement) String() string {
	statement := "DELETE FROM " + QuoteIdentifier(s.Table)
	if s.Where != nil {
		statement += " WHERE " + s.Where.String()
	}
	return statement
}

func joinExprs(exprs []Expr) string {
	parts := make([]string, len(exprs))
	for i, expr := range exprs {
		parts[i] = expr.String()
	}
	return strings.Join(parts, ", ")
}

// QuoteString renders a string literal, doubling embedded quotes.
func QuoteString(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

// QuoteIdentifier leaves plain identifiers bare and double-quotes the rest.
func QuoteIdentifier(name string) string {
	if name != "" && isIdentifierStart(name[0]) && lookupIdentifier(name) == Identifier {
		plain := true
		for i := 1; i < len(name); i++ {
			if !isIdentifierPart(name[i]) {
				plain = false
				break
			}
		}
		if plain {
			return name
		}
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Walk visits expr and its children depth first until visit returns false.
func Walk(expr Expr, visit func(Expr) bool) {
	if expr == nil || !visit(expr) {
		return
	}
	switch e := expr.(type) {
	case FuncCall:
		for _, arg := range e.Args {
			Walk(arg, visit)
		}
	case Binary:
		Walk(e.Left, visit)
		Walk(e.Right, visit)
	case Unary:
		Walk(e.Operand, visit)
	case Paren:
		Walk(e.Inner, visit)
	case IsNull:
		Walk(e.Operand, visit)
	case InList:
		Walk(e.Operand, visit)
		for _, item := range e.List {
			Walk(item, visit)
		}
	}
}

// Transform rebuilds expr bottom up, replacing each node with fn's result.
func Transform(expr Expr, fn func(Expr) Expr) Expr {
	if expr == nil {
		return nil
	}
	switch e := expr.(type) {
	case FuncCall:
		args := make([]Expr, len(e.Args))
		for i, arg := range e.Args {
			args[i] = Transform(arg, fn)
		}
		e.Args = args
		return fn(e)
	case Binary:
		e.Left = Transform(e.Left, fn)
		e.Right = Transform(e.Right, fn)
		return fn(e)
	case Unary:
		e.Operand = Transform(e.Operand, fn)
		return fn(e)
	case Paren:
		e.Inner = Transform(e.Inner, fn)
		return fn(e)
	case IsNull:
		e.Operand = Transform(e.Operand, fn)
		return fn(e)
	case InList:
		e.Operand = Transform(e.Operand, fn)
		list := make([]Expr, len(e.List))
		for i, item := range e.List {
			list[i] = Transform(item, fn)
		}
		e.List = list
		return fn(e)
	}
	return fn(expr)
}

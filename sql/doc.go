// Package sql provides lexing, parsing and rendering for the statement
// subset EntityDB understands.
//
// # Lexer Usage
//
//	lexer := sql.NewLexer("SELECT * FROM todo")
//	for {
//	    token := lexer.NextToken()
//	    if token.Type == sql.EOF {
//	        break
//	    }
//	    fmt.Println(token)
//	}
//
// # Parser Usage
//
//	statement, err := sql.Parse("SELECT * FROM todo WHERE id = ?")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(statement.String())
//
// # Supported Statements
//
//   - SelectStatement: projections, one table, WHERE, ORDER BY, LIMIT, OFFSET
//   - InsertStatement: explicit column list, one or more VALUES rows
//   - UpdateStatement
//   - DeleteStatement
//
// Parameters may be positional (?), numbered (?N) or dollar-numbered ($N).
// Rendering always emits numbered parameters so a rendered statement binds
// the same arguments as its source.
package sql

package rewrite

import (
	"fmt"

	"github.com/nickyhof/EntityDB/core"
	"github.com/nickyhof/EntityDB/sql"
)

// starColumns are the state columns a SELECT * on a view exposes next to
// the snapshot properties.
var starColumns = []string{
	"entity_id",
	"file_id",
	"version_id",
	"plugin_key",
	"schema_version",
	"change_id",
	"commit_id",
	"created_at",
	"updated_at",
	"untracked",
}

var readableColumns = func() map[string]bool {
	columns := make(map[string]bool, len(StateColumns))
	for _, column := range StateColumns {
		columns[column] = true
	}
	return columns
}()

// property reads a snapshot property of the state row.
func property(name string) sql.Expr {
	return sql.Call("json_extract", sql.Column("snapshot_content"), sql.NewString(core.JSONPathOf(name)))
}

// column maps a view column reference onto the state table.
func (v *view) column(ref sql.ColumnRef) (sql.Expr, error) {
	if v.schema.HasProperty(ref.Name) {
		return property(ref.Name), nil
	}
	if readableColumns[ref.Name] {
		return sql.ColumnRef{Name: ref.Name}, nil
	}
	return nil, core.SchemaError("rewrite "+v.schema.Key, fmt.Errorf("unknown column %q", ref.Name))
}

// expression rewrites every column reference in e. Subqueries are kept
// verbatim.
func (v *view) expression(e sql.Expr) (sql.Expr, error) {
	var failure error
	out := sql.Transform(e, func(node sql.Expr) sql.Expr {
		ref, ok := node.(sql.ColumnRef)
		if !ok || failure != nil {
			return node
		}
		mapped, err := v.column(ref)
		if err != nil {
			failure = err
			return node
		}
		return mapped
	})
	return out, failure
}

func (v *view) where(where sql.Expr) (sql.Expr, error) {
	scope, err := v.scope()
	if err != nil {
		return nil, err
	}
	if where == nil {
		return scope, nil
	}
	rewritten, err := v.expression(where)
	if err != nil {
		return nil, err
	}
	return sql.AndAll(scope, sql.Paren{Inner: rewritten}), nil
}

func (v *view) selectStatement(stmt sql.SelectStatement) (sql.Statement, error) {
	out := sql.SelectStatement{
		Distinct: stmt.Distinct,
		Table:    StateTable,
		Limit:    stmt.Limit,
		Offset:   stmt.Offset,
	}

	for _, column := range stmt.Columns {
		if column.Star {
			for _, name := range v.schema.PropertyNames() {
				out.Columns = append(out.Columns, sql.SelectColumn{Expr: property(name), Alias: name})
			}
			for _, name := range starColumns {
				if v.schema.HasProperty(name) {
					continue
				}
				out.Columns = append(out.Columns, sql.SelectColumn{Expr: sql.Column(name), Alias: name})
			}
			continue
		}
		rewritten, err := v.expression(column.Expr)
		if err != nil {
			return nil, err
		}
		alias := column.Alias
		if ref, ok := column.Expr.(sql.ColumnRef); ok && alias == "" {
			alias = ref.Name
		}
		out.Columns = append(out.Columns, sql.SelectColumn{Expr: rewritten, Alias: alias})
	}

	where, err := v.where(stmt.Where)
	if err != nil {
		return nil, err
	}
	out.Where = where

	for _, order := range stmt.OrderBy {
		// ORDER BY may name a projection alias.
		if ref, ok := order.Expr.(sql.ColumnRef); ok && projects(out.Columns, ref.Name) && !v.schema.HasProperty(ref.Name) && !readableColumns[ref.Name] {
			out.OrderBy = append(out.OrderBy, order)
			continue
		}
		rewritten, err := v.expression(order.Expr)
		if err != nil {
			return nil, err
		}
		out.OrderBy = append(out.OrderBy, sql.OrderByClause{Expr: rewritten, Descending: order.Descending})
	}
	return out, nil
}

func projects(columns []sql.SelectColumn, alias string) bool {
	for _, column := range columns {
		if column.Alias == alias {
			return true
		}
	}
	return false
}

// update rewrites property assignments into one json_set over the snapshot.
// Primary key properties and the version cannot be changed through a view.
func (v *view) update(stmt sql.UpdateStatement) (sql.Statement, error) {
	op := "rewrite " + v.schema.Key
	out := sql.UpdateStatement{Table: StateTable}

	keyColumns := make(map[string]bool)
	for _, path := range v.schema.KeyPaths() {
		keyColumns[path.Column] = true
	}

	var setArgs []sql.Expr
	for _, update := range stmt.Updates {
		value, err := v.expression(update.Value)
		if err != nil {
			return nil, err
		}
		switch {
		case keyColumns[update.Column]:
			return nil, core.SchemaError(op, fmt.Errorf("cannot update primary key column %q", update.Column))
		case v.schema.HasProperty(update.Column):
			setArgs = append(setArgs, sql.NewString(core.JSONPathOf(update.Column)), value)
		case update.Column == "version_id":
			return nil, core.SchemaError(op, fmt.Errorf("cannot move rows between versions"))
		case v.isMetadata(update.Column):
			out.Updates = append(out.Updates, sql.SetClause{Column: update.Column, Value: value})
		default:
			return nil, core.SchemaError(op, fmt.Errorf("unknown column %q", update.Column))
		}
	}
	if len(setArgs) > 0 {
		snapshot := sql.SetClause{
			Column: "snapshot_content",
			Value:  sql.Call("json_set", append([]sql.Expr{sql.Column("snapshot_content")}, setArgs...)...),
		}
		out.Updates = append([]sql.SetClause{snapshot}, out.Updates...)
	}

	where, err := v.where(stmt.Where)
	if err != nil {
		return nil, err
	}
	out.Where = where
	return out, nil
}

func (v *view) delete(stmt sql.DeleteStatement) (sql.Statement, error) {
	where, err := v.where(stmt.Where)
	if err != nil {
		return nil, err
	}
	return sql.DeleteStatement{Table: StateTable, Where: where}, nil
}

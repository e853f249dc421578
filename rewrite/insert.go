package rewrite

import (
	"fmt"
	"strconv"

	"github.com/nickyhof/EntityDB/core"
	"github.com/nickyhof/EntityDB/expr"
	"github.com/nickyhof/EntityDB/sql"
)

// insert rewrites a multi-row view insert into one multi-row insert into
// the state table.
func (v *view) insert(stmt sql.InsertStatement) (sql.Statement, error) {
	out := sql.InsertStatement{Table: StateTable, Columns: CanonicalColumns}

	for _, column := range stmt.Columns {
		if column == "entity_id" || (!v.schema.HasProperty(column) && !v.isMetadata(column)) {
			return nil, core.SchemaError("rewrite "+v.schema.Key, fmt.Errorf("unknown column %q", column))
		}
	}

	for i, values := range stmt.Rows {
		row := make(map[string]sql.Expr, len(values))
		for j, column := range stmt.Columns {
			row[column] = values[j]
		}
		canonical, err := v.insertRow(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		out.Rows = append(out.Rows, canonical)
	}
	return out, nil
}

func (v *view) insertRow(row map[string]sql.Expr) ([]sql.Expr, error) {
	op := "rewrite " + v.schema.Key

	properties, err := v.resolveProperties(row)
	if err != nil {
		return nil, err
	}

	entityID, err := v.entityID(properties)
	if err != nil {
		return nil, err
	}

	var snapshotArgs []sql.Expr
	for _, name := range v.schema.PropertyNames() {
		value, ok := properties[name]
		if !ok {
			continue
		}
		snapshotArgs = append(snapshotArgs, sql.NewString(name), value)
	}

	versionID, err := v.metadataValue(row, "version_id", func() (sql.Expr, error) {
		if v.schema.VersionID != "" {
			return sql.NewString(v.schema.VersionID), nil
		}
		if v.kind == BareView && v.opts.ActiveVersionID != "" {
			return sql.NewString(v.opts.ActiveVersionID), nil
		}
		return nil, core.SchemaError(op, core.ErrMissingVersionID)
	})
	if err != nil {
		return nil, err
	}
	fileID, _ := v.metadataValue(row, "file_id", func() (sql.Expr, error) {
		return sql.NewString(firstNonEmpty(v.schema.FileID, core.DefaultFileID)), nil
	})
	pluginKey, _ := v.metadataValue(row, "plugin_key", func() (sql.Expr, error) {
		return sql.NewString(firstNonEmpty(v.schema.PluginKey, core.DefaultPluginKey)), nil
	})
	metadata, _ := v.metadataValue(row, "metadata", func() (sql.Expr, error) {
		return sql.NewNull(), nil
	})
	untracked, _ := v.metadataValue(row, "untracked", func() (sql.Expr, error) {
		return sql.Literal{Kind: sql.BoolLiteral, Value: "FALSE"}, nil
	})

	return []sql.Expr{
		entityID,
		sql.NewString(v.schema.Key),
		fileID,
		versionID,
		pluginKey,
		sql.Call("json_object", snapshotArgs...),
		sql.NewString(v.schema.Version),
		metadata,
		untracked,
	}, nil
}

// metadataValue resolves a state column: an explicit column wins, then
// fallback.
func (v *view) metadataValue(row map[string]sql.Expr, column string, fallback func() (sql.Expr, error)) (sql.Expr, error) {
	if v.isMetadata(column) {
		if value, ok := row[column]; ok {
			return value, nil
		}
	}
	return fallback()
}

// resolveProperties returns the value expression of every property that is
// either present in the row or has a default.
func (v *view) resolveProperties(row map[string]sql.Expr) (map[string]sql.Expr, error) {
	op := "rewrite " + v.schema.Key
	properties := make(map[string]sql.Expr, len(v.schema.Properties))
	var pending []string

	for _, name := range v.schema.PropertyNames() {
		property := v.schema.Properties[name]
		if value, ok := row[name]; ok {
			properties[name] = value
			continue
		}
		switch {
		case property.DefaultFn != "":
			if v.rewriter.evaluator == nil {
				return nil, core.SchemaError(op, fmt.Errorf("%w: default function of %q", core.ErrEvaluatorNotInitialized, name))
			}
			value, err := v.rewriter.evaluator.Call(property.DefaultFn)
			if err != nil {
				return nil, core.SchemaError(op, fmt.Errorf("default function of %q: %w", name, err))
			}
			properties[name] = valueExpr(value)
		case len(property.Default) > 0:
			value, err := expr.FromJSON(property.Default)
			if err != nil {
				return nil, core.SchemaError(op, fmt.Errorf("default of %q: %w", name, err))
			}
			properties[name] = valueExpr(value)
		case property.DefaultExpr != "":
			pending = append(pending, name)
		}
	}

	if len(pending) == 0 {
		return properties, nil
	}
	if v.rewriter.evaluator == nil {
		return nil, core.SchemaError(op, fmt.Errorf("%w: default expression of %q", core.ErrEvaluatorNotInitialized, pending[0]))
	}
	if err := v.resolveExpressions(properties, pending); err != nil {
		return nil, core.SchemaError(op, err)
	}
	return properties, nil
}

// resolveExpressions fills in expression defaults, each after the siblings
// it reads. A default whose siblings fold to values is evaluated now;
// otherwise it becomes a DefaultExprFunc call over the siblings' SQL and is
// evaluated with the row at execution time.
func (v *view) resolveExpressions(properties map[string]sql.Expr, pending []string) error {
	env := expr.Env{}
	for name, value := range properties {
		if static, ok := v.staticValue(value); ok {
			env[name] = static
		}
	}

	sources := make(map[string]string, len(pending))
	refs := make(map[string][]string, len(pending))
	for _, name := range pending {
		source := v.schema.Properties[name].DefaultExpr
		node, err := expr.Parse(source)
		if err != nil {
			return fmt.Errorf("default expression of %q: %w", name, err)
		}
		sources[name] = source
		refs[name] = expr.References(node)
	}

	waiting := func(name string) bool {
		for _, ref := range refs[name] {
			if _, isPending := sources[ref]; isPending && ref != name {
				if _, done := properties[ref]; !done {
					return true
				}
			}
		}
		return false
	}

	for len(pending) > 0 {
		var next []string
		for _, name := range pending {
			if waiting(name) {
				next = append(next, name)
				continue
			}
			deferred := false
			for _, ref := range refs[name] {
				if _, known := properties[ref]; known {
					if _, folded := env[ref]; !folded {
						deferred = true
					}
				}
			}
			if deferred {
				var args []sql.Expr
				for _, ref := range refs[name] {
					if value, ok := properties[ref]; ok {
						args = append(args, sql.NewString(ref), value)
					}
				}
				properties[name] = sql.Call(DefaultExprFunc, sql.NewString(sources[name]), sql.Call("json_object", args...))
				continue
			}
			value, err := v.rewriter.evaluator.Eval(sources[name], env)
			if err != nil {
				return fmt.Errorf("default expression of %q: %w", name, err)
			}
			properties[name] = valueExpr(value)
			env[name] = value
		}
		if len(next) == len(pending) {
			return fmt.Errorf("default expressions of %q depend on each other", next)
		}
		pending = next
	}
	return nil
}

// staticValue evaluates literals, bound parameters and json(...) wrappers
// of either. Anything else is only known at execution time.
func (v *view) staticValue(e sql.Expr) (expr.Value, bool) {
	switch e := e.(type) {
	case sql.Literal:
		switch e.Kind {
		case sql.NullLiteral:
			return expr.Null(), true
		case sql.StringLiteral:
			return expr.String(e.Value), true
		case sql.BoolLiteral:
			return expr.Bool(e.Value == "TRUE"), true
		case sql.NumberLiteral:
			n, err := strconv.ParseFloat(e.Value, 64)
			return expr.Number(n), err == nil
		}
	case sql.Param:
		if e.Index < 1 || e.Index > len(v.params) {
			return expr.Value{}, false
		}
		value, err := expr.FromGo(v.params[e.Index-1])
		return value, err == nil
	case sql.Paren:
		return v.staticValue(e.Inner)
	case sql.FuncCall:
		if e.Name != "json" || len(e.Args) != 1 {
			return expr.Value{}, false
		}
		inner, ok := v.staticValue(e.Args[0])
		if !ok {
			return expr.Value{}, false
		}
		if inner.Kind() != expr.StringKind {
			return inner, true
		}
		value, err := expr.FromJSON([]byte(inner.AsString()))
		return value, err == nil
	}
	return expr.Value{}, false
}

// entityID builds the entity id expression from the primary key. A single
// column key is the column's value, a composite key joins its parts with
// the key separator, and a pointer key extracts the nested field.
func (v *view) entityID(properties map[string]sql.Expr) (sql.Expr, error) {
	op := "rewrite " + v.schema.Key
	paths := v.schema.KeyPaths()
	if len(paths) == 0 {
		return nil, core.SchemaError(op, core.ErrUnresolvedPrimaryKey)
	}

	var parts []sql.Expr
	for _, path := range paths {
		value, ok := properties[path.Column]
		if !ok {
			return nil, core.SchemaError(op, fmt.Errorf("%w: no value for %s", core.ErrUnresolvedPrimaryKey, path.Pointer))
		}
		if lit, isLiteral := value.(sql.Literal); isLiteral && lit.Kind == sql.NullLiteral {
			return nil, core.SchemaError(op, fmt.Errorf("%w: %s is null", core.ErrUnresolvedPrimaryKey, path.Pointer))
		}
		if path.IsPointer() {
			value = sql.Call("json_extract", value, sql.NewString(path.JSONPath()))
		}
		parts = append(parts, value)
	}

	if len(parts) == 1 {
		return parts[0], nil
	}
	entityID := parts[0]
	for _, part := range parts[1:] {
		entityID = sql.Binary{Op: "||", Left: sql.Binary{Op: "||", Left: entityID, Right: sql.NewString(core.KeySeparator)}, Right: part}
	}
	return entityID, nil
}

// valueExpr renders an evaluated value as a literal.
func valueExpr(value expr.Value) sql.Expr {
	switch value.Kind() {
	case expr.NullKind:
		return sql.NewNull()
	case expr.BoolKind:
		if value.AsBool() {
			return sql.Literal{Kind: sql.BoolLiteral, Value: "TRUE"}
		}
		return sql.Literal{Kind: sql.BoolLiteral, Value: "FALSE"}
	case expr.NumberKind:
		return sql.NewNumber(value.Text())
	case expr.StringKind:
		return sql.NewString(value.AsString())
	default:
		return sql.Call("json", sql.NewString(value.String()))
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

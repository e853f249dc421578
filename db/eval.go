package db

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nickyhof/EntityDB/core"
	"github.com/nickyhof/EntityDB/expr"
	"github.com/nickyhof/EntityDB/rewrite"
	"github.com/nickyhof/EntityDB/sql"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var ErrAggregateMisuse = errors.New("aggregate function used outside of a projection")

// row is the environment an expression is evaluated against. JSON columns
// are kept raw and decoded on first use.
type row struct {
	values map[string]expr.Value
	raw    map[string][]byte
}

func newRow() row {
	return row{values: map[string]expr.Value{}, raw: map[string][]byte{}}
}

func (r row) lookup(name string) (expr.Value, bool) {
	if value, ok := r.values[name]; ok {
		return value, true
	}
	data, ok := r.raw[name]
	if !ok {
		return expr.Null(), false
	}
	value := expr.Null()
	if data != nil {
		decoded, err := expr.FromJSON(data)
		if err == nil {
			value = decoded
		}
	}
	r.values[name] = value
	return value, true
}

// with returns a copy of r with extra values that do not shadow existing
// columns.
func (r row) with(extra map[string]expr.Value) row {
	out := newRow()
	for name, value := range r.values {
		out.values[name] = value
	}
	for name, data := range r.raw {
		out.raw[name] = data
	}
	for name, value := range extra {
		if _, ok := out.values[name]; ok {
			continue
		}
		if _, ok := out.raw[name]; ok {
			continue
		}
		out.values[name] = value
	}
	return out
}

func optionalString(s string) expr.Value {
	if s == "" {
		return expr.Null()
	}
	return expr.String(s)
}

func timeValue(t time.Time) expr.Value {
	if t.IsZero() {
		return expr.Null()
	}
	return expr.String(t.UTC().Format(time.RFC3339Nano))
}

// stateRow exposes a cache row under the state table columns.
func stateRow(state core.CacheRow) row {
	r := newRow()
	r.values["entity_id"] = expr.String(state.EntityID)
	r.values["schema_key"] = expr.String(state.SchemaKey)
	r.values["file_id"] = expr.String(state.FileID)
	r.values["version_id"] = expr.String(state.VersionID)
	r.values["plugin_key"] = expr.String(state.PluginKey)
	r.values["schema_version"] = expr.String(state.SchemaVersion)
	r.values["untracked"] = expr.Bool(state.Untracked)
	r.values["change_id"] = optionalString(state.ChangeID)
	r.values["commit_id"] = optionalString(state.CommitID)
	r.values["created_at"] = timeValue(state.CreatedAt)
	r.values["updated_at"] = timeValue(state.UpdatedAt)
	r.values["inherited_from_version_id"] = optionalString(state.InheritedFromVersionID)
	r.raw["snapshot_content"] = nullableJSON(state.Snapshot)
	r.raw["metadata"] = nullableJSON(state.Metadata)
	return r
}

func nullableJSON(data []byte) []byte {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return data
}

func literalValue(literal sql.Literal) (expr.Value, error) {
	switch literal.Kind {
	case sql.NullLiteral:
		return expr.Null(), nil
	case sql.StringLiteral:
		return expr.String(literal.Value), nil
	case sql.BoolLiteral:
		return expr.Bool(literal.Value == "TRUE"), nil
	default:
		n, err := strconv.ParseFloat(literal.Value, 64)
		if err != nil {
			return expr.Null(), fmt.Errorf("invalid number %q", literal.Value)
		}
		return expr.Number(n), nil
	}
}

func (x *executor) eval(e sql.Expr, env row) (expr.Value, error) {
	switch e := e.(type) {
	case sql.Literal:
		return literalValue(e)
	case sql.Param:
		if e.Index < 1 || e.Index > len(x.params) {
			return expr.Null(), fmt.Errorf("parameter %d is not bound", e.Index)
		}
		return expr.FromGo(x.params[e.Index-1])
	case sql.ColumnRef:
		value, ok := env.lookup(e.Name)
		if !ok {
			return expr.Null(), fmt.Errorf("no such column: %s", e.Name)
		}
		return value, nil
	case sql.Paren:
		return x.eval(e.Inner, env)
	case sql.Unary:
		return x.unary(e, env)
	case sql.IsNull:
		value, err := x.eval(e.Operand, env)
		if err != nil {
			return expr.Null(), err
		}
		return expr.Bool(value.IsNull() != e.Not), nil
	case sql.InList:
		return x.inList(e, env)
	case sql.Binary:
		return x.binary(e, env)
	case sql.FuncCall:
		return x.call(e, env)
	case sql.Subquery:
		values, err := x.subquery(e)
		if err != nil || len(values) == 0 {
			return expr.Null(), err
		}
		return values[0], nil
	}
	return expr.Null(), fmt.Errorf("unsupported expression %s", e)
}

func (x *executor) unary(e sql.Unary, env row) (expr.Value, error) {
	value, err := x.eval(e.Operand, env)
	if err != nil || value.IsNull() {
		return expr.Null(), err
	}
	switch e.Op {
	case "NOT":
		return expr.Bool(!value.Truthy()), nil
	case "-":
		n, ok := numberOf(value)
		if !ok {
			return expr.Null(), fmt.Errorf("cannot negate %s", value)
		}
		return expr.Number(-n), nil
	}
	return expr.Null(), fmt.Errorf("unsupported operator %s", e.Op)
}

func (x *executor) inList(e sql.InList, env row) (expr.Value, error) {
	value, err := x.eval(e.Operand, env)
	if err != nil || value.IsNull() {
		return expr.Null(), err
	}
	var candidates []expr.Value
	for _, item := range e.List {
		if subquery, ok := item.(sql.Subquery); ok {
			values, err := x.subquery(subquery)
			if err != nil {
				return expr.Null(), err
			}
			candidates = append(candidates, values...)
			continue
		}
		candidate, err := x.eval(item, env)
		if err != nil {
			return expr.Null(), err
		}
		candidates = append(candidates, candidate)
	}
	for _, candidate := range candidates {
		if equalValues(value, candidate) {
			return expr.Bool(!e.Not), nil
		}
	}
	return expr.Bool(e.Not), nil
}

// subquery runs a nested SELECT in the executor's version and returns its
// first column. Subqueries are uncorrelated, so each runs once per statement.
func (x *executor) subquery(e sql.Subquery) ([]expr.Value, error) {
	if e.Select == nil {
		return nil, fmt.Errorf("empty subquery")
	}
	if values, ok := x.subqueries[e.Text]; ok {
		return values, nil
	}
	result, err := x.selectStatement(*e.Select)
	if err != nil {
		return nil, err
	}
	values := make([]expr.Value, 0, len(result.rows))
	for _, record := range result.rows {
		if len(record) > 0 {
			values = append(values, record[0])
		}
	}
	if x.subqueries == nil {
		x.subqueries = make(map[string][]expr.Value)
	}
	x.subqueries[e.Text] = values
	return values, nil
}

func (x *executor) binary(e sql.Binary, env row) (expr.Value, error) {
	left, err := x.eval(e.Left, env)
	if err != nil {
		return expr.Null(), err
	}

	switch e.Op {
	case "AND":
		if !left.IsNull() && !left.Truthy() {
			return expr.Bool(false), nil
		}
		right, err := x.eval(e.Right, env)
		if err != nil {
			return expr.Null(), err
		}
		if !right.IsNull() && !right.Truthy() {
			return expr.Bool(false), nil
		}
		if left.IsNull() || right.IsNull() {
			return expr.Null(), nil
		}
		return expr.Bool(true), nil
	case "OR":
		if left.Truthy() {
			return expr.Bool(true), nil
		}
		right, err := x.eval(e.Right, env)
		if err != nil {
			return expr.Null(), err
		}
		if right.Truthy() {
			return expr.Bool(true), nil
		}
		if left.IsNull() || right.IsNull() {
			return expr.Null(), nil
		}
		return expr.Bool(false), nil
	}

	right, err := x.eval(e.Right, env)
	if err != nil {
		return expr.Null(), err
	}
	if left.IsNull() || right.IsNull() {
		return expr.Null(), nil
	}

	switch e.Op {
	case "||":
		return expr.String(left.Text() + right.Text()), nil
	case "=":
		return expr.Bool(equalValues(left, right)), nil
	case "!=", "<>":
		return expr.Bool(!equalValues(left, right)), nil
	case "<":
		return expr.Bool(compareValues(left, right) < 0), nil
	case ">":
		return expr.Bool(compareValues(left, right) > 0), nil
	case "<=":
		return expr.Bool(compareValues(left, right) <= 0), nil
	case ">=":
		return expr.Bool(compareValues(left, right) >= 0), nil
	case "LIKE":
		return expr.Bool(matchLike(left.Text(), right.Text())), nil
	case "NOT LIKE":
		return expr.Bool(!matchLike(left.Text(), right.Text())), nil
	case "+", "-", "*", "/", "%":
		return arithmetic(e.Op, left, right)
	}
	return expr.Null(), fmt.Errorf("unsupported operator %s", e.Op)
}

func numberOf(value expr.Value) (float64, bool) {
	switch value.Kind() {
	case expr.NumberKind:
		return value.AsNumber(), true
	case expr.BoolKind:
		if value.AsBool() {
			return 1, true
		}
		return 0, true
	case expr.StringKind:
		n, err := strconv.ParseFloat(strings.TrimSpace(value.AsString()), 64)
		return n, err == nil
	}
	return 0, false
}

func arithmetic(op string, left, right expr.Value) (expr.Value, error) {
	a, okA := numberOf(left)
	b, okB := numberOf(right)
	if !okA || !okB {
		return expr.Null(), fmt.Errorf("cannot apply %s to %s and %s", op, left, right)
	}
	switch op {
	case "+":
		return expr.Number(a + b), nil
	case "-":
		return expr.Number(a - b), nil
	case "*":
		return expr.Number(a * b), nil
	case "/":
		if b == 0 {
			return expr.Null(), nil
		}
		return expr.Number(a / b), nil
	default:
		if b == 0 {
			return expr.Null(), nil
		}
		return expr.Number(math.Mod(a, b)), nil
	}
}

// equalValues compares numbers numerically and everything else
// structurally.
func equalValues(a, b expr.Value) bool {
	if a.Kind() == expr.NumberKind || b.Kind() == expr.NumberKind {
		x, okA := numberOf(a)
		y, okB := numberOf(b)
		if okA && okB && a.Kind() != expr.StringKind && b.Kind() != expr.StringKind {
			return x == y
		}
	}
	return a.Equal(b)
}

// compareValues orders two non-null values. Values of different kinds fall
// back to comparing their text.
func compareValues(a, b expr.Value) int {
	if cmp, ok := a.Compare(b); ok {
		return cmp
	}
	if x, okA := numberOf(a); okA && a.Kind() != expr.StringKind {
		if y, okB := numberOf(b); okB && b.Kind() != expr.StringKind {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(a.Text(), b.Text())
}

// orderValues sorts nulls first, like SQLite.
func orderValues(a, b expr.Value) int {
	switch {
	case a.IsNull() && b.IsNull():
		return 0
	case a.IsNull():
		return -1
	case b.IsNull():
		return 1
	}
	return compareValues(a, b)
}

// matchLike matches a LIKE pattern with % and _ wildcards, ignoring ASCII
// case.
func matchLike(value, pattern string) bool {
	v := []rune(strings.ToLower(value))
	p := []rune(strings.ToLower(pattern))

	vi, pi := 0, 0
	star, match := -1, 0
	for vi < len(v) {
		switch {
		case pi < len(p) && (p[pi] == '_' || p[pi] == v[vi]):
			vi++
			pi++
		case pi < len(p) && p[pi] == '%':
			star = pi
			match = vi
			pi++
		case star >= 0:
			pi = star + 1
			match++
			vi = match
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '%' {
		pi++
	}
	return pi == len(p)
}

var aggregateFunctions = map[string]bool{
	"count": true,
	"sum":   true,
	"avg":   true,
	"min":   true,
	"max":   true,
}

func isAggregate(e sql.Expr) bool {
	call, ok := e.(sql.FuncCall)
	return ok && aggregateFunctions[strings.ToLower(call.Name)]
}

func (x *executor) call(e sql.FuncCall, env row) (expr.Value, error) {
	name := strings.ToLower(e.Name)
	if aggregateFunctions[name] {
		return expr.Null(), fmt.Errorf("%w: %s", ErrAggregateMisuse, e.Name)
	}

	// json_extract reads raw columns without decoding them.
	if name == "json_extract" && len(e.Args) == 2 {
		if ref, ok := e.Args[0].(sql.ColumnRef); ok {
			if data, ok := env.raw[ref.Name]; ok {
				path, err := x.eval(e.Args[1], env)
				if err != nil {
					return expr.Null(), err
				}
				return extractJSON(data, path)
			}
		}
	}

	args := make([]expr.Value, len(e.Args))
	for i, arg := range e.Args {
		value, err := x.eval(arg, env)
		if err != nil {
			return expr.Null(), err
		}
		args[i] = value
	}

	switch name {
	case "json":
		if len(args) != 1 {
			return expr.Null(), fmt.Errorf("json() takes one argument")
		}
		return parseJSON(args[0])
	case "json_object":
		if len(args)%2 != 0 {
			return expr.Null(), fmt.Errorf("json_object() takes key/value pairs")
		}
		fields := make([]expr.Field, 0, len(args)/2)
		for i := 0; i < len(args); i += 2 {
			fields = append(fields, expr.Field{Key: args[i].Text(), Value: args[i+1]})
		}
		return expr.Object(fields...), nil
	case "json_array":
		return expr.Array(args...), nil
	case "json_extract":
		if len(args) < 2 {
			return expr.Null(), fmt.Errorf("json_extract() takes a document and a path")
		}
		data, err := documentOf(args[0])
		if err != nil || data == nil {
			return expr.Null(), err
		}
		if len(args) == 2 {
			return extractJSON(data, args[1])
		}
		items := make([]expr.Value, 0, len(args)-1)
		for _, path := range args[1:] {
			item, err := extractJSON(data, path)
			if err != nil {
				return expr.Null(), err
			}
			items = append(items, item)
		}
		return expr.Array(items...), nil
	case "json_set":
		return setJSON(args)
	case "json_remove":
		return removeJSON(args)
	case rewrite.DefaultExprFunc:
		return x.defaultExpr(args)
	case "coalesce", "ifnull":
		for _, arg := range args {
			if !arg.IsNull() {
				return arg, nil
			}
		}
		return expr.Null(), nil
	case "length":
		if len(args) != 1 {
			return expr.Null(), fmt.Errorf("length() takes one argument")
		}
		if args[0].IsNull() {
			return expr.Null(), nil
		}
		return expr.Number(float64(len([]rune(args[0].Text())))), nil
	}

	if x.engine.evaluator.HasFunc(name) {
		return x.engine.evaluator.Call(name, args...)
	}
	return expr.Null(), fmt.Errorf("no such function: %s", e.Name)
}

// defaultExpr evaluates an expression default against the sibling values
// of its row.
func (x *executor) defaultExpr(args []expr.Value) (expr.Value, error) {
	if len(args) != 2 || args[0].Kind() != expr.StringKind || args[1].Kind() != expr.ObjectKind {
		return expr.Null(), fmt.Errorf("%s() takes an expression and an object", rewrite.DefaultExprFunc)
	}
	env := expr.Env{}
	for _, key := range args[1].Keys() {
		env[key], _ = args[1].Get(key)
	}
	value, err := x.engine.evaluator.Eval(args[0].AsString(), env)
	if err != nil {
		return expr.Null(), core.SchemaError("default expression", err)
	}
	return value, nil
}

func parseJSON(value expr.Value) (expr.Value, error) {
	if value.Kind() != expr.StringKind {
		return value, nil
	}
	parsed, err := expr.FromJSON([]byte(value.AsString()))
	if err != nil {
		return expr.Null(), fmt.Errorf("malformed JSON: %w", err)
	}
	return parsed, nil
}

// documentOf returns the JSON text of a document argument. Strings are taken
// as JSON text.
func documentOf(value expr.Value) ([]byte, error) {
	switch value.Kind() {
	case expr.NullKind:
		return nil, nil
	case expr.ObjectKind, expr.ArrayKind:
		return []byte(value.String()), nil
	case expr.StringKind:
		if !gjson.Valid(value.AsString()) {
			return nil, fmt.Errorf("malformed JSON")
		}
		return []byte(value.AsString()), nil
	}
	return nil, fmt.Errorf("%s is not a JSON document", value)
}

// gjsonPath converts a "$.a.b" path into gjson syntax. The root path is
// returned as "".
func gjsonPath(path expr.Value) (string, error) {
	segments, err := core.ParseJSONPath(path.Text())
	if err != nil {
		return "", err
	}
	return core.GJSONPath(segments...), nil
}

func extractJSON(data []byte, path expr.Value) (expr.Value, error) {
	if data == nil || path.IsNull() {
		return expr.Null(), nil
	}
	p, err := gjsonPath(path)
	if err != nil {
		return expr.Null(), err
	}
	if p == "" {
		return expr.FromJSON(data)
	}
	return fromGJSON(gjson.GetBytes(data, p))
}

func fromGJSON(result gjson.Result) (expr.Value, error) {
	switch result.Type {
	case gjson.False:
		return expr.Bool(false), nil
	case gjson.True:
		return expr.Bool(true), nil
	case gjson.Number:
		return expr.Number(result.Num), nil
	case gjson.String:
		return expr.String(result.Str), nil
	case gjson.JSON:
		return expr.FromJSON([]byte(result.Raw))
	default:
		return expr.Null(), nil
	}
}

func setJSON(args []expr.Value) (expr.Value, error) {
	if len(args) < 1 || len(args)%2 != 1 {
		return expr.Null(), fmt.Errorf("json_set() takes a document and path/value pairs")
	}
	data, err := documentOf(args[0])
	if err != nil || data == nil {
		return expr.Null(), err
	}
	for i := 1; i < len(args); i += 2 {
		p, err := gjsonPath(args[i])
		if err != nil {
			return expr.Null(), err
		}
		if p == "" {
			data = []byte(args[i+1].String())
			continue
		}
		data, err = sjson.SetRawBytes(data, p, []byte(args[i+1].String()))
		if err != nil {
			return expr.Null(), fmt.Errorf("json_set %s: %w", args[i].Text(), err)
		}
	}
	return expr.FromJSON(data)
}

func removeJSON(args []expr.Value) (expr.Value, error) {
	if len(args) < 1 {
		return expr.Null(), fmt.Errorf("json_remove() takes a document")
	}
	data, err := documentOf(args[0])
	if err != nil || data == nil {
		return expr.Null(), err
	}
	for _, path := range args[1:] {
		p, err := gjsonPath(path)
		if err != nil {
			return expr.Null(), err
		}
		if p == "" {
			return expr.Null(), nil
		}
		data, err = sjson.DeleteBytes(data, p)
		if err != nil {
			return expr.Null(), fmt.Errorf("json_remove %s: %w", path.Text(), err)
		}
	}
	return expr.FromJSON(data)
}

package db

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nickyhof/EntityDB/core"
	"github.com/nickyhof/EntityDB/expr"
	"github.com/nickyhof/EntityDB/op"
	"github.com/nickyhof/EntityDB/rewrite"
	"github.com/nickyhof/EntityDB/sql"
	"github.com/tidwall/gjson"
)

// executor runs one statement. Bare views inside it, subqueries included,
// resolve against versionID.
type executor struct {
	engine     *Engine
	params     []any
	versionID  string
	batches    []op.Batch
	subqueries map[string][]expr.Value
}

// selection is the outcome of a SELECT before rendering.
type selection struct {
	columns []string
	rows    [][]expr.Value
	scanned int
}

func (x *executor) run(statement sql.Statement) (Result, error) {
	startTime := time.Now()

	if stmt, ok := statement.(sql.SelectStatement); ok {
		sel, err := x.selectStatement(stmt)
		if err != nil {
			return nil, err
		}
		return queryResult(sel, time.Since(startTime).Seconds()), nil
	}

	routed, err := x.engine.route(statement, x.params, x.versionID)
	if err != nil {
		return nil, err
	}
	if routed.View == rewrite.HistoryView {
		return nil, core.SchemaError("execute "+routed.SchemaKey, ErrReadOnlyView)
	}
	if err := x.checkTarget(routed); err != nil {
		return nil, err
	}

	var mutations []op.Mutation
	switch stmt := routed.Statement.(type) {
	case sql.InsertStatement:
		mutations, err = x.insert(stmt)
	case sql.UpdateStatement:
		mutations, err = x.update(stmt)
	case sql.DeleteStatement:
		mutations, err = x.delete(stmt)
	default:
		return nil, fmt.Errorf("unsupported statement type: %v", statement.Type())
	}
	if err != nil {
		return nil, err
	}

	result := CommitResult{ExecutionOps: len(mutations)}
	for _, m := range mutations {
		if m.Snapshot == nil {
			result.RecordsDeleted++
		} else {
			result.RecordsWritten++
		}
	}
	if len(mutations) > 0 {
		batches, err := x.engine.apply(mutations)
		if err != nil {
			return nil, err
		}
		x.batches = append(x.batches, batches...)
		for _, batch := range batches {
			result.CommitIDs = append(result.CommitIDs, batch.CommitID)
		}
	}
	result.Transaction = x.engine.store.Persistence().LatestTransaction()
	result.ExecutionTimeSec = time.Since(startTime).Seconds()
	return result, nil
}

func (x *executor) checkTarget(routed rewrite.Result) error {
	if routed.Rewritten {
		return nil
	}
	table := tableName(routed.Statement)
	if !strings.EqualFold(table, rewrite.StateTable) {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return nil
}

func tableName(statement sql.Statement) string {
	switch stmt := statement.(type) {
	case sql.SelectStatement:
		return stmt.Table
	case sql.InsertStatement:
		return stmt.Table
	case sql.UpdateStatement:
		return stmt.Table
	case sql.DeleteStatement:
		return stmt.Table
	}
	return ""
}

// selectStatement routes a SELECT to the state table or a history view.
func (x *executor) selectStatement(stmt sql.SelectStatement) (selection, error) {
	routed, err := x.engine.route(stmt, x.params, x.versionID)
	if err != nil {
		return selection{}, err
	}
	if routed.View == rewrite.HistoryView {
		return x.history(routed.SchemaKey, stmt)
	}
	if err := x.checkTarget(routed); err != nil {
		return selection{}, err
	}
	canonical := routed.Statement.(sql.SelectStatement)

	states, err := x.source(canonical.Where)
	if err != nil {
		return selection{}, err
	}
	rows := make([]row, len(states))
	for i, state := range states {
		rows[i] = stateRow(state)
	}
	return x.project(canonical, rows, rewrite.StateColumns)
}

// source narrows the state scan by the schema_key and version_id equalities
// at the top level of where. The full predicate is still applied to every
// row.
func (x *executor) source(where sql.Expr) ([]core.CacheRow, error) {
	var schemaKey, versionID string
	for _, term := range conjuncts(where) {
		binary, ok := term.(sql.Binary)
		if !ok || binary.Op != "=" {
			continue
		}
		ref, value, ok := columnEquality(binary)
		if !ok {
			continue
		}
		constant, err := x.eval(value, newRow())
		if err != nil || constant.Kind() != expr.StringKind {
			continue
		}
		switch ref.Name {
		case "schema_key":
			schemaKey = constant.AsString()
		case "version_id":
			versionID = constant.AsString()
		}
	}

	store := x.engine.store
	if versionID == "" {
		return store.ScanAll(schemaKey)
	}
	if _, ok := store.Log().Version(versionID); !ok {
		return nil, nil
	}
	return store.Scan(schemaKey, versionID)
}

func conjuncts(e sql.Expr) []sql.Expr {
	switch e := e.(type) {
	case nil:
		return nil
	case sql.Paren:
		return conjuncts(e.Inner)
	case sql.Binary:
		if e.Op == "AND" {
			return append(conjuncts(e.Left), conjuncts(e.Right)...)
		}
	}
	return []sql.Expr{e}
}

func columnEquality(binary sql.Binary) (sql.ColumnRef, sql.Expr, bool) {
	isConstant := func(e sql.Expr) bool {
		switch e.(type) {
		case sql.Literal, sql.Param:
			return true
		}
		return false
	}
	if ref, ok := binary.Left.(sql.ColumnRef); ok && isConstant(binary.Right) {
		return ref, binary.Right, true
	}
	if ref, ok := binary.Right.(sql.ColumnRef); ok && isConstant(binary.Left) {
		return ref, binary.Left, true
	}
	return sql.ColumnRef{}, nil, false
}

func (x *executor) matches(where sql.Expr, r row) (bool, error) {
	if where == nil {
		return true, nil
	}
	value, err := x.eval(where, r)
	if err != nil {
		return false, err
	}
	return value.Truthy(), nil
}

type projection struct {
	name string
	expr sql.Expr
}

func columnName(column sql.SelectColumn) string {
	if column.Alias != "" {
		return column.Alias
	}
	if ref, ok := column.Expr.(sql.ColumnRef); ok {
		return ref.Name
	}
	return column.Expr.String()
}

// project filters rows, evaluates the projection and applies DISTINCT,
// ORDER BY, OFFSET and LIMIT in that order.
func (x *executor) project(stmt sql.SelectStatement, rows []row, star []string) (selection, error) {
	var matched []row
	for _, r := range rows {
		ok, err := x.matches(stmt.Where, r)
		if err != nil {
			return selection{}, err
		}
		if ok {
			matched = append(matched, r)
		}
	}

	var projections []projection
	aggregate := false
	for _, column := range stmt.Columns {
		if column.Star {
			for _, name := range star {
				projections = append(projections, projection{name: name, expr: sql.Column(name)})
			}
			continue
		}
		if isAggregate(column.Expr) {
			aggregate = true
		}
		projections = append(projections, projection{name: columnName(column), expr: column.Expr})
	}

	sel := selection{scanned: len(rows)}
	for _, p := range projections {
		sel.columns = append(sel.columns, p.name)
	}

	if aggregate {
		values, err := x.aggregates(projections, matched)
		if err != nil {
			return selection{}, err
		}
		sel.rows = [][]expr.Value{values}
		return sel, nil
	}

	type output struct {
		values []expr.Value
		keys   []expr.Value
	}
	outputs := make([]output, 0, len(matched))
	seen := make(map[string]bool)
	for _, r := range matched {
		values := make([]expr.Value, len(projections))
		aliases := make(map[string]expr.Value, len(projections))
		for i, p := range projections {
			value, err := x.eval(p.expr, r)
			if err != nil {
				return selection{}, err
			}
			values[i] = value
			aliases[p.name] = value
		}

		if stmt.Distinct {
			key := distinctKey(values)
			if seen[key] {
				continue
			}
			seen[key] = true
		}

		var keys []expr.Value
		if len(stmt.OrderBy) > 0 {
			env := r.with(aliases)
			for _, order := range stmt.OrderBy {
				key, err := x.eval(order.Expr, env)
				if err != nil {
					return selection{}, err
				}
				keys = append(keys, key)
			}
		}
		outputs = append(outputs, output{values: values, keys: keys})
	}

	if len(stmt.OrderBy) > 0 {
		sort.SliceStable(outputs, func(i, j int) bool {
			for k, order := range stmt.OrderBy {
				cmp := orderValues(outputs[i].keys[k], outputs[j].keys[k])
				if cmp != 0 {
					if order.Descending {
						return cmp > 0
					}
					return cmp < 0
				}
			}
			return false
		})
	}

	if stmt.Offset > 0 {
		if stmt.Offset >= len(outputs) {
			outputs = nil
		} else {
			outputs = outputs[stmt.Offset:]
		}
	}
	if stmt.Limit > 0 && len(outputs) > stmt.Limit {
		outputs = outputs[:stmt.Limit]
	}

	for _, out := range outputs {
		sel.rows = append(sel.rows, out.values)
	}
	return sel, nil
}

func distinctKey(values []expr.Value) string {
	parts := make([]string, len(values))
	for i, value := range values {
		parts[i] = value.String()
	}
	return strings.Join(parts, "\x00")
}

// aggregates evaluates an aggregate projection into a single row. Plain
// columns take the value of the first matched row.
func (x *executor) aggregates(projections []projection, rows []row) ([]expr.Value, error) {
	values := make([]expr.Value, len(projections))
	for i, p := range projections {
		if call, ok := p.expr.(sql.FuncCall); ok && isAggregate(call) {
			value, err := x.aggregate(call, rows)
			if err != nil {
				return nil, err
			}
			values[i] = value
			continue
		}
		if len(rows) == 0 {
			values[i] = expr.Null()
			continue
		}
		value, err := x.eval(p.expr, rows[0])
		if err != nil {
			return nil, err
		}
		values[i] = value
	}
	return values, nil
}

func (x *executor) aggregate(call sql.FuncCall, rows []row) (expr.Value, error) {
	name := strings.ToLower(call.Name)
	if name == "count" && (call.Star || len(call.Args) == 0) {
		return expr.Number(float64(len(rows))), nil
	}
	if len(call.Args) != 1 {
		return expr.Null(), fmt.Errorf("%s() takes one argument", call.Name)
	}

	var values []expr.Value
	for _, r := range rows {
		value, err := x.eval(call.Args[0], r)
		if err != nil {
			return expr.Null(), err
		}
		if !value.IsNull() {
			values = append(values, value)
		}
	}

	switch name {
	case "count":
		return expr.Number(float64(len(values))), nil
	case "sum", "avg":
		if len(values) == 0 {
			return expr.Null(), nil
		}
		sum := 0.0
		for _, value := range values {
			n, ok := numberOf(value)
			if !ok {
				return expr.Null(), fmt.Errorf("%s() over non-numeric value %s", call.Name, value)
			}
			sum += n
		}
		if name == "avg" {
			return expr.Number(sum / float64(len(values))), nil
		}
		return expr.Number(sum), nil
	default:
		if len(values) == 0 {
			return expr.Null(), nil
		}
		best := values[0]
		for _, value := range values[1:] {
			cmp := compareValues(value, best)
			if (name == "min" && cmp < 0) || (name == "max" && cmp > 0) {
				best = value
			}
		}
		return best, nil
	}
}

// history serves <schema>_history from the change log: one row per change,
// oldest first, with the schema's properties read from each snapshot.
func (x *executor) history(schemaKey string, stmt sql.SelectStatement) (selection, error) {
	definition, _ := x.engine.store.Registry().Latest(schemaKey)
	changes := x.engine.store.Log().ChangesFor(schemaKey, "")

	star := append([]string(nil), definition.PropertyNames()...)
	columns := []string{"entity_id", "schema_key", "file_id", "plugin_key", "schema_version", "change_id", "created_at", "snapshot_content", "metadata"}
	for _, column := range columns {
		if !definition.HasProperty(column) {
			star = append(star, column)
		}
	}

	rows := make([]row, 0, len(changes))
	for _, change := range changes {
		r := newRow()
		r.values["entity_id"] = expr.String(change.EntityID)
		r.values["schema_key"] = expr.String(change.SchemaKey)
		r.values["file_id"] = expr.String(change.FileID)
		r.values["plugin_key"] = expr.String(change.PluginKey)
		r.values["schema_version"] = expr.String(change.SchemaVersion)
		r.values["change_id"] = expr.String(change.ID)
		r.values["created_at"] = timeValue(change.CreatedAt)
		r.raw["snapshot_content"] = nullableJSON(change.Snapshot)
		r.raw["metadata"] = nullableJSON(change.Metadata)
		for _, name := range definition.PropertyNames() {
			value := expr.Null()
			if change.Snapshot != nil {
				var err error
				value, err = fromGJSON(gjson.GetBytes(change.Snapshot, core.GJSONPath(name)))
				if err != nil {
					return selection{}, err
				}
			}
			r.values[name] = value
		}
		rows = append(rows, r)
	}
	return x.project(stmt, rows, star)
}

func (x *executor) insert(stmt sql.InsertStatement) ([]op.Mutation, error) {
	mutations := make([]op.Mutation, 0, len(stmt.Rows))
	for i, values := range stmt.Rows {
		if len(values) != len(stmt.Columns) {
			return nil, fmt.Errorf("row %d: %d values for %d columns", i+1, len(values), len(stmt.Columns))
		}
		var m op.Mutation
		hasSnapshot := false
		for j, column := range stmt.Columns {
			value, err := x.eval(values[j], newRow())
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i+1, err)
			}
			if column == "snapshot_content" {
				hasSnapshot = true
			}
			if err := assign(&m, column, value); err != nil {
				return nil, fmt.Errorf("row %d: %w", i+1, err)
			}
		}
		if m.VersionID == "" {
			return nil, core.SchemaError("insert", core.ErrMissingVersionID)
		}
		if m.SchemaKey == "" {
			return nil, core.SchemaError("insert", fmt.Errorf("missing required column schema_key"))
		}
		if !hasSnapshot {
			return nil, core.SchemaError("insert", fmt.Errorf("missing required column snapshot_content"))
		}
		mutations = append(mutations, m)
	}
	return mutations, nil
}

// assign sets one state column of a mutation.
func assign(m *op.Mutation, column string, value expr.Value) error {
	text := func() string {
		if value.IsNull() {
			return ""
		}
		return value.Text()
	}
	switch column {
	case "entity_id":
		m.EntityID = text()
	case "schema_key":
		m.SchemaKey = text()
	case "file_id":
		m.FileID = text()
	case "version_id":
		m.VersionID = text()
	case "plugin_key":
		m.PluginKey = text()
	case "schema_version":
		m.SchemaVersion = text()
	case "snapshot_content":
		snapshot, err := snapshotOf(value)
		if err != nil {
			return err
		}
		m.Snapshot = snapshot
	case "metadata":
		metadata, err := metadataOf(value)
		if err != nil {
			return err
		}
		m.Metadata = metadata
	case "untracked":
		m.Untracked = value.Truthy()
	default:
		return core.SchemaError("write "+rewrite.StateTable, fmt.Errorf("column %q is not writable", column))
	}
	return nil
}

// snapshotOf accepts an object or the JSON text of one. Null deletes.
func snapshotOf(value expr.Value) (json.RawMessage, error) {
	switch value.Kind() {
	case expr.NullKind:
		return nil, nil
	case expr.ObjectKind:
		return json.RawMessage(value.String()), nil
	case expr.StringKind:
		parsed, err := expr.FromJSON([]byte(value.AsString()))
		if err == nil && parsed.Kind() == expr.ObjectKind {
			return json.RawMessage(parsed.String()), nil
		}
	}
	return nil, core.SchemaError("write "+rewrite.StateTable, fmt.Errorf("%w: snapshot_content must be a JSON object", core.ErrInvalidSnapshot))
}

func metadataOf(value expr.Value) (json.RawMessage, error) {
	switch value.Kind() {
	case expr.NullKind:
		return nil, nil
	case expr.StringKind:
		if !gjson.Valid(value.AsString()) {
			return nil, core.SchemaError("write "+rewrite.StateTable, fmt.Errorf("metadata is not valid JSON"))
		}
		return json.RawMessage(value.AsString()), nil
	default:
		return json.RawMessage(value.String()), nil
	}
}

// matching returns the effective state rows selected by where.
func (x *executor) matching(where sql.Expr) ([]core.CacheRow, []row, error) {
	states, err := x.source(where)
	if err != nil {
		return nil, nil, err
	}
	var matchedStates []core.CacheRow
	var matchedRows []row
	for _, state := range states {
		r := stateRow(state)
		ok, err := x.matches(where, r)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			matchedStates = append(matchedStates, state)
			matchedRows = append(matchedRows, r)
		}
	}
	return matchedStates, matchedRows, nil
}

func mutationOf(state core.CacheRow) op.Mutation {
	return op.Mutation{
		EntityID:      state.EntityID,
		SchemaKey:     state.SchemaKey,
		SchemaVersion: state.SchemaVersion,
		FileID:        state.FileID,
		VersionID:     state.VersionID,
		PluginKey:     state.PluginKey,
		Snapshot:      state.Snapshot,
		Metadata:      state.Metadata,
		Untracked:     state.Untracked,
	}
}

var immutableColumns = map[string]bool{
	"entity_id":  true,
	"schema_key": true,
	"version_id": true,
}

// update writes a new snapshot for every matched row into the version it
// was read in. Rows inherited from an ancestor are copied into that
// version; the ancestor keeps its value. Moving a row to another file
// deletes it at the old key.
func (x *executor) update(stmt sql.UpdateStatement) ([]op.Mutation, error) {
	for _, set := range stmt.Updates {
		if immutableColumns[set.Column] {
			return nil, core.SchemaError("update "+rewrite.StateTable, fmt.Errorf("column %q cannot be updated", set.Column))
		}
	}

	states, rows, err := x.matching(stmt.Where)
	if err != nil {
		return nil, err
	}

	var mutations []op.Mutation
	for i, state := range states {
		m := mutationOf(state)
		for _, set := range stmt.Updates {
			value, err := x.eval(set.Value, rows[i])
			if err != nil {
				return nil, err
			}
			if err := assign(&m, set.Column, value); err != nil {
				return nil, err
			}
		}
		if m.FileID != state.FileID {
			removed := mutationOf(state)
			removed.Snapshot = nil
			mutations = append(mutations, removed)
		}
		mutations = append(mutations, m)
	}
	return mutations, nil
}

// delete removes every matched row from the version it was read in. A row
// inherited from an ancestor becomes a tombstone in that version, and an
// untracked row of the version itself is dropped from the overlay.
func (x *executor) delete(stmt sql.DeleteStatement) ([]op.Mutation, error) {
	states, _, err := x.matching(stmt.Where)
	if err != nil {
		return nil, err
	}
	mutations := make([]op.Mutation, 0, len(states))
	for _, state := range states {
		m := mutationOf(state)
		m.Snapshot = nil
		m.Metadata = nil
		if state.InheritedFromVersionID != "" {
			m.Untracked = false
		}
		mutations = append(mutations, m)
	}
	return mutations, nil
}

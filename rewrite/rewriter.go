package rewrite

import (
	"fmt"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nickyhof/EntityDB/core"
	"github.com/nickyhof/EntityDB/expr"
	"github.com/nickyhof/EntityDB/schema"
	"github.com/nickyhof/EntityDB/sql"
)

// StateTable is the canonical table every entity view rewrites to.
const StateTable = "state_all"

// DefaultExprFunc evaluates an expression default at execution time. It
// takes the expression source and a JSON object of the sibling values the
// expression reads.
const DefaultExprFunc = "entitydb_default_expr"

const (
	AllSuffix     = "_all"
	HistorySuffix = "_history"
)

// CanonicalColumns are the writable columns of the state table, in the
// order a rewritten INSERT lists them.
var CanonicalColumns = []string{
	"entity_id",
	"schema_key",
	"file_id",
	"version_id",
	"plugin_key",
	"snapshot_content",
	"schema_version",
	"metadata",
	"untracked",
}

// StateColumns are every readable column of the state table.
var StateColumns = append(append([]string(nil), CanonicalColumns...),
	"change_id",
	"commit_id",
	"created_at",
	"updated_at",
	"inherited_from_version_id",
)

// metadataColumns may be set through a view when no property shadows them.
var metadataColumns = map[string]bool{
	"file_id":    true,
	"plugin_key": true,
	"version_id": true,
	"metadata":   true,
	"untracked":  true,
}

type ViewKind int

const (
	// NotAView is a statement the rewriter leaves alone.
	NotAView ViewKind = iota
	// BareView is scoped to the active version.
	BareView
	// AllView spans every version; writes need an explicit version.
	AllView
	// HistoryView is read-only and passed through.
	HistoryView
)

type Options struct {
	ActiveVersionID string
}

// Result is the outcome of a rewrite. When Rewritten is false, SQL and
// Params are the input unchanged.
type Result struct {
	SQL       string
	Params    []any
	Statement sql.Statement
	Rewritten bool
	SchemaKey string
	View      ViewKind
}

type parsed struct {
	statement sql.Statement
	err       error
}

// Rewriter turns statements against entity views into statements against
// the state table.
type Rewriter struct {
	registry  *schema.Registry
	evaluator *expr.Evaluator
	parsed    *lru.Cache[string, parsed]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a rewriter memoizing up to cacheSize parsed statements. A nil
// evaluator makes any rewrite needing an expression or function default
// fail.
func New(registry *schema.Registry, evaluator *expr.Evaluator, cacheSize int) (*Rewriter, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, parsed](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create statement cache: %w", err)
	}
	return &Rewriter{registry: registry, evaluator: evaluator, parsed: cache}, nil
}

// Parse returns the memoized parse of text.
func (r *Rewriter) Parse(text string) (sql.Statement, error) {
	if entry, ok := r.parsed.Get(text); ok {
		r.hits.Add(1)
		return entry.statement, entry.err
	}
	r.misses.Add(1)
	statement, err := sql.Parse(text)
	r.parsed.Add(text, parsed{statement: statement, err: err})
	return statement, err
}

// Stats returns the parse cache hits and misses so far.
func (r *Rewriter) Stats() (hits, misses uint64) {
	return r.hits.Load(), r.misses.Load()
}

// Resolve classifies a table name. An exact schema key wins over a suffix.
func (r *Rewriter) Resolve(table string) (core.Schema, ViewKind, bool) {
	if s, ok := r.registry.Latest(table); ok {
		return s, BareView, true
	}
	if key, ok := strings.CutSuffix(table, AllSuffix); ok {
		if s, ok := r.registry.Latest(key); ok {
			return s, AllView, true
		}
	}
	if key, ok := strings.CutSuffix(table, HistorySuffix); ok {
		if s, ok := r.registry.Latest(key); ok {
			return s, HistoryView, true
		}
	}
	return core.Schema{}, NotAView, false
}

// Rewrite rewrites a statement against an entity view. Statements that do
// not parse, or that target anything but a bare or _all view, come back
// unchanged. Parameters keep their positions: the rewritten statement binds
// the same params slice.
func (r *Rewriter) Rewrite(text string, params []any, opts Options) (Result, error) {
	unchanged := Result{SQL: text, Params: params}

	statement, err := r.Parse(text)
	if err != nil {
		return unchanged, nil
	}
	result, err := r.RewriteStatement(statement, params, opts)
	if err != nil {
		return Result{}, err
	}
	if !result.Rewritten {
		result.SQL = text
	}
	return result, nil
}

// RewriteStatement rewrites an already parsed statement. Subqueries reach
// the rewriter this way so that their parameters keep the indexes of the
// enclosing statement.
func (r *Rewriter) RewriteStatement(statement sql.Statement, params []any, opts Options) (Result, error) {
	unchanged := Result{SQL: statement.String(), Params: params, Statement: statement}

	target := tableOf(statement)
	s, kind, ok := r.Resolve(target)
	if !ok {
		return unchanged, nil
	}
	unchanged.SchemaKey = s.Key
	unchanged.View = kind
	if kind == HistoryView {
		return unchanged, nil
	}

	view := &view{schema: s, kind: kind, opts: opts, params: params, rewriter: r}
	var out sql.Statement
	var err error
	switch stmt := statement.(type) {
	case sql.InsertStatement:
		out, err = view.insert(stmt)
	case sql.SelectStatement:
		out, err = view.selectStatement(stmt)
	case sql.UpdateStatement:
		out, err = view.update(stmt)
	case sql.DeleteStatement:
		out, err = view.delete(stmt)
	default:
		return unchanged, nil
	}
	if err != nil {
		return Result{}, err
	}

	return Result{
		SQL:       out.String(),
		Params:    params,
		Statement: out,
		Rewritten: true,
		SchemaKey: s.Key,
		View:      kind,
	}, nil
}

func tableOf(statement sql.Statement) string {
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

// view carries the state of one rewrite.
type view struct {
	schema   core.Schema
	kind     ViewKind
	opts     Options
	params   []any
	rewriter *Rewriter
}

// isMetadata reports whether a view column addresses a state column rather
// than a snapshot property. Properties shadow state columns.
func (v *view) isMetadata(column string) bool {
	return metadataColumns[column] && !v.schema.HasProperty(column)
}

// scope returns the predicates limiting a statement to the view's rows.
func (v *view) scope() (sql.Expr, error) {
	predicate := sql.Expr(sql.Eq(sql.Column("schema_key"), sql.NewString(v.schema.Key)))
	if v.kind != BareView {
		return predicate, nil
	}
	versionID, err := v.bareVersion()
	if err != nil {
		return nil, err
	}
	return sql.AndAll(predicate, sql.Eq(sql.Column("version_id"), sql.NewString(versionID))), nil
}

// bareVersion is the version a bare view reads and writes: the schema
// override, else the active version.
func (v *view) bareVersion() (string, error) {
	if v.schema.VersionID != "" {
		return v.schema.VersionID, nil
	}
	if v.opts.ActiveVersionID == "" {
		return "", core.SchemaError("rewrite "+v.schema.Key, fmt.Errorf("%w: no active version", core.ErrMissingVersionID))
	}
	return v.opts.ActiveVersionID, nil
}

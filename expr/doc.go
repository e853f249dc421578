// Package expr is a small sandboxed expression language used for schema
// default values.
//
// Expressions operate on JSON-shaped values (null, bool, number, string,
// array, object) and may only call functions registered with the evaluator:
//
//	evaluator := expr.NewEvaluator()
//	slug, err := evaluator.Eval("id + '-slug'", expr.Env{"id": expr.String("a")})
//
// Built-in functions: uuid_v7, uuid_v4, nano_id, timestamp, lower, upper,
// string, size and concat.
package expr

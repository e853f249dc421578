package expr

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Func is an allow-listed function callable from expressions.
type Func func(args []Value) (Value, error)

// Env holds the variables visible to an expression.
type Env map[string]Value

var ErrUnknownFunction = errors.New("unknown function")

// Evaluator evaluates expressions against an allow-listed function table.
// There is no way to reach host code other than through the table.
type Evaluator struct {
	funcs map[string]Func
	now   func() time.Time
}

type Option func(*Evaluator)

// WithClock replaces the clock used by timestamp().
func WithClock(now func() time.Time) Option {
	return func(evaluator *Evaluator) {
		evaluator.now = now
	}
}

// WithFunc registers an extra function.
func WithFunc(name string, fn Func) Option {
	return func(evaluator *Evaluator) {
		evaluator.funcs[name] = fn
	}
}

func NewEvaluator(opts ...Option) *Evaluator {
	evaluator := &Evaluator{funcs: map[string]Func{}, now: time.Now}
	evaluator.funcs["uuid_v7"] = func([]Value) (Value, error) {
		id, err := uuid.NewV7()
		if err != nil {
			return Null(), err
		}
		return String(id.String()), nil
	}
	evaluator.funcs["uuid_v4"] = func([]Value) (Value, error) {
		return String(uuid.NewString()), nil
	}
	evaluator.funcs["nano_id"] = nanoID
	evaluator.funcs["timestamp"] = func([]Value) (Value, error) {
		return String(evaluator.now().UTC().Format(time.RFC3339Nano)), nil
	}
	evaluator.funcs["lower"] = stringFunc("lower", strings.ToLower)
	evaluator.funcs["upper"] = stringFunc("upper", strings.ToUpper)
	evaluator.funcs["string"] = func(args []Value) (Value, error) {
		if len(args) != 1 {
			return Null(), errors.New("string() takes one argument")
		}
		return String(args[0].Text()), nil
	}
	evaluator.funcs["size"] = func(args []Value) (Value, error) {
		if len(args) != 1 {
			return Null(), errors.New("size() takes one argument")
		}
		return Number(float64(args[0].Len())), nil
	}
	evaluator.funcs["concat"] = func(args []Value) (Value, error) {
		var sb strings.Builder
		for _, arg := range args {
			sb.WriteString(arg.Text())
		}
		return String(sb.String()), nil
	}
	for _, opt := range opts {
		opt(evaluator)
	}
	return evaluator
}

// HasFunc reports whether name is in the function table.
func (evaluator *Evaluator) HasFunc(name string) bool {
	_, ok := evaluator.funcs[name]
	return ok
}

// Call invokes a function of the table directly.
func (evaluator *Evaluator) Call(name string, args ...Value) (Value, error) {
	fn, ok := evaluator.funcs[name]
	if !ok {
		return Null(), fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	return fn(args)
}

// Eval parses and evaluates source against env.
func (evaluator *Evaluator) Eval(source string, env Env) (Value, error) {
	node, err := Parse(source)
	if err != nil {
		return Null(), fmt.Errorf("parse %q: %w", source, err)
	}
	return evaluator.EvalNode(node, env)
}

func (evaluator *Evaluator) EvalNode(node Node, env Env) (Value, error) {
	switch n := node.(type) {
	case Literal:
		return n.Value, nil
	case Ident:
		value, ok := env[n.Name]
		if !ok {
			return Null(), fmt.Errorf("undeclared reference to %q", n.Name)
		}
		return value, nil
	case Member:
		target, err := evaluator.EvalNode(n.Target, env)
		if err != nil {
			return Null(), err
		}
		field, ok := target.Get(n.Field)
		if !ok {
			return Null(), fmt.Errorf("no such key: %s", n.Field)
		}
		return field, nil
	case Index:
		return evaluator.evalIndex(n, env)
	case Call:
		args := make([]Value, 0, len(n.Args))
		for _, arg := range n.Args {
			value, err := evaluator.EvalNode(arg, env)
			if err != nil {
				return Null(), err
			}
			args = append(args, value)
		}
		return evaluator.Call(n.Name, args...)
	case Unary:
		operand, err := evaluator.EvalNode(n.Operand, env)
		if err != nil {
			return Null(), err
		}
		if n.Op == "!" {
			return Bool(!operand.Truthy()), nil
		}
		if operand.Kind() != NumberKind {
			return Null(), fmt.Errorf("cannot negate %s", operand.Kind())
		}
		return Number(-operand.AsNumber()), nil
	case Binary:
		return evaluator.evalBinary(n, env)
	case Conditional:
		cond, err := evaluator.EvalNode(n.Cond, env)
		if err != nil {
			return Null(), err
		}
		if cond.Truthy() {
			return evaluator.EvalNode(n.Then, env)
		}
		return evaluator.EvalNode(n.Else, env)
	case List:
		items := make([]Value, 0, len(n.Items))
		for _, item := range n.Items {
			value, err := evaluator.EvalNode(item, env)
			if err != nil {
				return Null(), err
			}
			items = append(items, value)
		}
		return Array(items...), nil
	case MapLiteral:
		fields := make([]Field, 0, len(n.Keys))
		for i := range n.Keys {
			key, err := evaluator.EvalNode(n.Keys[i], env)
			if err != nil {
				return Null(), err
			}
			value, err := evaluator.EvalNode(n.Values[i], env)
			if err != nil {
				return Null(), err
			}
			fields = append(fields, Field{Key: key.Text(), Value: value})
		}
		return Object(fields...), nil
	}
	return Null(), fmt.Errorf("unsupported expression %T", node)
}

func (evaluator *Evaluator) evalIndex(n Index, env Env) (Value, error) {
	target, err := evaluator.EvalNode(n.Target, env)
	if err != nil {
		return Null(), err
	}
	index, err := evaluator.EvalNode(n.Index, env)
	if err != nil {
		return Null(), err
	}
	switch target.Kind() {
	case ArrayKind:
		if index.Kind() != NumberKind {
			return Null(), errors.New("array index must be a number")
		}
		i := int(index.AsNumber())
		if i < 0 || i >= len(target.Items()) {
			return Null(), fmt.Errorf("index %d out of range", i)
		}
		return target.Items()[i], nil
	case ObjectKind:
		field, ok := target.Get(index.Text())
		if !ok {
			return Null(), fmt.Errorf("no such key: %s", index.Text())
		}
		return field, nil
	}
	return Null(), fmt.Errorf("cannot index %s", target.Kind())
}

func (evaluator *Evaluator) evalBinary(n Binary, env Env) (Value, error) {
	left, err := evaluator.EvalNode(n.Left, env)
	if err != nil {
		return Null(), err
	}
	switch n.Op {
	case "&&":
		if !left.Truthy() {
			return Bool(false), nil
		}
		right, err := evaluator.EvalNode(n.Right, env)
		if err != nil {
			return Null(), err
		}
		return Bool(right.Truthy()), nil
	case "||":
		if left.Truthy() {
			return Bool(true), nil
		}
		right, err := evaluator.EvalNode(n.Right, env)
		if err != nil {
			return Null(), err
		}
		return Bool(right.Truthy()), nil
	}

	right, err := evaluator.EvalNode(n.Right, env)
	if err != nil {
		return Null(), err
	}
	switch n.Op {
	case "==":
		return Bool(left.Equal(right)), nil
	case "!=":
		return Bool(!left.Equal(right)), nil
	case "<", "<=", ">", ">=":
		cmp, ok := left.Compare(right)
		if !ok {
			return Null(), fmt.Errorf("cannot compare %s and %s", left.Kind(), right.Kind())
		}
		switch n.Op {
		case "<":
			return Bool(cmp < 0), nil
		case "<=":
			return Bool(cmp <= 0), nil
		case ">":
			return Bool(cmp > 0), nil
		default:
			return Bool(cmp >= 0), nil
		}
	case "+":
		if left.Kind() == StringKind || right.Kind() == StringKind {
			return String(left.Text() + right.Text()), nil
		}
		if left.Kind() == ArrayKind && right.Kind() == ArrayKind {
			items := append(append([]Value{}, left.Items()...), right.Items()...)
			return Array(items...), nil
		}
	}

	if left.Kind() != NumberKind || right.Kind() != NumberKind {
		return Null(), fmt.Errorf("operator %s not defined for %s and %s", n.Op, left.Kind(), right.Kind())
	}
	a, b := left.AsNumber(), right.AsNumber()
	switch n.Op {
	case "+":
		return Number(a + b), nil
	case "-":
		return Number(a - b), nil
	case "*":
		return Number(a * b), nil
	case "/":
		if b == 0 {
			return Null(), errors.New("division by zero")
		}
		return Number(a / b), nil
	case "%":
		if b == 0 {
			return Null(), errors.New("modulus by zero")
		}
		return Number(math.Mod(a, b)), nil
	}
	return Null(), fmt.Errorf("unknown operator %s", n.Op)
}

func stringFunc(name string, fn func(string) string) Func {
	return func(args []Value) (Value, error) {
		if len(args) != 1 {
			return Null(), fmt.Errorf("%s() takes one argument", name)
		}
		return String(fn(args[0].Text())), nil
	}
}

const nanoAlphabet = "useandom-26T198340PX75pxJACKVERYMINDBUSHWOLF_GQZbfghjklqvwyzrict"

// nanoID returns a 21 character url-safe id, or one of the requested size.
func nanoID(args []Value) (Value, error) {
	size := 21
	if len(args) > 0 && args[0].Kind() == NumberKind {
		size = int(args[0].AsNumber())
	}
	if size <= 0 {
		return Null(), errors.New("nano_id size must be positive")
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return Null(), err
	}
	for i := range buf {
		buf[i] = nanoAlphabet[buf[i]&63]
	}
	return String(string(buf)), nil
}

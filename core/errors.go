package core

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	// KindSchema covers unresolved primary keys, missing metadata columns and
	// invalid schema definitions. The statement is rejected as a whole.
	KindSchema ErrorKind = iota
	// KindIntegrity covers key, reference and uniqueness violations.
	KindIntegrity
	KindNotFound
	// KindStale marks a cache read that requires a rebuild first.
	KindStale
)

func (kind ErrorKind) String() string {
	switch kind {
	case KindSchema:
		return "schema"
	case KindIntegrity:
		return "integrity"
	case KindNotFound:
		return "not found"
	case KindStale:
		return "stale"
	default:
		return "unknown"
	}
}

var (
	ErrDuplicateElement        = errors.New("change set already contains an element for this entity")
	ErrDuplicateEntity         = errors.New("entity already exists")
	ErrSelfEdge                = errors.New("edge cannot reference itself")
	ErrDanglingReference       = errors.New("referenced row does not exist")
	ErrUnresolvedPrimaryKey    = errors.New("primary key could not be resolved")
	ErrMissingVersionID        = errors.New("missing required column version_id")
	ErrEvaluatorNotInitialized = errors.New("default expression evaluator not initialized")
	ErrSchemaExists            = errors.New("schema version already defined differently")
	ErrInvalidSchema           = errors.New("invalid schema")
	ErrInvalidSnapshot         = errors.New("snapshot does not match schema")
	ErrStaleCache              = errors.New("state cache is stale")
)

// Error carries the taxonomy kind of a failure together with the operation
// that produced it.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func SchemaError(op string, err error) error {
	return &Error{Kind: KindSchema, Op: op, Err: err}
}

func IntegrityError(op string, err error) error {
	return &Error{Kind: KindIntegrity, Op: op, Err: err}
}

func NotFoundError(op string, err error) error {
	return &Error{Kind: KindNotFound, Op: op, Err: err}
}

// KindOf returns the taxonomy kind of err, if it carries one.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

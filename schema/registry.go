package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/nickyhof/EntityDB/core"
	"github.com/nickyhof/EntityDB/expr"
	"github.com/tidwall/gjson"
)

// Registry tracks every stored schema version, keyed by schema key.
// A (key, version) pair is immutable once registered.
type Registry struct {
	mu sync.RWMutex
	// key -> version -> schema
	schemas map[string]map[string]core.Schema
}

func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]map[string]core.Schema)}
}

// Register validates and stores a schema. Registering an identical
// definition again is a no-op and reports added == false.
func (r *Registry) Register(s core.Schema) (added bool, err error) {
	if err := Validate(s); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.schemas[s.Key]
	if !ok {
		versions = make(map[string]core.Schema)
		r.schemas[s.Key] = versions
	}
	if existing, ok := versions[s.Version]; ok {
		if equal(existing, s) {
			return false, nil
		}
		return false, core.SchemaError("register schema", fmt.Errorf("%w: %s@%s", core.ErrSchemaExists, s.Key, s.Version))
	}
	versions[s.Version] = s
	return true, nil
}

// Remove drops one schema version.
func (r *Registry) Remove(key, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schemas[key], version)
	if len(r.schemas[key]) == 0 {
		delete(r.schemas, key)
	}
}

// Get retrieves one schema version.
func (r *Registry) Get(key, version string) (core.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[key][version]
	return s, ok
}

// Latest returns the highest version of a schema key.
func (r *Registry) Latest(key string) (core.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.schemas[key]
	if !ok || len(versions) == 0 {
		return core.Schema{}, false
	}
	var latest core.Schema
	first := true
	for _, s := range versions {
		if first || CompareVersions(s.Version, latest.Version) > 0 {
			latest = s
			first = false
		}
	}
	return latest, true
}

// Keys returns all schema keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.schemas))
	for key := range r.schemas {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Versions returns the versions stored for key, lowest first.
func (r *Registry) Versions(key string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := make([]string, 0, len(r.schemas[key]))
	for version := range r.schemas[key] {
		versions = append(versions, version)
	}
	sort.Slice(versions, func(i, j int) bool {
		return CompareVersions(versions[i], versions[j]) < 0
	})
	return versions
}

// All returns every stored schema ordered by key then version.
func (r *Registry) All() []core.Schema {
	var all []core.Schema
	for _, key := range r.Keys() {
		for _, version := range r.Versions(key) {
			s, _ := r.Get(key, version)
			all = append(all, s)
		}
	}
	return all
}

// CompareVersions compares dot separated version strings numerically where
// possible ("1.10" > "1.9"), falling back to string order per segment.
func CompareVersions(a, b string) int {
	left := strings.Split(a, ".")
	right := strings.Split(b, ".")
	for i := 0; i < len(left) || i < len(right); i++ {
		var l, r string
		if i < len(left) {
			l = left[i]
		}
		if i < len(right) {
			r = right[i]
		}
		ln, lerr := strconv.Atoi(l)
		rn, rerr := strconv.Atoi(r)
		if lerr == nil && rerr == nil {
			if ln != rn {
				if ln < rn {
					return -1
				}
				return 1
			}
			continue
		}
		if c := strings.Compare(l, r); c != 0 {
			return c
		}
	}
	return 0
}

func equal(a, b core.Schema) bool {
	left, _ := json.Marshal(a)
	right, _ := json.Marshal(b)
	return bytes.Equal(left, right)
}

// Validate checks the structural rules of a schema definition.
func Validate(s core.Schema) error {
	invalid := func(format string, args ...any) error {
		return core.SchemaError("validate schema", fmt.Errorf("%w: %s", core.ErrInvalidSchema, fmt.Sprintf(format, args...)))
	}

	if s.Key == "" {
		return invalid("missing x-key")
	}
	if strings.ContainsAny(s.Key, " .\"'`") {
		return invalid("schema key %q contains reserved characters", s.Key)
	}
	if s.Version == "" {
		return invalid("%s: missing x-version", s.Key)
	}
	if len(s.Properties) == 0 {
		return invalid("%s: no properties", s.Key)
	}
	if len(s.PrimaryKey) == 0 {
		return invalid("%s: missing x-primary-key", s.Key)
	}
	for _, path := range s.KeyPaths() {
		prop, ok := s.Properties[path.Column]
		if !ok {
			return invalid("%s: primary key %s references unknown property %q", s.Key, path.Pointer, path.Column)
		}
		if path.IsPointer() && prop.Type != core.ObjectType {
			return invalid("%s: primary key %s points into non-object property %q", s.Key, path.Pointer, path.Column)
		}
	}
	if len(s.KeyPaths()) != len(s.PrimaryKey) {
		return invalid("%s: empty primary key pointer", s.Key)
	}
	for _, name := range s.Required {
		if !s.HasProperty(name) {
			return invalid("%s: required property %q is not declared", s.Key, name)
		}
	}
	for _, name := range s.PropertyNames() {
		prop := s.Properties[name]
		switch prop.Type {
		case core.AnyType, core.StringType, core.NumberType, core.IntegerType, core.BooleanType, core.ObjectType, core.ArrayType:
		default:
			return invalid("%s.%s: unknown type %q", s.Key, name, prop.Type)
		}
		if len(prop.Default) > 0 && !json.Valid(prop.Default) {
			return invalid("%s.%s: default is not valid JSON", s.Key, name)
		}
		if prop.DefaultExpr != "" {
			if _, err := expr.Parse(prop.DefaultExpr); err != nil {
				return invalid("%s.%s: default expression: %v", s.Key, name, err)
			}
		}
	}
	return nil
}

// ValidateSnapshot checks a snapshot against the property types and required
// list of s. Undeclared properties are allowed.
func ValidateSnapshot(s core.Schema, snapshot []byte) error {
	invalid := func(format string, args ...any) error {
		return core.SchemaError("validate snapshot", fmt.Errorf("%w: %s: %s", core.ErrInvalidSnapshot, s.Key, fmt.Sprintf(format, args...)))
	}

	if !gjson.ValidBytes(snapshot) {
		return invalid("not valid JSON")
	}
	doc := gjson.ParseBytes(snapshot)
	if !doc.IsObject() {
		return invalid("snapshot must be an object")
	}

	for _, name := range s.Required {
		if !doc.Get(core.GJSONPath(name)).Exists() {
			return invalid("missing required property %q", name)
		}
	}
	for _, name := range s.PropertyNames() {
		prop := s.Properties[name]
		value := doc.Get(core.GJSONPath(name))
		if !value.Exists() {
			continue
		}
		if value.Type == gjson.Null {
			if prop.Nullable || !isRequired(s, name) {
				continue
			}
			return invalid("property %q is not nullable", name)
		}
		if !matchesType(prop.Type, value) {
			return invalid("property %q must be of type %s", name, prop.Type)
		}
	}
	return nil
}

func isRequired(s core.Schema, name string) bool {
	for _, required := range s.Required {
		if required == name {
			return true
		}
	}
	return false
}

func matchesType(typ core.PropertyType, value gjson.Result) bool {
	switch typ {
	case core.AnyType:
		return true
	case core.StringType:
		return value.Type == gjson.String
	case core.NumberType:
		return value.Type == gjson.Number
	case core.IntegerType:
		return value.Type == gjson.Number && value.Num == math.Trunc(value.Num)
	case core.BooleanType:
		return value.Type == gjson.True || value.Type == gjson.False
	case core.ObjectType:
		return value.IsObject()
	case core.ArrayType:
		return value.IsArray()
	}
	return false
}

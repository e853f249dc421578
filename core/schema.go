package core

import (
	"encoding/json"
	"sort"
	"strings"
)

type PropertyType string

const (
	// AnyType accepts every JSON value.
	AnyType     PropertyType = ""
	StringType  PropertyType = "string"
	NumberType  PropertyType = "number"
	IntegerType PropertyType = "integer"
	BooleanType PropertyType = "boolean"
	ObjectType  PropertyType = "object"
	ArrayType   PropertyType = "array"
)

// Property describes one field of an entity snapshot.
//
// Default holds a literal JSON default. DefaultExpr is an expression evaluated
// against the other values of the row being written. DefaultFn names a
// generator function (for example "uuid_v7" or "timestamp").
type Property struct {
	Type        PropertyType    `json:"type,omitempty"`
	Nullable    bool            `json:"nullable,omitempty"`
	Default     json.RawMessage `json:"default,omitempty"`
	DefaultExpr string          `json:"x-default-expr,omitempty"`
	DefaultFn   string          `json:"x-default-fn,omitempty"`
}

// HasDefault reports whether the property declares any kind of default.
func (p Property) HasDefault() bool {
	return len(p.Default) > 0 || p.DefaultExpr != "" || p.DefaultFn != ""
}

type Schema struct {
	Key        string              `json:"x-key"`
	Version    string              `json:"x-version"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
	// PrimaryKey lists JSON pointers into the snapshot, e.g. "/id" or "/meta/slug".
	PrimaryKey []string `json:"x-primary-key"`

	// Schema-level overrides for the metadata columns of the state store.
	VersionID string `json:"x-version-id,omitempty"`
	FileID    string `json:"x-file-id,omitempty"`
	PluginKey string `json:"x-plugin-key,omitempty"`
}

// PropertyNames returns the property names in a stable (sorted) order.
func (s Schema) PropertyNames() []string {
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasProperty reports whether name is a declared property.
func (s Schema) HasProperty(name string) bool {
	_, ok := s.Properties[name]
	return ok
}

// KeyPath is a parsed primary key pointer.
type KeyPath struct {
	Pointer string
	// Column is the top-level property the pointer starts at.
	Column string
	// Path holds the remaining segments below Column. Empty for plain keys.
	Path []string
}

// IsPointer reports whether the key addresses into a nested field.
func (k KeyPath) IsPointer() bool {
	return len(k.Path) > 0
}

// JSONPath renders the nested segments as a "$.a.b" path.
func (k KeyPath) JSONPath() string {
	return JSONPathOf(k.Path...)
}

// KeyPaths parses the primary key pointers of the schema.
func (s Schema) KeyPaths() []KeyPath {
	paths := make([]KeyPath, 0, len(s.PrimaryKey))
	for _, pointer := range s.PrimaryKey {
		segments := ParsePointer(pointer)
		if len(segments) == 0 {
			continue
		}
		paths = append(paths, KeyPath{
			Pointer: pointer,
			Column:  segments[0],
			Path:    segments[1:],
		})
	}
	return paths
}

// ParsePointer splits a JSON pointer ("/a/b") into unescaped segments.
func ParsePointer(pointer string) []string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return nil
	}
	parts := strings.Split(pointer, "/")
	for i, part := range parts {
		part = strings.ReplaceAll(part, "~1", "/")
		parts[i] = strings.ReplaceAll(part, "~0", "~")
	}
	return parts
}

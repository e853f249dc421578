package op

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/nickyhof/EntityDB/core"
	"github.com/tidwall/gjson"
)

// EntityOp is a handle on the entities of one schema in one version.
type EntityOp struct {
	Schema    core.Schema
	VersionID string
	Store     *Store
}

func GetEntities(schemaKey, versionID string, store *Store) (*EntityOp, error) {
	definition, ok := store.Registry().Latest(schemaKey)
	if !ok {
		return nil, core.NotFoundError("get entities", fmt.Errorf("schema %q", schemaKey))
	}
	if definition.VersionID != "" {
		versionID = definition.VersionID
	}
	if _, ok := store.Version(versionID); !ok {
		return nil, core.NotFoundError("get entities", fmt.Errorf("version %q", versionID))
	}
	return &EntityOp{Schema: definition, VersionID: versionID, Store: store}, nil
}

// EntityID derives the entity id of a snapshot from the schema's primary
// key. Composite keys are joined with the key separator.
func EntityID(definition core.Schema, snapshot []byte) (string, error) {
	paths := definition.KeyPaths()
	if len(paths) == 0 {
		return "", core.SchemaError("entity id", fmt.Errorf("%w: %s has no primary key", core.ErrUnresolvedPrimaryKey, definition.Key))
	}
	parts := make([]string, 0, len(paths))
	for _, path := range paths {
		segments := append([]string{path.Column}, path.Path...)
		value := gjson.GetBytes(snapshot, core.GJSONPath(segments...))
		if !value.Exists() || value.Type == gjson.Null {
			return "", core.SchemaError("entity id", fmt.Errorf("%w: no value at %s", core.ErrUnresolvedPrimaryKey, path.Pointer))
		}
		parts = append(parts, value.String())
	}
	return core.JoinKey(parts...), nil
}

func (op *EntityOp) key(entityID string) core.StateKey {
	fileID := op.Schema.FileID
	if fileID == "" {
		fileID = core.DefaultFileID
	}
	return core.StateKey{EntityID: entityID, SchemaKey: op.Schema.Key, FileID: fileID}
}

func (op *EntityOp) mutation(entityID string, snapshot json.RawMessage) Mutation {
	key := op.key(entityID)
	return Mutation{
		EntityID:      key.EntityID,
		SchemaKey:     key.SchemaKey,
		SchemaVersion: op.Schema.Version,
		FileID:        key.FileID,
		VersionID:     op.VersionID,
		PluginKey:     op.Schema.PluginKey,
		Snapshot:      snapshot,
	}
}

// Get returns the effective snapshot of an entity.
func (op *EntityOp) Get(entityID string) (snapshot json.RawMessage, exists bool) {
	row, ok, err := op.Store.Resolve(op.key(entityID), op.VersionID)
	if err != nil || !ok {
		return nil, false
	}
	return row.Snapshot, true
}

// GetString reads one property of an entity as a string.
func (op *EntityOp) GetString(entityID, property string) (value string, exists bool) {
	snapshot, exists := op.Get(entityID)
	if !exists {
		return "", false
	}
	result := gjson.GetBytes(snapshot, core.GJSONPath(property))
	return result.String(), result.Exists()
}

func (op *EntityOp) Put(snapshot json.RawMessage) ([]Batch, error) {
	return op.PutAll([]json.RawMessage{snapshot})
}

// PutAll writes snapshots in one batch. Each entity id comes from the
// primary key.
func (op *EntityOp) PutAll(snapshots []json.RawMessage) ([]Batch, error) {
	mutations := make([]Mutation, 0, len(snapshots))
	for _, snapshot := range snapshots {
		entityID, err := EntityID(op.Schema, snapshot)
		if err != nil {
			return nil, err
		}
		mutations = append(mutations, op.mutation(entityID, snapshot))
	}
	return op.Store.Apply(mutations)
}

// PutUntracked writes a snapshot that is not recorded in the change log.
func (op *EntityOp) PutUntracked(snapshot json.RawMessage) ([]Batch, error) {
	entityID, err := EntityID(op.Schema, snapshot)
	if err != nil {
		return nil, err
	}
	m := op.mutation(entityID, snapshot)
	m.Untracked = true
	return op.Store.Apply([]Mutation{m})
}

func (op *EntityOp) Delete(entityID string) ([]Batch, error) {
	if _, exists := op.Get(entityID); !exists {
		return nil, core.NotFoundError("delete", fmt.Errorf("%s %q", op.Schema.Key, entityID))
	}
	return op.Store.Apply([]Mutation{op.mutation(entityID, nil)})
}

func (op *EntityOp) Count() int {
	return len(op.Keys())
}

func (op *EntityOp) Keys() []string {
	var keys []string
	for key := range op.Scan() {
		keys = append(keys, key)
	}
	return keys
}

// Scan yields entity ids and snapshots in entity id order.
func (op *EntityOp) Scan() iter.Seq2[string, json.RawMessage] {
	return op.ScanWithFilter(nil)
}

func (op *EntityOp) ScanWithFilter(filterExpr func(entityID string, snapshot json.RawMessage) bool) iter.Seq2[string, json.RawMessage] {
	return func(yield func(string, json.RawMessage) bool) {
		rows, err := op.Store.Scan(op.Schema.Key, op.VersionID)
		if err != nil {
			return
		}
		for _, row := range rows {
			if filterExpr != nil && !filterExpr(row.EntityID, row.Snapshot) {
				continue
			}
			if !yield(row.EntityID, row.Snapshot) {
				return
			}
		}
	}
}

// ErrCompositeKey is returned by SplitKey for ids that do not have the
// expected number of parts.
var ErrCompositeKey = errors.New("entity id does not match composite key")

// SplitKey splits a composite entity id into its key parts.
func SplitKey(definition core.Schema, entityID string) ([]string, error) {
	parts := strings.Split(entityID, core.KeySeparator)
	if len(parts) != len(definition.KeyPaths()) {
		return nil, fmt.Errorf("%w: %q for %s", ErrCompositeKey, entityID, definition.Key)
	}
	return parts, nil
}

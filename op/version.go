package op

import (
	"fmt"

	"github.com/nickyhof/EntityDB/core"
	"github.com/nickyhof/EntityDB/history"
)

// VersionOp is a handle on one version.
type VersionOp struct {
	Version core.Version
	Store   *Store
}

func CreateVersion(opts history.VersionOptions, store *Store) ([]Batch, *VersionOp, error) {
	version, batches, err := store.CreateVersion(opts)
	if err != nil {
		return nil, nil, err
	}
	return batches, &VersionOp{Version: version, Store: store}, nil
}

// GetVersion looks a version up by id or name.
func GetVersion(idOrName string, store *Store) (*VersionOp, error) {
	version, ok := store.Version(idOrName)
	if !ok {
		return nil, core.NotFoundError("get version", fmt.Errorf("version %q", idOrName))
	}
	return &VersionOp{Version: version, Store: store}, nil
}

// Branch creates a version inheriting from this one.
func (op *VersionOp) Branch(name string) ([]Batch, *VersionOp, error) {
	return CreateVersion(history.VersionOptions{Name: name, From: op.Version.ID}, op.Store)
}

// Checkpoint seals the working change set and refreshes the handle.
func (op *VersionOp) Checkpoint() (history.CheckpointResult, []Batch, error) {
	result, batches, err := op.Store.Checkpoint(op.Version.ID)
	if err != nil {
		return history.CheckpointResult{}, nil, err
	}
	if version, ok := op.Store.Version(op.Version.ID); ok {
		op.Version = version
	}
	return result, batches, nil
}

// Pending returns the elements of the working change set.
func (op *VersionOp) Pending() []core.ChangeSetElement {
	return op.Store.Log().WorkingElements(op.Version.ID)
}

// Entities returns a handle on a schema's entities in this version.
func (op *VersionOp) Entities(schemaKey string) (*EntityOp, error) {
	return GetEntities(schemaKey, op.Version.ID, op.Store)
}

// SchemaKeys lists the schemas with at least one visible entity.
func (op *VersionOp) SchemaKeys() ([]string, error) {
	rows, err := op.Store.Scan("", op.Version.ID)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, row := range rows {
		if len(keys) == 0 || keys[len(keys)-1] != row.SchemaKey {
			keys = append(keys, row.SchemaKey)
		}
	}
	return keys, nil
}

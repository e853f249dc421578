package core

import (
	"encoding/json"
	"time"
)

// Change is an immutable record of one entity mutation. A deletion is a
// change whose Snapshot is nil and whose SnapshotID is NoContentSnapshotID.
type Change struct {
	ID            string          `json:"id"`
	EntityID      string          `json:"entity_id"`
	SchemaKey     string          `json:"schema_key"`
	SchemaVersion string          `json:"schema_version"`
	FileID        string          `json:"file_id"`
	PluginKey     string          `json:"plugin_key"`
	SnapshotID    string          `json:"snapshot_id"`
	Snapshot      json.RawMessage `json:"-"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// IsDeletion reports whether the change removes the entity.
func (c Change) IsDeletion() bool {
	return c.Snapshot == nil
}

// Key returns the entity key the change applies to.
func (c Change) Key() StateKey {
	return StateKey{EntityID: c.EntityID, SchemaKey: c.SchemaKey, FileID: c.FileID}
}

type ChangeSet struct {
	ID       string          `json:"id"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// ChangeSetElement is the membership of one change in one change set.
// A change set holds at most one element per (entity_id, schema_key, file_id).
type ChangeSetElement struct {
	ChangeSetID string `json:"change_set_id"`
	ChangeID    string `json:"change_id"`
	EntityID    string `json:"entity_id"`
	SchemaKey   string `json:"schema_key"`
	FileID      string `json:"file_id"`
}

func (e ChangeSetElement) Key() StateKey {
	return StateKey{EntityID: e.EntityID, SchemaKey: e.SchemaKey, FileID: e.FileID}
}

type ChangeSetEdge struct {
	ParentID string `json:"parent_id"`
	ChildID  string `json:"child_id"`
}

// Commit wraps one change set plus its parent commits. Two parents mark a merge.
type Commit struct {
	ID              string   `json:"id"`
	ChangeSetID     string   `json:"change_set_id"`
	ParentCommitIDs []string `json:"parent_commit_ids"`
}

type CommitEdge struct {
	ParentID string `json:"parent_id"`
	ChildID  string `json:"child_id"`
}

// Version is a branch: a sealed head commit plus a mutable working commit.
type Version struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	CommitID              string `json:"commit_id"`
	WorkingCommitID       string `json:"working_commit_id"`
	InheritsFromVersionID string `json:"inherits_from_version_id,omitempty"`
	Hidden                bool   `json:"hidden"`
}

type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EntityLabel attaches a label to an entity (commits included).
type EntityLabel struct {
	EntityID  string `json:"entity_id"`
	SchemaKey string `json:"schema_key"`
	FileID    string `json:"file_id"`
	LabelID   string `json:"label_id"`
}

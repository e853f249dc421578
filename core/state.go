package core

import (
	"encoding/json"
	"time"
)

// StateKey identifies an entity independent of the version it lives in.
type StateKey struct {
	EntityID  string
	SchemaKey string
	FileID    string
}

// CacheRow is the materialized current value of an entity in one version.
// A tombstone row (Snapshot == nil, IsTombstone) records an explicit deletion
// and blocks inheritance from ancestor versions.
type CacheRow struct {
	EntityID               string          `json:"entity_id"`
	SchemaKey              string          `json:"schema_key"`
	FileID                 string          `json:"file_id"`
	VersionID              string          `json:"version_id"`
	PluginKey              string          `json:"plugin_key"`
	SchemaVersion          string          `json:"schema_version"`
	Snapshot               json.RawMessage `json:"snapshot_content"`
	Metadata               json.RawMessage `json:"metadata,omitempty"`
	ChangeID               string          `json:"change_id"`
	CommitID               string          `json:"commit_id"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
	InheritedFromVersionID string          `json:"inherited_from_version_id,omitempty"`
	IsTombstone            bool            `json:"is_tombstone"`
	Untracked              bool            `json:"untracked"`
}

func (row CacheRow) Key() StateKey {
	return StateKey{EntityID: row.EntityID, SchemaKey: row.SchemaKey, FileID: row.FileID}
}

// Record is one persisted row of an engine table. Delete removes the row.
type Record struct {
	Table  string
	Key    string
	Data   []byte
	Delete bool
}

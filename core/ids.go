package core

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

const (
	GlobalVersionID = "global"
	MainVersionID   = "main"

	DefaultFileID    = "entitydb"
	DefaultPluginKey = "entitydb_own_entity"

	// NoContentSnapshotID marks the snapshot of a deletion.
	NoContentSnapshotID = "no-content"
	// UntrackedChangeID is the change id carried by untracked cache rows.
	UntrackedChangeID = "untracked"

	// KeySeparator joins the parts of a composite primary key.
	KeySeparator = "~"

	CheckpointLabel = "checkpoint"
)

// Built-in schema keys.
const (
	KeyValueSchemaKey   = "entitydb_key_value"
	FileSchemaKey       = "entitydb_file"
	CommitSchemaKey     = "entitydb_commit"
	ChangeSetSchemaKey  = "entitydb_change_set"
	CommitEdgeSchemaKey = "entitydb_commit_edge"
	VersionSchemaKey    = "entitydb_version"
)

// Well-known key/value entries.
const (
	StoreIDKey   = "store_id"
	StoreNameKey = "store_name"
)

// NewID returns a time-ordered unique identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// JoinKey builds a composite entity id.
func JoinKey(parts ...string) string {
	return strings.Join(parts, KeySeparator)
}

// HashKey returns a path-safe digest of the given parts. Used for persisted
// record keys whose natural key may contain separators.
func HashKey(parts ...string) string {
	sum := sha1.Sum([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

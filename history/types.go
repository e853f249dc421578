package history

import (
	"encoding/json"

	"github.com/nickyhof/EntityDB/core"
)

const bookkeepingVersion = "1.0"

type EntryKind string

const (
	// EntryApply records changes materialized at (VersionID, CommitID).
	EntryApply EntryKind = "apply"
	// EntrySeal records a working commit sealed into a new commit.
	EntrySeal EntryKind = "seal"
	// EntryVersion records the creation of a version.
	EntryVersion EntryKind = "version"
)

// Entry is one step of the journal. Replaying the journal in order
// reproduces the state cache exactly.
type Entry struct {
	Seq             int       `json:"seq"`
	Kind            EntryKind `json:"kind"`
	VersionID       string    `json:"version_id"`
	CommitID        string    `json:"commit_id,omitempty"`
	ChangeIDs       []string  `json:"change_ids,omitempty"`
	FromCommitID    string    `json:"from_commit_id,omitempty"`
	ToCommitID      string    `json:"to_commit_id,omitempty"`
	ParentVersionID string    `json:"parent_version_id,omitempty"`
}

// Applied describes changes that were logged for one version and commit.
type Applied struct {
	VersionID string
	CommitID  string
	Changes   []core.Change
}

type CheckpointResult struct {
	VersionID string
	// CommitID is the head after the checkpoint. Unchanged when Created is false.
	CommitID         string
	PreviousCommitID string
	WorkingCommitID  string
	// SealedFrom is the working commit whose change set was sealed.
	SealedFrom  string
	Created     bool
	Bookkeeping Applied
}

type VersionOptions struct {
	ID     string
	Name   string
	From   string
	Hidden bool
}

type bookkeepingEntry struct {
	schemaKey string
	entityID  string
	snapshot  any
}

// bookkeeping collects the commit graph entities touched by one operation.
type bookkeeping struct {
	entries []bookkeepingEntry
}

func (book *bookkeeping) record(schemaKey, entityID string, snapshot any) {
	if book == nil {
		return
	}
	book.entries = append(book.entries, bookkeepingEntry{schemaKey: schemaKey, entityID: entityID, snapshot: snapshot})
}

type changeSetSnapshot struct {
	ID       string          `json:"id"`
	Metadata json.RawMessage `json:"metadata"`
}

type versionRecord struct {
	ID                    string  `json:"id"`
	Name                  string  `json:"name"`
	CommitID              string  `json:"commit_id"`
	WorkingCommitID       string  `json:"working_commit_id"`
	InheritsFromVersionID *string `json:"inherits_from_version_id"`
	Hidden                bool    `json:"hidden"`
}

func versionSnapshot(version core.Version) versionRecord {
	record := versionRecord{
		ID:              version.ID,
		Name:            version.Name,
		CommitID:        version.CommitID,
		WorkingCommitID: version.WorkingCommitID,
		Hidden:          version.Hidden,
	}
	if version.InheritsFromVersionID != "" {
		parent := version.InheritsFromVersionID
		record.InheritsFromVersionID = &parent
	}
	return record
}

type snapshotRecord struct {
	ID      string          `json:"id"`
	Content json.RawMessage `json:"content"`
}

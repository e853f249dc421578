package schema

import (
	"encoding/json"

	"github.com/nickyhof/EntityDB/core"
)

const builtinVersion = "1.0"

var (
	KeyValue = core.Schema{
		Key:     core.KeyValueSchemaKey,
		Version: builtinVersion,
		Properties: map[string]core.Property{
			"key":   {Type: core.StringType},
			"value": {Type: core.AnyType, Nullable: true},
		},
		Required:   []string{"key"},
		PrimaryKey: []string{"/key"},
	}

	// File is the entity the directory sync collaborator reconciles against.
	File = core.Schema{
		Key:     core.FileSchemaKey,
		Version: builtinVersion,
		Properties: map[string]core.Property{
			"path":     {Type: core.StringType},
			"metadata": {Type: core.ObjectType, Nullable: true, Default: json.RawMessage("null")},
			"hidden":   {Type: core.BooleanType, Default: json.RawMessage("false")},
		},
		Required:   []string{"path"},
		PrimaryKey: []string{"/path"},
	}

	CommitRecord = core.Schema{
		Key:     core.CommitSchemaKey,
		Version: builtinVersion,
		Properties: map[string]core.Property{
			"id":                {Type: core.StringType},
			"change_set_id":     {Type: core.StringType},
			"parent_commit_ids": {Type: core.ArrayType, Default: json.RawMessage("[]")},
		},
		Required:   []string{"id", "change_set_id"},
		PrimaryKey: []string{"/id"},
		VersionID:  core.GlobalVersionID,
	}

	ChangeSetRecord = core.Schema{
		Key:     core.ChangeSetSchemaKey,
		Version: builtinVersion,
		Properties: map[string]core.Property{
			"id":       {Type: core.StringType, DefaultFn: "uuid_v7"},
			"metadata": {Type: core.ObjectType, Nullable: true, Default: json.RawMessage("null")},
		},
		Required:   []string{"id"},
		PrimaryKey: []string{"/id"},
		VersionID:  core.GlobalVersionID,
	}

	CommitEdgeRecord = core.Schema{
		Key:     core.CommitEdgeSchemaKey,
		Version: builtinVersion,
		Properties: map[string]core.Property{
			"parent_id": {Type: core.StringType},
			"child_id":  {Type: core.StringType},
		},
		Required:   []string{"parent_id", "child_id"},
		PrimaryKey: []string{"/parent_id", "/child_id"},
		VersionID:  core.GlobalVersionID,
	}

	VersionRecord = core.Schema{
		Key:     core.VersionSchemaKey,
		Version: builtinVersion,
		Properties: map[string]core.Property{
			"id":                       {Type: core.StringType},
			"name":                     {Type: core.StringType},
			"commit_id":                {Type: core.StringType},
			"working_commit_id":        {Type: core.StringType},
			"inherits_from_version_id": {Type: core.StringType, Nullable: true, Default: json.RawMessage("null")},
			"hidden":                   {Type: core.BooleanType, Default: json.RawMessage("false")},
		},
		Required:   []string{"id", "name", "commit_id", "working_commit_id"},
		PrimaryKey: []string{"/id"},
		VersionID:  core.GlobalVersionID,
	}
)

// Builtins returns the schemas every store starts with.
func Builtins() []core.Schema {
	return []core.Schema{KeyValue, File, CommitRecord, ChangeSetRecord, CommitEdgeRecord, VersionRecord}
}

// IsBookkeeping reports whether key belongs to the commit graph's own
// bookkeeping entities.
func IsBookkeeping(key string) bool {
	switch key {
	case core.CommitSchemaKey, core.ChangeSetSchemaKey, core.CommitEdgeSchemaKey, core.VersionSchemaKey:
		return true
	}
	return false
}

// Package main provides a TCP SQL server for EntityDB.
package main

import (
	"encoding/json"

	"github.com/nickyhof/EntityDB/db"
)

// Response represents the server's response to a request line.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Type    string          `json:"type,omitempty"` // query, commit, auth, version, checkpoint, schema, subscribe or event
	Result  json.RawMessage `json:"result,omitempty"`
}

// QueryResponse contains tabular query results.
type QueryResponse struct {
	Columns     []string   `json:"columns"`
	Data        [][]string `json:"data"`
	RecordsRead int        `json:"records_read"`
	TimeMs      float64    `json:"time_ms"`
}

// CommitResponse contains mutation results.
type CommitResponse struct {
	RecordsWritten int      `json:"records_written,omitempty"`
	RecordsDeleted int      `json:"records_deleted,omitempty"`
	CommitIDs      []string `json:"commit_ids,omitempty"`
	Transaction    string   `json:"transaction,omitempty"`
	TimeMs         float64  `json:"time_ms"`
}

// AuthResponse contains the result of an AUTH command.
type AuthResponse struct {
	Authenticated bool   `json:"authenticated"`
	Identity      string `json:"identity"`
	ExpiresIn     int    `json:"expires_in,omitempty"`
}

// VersionResponse names the version a USE or BRANCH command resolved.
type VersionResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	InheritsFrom  string `json:"inherits_from,omitempty"`
	CommitID      string `json:"commit_id"`
	WorkingCommit string `json:"working_commit_id"`
}

// CheckpointResponse contains the result of a CHECKPOINT command.
type CheckpointResponse struct {
	VersionID string `json:"version_id"`
	CommitID  string `json:"commit_id"`
	Created   bool   `json:"created"`
}

// EventResponse is pushed to subscribed connections after every commit.
type EventResponse = db.StateCommitted

// EncodeResponse serializes a Response to JSON with a newline.
func EncodeResponse(resp Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func success(kind string, result any) Response {
	data, err := json.Marshal(result)
	if err != nil {
		return failure(kind, err)
	}
	return Response{Success: true, Type: kind, Result: data}
}

func failure(kind string, err error) Response {
	return Response{Success: false, Type: kind, Error: err.Error()}
}

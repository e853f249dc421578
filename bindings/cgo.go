package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"context"
	"encoding/json"
	"sync"
	"unsafe"

	"github.com/nickyhof/EntityDB"
	"github.com/nickyhof/EntityDB/blob"
	"github.com/nickyhof/EntityDB/config"
	"github.com/nickyhof/EntityDB/core"
	"github.com/nickyhof/EntityDB/db"
)

// Handle is an open store plus the version its statements run in.
type Handle struct {
	instance  *EntityDB.Instance
	engine    *db.Engine
	versionID string
}

var (
	handlesMu  sync.Mutex
	handles    = make(map[int]*Handle)
	nextHandle = 1
)

// Response mirrors the server protocol.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Type    string          `json:"type,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

type QueryResponse struct {
	Columns         []string   `json:"columns"`
	Data            [][]string `json:"data"`
	RecordsRead     int        `json:"records_read"`
	ExecutionTimeMs float64    `json:"execution_time_ms"`
	ExecutionOps    int        `json:"execution_ops"`
}

type CommitResponse struct {
	RecordsWritten  int      `json:"records_written,omitempty"`
	RecordsDeleted  int      `json:"records_deleted,omitempty"`
	CommitIDs       []string `json:"commit_ids,omitempty"`
	ExecutionTimeMs float64  `json:"execution_time_ms"`
	ExecutionOps    int      `json:"execution_ops"`
}

func bindingConfig(baseDir string) (config.Config, error) {
	cfg, err := config.Default()
	if err != nil {
		return config.Config{}, err
	}
	cfg.BaseDir = baseDir
	cfg.LogLevel = "warn"
	cfg.Identity = config.Identity{Name: "EntityDB Python", Email: "python@entitydb.local"}
	return cfg, nil
}

func openStore(baseDir string) C.int {
	cfg, err := bindingConfig(baseDir)
	if err != nil {
		return -1
	}
	instance, err := EntityDB.Open(cfg)
	if err != nil {
		return -1
	}
	return register(instance)
}

func register(instance *EntityDB.Instance) C.int {
	handlesMu.Lock()
	defer handlesMu.Unlock()

	handle := nextHandle
	nextHandle++
	engine := instance.Engine()
	handles[handle] = &Handle{instance: instance, engine: engine, versionID: engine.ActiveVersion()}
	return C.int(handle)
}

func lookup(handle C.int) (*Handle, bool) {
	handlesMu.Lock()
	defer handlesMu.Unlock()
	h, ok := handles[int(handle)]
	return h, ok
}

//export entitydb_open_memory
func entitydb_open_memory() C.int {
	return openStore("")
}

//export entitydb_open_file
func entitydb_open_file(path *C.char) C.int {
	return openStore(C.GoString(path))
}

// entitydb_open_blob opens a store exported to location (a path, an http(s)
// URL or an s3:// URL) into memory.
//
//export entitydb_open_blob
func entitydb_open_blob(location *C.char) C.int {
	ctx := context.Background()
	cfg, err := bindingConfig("")
	if err != nil {
		return -1
	}
	data, err := blob.Load(ctx, C.GoString(location), &cfg.S3)
	if err != nil {
		return -1
	}
	instance, err := EntityDB.OpenBlob(ctx, data, cfg)
	if err != nil {
		return -1
	}
	return register(instance)
}

//export entitydb_close
func entitydb_close(handle C.int) {
	handlesMu.Lock()
	defer handlesMu.Unlock()
	delete(handles, int(handle))
}

// entitydb_use switches the version later statements on handle run in.
//
//export entitydb_use
func entitydb_use(handle C.int, version *C.char) *C.char {
	h, ok := lookup(handle)
	if !ok {
		return makeErrorResponse("Invalid handle")
	}
	v, ok := h.engine.Version(C.GoString(version))
	if !ok {
		return makeErrorResponse("unknown version: " + C.GoString(version))
	}
	h.versionID = v.ID
	data, _ := json.Marshal(map[string]string{"id": v.ID, "name": v.Name})
	return makeResponse(Response{Success: true, Type: "version", Result: data})
}

//export entitydb_checkpoint
func entitydb_checkpoint(handle C.int) *C.char {
	h, ok := lookup(handle)
	if !ok {
		return makeErrorResponse("Invalid handle")
	}
	result, err := h.engine.Checkpoint(h.versionID)
	if err != nil {
		return makeErrorResponse(err.Error())
	}
	data, _ := json.Marshal(map[string]any{"commit_id": result.CommitID, "created": result.Created})
	return makeResponse(Response{Success: true, Type: "checkpoint", Result: data})
}

//export entitydb_register_schema
func entitydb_register_schema(handle C.int, definition *C.char) *C.char {
	h, ok := lookup(handle)
	if !ok {
		return makeErrorResponse("Invalid handle")
	}
	var schema core.Schema
	if err := json.Unmarshal([]byte(C.GoString(definition)), &schema); err != nil {
		return makeErrorResponse("failed to decode schema: " + err.Error())
	}
	if err := h.engine.RegisterSchema(schema); err != nil {
		return makeErrorResponse(err.Error())
	}
	return makeResponse(Response{Success: true, Type: "schema"})
}

//export entitydb_execute
func entitydb_execute(handle C.int, query *C.char) *C.char {
	h, ok := lookup(handle)
	if !ok {
		return makeErrorResponse("Invalid handle")
	}

	result, err := h.engine.ExecuteIn(h.versionID, C.GoString(query))
	if err != nil {
		return makeErrorResponse(err.Error())
	}

	switch r := result.(type) {
	case db.QueryResult:
		data, _ := json.Marshal(QueryResponse{
			Columns:         r.Columns,
			Data:            r.Data,
			RecordsRead:     r.RecordsRead,
			ExecutionTimeMs: r.ExecutionTimeSec * 1000,
			ExecutionOps:    r.ExecutionOps,
		})
		return makeResponse(Response{Success: true, Type: "query", Result: data})
	case db.CommitResult:
		data, _ := json.Marshal(CommitResponse{
			RecordsWritten:  r.RecordsWritten,
			RecordsDeleted:  r.RecordsDeleted,
			CommitIDs:       r.CommitIDs,
			ExecutionTimeMs: r.ExecutionTimeSec * 1000,
			ExecutionOps:    r.ExecutionOps,
		})
		return makeResponse(Response{Success: true, Type: "commit", Result: data})
	default:
		return makeResponse(Response{Success: true, Type: "unknown"})
	}
}

// entitydb_export writes the store as a blob to location.
//
//export entitydb_export
func entitydb_export(handle C.int, location *C.char) *C.char {
	h, ok := lookup(handle)
	if !ok {
		return makeErrorResponse("Invalid handle")
	}
	if err := h.instance.Save(context.Background(), C.GoString(location)); err != nil {
		return makeErrorResponse(err.Error())
	}
	return makeResponse(Response{Success: true, Type: "export"})
}

//export entitydb_free
func entitydb_free(ptr *C.char) {
	C.free(unsafe.Pointer(ptr))
}

func makeResponse(resp Response) *C.char {
	jsonData, _ := json.Marshal(resp)
	return C.CString(string(jsonData))
}

func makeErrorResponse(msg string) *C.char {
	return makeResponse(Response{Success: false, Error: msg})
}

func main() {}

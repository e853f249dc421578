// Package EntityDB provides a versioned entity store with a SQL interface.
//
// Entities are JSON snapshots validated against registered schemas. Every
// write is a change in the change log of a version; checkpoints seal the
// working changes of a version into a commit of the commit graph. State is
// resolved per version through inheritance and queried through entity views
// that are rewritten onto the state table.
//
// # Quick Start
//
// Create an in-memory store:
//
//	cfg, _ := config.Default()
//	instance, _ := EntityDB.Open(cfg)
//	engine := instance.Engine()
//
//	engine.RegisterSchema(core.Schema{
//	    Key:        "todo",
//	    Version:    "1.0",
//	    Properties: map[string]core.Property{"id": {Type: core.StringType}, "title": {Type: core.StringType}},
//	    PrimaryKey: []string{"/id"},
//	})
//	engine.Execute("INSERT INTO todo (id, title) VALUES ('t1', 'Write docs')")
//
//	result, _ := engine.Execute("SELECT * FROM todo")
//	result.Display()
//
//	engine.Checkpoint("main")
//
// # Stores
//
// A store lives in a git repository under config.Config.BaseDir, or in
// memory. Instance.Export serializes it into a single SQLite blob that
// OpenBlob imports again; blob.ReadInfo reads the store id and name of a
// blob without opening it.
//
// # Supported SQL
//
// EntityDB supports a subset of SQL including:
//   - INSERT, SELECT, UPDATE, DELETE on entity views and state_all
//   - WHERE with comparison, LIKE, IN and IS NULL operators
//   - ORDER BY, LIMIT, OFFSET, DISTINCT
//   - Aggregate functions: SUM, AVG, MIN, MAX, COUNT
//   - JSON functions: json, json_object, json_array, json_extract, json_set, json_remove
//   - Scalar and IN subqueries
package EntityDB

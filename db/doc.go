// Package db provides the statement engine of EntityDB.
//
// The Engine rewrites statements against entity views into statements
// against the state table and executes them over the state cache. Writes
// become changes in the change log of their version.
//
// # Engine Usage
//
//	engine, err := db.NewEngine(persistence, db.Options{Identity: identity})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	_, err = engine.Execute("INSERT INTO todo (id, title) VALUES (?, ?)", "t1", "Write docs")
//	result, err := engine.Execute("SELECT title FROM todo WHERE id = ?", "t1")
//	result.Display()
//
// # Views
//
// Every registered schema key names three views: the bare view reads and
// writes the active version, the _all view spans every version and needs an
// explicit version_id on insert, and the _history view lists the changes of
// the schema. state_all can be queried directly.
//
// # Result Types
//
// There are two result types:
//   - QueryResult: Returned by SELECT statements
//   - CommitResult: Returned by INSERT, UPDATE and DELETE
//
// Subscribers registered with Subscribe receive one StateCommitted per
// committed batch, after the engine lock is released.
package db

// Package ps provides the persistence layer for EntityDB.
//
// Engine tables (changes, snapshots, commits, versions, the replay
// journal and untracked rows) are stored in a git object store through
// go-git's plumbing API. Every Commit writes one git commit whose tree
// holds one blob per record at <table>/<key>.
//
// # Memory Persistence
//
//	persistence, err := ps.NewMemoryPersistence()
//
// # File Persistence
//
//	persistence, err := ps.NewFilePersistence("/path/to/data")
//
// Reopening a directory restores the records committed at HEAD:
//
//	records, err := persistence.Load()
//
// # Transaction Batching
//
//	txn, _ := persistence.BeginTransaction()
//	txn.Add(
//	    core.Record{Table: "changes", Key: "c1", Data: data1},
//	    core.Record{Table: "untracked", Key: "u1", Delete: true},
//	)
//	result, _ := txn.Commit(identity, "append")
package ps

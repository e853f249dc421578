// Package op provides the state store operations of EntityDB.
//
// The op package sits between the engine (db/) and the persistence layer
// (ps/). A Store owns the change log, the state cache and the schema
// registry: every canonical mutation is appended to the log, persisted,
// and then folded into the cache.
//
// # Store
//
//	persistence, _ := ps.NewMemoryPersistence()
//	store, err := op.Open(persistence)
//	batches, err := store.Apply([]op.Mutation{...})
//	result, batches, err := store.Checkpoint(core.MainVersionID)
//
// # EntityOp
//
// EntityOp wraps the entities of one schema in one version:
//
//	entities, _ := op.GetEntities(core.KeyValueSchemaKey, core.MainVersionID, store)
//	entities.Put(json.RawMessage(`{"key":"theme","value":"dark"}`))
//	value, exists := entities.GetString("theme", "value")
//	for id, snapshot := range entities.Scan() {
//	    // process all entities
//	}
//
// # VersionOp
//
//	main, _ := op.GetVersion("main", store)
//	_, feature, _ := main.Branch("feature")
//	feature.Checkpoint()
//
// # Architecture
//
//	Query Rewriter (rewrite/)
//	     ↓
//	Engine (db/)
//	     ↓
//	Operations (op/)     ← This package
//	     ↓
//	Persistence (ps/)
//	     ↓
//	Git Storage (go-git)
package op

// Package rewrite turns statements against entity views into statements
// against the state table.
//
// Every registered schema key names three views:
//
//	todo          rows of the active version
//	todo_all      rows of every version; writes name their version_id
//	todo_history  the change history, passed through untouched
//
// Inserts become one multi-row insert into state_all with the entity id
// derived from the primary key and the snapshot built with json_object.
// Selects, updates and deletes are scoped by schema_key (and version_id for
// bare views) and read properties through json_extract.
package rewrite

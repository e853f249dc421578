package op

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nickyhof/EntityDB/core"
	"github.com/nickyhof/EntityDB/history"
	"github.com/nickyhof/EntityDB/ps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var todo = core.Schema{
	Key:     "todo",
	Version: "1.0",
	Properties: map[string]core.Property{
		"id":    {Type: core.StringType},
		"title": {Type: core.StringType},
	},
	Required:   []string{"id"},
	PrimaryKey: []string{"/id"},
}

func fixedClock() func() time.Time {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func openMemory(t *testing.T) *Store {
	t.Helper()
	persistence, err := ps.NewMemoryPersistence()
	require.NoError(t, err)
	store, err := Open(persistence, WithClock(fixedClock()))
	require.NoError(t, err)
	require.NoError(t, store.RegisterSchema(todo))
	return store
}

func entities(t *testing.T, store *Store, versionID string) *EntityOp {
	t.Helper()
	handle, err := GetEntities("todo", versionID, store)
	require.NoError(t, err)
	return handle
}

func TestOpenBootstraps(t *testing.T) {
	store := openMemory(t)

	versions := store.Versions()
	require.Len(t, versions, 2)
	main, ok := store.Version(core.MainVersionID)
	require.True(t, ok)
	assert.Equal(t, core.GlobalVersionID, main.InheritsFromVersionID)

	parent, ok := store.Cache().Parent(core.MainVersionID)
	require.True(t, ok)
	assert.Equal(t, core.GlobalVersionID, parent)

	// Commit bookkeeping is visible through the cache.
	rows, err := store.Scan(core.VersionSchemaKey, core.GlobalVersionID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestPutGetRoundTrip(t *testing.T) {
	store := openMemory(t)
	todos := entities(t, store, core.MainVersionID)

	batches, err := todos.Put(json.RawMessage(`{"id":"a","title":"write tests"}`))
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, core.MainVersionID, batches[0].VersionID)
	require.Len(t, batches[0].Changes, 1)
	assert.Equal(t, "todo", batches[0].Changes[0].SchemaKey)

	snapshot, ok := todos.Get("a")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"a","title":"write tests"}`, string(snapshot))

	title, ok := todos.GetString("a", "title")
	require.True(t, ok)
	assert.Equal(t, "write tests", title)
	assert.Equal(t, []string{"a"}, todos.Keys())

	elements := (&VersionOp{Version: core.Version{ID: core.MainVersionID}, Store: store}).Pending()
	require.Len(t, elements, 1)
	assert.Equal(t, "a", elements[0].EntityID)
}

func TestApplyRejectsInvalidMutations(t *testing.T) {
	store := openMemory(t)

	_, err := store.Apply([]Mutation{{EntityID: "a", SchemaKey: "todo", VersionID: "nope", Snapshot: json.RawMessage(`{"id":"a"}`)}})
	kind, ok := core.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, core.KindNotFound, kind)

	_, err = store.Apply([]Mutation{{EntityID: "a", SchemaKey: "todo", VersionID: core.MainVersionID, Snapshot: json.RawMessage(`{"title":1}`)}})
	assert.ErrorIs(t, err, core.ErrInvalidSnapshot)

	_, err = store.Apply([]Mutation{{EntityID: "a", SchemaKey: "todo", Snapshot: json.RawMessage(`{"id":"a"}`)}})
	assert.ErrorIs(t, err, core.ErrMissingVersionID)

	_, err = store.Apply([]Mutation{{EntityID: "a", SchemaKey: "unknown", VersionID: core.MainVersionID, Snapshot: json.RawMessage(`{}`)}})
	kind, _ = core.KindOf(err)
	assert.Equal(t, core.KindSchema, kind)
}

func TestTombstoneSuppressesInheritance(t *testing.T) {
	store := openMemory(t)
	_, err := entities(t, store, core.MainVersionID).Put(json.RawMessage(`{"id":"e","title":"parent"}`))
	require.NoError(t, err)

	main, err := GetVersion(core.MainVersionID, store)
	require.NoError(t, err)
	_, deleting, err := main.Branch("deleting")
	require.NoError(t, err)
	_, sibling, err := main.Branch("sibling")
	require.NoError(t, err)

	_, err = entities(t, store, deleting.Version.ID).Delete("e")
	require.NoError(t, err)

	_, ok := entities(t, store, deleting.Version.ID).Get("e")
	assert.False(t, ok)
	snapshot, ok := entities(t, store, sibling.Version.ID).Get("e")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"e","title":"parent"}`, string(snapshot))
}

func TestDeletionCopiesDownToChildren(t *testing.T) {
	store := openMemory(t)
	main, err := GetVersion(core.MainVersionID, store)
	require.NoError(t, err)
	_, c1, err := main.Branch("c1")
	require.NoError(t, err)
	_, c2, err := main.Branch("c2")
	require.NoError(t, err)

	_, err = entities(t, store, core.MainVersionID).Put(json.RawMessage(`{"id":"e","title":"v1"}`))
	require.NoError(t, err)
	written, ok := store.Cache().Get(core.StateKey{EntityID: "e", SchemaKey: "todo", FileID: core.DefaultFileID}, core.MainVersionID)
	require.True(t, ok)

	_, err = entities(t, store, core.MainVersionID).Delete("e")
	require.NoError(t, err)

	for _, child := range []*VersionOp{c1, c2} {
		row, ok := store.Cache().Get(core.StateKey{EntityID: "e", SchemaKey: "todo", FileID: core.DefaultFileID}, child.Version.ID)
		require.True(t, ok, child.Version.Name)
		assert.JSONEq(t, `{"id":"e","title":"v1"}`, string(row.Snapshot))
		assert.Equal(t, written.CommitID, row.CommitID)
		assert.Equal(t, core.MainVersionID, row.InheritedFromVersionID)
	}
	_, ok = entities(t, store, core.MainVersionID).Get("e")
	assert.False(t, ok)
}

func TestCheckpointIsIdempotent(t *testing.T) {
	store := openMemory(t)
	_, err := entities(t, store, core.MainVersionID).Put(json.RawMessage(`{"id":"a"}`))
	require.NoError(t, err)

	main, err := GetVersion(core.MainVersionID, store)
	require.NoError(t, err)
	first, batches, err := main.Checkpoint()
	require.NoError(t, err)
	require.True(t, first.Created)
	assert.Equal(t, first.CommitID, main.Version.CommitID)

	var sealed *Batch
	for i := range batches {
		if batches[i].VersionID == core.MainVersionID {
			sealed = &batches[i]
		}
	}
	require.NotNil(t, sealed)
	require.Len(t, sealed.Changes, 1)
	assert.Equal(t, first.CommitID, sealed.Changes[0].CommitID)

	row, ok, err := store.Resolve(core.StateKey{EntityID: "a", SchemaKey: "todo", FileID: core.DefaultFileID}, core.MainVersionID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.CommitID, row.CommitID, "rows move to the sealed commit")

	edges := len(store.Log().CommitEdges())
	second, batches, err := main.Checkpoint()
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.CommitID, second.CommitID)
	assert.Empty(t, batches)
	assert.Len(t, store.Log().CommitEdges(), edges)
}

func TestChangeSetScenario(t *testing.T) {
	store := openMemory(t)
	changeSets, err := GetEntities(core.ChangeSetSchemaKey, "", store)
	require.NoError(t, err)
	assert.Equal(t, core.GlobalVersionID, changeSets.VersionID)

	_, err = changeSets.PutAll([]json.RawMessage{
		json.RawMessage(`{"id":"cs0","metadata":null}`),
		json.RawMessage(`{"id":"cs1","metadata":null}`),
	})
	require.NoError(t, err)
	_, err = changeSets.Put(json.RawMessage(`{"id":"cs0","metadata":{"foo":"bar"}}`))
	require.NoError(t, err)
	_, err = changeSets.Delete("cs0")
	require.NoError(t, err)

	var snapshots []string
	for _, change := range store.Log().ChangesFor(core.ChangeSetSchemaKey, "") {
		if change.EntityID != "cs0" && change.EntityID != "cs1" {
			continue
		}
		if change.Snapshot == nil {
			snapshots = append(snapshots, "null")
			continue
		}
		snapshots = append(snapshots, string(change.Snapshot))
	}
	assert.Equal(t, []string{
		`{"id":"cs0","metadata":null}`,
		`{"id":"cs1","metadata":null}`,
		`{"id":"cs0","metadata":{"foo":"bar"}}`,
		"null",
	}, snapshots)
}

func TestUntrackedRows(t *testing.T) {
	store := openMemory(t)
	todos := entities(t, store, core.MainVersionID)

	_, err := todos.PutUntracked(json.RawMessage(`{"id":"u","title":"draft"}`))
	require.NoError(t, err)
	row, ok, err := store.Resolve(core.StateKey{EntityID: "u", SchemaKey: "todo", FileID: core.DefaultFileID}, core.MainVersionID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, row.Untracked)
	assert.Empty(t, store.Log().ChangesFor("todo", "u"), "untracked rows skip the change log")

	store.Rebuild()
	_, ok = todos.Get("u")
	assert.True(t, ok, "untracked rows survive a rebuild")

	_, err = todos.Put(json.RawMessage(`{"id":"u","title":"final"}`))
	require.NoError(t, err)
	row, ok, err = store.Resolve(core.StateKey{EntityID: "u", SchemaKey: "todo", FileID: core.DefaultFileID}, core.MainVersionID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, row.Untracked)
	_, exists := store.Persistence().Get(UntrackedTable, untrackedKey(row.Key(), core.MainVersionID))
	assert.False(t, exists)
}

func TestStaleCacheRebuildsOnRead(t *testing.T) {
	store := openMemory(t)
	todos := entities(t, store, core.MainVersionID)
	_, err := todos.PutAll([]json.RawMessage{json.RawMessage(`{"id":"a"}`), json.RawMessage(`{"id":"b"}`)})
	require.NoError(t, err)

	before, err := store.Scan("", core.MainVersionID)
	require.NoError(t, err)

	store.Cache().MarkStale()
	assert.False(t, store.IsFresh())

	after, err := store.Scan("", core.MainVersionID)
	require.NoError(t, err)
	assert.True(t, store.IsFresh())
	assert.Equal(t, before, after)
}

func TestFailedCommitLeavesNoTrace(t *testing.T) {
	store := openMemory(t)
	todos := entities(t, store, core.MainVersionID)
	_, err := todos.Put(json.RawMessage(`{"id":"a","title":"kept"}`))
	require.NoError(t, err)
	journal := len(store.Log().Journal())

	durable := store.persistence
	store.persistence = &ps.Persistence{}

	_, err = todos.Put(json.RawMessage(`{"id":"b","title":"lost"}`))
	require.ErrorIs(t, err, ps.ErrNotInitialized)
	_, ok := todos.Get("b")
	assert.False(t, ok)

	store.persistence = durable
	_, ok = todos.Get("b")
	assert.False(t, ok)
	_, ok = todos.Get("a")
	assert.True(t, ok)
	assert.Len(t, store.Log().Journal(), journal)

	_, err = todos.Put(json.RawMessage(`{"id":"c","title":"later"}`))
	require.NoError(t, err)

	reopened, err := Open(durable)
	require.NoError(t, err)
	restored := entities(t, reopened, core.MainVersionID)
	assert.ElementsMatch(t, []string{"a", "c"}, restored.Keys())
}

func TestFailedSchemaRegistration(t *testing.T) {
	store := openMemory(t)
	durable := store.persistence
	store.persistence = &ps.Persistence{}

	note := core.Schema{
		Key:        "note",
		Version:    "1.0",
		Properties: map[string]core.Property{"id": {Type: core.StringType}},
		PrimaryKey: []string{"/id"},
	}
	require.Error(t, store.RegisterSchema(note))
	_, ok := store.Registry().Get("note", "1.0")
	assert.False(t, ok)

	store.persistence = durable
	require.NoError(t, store.RegisterSchema(note))
	_, ok = store.Registry().Get("note", "1.0")
	assert.True(t, ok)
}

func TestReopenFromDisk(t *testing.T) {
	dir := t.TempDir()

	persistence, err := ps.NewFilePersistence(dir)
	require.NoError(t, err)
	store, err := Open(persistence, WithClock(fixedClock()))
	require.NoError(t, err)
	require.NoError(t, store.RegisterSchema(todo))

	todos := entities(t, store, core.MainVersionID)
	_, err = todos.Put(json.RawMessage(`{"id":"a","title":"kept"}`))
	require.NoError(t, err)
	_, err = todos.PutUntracked(json.RawMessage(`{"id":"u","title":"scratch"}`))
	require.NoError(t, err)
	_, _, err = store.Checkpoint(core.MainVersionID)
	require.NoError(t, err)
	_, _, err = store.CreateVersion(history.VersionOptions{Name: "feature", From: core.MainVersionID})
	require.NoError(t, err)

	reopened, err := ps.NewFilePersistence(dir)
	require.NoError(t, err)
	restored, err := Open(reopened)
	require.NoError(t, err)

	_, ok := restored.Registry().Get("todo", "1.0")
	require.True(t, ok)
	assert.Len(t, restored.Versions(), 3)

	restoredTodos := entities(t, restored, core.MainVersionID)
	title, ok := restoredTodos.GetString("a", "title")
	require.True(t, ok)
	assert.Equal(t, "kept", title)
	_, ok = restoredTodos.Get("u")
	assert.True(t, ok)

	feature, err := GetVersion("feature", restored)
	require.NoError(t, err)
	inherited, err := feature.Entities("todo")
	require.NoError(t, err)
	_, ok = inherited.Get("a")
	assert.True(t, ok)
}

func TestEntityID(t *testing.T) {
	pair := core.Schema{Key: "pair", Version: "1", PrimaryKey: []string{"/a", "/b"}}
	id, err := EntityID(pair, []byte(`{"a":"x","b":2}`))
	require.NoError(t, err)
	assert.Equal(t, "x~2", id)

	parts, err := SplitKey(pair, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "2"}, parts)

	doc := core.Schema{Key: "doc", Version: "1", PrimaryKey: []string{"/meta/slug"}}
	id, err = EntityID(doc, []byte(`{"meta":{"slug":"hello"}}`))
	require.NoError(t, err)
	assert.Equal(t, "hello", id)

	_, err = EntityID(doc, []byte(`{"meta":{}}`))
	assert.ErrorIs(t, err, core.ErrUnresolvedPrimaryKey)
}

package db

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nickyhof/EntityDB/core"
	"github.com/nickyhof/EntityDB/history"
	"github.com/nickyhof/EntityDB/ps"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var todoSchema = core.Schema{
	Key:     "todo",
	Version: "1.0",
	Properties: map[string]core.Property{
		"id":    {Type: core.StringType},
		"title": {Type: core.StringType},
		"done":  {Type: core.BooleanType, Default: json.RawMessage("false")},
	},
	PrimaryKey: []string{"/id"},
}

var pageSchema = core.Schema{
	Key:     "page",
	Version: "1.0",
	Properties: map[string]core.Property{
		"id":   {Type: core.StringType},
		"name": {Type: core.StringType},
		"slug": {Type: core.StringType, DefaultExpr: "id + '-slug'"},
	},
	PrimaryKey: []string{"/id"},
}

func setupTestEngine(t *testing.T) *Engine {
	t.Helper()
	persistence, err := ps.NewMemoryPersistence()
	require.NoError(t, err)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	engine, err := NewEngine(persistence, Options{
		Identity: core.Identity{Name: "test", Email: "test@test.com"},
		Logger:   logger,
		Clock: func() time.Time {
			now = now.Add(time.Millisecond)
			return now
		},
	})
	require.NoError(t, err)
	require.NoError(t, engine.RegisterSchema(todoSchema))
	return engine
}

func insertTestData(t *testing.T, engine *Engine) {
	t.Helper()
	result, err := engine.Execute("INSERT INTO todo (id, title) VALUES ('a', 'first'), ('b', 'second')")
	require.NoError(t, err)
	assert.Equal(t, 2, result.(CommitResult).RecordsWritten)
}

func query(t *testing.T, engine *Engine, versionID, text string, params ...any) QueryResult {
	t.Helper()
	result, err := engine.ExecuteIn(versionID, text, params...)
	require.NoError(t, err)
	qr, ok := result.(QueryResult)
	require.True(t, ok, "expected a query result for %s", text)
	return qr
}

func TestEngineViewRoundTrip(t *testing.T) {
	engine := setupTestEngine(t)
	insertTestData(t, engine)

	qr := query(t, engine, core.MainVersionID, "SELECT id, title, done FROM todo ORDER BY id")
	assert.Equal(t, []string{"id", "title", "done"}, qr.Columns)
	assert.Equal(t, [][]string{{"a", "first", "false"}, {"b", "second", "false"}}, qr.Data)

	result, err := engine.Execute("UPDATE todo SET title = 'updated' WHERE id = 'a'")
	require.NoError(t, err)
	assert.Equal(t, 1, result.(CommitResult).RecordsWritten)

	qr = query(t, engine, core.MainVersionID, "SELECT title FROM todo WHERE id = ?", "a")
	assert.Equal(t, []string{"updated"}, qr.Column("title"))

	result, err = engine.Execute("DELETE FROM todo WHERE id = 'b'")
	require.NoError(t, err)
	assert.Equal(t, 1, result.(CommitResult).RecordsDeleted)

	qr = query(t, engine, core.MainVersionID, "SELECT COUNT(*) AS total FROM todo")
	assert.Equal(t, []string{"1"}, qr.Column("total"))
}

func TestEngineSelectClauses(t *testing.T) {
	engine := setupTestEngine(t)
	insertTestData(t, engine)
	_, err := engine.Execute("INSERT INTO todo (id, title, done) VALUES ('c', 'third', true)")
	require.NoError(t, err)

	qr := query(t, engine, core.MainVersionID, "SELECT id FROM todo WHERE title LIKE 'fir%'")
	assert.Equal(t, []string{"a"}, qr.Column("id"))

	qr = query(t, engine, core.MainVersionID, "SELECT id FROM todo ORDER BY title DESC LIMIT 2")
	assert.Equal(t, []string{"c", "b"}, qr.Column("id"))

	qr = query(t, engine, core.MainVersionID, "SELECT id FROM todo ORDER BY id LIMIT 1 OFFSET 1")
	assert.Equal(t, []string{"b"}, qr.Column("id"))

	qr = query(t, engine, core.MainVersionID, "SELECT DISTINCT done FROM todo ORDER BY done")
	assert.Equal(t, []string{"false", "true"}, qr.Column("done"))

	qr = query(t, engine, core.MainVersionID, "SELECT title FROM todo WHERE id IN (SELECT id FROM todo WHERE done = true)")
	assert.Equal(t, []string{"third"}, qr.Column("title"))

	qr = query(t, engine, core.MainVersionID, "SELECT id || ':' || title AS label FROM todo WHERE id = 'a'")
	assert.Equal(t, []string{"a:first"}, qr.Column("label"))

	qr = query(t, engine, core.MainVersionID, "SELECT * FROM todo WHERE id = 'a'")
	require.Len(t, qr.Maps(), 1)
	assert.Equal(t, "first", qr.Maps()[0]["title"])
	assert.Equal(t, core.MainVersionID, qr.Maps()[0]["version_id"])
}

func TestEngineDefaultExpression(t *testing.T) {
	engine := setupTestEngine(t)
	require.NoError(t, engine.RegisterSchema(pageSchema))

	_, err := engine.Execute("INSERT INTO page (id, name) VALUES (?, ?)", "p1", "Page")
	require.NoError(t, err)
	_, err = engine.Execute("INSERT INTO page (id, name, slug) VALUES ('p2', 'Other', 'custom')")
	require.NoError(t, err)

	qr := query(t, engine, core.MainVersionID, "SELECT slug FROM page ORDER BY id")
	assert.Equal(t, []string{"p1-slug", "custom"}, qr.Column("slug"))
}

func TestEngineDefaultExpressionFromSQLExpression(t *testing.T) {
	engine := setupTestEngine(t)
	require.NoError(t, engine.RegisterSchema(core.Schema{
		Key:     "post",
		Version: "1.0",
		Properties: map[string]core.Property{
			"id":    {Type: core.StringType},
			"name":  {Type: core.StringType},
			"slug":  {Type: core.StringType, DefaultExpr: "name + '-slug'"},
			"label": {Type: core.StringType, DefaultExpr: "slug + '-label'"},
		},
		PrimaryKey: []string{"/id"},
	}))

	_, err := engine.Execute("INSERT INTO post (id, name) VALUES ('p1', lower('ABC')), ('p2', 'Plain')")
	require.NoError(t, err)

	qr := query(t, engine, core.MainVersionID, "SELECT slug, label FROM post ORDER BY id")
	assert.Equal(t, [][]string{{"abc-slug", "abc-slug-label"}, {"Plain-slug", "Plain-slug-label"}}, qr.Data)
}

func TestEngineVersionIsolation(t *testing.T) {
	engine := setupTestEngine(t)
	insertTestData(t, engine)

	feature, err := engine.CreateVersion(history.VersionOptions{Name: "feature", From: core.MainVersionID})
	require.NoError(t, err)

	qr := query(t, engine, feature.ID, "SELECT title, inherited_from_version_id FROM todo WHERE id = 'a'")
	assert.Equal(t, []string{"first"}, qr.Column("title"))
	assert.Equal(t, []string{core.MainVersionID}, qr.Column("inherited_from_version_id"))

	_, err = engine.ExecuteIn(feature.ID, "UPDATE todo SET title = 'feature' WHERE id = 'a'")
	require.NoError(t, err)
	_, err = engine.ExecuteIn(feature.ID, "DELETE FROM todo WHERE id = 'b'")
	require.NoError(t, err)

	qr = query(t, engine, feature.ID, "SELECT id, title FROM todo ORDER BY id")
	assert.Equal(t, [][]string{{"a", "feature"}}, qr.Data)

	qr = query(t, engine, core.MainVersionID, "SELECT id, title FROM todo ORDER BY id")
	assert.Equal(t, [][]string{{"a", "first"}, {"b", "second"}}, qr.Data)

	_, err = engine.SwitchVersion("feature")
	require.NoError(t, err)
	assert.Equal(t, feature.ID, engine.ActiveVersion())
	qr = query(t, engine, engine.ActiveVersion(), "SELECT COUNT(*) AS n FROM todo")
	assert.Equal(t, []string{"1"}, qr.Column("n"))
}

func TestEngineAllView(t *testing.T) {
	engine := setupTestEngine(t)

	_, err := engine.Execute("INSERT INTO todo_all (id, title) VALUES ('g', 'global')")
	assert.ErrorIs(t, err, core.ErrMissingVersionID)

	_, err = engine.Execute("INSERT INTO todo_all (id, title, version_id) VALUES ('g', 'global', 'global')")
	require.NoError(t, err)

	// Rows of the global version are inherited by main.
	qr := query(t, engine, core.MainVersionID, "SELECT title FROM todo WHERE id = 'g'")
	assert.Equal(t, []string{"global"}, qr.Column("title"))

	qr = query(t, engine, core.MainVersionID, "SELECT version_id FROM todo_all WHERE id = 'g' ORDER BY version_id")
	assert.Equal(t, []string{core.GlobalVersionID, core.MainVersionID}, qr.Column("version_id"))
}

func TestEngineStateTable(t *testing.T) {
	engine := setupTestEngine(t)
	insertTestData(t, engine)

	qr := query(t, engine, core.MainVersionID,
		"SELECT entity_id, json_extract(snapshot_content, '$.title') AS title FROM state_all WHERE schema_key = 'todo' AND version_id = 'main' ORDER BY entity_id")
	assert.Equal(t, [][]string{{"a", "first"}, {"b", "second"}}, qr.Data)

	_, err := engine.Execute(`INSERT INTO state_all (entity_id, schema_key, file_id, version_id, snapshot_content) VALUES ('z', 'todo', 'entitydb', 'main', '{"id":"z","title":"raw"}')`)
	require.NoError(t, err)
	qr = query(t, engine, core.MainVersionID, "SELECT title FROM todo WHERE id = 'z'")
	assert.Equal(t, []string{"raw"}, qr.Column("title"))

	_, err = engine.Execute(`INSERT INTO state_all (entity_id, schema_key, snapshot_content) VALUES ('y', 'todo', '{"id":"y"}')`)
	assert.ErrorIs(t, err, core.ErrMissingVersionID)
}

func TestEngineChangeSetScenario(t *testing.T) {
	engine := setupTestEngine(t)

	_, err := engine.Execute("INSERT INTO entitydb_change_set (id, metadata) VALUES ('cs0', NULL), ('cs1', NULL)")
	require.NoError(t, err)
	_, err = engine.Execute(`UPDATE entitydb_change_set SET metadata = json('{"foo":"bar"}') WHERE id = 'cs0'`)
	require.NoError(t, err)
	_, err = engine.Execute("DELETE FROM entitydb_change_set WHERE id = 'cs0'")
	require.NoError(t, err)

	qr := query(t, engine, core.MainVersionID,
		"SELECT entity_id, snapshot_content FROM entitydb_change_set_history WHERE entity_id IN ('cs0', 'cs1')")
	require.Len(t, qr.Data, 4)
	assert.Equal(t, []string{"cs0", "cs1", "cs0", "cs0"}, qr.Column("entity_id"))
	snapshots := qr.Column("snapshot_content")
	assert.JSONEq(t, `{"id":"cs0","metadata":null}`, snapshots[0])
	assert.JSONEq(t, `{"id":"cs1","metadata":null}`, snapshots[1])
	assert.JSONEq(t, `{"id":"cs0","metadata":{"foo":"bar"}}`, snapshots[2])
	assert.Equal(t, "NULL", snapshots[3])

	qr = query(t, engine, core.MainVersionID, "SELECT id FROM entitydb_change_set WHERE id IN ('cs0', 'cs1')")
	assert.Equal(t, []string{"cs1"}, qr.Column("id"))
}

func TestEngineHistoryView(t *testing.T) {
	engine := setupTestEngine(t)
	insertTestData(t, engine)
	_, err := engine.Execute("UPDATE todo SET title = 'updated' WHERE id = 'a'")
	require.NoError(t, err)

	qr := query(t, engine, core.MainVersionID, "SELECT title FROM todo_history WHERE id = 'a'")
	assert.Equal(t, []string{"first", "updated"}, qr.Column("title"))

	_, err = engine.Execute("DELETE FROM todo_history WHERE id = 'a'")
	assert.ErrorIs(t, err, ErrReadOnlyView)
}

func TestEngineCheckpointNotifications(t *testing.T) {
	engine := setupTestEngine(t)

	var events []StateCommitted
	unsubscribe := engine.Subscribe(func(event StateCommitted) {
		events = append(events, event)
	})
	defer unsubscribe()

	todoEvents := func() []StateCommitted {
		var out []StateCommitted
		for _, event := range events {
			if event.VersionID != core.MainVersionID {
				continue
			}
			for _, change := range event.Changes {
				if change.SchemaKey == "todo" {
					out = append(out, event)
					break
				}
			}
		}
		return out
	}

	_, err := engine.Execute("INSERT INTO todo (id, title) VALUES ('a', 'first')")
	require.NoError(t, err)
	require.Len(t, todoEvents(), 1)

	result, err := engine.Checkpoint(core.MainVersionID)
	require.NoError(t, err)
	require.True(t, result.Created)

	committed := todoEvents()
	require.Len(t, committed, 2)
	assert.Equal(t, result.SealedFrom, committed[0].CommitID)
	assert.Equal(t, result.CommitID, committed[1].CommitID)
	require.Len(t, committed[1].Changes, 1)
	assert.Equal(t, result.CommitID, committed[1].Changes[0].CommitID)
	assert.JSONEq(t, `{"id":"a","title":"first","done":false}`, string(committed[1].Changes[0].Snapshot))

	// A second checkpoint without pending changes is a no-op.
	count := len(events)
	again, err := engine.Checkpoint(core.MainVersionID)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, result.CommitID, again.CommitID)
	assert.Len(t, events, count)

	// Rows now carry the sealed commit.
	qr := query(t, engine, core.MainVersionID, "SELECT commit_id FROM todo WHERE id = 'a'")
	assert.Equal(t, []string{result.CommitID}, qr.Column("commit_id"))

	assert.Equal(t, 1.0, testutil.ToFloat64(engine.metrics.checkpoints))
}

func TestEngineStaleCacheRebuild(t *testing.T) {
	engine := setupTestEngine(t)
	insertTestData(t, engine)

	engine.Store().Cache().MarkStale()
	qr := query(t, engine, core.MainVersionID, "SELECT id FROM todo ORDER BY id")
	assert.Equal(t, []string{"a", "b"}, qr.Column("id"))
	assert.Equal(t, 1.0, testutil.ToFloat64(engine.metrics.rebuilds))

	require.NoError(t, engine.Rebuild())
	assert.Equal(t, 2.0, testutil.ToFloat64(engine.metrics.rebuilds))
	assert.Equal(t, 2.0, testutil.ToFloat64(engine.metrics.changes))
}

func TestEngineErrors(t *testing.T) {
	engine := setupTestEngine(t)

	_, err := engine.Execute("SELEC * FROM todo")
	assert.Error(t, err)

	_, err = engine.Execute("SELECT * FROM nowhere")
	assert.ErrorIs(t, err, ErrUnknownTable)

	_, err = engine.Execute("SELECT missing FROM todo")
	assertKind(t, core.KindSchema, err)

	_, err = engine.Execute("INSERT INTO todo (title) VALUES ('no key')")
	assert.ErrorIs(t, err, core.ErrUnresolvedPrimaryKey)

	_, err = engine.Execute("UPDATE todo SET id = 'x' WHERE id = 'a'")
	assert.Error(t, err)

	_, err = engine.SwitchVersion("nope")
	assertKind(t, core.KindNotFound, err)
}

func assertKind(t *testing.T, expected core.ErrorKind, err error) {
	t.Helper()
	kind, ok := core.KindOf(err)
	require.True(t, ok, "expected a typed error, got %v", err)
	assert.Equal(t, expected, kind)
}

func TestEngineReopen(t *testing.T) {
	dir := t.TempDir()
	persistence, err := ps.NewFilePersistence(dir)
	require.NoError(t, err)
	engine, err := NewEngine(persistence, Options{})
	require.NoError(t, err)
	require.NoError(t, engine.RegisterSchema(todoSchema))
	insertTestData(t, engine)
	_, err = engine.Checkpoint(core.MainVersionID)
	require.NoError(t, err)

	reopened, err := ps.NewFilePersistence(dir)
	require.NoError(t, err)
	engine, err = NewEngine(reopened, Options{})
	require.NoError(t, err)

	qr := query(t, engine, core.MainVersionID, "SELECT id, title FROM todo ORDER BY id")
	assert.Equal(t, [][]string{{"a", "first"}, {"b", "second"}}, qr.Data)
}

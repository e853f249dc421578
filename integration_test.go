package EntityDB

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nickyhof/EntityDB/config"
	"github.com/nickyhof/EntityDB/core"
	"github.com/nickyhof/EntityDB/db"
	"github.com/nickyhof/EntityDB/history"
	"github.com/sirupsen/logrus"
)

var noteSchema = core.Schema{
	Key:     "note",
	Version: "1.0",
	Properties: map[string]core.Property{
		"id":     {Type: core.StringType},
		"body":   {Type: core.StringType},
		"pinned": {Type: core.BooleanType, Default: json.RawMessage("false")},
	},
	PrimaryKey: []string{"/id"},
}

// TestFunc is the signature for test functions that work with any persistence
type TestFunc func(t *testing.T, instance *Instance)

func testConfig(t *testing.T, baseDir string) config.Config {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("Failed to build config: %v", err)
	}
	cfg.BaseDir = baseDir
	cfg.StoreName = "integration"
	cfg.Identity = config.Identity{Name: "test", Email: "test@test.com"}
	cfg.Logger = logrus.New()
	cfg.Logger.SetLevel(logrus.WarnLevel)
	return cfg
}

// runWithBothPersistence runs a test function with both memory and file persistence
func runWithBothPersistence(t *testing.T, testFunc TestFunc) {
	t.Run("Memory", func(t *testing.T) {
		instance, err := Open(testConfig(t, ""))
		if err != nil {
			t.Fatalf("Failed to open memory store: %v", err)
		}
		testFunc(t, instance)
	})

	t.Run("File", func(t *testing.T) {
		instance, err := Open(testConfig(t, t.TempDir()))
		if err != nil {
			t.Fatalf("Failed to open file store: %v", err)
		}
		testFunc(t, instance)
	})
}

func mustExecute(t *testing.T, engine *db.Engine, query string, params ...any) db.Result {
	t.Helper()
	result, err := engine.Execute(query, params...)
	if err != nil {
		t.Fatalf("%s: %v", query, err)
	}
	return result
}

func rows(t *testing.T, engine *db.Engine, query string, params ...any) [][]string {
	t.Helper()
	return mustExecute(t, engine, query, params...).(db.QueryResult).Data
}

func TestIntegrationWorkflow(t *testing.T) {
	runWithBothPersistence(t, func(t *testing.T, instance *Instance) {
		engine := instance.Engine()
		if err := engine.RegisterSchema(noteSchema); err != nil {
			t.Fatalf("Failed to register schema: %v", err)
		}

		result := mustExecute(t, engine, "INSERT INTO note (id, body) VALUES ('n1', 'hello'), ('n2', 'world')")
		if result.(db.CommitResult).RecordsWritten != 2 {
			t.Errorf("Expected 2 entities written, got %d", result.(db.CommitResult).RecordsWritten)
		}

		mustExecute(t, engine, "UPDATE note SET pinned = true WHERE id = 'n2'")
		data := rows(t, engine, "SELECT id FROM note WHERE pinned = true")
		if len(data) != 1 || data[0][0] != "n2" {
			t.Errorf("Expected n2 pinned, got %v", data)
		}

		mustExecute(t, engine, "DELETE FROM note WHERE id = 'n1'")
		data = rows(t, engine, "SELECT COUNT(*) FROM note")
		if data[0][0] != "1" {
			t.Errorf("Expected 1 note left, got %s", data[0][0])
		}

		data = rows(t, engine, "SELECT entity_id FROM note_history WHERE entity_id = 'n1'")
		if len(data) != 2 {
			t.Errorf("Expected 2 changes for n1, got %d", len(data))
		}
	})
}

func TestIntegrationVersions(t *testing.T) {
	runWithBothPersistence(t, func(t *testing.T, instance *Instance) {
		engine := instance.Engine()
		if err := engine.RegisterSchema(noteSchema); err != nil {
			t.Fatalf("Failed to register schema: %v", err)
		}
		mustExecute(t, engine, "INSERT INTO note (id, body) VALUES ('n1', 'shared')")

		draft, err := engine.CreateVersion(history.VersionOptions{Name: "draft", From: core.MainVersionID})
		if err != nil {
			t.Fatalf("Failed to create version: %v", err)
		}
		if _, err := engine.SwitchVersion("draft"); err != nil {
			t.Fatalf("Failed to switch version: %v", err)
		}
		mustExecute(t, engine, "UPDATE note SET body = 'draft edit' WHERE id = 'n1'")

		data := rows(t, engine, "SELECT body FROM note_all WHERE id = 'n1' AND version_id = ?", core.MainVersionID)
		if len(data) != 1 || data[0][0] != "shared" {
			t.Errorf("Expected main to keep its body, got %v", data)
		}
		data = rows(t, engine, "SELECT body FROM note_all WHERE id = 'n1' AND version_id = ?", draft.ID)
		if len(data) != 1 || data[0][0] != "draft edit" {
			t.Errorf("Expected draft edit, got %v", data)
		}
	})
}

func TestIntegrationCheckpoint(t *testing.T) {
	runWithBothPersistence(t, func(t *testing.T, instance *Instance) {
		engine := instance.Engine()
		if err := engine.RegisterSchema(noteSchema); err != nil {
			t.Fatalf("Failed to register schema: %v", err)
		}
		mustExecute(t, engine, "INSERT INTO note (id, body) VALUES ('n1', 'hello')")

		first, err := engine.Checkpoint(core.MainVersionID)
		if err != nil {
			t.Fatalf("Failed to checkpoint: %v", err)
		}
		if !first.Created {
			t.Error("Expected the first checkpoint to seal a commit")
		}
		second, err := engine.Checkpoint(core.MainVersionID)
		if err != nil {
			t.Fatalf("Failed to checkpoint: %v", err)
		}
		if second.Created {
			t.Error("Expected an empty checkpoint to be a no-op")
		}
	})
}

func TestIntegrationErrorHandling(t *testing.T) {
	runWithBothPersistence(t, func(t *testing.T, instance *Instance) {
		engine := instance.Engine()
		tests := []string{
			"SELECT * FROM nowhere",
			"INSERT INTO note (id) VALUES ('x')",
			"SELEC * FROM state_all",
		}
		for _, query := range tests {
			if _, err := engine.Execute(query); err == nil {
				t.Errorf("Expected error for %q", query)
			}
		}
	})
}

func TestStoreInfo(t *testing.T) {
	runWithBothPersistence(t, func(t *testing.T, instance *Instance) {
		info := instance.Info()
		if info.ID == "" {
			t.Error("Expected a generated store id")
		}
		if info.Name != "integration" {
			t.Errorf("Expected store name integration, got %q", info.Name)
		}
	})
}

// TestFilePersistenceReopen tests that data and the store id survive a reopen
func TestFilePersistenceReopen(t *testing.T) {
	dir := t.TempDir()

	first, err := Open(testConfig(t, dir))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	if err := first.Engine().RegisterSchema(noteSchema); err != nil {
		t.Fatalf("Failed to register schema: %v", err)
	}
	mustExecute(t, first.Engine(), "INSERT INTO note (id, body) VALUES ('n1', 'hello'), ('n2', 'world')")

	second, err := Open(testConfig(t, dir))
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	if second.Info().ID != first.Info().ID {
		t.Errorf("Expected store id %s, got %s", first.Info().ID, second.Info().ID)
	}
	data := rows(t, second.Engine(), "SELECT body FROM note ORDER BY id")
	if len(data) != 2 || data[0][0] != "hello" || data[1][0] != "world" {
		t.Errorf("Expected persisted notes, got %v", data)
	}
}

func TestBlobExportImport(t *testing.T) {
	ctx := context.Background()
	source, err := Open(testConfig(t, ""))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	if err := source.Engine().RegisterSchema(noteSchema); err != nil {
		t.Fatalf("Failed to register schema: %v", err)
	}
	mustExecute(t, source.Engine(), "INSERT INTO note (id, body) VALUES ('n1', 'exported')")

	data, err := source.Export(ctx)
	if err != nil {
		t.Fatalf("Failed to export: %v", err)
	}

	dir := t.TempDir()
	imported, err := OpenBlob(ctx, data, testConfig(t, dir))
	if err != nil {
		t.Fatalf("Failed to import: %v", err)
	}
	if imported.Info() != source.Info() {
		t.Errorf("Expected %+v, got %+v", source.Info(), imported.Info())
	}
	rowsOut := rows(t, imported.Engine(), "SELECT body FROM note WHERE id = 'n1'")
	if len(rowsOut) != 1 || rowsOut[0][0] != "exported" {
		t.Errorf("Expected imported note, got %v", rowsOut)
	}

	if _, err := OpenBlob(ctx, data, testConfig(t, dir)); !errors.Is(err, ErrStoreExists) {
		t.Errorf("Expected ErrStoreExists, got %v", err)
	}
}

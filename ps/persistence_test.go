package ps

import (
	"errors"
	"testing"
	"time"

	"github.com/nickyhof/EntityDB/core"
)

var testIdentity = core.Identity{Name: "test", Email: "test@test.com"}

func TestNewMemoryPersistence(t *testing.T) {
	persistence, err := NewMemoryPersistence()
	if err != nil {
		t.Fatalf("Failed to create memory persistence: %v", err)
	}

	if !persistence.IsInitialized() {
		t.Error("Expected persistence to be initialized")
	}
	if !persistence.IsMemory() {
		t.Error("Expected memory persistence")
	}
}

func TestPersistenceNotInitialized(t *testing.T) {
	var persistence Persistence

	if persistence.IsInitialized() {
		t.Error("Expected uninitialized persistence to return false")
	}

	err := persistence.ensureInitialized()
	if err != ErrNotInitialized {
		t.Errorf("Expected ErrNotInitialized, got %v", err)
	}

	if _, err := persistence.Commit([]core.Record{{Table: "t", Key: "k"}}, testIdentity, "x"); err != ErrNotInitialized {
		t.Errorf("Expected ErrNotInitialized from Commit, got %v", err)
	}
}

func TestCommitAndGetRecord(t *testing.T) {
	persistence, err := NewMemoryPersistence()
	if err != nil {
		t.Fatalf("Failed to create persistence: %v", err)
	}

	txn, err := persistence.Commit([]core.Record{
		{Table: "changes", Key: "c1", Data: []byte(`{"id":"c1"}`)},
		{Table: "changes", Key: "c2", Data: []byte(`{"id":"c2"}`)},
		{Table: "versions", Key: "main", Data: []byte(`{"id":"main"}`)},
	}, testIdentity, "append")
	if err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}
	if txn.Id == "" {
		t.Error("Expected transaction ID to be set")
	}
	if txn.Message != "append" {
		t.Errorf("Expected message 'append', got %q", txn.Message)
	}

	data, exists := persistence.Get("changes", "c1")
	if !exists {
		t.Fatal("Expected record to exist")
	}
	if string(data) != `{"id":"c1"}` {
		t.Errorf("Data mismatch: got %s", data)
	}

	if _, exists := persistence.Get("changes", "missing"); exists {
		t.Error("Expected missing record to not exist")
	}
}

func TestCommitDeleteRecord(t *testing.T) {
	persistence, err := NewMemoryPersistence()
	if err != nil {
		t.Fatalf("Failed to create persistence: %v", err)
	}

	if _, err := persistence.Commit([]core.Record{
		{Table: "untracked", Key: "a", Data: []byte(`1`)},
		{Table: "untracked", Key: "b", Data: []byte(`2`)},
	}, testIdentity, "write"); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	if _, err := persistence.Commit([]core.Record{{Table: "untracked", Key: "a", Delete: true}}, testIdentity, "delete"); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}

	if _, exists := persistence.Get("untracked", "a"); exists {
		t.Error("Expected record to be deleted")
	}
	if _, exists := persistence.Get("untracked", "b"); !exists {
		t.Error("Expected sibling record to survive")
	}

	// Deleting the last row drops the table.
	if _, err := persistence.Commit([]core.Record{{Table: "untracked", Key: "b", Delete: true}}, testIdentity, "delete"); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	tables, err := persistence.Tables()
	if err != nil {
		t.Fatalf("Failed to list tables: %v", err)
	}
	if len(tables) != 0 {
		t.Errorf("Expected no tables, got %v", tables)
	}
}

func TestRowsAndTables(t *testing.T) {
	persistence, err := NewMemoryPersistence()
	if err != nil {
		t.Fatalf("Failed to create persistence: %v", err)
	}

	if tables, err := persistence.Tables(); err != nil || len(tables) != 0 {
		t.Fatalf("Expected no tables on an empty store, got %v (%v)", tables, err)
	}

	if _, err := persistence.Commit([]core.Record{
		{Table: "journal", Key: "00000002", Data: []byte(`b`)},
		{Table: "journal", Key: "00000001", Data: []byte(`a`)},
		{Table: "commits", Key: "x", Data: []byte(`c`)},
	}, testIdentity, "write"); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	tables, err := persistence.Tables()
	if err != nil {
		t.Fatalf("Failed to list tables: %v", err)
	}
	if len(tables) != 2 || tables[0] != "commits" || tables[1] != "journal" {
		t.Errorf("Unexpected tables: %v", tables)
	}

	rows, err := persistence.Rows("journal")
	if err != nil {
		t.Fatalf("Failed to read rows: %v", err)
	}
	if len(rows) != 2 || rows[0].Key != "00000001" || string(rows[1].Data) != "b" {
		t.Errorf("Unexpected rows: %+v", rows)
	}

	all, err := persistence.Load()
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if len(all) != 3 || all[0].Table != "commits" {
		t.Errorf("Unexpected load: %+v", all)
	}
}

func TestInvalidRecordPath(t *testing.T) {
	persistence, err := NewMemoryPersistence()
	if err != nil {
		t.Fatalf("Failed to create persistence: %v", err)
	}

	tests := []core.Record{
		{Table: "", Key: "k"},
		{Table: "t", Key: ""},
		{Table: "t", Key: "a/b"},
		{Table: "..", Key: "k"},
	}
	for _, record := range tests {
		if _, err := persistence.Commit([]core.Record{record}, testIdentity, "bad"); !errors.Is(err, ErrInvalidRecordPath) {
			t.Errorf("Expected ErrInvalidRecordPath for %s/%s, got %v", record.Table, record.Key, err)
		}
	}
}

func TestEmptyCommitPrevention(t *testing.T) {
	persistence, err := NewMemoryPersistence()
	if err != nil {
		t.Fatalf("Failed to create persistence: %v", err)
	}

	first, err := persistence.Commit([]core.Record{{Table: "t", Key: "k", Data: []byte(`1`)}}, testIdentity, "write")
	if err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	again, err := persistence.Commit(nil, testIdentity, "nothing")
	if err != nil {
		t.Fatalf("Empty commit failed: %v", err)
	}
	if again.Id != first.Id {
		t.Errorf("Expected empty commit to keep %s, got %s", first.Id, again.Id)
	}
}

func TestTransactions(t *testing.T) {
	persistence, err := NewMemoryPersistence()
	if err != nil {
		t.Fatalf("Failed to create persistence: %v", err)
	}

	if latest := persistence.LatestTransaction(); latest.Id != "" {
		t.Errorf("Expected no transaction on an empty store, got %v", latest)
	}
	if txns, err := persistence.TransactionsSince(time.Time{}); err != nil || len(txns) != 0 {
		t.Errorf("Expected no transactions, got %v (%v)", txns, err)
	}

	first, err := persistence.Commit([]core.Record{{Table: "t", Key: "1", Data: []byte(`1`)}}, testIdentity, "first")
	if err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}
	second, err := persistence.Commit([]core.Record{{Table: "t", Key: "2", Data: []byte(`2`)}}, testIdentity, "second")
	if err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	latest := persistence.LatestTransaction()
	if latest.Id != second.Id {
		t.Errorf("Expected latest %s, got %s", second.Id, latest.Id)
	}
	if latest.Author != "test <test@test.com>" {
		t.Errorf("Unexpected author %q", latest.Author)
	}

	txns, err := persistence.TransactionsFrom(second.Id)
	if err != nil {
		t.Fatalf("Failed to list transactions: %v", err)
	}
	if len(txns) != 2 || txns[0].Id != second.Id || txns[1].Id != first.Id {
		t.Errorf("Unexpected transactions: %v", txns)
	}

	since, err := persistence.TransactionsSince(first.When.Add(-time.Second))
	if err != nil {
		t.Fatalf("Failed to list transactions: %v", err)
	}
	if len(since) != 2 {
		t.Errorf("Expected 2 transactions, got %d", len(since))
	}
}

func TestFilePersistenceReopen(t *testing.T) {
	dir := t.TempDir()

	persistence, err := NewFilePersistence(dir)
	if err != nil {
		t.Fatalf("Failed to create file persistence: %v", err)
	}
	if persistence.IsMemory() {
		t.Error("Expected file persistence")
	}
	txn, err := persistence.Commit([]core.Record{{Table: "versions", Key: "main", Data: []byte(`{"id":"main"}`)}}, testIdentity, "bootstrap")
	if err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	reopened, err := NewFilePersistence(dir)
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	data, exists := reopened.Get("versions", "main")
	if !exists || string(data) != `{"id":"main"}` {
		t.Errorf("Expected record after reopen, got %s (%v)", data, exists)
	}
	if latest := reopened.LatestTransaction(); latest.Id != txn.Id {
		t.Errorf("Expected latest %s after reopen, got %s", txn.Id, latest.Id)
	}
}

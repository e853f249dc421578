package ps

import (
	"errors"
	"testing"

	"github.com/nickyhof/EntityDB/core"
)

func write(table, key, data string) core.Record {
	return core.Record{Table: table, Key: key, Data: []byte(data)}
}

func TestTransactionBuilder(t *testing.T) {
	persistence, err := NewMemoryPersistence()
	if err != nil {
		t.Fatalf("Failed to create persistence: %v", err)
	}

	txn, err := persistence.BeginTransaction()
	if err != nil {
		t.Fatalf("Failed to begin transaction: %v", err)
	}

	if err := txn.Add(write("changes", "1", `{"id":"1"}`), write("changes", "2", `{"id":"2"}`)); err != nil {
		t.Fatalf("Failed to add records: %v", err)
	}

	result, err := txn.Commit(testIdentity, "")
	if err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}
	if result.Id == "" {
		t.Error("Expected transaction ID to be set")
	}
	if result.Message != "Batch transaction: 2 operation(s)" {
		t.Errorf("Unexpected message %q", result.Message)
	}

	for _, key := range []string{"1", "2"} {
		if _, exists := persistence.Get("changes", key); !exists {
			t.Errorf("Expected record %s to exist after commit", key)
		}
	}
}

func TestTransactionBuilderRollback(t *testing.T) {
	persistence, err := NewMemoryPersistence()
	if err != nil {
		t.Fatalf("Failed to create persistence: %v", err)
	}

	txn, _ := persistence.BeginTransaction()
	txn.Add(write("changes", "1", `{}`))
	txn.Rollback()

	if _, exists := persistence.Get("changes", "1"); exists {
		t.Error("Expected record to not exist after rollback")
	}
	if err := txn.Add(write("changes", "2", `{}`)); err == nil {
		t.Error("Expected error adding to a rolled back transaction")
	}
	if _, err := txn.Commit(testIdentity, ""); err == nil {
		t.Error("Expected error committing a rolled back transaction")
	}
}

func TestTransactionBuilderFailedCommit(t *testing.T) {
	persistence, err := NewMemoryPersistence()
	if err != nil {
		t.Fatalf("Failed to create persistence: %v", err)
	}

	txn, _ := persistence.BeginTransaction()
	txn.Add(write("changes", "1", `{}`), write("changes", "a/b", `{}`))
	if _, err := txn.Commit(testIdentity, ""); !errors.Is(err, ErrInvalidRecordPath) {
		t.Fatalf("Expected ErrInvalidRecordPath, got %v", err)
	}
	txn.Rollback()

	if _, exists := persistence.Get("changes", "1"); exists {
		t.Error("Expected nothing committed from a failed transaction")
	}
	if tx := persistence.LatestTransaction(); tx.Id != "" {
		t.Errorf("Expected no commit, got %s", tx.Id)
	}
}

func TestTransactionBuilderDelete(t *testing.T) {
	persistence, err := NewMemoryPersistence()
	if err != nil {
		t.Fatalf("Failed to create persistence: %v", err)
	}

	txn, _ := persistence.BeginTransaction()
	txn.Add(write("untracked", "1", `{}`), write("untracked", "2", `{}`))
	if _, err := txn.Commit(testIdentity, "write"); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	txn, _ = persistence.BeginTransaction()
	txn.Add(core.Record{Table: "untracked", Key: "1", Delete: true})
	if _, err := txn.Commit(testIdentity, "delete"); err != nil {
		t.Fatalf("Failed to commit delete: %v", err)
	}

	if _, exists := persistence.Get("untracked", "1"); exists {
		t.Error("Expected record 1 to be deleted")
	}
	if _, exists := persistence.Get("untracked", "2"); !exists {
		t.Error("Expected record 2 to still exist")
	}
}

func TestTransactionBuilderEmptyCommit(t *testing.T) {
	persistence, err := NewMemoryPersistence()
	if err != nil {
		t.Fatalf("Failed to create persistence: %v", err)
	}

	txn, _ := persistence.BeginTransaction()
	if _, err := txn.Commit(testIdentity, ""); err == nil {
		t.Error("Expected error for empty transaction")
	}
}

func TestTransactionBuilderNotStarted(t *testing.T) {
	txn := &TransactionBuilder{}
	if err := txn.Add(write("t", "k", `{}`)); err == nil {
		t.Error("Expected error for not started transaction")
	}
	if _, err := txn.Commit(testIdentity, ""); err == nil {
		t.Error("Expected error for not started transaction")
	}
}

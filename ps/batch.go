package ps

import (
	"fmt"

	"github.com/nickyhof/EntityDB/core"
)

// TransactionBuilder collects record writes and deletes for one commit.
type TransactionBuilder struct {
	persistence *Persistence
	records     []core.Record
	started     bool
}

// BeginTransaction creates a new transaction builder for batching operations
func (persistence *Persistence) BeginTransaction() (*TransactionBuilder, error) {
	if err := persistence.ensureInitialized(); err != nil {
		return nil, err
	}

	return &TransactionBuilder{
		persistence: persistence,
		started:     true,
	}, nil
}

// Add appends records to the transaction. A record with Delete set
// removes its row.
func (tb *TransactionBuilder) Add(records ...core.Record) error {
	if !tb.started {
		return fmt.Errorf("transaction not started")
	}
	tb.records = append(tb.records, records...)
	return nil
}

// Commit applies all batched operations in a single git commit.
func (tb *TransactionBuilder) Commit(identity core.Identity, message string) (Transaction, error) {
	if !tb.started {
		return Transaction{}, fmt.Errorf("transaction not started")
	}

	if len(tb.records) == 0 {
		return Transaction{}, fmt.Errorf("no operations to commit")
	}

	if message == "" {
		message = fmt.Sprintf("Batch transaction: %d operation(s)", len(tb.records))
	}
	txn, err := tb.persistence.Commit(tb.records, identity, message)
	if err != nil {
		return Transaction{}, fmt.Errorf("failed to commit: %w", err)
	}

	tb.started = false
	tb.records = nil

	return txn, nil
}

// Rollback discards all batched operations without committing
func (tb *TransactionBuilder) Rollback() {
	tb.started = false
	tb.records = nil
}


package ps

import (
	"fmt"
	"time"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"
)

// Transaction is one git commit of the store.
type Transaction struct {
	Id      string
	When    time.Time
	Author  string // "Name <email>" format
	Message string
}

func (transaction Transaction) String() string {
	return fmt.Sprintf("Transaction{Id: %s, When: %s, Author: %s}", transaction.Id, transaction.When, transaction.Author)
}

func transactionOf(c *object.Commit) Transaction {
	author := ""
	if c.Author.Name != "" || c.Author.Email != "" {
		author = fmt.Sprintf("%s <%s>", c.Author.Name, c.Author.Email)
	}
	return Transaction{
		Id:      c.Hash.String(),
		When:    c.Committer.When,
		Author:  author,
		Message: c.Message,
	}
}

func (persistence *Persistence) LatestTransaction() Transaction {
	if !persistence.IsInitialized() {
		return Transaction{}
	}
	persistence.mu.RLock()
	defer persistence.mu.RUnlock()

	headRef, err := persistence.repo.Head()
	if err != nil || headRef == nil {
		// No commits yet
		return Transaction{}
	}

	commit, err := persistence.repo.CommitObject(headRef.Hash())
	if err != nil {
		return Transaction{}
	}
	return transactionOf(commit)
}

// TransactionsSince lists the transactions committed at or after asof,
// newest first.
func (persistence *Persistence) TransactionsSince(asof time.Time) ([]Transaction, error) {
	return persistence.log(&git.LogOptions{Since: &asof})
}

// TransactionsFrom lists the transaction with the given id and its
// ancestors, newest first.
func (persistence *Persistence) TransactionsFrom(id string) ([]Transaction, error) {
	return persistence.log(&git.LogOptions{From: plumbing.NewHash(id)})
}

func (persistence *Persistence) log(options *git.LogOptions) ([]Transaction, error) {
	if err := persistence.ensureInitialized(); err != nil {
		return nil, err
	}
	persistence.mu.RLock()
	defer persistence.mu.RUnlock()

	if _, err := persistence.repo.Head(); err != nil {
		return nil, nil
	}

	cIter, err := persistence.repo.Log(options)
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	defer cIter.Close()

	var transactions []Transaction
	err = cIter.ForEach(func(c *object.Commit) error {
		transactions = append(transactions, transactionOf(c))
		return nil
	})
	return transactions, err
}

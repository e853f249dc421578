package ps

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/filemode"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/nickyhof/EntityDB/core"
)

var ErrInvalidRecordPath = errors.New("invalid record path")

func recordPath(table, key string) (string, error) {
	for _, part := range []string{table, key} {
		if part == "" || part == "." || part == ".." || strings.Contains(part, "/") {
			return "", fmt.Errorf("%w: %s/%s", ErrInvalidRecordPath, table, key)
		}
	}
	return path.Join(table, key), nil
}

// Commit writes records in one git commit. A record with Delete set removes
// its row. Writing nothing creates no commit and returns the latest
// transaction.
func (p *Persistence) Commit(records []core.Record, identity core.Identity, message string) (Transaction, error) {
	if err := p.ensureInitialized(); err != nil {
		return Transaction{}, err
	}
	if len(records) == 0 {
		return p.LatestTransaction(), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var root plumbing.Hash
	head, err := p.head()
	if err != nil {
		return Transaction{}, err
	}
	if head != nil {
		root = head.TreeHash
	}

	tree, err := p.writeRecords(root, records)
	if err != nil {
		return Transaction{}, fmt.Errorf("failed to update tree: %w", err)
	}
	return p.createCommit(tree, identity, message)
}

// Get reads one record from the current HEAD.
func (p *Persistence) Get(table, key string) ([]byte, bool) {
	if !p.IsInitialized() {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	tree, err := p.headTree()
	if err != nil || tree == nil {
		return nil, false
	}
	recordPath, err := recordPath(table, key)
	if err != nil {
		return nil, false
	}
	file, err := tree.File(recordPath)
	if err != nil {
		return nil, false
	}
	content, err := file.Contents()
	if err != nil {
		return nil, false
	}
	return []byte(content), true
}

// Tables lists the tables holding at least one record, sorted.
func (p *Persistence) Tables() ([]string, error) {
	if err := p.ensureInitialized(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	tree, err := p.headTree()
	if err != nil || tree == nil {
		return nil, err
	}
	var tables []string
	for _, entry := range tree.Entries {
		if entry.Mode == filemode.Dir {
			tables = append(tables, entry.Name)
		}
	}
	sort.Strings(tables)
	return tables, nil
}

// Rows returns every record of table, sorted by key.
func (p *Persistence) Rows(table string) ([]core.Record, error) {
	if err := p.ensureInitialized(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	tree, err := p.headTree()
	if err != nil || tree == nil {
		return nil, err
	}
	return p.tableRows(tree, table)
}

func (p *Persistence) tableRows(root *object.Tree, table string) ([]core.Record, error) {
	entry, err := root.FindEntry(table)
	if err != nil {
		return nil, nil
	}
	if entry.Mode != filemode.Dir {
		return nil, nil
	}
	tree, err := object.GetTree(p.repo.Storer, entry.Hash)
	if err != nil {
		return nil, fmt.Errorf("failed to read table %s: %w", table, err)
	}

	records := make([]core.Record, 0, len(tree.Entries))
	for _, row := range tree.Entries {
		if row.Mode != filemode.Regular {
			continue
		}
		data, err := p.readBlob(row.Hash)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s/%s: %w", table, row.Name, err)
		}
		records = append(records, core.Record{Table: table, Key: row.Name, Data: data})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

// Load returns every record of every table at HEAD, grouped by table in
// table order.
func (p *Persistence) Load() ([]core.Record, error) {
	tables, err := p.Tables()
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	tree, err := p.headTree()
	if err != nil || tree == nil {
		return nil, err
	}
	var records []core.Record
	for _, table := range tables {
		rows, err := p.tableRows(tree, table)
		if err != nil {
			return nil, err
		}
		records = append(records, rows...)
	}
	return records, nil
}

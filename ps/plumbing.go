package ps

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/filemode"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/nickyhof/EntityDB/core"
)

// storeObject encodes obj into the object store.
func (p *Persistence) storeObject(kind string, encode func(plumbing.EncodedObject) error) (plumbing.Hash, error) {
	obj := p.repo.Storer.NewEncodedObject()
	if err := encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	hash, err := p.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store %s: %w", kind, err)
	}
	return hash, nil
}

// createBlob writes a record body as a blob object without filesystem I/O.
func (p *Persistence) createBlob(data []byte) (plumbing.Hash, error) {
	return p.storeObject("blob", func(obj plumbing.EncodedObject) error {
		obj.SetType(plumbing.BlobObject)
		obj.SetSize(int64(len(data)))
		writer, err := obj.Writer()
		if err != nil {
			return err
		}
		defer writer.Close()
		_, err = writer.Write(data)
		return err
	})
}

func (p *Persistence) readBlob(hash plumbing.Hash) ([]byte, error) {
	blob, err := object.GetBlob(p.repo.Storer, hash)
	if err != nil {
		return nil, err
	}
	reader, err := blob.Reader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// writeTree stores entries as a tree. Git orders directory names as if
// they ended in a slash.
func (p *Persistence) writeTree(entries map[string]object.TreeEntry) (plumbing.Hash, error) {
	sorted := make([]object.TreeEntry, 0, len(entries))
	for _, entry := range entries {
		sorted = append(sorted, entry)
	}
	sortKey := func(entry object.TreeEntry) string {
		if entry.Mode == filemode.Dir {
			return entry.Name + "/"
		}
		return entry.Name
	}
	sort.Slice(sorted, func(i, j int) bool { return sortKey(sorted[i]) < sortKey(sorted[j]) })

	tree := &object.Tree{Entries: sorted}
	return p.storeObject("tree", tree.Encode)
}

func (p *Persistence) treeEntries(hash plumbing.Hash) (map[string]object.TreeEntry, error) {
	entries := make(map[string]object.TreeEntry)
	if hash == plumbing.ZeroHash {
		return entries, nil
	}
	tree, err := object.GetTree(p.repo.Storer, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get tree: %w", err)
	}
	for _, entry := range tree.Entries {
		entries[entry.Name] = entry
	}
	return entries, nil
}

// head returns the HEAD commit, or nil before the first commit.
func (p *Persistence) head() (*object.Commit, error) {
	ref, err := p.repo.Head()
	if err != nil {
		return nil, nil
	}
	commit, err := p.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to get head commit: %w", err)
	}
	return commit, nil
}

// headTree returns the tree of HEAD, or nil before the first commit.
func (p *Persistence) headTree() (*object.Tree, error) {
	commit, err := p.head()
	if err != nil || commit == nil {
		return nil, err
	}
	return commit.Tree()
}

// writeRecords applies records to the root tree. Each table is one
// directory rewritten once however many of its rows change; a table left
// without rows disappears.
func (p *Persistence) writeRecords(root plumbing.Hash, records []core.Record) (plumbing.Hash, error) {
	byTable := make(map[string][]core.Record)
	var order []string
	for _, record := range records {
		if _, err := recordPath(record.Table, record.Key); err != nil {
			return plumbing.ZeroHash, err
		}
		if _, seen := byTable[record.Table]; !seen {
			order = append(order, record.Table)
		}
		byTable[record.Table] = append(byTable[record.Table], record)
	}

	tables, err := p.treeEntries(root)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	for _, table := range order {
		var current plumbing.Hash
		if entry, ok := tables[table]; ok && entry.Mode == filemode.Dir {
			current = entry.Hash
		}
		rows, err := p.treeEntries(current)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		for _, record := range byTable[table] {
			if record.Delete {
				delete(rows, record.Key)
				continue
			}
			hash, err := p.createBlob(record.Data)
			if err != nil {
				return plumbing.ZeroHash, fmt.Errorf("failed to create blob for %s/%s: %w", table, record.Key, err)
			}
			rows[record.Key] = object.TreeEntry{Name: record.Key, Mode: filemode.Regular, Hash: hash}
		}

		if len(rows) == 0 {
			delete(tables, table)
			continue
		}
		hash, err := p.writeTree(rows)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		tables[table] = object.TreeEntry{Name: table, Mode: filemode.Dir, Hash: hash}
	}
	return p.writeTree(tables)
}

// createCommit commits tree on top of HEAD and advances the branch.
func (p *Persistence) createCommit(tree plumbing.Hash, identity core.Identity, message string) (Transaction, error) {
	ref, err := p.repo.Head()
	var parents []plumbing.Hash
	if err == nil {
		parents = []plumbing.Hash{ref.Hash()}
	}

	sig := object.Signature{Name: identity.Name, Email: identity.Email, When: time.Now()}
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     tree,
		ParentHashes: parents,
	}
	hash, err := p.storeObject("commit", commit.Encode)
	if err != nil {
		return Transaction{}, err
	}

	branch := plumbing.Master
	if ref != nil && ref.Name().IsBranch() {
		branch = ref.Name()
	}
	if err := p.repo.Storer.SetReference(plumbing.NewHashReference(branch, hash)); err != nil {
		return Transaction{}, fmt.Errorf("failed to update HEAD: %w", err)
	}

	return Transaction{
		Id:      hash.String(),
		When:    sig.When,
		Author:  identity.String(),
		Message: message,
	}, nil
}

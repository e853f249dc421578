package cache

import (
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/nickyhof/EntityDB/core"
)

// Cache materializes the current snapshot of every entity per version.
//
// Tracked rows are derived from the change log and can be rebuilt at any
// time. Untracked rows are not part of the log; they live in a side table
// that survives rebuilds and shadows tracked rows at the same version.
type Cache struct {
	mu sync.RWMutex

	rows      *btree.BTreeG[core.CacheRow]
	untracked *btree.BTreeG[core.CacheRow]

	parents  map[string]string
	children map[string][]string

	fresh bool
}

func lessRow(a, b core.CacheRow) bool {
	if a.VersionID != b.VersionID {
		return a.VersionID < b.VersionID
	}
	if a.SchemaKey != b.SchemaKey {
		return a.SchemaKey < b.SchemaKey
	}
	if a.EntityID != b.EntityID {
		return a.EntityID < b.EntityID
	}
	return a.FileID < b.FileID
}

func New() *Cache {
	return &Cache{
		rows:      btree.NewG[core.CacheRow](32, lessRow),
		untracked: btree.NewG[core.CacheRow](32, lessRow),
		parents:   make(map[string]string),
		children:  make(map[string][]string),
		fresh:     true,
	}
}

func pivot(key core.StateKey, versionID string) core.CacheRow {
	return core.CacheRow{VersionID: versionID, SchemaKey: key.SchemaKey, EntityID: key.EntityID, FileID: key.FileID}
}

// AddVersion registers a version and the version it inherits from.
func (c *Cache) AddVersion(versionID, parentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addVersion(versionID, parentID)
}

func (c *Cache) addVersion(versionID, parentID string) {
	if _, known := c.parents[versionID]; known {
		return
	}
	c.parents[versionID] = parentID
	if parentID != "" {
		c.children[parentID] = append(c.children[parentID], versionID)
		sort.Strings(c.children[parentID])
	}
}

// Parent returns the version versionID inherits from.
func (c *Cache) Parent(versionID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	parent, ok := c.parents[versionID]
	return parent, ok && parent != ""
}

// Children returns the versions directly inheriting from versionID.
func (c *Cache) Children(versionID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.children[versionID]...)
}

// Versions returns every registered version in sorted order.
func (c *Cache) Versions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	versions := make([]string, 0, len(c.parents))
	for id := range c.parents {
		versions = append(versions, id)
	}
	sort.Strings(versions)
	return versions
}

// Update folds logged changes into the cache in submission order. The last
// change for a key wins; created_at is kept from the first row for the key
// and updated_at follows the latest change. It returns every row written,
// including rows copied into child versions.
func (c *Cache) Update(changes []core.Change, commitID, versionID string) []core.CacheRow {
	c.mu.Lock()
	defer c.mu.Unlock()

	var written []core.CacheRow
	for _, change := range changes {
		written = append(written, c.apply(change, commitID, versionID)...)
	}
	return written
}

func (c *Cache) apply(change core.Change, commitID, versionID string) []core.CacheRow {
	key := change.Key()
	existing, had := c.rows.Get(pivot(key, versionID))

	row := core.CacheRow{
		EntityID:      change.EntityID,
		SchemaKey:     change.SchemaKey,
		FileID:        change.FileID,
		VersionID:     versionID,
		PluginKey:     change.PluginKey,
		SchemaVersion: change.SchemaVersion,
		Snapshot:      change.Snapshot,
		Metadata:      change.Metadata,
		ChangeID:      change.ID,
		CommitID:      commitID,
		CreatedAt:     change.CreatedAt,
		UpdatedAt:     change.CreatedAt,
	}
	if had {
		row.CreatedAt = existing.CreatedAt
	}

	var written []core.CacheRow
	if change.IsDeletion() {
		row.IsTombstone = true
		if had && !existing.IsTombstone {
			written = append(written, c.copyDown(existing, versionID)...)
		}
	}

	c.rows.ReplaceOrInsert(row)
	c.untracked.Delete(pivot(key, versionID))
	return append(written, row)
}

// copyDown hands the last live row of a deleted entity to every direct child
// that has no row of its own for the key. The copy keeps the commit id of
// the original write.
func (c *Cache) copyDown(live core.CacheRow, versionID string) []core.CacheRow {
	var copied []core.CacheRow
	for _, child := range c.children[versionID] {
		if _, overridden := c.rows.Get(pivot(live.Key(), child)); overridden {
			continue
		}
		if _, overridden := c.untracked.Get(pivot(live.Key(), child)); overridden {
			continue
		}
		row := live
		row.VersionID = child
		row.InheritedFromVersionID = versionID
		c.rows.ReplaceOrInsert(row)
		copied = append(copied, row)
	}
	return copied
}

// Get returns the row stored directly at versionID, tombstones included.
func (c *Cache) Get(key core.StateKey, versionID string) (core.CacheRow, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if row, ok := c.untracked.Get(pivot(key, versionID)); ok {
		return row, true
	}
	return c.rows.Get(pivot(key, versionID))
}

// Resolve returns the effective row of an entity in a version. Absent rows
// fall back along the inheritance chain; a tombstone ends the walk with no
// value.
func (c *Cache) Resolve(key core.StateKey, versionID string) (core.CacheRow, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]bool)
	for current := versionID; current != "" && !seen[current]; current = c.parents[current] {
		seen[current] = true
		if row, ok := c.untracked.Get(pivot(key, current)); ok {
			return inherit(row, versionID), true
		}
		if row, ok := c.rows.Get(pivot(key, current)); ok {
			if row.IsTombstone {
				return core.CacheRow{}, false
			}
			return inherit(row, versionID), true
		}
	}
	return core.CacheRow{}, false
}

// inherit presents a row found in an ancestor as a row of versionID.
func inherit(row core.CacheRow, versionID string) core.CacheRow {
	if row.VersionID == versionID {
		return row
	}
	if row.InheritedFromVersionID == "" {
		row.InheritedFromVersionID = row.VersionID
	}
	row.VersionID = versionID
	return row
}

// Scan returns the resolved rows of a schema visible in a version, ordered by
// entity id and file id. An empty schemaKey scans every schema.
func (c *Cache) Scan(schemaKey, versionID string) []core.CacheRow {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scan(schemaKey, versionID)
}

func (c *Cache) scan(schemaKey, versionID string) []core.CacheRow {
	seen := make(map[core.StateKey]bool)
	var result []core.CacheRow
	visit := func(row core.CacheRow) bool {
		if seen[row.Key()] {
			return true
		}
		seen[row.Key()] = true
		if !row.IsTombstone {
			result = append(result, inherit(row, versionID))
		}
		return true
	}

	visited := make(map[string]bool)
	for current := versionID; current != "" && !visited[current]; current = c.parents[current] {
		visited[current] = true
		from, to := scanRange(schemaKey, current)
		c.untracked.AscendRange(from, to, visit)
		c.rows.AscendRange(from, to, visit)
	}

	sort.Slice(result, func(i, j int) bool {
		return lessRow(
			core.CacheRow{SchemaKey: result[i].SchemaKey, EntityID: result[i].EntityID, FileID: result[i].FileID},
			core.CacheRow{SchemaKey: result[j].SchemaKey, EntityID: result[j].EntityID, FileID: result[j].FileID},
		)
	})
	return result
}

// ScanAll resolves a schema in every known version, ordered by version.
func (c *Cache) ScanAll(schemaKey string) []core.CacheRow {
	var result []core.CacheRow
	for _, versionID := range c.Versions() {
		result = append(result, c.Scan(schemaKey, versionID)...)
	}
	return result
}

func scanRange(schemaKey, versionID string) (core.CacheRow, core.CacheRow) {
	if schemaKey == "" {
		return core.CacheRow{VersionID: versionID}, core.CacheRow{VersionID: versionID + "\x00"}
	}
	return core.CacheRow{VersionID: versionID, SchemaKey: schemaKey},
		core.CacheRow{VersionID: versionID, SchemaKey: schemaKey + "\x00"}
}

// SetUntracked stores a row that is not backed by the change log.
func (c *Cache) SetUntracked(row core.CacheRow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row.Untracked = true
	row.ChangeID = core.UntrackedChangeID
	if existing, ok := c.untracked.Get(row); ok {
		row.CreatedAt = existing.CreatedAt
	}
	c.untracked.ReplaceOrInsert(row)
}

// DeleteUntracked removes an untracked row. It reports whether one existed.
func (c *Cache) DeleteUntracked(key core.StateKey, versionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.untracked.Delete(pivot(key, versionID))
	return ok
}

// UntrackedRows returns every untracked row.
func (c *Cache) UntrackedRows() []core.CacheRow {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var rows []core.CacheRow
	c.untracked.Ascend(func(row core.CacheRow) bool {
		rows = append(rows, row)
		return true
	})
	return rows
}

// Restamp moves rows attributed to a sealed working commit onto the commit
// that sealed it.
func (c *Cache) Restamp(fromCommitID, toCommitID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restamp(fromCommitID, toCommitID)
}

func (c *Cache) restamp(fromCommitID, toCommitID string) int {
	var moved []core.CacheRow
	c.rows.Ascend(func(row core.CacheRow) bool {
		if row.CommitID == fromCommitID {
			row.CommitID = toCommitID
			moved = append(moved, row)
		}
		return true
	})
	for _, row := range moved {
		c.rows.ReplaceOrInsert(row)
	}
	return len(moved)
}

// Len returns the number of tracked rows, tombstones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rows.Len()
}

// IsFresh reports whether cached reads can be trusted.
func (c *Cache) IsFresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fresh
}

// MarkStale flags the cache as out of date with the change log.
func (c *Cache) MarkStale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fresh = false
}

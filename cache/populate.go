package cache

import (
	"github.com/google/btree"
	"github.com/nickyhof/EntityDB/core"
	"github.com/tidwall/gjson"
)

type EventKind int

const (
	// VersionCreated registers a version with its parent.
	VersionCreated EventKind = iota
	// ChangesApplied folds changes logged at (VersionID, CommitID).
	ChangesApplied
	// CommitSealed moves rows from a working commit to its sealed commit.
	CommitSealed
)

// Event is one replayable step of the change log.
type Event struct {
	Kind            EventKind
	VersionID       string
	ParentVersionID string
	CommitID        string
	FromCommitID    string
	ToCommitID      string
	Changes         []core.Change
}

// Populate discards all tracked rows and the version graph and rebuilds them
// by replaying events in order. Untracked rows are kept. The cache is fresh
// afterwards.
func (c *Cache) Populate(events []Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rows = btree.NewG[core.CacheRow](32, lessRow)
	c.parents = make(map[string]string)
	c.children = make(map[string][]string)

	for _, event := range events {
		switch event.Kind {
		case VersionCreated:
			c.addVersion(event.VersionID, event.ParentVersionID)
		case ChangesApplied:
			for _, change := range event.Changes {
				c.applyTracked(change, event.CommitID, event.VersionID)
			}
		case CommitSealed:
			c.restamp(event.FromCommitID, event.ToCommitID)
		}
	}
	c.fresh = true
}

// applyTracked applies a change during replay. Untracked rows are left
// alone; they were written after the tracked history they shadow.
func (c *Cache) applyTracked(change core.Change, commitID, versionID string) {
	untracked, had := c.untracked.Get(pivot(change.Key(), versionID))
	c.apply(change, commitID, versionID)
	if had {
		c.untracked.ReplaceOrInsert(untracked)
	}
}

// CommitParents reads the parents of a commit from the materialized commit
// records of the global version.
func (c *Cache) CommitParents(commitID string) []string {
	row, ok := c.Resolve(core.StateKey{EntityID: commitID, SchemaKey: core.CommitSchemaKey, FileID: core.DefaultFileID}, core.GlobalVersionID)
	if !ok {
		return nil
	}
	var parents []string
	gjson.GetBytes(row.Snapshot, "parent_commit_ids").ForEach(func(_, value gjson.Result) bool {
		parents = append(parents, value.String())
		return true
	})
	return parents
}

// CommitAncestors walks materialized commit records breadth first.
func (c *Cache) CommitAncestors(commitID string) []string {
	var ancestors []string
	seen := map[string]bool{commitID: true}
	queue := []string{commitID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, parent := range c.CommitParents(current) {
			if seen[parent] {
				continue
			}
			seen[parent] = true
			ancestors = append(ancestors, parent)
			queue = append(queue, parent)
		}
	}
	return ancestors
}

// CommitEdges returns the materialized commit edges whose child is commitID.
func (c *Cache) CommitEdges(childID string) []core.CommitEdge {
	var edges []core.CommitEdge
	for _, row := range c.Scan(core.CommitEdgeSchemaKey, core.GlobalVersionID) {
		if gjson.GetBytes(row.Snapshot, "child_id").String() != childID {
			continue
		}
		edges = append(edges, core.CommitEdge{
			ParentID: gjson.GetBytes(row.Snapshot, "parent_id").String(),
			ChildID:  childID,
		})
	}
	return edges
}

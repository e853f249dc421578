package history

import (
	"sort"

	"github.com/nickyhof/EntityDB/core"
)

func (log *Log) Version(id string) (core.Version, bool) {
	log.mu.RLock()
	defer log.mu.RUnlock()
	version, ok := log.versions[id]
	return version, ok
}

// VersionByName looks a version up by its display name.
func (log *Log) VersionByName(name string) (core.Version, bool) {
	log.mu.RLock()
	defer log.mu.RUnlock()
	for _, version := range log.versions {
		if version.Name == name {
			return version, true
		}
	}
	return core.Version{}, false
}

// Versions returns every version ordered by id.
func (log *Log) Versions() []core.Version {
	log.mu.RLock()
	defer log.mu.RUnlock()
	return sortedVersions(log.versions)
}

func (log *Log) Commit(id string) (core.Commit, bool) {
	log.mu.RLock()
	defer log.mu.RUnlock()
	commit, ok := log.commits[id]
	return commit, ok
}

func (log *Log) CommitEdges() []core.CommitEdge {
	log.mu.RLock()
	defer log.mu.RUnlock()
	return append([]core.CommitEdge(nil), log.commitEdges...)
}

// Ancestors walks parent links breadth first from commitID, nearest first.
// commitID itself is not included.
func (log *Log) Ancestors(commitID string) []string {
	log.mu.RLock()
	defer log.mu.RUnlock()

	var ancestors []string
	seen := map[string]bool{commitID: true}
	queue := []string{commitID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, parent := range log.commits[current].ParentCommitIDs {
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

func (log *Log) ChangeSet(id string) (core.ChangeSet, bool) {
	log.mu.RLock()
	defer log.mu.RUnlock()
	cs, ok := log.changeSets[id]
	return cs, ok
}

// ChangeSetElements returns the members of a change set ordered by schema
// key, entity id and file id.
func (log *Log) ChangeSetElements(changeSetID string) []core.ChangeSetElement {
	log.mu.RLock()
	defer log.mu.RUnlock()

	elements := make([]core.ChangeSetElement, 0, len(log.elements[changeSetID]))
	for _, element := range log.elements[changeSetID] {
		elements = append(elements, element)
	}
	sort.Slice(elements, func(i, j int) bool {
		a, b := elements[i], elements[j]
		if a.SchemaKey != b.SchemaKey {
			return a.SchemaKey < b.SchemaKey
		}
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.FileID < b.FileID
	})
	return elements
}

// WorkingElements returns the pending elements of a version's working set.
func (log *Log) WorkingElements(versionID string) []core.ChangeSetElement {
	version, ok := log.Version(versionID)
	if !ok {
		return nil
	}
	commit, _ := log.Commit(version.WorkingCommitID)
	return log.ChangeSetElements(commit.ChangeSetID)
}

func (log *Log) ChangeSetEdges() []core.ChangeSetEdge {
	log.mu.RLock()
	defer log.mu.RUnlock()
	return append([]core.ChangeSetEdge(nil), log.changeSetEdges...)
}

// Change returns a change with its snapshot content.
func (log *Log) Change(id string) (core.Change, bool) {
	log.mu.RLock()
	defer log.mu.RUnlock()
	change, ok := log.changes[id]
	return change, ok
}

// Changes returns every change in append order.
func (log *Log) Changes() []core.Change {
	log.mu.RLock()
	defer log.mu.RUnlock()
	changes := make([]core.Change, 0, len(log.changeOrder))
	for _, id := range log.changeOrder {
		changes = append(changes, log.changes[id])
	}
	return changes
}

// ChangesFor returns the changes of one schema in append order, optionally
// restricted to a single entity.
func (log *Log) ChangesFor(schemaKey, entityID string) []core.Change {
	log.mu.RLock()
	defer log.mu.RUnlock()
	var changes []core.Change
	for _, id := range log.changeOrder {
		change := log.changes[id]
		if change.SchemaKey != schemaKey {
			continue
		}
		if entityID != "" && change.EntityID != entityID {
			continue
		}
		changes = append(changes, change)
	}
	return changes
}

// Snapshot returns content by snapshot id.
func (log *Log) Snapshot(id string) ([]byte, bool) {
	log.mu.RLock()
	defer log.mu.RUnlock()
	content, ok := log.snapshots[id]
	return content, ok
}

func (log *Log) Label(name string) (core.Label, bool) {
	log.mu.RLock()
	defer log.mu.RUnlock()
	return log.labelByName(name)
}

// LabelsOf returns the label names attached to an entity.
func (log *Log) LabelsOf(entityID, schemaKey string) []string {
	log.mu.RLock()
	defer log.mu.RUnlock()
	var names []string
	for _, assignment := range log.entityLabels {
		if assignment.EntityID == entityID && assignment.SchemaKey == schemaKey {
			names = append(names, log.labels[assignment.LabelID].Name)
		}
	}
	sort.Strings(names)
	return names
}

// Journal returns the journal in order.
func (log *Log) Journal() []Entry {
	log.mu.RLock()
	defer log.mu.RUnlock()
	return append([]Entry(nil), log.journal...)
}

// JournalSince returns the entries with a sequence number above seq.
func (log *Log) JournalSince(seq int) []Entry {
	log.mu.RLock()
	defer log.mu.RUnlock()
	if seq < 0 {
		seq = 0
	}
	if seq >= len(log.journal) {
		return nil
	}
	return append([]Entry(nil), log.journal[seq:]...)
}

// ChangesOf resolves the changes referenced by a journal entry.
func (log *Log) ChangesOf(entry Entry) []core.Change {
	log.mu.RLock()
	defer log.mu.RUnlock()
	changes := make([]core.Change, 0, len(entry.ChangeIDs))
	for _, id := range entry.ChangeIDs {
		if change, ok := log.changes[id]; ok {
			changes = append(changes, change)
		}
	}
	return changes
}

package history

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/nickyhof/EntityDB/core"
)

// Load restores the log from persisted records, replacing its contents.
// Records of unknown tables are ignored.
func (log *Log) Load(records []core.Record) error {
	byTable := make(map[string][]core.Record)
	for _, record := range records {
		if record.Delete {
			continue
		}
		byTable[record.Table] = append(byTable[record.Table], record)
	}

	fresh := New(WithClock(log.now))

	for _, record := range byTable[SnapshotsTable] {
		var snapshot snapshotRecord
		if err := decode(record, &snapshot); err != nil {
			return err
		}
		fresh.snapshots[snapshot.ID] = snapshot.Content
	}
	for _, record := range byTable[ChangesTable] {
		var change core.Change
		if err := decode(record, &change); err != nil {
			return err
		}
		if change.SnapshotID != core.NoContentSnapshotID {
			content, ok := fresh.snapshots[change.SnapshotID]
			if !ok {
				return core.IntegrityError("load", fmt.Errorf("%w: snapshot %s of change %s", core.ErrDanglingReference, change.SnapshotID, change.ID))
			}
			change.Snapshot = content
		}
		fresh.changes[change.ID] = change
	}
	for _, record := range byTable[ChangeSetsTable] {
		var cs core.ChangeSet
		if err := decode(record, &cs); err != nil {
			return err
		}
		fresh.changeSets[cs.ID] = cs
	}
	for _, record := range byTable[ChangeSetElementsTable] {
		var element core.ChangeSetElement
		if err := decode(record, &element); err != nil {
			return err
		}
		set, ok := fresh.elements[element.ChangeSetID]
		if !ok {
			set = make(map[core.StateKey]core.ChangeSetElement)
			fresh.elements[element.ChangeSetID] = set
		}
		set[element.Key()] = element
	}
	for _, record := range byTable[ChangeSetEdgesTable] {
		var edge core.ChangeSetEdge
		if err := decode(record, &edge); err != nil {
			return err
		}
		fresh.csEdgeIndex[edge] = struct{}{}
		fresh.changeSetEdges = append(fresh.changeSetEdges, edge)
	}
	for _, record := range byTable[CommitsTable] {
		var commit core.Commit
		if err := decode(record, &commit); err != nil {
			return err
		}
		fresh.commits[commit.ID] = commit
	}
	for _, record := range byTable[CommitEdgesTable] {
		var edge core.CommitEdge
		if err := decode(record, &edge); err != nil {
			return err
		}
		fresh.commitEdgeIndex[edge] = struct{}{}
		fresh.commitEdges = append(fresh.commitEdges, edge)
	}
	for _, record := range byTable[VersionsTable] {
		var version core.Version
		if err := decode(record, &version); err != nil {
			return err
		}
		fresh.versions[version.ID] = version
	}
	for _, record := range byTable[LabelsTable] {
		var label core.Label
		if err := decode(record, &label); err != nil {
			return err
		}
		fresh.labels[label.ID] = label
	}
	for _, record := range byTable[EntityLabelsTable] {
		var assignment core.EntityLabel
		if err := decode(record, &assignment); err != nil {
			return err
		}
		fresh.entityLabels = append(fresh.entityLabels, assignment)
	}

	journal := byTable[JournalTable]
	sort.Slice(journal, func(i, j int) bool {
		return journal[i].Key < journal[j].Key
	})
	for _, record := range journal {
		var entry Entry
		if err := decode(record, &entry); err != nil {
			return err
		}
		fresh.journal = append(fresh.journal, entry)
		if entry.Kind == EntryApply {
			fresh.changeOrder = append(fresh.changeOrder, entry.ChangeIDs...)
		}
	}
	if len(fresh.changeOrder) != len(fresh.changes) {
		return core.IntegrityError("load", fmt.Errorf("journal references %d changes, log holds %d", len(fresh.changeOrder), len(fresh.changes)))
	}
	// Edge order only matters for display; keep it deterministic.
	sort.Slice(fresh.commitEdges, func(i, j int) bool {
		return fresh.commitEdges[i].ParentID+fresh.commitEdges[i].ChildID < fresh.commitEdges[j].ParentID+fresh.commitEdges[j].ChildID
	})

	log.mu.Lock()
	defer log.mu.Unlock()
	log.changes = fresh.changes
	log.changeOrder = fresh.changeOrder
	log.snapshots = fresh.snapshots
	log.changeSets = fresh.changeSets
	log.elements = fresh.elements
	log.changeSetEdges = fresh.changeSetEdges
	log.csEdgeIndex = fresh.csEdgeIndex
	log.commits = fresh.commits
	log.commitEdges = fresh.commitEdges
	log.commitEdgeIndex = fresh.commitEdgeIndex
	log.versions = fresh.versions
	log.labels = fresh.labels
	log.entityLabels = fresh.entityLabels
	log.journal = fresh.journal
	log.pending = nil
	return nil
}

// Dump returns the full contents of the log as records.
func (log *Log) Dump() []core.Record {
	log.mu.RLock()
	defer log.mu.RUnlock()

	dump := New()
	for id, content := range log.snapshots {
		dump.stage(SnapshotsTable, id, snapshotRecord{ID: id, Content: content})
	}
	for _, id := range log.changeOrder {
		dump.stage(ChangesTable, id, log.changes[id])
	}
	for id, cs := range log.changeSets {
		dump.stage(ChangeSetsTable, id, cs)
	}
	for _, set := range log.elements {
		for _, element := range set {
			dump.stage(ChangeSetElementsTable, elementKey(element), element)
		}
	}
	for _, edge := range log.changeSetEdges {
		dump.stage(ChangeSetEdgesTable, core.HashKey(edge.ParentID, edge.ChildID), edge)
	}
	for id, commit := range log.commits {
		dump.stage(CommitsTable, id, commit)
	}
	for _, edge := range log.commitEdges {
		dump.stage(CommitEdgesTable, core.HashKey(edge.ParentID, edge.ChildID), edge)
	}
	for id, version := range log.versions {
		dump.stage(VersionsTable, id, version)
	}
	for id, label := range log.labels {
		dump.stage(LabelsTable, id, label)
	}
	for _, assignment := range log.entityLabels {
		dump.stage(EntityLabelsTable, core.HashKey(assignment.EntityID, assignment.SchemaKey, assignment.FileID, assignment.LabelID), assignment)
	}
	for _, entry := range log.journal {
		dump.stage(JournalTable, journalKey(entry.Seq), entry)
	}
	return dump.pending
}

func decode(record core.Record, target any) error {
	if err := json.Unmarshal(record.Data, target); err != nil {
		return fmt.Errorf("failed to decode %s/%s: %w", record.Table, record.Key, err)
	}
	return nil
}

package history

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-git/v6/plumbing"
	"github.com/nickyhof/EntityDB/core"
)

// Persisted table names.
const (
	ChangesTable           = "changes"
	SnapshotsTable         = "snapshots"
	ChangeSetsTable        = "change_sets"
	ChangeSetElementsTable = "change_set_elements"
	ChangeSetEdgesTable    = "change_set_edges"
	CommitsTable           = "commits"
	CommitEdgesTable       = "commit_edges"
	VersionsTable          = "versions"
	LabelsTable            = "labels"
	EntityLabelsTable      = "entity_labels"
	JournalTable           = "journal"
)

// Tables lists every table the log persists, in load order.
var Tables = []string{
	SnapshotsTable, ChangesTable, ChangeSetsTable, ChangeSetElementsTable, ChangeSetEdgesTable,
	CommitsTable, CommitEdgesTable, VersionsTable, LabelsTable, EntityLabelsTable, JournalTable,
}

// Log is the append-only change log together with the commit graph built
// over it. Nothing it stores is ever rewritten except version pointers and
// working change set membership.
type Log struct {
	mu sync.RWMutex

	changes     map[string]core.Change
	changeOrder []string
	snapshots   map[string]json.RawMessage

	changeSets     map[string]core.ChangeSet
	elements       map[string]map[core.StateKey]core.ChangeSetElement
	changeSetEdges []core.ChangeSetEdge
	csEdgeIndex    map[core.ChangeSetEdge]struct{}

	commits         map[string]core.Commit
	commitEdges     []core.CommitEdge
	commitEdgeIndex map[core.CommitEdge]struct{}

	versions map[string]core.Version

	labels       map[string]core.Label
	entityLabels []core.EntityLabel

	journal []Entry
	pending []core.Record

	now func() time.Time
}

type Option func(*Log)

// WithClock replaces the clock used for bookkeeping changes.
func WithClock(now func() time.Time) Option {
	return func(log *Log) {
		log.now = now
	}
}

// New returns an empty log. Call Bootstrap or Load before use.
func New(opts ...Option) *Log {
	log := &Log{
		changes:         make(map[string]core.Change),
		snapshots:       make(map[string]json.RawMessage),
		changeSets:      make(map[string]core.ChangeSet),
		elements:        make(map[string]map[core.StateKey]core.ChangeSetElement),
		csEdgeIndex:     make(map[core.ChangeSetEdge]struct{}),
		commits:         make(map[string]core.Commit),
		commitEdgeIndex: make(map[core.CommitEdge]struct{}),
		versions:        make(map[string]core.Version),
		labels:          make(map[string]core.Label),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(log)
	}
	return log
}

// SnapshotID returns the content address of a snapshot.
func SnapshotID(content []byte) string {
	if content == nil {
		return core.NoContentSnapshotID
	}
	obj := &plumbing.MemoryObject{}
	obj.SetType(plumbing.BlobObject)
	obj.Write(content)
	return obj.Hash().String()
}

// IsEmpty reports whether the log has never been bootstrapped or loaded.
func (log *Log) IsEmpty() bool {
	log.mu.RLock()
	defer log.mu.RUnlock()
	return len(log.versions) == 0
}

// Bootstrap creates the global version and the main version inheriting from it.
// Bootstrap bookkeeping is recorded in the change log but not folded into any
// change set.
func (log *Log) Bootstrap() (Applied, error) {
	log.mu.Lock()
	defer log.mu.Unlock()

	if len(log.versions) > 0 {
		return Applied{}, core.IntegrityError("bootstrap", fmt.Errorf("%w: log already bootstrapped", core.ErrDuplicateEntity))
	}

	var book bookkeeping

	rootSet := log.newChangeSet(nil, &book)
	root := log.newCommit(rootSet, nil, &book)
	globalWorking := log.newWorkingCommit(root, &book)
	global := core.Version{
		ID:              core.GlobalVersionID,
		Name:            core.GlobalVersionID,
		CommitID:        root.ID,
		WorkingCommitID: globalWorking.ID,
	}
	log.putVersion(global, &book)
	log.journalVersion(global)

	mainWorking := log.newWorkingCommit(root, &book)
	main := core.Version{
		ID:                    core.MainVersionID,
		Name:                  core.MainVersionID,
		CommitID:              root.ID,
		WorkingCommitID:       mainWorking.ID,
		InheritsFromVersionID: core.GlobalVersionID,
	}
	log.putVersion(main, &book)
	log.journalVersion(main)

	if _, err := log.putLabel(core.CheckpointLabel); err != nil {
		return Applied{}, err
	}

	return log.commitBookkeeping(book, root.ID, false)
}

// Append stores changes and folds them into the working change set of the
// version, in submission order. A later change for the same entity replaces
// the earlier element of the working set.
func (log *Log) Append(versionID string, changes []core.Change) (Applied, error) {
	log.mu.Lock()
	defer log.mu.Unlock()

	version, ok := log.versions[versionID]
	if !ok {
		return Applied{}, core.NotFoundError("append", fmt.Errorf("version %q", versionID))
	}
	working := log.commits[version.WorkingCommitID]
	if len(changes) == 0 {
		return Applied{VersionID: versionID, CommitID: working.ID}, nil
	}

	seen := make(map[string]bool, len(changes))
	for _, change := range changes {
		if _, exists := log.changes[change.ID]; exists || seen[change.ID] || change.ID == "" {
			return Applied{}, core.IntegrityError("append", fmt.Errorf("%w: change %q", core.ErrDuplicateEntity, change.ID))
		}
		seen[change.ID] = true
	}

	ids := make([]string, 0, len(changes))
	stored := make([]core.Change, 0, len(changes))
	for _, change := range changes {
		change = log.putChange(change)
		log.foldElement(working.ChangeSetID, change)
		ids = append(ids, change.ID)
		stored = append(stored, change)
	}

	log.appendJournal(Entry{Kind: EntryApply, VersionID: versionID, CommitID: working.ID, ChangeIDs: ids})
	return Applied{VersionID: versionID, CommitID: working.ID, Changes: stored}, nil
}

// CreateVersion branches a new version off opts.From (global by default).
// The new version starts at From's head commit and inherits unresolved
// entities from From.
func (log *Log) CreateVersion(opts VersionOptions) (core.Version, Applied, error) {
	log.mu.Lock()
	defer log.mu.Unlock()

	if opts.ID == "" {
		opts.ID = core.NewID()
	}
	if opts.Name == "" {
		opts.Name = opts.ID
	}
	if opts.From == "" {
		opts.From = core.GlobalVersionID
	}
	if _, exists := log.versions[opts.ID]; exists {
		return core.Version{}, Applied{}, core.IntegrityError("create version", fmt.Errorf("%w: version %q", core.ErrDuplicateEntity, opts.ID))
	}
	for _, existing := range log.versions {
		if existing.Name == opts.Name {
			return core.Version{}, Applied{}, core.IntegrityError("create version", fmt.Errorf("%w: version name %q", core.ErrDuplicateEntity, opts.Name))
		}
	}
	from, ok := log.versions[opts.From]
	if !ok {
		return core.Version{}, Applied{}, core.NotFoundError("create version", fmt.Errorf("version %q", opts.From))
	}

	var book bookkeeping
	head := log.commits[from.CommitID]
	working := log.newWorkingCommit(head, &book)
	version := core.Version{
		ID:                    opts.ID,
		Name:                  opts.Name,
		CommitID:              head.ID,
		WorkingCommitID:       working.ID,
		InheritsFromVersionID: from.ID,
		Hidden:                opts.Hidden,
	}
	log.putVersion(version, &book)
	log.journalVersion(version)

	applied, err := log.commitBookkeeping(book, "", true)
	return version, applied, err
}

// Checkpoint seals the working change set of a version into a new commit.
// An empty working set returns the current head and records nothing.
func (log *Log) Checkpoint(versionID string) (CheckpointResult, error) {
	log.mu.Lock()
	defer log.mu.Unlock()

	version, ok := log.versions[versionID]
	if !ok {
		return CheckpointResult{}, core.NotFoundError("checkpoint", fmt.Errorf("version %q", versionID))
	}
	working := log.commits[version.WorkingCommitID]
	if len(log.elements[working.ChangeSetID]) == 0 {
		return CheckpointResult{VersionID: versionID, CommitID: version.CommitID}, nil
	}

	var book bookkeeping

	parents := []string{version.CommitID}
	for _, parent := range working.ParentCommitIDs {
		if !contains(parents, parent) {
			parents = append(parents, parent)
		}
	}
	sealed := core.Commit{ID: core.NewID(), ChangeSetID: working.ChangeSetID, ParentCommitIDs: parents}
	log.putCommit(sealed, &book)
	for _, parent := range parents {
		log.putCommitEdge(core.CommitEdge{ParentID: parent, ChildID: sealed.ID}, &book)
		log.putChangeSetEdge(core.ChangeSetEdge{ParentID: log.commits[parent].ChangeSetID, ChildID: sealed.ChangeSetID})
	}

	next := log.newWorkingCommit(sealed, &book)
	previous := version.CommitID
	version.CommitID = sealed.ID
	version.WorkingCommitID = next.ID
	log.putVersion(version, &book)

	if label, ok := log.labelByName(core.CheckpointLabel); ok {
		log.putEntityLabel(core.EntityLabel{
			EntityID:  sealed.ID,
			SchemaKey: core.CommitSchemaKey,
			FileID:    core.DefaultFileID,
			LabelID:   label.ID,
		})
	}

	log.appendJournal(Entry{Kind: EntrySeal, VersionID: versionID, FromCommitID: working.ID, ToCommitID: sealed.ID})

	fold := versionID != core.GlobalVersionID
	attributed := ""
	if !fold {
		attributed = sealed.ID
	}
	applied, err := log.commitBookkeeping(book, attributed, fold)
	if err != nil {
		return CheckpointResult{}, err
	}
	return CheckpointResult{
		VersionID:        versionID,
		CommitID:         sealed.ID,
		PreviousCommitID: previous,
		WorkingCommitID:  next.ID,
		SealedFrom:       working.ID,
		Created:          true,
		Bookkeeping:      applied,
	}, nil
}

// AddWorkingParent records an additional open parent on the working commit
// of a version. The next checkpoint merges it.
func (log *Log) AddWorkingParent(versionID, commitID string) (Applied, error) {
	log.mu.Lock()
	defer log.mu.Unlock()

	version, ok := log.versions[versionID]
	if !ok {
		return Applied{}, core.NotFoundError("add working parent", fmt.Errorf("version %q", versionID))
	}
	if _, ok := log.commits[commitID]; !ok {
		return Applied{}, core.IntegrityError("add working parent", fmt.Errorf("%w: commit %s", core.ErrDanglingReference, commitID))
	}
	if commitID == version.WorkingCommitID {
		return Applied{}, core.IntegrityError("add working parent", core.ErrSelfEdge)
	}
	working := log.commits[version.WorkingCommitID]
	if contains(working.ParentCommitIDs, commitID) {
		return Applied{}, nil
	}

	var book bookkeeping
	working.ParentCommitIDs = append(append([]string{}, working.ParentCommitIDs...), commitID)
	log.putCommit(working, &book)
	log.putCommitEdge(core.CommitEdge{ParentID: commitID, ChildID: working.ID}, &book)
	return log.commitBookkeeping(book, "", versionID != core.GlobalVersionID)
}

// CreateChangeSet creates an empty change set outside of any version.
func (log *Log) CreateChangeSet(metadata json.RawMessage) (core.ChangeSet, Applied, error) {
	log.mu.Lock()
	defer log.mu.Unlock()

	var book bookkeeping
	cs := log.newChangeSet(metadata, &book)
	applied, err := log.commitBookkeeping(book, "", true)
	return cs, applied, err
}

// AddChangeSetElement adds a change to a change set. Unlike working set
// folding, a second element for the same entity is rejected.
func (log *Log) AddChangeSetElement(element core.ChangeSetElement) error {
	log.mu.Lock()
	defer log.mu.Unlock()

	if _, ok := log.changeSets[element.ChangeSetID]; !ok {
		return core.IntegrityError("add change set element", fmt.Errorf("%w: change set %s", core.ErrDanglingReference, element.ChangeSetID))
	}
	change, ok := log.changes[element.ChangeID]
	if !ok {
		return core.IntegrityError("add change set element", fmt.Errorf("%w: change %s", core.ErrDanglingReference, element.ChangeID))
	}
	if change.Key() != element.Key() {
		return core.IntegrityError("add change set element", fmt.Errorf("element key does not match change %s", change.ID))
	}
	if _, exists := log.elements[element.ChangeSetID][element.Key()]; exists {
		return core.IntegrityError("add change set element", fmt.Errorf("%w: %s/%s in %s", core.ErrDuplicateElement, element.SchemaKey, element.EntityID, element.ChangeSetID))
	}
	log.putElement(element)
	return nil
}

// AddChangeSetEdge links two existing change sets.
func (log *Log) AddChangeSetEdge(edge core.ChangeSetEdge) error {
	log.mu.Lock()
	defer log.mu.Unlock()

	if edge.ParentID == edge.ChildID {
		return core.IntegrityError("add change set edge", core.ErrSelfEdge)
	}
	for _, id := range []string{edge.ParentID, edge.ChildID} {
		if _, ok := log.changeSets[id]; !ok {
			return core.IntegrityError("add change set edge", fmt.Errorf("%w: change set %s", core.ErrDanglingReference, id))
		}
	}
	log.putChangeSetEdge(edge)
	return nil
}

// CreateLabel returns the label with name, creating it when missing.
func (log *Log) CreateLabel(name string) (core.Label, error) {
	log.mu.Lock()
	defer log.mu.Unlock()
	return log.putLabel(name)
}

// AssignLabel attaches an existing label to an entity.
func (log *Log) AssignLabel(assignment core.EntityLabel) error {
	log.mu.Lock()
	defer log.mu.Unlock()

	if _, ok := log.labels[assignment.LabelID]; !ok {
		return core.IntegrityError("assign label", fmt.Errorf("%w: label %s", core.ErrDanglingReference, assignment.LabelID))
	}
	log.putEntityLabel(assignment)
	return nil
}

func (log *Log) putLabel(name string) (core.Label, error) {
	if label, ok := log.labelByName(name); ok {
		return label, nil
	}
	if name == "" {
		return core.Label{}, core.SchemaError("create label", fmt.Errorf("label name is empty"))
	}
	label := core.Label{ID: core.NewID(), Name: name}
	log.labels[label.ID] = label
	log.stage(LabelsTable, label.ID, label)
	return label, nil
}

func (log *Log) labelByName(name string) (core.Label, bool) {
	for _, label := range log.labels {
		if label.Name == name {
			return label, true
		}
	}
	return core.Label{}, false
}

func (log *Log) putEntityLabel(assignment core.EntityLabel) {
	for _, existing := range log.entityLabels {
		if existing == assignment {
			return
		}
	}
	log.entityLabels = append(log.entityLabels, assignment)
	log.stage(EntityLabelsTable, core.HashKey(assignment.EntityID, assignment.SchemaKey, assignment.FileID, assignment.LabelID), assignment)
}

func (log *Log) putChange(change core.Change) core.Change {
	change.SnapshotID = SnapshotID(change.Snapshot)
	if change.Snapshot != nil {
		if _, ok := log.snapshots[change.SnapshotID]; !ok {
			log.snapshots[change.SnapshotID] = change.Snapshot
			log.stage(SnapshotsTable, change.SnapshotID, snapshotRecord{ID: change.SnapshotID, Content: change.Snapshot})
		}
	}
	log.changes[change.ID] = change
	log.changeOrder = append(log.changeOrder, change.ID)
	log.stage(ChangesTable, change.ID, change)
	return change
}

// foldElement replaces any element for the same entity in a working set.
func (log *Log) foldElement(changeSetID string, change core.Change) {
	log.putElement(core.ChangeSetElement{
		ChangeSetID: changeSetID,
		ChangeID:    change.ID,
		EntityID:    change.EntityID,
		SchemaKey:   change.SchemaKey,
		FileID:      change.FileID,
	})
}

func (log *Log) putElement(element core.ChangeSetElement) {
	set, ok := log.elements[element.ChangeSetID]
	if !ok {
		set = make(map[core.StateKey]core.ChangeSetElement)
		log.elements[element.ChangeSetID] = set
	}
	set[element.Key()] = element
	log.stage(ChangeSetElementsTable, elementKey(element), element)
}

func elementKey(element core.ChangeSetElement) string {
	return core.HashKey(element.ChangeSetID, element.EntityID, element.SchemaKey, element.FileID)
}

func (log *Log) putChangeSetEdge(edge core.ChangeSetEdge) {
	if edge.ParentID == edge.ChildID {
		return
	}
	if _, exists := log.csEdgeIndex[edge]; exists {
		return
	}
	log.csEdgeIndex[edge] = struct{}{}
	log.changeSetEdges = append(log.changeSetEdges, edge)
	log.stage(ChangeSetEdgesTable, core.HashKey(edge.ParentID, edge.ChildID), edge)
}

func (log *Log) newChangeSet(metadata json.RawMessage, book *bookkeeping) core.ChangeSet {
	cs := core.ChangeSet{ID: core.NewID(), Metadata: metadata}
	log.changeSets[cs.ID] = cs
	log.stage(ChangeSetsTable, cs.ID, cs)
	book.record(core.ChangeSetSchemaKey, cs.ID, changeSetSnapshot{ID: cs.ID, Metadata: cs.Metadata})
	return cs
}

func (log *Log) newCommit(cs core.ChangeSet, parents []string, book *bookkeeping) core.Commit {
	commit := core.Commit{ID: core.NewID(), ChangeSetID: cs.ID, ParentCommitIDs: parents}
	log.putCommit(commit, book)
	return commit
}

// newWorkingCommit creates an empty change set and a commit on top of parent.
func (log *Log) newWorkingCommit(parent core.Commit, book *bookkeeping) core.Commit {
	cs := log.newChangeSet(nil, book)
	working := log.newCommit(cs, []string{parent.ID}, book)
	log.putCommitEdge(core.CommitEdge{ParentID: parent.ID, ChildID: working.ID}, book)
	log.putChangeSetEdge(core.ChangeSetEdge{ParentID: parent.ChangeSetID, ChildID: cs.ID})
	return working
}

func (log *Log) putCommit(commit core.Commit, book *bookkeeping) {
	if commit.ParentCommitIDs == nil {
		commit.ParentCommitIDs = []string{}
	}
	log.commits[commit.ID] = commit
	log.stage(CommitsTable, commit.ID, commit)
	book.record(core.CommitSchemaKey, commit.ID, commit)
}

func (log *Log) putCommitEdge(edge core.CommitEdge, book *bookkeeping) {
	if _, exists := log.commitEdgeIndex[edge]; exists {
		return
	}
	log.commitEdgeIndex[edge] = struct{}{}
	log.commitEdges = append(log.commitEdges, edge)
	log.stage(CommitEdgesTable, core.HashKey(edge.ParentID, edge.ChildID), edge)
	book.record(core.CommitEdgeSchemaKey, core.JoinKey(edge.ParentID, edge.ChildID), edge)
}

func (log *Log) putVersion(version core.Version, book *bookkeeping) {
	log.versions[version.ID] = version
	log.stage(VersionsTable, version.ID, version)
	book.record(core.VersionSchemaKey, version.ID, versionSnapshot(version))
}

// commitBookkeeping turns recorded bookkeeping entities into changes of the
// global version. With fold set they join the global working set. The
// bookkeeping produced by that fold is not itself recorded, which bounds the
// self reference to one level.
func (log *Log) commitBookkeeping(book bookkeeping, commitID string, fold bool) (Applied, error) {
	global, ok := log.versions[core.GlobalVersionID]
	if !ok {
		return Applied{}, core.NotFoundError("bookkeeping", fmt.Errorf("version %q", core.GlobalVersionID))
	}
	if commitID == "" {
		commitID = global.WorkingCommitID
	}
	working := log.commits[global.WorkingCommitID]

	now := log.now().UTC()
	ids := make([]string, 0, len(book.entries))
	changes := make([]core.Change, 0, len(book.entries))
	for _, entry := range book.entries {
		snapshot, err := json.Marshal(entry.snapshot)
		if err != nil {
			return Applied{}, fmt.Errorf("failed to encode %s bookkeeping: %w", entry.schemaKey, err)
		}
		change := log.putChange(core.Change{
			ID:            core.NewID(),
			EntityID:      entry.entityID,
			SchemaKey:     entry.schemaKey,
			SchemaVersion: bookkeepingVersion,
			FileID:        core.DefaultFileID,
			PluginKey:     core.DefaultPluginKey,
			Snapshot:      snapshot,
			CreatedAt:     now,
		})
		if fold {
			log.foldElement(working.ChangeSetID, change)
		}
		ids = append(ids, change.ID)
		changes = append(changes, change)
	}
	if len(ids) > 0 {
		log.appendJournal(Entry{Kind: EntryApply, VersionID: core.GlobalVersionID, CommitID: commitID, ChangeIDs: ids})
	}
	return Applied{VersionID: core.GlobalVersionID, CommitID: commitID, Changes: changes}, nil
}

func (log *Log) journalVersion(version core.Version) {
	log.appendJournal(Entry{Kind: EntryVersion, VersionID: version.ID, ParentVersionID: version.InheritsFromVersionID})
}

func (log *Log) appendJournal(entry Entry) {
	entry.Seq = len(log.journal) + 1
	log.journal = append(log.journal, entry)
	log.stage(JournalTable, journalKey(entry.Seq), entry)
}

func journalKey(seq int) string {
	return fmt.Sprintf("%012d", seq)
}

func (log *Log) stage(table, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		// All staged values are plain structs of strings and raw JSON.
		panic(fmt.Sprintf("history: encode %s/%s: %v", table, key, err))
	}
	log.pending = append(log.pending, core.Record{Table: table, Key: key, Data: data})
}

// TakePending returns and clears the records written since the last call.
func (log *Log) TakePending() []core.Record {
	log.mu.Lock()
	defer log.mu.Unlock()
	pending := log.pending
	log.pending = nil
	return pending
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

func sortedVersions(versions map[string]core.Version) []core.Version {
	out := make([]core.Version, 0, len(versions))
	for _, version := range versions {
		out = append(out, version)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

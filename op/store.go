package op

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nickyhof/EntityDB/cache"
	"github.com/nickyhof/EntityDB/core"
	"github.com/nickyhof/EntityDB/history"
	"github.com/nickyhof/EntityDB/ps"
	"github.com/nickyhof/EntityDB/schema"
)

// Tables the store persists next to the change log.
const (
	SchemasTable   = "schemas"
	UntrackedTable = "untracked"
)

// Mutation is one canonical write against the state store. A nil Snapshot
// deletes the entity.
type Mutation struct {
	EntityID      string
	SchemaKey     string
	SchemaVersion string
	FileID        string
	VersionID     string
	PluginKey     string
	Snapshot      json.RawMessage
	Metadata      json.RawMessage
	// Untracked rows bypass the change log but are visible in the cache.
	Untracked bool
}

func (m Mutation) Key() core.StateKey {
	return core.StateKey{EntityID: m.EntityID, SchemaKey: m.SchemaKey, FileID: m.FileID}
}

// Materialized is one change as observed by subscribers.
type Materialized struct {
	SchemaKey string
	EntityID  string
	CommitID  string
	Snapshot  json.RawMessage
}

// Batch is the set of changes materialized at one version and commit.
type Batch struct {
	VersionID string
	CommitID  string
	Changes   []Materialized
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func WithIdentity(identity core.Identity) Option {
	return func(s *Store) {
		s.identity = identity
	}
}

// Store composes the change log, the state cache and the schema registry
// over one persistence layer. It is not safe for concurrent writers; the
// engine serializes access.
type Store struct {
	log         *history.Log
	cache       *cache.Cache
	registry    *schema.Registry
	persistence *ps.Persistence

	identity core.Identity
	now      func() time.Time

	// seq is the last journal entry folded into the cache.
	seq int
	// diverged is set when a write reached the log but not persistence.
	diverged bool
}

// Open loads the store held by persistence, bootstrapping an empty one.
func Open(persistence *ps.Persistence, opts ...Option) (*Store, error) {
	s := &Store{
		cache:       cache.New(),
		registry:    schema.NewRegistry(),
		persistence: persistence,
		identity:    core.Identity{Name: "entitydb", Email: "entitydb@localhost"},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = history.New(history.WithClock(s.now))

	for _, builtin := range schema.Builtins() {
		if _, err := s.registry.Register(builtin); err != nil {
			return nil, err
		}
	}

	records, err := persistence.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load store: %w", err)
	}
	if len(records) == 0 {
		if _, err := s.log.Bootstrap(); err != nil {
			return nil, err
		}
		s.sync()
		if _, err := s.flush(nil, "Bootstrap store"); err != nil {
			return nil, err
		}
		return s, nil
	}

	if err := s.load(records); err != nil {
		return nil, err
	}
	return s, nil
}

// load replaces the log and the cache with the state held by records.
// Stored schemas are added to the registry.
func (s *Store) load(records []core.Record) error {
	log := history.New(history.WithClock(s.now))
	if err := log.Load(records); err != nil {
		return err
	}
	rows := cache.New()
	for _, record := range records {
		switch record.Table {
		case SchemasTable:
			var stored core.Schema
			if err := json.Unmarshal(record.Data, &stored); err != nil {
				return fmt.Errorf("failed to decode schema %s: %w", record.Key, err)
			}
			if _, err := s.registry.Register(stored); err != nil {
				return err
			}
		case UntrackedTable:
			var row core.CacheRow
			if err := json.Unmarshal(record.Data, &row); err != nil {
				return fmt.Errorf("failed to decode untracked row %s: %w", record.Key, err)
			}
			rows.SetUntracked(row)
		}
	}
	s.log, s.cache = log, rows
	s.Rebuild()
	return nil
}

// reload drops in-memory state and reads the store back from persistence.
func (s *Store) reload() error {
	records, err := s.persistence.Load()
	if err != nil {
		return fmt.Errorf("failed to reload store: %w", err)
	}
	if err := s.load(records); err != nil {
		return err
	}
	s.diverged = false
	return nil
}

func (s *Store) Log() *history.Log          { return s.log }
func (s *Store) Cache() *cache.Cache        { return s.cache }
func (s *Store) Registry() *schema.Registry { return s.registry }
func (s *Store) Persistence() *ps.Persistence {
	return s.persistence
}

// RegisterSchema validates and stores a schema definition. Registering the
// same definition twice is a no-op.
func (s *Store) RegisterSchema(definition core.Schema) error {
	added, err := s.registry.Register(definition)
	if err != nil || !added {
		return err
	}
	data, err := json.Marshal(definition)
	if err != nil {
		return fmt.Errorf("failed to encode schema %s: %w", definition.Key, err)
	}
	record := core.Record{Table: SchemasTable, Key: core.HashKey(definition.Key, definition.Version), Data: data}
	if _, err := s.flush([]core.Record{record}, fmt.Sprintf("Register schema %s@%s", definition.Key, definition.Version)); err != nil {
		s.registry.Remove(definition.Key, definition.Version)
		return err
	}
	return nil
}

// Apply writes mutations. Tracked mutations are grouped per version in
// order of first appearance and appended to the change log; the cache
// follows once the log is durable. Untracked mutations only touch the
// cache and their side table.
func (s *Store) Apply(mutations []Mutation) ([]Batch, error) {
	if len(mutations) == 0 {
		return nil, nil
	}
	if err := s.ensureFresh(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var order []string
	tracked := make(map[string][]core.Change)
	var untracked []Mutation
	var extra []core.Record

	for _, m := range mutations {
		if err := s.validate(&m); err != nil {
			return nil, err
		}
		if m.Untracked {
			untracked = append(untracked, m)
			continue
		}
		if _, ok := tracked[m.VersionID]; !ok {
			order = append(order, m.VersionID)
		}
		tracked[m.VersionID] = append(tracked[m.VersionID], core.Change{
			ID:            core.NewID(),
			EntityID:      m.EntityID,
			SchemaKey:     m.SchemaKey,
			SchemaVersion: m.SchemaVersion,
			FileID:        m.FileID,
			PluginKey:     m.PluginKey,
			Snapshot:      m.Snapshot,
			Metadata:      m.Metadata,
			CreatedAt:     now,
		})
		// A tracked write replaces an untracked row at the same key.
		if row, ok := s.cache.Get(m.Key(), m.VersionID); ok && row.Untracked {
			extra = append(extra, core.Record{Table: UntrackedTable, Key: untrackedKey(m.Key(), m.VersionID), Delete: true})
		}
	}

	for _, versionID := range order {
		if _, err := s.log.Append(versionID, tracked[versionID]); err != nil {
			return nil, err
		}
	}

	for _, m := range untracked {
		record, err := s.applyUntracked(m, now)
		if err != nil {
			return nil, err
		}
		extra = append(extra, record)
	}

	if _, err := s.flush(extra, fmt.Sprintf("Apply %d mutation(s)", len(mutations))); err != nil {
		return nil, err
	}
	return s.sync(), nil
}

func (s *Store) validate(m *Mutation) error {
	if m.EntityID == "" {
		return core.SchemaError("apply", fmt.Errorf("%w: empty entity id for %s", core.ErrUnresolvedPrimaryKey, m.SchemaKey))
	}
	if m.VersionID == "" {
		return core.SchemaError("apply", core.ErrMissingVersionID)
	}
	if m.FileID == "" {
		m.FileID = core.DefaultFileID
	}
	if m.PluginKey == "" {
		m.PluginKey = core.DefaultPluginKey
	}
	if _, ok := s.log.Version(m.VersionID); !ok {
		return core.NotFoundError("apply", fmt.Errorf("version %q", m.VersionID))
	}
	var definition core.Schema
	var ok bool
	if m.SchemaVersion == "" {
		definition, ok = s.registry.Latest(m.SchemaKey)
		m.SchemaVersion = definition.Version
	} else {
		definition, ok = s.registry.Get(m.SchemaKey, m.SchemaVersion)
	}
	if !ok {
		return core.SchemaError("apply", fmt.Errorf("unknown schema %s@%s", m.SchemaKey, m.SchemaVersion))
	}
	if m.Snapshot == nil {
		return nil
	}
	return schema.ValidateSnapshot(definition, m.Snapshot)
}

func (s *Store) applyUntracked(m Mutation, now time.Time) (core.Record, error) {
	key := untrackedKey(m.Key(), m.VersionID)
	if m.Snapshot == nil {
		s.cache.DeleteUntracked(m.Key(), m.VersionID)
		return core.Record{Table: UntrackedTable, Key: key, Delete: true}, nil
	}
	s.cache.SetUntracked(core.CacheRow{
		EntityID:      m.EntityID,
		SchemaKey:     m.SchemaKey,
		FileID:        m.FileID,
		VersionID:     m.VersionID,
		PluginKey:     m.PluginKey,
		SchemaVersion: m.SchemaVersion,
		Snapshot:      m.Snapshot,
		Metadata:      m.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	row, _ := s.cache.Get(m.Key(), m.VersionID)
	data, err := json.Marshal(row)
	if err != nil {
		return core.Record{}, fmt.Errorf("failed to encode untracked row: %w", err)
	}
	return core.Record{Table: UntrackedTable, Key: key, Data: data}, nil
}

func untrackedKey(key core.StateKey, versionID string) string {
	return core.HashKey(versionID, key.SchemaKey, key.EntityID, key.FileID)
}

// CreateVersion branches a new version and registers it with the cache.
func (s *Store) CreateVersion(opts history.VersionOptions) (core.Version, []Batch, error) {
	if err := s.ensureFresh(); err != nil {
		return core.Version{}, nil, err
	}
	version, _, err := s.log.CreateVersion(opts)
	if err != nil {
		return core.Version{}, nil, err
	}
	if _, err := s.flush(nil, fmt.Sprintf("Create version %s", version.Name)); err != nil {
		return core.Version{}, nil, err
	}
	return version, s.sync(), nil
}

// Checkpoint seals the working change set of a version. Calling it again
// without new writes returns the same head and commits nothing.
func (s *Store) Checkpoint(versionID string) (history.CheckpointResult, []Batch, error) {
	if err := s.ensureFresh(); err != nil {
		return history.CheckpointResult{}, nil, err
	}
	result, err := s.log.Checkpoint(versionID)
	if err != nil {
		return history.CheckpointResult{}, nil, err
	}
	if !result.Created {
		return result, nil, nil
	}
	if _, err := s.flush(nil, fmt.Sprintf("Checkpoint %s at %s", versionID, result.CommitID)); err != nil {
		return history.CheckpointResult{}, nil, err
	}
	return result, s.sync(), nil
}

// Rebuild discards tracked cache rows and replays the whole journal.
func (s *Store) Rebuild() {
	entries := s.log.Journal()
	events := make([]cache.Event, 0, len(entries))
	for _, entry := range entries {
		events = append(events, s.eventOf(entry))
	}
	s.cache.Populate(events)
	s.seq = len(entries)
}

// ensureFresh rebuilds a stale cache before it is read or written.
func (s *Store) ensureFresh() error {
	if s.diverged {
		if err := s.reload(); err != nil {
			return err
		}
	}
	if s.cache.IsFresh() {
		return nil
	}
	s.Rebuild()
	if !s.cache.IsFresh() {
		return core.ErrStaleCache
	}
	return nil
}

// IsFresh reports whether the cache is up to date with the log.
func (s *Store) IsFresh() bool {
	return s.cache.IsFresh()
}

func (s *Store) eventOf(entry history.Entry) cache.Event {
	switch entry.Kind {
	case history.EntryVersion:
		return cache.Event{Kind: cache.VersionCreated, VersionID: entry.VersionID, ParentVersionID: entry.ParentVersionID}
	case history.EntrySeal:
		return cache.Event{Kind: cache.CommitSealed, VersionID: entry.VersionID, FromCommitID: entry.FromCommitID, ToCommitID: entry.ToCommitID}
	default:
		return cache.Event{Kind: cache.ChangesApplied, VersionID: entry.VersionID, CommitID: entry.CommitID, Changes: s.log.ChangesOf(entry)}
	}
}

// sync folds journal entries written since the last call into the cache
// and returns what they materialized.
func (s *Store) sync() []Batch {
	var batches []Batch
	for _, entry := range s.log.JournalSince(s.seq) {
		s.seq = entry.Seq
		event := s.eventOf(entry)
		switch event.Kind {
		case cache.VersionCreated:
			s.cache.AddVersion(event.VersionID, event.ParentVersionID)
		case cache.ChangesApplied:
			s.cache.Update(event.Changes, event.CommitID, event.VersionID)
			batches = append(batches, batchOf(event.VersionID, event.CommitID, event.Changes))
		case cache.CommitSealed:
			s.cache.Restamp(event.FromCommitID, event.ToCommitID)
			batches = append(batches, batchOf(event.VersionID, event.ToCommitID, s.sealedChanges(event.ToCommitID)))
		}
	}
	return batches
}

func (s *Store) sealedChanges(commitID string) []core.Change {
	commit, ok := s.log.Commit(commitID)
	if !ok {
		return nil
	}
	var changes []core.Change
	for _, element := range s.log.ChangeSetElements(commit.ChangeSetID) {
		if change, ok := s.log.Change(element.ChangeID); ok {
			changes = append(changes, change)
		}
	}
	return changes
}

func batchOf(versionID, commitID string, changes []core.Change) Batch {
	batch := Batch{VersionID: versionID, CommitID: commitID, Changes: make([]Materialized, 0, len(changes))}
	for _, change := range changes {
		batch.Changes = append(batch.Changes, Materialized{
			SchemaKey: change.SchemaKey,
			EntityID:  change.EntityID,
			CommitID:  commitID,
			Snapshot:  change.Snapshot,
		})
	}
	return batch
}

// SetIdentity changes the commit author and returns a func restoring the
// previous one. Callers serialize writes.
func (s *Store) SetIdentity(identity core.Identity) (restore func()) {
	previous := s.identity
	s.identity = identity
	return func() { s.identity = previous }
}

// flush persists the records staged by the log plus extra in one
// transaction. When the transaction fails the log and the cache are read
// back from persistence, so nothing that failed to persist stays visible.
func (s *Store) flush(extra []core.Record, message string) (ps.Transaction, error) {
	records := append(s.log.TakePending(), extra...)
	if len(records) == 0 {
		return s.persistence.LatestTransaction(), nil
	}
	txn, err := s.commit(records, message)
	if err != nil {
		s.diverged = true
		if reloadErr := s.reload(); reloadErr != nil {
			s.cache.MarkStale()
			return ps.Transaction{}, fmt.Errorf("failed to persist: %w (%v)", err, reloadErr)
		}
		return ps.Transaction{}, fmt.Errorf("failed to persist: %w", err)
	}
	return txn, nil
}

func (s *Store) commit(records []core.Record, message string) (ps.Transaction, error) {
	batch, err := s.persistence.BeginTransaction()
	if err != nil {
		return ps.Transaction{}, err
	}
	if err := batch.Add(records...); err != nil {
		batch.Rollback()
		return ps.Transaction{}, err
	}
	txn, err := batch.Commit(s.identity, message)
	if err != nil {
		batch.Rollback()
		return ps.Transaction{}, err
	}
	return txn, nil
}

// Version returns a version by id or name.
func (s *Store) Version(idOrName string) (core.Version, bool) {
	if version, ok := s.log.Version(idOrName); ok {
		return version, true
	}
	return s.log.VersionByName(idOrName)
}

func (s *Store) Versions() []core.Version {
	return s.log.Versions()
}

// Resolve returns the effective row of an entity in a version.
func (s *Store) Resolve(key core.StateKey, versionID string) (core.CacheRow, bool, error) {
	if err := s.ensureFresh(); err != nil {
		return core.CacheRow{}, false, err
	}
	row, ok := s.cache.Resolve(key, versionID)
	return row, ok, nil
}

// Scan returns the effective rows of a schema in a version.
func (s *Store) Scan(schemaKey, versionID string) ([]core.CacheRow, error) {
	if err := s.ensureFresh(); err != nil {
		return nil, err
	}
	if _, ok := s.log.Version(versionID); !ok {
		return nil, core.NotFoundError("scan", fmt.Errorf("version %q", versionID))
	}
	return s.cache.Scan(schemaKey, versionID), nil
}

// ScanAll returns the effective rows of a schema in every version.
func (s *Store) ScanAll(schemaKey string) ([]core.CacheRow, error) {
	if err := s.ensureFresh(); err != nil {
		return nil, err
	}
	return s.cache.ScanAll(schemaKey), nil
}

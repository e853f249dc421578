package db

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nickyhof/EntityDB/core"
	"github.com/nickyhof/EntityDB/expr"
	"github.com/nickyhof/EntityDB/history"
	"github.com/nickyhof/EntityDB/op"
	"github.com/nickyhof/EntityDB/ps"
	"github.com/nickyhof/EntityDB/rewrite"
	"github.com/nickyhof/EntityDB/sql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownTable = errors.New("unknown table")
	ErrReadOnlyView = errors.New("history views are read-only")
)

type Options struct {
	Identity core.Identity
	// ActiveVersion is the version bare views resolve against. Defaults to
	// the main version.
	ActiveVersion    string
	RewriteCacheSize int
	Logger           *logrus.Logger
	// Registerer receives the engine metrics. A private registry is used
	// when nil.
	Registerer prometheus.Registerer
	Clock      func() time.Time
}

// Engine executes statements against entity views and the state table.
// Writes are serialized; notifications are delivered after the write lock is
// released, in commit order.
type Engine struct {
	mu        sync.RWMutex
	store     *op.Store
	rewriter  *rewrite.Rewriter
	evaluator *expr.Evaluator
	logger    *logrus.Logger
	metrics   *metrics

	activeVersion string

	subscribersMu sync.Mutex
	subscribers   map[int]func(StateCommitted)
	nextID        int
	deliverMu     sync.Mutex
}

func NewEngine(persistence *ps.Persistence, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	storeOpts := []op.Option{op.WithClock(opts.Clock)}
	if opts.Identity.Name != "" || opts.Identity.Email != "" {
		storeOpts = append(storeOpts, op.WithIdentity(opts.Identity))
	}
	store, err := op.Open(persistence, storeOpts...)
	if err != nil {
		return nil, err
	}

	evaluator := expr.NewEvaluator(expr.WithClock(opts.Clock))
	rewriter, err := rewrite.New(store.Registry(), evaluator, opts.RewriteCacheSize)
	if err != nil {
		return nil, err
	}

	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		store:       store,
		rewriter:    rewriter,
		evaluator:   evaluator,
		logger:      opts.Logger,
		metrics:     m,
		subscribers: make(map[int]func(StateCommitted)),
	}

	active := opts.ActiveVersion
	if active == "" {
		active = core.MainVersionID
	}
	version, ok := store.Version(active)
	if !ok {
		return nil, core.NotFoundError("open engine", fmt.Errorf("version %q", active))
	}
	engine.activeVersion = version.ID
	engine.metrics.cacheRows.Set(float64(store.Cache().Len()))

	engine.logger.WithFields(logrus.Fields{
		"version_id": engine.activeVersion,
		"versions":   len(store.Versions()),
	}).Info("Engine opened")
	return engine, nil
}

func (engine *Engine) Store() *op.Store { return engine.store }

func (engine *Engine) Rewriter() *rewrite.Rewriter { return engine.rewriter }

func (engine *Engine) Logger() *logrus.Logger { return engine.logger }

// Gatherer exposes the engine metrics when the engine owns its registry.
func (engine *Engine) Gatherer() prometheus.Gatherer {
	return engine.metrics.gatherer
}

func (engine *Engine) ActiveVersion() string {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	return engine.activeVersion
}

// SwitchVersion makes the version with the given id or name the active one.
func (engine *Engine) SwitchVersion(idOrName string) (core.Version, error) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	version, ok := engine.store.Version(idOrName)
	if !ok {
		return core.Version{}, core.NotFoundError("switch version", fmt.Errorf("version %q", idOrName))
	}
	engine.activeVersion = version.ID
	engine.logger.WithField("version_id", version.ID).Info("Switched active version")
	return version, nil
}

// Execute runs a statement with bare views scoped to the active version.
func (engine *Engine) Execute(query string, params ...any) (Result, error) {
	return engine.ExecuteIn(engine.ActiveVersion(), query, params...)
}

// ExecuteIn runs a statement with bare views scoped to versionID.
func (engine *Engine) ExecuteIn(versionID, query string, params ...any) (Result, error) {
	return engine.ExecuteAs(core.Identity{}, versionID, query, params...)
}

// ExecuteAs is ExecuteIn with writes committed under identity. A zero
// identity keeps the engine's own.
func (engine *Engine) ExecuteAs(identity core.Identity, versionID, query string, params ...any) (Result, error) {
	statement, err := engine.rewriter.Parse(query)
	if err != nil {
		return nil, err
	}
	if _, ok := statement.(sql.SelectStatement); ok {
		if err := engine.readLock(); err != nil {
			return nil, err
		}
		defer engine.mu.RUnlock()
		x := &executor{engine: engine, params: params, versionID: versionID}
		return x.run(statement)
	}

	if err := engine.refresh(); err != nil {
		return nil, err
	}
	engine.mu.Lock()
	restore := func() {}
	if identity != (core.Identity{}) {
		restore = engine.store.SetIdentity(identity)
	}
	x := &executor{engine: engine, params: params, versionID: versionID}
	result, err := x.run(statement)
	restore()
	engine.unlockAndPublish(x.batches)
	return result, err
}

// route rewrites statement against versionID and reports where it should
// run.
func (engine *Engine) route(statement sql.Statement, params []any, versionID string) (rewrite.Result, error) {
	result, err := engine.rewriter.RewriteStatement(statement, params, rewrite.Options{ActiveVersionID: versionID})
	if err != nil {
		engine.metrics.rewrites.WithLabelValues("error").Inc()
		return rewrite.Result{}, err
	}
	switch {
	case result.Rewritten:
		engine.metrics.rewrites.WithLabelValues("rewritten").Inc()
		engine.logger.WithFields(logrus.Fields{
			"schema_key": result.SchemaKey,
			"version_id": versionID,
		}).Debugf("Rewrote statement: %s", result.SQL)
	case result.View == rewrite.HistoryView:
		engine.metrics.rewrites.WithLabelValues("history").Inc()
	default:
		engine.metrics.rewrites.WithLabelValues("passthrough").Inc()
	}
	return result, nil
}

// refresh rebuilds a stale cache before it is read.
func (engine *Engine) refresh() error {
	if engine.store.IsFresh() {
		return nil
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.store.IsFresh() {
		return nil
	}
	start := time.Now()
	engine.store.Rebuild()
	engine.metrics.rebuilds.Inc()
	engine.metrics.cacheRows.Set(float64(engine.store.Cache().Len()))
	engine.logger.WithFields(logrus.Fields{
		"rows":     engine.store.Cache().Len(),
		"duration": time.Since(start),
	}).Warn("Rebuilt stale state cache")
	return nil
}

// readLock takes the read lock over a fresh cache.
func (engine *Engine) readLock() error {
	for {
		if err := engine.refresh(); err != nil {
			return err
		}
		engine.mu.RLock()
		if engine.store.IsFresh() {
			return nil
		}
		engine.mu.RUnlock()
	}
}

// Rebuild marks the cache stale and rebuilds it from the change log.
func (engine *Engine) Rebuild() error {
	engine.mu.Lock()
	engine.store.Cache().MarkStale()
	engine.mu.Unlock()
	return engine.refresh()
}

// apply writes mutations and records the resulting batches for delivery.
// The caller holds the write lock.
func (engine *Engine) apply(mutations []op.Mutation) ([]op.Batch, error) {
	batches, err := engine.store.Apply(mutations)
	if err != nil {
		return nil, err
	}
	changes := 0
	for _, batch := range batches {
		changes += len(batch.Changes)
		engine.logger.WithFields(logrus.Fields{
			"version_id": batch.VersionID,
			"commit_id":  batch.CommitID,
			"changes":    len(batch.Changes),
		}).Debug("Applied changes")
	}
	engine.metrics.changes.Add(float64(changes))
	engine.metrics.cacheRows.Set(float64(engine.store.Cache().Len()))
	return batches, nil
}

// CreateVersion creates a version inheriting from opts.From, or from the
// global version when From is empty.
func (engine *Engine) CreateVersion(opts history.VersionOptions) (core.Version, error) {
	engine.mu.Lock()
	if opts.From != "" {
		if from, ok := engine.store.Version(opts.From); ok {
			opts.From = from.ID
		}
	}
	version, batches, err := engine.store.CreateVersion(opts)
	if err == nil {
		engine.metrics.cacheRows.Set(float64(engine.store.Cache().Len()))
		engine.logger.WithFields(logrus.Fields{
			"version_id": version.ID,
			"name":       version.Name,
			"parent":     opts.From,
		}).Info("Created version")
	}
	engine.unlockAndPublish(batches)

	if err != nil {
		return core.Version{}, err
	}
	return version, nil
}

// Checkpoint seals the working change set of a version into a commit. A
// version without pending changes is left untouched.
func (engine *Engine) Checkpoint(idOrName string) (history.CheckpointResult, error) {
	engine.mu.Lock()
	version, ok := engine.store.Version(idOrName)
	if !ok {
		engine.mu.Unlock()
		return history.CheckpointResult{}, core.NotFoundError("checkpoint", fmt.Errorf("version %q", idOrName))
	}
	result, batches, err := engine.store.Checkpoint(version.ID)
	if err == nil && result.Created {
		engine.metrics.checkpoints.Inc()
		engine.metrics.cacheRows.Set(float64(engine.store.Cache().Len()))
		engine.logger.WithFields(logrus.Fields{
			"version_id": result.VersionID,
			"commit_id":  result.CommitID,
			"working":    result.WorkingCommitID,
		}).Info("Checkpoint created")
	}
	engine.unlockAndPublish(batches)

	if err != nil {
		return history.CheckpointResult{}, err
	}
	return result, nil
}

// Version resolves a version by id or name.
func (engine *Engine) Version(idOrName string) (core.Version, bool) {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	return engine.store.Version(idOrName)
}

func (engine *Engine) Versions() []core.Version {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	return engine.store.Versions()
}

// Schemas lists the registered schema definitions.
func (engine *Engine) Schemas() []core.Schema {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	return engine.store.Registry().All()
}

// RegisterSchema adds a schema definition. Re-registering an identical
// definition is a no-op.
func (engine *Engine) RegisterSchema(definition core.Schema) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if err := engine.store.RegisterSchema(definition); err != nil {
		return err
	}
	engine.logger.WithFields(logrus.Fields{
		"schema_key": definition.Key,
		"version":    definition.Version,
	}).Info("Registered schema")
	return nil
}

// Transactions lists the durable transactions of the store since a time.
func (engine *Engine) Transactions(since time.Time) ([]ps.Transaction, error) {
	return engine.store.Persistence().TransactionsSince(since)
}

package EntityDB

import (
	"context"
	"errors"

	"github.com/nickyhof/EntityDB/blob"
	"github.com/nickyhof/EntityDB/config"
	"github.com/nickyhof/EntityDB/core"
	"github.com/nickyhof/EntityDB/db"
	"github.com/nickyhof/EntityDB/ps"
)

var ErrStoreExists = errors.New("cannot import a blob into an existing store")

// Instance is an opened store and its engine.
type Instance struct {
	Persistence *ps.Persistence
	Config      config.Config

	engine *db.Engine
	info   blob.Info
}

// Open opens the store in cfg.BaseDir, or an in-memory store when BaseDir is
// empty. A store opened for the first time is given an id and cfg.StoreName.
func Open(cfg config.Config) (*Instance, error) {
	persistence, err := newPersistence(cfg)
	if err != nil {
		return nil, err
	}
	return open(persistence, cfg)
}

// OpenBlob imports a store blob. The target persistence must be empty.
func OpenBlob(ctx context.Context, data []byte, cfg config.Config) (*Instance, error) {
	persistence, err := newPersistence(cfg)
	if err != nil {
		return nil, err
	}
	existing, err := persistence.Load()
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, ErrStoreExists
	}
	if _, err := blob.Import(ctx, data, persistence, cfg.CoreIdentity()); err != nil {
		return nil, err
	}
	return open(persistence, cfg)
}

func newPersistence(cfg config.Config) (*ps.Persistence, error) {
	if cfg.BaseDir == "" {
		return ps.NewMemoryPersistence()
	}
	return ps.NewFilePersistence(cfg.BaseDir)
}

func open(persistence *ps.Persistence, cfg config.Config) (*Instance, error) {
	engine, err := db.NewEngine(persistence, db.Options{
		Identity:         cfg.CoreIdentity(),
		ActiveVersion:    cfg.ActiveVersion,
		RewriteCacheSize: cfg.RewriteCacheSize,
		Logger:           cfg.NewLogger(),
	})
	if err != nil {
		return nil, err
	}

	info, err := blob.StoreInfo(engine)
	if errors.Is(err, blob.ErrMissingInfo) {
		info, err = initialize(engine, cfg)
	}
	if err != nil {
		return nil, err
	}

	return &Instance{
		Persistence: persistence,
		Config:      cfg,
		engine:      engine,
		info:        info,
	}, nil
}

func initialize(engine *db.Engine, cfg config.Config) (blob.Info, error) {
	id := core.NewID()
	name := cfg.StoreName
	if name == "" {
		name = "entitydb-" + id[max(len(id)-8, 0):]
	}
	for _, entry := range []blob.SeedEntry{
		{Key: core.StoreIDKey, Value: id},
		{Key: core.StoreNameKey, Value: name},
	} {
		if err := blob.Put(engine, entry); err != nil {
			return blob.Info{}, err
		}
	}
	return blob.StoreInfo(engine)
}

func (instance *Instance) Engine() *db.Engine {
	return instance.engine
}

// Info returns the store id and name.
func (instance *Instance) Info() blob.Info {
	return instance.info
}

// Export serializes the store into a blob.
func (instance *Instance) Export(ctx context.Context) ([]byte, error) {
	return blob.Export(ctx, instance.engine)
}

// Save exports the store to a local path or URL.
func (instance *Instance) Save(ctx context.Context, location string) error {
	data, err := instance.Export(ctx)
	if err != nil {
		return err
	}
	return blob.Save(ctx, location, data, &instance.Config.S3)
}

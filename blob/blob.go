// Package blob serializes an EntityDB store into a single SQLite file.
//
// A blob carries every persisted record of the store plus a small info
// table naming the store, so the store id and name can be read without
// replaying the change log.
package blob

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/nickyhof/EntityDB/core"
	"github.com/nickyhof/EntityDB/db"
	"github.com/nickyhof/EntityDB/ps"
	"github.com/sirupsen/logrus"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// FormatVersion is written to the info table of every blob.
const FormatVersion = "1"

var (
	ErrInvalidBlob = errors.New("not an entitydb blob")
	ErrMissingInfo = errors.New("blob has no store info")
)

var sqliteHeader = []byte("SQLite format 3\x00")

var schemaSQL = []string{
	`CREATE TABLE entitydb_info (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE entitydb_record (
		tbl  TEXT NOT NULL,
		key  TEXT NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (tbl, key)
	)`,
}

// SeedEntry is a key/value pair written when a store is created. VersionID
// defaults to the global version; untracked entries stay out of the change
// log but are visible in the state.
type SeedEntry struct {
	Key       string
	Value     any
	VersionID string
	Untracked bool
}

type Options struct {
	// ID and Name identify the store; both are generated when empty.
	ID   string
	Name string
	Seed []SeedEntry

	Identity core.Identity
}

// Info identifies a store.
type Info struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	FormatVersion string `json:"format_version"`
}

// NewStore creates a fresh store seeded with opts.Seed and returns its blob.
func NewStore(ctx context.Context, opts Options) ([]byte, error) {
	if opts.ID == "" {
		opts.ID = core.NewID()
	}
	if opts.Name == "" {
		opts.Name = "entitydb-" + opts.ID[max(len(opts.ID)-8, 0):]
	}

	persistence, err := ps.NewMemoryPersistence()
	if err != nil {
		return nil, err
	}
	engine, err := db.NewEngine(persistence, db.Options{Identity: opts.Identity, Logger: quietLogger()})
	if err != nil {
		return nil, err
	}

	seed := append([]SeedEntry{
		{Key: core.StoreIDKey, Value: opts.ID},
		{Key: core.StoreNameKey, Value: opts.Name},
	}, opts.Seed...)
	for _, entry := range seed {
		if err := Put(engine, entry); err != nil {
			return nil, err
		}
	}
	return Export(ctx, engine)
}

// Put writes one key/value entry through the engine.
func Put(engine *db.Engine, entry SeedEntry) error {
	versionID := entry.VersionID
	if versionID == "" {
		versionID = core.GlobalVersionID
	}
	_, err := engine.Execute(
		"INSERT INTO "+core.KeyValueSchemaKey+"_all (key, value, version_id, untracked) VALUES (?, ?, ?, ?)",
		entry.Key, entry.Value, versionID, entry.Untracked,
	)
	if err != nil {
		return fmt.Errorf("failed to seed %q: %w", entry.Key, err)
	}
	return nil
}

// StoreInfo reads the store id and name from the global key/value entries.
func StoreInfo(engine *db.Engine) (Info, error) {
	result, err := engine.Execute(
		"SELECT key, value FROM "+core.KeyValueSchemaKey+"_all WHERE version_id = ? AND key IN (?, ?)",
		core.GlobalVersionID, core.StoreIDKey, core.StoreNameKey,
	)
	if err != nil {
		return Info{}, err
	}
	info := Info{FormatVersion: FormatVersion}
	for _, row := range result.(db.QueryResult).Maps() {
		value, _ := row["value"].(string)
		switch row["key"] {
		case core.StoreIDKey:
			info.ID = value
		case core.StoreNameKey:
			info.Name = value
		}
	}
	if info.ID == "" {
		return Info{}, ErrMissingInfo
	}
	return info, nil
}

// Export serializes every persisted record of the engine's store.
func Export(ctx context.Context, engine *db.Engine) ([]byte, error) {
	info, err := StoreInfo(engine)
	if err != nil {
		return nil, err
	}
	records, err := engine.Store().Persistence().Load()
	if err != nil {
		return nil, err
	}

	var data []byte
	err = withDatabase(nil, func(path string, conn *sql.DB) error {
		for _, statement := range schemaSQL {
			if _, err := conn.ExecContext(ctx, statement); err != nil {
				return fmt.Errorf("failed to create blob schema: %w", err)
			}
		}
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for key, value := range map[string]string{"id": info.ID, "name": info.Name, "format_version": info.FormatVersion} {
			if _, err := tx.ExecContext(ctx, "INSERT INTO entitydb_info (key, value) VALUES (?, ?)", key, value); err != nil {
				return err
			}
		}
		insert, err := tx.PrepareContext(ctx, "INSERT INTO entitydb_record (tbl, key, data) VALUES (?, ?, ?)")
		if err != nil {
			return err
		}
		defer insert.Close()
		for _, record := range records {
			if _, err := insert.ExecContext(ctx, record.Table, record.Key, record.Data); err != nil {
				return fmt.Errorf("failed to write record %s/%s: %w", record.Table, record.Key, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		if err := conn.Close(); err != nil {
			return err
		}
		data, err = os.ReadFile(path)
		return err
	})
	return data, err
}

// ReadInfo returns the store info of a blob. Only the info table is read.
func ReadInfo(ctx context.Context, data []byte) (Info, error) {
	var info Info
	err := withDatabase(data, func(_ string, conn *sql.DB) error {
		rows, err := conn.QueryContext(ctx, "SELECT key, value FROM entitydb_info")
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBlob, err)
		}
		defer rows.Close()
		for rows.Next() {
			var key, value string
			if err := rows.Scan(&key, &value); err != nil {
				return err
			}
			switch key {
			case "id":
				info.ID = value
			case "name":
				info.Name = value
			case "format_version":
				info.FormatVersion = value
			}
		}
		return rows.Err()
	})
	if err != nil {
		return Info{}, err
	}
	if info.ID == "" {
		return Info{}, ErrMissingInfo
	}
	return info, nil
}

// Import commits every record of a blob to persistence in one transaction.
func Import(ctx context.Context, data []byte, persistence *ps.Persistence, identity core.Identity) (Info, error) {
	info, err := ReadInfo(ctx, data)
	if err != nil {
		return Info{}, err
	}
	if info.FormatVersion != FormatVersion {
		return Info{}, fmt.Errorf("%w: unsupported format version %q", ErrInvalidBlob, info.FormatVersion)
	}

	var records []core.Record
	err = withDatabase(data, func(_ string, conn *sql.DB) error {
		rows, err := conn.QueryContext(ctx, "SELECT tbl, key, data FROM entitydb_record ORDER BY tbl, key")
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBlob, err)
		}
		defer rows.Close()
		for rows.Next() {
			var record core.Record
			if err := rows.Scan(&record.Table, &record.Key, &record.Data); err != nil {
				return err
			}
			records = append(records, record)
		}
		return rows.Err()
	})
	if err != nil {
		return Info{}, err
	}

	if identity.Name == "" {
		identity = core.Identity{Name: "entitydb", Email: "entitydb@localhost"}
	}
	if _, err := persistence.Commit(records, identity, fmt.Sprintf("Import store %s", info.Name)); err != nil {
		return Info{}, fmt.Errorf("failed to import blob: %w", err)
	}
	return info, nil
}

// Open materializes a blob into an in-memory store and returns its engine.
func Open(ctx context.Context, data []byte, opts db.Options) (*db.Engine, error) {
	persistence, err := ps.NewMemoryPersistence()
	if err != nil {
		return nil, err
	}
	if _, err := Import(ctx, data, persistence, opts.Identity); err != nil {
		return nil, err
	}
	return db.NewEngine(persistence, opts)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

// withDatabase opens a SQLite database in a temporary file. When data is
// non-nil the file starts with it and must be a SQLite image.
func withDatabase(data []byte, fn func(path string, conn *sql.DB) error) error {
	if data != nil && !bytes.HasPrefix(data, sqliteHeader) {
		return ErrInvalidBlob
	}

	file, err := os.CreateTemp("", "entitydb-*.db")
	if err != nil {
		return err
	}
	path := file.Name()
	defer os.Remove(path)

	if data != nil {
		if _, err := file.Write(data); err != nil {
			file.Close()
			return err
		}
	}
	if err := file.Close(); err != nil {
		return err
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return fmt.Errorf("failed to open blob database: %w", err)
	}
	defer conn.Close()
	conn.SetMaxOpenConns(1)

	return fn(path, conn)
}

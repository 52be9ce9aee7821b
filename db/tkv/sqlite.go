package tkv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const SQLiteFileName = "drive.db"

type sqliteTKV struct {
	logger *slog.Logger
	appCtx context.Context
	db     *sql.DB
}

var _ TKV = &sqliteTKV{}

type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "create kv table",
		sql: `
			CREATE TABLE IF NOT EXISTS kv (
				region INTEGER NOT NULL,
				key BLOB NOT NULL,
				value BLOB NOT NULL,
				PRIMARY KEY (region, key)
			) WITHOUT ROWID
		`,
	},
}

func newSQLite(config Config) (*sqliteTKV, error) {
	if err := os.MkdirAll(config.Directory, 0755); err != nil {
		return nil, &ErrInternal{Err: err}
	}

	path := filepath.Join(config.Directory, SQLiteFileName)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &ErrInternal{Err: fmt.Errorf("open database %s: %w", path, err)}
	}
	db.SetMaxOpenConns(1)

	logger := config.Logger.WithGroup("tkv")

	// Some filesystems refuse journal mode changes; fall back to the default
	// journal rather than refusing to start.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		logger.Warn("failed to enable WAL mode, continuing without WAL", "error", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, &ErrInternal{Err: fmt.Errorf("set synchronous mode: %w", err)}
	}

	t := &sqliteTKV{
		logger: logger,
		appCtx: config.AppCtx,
		db:     db,
	}

	if err := t.migrate(); err != nil {
		db.Close()
		return nil, &ErrInternal{Err: fmt.Errorf("migrate: %w", err)}
	}

	return t, nil
}

func (t *sqliteTKV) migrate() error {
	return t.runMigrations(migrations)
}

// runMigrations applies each pending step and records its version in the
// same transaction.
func (t *sqliteTKV) runMigrations(steps []migration) error {
	if _, err := t.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	for i, m := range steps {
		version := i + 1
		var count int
		if err := t.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", version, err)
		}
		if count > 0 {
			continue
		}

		t.logger.Info("Running migration", "version", version, "name", m.name)
		if err := t.applyMigration(version, m); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqliteTKV) applyMigration(version int, m migration) error {
	tx, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("migration %d (%s): %w", version, m.name, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("record migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", version, err)
	}
	return nil
}

func (t *sqliteTKV) Close() error {
	if err := t.db.Close(); err != nil {
		t.logger.Error("error closing sqlite db", "error", err)
		return &ErrInternal{Err: err}
	}
	t.logger.Info("sqlite db closed")
	return nil
}

func keyBlob(key uint64) []byte {
	return encodeKey(0, key)[1:]
}

func (t *sqliteTKV) Get(region Region, key uint64) ([]byte, error) {
	var value []byte
	err := t.db.QueryRow("SELECT value FROM kv WHERE region = ? AND key = ?", int(region), keyBlob(key)).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &ErrKeyNotFound{Region: region, Key: key}
		}
		return nil, &ErrInternal{Err: err}
	}
	return value, nil
}

func (t *sqliteTKV) Set(region Region, key uint64, value []byte) error {
	_, err := t.db.Exec(`
		INSERT INTO kv (region, key, value) VALUES (?, ?, ?)
		ON CONFLICT (region, key) DO UPDATE SET value = excluded.value
	`, int(region), keyBlob(key), value)
	if err != nil {
		return &ErrInternal{Err: err}
	}
	return nil
}

func (t *sqliteTKV) Delete(region Region, key uint64) ([]byte, error) {
	tx, err := t.db.Begin()
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}
	defer tx.Rollback()

	var prior []byte
	err = tx.QueryRow("SELECT value FROM kv WHERE region = ? AND key = ?", int(region), keyBlob(key)).Scan(&prior)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &ErrKeyNotFound{Region: region, Key: key}
		}
		return nil, &ErrInternal{Err: err}
	}
	if _, err := tx.Exec("DELETE FROM kv WHERE region = ? AND key = ?", int(region), keyBlob(key)); err != nil {
		return nil, &ErrInternal{Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &ErrInternal{Err: err}
	}
	return prior, nil
}

func (t *sqliteTKV) Iterate(region Region, offset int, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1 // sqlite: negative LIMIT is unbounded
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := t.db.Query(`
		SELECT key, value FROM kv
		WHERE region = ?
		ORDER BY key
		LIMIT ? OFFSET ?
	`, int(region), limit, offset)
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var rawKey, value []byte
		if err := rows.Scan(&rawKey, &value); err != nil {
			return nil, &ErrInternal{Err: err}
		}
		_, key, ok := decodeKey(append([]byte{byte(region)}, rawKey...))
		if !ok {
			t.logger.Warn("Skipping malformed key during iterate", "region", region.String())
			continue
		}
		entries = append(entries, Entry{Key: key, Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, &ErrInternal{Err: err}
	}
	return entries, nil
}

func (t *sqliteTKV) AtomicGet(region Region, key uint64) (uint64, error) {
	value, err := t.Get(region, key)
	if err != nil {
		if IsErrKeyNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return decodeCounter(region, key, value)
}

func (t *sqliteTKV) AtomicAdd(region Region, key uint64, delta uint64) (uint64, error) {
	tx, err := t.db.Begin()
	if err != nil {
		return 0, &ErrInternal{Err: err}
	}
	defer tx.Rollback()

	var current uint64
	var raw []byte
	err = tx.QueryRow("SELECT value FROM kv WHERE region = ? AND key = ?", int(region), keyBlob(key)).Scan(&raw)
	switch {
	case err == nil:
		current, err = decodeCounter(region, key, raw)
		if err != nil {
			return 0, err
		}
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	default:
		return 0, &ErrInternal{Err: err}
	}

	next := current + delta
	if _, err := tx.Exec(`
		INSERT INTO kv (region, key, value) VALUES (?, ?, ?)
		ON CONFLICT (region, key) DO UPDATE SET value = excluded.value
	`, int(region), keyBlob(key), encodeCounter(next)); err != nil {
		return 0, &ErrInternal{Err: err}
	}
	if err := tx.Commit(); err != nil {
		return 0, &ErrInternal{Err: err}
	}
	return next, nil
}

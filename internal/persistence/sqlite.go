package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteSchemaVersion  = 1
	sqliteSchemaChecksum = "av-v1-2026-07-records-logs"
)

// SQLiteStore is the embedded relational RecordStore backend: records in a
// (collection, key) table, logs in an autoincrement-ordered table. One open
// connection, WAL journal, busy timeout, and bounded busy retries.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > sqliteSchemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, sqliteSchemaVersion)
	}
	if maxVersion == sqliteSchemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, sqliteSchemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != sqliteSchemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", sqliteSchemaVersion, existing, sqliteSchemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS records (
			collection TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (collection, key)
		);`,
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			collection TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_records_collection ON records(collection);`,
		`CREATE INDEX IF NOT EXISTS idx_logs_stream ON logs(collection, key, id);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		sqliteSchemaVersion, sqliteSchemaChecksum); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with exponential
// backoff and bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks the error text rather than the driver's error type so
// non-CGO code paths never import the sqlite3 package directly.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) Get(ctx context.Context, collection, key string) ([]byte, error) {
	if err := validatePath(collection, key); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM records WHERE collection = ? AND key = ?;`,
		collection, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s/%s: %w", collection, key, ErrNotFound)
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) Create(ctx context.Context, collection, key string, value []byte) error {
	if err := validatePath(collection, key); err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO records (collection, key, value) VALUES (?, ?, ?);`,
			collection, key, value)
		if isUniqueViolation(err) {
			return fmt.Errorf("%s/%s: %w", collection, key, ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("create record: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) Put(ctx context.Context, collection, key string, value []byte) error {
	if err := validatePath(collection, key); err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO records (collection, key, value) VALUES (?, ?, ?)
			ON CONFLICT(collection, key)
			DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
		`, collection, key, value)
		if err != nil {
			return fmt.Errorf("put record: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) Delete(ctx context.Context, collection, key string) error {
	if err := validatePath(collection, key); err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM records WHERE collection = ? AND key = ?;`,
			collection, key)
		if err != nil {
			return fmt.Errorf("delete record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete record: rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%s/%s: %w", collection, key, ErrNotFound)
		}
		return nil
	})
}

func (s *SQLiteStore) ListKeys(ctx context.Context, collection string) ([]string, error) {
	if err := validatePath(collection); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM records WHERE collection = ? ORDER BY key ASC;`, collection)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list keys: iterate: %w", err)
	}
	return keys, nil
}

func (s *SQLiteStore) ListCollections(ctx context.Context, prefix string) ([]string, error) {
	if err := validatePath(prefix); err != nil {
		return nil, err
	}
	pattern := prefix + "/%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT collection FROM records WHERE collection LIKE ?
		UNION
		SELECT DISTINCT collection FROM logs WHERE collection LIKE ?
		ORDER BY collection ASC;
	`, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var names []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		// Reduce to the immediate child segment under prefix.
		rest := strings.TrimPrefix(c, prefix+"/")
		child := rest
		if i := strings.Index(rest, "/"); i >= 0 {
			child = rest[:i]
		}
		if child != "" && !seen[child] {
			seen[child] = true
			names = append(names, child)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list collections: iterate: %w", err)
	}
	return names, nil
}

func (s *SQLiteStore) DeleteTree(ctx context.Context, prefix string) error {
	if err := validatePath(prefix); err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("delete tree: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		pattern := prefix + "/%"
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE collection = ? OR collection LIKE ?;`,
			prefix, pattern); err != nil {
			return fmt.Errorf("delete tree records: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM logs WHERE collection = ? OR collection LIKE ?;`,
			prefix, pattern); err != nil {
			return fmt.Errorf("delete tree logs: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("delete tree: commit: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) Append(ctx context.Context, collection, key string, value []byte) error {
	if err := validatePath(collection, key); err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO logs (collection, key, value) VALUES (?, ?, ?);`,
			collection, key, value)
		if err != nil {
			return fmt.Errorf("append log: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) ReadLog(ctx context.Context, collection, key string) ([][]byte, error) {
	if err := validatePath(collection, key); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT value FROM logs WHERE collection = ? AND key = ? ORDER BY id ASC;`,
		collection, key)
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer rows.Close()

	var entries [][]byte
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		entries = append(entries, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read log: iterate: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

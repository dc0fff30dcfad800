package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is a CounterStore backed by SQLite. With WAL mode and a
// busy timeout it is safe for concurrent access from multiple
// processes sharing the database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the counter database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	// Connection options ride the DSN so every pooled connection gets
	// them; db.Exec would configure only whichever connection it ran on.
	// Immediate transactions take the write lock up front, so the
	// read-then-write in ConditionalReset never hits a lock upgrade, and
	// the busy timeout makes contending writers wait instead of failing
	// with SQLITE_BUSY. WAL allows readers alongside the single writer.
	dsn := dbPath
	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		dsn = "file:" + dbPath +
			"?_txlock=immediate" +
			"&_pragma=busy_timeout(5000)" +
			"&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbPath == ":memory:" {
		// Each connection to :memory: is its own database; the pool
		// must stay at one connection to see one store.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(0)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Read implements CounterStore
func (s *SQLiteStore) Read(ctx context.Context, key string) (Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field, value FROM counters WHERE key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("reading counters for %s: %w", key, err)
	}
	defer rows.Close()

	rec := Record{}
	for rows.Next() {
		var field string
		var value float64
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("scanning counter row: %w", err)
		}
		rec[field] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating counter rows: %w", err)
	}
	return rec, nil
}

// AtomicIncrement implements CounterStore. All deltas apply inside one
// transaction; the arithmetic happens in SQL so concurrent callers
// never lose an update.
func (s *SQLiteStore) AtomicIncrement(ctx context.Context, key string, deltas Record) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning increment: %w", err)
	}
	defer tx.Rollback()

	for field, delta := range deltas {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO counters (key, field, value, updated_at)
			VALUES (?, ?, ?, unixepoch())
			ON CONFLICT(key, field) DO UPDATE SET
				value = value + excluded.value,
				updated_at = excluded.updated_at`,
			key, field, delta)
		if err != nil {
			return nil, fmt.Errorf("incrementing %s.%s: %w", key, field, err)
		}
	}

	rec, err := readInTx(ctx, tx, key)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing increment: %w", err)
	}
	return rec, nil
}

// ConditionalReset implements CounterStore. The guard check and the
// writes share a transaction, so only the first racing caller that
// still observes a stale guard value applies the reset.
func (s *SQLiteStore) ConditionalReset(ctx context.Context, key string, guard *Condition, sets Record) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning reset: %w", err)
	}
	defer tx.Rollback()

	if guard != nil {
		var stored float64
		err := tx.QueryRowContext(ctx,
			`SELECT value FROM counters WHERE key = ? AND field = ?`,
			key, guard.Field).Scan(&stored)
		if err != nil && err != sql.ErrNoRows {
			return false, fmt.Errorf("reading guard %s.%s: %w", key, guard.Field, err)
		}
		// sql.ErrNoRows leaves stored at 0, matching the missing-field rule
		if !guard.holds(stored) {
			return false, nil
		}
	}

	for field, value := range sets {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO counters (key, field, value, updated_at)
			VALUES (?, ?, ?, unixepoch())
			ON CONFLICT(key, field) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at`,
			key, field, value)
		if err != nil {
			return false, fmt.Errorf("resetting %s.%s: %w", key, field, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing reset: %w", err)
	}
	return true, nil
}

func readInTx(ctx context.Context, tx *sql.Tx, key string) (Record, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT field, value FROM counters WHERE key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("reading counters for %s: %w", key, err)
	}
	defer rows.Close()

	rec := Record{}
	for rows.Next() {
		var field string
		var value float64
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("scanning counter row: %w", err)
		}
		rec[field] = value
	}
	return rec, rows.Err()
}

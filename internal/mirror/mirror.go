// Package mirror persists the synchronized state in SQLite so a process
// restart keeps the last known snapshot and cursor.
package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// InMemory opens a private in-memory mirror.
const InMemory = ":memory:"

// Cursor is the last sync position recorded for the mirror.
type Cursor struct {
	RuntimeEpoch string
	Seq          int64
	UpdatedAt    time.Time
}

// Store is a SQLite-backed snapshot mirror. It satisfies
// statesync.Applier.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the mirror at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}
	// An in-memory database lives only as long as its connection.
	if path == InMemory {
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			runtime_epoch TEXT NOT NULL,
			seq INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ApplySnapshot upserts every top-level key in one transaction. A JSON
// null value deletes the key.
func (s *Store) ApplySnapshot(ctx context.Context, snapshot map[string]json.RawMessage) error {
	if len(snapshot) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := s.now().UTC().Format(time.RFC3339Nano)
	for key, value := range snapshot {
		if len(value) == 0 || string(value) == "null" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM state WHERE key = ?`, key); err != nil {
				return fmt.Errorf("delete %q: %w", key, err)
			}
			continue
		}
		if !json.Valid(value) {
			return fmt.Errorf("value for %q is not valid JSON", key)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO state (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, string(value), ts)
		if err != nil {
			return fmt.Errorf("upsert %q: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Get returns the stored value for key. ok is false when the key is absent.
func (s *Store) Get(ctx context.Context, key string) (value json.RawMessage, ok bool, err error) {
	var raw string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return json.RawMessage(raw), true, nil
}

// All returns every stored key.
func (s *Store) All(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM state ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("query state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		out[key] = json.RawMessage(value)
	}
	return out, rows.Err()
}

// RecordCursor stores the sync position.
func (s *Store) RecordCursor(ctx context.Context, epoch string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_meta (id, runtime_epoch, seq, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			runtime_epoch = excluded.runtime_epoch,
			seq = excluded.seq,
			updated_at = excluded.updated_at
	`, epoch, seq, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record cursor: %w", err)
	}
	return nil
}

// Cursor returns the recorded sync position; ok is false if none exists.
func (s *Store) Cursor(ctx context.Context) (c Cursor, ok bool, err error) {
	var updated string
	err = s.db.QueryRowContext(ctx,
		`SELECT runtime_epoch, seq, updated_at FROM sync_meta WHERE id = 1`,
	).Scan(&c.RuntimeEpoch, &c.Seq, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, fmt.Errorf("read cursor: %w", err)
	}
	c.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return Cursor{}, false, fmt.Errorf("parse cursor time: %w", err)
	}
	return c, true, nil
}

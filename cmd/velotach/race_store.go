package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// RaceStore persists finished races as one JSON array stored under a single key
// of a SQLite key-value table. Newest races come first.
//
// A value that fails to parse reads as an empty list; the next write replaces it.
type RaceStore struct {
	db     *sql.DB
	key    string
	logger *slog.Logger
}

const raceStoreSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// OpenRaceStore opens (or creates) the database at path. Use ":memory:" for an
// ephemeral store.
func OpenRaceStore(ctx context.Context, path string, logger *slog.Logger) (*RaceStore, error) {
	if path == "" {
		return nil, errors.New("race store path is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open race store %s: %w", path, err)
	}
	// Single writer; also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("race store %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, raceStoreSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("race store schema: %w", err)
	}

	return &RaceStore{db: db, key: raceStoreKey, logger: logger}, nil
}

// Close closes the underlying database.
func (s *RaceStore) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// load reads the stored list. Missing and corrupt values both yield an empty list.
func (s *RaceStore) load(ctx context.Context, q queryer) ([]RaceRecord, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, s.key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return []RaceRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.key, err)
	}

	var list []RaceRecord
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		s.logger.Warn("race store value is corrupt, treating as empty", "key", s.key, "error", err)
		return []RaceRecord{}, nil
	}
	if list == nil {
		list = []RaceRecord{}
	}
	return list, nil
}

func (s *RaceStore) save(ctx context.Context, tx *sql.Tx, list []RaceRecord) error {
	if list == nil {
		list = []RaceRecord{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.key, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		s.key, string(b))
	if err != nil {
		return fmt.Errorf("write %s: %w", s.key, err)
	}
	return nil
}

// update runs a read-modify-write of the list in one transaction.
func (s *RaceStore) update(ctx context.Context, fn func([]RaceRecord) []RaceRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	list, err := s.load(ctx, tx)
	if err != nil {
		return err
	}
	if err := s.save(ctx, tx, fn(list)); err != nil {
		return err
	}
	return tx.Commit()
}

// Add prepends r to the list.
func (s *RaceStore) Add(ctx context.Context, r RaceRecord) error {
	return s.update(ctx, func(list []RaceRecord) []RaceRecord {
		return append([]RaceRecord{r}, list...)
	})
}

// List returns all races, newest first.
func (s *RaceStore) List(ctx context.Context) ([]RaceRecord, error) {
	return s.load(ctx, s.db)
}

// Clear removes every race.
func (s *RaceStore) Clear(ctx context.Context) error {
	return s.update(ctx, func([]RaceRecord) []RaceRecord { return nil })
}

// Delete removes the race with the given id. Deleting an unknown id is not an error.
func (s *RaceStore) Delete(ctx context.Context, id string) error {
	return s.update(ctx, func(list []RaceRecord) []RaceRecord {
		out := list[:0]
		for _, r := range list {
			if r.ID != id {
				out = append(out, r)
			}
		}
		return out
	})
}

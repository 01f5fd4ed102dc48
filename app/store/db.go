package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the durable local cache. It is the only component allowed to
// mutate unread counters; everything else treats it as a service boundary.
type Store struct {
	db  *sql.DB
	hub *Hub

	// removeArtifacts is called after an item row is deleted so the on-disk
	// content artifacts are cleaned up alongside. Best effort.
	removeArtifacts func(itemID string)
}

// Open opens (creating if necessary) the SQLite database at path, configures
// pragmas and applies pending migrations.
func Open(path string, hub *Hub) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to exec %q: %w", pragma, err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, hub: hub}, nil
}

// SetArtifactRemover wires the content layer's artifact cleanup into item
// deletion. Must be called before any sweep runs.
func (s *Store) SetArtifactRemover(fn func(itemID string)) {
	s.removeArtifacts = fn
}

func (s *Store) Close() error {
	return s.db.Close()
}

// PurgeAll empties every table. Used by account teardown.
func (s *Store) PurgeAll() error {
	tables := []string{"item_tags", "subscription_tags", "transactions", "items", "subscriptions", "tags", "settings"}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin purge: %w", err)
	}
	defer tx.Rollback()

	for _, table := range tables {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("failed to purge %s: %w", table, err)
		}
	}

	return tx.Commit()
}

func (s *Store) dropArtifacts(ids []string) {
	if s.removeArtifacts == nil {
		return
	}
	for _, id := range ids {
		s.removeArtifacts(id)
	}
}

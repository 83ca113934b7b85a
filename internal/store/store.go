// Package store is the node's persistence service: SQLite-backed CRUD for
// marketplace entities plus row-level change notification. Consumers treat
// it as an opaque service keyed by entity ids.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrNotFound wraps every missing-row error so callers can test for it
// with errors.Is.
var ErrNotFound = errors.New("store: not found")

// DB wraps the node's SQLite database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex

	watchMu  sync.RWMutex
	watchers map[string]map[chan Event]struct{}
}

// Open opens or creates the database in the given directory.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "roomhive.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	s := &DB{
		db:       db,
		path:     dbPath,
		watchers: make(map[string]map[chan Event]struct{}),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			id         TEXT PRIMARY KEY,
			label      TEXT NOT NULL,
			email      TEXT DEFAULT '',
			pass_hash  TEXT DEFAULT '',
			avatar_url TEXT DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS listings (
			id          TEXT PRIMARY KEY,
			owner_id    TEXT NOT NULL,
			title       TEXT NOT NULL,
			description TEXT DEFAULT '',
			city        TEXT DEFAULT '',
			price_cents INTEGER NOT NULL DEFAULT 0,
			photo_url   TEXT DEFAULT '',
			created_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bookings (
			id         TEXT PRIMARY KEY,
			listing_id TEXT NOT NULL,
			guest_id   TEXT NOT NULL,
			status     TEXT NOT NULL,
			check_in   TEXT NOT NULL,
			check_out  TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reviews (
			id         TEXT PRIMARY KEY,
			listing_id TEXT NOT NULL,
			author_id  TEXT NOT NULL,
			rating     INTEGER NOT NULL,
			body       TEXT DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			peer_a     TEXT NOT NULL,
			peer_b     TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			kind            TEXT NOT NULL DEFAULT 'text',
			body            TEXT DEFAULT '',
			call_id         TEXT DEFAULT '',
			duration_sec    INTEGER DEFAULT 0,
			created_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_listings_city ON listings(city)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_guest ON bookings(guest_id)`,
	}
	for _, q := range stmts {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *DB) Close() error {
	s.watchMu.Lock()
	for _, set := range s.watchers {
		for ch := range set {
			close(ch)
		}
	}
	s.watchers = make(map[string]map[chan Event]struct{})
	s.watchMu.Unlock()
	return s.db.Close()
}

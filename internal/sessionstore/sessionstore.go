// Package sessionstore persists reconnect checkpoints and editor-
// mirror snapshots across host restarts, a supplemented feature
// (SPEC_FULL.md) beyond spec.md's in-memory-only reconnect support:
// spec.md's replay log only survives a live process; this adds
// durable state so a restarted host can still offer the guest a
// sensible replay baseline.
package sessionstore

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a sqlite database holding per-connection checkpoints.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) a sqlite database at dsn and runs
// any pending embedded migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessionstore: set WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessionstore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// Checkpoint records a connection's last-received/last-sent frame ids
// at the moment a reconnect attempt needs a replay baseline.
type Checkpoint struct {
	ConnectionID   string
	LastReceivedID uint32
	LastSentID     uint32
}

// SaveCheckpoint upserts a connection's checkpoint.
func (s *Store) SaveCheckpoint(c Checkpoint) error {
	_, err := s.db.Exec(`INSERT INTO checkpoints (connection_id, last_received_id, last_sent_id, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(connection_id) DO UPDATE SET
			last_received_id = excluded.last_received_id,
			last_sent_id = excluded.last_sent_id,
			updated_at = CURRENT_TIMESTAMP`,
		c.ConnectionID, c.LastReceivedID, c.LastSentID)
	if err != nil {
		return fmt.Errorf("sessionstore: save checkpoint %s: %w", c.ConnectionID, err)
	}
	return nil
}

// LoadCheckpoint returns a connection's last-saved checkpoint, and
// whether one existed.
func (s *Store) LoadCheckpoint(connectionID string) (Checkpoint, bool, error) {
	var c Checkpoint
	c.ConnectionID = connectionID
	err := s.db.QueryRow(`SELECT last_received_id, last_sent_id FROM checkpoints WHERE connection_id = ?`, connectionID).
		Scan(&c.LastReceivedID, &c.LastSentID)
	if err == sql.ErrNoRows {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("sessionstore: load checkpoint %s: %w", connectionID, err)
	}
	return c, true, nil
}

// DeleteCheckpoint removes a connection's checkpoint and snapshot,
// e.g. once a connection terminates cleanly rather than reconnecting.
func (s *Store) DeleteCheckpoint(connectionID string) error {
	if _, err := s.db.Exec(`DELETE FROM checkpoints WHERE connection_id = ?`, connectionID); err != nil {
		return fmt.Errorf("sessionstore: delete checkpoint %s: %w", connectionID, err)
	}
	if _, err := s.db.Exec(`DELETE FROM mirror_snapshots WHERE connection_id = ?`, connectionID); err != nil {
		return fmt.Errorf("sessionstore: delete snapshot %s: %w", connectionID, err)
	}
	return nil
}

// SaveMirrorSnapshot persists an opaque JSON snapshot of mirror state
// for connectionID, so a restarted host can reconstruct enough to
// resume after reconnect instead of forcing the guest to reload every
// document from scratch.
func (s *Store) SaveMirrorSnapshot(connectionID string, snapshotJSON []byte) error {
	_, err := s.db.Exec(`INSERT INTO mirror_snapshots (connection_id, snapshot_json, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(connection_id) DO UPDATE SET
			snapshot_json = excluded.snapshot_json,
			updated_at = CURRENT_TIMESTAMP`,
		connectionID, string(snapshotJSON))
	if err != nil {
		return fmt.Errorf("sessionstore: save mirror snapshot %s: %w", connectionID, err)
	}
	return nil
}

// LoadMirrorSnapshot returns a connection's last-saved mirror
// snapshot, and whether one existed.
func (s *Store) LoadMirrorSnapshot(connectionID string) ([]byte, bool, error) {
	var data string
	err := s.db.QueryRow(`SELECT snapshot_json FROM mirror_snapshots WHERE connection_id = ?`, connectionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sessionstore: load mirror snapshot %s: %w", connectionID, err)
	}
	return []byte(data), true, nil
}

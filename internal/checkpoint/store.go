package checkpoint

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store handles checkpoint persistence in SQLite. One row per thread;
// Save overwrites, Load reads the latest snapshot.
type Store struct {
	db *sql.DB
}

// Open creates a checkpoint store backed by the SQLite database at
// path. The schema is migrated on open.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewStore creates a checkpoint store using an existing database handle.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT PRIMARY KEY,
			pending_node TEXT NOT NULL,
			state_gz BLOB NOT NULL,
			byte_size INTEGER NOT NULL,
			turn_count INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_updated
			ON checkpoints(updated_at DESC);
	`)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save persists a checkpoint for its thread, overwriting any previous
// snapshot. State is serialized as gzip-compressed JSON.
func (s *Store) Save(cp *Checkpoint) error {
	if cp.ThreadID == "" {
		return fmt.Errorf("checkpoint missing thread id")
	}

	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(stateJSON); err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}

	compressed := buf.Bytes()
	now := time.Now().UTC()

	turnCount := 0
	if cp.State != nil {
		turnCount = len(cp.State.History)
	}

	_, err = s.db.Exec(`
		INSERT INTO checkpoints (thread_id, pending_node, state_gz, byte_size, turn_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			pending_node = excluded.pending_node,
			state_gz = excluded.state_gz,
			byte_size = excluded.byte_size,
			turn_count = excluded.turn_count,
			updated_at = excluded.updated_at
	`, cp.ThreadID, cp.PendingNode, compressed, len(compressed), turnCount, now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}

	cp.UpdatedAt = now
	return nil
}

// Load retrieves the checkpoint for a thread, or nil when the thread
// has never been checkpointed.
func (s *Store) Load(threadID string) (*Checkpoint, error) {
	row := s.db.QueryRow(`
		SELECT thread_id, pending_node, state_gz, updated_at
		FROM checkpoints WHERE thread_id = ?
	`, threadID)

	var cp Checkpoint
	var stateGz []byte
	var updatedStr string

	err := row.Scan(&cp.ThreadID, &cp.PendingNode, &stateGz, &updatedStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	cp.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)

	gr, err := gzip.NewReader(bytes.NewReader(stateGz))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	stateJSON, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}

	if err := json.Unmarshal(stateJSON, &cp.State); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}

	return &cp, nil
}

// Threads returns all checkpointed thread IDs, most recently updated
// first.
func (s *Store) Threads(limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT thread_id FROM checkpoints
		ORDER BY updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

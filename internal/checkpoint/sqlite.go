package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const createCheckpointsTableSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
    id TEXT PRIMARY KEY,
    sequence INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    hash TEXT NOT NULL,
    payload BLOB NOT NULL
)`

const createCheckpointsSequenceIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_checkpoints_sequence ON checkpoints(sequence)`

// SQLiteStore keeps checkpoints in a SQLite table. Each checkpoint is a
// single INSERT, so it is committed whole or not at all.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite database file.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps db and creates the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, createCheckpointsTableSQL); err != nil {
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}
	if _, err := db.ExecContext(ctx, createCheckpointsSequenceIndexSQL); err != nil {
		return nil, fmt.Errorf("create sequence index: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, meta Metadata, envelope []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, sequence, created_at, reason, hash, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		string(meta.ID), int64(meta.Sequence), meta.CreatedAt.UTC(), meta.Reason, meta.Hash, envelope)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id ID) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM checkpoints WHERE id = ?`, string(id)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select checkpoint: %w", err)
	}
	return payload, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Metadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sequence, created_at, reason, hash FROM checkpoints ORDER BY sequence`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Metadata
	for rows.Next() {
		var (
			md  Metadata
			id  string
			seq int64
		)
		if err := rows.Scan(&id, &seq, &md.CreatedAt, &md.Reason, &md.Hash); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		md.ID, md.Sequence = ID(id), uint64(seq)
		out = append(out, md)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id ID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

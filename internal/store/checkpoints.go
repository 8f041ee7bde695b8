package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/standards-retrieval/internal/checkpoint"
)

// CheckpointStore adapts the Postgres pool to checkpoint.Store. Each
// checkpoint is a single INSERT, so a crash leaves it whole or absent.
type CheckpointStore struct {
	s *Store
}

// Checkpoints returns a checkpoint.Store backed by the checkpoints table.
func (s *Store) Checkpoints() *CheckpointStore {
	return &CheckpointStore{s: s}
}

var _ checkpoint.Store = (*CheckpointStore)(nil)

func (c *CheckpointStore) Put(ctx context.Context, meta checkpoint.Metadata, envelope []byte) error {
	_, err := c.s.db.Exec(ctx, `
		INSERT INTO checkpoints (id, sequence, created_at, reason, hash, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(meta.ID), int64(meta.Sequence), meta.CreatedAt, meta.Reason, meta.Hash, envelope,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", meta.ID, err)
	}
	return nil
}

func (c *CheckpointStore) Get(ctx context.Context, id checkpoint.ID) ([]byte, error) {
	var payload []byte
	err := c.s.db.QueryRow(ctx, `SELECT payload FROM checkpoints WHERE id = $1`, string(id)).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", checkpoint.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s: %w", id, err)
	}
	return payload, nil
}

func (c *CheckpointStore) List(ctx context.Context) ([]checkpoint.Metadata, error) {
	rows, err := c.s.db.Query(ctx,
		`SELECT id, sequence, created_at, reason, hash FROM checkpoints ORDER BY sequence`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.Metadata
	for rows.Next() {
		var (
			md  checkpoint.Metadata
			id  string
			seq int64
		)
		if err := rows.Scan(&id, &seq, &md.CreatedAt, &md.Reason, &md.Hash); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		md.ID, md.Sequence = checkpoint.ID(id), uint64(seq)
		out = append(out, md)
	}
	return out, rows.Err()
}

func (c *CheckpointStore) Delete(ctx context.Context, id checkpoint.ID) error {
	tag, err := c.s.db.Exec(ctx, `DELETE FROM checkpoints WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", checkpoint.ErrNotFound, id)
	}
	return nil
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/standards-retrieval/internal/provider"
	"github.com/nidhogg/standards-retrieval/internal/task"
)

const upsertUnitSQL = `
	INSERT INTO task_units (id, discipline_id, parent_id, lineage_id, stage, status,
		attempt_count, quality_retries, input_ref, output_ref, fanout_refs,
		quality_score, backend_used, cost, last_error, not_before, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		attempt_count = EXCLUDED.attempt_count,
		quality_retries = EXCLUDED.quality_retries,
		output_ref = EXCLUDED.output_ref,
		fanout_refs = EXCLUDED.fanout_refs,
		quality_score = EXCLUDED.quality_score,
		backend_used = EXCLUDED.backend_used,
		cost = EXCLUDED.cost,
		last_error = EXCLUDED.last_error,
		not_before = EXCLUDED.not_before,
		updated_at = EXCLUDED.updated_at`

// UpsertUnits writes the given units to the ledger in one batch.
func (s *Store) UpsertUnits(ctx context.Context, units []task.Unit) error {
	if len(units) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, u := range units {
		fanout, err := json.Marshal(u.FanoutRefs)
		if err != nil {
			return fmt.Errorf("marshal fanout_refs %s: %w", u.ID, err)
		}
		var backend []byte
		if u.BackendUsed != nil {
			if backend, err = json.Marshal(u.BackendUsed); err != nil {
				return fmt.Errorf("marshal backend_used %s: %w", u.ID, err)
			}
		}
		var notBefore *time.Time
		if !u.NotBefore.IsZero() {
			nb := u.NotBefore
			notBefore = &nb
		}
		batch.Queue(upsertUnitSQL,
			u.ID, u.DisciplineID, u.ParentID, u.LineageID, string(u.Stage), string(u.Status),
			u.AttemptCount, u.QualityRetries, u.InputRef, u.OutputRef, fanout,
			u.QualityScore, backend, u.Cost, u.LastError, notBefore, u.CreatedAt, u.UpdatedAt,
		)
	}
	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert %d units: %w", len(units), err)
	}
	return nil
}

// ListUnits returns the ledger rows of a discipline ordered by creation.
func (s *Store) ListUnits(ctx context.Context, disciplineID string) ([]task.Unit, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, discipline_id, parent_id, lineage_id, stage, status, attempt_count,
			quality_retries, input_ref, output_ref, fanout_refs, quality_score,
			backend_used, cost, last_error, not_before, created_at, updated_at
		FROM task_units WHERE discipline_id = $1
		ORDER BY created_at, id`, disciplineID)
	if err != nil {
		return nil, fmt.Errorf("list units %s: %w", disciplineID, err)
	}
	defer rows.Close()

	var out []task.Unit
	for rows.Next() {
		var (
			u             task.Unit
			stage, status string
			fanout        []byte
			backend       []byte
			notBefore     *time.Time
		)
		if err := rows.Scan(&u.ID, &u.DisciplineID, &u.ParentID, &u.LineageID, &stage, &status,
			&u.AttemptCount, &u.QualityRetries, &u.InputRef, &u.OutputRef, &fanout, &u.QualityScore,
			&backend, &u.Cost, &u.LastError, &notBefore, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		u.Stage, u.Status = task.Stage(stage), task.Status(status)
		if len(fanout) > 0 {
			if err := json.Unmarshal(fanout, &u.FanoutRefs); err != nil {
				return nil, fmt.Errorf("decode fanout_refs %s: %w", u.ID, err)
			}
		}
		if len(backend) > 0 {
			var c provider.BackendChoice
			if err := json.Unmarshal(backend, &c); err != nil {
				return nil, fmt.Errorf("decode backend_used %s: %w", u.ID, err)
			}
			u.BackendUsed = &c
		}
		if notBefore != nil {
			u.NotBefore = *notBefore
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CountUnits returns per-status unit counts for a discipline.
func (s *Store) CountUnits(ctx context.Context, disciplineID string) (map[task.Status]int, error) {
	rows, err := s.db.Query(ctx,
		`SELECT status, count(*) FROM task_units WHERE discipline_id = $1 GROUP BY status`, disciplineID)
	if err != nil {
		return nil, fmt.Errorf("count units %s: %w", disciplineID, err)
	}
	defer rows.Close()

	out := make(map[task.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[task.Status(status)] = n
	}
	return out, rows.Err()
}

package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config tunes the Manager.
type Config struct {
	Retain        int
	WriteAttempts uint
	RetryInterval time.Duration
}

// Manager writes and restores checkpoints through a Store.
type Manager struct {
	store  Store
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex // serialises Snapshot so sequences are monotonic
	nextSeq uint64
	loaded  bool
}

// NewManager creates a Manager. Zero config fields get defaults.
func NewManager(store Store, cfg Config, logger *zap.Logger) *Manager {
	if cfg.Retain <= 0 {
		cfg.Retain = 10
	}
	if cfg.WriteAttempts == 0 {
		cfg.WriteAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 200 * time.Millisecond
	}
	return &Manager{store: store, cfg: cfg, logger: logger}
}

func (m *Manager) sequence(ctx context.Context) (uint64, error) {
	if !m.loaded {
		list, err := m.store.List(ctx)
		if err != nil {
			return 0, fmt.Errorf("list checkpoints: %w", err)
		}
		for _, md := range list {
			m.nextSeq = max(m.nextSeq, md.Sequence)
		}
		m.loaded = true
	}
	m.nextSeq++
	return m.nextSeq, nil
}

// Snapshot serialises state and writes it as a new checkpoint. The write
// is retried with exponential backoff; old checkpoints beyond the retention
// limit are pruned afterwards.
func (m *Manager) Snapshot(ctx context.Context, state any, reason string) (ID, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seq, err := m.sequence(ctx)
	if err != nil {
		return "", err
	}
	env := Envelope{
		Version:   Version,
		ID:        ID(fmt.Sprintf("ckpt-%012d-%s", seq, uuid.New().String()[:8])),
		Sequence:  seq,
		CreatedAt: time.Now().UTC(),
		Reason:    reason,
		Hash:      hashState(payload),
		State:     payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint envelope: %w", err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.cfg.RetryInterval
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, m.store.Put(ctx, env.Metadata(), data)
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(m.cfg.WriteAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Warn("checkpoint write failed, retrying",
				zap.String("id", string(env.ID)), zap.Duration("next", next), zap.Error(err))
		}),
	)
	if err != nil {
		return "", fmt.Errorf("write checkpoint %s: %w", env.ID, err)
	}

	m.logger.Info("checkpoint written",
		zap.String("id", string(env.ID)),
		zap.Uint64("sequence", seq),
		zap.String("reason", reason),
		zap.Int("bytes", len(data)))

	if err := m.prune(ctx, m.cfg.Retain); err != nil {
		m.logger.Warn("checkpoint prune failed", zap.Error(err))
	}
	return env.ID, nil
}

// List returns checkpoints ordered by sequence, oldest first.
func (m *Manager) List(ctx context.Context) ([]Metadata, error) {
	list, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Sequence < list[j].Sequence })
	return list, nil
}

// RestoreLatest decodes the newest valid checkpoint into dst. Corrupt or
// unverifiable checkpoints are skipped in favour of older ones. The bool is
// false when no valid checkpoint exists.
func (m *Manager) RestoreLatest(ctx context.Context, dst any) (Metadata, bool, error) {
	list, err := m.List(ctx)
	if err != nil {
		return Metadata{}, false, fmt.Errorf("list checkpoints: %w", err)
	}
	for i := len(list) - 1; i >= 0; i-- {
		md := list[i]
		data, err := m.store.Get(ctx, md.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Metadata{}, false, fmt.Errorf("read checkpoint %s: %w", md.ID, err)
		}
		env, err := decodeEnvelope(data)
		if err == nil {
			err = json.Unmarshal(env.State, dst)
		}
		if err != nil {
			m.logger.Warn("skipping invalid checkpoint", zap.String("id", string(md.ID)), zap.Error(err))
			continue
		}
		m.logger.Info("restored checkpoint",
			zap.String("id", string(env.ID)),
			zap.Uint64("sequence", env.Sequence),
			zap.Time("created_at", env.CreatedAt))
		return env.Metadata(), true, nil
	}
	return Metadata{}, false, nil
}

// Prune deletes all but the newest retain checkpoints.
func (m *Manager) Prune(ctx context.Context, retain int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prune(ctx, retain)
}

func (m *Manager) prune(ctx context.Context, retain int) error {
	if retain <= 0 {
		return fmt.Errorf("retain must be positive, got %d", retain)
	}
	list, err := m.List(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for i := 0; i < len(list)-retain; i++ {
		if err := m.store.Delete(ctx, list[i].ID); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete %s: %w", list[i].ID, err))
		}
	}
	return errors.Join(errs...)
}

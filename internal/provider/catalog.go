package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Snapshot is an immutable view of the backend profiles.
type Snapshot struct {
	Version  int64            `json:"version"`
	LoadedAt time.Time        `json:"loaded_at"`
	Profiles []BackendProfile `json:"profiles"`
}

// Catalog holds the current snapshot. Readers never observe a partial update.
type Catalog struct {
	current atomic.Pointer[Snapshot]
	version atomic.Int64
}

// NewCatalog creates a catalog seeded with the given profiles.
func NewCatalog(profiles []BackendProfile) *Catalog {
	c := &Catalog{}
	c.Replace(profiles)
	return c
}

// Snapshot returns the current snapshot.
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load()
}

// Replace swaps in a new snapshot built from a copy of profiles.
func (c *Catalog) Replace(profiles []BackendProfile) *Snapshot {
	cp := make([]BackendProfile, len(profiles))
	for i, p := range profiles {
		p.TaskTypes = append([]string(nil), p.TaskTypes...)
		cp[i] = p
	}
	snap := &Snapshot{
		Version:  c.version.Add(1),
		LoadedAt: time.Now(),
		Profiles: cp,
	}
	c.current.Store(snap)
	return snap
}

// Feed supplies backend profiles.
type Feed interface {
	Load(ctx context.Context) ([]BackendProfile, error)
}

// StaticFeed returns a fixed profile list.
type StaticFeed []BackendProfile

func (f StaticFeed) Load(context.Context) ([]BackendProfile, error) {
	return f, nil
}

// FileFeed re-reads a JSON file on every Load. The file holds either a
// bare array or an object with a "backends" array.
type FileFeed struct {
	Path string
}

func (f FileFeed) Load(_ context.Context) ([]BackendProfile, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read backends file: %w", err)
	}
	var profiles []BackendProfile
	if err := json.Unmarshal(data, &profiles); err == nil {
		return profiles, nil
	}
	var wrapped struct {
		Backends []BackendProfile `json:"backends"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parse backends file: %w", err)
	}
	return wrapped.Backends, nil
}

// Refresher periodically reloads a Feed into a Catalog.
type Refresher struct {
	feed     Feed
	catalog  *Catalog
	interval time.Duration
	logger   *zap.Logger
}

// NewRefresher creates a refresher. A non-positive interval disables polling.
func NewRefresher(feed Feed, catalog *Catalog, interval time.Duration, logger *zap.Logger) *Refresher {
	return &Refresher{feed: feed, catalog: catalog, interval: interval, logger: logger}
}

// Refresh loads the feed once. Invalid profiles are dropped with a warning;
// on error the previous snapshot stays in place.
func (r *Refresher) Refresh(ctx context.Context) error {
	profiles, err := r.feed.Load(ctx)
	if err != nil {
		return err
	}
	valid := profiles[:0:0]
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			r.logger.Warn("skipping backend profile", zap.Error(err))
			continue
		}
		valid = append(valid, p)
	}
	snap := r.catalog.Replace(valid)
	r.logger.Debug("backend catalog refreshed",
		zap.Int64("version", snap.Version),
		zap.Int("profiles", len(valid)))
	return nil
}

// Run polls until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn("backend catalog refresh failed", zap.Error(err))
			}
		}
	}
}

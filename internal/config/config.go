package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/standards-retrieval/internal/checkpoint"
	"github.com/nidhogg/standards-retrieval/internal/pipeline"
	"github.com/nidhogg/standards-retrieval/internal/provider"
	"github.com/nidhogg/standards-retrieval/internal/quality"
	"github.com/nidhogg/standards-retrieval/internal/task"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Quality      quality.Config     `json:"quality"`
	Selection    SelectionConfig    `json:"selection"`
	Checkpoint   CheckpointConfig   `json:"checkpoint"`
	Database     DatabaseConfig     `json:"database"`
	Artifacts    ArtifactConfig     `json:"artifacts"`
	Providers    []ProviderConfig   `json:"providers"`
	Backends     BackendsConfig     `json:"backends"`
	TaxonomyPath string             `json:"taxonomy_path"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type OrchestratorConfig struct {
	Concurrency        int      `json:"concurrency"` // 0 = min(NumCPU, 24)
	PerDisciplineLimit int      `json:"per_discipline_limit"`
	ScheduleInterval   Duration `json:"schedule_interval"`
	TaskTimeout        Duration `json:"task_timeout"`
	Stages             []string `json:"stages,omitempty"`
	MaxAttempts        int      `json:"max_attempts"`
	BaseDelay          Duration `json:"base_delay"`
	MaxDelay           Duration `json:"max_delay"`
}

type SelectionConfig struct {
	Weights      provider.Weights                `json:"weights"`
	Requirements map[string]provider.Requirement `json:"requirements,omitempty"`
	Ladder       provider.StepLadder             `json:"ladder"`
}

type CheckpointConfig struct {
	Backend       string   `json:"backend"` // file|sqlite|postgres
	Dir           string   `json:"dir"`
	SQLitePath    string   `json:"sqlite_path"`
	Interval      Duration `json:"interval"`
	Retain        int      `json:"retain"`
	WriteAttempts int      `json:"write_attempts"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type ArtifactConfig struct {
	Backend string   `json:"backend"` // file|redis|memory
	Dir     string   `json:"dir"`
	TTL     Duration `json:"ttl"`
}

type ProviderConfig struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Name      string            `json:"name"`
	Endpoint  string            `json:"endpoint"`
	APIKey    string            `json:"api_key"`
	Extra     map[string]string `json:"extra,omitempty"`
	Timeout   Duration          `json:"timeout"`
	RateLimit float64           `json:"rate_limit,omitempty"`
	Burst     int               `json:"burst,omitempty"`
}

// Provider converts the entry to a provider client config.
func (p ProviderConfig) Provider() provider.Config {
	return provider.Config{
		ID:        p.ID,
		Type:      p.Type,
		Name:      p.Name,
		Endpoint:  p.Endpoint,
		APIKey:    p.APIKey,
		Extra:     p.Extra,
		Timeout:   p.Timeout.Std(),
		RateLimit: p.RateLimit,
		Burst:     p.Burst,
	}
}

type BackendsConfig struct {
	Profiles        []provider.BackendProfile `json:"profiles,omitempty"`
	File            string                    `json:"file,omitempty"`
	RefreshInterval Duration                  `json:"refresh_interval"`
	LocalProvider   string                    `json:"local_provider"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	cfg := Default()
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, &Error{Field: "config", Msg: "malformed JSON", Err: err}
	}
	cfg.fill()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every tunable at its default.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{Port: 8080, LogLevel: "info"},
		Orchestrator: OrchestratorConfig{
			ScheduleInterval: Duration(200 * time.Millisecond),
			TaskTimeout:      Duration(2 * time.Minute),
			MaxAttempts:      3,
			BaseDelay:        Duration(time.Second),
			MaxDelay:         Duration(5 * time.Minute),
		},
		Quality:   quality.DefaultConfig(),
		Selection: SelectionConfig{Weights: provider.DefaultWeights(), Ladder: *provider.DefaultLadder()},
		Checkpoint: CheckpointConfig{
			Backend:       "file",
			Dir:           "data/checkpoints",
			SQLitePath:    "data/checkpoints.db",
			Interval:      Duration(5 * time.Minute),
			Retain:        10,
			WriteAttempts: 3,
		},
		Database:     DatabaseConfig{Postgres: PostgresConfig{MigrationsDir: "migrations"}},
		Artifacts:    ArtifactConfig{Backend: "file", Dir: "data/artifacts"},
		Backends:     BackendsConfig{RefreshInterval: Duration(time.Minute), LocalProvider: "ollama"},
		TaxonomyPath: "configs/taxonomy.yaml",
	}
	return cfg
}

// fill restores defaults for fields that the file explicitly zeroed.
func (c *Config) fill() {
	d := Default()
	if c.Orchestrator.ScheduleInterval <= 0 {
		c.Orchestrator.ScheduleInterval = d.Orchestrator.ScheduleInterval
	}
	if c.Orchestrator.TaskTimeout <= 0 {
		c.Orchestrator.TaskTimeout = d.Orchestrator.TaskTimeout
	}
	if c.Orchestrator.MaxAttempts == 0 {
		c.Orchestrator.MaxAttempts = d.Orchestrator.MaxAttempts
	}
	if c.Checkpoint.Retain == 0 {
		c.Checkpoint.Retain = d.Checkpoint.Retain
	}
	if c.Checkpoint.WriteAttempts == 0 {
		c.Checkpoint.WriteAttempts = d.Checkpoint.WriteAttempts
	}
	if c.Checkpoint.Interval <= 0 {
		c.Checkpoint.Interval = d.Checkpoint.Interval
	}
	if len(c.Selection.Ladder.Steps) == 0 {
		c.Selection.Ladder.Steps = d.Selection.Ladder.Steps
	}
}

// Validate reports the first invalid tunable as an *Error.
func (c *Config) Validate() error {
	o := c.Orchestrator
	switch {
	case o.Concurrency < 0:
		return &Error{Field: "orchestrator.concurrency", Msg: "must not be negative"}
	case o.PerDisciplineLimit < 0:
		return &Error{Field: "orchestrator.per_discipline_limit", Msg: "must not be negative"}
	case o.MaxAttempts < 1:
		return &Error{Field: "orchestrator.max_attempts", Msg: "must be at least 1"}
	case o.BaseDelay < 0 || o.MaxDelay < o.BaseDelay:
		return &Error{Field: "orchestrator.max_delay", Msg: "must be >= base_delay"}
	}
	if _, err := c.StageList(); err != nil {
		return &Error{Field: "orchestrator.stages", Msg: "invalid stage", Err: err}
	}
	q := c.Quality
	if q.Threshold < 0 || q.Threshold > 1 {
		return &Error{Field: "quality.threshold", Msg: "must be within [0,1]"}
	}
	if q.Floor < 0 || q.Floor > 1 {
		return &Error{Field: "quality.floor", Msg: "must be within [0,1]"}
	}
	for stage := range c.Selection.Requirements {
		if _, err := task.ParseStage(stage); err != nil {
			return &Error{Field: "selection.requirements", Msg: "invalid stage", Err: err}
		}
	}
	for stage := range c.Selection.Ladder.Stages {
		if _, err := task.ParseStage(stage); err != nil {
			return &Error{Field: "selection.ladder.stages", Msg: "invalid stage", Err: err}
		}
	}
	switch c.Checkpoint.Backend {
	case "file", "sqlite":
	case "postgres":
		if c.Database.Postgres.DSN == "" {
			return &Error{Field: "database.postgres.dsn", Msg: "required by the postgres checkpoint backend"}
		}
	default:
		return &Error{Field: "checkpoint.backend", Msg: fmt.Sprintf("unknown backend %q", c.Checkpoint.Backend)}
	}
	if c.Checkpoint.Retain < 1 {
		return &Error{Field: "checkpoint.retain", Msg: "must be at least 1"}
	}
	if c.Checkpoint.WriteAttempts < 1 {
		return &Error{Field: "checkpoint.write_attempts", Msg: "must be at least 1"}
	}
	switch c.Artifacts.Backend {
	case "file", "memory":
	case "redis":
		if c.Database.Redis.URL == "" {
			return &Error{Field: "database.redis.url", Msg: "required by the redis artifact backend"}
		}
	default:
		return &Error{Field: "artifacts.backend", Msg: fmt.Sprintf("unknown backend %q", c.Artifacts.Backend)}
	}
	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if p.ID == "" {
			return &Error{Field: "providers", Msg: "provider id is required"}
		}
		if seen[p.ID] {
			return &Error{Field: "providers", Msg: fmt.Sprintf("duplicate provider %q", p.ID)}
		}
		seen[p.ID] = true
	}
	for _, p := range c.Backends.Profiles {
		if err := p.Validate(); err != nil {
			return &Error{Field: "backends.profiles", Msg: "invalid profile", Err: err}
		}
	}
	return nil
}

// StageList returns the enabled stages in pipeline order.
func (c *Config) StageList() ([]task.Stage, error) {
	if len(c.Orchestrator.Stages) == 0 {
		return append([]task.Stage(nil), task.Stages...), nil
	}
	enabled := make(map[task.Stage]bool)
	for _, s := range c.Orchestrator.Stages {
		st, err := task.ParseStage(s)
		if err != nil {
			return nil, err
		}
		enabled[st] = true
	}
	var out []task.Stage
	for _, st := range task.Stages {
		if enabled[st] {
			out = append(out, st)
		}
	}
	return out, nil
}

// Pipeline returns the per-worker config. InflightLimit is filled in by
// the orchestrator from the run's concurrency.
func (c *Config) Pipeline() pipeline.Config {
	stages, _ := c.StageList()
	return pipeline.Config{
		MaxAttempts: c.Orchestrator.MaxAttempts,
		BaseDelay:   c.Orchestrator.BaseDelay.Std(),
		MaxDelay:    c.Orchestrator.MaxDelay.Std(),
		Stages:      stages,
	}
}

// Requirements returns the base selection requirement per stage. The task
// type defaults to the stage name.
func (c *Config) Requirements() map[task.Stage]provider.Requirement {
	out := make(map[task.Stage]provider.Requirement, len(task.Stages))
	for _, st := range task.Stages {
		req := c.Selection.Requirements[string(st)]
		if req.TaskType == "" {
			req.TaskType = string(st)
		}
		out[st] = req
	}
	return out
}

// CheckpointManager returns the manager tunables.
func (c *Config) CheckpointManager() checkpoint.Config {
	return checkpoint.Config{
		Retain:        c.Checkpoint.Retain,
		WriteAttempts: uint(c.Checkpoint.WriteAttempts),
	}
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nidhogg/standards-retrieval/internal/provider"
	"github.com/nidhogg/standards-retrieval/internal/task"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Orchestrator.ScheduleInterval.Std() != 200*time.Millisecond {
		t.Errorf("schedule interval %v", cfg.Orchestrator.ScheduleInterval)
	}
	if cfg.Orchestrator.TaskTimeout.Std() != 2*time.Minute {
		t.Errorf("task timeout %v", cfg.Orchestrator.TaskTimeout)
	}
	if cfg.Checkpoint.Interval.Std() != 5*time.Minute || cfg.Checkpoint.Retain != 10 {
		t.Errorf("checkpoint defaults %+v", cfg.Checkpoint)
	}
	if cfg.Quality.Threshold != 0.7 || cfg.Quality.Floor != 0.3 {
		t.Errorf("quality defaults %+v", cfg.Quality)
	}
	if len(cfg.Selection.Ladder.Steps) != 3 {
		t.Errorf("ladder steps %+v", cfg.Selection.Ladder.Steps)
	}
	stages, _ := cfg.StageList()
	if len(stages) != 4 {
		t.Errorf("stages %v", stages)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	t.Setenv("STANDARDS_TEST_DSN", "postgres://u@h/db")
	raw := `{
		"database": {"postgres": {"dsn": "${STANDARDS_TEST_DSN}"}, "redis": {"url": "${STANDARDS_TEST_REDIS:redis://localhost:6379}"}},
		"checkpoint": {"backend": "postgres", "interval": "30s"},
		"orchestrator": {"base_delay": 2, "max_delay": "1m", "stages": ["validation", "discovery"]}
	}`
	path := filepath.Join(t.TempDir(), "standards.json")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Postgres.DSN != "postgres://u@h/db" {
		t.Errorf("dsn %q", cfg.Database.Postgres.DSN)
	}
	if cfg.Database.Redis.URL != "redis://localhost:6379" {
		t.Errorf("redis default not applied: %q", cfg.Database.Redis.URL)
	}
	if cfg.Checkpoint.Interval.Std() != 30*time.Second {
		t.Errorf("interval %v", cfg.Checkpoint.Interval)
	}
	p := cfg.Pipeline()
	if p.BaseDelay != 2*time.Second || p.MaxDelay != time.Minute {
		t.Errorf("delays %v %v", p.BaseDelay, p.MaxDelay)
	}
	if len(p.Stages) != 2 || p.Stages[0] != task.StageDiscovery || p.Stages[1] != task.StageValidation {
		t.Errorf("stages not in pipeline order: %v", p.Stages)
	}
}

func TestValidateErrors(t *testing.T) {
	cases := map[string]string{
		"negative concurrency": `{"orchestrator": {"concurrency": -1}}`,
		"unknown stage":        `{"orchestrator": {"stages": ["review"]}}`,
		"threshold":            `{"quality": {"threshold": 1.5}}`,
		"checkpoint backend":   `{"checkpoint": {"backend": "s3"}}`,
		"postgres without dsn": `{"checkpoint": {"backend": "postgres"}}`,
		"redis without url":    `{"artifacts": {"backend": "redis"}}`,
		"duplicate provider":   `{"providers": [{"id": "a"}, {"id": "a"}]}`,
		"bad profile":          `{"backends": {"profiles": [{"model_id": "m", "venue": "edge", "quality_tier": "economy"}]}}`,
		"requirement stage":    `{"selection": {"requirements": {"review": {}}}}`,
		"malformed":            `{"server":`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			var cfgErr *Error
			if !errors.As(err, &cfgErr) {
				t.Fatalf("got %v, want *config.Error", err)
			}
		})
	}
}

func TestRequirements(t *testing.T) {
	cfg, err := Parse([]byte(`{"selection": {"requirements": {"validation": {"min_quality": "premium", "cost_ceiling": 0.02}}}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	reqs := cfg.Requirements()
	if reqs[task.StageValidation].MinQuality != provider.TierPremium {
		t.Errorf("validation requirement %+v", reqs[task.StageValidation])
	}
	if reqs[task.StageDiscovery].TaskType != "discovery" {
		t.Errorf("task type default %+v", reqs[task.StageDiscovery])
	}
}

func TestProviderConfig(t *testing.T) {
	cfg, err := Parse([]byte(`{"providers": [{"id": "openai", "type": "openai", "timeout": "45s", "rate_limit": 2}]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	pc := cfg.Providers[0].Provider()
	if pc.Timeout != 45*time.Second || pc.RateLimit != 2 {
		t.Errorf("provider config %+v", pc)
	}
}

func TestTaxonomy(t *testing.T) {
	tax, err := ParseTaxonomy([]byte(`
disciplines:
  - id: civil
    name: Civil Engineering
    priority: 2
  - id: nursing
`))
	if err != nil {
		t.Fatalf("ParseTaxonomy: %v", err)
	}
	d, ok := tax.Lookup("nursing")
	if !ok || d.Priority != DefaultPriority || d.Name != "nursing" {
		t.Errorf("defaults not applied: %+v", d)
	}
	got, err := tax.Resolve([]string{"nursing", "civil", "nursing"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("duplicates not collapsed: %v", got)
	}

	var cfgErr *Error
	if _, err := tax.Resolve(nil); !errors.As(err, &cfgErr) {
		t.Errorf("empty set: got %v", err)
	}
	if _, err := tax.Resolve([]string{"astrology"}); !errors.As(err, &cfgErr) {
		t.Errorf("unknown id: got %v", err)
	}
	if _, err := ParseTaxonomy([]byte("disciplines:\n  - id: a\n    priority: 11\n")); !errors.As(err, &cfgErr) {
		t.Errorf("priority range: got %v", err)
	}
	if _, err := ParseTaxonomy([]byte("disciplines:\n  - id: a\n  - id: a\n")); !errors.As(err, &cfgErr) {
		t.Errorf("duplicate: got %v", err)
	}
}

func TestSampleConfig(t *testing.T) {
	for _, k := range []string{"PORT", "CHECKPOINT_BACKEND", "ARTIFACT_BACKEND", "DATABASE_URL", "REDIS_URL"} {
		t.Setenv(k, "")
	}
	cfg, err := Load("../../configs/standards.json")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 || len(cfg.Providers) != 3 || len(cfg.Backends.Profiles) != 4 {
		t.Errorf("unexpected sample config %+v", cfg.Server)
	}
	if cfg.Requirements()[task.StageValidation].MinQuality != provider.TierPremium {
		t.Error("validation requirement not loaded")
	}
	tax, err := LoadTaxonomy("../../configs/taxonomy.yaml")
	if err != nil {
		t.Fatalf("LoadTaxonomy: %v", err)
	}
	if _, ok := tax.Lookup("civil_engineering"); !ok {
		t.Error("civil_engineering missing from sample taxonomy")
	}
}

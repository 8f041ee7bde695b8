package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/standards-retrieval/internal/agent"
	"github.com/nidhogg/standards-retrieval/internal/checkpoint"
	"github.com/nidhogg/standards-retrieval/internal/config"
	"github.com/nidhogg/standards-retrieval/internal/pipeline"
	"github.com/nidhogg/standards-retrieval/internal/task"
)

var (
	ErrAlreadyRunning = errors.New("a run is already in progress")
	ErrNotRunning     = errors.New("no run in progress")
)

// maxDefaultConcurrency caps the NumCPU-derived pool size.
const maxDefaultConcurrency = 24

// Ledger persists unit rows as results are recorded.
type Ledger interface {
	UpsertUnits(ctx context.Context, units []task.Unit) error
}

// Options are the run tunables.
type Options struct {
	PerDisciplineLimit int
	ScheduleInterval   time.Duration
	TaskTimeout        time.Duration
	CheckpointInterval time.Duration
	Pipeline           pipeline.Config
}

// OptionsFromConfig maps the orchestrator and checkpoint sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PerDisciplineLimit: cfg.Orchestrator.PerDisciplineLimit,
		ScheduleInterval:   cfg.Orchestrator.ScheduleInterval.Std(),
		TaskTimeout:        cfg.Orchestrator.TaskTimeout.Std(),
		CheckpointInterval: cfg.Checkpoint.Interval.Std(),
		Pipeline:           cfg.Pipeline(),
	}
}

// Deps are the collaborators of an Orchestrator. Ledger and Events are
// optional.
type Deps struct {
	Taxonomy    *config.Taxonomy
	Agents      []agent.Agent
	Gate        pipeline.Gate
	Checkpoints *checkpoint.Manager
	Ledger      Ledger
	Events      EventSink
	Logger      *zap.Logger
}

// StartOptions select what a run covers.
type StartOptions struct {
	Disciplines []string
	Concurrency int  // 0 = min(NumCPU, 24)
	Fresh       bool // ignore existing checkpoints
}

// Orchestrator runs one session at a time over a set of disciplines.
type Orchestrator struct {
	opts   Options
	deps   Deps
	agents map[task.Stage]agent.Agent
	logger *zap.Logger

	mu       sync.Mutex
	cur      *run
	starting bool // a StartWith is restoring or seeding outside mu
}

// New creates an orchestrator.
func New(opts Options, deps Deps) *Orchestrator {
	if opts.ScheduleInterval <= 0 {
		opts.ScheduleInterval = 200 * time.Millisecond
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 2 * time.Minute
	}
	if deps.Events == nil {
		deps.Events = NopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	agents := make(map[task.Stage]agent.Agent, len(deps.Agents))
	for _, a := range deps.Agents {
		agents[a.Stage()] = a
	}
	return &Orchestrator{opts: opts, deps: deps, agents: agents, logger: deps.Logger}
}

// Session is a handle on a started run.
type Session struct {
	ID          string
	Disciplines []task.Discipline
	Concurrency int
	ResumedFrom checkpoint.ID

	r *run
}

// Done is closed once the run has ended and its final checkpoint (if any)
// has been written.
func (s *Session) Done() <-chan struct{} { return s.r.done }

// Err returns the fatal error that ended the run, if any.
func (s *Session) Err() error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	return s.r.fatal
}

// State returns the run state.
func (s *Session) State() RunState {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	return s.r.state
}

// Start begins a run over the given disciplines.
func (o *Orchestrator) Start(ctx context.Context, disciplines []string, concurrency int) (*Session, error) {
	return o.StartWith(ctx, StartOptions{Disciplines: disciplines, Concurrency: concurrency})
}

// StartWith begins a run. The latest valid checkpoint is restored unless
// Fresh is set: disciplines found in it resume from their recorded units.
func (o *Orchestrator) StartWith(ctx context.Context, so StartOptions) (*Session, error) {
	if so.Concurrency < 0 {
		return nil, &config.Error{Field: "concurrency", Msg: "must not be negative"}
	}
	if o.deps.Taxonomy == nil {
		return nil, &config.Error{Field: "taxonomy", Msg: "no taxonomy loaded"}
	}
	selected, err := o.deps.Taxonomy.Resolve(so.Disciplines)
	if err != nil {
		return nil, err
	}
	stages := o.opts.Pipeline.Stages
	if len(stages) == 0 {
		stages = task.Stages
	}
	for _, st := range stages {
		if _, ok := o.agents[st]; !ok {
			return nil, &config.Error{Field: "agents", Msg: fmt.Sprintf("no agent for stage %s", st)}
		}
	}

	o.mu.Lock()
	if o.starting || (o.cur != nil && !o.cur.finished()) {
		o.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	o.starting = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.starting = false
		o.mu.Unlock()
	}()

	conc := so.Concurrency
	if conc == 0 {
		conc = min(runtime.NumCPU(), maxDefaultConcurrency)
	}
	perDiscipline := o.opts.PerDisciplineLimit
	if perDiscipline <= 0 {
		perDiscipline = max(1, conc/2)
	}

	var (
		prior   map[string]pipeline.State
		carried []pipeline.State
		resumed checkpoint.ID
	)
	if !so.Fresh {
		var st SystemState
		md, ok, err := o.deps.Checkpoints.RestoreLatest(ctx, &st)
		if err != nil {
			return nil, fmt.Errorf("restore checkpoint: %w", err)
		}
		if ok {
			resumed = md.ID
			prior = make(map[string]pipeline.State, len(st.Workers))
			for _, ws := range st.Workers {
				prior[ws.Discipline.ID] = ws
			}
		}
	}

	pcfg := o.opts.Pipeline
	pcfg.InflightLimit = perDiscipline
	r := newRun(o, conc, perDiscipline)
	r.resumedFrom = resumed
	for _, d := range selected {
		var w *pipeline.Worker
		if ws, ok := prior[d.ID]; ok {
			ws.Discipline = d
			w, err = pipeline.RestoreWorker(ws, pcfg, o.deps.Gate, o.logger)
			if err != nil {
				return nil, fmt.Errorf("restore %s from %s: %w", d.ID, resumed, err)
			}
			delete(prior, d.ID)
		} else {
			w = pipeline.NewWorker(d, pcfg, o.deps.Gate, o.logger)
		}
		r.addWorker(w)
	}
	for _, ws := range prior {
		carried = append(carried, ws)
	}
	r.carried = carried

	if o.deps.Ledger != nil {
		for _, w := range r.workers {
			if err := o.deps.Ledger.UpsertUnits(ctx, w.State().Units); err != nil {
				return nil, fmt.Errorf("task ledger: %w", err)
			}
		}
	}

	r.session = &Session{
		ID:          uuid.New().String(),
		Disciplines: selected,
		Concurrency: conc,
		ResumedFrom: resumed,
		r:           r,
	}
	o.mu.Lock()
	o.cur = r
	r.launch(context.WithoutCancel(ctx))
	o.mu.Unlock()

	o.logger.Info("run started",
		zap.String("session", r.session.ID),
		zap.Int("disciplines", len(selected)),
		zap.Int("concurrency", conc),
		zap.Int("per_discipline", perDiscipline),
		zap.String("resumed_from", string(resumed)))
	return r.session, nil
}

func (o *Orchestrator) current() *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cur
}

// Stop ends the current run. A graceful stop waits for in-flight units
// and returns the result of the final checkpoint. A forced stop cancels
// in-flight units and writes a checkpoint without waiting for them.
func (o *Orchestrator) Stop(ctx context.Context, graceful bool) error {
	r := o.current()
	if r == nil || r.finished() {
		return ErrNotRunning
	}
	if graceful {
		r.requestStop()
		select {
		case <-r.done:
			return r.finalError()
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.forced.Store(true)
	r.requestStop()
	r.cancel()
	_, err := r.checkpoint(ctx, "forced_stop")
	if err != nil {
		o.logger.Error("forced stop checkpoint failed", zap.Error(err))
	}
	return err
}

// CheckpointNow writes a checkpoint of the current (or last) run.
func (o *Orchestrator) CheckpointNow(ctx context.Context) (checkpoint.ID, error) {
	r := o.current()
	if r == nil {
		return "", ErrNotRunning
	}
	return r.checkpoint(ctx, "manual")
}

// Status reports progress without blocking on in-flight work.
func (o *Orchestrator) Status() Snapshot {
	r := o.current()
	if r == nil {
		return Snapshot{State: StateIdle}
	}
	return r.snapshot()
}

// Disciplines lists the taxonomy.
func (o *Orchestrator) Disciplines() []task.Discipline {
	if o.deps.Taxonomy == nil {
		return nil
	}
	return o.deps.Taxonomy.All()
}

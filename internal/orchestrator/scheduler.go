package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/standards-retrieval/internal/agent"
	"github.com/nidhogg/standards-retrieval/internal/checkpoint"
	"github.com/nidhogg/standards-retrieval/internal/pipeline"
	"github.com/nidhogg/standards-retrieval/internal/task"
)

const (
	publishTimeout = 5 * time.Second
	ledgerTimeout  = 30 * time.Second
)

type job struct {
	worker *pipeline.Worker
	unit   task.Unit
}

// run is one session: a bounded pool fed by a scheduler loop.
type run struct {
	o             *Orchestrator
	session       *Session
	logger        *zap.Logger
	concurrency   int
	perDiscipline int
	startedAt     time.Time
	resumedFrom   checkpoint.ID

	workers []*pipeline.Worker
	byID    map[string]*pipeline.Worker
	carried []pipeline.State // checkpointed disciplines outside this run

	cancel   context.CancelFunc
	jobs     chan job
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	inflight atomic.Int64
	forced   atomic.Bool

	mu         sync.Mutex
	state      RunState
	fatal      error
	finalErr   error
	lastCkpt   checkpoint.ID
	lastCkptAt time.Time
	degraded   bool
}

func newRun(o *Orchestrator, conc, perDiscipline int) *run {
	return &run{
		o:             o,
		logger:        o.logger,
		concurrency:   conc,
		perDiscipline: perDiscipline,
		startedAt:     time.Now(),
		byID:          make(map[string]*pipeline.Worker),
		jobs:          make(chan job, conc),
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		state:         StateRunning,
	}
}

func (r *run) addWorker(w *pipeline.Worker) {
	r.workers = append(r.workers, w)
	r.byID[w.Discipline().ID] = w
}

func (r *run) launch(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(r.jobs)
		r.scheduleLoop(gctx)
		return nil
	})
	for i := 0; i < r.concurrency; i++ {
		g.Go(func() error {
			for j := range r.jobs {
				if gctx.Err() != nil {
					continue
				}
				if err := r.execute(gctx, j); err != nil {
					return err
				}
			}
			return nil
		})
	}
	go r.checkpointLoop()
	go r.supervise(g)
}

// scheduleLoop runs a pass on every wake-up and poll tick until the work is
// complete, a stop is requested, or the run is cancelled.
func (r *run) scheduleLoop(ctx context.Context) {
	ticker := time.NewTicker(r.o.opts.ScheduleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		default:
		}
		if !r.schedule(ctx) {
			return
		}
		if r.complete() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-r.wake:
		case <-ticker.C:
		}
	}
}

// schedule claims ready units across all workers, best first, up to the
// free pool slots. It returns false if the run context ended.
func (r *run) schedule(ctx context.Context) bool {
	free := r.concurrency - int(r.inflight.Load())
	if free <= 0 {
		return true
	}
	now := r.now()
	var cands []pipeline.Candidate
	for _, w := range r.workers {
		cands = append(cands, w.Ready(now)...)
	}
	pipeline.SortCandidates(cands)

	for _, c := range cands {
		if free == 0 {
			break
		}
		w := r.byID[c.DisciplineID]
		u, ok := w.Claim(c.UnitID)
		if !ok {
			continue
		}
		free--
		poolBusy.Set(float64(r.inflight.Add(1)))
		unitsDispatched.WithLabelValues(c.DisciplineID, string(c.Stage)).Inc()
		select {
		case r.jobs <- job{worker: w, unit: u}:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (r *run) now() time.Time {
	if r.o.opts.Pipeline.Now != nil {
		return r.o.opts.Pipeline.Now()
	}
	return time.Now()
}

func (r *run) complete() bool {
	if r.inflight.Load() > 0 {
		return false
	}
	for _, w := range r.workers {
		if !w.Complete() {
			return false
		}
	}
	return true
}

func (r *run) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// execute runs one claimed unit and records its result. Only
// orchestrator-scope failures are returned.
func (r *run) execute(ctx context.Context, j job) error {
	u := j.unit
	start := time.Now()
	res := r.runAgent(ctx, u)
	agentDuration.WithLabelValues(string(u.Stage)).Observe(time.Since(start).Seconds())

	// A cancelled run leaves the unit Running; restore turns it into Retrying.
	if ctx.Err() != nil {
		return nil
	}

	rec, err := j.worker.RecordResult(ctx, u, res)
	poolBusy.Set(float64(r.inflight.Add(-1)))
	defer r.notify()
	if err != nil && !errors.Is(err, pipeline.ErrStorage) {
		r.logger.Error("record result failed", zap.String("unit", u.ID), zap.Error(err))
		return nil
	}
	storageErr := err

	// The result is already recorded in the worker, so the ledger row is
	// written even if a forced stop cancels the run meanwhile.
	if len(rec.Changed) > 0 && r.o.deps.Ledger != nil {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
		err := r.o.deps.Ledger.UpsertUnits(lctx, rec.Changed)
		cancel()
		if err != nil {
			return fmt.Errorf("task ledger: %w", err)
		}
	}
	if storageErr != nil {
		return fmt.Errorf("discipline %s: %w", u.DisciplineID, storageErr)
	}

	unitResults.WithLabelValues(string(u.Stage), string(rec.Unit.Status)).Inc()
	unitCost.WithLabelValues(u.DisciplineID).Add(res.Cost)
	r.logger.Debug("unit recorded",
		zap.String("discipline", u.DisciplineID),
		zap.String("unit", u.ID),
		zap.String("stage", string(u.Stage)),
		zap.String("status", string(rec.Unit.Status)),
		zap.Int("attempt", rec.Unit.AttemptCount))

	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	ev := Event{
		SessionID:  r.session.ID,
		Discipline: u.DisciplineID,
		UnitID:     u.ID,
		Stage:      u.Stage,
		Status:     rec.Unit.Status,
		Attempt:    rec.Unit.AttemptCount,
		Score:      rec.Unit.QualityScore,
		Cost:       res.Cost,
		Error:      rec.Unit.LastError,
		Created:    len(rec.Changed) - 1,
		At:         r.now(),
	}
	if err := r.o.deps.Events.Publish(pctx, ev); err != nil {
		r.logger.Warn("publish progress failed", zap.String("unit", u.ID), zap.Error(err))
	}
	return nil
}

// runAgent calls the stage agent under the task deadline. A result that
// arrives after the deadline counts as a timeout.
func (r *run) runAgent(ctx context.Context, u task.Unit) (res agent.Result) {
	a := r.o.agents[u.Stage]
	actx, cancel := context.WithTimeout(ctx, r.o.opts.TaskTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("agent panic", zap.String("unit", u.ID), zap.Any("panic", p))
			res = agent.Failed(agent.Fatal, fmt.Errorf("agent panic: %v", p))
		}
	}()

	res = a.Run(actx, u)
	if res.OK() && errors.Is(actx.Err(), context.DeadlineExceeded) {
		res = agent.Failed(agent.Timeout, fmt.Errorf("%s exceeded %s", u.Stage, r.o.opts.TaskTimeout))
	}
	return res
}

func (r *run) supervise(g *errgroup.Group) {
	err := g.Wait()
	r.cancel()
	poolBusy.Set(0)

	r.mu.Lock()
	stopped := r.state == StateStopping
	if err != nil {
		r.fatal = err
	}
	r.mu.Unlock()

	final := StateCompleted
	reason := "completed"
	switch {
	case err != nil:
		final, reason = StateFailed, "fatal"
		r.logger.Error("run aborted", zap.String("session", r.session.ID), zap.Error(err))
	case stopped:
		final, reason = StateStopped, "stop"
	}

	var ckptErr error
	if !r.forced.Load() {
		if _, ckptErr = r.checkpoint(context.Background(), reason); ckptErr != nil {
			r.logger.Error("final checkpoint failed", zap.Error(ckptErr))
		}
	}

	r.mu.Lock()
	r.state = final
	r.finalErr = ckptErr
	r.mu.Unlock()
	r.logger.Info("run finished", zap.String("session", r.session.ID), zap.String("state", string(final)))
	close(r.done)
}

func (r *run) requestStop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		if r.state == StateRunning {
			r.state = StateStopping
		}
		r.mu.Unlock()
		close(r.stop)
	})
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *run) finalError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalErr
}

func (r *run) checkpointLoop() {
	interval := r.o.opts.CheckpointInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if _, err := r.checkpoint(context.Background(), "periodic"); err != nil {
				r.mu.Lock()
				r.degraded = true
				r.mu.Unlock()
				r.logger.Warn("periodic checkpoint failed, continuing in degraded mode", zap.Error(err))
			}
		}
	}
}

func (r *run) systemState() SystemState {
	st := SystemState{
		SessionID:   r.session.ID,
		Concurrency: r.concurrency,
		TakenAt:     r.now(),
	}
	for _, w := range r.workers {
		st.Disciplines = append(st.Disciplines, w.Discipline().ID)
		st.Workers = append(st.Workers, w.State())
	}
	st.Workers = append(st.Workers, r.carried...)
	return st
}

func (r *run) checkpoint(ctx context.Context, reason string) (checkpoint.ID, error) {
	id, err := r.o.deps.Checkpoints.Snapshot(ctx, r.systemState(), reason)
	if err != nil {
		checkpointWrites.WithLabelValues("error").Inc()
		return "", err
	}
	checkpointWrites.WithLabelValues("ok").Inc()
	r.mu.Lock()
	r.lastCkpt = id
	r.lastCkptAt = time.Now()
	r.degraded = false
	r.mu.Unlock()
	return id, nil
}

func (r *run) snapshot() Snapshot {
	s := Snapshot{
		SessionID:          r.session.ID,
		Concurrency:        r.concurrency,
		PerDisciplineLimit: r.perDiscipline,
		Busy:               int(r.inflight.Load()),
		StartedAt:          r.startedAt,
		ResumedFrom:        r.resumedFrom,
	}
	for _, w := range r.workers {
		p := w.Progress()
		s.Cost += p.Cost
		s.Disciplines = append(s.Disciplines, p)
	}
	r.mu.Lock()
	s.State = r.state
	s.LastCheckpoint = r.lastCkpt
	s.LastCheckpointAt = r.lastCkptAt
	s.Degraded = r.degraded
	if r.fatal != nil {
		s.Fatal = r.fatal.Error()
	}
	r.mu.Unlock()
	return s
}

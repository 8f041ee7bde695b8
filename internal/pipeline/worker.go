package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/standards-retrieval/internal/agent"
	"github.com/nidhogg/standards-retrieval/internal/artifact"
	"github.com/nidhogg/standards-retrieval/internal/quality"
	"github.com/nidhogg/standards-retrieval/internal/task"
	"go.uber.org/zap"
)

// ErrStorage is returned by RecordResult when the agent could not reach
// the artifact store. The unit is put back without charging the attempt.
var ErrStorage = errors.New("artifact storage failure")

// Gate decides whether a stage artifact is good enough.
type Gate interface {
	Evaluate(ctx context.Context, a *artifact.Artifact, stage task.Stage) quality.Verdict
}

// Config tunes a Worker.
type Config struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	InflightLimit int
	Stages        []task.Stage // enabled stages in order; empty = all
	Now           func() time.Time
}

// Candidate is a ready unit as seen by the scheduler.
type Candidate struct {
	UnitID       string
	DisciplineID string
	Priority     int
	Stage        task.Stage
	CreatedAt    time.Time
}

// Recorded describes what RecordResult changed.
type Recorded struct {
	Unit    task.Unit        `json:"unit"`
	Changed []task.Unit      `json:"changed"` // the unit plus any units it created
	Verdict *quality.Verdict `json:"verdict,omitempty"`
}

// Worker owns the unit table of one discipline.
type Worker struct {
	mu         sync.Mutex
	discipline task.Discipline
	cfg        Config
	stages     []task.Stage
	units      map[string]*task.Unit
	order      []string
	inflight   int
	sequence   uint64
	gate       Gate
	now        func() time.Time
	logger     *zap.Logger

	cost         float64
	qualitySum   float64
	qualityCount int
	completed    int
	startedAt    time.Time
	recentErrors []string
}

// NewWorker creates a worker seeded with a root unit at the first enabled stage.
func NewWorker(d task.Discipline, cfg Config, gate Gate, logger *zap.Logger) *Worker {
	w := newWorker(d, cfg, gate, logger)
	w.startedAt = w.now()
	root := task.NewUnit(d.ID, w.stages[0], nil, "", w.startedAt)
	w.add(root)
	return w
}

// RestoreWorker rebuilds a worker from a checkpoint. Units that were
// running when the checkpoint was taken go back to Retrying and the
// abandoned attempt is not charged.
func RestoreWorker(st State, cfg Config, gate Gate, logger *zap.Logger) (*Worker, error) {
	w := newWorker(st.Discipline, cfg, gate, logger)
	w.sequence = st.Sequence
	w.cost = st.Cost
	w.qualitySum = st.QualitySum
	w.qualityCount = st.QualityCount
	w.completed = st.Completed
	w.startedAt = st.StartedAt
	w.recentErrors = append([]string(nil), st.RecentErrors...)

	now := w.now()
	for i := range st.Units {
		u := st.Units[i].Clone()
		if u.DisciplineID != st.Discipline.ID {
			return nil, fmt.Errorf("restore %s: unit %s belongs to %s", st.Discipline.ID, u.ID, u.DisciplineID)
		}
		if _, dup := w.units[u.ID]; dup {
			return nil, fmt.Errorf("restore %s: duplicate unit %s", st.Discipline.ID, u.ID)
		}
		if u.Status == task.StatusRunning {
			if err := u.MoveTo(task.StatusRetrying, now); err != nil {
				return nil, err
			}
			u.AttemptCount = max(u.AttemptCount-1, 0)
			u.NotBefore = time.Time{}
		}
		w.add(u)
	}
	if len(w.order) == 0 {
		w.add(task.NewUnit(st.Discipline.ID, w.stages[0], nil, "", now))
	}
	if w.startedAt.IsZero() {
		w.startedAt = now
	}
	return w, nil
}

func newWorker(d task.Discipline, cfg Config, gate Gate, logger *zap.Logger) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Minute
	}
	if cfg.InflightLimit <= 0 {
		cfg.InflightLimit = 1
	}
	stages := cfg.Stages
	if len(stages) == 0 {
		stages = task.Stages
	}
	stages = slices.Clone(stages)
	slices.SortFunc(stages, func(a, b task.Stage) int { return cmp.Compare(a.Ordinal(), b.Ordinal()) })

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Worker{
		discipline: d,
		cfg:        cfg,
		stages:     stages,
		units:      make(map[string]*task.Unit),
		gate:       gate,
		now:        now,
		logger:     logger.With(zap.String("discipline", d.ID)),
	}
}

func (w *Worker) add(u *task.Unit) {
	w.units[u.ID] = u
	w.order = append(w.order, u.ID)
}

// Discipline returns the discipline this worker owns.
func (w *Worker) Discipline() task.Discipline { return w.discipline }

func (w *Worker) enabled(s task.Stage) bool {
	return slices.Contains(w.stages, s)
}

func (w *Worker) nextStage(s task.Stage) (task.Stage, bool) {
	for _, st := range w.stages {
		if st.Ordinal() > s.Ordinal() {
			return st, true
		}
	}
	return "", false
}

func (w *Worker) backoff(attempts int) time.Duration {
	d := w.cfg.BaseDelay
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= w.cfg.MaxDelay {
			return w.cfg.MaxDelay
		}
	}
	return min(d, w.cfg.MaxDelay)
}

// ready reports whether u may be dispatched now. Caller holds w.mu.
func (w *Worker) ready(u *task.Unit, now time.Time) bool {
	if !u.Status.IsWaiting() || !w.enabled(u.Stage) {
		return false
	}
	if !u.NotBefore.IsZero() && now.Before(u.NotBefore) {
		return false
	}
	if u.ParentID != "" {
		p, ok := w.units[u.ParentID]
		if ok && p.Status != task.StatusSucceeded {
			return false
		}
	}
	return true
}

// Ready returns dispatchable units ordered by stage, creation time and id,
// limited by the free in-flight capacity of the discipline.
func (w *Worker) Ready(now time.Time) []Candidate {
	w.mu.Lock()
	defer w.mu.Unlock()

	free := w.cfg.InflightLimit - w.inflight
	if free <= 0 {
		return nil
	}
	var out []Candidate
	for _, id := range w.order {
		u := w.units[id]
		if !w.ready(u, now) {
			continue
		}
		out = append(out, Candidate{
			UnitID:       u.ID,
			DisciplineID: u.DisciplineID,
			Priority:     w.discipline.Priority,
			Stage:        u.Stage,
			CreatedAt:    u.CreatedAt,
		})
	}
	SortCandidates(out)
	if len(out) > free {
		out = out[:free]
	}
	return out
}

// SortCandidates orders by priority, stage, creation time, then id.
func SortCandidates(c []Candidate) {
	slices.SortFunc(c, func(a, b Candidate) int {
		return cmp.Or(
			cmp.Compare(a.Priority, b.Priority),
			cmp.Compare(a.Stage.Ordinal(), b.Stage.Ordinal()),
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.UnitID, b.UnitID),
		)
	})
}

// Claim hands ownership of a ready unit to the caller: the unit becomes
// Running and its attempt count is incremented.
func (w *Worker) Claim(id string) (task.Unit, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	u, ok := w.units[id]
	if !ok || w.inflight >= w.cfg.InflightLimit {
		return task.Unit{}, false
	}
	now := w.now()
	if !w.ready(u, now) {
		return task.Unit{}, false
	}
	if err := u.MoveTo(task.StatusRunning, now); err != nil {
		return task.Unit{}, false
	}
	u.AttemptCount++
	u.NotBefore = time.Time{}
	w.inflight++
	w.sequence++
	return *u.Clone(), true
}

// Advance claims up to limit ready units.
func (w *Worker) Advance(limit int) []task.Unit {
	var out []task.Unit
	for _, c := range w.Ready(w.now()) {
		if len(out) >= limit {
			break
		}
		if u, ok := w.Claim(c.UnitID); ok {
			out = append(out, u)
		}
	}
	return out
}

// RecordResult applies an agent result to a claimed unit and returns
// ownership to the worker.
func (w *Worker) RecordResult(ctx context.Context, u task.Unit, res agent.Result) (Recorded, error) {
	var verdict *quality.Verdict
	if res.OK() {
		v := w.gate.Evaluate(ctx, res.Artifact, u.Stage)
		verdict = &v
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	cur, ok := w.units[u.ID]
	if !ok {
		return Recorded{}, fmt.Errorf("record %s: unknown unit", u.ID)
	}
	if cur.Status != task.StatusRunning {
		return Recorded{}, fmt.Errorf("record %s: unit is %s, not running", u.ID, cur.Status)
	}
	w.inflight--
	w.sequence++
	now := w.now()

	if res.Backend != nil {
		b := *res.Backend
		cur.BackendUsed = &b
	}
	cur.Cost += res.Cost
	w.cost += res.Cost

	rec := Recorded{Verdict: verdict}
	switch {
	case res.OK() && verdict.Accept:
		score := verdict.Score
		cur.QualityScore = &score
		cur.OutputRef = res.OutputRef
		cur.FanoutRefs = slices.Clone(res.FanoutRefs)
		cur.LastError = ""
		if err := cur.MoveTo(task.StatusSucceeded, now); err != nil {
			return Recorded{}, err
		}
		w.completed++
		w.qualitySum += score
		w.qualityCount++
		rec.Changed = append(rec.Changed, w.spawnChildren(cur, now)...)

	case res.OK():
		score := verdict.Score
		cur.QualityScore = &score
		cur.QualityRetries++
		w.noteError(cur, "quality rejected: "+strings.Join(verdict.Reasons, ","))
		rec.Changed = append(rec.Changed, w.retryOrFail(cur, now)...)

	case res.Err.Kind == agent.Storage:
		w.noteError(cur, res.Err.Error())
		if err := cur.MoveTo(task.StatusRetrying, now); err != nil {
			return Recorded{}, err
		}
		cur.AttemptCount = max(cur.AttemptCount-1, 0)
		rec.Unit = *cur.Clone()
		rec.Changed = append([]task.Unit{rec.Unit}, rec.Changed...)
		return rec, fmt.Errorf("%w: %v", ErrStorage, res.Err)

	case res.Err.Kind.Recoverable():
		w.noteError(cur, res.Err.Error())
		rec.Changed = append(rec.Changed, w.retryOrFail(cur, now)...)

	default:
		w.noteError(cur, res.Err.Error())
		rec.Changed = append(rec.Changed, w.fail(cur, now)...)
	}

	rec.Unit = *cur.Clone()
	rec.Changed = append([]task.Unit{rec.Unit}, rec.Changed...)
	return rec, nil
}

func (w *Worker) noteError(u *task.Unit, msg string) {
	u.LastError = msg
	w.recentErrors = append(w.recentErrors, fmt.Sprintf("%s/%s: %s", u.Stage, u.ID, msg))
	if n := len(w.recentErrors); n > maxRecentErrors {
		w.recentErrors = w.recentErrors[n-maxRecentErrors:]
	}
}

func (w *Worker) retryOrFail(u *task.Unit, now time.Time) []task.Unit {
	if u.AttemptCount >= w.cfg.MaxAttempts {
		return w.fail(u, now)
	}
	if err := u.MoveTo(task.StatusRetrying, now); err != nil {
		w.logger.Error("retry transition", zap.Error(err))
		return nil
	}
	u.NotBefore = now.Add(w.backoff(u.AttemptCount))
	w.logger.Debug("unit scheduled for retry",
		zap.String("unit", u.ID),
		zap.String("stage", string(u.Stage)),
		zap.Int("attempt", u.AttemptCount),
		zap.Time("not_before", u.NotBefore))
	return nil
}

// fail marks u Failed and adds a Skipped placeholder for every later stage.
func (w *Worker) fail(u *task.Unit, now time.Time) []task.Unit {
	if err := u.MoveTo(task.StatusFailed, now); err != nil {
		w.logger.Error("fail transition", zap.Error(err))
		return nil
	}
	w.logger.Warn("unit failed",
		zap.String("unit", u.ID),
		zap.String("stage", string(u.Stage)),
		zap.Int("attempts", u.AttemptCount),
		zap.String("last_error", u.LastError))

	var created []task.Unit
	parent := u
	for next, ok := w.nextStage(u.Stage); ok; next, ok = w.nextStage(next) {
		skip := task.NewUnit(u.DisciplineID, next, parent, "", now)
		skip.Status = task.StatusSkipped
		skip.LastError = "upstream failed: " + u.ID
		w.add(skip)
		created = append(created, *skip.Clone())
		parent = skip
	}
	return created
}

func (w *Worker) spawnChildren(u *task.Unit, now time.Time) []task.Unit {
	next, ok := w.nextStage(u.Stage)
	if !ok {
		return nil
	}
	inputs := u.FanoutRefs
	if len(inputs) == 0 {
		inputs = []string{u.OutputRef}
	}
	created := make([]task.Unit, 0, len(inputs))
	for _, ref := range inputs {
		child := task.NewUnit(u.DisciplineID, next, u, ref, now)
		w.add(child)
		created = append(created, *child.Clone())
	}
	return created
}

// Complete reports whether no unit is pending, running or retrying.
func (w *Worker) Complete() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, u := range w.units {
		if !u.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// InFlight returns the number of claimed units.
func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inflight
}

// Unit returns a copy of one unit.
func (w *Worker) Unit(id string) (task.Unit, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	u, ok := w.units[id]
	if !ok {
		return task.Unit{}, false
	}
	return *u.Clone(), true
}

// State returns a deep copy suitable for checkpointing.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := State{
		Discipline:   w.discipline,
		Sequence:     w.sequence,
		Units:        make([]task.Unit, 0, len(w.order)),
		Cost:         w.cost,
		QualitySum:   w.qualitySum,
		QualityCount: w.qualityCount,
		Completed:    w.completed,
		StartedAt:    w.startedAt,
		RecentErrors: slices.Clone(w.recentErrors),
	}
	for _, id := range w.order {
		st.Units = append(st.Units, *w.units[id].Clone())
	}
	return st
}

// Progress summarises the worker.
func (w *Worker) Progress() Progress {
	w.mu.Lock()
	defer w.mu.Unlock()

	p := Progress{
		Discipline:   w.discipline,
		Counts:       make(map[task.Stage]map[task.Status]int),
		Total:        len(w.units),
		InFlight:     w.inflight,
		Cost:         w.cost,
		RecentErrors: slices.Clone(w.recentErrors),
		Complete:     true,
	}
	for _, u := range w.units {
		if p.Counts[u.Stage] == nil {
			p.Counts[u.Stage] = make(map[task.Status]int)
		}
		p.Counts[u.Stage][u.Status]++
		switch u.Status {
		case task.StatusSucceeded:
			p.Succeeded++
		case task.StatusFailed:
			p.Failed++
		case task.StatusSkipped:
			p.Skipped++
		default:
			p.Complete = false
		}
	}
	if w.qualityCount > 0 {
		p.AvgQuality = w.qualitySum / float64(w.qualityCount)
	}
	if hours := w.now().Sub(w.startedAt).Hours(); hours > 0 {
		p.Throughput = float64(w.completed) / hours
	}
	return p
}

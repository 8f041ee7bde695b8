package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/standards-retrieval/internal/agent"
	"github.com/nidhogg/standards-retrieval/internal/artifact"
	"github.com/nidhogg/standards-retrieval/internal/checkpoint"
	"github.com/nidhogg/standards-retrieval/internal/config"
	"github.com/nidhogg/standards-retrieval/internal/pipeline"
	"github.com/nidhogg/standards-retrieval/internal/quality"
	"github.com/nidhogg/standards-retrieval/internal/task"
)

type acceptAll struct{}

func (acceptAll) Evaluate(context.Context, *artifact.Artifact, task.Stage) quality.Verdict {
	return quality.Verdict{Accept: true, Score: 0.9}
}

// fakeAgents counts calls per stage and tracks peak concurrency. Discovery
// fans out into two children; other stages pass one output along.
type fakeAgents struct {
	calls   map[task.Stage]*atomic.Int64
	active  atomic.Int64
	peak    atomic.Int64
	delay   time.Duration
	block   task.Stage // agents of this stage wait for ctx cancellation
	started chan struct{}
	storage task.Stage // agents of this stage report a storage failure
}

func newFakeAgents() *fakeAgents {
	f := &fakeAgents{calls: make(map[task.Stage]*atomic.Int64), started: make(chan struct{}, 64)}
	for _, s := range task.Stages {
		f.calls[s] = &atomic.Int64{}
	}
	return f
}

func (f *fakeAgents) agents() []agent.Agent {
	var out []agent.Agent
	for _, s := range task.Stages {
		out = append(out, agent.Func{S: s, F: func(ctx context.Context, u task.Unit) agent.Result {
			return f.run(ctx, s, u)
		}})
	}
	return out
}

func (f *fakeAgents) run(ctx context.Context, s task.Stage, u task.Unit) agent.Result {
	f.calls[s].Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if s == f.block {
		f.started <- struct{}{}
		<-ctx.Done()
		return agent.Failed(agent.Timeout, ctx.Err())
	}
	if s == f.storage {
		return agent.Failed(agent.Storage, errors.New("artifact store unreachable"))
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	res := agent.Result{
		OutputRef: fmt.Sprintf("%s-%s", s, u.ID),
		Artifact:  &artifact.Artifact{Kind: string(s), Content: "ok"},
		Cost:      0.1,
	}
	if s == task.StageDiscovery {
		res.FanoutRefs = []string{u.ID + "-a", u.ID + "-b"}
	}
	return res
}

type memLedger struct {
	mu    sync.Mutex
	rows  map[string]task.Unit
	fail  bool
	calls int
	// hook runs before each write, outside mu; call counts from 1.
	hook func(ctx context.Context, call int) error
}

func (l *memLedger) UpsertUnits(ctx context.Context, units []task.Unit) error {
	l.mu.Lock()
	l.calls++
	call, hook := l.calls, l.hook
	l.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, call); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return errors.New("ledger offline")
	}
	if l.rows == nil {
		l.rows = make(map[string]task.Unit)
	}
	for _, u := range units {
		l.rows[u.ID] = u
	}
	return nil
}

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureSink) Publish(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func testTaxonomy(t *testing.T) *config.Taxonomy {
	t.Helper()
	tax, err := config.NewTaxonomy([]task.Discipline{
		{ID: "civil", Name: "Civil Engineering", Priority: 1},
		{ID: "nursing", Name: "Nursing", Priority: 2},
		{ID: "law", Name: "Law", Priority: 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	return tax
}

type harness struct {
	orch   *Orchestrator
	agents *fakeAgents
	ledger *memLedger
	sink   *captureSink
	mgr    *checkpoint.Manager
}

func newHarness(t *testing.T, dir string, f *fakeAgents) *harness {
	t.Helper()
	store, err := checkpoint.NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	return newHarnessWith(t, store, f, nil)
}

func newHarnessWith(t *testing.T, store checkpoint.Store, f *fakeAgents, tune func(*Options)) *harness {
	t.Helper()
	h := &harness{agents: f, ledger: &memLedger{}, sink: &captureSink{}}
	h.mgr = checkpoint.NewManager(store, checkpoint.Config{RetryInterval: time.Millisecond}, zap.NewNop())
	opts := Options{
		ScheduleInterval: 10 * time.Millisecond,
		TaskTimeout:      5 * time.Second,
		Pipeline:         pipeline.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
	}
	if tune != nil {
		tune(&opts)
	}
	h.orch = New(opts, Deps{
		Taxonomy:    testTaxonomy(t),
		Agents:      f.agents(),
		Gate:        acceptAll{},
		Checkpoints: h.mgr,
		Ledger:      h.ledger,
		Events:      h.sink,
		Logger:      zap.NewNop(),
	})
	return h
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestThreeDisciplinesBoundedPool(t *testing.T) {
	f := newFakeAgents()
	f.delay = 5 * time.Millisecond
	h := newHarness(t, t.TempDir(), f)

	s, err := h.orch.Start(context.Background(), []string{"civil", "nursing", "law"}, 2)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("run error: %v", err)
	}

	if got := f.peak.Load(); got > 2 {
		t.Errorf("peak concurrency %d exceeds pool of 2", got)
	}
	st := h.orch.Status()
	if st.State != StateCompleted {
		t.Errorf("state %s, want completed", st.State)
	}
	if len(st.Disciplines) != 3 {
		t.Fatalf("got %d disciplines", len(st.Disciplines))
	}
	for _, p := range st.Disciplines {
		// 1 discovery + 2 retrieval + 2 processing + 2 validation
		if p.Succeeded != 7 || p.Total != 7 || !p.Complete {
			t.Errorf("%s: %+v", p.Discipline.ID, p)
		}
	}
	if st.LastCheckpoint == "" {
		t.Error("no final checkpoint recorded")
	}
	if n := f.calls[task.StageDiscovery].Load(); n != 3 {
		t.Errorf("discovery ran %d times, want 3", n)
	}
	if len(h.ledger.rows) != 21 {
		t.Errorf("ledger has %d rows, want 21", len(h.ledger.rows))
	}
	if len(h.sink.events) != 21 {
		t.Errorf("published %d events, want 21", len(h.sink.events))
	}

	var restored SystemState
	if _, ok, err := h.mgr.RestoreLatest(context.Background(), &restored); err != nil || !ok {
		t.Fatalf("RestoreLatest: ok=%v err=%v", ok, err)
	}
	if restored.SessionID != s.ID || len(restored.Workers) != 3 {
		t.Errorf("final checkpoint %+v", restored)
	}
}

func TestResumeAfterForcedStop(t *testing.T) {
	dir := t.TempDir()
	f := newFakeAgents()
	f.block = task.StageRetrieval
	h := newHarness(t, dir, f)

	s, err := h.orch.Start(context.Background(), []string{"civil"}, 2)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-f.started:
	case <-time.After(5 * time.Second):
		t.Fatal("retrieval never started")
	}
	if err := h.orch.Stop(context.Background(), false); err != nil {
		t.Fatalf("forced Stop: %v", err)
	}
	waitDone(t, s)
	if s.State() != StateStopped {
		t.Errorf("state %s, want stopped", s.State())
	}

	f2 := newFakeAgents()
	h2 := newHarness(t, dir, f2)
	s2, err := h2.orch.Start(context.Background(), []string{"civil"}, 2)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if s2.ResumedFrom == "" {
		t.Error("restart did not restore a checkpoint")
	}
	waitDone(t, s2)
	if n := f2.calls[task.StageDiscovery].Load(); n != 0 {
		t.Errorf("discovery re-ran %d times after resume", n)
	}
	p := h2.orch.Status().Disciplines[0]
	if p.Succeeded != 7 || p.Failed != 0 {
		t.Errorf("resumed progress %+v", p)
	}
	for _, u := range h2.ledger.rows {
		if u.Stage == task.StageRetrieval && u.AttemptCount != 1 {
			t.Errorf("abandoned attempt charged: unit %s attempt %d", u.ID, u.AttemptCount)
		}
	}
}

func TestRestartAfterCompletionRunsNothing(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir, newFakeAgents())
	s, err := h.orch.Start(context.Background(), []string{"law"}, 1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, s)

	f2 := newFakeAgents()
	h2 := newHarness(t, dir, f2)
	s2, err := h2.orch.Start(context.Background(), []string{"law", "civil"}, 1)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitDone(t, s2)
	if n := f2.calls[task.StageDiscovery].Load(); n != 1 {
		t.Errorf("discovery ran %d times, want only civil", n)
	}
}

func TestFreshIgnoresCheckpoint(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir, newFakeAgents())
	s, err := h.orch.Start(context.Background(), []string{"law"}, 1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, s)

	f2 := newFakeAgents()
	h2 := newHarness(t, dir, f2)
	s2, err := h2.orch.StartWith(context.Background(), StartOptions{Disciplines: []string{"law"}, Concurrency: 1, Fresh: true})
	if err != nil {
		t.Fatalf("fresh start: %v", err)
	}
	waitDone(t, s2)
	if s2.ResumedFrom != "" || f2.calls[task.StageDiscovery].Load() != 1 {
		t.Errorf("fresh run resumed from %q", s2.ResumedFrom)
	}
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t, t.TempDir(), newFakeAgents())
	cases := []struct {
		name string
		ids  []string
		conc int
	}{
		{"empty", nil, 1},
		{"unknown", []string{"civil", "astrology"}, 1},
		{"negative", []string{"civil"}, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.orch.Start(context.Background(), tc.ids, tc.conc)
			var cfgErr *config.Error
			if !errors.As(err, &cfgErr) {
				t.Fatalf("got %v, want *config.Error", err)
			}
		})
	}
	if st := h.orch.Status(); st.State != StateIdle {
		t.Errorf("state %s after rejected starts", st.State)
	}
}

func TestGracefulStopAndAlreadyRunning(t *testing.T) {
	f := newFakeAgents()
	f.delay = 50 * time.Millisecond
	h := newHarness(t, t.TempDir(), f)
	s, err := h.orch.Start(context.Background(), []string{"civil", "nursing"}, 1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.orch.Start(context.Background(), []string{"law"}, 1); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second start: got %v, want ErrAlreadyRunning", err)
	}
	id, err := h.orch.CheckpointNow(context.Background())
	if err != nil || id == "" {
		t.Fatalf("CheckpointNow: %q %v", id, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.orch.Stop(ctx, true); err != nil {
		t.Fatalf("graceful Stop: %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("state %s, want stopped", s.State())
	}
	st := h.orch.Status()
	if st.Busy != 0 {
		t.Errorf("busy %d after graceful stop", st.Busy)
	}
	for _, p := range st.Disciplines {
		if p.InFlight != 0 {
			t.Errorf("%s has %d units in flight after graceful stop", p.Discipline.ID, p.InFlight)
		}
	}
	if err := h.orch.Stop(ctx, true); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second stop: got %v", err)
	}
}

func TestStorageFailureIsFatal(t *testing.T) {
	f := newFakeAgents()
	f.storage = task.StageRetrieval
	h := newHarness(t, t.TempDir(), f)
	s, err := h.orch.Start(context.Background(), []string{"civil"}, 2)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, s)
	if !errors.Is(s.Err(), pipeline.ErrStorage) {
		t.Fatalf("session error %v, want ErrStorage", s.Err())
	}
	st := h.orch.Status()
	if st.State != StateFailed || st.Fatal == "" {
		t.Errorf("status %+v", st)
	}
}

func TestLedgerFailureIsFatal(t *testing.T) {
	h := newHarness(t, t.TempDir(), newFakeAgents())
	h.ledger.fail = true
	if _, err := h.orch.Start(context.Background(), []string{"civil"}, 1); err == nil {
		t.Fatal("start succeeded with an unreachable ledger")
	}
}

func TestTaskDeadlineIsTimeout(t *testing.T) {
	f := newFakeAgents()
	f.block = task.StageDiscovery
	store, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	orch := New(Options{
		ScheduleInterval: 5 * time.Millisecond,
		TaskTimeout:      20 * time.Millisecond,
		Pipeline:         pipeline.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, Deps{
		Taxonomy:    testTaxonomy(t),
		Agents:      f.agents(),
		Gate:        acceptAll{},
		Checkpoints: checkpoint.NewManager(store, checkpoint.Config{}, zap.NewNop()),
	})
	s, err := orch.Start(context.Background(), []string{"nursing"}, 1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, s)
	p := orch.Status().Disciplines[0]
	// discovery failed after 2 attempts; the three later stages are skipped
	if p.Failed != 1 || p.Skipped != 3 {
		t.Errorf("progress %+v", p)
	}
	if n := f.calls[task.StageDiscovery].Load(); n != 2 {
		t.Errorf("discovery attempts %d, want 2", n)
	}
}

func TestStatusDuringSlowStart(t *testing.T) {
	h := newHarness(t, t.TempDir(), newFakeAgents())
	entered, release := make(chan struct{}), make(chan struct{})
	var once sync.Once
	free := func() { once.Do(func() { close(release) }) }
	t.Cleanup(free)
	h.ledger.hook = func(_ context.Context, call int) error {
		if call == 1 {
			close(entered)
			<-release
		}
		return nil
	}

	type started struct {
		s   *Session
		err error
	}
	startc := make(chan started, 1)
	go func() {
		s, err := h.orch.Start(context.Background(), []string{"civil"}, 2)
		startc <- started{s, err}
	}()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Start never reached the ledger")
	}

	statusc := make(chan Snapshot, 1)
	go func() { statusc <- h.orch.Status() }()
	select {
	case st := <-statusc:
		if st.State != StateIdle {
			t.Errorf("state %s while starting, want idle", st.State)
		}
	case <-time.After(time.Second):
		t.Fatal("Status blocked while Start was seeding the ledger")
	}
	if _, err := h.orch.Start(context.Background(), []string{"law"}, 1); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("concurrent Start: got %v, want ErrAlreadyRunning", err)
	}

	free()
	res := <-startc
	if res.err != nil {
		t.Fatalf("Start: %v", res.err)
	}
	waitDone(t, res.s)
	if st := h.orch.Status(); st.State != StateCompleted {
		t.Errorf("state %s, want completed", st.State)
	}
}

// flakyStore fails every Put while fail is set.
type flakyStore struct {
	checkpoint.Store
	fail atomic.Bool
}

func (s *flakyStore) Put(ctx context.Context, md checkpoint.Metadata, data []byte) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return s.Store.Put(ctx, md, data)
}

func TestPeriodicCheckpointFailureDegrades(t *testing.T) {
	fs, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := &flakyStore{Store: fs}
	store.fail.Store(true)
	f := newFakeAgents()
	f.delay = 20 * time.Millisecond
	h := newHarnessWith(t, store, f, func(o *Options) { o.CheckpointInterval = 15 * time.Millisecond })

	s, err := h.orch.Start(context.Background(), []string{"civil", "nursing", "law"}, 1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "degraded", func() bool { return h.orch.Status().Degraded })
	if st := h.orch.Status(); st.State != StateRunning {
		t.Errorf("state %s after a failed periodic checkpoint, want running", st.State)
	}

	store.fail.Store(false)
	waitFor(t, "degraded to clear", func() bool { return !h.orch.Status().Degraded })
	waitDone(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("run error: %v", err)
	}
	st := h.orch.Status()
	if st.State != StateCompleted || st.Degraded {
		t.Errorf("final status %s degraded=%v", st.State, st.Degraded)
	}
	for _, p := range st.Disciplines {
		if p.Succeeded != 7 {
			t.Errorf("%s: %d succeeded, want 7", p.Discipline.ID, p.Succeeded)
		}
	}
	list, err := h.mgr.List(context.Background())
	if err != nil || len(list) == 0 {
		t.Errorf("no checkpoint written after recovery: %v", err)
	}
}

func TestForcedStopDuringLedgerWrite(t *testing.T) {
	f := newFakeAgents()
	h := newHarness(t, t.TempDir(), f)
	entered, release := make(chan struct{}), make(chan struct{})
	var once sync.Once
	free := func() { once.Do(func() { close(release) }) }
	t.Cleanup(free)
	// Call 1 seeds the ledger; call 2 records the discovery result.
	h.ledger.hook = func(ctx context.Context, call int) error {
		if call == 2 {
			close(entered)
			<-release
			return ctx.Err()
		}
		return nil
	}

	s, err := h.orch.Start(context.Background(), []string{"civil"}, 1)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("discovery result never reached the ledger")
	}
	if err := h.orch.Stop(context.Background(), false); err != nil {
		t.Fatalf("forced Stop: %v", err)
	}
	free()
	waitDone(t, s)
	if err := s.Err(); err != nil {
		t.Errorf("forced stop turned fatal: %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("state %s, want stopped", s.State())
	}
}

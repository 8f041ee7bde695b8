package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/standards-retrieval/internal/artifact"
	"github.com/nidhogg/standards-retrieval/internal/provider"
	"github.com/nidhogg/standards-retrieval/internal/task"
	"go.uber.org/zap"
)

// Deps are shared by every stage agent.
type Deps struct {
	Catalog      *provider.Catalog
	Selector     *provider.Selector
	Ladder       provider.Ladder
	Executor     Executor
	Artifacts    artifact.Store
	Requirements map[task.Stage]provider.Requirement
	Disciplines  map[string]task.Discipline
	Logger       *zap.Logger
}

// fanoutStages split their output into one downstream input per item.
var fanoutStages = map[task.Stage]bool{
	task.StageDiscovery:  true,
	task.StageProcessing: true,
}

type stageAgent struct {
	stage task.Stage
	deps  Deps
}

// New creates the agent for one stage.
func New(stage task.Stage, deps Deps) Agent {
	if deps.Ladder == nil {
		deps.Ladder = provider.DefaultLadder()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &stageAgent{stage: stage, deps: deps}
}

// NewAll creates one agent per stage.
func NewAll(deps Deps) map[task.Stage]Agent {
	agents := make(map[task.Stage]Agent, len(task.Stages))
	for _, s := range task.Stages {
		agents[s] = New(s, deps)
	}
	return agents
}

func (a *stageAgent) Stage() task.Stage { return a.stage }

func (a *stageAgent) Run(ctx context.Context, u task.Unit) Result {
	start := time.Now()
	res := a.run(ctx, u)
	res.Duration = time.Since(start)
	if res.Err != nil {
		a.deps.Logger.Debug("agent attempt failed",
			zap.String("unit", u.ID),
			zap.String("stage", string(a.stage)),
			zap.Int("attempt", u.AttemptCount),
			zap.Error(res.Err))
	}
	return res
}

func (a *stageAgent) run(ctx context.Context, u task.Unit) Result {
	req := a.deps.Requirements[a.stage]
	req.TaskType = string(a.stage)
	req = a.deps.Ladder.Relax(string(a.stage), u.AttemptCount, req)

	sel, err := a.deps.Selector.Select(a.deps.Catalog.Snapshot(), req)
	if err != nil {
		return Failed(NoBackend, err)
	}

	var input *artifact.Artifact
	if u.InputRef != "" {
		input, err = a.deps.Artifacts.Get(ctx, u.InputRef)
		if errors.Is(err, artifact.ErrNotFound) || errors.Is(err, artifact.ErrCorrupt) {
			return Failed(Fatal, fmt.Errorf("input %s: %w", u.InputRef, err))
		}
		if err != nil {
			return Failed(Storage, err)
		}
	}

	execReq := Request{
		Stage:          a.stage,
		DisciplineID:   u.DisciplineID,
		DisciplineName: a.deps.Disciplines[u.DisciplineID].Name,
		Input:          input,
	}
	out, profile, err := a.execute(ctx, execReq, sel)
	choice := profile.Choice()
	if err != nil {
		res := Failed(Classify(err), err)
		res.Backend = &choice
		return res
	}

	cost := float64(out.Tokens) / 1000 * profile.PricePerUnit
	art := &artifact.Artifact{
		Kind:         string(a.stage),
		DisciplineID: u.DisciplineID,
		Content:      out.Content,
		Items:        out.Items,
		Scores:       out.Scores,
		Meta:         out.Meta,
	}
	ref, err := a.deps.Artifacts.Put(ctx, art)
	if err != nil {
		return Failed(Storage, err)
	}

	res := Result{OutputRef: ref, Artifact: art, Backend: &choice, Cost: cost}
	if fanoutStages[a.stage] {
		for _, item := range out.Items {
			child := &artifact.Artifact{
				Kind:         string(a.stage),
				DisciplineID: u.DisciplineID,
				Content:      item,
				Meta:         map[string]string{"parent_ref": ref},
			}
			childRef, err := a.deps.Artifacts.Put(ctx, child)
			if err != nil {
				return Failed(Storage, err)
			}
			res.FanoutRefs = append(res.FanoutRefs, childRef)
		}
	}
	return res
}

// execute tries the selected backend, then its fallbacks while failures
// look like a backend problem rather than a dead deadline or bad input.
func (a *stageAgent) execute(ctx context.Context, req Request, sel provider.Selection) (*Output, provider.BackendProfile, error) {
	candidates := append([]provider.BackendProfile{sel.Profile}, sel.Fallbacks...)
	var lastErr error
	for _, p := range candidates {
		req.Choice = p.Choice()
		out, err := a.deps.Executor.Execute(ctx, req)
		if err == nil {
			return out, p, nil
		}
		lastErr = err
		kind := Classify(err)
		nextOK := kind == RateLimited || kind == TransientNetwork || errors.Is(err, provider.ErrNoProvider)
		if !nextOK || ctx.Err() != nil {
			return nil, p, err
		}
		a.deps.Logger.Warn("backend failed, trying fallback",
			zap.String("backend", req.Choice.String()), zap.Error(err))
	}
	return nil, candidates[len(candidates)-1], lastErr
}

package agent

import (
	"context"
	"time"

	"github.com/nidhogg/standards-retrieval/internal/artifact"
	"github.com/nidhogg/standards-retrieval/internal/provider"
	"github.com/nidhogg/standards-retrieval/internal/task"
)

// Agent executes one stage for one unit. Agents are stateless; everything
// they need arrives in the unit or through their dependencies.
type Agent interface {
	Stage() task.Stage
	Run(ctx context.Context, u task.Unit) Result
}

// Result is what an agent reports back to the pipeline.
type Result struct {
	OutputRef  string                  `json:"output_ref,omitempty"`
	FanoutRefs []string                `json:"fanout_refs,omitempty"`
	Artifact   *artifact.Artifact      `json:"-"`
	Backend    *provider.BackendChoice `json:"backend,omitempty"`
	Cost       float64                 `json:"cost"`
	Duration   time.Duration           `json:"duration"`
	Err        *ExecutionError         `json:"error,omitempty"`
}

// OK reports whether the agent produced an artifact.
func (r Result) OK() bool { return r.Err == nil }

// Failed builds a failure result.
func Failed(kind FailureKind, err error) Result {
	return Result{Err: &ExecutionError{Kind: kind, Err: err}}
}

// Func adapts a function to the Agent interface.
type Func struct {
	S task.Stage
	F func(ctx context.Context, u task.Unit) Result
}

func (f Func) Stage() task.Stage { return f.S }

func (f Func) Run(ctx context.Context, u task.Unit) Result { return f.F(ctx, u) }

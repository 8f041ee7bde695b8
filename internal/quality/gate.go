package quality

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/nidhogg/standards-retrieval/internal/artifact"
	"github.com/nidhogg/standards-retrieval/internal/task"
	"go.uber.org/zap"
)

// Reject reasons.
const (
	ReasonMalformed      = "empty_or_malformed_artifact"
	ReasonScoringFailed  = "scoring_failed"
	ReasonBelowThreshold = "score_below_threshold"
)

// Verdict is the gate decision for one artifact.
type Verdict struct {
	Accept     bool               `json:"accept"`
	Score      float64            `json:"score"`
	Reasons    []string           `json:"reasons,omitempty"`
	Dimensions map[string]float64 `json:"dimensions,omitempty"`
}

// Config tunes the gate.
type Config struct {
	Threshold    float64                       `json:"threshold"`
	Floor        float64                       `json:"floor"`
	Weights      map[string]float64            `json:"weights,omitempty"`
	StageWeights map[string]map[string]float64 `json:"stage_weights,omitempty"`
}

// DefaultConfig accepts at 0.7 with a 0.3 per-dimension floor.
func DefaultConfig() Config {
	return Config{Threshold: 0.7, Floor: 0.3}
}

// Gate scores artifacts and decides acceptance.
type Gate struct {
	threshold float64
	floor     float64
	base      map[string]float64
	stages    map[task.Stage]map[string]float64
	scorer    Scorer
	logger    *zap.Logger
}

// NewGate creates a gate. A nil scorer falls back to HeuristicScorer.
func NewGate(cfg Config, scorer Scorer, logger *zap.Logger) *Gate {
	if scorer == nil {
		scorer = HeuristicScorer{}
	}
	base := cfg.Weights
	if len(base) == 0 {
		base = DefaultWeights()
	}
	g := &Gate{
		threshold: cfg.Threshold,
		floor:     cfg.Floor,
		base:      normalize(base),
		stages:    make(map[task.Stage]map[string]float64),
		scorer:    scorer,
		logger:    logger,
	}
	for s, w := range cfg.StageWeights {
		g.stages[task.Stage(s)] = normalize(w)
	}
	return g
}

func (g *Gate) weights(stage task.Stage) map[string]float64 {
	if w, ok := g.stages[stage]; ok {
		return w
	}
	return g.base
}

// Evaluate never fails: anything it cannot score is rejected with a reason.
func (g *Gate) Evaluate(ctx context.Context, a *artifact.Artifact, stage task.Stage) Verdict {
	if a.Empty() {
		return Verdict{Reasons: []string{ReasonMalformed}}
	}

	weights := g.weights(stage)
	scores, ok := modelScores(a.Scores)
	if !ok {
		return Verdict{Reasons: []string{ReasonMalformed}}
	}
	if !covers(scores, weights) {
		// Dimensions the model left out are scored by the scorer; model
		// scores win where both exist.
		base, err := g.score(ctx, a, stage)
		if err != nil {
			g.logger.Warn("quality scoring failed",
				zap.String("artifact", a.Ref), zap.String("stage", string(stage)), zap.Error(err))
			return Verdict{Reasons: []string{ReasonScoringFailed}}
		}
		merged := make(map[string]float64, len(weights))
		for d := range weights {
			if s, ok := scores[d]; ok {
				merged[d] = s
			} else if s, ok := base[d]; ok {
				merged[d] = s
			}
		}
		scores = merged
	}

	dims := make(map[string]float64, len(weights))
	var sum, wsum float64
	for d, w := range weights {
		s, ok := scores[d]
		if !ok || math.IsNaN(s) || s < 0 || s > 1 {
			return Verdict{Reasons: []string{ReasonMalformed}}
		}
		dims[d] = s
		sum += w * s
		wsum += w
	}
	if wsum == 0 {
		return Verdict{Reasons: []string{ReasonMalformed}}
	}

	v := Verdict{Score: sum / wsum, Dimensions: dims}
	names := make([]string, 0, len(dims))
	for d := range dims {
		names = append(names, d)
	}
	sort.Strings(names)
	for _, d := range names {
		if dims[d] < g.floor {
			v.Reasons = append(v.Reasons, "below_floor:"+d)
		}
	}
	if v.Score < g.threshold {
		v.Reasons = append(v.Reasons, ReasonBelowThreshold)
	}
	v.Accept = len(v.Reasons) == 0
	return v
}

func (g *Gate) score(ctx context.Context, a *artifact.Artifact, stage task.Stage) (scores map[string]float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scorer panic: %v", r)
		}
	}()
	return g.scorer.Score(ctx, a, stage)
}

// modelScores checks scores recorded on the artifact. A non-empty map must
// name at least one rubric dimension and hold only values in [0,1].
func modelScores(scores map[string]float64) (map[string]float64, bool) {
	if len(scores) == 0 {
		return nil, true
	}
	known := 0
	for d, s := range scores {
		if math.IsNaN(s) || s < 0 || s > 1 {
			return nil, false
		}
		if slices.Contains(Dimensions, d) {
			known++
		}
	}
	return scores, known > 0
}

func covers(scores map[string]float64, weights map[string]float64) bool {
	for d := range weights {
		if _, ok := scores[d]; !ok {
			return false
		}
	}
	return true
}

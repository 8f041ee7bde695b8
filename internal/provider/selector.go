package provider

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
)

// ErrNoBackendAvailable is returned when no profile satisfies a requirement.
var ErrNoBackendAvailable = errors.New("no backend available")

// NoBackendError carries the requirement that could not be met.
type NoBackendError struct {
	Requirement Requirement
}

func (e *NoBackendError) Error() string {
	r := e.Requirement
	return fmt.Sprintf("%v: task_type=%q cost_ceiling=%g min_quality=%s min_context=%d",
		ErrNoBackendAvailable, r.TaskType, r.CostCeiling, r.MinQuality, r.MinContext)
}

func (e *NoBackendError) Unwrap() error { return ErrNoBackendAvailable }

// Requirement constrains a selection. Zero values mean unconstrained.
type Requirement struct {
	TaskType    string      `json:"task_type"`
	// CostCeiling is the highest price per unit accepted. 0 means no price
	// limit, not free backends only; restrict to local backends with
	// PreferLocal or a profile feed instead.
	CostCeiling float64     `json:"cost_ceiling"`
	MinQuality  QualityTier `json:"min_quality"`
	PreferLocal bool        `json:"prefer_local"`
	MinContext  int         `json:"min_context"`
}

// Selection is the chosen backend plus ranked fallbacks.
type Selection struct {
	Choice    BackendChoice    `json:"choice"`
	Profile   BackendProfile   `json:"profile"`
	Fallbacks []BackendProfile `json:"fallbacks,omitempty"`
}

// Weights tune the ranking score.
type Weights struct {
	Quality float64 `json:"quality"`
	Cost    float64 `json:"cost"`
	Latency float64 `json:"latency"`
}

// DefaultWeights favours quality, then price, with latency as a tie-breaker.
func DefaultWeights() Weights {
	return Weights{Quality: 1.0, Cost: 50.0, Latency: 0.05}
}

const maxFallbacks = 2

// Selector ranks backend profiles. It holds no state besides its weights,
// so equal inputs always produce equal outputs.
type Selector struct {
	weights Weights
}

// NewSelector creates a selector with the given weights.
func NewSelector(w Weights) *Selector {
	return &Selector{weights: w}
}

// Score computes the ranking score of a profile.
func (s *Selector) Score(p BackendProfile) float64 {
	return s.weights.Quality*float64(p.QualityTier) -
		s.weights.Cost*p.PricePerUnit -
		s.weights.Latency*p.ExpectedLatency().Seconds()
}

// Select picks the best backend in snap for req.
func (s *Selector) Select(snap *Snapshot, req Requirement) (Selection, error) {
	if snap == nil {
		return Selection{}, &NoBackendError{Requirement: req}
	}

	type ranked struct {
		p     BackendProfile
		score float64
	}
	var cands []ranked
	for _, p := range snap.Profiles {
		if !eligible(p, req) {
			continue
		}
		cands = append(cands, ranked{p: p, score: s.Score(p)})
	}
	if len(cands) == 0 {
		return Selection{}, &NoBackendError{Requirement: req}
	}

	slices.SortStableFunc(cands, func(a, b ranked) int {
		if a.score != b.score {
			if a.score > b.score {
				return -1
			}
			return 1
		}
		if a.p.Venue != b.p.Venue {
			if a.p.Venue == VenueLocal {
				return -1
			}
			return 1
		}
		return cmp.Or(
			cmp.Compare(a.p.Provider, b.p.Provider),
			cmp.Compare(a.p.ModelID, b.p.ModelID),
		)
	})

	if req.PreferLocal {
		if i := slices.IndexFunc(cands, func(c ranked) bool { return c.p.Venue == VenueLocal }); i > 0 {
			best := cands[i]
			copy(cands[1:i+1], cands[:i])
			cands[0] = best
		}
	}

	sel := Selection{Choice: cands[0].p.Choice(), Profile: cands[0].p}
	for _, c := range cands[1:] {
		if len(sel.Fallbacks) == maxFallbacks {
			break
		}
		sel.Fallbacks = append(sel.Fallbacks, c.p)
	}
	return sel, nil
}

func eligible(p BackendProfile, req Requirement) bool {
	if !p.Available {
		return false
	}
	if req.MinQuality > 0 && p.QualityTier < req.MinQuality {
		return false
	}
	if req.CostCeiling > 0 && p.PricePerUnit > req.CostCeiling {
		return false
	}
	if req.MinContext > 0 && p.ContextLimit < req.MinContext {
		return false
	}
	return p.Supports(req.TaskType)
}

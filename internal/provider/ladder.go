package provider

// Ladder relaxes selection constraints as attempts accumulate.
type Ladder interface {
	Relax(stage string, attempt int, base Requirement) Requirement
}

// Step is one rung of a StepLadder.
type Step struct {
	CostMultiplier float64 `json:"cost_multiplier"`
	QualityDrop    int     `json:"quality_drop"`
}

// StepLadder applies Steps[attempt-1], or the last step once attempts run
// past the end. Stages overrides the steps for individual stages.
type StepLadder struct {
	Steps  []Step            `json:"steps"`
	Stages map[string][]Step `json:"stages,omitempty"`
}

// DefaultLadder: attempt 1 as configured, attempt 2 doubles the cost
// ceiling, attempt 3 also accepts one quality tier lower.
func DefaultLadder() *StepLadder {
	return &StepLadder{Steps: []Step{
		{CostMultiplier: 1},
		{CostMultiplier: 2},
		{CostMultiplier: 2, QualityDrop: 1},
	}}
}

func (l *StepLadder) Relax(stage string, attempt int, base Requirement) Requirement {
	steps := l.Steps
	if s, ok := l.Stages[stage]; ok {
		steps = s
	}
	if len(steps) == 0 || attempt < 1 {
		return base
	}
	idx := min(attempt, len(steps)) - 1
	step := steps[idx]

	out := base
	if step.CostMultiplier > 0 && out.CostCeiling > 0 {
		out.CostCeiling *= step.CostMultiplier
	}
	if step.QualityDrop > 0 && out.MinQuality > 0 {
		out.MinQuality = max(out.MinQuality-QualityTier(step.QualityDrop), TierEconomy)
	}
	return out
}

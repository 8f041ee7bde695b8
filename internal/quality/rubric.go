package quality

// Dimension names of the scoring rubric.
const (
	ContentAccuracy           = "content_accuracy"
	Completeness              = "completeness"
	Clarity                   = "clarity"
	EvidenceBasis             = "evidence_basis"
	ImplementationFeasibility = "implementation_feasibility"
	Relevance                 = "relevance"
	Authority                 = "authority"
	Consistency               = "consistency"
	Specificity               = "specificity"
	Measurability             = "measurability"
)

// Dimensions lists the rubric in report order.
var Dimensions = []string{
	ContentAccuracy, Completeness, Clarity, EvidenceBasis, ImplementationFeasibility,
	Relevance, Authority, Consistency, Specificity, Measurability,
}

// DefaultWeights is the base rubric. Weights are normalized before use.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		ContentAccuracy:           0.15,
		Completeness:              0.12,
		Clarity:                   0.12,
		EvidenceBasis:             0.12,
		ImplementationFeasibility: 0.08,
		Relevance:                 0.12,
		Authority:                 0.08,
		Consistency:               0.08,
		Specificity:               0.07,
		Measurability:             0.06,
	}
}

// normalize drops unknown or non-positive weights and scales the rest to sum to 1.
func normalize(w map[string]float64) map[string]float64 {
	known := make(map[string]bool, len(Dimensions))
	for _, d := range Dimensions {
		known[d] = true
	}
	var total float64
	out := make(map[string]float64, len(w))
	for d, v := range w {
		if !known[d] || v <= 0 {
			continue
		}
		out[d] = v
		total += v
	}
	if total == 0 {
		return normalize(DefaultWeights())
	}
	for d := range out {
		out[d] /= total
	}
	return out
}

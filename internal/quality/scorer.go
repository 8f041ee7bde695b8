package quality

import (
	"context"
	"strings"
	"unicode"

	"github.com/nidhogg/standards-retrieval/internal/artifact"
	"github.com/nidhogg/standards-retrieval/internal/task"
)

// Scorer assigns 0..1 scores per dimension.
type Scorer interface {
	Score(ctx context.Context, a *artifact.Artifact, stage task.Stage) (map[string]float64, error)
}

// HeuristicScorer scores artifacts from surface features when no model
// scores were recorded. It only looks at text shape, never semantics.
type HeuristicScorer struct {
	// MinWords below which completeness drops sharply.
	MinWords int
}

func (h HeuristicScorer) Score(_ context.Context, a *artifact.Artifact, stage task.Stage) (map[string]float64, error) {
	text := a.Content
	if len(a.Items) > 0 {
		text += "\n" + strings.Join(a.Items, "\n")
	}
	words := strings.Fields(text)
	minWords := h.MinWords
	if minWords <= 0 {
		minWords = 10
	}

	wc := float64(len(words))
	completeness := clamp(0.4 + 0.6*wc/float64(minWords*4))
	if len(words) < minWords {
		completeness = clamp(wc / float64(minWords) * 0.5)
	}

	var digits, upper, sentences int
	for _, r := range text {
		switch {
		case unicode.IsDigit(r):
			digits++
		case unicode.IsUpper(r):
			upper++
		case r == '.' || r == '!' || r == '?':
			sentences++
		}
	}
	avgSentence := wc
	if sentences > 0 {
		avgSentence = wc / float64(sentences)
	}
	clarity := 0.9
	if avgSentence > 35 {
		clarity = 0.6
	}

	evidence := 0.5
	if _, ok := a.Meta["source_url"]; ok {
		evidence += 0.3
	}
	if strings.Contains(text, "http") {
		evidence += 0.1
	}

	authority := 0.6
	if org := a.Meta["organization"]; org != "" {
		authority = 0.9
	}

	measurability := 0.5
	if digits > 0 {
		measurability = 0.8
	}
	specificity := clamp(0.5 + float64(upper)/float64(max(len(text), 1))*5)

	relevance := 0.7
	if stage == task.StageDiscovery && len(a.Items) > 0 {
		relevance = 0.85
	}

	return map[string]float64{
		ContentAccuracy:           0.75,
		Completeness:              completeness,
		Clarity:                   clarity,
		EvidenceBasis:             clamp(evidence),
		ImplementationFeasibility: 0.7,
		Relevance:                 relevance,
		Authority:                 authority,
		Consistency:               0.8,
		Specificity:               specificity,
		Measurability:             measurability,
	}, nil
}

func clamp(v float64) float64 {
	return max(0, min(1, v))
}

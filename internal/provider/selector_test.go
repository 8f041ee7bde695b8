package provider

import (
	"errors"
	"testing"
)

func testProfiles() []BackendProfile {
	return []BackendProfile{
		{ModelID: "llama3-8b", Venue: VenueLocal, PricePerUnit: 0, QualityTier: TierEconomy, ContextLimit: 8000, ExpectedLatencyMS: 4000, Available: true},
		{ModelID: "gpt-4o-mini", Provider: "openai", Venue: VenueHosted, PricePerUnit: 0.0006, QualityTier: TierStandard, ContextLimit: 128000, ExpectedLatencyMS: 1500, Available: true},
		{ModelID: "gpt-4o", Provider: "openai", Venue: VenueHosted, PricePerUnit: 0.01, QualityTier: TierPremium, ContextLimit: 128000, ExpectedLatencyMS: 3000, Available: true},
		{ModelID: "claude-sonnet", Provider: "anthropic", Venue: VenueHosted, PricePerUnit: 0.015, QualityTier: TierPremium, ContextLimit: 200000, ExpectedLatencyMS: 3000, Available: true},
		{ModelID: "offline", Provider: "openai", Venue: VenueHosted, PricePerUnit: 0, QualityTier: TierPremium, ContextLimit: 1 << 20, Available: false},
	}
}

func TestSelectBestScore(t *testing.T) {
	snap := NewCatalog(testProfiles()).Snapshot()
	sel, err := NewSelector(DefaultWeights()).Select(snap, Requirement{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	// gpt-4o: 3 - 0.5 - 0.15 = 2.35 beats claude-sonnet 3 - 0.75 - 0.15 = 2.10
	if sel.Choice != Hosted("openai", "gpt-4o") {
		t.Errorf("got %s, want openai:gpt-4o", sel.Choice)
	}
	if len(sel.Fallbacks) != 2 {
		t.Fatalf("got %d fallbacks, want 2", len(sel.Fallbacks))
	}
	if sel.Fallbacks[0].ModelID != "claude-sonnet" {
		t.Errorf("first fallback %s, want claude-sonnet", sel.Fallbacks[0].ModelID)
	}
}

func TestSelectFilters(t *testing.T) {
	snap := NewCatalog(testProfiles()).Snapshot()
	s := NewSelector(DefaultWeights())

	sel, err := s.Select(snap, Requirement{CostCeiling: 0.001})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Choice.ModelID != "gpt-4o-mini" {
		t.Errorf("cost ceiling: got %s, want gpt-4o-mini", sel.Choice)
	}

	sel, err = s.Select(snap, Requirement{MinContext: 150000})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Choice.ModelID != "claude-sonnet" {
		t.Errorf("min context: got %s, want claude-sonnet", sel.Choice)
	}

	_, err = s.Select(snap, Requirement{CostCeiling: 0.001, MinQuality: TierPremium})
	if !errors.Is(err, ErrNoBackendAvailable) {
		t.Fatalf("got %v, want ErrNoBackendAvailable", err)
	}
	var nb *NoBackendError
	if !errors.As(err, &nb) || nb.Requirement.MinQuality != TierPremium {
		t.Errorf("expected NoBackendError carrying the requirement, got %v", err)
	}
}

func TestSelectTaskTypes(t *testing.T) {
	profiles := []BackendProfile{
		{ModelID: "a", Provider: "p", Venue: VenueHosted, QualityTier: TierPremium, Available: true, TaskTypes: []string{"validation"}},
		{ModelID: "b", Provider: "p", Venue: VenueHosted, QualityTier: TierEconomy, Available: true},
	}
	snap := NewCatalog(profiles).Snapshot()
	sel, err := NewSelector(DefaultWeights()).Select(snap, Requirement{TaskType: "discovery"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Choice.ModelID != "b" {
		t.Errorf("got %s, want b", sel.Choice.ModelID)
	}
}

func TestSelectPreferLocal(t *testing.T) {
	snap := NewCatalog(testProfiles()).Snapshot()
	sel, err := NewSelector(DefaultWeights()).Select(snap, Requirement{PreferLocal: true})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Choice != Local("llama3-8b") {
		t.Errorf("got %s, want local:llama3-8b", sel.Choice)
	}
	if sel.Fallbacks[0].ModelID != "gpt-4o" {
		t.Errorf("first fallback %s, want gpt-4o", sel.Fallbacks[0].ModelID)
	}
}

func TestSelectTieBreak(t *testing.T) {
	profiles := []BackendProfile{
		{ModelID: "m2", Provider: "zeta", Venue: VenueHosted, QualityTier: TierStandard, Available: true},
		{ModelID: "m1", Provider: "alpha", Venue: VenueHosted, QualityTier: TierStandard, Available: true},
		{ModelID: "m0", Venue: VenueLocal, QualityTier: TierStandard, Available: true},
	}
	s := NewSelector(DefaultWeights())
	snap := NewCatalog(profiles).Snapshot()
	sel, err := s.Select(snap, Requirement{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Choice != Local("m0") {
		t.Errorf("got %s, want local first on a tie", sel.Choice)
	}
	if sel.Fallbacks[0].Provider != "alpha" || sel.Fallbacks[1].Provider != "zeta" {
		t.Errorf("fallbacks not ordered by provider: %+v", sel.Fallbacks)
	}
}

func TestSelectDeterministic(t *testing.T) {
	snap := NewCatalog(testProfiles()).Snapshot()
	s := NewSelector(DefaultWeights())
	req := Requirement{CostCeiling: 0.02, MinQuality: TierStandard}
	first, err := s.Select(snap, req)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	for i := 0; i < 50; i++ {
		got, err := s.Select(snap, req)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if got.Choice != first.Choice || len(got.Fallbacks) != len(first.Fallbacks) {
			t.Fatalf("iteration %d: got %s, want %s", i, got.Choice, first.Choice)
		}
	}
}

func TestSelectNilSnapshot(t *testing.T) {
	_, err := NewSelector(DefaultWeights()).Select(nil, Requirement{})
	if !errors.Is(err, ErrNoBackendAvailable) {
		t.Fatalf("got %v, want ErrNoBackendAvailable", err)
	}
}

func TestStepLadder(t *testing.T) {
	l := DefaultLadder()
	base := Requirement{CostCeiling: 0.01, MinQuality: TierPremium}

	if got := l.Relax("retrieval", 1, base); got != base {
		t.Errorf("attempt 1 changed requirement: %+v", got)
	}
	got := l.Relax("retrieval", 2, base)
	if got.CostCeiling != 0.02 || got.MinQuality != TierPremium {
		t.Errorf("attempt 2: %+v", got)
	}
	got = l.Relax("retrieval", 3, base)
	if got.CostCeiling != 0.02 || got.MinQuality != TierStandard {
		t.Errorf("attempt 3: %+v", got)
	}
	if got5 := l.Relax("retrieval", 5, base); got5 != got {
		t.Errorf("attempts past the ladder should reuse the last step: %+v", got5)
	}

	floor := l.Relax("retrieval", 3, Requirement{MinQuality: TierEconomy})
	if floor.MinQuality != TierEconomy {
		t.Errorf("quality dropped below economy: %v", floor.MinQuality)
	}
}

func TestStepLadderStageOverride(t *testing.T) {
	l := &StepLadder{
		Steps:  []Step{{CostMultiplier: 1}},
		Stages: map[string][]Step{"validation": {{CostMultiplier: 3}}},
	}
	base := Requirement{CostCeiling: 1}
	if got := l.Relax("validation", 1, base); got.CostCeiling != 3 {
		t.Errorf("override ignored: %+v", got)
	}
	if got := l.Relax("discovery", 1, base); got.CostCeiling != 1 {
		t.Errorf("default steps: %+v", got)
	}
}

func TestZeroCostCeilingIsUnbounded(t *testing.T) {
	snap := NewCatalog(testProfiles()).Snapshot()
	sel, err := NewSelector(DefaultWeights()).Select(snap, Requirement{CostCeiling: 0, MinQuality: TierPremium})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Profile.PricePerUnit == 0 {
		t.Errorf("zero ceiling filtered priced backends: got %s", sel.Choice)
	}
	if sel.Choice != Hosted("openai", "gpt-4o") {
		t.Errorf("got %s, want openai:gpt-4o", sel.Choice)
	}
}

package task

import (
	"testing"
	"time"

	"github.com/nidhogg/standards-retrieval/internal/provider"
)

func TestStageOrdinal(t *testing.T) {
	want := map[Stage]int{
		StageDiscovery:  0,
		StageRetrieval:  1,
		StageProcessing: 2,
		StageValidation: 3,
		Stage("bogus"):  -1,
	}
	for s, ord := range want {
		if got := s.Ordinal(); got != ord {
			t.Errorf("%s: got ordinal %d, want %d", s, got, ord)
		}
	}
	if _, err := ParseStage("retrieval"); err != nil {
		t.Errorf("ParseStage(retrieval): %v", err)
	}
	if _, err := ParseStage("archive"); err == nil {
		t.Error("expected error for unknown stage")
	}
}

func TestTransition(t *testing.T) {
	legal := [][2]Status{
		{StatusPending, StatusRunning},
		{StatusPending, StatusSkipped},
		{StatusRetrying, StatusRunning},
		{StatusRunning, StatusSucceeded},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusRetrying},
	}
	for _, tr := range legal {
		if err := Transition(tr[0], tr[1]); err != nil {
			t.Errorf("%s → %s: unexpected error %v", tr[0], tr[1], err)
		}
	}

	illegal := [][2]Status{
		{StatusSucceeded, StatusRunning},
		{StatusFailed, StatusRetrying},
		{StatusSkipped, StatusRunning},
		{StatusPending, StatusSucceeded},
		{StatusRetrying, StatusFailed},
	}
	for _, tr := range illegal {
		if err := Transition(tr[0], tr[1]); err == nil {
			t.Errorf("%s → %s: expected error", tr[0], tr[1])
		}
	}
}

func TestNewUnitLineage(t *testing.T) {
	now := time.Unix(100, 0)
	root := NewUnit("physics", StageDiscovery, nil, "", now)
	if root.LineageID != root.ID {
		t.Fatalf("root lineage %q, want own id %q", root.LineageID, root.ID)
	}
	child := NewUnit("physics", StageRetrieval, root, "src-1", now)
	if child.ParentID != root.ID || child.LineageID != root.ID {
		t.Fatalf("child parent=%q lineage=%q, want %q", child.ParentID, child.LineageID, root.ID)
	}
	if child.Status != StatusPending {
		t.Errorf("got status %s, want pending", child.Status)
	}
}

func TestCloneIsDeep(t *testing.T) {
	q := 0.8
	choice := provider.Hosted("openai", "gpt-4o")
	u := &Unit{ID: "u1", FanoutRefs: []string{"a"}, QualityScore: &q, BackendUsed: &choice}
	c := u.Clone()
	c.FanoutRefs[0] = "b"
	*c.QualityScore = 0.1
	c.BackendUsed.ModelID = "other"
	if u.FanoutRefs[0] != "a" || *u.QualityScore != 0.8 || u.BackendUsed.ModelID != "gpt-4o" {
		t.Fatalf("clone shares memory with original: %+v", u)
	}
}

func TestMoveTo(t *testing.T) {
	u := NewUnit("math", StageDiscovery, nil, "", time.Unix(1, 0))
	later := time.Unix(5, 0)
	if err := u.MoveTo(StatusRunning, later); err != nil {
		t.Fatalf("MoveTo running: %v", err)
	}
	if !u.UpdatedAt.Equal(later) {
		t.Errorf("UpdatedAt not stamped")
	}
	if err := u.MoveTo(StatusPending, later); err == nil {
		t.Error("expected running → pending to fail")
	}
}

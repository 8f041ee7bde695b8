package task

import "fmt"

// Stage is one step of a discipline pipeline.
type Stage string

const (
	StageDiscovery  Stage = "discovery"
	StageRetrieval  Stage = "retrieval"
	StageProcessing Stage = "processing"
	StageValidation Stage = "validation"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{StageDiscovery, StageRetrieval, StageProcessing, StageValidation}

// Ordinal returns the stage position in the pipeline, or -1 if unknown.
func (s Stage) Ordinal() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return s.Ordinal() >= 0 }

// ParseStage converts a config string into a Stage.
func ParseStage(v string) (Stage, error) {
	s := Stage(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage %q", v)
	}
	return s, nil
}

// Status tracks a unit through its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusSkipped   Status = "skipped"
)

// Statuses lists every status, in display order.
var Statuses = []Status{
	StatusPending, StatusRetrying, StatusRunning,
	StatusSucceeded, StatusFailed, StatusSkipped,
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// IsWaiting reports whether the unit is queued for (another) attempt.
func (s Status) IsWaiting() bool {
	return s == StatusPending || s == StatusRetrying
}

// Discipline is an entry of the static taxonomy. Lower Priority runs first.
type Discipline struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Priority int    `json:"priority" yaml:"priority"`
}

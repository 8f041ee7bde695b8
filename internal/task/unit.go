package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/standards-retrieval/internal/provider"
)

// Unit is the atomic, retryable piece of pipeline work.
type Unit struct {
	ID             string                  `json:"id"`
	DisciplineID   string                  `json:"discipline_id"`
	ParentID       string                  `json:"parent_id,omitempty"`
	LineageID      string                  `json:"lineage_id"`
	Stage          Stage                   `json:"stage"`
	Status         Status                  `json:"status"`
	AttemptCount   int                     `json:"attempt_count"`
	QualityRetries int                     `json:"quality_retries,omitempty"`
	InputRef       string                  `json:"input_ref,omitempty"`
	OutputRef      string                  `json:"output_ref,omitempty"`
	FanoutRefs     []string                `json:"fanout_refs,omitempty"`
	QualityScore   *float64                `json:"quality_score,omitempty"`
	BackendUsed    *provider.BackendChoice `json:"backend_used,omitempty"`
	Cost           float64                 `json:"cost,omitempty"`
	LastError      string                  `json:"last_error,omitempty"`
	NotBefore      time.Time               `json:"not_before,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// NewUnit creates a pending unit. The lineage defaults to the unit itself.
func NewUnit(disciplineID string, stage Stage, parent *Unit, inputRef string, now time.Time) *Unit {
	u := &Unit{
		ID:           uuid.New().String(),
		DisciplineID: disciplineID,
		Stage:        stage,
		Status:       StatusPending,
		InputRef:     inputRef,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	u.LineageID = u.ID
	if parent != nil {
		u.ParentID = parent.ID
		u.LineageID = parent.LineageID
	}
	return u
}

// Clone returns a deep copy of the unit.
func (u *Unit) Clone() *Unit {
	c := *u
	if u.FanoutRefs != nil {
		c.FanoutRefs = append([]string(nil), u.FanoutRefs...)
	}
	if u.QualityScore != nil {
		q := *u.QualityScore
		c.QualityScore = &q
	}
	if u.BackendUsed != nil {
		b := *u.BackendUsed
		c.BackendUsed = &b
	}
	return &c
}

// validTransitions defines allowed status changes.
var validTransitions = map[Status][]Status{
	StatusPending:  {StatusRunning, StatusSkipped},
	StatusRetrying: {StatusRunning, StatusSkipped},
	StatusRunning:  {StatusSucceeded, StatusFailed, StatusRetrying},
}

// Transition validates and returns nil if from→to is a legal transition.
func Transition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q → %q", from, to)
}

// MoveTo applies a validated transition and stamps UpdatedAt.
func (u *Unit) MoveTo(to Status, now time.Time) error {
	if err := Transition(u.Status, to); err != nil {
		return fmt.Errorf("unit %s: %w", u.ID, err)
	}
	u.Status = to
	u.UpdatedAt = now
	return nil
}

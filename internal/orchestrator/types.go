package orchestrator

import (
	"time"

	"github.com/nidhogg/standards-retrieval/internal/checkpoint"
	"github.com/nidhogg/standards-retrieval/internal/pipeline"
	"github.com/nidhogg/standards-retrieval/internal/task"
)

// RunState tracks a session's lifecycle.
type RunState string

const (
	StateIdle      RunState = "idle"
	StateRunning   RunState = "running"
	StateStopping  RunState = "stopping"
	StateCompleted RunState = "completed"
	StateStopped   RunState = "stopped"
	StateFailed    RunState = "failed"
)

// Finished reports whether the session has ended.
func (s RunState) Finished() bool {
	return s == StateCompleted || s == StateStopped || s == StateFailed
}

// SystemState is the checkpoint payload. It holds every unit of every
// worker, terminal ones included.
type SystemState struct {
	SessionID   string           `json:"session_id"`
	Concurrency int              `json:"concurrency"`
	Disciplines []string         `json:"disciplines"`
	Workers     []pipeline.State `json:"workers"`
	TakenAt     time.Time        `json:"taken_at"`
}

// Snapshot is the status view returned by Status.
type Snapshot struct {
	State              RunState            `json:"state"`
	SessionID          string              `json:"session_id,omitempty"`
	Concurrency        int                 `json:"concurrency"`
	PerDisciplineLimit int                 `json:"per_discipline_limit"`
	Busy               int                 `json:"busy"`
	StartedAt          time.Time           `json:"started_at,omitempty"`
	ResumedFrom        checkpoint.ID       `json:"resumed_from,omitempty"`
	LastCheckpoint     checkpoint.ID       `json:"last_checkpoint,omitempty"`
	LastCheckpointAt   time.Time           `json:"last_checkpoint_at,omitempty"`
	Degraded           bool                `json:"degraded"`
	Fatal              string              `json:"fatal,omitempty"`
	Disciplines        []pipeline.Progress `json:"disciplines,omitempty"`
	Cost               float64             `json:"cost"`
}

// Event is a progress notification for one recorded result.
type Event struct {
	SessionID  string      `json:"session_id"`
	Discipline string      `json:"discipline"`
	UnitID     string      `json:"unit_id"`
	Stage      task.Stage  `json:"stage"`
	Status     task.Status `json:"status"`
	Attempt    int         `json:"attempt"`
	Score      *float64    `json:"score,omitempty"`
	Cost       float64     `json:"cost"`
	Error      string      `json:"error,omitempty"`
	Created    int         `json:"created"`
	At         time.Time   `json:"at"`
}

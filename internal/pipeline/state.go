package pipeline

import (
	"time"

	"github.com/nidhogg/standards-retrieval/internal/task"
)

const maxRecentErrors = 10

// State is the checkpointable form of a Worker.
type State struct {
	Discipline   task.Discipline `json:"discipline"`
	Sequence     uint64          `json:"sequence"`
	Units        []task.Unit     `json:"units"`
	Cost         float64         `json:"cost"`
	QualitySum   float64         `json:"quality_sum"`
	QualityCount int             `json:"quality_count"`
	Completed    int             `json:"completed"`
	StartedAt    time.Time       `json:"started_at"`
	RecentErrors []string        `json:"recent_errors,omitempty"`
}

// Progress summarises a worker for status reports.
type Progress struct {
	Discipline   task.Discipline                    `json:"discipline"`
	Counts       map[task.Stage]map[task.Status]int `json:"counts"`
	Total        int                                `json:"total"`
	Succeeded    int                                `json:"succeeded"`
	Failed       int                                `json:"failed"`
	Skipped      int                                `json:"skipped"`
	InFlight     int                                `json:"in_flight"`
	Throughput   float64                            `json:"throughput_per_hour"`
	Cost         float64                            `json:"cost"`
	AvgQuality   float64                            `json:"avg_quality"`
	RecentErrors []string                           `json:"recent_errors,omitempty"`
	Complete     bool                               `json:"complete"`
}

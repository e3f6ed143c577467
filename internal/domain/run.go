package domain

import "time"

// Run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Run records one invocation of the report generator.
type Run struct {
	ID          string
	Tag         string
	OutputPath  string
	Status      string
	Projects    int
	Completed   int
	Components  int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// RunStatusUpdate finalizes a run.
type RunStatusUpdate struct {
	RunID       string
	Status      string
	Completed   int
	Components  int
	Error       string
	CompletedAt time.Time
}

// ProjectOutcome is the terminal result of one project within a run.
type ProjectOutcome struct {
	RunID      string
	ProjectID  string
	Name       string
	Branch     string
	State      JobState
	Polls      int
	Progress   int
	Components int
	Error      string
	Duration   time.Duration
	FinishedAt time.Time
}

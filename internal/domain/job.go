package domain

// JobState is a generation job's position in its lifecycle.
type JobState string

const (
	JobSubmitted JobState = "submitted"
	JobPolling   JobState = "polling"
	JobComplete  JobState = "complete"
	JobTimedOut  JobState = "timed_out"
	JobFailed    JobState = "failed"
	// JobCached marks a project served from the artifact cache without a generation job.
	JobCached JobState = "cached"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	switch s {
	case JobComplete, JobTimedOut, JobFailed, JobCached:
		return true
	default:
		return false
	}
}

// GenerationJob is the in-memory state of one bible generation.
type GenerationJob struct {
	ProjectID  string
	Token      string
	Progress   int
	StallCount int
	Polls      int
	State      JobState
}

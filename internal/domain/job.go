package domain

import "time"

type JobKind string

const (
	JobKindConvert   JobKind = "convert"
	JobKindTrim      JobKind = "trim"
	JobKindMerge     JobKind = "merge"
	JobKindFilter    JobKind = "filter"
	JobKindThumbnail JobKind = "thumbnail"
)

type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobOptions carries the output-shaping parameters of a request.
type JobOptions struct {
	Format   string  `json:"format,omitempty"`
	Start    float64 `json:"start,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Filter   string  `json:"filter,omitempty"`
}

// Job is one tracked media transformation.
type Job struct {
	ID        string
	Kind      JobKind
	Inputs    []string
	Output    string
	Options   JobOptions
	Status    JobStatus
	Progress  int
	Error     string
	CreatedAt time.Time
	EndedAt   *time.Time
}

// FilterKind returns the requested filter variant for filter jobs.
func (j *Job) FilterKind() string {
	if j.Kind != JobKindFilter {
		return ""
	}
	return j.Options.Filter
}

// Clone returns a deep copy safe to hand out of a store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	clone.Inputs = append([]string(nil), j.Inputs...)
	if j.EndedAt != nil {
		endedAt := *j.EndedAt
		clone.EndedAt = &endedAt
	}
	return &clone
}

// ProgressMessage is pushed to observers subscribed to a job.
type ProgressMessage struct {
	Type     string `json:"type"`
	JobID    string `json:"job_id"`
	Progress int    `json:"progress"`
}

const MessageTypeProgress = "progress"

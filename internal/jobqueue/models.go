package jobqueue

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle of one queued job.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// IsTerminal reports whether the job has reached a final state.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCanceled
}

// FailureMode tells the permanent-failure hook how a job's exhaustion should
// land on the owning project.
type FailureMode string

const (
	// FailProject: the project cannot complete without this job.
	FailProject FailureMode = "fail"
	// Degrade: the project completes without this job's output.
	Degrade FailureMode = "degrade"
)

// Job is one unit of pipeline work with optional upstream dependencies.
type Job struct {
	ID                     string
	ProjectID              string
	Stage                  string
	Payload                json.RawMessage
	Status                 Status
	DependsOn              []string
	AllowDependencyFailure bool
	FailureMode            FailureMode
	Attempts               int
	MaxAttempts            int
	BackoffSeconds         []int
	TimeoutSeconds         int
	RunAt                  time.Time
	StartedAt              *time.Time
	FinishedAt             *time.Time
	LastHeartbeat          *time.Time
	ErrorMessage           string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Timeout returns the per-attempt execution budget, zero meaning none.
func (j *Job) Timeout() time.Duration {
	if j == nil || j.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// backoffDelay returns the wait before the given retry attempt (1-based). The
// last configured backoff repeats when attempts outnumber the entries.
func (j *Job) backoffDelay(attempt int) time.Duration {
	if len(j.BackoffSeconds) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(j.BackoffSeconds) {
		idx = len(j.BackoffSeconds) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return time.Duration(j.BackoffSeconds[idx]) * time.Second
}

// NewJob carries the inputs for enqueueing one job.
type NewJob struct {
	ProjectID              string
	Stage                  string
	Payload                any
	DependsOn              []string
	AllowDependencyFailure bool
	FailureMode            FailureMode
	MaxAttempts            int
	BackoffSeconds         []int
	TimeoutSeconds         int
}

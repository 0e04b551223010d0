// Package jobqueue provides the SQLite-backed dependency-aware job queue
// driving the processing pipeline. Jobs become runnable once every upstream
// dependency has finished; failed or canceled dependencies cancel their
// dependents unless the dependent opts in to running anyway.
package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"memoir/internal/store"
)

// Queue persists and fetches jobs. Scheduling lives in Scheduler.
type Queue struct {
	db  *sql.DB
	now func() time.Time
}

// NewQueue builds a Queue on the store's connection pool.
func NewQueue(st *store.Store) *Queue {
	return &Queue{db: st.DB(), now: time.Now}
}

// NewJobID mints a job identifier. Exposed so callers can pre-wire dependency
// graphs before enqueueing.
func NewJobID() string {
	return uuid.NewString()
}

// Enqueue inserts a single job under a fresh id.
func (q *Queue) Enqueue(ctx context.Context, nj NewJob) (*Job, error) {
	id := NewJobID()
	jobs, err := q.EnqueueGraph(ctx, []GraphEntry{{ID: id, Spec: nj}})
	if err != nil {
		return nil, err
	}
	return jobs[0], nil
}

// GraphEntry pairs a caller-minted id with its job spec so DependsOn edges
// can reference ids within the same batch.
type GraphEntry struct {
	ID   string
	Spec NewJob
}

// EnqueueGraph inserts a batch of jobs in one transaction so a dependency
// graph lands atomically.
func (q *Queue) EnqueueGraph(ctx context.Context, entries []GraphEntry) ([]*Job, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := q.now().UTC()
	timestamp := formatTime(now)
	jobs := make([]*Job, 0, len(entries))
	for _, entry := range entries {
		nj := entry.Spec
		if entry.ID == "" || nj.ProjectID == "" || nj.Stage == "" {
			return nil, errors.New("enqueue: id, project id and stage are required")
		}
		job := &Job{
			ID:                     entry.ID,
			ProjectID:              nj.ProjectID,
			Stage:                  nj.Stage,
			Status:                 StatusPending,
			DependsOn:              nj.DependsOn,
			AllowDependencyFailure: nj.AllowDependencyFailure,
			FailureMode:            nj.FailureMode,
			MaxAttempts:            nj.MaxAttempts,
			BackoffSeconds:         nj.BackoffSeconds,
			TimeoutSeconds:         nj.TimeoutSeconds,
			RunAt:                  now,
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		if job.FailureMode == "" {
			job.FailureMode = FailProject
		}
		if job.MaxAttempts <= 0 {
			job.MaxAttempts = 1
		}

		payload := []byte("{}")
		if nj.Payload != nil {
			payload, err = json.Marshal(nj.Payload)
			if err != nil {
				return nil, fmt.Errorf("encode payload for %s: %w", nj.Stage, err)
			}
		}
		job.Payload = payload

		deps, err := json.Marshal(depsOrEmpty(nj.DependsOn))
		if err != nil {
			return nil, fmt.Errorf("encode dependencies: %w", err)
		}
		backoff, err := json.Marshal(backoffOrEmpty(nj.BackoffSeconds))
		if err != nil {
			return nil, fmt.Errorf("encode backoff: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (
                id, project_id, stage, payload_json, status, depends_on,
                allow_dep_failure, failure_mode, attempts, max_attempts,
                backoff_json, timeout_seconds, run_at, created_at, updated_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.ProjectID, job.Stage, string(payload), job.Status,
			string(deps), boolToInt(job.AllowDependencyFailure), job.FailureMode,
			job.MaxAttempts, string(backoff), job.TimeoutSeconds,
			timestamp, timestamp, timestamp); err != nil {
			return nil, fmt.Errorf("insert job %s: %w", nj.Stage, err)
		}
		jobs = append(jobs, job)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enqueue: %w", err)
	}
	return jobs, nil
}

const jobColumns = `id, project_id, stage, payload_json, status, depends_on,
    allow_dep_failure, failure_mode, attempts, max_attempts, backoff_json,
    timeout_seconds, run_at, started_at, finished_at, last_heartbeat,
    error_message, created_at, updated_at`

// Job fetches one job by id. Returns nil when absent.
func (q *Queue) Job(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// JobsByProject returns all of a project's jobs, oldest first.
func (q *Queue) JobsByProject(ctx context.Context, projectID string) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE project_id = ? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query project jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		job          Job
		payloadRaw   string
		statusStr    string
		depsRaw      string
		allowDep     int
		modeStr      string
		backoffRaw   string
		runAtRaw     string
		startedRaw   sql.NullString
		finishedRaw  sql.NullString
		heartbeatRaw sql.NullString
		errorMsg     sql.NullString
		createdRaw   string
		updatedRaw   string
	)
	if err := scanner.Scan(
		&job.ID, &job.ProjectID, &job.Stage, &payloadRaw, &statusStr, &depsRaw,
		&allowDep, &modeStr, &job.Attempts, &job.MaxAttempts, &backoffRaw,
		&job.TimeoutSeconds, &runAtRaw, &startedRaw, &finishedRaw, &heartbeatRaw,
		&errorMsg, &createdRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}

	job.Payload = json.RawMessage(payloadRaw)
	job.Status = Status(statusStr)
	job.AllowDependencyFailure = allowDep != 0
	job.FailureMode = FailureMode(modeStr)
	job.ErrorMessage = errorMsg.String
	if err := json.Unmarshal([]byte(depsRaw), &job.DependsOn); err != nil {
		return nil, fmt.Errorf("decode dependencies: %w", err)
	}
	if err := json.Unmarshal([]byte(backoffRaw), &job.BackoffSeconds); err != nil {
		return nil, fmt.Errorf("decode backoff: %w", err)
	}
	if t, err := parseTime(runAtRaw); err == nil {
		job.RunAt = t
	}
	if startedRaw.Valid {
		if t, err := parseTime(startedRaw.String); err == nil {
			job.StartedAt = &t
		}
	}
	if finishedRaw.Valid {
		if t, err := parseTime(finishedRaw.String); err == nil {
			job.FinishedAt = &t
		}
	}
	if heartbeatRaw.Valid {
		if t, err := parseTime(heartbeatRaw.String); err == nil {
			job.LastHeartbeat = &t
		}
	}
	if t, err := parseTime(createdRaw); err == nil {
		job.CreatedAt = t
	}
	if t, err := parseTime(updatedRaw); err == nil {
		job.UpdatedAt = t
	}
	return &job, nil
}

func depsOrEmpty(deps []string) []string {
	if deps == nil {
		return []string{}
	}
	return deps
}

func backoffOrEmpty(backoff []int) []int {
	if backoff == nil {
		return []int{}
	}
	return backoff
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

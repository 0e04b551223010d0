package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const stateColumns = `p.id, p.user_id, p.title, p.participant, p.status,
    ps.stylize_photos, ps.recording_started_at, ps.recording_limit_seconds,
    ps.stopped_at, ps.recorded_seconds,
    ps.ingest_duration_ms, ps.ingest_bytes, ps.last_seq,
    ps.segments_total, ps.segments_done, ps.photos_total, ps.photos_done,
    ps.jobs_json, ps.metrics_json, ps.transcript`

// LoadState returns the project's processing state, served from the TTL cache
// when fresh. Returns nil when the project does not exist.
func (s *Store) LoadState(ctx context.Context, projectID string) (*State, error) {
	if cached, ok := s.cache.get(projectID); ok {
		return cached, nil
	}
	state, err := s.loadState(ensureContext(ctx), s.db, projectID)
	if err != nil {
		return nil, err
	}
	if state != nil {
		s.cache.set(projectID, state)
	}
	return state, nil
}

// LoadStateFresh bypasses the cache. Handlers that are about to make a
// decision on counters (finalize reading segments_done) use this.
func (s *Store) LoadStateFresh(ctx context.Context, projectID string) (*State, error) {
	state, err := s.loadState(ensureContext(ctx), s.db, projectID)
	if err != nil {
		return nil, err
	}
	if state != nil {
		s.cache.set(projectID, state)
	}
	return state, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) loadState(ctx context.Context, q querier, projectID string) (*State, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+stateColumns+`
         FROM projects p
         JOIN project_state ps ON ps.project_id = p.id
         WHERE p.id = ?`, projectID)

	var (
		state        State
		statusStr    string
		stylize      int
		startedRaw   string
		limitSeconds sql.NullInt64
		stoppedRaw   sql.NullString
		jobsRaw      string
		metricsRaw   sql.NullString
	)
	err := row.Scan(
		&state.ProjectID,
		&state.UserID,
		&state.Title,
		&state.Participant,
		&statusStr,
		&stylize,
		&startedRaw,
		&limitSeconds,
		&stoppedRaw,
		&state.RecordedSeconds,
		&state.IngestDurationMS,
		&state.IngestBytes,
		&state.LastSeq,
		&state.SegmentsTotal,
		&state.SegmentsDone,
		&state.PhotosTotal,
		&state.PhotosDone,
		&jobsRaw,
		&metricsRaw,
		&state.Transcript,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load project state: %w", err)
	}

	state.Status = Status(statusStr)
	state.StylizePhotos = stylize != 0
	if started, parseErr := parseTimeString(startedRaw); parseErr == nil {
		state.RecordingStartedAt = started
	}
	if limitSeconds.Valid {
		v := limitSeconds.Int64
		state.RecordingLimitSeconds = &v
	}
	if stoppedRaw.Valid {
		if stopped, parseErr := parseTimeString(stoppedRaw.String); parseErr == nil {
			state.StoppedAt = &stopped
		}
	}
	state.Jobs = JobMap{}
	if jobsRaw != "" {
		if err := json.Unmarshal([]byte(jobsRaw), &state.Jobs); err != nil {
			return nil, fmt.Errorf("decode jobs map: %w", err)
		}
	}
	if metricsRaw.Valid && metricsRaw.String != "" {
		var metrics Metrics
		if err := json.Unmarshal([]byte(metricsRaw.String), &metrics); err != nil {
			return nil, fmt.Errorf("decode metrics: %w", err)
		}
		state.Metrics = &metrics
	}
	return &state, nil
}

// StateUpdate carries optional field overwrites for UpdateFields. Nil fields
// are left untouched.
type StateUpdate struct {
	StylizePhotos *bool
	Transcript    *string
	Metrics       *Metrics
}

// UpdateFields overwrites the provided state fields. Returns false when the
// project does not exist.
func (s *Store) UpdateFields(ctx context.Context, projectID string, update StateUpdate) (bool, error) {
	setClauses := ""
	var args []any
	appendClause := func(clause string, value any) {
		if setClauses != "" {
			setClauses += ", "
		}
		setClauses += clause
		args = append(args, value)
	}
	if update.StylizePhotos != nil {
		appendClause("stylize_photos = ?", boolToInt(*update.StylizePhotos))
	}
	if update.Transcript != nil {
		appendClause("transcript = ?", *update.Transcript)
	}
	if update.Metrics != nil {
		encoded, err := json.Marshal(update.Metrics)
		if err != nil {
			return false, fmt.Errorf("encode metrics: %w", err)
		}
		appendClause("metrics_json = ?", string(encoded))
	}
	if setClauses == "" {
		state, err := s.LoadState(ctx, projectID)
		return state != nil, err
	}

	args = append(args, projectID)
	res, err := s.execWithRetry(ctx, `UPDATE project_state SET `+setClauses+` WHERE project_id = ?`, args...)
	if err != nil {
		return false, fmt.Errorf("update state fields: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	s.cache.invalidate(projectID)
	return affected > 0, nil
}

// MarkStopped records the end of the recording phase. Idempotent: a second
// call leaves the original stopped_at in place.
func (s *Store) MarkStopped(ctx context.Context, projectID string, stoppedAt time.Time, recordedSeconds int64) error {
	_, err := s.execWithRetry(ctx,
		`UPDATE project_state
         SET stopped_at = COALESCE(stopped_at, ?),
             recorded_seconds = MAX(recorded_seconds, ?)
         WHERE project_id = ?`,
		formatTime(stoppedAt), recordedSeconds, projectID)
	if err != nil {
		return fmt.Errorf("mark stopped: %w", err)
	}
	s.cache.invalidate(projectID)
	return nil
}

// SetProcessingJobs replaces the job bookkeeping map wholesale.
func (s *Store) SetProcessingJobs(ctx context.Context, projectID string, jobs JobMap) error {
	if jobs == nil {
		jobs = JobMap{}
	}
	encoded, err := json.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("encode jobs map: %w", err)
	}
	if _, err := s.execWithRetry(ctx,
		`UPDATE project_state SET jobs_json = ? WHERE project_id = ?`,
		string(encoded), projectID); err != nil {
		return fmt.Errorf("set processing jobs: %w", err)
	}
	s.cache.invalidate(projectID)
	return nil
}

// MergeProcessingJobs merges entries into the stored job map inside one
// transaction, so concurrent merges for different stages both land.
func (s *Store) MergeProcessingJobs(ctx context.Context, projectID string, entries JobMap) error {
	if len(entries) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT jobs_json FROM project_state WHERE project_id = ?`, projectID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read jobs map: %w", err)
		}
		jobs := JobMap{}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &jobs); err != nil {
				return fmt.Errorf("decode jobs map: %w", err)
			}
		}
		for stage, jobID := range entries {
			jobs[stage] = jobID
		}
		encoded, err := json.Marshal(jobs)
		if err != nil {
			return fmt.Errorf("encode jobs map: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE project_state SET jobs_json = ? WHERE project_id = ?`,
			string(encoded), projectID); err != nil {
			return fmt.Errorf("write jobs map: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.cache.invalidate(projectID)
	return nil
}

// SetProgressTotals resets the progress denominators when the segment plan or
// photo set is (re)established.
func (s *Store) SetProgressTotals(ctx context.Context, projectID string, segmentsTotal, photosTotal int64) error {
	if _, err := s.execWithRetry(ctx,
		`UPDATE project_state SET segments_total = ?, photos_total = ? WHERE project_id = ?`,
		segmentsTotal, photosTotal, projectID); err != nil {
		return fmt.Errorf("set progress totals: %w", err)
	}
	s.cache.invalidate(projectID)
	return nil
}

// Snapshot is read via LoadState; progress counters move only through the
// idempotent per-row mutations in segments.go and photos.go, never through a
// read-modify-write here.

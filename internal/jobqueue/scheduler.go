package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"memoir/internal/config"
	"memoir/internal/logging"
	"memoir/internal/services"
	"memoir/internal/store"
)

// Handler executes one job attempt. Returning nil marks the job done; a
// services.ErrNotFound-tagged error also counts as done (the subject vanished
// mid-flight). Retryable errors reschedule until the attempt budget runs out.
type Handler func(ctx context.Context, job *Job) error

// FailureHook observes a job that exhausted its retries or failed
// permanently. The pipeline uses it to move projects to error or record
// degraded completion.
type FailureHook func(ctx context.Context, job *Job, cause error)

// CancelHook observes a job canceled because an upstream dependency failed
// or was itself canceled.
type CancelHook func(ctx context.Context, job *Job, reason string)

// Scheduler runs a worker pool over the queue: claiming runnable jobs,
// evaluating dependencies, heartbeating long attempts, and reclaiming work
// from dead workers.
type Scheduler struct {
	queue  *Queue
	logger *slog.Logger

	workers            int
	pollInterval       time.Duration
	errorRetryInterval time.Duration
	heartbeatInterval  time.Duration
	heartbeatTimeout   time.Duration

	handlers  map[string]Handler
	onFailure FailureHook
	onCancel  CancelHook

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	wake    chan struct{}
	now     func() time.Time
}

// NewScheduler builds a Scheduler from workflow configuration.
func NewScheduler(queue *Queue, cfg *config.Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	workers := cfg.Workflow.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Scheduler{
		queue:              queue,
		logger:             logger.With(logging.String(logging.FieldComponent, "jobqueue")),
		workers:            workers,
		pollInterval:       time.Duration(cfg.Workflow.PollInterval) * time.Second,
		errorRetryInterval: time.Duration(cfg.Workflow.ErrorRetryInterval) * time.Second,
		heartbeatInterval:  time.Duration(cfg.Workflow.HeartbeatInterval) * time.Second,
		heartbeatTimeout:   time.Duration(cfg.Workflow.HeartbeatTimeout) * time.Second,
		handlers:           make(map[string]Handler),
		wake:               make(chan struct{}, 1),
		now:                time.Now,
	}
}

// Register installs the handler for a stage. Must be called before Start.
func (s *Scheduler) Register(stage string, handler Handler) {
	s.handlers[stage] = handler
}

// OnPermanentFailure installs the permanent-failure hook.
func (s *Scheduler) OnPermanentFailure(hook FailureHook) {
	s.onFailure = hook
}

// OnCancel installs the cancellation hook.
func (s *Scheduler) OnCancel(hook CancelHook) {
	s.onCancel = hook
}

// Start launches the worker pool.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}
	if len(s.handlers) == 0 {
		return errors.New("scheduler has no registered handlers")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.wg.Add(s.workers)
	for i := 0; i < s.workers; i++ {
		go s.runWorker(runCtx, i)
	}
	return nil
}

// Stop terminates the pool and waits for in-flight attempts to unwind.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

// Kick wakes one idle worker immediately instead of waiting out the poll
// interval. Called after enqueueing.
func (s *Scheduler) Kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) runWorker(ctx context.Context, index int) {
	defer s.wg.Done()
	logger := s.logger.With(logging.Int("worker", index))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if index == 0 {
			if err := s.reclaimStale(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("reclaim stale jobs failed; stuck jobs may remain",
					logging.Error(err),
					logging.String(logging.FieldEventType, "job_reclaim_failed"),
					logging.String(logging.FieldErrorHint, "check queue database access"),
				)
			}
		}

		job, err := s.claimNext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("failed to claim next job",
				logging.Error(err),
				logging.String(logging.FieldEventType, "job_claim_failed"),
			)
			s.waitOrShutdown(ctx, s.errorRetryInterval)
			continue
		}
		if job == nil {
			s.waitOrShutdown(ctx, s.pollInterval)
			continue
		}

		s.runJob(ctx, logger, job)
	}
}

func (s *Scheduler) waitOrShutdown(ctx context.Context, wait time.Duration) {
	if wait <= 0 {
		wait = time.Second
	}
	select {
	case <-ctx.Done():
	case <-s.wake:
	case <-time.After(wait):
	}
}

// claimNext scans runnable pending jobs inside one transaction: jobs whose
// dependencies all finished get claimed; jobs with a failed or canceled
// dependency (absent an opt-in) get canceled on the spot, which cascades to
// their own dependents on later scans. The transaction starts deferred and
// upgrades at the first UPDATE, so a lost upgrade race returns SQLITE_BUSY;
// the whole scan retries from a fresh read in that case.
func (s *Scheduler) claimNext(ctx context.Context) (*Job, error) {
	var (
		claimed  *Job
		canceled []*Job
	)
	if err := store.RetryOnBusy(ctx, func() error {
		claimed, canceled = nil, nil
		return s.claimNextTx(ctx, &claimed, &canceled)
	}); err != nil {
		return nil, err
	}

	for _, job := range canceled {
		s.logger.Info("job canceled by failed dependency",
			logging.String(logging.FieldProjectID, job.ProjectID),
			logging.String(logging.FieldStage, job.Stage),
			logging.String(logging.FieldJobID, job.ID),
		)
		if s.onCancel != nil {
			s.onCancel(ctx, job, job.ErrorMessage)
		}
	}
	return claimed, nil
}

func (s *Scheduler) claimNextTx(ctx context.Context, claimed **Job, canceled *[]*Job) error {
	tx, err := s.queue.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
         WHERE status = ? AND run_at <= ?
         ORDER BY run_at, created_at LIMIT 50`,
		StatusPending, formatTime(now))
	if err != nil {
		return fmt.Errorf("query pending jobs: %w", err)
	}
	var candidates []*Job
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			rows.Close()
			return scanErr
		}
		candidates = append(candidates, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, job := range candidates {
		verdict, reason, err := s.evaluateDeps(ctx, tx, job)
		if err != nil {
			return err
		}
		switch verdict {
		case depsBlocked:
			continue
		case depsCancel:
			job.Status = StatusCanceled
			job.ErrorMessage = reason
			if _, err := tx.ExecContext(ctx,
				`UPDATE jobs SET status = ?, error_message = ?, finished_at = ?, updated_at = ?
                 WHERE id = ? AND status = ?`,
				StatusCanceled, reason, formatTime(now), formatTime(now), job.ID, StatusPending); err != nil {
				return fmt.Errorf("cancel job %s: %w", job.ID, err)
			}
			*canceled = append(*canceled, job)
		case depsReady:
			res, err := tx.ExecContext(ctx,
				`UPDATE jobs SET status = ?, attempts = attempts + 1, started_at = ?,
                        last_heartbeat = ?, updated_at = ?
                 WHERE id = ? AND status = ?`,
				StatusRunning, formatTime(now), formatTime(now), formatTime(now), job.ID, StatusPending)
			if err != nil {
				return fmt.Errorf("claim job %s: %w", job.ID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 1 {
				job.Status = StatusRunning
				job.Attempts++
				*claimed = job
			}
		}
		if *claimed != nil {
			break
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit claim: %w", err)
	}
	return nil
}

type depVerdict int

const (
	depsReady depVerdict = iota
	depsBlocked
	depsCancel
)

func (s *Scheduler) evaluateDeps(ctx context.Context, tx *sql.Tx, job *Job) (depVerdict, string, error) {
	if len(job.DependsOn) == 0 {
		return depsReady, "", nil
	}
	for _, depID := range job.DependsOn {
		var statusStr string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM jobs WHERE id = ?`, depID).Scan(&statusStr)
		if errors.Is(err, sql.ErrNoRows) {
			return depsCancel, "dependency " + depID + " no longer exists", nil
		}
		if err != nil {
			return depsBlocked, "", fmt.Errorf("read dependency %s: %w", depID, err)
		}
		switch Status(statusStr) {
		case StatusDone:
		case StatusCanceled:
			return depsCancel, "dependency " + depID + " was canceled", nil
		case StatusFailed:
			if !job.AllowDependencyFailure {
				return depsCancel, "dependency " + depID + " failed", nil
			}
		default:
			return depsBlocked, "", nil
		}
	}
	return depsReady, "", nil
}

func (s *Scheduler) runJob(ctx context.Context, logger *slog.Logger, job *Job) {
	handler, ok := s.handlers[job.Stage]
	if !ok {
		s.finishJob(ctx, logger, job, services.Wrap(services.ErrConfiguration,
			job.Stage, "dispatch", "no handler registered", nil))
		return
	}

	jobCtx := services.WithProjectID(ctx, job.ProjectID)
	jobCtx = services.WithStage(jobCtx, job.Stage)
	jobCtx = services.WithJobID(jobCtx, job.ID)
	var cancel context.CancelFunc
	if timeout := job.Timeout(); timeout > 0 {
		jobCtx, cancel = context.WithTimeout(jobCtx, timeout)
	} else {
		jobCtx, cancel = context.WithCancel(jobCtx)
	}
	defer cancel()

	heartbeatDone := make(chan struct{})
	go s.heartbeatLoop(jobCtx, job.ID, heartbeatDone)

	logger.Info("job started",
		logging.String(logging.FieldProjectID, job.ProjectID),
		logging.String(logging.FieldStage, job.Stage),
		logging.String(logging.FieldJobID, job.ID),
		logging.Int("attempt", job.Attempts),
	)
	start := s.now()
	err := handler(jobCtx, job)
	cancel()
	<-heartbeatDone

	if err != nil && jobCtx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
		err = services.Wrap(services.ErrTransient, job.Stage, "run",
			fmt.Sprintf("attempt timed out after %s", job.Timeout()), err)
	}
	logger.Info("job finished",
		logging.String(logging.FieldStage, job.Stage),
		logging.String(logging.FieldJobID, job.ID),
		logging.Duration("elapsed", s.now().Sub(start)),
		logging.Bool("success", err == nil),
	)
	s.finishJob(ctx, logger, job, err)
}

func (s *Scheduler) heartbeatLoop(ctx context.Context, jobID string, done chan<- struct{}) {
	defer close(done)
	if s.heartbeatInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.queue.db.ExecContext(ctx,
				`UPDATE jobs SET last_heartbeat = ? WHERE id = ? AND status = ?`,
				formatTime(s.now()), jobID, StatusRunning); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("heartbeat update failed", logging.Error(err),
					logging.String(logging.FieldJobID, jobID))
			}
		}
	}
}

// finishJob records the attempt outcome. Shutdown cancellation puts the job
// back to pending so another worker (or the next daemon run) picks it up
// without burning an attempt.
func (s *Scheduler) finishJob(ctx context.Context, logger *slog.Logger, job *Job, cause error) {
	now := formatTime(s.now())
	writeCtx := context.WithoutCancel(ctx)

	switch {
	case cause == nil, services.IsNoOp(cause):
		if _, err := s.queue.db.ExecContext(writeCtx,
			`UPDATE jobs SET status = ?, finished_at = ?, error_message = NULL, updated_at = ?
             WHERE id = ?`,
			StatusDone, now, now, job.ID); err != nil {
			logger.Error("failed to mark job done", logging.Error(err),
				logging.String(logging.FieldJobID, job.ID))
		}

	case errors.Is(cause, context.Canceled) && ctx.Err() != nil:
		if _, err := s.queue.db.ExecContext(writeCtx,
			`UPDATE jobs SET status = ?, attempts = attempts - 1, started_at = NULL,
                    last_heartbeat = NULL, updated_at = ?
             WHERE id = ?`,
			StatusPending, now, job.ID); err != nil {
			logger.Error("failed to requeue job on shutdown", logging.Error(err),
				logging.String(logging.FieldJobID, job.ID))
		}

	case services.IsRetryable(cause) && job.Attempts < job.MaxAttempts:
		delay := job.backoffDelay(job.Attempts)
		runAt := formatTime(s.now().Add(delay))
		if _, err := s.queue.db.ExecContext(writeCtx,
			`UPDATE jobs SET status = ?, run_at = ?, error_message = ?, updated_at = ?
             WHERE id = ?`,
			StatusPending, runAt, truncateError(cause), now, job.ID); err != nil {
			logger.Error("failed to reschedule job", logging.Error(err),
				logging.String(logging.FieldJobID, job.ID))
			return
		}
		logger.Warn("job attempt failed; rescheduled",
			logging.String(logging.FieldStage, job.Stage),
			logging.String(logging.FieldJobID, job.ID),
			logging.Int("attempt", job.Attempts),
			logging.Int("max_attempts", job.MaxAttempts),
			logging.Duration("backoff", delay),
			logging.Error(cause),
		)

	default:
		if _, err := s.queue.db.ExecContext(writeCtx,
			`UPDATE jobs SET status = ?, finished_at = ?, error_message = ?, updated_at = ?
             WHERE id = ?`,
			StatusFailed, now, truncateError(cause), now, job.ID); err != nil {
			logger.Error("failed to mark job failed", logging.Error(err),
				logging.String(logging.FieldJobID, job.ID))
		}
		logger.Error("job failed permanently",
			logging.String(logging.FieldProjectID, job.ProjectID),
			logging.String(logging.FieldStage, job.Stage),
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(cause),
		)
		job.Status = StatusFailed
		if s.onFailure != nil {
			s.onFailure(writeCtx, job, cause)
		}
	}
}

// reclaimStale returns running jobs whose workers stopped heartbeating to the
// pending pool.
func (s *Scheduler) reclaimStale(ctx context.Context) error {
	if s.heartbeatTimeout <= 0 {
		return nil
	}
	cutoff := formatTime(s.now().Add(-s.heartbeatTimeout))
	res, err := s.queue.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = NULL, last_heartbeat = NULL, updated_at = ?
         WHERE status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		StatusPending, formatTime(s.now()), StatusRunning, cutoff)
	if err != nil {
		return err
	}
	if reclaimed, err := res.RowsAffected(); err == nil && reclaimed > 0 {
		s.logger.Info("reclaimed stale jobs", logging.Int64("count", reclaimed))
	}
	return nil
}

func truncateError(err error) string {
	msg := err.Error()
	const limit = 2000
	if len(msg) > limit {
		msg = msg[:limit]
	}
	return strings.ToValidUTF8(msg, "")
}

// DecodePayload unmarshals a job payload into out.
func DecodePayload(job *Job, out any) error {
	if len(job.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(job.Payload, out); err != nil {
		return services.Wrap(services.ErrValidation, job.Stage, "decode_payload", "", err)
	}
	return nil
}

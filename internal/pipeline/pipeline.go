// Package pipeline orchestrates processing of a finished recording: assemble
// audio, transcribe segments, stylize photos, and generate the final script.
// The stages run as queue jobs with a dependency graph of
// prepare -> {transcribe xN, stylize xM} -> finalize.
package pipeline

import (
	"context"
	"log/slog"

	"memoir/internal/blob"
	"memoir/internal/config"
	"memoir/internal/jobqueue"
	"memoir/internal/logging"
	"memoir/internal/media"
	"memoir/internal/quota"
	"memoir/internal/services"
	"memoir/internal/services/script"
	"memoir/internal/services/stt"
	"memoir/internal/services/stylize"
	"memoir/internal/store"
)

// Stage names used for jobs and job-map bookkeeping.
const (
	StagePrepare    = "prepare"
	StageTranscribe = "transcribe"
	StageStylize    = "stylize"
	StageFinalize   = "finalize"
)

// Pipeline wires the stage handlers into the scheduler and drives project
// status transitions.
type Pipeline struct {
	cfg      *config.Config
	store    *store.Store
	queue    *jobqueue.Queue
	sched    *jobqueue.Scheduler
	blobs    blob.Store
	media    media.Processor
	stt      stt.Transcriber
	stylizer stylize.Stylizer
	scripts  script.Generator
	quota    *quota.Manager
	logger   *slog.Logger
}

// Deps bundles the pipeline's collaborators. Stylizer and Scripts may be nil;
// the affected stages then degrade rather than fail.
type Deps struct {
	Config   *config.Config
	Store    *store.Store
	Queue    *jobqueue.Queue
	Sched    *jobqueue.Scheduler
	Blobs    blob.Store
	Media    media.Processor
	STT      stt.Transcriber
	Stylizer stylize.Stylizer
	Scripts  script.Generator
	Quota    *quota.Manager
	Logger   *slog.Logger
}

// New builds the pipeline and registers its handlers and hooks on the
// scheduler.
func New(deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	p := &Pipeline{
		cfg:      deps.Config,
		store:    deps.Store,
		queue:    deps.Queue,
		sched:    deps.Sched,
		blobs:    deps.Blobs,
		media:    deps.Media,
		stt:      deps.STT,
		stylizer: deps.Stylizer,
		scripts:  deps.Scripts,
		quota:    deps.Quota,
		logger:   logger.With(logging.String(logging.FieldComponent, "pipeline")),
	}

	p.sched.Register(StagePrepare, p.handlePrepare)
	p.sched.Register(StageTranscribe, p.handleTranscribe)
	p.sched.Register(StageStylize, p.handleStylize)
	p.sched.Register(StageFinalize, p.handleFinalize)
	p.sched.OnPermanentFailure(p.onPermanentFailure)
	p.sched.OnCancel(p.onCancel)
	return p
}

// EnqueueProcessing moves a stopped project into the queue: status becomes
// queued and the prepare job is inserted. The rest of the graph is enqueued
// by prepare once the segment plan exists.
func (p *Pipeline) EnqueueProcessing(ctx context.Context, projectID string) error {
	state, err := p.store.LoadStateFresh(ctx, projectID)
	if err != nil {
		return err
	}
	if state == nil {
		return services.Wrap(services.ErrNotFound, StagePrepare, "enqueue", "project "+projectID, nil)
	}
	if !state.Stopped() {
		return services.Wrap(services.ErrValidation, StagePrepare, "enqueue",
			"recording still in progress", nil)
	}
	if state.Status != store.StatusRecording {
		// Stop is idempotent; a second call finds the project already queued.
		return nil
	}

	if _, err := p.store.UpdateStatus(ctx, projectID, store.StatusQueued, store.StatusUpdate{}); err != nil {
		return err
	}

	retry := p.cfg.Workflow.PrepareRetry
	job, err := p.queue.Enqueue(ctx, jobqueue.NewJob{
		ProjectID:      projectID,
		Stage:          StagePrepare,
		FailureMode:    jobqueue.FailProject,
		MaxAttempts:    retry.MaxAttempts,
		BackoffSeconds: retry.BackoffSeconds,
		TimeoutSeconds: p.cfg.Workflow.PrepareTimeout,
	})
	if err != nil {
		return err
	}
	if err := p.store.SetProcessingJobs(ctx, projectID, store.JobMap{StagePrepare: job.ID}); err != nil {
		return err
	}

	p.logger.Info("project queued for processing",
		logging.String(logging.FieldProjectID, projectID),
		logging.String(logging.FieldJobID, job.ID),
	)
	p.sched.Kick()
	return nil
}

// onPermanentFailure lands a job's exhaustion on the project according to its
// failure mode: fail-mode stages take the whole project to error, degrade
// stages only leave their artifact missing.
func (p *Pipeline) onPermanentFailure(ctx context.Context, job *jobqueue.Job, cause error) {
	switch job.FailureMode {
	case jobqueue.FailProject:
		message := cause.Error()
		if _, err := p.store.UpdateStatus(ctx, job.ProjectID, store.StatusError, store.StatusUpdate{
			ErrorMessage: &message,
		}); err != nil {
			p.logger.Error("failed to mark project errored",
				logging.String(logging.FieldProjectID, job.ProjectID),
				logging.Error(err),
			)
		}
	case jobqueue.Degrade:
		if job.Stage != StageStylize {
			return
		}
		// The handler released its own reservation on the failed attempt;
		// only the miss itself needs recording here.
		if err := p.store.IncrementStylizeErrors(ctx, job.ProjectID); err != nil {
			p.logger.Warn("failed to count stylize error",
				logging.String(logging.FieldProjectID, job.ProjectID),
				logging.Error(err),
			)
		}
	}
}

// releaseStylize hands back one reserved stylize unit after an attempt that
// did not produce a stylized photo.
func (p *Pipeline) releaseStylize(ctx context.Context, userID, projectID string) {
	if p.quota == nil {
		return
	}
	if err := p.quota.ReleaseStylize(ctx, userID, 1); err != nil {
		p.logger.Warn("failed to release stylize quota",
			logging.String(logging.FieldProjectID, projectID),
			logging.Error(err),
		)
	}
}

// onCancel reacts to dependency-driven cancellation. Degrade-mode stages need
// nothing; a canceled finalize means an upstream fail-mode stage already
// errored the project, so only log it.
func (p *Pipeline) onCancel(ctx context.Context, job *jobqueue.Job, reason string) {
	if job.Stage != StageFinalize {
		return
	}
	p.logger.Warn("finalize canceled",
		logging.String(logging.FieldProjectID, job.ProjectID),
		logging.String("reason", reason),
	)
}

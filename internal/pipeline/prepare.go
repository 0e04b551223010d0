package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"memoir/internal/blob"
	"memoir/internal/jobqueue"
	"memoir/internal/logging"
	"memoir/internal/segments"
	"memoir/internal/services"
	"memoir/internal/store"
)

// handlePrepare assembles the full recording from its chunks, plans the
// segment layout around photo timestamps, slices segment audio, and enqueues
// the rest of the graph. Every step up to the graph enqueue is idempotent, so
// a retried prepare redoes work but never corrupts it.
func (p *Pipeline) handlePrepare(ctx context.Context, job *jobqueue.Job) error {
	state, err := p.store.LoadStateFresh(ctx, job.ProjectID)
	if err != nil {
		return err
	}
	if state == nil {
		return services.Wrap(services.ErrNotFound, StagePrepare, "load_state", "project "+job.ProjectID, nil)
	}
	if _, exists := state.Jobs[StageFinalize]; exists {
		// A previous attempt already enqueued the graph; transcribe jobs may be
		// running against the current plan, so do not re-plan.
		return nil
	}
	repaired, err := p.repairBookkeeping(ctx, job.ProjectID)
	if err != nil {
		return err
	}
	if repaired {
		return nil
	}

	if _, err := p.store.UpdateStatus(ctx, job.ProjectID, store.StatusProcessing, store.StatusUpdate{}); err != nil {
		return err
	}

	recordingPath, durationMS, err := p.assembleRecording(ctx, state)
	if err != nil {
		return err
	}

	photos, err := p.store.PhotosByProject(ctx, job.ProjectID)
	if err != nil {
		return err
	}
	offsets := make([]int64, 0, len(photos))
	for _, photo := range photos {
		offsets = append(offsets, photo.TMS)
	}

	plan, err := segments.Plan(durationMS, offsets)
	if err != nil {
		return err
	}

	segmentsDir := filepath.Join(p.cfg.ProjectDir(job.ProjectID), "segments")
	for i := range plan {
		audioPath := filepath.Join(segmentsDir, plan[i].SegmentID+".wav")
		if err := p.media.ExtractSegment(ctx, recordingPath, plan[i].StartMS, plan[i].EndMS, audioPath); err != nil {
			return err
		}
		plan[i].AudioPath = audioPath
	}

	if err := p.store.ReplaceSegments(ctx, job.ProjectID, plan); err != nil {
		return err
	}

	return p.enqueueGraph(ctx, state, plan, photos)
}

// repairBookkeeping covers a crash between the graph insert and the job-map
// merge: the queue already holds the project's graph but the state row does
// not know it. Rebuilding the map from the queued jobs makes the retried
// prepare a no-op instead of a second graph; re-planning here would reset
// segments that transcribe jobs may already have finished.
func (p *Pipeline) repairBookkeeping(ctx context.Context, projectID string) (bool, error) {
	jobs, err := p.queue.JobsByProject(ctx, projectID)
	if err != nil {
		return false, err
	}
	bookkeeping := store.JobMap{}
	for _, queued := range jobs {
		switch queued.Stage {
		case StageFinalize:
			bookkeeping[StageFinalize] = queued.ID
		case StageTranscribe:
			var payload transcribePayload
			if err := jobqueue.DecodePayload(queued, &payload); err != nil {
				return false, err
			}
			bookkeeping[StageTranscribe+"/"+payload.SegmentID] = queued.ID
		case StageStylize:
			var payload stylizePayload
			if err := jobqueue.DecodePayload(queued, &payload); err != nil {
				return false, err
			}
			bookkeeping[StageStylize+"/"+payload.PhotoID] = queued.ID
		}
	}
	if _, ok := bookkeeping[StageFinalize]; !ok {
		return false, nil
	}
	if err := p.store.MergeProcessingJobs(ctx, projectID, bookkeeping); err != nil {
		return false, err
	}
	p.logger.Warn("rebuilt job bookkeeping from queue",
		logging.String(logging.FieldProjectID, projectID),
		logging.Int("jobs", len(bookkeeping)),
	)
	p.sched.Kick()
	return true, nil
}

// assembleRecording materializes every chunk and concatenates them into the
// normalized WAV the rest of the pipeline reads.
func (p *Pipeline) assembleRecording(ctx context.Context, state *store.State) (string, int64, error) {
	chunks, err := p.store.ChunksByProject(ctx, state.ProjectID)
	if err != nil {
		return "", 0, err
	}
	if len(chunks) == 0 {
		return "", 0, services.Wrap(services.ErrValidation, StagePrepare, "assemble",
			"project has no audio chunks", nil)
	}

	projectDir := p.cfg.ProjectDir(state.ProjectID)
	scratchDir := filepath.Join(projectDir, "scratch")
	paths := make([]string, 0, len(chunks))
	cleanups := make([]func(), 0, len(chunks))
	defer func() {
		for _, cleanup := range cleanups {
			cleanup()
		}
	}()
	for _, chunk := range chunks {
		path, cleanup, err := p.blobs.EnsureLocal(ctx, blob.Ref{
			Backend: chunk.StorageBackend,
			Key:     chunk.StorageRef,
		}, scratchDir)
		cleanups = append(cleanups, cleanup)
		if err != nil {
			return "", 0, err
		}
		paths = append(paths, path)
	}

	recordingPath := filepath.Join(projectDir, "recording.wav")
	if err := p.media.AssembleRecording(ctx, paths, recordingPath); err != nil {
		return "", 0, err
	}

	durationMS := state.IngestDurationMS
	if durationMS <= 0 {
		return "", 0, services.Wrap(services.ErrValidation, StagePrepare, "assemble",
			fmt.Sprintf("recorded duration %dms", durationMS), nil)
	}
	return recordingPath, durationMS, nil
}

// enqueueGraph inserts the fan-out stages plus finalize in one batch.
// Finalize depends on every transcribe and stylize job but runs even when
// they failed; a failed prepare would instead cancel everything downstream.
func (p *Pipeline) enqueueGraph(ctx context.Context, state *store.State, plan []store.Segment, photos []store.Photo) error {
	workflow := p.cfg.Workflow
	entries := make([]jobqueue.GraphEntry, 0, len(plan)+len(photos)+1)
	bookkeeping := store.JobMap{}
	dependencyIDs := make([]string, 0, len(plan)+len(photos))

	for _, seg := range plan {
		id := jobqueue.NewJobID()
		entries = append(entries, jobqueue.GraphEntry{ID: id, Spec: jobqueue.NewJob{
			ProjectID:      state.ProjectID,
			Stage:          StageTranscribe,
			Payload:        transcribePayload{SegmentID: seg.SegmentID},
			FailureMode:    jobqueue.Degrade,
			MaxAttempts:    workflow.TranscribeRetry.MaxAttempts,
			BackoffSeconds: workflow.TranscribeRetry.BackoffSeconds,
			TimeoutSeconds: workflow.TranscribeTimeout,
		}})
		bookkeeping[StageTranscribe+"/"+seg.SegmentID] = id
		dependencyIDs = append(dependencyIDs, id)
	}

	if state.StylizePhotos && p.stylizer != nil {
		for _, photo := range photos {
			if photo.StylizedPath != "" {
				continue
			}
			id := jobqueue.NewJobID()
			entries = append(entries, jobqueue.GraphEntry{ID: id, Spec: jobqueue.NewJob{
				ProjectID:      state.ProjectID,
				Stage:          StageStylize,
				Payload:        stylizePayload{PhotoID: photo.PhotoID},
				FailureMode:    jobqueue.Degrade,
				MaxAttempts:    workflow.StylizeRetry.MaxAttempts,
				BackoffSeconds: workflow.StylizeRetry.BackoffSeconds,
				TimeoutSeconds: workflow.StylizeTimeout,
			}})
			bookkeeping[StageStylize+"/"+photo.PhotoID] = id
			dependencyIDs = append(dependencyIDs, id)
		}
	}

	finalizeID := jobqueue.NewJobID()
	entries = append(entries, jobqueue.GraphEntry{ID: finalizeID, Spec: jobqueue.NewJob{
		ProjectID:              state.ProjectID,
		Stage:                  StageFinalize,
		DependsOn:              dependencyIDs,
		AllowDependencyFailure: true,
		FailureMode:            jobqueue.FailProject,
		MaxAttempts:            workflow.FinalizeRetry.MaxAttempts,
		BackoffSeconds:         workflow.FinalizeRetry.BackoffSeconds,
		TimeoutSeconds:         workflow.FinalizeTimeout,
	}})
	bookkeeping[StageFinalize] = finalizeID

	if _, err := p.queue.EnqueueGraph(ctx, entries); err != nil {
		return err
	}
	if err := p.store.MergeProcessingJobs(ctx, state.ProjectID, bookkeeping); err != nil {
		return err
	}

	p.logger.Info("processing graph enqueued",
		logging.String(logging.FieldProjectID, state.ProjectID),
		logging.Int("segments", len(plan)),
		logging.Int("photos", len(photos)),
	)
	p.sched.Kick()
	return nil
}

type transcribePayload struct {
	SegmentID string `json:"segment_id"`
}

type stylizePayload struct {
	PhotoID string `json:"photo_id"`
}

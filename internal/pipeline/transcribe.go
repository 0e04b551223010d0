package pipeline

import (
	"context"
	"path/filepath"
	"time"

	"memoir/internal/jobqueue"
	"memoir/internal/logging"
	"memoir/internal/services"
	"memoir/internal/store"
)

// handleTranscribe transcribes one segment's audio slice. A segment that is
// already done (earlier attempt landed before a timeout) completes quietly.
func (p *Pipeline) handleTranscribe(ctx context.Context, job *jobqueue.Job) error {
	var payload transcribePayload
	if err := jobqueue.DecodePayload(job, &payload); err != nil {
		return err
	}

	seg, err := p.store.Segment(ctx, job.ProjectID, payload.SegmentID)
	if err != nil {
		return err
	}
	if seg == nil {
		return services.Wrap(services.ErrNotFound, StageTranscribe, "load_segment",
			"segment "+payload.SegmentID, nil)
	}
	if seg.Status == store.SegmentDone {
		return nil
	}
	if seg.AudioPath == "" {
		return services.Wrap(services.ErrValidation, StageTranscribe, "load_segment",
			"segment "+payload.SegmentID+" has no audio", nil)
	}

	workDir := filepath.Join(p.cfg.ProjectDir(job.ProjectID), "transcripts")
	started := time.Now()
	text, err := p.stt.Transcribe(ctx, seg.AudioPath, workDir)
	if err != nil {
		return err
	}
	elapsed := time.Since(started).Milliseconds()

	if _, err := p.store.UpdateSegmentText(ctx, job.ProjectID, payload.SegmentID, text, elapsed); err != nil {
		return err
	}
	p.logger.Debug("segment transcribed",
		logging.String(logging.FieldProjectID, job.ProjectID),
		logging.String("segment_id", payload.SegmentID),
		logging.Int64("millis", elapsed),
	)
	return nil
}

// handleStylize renders the stylized variant of one photo. The first rendition
// wins; a retry that finds the photo already stylized is a no-op. Each attempt
// reserves one quota unit before calling out and releases it again when the
// attempt does not land, so only completed stylizations stay counted. An
// exhausted cap surfaces as services.ErrQuotaExceeded, which is not
// retryable: the job fails permanently and the photo keeps its original.
func (p *Pipeline) handleStylize(ctx context.Context, job *jobqueue.Job) error {
	var payload stylizePayload
	if err := jobqueue.DecodePayload(job, &payload); err != nil {
		return err
	}
	if p.stylizer == nil {
		return services.Wrap(services.ErrConfiguration, StageStylize, "stylize",
			"stylize service not configured", nil)
	}

	photo, err := p.store.Photo(ctx, job.ProjectID, payload.PhotoID)
	if err != nil {
		return err
	}
	if photo == nil {
		return services.Wrap(services.ErrNotFound, StageStylize, "load_photo",
			"photo "+payload.PhotoID, nil)
	}
	if photo.StylizedPath != "" {
		return nil
	}

	state, err := p.store.LoadState(ctx, job.ProjectID)
	if err != nil {
		return err
	}
	if state == nil {
		return services.Wrap(services.ErrNotFound, StageStylize, "load_state",
			"project "+job.ProjectID, nil)
	}
	if p.quota != nil {
		if err := p.quota.ReserveStylize(ctx, state.UserID, 1); err != nil {
			return err
		}
	}

	outputPath := filepath.Join(p.cfg.ProjectDir(job.ProjectID), "photos",
		payload.PhotoID+".stylized.png")
	if err := p.stylizer.Stylize(ctx, photo.OriginalPath, outputPath); err != nil {
		p.releaseStylize(ctx, state.UserID, job.ProjectID)
		return err
	}

	if _, err := p.store.SetPhotoStylized(ctx, job.ProjectID, payload.PhotoID, outputPath); err != nil {
		p.releaseStylize(ctx, state.UserID, job.ProjectID)
		return err
	}
	p.logger.Debug("photo stylized",
		logging.String(logging.FieldProjectID, job.ProjectID),
		logging.String("photo_id", payload.PhotoID),
	)
	return nil
}

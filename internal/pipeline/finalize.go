package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"memoir/internal/jobqueue"
	"memoir/internal/logging"
	"memoir/internal/services"
	"memoir/internal/store"
)

// photoMarker renders the inline anchor finalize and the script model agree
// on.
func photoMarker(photoID string) string {
	return "[[PHOTO:" + photoID + "]]"
}

// handleFinalize assembles the transcript from segment texts and photo
// anchors, generates the narrative script, and lands the project on done.
// Missing segment texts and unstylized photos degrade the output instead of
// failing it; only infrastructure errors (store, filesystem) surface.
func (p *Pipeline) handleFinalize(ctx context.Context, job *jobqueue.Job) error {
	state, err := p.store.LoadStateFresh(ctx, job.ProjectID)
	if err != nil {
		return err
	}
	if state == nil {
		return services.Wrap(services.ErrNotFound, StageFinalize, "load_state", "project "+job.ProjectID, nil)
	}
	if state.Status == store.StatusDone {
		return nil
	}

	segs, err := p.store.SegmentsByProject(ctx, job.ProjectID)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return services.Wrap(services.ErrValidation, StageFinalize, "assemble_transcript",
			"project has no segments", nil)
	}
	photos, err := p.store.PhotosByProject(ctx, job.ProjectID)
	if err != nil {
		return err
	}

	transcript := assembleTranscript(segs, photos)
	if _, err := p.store.UpdateFields(ctx, job.ProjectID, store.StateUpdate{Transcript: &transcript}); err != nil {
		return err
	}

	projectDir := p.cfg.ProjectDir(job.ProjectID)
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return fmt.Errorf("ensure project dir: %w", err)
	}

	scriptText, usage, scriptMillis, degraded := p.generateScript(ctx, state, transcript)

	fallbackPath := filepath.Join(projectDir, "transcript.md")
	if err := os.WriteFile(fallbackPath, []byte(renderDocument(state, transcript, photos)), 0o644); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}

	update := store.StatusUpdate{FallbackFile: &fallbackPath}
	var outputPath string
	if !degraded {
		outputPath = filepath.Join(projectDir, "memoir.md")
		if err := os.WriteFile(outputPath, []byte(renderDocument(state, scriptText, photos)), 0o644); err != nil {
			return fmt.Errorf("write script: %w", err)
		}
		update.OutputFile = &outputPath
		update.Usage = &store.TokenUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		}
	}

	metrics := buildMetrics(state, segs, scriptMillis)
	if _, err := p.store.UpdateFields(ctx, job.ProjectID, store.StateUpdate{Metrics: metrics}); err != nil {
		return err
	}

	if _, err := p.store.UpdateStatus(ctx, job.ProjectID, store.StatusDone, update); err != nil {
		return err
	}

	p.logger.Info("project finalized",
		logging.String(logging.FieldProjectID, job.ProjectID),
		logging.Bool("degraded", degraded),
		logging.Int64("segments_done", metrics.SegmentsDone),
		logging.Int64("photos_done", metrics.PhotosDone),
	)
	return nil
}

// generateScript runs the narrative generation and reports whether the
// project degrades to the raw transcript. Any generation failure degrades;
// finalize itself still succeeds.
func (p *Pipeline) generateScript(ctx context.Context, state *store.State, transcript string) (string, scriptUsage, int64, bool) {
	if p.scripts == nil {
		return "", scriptUsage{}, 0, true
	}
	started := time.Now()
	result, err := p.scripts.Generate(ctx, state.Title, state.Participant, transcript)
	elapsed := time.Since(started).Milliseconds()
	if err != nil {
		p.logger.Warn("script generation failed, falling back to transcript",
			logging.String(logging.FieldProjectID, state.ProjectID),
			logging.Error(err),
		)
		return "", scriptUsage{}, elapsed, true
	}
	return result.Text, scriptUsage{
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		TotalTokens:      result.Usage.TotalTokens,
	}, elapsed, false
}

type scriptUsage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// assembleTranscript joins segment texts in recording order and inserts each
// photo's marker after the segment covering its timestamp. Segments that
// never transcribed contribute an inaudible notice so the narrative keeps its
// shape.
func assembleTranscript(segs []store.Segment, photos []store.Photo) string {
	duration := segs[len(segs)-1].EndMS

	// Photos sorted by timestamp, grouped by covering segment.
	after := make(map[string][]store.Photo)
	var leading, trailing []store.Photo
	for _, photo := range photos {
		switch {
		case photo.TMS <= 0:
			leading = append(leading, photo)
		case photo.TMS > duration:
			trailing = append(trailing, photo)
		default:
			for _, seg := range segs {
				if seg.StartMS < photo.TMS && photo.TMS <= seg.EndMS {
					after[seg.SegmentID] = append(after[seg.SegmentID], photo)
					break
				}
			}
		}
	}

	var parts []string
	for _, photo := range leading {
		parts = append(parts, photoMarker(photo.PhotoID))
	}
	for _, seg := range segs {
		text := strings.TrimSpace(seg.Text)
		if seg.Status != store.SegmentDone || text == "" {
			text = "[inaudible]"
		}
		parts = append(parts, text)
		for _, photo := range after[seg.SegmentID] {
			parts = append(parts, photoMarker(photo.PhotoID))
		}
	}
	for _, photo := range trailing {
		parts = append(parts, photoMarker(photo.PhotoID))
	}
	return strings.Join(parts, "\n\n")
}

// renderDocument turns a marker-bearing narrative into the final markdown:
// title header, then the text with each marker replaced by an image reference.
// The stylized rendition wins when it exists. Markers the script model dropped
// are appended at the end so no photo is lost.
func renderDocument(state *store.State, text string, photos []store.Photo) string {
	var doc strings.Builder
	if state.Title != "" {
		fmt.Fprintf(&doc, "# %s\n\n", state.Title)
	}
	if state.Participant != "" {
		fmt.Fprintf(&doc, "*As told by %s*\n\n", state.Participant)
	}

	var missing []store.Photo
	for _, photo := range photos {
		marker := photoMarker(photo.PhotoID)
		if !strings.Contains(text, marker) {
			missing = append(missing, photo)
			continue
		}
		text = strings.ReplaceAll(text, marker, photoImage(photo))
	}
	doc.WriteString(strings.TrimSpace(text))
	doc.WriteString("\n")

	for _, photo := range missing {
		doc.WriteString("\n" + photoImage(photo) + "\n")
	}
	return doc.String()
}

func photoImage(photo store.Photo) string {
	path := photo.OriginalPath
	if photo.StylizedPath != "" {
		path = photo.StylizedPath
	}
	return fmt.Sprintf("![photo %s](%s)", photo.PhotoID, path)
}

// buildMetrics snapshots the processing outcome for the status API.
func buildMetrics(state *store.State, segs []store.Segment, scriptMillis int64) *store.Metrics {
	metrics := &store.Metrics{
		SegmentsTotal: state.SegmentsTotal,
		SegmentsDone:  state.SegmentsDone,
		PhotosTotal:   state.PhotosTotal,
		PhotosDone:    state.PhotosDone,
		ScriptMillis:  scriptMillis,
	}
	var done int64
	for _, seg := range segs {
		success := seg.Status == store.SegmentDone
		metrics.Segments = append(metrics.Segments, store.SegmentMetric{
			SegmentID: seg.SegmentID,
			Millis:    seg.TranscribeMS,
			Success:   success,
		})
		if success {
			metrics.TranscribeMillis += seg.TranscribeMS
			done++
		}
	}
	if done > 0 {
		metrics.AvgTranscribeMillis = metrics.TranscribeMillis / done
	}
	return metrics
}

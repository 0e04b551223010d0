package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"memoir/internal/blob"
	"memoir/internal/config"
	"memoir/internal/jobqueue"
	"memoir/internal/logging"
	"memoir/internal/pipeline"
	"memoir/internal/quota"
	"memoir/internal/services"
	"memoir/internal/services/script"
	"memoir/internal/store"
	"memoir/internal/testsupport"
)

type fakeMedia struct {
	mu           sync.Mutex
	assembleErrs []error
	assembles    int
	extracts     int
}

func (m *fakeMedia) AssembleRecording(ctx context.Context, chunkPaths []string, outputPath string) error {
	m.mu.Lock()
	m.assembles++
	var err error
	if len(m.assembleErrs) > 0 {
		err = m.assembleErrs[0]
		m.assembleErrs = m.assembleErrs[1:]
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if len(chunkPaths) == 0 {
		return services.Wrap(services.ErrValidation, "media", "assemble", "no chunks", nil)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outputPath, []byte("RIFFfake"), 0o644)
}

func (m *fakeMedia) ExtractSegment(ctx context.Context, sourcePath string, startMS, endMS int64, outputPath string) error {
	m.mu.Lock()
	m.extracts++
	m.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outputPath, []byte(fmt.Sprintf("%d-%d", startMS, endMS)), 0o644)
}

type fakeSTT struct {
	mu   sync.Mutex
	fail map[string]error // keyed by audio file base name
}

func (s *fakeSTT) Transcribe(ctx context.Context, audioPath, workDir string) (string, error) {
	base := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	s.mu.Lock()
	err := s.fail[base]
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "spoken words of " + base, nil
}

type fakeStylizer struct {
	mu   sync.Mutex
	err  error
	runs int
}

func (f *fakeStylizer) Stylize(ctx context.Context, inputPath, outputPath string) error {
	f.mu.Lock()
	f.runs++
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outputPath, []byte("styled"), 0o644)
}

type fakeScripts struct {
	mu  sync.Mutex
	err error
}

func (f *fakeScripts) Generate(ctx context.Context, title, participant, transcript string) (script.Result, error) {
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return script.Result{}, err
	}
	return script.Result{
		Text:  "Polished narrative.\n\n" + transcript,
		Usage: script.Usage{PromptTokens: 100, CompletionTokens: 40, TotalTokens: 140},
	}, nil
}

type pipeFixture struct {
	cfg      *config.Config
	store    *store.Store
	queue    *jobqueue.Queue
	sched    *jobqueue.Scheduler
	blobs    blob.Store
	media    *fakeMedia
	stt      *fakeSTT
	stylizer *fakeStylizer
	scripts  *fakeScripts
	quota    *quota.Manager
	pipe     *pipeline.Pipeline
}

func newPipeFixture(t *testing.T) *pipeFixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Workflow.PrepareRetry.BackoffSeconds = []int{0}
	cfg.Workflow.TranscribeRetry.BackoffSeconds = []int{0}
	cfg.Workflow.StylizeRetry.BackoffSeconds = []int{0}

	st := testsupport.MustOpenStore(t, cfg)
	blobs, err := blob.New(cfg)
	if err != nil {
		t.Fatalf("blob.New: %v", err)
	}
	t.Cleanup(func() { _ = blobs.Close() })

	queue := jobqueue.NewQueue(st)
	sched := jobqueue.NewScheduler(queue, cfg, logging.NewNop())
	f := &pipeFixture{
		cfg:      cfg,
		store:    st,
		queue:    queue,
		sched:    sched,
		blobs:    blobs,
		media:    &fakeMedia{},
		stt:      &fakeSTT{fail: map[string]error{}},
		stylizer: &fakeStylizer{},
		scripts:  &fakeScripts{},
		quota:    quota.NewManager(st, cfg),
	}
	f.pipe = pipeline.New(pipeline.Deps{
		Config:   cfg,
		Store:    st,
		Queue:    queue,
		Sched:    sched,
		Blobs:    blobs,
		Media:    f.media,
		STT:      f.stt,
		Stylizer: f.stylizer,
		Scripts:  f.scripts,
		Quota:    f.quota,
		Logger:   logging.NewNop(),
	})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("scheduler.Start: %v", err)
	}
	t.Cleanup(sched.Stop)
	return f
}

// newStoppedProject builds a project with chunks covering durationMS and
// marks the recording stopped so it is ready for EnqueueProcessing.
func (f *pipeFixture) newStoppedProject(t *testing.T, np store.NewProject, durationMS int64) *store.Project {
	t.Helper()
	ctx := context.Background()
	if err := f.store.EnsureUser(ctx, np.UserID, np.UserID); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	project, err := f.store.CreateProject(ctx, np)
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	const chunkMS = 5000
	var seq, start int64
	for start < durationMS {
		length := int64(chunkMS)
		if start+length > durationMS {
			length = durationMS - start
		}
		payload := []byte(fmt.Sprintf("audio chunk %d", seq))
		ref, err := f.blobs.SaveChunk(ctx, project.ID, seq, payload)
		if err != nil {
			t.Fatalf("SaveChunk: %v", err)
		}
		if err := f.store.AppendIngestChunk(ctx, project.ID, store.Chunk{
			Seq:            seq,
			StartMS:        start,
			DurationMS:     length,
			ByteSize:       int64(len(payload)),
			StorageBackend: ref.Backend,
			StorageRef:     ref.Key,
		}); err != nil {
			t.Fatalf("AppendIngestChunk: %v", err)
		}
		seq++
		start += length
	}

	if err := f.store.MarkStopped(ctx, project.ID, time.Now().UTC(), durationMS/1000); err != nil {
		t.Fatalf("MarkStopped: %v", err)
	}
	return project
}

func (f *pipeFixture) addPhoto(t *testing.T, projectID, photoID string, tMS int64) {
	t.Helper()
	original := filepath.Join(f.cfg.ProjectDir(projectID), "photos", photoID+".jpg")
	testsupport.WritePhotoFile(t, original)
	if err := f.store.AddPhoto(context.Background(), projectID, store.Photo{
		PhotoID: photoID, TMS: tMS, OriginalPath: original,
	}); err != nil {
		t.Fatalf("AddPhoto: %v", err)
	}
}

func (f *pipeFixture) waitForProject(t *testing.T, projectID string, want store.Status) *store.Project {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		project, err := f.store.GetProject(context.Background(), projectID)
		if err != nil {
			t.Fatalf("GetProject: %v", err)
		}
		if project != nil && project.Status == want {
			return project
		}
		f.sched.Kick()
		time.Sleep(25 * time.Millisecond)
	}
	project, _ := f.store.GetProject(context.Background(), projectID)
	t.Fatalf("project %s never reached %s, last seen %#v", projectID, want, project)
	return nil
}

func TestPipelineHappyPathWithPhotos(t *testing.T) {
	f := newPipeFixture(t)
	ctx := context.Background()

	project := f.newStoppedProject(t, store.NewProject{
		UserID:        "user-1",
		Title:         "Farm Years",
		Participant:   "Grandma",
		StylizePhotos: true,
	}, 60_000)
	if err := f.store.SetUserLimits(ctx, "user-1", false, true, nil, nil); err != nil {
		t.Fatalf("SetUserLimits: %v", err)
	}
	f.addPhoto(t, project.ID, "p1", 20_000)
	f.addPhoto(t, project.ID, "p2", 45_000)

	if err := f.pipe.EnqueueProcessing(ctx, project.ID); err != nil {
		t.Fatalf("EnqueueProcessing: %v", err)
	}
	final := f.waitForProject(t, project.ID, store.StatusDone)

	if final.OutputFile == "" {
		t.Fatal("expected output file on happy path")
	}
	output, err := os.ReadFile(final.OutputFile)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	text := string(output)
	if strings.Contains(text, "[[PHOTO:") {
		t.Fatalf("photo markers survived into final document:\n%s", text)
	}
	if !strings.Contains(text, "p1.stylized.png") || !strings.Contains(text, "p2.stylized.png") {
		t.Fatalf("stylized photos missing from document:\n%s", text)
	}
	if !strings.Contains(text, "# Farm Years") {
		t.Fatalf("title header missing:\n%s", text)
	}
	if final.Usage == nil || final.Usage.TotalTokens != 140 {
		t.Fatalf("token usage not recorded: %+v", final.Usage)
	}

	state, err := f.store.LoadStateFresh(ctx, project.ID)
	if err != nil {
		t.Fatalf("LoadStateFresh: %v", err)
	}
	// Photos at 20s and 45s split the 60s recording into three segments.
	if state.SegmentsTotal != 3 || state.SegmentsDone != 3 {
		t.Fatalf("segment counters: total=%d done=%d", state.SegmentsTotal, state.SegmentsDone)
	}
	if state.PhotosDone != 2 {
		t.Fatalf("photos done: %d", state.PhotosDone)
	}
	if state.Metrics == nil || state.Metrics.SegmentsDone != 3 || len(state.Metrics.Segments) != 3 {
		t.Fatalf("metrics not assembled: %+v", state.Metrics)
	}
	if _, ok := state.Jobs["finalize"]; !ok {
		t.Fatalf("finalize missing from job map: %v", state.Jobs)
	}
	if _, ok := state.Jobs["transcribe/seg_0001"]; !ok {
		t.Fatalf("transcribe bookkeeping missing: %v", state.Jobs)
	}
}

func TestPipelineScriptFailureFallsBackToTranscript(t *testing.T) {
	f := newPipeFixture(t)
	f.scripts.err = services.Wrap(services.ErrExternalTool, "script", "request", "model down", nil)

	project := f.newStoppedProject(t, store.NewProject{
		UserID: "user-1", Title: "Plain", Participant: "Grandpa",
	}, 30_000)
	if err := f.pipe.EnqueueProcessing(context.Background(), project.ID); err != nil {
		t.Fatalf("EnqueueProcessing: %v", err)
	}
	final := f.waitForProject(t, project.ID, store.StatusDone)

	if final.OutputFile != "" {
		t.Fatalf("degraded project must not report an output file, got %s", final.OutputFile)
	}
	if final.FallbackFile == "" {
		t.Fatal("fallback transcript missing")
	}
	fallback, err := os.ReadFile(final.FallbackFile)
	if err != nil {
		t.Fatalf("read fallback: %v", err)
	}
	if !strings.Contains(string(fallback), "spoken words of seg_0000") {
		t.Fatalf("raw transcript missing from fallback:\n%s", fallback)
	}
	if final.Usage != nil {
		t.Fatalf("no usage should be recorded without a completion: %+v", final.Usage)
	}
}

func TestPipelineStylizeFailureDegradesAndReleasesQuota(t *testing.T) {
	f := newPipeFixture(t)
	ctx := context.Background()
	f.stylizer.err = services.Wrap(services.ErrExternalTool, "stylize", "request", "bad render", nil)

	stylizeCap := int64(10)
	project := f.newStoppedProject(t, store.NewProject{
		UserID:        "artist",
		Title:         "Styled",
		StylizePhotos: true,
	}, 30_000)
	if err := f.store.SetUserLimits(ctx, "artist", false, true, &stylizeCap, nil); err != nil {
		t.Fatalf("SetUserLimits: %v", err)
	}
	f.addPhoto(t, project.ID, "p1", 10_000)

	if err := f.pipe.EnqueueProcessing(ctx, project.ID); err != nil {
		t.Fatalf("EnqueueProcessing: %v", err)
	}
	final := f.waitForProject(t, project.ID, store.StatusDone)

	if final.StylizeErrors != 1 {
		t.Fatalf("expected one recorded stylize error, got %d", final.StylizeErrors)
	}
	output, err := os.ReadFile(final.OutputFile)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !strings.Contains(string(output), "p1.jpg") {
		t.Fatalf("original photo must back the failed stylization:\n%s", output)
	}

	snapshot, err := f.quota.Snapshot(ctx, "artist")
	if err != nil {
		t.Fatalf("quota.Snapshot: %v", err)
	}
	if snapshot.StylizeUsed != 0 {
		t.Fatalf("failed stylization must release its reservation, used=%d", snapshot.StylizeUsed)
	}
}

func TestPipelineStylizeQuotaExhaustionLeavesPhotoUnstylized(t *testing.T) {
	f := newPipeFixture(t)
	ctx := context.Background()

	project := f.newStoppedProject(t, store.NewProject{
		UserID:        "capped",
		Title:         "Album",
		StylizePhotos: true,
	}, 60_000)
	stylizeCap := int64(2)
	if err := f.store.SetUserLimits(ctx, "capped", false, true, &stylizeCap, nil); err != nil {
		t.Fatalf("SetUserLimits: %v", err)
	}
	f.addPhoto(t, project.ID, "p1", 15_000)
	f.addPhoto(t, project.ID, "p2", 30_000)
	f.addPhoto(t, project.ID, "p3", 45_000)

	if err := f.pipe.EnqueueProcessing(ctx, project.ID); err != nil {
		t.Fatalf("EnqueueProcessing: %v", err)
	}
	final := f.waitForProject(t, project.ID, store.StatusDone)

	// Three stylize jobs contend for a cap of two: exactly one is refused,
	// its photo keeps the original, and the project still completes.
	if final.StylizeErrors != 1 {
		t.Fatalf("expected one stylize refusal, got %d", final.StylizeErrors)
	}
	state, err := f.store.LoadStateFresh(ctx, project.ID)
	if err != nil {
		t.Fatalf("LoadStateFresh: %v", err)
	}
	if state.PhotosTotal != 3 || state.PhotosDone != 2 {
		t.Fatalf("photo counters: total=%d done=%d", state.PhotosTotal, state.PhotosDone)
	}

	snapshot, err := f.quota.Snapshot(ctx, "capped")
	if err != nil {
		t.Fatalf("quota.Snapshot: %v", err)
	}
	if snapshot.StylizeUsed != 2 {
		t.Fatalf("only completed stylizations may stay counted, used=%d", snapshot.StylizeUsed)
	}
}

func TestPipelinePartialTranscriptionStillFinalizes(t *testing.T) {
	f := newPipeFixture(t)
	f.stt.fail["seg_0001"] = services.Wrap(services.ErrValidation, "stt", "transcribe", "undecodable audio", nil)

	project := f.newStoppedProject(t, store.NewProject{
		UserID: "user-1", Title: "Gappy",
	}, 45_000)
	f.addPhoto(t, project.ID, "p1", 15_000) // splits into seg_0000 and seg_0001
	if err := f.pipe.EnqueueProcessing(context.Background(), project.ID); err != nil {
		t.Fatalf("EnqueueProcessing: %v", err)
	}
	final := f.waitForProject(t, project.ID, store.StatusDone)

	output, err := os.ReadFile(final.OutputFile)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	text := string(output)
	if !strings.Contains(text, "spoken words of seg_0000") {
		t.Fatalf("surviving segment text missing:\n%s", text)
	}
	if !strings.Contains(text, "[inaudible]") {
		t.Fatalf("failed segment must surface as inaudible:\n%s", text)
	}

	state, err := f.store.LoadStateFresh(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("LoadStateFresh: %v", err)
	}
	if state.Metrics == nil || state.Metrics.SegmentsDone != 1 || state.Metrics.SegmentsTotal != 2 {
		t.Fatalf("metrics should record the gap: %+v", state.Metrics)
	}
}

func TestPipelinePrepareRetryDoesNotDuplicateGraph(t *testing.T) {
	f := newPipeFixture(t)
	ctx := context.Background()
	f.media.assembleErrs = []error{
		services.Wrap(services.ErrTransient, "media", "assemble", "disk flake", nil),
	}

	project := f.newStoppedProject(t, store.NewProject{
		UserID: "user-1", Title: "Retry",
	}, 30_000)
	if err := f.pipe.EnqueueProcessing(ctx, project.ID); err != nil {
		t.Fatalf("EnqueueProcessing: %v", err)
	}
	f.waitForProject(t, project.ID, store.StatusDone)

	f.media.mu.Lock()
	assembles := f.media.assembles
	f.media.mu.Unlock()
	if assembles != 2 {
		t.Fatalf("expected one failed and one successful assemble, got %d", assembles)
	}

	jobs, err := f.queue.JobsByProject(ctx, project.ID)
	if err != nil {
		t.Fatalf("JobsByProject: %v", err)
	}
	counts := map[string]int{}
	for _, job := range jobs {
		counts[job.Stage]++
	}
	// One prepare, one transcribe for the single segment, one finalize.
	if counts["prepare"] != 1 || counts["transcribe"] != 1 || counts["finalize"] != 1 {
		t.Fatalf("graph duplicated across retries: %v", counts)
	}
}

func TestPipelinePrepareAdoptsGraphMissingFromBookkeeping(t *testing.T) {
	f := newPipeFixture(t)
	ctx := context.Background()

	project := f.newStoppedProject(t, store.NewProject{
		UserID: "user-1", Title: "Resumed",
	}, 15_000)

	audioPath := filepath.Join(f.cfg.ProjectDir(project.ID), "segments", "seg_0000.wav")
	testsupport.WritePCMChunk(t, audioPath, 16)
	if err := f.store.ReplaceSegments(ctx, project.ID, []store.Segment{{
		SegmentID: "seg_0000", StartMS: 0, EndMS: 15_000,
		AudioPath: audioPath, Status: store.SegmentPending,
	}}); err != nil {
		t.Fatalf("ReplaceSegments: %v", err)
	}

	// The graph reached the queue but the crash hit before the job map was
	// merged onto the state row.
	transcribeID := jobqueue.NewJobID()
	finalizeID := jobqueue.NewJobID()
	workflow := f.cfg.Workflow
	if _, err := f.queue.EnqueueGraph(ctx, []jobqueue.GraphEntry{
		{ID: transcribeID, Spec: jobqueue.NewJob{
			ProjectID: project.ID,
			Stage:     "transcribe",
			Payload: struct {
				SegmentID string `json:"segment_id"`
			}{SegmentID: "seg_0000"},
			FailureMode:    jobqueue.Degrade,
			MaxAttempts:    workflow.TranscribeRetry.MaxAttempts,
			BackoffSeconds: workflow.TranscribeRetry.BackoffSeconds,
		}},
		{ID: finalizeID, Spec: jobqueue.NewJob{
			ProjectID:              project.ID,
			Stage:                  "finalize",
			DependsOn:              []string{transcribeID},
			AllowDependencyFailure: true,
			FailureMode:            jobqueue.FailProject,
			MaxAttempts:            workflow.FinalizeRetry.MaxAttempts,
			BackoffSeconds:         workflow.FinalizeRetry.BackoffSeconds,
		}},
	}); err != nil {
		t.Fatalf("EnqueueGraph: %v", err)
	}

	if err := f.pipe.EnqueueProcessing(ctx, project.ID); err != nil {
		t.Fatalf("EnqueueProcessing: %v", err)
	}
	f.waitForProject(t, project.ID, store.StatusDone)

	f.media.mu.Lock()
	assembles := f.media.assembles
	f.media.mu.Unlock()
	if assembles != 0 {
		t.Fatalf("adopting an existing graph must not re-plan, got %d assembles", assembles)
	}

	jobs, err := f.queue.JobsByProject(ctx, project.ID)
	if err != nil {
		t.Fatalf("JobsByProject: %v", err)
	}
	counts := map[string]int{}
	for _, job := range jobs {
		counts[job.Stage]++
	}
	if counts["prepare"] != 1 || counts["transcribe"] != 1 || counts["finalize"] != 1 {
		t.Fatalf("graph duplicated during adoption: %v", counts)
	}

	state, err := f.store.LoadStateFresh(ctx, project.ID)
	if err != nil {
		t.Fatalf("LoadStateFresh: %v", err)
	}
	if state.Jobs["finalize"] != finalizeID {
		t.Fatalf("finalize bookkeeping not adopted: %v", state.Jobs)
	}
	if state.Jobs["transcribe/seg_0000"] != transcribeID {
		t.Fatalf("transcribe bookkeeping not adopted: %v", state.Jobs)
	}
}

func TestPipelinePrepareExhaustionFailsProject(t *testing.T) {
	f := newPipeFixture(t)
	f.media.assembleErrs = []error{
		services.Wrap(services.ErrConfiguration, "media", "assemble", "ffmpeg missing", nil),
	}

	project := f.newStoppedProject(t, store.NewProject{
		UserID: "user-1", Title: "Broken",
	}, 30_000)
	if err := f.pipe.EnqueueProcessing(context.Background(), project.ID); err != nil {
		t.Fatalf("EnqueueProcessing: %v", err)
	}
	final := f.waitForProject(t, project.ID, store.StatusError)

	if !strings.Contains(final.ErrorMessage, "ffmpeg missing") {
		t.Fatalf("error message not surfaced: %q", final.ErrorMessage)
	}
}

func TestEnqueueProcessingRequiresStoppedRecording(t *testing.T) {
	f := newPipeFixture(t)
	ctx := context.Background()

	if err := f.store.EnsureUser(ctx, "user-1", "user-1"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	project, err := f.store.CreateProject(ctx, store.NewProject{UserID: "user-1", Title: "Live"})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	err = f.pipe.EnqueueProcessing(ctx, project.ID)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for live recording, got %v", err)
	}
}

func TestEnqueueProcessingIsIdempotent(t *testing.T) {
	f := newPipeFixture(t)
	ctx := context.Background()

	project := f.newStoppedProject(t, store.NewProject{
		UserID: "user-1", Title: "Twice",
	}, 30_000)
	if err := f.pipe.EnqueueProcessing(ctx, project.ID); err != nil {
		t.Fatalf("first EnqueueProcessing: %v", err)
	}
	if err := f.pipe.EnqueueProcessing(ctx, project.ID); err != nil {
		t.Fatalf("second EnqueueProcessing must be a no-op: %v", err)
	}
	f.waitForProject(t, project.ID, store.StatusDone)

	jobs, err := f.queue.JobsByProject(ctx, project.ID)
	if err != nil {
		t.Fatalf("JobsByProject: %v", err)
	}
	prepares := 0
	for _, job := range jobs {
		if job.Stage == "prepare" {
			prepares++
		}
	}
	if prepares != 1 {
		t.Fatalf("duplicate stop produced %d prepare jobs", prepares)
	}
}

func TestEnqueueProcessingUnknownProject(t *testing.T) {
	f := newPipeFixture(t)
	err := f.pipe.EnqueueProcessing(context.Background(), "missing")
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

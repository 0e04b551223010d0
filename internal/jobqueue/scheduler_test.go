package jobqueue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"memoir/internal/config"
	"memoir/internal/jobqueue"
	"memoir/internal/logging"
	"memoir/internal/services"
	"memoir/internal/store"
	"memoir/internal/testsupport"
)

type fixture struct {
	cfg     *config.Config
	store   *store.Store
	queue   *jobqueue.Queue
	sched   *jobqueue.Scheduler
	project *store.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	queue := jobqueue.NewQueue(st)
	return &fixture{
		cfg:     cfg,
		store:   st,
		queue:   queue,
		sched:   jobqueue.NewScheduler(queue, cfg, logging.NewNop()),
		project: testsupport.NewProject(t, st, "user-1", "queue test"),
	}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.sched.Start(context.Background()); err != nil {
		t.Fatalf("scheduler.Start: %v", err)
	}
	t.Cleanup(f.sched.Stop)
}

func (f *fixture) waitForStatus(t *testing.T, jobID string, want jobqueue.Status) *jobqueue.Job {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		job, err := f.queue.Job(context.Background(), jobID)
		if err != nil {
			t.Fatalf("queue.Job: %v", err)
		}
		if job != nil && job.Status == want {
			return job
		}
		f.sched.Kick()
		time.Sleep(25 * time.Millisecond)
	}
	job, _ := f.queue.Job(context.Background(), jobID)
	t.Fatalf("job %s never reached %s, last seen %#v", jobID, want, job)
	return nil
}

func TestSchedulerRunsJob(t *testing.T) {
	f := newFixture(t)

	done := make(chan string, 1)
	f.sched.Register("prepare", func(ctx context.Context, job *jobqueue.Job) error {
		var payload struct {
			Note string `json:"note"`
		}
		if err := jobqueue.DecodePayload(job, &payload); err != nil {
			return err
		}
		done <- payload.Note
		return nil
	})
	f.start(t)

	job, err := f.queue.Enqueue(context.Background(), jobqueue.NewJob{
		ProjectID: f.project.ID,
		Stage:     "prepare",
		Payload:   map[string]string{"note": "hello"},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	f.sched.Kick()

	select {
	case note := <-done:
		if note != "hello" {
			t.Fatalf("unexpected payload: %q", note)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("handler never ran")
	}
	f.waitForStatus(t, job.ID, jobqueue.StatusDone)
}

func TestSchedulerHonorsDependencies(t *testing.T) {
	f := newFixture(t)

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(stage string) jobqueue.Handler {
		return func(ctx context.Context, job *jobqueue.Job) error {
			mu.Lock()
			order = append(order, stage)
			mu.Unlock()
			return nil
		}
	}
	f.sched.Register("prepare", record("prepare"))
	f.sched.Register("finalize", record("finalize"))
	f.start(t)

	prepareID := jobqueue.NewJobID()
	finalizeID := jobqueue.NewJobID()
	if _, err := f.queue.EnqueueGraph(context.Background(), []jobqueue.GraphEntry{
		{ID: finalizeID, Spec: jobqueue.NewJob{
			ProjectID: f.project.ID, Stage: "finalize", DependsOn: []string{prepareID},
		}},
		{ID: prepareID, Spec: jobqueue.NewJob{
			ProjectID: f.project.ID, Stage: "prepare",
		}},
	}); err != nil {
		t.Fatalf("EnqueueGraph: %v", err)
	}
	f.sched.Kick()

	f.waitForStatus(t, finalizeID, jobqueue.StatusDone)
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "prepare" || order[1] != "finalize" {
		t.Fatalf("unexpected execution order: %v", order)
	}
}

func TestFailedDependencyCancelsDependent(t *testing.T) {
	f := newFixture(t)

	f.sched.Register("transcribe", func(ctx context.Context, job *jobqueue.Job) error {
		return services.Wrap(services.ErrValidation, "transcribe", "run", "bad input", nil)
	})
	f.sched.Register("finalize", func(ctx context.Context, job *jobqueue.Job) error {
		t.Error("finalize must not run when its dependency failed")
		return nil
	})

	var canceledID string
	var cancelMu sync.Mutex
	f.sched.OnCancel(func(ctx context.Context, job *jobqueue.Job, reason string) {
		cancelMu.Lock()
		canceledID = job.ID
		cancelMu.Unlock()
	})
	f.start(t)

	transcribeID := jobqueue.NewJobID()
	finalizeID := jobqueue.NewJobID()
	if _, err := f.queue.EnqueueGraph(context.Background(), []jobqueue.GraphEntry{
		{ID: transcribeID, Spec: jobqueue.NewJob{ProjectID: f.project.ID, Stage: "transcribe"}},
		{ID: finalizeID, Spec: jobqueue.NewJob{
			ProjectID: f.project.ID, Stage: "finalize", DependsOn: []string{transcribeID},
		}},
	}); err != nil {
		t.Fatalf("EnqueueGraph: %v", err)
	}
	f.sched.Kick()

	f.waitForStatus(t, transcribeID, jobqueue.StatusFailed)
	f.waitForStatus(t, finalizeID, jobqueue.StatusCanceled)

	cancelMu.Lock()
	defer cancelMu.Unlock()
	if canceledID != finalizeID {
		t.Fatalf("expected cancel hook for %s, got %s", finalizeID, canceledID)
	}
}

func TestAllowDependencyFailureRunsAnyway(t *testing.T) {
	f := newFixture(t)

	ran := make(chan struct{}, 1)
	f.sched.Register("stylize", func(ctx context.Context, job *jobqueue.Job) error {
		return services.Wrap(services.ErrValidation, "stylize", "run", "service rejected image", nil)
	})
	f.sched.Register("finalize", func(ctx context.Context, job *jobqueue.Job) error {
		ran <- struct{}{}
		return nil
	})
	f.start(t)

	stylizeID := jobqueue.NewJobID()
	finalizeID := jobqueue.NewJobID()
	if _, err := f.queue.EnqueueGraph(context.Background(), []jobqueue.GraphEntry{
		{ID: stylizeID, Spec: jobqueue.NewJob{
			ProjectID: f.project.ID, Stage: "stylize", FailureMode: jobqueue.Degrade,
		}},
		{ID: finalizeID, Spec: jobqueue.NewJob{
			ProjectID: f.project.ID, Stage: "finalize",
			DependsOn: []string{stylizeID}, AllowDependencyFailure: true,
		}},
	}); err != nil {
		t.Fatalf("EnqueueGraph: %v", err)
	}
	f.sched.Kick()

	select {
	case <-ran:
	case <-time.After(15 * time.Second):
		t.Fatal("finalize never ran despite AllowDependencyFailure")
	}
	f.waitForStatus(t, finalizeID, jobqueue.StatusDone)
}

func TestCanceledDependencyAlwaysCancels(t *testing.T) {
	f := newFixture(t)

	f.sched.Register("prepare", func(ctx context.Context, job *jobqueue.Job) error {
		return services.Wrap(services.ErrConfiguration, "prepare", "run", "broken", nil)
	})
	f.sched.Register("transcribe", func(ctx context.Context, job *jobqueue.Job) error { return nil })
	f.sched.Register("finalize", func(ctx context.Context, job *jobqueue.Job) error { return nil })
	f.start(t)

	prepareID := jobqueue.NewJobID()
	transcribeID := jobqueue.NewJobID()
	finalizeID := jobqueue.NewJobID()
	if _, err := f.queue.EnqueueGraph(context.Background(), []jobqueue.GraphEntry{
		{ID: prepareID, Spec: jobqueue.NewJob{ProjectID: f.project.ID, Stage: "prepare"}},
		{ID: transcribeID, Spec: jobqueue.NewJob{
			ProjectID: f.project.ID, Stage: "transcribe", DependsOn: []string{prepareID},
		}},
		{ID: finalizeID, Spec: jobqueue.NewJob{
			ProjectID: f.project.ID, Stage: "finalize",
			DependsOn: []string{transcribeID}, AllowDependencyFailure: true,
		}},
	}); err != nil {
		t.Fatalf("EnqueueGraph: %v", err)
	}
	f.sched.Kick()

	f.waitForStatus(t, prepareID, jobqueue.StatusFailed)
	f.waitForStatus(t, transcribeID, jobqueue.StatusCanceled)
	// AllowDependencyFailure covers failed deps, never canceled ones.
	f.waitForStatus(t, finalizeID, jobqueue.StatusCanceled)
}

func TestRetryWithBackoffThenSuccess(t *testing.T) {
	f := newFixture(t)

	var attempts int
	var mu sync.Mutex
	f.sched.Register("transcribe", func(ctx context.Context, job *jobqueue.Job) error {
		mu.Lock()
		attempts++
		current := attempts
		mu.Unlock()
		if current < 3 {
			return services.Wrap(services.ErrTransient, "transcribe", "run", "model busy", nil)
		}
		return nil
	})
	f.start(t)

	job, err := f.queue.Enqueue(context.Background(), jobqueue.NewJob{
		ProjectID:      f.project.ID,
		Stage:          "transcribe",
		MaxAttempts:    3,
		BackoffSeconds: []int{0},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	f.sched.Kick()

	final := f.waitForStatus(t, job.ID, jobqueue.StatusDone)
	if final.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", final.Attempts)
	}
}

func TestRetriesExhaustedInvokesFailureHook(t *testing.T) {
	f := newFixture(t)

	f.sched.Register("prepare", func(ctx context.Context, job *jobqueue.Job) error {
		return services.Wrap(services.ErrTransient, "prepare", "run", "disk flake", nil)
	})

	failures := make(chan *jobqueue.Job, 1)
	f.sched.OnPermanentFailure(func(ctx context.Context, job *jobqueue.Job, cause error) {
		failures <- job
	})
	f.start(t)

	job, err := f.queue.Enqueue(context.Background(), jobqueue.NewJob{
		ProjectID:      f.project.ID,
		Stage:          "prepare",
		FailureMode:    jobqueue.FailProject,
		MaxAttempts:    2,
		BackoffSeconds: []int{0},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	f.sched.Kick()

	select {
	case failed := <-failures:
		if failed.ID != job.ID {
			t.Fatalf("hook saw wrong job: %s", failed.ID)
		}
		if failed.FailureMode != jobqueue.FailProject {
			t.Fatalf("unexpected failure mode: %s", failed.FailureMode)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("failure hook never fired")
	}
	final := f.waitForStatus(t, job.ID, jobqueue.StatusFailed)
	if final.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", final.Attempts)
	}
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	f := newFixture(t)

	var attempts int
	var mu sync.Mutex
	f.sched.Register("prepare", func(ctx context.Context, job *jobqueue.Job) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return services.Wrap(services.ErrValidation, "prepare", "run", "no audio", nil)
	})
	f.start(t)

	job, err := f.queue.Enqueue(context.Background(), jobqueue.NewJob{
		ProjectID:      f.project.ID,
		Stage:          "prepare",
		MaxAttempts:    5,
		BackoffSeconds: []int{0},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	f.sched.Kick()

	f.waitForStatus(t, job.ID, jobqueue.StatusFailed)
	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Fatalf("validation failure must not retry, got %d attempts", attempts)
	}
}

func TestNotFoundCompletesQuietly(t *testing.T) {
	f := newFixture(t)

	f.sched.Register("stylize", func(ctx context.Context, job *jobqueue.Job) error {
		return services.Wrap(services.ErrNotFound, "stylize", "run", "project deleted mid-flight", nil)
	})
	failures := make(chan *jobqueue.Job, 1)
	f.sched.OnPermanentFailure(func(ctx context.Context, job *jobqueue.Job, cause error) {
		failures <- job
	})
	f.start(t)

	job, err := f.queue.Enqueue(context.Background(), jobqueue.NewJob{
		ProjectID: f.project.ID,
		Stage:     "stylize",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	f.sched.Kick()

	f.waitForStatus(t, job.ID, jobqueue.StatusDone)
	select {
	case <-failures:
		t.Fatal("not-found must not reach the failure hook")
	default:
	}
}

func TestSchedulerRequiresHandlers(t *testing.T) {
	f := newFixture(t)
	if err := f.sched.Start(context.Background()); err == nil {
		f.sched.Stop()
		t.Fatal("expected Start to fail with no handlers")
	}
}

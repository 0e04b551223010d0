package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"memoir/internal/api"
	"memoir/internal/blob"
	"memoir/internal/config"
	"memoir/internal/jobqueue"
	"memoir/internal/logging"
	"memoir/internal/pipeline"
	"memoir/internal/quota"
	"memoir/internal/services/script"
	"memoir/internal/store"
	"memoir/internal/testsupport"
)

type stubMedia struct{}

func (stubMedia) AssembleRecording(ctx context.Context, chunkPaths []string, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outputPath, []byte("RIFF"), 0o644)
}

func (stubMedia) ExtractSegment(ctx context.Context, sourcePath string, startMS, endMS int64, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outputPath, []byte("wav"), 0o644)
}

type stubSTT struct{}

func (stubSTT) Transcribe(ctx context.Context, audioPath, workDir string) (string, error) {
	return "transcribed audio", nil
}

type stubScripts struct{}

func (stubScripts) Generate(ctx context.Context, title, participant, transcript string) (script.Result, error) {
	return script.Result{Text: transcript, Usage: script.Usage{TotalTokens: 10}}, nil
}

type apiFixture struct {
	cfg    *config.Config
	store  *store.Store
	quota  *quota.Manager
	server *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	blobs, err := blob.New(cfg)
	if err != nil {
		t.Fatalf("blob.New: %v", err)
	}
	t.Cleanup(func() { _ = blobs.Close() })

	queue := jobqueue.NewQueue(st)
	sched := jobqueue.NewScheduler(queue, cfg, logging.NewNop())
	quotas := quota.NewManager(st, cfg)
	pipe := pipeline.New(pipeline.Deps{
		Config:  cfg,
		Store:   st,
		Queue:   queue,
		Sched:   sched,
		Blobs:   blobs,
		Media:   stubMedia{},
		STT:     stubSTT{},
		Scripts: stubScripts{},
		Quota:   quotas,
		Logger:  logging.NewNop(),
	})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("scheduler.Start: %v", err)
	}
	t.Cleanup(sched.Stop)

	server := api.NewServer(api.Deps{
		Config: cfg,
		Store:  st,
		Blobs:  blobs,
		Quota:  quotas,
		Pipe:   pipe,
		Logger: logging.NewNop(),
	})
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return &apiFixture{cfg: cfg, store: st, quota: quotas, server: ts}
}

func (f *apiFixture) request(t *testing.T, method, path, userID string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *apiFixture) createProject(t *testing.T, userID string, stylize bool) string {
	t.Helper()
	payload, _ := json.Marshal(map[string]any{
		"title":          "Project",
		"participant":    "Narrator",
		"stylize_photos": stylize,
	})
	resp := f.request(t, http.MethodPost, "/api/v1/projects", userID, bytes.NewReader(payload), "application/json")
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("create project: %d: %s", resp.StatusCode, body)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return created.ID
}

func (f *apiFixture) seedChunk(t *testing.T, projectID string, seq, startMS, durationMS int64) {
	t.Helper()
	path := filepath.Join(f.cfg.ProjectDir(projectID), "chunks", fmt.Sprintf("chunk_%06d.bin", seq))
	testsupport.WritePCMChunk(t, path, 16)
	if err := f.store.AppendIngestChunk(context.Background(), projectID, store.Chunk{
		Seq: seq, StartMS: startMS, DurationMS: durationMS, ByteSize: 16,
		StorageBackend: "disk", StorageRef: path,
	}); err != nil {
		t.Fatalf("AppendIngestChunk: %v", err)
	}
}

func TestCreateAndGetProject(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createProject(t, "user-1", false)

	resp := f.request(t, http.MethodGet, "/api/v1/projects/"+id, "user-1", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get project: %d", resp.StatusCode)
	}
	var got struct {
		Status  string `json:"status"`
		LastSeq int64  `json:"last_seq"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "recording" {
		t.Fatalf("fresh project status %q", got.Status)
	}
	if got.LastSeq != -1 {
		t.Fatalf("fresh project last_seq %d", got.LastSeq)
	}
}

func TestCreateProjectRequiresTitle(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.request(t, http.MethodPost, "/api/v1/projects", "user-1",
		bytes.NewReader([]byte(`{}`)), "application/json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRequestsRequireUserHeader(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.request(t, http.MethodGet, "/api/v1/projects", "", nil, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without user header, got %d", resp.StatusCode)
	}
}

func TestAPITokenEnforced(t *testing.T) {
	f := newAPIFixture(t)
	f.cfg.Paths.APIToken = "secret"

	resp := f.request(t, http.MethodGet, "/api/v1/projects", "user-1", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/api/v1/projects", nil)
	req.Header.Set("X-User-ID", "user-1")
	req.Header.Set("Authorization", "Bearer secret")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authed request: %v", err)
	}
	defer authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", authed.StatusCode)
	}
}

func TestProjectsAreOwnerScoped(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createProject(t, "owner", false)

	resp := f.request(t, http.MethodGet, "/api/v1/projects/"+id, "intruder", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign project must 404, got %d", resp.StatusCode)
	}
}

func photoForm(t *testing.T, tMS int64) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("t_ms", fmt.Sprint(tMS)); err != nil {
		t.Fatalf("write field: %v", err)
	}
	part, err := form.CreateFormFile("photo", "capture.jpg")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte("jpeg bytes")); err != nil {
		t.Fatalf("write photo: %v", err)
	}
	if err := form.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}
	return &buf, form.FormDataContentType()
}

func TestPhotoUpload(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createProject(t, "user-1", false)

	body, contentType := photoForm(t, 1500)
	resp := f.request(t, http.MethodPost, "/api/v1/projects/"+id+"/photos", "user-1", body, contentType)
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("photo upload: %d: %s", resp.StatusCode, raw)
	}

	state, err := f.store.LoadStateFresh(context.Background(), id)
	if err != nil {
		t.Fatalf("LoadStateFresh: %v", err)
	}
	if state.PhotosTotal != 1 {
		t.Fatalf("photos_total %d, want 1", state.PhotosTotal)
	}
	photos, err := f.store.PhotosByProject(context.Background(), id)
	if err != nil {
		t.Fatalf("PhotosByProject: %v", err)
	}
	if len(photos) != 1 || photos[0].TMS != 1500 {
		t.Fatalf("stored photos: %+v", photos)
	}
	if _, err := os.Stat(photos[0].OriginalPath); err != nil {
		t.Fatalf("photo file not written: %v", err)
	}
}

func TestPhotoUploadEnforcesStylizeQuota(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	if err := f.store.EnsureUser(ctx, "artist", "artist"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	stylizeCap := int64(1)
	if err := f.store.SetUserLimits(ctx, "artist", false, true, &stylizeCap, nil); err != nil {
		t.Fatalf("SetUserLimits: %v", err)
	}
	id := f.createProject(t, "artist", true)

	// Uploads are admitted while the window has headroom; the binding
	// reservation happens in the stylize worker.
	body, contentType := photoForm(t, 1000)
	first := f.request(t, http.MethodPost, "/api/v1/projects/"+id+"/photos", "artist", body, contentType)
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("first photo: %d", first.StatusCode)
	}

	if err := f.quota.ReserveStylize(ctx, "artist", 1); err != nil {
		t.Fatalf("ReserveStylize: %v", err)
	}

	body, contentType = photoForm(t, 2000)
	second := f.request(t, http.MethodPost, "/api/v1/projects/"+id+"/photos", "artist", body, contentType)
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("upload after spent cap must 429, got %d", second.StatusCode)
	}

	state, err := f.store.LoadStateFresh(ctx, id)
	if err != nil {
		t.Fatalf("LoadStateFresh: %v", err)
	}
	if state.PhotosTotal != 1 {
		t.Fatalf("refused upload must not be stored, photos_total=%d", state.PhotosTotal)
	}
}

func TestStopRunsPipelineToDone(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createProject(t, "user-1", false)
	f.seedChunk(t, id, 0, 0, 2000)
	f.seedChunk(t, id, 1, 2000, 2000)

	resp := f.request(t, http.MethodPost, "/api/v1/projects/"+id+"/stop", "user-1", nil, "")
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("stop: %d: %s", resp.StatusCode, raw)
	}

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		project, err := f.store.GetProject(context.Background(), id)
		if err != nil {
			t.Fatalf("GetProject: %v", err)
		}
		if project.Status == store.StatusDone {
			if project.OutputFile == "" {
				t.Fatal("finished project has no output file")
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("project never reached done after stop")
}

func TestStopChargesRecordingQuotaOnce(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	if err := f.store.EnsureUser(ctx, "user-1", "user-1"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	capSeconds := int64(600)
	if err := f.store.SetUserLimits(ctx, "user-1", false, false, nil, &capSeconds); err != nil {
		t.Fatalf("SetUserLimits: %v", err)
	}
	id := f.createProject(t, "user-1", false)
	f.seedChunk(t, id, 0, 0, 5000)

	for i := 0; i < 2; i++ {
		resp := f.request(t, http.MethodPost, "/api/v1/projects/"+id+"/stop", "user-1", nil, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("stop %d: %d", i, resp.StatusCode)
		}
	}

	snapshot, err := f.quota.Snapshot(ctx, "user-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snapshot.RecordingSecondsUsed != 5 {
		t.Fatalf("double stop must charge once, used=%d", snapshot.RecordingSecondsUsed)
	}
}

func TestDeleteProjectLeavesQuotaCharges(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	if err := f.store.EnsureUser(ctx, "artist", "artist"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	stylizeCap := int64(5)
	if err := f.store.SetUserLimits(ctx, "artist", false, true, &stylizeCap, nil); err != nil {
		t.Fatalf("SetUserLimits: %v", err)
	}
	id := f.createProject(t, "artist", true)

	body, contentType := photoForm(t, 1000)
	if resp := f.request(t, http.MethodPost, "/api/v1/projects/"+id+"/photos", "artist", body, contentType); resp.StatusCode != http.StatusCreated {
		t.Fatalf("photo upload: %d", resp.StatusCode)
	}
	// One unit stands for a stylization that already completed.
	if err := f.quota.ReserveStylize(ctx, "artist", 1); err != nil {
		t.Fatalf("ReserveStylize: %v", err)
	}

	resp := f.request(t, http.MethodDelete, "/api/v1/projects/"+id, "artist", nil, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d", resp.StatusCode)
	}

	snapshot, err := f.quota.Snapshot(ctx, "artist")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snapshot.StylizeUsed != 1 {
		t.Fatalf("delete must not touch completed charges, used=%d", snapshot.StylizeUsed)
	}

	gone := f.request(t, http.MethodGet, "/api/v1/projects/"+id, "artist", nil, "")
	if gone.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted project must 404, got %d", gone.StatusCode)
	}
}

func TestQuotaEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	if err := f.store.EnsureUser(ctx, "user-1", "user-1"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	stylizeCap := int64(4)
	if err := f.store.SetUserLimits(ctx, "user-1", false, true, &stylizeCap, nil); err != nil {
		t.Fatalf("SetUserLimits: %v", err)
	}

	resp := f.request(t, http.MethodGet, "/api/v1/quota", "user-1", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("quota: %d", resp.StatusCode)
	}
	var snapshot struct {
		CanStylize       bool   `json:"can_stylize"`
		StylizeRemaining *int64 `json:"stylize_remaining"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !snapshot.CanStylize || snapshot.StylizeRemaining == nil || *snapshot.StylizeRemaining != 4 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"memoir/internal/logging"
	"memoir/internal/store"
)

type createProjectRequest struct {
	Title         string `json:"title"`
	Participant   string `json:"participant"`
	StylizePhotos bool   `json:"stylize_photos"`
}

type projectResponse struct {
	ID               string            `json:"id"`
	Title            string            `json:"title"`
	Participant      string            `json:"participant"`
	Status           store.Status      `json:"status"`
	StylizePhotos    bool              `json:"stylize_photos"`
	RecordedSeconds  int64             `json:"recorded_seconds"`
	IngestDurationMS int64             `json:"ingest_duration_ms"`
	LastSeq          int64             `json:"last_seq"`
	SegmentsTotal    int64             `json:"segments_total"`
	SegmentsDone     int64             `json:"segments_done"`
	PhotosTotal      int64             `json:"photos_total"`
	PhotosDone       int64             `json:"photos_done"`
	StylizeErrors    int64             `json:"stylize_errors"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	OutputFile       string            `json:"output_file,omitempty"`
	FallbackFile     string            `json:"fallback_file,omitempty"`
	Jobs             store.JobMap      `json:"jobs,omitempty"`
	Metrics          *store.Metrics    `json:"metrics,omitempty"`
	Usage            *store.TokenUsage `json:"usage,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	ExpiresAt        *time.Time        `json:"expires_at,omitempty"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	var req createProjectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	if req.StylizePhotos {
		snapshot, err := s.quota.Snapshot(r.Context(), userID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		if !snapshot.CanStylize {
			writeError(w, http.StatusBadRequest, "stylization not enabled for this account")
			return
		}
	}

	// Recording admission happens here: the remaining windowed budget becomes
	// the project's recording limit. Actual usage is charged at stop time.
	remaining, err := s.quota.RemainingRecordingSeconds(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if remaining != nil && *remaining <= 0 {
		writeError(w, http.StatusTooManyRequests, "recording quota exhausted")
		return
	}

	np := store.NewProject{
		UserID:                userID,
		Title:                 req.Title,
		Participant:           req.Participant,
		StylizePhotos:         req.StylizePhotos,
		RecordingLimitSeconds: remaining,
	}
	if days := s.cfg.Retention.Days; days > 0 {
		expires := time.Now().UTC().Add(time.Duration(days) * 24 * time.Hour)
		np.ExpiresAt = &expires
	}

	project, err := s.store.CreateProject(r.Context(), np)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.logger.Info("project created",
		logging.String(logging.FieldProjectID, project.ID),
		logging.String("user_id", userID),
	)
	s.respondProject(w, r, http.StatusCreated, project.ID)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context(), requestUser(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	responses := make([]projectResponse, 0, len(projects))
	for _, project := range projects {
		state, err := s.store.LoadState(r.Context(), project.ID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		if state == nil {
			continue
		}
		responses = append(responses, buildProjectResponse(project, state))
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": responses, "count": len(responses)})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	s.respondProject(w, r, http.StatusOK, mux.Vars(r)["id"])
}

func (s *Server) respondProject(w http.ResponseWriter, r *http.Request, status int, projectID string) {
	project, err := s.store.ProjectForUser(r.Context(), projectID, requestUser(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if project == nil {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	state, err := s.store.LoadState(r.Context(), projectID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	writeJSON(w, status, buildProjectResponse(project, state))
}

func buildProjectResponse(project *store.Project, state *store.State) projectResponse {
	return projectResponse{
		ID:               project.ID,
		Title:            project.Title,
		Participant:      project.Participant,
		Status:           project.Status,
		StylizePhotos:    state.StylizePhotos,
		RecordedSeconds:  state.RecordedSeconds,
		IngestDurationMS: state.IngestDurationMS,
		LastSeq:          state.LastSeq,
		SegmentsTotal:    state.SegmentsTotal,
		SegmentsDone:     state.SegmentsDone,
		PhotosTotal:      state.PhotosTotal,
		PhotosDone:       state.PhotosDone,
		StylizeErrors:    project.StylizeErrors,
		ErrorMessage:     project.ErrorMessage,
		OutputFile:       project.OutputFile,
		FallbackFile:     project.FallbackFile,
		Jobs:             state.Jobs,
		Metrics:          state.Metrics,
		Usage:            project.Usage,
		CreatedAt:        project.CreatedAt,
		ExpiresAt:        project.ExpiresAt,
	}
}

// handleStopProject ends the recording phase and queues processing. Safe to
// call twice; the second call finds the project already stopped and only
// re-kicks the (idempotent) enqueue.
func (s *Server) handleStopProject(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	projectID := mux.Vars(r)["id"]

	project, err := s.store.ProjectForUser(r.Context(), projectID, userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if project == nil {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	state, err := s.store.LoadStateFresh(r.Context(), projectID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}

	if !state.Stopped() {
		recordedSeconds := (state.IngestDurationMS + 999) / 1000
		if err := s.store.MarkStopped(r.Context(), projectID, time.Now().UTC(), recordedSeconds); err != nil {
			s.writeServiceError(w, err)
			return
		}
		if err := s.quota.ConsumeRecording(r.Context(), userID, recordedSeconds); err != nil {
			s.logger.Warn("recording charge failed",
				logging.String(logging.FieldProjectID, projectID),
				logging.Error(err),
			)
		}
	}

	if err := s.pipe.EnqueueProcessing(r.Context(), projectID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.respondProject(w, r, http.StatusOK, projectID)
}

// handleAddPhoto accepts one photo captured during recording as a multipart
// upload with its recording offset. When the project stylizes photos, the
// upload is refused only when the user's cap is already spent; the binding
// reservation happens per attempt inside the stylize worker, so a photo
// admitted here can still end up unstylized when later uploads win the race.
func (s *Server) handleAddPhoto(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	projectID := mux.Vars(r)["id"]

	project, err := s.store.ProjectForUser(r.Context(), projectID, userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if project == nil {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	state, err := s.store.LoadStateFresh(r.Context(), projectID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if state == nil || state.Stopped() {
		writeError(w, http.StatusBadRequest, "recording already ended")
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	tMS, err := strconv.ParseInt(r.FormValue("t_ms"), 10, 64)
	if err != nil || tMS < 0 {
		writeError(w, http.StatusBadRequest, "t_ms must be a non-negative integer")
		return
	}
	file, header, err := r.FormFile("photo")
	if err != nil {
		writeError(w, http.StatusBadRequest, "photo file is required")
		return
	}
	defer file.Close()

	if state.StylizePhotos {
		snapshot, err := s.quota.Snapshot(r.Context(), userID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		if !snapshot.CanStylize {
			writeError(w, http.StatusBadRequest, "stylization not enabled for this account")
			return
		}
		if snapshot.StylizeRemaining != nil && *snapshot.StylizeRemaining <= 0 {
			writeError(w, http.StatusTooManyRequests, "stylize quota exhausted")
			return
		}
	}

	photoID := uuid.NewString()
	ext := filepath.Ext(header.Filename)
	if ext == "" {
		ext = ".jpg"
	}
	originalPath := filepath.Join(s.cfg.ProjectDir(projectID), "photos", photoID+ext)
	if err := savePhotoFile(file, originalPath); err != nil {
		s.writeServiceError(w, err)
		return
	}

	if err := s.store.AddPhoto(r.Context(), projectID, store.Photo{
		PhotoID:      photoID,
		TMS:          tMS,
		OriginalPath: originalPath,
	}); err != nil {
		_ = os.Remove(originalPath)
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"photo_id": photoID,
		"t_ms":     tMS,
	})
}

func savePhotoFile(src io.Reader, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return dst.Close()
}

// handleDeleteProject removes the project's rows, chunk blobs, and media
// directory. Quota needs no adjustment: stylize units are reserved per
// worker attempt and only completed stylizations stay counted.
func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	projectID := mux.Vars(r)["id"]

	project, err := s.store.ProjectForUser(r.Context(), projectID, userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if project == nil {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}

	deleted, err := s.store.DeleteProject(r.Context(), projectID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err := s.blobs.DeleteProject(r.Context(), projectID); err != nil {
		s.logger.Warn("chunk blob cleanup failed",
			logging.String(logging.FieldProjectID, projectID),
			logging.Error(err),
		)
	}
	if err := os.RemoveAll(s.cfg.ProjectDir(projectID)); err != nil {
		s.logger.Warn("project dir cleanup failed",
			logging.String(logging.FieldProjectID, projectID),
			logging.Error(err),
		)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.quota.Snapshot(r.Context(), requestUser(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

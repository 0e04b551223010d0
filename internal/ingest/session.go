// Package ingest accepts live recording audio over a per-connection session.
// The session is a strict state machine: init, then pairs of chunk metadata
// and chunk payload, then complete. Any violation produces one error and ends
// the session; ambiguous input is never partially accepted.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"memoir/internal/blob"
	"memoir/internal/config"
	"memoir/internal/logging"
	"memoir/internal/services"
	"memoir/internal/store"
)

// ChunkMeta declares one incoming chunk ahead of its payload.
type ChunkMeta struct {
	Seq        int64
	StartMS    int64
	DurationMS int64
	ByteSize   int64
}

// Session tracks one connection's ingest progress for a single project.
// It is not safe for concurrent use; a connection handles its messages
// sequentially, which is the only order that makes chunk admission meaningful.
type Session struct {
	store        *store.Store
	blobs        blob.Store
	maxChunkSize int64
	logger       *slog.Logger
	now          func() time.Time

	projectID string
	userID    string
	started   bool
	ended     bool
	lastSeq   int64
	pending   *ChunkMeta
}

// NewSession builds a session bound to one connection.
func NewSession(st *store.Store, blobs blob.Store, cfg *config.Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Session{
		store:        st,
		blobs:        blobs,
		maxChunkSize: cfg.Ingest.MaxChunkSizeBytes,
		logger:       logger.With(logging.String(logging.FieldComponent, "ingest")),
		now:          time.Now,
	}
}

// Init binds the session to a project. The project must exist, belong to the
// caller, and still be recording.
func (s *Session) Init(ctx context.Context, projectID, userID string) error {
	if err := s.active(); err != nil {
		return err
	}
	if s.started {
		return s.fail(services.Wrap(services.ErrValidation, "ingest", "init", "session already initialized", nil))
	}
	if projectID == "" || userID == "" {
		return s.fail(services.Wrap(services.ErrValidation, "ingest", "init", "project_id and user_id are required", nil))
	}

	project, err := s.store.ProjectForUser(ctx, projectID, userID)
	if err != nil {
		return s.fail(err)
	}
	if project == nil {
		return s.fail(services.Wrap(services.ErrNotFound, "ingest", "init", "project "+projectID, nil))
	}
	state, err := s.store.LoadStateFresh(ctx, projectID)
	if err != nil {
		return s.fail(err)
	}
	if state == nil || state.Stopped() || state.Status != store.StatusRecording {
		return s.fail(services.Wrap(services.ErrValidation, "ingest", "init", "recording already ended", nil))
	}

	s.projectID = projectID
	s.userID = userID
	s.lastSeq = state.LastSeq
	s.started = true
	s.logger.Info("ingest session started",
		logging.String(logging.FieldProjectID, projectID),
		logging.Int64("last_seq", s.lastSeq),
	)
	return nil
}

// AcceptMeta admits one chunk declaration. Exactly one payload must follow
// before the next declaration.
func (s *Session) AcceptMeta(ctx context.Context, meta ChunkMeta) error {
	if err := s.active(); err != nil {
		return err
	}
	if !s.started {
		return s.fail(services.Wrap(services.ErrValidation, "ingest", "chunk_meta", "session not initialized", nil))
	}
	if s.pending != nil {
		return s.fail(services.Wrap(services.ErrValidation, "ingest", "chunk_meta",
			fmt.Sprintf("payload for seq %d still outstanding", s.pending.Seq), nil))
	}
	if meta.Seq <= s.lastSeq {
		return s.fail(services.Wrap(services.ErrValidation, "ingest", "chunk_meta",
			fmt.Sprintf("seq %d not after %d", meta.Seq, s.lastSeq), nil))
	}
	if meta.DurationMS <= 0 || meta.StartMS < 0 {
		return s.fail(services.Wrap(services.ErrValidation, "ingest", "chunk_meta",
			fmt.Sprintf("bad chunk window start=%dms duration=%dms", meta.StartMS, meta.DurationMS), nil))
	}
	if meta.ByteSize <= 0 || meta.ByteSize > s.maxChunkSize {
		return s.fail(services.Wrap(services.ErrValidation, "ingest", "chunk_meta",
			fmt.Sprintf("chunk size %d outside (0, %d]", meta.ByteSize, s.maxChunkSize), nil))
	}

	state, err := s.store.LoadState(ctx, s.projectID)
	if err != nil {
		return s.fail(err)
	}
	if state == nil || state.Stopped() {
		return s.fail(services.Wrap(services.ErrValidation, "ingest", "chunk_meta", "recording already ended", nil))
	}
	if state.RecordingLimitExceeded(s.now()) {
		return s.fail(services.Wrap(services.ErrQuotaExceeded, "ingest", "chunk_meta",
			fmt.Sprintf("recording limit of %ds reached", *state.RecordingLimitSeconds), nil))
	}

	m := meta
	s.pending = &m
	return nil
}

// AcceptPayload stores the bytes for the pending declaration and commits the
// chunk. last_seq advances only after both the blob write and the state update
// succeed.
func (s *Session) AcceptPayload(ctx context.Context, data []byte) (int64, error) {
	if err := s.active(); err != nil {
		return 0, err
	}
	if !s.started || s.pending == nil {
		return 0, s.fail(services.Wrap(services.ErrValidation, "ingest", "chunk_payload", "no chunk metadata pending", nil))
	}
	meta := *s.pending
	if int64(len(data)) == 0 || int64(len(data)) > meta.ByteSize {
		return 0, s.fail(services.Wrap(services.ErrValidation, "ingest", "chunk_payload",
			fmt.Sprintf("payload of %d bytes does not match declared size %d", len(data), meta.ByteSize), nil))
	}

	state, err := s.store.LoadState(ctx, s.projectID)
	if err != nil {
		return 0, s.fail(err)
	}
	if state == nil || state.Stopped() {
		return 0, s.fail(services.Wrap(services.ErrValidation, "ingest", "chunk_payload", "recording already ended", nil))
	}

	ref, err := s.blobs.SaveChunk(ctx, s.projectID, meta.Seq, data)
	if err != nil {
		return 0, s.fail(err)
	}
	if err := s.store.AppendIngestChunk(ctx, s.projectID, store.Chunk{
		Seq:            meta.Seq,
		StartMS:        meta.StartMS,
		DurationMS:     meta.DurationMS,
		ByteSize:       int64(len(data)),
		StorageBackend: ref.Backend,
		StorageRef:     ref.Key,
	}); err != nil {
		return 0, s.fail(err)
	}

	s.lastSeq = meta.Seq
	s.pending = nil
	return meta.Seq, nil
}

// Complete ends the session cleanly. An outstanding declaration means the
// caller abandoned a chunk mid-pair, which is a protocol violation.
func (s *Session) Complete(ctx context.Context) (int64, error) {
	if err := s.active(); err != nil {
		return 0, err
	}
	if !s.started {
		return 0, s.fail(services.Wrap(services.ErrValidation, "ingest", "complete", "session not initialized", nil))
	}
	if s.pending != nil {
		return 0, s.fail(services.Wrap(services.ErrValidation, "ingest", "complete",
			fmt.Sprintf("payload for seq %d still outstanding", s.pending.Seq), nil))
	}
	s.ended = true
	s.logger.Info("ingest session completed",
		logging.String(logging.FieldProjectID, s.projectID),
		logging.Int64("last_seq", s.lastSeq),
	)
	return s.lastSeq, nil
}

// ProjectID returns the bound project, empty before Init.
func (s *Session) ProjectID() string {
	return s.projectID
}

// LastSeq returns the highest committed sequence number.
func (s *Session) LastSeq() int64 {
	return s.lastSeq
}

// Ended reports whether the session refuses further input.
func (s *Session) Ended() bool {
	return s.ended
}

func (s *Session) active() error {
	if s.ended {
		return services.Wrap(services.ErrValidation, "ingest", "session", "session already ended", nil)
	}
	return nil
}

// fail terminates the session; every violation is final.
func (s *Session) fail(err error) error {
	s.ended = true
	return err
}

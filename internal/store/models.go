package store

import (
	"strings"
	"time"
)

// Status represents the pipeline lifecycle of a project.
type Status string

const (
	StatusRecording  Status = "recording"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

var statusRank = map[Status]int{
	StatusRecording:  0,
	StatusQueued:     1,
	StatusProcessing: 2,
	StatusDone:       3,
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case StatusRecording, StatusQueued, StatusProcessing, StatusDone, StatusError:
		return normalized, true
	}
	return "", false
}

// IsTerminal reports whether the pipeline is finished with the project.
// Deletion remains possible in either case.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

// canTransition enforces monotonic forward movement, with error reachable
// from any non-terminal state.
func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	if to == StatusError {
		return true
	}
	fromRank, okFrom := statusRank[from]
	toRank, okTo := statusRank[to]
	if !okFrom || !okTo {
		return false
	}
	return toRank > fromRank
}

// TokenUsage accumulates LLM spend recorded at finalize time.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Project is the durable record row for one recording session.
type Project struct {
	ID            string
	UserID        string
	Title         string
	Participant   string
	Status        Status
	ErrorMessage  string
	OutputFile    string
	FallbackFile  string
	StylizeErrors int64
	Usage         *TokenUsage
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     *time.Time
}

// JobMap is the typed {stage: jobID} bookkeeping persisted on project state.
// Fan-out stages use composite keys such as "transcribe/seg_0003".
type JobMap map[string]string

// SegmentMetric records one segment's transcription outcome.
type SegmentMetric struct {
	SegmentID string `json:"segment_id"`
	Millis    int64  `json:"millis"`
	Success   bool   `json:"success"`
}

// Metrics is the typed processing metrics record assembled at finalize.
type Metrics struct {
	SegmentsTotal       int64           `json:"segments_total"`
	SegmentsDone        int64           `json:"segments_done"`
	PhotosTotal         int64           `json:"photos_total"`
	PhotosDone          int64           `json:"photos_done"`
	ScriptMillis        int64           `json:"script_millis"`
	TranscribeMillis    int64           `json:"transcribe_millis"`
	AvgTranscribeMillis int64           `json:"avg_transcribe_millis"`
	Segments            []SegmentMetric `json:"segments,omitempty"`
}

// State is the mutable processing record, one-to-one with a Project. Reads
// come through the TTL cache; treat the snapshot as possibly a few seconds
// stale.
type State struct {
	ProjectID             string
	UserID                string
	Title                 string
	Participant           string
	Status                Status
	StylizePhotos         bool
	RecordingStartedAt    time.Time
	RecordingLimitSeconds *int64
	StoppedAt             *time.Time
	RecordedSeconds       int64
	IngestDurationMS      int64
	IngestBytes           int64
	LastSeq               int64
	SegmentsTotal         int64
	SegmentsDone          int64
	PhotosTotal           int64
	PhotosDone            int64
	Jobs                  JobMap
	Metrics               *Metrics
	Transcript            string
}

// Stopped reports whether the recording phase has ended.
func (st *State) Stopped() bool {
	return st != nil && st.StoppedAt != nil
}

// RecordingElapsed returns wall time since recording started.
func (st *State) RecordingElapsed(now time.Time) time.Duration {
	if st == nil || st.RecordingStartedAt.IsZero() {
		return 0
	}
	elapsed := now.Sub(st.RecordingStartedAt)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// RecordingLimitExceeded reports whether the per-project recording time
// limit, when set, has elapsed.
func (st *State) RecordingLimitExceeded(now time.Time) bool {
	if st == nil || st.RecordingLimitSeconds == nil || *st.RecordingLimitSeconds <= 0 {
		return false
	}
	return st.RecordingElapsed(now) >= time.Duration(*st.RecordingLimitSeconds)*time.Second
}

// Chunk is one sequenced unit of raw captured audio.
type Chunk struct {
	Seq            int64
	StartMS        int64
	DurationMS     int64
	ByteSize       int64
	StorageBackend string
	StorageRef     string
}

// EndMS returns the chunk's end offset in the recording.
func (c Chunk) EndMS() int64 {
	return c.StartMS + c.DurationMS
}

// SegmentStatus tracks a segment's transcription lifecycle.
type SegmentStatus string

const (
	SegmentPending SegmentStatus = "pending"
	SegmentDone    SegmentStatus = "done"
)

// Segment is a contiguous slice of the recording bounded by photo timestamps.
type Segment struct {
	SegmentID    string
	StartMS      int64
	EndMS        int64
	AudioPath    string
	Status       SegmentStatus
	Text         string
	TranscribeMS int64
}

// Photo is a captured image anchored to a recording offset.
type Photo struct {
	PhotoID      string
	TMS          int64
	OriginalPath string
	StylizedPath string
}

// NewProject carries the inputs for project creation.
type NewProject struct {
	UserID                string
	Title                 string
	Participant           string
	StylizePhotos         bool
	RecordingLimitSeconds *int64
	ExpiresAt             *time.Time
}

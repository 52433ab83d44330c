package database

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a job, chunk, or transcript row does not exist.
var ErrNotFound = errors.New("not found")

// ErrByteLimit is returned by RecordChunk when accepting the chunk would push
// the job's bytes_received past the configured ceiling.
var ErrByteLimit = errors.New("upload byte limit exceeded")

// Status is a job's position in the processing state machine.
type Status string

const (
	StatusCreated    Status = "created"
	StatusUploading  Status = "uploading"
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusCanceled
}

// AcceptsChunks reports whether chunk uploads are allowed in this status.
func (s Status) AcceptsChunks() bool {
	return s == StatusCreated || s == StatusUploading
}

// ActiveStatuses lists every non-terminal status.
var ActiveStatuses = []Status{StatusCreated, StatusUploading, StatusUploaded, StatusProcessing}

// Job is one transcription request and its worker-claim bookkeeping.
type Job struct {
	ID                  string
	UserID              string
	Fingerprint         string
	MediaURL            string // redacted
	MediaURLNormalized  string
	DurationMs          *int64
	Provider            string
	Status              Status
	ExpectedChunks      *int
	BytesReceived       int64
	LanguageHint        *string
	MaxMinutes          *int
	Error               *string
	WorkerID            *string
	ProcessingStartedAt *time.Time
	HeartbeatAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
	FinishedAt          *time.Time
}

// Stale reports whether a processing job's claim may be taken over.
func (j *Job) Stale(staleBefore time.Time) bool {
	if j.Status != StatusProcessing {
		return false
	}
	if j.WorkerID == nil || j.HeartbeatAt == nil {
		return true
	}
	return j.HeartbeatAt.Before(staleBefore)
}

// Chunk is one stored upload fragment.
type Chunk struct {
	JobID      string
	Index      int
	SizeBytes  int64
	StorageKey string
	CreatedAt  time.Time
}

// ChunkStats summarizes the stored chunk indices of a job.
type ChunkStats struct {
	Count    int
	MinIndex int
	MaxIndex int
}

// Contiguous reports whether the stored indices span exactly [0, expected-1].
// Indices are unique per job, so count plus bounds is sufficient.
func (s ChunkStats) Contiguous(expected int) bool {
	return expected > 0 && s.Count == expected && s.MinIndex == 0 && s.MaxIndex == expected-1
}

// Cue is one timed line of transcript text.
type Cue struct {
	StartMs    int64    `json:"start_ms"`
	EndMs      int64    `json:"end_ms"`
	Text       string   `json:"text"`
	Speaker    string   `json:"speaker,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Transcript is the cached result for one (user, fingerprint).
type Transcript struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"-"`
	Fingerprint        string    `json:"fingerprint"`
	Provider           string    `json:"provider,omitempty"`
	MediaURL           string    `json:"media_url,omitempty"`
	MediaURLNormalized string    `json:"media_url_normalized,omitempty"`
	DurationMs         *int64    `json:"duration_ms,omitempty"`
	Text               string    `json:"text"`
	Segments           []Cue     `json:"segments"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

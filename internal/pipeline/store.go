package pipeline

import (
	"context"
	"time"

	"github.com/snarg/transcriptd/internal/database"
)

// JobStore is the job half of the repository. Every status write is a
// single-row conditional update so no in-process locking is needed across
// workers.
type JobStore interface {
	CreateJob(ctx context.Context, j *database.Job) error
	GetJob(ctx context.Context, id string) (*database.Job, error)
	FindActiveJob(ctx context.Context, userID, fingerprint string) (*database.Job, error)
	CountJobsSince(ctx context.Context, userID string, since time.Time) (int, error)
	CountActiveJobs(ctx context.Context, userID string) (int, error)
	ListActiveJobs(ctx context.Context, userID string) ([]*database.Job, error)
	SetExpectedChunks(ctx context.Context, id string, n int) (int, error)
	SetJobOptions(ctx context.Context, id string, languageHint *string, maxMinutes *int) error
	AdvanceStatus(ctx context.Context, id string, from []database.Status, to database.Status) (bool, error)
	CancelJob(ctx context.Context, id, message string) (bool, error)

	ClaimJob(ctx context.Context, id, workerID string, staleBefore time.Time) (*database.Job, error)
	Heartbeat(ctx context.Context, id, workerID string) (bool, error)
	FinishJob(ctx context.Context, id, workerID string, status database.Status, message string) (bool, error)
	ReleaseClaim(ctx context.Context, id, workerID string) (bool, error)
	CompleteJob(ctx context.Context, id, workerID string, t *database.Transcript) (bool, error)

	ListStaleProcessing(ctx context.Context, staleBefore time.Time, limit int) ([]string, error)
	ExpireJobs(ctx context.Context, createdBefore time.Time, message string) ([]string, error)
	FailActiveJob(ctx context.Context, id, message string) (bool, error)
}

// ChunkIndex records which chunks of a job are stored.
type ChunkIndex interface {
	RecordChunk(ctx context.Context, c *database.Chunk, maxBytes int64) (bool, error)
	ChunkExists(ctx context.Context, jobID string, index int) (bool, error)
	ChunkStats(ctx context.Context, jobID string) (database.ChunkStats, error)
	ListChunks(ctx context.Context, jobID string) ([]database.Chunk, error)
	ListRetainedChunkJobs(ctx context.Context, finishedBefore time.Time, limit int) ([]string, error)
	ListChunksOlderThan(ctx context.Context, before time.Time, limit int) ([]database.Chunk, error)
	DeleteChunkRows(ctx context.Context, jobID string, indexes []int) (int64, error)
}

// TranscriptStore persists completed transcripts.
type TranscriptStore interface {
	GetTranscript(ctx context.Context, userID, fingerprint string) (*database.Transcript, error)
	UpsertTranscript(ctx context.Context, t *database.Transcript) error
}

// Store is everything the pipeline needs from the repository. *database.DB
// satisfies it.
type Store interface {
	JobStore
	ChunkIndex
	TranscriptStore
}

var _ Store = (*database.DB)(nil)

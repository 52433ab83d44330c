package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/transcriptd/internal/cache"
	"github.com/snarg/transcriptd/internal/config"
	"github.com/snarg/transcriptd/internal/database"
	"github.com/snarg/transcriptd/internal/events"
	"github.com/snarg/transcriptd/internal/metrics"
	"github.com/snarg/transcriptd/internal/ratelimit"
	"github.com/snarg/transcriptd/internal/storage"
)

// Dispatcher hands finalized jobs to a runner.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string, live RunOptions) (bool, error)
	Cancel(jobID string) bool
	StaleAfter() time.Duration
}

type CreateRequest struct {
	Fingerprint        string
	MediaURL           string
	MediaURLNormalized string
	DurationMs         *int64
	Provider           string
	ExpectedChunks     *int
}

// JobRef is the result of CreateJob. A cached ref has no JobID and carries
// the stored transcript instead.
type JobRef struct {
	JobID          string               `json:"job_id,omitempty"`
	Status         database.Status      `json:"status"`
	Cached         bool                 `json:"cached"`
	Resumed        bool                 `json:"resumed,omitempty"`
	ReceivedChunks []int                `json:"received_chunks,omitempty"`
	Transcript     *database.Transcript `json:"transcript,omitempty"`
}

type ChunkResult struct {
	Accepted      bool            `json:"accepted"`
	Duplicate     bool            `json:"duplicate"`
	Status        database.Status `json:"status"`
	BytesReceived int64           `json:"bytes_received"`
}

type FinalizeRequest struct {
	LanguageHint   *string
	MaxMinutes     *int
	ExpectedChunks *int
}

// Snapshot is the externally visible state of a job.
type Snapshot struct {
	ID             string               `json:"id"`
	Status         database.Status      `json:"status"`
	Error          *string              `json:"error,omitempty"`
	ExpectedChunks *int                 `json:"expected_chunks,omitempty"`
	ReceivedChunks int                  `json:"received_chunks"`
	BytesReceived  int64                `json:"bytes_received"`
	Missing        []int                `json:"missing,omitempty"`
	Transcript     *database.Transcript `json:"transcript,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// ExternalTranscript is a transcript computed outside the pipeline, such as
// captions published by the media source.
type ExternalTranscript struct {
	Fingerprint        string
	Provider           string
	MediaURL           string
	MediaURLNormalized string
	DurationMs         *int64
	Text               string
	Segments           []database.Cue
}

type CoordinatorOptions struct {
	Store   Store
	Chunks  storage.ChunkStore
	Runner  Dispatcher
	Limiter ratelimit.Limiter // optional
	Cache   cache.Transcripts // optional
	Events  events.Publisher  // optional
	Limits  config.Limits
	Log     zerolog.Logger
}

// Coordinator validates and ingests uploads and drives jobs up to the
// point where a runner takes over.
type Coordinator struct {
	store   Store
	chunks  storage.ChunkStore
	runner  Dispatcher
	limiter ratelimit.Limiter
	cache   cache.Transcripts
	events  events.Publisher
	limits  config.Limits
	log     zerolog.Logger
	now     func() time.Time
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	c := &Coordinator{
		store:   opts.Store,
		chunks:  opts.Chunks,
		runner:  opts.Runner,
		limiter: opts.Limiter,
		cache:   opts.Cache,
		events:  opts.Events,
		limits:  opts.Limits,
		log:     opts.Log.With().Str("component", "coordinator").Logger(),
		now:     time.Now,
	}
	if c.limiter == nil {
		c.limiter = ratelimit.Unlimited{}
	}
	if c.cache == nil {
		c.cache = cache.NewMemoryTranscripts(10*time.Minute, 1000)
	}
	if c.events == nil {
		c.events = events.Nop{}
	}
	return c
}

var fingerprintRe = regexp.MustCompile(`^[A-Za-z0-9._:\-]{8,128}$`)

func validateFingerprint(fp string) error {
	if !fingerprintRe.MatchString(fp) {
		return newError(KindValidation, CodeInvalidFingerprint,
			"fingerprint must be 8-128 characters of letters, digits, '.', '_', ':' or '-'")
	}
	return nil
}

func parseMediaURL(raw string) (*url.URL, error) {
	invalid := newError(KindValidation, CodeInvalidMediaURL, "media_url must be an absolute http(s) URL")
	if raw == "" || len(raw) > 4096 {
		return nil, invalid
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, invalid
	}
	return u, nil
}

// redactURL drops credentials, query and fragment, which commonly carry
// signed tokens.
func redactURL(u *url.URL) string {
	r := *u
	r.User = nil
	r.RawQuery = ""
	r.Fragment = ""
	return r.String()
}

func normalizeURL(u *url.URL) string {
	r := *u
	r.User = nil
	r.RawQuery = ""
	r.Fragment = ""
	r.Scheme = strings.ToLower(r.Scheme)
	r.Host = strings.TrimPrefix(strings.ToLower(r.Host), "www.")
	r.Path = strings.TrimSuffix(r.Path, "/")
	return r.String()
}

// CreateJob registers a transcription request. If a transcript for the
// fingerprint already exists it is returned instead, and an unfinished job
// for the same fingerprint is resumed rather than duplicated.
func (c *Coordinator) CreateJob(ctx context.Context, userID string, req CreateRequest) (*JobRef, error) {
	if err := validateFingerprint(req.Fingerprint); err != nil {
		return nil, err
	}
	u, err := parseMediaURL(req.MediaURL)
	if err != nil {
		return nil, err
	}
	if req.ExpectedChunks != nil {
		if err := c.validateChunkCount(*req.ExpectedChunks); err != nil {
			return nil, err
		}
	}
	if req.DurationMs != nil && *req.DurationMs < 0 {
		return nil, newError(KindValidation, CodeDurationExceeded, "duration_ms must not be negative")
	}

	t, err := c.lookupTranscript(ctx, userID, req.Fingerprint)
	if err != nil {
		return nil, err
	}
	if t != nil {
		metrics.JobsCreatedTotal.WithLabelValues("cached").Inc()
		return &JobRef{Status: database.StatusDone, Cached: true, Transcript: t}, nil
	}

	existing, err := c.store.FindActiveJob(ctx, userID, req.Fingerprint)
	switch {
	case err == nil:
		return c.resume(ctx, existing, req.ExpectedChunks)
	case !errors.Is(err, database.ErrNotFound):
		return nil, fmt.Errorf("find active job: %w", err)
	}

	if limit := c.limits.MaxDurationMinutes; limit > 0 && req.DurationMs != nil && *req.DurationMs > int64(limit)*60_000 {
		return nil, newError(KindValidation, CodeDurationExceeded, "media is longer than the %d minute limit", limit)
	}
	if err := c.checkQuota(ctx, userID); err != nil {
		return nil, err
	}

	normalized := strings.TrimSpace(req.MediaURLNormalized)
	if normalized == "" {
		normalized = normalizeURL(u)
	}
	job := &database.Job{
		ID:                 uuid.NewString(),
		UserID:             userID,
		Fingerprint:        req.Fingerprint,
		MediaURL:           redactURL(u),
		MediaURLNormalized: normalized,
		DurationMs:         req.DurationMs,
		Provider:           req.Provider,
		Status:             database.StatusCreated,
		ExpectedChunks:     req.ExpectedChunks,
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	metrics.JobsCreatedTotal.WithLabelValues("created").Inc()
	c.publish(job, database.StatusCreated, "")
	c.log.Info().Str("job_id", job.ID).Str("user_id", userID).Msg("job created")
	return &JobRef{JobID: job.ID, Status: job.Status}, nil
}

func (c *Coordinator) resume(ctx context.Context, job *database.Job, expected *int) (*JobRef, error) {
	if _, err := c.applyExpected(ctx, job, expected); err != nil {
		return nil, err
	}
	records, err := c.store.ListChunks(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	metrics.JobsCreatedTotal.WithLabelValues("resumed").Inc()
	return &JobRef{JobID: job.ID, Status: job.Status, Resumed: true, ReceivedChunks: chunkIndexes(records)}, nil
}

func (c *Coordinator) checkQuota(ctx context.Context, userID string) error {
	if limit := c.limits.MaxJobsPerDay; limit > 0 {
		n, err := c.store.CountJobsSince(ctx, userID, c.now().Add(-24*time.Hour))
		if err != nil {
			return fmt.Errorf("count jobs: %w", err)
		}
		if n >= limit {
			return newError(KindQuota, CodeQuotaExceeded, "daily job limit of %d reached", limit)
		}
	}
	if limit := c.limits.MaxActiveJobs; limit > 0 {
		n, err := c.store.CountActiveJobs(ctx, userID)
		if err != nil {
			return fmt.Errorf("count active jobs: %w", err)
		}
		if n >= limit {
			return newError(KindQuota, CodeQuotaExceeded, "limit of %d concurrent jobs reached", limit)
		}
	}
	return nil
}

func (c *Coordinator) validateChunkCount(n int) error {
	if n < 1 || (c.limits.MaxChunks > 0 && n > c.limits.MaxChunks) {
		return newError(KindValidation, CodeInvalidChunkIndex,
			"expected_total_chunks must be between 1 and %d", c.limits.MaxChunks)
	}
	return nil
}

// applyExpected records the expected chunk count the first time it is
// given and rejects later values that disagree. A first value that does not
// cover the chunks already stored is rejected without being recorded. It
// returns the effective count, nil while still unknown.
func (c *Coordinator) applyExpected(ctx context.Context, job *database.Job, n *int) (*int, error) {
	if n == nil {
		return job.ExpectedChunks, nil
	}
	if err := c.validateChunkCount(*n); err != nil {
		return nil, err
	}
	if job.ExpectedChunks == nil {
		stats, err := c.store.ChunkStats(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("chunk stats: %w", err)
		}
		if stats.MaxIndex >= *n {
			return nil, newError(KindValidation, CodeChunkCountMismatch,
				"expected_total_chunks %d is below the highest stored chunk index %d", *n, stats.MaxIndex)
		}
		stored, err := c.store.SetExpectedChunks(ctx, job.ID, *n)
		if err != nil {
			return nil, fmt.Errorf("set expected chunks: %w", err)
		}
		job.ExpectedChunks = &stored
	}
	if *job.ExpectedChunks != *n {
		return nil, newError(KindValidation, CodeChunkCountMismatch,
			"expected_total_chunks is %d for this job, got %d", *job.ExpectedChunks, *n)
	}
	return job.ExpectedChunks, nil
}

// UploadChunk stores one chunk. Re-sending an index that is already stored
// is a no-op reported as a duplicate. The bytes are written to the chunk
// store before the row is recorded, so a failed write records nothing.
func (c *Coordinator) UploadChunk(ctx context.Context, userID, jobID string, index int, data []byte, expectedTotal *int) (*ChunkResult, error) {
	if index < 0 || (c.limits.MaxChunks > 0 && index >= c.limits.MaxChunks) {
		return nil, newError(KindValidation, CodeInvalidChunkIndex, "chunk index must be between 0 and %d", c.limits.MaxChunks-1)
	}
	size := int64(len(data))
	if c.limits.MaxChunkBytes > 0 && size > c.limits.MaxChunkBytes {
		return nil, newError(KindTooLarge, CodeSizeLimit, "chunk exceeds the %d byte limit", c.limits.MaxChunkBytes)
	}

	job, err := c.ownedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == database.StatusError || job.Status == database.StatusCanceled {
		return nil, newError(KindState, CodeNotUploadable, "job is %s and no longer accepts chunks", job.Status)
	}
	expected, err := c.applyExpected(ctx, job, expectedTotal)
	if err != nil {
		return nil, err
	}
	if expected != nil && index >= *expected {
		return nil, newError(KindValidation, CodeInvalidChunkIndex,
			"chunk index %d is outside 0..%d", index, *expected-1)
	}

	exists, err := c.store.ChunkExists(ctx, job.ID, index)
	if err != nil {
		return nil, fmt.Errorf("check chunk: %w", err)
	}
	if exists {
		metrics.ChunksTotal.WithLabelValues("duplicate").Inc()
		return &ChunkResult{Accepted: true, Duplicate: true, Status: job.Status, BytesReceived: job.BytesReceived}, nil
	}
	if !job.Status.AcceptsChunks() {
		return nil, newError(KindState, CodeNotUploadable, "job is %s and no longer accepts chunks", job.Status)
	}

	maxBytes := c.limits.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = math.MaxInt64
	}
	if job.BytesReceived+size > maxBytes {
		metrics.ChunksTotal.WithLabelValues("rejected").Inc()
		return nil, newError(KindTooLarge, CodeSizeLimit, "upload exceeds the %d byte limit", maxBytes)
	}

	ok, retryAfter, err := c.limiter.Allow(ctx, userID, size)
	if err != nil {
		c.log.Warn().Err(err).Str("user_id", userID).Msg("rate limiter unavailable, allowing chunk")
	} else if !ok {
		metrics.ChunksTotal.WithLabelValues("rejected").Inc()
		e := newError(KindQuota, CodeRateLimited, "upload rate limit reached, retry later")
		e.RetryAfter = retryAfter
		return nil, e
	}

	key := database.ChunkKey(job.ID, index)
	if err := c.chunks.Save(ctx, key, data); err != nil {
		return nil, fmt.Errorf("store chunk: %w", err)
	}

	inserted, err := c.store.RecordChunk(ctx, &database.Chunk{
		JobID:      job.ID,
		Index:      index,
		SizeBytes:  size,
		StorageKey: key,
	}, maxBytes)
	if errors.Is(err, database.ErrByteLimit) {
		if derr := c.chunks.Delete(ctx, key); derr != nil {
			c.log.Warn().Err(derr).Str("key", key).Msg("failed to delete rejected chunk")
		}
		metrics.ChunksTotal.WithLabelValues("rejected").Inc()
		return nil, newError(KindTooLarge, CodeSizeLimit, "upload exceeds the %d byte limit", maxBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("record chunk: %w", err)
	}
	if !inserted {
		metrics.ChunksTotal.WithLabelValues("duplicate").Inc()
		return &ChunkResult{Accepted: true, Duplicate: true, Status: job.Status, BytesReceived: job.BytesReceived}, nil
	}
	metrics.ChunksTotal.WithLabelValues("accepted").Inc()
	metrics.ChunkBytesTotal.Add(float64(size))

	status := job.Status
	if status == database.StatusCreated {
		advanced, err := c.store.AdvanceStatus(ctx, job.ID, []database.Status{database.StatusCreated}, database.StatusUploading)
		if err != nil {
			return nil, fmt.Errorf("advance to uploading: %w", err)
		}
		if advanced {
			c.transition(job, database.StatusUploading)
		}
		status = database.StatusUploading
	}

	if expected != nil {
		complete, err := c.markUploadedIfComplete(ctx, job, *expected)
		if err != nil {
			return nil, err
		}
		if complete {
			status = database.StatusUploaded
		}
	}

	return &ChunkResult{Accepted: true, Status: status, BytesReceived: job.BytesReceived + size}, nil
}

// markUploadedIfComplete advances the job to uploaded when the stored
// indices are exactly [0, expected-1].
func (c *Coordinator) markUploadedIfComplete(ctx context.Context, job *database.Job, expected int) (bool, error) {
	stats, err := c.store.ChunkStats(ctx, job.ID)
	if err != nil {
		return false, fmt.Errorf("chunk stats: %w", err)
	}
	if !stats.Contiguous(expected) {
		return false, nil
	}
	advanced, err := c.store.AdvanceStatus(ctx, job.ID,
		[]database.Status{database.StatusCreated, database.StatusUploading}, database.StatusUploaded)
	if err != nil {
		return false, fmt.Errorf("advance to uploaded: %w", err)
	}
	if advanced {
		c.transition(job, database.StatusUploaded)
		c.log.Info().Str("job_id", job.ID).Int("chunks", expected).Msg("upload complete")
	}
	return true, nil
}

// FinalizeJob verifies the upload is complete and hands the job to the
// runner. It is idempotent: terminal jobs and jobs with a live claim are
// returned as they are.
func (c *Coordinator) FinalizeJob(ctx context.Context, userID, jobID string, req FinalizeRequest) (*Snapshot, error) {
	job, err := c.ownedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return c.snapshot(ctx, job)
	}
	if job.Status == database.StatusProcessing && !job.Stale(c.now().Add(-c.runner.StaleAfter())) {
		return c.snapshot(ctx, job)
	}

	expected, err := c.applyExpected(ctx, job, req.ExpectedChunks)
	if err != nil {
		return nil, err
	}
	if req.MaxMinutes != nil && *req.MaxMinutes < 0 {
		return nil, newError(KindValidation, CodeDurationExceeded, "max_minutes must not be negative")
	}
	if req.LanguageHint != nil || req.MaxMinutes != nil {
		if err := c.store.SetJobOptions(ctx, job.ID, req.LanguageHint, req.MaxMinutes); err != nil {
			return nil, fmt.Errorf("save job options: %w", err)
		}
	}

	if job.Status != database.StatusProcessing {
		if expected == nil {
			return nil, &Error{Kind: KindState, Code: CodeMissingChunks,
				Message: "expected_total_chunks is unknown; send it with a chunk or with finalize"}
		}
		complete, err := c.markUploadedIfComplete(ctx, job, *expected)
		if err != nil {
			return nil, err
		}
		if !complete {
			records, err := c.store.ListChunks(ctx, job.ID)
			if err != nil {
				return nil, fmt.Errorf("list chunks: %w", err)
			}
			e := newError(KindState, CodeMissingChunks, "upload incomplete: %d of %d chunks received", len(records), *expected)
			e.Missing = missingIndices(*expected, chunkIndexes(records))
			return nil, e
		}
	}

	claimed, err := c.runner.Dispatch(ctx, job.ID, RunOptions{LanguageHint: req.LanguageHint, MaxMinutes: req.MaxMinutes})
	if err != nil {
		return nil, fmt.Errorf("dispatch job: %w", err)
	}
	c.log.Info().Str("job_id", job.ID).Bool("claimed", claimed).Msg("job finalized")

	return c.Status(ctx, userID, job.ID)
}

// CancelJob cancels a non-terminal job. Terminal jobs are returned untouched.
func (c *Coordinator) CancelJob(ctx context.Context, userID, jobID string) (*Snapshot, error) {
	job, err := c.ownedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if err := c.cancel(ctx, job); err != nil {
		return nil, err
	}
	return c.Status(ctx, userID, jobID)
}

// CancelAllActive cancels every non-terminal job of the user.
func (c *Coordinator) CancelAllActive(ctx context.Context, userID string) ([]*Snapshot, error) {
	jobs, err := c.store.ListActiveJobs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	out := make([]*Snapshot, 0, len(jobs))
	for _, job := range jobs {
		if err := c.cancel(ctx, job); err != nil {
			return nil, err
		}
		snap, err := c.Status(ctx, userID, job.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (c *Coordinator) cancel(ctx context.Context, job *database.Job) error {
	if job.Status.Terminal() {
		return nil
	}
	ok, err := c.store.CancelJob(ctx, job.ID, "Canceled")
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if ok {
		c.runner.Cancel(job.ID)
		c.transition(job, database.StatusCanceled)
		c.log.Info().Str("job_id", job.ID).Msg("job canceled")
	}
	return nil
}

// Status returns the job's current snapshot.
func (c *Coordinator) Status(ctx context.Context, userID, jobID string) (*Snapshot, error) {
	job, err := c.ownedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	return c.snapshot(ctx, job)
}

func (c *Coordinator) snapshot(ctx context.Context, job *database.Job) (*Snapshot, error) {
	s := &Snapshot{
		ID:             job.ID,
		Status:         job.Status,
		Error:          job.Error,
		ExpectedChunks: job.ExpectedChunks,
		BytesReceived:  job.BytesReceived,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}

	switch job.Status {
	case database.StatusCreated, database.StatusUploading:
		records, err := c.store.ListChunks(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("list chunks: %w", err)
		}
		s.ReceivedChunks = len(records)
		if job.ExpectedChunks != nil {
			s.Missing = missingIndices(*job.ExpectedChunks, chunkIndexes(records))
		}
	case database.StatusDone:
		t, err := c.lookupTranscript(ctx, job.UserID, job.Fingerprint)
		if err != nil {
			return nil, err
		}
		s.Transcript = t
		if job.ExpectedChunks != nil {
			s.ReceivedChunks = *job.ExpectedChunks
		}
	default:
		stats, err := c.store.ChunkStats(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("chunk stats: %w", err)
		}
		s.ReceivedChunks = stats.Count
	}
	return s, nil
}

// PutExternalTranscript stores a transcript produced elsewhere, bypassing
// the pipeline.
func (c *Coordinator) PutExternalTranscript(ctx context.Context, userID string, req ExternalTranscript) (*database.Transcript, error) {
	if err := validateFingerprint(req.Fingerprint); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Provider) == "" {
		return nil, newError(KindValidation, CodeInvalidProvider, "provider is required")
	}
	t := &database.Transcript{
		UserID:             userID,
		Fingerprint:        req.Fingerprint,
		Provider:           req.Provider,
		MediaURLNormalized: strings.TrimSpace(req.MediaURLNormalized),
		DurationMs:         req.DurationMs,
		Text:               req.Text,
		Segments:           req.Segments,
	}
	if req.MediaURL != "" {
		u, err := parseMediaURL(req.MediaURL)
		if err != nil {
			return nil, err
		}
		t.MediaURL = redactURL(u)
		if t.MediaURLNormalized == "" {
			t.MediaURLNormalized = normalizeURL(u)
		}
	}
	if t.Segments == nil {
		t.Segments = []database.Cue{}
	}
	for i, cue := range t.Segments {
		if cue.StartMs < 0 || cue.EndMs < cue.StartMs {
			return nil, newError(KindValidation, CodeInvalidSegment, "segment %d has an invalid time range", i)
		}
	}
	if strings.TrimSpace(t.Text) == "" {
		parts := make([]string, 0, len(t.Segments))
		for _, cue := range t.Segments {
			if s := strings.TrimSpace(cue.Text); s != "" {
				parts = append(parts, s)
			}
		}
		t.Text = strings.Join(parts, " ")
	}

	if err := c.store.UpsertTranscript(ctx, t); err != nil {
		return nil, fmt.Errorf("store transcript: %w", err)
	}
	c.cache.Put(ctx, t)
	return t, nil
}

// GetTranscript looks up a cached transcript. A non-empty provider must
// match the stored one.
func (c *Coordinator) GetTranscript(ctx context.Context, userID, fingerprint, provider string) (*database.Transcript, error) {
	if err := validateFingerprint(fingerprint); err != nil {
		return nil, err
	}
	t, err := c.lookupTranscript(ctx, userID, fingerprint)
	if err != nil {
		return nil, err
	}
	if t == nil || (provider != "" && t.Provider != provider) {
		return nil, newError(KindNotFound, CodeTranscriptNotFound, "transcript not found")
	}
	return t, nil
}

func (c *Coordinator) lookupTranscript(ctx context.Context, userID, fingerprint string) (*database.Transcript, error) {
	if t, ok := c.cache.Get(ctx, userID, fingerprint); ok {
		return t, nil
	}
	t, err := c.store.GetTranscript(ctx, userID, fingerprint)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transcript: %w", err)
	}
	c.cache.Put(ctx, t)
	return t, nil
}

// ownedJob loads a job, reporting jobs of other users as not found.
func (c *Coordinator) ownedJob(ctx context.Context, userID, jobID string) (*database.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, errNotFound()
	}
	job, err := c.store.GetJob(ctx, jobID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, errNotFound()
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if job.UserID != userID {
		return nil, errNotFound()
	}
	return job, nil
}

func (c *Coordinator) transition(job *database.Job, status database.Status) {
	metrics.JobTransitionsTotal.WithLabelValues(string(status)).Inc()
	msg := ""
	if status == database.StatusCanceled {
		msg = "Canceled"
	}
	c.publish(job, status, msg)
}

func (c *Coordinator) publish(job *database.Job, status database.Status, msg string) {
	c.events.PublishJob(context.Background(), events.JobEvent{
		JobID:  job.ID,
		UserID: job.UserID,
		Status: string(status),
		Error:  msg,
		At:     c.now().UTC(),
	})
}

func chunkIndexes(records []database.Chunk) []int {
	out := make([]int, len(records))
	for i, r := range records {
		out[i] = r.Index
	}
	return out
}

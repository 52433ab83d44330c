package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/transcriptd/internal/database"
	"github.com/snarg/transcriptd/internal/pipeline"
)

// JobService is the upload coordinator as seen by the HTTP layer.
type JobService interface {
	CreateJob(ctx context.Context, userID string, req pipeline.CreateRequest) (*pipeline.JobRef, error)
	UploadChunk(ctx context.Context, userID, jobID string, index int, data []byte, expectedTotal *int) (*pipeline.ChunkResult, error)
	FinalizeJob(ctx context.Context, userID, jobID string, req pipeline.FinalizeRequest) (*pipeline.Snapshot, error)
	Status(ctx context.Context, userID, jobID string) (*pipeline.Snapshot, error)
	CancelJob(ctx context.Context, userID, jobID string) (*pipeline.Snapshot, error)
	CancelAllActive(ctx context.Context, userID string) ([]*pipeline.Snapshot, error)
	PutExternalTranscript(ctx context.Context, userID string, req pipeline.ExternalTranscript) (*database.Transcript, error)
	GetTranscript(ctx context.Context, userID, fingerprint, provider string) (*database.Transcript, error)
}

var _ JobService = (*pipeline.Coordinator)(nil)

type JobsHandler struct {
	svc           JobService
	maxChunkBytes int64
	chunkTimeout  time.Duration
}

func NewJobsHandler(svc JobService, maxChunkBytes int64, chunkTimeout time.Duration) *JobsHandler {
	return &JobsHandler{svc: svc, maxChunkBytes: maxChunkBytes, chunkTimeout: chunkTimeout}
}

type createJobBody struct {
	Fingerprint         string `json:"fingerprint"`
	MediaURL            string `json:"media_url"`
	MediaURLNormalized  string `json:"media_url_normalized"`
	DurationMs          *int64 `json:"duration_ms"`
	Provider            string `json:"provider"`
	ExpectedTotalChunks *int   `json:"expected_total_chunks"`
}

// CreateJob handles POST /jobs.
func (h *JobsHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var body createJobBody
	if err := DecodeJSON(r, &body); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	ref, err := h.svc.CreateJob(r.Context(), UserFromContext(r.Context()), pipeline.CreateRequest{
		Fingerprint:        body.Fingerprint,
		MediaURL:           body.MediaURL,
		MediaURLNormalized: body.MediaURLNormalized,
		DurationMs:         body.DurationMs,
		Provider:           body.Provider,
		ExpectedChunks:     body.ExpectedTotalChunks,
	})
	if err != nil {
		writePipelineError(w, r, err)
		return
	}
	status := http.StatusCreated
	if ref.Cached || ref.Resumed {
		status = http.StatusOK
	}
	WriteJSON(w, status, ref)
}

// UploadChunk handles PUT /jobs/{id}/chunks. The body is the raw chunk.
func (h *JobsHandler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	index, ok, err := headerOrQueryInt(r, "X-Chunk-Index", "index")
	if err != nil || !ok {
		WriteErrorCode(w, http.StatusBadRequest, "X-Chunk-Index header or index query parameter required", pipeline.CodeInvalidChunkIndex)
		return
	}
	var expected *int
	if n, ok, err := headerOrQueryInt(r, "X-Total-Chunks", "total"); err != nil {
		WriteErrorCode(w, http.StatusBadRequest, "X-Total-Chunks must be an integer", pipeline.CodeInvalidChunkIndex)
		return
	} else if ok {
		expected = &n
	}

	ctx := r.Context()
	if h.chunkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.chunkTimeout)
		defer cancel()
		_ = http.NewResponseController(w).SetReadDeadline(time.Now().Add(h.chunkTimeout))
	}

	body := r.Body
	if h.maxChunkBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxChunkBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteErrorCode(w, http.StatusRequestEntityTooLarge, "chunk exceeds the per-chunk size limit", pipeline.CodeSizeLimit)
			return
		}
		WriteErrorDetail(w, http.StatusBadRequest, "failed to read chunk body", err.Error())
		return
	}

	res, err := h.svc.UploadChunk(ctx, UserFromContext(ctx), chi.URLParam(r, "id"), index, data, expected)
	if err != nil {
		writePipelineError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

type finalizeBody struct {
	LanguageHint        *string `json:"language_hint"`
	MaxMinutes          *int    `json:"max_minutes"`
	ExpectedTotalChunks *int    `json:"expected_total_chunks"`
}

// FinalizeJob handles POST /jobs/{id}/finalize. An empty body is allowed.
func (h *JobsHandler) FinalizeJob(w http.ResponseWriter, r *http.Request) {
	var body finalizeBody
	if r.ContentLength != 0 {
		if err := DecodeJSON(r, &body); err != nil && !errors.Is(err, io.EOF) {
			WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
	}
	snap, err := h.svc.FinalizeJob(r.Context(), UserFromContext(r.Context()), chi.URLParam(r, "id"), pipeline.FinalizeRequest{
		LanguageHint:   body.LanguageHint,
		MaxMinutes:     body.MaxMinutes,
		ExpectedChunks: body.ExpectedTotalChunks,
	})
	if err != nil {
		writePipelineError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, snap)
}

// GetJob handles GET /jobs/{id}.
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Status(r.Context(), UserFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writePipelineError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

// CancelJob handles POST /jobs/{id}/cancel.
func (h *JobsHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.CancelJob(r.Context(), UserFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writePipelineError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

// CancelActive handles POST /jobs/cancel-active.
func (h *JobsHandler) CancelActive(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.svc.CancelAllActive(r.Context(), UserFromContext(r.Context()))
	if err != nil {
		writePipelineError(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []*pipeline.Snapshot{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"jobs": snaps})
}

type transcriptBody struct {
	Fingerprint        string         `json:"fingerprint"`
	Provider           string         `json:"provider"`
	MediaURL           string         `json:"media_url"`
	MediaURLNormalized string         `json:"media_url_normalized"`
	DurationMs         *int64         `json:"duration_ms"`
	Text               string         `json:"text"`
	Segments           []database.Cue `json:"segments"`
}

// PutTranscript handles POST /transcripts.
func (h *JobsHandler) PutTranscript(w http.ResponseWriter, r *http.Request) {
	var body transcriptBody
	if err := DecodeJSON(r, &body); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	tr, err := h.svc.PutExternalTranscript(r.Context(), UserFromContext(r.Context()), pipeline.ExternalTranscript{
		Fingerprint:        body.Fingerprint,
		Provider:           body.Provider,
		MediaURL:           body.MediaURL,
		MediaURLNormalized: body.MediaURLNormalized,
		DurationMs:         body.DurationMs,
		Text:               body.Text,
		Segments:           body.Segments,
	})
	if err != nil {
		writePipelineError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, tr)
}

// GetTranscript handles GET /transcripts?fingerprint=&provider=.
func (h *JobsHandler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fp := q.Get("fingerprint")
	if fp == "" {
		WriteErrorCode(w, http.StatusBadRequest, "fingerprint query parameter required", pipeline.CodeInvalidFingerprint)
		return
	}
	tr, err := h.svc.GetTranscript(r.Context(), UserFromContext(r.Context()), fp, q.Get("provider"))
	if err != nil {
		writePipelineError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, tr)
}

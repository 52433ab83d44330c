package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/snarg/transcriptd/internal/media"
	"github.com/snarg/transcriptd/internal/transcribe"
)

// ErrCanceled is returned by a run whose cancellation flag was observed.
var ErrCanceled = media.ErrCanceled

// Kind classifies an Error for callers that map it to a transport status.
type Kind string

const (
	KindValidation Kind = "validation"
	KindQuota      Kind = "quota"
	KindState      Kind = "state"
	KindNotFound   Kind = "not_found"
	KindTooLarge   Kind = "too_large"
)

// Error codes.
const (
	CodeInvalidFingerprint = "invalid_fingerprint"
	CodeInvalidMediaURL    = "invalid_media_url"
	CodeInvalidChunkIndex  = "invalid_chunk_index"
	CodeQuotaExceeded      = "quota_exceeded"
	CodeRateLimited        = "rate_limited"
	CodeDurationExceeded   = "duration_exceeded"
	CodeSizeLimit          = "size_limit"
	CodeMissingChunks      = "missing_chunks"
	CodeNotUploadable      = "not_uploadable"
	CodeMissingUpload      = "missing_upload"
	CodeIncompleteUpload   = "incomplete_upload"
	CodeJobNotFound        = "job_not_found"
	CodeChunkCountMismatch = "chunk_count_mismatch"
	CodeInvalidProvider    = "invalid_provider"
	CodeInvalidSegment     = "invalid_segment"
	CodeTranscriptNotFound = "transcript_not_found"
)

// Error is a classified pipeline failure. Message is safe to show to users.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration // rate limits only
	Missing    []int         // missing chunk indices, capped
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches another *Error by code, so errors.Is(err, &Error{Code: ...}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func errNotFound() *Error {
	return newError(KindNotFound, CodeJobNotFound, "job not found")
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

const maxMissingReported = 50

// missingIndices returns indices in [0, expected) not present in have, capped.
func missingIndices(expected int, have []int) []int {
	seen := make(map[int]bool, len(have))
	for _, i := range have {
		seen[i] = true
	}
	var missing []int
	for i := 0; i < expected && len(missing) < maxMissingReported; i++ {
		if !seen[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// userMessage reduces a run failure to the text stored on the job row. It
// never includes paths or subprocess output.
func userMessage(err error) string {
	var (
		pe     *Error
		cmdErr *media.CommandError
		apiErr *transcribe.APIError
	)
	switch {
	case errors.Is(err, ErrCanceled):
		return "Canceled"
	case errors.As(err, &pe):
		return pe.Message
	case errors.Is(err, media.ErrTranscoderMissing):
		return "Transcoder unavailable on this server"
	case errors.As(err, &cmdErr):
		return "Media conversion failed"
	case errors.As(err, &apiErr):
		return fmt.Sprintf("Transcription failed (%s returned %d)", apiErr.Provider, apiErr.StatusCode)
	case errors.Is(err, errClaimLost):
		return "Processing claim lost"
	default:
		return "Processing failed"
	}
}

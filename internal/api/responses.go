package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/hlog"

	"github.com/snarg/transcriptd/internal/pipeline"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the standard error response body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Missing []int  `json:"missing,omitempty"`
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

// WriteErrorCode writes a JSON error response with a machine-readable code.
func WriteErrorCode(w http.ResponseWriter, status int, msg, code string) {
	WriteJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// WriteErrorDetail writes a JSON error response with detail.
func WriteErrorDetail(w http.ResponseWriter, status int, msg, detail string) {
	WriteJSON(w, status, ErrorResponse{Error: msg, Detail: detail})
}

// statusForKind maps a pipeline error class to an HTTP status.
func statusForKind(k pipeline.Kind) int {
	switch k {
	case pipeline.KindValidation:
		return http.StatusBadRequest
	case pipeline.KindQuota:
		return http.StatusTooManyRequests
	case pipeline.KindState:
		return http.StatusConflict
	case pipeline.KindNotFound:
		return http.StatusNotFound
	case pipeline.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// writePipelineError renders err. Classified errors keep their message;
// anything else is logged and reported as a generic 500.
func writePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	pe, ok := pipeline.AsError(err)
	if !ok {
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if pe.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(pe.RetryAfter.Seconds()))))
	}
	WriteJSON(w, statusForKind(pe.Kind), ErrorResponse{
		Error:   pe.Message,
		Code:    pe.Code,
		Missing: pe.Missing,
	})
}

// DecodeJSON reads and decodes a JSON request body into v.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("missing request body")
	}
	return json.NewDecoder(r.Body).Decode(v)
}

var errBadInt = errors.New("not an integer")

// headerOrQueryInt reads an integer from header, falling back to the query
// parameter. ok is false when neither is present.
func headerOrQueryInt(r *http.Request, header, query string) (n int, ok bool, err error) {
	v := r.Header.Get(header)
	if v == "" {
		v = r.URL.Query().Get(query)
	}
	if v == "" {
		return 0, false, nil
	}
	n, err = strconv.Atoi(v)
	if err != nil {
		return 0, true, fmt.Errorf("%s %q: %w", header, v, errBadInt)
	}
	return n, true, nil
}

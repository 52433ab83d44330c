package transcribe

import (
	"context"
	"fmt"
	"time"
)

// Provider is the interface for speech-to-text backends.
type Provider interface {
	Transcribe(ctx context.Context, audioPath string, opts TranscribeOpts) (*Response, error)
	Name() string  // "whisper", "deepinfra", "elevenlabs"
	Model() string // model identifier for logs
}

// TranscribeOpts are per-request options. Zero values are omitted from the request.
type TranscribeOpts struct {
	Language    string
	Prompt      string
	Temperature float64
}

// Response is the common transcription result from any provider.
// Times are in seconds relative to the start of the submitted audio.
type Response struct {
	Text     string
	Language string
	Duration float64
	Spans    []Span // phrase-level timings, nil if the provider returned none
	Words    []Word // word-level timings, nil if the provider returned none
}

// Span is a timed phrase as returned by a provider.
type Span struct {
	Text       string
	Start      float64
	End        float64
	Speaker    string
	Confidence *float64
}

// Word is a timestamped word from any STT provider.
type Word struct {
	Word    string
	Start   float64
	End     float64
	Speaker string
}

// APIError is a non-200 response from a provider. Body is truncated.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// Retryable reports whether the provider signalled a transient condition.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

func newAPIError(provider string, status int, body []byte) *APIError {
	const max = 512
	s := string(body)
	if len(s) > max {
		s = s[:max] + "..."
	}
	return &APIError{Provider: provider, StatusCode: status, Body: s}
}

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	Name       string // whisper, deepinfra, elevenlabs
	WhisperURL string
	APIKey     string
	Model      string
	Timeout    time.Duration
}

// NewProvider builds the configured provider.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Name {
	case "", "whisper":
		return NewWhisperClient(cfg.WhisperURL, cfg.Model, cfg.APIKey, cfg.Timeout), nil
	case "deepinfra":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("STT_PROVIDER=deepinfra requires STT_API_KEY")
		}
		model := cfg.Model
		if model == "" {
			model = "openai/whisper-large-v3-turbo"
		}
		return NewDeepInfraClient(cfg.APIKey, model, cfg.Timeout), nil
	case "elevenlabs":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("STT_PROVIDER=elevenlabs requires STT_API_KEY")
		}
		model := cfg.Model
		if model == "" {
			model = "scribe_v1"
		}
		return NewElevenLabsClient(cfg.APIKey, model, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown STT_PROVIDER %q (want whisper, deepinfra, or elevenlabs)", cfg.Name)
	}
}

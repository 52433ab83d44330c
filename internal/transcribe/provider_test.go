package transcribe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seg_000.mp3")
	if err := os.WriteFile(path, []byte("ID3fake"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestWhisperClient_Transcribe(t *testing.T) {
	var gotAuth, gotFormat, gotLang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
		}
		gotAuth = r.Header.Get("Authorization")
		gotFormat = r.FormValue("response_format")
		gotLang = r.FormValue("language")
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
		} else {
			data, _ := io.ReadAll(f)
			if string(data) != "ID3fake" {
				t.Errorf("file body = %q", data)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"text":"hi there","language":"en","duration":2.5,
			"segments":[{"text":"hi there","start":0.5,"end":2.0,"avg_logprob":-0.1}]}`)
	}))
	defer srv.Close()

	c := NewWhisperClient(srv.URL, "whisper-1", "sk-test", 5*time.Second)
	resp, err := c.Transcribe(context.Background(), writeAudio(t), TranscribeOpts{Language: "de"})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotFormat != "verbose_json" {
		t.Errorf("response_format = %q", gotFormat)
	}
	if gotLang != "de" {
		t.Errorf("language = %q, want de", gotLang)
	}
	if resp.Text != "hi there" || len(resp.Spans) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Spans[0].Confidence == nil {
		t.Error("Confidence = nil, want value from avg_logprob")
	}
}

func TestWhisperClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, strings.Repeat("x", 2000))
	}))
	defer srv.Close()

	c := NewWhisperClient(srv.URL, "", "", 5*time.Second)
	_, err := c.Transcribe(context.Background(), writeAudio(t), TranscribeOpts{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable || !apiErr.Retryable() {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if len(apiErr.Body) > 520 {
		t.Errorf("body not truncated: %d bytes", len(apiErr.Body))
	}
}

func TestDeepInfraClient_Transcribe(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		r.ParseMultipartForm(1 << 20)
		if _, _, err := r.FormFile("audio"); err != nil {
			t.Errorf("audio field missing: %v", err)
		}
		io.WriteString(w, `{"text":"a b","segments":[{"text":"a b","start":0,"end":1}]}`)
	}))
	defer srv.Close()

	c := NewDeepInfraClient("key", "openai/whisper-large-v3", 5*time.Second)
	c.baseURL = srv.URL + "/v1/inference/"
	resp, err := c.Transcribe(context.Background(), writeAudio(t), TranscribeOpts{})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if gotPath != "/v1/inference/openai/whisper-large-v3" {
		t.Errorf("path = %q", gotPath)
	}
	if len(resp.Spans) != 1 || resp.Spans[0].Text != "a b" {
		t.Errorf("spans = %+v", resp.Spans)
	}
}

func TestElevenLabsClient_Transcribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "el-key" {
			t.Errorf("xi-api-key = %q", r.Header.Get("xi-api-key"))
		}
		r.ParseMultipartForm(1 << 20)
		if r.FormValue("diarize") != "true" {
			t.Errorf("diarize = %q", r.FormValue("diarize"))
		}
		io.WriteString(w, `{"language_code":"en","text":"Hi. Yo.","words":[
			{"text":"Hi.","type":"word","start":0.0,"end":0.4,"speaker_id":"speaker_0"},
			{"text":" ","type":"spacing","start":0.4,"end":0.5},
			{"text":"Yo.","type":"word","start":0.5,"end":0.9,"speaker_id":"speaker_1"}]}`)
	}))
	defer srv.Close()

	c := NewElevenLabsClient("el-key", "scribe_v1", 5*time.Second)
	c.endpoint = srv.URL
	resp, err := c.Transcribe(context.Background(), writeAudio(t), TranscribeOpts{})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if len(resp.Words) != 2 {
		t.Fatalf("len(words) = %d, want 2 (spacing dropped)", len(resp.Words))
	}
	cues := BuildCues(resp)
	if len(cues) != 2 || cues[1].Speaker != "speaker_1" {
		t.Errorf("cues = %+v", cues)
	}
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ProviderConfig
		want    string
		wantErr bool
	}{
		{"default_whisper", ProviderConfig{}, "whisper", false},
		{"deepinfra", ProviderConfig{Name: "deepinfra", APIKey: "k"}, "deepinfra", false},
		{"deepinfra_no_key", ProviderConfig{Name: "deepinfra"}, "", true},
		{"elevenlabs", ProviderConfig{Name: "elevenlabs", APIKey: "k"}, "elevenlabs", false},
		{"unknown", ProviderConfig{Name: "nope"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && p.Name() != tt.want {
				t.Errorf("Name() = %q, want %q", p.Name(), tt.want)
			}
		})
	}
}

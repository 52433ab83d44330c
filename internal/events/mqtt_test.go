package events

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestTopics(t *testing.T) {
	tests := []struct {
		prefix     string
		wantCancel string
		wantStatus string
	}{
		{"transcriptd", "transcriptd/cancel", "transcriptd/jobs/j1/status"},
		{"prod/stt/", "prod/stt/cancel", "prod/stt/jobs/j1/status"},
		{"", "transcriptd/cancel", "transcriptd/jobs/j1/status"},
	}
	for _, tt := range tests {
		m := newMQTT(tt.prefix, zerolog.Nop())
		if got := m.cancelTopic(); got != tt.wantCancel {
			t.Errorf("cancelTopic(%q) = %q, want %q", tt.prefix, got, tt.wantCancel)
		}
		if got := m.statusTopic("j1"); got != tt.wantStatus {
			t.Errorf("statusTopic(%q) = %q, want %q", tt.prefix, got, tt.wantStatus)
		}
	}
}

func TestHandleCancel(t *testing.T) {
	m := newMQTT("x", zerolog.Nop())
	var gotUser, gotJob string
	calls := 0
	m.OnCancel(func(ctx context.Context, userID, jobID string) error {
		calls++
		gotUser, gotJob = userID, jobID
		return nil
	})

	m.handleCancel([]byte(`{"job_id":"j9","user_id":"u3"}`))
	if calls != 1 || gotUser != "u3" || gotJob != "j9" {
		t.Errorf("handler called %d times with (%q, %q)", calls, gotUser, gotJob)
	}

	for _, bad := range []string{`not json`, `{"job_id":"j9"}`, `{"user_id":"u3"}`} {
		m.handleCancel([]byte(bad))
	}
	if calls != 1 {
		t.Errorf("malformed payloads reached handler: calls = %d", calls)
	}
}

func TestHandleCancelErrorIsLogged(t *testing.T) {
	m := newMQTT("x", zerolog.Nop())
	m.OnCancel(func(ctx context.Context, userID, jobID string) error {
		return errors.New("not found")
	})
	// Must not panic.
	m.handleCancel([]byte(`{"job_id":"j","user_id":"u"}`))
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	p.PublishJob(context.Background(), JobEvent{JobID: "j"})
	if p.Connected() {
		t.Error("Nop.Connected() = true")
	}
}

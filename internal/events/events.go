// Package events publishes job lifecycle transitions and receives remote
// cancel commands over MQTT.
package events

import (
	"context"
	"time"
)

// JobEvent is one status transition of a job.
type JobEvent struct {
	JobID  string    `json:"job_id"`
	UserID string    `json:"user_id"`
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Publisher sends job events to subscribers. Publishing never blocks the
// caller on broker availability.
type Publisher interface {
	PublishJob(ctx context.Context, ev JobEvent)
	Connected() bool
}

// CancelFunc handles a remote cancel command.
type CancelFunc func(ctx context.Context, userID, jobID string) error

// Nop is a Publisher that drops every event.
type Nop struct{}

func (Nop) PublishJob(context.Context, JobEvent) {}
func (Nop) Connected() bool                      { return false }

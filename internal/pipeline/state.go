package pipeline

import (
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// abortReason records why a run stopped early. The first reason wins.
type abortReason int32

const (
	reasonNone     abortReason = iota
	reasonCanceled             // job canceled by a user or the reaper
	reasonLost                 // claim taken over, or job finished elsewhere
	reasonShutdown             // process is stopping
)

func (r abortReason) String() string {
	switch r {
	case reasonCanceled:
		return "canceled"
	case reasonLost:
		return "claim_lost"
	case reasonShutdown:
		return "shutdown"
	}
	return "none"
}

// processingState is the in-memory handle of one claimed job run. It is the
// cooperative cancellation flag checked at every phase boundary and the
// holder of the live transcoder process, which only the run's heartbeat
// monitor kills.
type processingState struct {
	jobID     string
	userID    string
	startedAt time.Time

	reason atomic.Int32
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	proc *os.Process
}

func newProcessingState(jobID, userID string) *processingState {
	return &processingState{
		jobID:     jobID,
		userID:    userID,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Canceled implements media.Controller and transcribe.Canceler.
func (s *processingState) Canceled() bool {
	return s.reason.Load() != int32(reasonNone)
}

func (s *processingState) Reason() abortReason {
	return abortReason(s.reason.Load())
}

// Done is closed when the run is aborted.
func (s *processingState) Done() <-chan struct{} {
	return s.done
}

// Attach implements media.Controller.
func (s *processingState) Attach(p *os.Process) {
	s.mu.Lock()
	s.proc = p
	s.mu.Unlock()
}

// Detach implements media.Controller.
func (s *processingState) Detach() {
	s.mu.Lock()
	s.proc = nil
	s.mu.Unlock()
}

// abort sets the cancellation flag and closes Done. Later calls keep the
// first reason.
func (s *processingState) abort(r abortReason) {
	s.reason.CompareAndSwap(int32(reasonNone), int32(r))
	s.once.Do(func() { close(s.done) })
}

func (s *processingState) kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil {
		_ = s.proc.Kill()
	}
}

// Package media wraps the ffmpeg subprocess used to normalize uploaded media
// into compact mono audio and split it into fixed-length segments.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

var (
	// ErrCanceled is returned when the run's cancellation flag was set before
	// or during a transcoder invocation.
	ErrCanceled = errors.New("canceled")

	// ErrTranscoderMissing means the ffmpeg binary could not be found. It is
	// fatal for the job and not retried.
	ErrTranscoderMissing = errors.New("transcoder binary not found")
)

// Controller is the per-run handle a subprocess reports to, so another
// goroutine can observe cancellation and kill the live process.
type Controller interface {
	Canceled() bool
	Attach(p *os.Process)
	Detach()
}

// CommandError is a non-zero transcoder exit. Stderr holds the tail of the
// diagnostic output and is meant for logs, not for users.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("ffmpeg exited with code %d: %s", e.ExitCode, lastLine(e.Stderr))
}

func (e *CommandError) Unwrap() error { return e.Err }

// commandResult is an internal process execution response.
type commandResult struct {
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, ctl Controller, name string, args ...string) (commandResult, error)
}

// execRunner executes commands via os/exec and registers the live process
// with the controller for the duration of the run.
type execRunner struct{}

const stderrTail = 4096

func (r *execRunner) Run(ctx context.Context, ctl Controller, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return commandResult{ExitCode: -1}, err
	}
	ctl.Attach(cmd.Process)
	err := cmd.Wait()
	ctl.Detach()

	result := commandResult{Stderr: stderr.String()}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// tailBuffer keeps only the last max bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.buf.Write(p)
	if over := b.buf.Len() - b.max; over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *tailBuffer) String() string { return b.buf.String() }

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

// fakeRunner simulates command execution outcomes.
type fakeRunner struct {
	calls int
	run   func(ctx context.Context, name string, args ...string) (commandResult, error)
}

func (f *fakeRunner) Run(ctx context.Context, ctl Controller, name string, args ...string) (commandResult, error) {
	f.calls++
	if f.run == nil {
		return commandResult{}, nil
	}
	return f.run(ctx, name, args...)
}

// fakeCtl is a Controller with a settable cancel flag.
type fakeCtl struct {
	canceled atomic.Bool
}

func (c *fakeCtl) Canceled() bool       { return c.canceled.Load() }
func (c *fakeCtl) Attach(p *os.Process) {}
func (c *fakeCtl) Detach()              {}

func newTestTranscoder(r commandRunner, threshold int64) *Transcoder {
	tc := New(Options{FFmpegPath: "ffmpeg-test", SegmentSeconds: 300, SegmentThreshold: threshold}, zerolog.Nop())
	tc.runner = r
	return tc
}

func mustWriteFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestConvert(t *testing.T) {
	dir := t.TempDir()
	var gotArgs []string
	r := &fakeRunner{run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
		if name != "ffmpeg-test" {
			t.Errorf("name = %q, want ffmpeg-test", name)
		}
		gotArgs = args
		mustWriteFile(t, args[len(args)-1], 10)
		return commandResult{}, nil
	}}
	tc := newTestTranscoder(r, 1<<20)

	out, err := tc.Convert(context.Background(), &fakeCtl{}, "/in/video.mp4", dir)
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if out != filepath.Join(dir, "audio.mp3") {
		t.Errorf("out = %q", out)
	}
	joined := strings.Join(gotArgs, " ")
	for _, want := range []string{"-ac 1", "-ar 16000", "-b:a 64k", "-vn", "-i /in/video.mp4"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
}

func TestConvertCanceledBeforeStart(t *testing.T) {
	r := &fakeRunner{}
	tc := newTestTranscoder(r, 1<<20)
	ctl := &fakeCtl{}
	ctl.canceled.Store(true)

	_, err := tc.Convert(context.Background(), ctl, "in", t.TempDir())
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("err = %v, want ErrCanceled", err)
	}
	if r.calls != 0 {
		t.Errorf("runner calls = %d, want 0", r.calls)
	}
}

func TestConvertCanceledDuringRun(t *testing.T) {
	ctl := &fakeCtl{}
	r := &fakeRunner{run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
		ctl.canceled.Store(true)
		return commandResult{ExitCode: -1}, errors.New("signal: killed")
	}}
	tc := newTestTranscoder(r, 1<<20)

	_, err := tc.Convert(context.Background(), ctl, "in", t.TempDir())
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("err = %v, want ErrCanceled", err)
	}
}

func TestConvertNonZeroExit(t *testing.T) {
	r := &fakeRunner{run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
		return commandResult{ExitCode: 1, Stderr: "line one\nInvalid data found when processing input"}, errors.New("exit status 1")
	}}
	tc := newTestTranscoder(r, 1<<20)

	_, err := tc.Convert(context.Background(), &fakeCtl{}, "in", t.TempDir())
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err = %T %v, want *CommandError", err, err)
	}
	if cmdErr.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", cmdErr.ExitCode)
	}
	if !strings.Contains(err.Error(), "Invalid data found") {
		t.Errorf("Error() = %q, want last stderr line", err.Error())
	}
}

func TestConvertMissingBinary(t *testing.T) {
	r := &fakeRunner{run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
		return commandResult{ExitCode: -1}, &exec.Error{Name: name, Err: exec.ErrNotFound}
	}}
	tc := newTestTranscoder(r, 1<<20)

	_, err := tc.Convert(context.Background(), &fakeCtl{}, "in", t.TempDir())
	if !errors.Is(err, ErrTranscoderMissing) {
		t.Fatalf("err = %v, want ErrTranscoderMissing", err)
	}
}

func TestSegmentBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	audio := filepath.Join(dir, "audio.mp3")
	mustWriteFile(t, audio, 100)
	r := &fakeRunner{}
	tc := newTestTranscoder(r, 1000)

	segs, err := tc.Segment(context.Background(), &fakeCtl{}, audio, dir)
	if err != nil {
		t.Fatalf("Segment() error = %v", err)
	}
	if len(segs) != 1 || segs[0].Path != audio || segs[0].OffsetMs != 0 {
		t.Errorf("segments = %+v, want single unsegmented", segs)
	}
	if r.calls != 0 {
		t.Errorf("runner calls = %d, want 0", r.calls)
	}
}

func TestSegmentSplitsWithOffsets(t *testing.T) {
	dir := t.TempDir()
	audio := filepath.Join(dir, "audio.mp3")
	mustWriteFile(t, audio, 5000)
	r := &fakeRunner{run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
		pattern := args[len(args)-1]
		// Written out of order to check sorting, including a two-digit index.
		for _, i := range []int{2, 0, 10, 1} {
			mustWriteFile(t, fmt.Sprintf(pattern, i), 10)
		}
		return commandResult{}, nil
	}}
	tc := newTestTranscoder(r, 1000)

	segs, err := tc.Segment(context.Background(), &fakeCtl{}, audio, dir)
	if err != nil {
		t.Fatalf("Segment() error = %v", err)
	}
	if len(segs) != 4 {
		t.Fatalf("len(segments) = %d, want 4", len(segs))
	}
	wantOffsets := []int64{0, 300000, 600000, 900000}
	wantNames := []string{"seg_000.mp3", "seg_001.mp3", "seg_002.mp3", "seg_010.mp3"}
	for i, s := range segs {
		if s.OffsetMs != wantOffsets[i] {
			t.Errorf("segments[%d].OffsetMs = %d, want %d", i, s.OffsetMs, wantOffsets[i])
		}
		if filepath.Base(s.Path) != wantNames[i] {
			t.Errorf("segments[%d].Path = %q, want %s", i, s.Path, wantNames[i])
		}
	}
}

func TestBuildSegmentArgs(t *testing.T) {
	args := strings.Join(buildSegmentArgs("a.mp3", "out_%03d.mp3", 300), " ")
	for _, want := range []string{"-f segment", "-segment_time 300", "-reset_timestamps 1", "-c copy"} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{max: 5}
	b.Write([]byte("abc"))
	b.Write([]byte("defgh"))
	if got := b.String(); got != "defgh" {
		t.Errorf("tail = %q, want %q", got, "defgh")
	}
}

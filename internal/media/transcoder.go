package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Segment is one slice of normalized audio and its absolute start offset.
type Segment struct {
	Path     string
	OffsetMs int64
}

// Options configures a Transcoder.
type Options struct {
	FFmpegPath       string
	Bitrate          string // e.g. "64k"
	SegmentSeconds   int
	SegmentThreshold int64 // bytes; audio at or above this size is split
}

// Transcoder runs ffmpeg to convert and segment audio.
type Transcoder struct {
	opts   Options
	runner commandRunner
	stat   func(name string) (os.FileInfo, error)
	log    zerolog.Logger
}

// New creates a Transcoder backed by os/exec.
func New(opts Options, log zerolog.Logger) *Transcoder {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.Bitrate == "" {
		opts.Bitrate = "64k"
	}
	if opts.SegmentSeconds <= 0 {
		opts.SegmentSeconds = 300
	}
	if opts.SegmentThreshold <= 0 {
		opts.SegmentThreshold = 20 << 20
	}
	return &Transcoder{
		opts:   opts,
		runner: &execRunner{},
		stat:   os.Stat,
		log:    log.With().Str("component", "transcoder").Logger(),
	}
}

// Available reports whether the ffmpeg binary can be resolved.
func (t *Transcoder) Available() error {
	if _, err := exec.LookPath(t.opts.FFmpegPath); err != nil {
		return ErrTranscoderMissing
	}
	return nil
}

// Convert produces mono 16kHz MP3 audio at the configured bitrate in outDir.
func (t *Transcoder) Convert(ctx context.Context, ctl Controller, inputPath, outDir string) (string, error) {
	outPath := filepath.Join(outDir, "audio.mp3")
	if err := t.run(ctx, ctl, buildConvertArgs(inputPath, outPath, t.opts.Bitrate)); err != nil {
		return "", err
	}
	if _, err := t.stat(outPath); err != nil {
		return "", fmt.Errorf("ffmpeg completed but output is missing: %w", err)
	}
	return outPath, nil
}

// Segment splits audio into SegmentSeconds-long pieces when it is at least
// SegmentThreshold bytes. Smaller audio is returned as a single segment at offset 0.
func (t *Transcoder) Segment(ctx context.Context, ctl Controller, audioPath, outDir string) ([]Segment, error) {
	if ctl.Canceled() {
		return nil, ErrCanceled
	}
	info, err := t.stat(audioPath)
	if err != nil {
		return nil, fmt.Errorf("stat audio: %w", err)
	}
	if info.Size() < t.opts.SegmentThreshold {
		return []Segment{{Path: audioPath, OffsetMs: 0}}, nil
	}

	segDir := filepath.Join(outDir, "segments")
	if err := os.MkdirAll(segDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir segments: %w", err)
	}
	pattern := filepath.Join(segDir, "seg_%03d.mp3")
	if err := t.run(ctx, ctl, buildSegmentArgs(audioPath, pattern, t.opts.SegmentSeconds)); err != nil {
		return nil, err
	}

	paths, err := listSegments(segDir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, errors.New("ffmpeg produced no segments")
	}

	segMs := int64(t.opts.SegmentSeconds) * 1000
	segments := make([]Segment, len(paths))
	for i, p := range paths {
		segments[i] = Segment{Path: p, OffsetMs: int64(i) * segMs}
	}
	t.log.Debug().Int("segments", len(segments)).Int64("size", info.Size()).Msg("audio segmented")
	return segments, nil
}

func (t *Transcoder) run(ctx context.Context, ctl Controller, args []string) error {
	if ctl.Canceled() {
		return ErrCanceled
	}
	res, err := t.runner.Run(ctx, ctl, t.opts.FFmpegPath, args...)
	if ctl.Canceled() {
		return ErrCanceled
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrTranscoderMissing, t.opts.FFmpegPath)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &CommandError{Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
}

// listSegments returns segment files in index order.
func listSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type seg struct {
		idx  int
		path string
	}
	var segs []seg
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "seg_") || !strings.HasSuffix(name, ".mp3") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "seg_"), ".mp3"))
		if err != nil {
			continue
		}
		segs = append(segs, seg{idx: idx, path: filepath.Join(dir, name)})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].idx < segs[j].idx })

	out := make([]string, len(segs))
	for i, s := range segs {
		out[i] = s.path
	}
	return out, nil
}

// buildConvertArgs builds args for mono 16k compressed audio output.
func buildConvertArgs(inputPath, outPath, bitrate string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "libmp3lame",
		"-b:a", bitrate,
		outPath,
	}
}

// buildSegmentArgs builds args that split audio into fixed-length pieces
// with timestamps reset to zero in each piece.
func buildSegmentArgs(audioPath, pattern string, seconds int) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", audioPath,
		"-f", "segment",
		"-segment_time", strconv.Itoa(seconds),
		"-reset_timestamps", "1",
		"-c", "copy",
		pattern,
	}
}

package transcribe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/transcriptd/internal/database"
	"github.com/snarg/transcriptd/internal/media"
)

// Canceler exposes a run's cooperative cancellation flag.
type Canceler interface {
	Canceled() bool
}

// Result is the merged transcript of all segments.
type Result struct {
	Text     string
	Language string
	Cues     []database.Cue
}

// Driver sends segments to a provider one at a time and merges the cues
// into one transcript on the global timeline.
type Driver struct {
	provider Provider
	log      zerolog.Logger

	// OnSegment is called after each segment completes. Optional.
	OnSegment func(provider string, d time.Duration, err error)
}

// NewDriver creates a Driver for the given provider.
func NewDriver(p Provider, log zerolog.Logger) *Driver {
	return &Driver{
		provider: p,
		log:      log.With().Str("component", "stt-driver").Str("provider", p.Name()).Logger(),
	}
}

// Provider returns the underlying provider.
func (d *Driver) Provider() Provider { return d.provider }

// TranscribeSegments transcribes segments strictly in order. Each cue is
// shifted by its segment's offset. A segment that returns text but no
// timings becomes a single cue starting at the segment offset. Any segment
// failure aborts the whole run.
func (d *Driver) TranscribeSegments(ctx context.Context, c Canceler, segments []media.Segment, opts TranscribeOpts) (*Result, error) {
	res := &Result{}
	var texts []string

	for i, seg := range segments {
		if c.Canceled() {
			return nil, media.ErrCanceled
		}

		start := time.Now()
		resp, err := d.provider.Transcribe(ctx, seg.Path, opts)
		if d.OnSegment != nil {
			d.OnSegment(d.provider.Name(), time.Since(start), err)
		}
		if err != nil {
			if c.Canceled() {
				return nil, media.ErrCanceled
			}
			return nil, fmt.Errorf("segment %d/%d: %w", i+1, len(segments), err)
		}
		if res.Language == "" {
			res.Language = resp.Language
		}

		cues := BuildCues(resp)
		if len(cues) == 0 {
			if text := strings.TrimSpace(resp.Text); text != "" {
				cue := database.Cue{StartMs: 0, EndMs: secondsToMs(resp.Duration), Text: text}
				cues = []database.Cue{cue}
			}
		}
		for _, cue := range cues {
			cue.StartMs += seg.OffsetMs
			cue.EndMs += seg.OffsetMs
			res.Cues = append(res.Cues, cue)
			texts = append(texts, cue.Text)
		}

		d.log.Debug().
			Int("segment", i).
			Int64("offset_ms", seg.OffsetMs).
			Int("cues", len(cues)).
			Dur("took", time.Since(start)).
			Msg("segment transcribed")
	}

	res.Text = strings.Join(texts, " ")
	if res.Cues == nil {
		res.Cues = []database.Cue{}
	}
	return res, nil
}

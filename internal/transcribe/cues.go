package transcribe

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/snarg/transcriptd/internal/database"
)

const (
	// maxCueGap is the silence between words that starts a new cue.
	maxCueGap = 1.5
	// maxCueSeconds bounds a word-built cue's length.
	maxCueSeconds = 15.0
)

// BuildCues converts a provider response into cues timed in milliseconds
// from the start of the submitted audio. Phrase spans are used as-is when
// present; otherwise words are grouped into cues, breaking on speaker
// changes, sentence ends, long pauses, and maxCueSeconds.
func BuildCues(r *Response) []database.Cue {
	if r == nil {
		return nil
	}
	if len(r.Spans) > 0 {
		cues := make([]database.Cue, 0, len(r.Spans))
		for _, s := range r.Spans {
			text := strings.TrimSpace(s.Text)
			if text == "" {
				continue
			}
			cues = append(cues, database.Cue{
				StartMs:    secondsToMs(s.Start),
				EndMs:      secondsToMs(s.End),
				Text:       text,
				Speaker:    s.Speaker,
				Confidence: s.Confidence,
			})
		}
		return cues
	}
	if len(r.Words) > 0 {
		return cuesFromWords(r.Words, r.Text)
	}
	return nil
}

// cueGroup is a run of consecutive words that form one cue.
type cueGroup struct {
	speaker  string
	start    float64
	end      float64
	firstIdx int
	lastIdx  int
}

func groupWords(words []Word) []cueGroup {
	var groups []cueGroup
	g := cueGroup{speaker: words[0].Speaker, start: words[0].Start, end: words[0].End}

	for i := 1; i < len(words); i++ {
		w, prev := words[i], words[i-1]
		split := w.Speaker != g.speaker ||
			endsSentence(prev.Word) ||
			w.Start-prev.End > maxCueGap ||
			w.End-g.start > maxCueSeconds
		if split {
			groups = append(groups, g)
			g = cueGroup{speaker: w.Speaker, start: w.Start, end: w.End, firstIdx: i, lastIdx: i}
			continue
		}
		g.end = w.End
		g.lastIdx = i
	}
	return append(groups, g)
}

// cuesFromWords builds cues from word timings. When fullText is provided,
// cue text is sliced from it to keep punctuation missing from word tokens.
func cuesFromWords(words []Word, fullText string) []database.Cue {
	groups := groupWords(words)
	var positions []int
	if fullText != "" {
		positions = mapWordPositions(words, fullText)
	}

	cues := make([]database.Cue, 0, len(groups))
	for i, grp := range groups {
		var text string
		if positions != nil {
			textStart := positions[grp.firstIdx]
			textEnd := len(fullText)
			if i+1 < len(groups) {
				textEnd = positions[groups[i+1].firstIdx]
			}
			text = strings.TrimSpace(fullText[textStart:textEnd])
		} else {
			parts := make([]string, 0, grp.lastIdx-grp.firstIdx+1)
			for _, w := range words[grp.firstIdx : grp.lastIdx+1] {
				parts = append(parts, strings.TrimSpace(w.Word))
			}
			text = strings.Join(parts, " ")
		}
		if text == "" {
			continue
		}
		cues = append(cues, database.Cue{
			StartMs: secondsToMs(grp.start),
			EndMs:   secondsToMs(grp.end),
			Text:    text,
			Speaker: grp.speaker,
		})
	}
	return cues
}

// mapWordPositions maps each word token to its byte offset in fullText using
// sequential case-insensitive forward scanning. Each word is matched only once,
// advancing past previous matches to handle repeated words correctly. Offsets
// always fall on rune boundaries of fullText.
func mapWordPositions(words []Word, fullText string) []int {
	positions := make([]int, len(words))
	searchFrom := 0

	for i, w := range words {
		word := strings.TrimSpace(w.Word)
		start, end := indexFold(fullText, word, searchFrom)
		if start >= 0 && word != "" {
			positions[i] = start
			searchFrom = end
		} else {
			// Word not found: use current search position as best guess
			positions[i] = searchFrom
		}
	}
	return positions
}

// indexFold returns the byte span of the first case-insensitive match of sub
// in s at or after from, or -1, -1. Matching is rune by rune under Unicode
// case folding, so the span is measured in s even when the two casings of a
// rune differ in encoded length.
func indexFold(s, sub string, from int) (int, int) {
	if sub == "" {
		return -1, -1
	}
	for start := from; start < len(s); {
		if end, ok := matchFoldAt(s, sub, start); ok {
			return start, end
		}
		_, size := utf8.DecodeRuneInString(s[start:])
		start += size
	}
	return -1, -1
}

func matchFoldAt(s, sub string, at int) (int, bool) {
	i := at
	for _, want := range sub {
		if i >= len(s) {
			return 0, false
		}
		got, size := utf8.DecodeRuneInString(s[i:])
		if !equalFoldRune(got, want) {
			return 0, false
		}
		i += size
	}
	return i, true
}

func equalFoldRune(a, b rune) bool {
	if a == b {
		return true
	}
	for r := unicode.SimpleFold(a); r != a; r = unicode.SimpleFold(r) {
		if r == b {
			return true
		}
	}
	return false
}

func endsSentence(word string) bool {
	w := strings.TrimSpace(word)
	return strings.HasSuffix(w, ".") || strings.HasSuffix(w, "?") || strings.HasSuffix(w, "!")
}

func secondsToMs(s float64) int64 {
	return int64(math.Round(s * 1000))
}

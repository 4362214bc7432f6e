package transcription

import (
	"fmt"
	"strings"
	"time"

	"github.com/vango-go/oto-voiceapi/pkg/core/voice/stt"
)

const (
	DefaultMaxGap         = 200 * time.Millisecond
	DefaultMaxCueDuration = 5 * time.Second

	// fallbackCueMS is the span given to a transcript that carries no word timings.
	fallbackCueMS = 10_000
)

// Format is a transcript rendering format.
type Format string

const (
	FormatPlain Format = "plain"
	FormatSRT   Format = "srt"
	FormatVTT   Format = "vtt"
)

// ParseFormat maps a user supplied name to a Format; empty means plain.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatPlain, "text":
		return FormatPlain, nil
	case FormatSRT:
		return FormatSRT, nil
	case FormatVTT, "webvtt":
		return FormatVTT, nil
	}
	return "", fmt.Errorf("unsupported transcript format %q", s)
}

// SubtitleOptions controls cue segmentation.
type SubtitleOptions struct {
	// MaxGap starts a new cue when the silence between two words exceeds it.
	MaxGap time.Duration
	// MaxCueDuration starts a new cue when adding a word would make the cue longer.
	MaxCueDuration time.Duration
}

func (o SubtitleOptions) withDefaults() SubtitleOptions {
	if o.MaxGap <= 0 {
		o.MaxGap = DefaultMaxGap
	}
	if o.MaxCueDuration <= 0 {
		o.MaxCueDuration = DefaultMaxCueDuration
	}
	return o
}

// Cue is one timed subtitle entry.
type Cue struct {
	StartMS int64
	EndMS   int64
	Text    string
}

// Cues segments words into cues. Cue start times are strictly increasing and
// no cue overlaps the next; zero-length cues are folded into a neighbour.
func Cues(words []stt.Word, opts SubtitleOptions) []Cue {
	opts = opts.withDefaults()
	maxGap := opts.MaxGap.Milliseconds()
	maxDur := opts.MaxCueDuration.Milliseconds()

	var (
		cues    []Cue
		cur     Cue
		parts   []string
		open    bool
		lastEnd int64
	)
	flush := func() {
		if open {
			cur.Text = strings.Join(parts, " ")
			cues = append(cues, cur)
		}
		parts = parts[:0]
		open = false
	}

	for _, w := range words {
		text := strings.TrimSpace(w.Text)
		if text == "" {
			continue
		}
		start, end := w.StartMS, w.EndMS
		if start < lastEnd {
			start = lastEnd
		}
		if start < 0 {
			start = 0
		}
		if end < start {
			end = start
		}
		lastEnd = end

		if open && (start-cur.EndMS > maxGap || end-cur.StartMS > maxDur) {
			flush()
		}
		if !open {
			cur = Cue{StartMS: start, EndMS: end}
			open = true
		}
		if end > cur.EndMS {
			cur.EndMS = end
		}
		parts = append(parts, text)
	}
	flush()

	return mergeEmptyCues(cues)
}

func mergeEmptyCues(cues []Cue) []Cue {
	out := make([]Cue, 0, len(cues))
	var pending *Cue // zero-length leading cue waiting for a successor
	for _, c := range cues {
		if pending != nil {
			c.StartMS = pending.StartMS
			c.Text = pending.Text + " " + c.Text
			if c.EndMS <= c.StartMS {
				pending = &c
				continue
			}
			pending = nil
		}
		if c.EndMS > c.StartMS {
			out = append(out, c)
			continue
		}
		if n := len(out); n > 0 {
			out[n-1].Text += " " + c.Text
			if c.EndMS > out[n-1].EndMS {
				out[n-1].EndMS = c.EndMS
			}
			continue
		}
		cc := c
		pending = &cc
	}
	if pending != nil {
		// Nothing left to merge with: give the cue the smallest valid span.
		c := *pending
		c.EndMS = c.StartMS + 1
		out = append(out, c)
	}
	return out
}

// ConvertToSRT renders words as SubRip text. Without word timings the whole
// transcript becomes one cue.
func ConvertToSRT(transcript string, words []stt.Word, opts SubtitleOptions) string {
	return renderCues(cuesOrFallback(transcript, words, opts), srtTimestamp)
}

// ConvertToVTT renders words as WebVTT text.
func ConvertToVTT(transcript string, words []stt.Word, opts SubtitleOptions) string {
	return "WEBVTT\n\n" + renderCues(cuesOrFallback(transcript, words, opts), vttTimestamp)
}

// Render renders a finalized transcript in the requested format.
func Render(format Format, segments []stt.Segment, opts SubtitleOptions) (string, error) {
	transcript := JoinText(segments)
	switch format {
	case FormatPlain, "":
		return transcript, nil
	case FormatSRT:
		return ConvertToSRT(transcript, Words(segments), opts), nil
	case FormatVTT:
		return ConvertToVTT(transcript, Words(segments), opts), nil
	}
	return "", fmt.Errorf("unsupported transcript format %q", format)
}

// Words flattens the word timings of finalized segments.
func Words(segments []stt.Segment) []stt.Word {
	var out []stt.Word
	for _, seg := range segments {
		out = append(out, seg.Words...)
	}
	return out
}

// JoinText joins segment texts with single spaces.
func JoinText(segments []stt.Segment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if t := strings.TrimSpace(seg.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

func cuesOrFallback(transcript string, words []stt.Word, opts SubtitleOptions) []Cue {
	cues := Cues(words, opts)
	if len(cues) > 0 {
		return cues
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return nil
	}
	return []Cue{{StartMS: 0, EndMS: fallbackCueMS, Text: transcript}}
}

func renderCues(cues []Cue, stamp func(int64) string) string {
	var b strings.Builder
	for i, c := range cues {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1, stamp(c.StartMS), stamp(c.EndMS), c.Text)
	}
	return b.String()
}

func srtTimestamp(ms int64) string {
	return formatTimestamp(ms, ',')
}

func vttTimestamp(ms int64) string {
	return formatTimestamp(ms, '.')
}

func formatTimestamp(ms int64, sep byte) string {
	if ms < 0 {
		ms = 0
	}
	h := ms / 3_600_000
	m := (ms / 60_000) % 60
	s := (ms / 1000) % 60
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms%1000)
}
